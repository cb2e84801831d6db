package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
)

var ErrNotFound = errors.New("Not found")

// LocalStore is the durable store that survives a reload.
// Implementations must be safe for concurrent use.
// Missing keys return `ErrNotFound`.
type LocalStore interface {
	SaveSnapshot(ctx context.Context, snapshot *DataSnapshot) error
	GetSnapshot(ctx context.Context, roomId string) (*DataSnapshot, error)
	DeleteSnapshot(ctx context.Context, roomId string) error

	SaveOperation(ctx context.Context, entry *OperationLogEntry) error
	GetOperation(ctx context.Context, operationId string) (*OperationLogEntry, error)
	// ordered by (createdAt, sequence)
	GetOperationsByRoom(ctx context.Context, roomId string) ([]*OperationLogEntry, error)
	// all entries that are not confirmed, ordered by (createdAt, sequence)
	GetPendingOperations(ctx context.Context) ([]*OperationLogEntry, error)
	DeleteOperation(ctx context.Context, operationId string) error
	// removes confirmed entries created before `beforeTimestamp` (unix millis)
	// every other entry is kept until it is confirmed or canceled
	CleanupOldOperations(ctx context.Context, beforeTimestamp int64) (int, error)

	SaveDraft(ctx context.Context, draft *Draft) error
	GetDraft(ctx context.Context, roomId string) (*Draft, error)
	DeleteDraft(ctx context.Context, roomId string) error
	ListDrafts(ctx context.Context) ([]*Draft, error)

	SetMetadata(ctx context.Context, key string, value []byte) error
	GetMetadata(ctx context.Context, key string) ([]byte, error)
	DeleteMetadata(ctx context.Context, key string) error
	ListMetadataKeys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

func cleanupEligible(entry *OperationLogEntry, beforeTimestamp int64) bool {
	if beforeTimestamp <= entry.CreatedAt {
		return false
	}
	return entry.Status == OperationStatusConfirmed
}

func sortOperationLogEntries(entries []*OperationLogEntry) {
	slices.SortStableFunc(entries, func(a *OperationLogEntry, b *OperationLogEntry) int {
		if a.CreatedAt < b.CreatedAt {
			return -1
		} else if b.CreatedAt < a.CreatedAt {
			return 1
		} else if a.Sequence < b.Sequence {
			return -1
		} else if b.Sequence < a.Sequence {
			return 1
		} else {
			return strings.Compare(a.Id(), b.Id())
		}
	})
}

func snapshotChecksum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

type StorageSettings struct {
	CleanupInterval    time.Duration
	OperationRetention time.Duration
	MetadataCacheSize  int
	// bounds how long a cached metadata read can be served without the store
	MetadataCacheTtl time.Duration
}

func DefaultStorageSettings() *StorageSettings {
	return &StorageSettings{
		CleanupInterval:    1 * time.Hour,
		OperationRetention: 7 * 24 * time.Hour,
		MetadataCacheSize:  512,
		MetadataCacheTtl:   5 * time.Minute,
	}
}

type snapshotMeta struct {
	Version   int64  `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Checksum  string `json:"checksum"`
}

// StorageManager is the only writer of snapshots and drafts.
// It fronts small metadata with an expiring cache and sweeps old data in the background.
type StorageManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    LocalStore
	metadata *MetadataCache

	// serializes snapshot version increments
	snapshotLock sync.Mutex

	settings *StorageSettings
}

func NewStorageManagerWithDefaults(ctx context.Context, store LocalStore) *StorageManager {
	return NewStorageManager(ctx, store, DefaultStorageSettings())
}

func NewStorageManager(ctx context.Context, store LocalStore, settings *StorageSettings) *StorageManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	storageManager := &StorageManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		metadata: NewMetadataCache(store, settings.MetadataCacheSize, settings.MetadataCacheTtl),
		settings: settings,
	}
	if 0 < settings.CleanupInterval {
		go storageManager.run()
	}
	return storageManager
}

func (self *StorageManager) run() {
	for {
		HandleError(func() {
			if _, err := self.Cleanup(self.ctx); err != nil {
				glog.Infof("[store]cleanup error = %s\n", err)
			}
		})
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.CleanupInterval):
		}
	}
}

func (self *StorageManager) Store() LocalStore {
	return self.store
}

func (self *StorageManager) Metadata() *MetadataCache {
	return self.metadata
}

// SaveSnapshot assigns the next version for the room and mirrors the snapshot meta into the metadata cache.
func (self *StorageManager) SaveSnapshot(ctx context.Context, snapshot *DataSnapshot) error {
	self.snapshotLock.Lock()
	defer self.snapshotLock.Unlock()

	previous, err := self.store.GetSnapshot(ctx, snapshot.RoomId)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if previous != nil && snapshot.Version <= previous.Version {
		snapshot.Version = previous.Version + 1
	} else if snapshot.Version <= 0 {
		snapshot.Version = 1
	}
	if snapshot.Timestamp == 0 {
		snapshot.Timestamp = nowMillis()
	}
	snapshot.Checksum = snapshotChecksum(snapshot.Data)

	if err := self.store.SaveSnapshot(ctx, snapshot); err != nil {
		glog.Infof("[store]save snapshot %s error = %s\n", snapshot.RoomId, err)
		return err
	}
	err = self.metadata.Set(ctx, fmt.Sprintf("snapshot:%s:meta", snapshot.RoomId), &snapshotMeta{
		Version:   snapshot.Version,
		Timestamp: snapshot.Timestamp,
		Checksum:  snapshot.Checksum,
	}, 0)
	if err != nil {
		return err
	}
	glog.V(1).Infof("[store]snapshot %s v%d\n", snapshot.RoomId, snapshot.Version)
	return nil
}

// returns nil if there is no snapshot
func (self *StorageManager) GetSnapshot(ctx context.Context, roomId string) (*DataSnapshot, error) {
	snapshot, err := self.store.GetSnapshot(ctx, roomId)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return snapshot, err
}

// SnapshotVersion reads the version from the metadata cache without loading the snapshot data.
func (self *StorageManager) SnapshotVersion(ctx context.Context, roomId string) (int64, bool, error) {
	var meta snapshotMeta
	ok, err := self.metadata.Get(ctx, fmt.Sprintf("snapshot:%s:meta", roomId), &meta)
	if err != nil || !ok {
		return 0, false, err
	}
	return meta.Version, true, nil
}

func (self *StorageManager) DeleteSnapshot(ctx context.Context, roomId string) error {
	if err := self.store.DeleteSnapshot(ctx, roomId); err != nil {
		return err
	}
	return self.metadata.Remove(ctx, fmt.Sprintf("snapshot:%s:meta", roomId))
}

func (self *StorageManager) SaveDraft(ctx context.Context, draft *Draft) error {
	if draft.Timestamp == 0 {
		draft.Timestamp = nowMillis()
	}
	if err := self.store.SaveDraft(ctx, draft); err != nil {
		glog.Infof("[store]save draft %s error = %s\n", draft.RoomId, err)
		return err
	}
	return self.metadata.Set(ctx, fmt.Sprintf("draft:%s", draft.RoomId), draft.Timestamp, 0)
}

// returns nil if there is no draft
func (self *StorageManager) GetDraft(ctx context.Context, roomId string) (*Draft, error) {
	draft, err := self.store.GetDraft(ctx, roomId)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return draft, err
}

func (self *StorageManager) DeleteDraft(ctx context.Context, roomId string) error {
	if err := self.store.DeleteDraft(ctx, roomId); err != nil {
		return err
	}
	return self.metadata.Remove(ctx, fmt.Sprintf("draft:%s", roomId))
}

func (self *StorageManager) HasDraft(ctx context.Context, roomId string) (bool, error) {
	var timestamp int64
	return self.metadata.Get(ctx, fmt.Sprintf("draft:%s", roomId), &timestamp)
}

func (self *StorageManager) DraftRoomIds(ctx context.Context) ([]string, error) {
	drafts, err := self.store.ListDrafts(ctx)
	if err != nil {
		return nil, err
	}
	roomIds := []string{}
	for _, draft := range drafts {
		roomIds = append(roomIds, draft.RoomId)
	}
	slices.Sort(roomIds)
	return roomIds, nil
}

func (self *StorageManager) SetMetadata(ctx context.Context, key string, value any, ttl time.Duration) error {
	return self.metadata.Set(ctx, key, value, ttl)
}

func (self *StorageManager) GetMetadata(ctx context.Context, key string, value any) (bool, error) {
	return self.metadata.Get(ctx, key, value)
}

func (self *StorageManager) DeleteMetadata(ctx context.Context, key string) error {
	return self.metadata.Remove(ctx, key)
}

// Cleanup purges expired metadata and operation log entries older than the retention window.
// Returns the number of operation log entries removed.
func (self *StorageManager) Cleanup(ctx context.Context) (int, error) {
	expiredCount, err := self.metadata.Cleanup(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-self.settings.OperationRetention).UnixMilli()
	deletedCount, err := self.store.CleanupOldOperations(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if 0 < deletedCount || 0 < expiredCount {
		glog.V(1).Infof("[store]cleanup removed %d operations, %d metadata\n", deletedCount, expiredCount)
	}
	return deletedCount, nil
}

func (self *StorageManager) Close() {
	self.cancel()
}

func marshalStoreValue(value any) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode store value: %w", err)
	}
	return b, nil
}

func unmarshalStoreValue(b []byte, value any) error {
	if err := json.Unmarshal(b, value); err != nil {
		return fmt.Errorf("decode store value: %w", err)
	}
	return nil
}
