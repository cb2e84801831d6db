package collab

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "collab.db"))
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTestSqliteStore(t *testing.T) *SqliteStore {
	store, err := OpenSqliteStore(context.Background(), filepath.Join(t.TempDir(), "collab.sqlite"))
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testEntry(roomId string, status OperationStatus, createdAt int64, sequence uint64) *OperationLogEntry {
	op, _ := NewOperation(ModuleChat, roomId, "c1", OperationTypeMessage, map[string]string{"content": "hi"})
	return &OperationLogEntry{
		Operation: op,
		Status:    status,
		CreatedAt: createdAt,
		Sequence:  sequence,
	}
}

func testLocalStore(t *testing.T, store LocalStore) {
	ctx := context.Background()

	// snapshots
	_, err := store.GetSnapshot(ctx, "r1")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))

	err = store.SaveSnapshot(ctx, &DataSnapshot{
		RoomId:    "r1",
		Module:    ModuleDocument,
		Data:      json.RawMessage(`{"a":1}`),
		Version:   3,
		Timestamp: 100,
	})
	assert.Equal(t, err, nil)
	snapshot, err := store.GetSnapshot(ctx, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(3), snapshot.Version)
	assert.Equal(t, ModuleDocument, snapshot.Module)
	assert.Equal(t, `{"a":1}`, string(snapshot.Data))

	assert.Equal(t, store.DeleteSnapshot(ctx, "r1"), nil)
	_, err = store.GetSnapshot(ctx, "r1")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))

	// operations
	now := time.Now().UnixMilli()
	a := testEntry("r1", OperationStatusPending, now, 1)
	b := testEntry("r1", OperationStatusSent, now, 2)
	c := testEntry("r2", OperationStatusFailed, now-10, 3)
	d := testEntry("r2", OperationStatusConfirmed, now, 4)
	for _, entry := range []*OperationLogEntry{b, a, d, c} {
		assert.Equal(t, store.SaveOperation(ctx, entry), nil)
	}

	entry, err := store.GetOperation(ctx, a.Id())
	assert.Equal(t, err, nil)
	assert.Equal(t, OperationStatusPending, entry.Status)

	room1, err := store.GetOperationsByRoom(ctx, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(room1))
	assert.Equal(t, a.Id(), room1[0].Id())
	assert.Equal(t, b.Id(), room1[1].Id())

	pending, err := store.GetPendingOperations(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, len(pending))
	// c was created first
	assert.Equal(t, c.Id(), pending[0].Id())

	// update in place moves the entry between rooms indexes correctly
	a.Status = OperationStatusSending
	a.Retries = 1
	assert.Equal(t, store.SaveOperation(ctx, a), nil)
	entry, err = store.GetOperation(ctx, a.Id())
	assert.Equal(t, err, nil)
	assert.Equal(t, OperationStatusSending, entry.Status)
	assert.Equal(t, 1, entry.Retries)
	room1, err = store.GetOperationsByRoom(ctx, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(room1))

	// only confirmed entries are eligible for cleanup
	// a sent entry was never acknowledged and is kept however old
	deletedCount, err := store.CleanupOldOperations(ctx, now+1)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, deletedCount)
	_, err = store.GetOperation(ctx, d.Id())
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
	entry, err = store.GetOperation(ctx, b.Id())
	assert.Equal(t, err, nil)
	assert.Equal(t, OperationStatusSent, entry.Status)
	_, err = store.GetOperation(ctx, c.Id())
	assert.Equal(t, err, nil)

	assert.Equal(t, store.DeleteOperation(ctx, a.Id()), nil)
	room1, err = store.GetOperationsByRoom(ctx, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(room1))
	assert.Equal(t, b.Id(), room1[0].Id())

	// drafts
	assert.Equal(t, store.SaveDraft(ctx, &Draft{RoomId: "r2", Module: ModuleChat, Data: json.RawMessage(`"x"`), Timestamp: 5}), nil)
	assert.Equal(t, store.SaveDraft(ctx, &Draft{RoomId: "r1", Module: ModuleDocument, Data: json.RawMessage(`"y"`), Timestamp: 6}), nil)
	draft, err := store.GetDraft(ctx, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, `"y"`, string(draft.Data))
	drafts, err := store.ListDrafts(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(drafts))
	assert.Equal(t, store.DeleteDraft(ctx, "r1"), nil)
	_, err = store.GetDraft(ctx, "r1")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))

	// metadata
	assert.Equal(t, store.SetMetadata(ctx, "meta:a", []byte("1")), nil)
	assert.Equal(t, store.SetMetadata(ctx, "meta:b", []byte("2")), nil)
	assert.Equal(t, store.SetMetadata(ctx, "other", []byte("3")), nil)
	value, err := store.GetMetadata(ctx, "meta:b")
	assert.Equal(t, err, nil)
	assert.Equal(t, "2", string(value))
	keys, err := store.ListMetadataKeys(ctx, "meta:")
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"meta:a", "meta:b"}, keys)
	assert.Equal(t, store.DeleteMetadata(ctx, "meta:a"), nil)
	_, err = store.GetMetadata(ctx, "meta:a")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}

func TestBoltStore(t *testing.T) {
	testLocalStore(t, newTestBoltStore(t))
}

func TestSqliteStore(t *testing.T) {
	testLocalStore(t, newTestSqliteStore(t))
}

func TestBoltStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "collab.db")

	store, err := OpenBoltStore(path)
	assert.Equal(t, err, nil)
	entry := testEntry("r1", OperationStatusPending, time.Now().UnixMilli(), 1)
	assert.Equal(t, store.SaveOperation(ctx, entry), nil)
	assert.Equal(t, store.Close(), nil)

	store, err = OpenBoltStore(path)
	assert.Equal(t, err, nil)
	defer store.Close()
	pending, err := store.GetPendingOperations(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(pending))
	assert.Equal(t, entry.Id(), pending[0].Id())
}

func TestStorageManagerSnapshotVersion(t *testing.T) {
	ctx := context.Background()
	settings := DefaultStorageSettings()
	settings.CleanupInterval = 0
	storage := NewStorageManager(ctx, newTestBoltStore(t), settings)
	defer storage.Close()

	for i := 0; i < 3; i += 1 {
		err := storage.SaveSnapshot(ctx, &DataSnapshot{
			RoomId: "r1",
			Module: ModuleDocument,
			Data:   json.RawMessage(`{}`),
		})
		assert.Equal(t, err, nil)
	}
	snapshot, err := storage.GetSnapshot(ctx, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(3), snapshot.Version)
	assert.NotEqual(t, "", snapshot.Checksum)

	version, ok, err := storage.SnapshotVersion(ctx, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(3), version)

	missing, err := storage.GetSnapshot(ctx, "r2")
	assert.Equal(t, err, nil)
	assert.Equal(t, missing, nil)
}

func TestStorageManagerDrafts(t *testing.T) {
	ctx := context.Background()
	settings := DefaultStorageSettings()
	settings.CleanupInterval = 0
	storage := NewStorageManager(ctx, newTestSqliteStore(t), settings)
	defer storage.Close()

	hasDraft, err := storage.HasDraft(ctx, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, false, hasDraft)

	assert.Equal(t, storage.SaveDraft(ctx, &Draft{RoomId: "r1", Module: ModuleChat, Data: json.RawMessage(`[]`)}), nil)
	assert.Equal(t, storage.SaveDraft(ctx, &Draft{RoomId: "r0", Module: ModuleChat, Data: json.RawMessage(`[]`)}), nil)

	hasDraft, err = storage.HasDraft(ctx, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, true, hasDraft)

	roomIds, err := storage.DraftRoomIds(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"r0", "r1"}, roomIds)

	assert.Equal(t, storage.DeleteDraft(ctx, "r1"), nil)
	hasDraft, err = storage.HasDraft(ctx, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, false, hasDraft)
}

func TestMetadataExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestBoltStore(t)
	metadata := NewMetadataCache(store, 16, time.Minute)

	assert.Equal(t, metadata.Set(ctx, "short", "a", 20*time.Millisecond), nil)
	assert.Equal(t, metadata.Set(ctx, "long", "b", 0), nil)

	var value string
	ok, err := metadata.Get(ctx, "short", &value)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, ok)
	assert.Equal(t, "a", value)

	time.Sleep(50 * time.Millisecond)

	// a second cache over the same store sees the persisted expiry
	other := NewMetadataCache(store, 16, time.Minute)
	removedCount, err := other.Cleanup(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, removedCount)

	ok, err = metadata.Get(ctx, "short", &value)
	assert.Equal(t, err, nil)
	assert.Equal(t, false, ok)

	ok, err = other.Get(ctx, "long", &value)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, ok)
	assert.Equal(t, "b", value)
}
