package collab

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltSnapshotsBucket          = []byte("snapshots")
	boltOperationsBucket         = []byte("operations")
	boltOperationsByRoomBucket   = []byte("operations_by_room")
	boltOperationsByCreateBucket = []byte("operations_by_created_at")
	boltDraftsBucket             = []byte("drafts")
	boltMetadataBucket           = []byte("metadata")
)

// BoltStore is a `LocalStore` in a single bbolt file.
// Operation entries have two index buckets:
//     operations_by_room        <room id> 0x00 <operation id>
//     operations_by_created_at  <created at, 8 bytes big endian> <operation id>
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			boltSnapshotsBucket,
			boltOperationsBucket,
			boltOperationsByRoomBucket,
			boltOperationsByCreateBucket,
			boltDraftsBucket,
			boltMetadataBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (self *BoltStore) Close() error {
	return self.db.Close()
}

func (self *BoltStore) put(bucket []byte, key string, value any) error {
	valueBytes, err := marshalStoreValue(value)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), valueBytes)
	})
}

func (self *BoltStore) get(bucket []byte, key string, value any) error {
	return self.db.View(func(tx *bolt.Tx) error {
		valueBytes := tx.Bucket(bucket).Get([]byte(key))
		if valueBytes == nil {
			return ErrNotFound
		}
		return unmarshalStoreValue(valueBytes, value)
	})
}

func (self *BoltStore) delete(bucket []byte, key string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (self *BoltStore) SaveSnapshot(ctx context.Context, snapshot *DataSnapshot) error {
	return self.put(boltSnapshotsBucket, snapshot.RoomId, snapshot)
}

func (self *BoltStore) GetSnapshot(ctx context.Context, roomId string) (*DataSnapshot, error) {
	snapshot := &DataSnapshot{}
	if err := self.get(boltSnapshotsBucket, roomId, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (self *BoltStore) DeleteSnapshot(ctx context.Context, roomId string) error {
	return self.delete(boltSnapshotsBucket, roomId)
}

func boltRoomIndexKey(roomId string, operationId string) []byte {
	key := make([]byte, 0, len(roomId)+1+len(operationId))
	key = append(key, roomId...)
	key = append(key, 0)
	key = append(key, operationId...)
	return key
}

func boltCreatedAtIndexKey(createdAt int64, operationId string) []byte {
	key := make([]byte, 8, 8+len(operationId))
	binary.BigEndian.PutUint64(key, uint64(createdAt))
	key = append(key, operationId...)
	return key
}

func boltDeleteOperation(tx *bolt.Tx, operationId string) error {
	operations := tx.Bucket(boltOperationsBucket)
	previousBytes := operations.Get([]byte(operationId))
	if previousBytes == nil {
		return nil
	}
	previous := &OperationLogEntry{}
	if err := unmarshalStoreValue(previousBytes, previous); err != nil {
		return err
	}
	if err := tx.Bucket(boltOperationsByRoomBucket).Delete(boltRoomIndexKey(previous.RoomId(), operationId)); err != nil {
		return err
	}
	if err := tx.Bucket(boltOperationsByCreateBucket).Delete(boltCreatedAtIndexKey(previous.CreatedAt, operationId)); err != nil {
		return err
	}
	return operations.Delete([]byte(operationId))
}

func (self *BoltStore) SaveOperation(ctx context.Context, entry *OperationLogEntry) error {
	entryBytes, err := marshalStoreValue(entry)
	if err != nil {
		return err
	}
	operationId := entry.Id()
	return self.db.Update(func(tx *bolt.Tx) error {
		if err := boltDeleteOperation(tx, operationId); err != nil {
			return err
		}
		if err := tx.Bucket(boltOperationsBucket).Put([]byte(operationId), entryBytes); err != nil {
			return err
		}
		if err := tx.Bucket(boltOperationsByRoomBucket).Put(boltRoomIndexKey(entry.RoomId(), operationId), []byte{}); err != nil {
			return err
		}
		return tx.Bucket(boltOperationsByCreateBucket).Put(boltCreatedAtIndexKey(entry.CreatedAt, operationId), []byte{})
	})
}

func (self *BoltStore) GetOperation(ctx context.Context, operationId string) (*OperationLogEntry, error) {
	entry := &OperationLogEntry{}
	if err := self.get(boltOperationsBucket, operationId, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (self *BoltStore) GetOperationsByRoom(ctx context.Context, roomId string) ([]*OperationLogEntry, error) {
	entries := []*OperationLogEntry{}
	prefix := boltRoomIndexKey(roomId, "")
	err := self.db.View(func(tx *bolt.Tx) error {
		operations := tx.Bucket(boltOperationsBucket)
		c := tx.Bucket(boltOperationsByRoomBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			entryBytes := operations.Get(k[len(prefix):])
			if entryBytes == nil {
				continue
			}
			entry := &OperationLogEntry{}
			if err := unmarshalStoreValue(entryBytes, entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortOperationLogEntries(entries)
	return entries, nil
}

func (self *BoltStore) GetPendingOperations(ctx context.Context) ([]*OperationLogEntry, error) {
	entries := []*OperationLogEntry{}
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltOperationsBucket).ForEach(func(k []byte, v []byte) error {
			entry := &OperationLogEntry{}
			if err := unmarshalStoreValue(v, entry); err != nil {
				return err
			}
			if entry.Status != OperationStatusConfirmed {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortOperationLogEntries(entries)
	return entries, nil
}

func (self *BoltStore) DeleteOperation(ctx context.Context, operationId string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return boltDeleteOperation(tx, operationId)
	})
}

func (self *BoltStore) CleanupOldOperations(ctx context.Context, beforeTimestamp int64) (int, error) {
	deletedCount := 0
	err := self.db.Update(func(tx *bolt.Tx) error {
		operations := tx.Bucket(boltOperationsBucket)
		operationIds := []string{}
		c := tx.Bucket(boltOperationsByCreateBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if int64(binary.BigEndian.Uint64(k[0:8])) >= beforeTimestamp {
				break
			}
			operationId := string(k[8:])
			entryBytes := operations.Get([]byte(operationId))
			if entryBytes == nil {
				continue
			}
			entry := &OperationLogEntry{}
			if err := unmarshalStoreValue(entryBytes, entry); err != nil {
				return err
			}
			if cleanupEligible(entry, beforeTimestamp) {
				operationIds = append(operationIds, operationId)
			}
		}
		// the cursor must not be used across deletes
		for _, operationId := range operationIds {
			if err := boltDeleteOperation(tx, operationId); err != nil {
				return err
			}
		}
		deletedCount = len(operationIds)
		return nil
	})
	return deletedCount, err
}

func (self *BoltStore) SaveDraft(ctx context.Context, draft *Draft) error {
	return self.put(boltDraftsBucket, draft.RoomId, draft)
}

func (self *BoltStore) GetDraft(ctx context.Context, roomId string) (*Draft, error) {
	draft := &Draft{}
	if err := self.get(boltDraftsBucket, roomId, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

func (self *BoltStore) DeleteDraft(ctx context.Context, roomId string) error {
	return self.delete(boltDraftsBucket, roomId)
}

func (self *BoltStore) ListDrafts(ctx context.Context) ([]*Draft, error) {
	drafts := []*Draft{}
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltDraftsBucket).ForEach(func(k []byte, v []byte) error {
			draft := &Draft{}
			if err := unmarshalStoreValue(v, draft); err != nil {
				return err
			}
			drafts = append(drafts, draft)
			return nil
		})
	})
	return drafts, err
}

func (self *BoltStore) SetMetadata(ctx context.Context, key string, value []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltMetadataBucket).Put([]byte(key), value)
	})
}

func (self *BoltStore) GetMetadata(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := self.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltMetadataBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// values are only valid for the life of the transaction
		value = bytes.Clone(v)
		return nil
	})
	return value, err
}

func (self *BoltStore) DeleteMetadata(ctx context.Context, key string) error {
	return self.delete(boltMetadataBucket, key)
}

func (self *BoltStore) ListMetadataKeys(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	err := self.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltMetadataBucket).Cursor()
		prefixBytes := []byte(prefix)
		for k, _ := c.Seek(prefixBytes); k != nil && bytes.HasPrefix(k, prefixBytes); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}
