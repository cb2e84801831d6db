package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	room_id TEXT PRIMARY KEY,
	module TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	entry TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_module ON snapshots(module);

CREATE TABLE IF NOT EXISTS operations (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	sequence INTEGER NOT NULL,
	entry TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operations_room ON operations(room_id, created_at, sequence);
CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at);

CREATE TABLE IF NOT EXISTS drafts (
	room_id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	entry TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// SqliteStore is a `LocalStore` on sqlite.
// Rows keep the indexed columns next to the json encoded entry.
type SqliteStore struct {
	db *sql.DB
}

func OpenSqliteStore(ctx context.Context, path string) (*SqliteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection serializes writers
	db.SetMaxOpenConns(1)
	store := &SqliteStore{db: db}
	if err := store.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (self *SqliteStore) init(ctx context.Context) error {
	if _, err := self.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := self.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (self *SqliteStore) Close() error {
	return self.db.Close()
}

func (self *SqliteStore) queryEntry(ctx context.Context, value any, query string, args ...any) error {
	var entry string
	err := self.db.QueryRowContext(ctx, query, args...).Scan(&entry)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	return unmarshalStoreValue([]byte(entry), value)
}

func (self *SqliteStore) queryOperations(ctx context.Context, query string, args ...any) ([]*OperationLogEntry, error) {
	rows, err := self.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	entries := []*OperationLogEntry{}
	for rows.Next() {
		var entryStr string
		if err := rows.Scan(&entryStr); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		entry := &OperationLogEntry{}
		if err := unmarshalStoreValue([]byte(entryStr), entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	sortOperationLogEntries(entries)
	return entries, nil
}

func (self *SqliteStore) SaveSnapshot(ctx context.Context, snapshot *DataSnapshot) error {
	entry, err := marshalStoreValue(snapshot)
	if err != nil {
		return err
	}
	_, err = self.db.ExecContext(ctx, `
		INSERT INTO snapshots (room_id, module, timestamp, entry) VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET module = excluded.module, timestamp = excluded.timestamp, entry = excluded.entry
	`, snapshot.RoomId, string(snapshot.Module), snapshot.Timestamp, string(entry))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (self *SqliteStore) GetSnapshot(ctx context.Context, roomId string) (*DataSnapshot, error) {
	snapshot := &DataSnapshot{}
	if err := self.queryEntry(ctx, snapshot, `SELECT entry FROM snapshots WHERE room_id = ?`, roomId); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (self *SqliteStore) DeleteSnapshot(ctx context.Context, roomId string) error {
	if _, err := self.db.ExecContext(ctx, `DELETE FROM snapshots WHERE room_id = ?`, roomId); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (self *SqliteStore) SaveOperation(ctx context.Context, entry *OperationLogEntry) error {
	entryBytes, err := marshalStoreValue(entry)
	if err != nil {
		return err
	}
	_, err = self.db.ExecContext(ctx, `
		INSERT INTO operations (id, room_id, status, created_at, sequence, entry) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			room_id = excluded.room_id,
			status = excluded.status,
			created_at = excluded.created_at,
			sequence = excluded.sequence,
			entry = excluded.entry
	`, entry.Id(), entry.RoomId(), string(entry.Status), entry.CreatedAt, int64(entry.Sequence), string(entryBytes))
	if err != nil {
		return fmt.Errorf("save operation: %w", err)
	}
	return nil
}

func (self *SqliteStore) GetOperation(ctx context.Context, operationId string) (*OperationLogEntry, error) {
	entry := &OperationLogEntry{}
	if err := self.queryEntry(ctx, entry, `SELECT entry FROM operations WHERE id = ?`, operationId); err != nil {
		return nil, err
	}
	return entry, nil
}

func (self *SqliteStore) GetOperationsByRoom(ctx context.Context, roomId string) ([]*OperationLogEntry, error) {
	return self.queryOperations(ctx, `SELECT entry FROM operations WHERE room_id = ?`, roomId)
}

func (self *SqliteStore) GetPendingOperations(ctx context.Context) ([]*OperationLogEntry, error) {
	return self.queryOperations(ctx, `SELECT entry FROM operations WHERE status != ?`, string(OperationStatusConfirmed))
}

func (self *SqliteStore) DeleteOperation(ctx context.Context, operationId string) error {
	if _, err := self.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, operationId); err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	return nil
}

func (self *SqliteStore) CleanupOldOperations(ctx context.Context, beforeTimestamp int64) (int, error) {
	result, err := self.db.ExecContext(ctx, `
		DELETE FROM operations WHERE created_at < ? AND status = ?
	`, beforeTimestamp, string(OperationStatusConfirmed))
	if err != nil {
		return 0, fmt.Errorf("cleanup operations: %w", err)
	}
	deletedCount, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup operations: %w", err)
	}
	return int(deletedCount), nil
}

func (self *SqliteStore) SaveDraft(ctx context.Context, draft *Draft) error {
	entry, err := marshalStoreValue(draft)
	if err != nil {
		return err
	}
	_, err = self.db.ExecContext(ctx, `
		INSERT INTO drafts (room_id, timestamp, entry) VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET timestamp = excluded.timestamp, entry = excluded.entry
	`, draft.RoomId, draft.Timestamp, string(entry))
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (self *SqliteStore) GetDraft(ctx context.Context, roomId string) (*Draft, error) {
	draft := &Draft{}
	if err := self.queryEntry(ctx, draft, `SELECT entry FROM drafts WHERE room_id = ?`, roomId); err != nil {
		return nil, err
	}
	return draft, nil
}

func (self *SqliteStore) DeleteDraft(ctx context.Context, roomId string) error {
	if _, err := self.db.ExecContext(ctx, `DELETE FROM drafts WHERE room_id = ?`, roomId); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

func (self *SqliteStore) ListDrafts(ctx context.Context) ([]*Draft, error) {
	rows, err := self.db.QueryContext(ctx, `SELECT entry FROM drafts ORDER BY room_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query drafts: %w", err)
	}
	defer rows.Close()

	drafts := []*Draft{}
	for rows.Next() {
		var entry string
		if err := rows.Scan(&entry); err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		draft := &Draft{}
		if err := unmarshalStoreValue([]byte(entry), draft); err != nil {
			return nil, err
		}
		drafts = append(drafts, draft)
	}
	return drafts, rows.Err()
}

func (self *SqliteStore) SetMetadata(ctx context.Context, key string, value []byte) error {
	_, err := self.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

func (self *SqliteStore) GetMetadata(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := self.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	return value, nil
}

func (self *SqliteStore) DeleteMetadata(ctx context.Context, key string) error {
	if _, err := self.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

func (self *SqliteStore) ListMetadataKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := self.db.QueryContext(ctx, `SELECT key FROM metadata WHERE substr(key, 1, ?) = ? ORDER BY key ASC`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("query metadata keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan metadata key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
