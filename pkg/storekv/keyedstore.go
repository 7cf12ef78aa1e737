package storekv

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, same engine the teacher embeds

	"github.com/nervestack/memvault/pkg/merrors"
)

// Namespace groups related keys in a KeyedStore the way a SQL table would,
// without needing a table per concern.
type Namespace string

const (
	// NamespaceIndices maps a user id to the blob id of its current HNSW
	// snapshot.
	NamespaceIndices Namespace = "indices"
	// NamespaceVectors maps a "<userID>/<vectorID>" key to its encoded
	// vector + metadata sidecar row.
	NamespaceVectors Namespace = "vectors"
	// NamespaceGraphs maps a user id to the blob id of its current
	// knowledge-graph snapshot.
	NamespaceGraphs Namespace = "graphs"
	// NamespaceMemoryMappings maps a "<userID>/<memoryID>" key to the list
	// of entity ids a memory contributed to, for idempotent re-ingestion.
	NamespaceMemoryMappings Namespace = "memory_mappings"
)

// KeyedStore is the namespaced whole-object KV persistence layer: every
// write replaces a key's value atomically and bumps its version, so a
// reader never observes a partially-written record.
type KeyedStore interface {
	// Put atomically replaces the value at (namespace, key) and returns
	// the new version. expectedVersion, when non-zero, makes the write a
	// compare-and-swap: it fails with ErrVersionConflict if the stored
	// version doesn't match.
	Put(ctx context.Context, ns Namespace, key string, value []byte, expectedVersion uint64) (newVersion uint64, err error)
	// Get returns the value and version stored at (namespace, key).
	Get(ctx context.Context, ns Namespace, key string) (value []byte, version uint64, err error)
	// Delete removes (namespace, key). Deleting a missing key is not an error.
	Delete(ctx context.Context, ns Namespace, key string) error
	// ListKeys returns every key currently stored in namespace.
	ListKeys(ctx context.Context, ns Namespace) ([]string, error)
	// Close releases the underlying connection.
	Close() error
}

// ErrVersionConflict is returned by Put when expectedVersion doesn't match
// the version currently stored.
var ErrVersionConflict = fmt.Errorf("storekv: version conflict")

// SQLiteKeyedStore is the default KeyedStore, backed by a single SQLite
// file with one row per (namespace, key) pair.
type SQLiteKeyedStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLiteKeyedStore opens (creating if necessary) a SQLite-backed
// KeyedStore at path, using the same WAL/busy-timeout pragmas the rest of
// this codebase's SQL-backed ancestors used.
func OpenSQLiteKeyedStore(ctx context.Context, path string) (*SQLiteKeyedStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, merrors.Wrap("open_keyed_store", merrors.KindStorage, fmt.Errorf("open database: %w", err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	s := &SQLiteKeyedStore{db: db}
	if err := s.createTable(ctx); err != nil {
		db.Close()
		return nil, merrors.Wrap("open_keyed_store", merrors.KindStorage, err)
	}
	return s, nil
}

func (s *SQLiteKeyedStore) createTable(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS kv_records (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("create kv_records table: %w", err)
	}
	return nil
}

// Put implements KeyedStore.
func (s *SQLiteKeyedStore) Put(ctx context.Context, ns Namespace, key string, value []byte, expectedVersion uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, merrors.Wrap("kv_put", merrors.KindStorage, err)
	}
	defer tx.Rollback()

	var current uint64
	row := tx.QueryRowContext(ctx, `SELECT version FROM kv_records WHERE namespace = ? AND key = ?`, string(ns), key)
	err = row.Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return 0, merrors.Wrap("kv_put", merrors.KindStorage, err)
	}

	if expectedVersion != 0 && current != expectedVersion {
		return 0, merrors.Wrap("kv_put", merrors.KindStorage, ErrVersionConflict)
	}

	newVersion := current + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv_records (namespace, key, value, version, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, version = excluded.version, updated_at = CURRENT_TIMESTAMP
	`, string(ns), key, value, newVersion)
	if err != nil {
		return 0, merrors.Wrap("kv_put", merrors.KindStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, merrors.Wrap("kv_put", merrors.KindStorage, err)
	}
	return newVersion, nil
}

// Get implements KeyedStore.
func (s *SQLiteKeyedStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, uint64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value, version FROM kv_records WHERE namespace = ? AND key = ?`, string(ns), key)
	var value []byte
	var version uint64
	err := row.Scan(&value, &version)
	if err == sql.ErrNoRows {
		return nil, 0, merrors.Wrap("kv_get", merrors.KindStorage, merrors.ErrNotFound)
	}
	if err != nil {
		return nil, 0, merrors.Wrap("kv_get", merrors.KindStorage, err)
	}
	return value, version, nil
}

// Delete implements KeyedStore.
func (s *SQLiteKeyedStore) Delete(ctx context.Context, ns Namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE namespace = ? AND key = ?`, string(ns), key)
	if err != nil {
		return merrors.Wrap("kv_delete", merrors.KindStorage, err)
	}
	return nil
}

// ListKeys implements KeyedStore.
func (s *SQLiteKeyedStore) ListKeys(ctx context.Context, ns Namespace) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv_records WHERE namespace = ? ORDER BY key`, string(ns))
	if err != nil {
		return nil, merrors.Wrap("kv_list", merrors.KindStorage, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, merrors.Wrap("kv_list", merrors.KindStorage, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close implements KeyedStore.
func (s *SQLiteKeyedStore) Close() error {
	return s.db.Close()
}

var _ KeyedStore = (*SQLiteKeyedStore)(nil)
