package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite stores blobs in a single table of a local database file.
type SQLite struct {
	db    *sql.DB
	lease time.Duration
	clock func() time.Time
}

// OpenSQLite opens (and creates when missing) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS blobs (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS blob_locks (
    key TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init blob schema: %w", err)
	}
	return &SQLite{db: db, lease: defaultLockLease, clock: time.Now}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	return nil
}

// Lock records a lease row for key. Processes sharing the database file see
// each other's leases; an expired one is taken over.
func (s *SQLite) Lock(ctx context.Context, key string) (func() error, error) {
	owner := uuid.NewString()
	now := s.clock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO blob_locks(key, owner, expires_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
		 WHERE blob_locks.expires_at < ?`,
		key, owner, now.Add(s.lease).UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("lock blob %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		var expires int64
		if err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM blob_locks WHERE key = ?`, key).Scan(&expires); err == nil {
			return nil, lockedUntil(key, time.Unix(0, expires))
		}
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}

	renew := func() error {
		_, err := s.db.Exec(`UPDATE blob_locks SET expires_at = ? WHERE key = ? AND owner = ?`,
			s.clock().Add(s.lease).UnixNano(), key, owner)
		return err
	}
	release := func() error {
		if _, err := s.db.Exec(`DELETE FROM blob_locks WHERE key = ? AND owner = ?`, key, owner); err != nil {
			return fmt.Errorf("release blob lock %s: %w", key, err)
		}
		return nil
	}
	return holdLease(s.lease/3, renew, release), nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
