package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Store keeps completion responses in sqlite, keyed by a request hash.
// Writes are serialized across processes with a file lock.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

type Result struct {
	Hit      bool
	Kind     string
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

// Open creates the database if needed and drops entries that are past their
// TTL by more than retain, since no stale fallback can use them.
func Open(path, lockPath string, retain time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA busy_timeout=5000;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS responses (
			key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			value BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS responses_expiry ON responses (created_at + ttl_seconds);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath)}
	_, _ = store.Prune(context.Background(), retain)
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes entries older than their TTL plus retain and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, retain time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if retain < 0 {
		retain = 0
	}
	cutoff := time.Now().UTC().Add(-retain).Unix()
	res, err := s.db.ExecContext(ctx, "DELETE FROM responses WHERE created_at + ttl_seconds < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Get looks up key. A negative maxStale accepts stale entries of any age.
func (s *Store) Get(ctx context.Context, key string, maxStale time.Duration) (Result, error) {
	var (
		kind        string
		value       []byte
		createdUnix int64
		ttlSeconds  int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT kind, value, created_at, ttl_seconds FROM responses WHERE key = ?", key).
		Scan(&kind, &value, &createdUnix, &ttlSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("cache read: %w", err)
	}

	age := time.Since(time.Unix(createdUnix, 0).UTC())
	if age < 0 {
		age = 0
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	stale := age > ttl

	return Result{
		Hit:      true,
		Kind:     kind,
		Value:    value,
		Age:      age,
		Stale:    stale,
		TooStale: stale && maxStale >= 0 && age > ttl+maxStale,
	}, nil
}

func (s *Store) Set(ctx context.Context, key, kind string, value []byte, ttl time.Duration) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO responses (key, kind, value, created_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind=excluded.kind,
			value=excluded.value,
			created_at=excluded.created_at,
			ttl_seconds=excluded.ttl_seconds
	`, key, kind, value, time.Now().UTC().Unix(), ttlSeconds)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}
