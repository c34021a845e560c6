// Package sqlite is a durable kv.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/spendguard/pkg/kv"
)

const createKVTable = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at INTEGER
);
`

const createKVIndex = `CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_entries(expires_at)`

// Store keeps entries in a single table. Expired rows are invisible to
// reads immediately and physically removed by a background purge loop.
type Store struct {
	db   *sql.DB
	log  zerolog.Logger
	now  func() time.Time
	done chan struct{}
	wg   sync.WaitGroup
}

// Open opens (or creates) the database at path and starts the purge loop.
// A purgeInterval of zero disables the loop.
func Open(path string, purgeInterval time.Duration, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open kv db: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{createKVTable, createKVIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate kv db: %w", err)
		}
	}

	s := &Store{
		db:   db,
		log:  log,
		now:  time.Now,
		done: make(chan struct{}),
	}
	if purgeInterval > 0 {
		s.wg.Add(1)
		go s.purgeLoop(purgeInterval)
	}
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().UnixNano(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, &kv.StorageError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires sql.NullInt64
	now := s.now()
	if ttl > 0 {
		expires = sql.NullInt64{Int64: now.Add(ttl).UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv_entries (key, value, updated_at, expires_at) VALUES (?, ?, ?, ?)`,
		key, value, now.UTC(), expires,
	)
	if err != nil {
		return &kv.StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return &kv.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	query := `SELECT key FROM kv_entries WHERE (expires_at IS NULL OR expires_at > ?)`
	args := []any{s.now().UnixNano()}
	if prefix != "" {
		query += ` AND key >= ? AND key < ?`
		args = append(args, prefix, prefixEnd(prefix))
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &kv.StorageError{Op: "list", Key: prefix, Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &kv.StorageError{Op: "list", Key: prefix, Err: err}
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, &kv.StorageError{Op: "list", Key: prefix, Err: err}
	}
	return keys, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, &kv.StorageError{Op: "purge", Err: err}
	}
	return res.RowsAffected()
}

// Close stops the purge loop and releases the database.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) purgeLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.Purge(context.Background())
			if err != nil {
				s.log.Warn().Err(err).Msg("kv purge failed")
				continue
			}
			if n > 0 {
				s.log.Debug().Int64("removed", n).Msg("kv purge")
			}
		}
	}
}

// prefixEnd returns the smallest string greater than every key with prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
