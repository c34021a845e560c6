// Package redis is a kv.Store on a shared Redis instance, for deployments
// running several spendguard processes against one budget.
package redis

import (
	"context"
	"sort"
	"time"

	goredis "github.com/go-redis/redis"

	"github.com/pario-ai/spendguard/pkg/kv"
)

const scanCount = 500

// Store maps the kv contract onto plain Redis strings. TTLs are native.
type Store struct {
	db goredis.UniversalClient
}

// New wraps an existing client.
func New(db goredis.UniversalClient) *Store {
	return &Store{db: db}
}

// Dial connects to addr and verifies the connection.
func Dial(addr, password string, db int) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, &kv.StorageError{Op: "ping", Err: err}
	}
	return New(client), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.db.Get(key).Bytes()
	if err == goredis.Nil {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, &kv.StorageError{Op: "get", Key: key, Err: err}
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.db.Set(key, value, ttl).Err(); err != nil {
		return &kv.StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Del(key).Err(); err != nil {
		return &kv.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// List walks the keyspace with SCAN so large stores do not block Redis.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
		seen   = make(map[string]struct{})
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, next, err := s.db.Scan(cursor, escapeGlob(prefix)+"*", scanCount).Result()
		if err != nil {
			return nil, &kv.StorageError{Op: "list", Key: prefix, Err: err}
		}
		// SCAN may return a key more than once.
		for _, k := range batch {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
