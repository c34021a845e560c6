// Package memory is an in-process kv.Store backed by go-cache. It is meant
// for tests and single-process deployments; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/pario-ai/spendguard/pkg/kv"
)

// Store keeps values in a go-cache instance with native TTL handling.
type Store struct {
	c *cache.Cache
}

// New creates a Store that sweeps expired keys every purgeInterval.
func New(purgeInterval time.Duration) *Store {
	if purgeInterval <= 0 {
		purgeInterval = time.Minute
	}
	return &Store{c: cache.New(cache.NoExpiration, purgeInterval)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), v.([]byte)...), nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	exp := cache.NoExpiration
	if ttl > 0 {
		exp = ttl
	}
	s.c.Set(key, append([]byte(nil), value...), exp)
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.c.Delete(key)
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range s.c.Items() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error {
	s.c.Flush()
	return nil
}
