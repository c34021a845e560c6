package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	goredis "github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/kv/kvtest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	db, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(db.Close)
	s := New(goredis.NewClient(&goredis.Options{Addr: db.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, db
}

func TestStore(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, _ := newTestStore(t)
		return s
	}, kvtest.Options{})
}

func TestPutSetsNativeTTL(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "spend:2026-01-01", []byte("4.2"), 48*time.Hour))
	require.NoError(t, s.Put(ctx, "job:a", []byte("{}"), 0))

	assert.Equal(t, 48*time.Hour, db.TTL("spend:2026-01-01"))
	assert.Equal(t, time.Duration(0), db.TTL("job:a"))
}

func TestUnavailable(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	s := New(goredis.NewClient(&goredis.Options{Addr: db.Addr()}))
	defer s.Close()
	db.Close()

	_, err = s.Get(context.Background(), "spend:2026-01-01")
	assert.True(t, errors.Is(err, kv.ErrUnavailable))
}
