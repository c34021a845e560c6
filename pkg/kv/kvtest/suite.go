// Package kvtest holds the behaviour every kv.Store backend must share.
package kvtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/spendguard/pkg/kv"
)

// Options tunes the suite per backend. Advance moves the backend's clock
// forward; when nil the expiry case is skipped.
type Options struct {
	Advance func(time.Duration)
}

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) kv.Store, opts Options) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.True(t, errors.Is(err, kv.ErrNotFound))
	})

	t.Run("put get overwrite", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "spend:2026-01-01", []byte("1.5"), 0))
		require.NoError(t, s.Put(ctx, "spend:2026-01-01", []byte("2.5"), 0))
		got, err := s.Get(ctx, "spend:2026-01-01")
		require.NoError(t, err)
		assert.Equal(t, "2.5", string(got))
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "job:a", []byte("{}"), 0))
		require.NoError(t, s.Delete(ctx, "job:a"))
		require.NoError(t, s.Delete(ctx, "job:a"))
		_, err := s.Get(ctx, "job:a")
		assert.True(t, kv.IsNotFound(err))
	})

	t.Run("list by prefix sorted", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"queue:pending:b", "queue:pending:a", "queue:pendingX", "job:a", "queue:pending:c"} {
			require.NoError(t, s.Put(ctx, k, []byte("x"), 0))
		}
		keys, err := s.List(ctx, "queue:pending:")
		require.NoError(t, err)
		assert.Equal(t, []string{"queue:pending:a", "queue:pending:b", "queue:pending:c"}, keys)

		none, err := s.List(ctx, "retry_queue:")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("json helpers", func(t *testing.T) {
		s := newStore(t)
		type rec struct {
			N int `json:"n"`
		}
		require.NoError(t, kv.PutJSON(ctx, s, "k", rec{N: 7}, 0))
		var got rec
		require.NoError(t, kv.GetJSON(ctx, s, "k", &got))
		assert.Equal(t, 7, got.N)
		assert.True(t, kv.IsNotFound(kv.GetJSON(ctx, s, "missing", &got)))
	})

	t.Run("ttl expiry", func(t *testing.T) {
		if opts.Advance == nil {
			t.Skip("backend clock not controllable")
		}
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "alert:soft:2026-01-01", []byte("sent"), 50*time.Millisecond))
		require.NoError(t, s.Put(ctx, "alert:hard:2026-01-01", []byte("sent"), 0))
		_, err := s.Get(ctx, "alert:soft:2026-01-01")
		require.NoError(t, err)

		opts.Advance(200 * time.Millisecond)

		_, err = s.Get(ctx, "alert:soft:2026-01-01")
		assert.True(t, kv.IsNotFound(err))
		keys, err := s.List(ctx, "alert:")
		require.NoError(t, err)
		assert.Equal(t, []string{"alert:hard:2026-01-01"}, keys)
	})
}
