package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/kv/kvtest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kv_test.db"), 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.now
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestStore(t *testing.T) {
	var clock *fakeClock
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, c := newTestStore(t)
		clock = c
		return s
	}, kvtest.Options{Advance: func(d time.Duration) { clock.advance(d) }})
}

func TestPurge(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "spend:2026-01-01", []byte("3"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "events:spend:2026-01-01:x", []byte("{}"), 0); err != nil {
		t.Fatal(err)
	}

	n, err := s.Purge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected nothing purged, got %d", n)
	}

	clock.advance(2 * time.Hour)
	n, err = s.Purge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv_test.db")
	ctx := context.Background()

	s, err := Open(path, 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "recipient:a@b.c", []byte(`{"email":"a@b.c"}`), 0); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path, 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "recipient:a@b.c")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"email":"a@b.c"}` {
		t.Errorf("unexpected value %s", got)
	}
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "kv_test.db"), 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	_, err = s.Get(context.Background(), "spend:2026-01-01")
	if !errors.Is(err, kv.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestPrefixEnd(t *testing.T) {
	if got := prefixEnd("queue:pending:"); got != "queue:pending;" {
		t.Errorf("prefixEnd = %q", got)
	}
}
