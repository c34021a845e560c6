package ledger

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/kv/memory"
	"github.com/pario-ai/spendguard/pkg/kv/sqlite"
	"github.com/pario-ai/spendguard/pkg/models"
)

const day = "2026-03-14"

type fakeAlerts struct {
	mu    sync.Mutex
	calls []models.CapType
}

func (f *fakeAlerts) MaybeAlert(_ context.Context, capType models.CapType, _, _ float64, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, capType)
	return true, nil
}

func newTestLedger(t *testing.T, alerts Alerter) (*Ledger, kv.Store) {
	t.Helper()
	store := memory.New(time.Minute)
	clock := func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }
	l := New(store, Caps{SoftUSD: 8, HardUSD: 10}, 48*time.Hour, alerts, zerolog.Nop(), WithClock(clock))
	t.Cleanup(func() {
		l.Close()
		_ = store.Close()
	})
	return l, store
}

func TestCurrentSpendAbsentIsZero(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	got, err := l.CurrentSpend(context.Background(), day)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestAddSpendAccumulates(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()

	if _, err := l.AddSpend(ctx, day, 7.9, "seed"); err != nil {
		t.Fatal(err)
	}
	total, err := l.AddSpend(ctx, day, 0.2, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 8.1 {
		t.Errorf("expected 8.1, got %v", total)
	}

	raw, err := store.Get(ctx, kv.SpendKey(day))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "8.1" {
		t.Errorf("expected decimal string 8.1, got %q", raw)
	}
}

func TestAddSpendRejectsNegative(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	for _, v := range []float64{-0.01, math.NaN(), math.Inf(1)} {
		_, err := l.AddSpend(context.Background(), day, v, "bad")
		if !models.IsValidation(err) {
			t.Errorf("amount %v: expected validation error, got %v", v, err)
		}
	}
}

func TestAddSpendConcurrentNoLostUpdates(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.AddSpend(ctx, day, 0.01, "c"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, err := l.CurrentSpend(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("expected 1.00 after 100 commits, got %v", got)
	}
}

func TestRecordWritesSpendEvent(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()
	est := 0.2

	if _, err := l.Record(ctx, day, Commit{JobID: "j1", Estimated: &est, Actual: 0.18}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AddSpend(ctx, day, 1, ""); err != nil {
		t.Fatal(err)
	}

	events, err := l.Events(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	var withEstimate, manual int
	for _, ev := range events {
		if ev.EstimatedCostUSD == nil {
			manual++
		} else {
			withEstimate++
			if ev.JobID != "j1" || ev.ActualCostUSD != 0.18 {
				t.Errorf("unexpected job event %+v", ev)
			}
		}
	}
	if withEstimate != 1 || manual != 1 {
		t.Errorf("expected one estimated and one manual event, got %d/%d", withEstimate, manual)
	}
}

func TestAlertsOnEachCapMet(t *testing.T) {
	alerts := &fakeAlerts{}
	l, _ := newTestLedger(t, alerts)
	ctx := context.Background()

	_, _ = l.AddSpend(ctx, day, 7.99, "a")
	if len(alerts.calls) != 0 {
		t.Fatalf("expected no alerts below soft cap, got %v", alerts.calls)
	}
	_, _ = l.AddSpend(ctx, day, 0.01, "b")
	if len(alerts.calls) != 1 || alerts.calls[0] != models.CapSoft {
		t.Fatalf("expected soft alert at exactly 8.00, got %v", alerts.calls)
	}
	_, _ = l.AddSpend(ctx, day, 2.5, "c")
	if len(alerts.calls) != 3 || alerts.calls[2] != models.CapHard {
		t.Errorf("expected soft and hard alerts, got %v", alerts.calls)
	}
}

func TestResetZeroesDay(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()
	_, _ = l.AddSpend(ctx, day, 9.5, "x")
	_, _ = l.AddSpend(ctx, "2026-03-15", 1, "y")

	if err := l.Reset(ctx, day); err != nil {
		t.Fatal(err)
	}
	got, _ := l.CurrentSpend(ctx, day)
	if got != 0 {
		t.Errorf("expected 0 after reset, got %v", got)
	}
	other, _ := l.CurrentSpend(ctx, "2026-03-15")
	if other != 1 {
		t.Errorf("reset leaked into another day: %v", other)
	}
}

func TestStatus(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()
	_, _ = l.AddSpend(ctx, day, 8.1, "x")
	_ = store.Put(ctx, kv.QueueKey("q1"), []byte("{}"), 0)
	_ = store.Put(ctx, kv.QueueKey("q2"), []byte("{}"), 0)

	st, err := l.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := models.SpendStatus{Date: day, SpentUSD: 8.1, SoftCapUSD: 8, HardCapUSD: 10, QueuedCount: 2}
	if st != want {
		t.Errorf("expected %+v, got %+v", want, st)
	}
}

func TestSetCaps(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	l.SetCaps(Caps{SoftUSD: 4, HardUSD: 5})
	if c := l.Caps(); c.SoftUSD != 4 || c.HardUSD != 5 {
		t.Errorf("unexpected caps %+v", c)
	}
}

func TestCurrentSpendStoreDown(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "kv.db"), 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	l := New(store, Caps{SoftUSD: 8, HardUSD: 10}, 48*time.Hour, nil, zerolog.Nop())
	t.Cleanup(l.Close)
	_ = store.Close()

	_, err = l.CurrentSpend(context.Background(), day)
	if !errors.Is(err, kv.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
