package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/kv/memory"
	"github.com/pario-ai/spendguard/pkg/models"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []models.CapAlert
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, a models.CapAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func newTestAlerter(t *testing.T, n Notifier) (*Alerter, kv.Store) {
	t.Helper()
	store := memory.New(time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, n, 24*time.Hour, nil, zerolog.Nop()), store
}

func TestMaybeAlertOncePerCapPerDay(t *testing.T) {
	rec := &recordingNotifier{}
	a, store := newTestAlerter(t, rec)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, kv.QueueKey("j1"), []byte("{}"), 0))

	fired, err := a.MaybeAlert(ctx, models.CapSoft, 8.1, 8, "2026-01-01")
	require.NoError(t, err)
	assert.True(t, fired)

	for i := 0; i < 5; i++ {
		fired, err = a.MaybeAlert(ctx, models.CapSoft, 8.5+float64(i), 8, "2026-01-01")
		require.NoError(t, err)
		assert.False(t, fired)
	}

	// Other cap and other day are independent.
	fired, _ = a.MaybeAlert(ctx, models.CapHard, 10.2, 10, "2026-01-01")
	assert.True(t, fired)
	fired, _ = a.MaybeAlert(ctx, models.CapSoft, 8.2, 8, "2026-01-02")
	assert.True(t, fired)

	require.Equal(t, 3, rec.count())
	first := rec.alerts[0]
	assert.Equal(t, "soft_cap_exceeded", first.Type)
	assert.Equal(t, 1, first.QueuedJobs)
	assert.Equal(t, "every 10 minutes", first.NextReplay)
	assert.Equal(t, "midnight UTC", rec.alerts[1].NextReplay)

	logged, err := a.Log(ctx, "2026-01-01")
	require.NoError(t, err)
	assert.Len(t, logged, 2)
}

func TestMaybeAlertConcurrent(t *testing.T) {
	rec := &recordingNotifier{}
	a, _ := newTestAlerter(t, rec)

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := a.MaybeAlert(context.Background(), models.CapHard, 11, 10, "2026-01-01"); ok {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 1, rec.count())
}

func TestNotifierFailureKeepsDedup(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("channel down")}
	a, _ := newTestAlerter(t, rec)
	ctx := context.Background()

	fired, err := a.MaybeAlert(ctx, models.CapSoft, 9, 8, "2026-01-01")
	assert.True(t, fired)
	assert.Error(t, err)

	fired, err = a.MaybeAlert(ctx, models.CapSoft, 9, 8, "2026-01-01")
	assert.False(t, fired)
	assert.NoError(t, err)
}

func TestWebhookNotifierRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var got models.CapAlert
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		if got.CapType != models.CapHard {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 3, time.Millisecond)
	err := n.Notify(context.Background(), models.CapAlert{CapType: models.CapHard, Date: "2026-01-01"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifierClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 5, time.Millisecond)
	err := n.Notify(context.Background(), models.CapAlert{CapType: models.CapSoft})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, int32(1), calls.Load())
}

func TestTelegramNotifier(t *testing.T) {
	var gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotText, _ = body["text"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	defer srv.Close()

	n, err := NewTelegramNotifier("123:abc", 42, srv.URL)
	require.NoError(t, err)
	err = n.Notify(context.Background(), models.CapAlert{CapType: models.CapHard, Date: "2026-01-01", SpendUSD: 10.5, CapUSD: 10, NextReplay: "midnight UTC"})
	require.NoError(t, err)
	assert.Contains(t, gotText, "hard cap exceeded on 2026-01-01")
}

func TestMulti(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("boom")}
	err := Multi{ok, bad, ok}.Notify(context.Background(), models.CapAlert{})
	require.Error(t, err)
	assert.Equal(t, 2, ok.count())
	assert.Contains(t, err.Error(), "boom")
}
