// Package alert emits at most one notification per cap type per day when
// the ledger crosses its soft or hard threshold.
package alert

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/models"
)

// Notifier delivers a fired alert to a channel.
type Notifier interface {
	Notify(ctx context.Context, a models.CapAlert) error
}

// Alerter owns the CapAlert dedup records.
type Alerter struct {
	store    kv.Store
	notifier Notifier
	dedupTTL time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time

	// mu makes check-then-set atomic for callers in this process.
	mu sync.Mutex
}

// New creates an Alerter. A nil notifier only logs.
func New(store kv.Store, notifier Notifier, dedupTTL time.Duration, m *metrics.Metrics, log zerolog.Logger) *Alerter {
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &Alerter{
		store:    store,
		notifier: notifier,
		dedupTTL: dedupTTL,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// MaybeAlert fires the alert for (capType, day) unless it already fired.
// It reports whether this call fired it. A notifier failure is returned
// but the dedup record stays, so the alert is not re-sent.
func (a *Alerter) MaybeAlert(ctx context.Context, capType models.CapType, spend, capUSD float64, day string) (bool, error) {
	key := kv.AlertKey(string(capType), day)

	a.mu.Lock()
	_, err := a.store.Get(ctx, key)
	switch {
	case err == nil:
		a.mu.Unlock()
		return false, nil
	case !kv.IsNotFound(err):
		a.mu.Unlock()
		return false, fmt.Errorf("read alert flag: %w", err)
	}
	if err := a.store.Put(ctx, key, []byte("sent"), a.dedupTTL); err != nil {
		a.mu.Unlock()
		return false, fmt.Errorf("write alert flag: %w", err)
	}
	a.mu.Unlock()

	now := a.now().UTC()
	queued, err := a.store.List(ctx, kv.QueuePrefix)
	if err != nil {
		a.log.Warn().Err(err).Msg("count queued jobs for alert")
	}
	payload := models.CapAlert{
		Type:       string(capType) + "_cap_exceeded",
		CapType:    capType,
		Date:       day,
		SpendUSD:   spend,
		CapUSD:     capUSD,
		QueuedJobs: len(queued),
		NextReplay: nextReplay(capType),
		Timestamp:  now,
	}

	if err := kv.PutJSON(ctx, a.store, kv.AlertLogKey(day, strconv.FormatInt(now.UnixNano(), 10)), payload, 0); err != nil {
		a.log.Error().Err(err).Str("cap", string(capType)).Msg("write alert log")
	}

	a.metrics.Alert(string(capType))
	a.log.Warn().
		Str("cap", string(capType)).
		Str("day", day).
		Float64("spend", spend).
		Float64("cap_usd", capUSD).
		Int("queued_jobs", payload.QueuedJobs).
		Msg("spend cap exceeded")

	if err := a.notifier.Notify(ctx, payload); err != nil {
		return true, fmt.Errorf("notify %s cap alert: %w", capType, err)
	}
	return true, nil
}

// Log returns the alert records logged for day, oldest first.
func (a *Alerter) Log(ctx context.Context, day string) ([]models.CapAlert, error) {
	keys, err := a.store.List(ctx, kv.AlertLogPrefix+day+":")
	if err != nil {
		return nil, err
	}
	out := make([]models.CapAlert, 0, len(keys))
	for _, k := range keys {
		var rec models.CapAlert
		if err := kv.GetJSON(ctx, a.store, k, &rec); err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func nextReplay(capType models.CapType) string {
	if capType == models.CapHard {
		return "midnight UTC"
	}
	return "every 10 minutes"
}
