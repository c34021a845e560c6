// Package ledger tracks cumulative spend per UTC day against the soft and
// hard caps. The day's total lives in the shared store under spend:<date>;
// the normal rollover is simply a new key.
package ledger

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/models"
)

// Caps are the two daily thresholds in USD.
type Caps struct {
	SoftUSD float64
	HardUSD float64
}

// Alerter is notified when a commit leaves the total at or above a cap.
type Alerter interface {
	MaybeAlert(ctx context.Context, capType models.CapType, spend, capUSD float64, day string) (bool, error)
}

// Commit is one spend addition. Estimated is nil for manual additions.
// CostEstimated marks an Actual that is really the estimate.
type Commit struct {
	JobID         string
	Estimated     *float64
	Actual        float64
	CostEstimated bool
}

// Ledger reads and commits daily spend.
type Ledger struct {
	store    kv.Store
	writer   *kv.Serializer
	caps     atomic.Pointer[Caps]
	spendTTL time.Duration
	alerts   Alerter
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used for "today".
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a Ledger. alerts may be nil.
func New(store kv.Store, caps Caps, spendTTL time.Duration, alerts Alerter, log zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		writer:   kv.NewSerializer(),
		spendTTL: spendTTL,
		alerts:   alerts,
		log:      log,
		now:      time.Now,
	}
	l.caps.Store(&caps)
	for _, o := range opts {
		o(l)
	}
	return l
}

// Close stops the writer goroutine.
func (l *Ledger) Close() {
	l.writer.Close()
}

// Caps returns the thresholds currently in force.
func (l *Ledger) Caps() Caps {
	return *l.caps.Load()
}

// SetCaps swaps the thresholds, e.g. after a config reload.
func (l *Ledger) SetCaps(c Caps) {
	l.caps.Store(&c)
	l.log.Info().Float64("soft_cap", c.SoftUSD).Float64("hard_cap", c.HardUSD).Msg("ledger caps updated")
}

// Today returns the current UTC day key.
func (l *Ledger) Today() string {
	return models.DayKey(l.now())
}

// CurrentSpend returns the total committed for day, or 0 when nothing has
// been spent yet.
func (l *Ledger) CurrentSpend(ctx context.Context, day string) (float64, error) {
	data, err := l.store.Get(ctx, kv.SpendKey(day))
	if kv.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read spend: %w", err)
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return 0, fmt.Errorf("parse spend %q: %w", data, err)
	}
	if v < 0 || math.IsNaN(v) {
		return 0, nil
	}
	return v, nil
}

// AddSpend commits amount to day on behalf of jobID and returns the new total.
func (l *Ledger) AddSpend(ctx context.Context, day string, amount float64, jobID string) (float64, error) {
	return l.Record(ctx, day, Commit{JobID: jobID, Actual: amount})
}

// Record commits c.Actual to day, appends a SpendEvent carrying both the
// estimate and the actual cost, and checks the caps.
func (l *Ledger) Record(ctx context.Context, day string, c Commit) (float64, error) {
	if c.Actual < 0 || math.IsNaN(c.Actual) || math.IsInf(c.Actual, 0) {
		return 0, &models.ValidationError{Field: "amount", Message: "must be a non-negative number"}
	}

	var total float64
	err := l.writer.Do(ctx, func() error {
		cur, err := l.CurrentSpend(ctx, day)
		if err != nil {
			return err
		}
		total = roundMicros(cur + c.Actual)
		if err := l.store.Put(ctx, kv.SpendKey(day), []byte(formatUSD(total)), l.spendTTL); err != nil {
			return fmt.Errorf("write spend: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	ev := models.SpendEvent{
		JobID:            c.JobID,
		EstimatedCostUSD: c.Estimated,
		ActualCostUSD:    c.Actual,
		CostEstimated:    c.CostEstimated,
		LedgerTotalAfter: total,
		Timestamp:        l.now().UTC(),
	}
	if err := kv.PutJSON(ctx, l.store, kv.SpendEventKey(day, uuid.NewString()), ev, l.spendTTL); err != nil {
		l.log.Error().Err(err).Str("job_id", c.JobID).Msg("append spend event")
	}

	l.metrics.SpendCommitted(c.Actual, total)
	l.log.Info().
		Str("day", day).
		Str("job_id", c.JobID).
		Float64("amount", c.Actual).
		Float64("total", total).
		Msg("spend committed")

	l.checkCaps(ctx, day, total)
	return total, nil
}

// Reset zeroes the total for day. The normal rollover does not need it.
func (l *Ledger) Reset(ctx context.Context, day string) error {
	err := l.writer.Do(ctx, func() error {
		if err := l.store.Delete(ctx, kv.SpendKey(day)); err != nil {
			return fmt.Errorf("reset spend: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.metrics.SpendToday(0)
	l.log.Warn().Str("day", day).Msg("daily spend reset")
	return nil
}

// Status returns today's spend, the caps and the queue depth.
func (l *Ledger) Status(ctx context.Context) (models.SpendStatus, error) {
	day := l.Today()
	spent, err := l.CurrentSpend(ctx, day)
	if err != nil {
		return models.SpendStatus{}, err
	}
	queued, err := l.store.List(ctx, kv.QueuePrefix)
	if err != nil {
		return models.SpendStatus{}, fmt.Errorf("count queue: %w", err)
	}
	caps := l.Caps()
	l.metrics.QueueDepth(len(queued))
	return models.SpendStatus{
		Date:        day,
		SpentUSD:    spent,
		SoftCapUSD:  caps.SoftUSD,
		HardCapUSD:  caps.HardUSD,
		QueuedCount: len(queued),
	}, nil
}

// Events returns the spend events recorded for day, in key order.
func (l *Ledger) Events(ctx context.Context, day string) ([]models.SpendEvent, error) {
	keys, err := l.store.List(ctx, kv.SpendEventPrefix+day+":")
	if err != nil {
		return nil, err
	}
	events := make([]models.SpendEvent, 0, len(keys))
	for _, k := range keys {
		var ev models.SpendEvent
		if err := kv.GetJSON(ctx, l.store, k, &ev); err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (l *Ledger) checkCaps(ctx context.Context, day string, total float64) {
	if l.alerts == nil {
		return
	}
	caps := l.Caps()
	for _, c := range []struct {
		kind models.CapType
		usd  float64
	}{
		{models.CapSoft, caps.SoftUSD},
		{models.CapHard, caps.HardUSD},
	} {
		if total < c.usd {
			continue
		}
		if _, err := l.alerts.MaybeAlert(ctx, c.kind, total, c.usd, day); err != nil {
			l.log.Error().Err(err).Str("cap", string(c.kind)).Msg("cap alert")
		}
	}
}

func roundMicros(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func formatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
