// Package replay re-offers queued and delayed jobs to admission once the
// ledger allows it, on a timer, on demand and after the daily reset.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/admission"
	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/models"
)

// Trigger names what started a replay pass.
type Trigger string

const (
	TriggerTick   Trigger = "tick"
	TriggerManual Trigger = "manual"
	TriggerReset  Trigger = "reset"
)

// Gate is the admission check replay runs before every job.
type Gate interface {
	Check(ctx context.Context) (float64, error)
}

// Runner executes jobs, sweeps stale ones and commits spend left over
// from failed ledger writes.
type Runner interface {
	Execute(ctx context.Context, id string) (models.Job, error)
	Reap(ctx context.Context, staleAfter time.Duration) (int, error)
	Reconcile(ctx context.Context) (int, error)
}

// Resetter zeroes a ledger day.
type Resetter interface {
	Today() string
	Reset(ctx context.Context, day string) error
}

// Replayer drains the pending queue.
type Replayer struct {
	store      kv.Store
	gate       Gate
	runner     Runner
	ledger     Resetter
	batchSize  int
	staleAfter time.Duration
	metrics    *metrics.Metrics
	log        zerolog.Logger

	// One pass at a time per process.
	mu sync.Mutex
}

// New creates a Replayer. batchSize bounds the periodic pass; staleAfter
// of zero disables the stale-job sweep.
func New(store kv.Store, gate Gate, runner Runner, ledger Resetter, batchSize int, staleAfter time.Duration, m *metrics.Metrics, log zerolog.Logger) *Replayer {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &Replayer{
		store:      store,
		gate:       gate,
		runner:     runner,
		ledger:     ledger,
		batchSize:  batchSize,
		staleAfter: staleAfter,
		metrics:    m,
		log:        log,
	}
}

// ReplayBatch runs one periodic pass over at most batchSize entries.
func (r *Replayer) ReplayBatch(ctx context.Context) (models.ReplayResult, error) {
	return r.run(ctx, TriggerTick, r.batchSize)
}

// ReplayNow is the event-triggered pass. It uses the same batch bound.
func (r *Replayer) ReplayNow(ctx context.Context) (models.ReplayResult, error) {
	return r.run(ctx, TriggerManual, r.batchSize)
}

// DailyReset zeroes today's ledger and replays every pending entry with no
// batch bound.
func (r *Replayer) DailyReset(ctx context.Context) (models.ReplayResult, error) {
	day := r.ledger.Today()
	if err := r.ledger.Reset(ctx, day); err != nil {
		return models.ReplayResult{}, fmt.Errorf("daily reset: %w", err)
	}
	return r.run(ctx, TriggerReset, 0)
}

// Pending returns the queue entries oldest first. Unreadable entries are
// dropped; a failure to delete one is returned alongside the entries.
func (r *Replayer) Pending(ctx context.Context) ([]models.QueueEntry, error) {
	keys, err := r.store.List(ctx, kv.QueuePrefix)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	var dropErrs *multierror.Error
	entries := make([]models.QueueEntry, 0, len(keys))
	for _, key := range keys {
		var e models.QueueEntry
		if err := kv.GetJSON(ctx, r.store, key, &e); err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			if errors.Is(err, kv.ErrUnavailable) {
				return nil, err
			}
			r.log.Warn().Err(err).Str("key", key).Msg("dropping unreadable queue entry")
			if err := r.store.Delete(ctx, key); err != nil {
				dropErrs = multierror.Append(dropErrs, fmt.Errorf("drop %s: %w", key, err))
			}
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].QueuedAt.Equal(entries[j].QueuedAt) {
			return entries[i].JobID < entries[j].JobID
		}
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
	return entries, dropErrs.ErrorOrNil()
}

// run replays up to limit entries; limit 0 means all of them.
func (r *Replayer) run(ctx context.Context, trigger Trigger, limit int) (models.ReplayResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res models.ReplayResult
	var errs *multierror.Error

	if r.staleAfter > 0 {
		n, err := r.runner.Reap(ctx, r.staleAfter)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		res.Reaped = n
	}

	// Outstanding spend goes in before the gate reads the ledger.
	n, err := r.runner.Reconcile(ctx)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	res.Reconciled = n

	entries, err := r.Pending(ctx)
	if err != nil {
		if entries == nil {
			return res, multierror.Append(errs, err).ErrorOrNil()
		}
		errs = multierror.Append(errs, err)
	}

	consumed := 0
	for _, e := range entries {
		if limit > 0 && consumed >= limit {
			break
		}
		if _, err := r.gate.Check(ctx); err != nil {
			if errors.Is(err, admission.ErrBudgetExceeded) {
				res.Stopped = true
				res.Reason = err.Error()
				break
			}
			errs = multierror.Append(errs, err)
			break
		}

		job, err := r.runner.Execute(ctx, e.JobID)
		switch {
		case kv.IsNotFound(err):
			r.log.Warn().Str("job_id", e.JobID).Msg("queue entry without job, dropping")
		case err != nil:
			errs = multierror.Append(errs, fmt.Errorf("replay %s: %w", e.JobID, err))
			continue
		case job.State == models.StateFailed:
			res.Failed++
		default:
			res.Processed++
		}
		consumed++
		if err := r.store.Delete(ctx, kv.QueueKey(e.JobID)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("dequeue %s: %w", e.JobID, err))
		}
	}
	res.Remaining = len(entries) - consumed

	r.metrics.ReplayRun(string(trigger), res.Processed+res.Failed)
	r.metrics.QueueDepth(res.Remaining)
	r.log.Info().
		Str("trigger", string(trigger)).
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Int("remaining", res.Remaining).
		Int("reaped", res.Reaped).
		Int("reconciled", res.Reconciled).
		Bool("stopped", res.Stopped).
		Msg("replay pass")
	return res, errs.ErrorOrNil()
}
