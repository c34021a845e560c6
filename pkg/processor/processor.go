// Package processor runs admitted jobs against the paid executor, reconciles
// their cost and commits it to the ledger exactly once per job.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/ledger"
	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/models"
)

// StaleReason is the failure reason written by Reap.
const StaleReason = "stale processing"

// Spender is the part of the ledger the processor commits to.
type Spender interface {
	Today() string
	Record(ctx context.Context, day string, c ledger.Commit) (float64, error)
}

// Options configures a Processor. Zero values pick the defaults.
type Options struct {
	Live        Executor
	Mock        Executor
	MaxAttempts int
	RetryDelay  time.Duration
	JobTTL      time.Duration
	ExecTimeout time.Duration
	Metrics     *metrics.Metrics
	Clock       func() time.Time
}

// Processor owns the pending→processing→done/failed transitions.
type Processor struct {
	store       kv.Store
	spend       Spender
	live        Executor
	mock        Executor
	claims      *kv.Serializer
	maxAttempts uint
	retryDelay  time.Duration
	jobTTL      time.Duration
	execTimeout time.Duration
	metrics     *metrics.Metrics
	log         zerolog.Logger
	now         func() time.Time
}

// New creates a Processor. Without a live executor every job runs mocked.
func New(store kv.Store, spend Spender, opts Options, log zerolog.Logger) *Processor {
	p := &Processor{
		store:       store,
		spend:       spend,
		live:        opts.Live,
		mock:        opts.Mock,
		claims:      kv.NewSerializer(),
		maxAttempts: 1,
		retryDelay:  opts.RetryDelay,
		jobTTL:      opts.JobTTL,
		execTimeout: opts.ExecTimeout,
		metrics:     opts.Metrics,
		log:         log,
		now:         time.Now,
	}
	if opts.MaxAttempts > 1 {
		p.maxAttempts = uint(opts.MaxAttempts)
	}
	if opts.Clock != nil {
		p.now = opts.Clock
	}
	if p.mock == nil {
		p.mock = NewMockExecutor(uint64(time.Now().UnixNano()))
	}
	if p.live == nil {
		p.live = p.mock
	}
	return p
}

// Close stops the claim writer.
func (p *Processor) Close() {
	p.claims.Close()
}

// Load returns the stored job.
func (p *Processor) Load(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	if err := kv.GetJSON(ctx, p.store, kv.JobKey(id), &job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// Save writes job with the retention TTL.
func (p *Processor) Save(ctx context.Context, job models.Job) error {
	job.UpdatedAt = p.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := kv.PutJSON(ctx, p.store, kv.JobKey(job.ID), job, p.jobTTL); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Execute runs the job once. A job that is already processing, done or
// failed is returned as stored without touching the executor or the
// ledger. External call failures mark the job failed and are not returned
// as errors; storage failures are. When the ledger write fails after a paid
// call, the job is still finished but keeps the amount in UncommittedUSD
// for Reconcile, and the commit error is returned.
func (p *Processor) Execute(ctx context.Context, id string) (models.Job, error) {
	job, claimed, err := p.claim(ctx, id)
	if err != nil || !claimed {
		return job, err
	}

	// Admitted work runs to completion even if the caller goes away.
	runCtx := context.WithoutCancel(ctx)
	if p.execTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, p.execTimeout)
		defer cancel()
	}

	out, runErr := p.run(runCtx, job)
	now := p.now().UTC()
	job.CompletedAt = &now

	var commitErr error
	if runErr == nil {
		actual := out.CostUSD
		job.ActualCostUSD = &actual
		job.CostEstimated = out.CostEstimated
		job.Result = out.Result
		job.State = models.StateDone
		commitErr = p.commit(runCtx, &job, actual)
	} else {
		job.State = models.StateFailed
		job.FailureReason = runErr.Error()
		var ecf *models.ExternalCallFailure
		if errors.As(runErr, &ecf) && ecf.Billed && ecf.BilledCostUSD > 0 {
			job.BilledCostUSD = ecf.BilledCostUSD
			commitErr = p.commit(runCtx, &job, ecf.BilledCostUSD)
		}
	}

	if err := p.Save(runCtx, job); err != nil {
		if commitErr != nil {
			return job, multierror.Append(commitErr, err)
		}
		return job, err
	}

	cost := 0.0
	if job.ActualCostUSD != nil {
		cost = *job.ActualCostUSD
	}
	p.metrics.JobFinished(string(job.Kind), string(job.State), cost)
	ev := p.log.Info()
	if job.State == models.StateFailed {
		ev = p.log.Warn().Str("reason", job.FailureReason).Float64("billed", job.BilledCostUSD)
	}
	ev.Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("state", string(job.State)).
		Float64("estimated", job.EstimatedCostUSD).
		Float64("actual", cost).
		Bool("cost_estimated", job.CostEstimated).
		Msg("job finished")
	return job, commitErr
}

// commit records amount for job. On failure the amount moves to
// job.UncommittedUSD; the caller saves the job either way.
func (p *Processor) commit(ctx context.Context, job *models.Job, amount float64) error {
	est := job.EstimatedCostUSD
	c := ledger.Commit{JobID: job.ID, Estimated: &est, Actual: amount, CostEstimated: job.CostEstimated}
	if _, err := p.spend.Record(ctx, p.spend.Today(), c); err != nil {
		job.UncommittedUSD = amount
		p.log.Error().Err(err).Str("job_id", job.ID).Float64("amount", amount).Msg("commit job spend, left for reconcile")
		return fmt.Errorf("commit spend for job %s: %w", job.ID, err)
	}
	job.UncommittedUSD = 0
	return nil
}

// Reconcile commits the UncommittedUSD of every job to today's ledger
// without running the job again, and returns how many it committed.
func (p *Processor) Reconcile(ctx context.Context) (int, error) {
	keys, err := p.store.List(ctx, kv.JobPrefix)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	var result *multierror.Error
	committed := 0
	for _, key := range keys {
		id := key[len(kv.JobPrefix):]
		err := p.claims.Do(ctx, func() error {
			job, err := p.Load(ctx, id)
			if kv.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if job.UncommittedUSD <= 0 {
				return nil
			}
			amount := job.UncommittedUSD
			if err := p.commit(ctx, &job, amount); err != nil {
				return err
			}
			// A failed save here counts the amount twice on the next pass.
			if err := p.Save(ctx, job); err != nil {
				return err
			}
			committed++
			p.log.Info().Str("job_id", id).Float64("amount", amount).Msg("reconciled job spend")
			return nil
		})
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return committed, result.ErrorOrNil()
}

// claim moves a runnable job to processing. It reports false with the
// stored job when the job is not runnable.
func (p *Processor) claim(ctx context.Context, id string) (models.Job, bool, error) {
	var job models.Job
	var claimed bool
	err := p.claims.Do(ctx, func() error {
		var err error
		job, err = p.Load(ctx, id)
		if err != nil {
			return err
		}
		if job.State.Terminal() || job.State == models.StateProcessing {
			return nil
		}
		now := p.now().UTC()
		job.State = models.StateProcessing
		job.StartedAt = &now
		job.Attempts++
		claimed = true
		return p.Save(ctx, job)
	})
	return job, claimed, err
}

func (p *Processor) run(ctx context.Context, job models.Job) (Outcome, error) {
	exec := p.live
	if job.Mode == models.ModeMock {
		exec = p.mock
	}

	var out Outcome
	err := retry.Do(
		func() error {
			var err error
			out, err = exec.Run(ctx, job)
			var ecf *models.ExternalCallFailure
			if errors.As(err, &ecf) && ecf.Billed {
				// A billed failure is never retried.
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(p.maxAttempts),
		retry.Delay(p.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		var ecf *models.ExternalCallFailure
		if !errors.As(err, &ecf) {
			err = &models.ExternalCallFailure{Op: "execute " + string(job.Kind), Err: err}
		}
		return Outcome{}, err
	}
	return out, nil
}

// Reap fails jobs that have been processing for longer than staleAfter and
// returns how many it changed.
func (p *Processor) Reap(ctx context.Context, staleAfter time.Duration) (int, error) {
	keys, err := p.store.List(ctx, kv.JobPrefix)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	cutoff := p.now().UTC().Add(-staleAfter)

	var result *multierror.Error
	reaped := 0
	for _, key := range keys {
		id := key[len(kv.JobPrefix):]
		err := p.claims.Do(ctx, func() error {
			job, err := p.Load(ctx, id)
			if kv.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if job.State != models.StateProcessing || job.StartedAt == nil || job.StartedAt.After(cutoff) {
				return nil
			}
			now := p.now().UTC()
			job.State = models.StateFailed
			job.FailureReason = StaleReason
			job.CompletedAt = &now
			if err := p.Save(ctx, job); err != nil {
				return err
			}
			reaped++
			p.metrics.JobFinished(string(job.Kind), string(job.State), 0)
			p.log.Warn().Str("job_id", id).Time("started_at", *job.StartedAt).Msg("reaped stale job")
			return nil
		})
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return reaped, result.ErrorOrNil()
}
