// Package admission classifies incoming jobs against today's spend. A job is
// admitted and run, queued behind the soft cap, or delayed behind the hard
// cap until the daily reset.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/ledger"
	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/models"
)

// ErrBudgetExceeded is matched by every CapExceededError. It never leaves
// the package boundary as a failure: Admit turns it into a queued or
// delayed job.
var ErrBudgetExceeded = errors.New("budget exceeded")

// CapExceededError reports which cap today's spend has reached.
type CapExceededError struct {
	Cap      models.CapType
	SpendUSD float64
	CapUSD   float64
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("%s cap reached: spent $%.2f of $%.2f", e.Cap, e.SpendUSD, e.CapUSD)
}

func (e *CapExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

// Decision is the outcome of classifying one job.
type Decision string

const (
	Admit Decision = "admitted"
	Queue Decision = "queued"
	Delay Decision = "delayed"
	// Known is reported for a resubmitted id whose job is not waiting on a
	// cap. Nothing was admitted or run by that call.
	Known Decision = "known"
)

// Classify maps a spend value to a decision. The hard cap is checked
// first, so spend at or above it is always delayed.
func Classify(spend float64, caps ledger.Caps) Decision {
	switch {
	case spend >= caps.HardUSD:
		return Delay
	case spend >= caps.SoftUSD:
		return Queue
	default:
		return Admit
	}
}

// Budget is the ledger view admission reads.
type Budget interface {
	Today() string
	Caps() ledger.Caps
	CurrentSpend(ctx context.Context, day string) (float64, error)
}

// Runner persists and executes jobs.
type Runner interface {
	Load(ctx context.Context, id string) (models.Job, error)
	Save(ctx context.Context, job models.Job) error
	Execute(ctx context.Context, id string) (models.Job, error)
}

// Estimator prices a request.
type Estimator interface {
	Estimate(req models.JobRequest) float64
}

// Result is returned by Admit. Job carries the state after admission, which
// is done or failed when the job was admitted and run synchronously.
type Result struct {
	Decision Decision        `json:"decision"`
	JobID    string          `json:"job_id"`
	State    models.JobState `json:"state"`
	Job      models.Job      `json:"job"`
}

// Controller admits jobs.
type Controller struct {
	store    kv.Store
	budget   Budget
	runner   Runner
	estimate Estimator
	queueTTL time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a Controller. queueTTL bounds how long an entry may wait;
// zero keeps entries until they are replayed.
func New(store kv.Store, budget Budget, runner Runner, est Estimator, queueTTL time.Duration, m *metrics.Metrics, log zerolog.Logger) *Controller {
	return &Controller{
		store:    store,
		budget:   budget,
		runner:   runner,
		estimate: est,
		queueTTL: queueTTL,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Check returns a *CapExceededError when today's spend is at or above a
// cap, and a storage error when spend cannot be read. Both mean "do not
// run now".
func (c *Controller) Check(ctx context.Context) (float64, error) {
	spend, err := c.budget.CurrentSpend(ctx, c.budget.Today())
	if err != nil {
		return 0, fmt.Errorf("admission check: %w", err)
	}
	caps := c.budget.Caps()
	switch Classify(spend, caps) {
	case Delay:
		return spend, &CapExceededError{Cap: models.CapHard, SpendUSD: spend, CapUSD: caps.HardUSD}
	case Queue:
		return spend, &CapExceededError{Cap: models.CapSoft, SpendUSD: spend, CapUSD: caps.SoftUSD}
	}
	return spend, nil
}

// Admit validates req, classifies it against today's spend and either runs
// it or parks it on the pending queue. Validation failures are returned
// before the store is touched. A store failure admits nothing.
func (c *Controller) Admit(ctx context.Context, req models.JobRequest) (Result, error) {
	if req.Mode == "" {
		req.Mode = models.ModeLive
	}
	if err := req.Validate(); err != nil {
		c.metrics.Admission("invalid")
		return Result{}, err
	}

	if req.ID != "" {
		existing, err := c.runner.Load(ctx, req.ID)
		switch {
		case err == nil:
			c.log.Debug().Str("job_id", req.ID).Str("state", string(existing.State)).Msg("job already known")
			return c.resubmitted(ctx, existing)
		case !kv.IsNotFound(err):
			return Result{}, fmt.Errorf("load job: %w", err)
		}
	} else {
		req.ID = uuid.NewString()
	}

	spend, checkErr := c.Check(ctx)
	var capErr *CapExceededError
	if checkErr != nil && !errors.As(checkErr, &capErr) {
		c.metrics.Admission("unavailable")
		return Result{}, checkErr
	}

	now := c.now().UTC()
	job := models.Job{
		ID:               req.ID,
		Kind:             req.Kind,
		Params:           req.Params,
		Mode:             req.Mode,
		State:            models.StatePending,
		EstimatedCostUSD: c.estimate.Estimate(req),
		CreatedAt:        now,
	}

	if capErr != nil {
		return c.park(ctx, job, capErr, now)
	}

	if err := c.runner.Save(ctx, job); err != nil {
		return Result{}, err
	}
	c.metrics.Admission(string(Admit))
	c.log.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Float64("spend", spend).
		Float64("estimated", job.EstimatedCostUSD).
		Msg("job admitted")

	done, err := c.runner.Execute(ctx, job.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{Decision: Admit, JobID: done.ID, State: done.State, Job: done}, nil
}

// park writes the queue entry before the job so a job is never left
// waiting without an entry replay can find.
func (c *Controller) park(ctx context.Context, job models.Job, capErr *CapExceededError, now time.Time) (Result, error) {
	decision, state, reason := Queue, models.StateQueued, models.ReasonSoftCap
	if capErr.Cap == models.CapHard {
		decision, state, reason = Delay, models.StateDelayed, models.ReasonHardCap
	}
	job.State = state
	job.QueueReason = reason

	if err := c.enqueue(ctx, job.ID, reason, now); err != nil {
		return Result{}, err
	}
	if err := c.runner.Save(ctx, job); err != nil {
		if derr := c.store.Delete(ctx, kv.QueueKey(job.ID)); derr != nil {
			return Result{}, multierror.Append(err, fmt.Errorf("unqueue job %s: %w", job.ID, derr))
		}
		return Result{}, err
	}

	c.metrics.Admission(string(decision))
	c.log.Info().
		Str("job_id", job.ID).
		Str("state", string(state)).
		Float64("spend", capErr.SpendUSD).
		Float64("cap", capErr.CapUSD).
		Msg("job parked")
	return Result{Decision: decision, JobID: job.ID, State: state, Job: job}, nil
}

func (c *Controller) enqueue(ctx context.Context, id string, reason models.QueueReason, at time.Time) error {
	entry := models.QueueEntry{JobID: id, Reason: reason, QueuedAt: at}
	if err := kv.PutJSON(ctx, c.store, kv.QueueKey(id), entry, c.queueTTL); err != nil {
		return fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return nil
}

// resubmitted reports a known job as stored. A waiting job whose queue
// entry is missing is put back on the queue at its original position.
func (c *Controller) resubmitted(ctx context.Context, job models.Job) (Result, error) {
	res := Result{Decision: Known, JobID: job.ID, State: job.State, Job: job}
	switch job.State {
	case models.StateQueued:
		res.Decision = Queue
	case models.StateDelayed:
		res.Decision = Delay
	default:
		return res, nil
	}

	_, err := c.store.Get(ctx, kv.QueueKey(job.ID))
	if err == nil {
		return res, nil
	}
	if !kv.IsNotFound(err) {
		return Result{}, fmt.Errorf("read queue entry: %w", err)
	}
	if err := c.enqueue(ctx, job.ID, job.QueueReason, job.CreatedAt); err != nil {
		return Result{}, err
	}
	c.log.Warn().Str("job_id", job.ID).Str("state", string(job.State)).Msg("requeued job missing its queue entry")
	return res, nil
}
