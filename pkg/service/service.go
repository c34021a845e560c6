// Package service is the single entry point the HTTP server, the CLI and
// the MCP server call. It wires the ledger, admission, processor, replay,
// outreach and alerting components over one key-value store.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/admission"
	"github.com/pario-ai/spendguard/pkg/alert"
	"github.com/pario-ai/spendguard/pkg/config"
	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/ledger"
	"github.com/pario-ai/spendguard/pkg/logx"
	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/models"
	"github.com/pario-ai/spendguard/pkg/outreach"
	"github.com/pario-ai/spendguard/pkg/processor"
	"github.com/pario-ai/spendguard/pkg/replay"
	"github.com/pario-ai/spendguard/pkg/router"
)

const (
	execTimeout     = 2 * time.Minute
	attemptTimeout  = time.Minute
	paymentDuration = 60
)

// Options injects collaborators. Nil fields are built from the config.
type Options struct {
	Notifier alert.Notifier
	Executor processor.Executor
	Mock     processor.Executor
	Mailer   outreach.Mailer
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// Service exposes the spendguard operations.
type Service struct {
	store     kv.Store
	ledger    *ledger.Ledger
	alerts    *alert.Alerter
	processor *processor.Processor
	admission *admission.Controller
	replayer  *replay.Replayer
	outreach  *outreach.Throttler
	estimator *processor.Estimator
	metrics   *metrics.Metrics
	cfg       *config.Config
	log       zerolog.Logger
	now       func() time.Time
}

// New wires every component over store. The caller keeps ownership of
// store; Close only stops the component writers.
func New(cfg *config.Config, store kv.Store, opts Options, log zerolog.Logger) (*Service, error) {
	now := time.Now
	if opts.Clock != nil {
		now = opts.Clock
	}

	notifier := opts.Notifier
	if notifier == nil {
		n, err := Notifier(cfg.Alert, logx.Component(log, "alert"))
		if err != nil {
			return nil, err
		}
		notifier = n
	}

	mailer := opts.Mailer
	if mailer == nil {
		m, err := outreach.NewMailer(cfg.Outreach.Mailer, logx.Component(log, "mailer"))
		if err != nil {
			return nil, err
		}
		mailer = m
	}

	live := opts.Executor
	if live == nil && len(cfg.Providers) > 0 {
		live = processor.NewHTTPExecutor(router.New(cfg), providerTimeout(cfg), logx.Component(log, "executor"))
	}

	s := &Service{
		store:     store,
		estimator: processor.NewEstimator(cfg.Costs),
		metrics:   opts.Metrics,
		cfg:       cfg,
		log:       logx.Component(log, "service"),
		now:       now,
	}

	s.alerts = alert.New(store, notifier, cfg.Alert.DedupTTL, opts.Metrics, logx.Component(log, "alert"))
	s.ledger = ledger.New(store,
		ledger.Caps{SoftUSD: cfg.Budget.SoftCapUSD, HardUSD: cfg.Budget.HardCapUSD},
		cfg.Budget.SpendTTL, s.alerts, logx.Component(log, "ledger"),
		ledger.WithClock(now), ledger.WithMetrics(opts.Metrics))
	s.processor = processor.New(store, s.ledger, processor.Options{
		Live:        live,
		Mock:        opts.Mock,
		MaxAttempts: cfg.Retry.Jobs.MaxAttempts,
		RetryDelay:  time.Second,
		JobTTL:      cfg.Budget.JobRetention,
		ExecTimeout: execTimeout,
		Metrics:     opts.Metrics,
		Clock:       now,
	}, logx.Component(log, "processor"))
	s.admission = admission.New(store, s.ledger, s.processor, s.estimator, cfg.Budget.JobRetention, opts.Metrics, logx.Component(log, "admission"))
	s.replayer = replay.New(store, s.admission, s.processor, s.ledger, cfg.Replay.BatchSize, cfg.Replay.StaleAfter, opts.Metrics, logx.Component(log, "replay"))
	s.outreach = outreach.New(store, cfg.Outreach, outreach.Options{
		Mailer:      mailer,
		MaxAttempts: cfg.Retry.Outreach.MaxAttempts,
		Metrics:     opts.Metrics,
		Clock:       now,
	}, logx.Component(log, "outreach"))
	return s, nil
}

func providerTimeout(cfg *config.Config) time.Duration {
	d := attemptTimeout
	for _, p := range cfg.Providers {
		if p.Timeout > d {
			d = p.Timeout
		}
	}
	return d
}

// Close stops the component writers.
func (s *Service) Close() {
	s.outreach.Close()
	s.processor.Close()
	s.ledger.Close()
}

// Scheduler returns the cron scheduler for replay, daily reset and the
// daily outreach automation.
func (s *Service) Scheduler(log zerolog.Logger) *replay.Scheduler {
	return replay.NewScheduler(s.cfg.Replay, s.replayer, s.outreach.RunDaily, logx.Component(log, "scheduler"))
}

// Reload applies the hot-reloadable parts of cfg: spend caps and send quotas.
func (s *Service) Reload(cfg *config.Config) {
	s.ledger.SetCaps(ledger.Caps{SoftUSD: cfg.Budget.SoftCapUSD, HardUSD: cfg.Budget.HardCapUSD})
	s.outreach.SetLimits(outreach.Limits{Daily: cfg.Outreach.DailyCap, Hourly: cfg.Outreach.HourlyCap})
}

// AdmitJob classifies and, when admitted, runs the job.
func (s *Service) AdmitJob(ctx context.Context, req models.JobRequest) (admission.Result, error) {
	return s.admission.Admit(ctx, req)
}

// GetJobStatus reports a job's state. Ids with only a paid checkout session
// report pending with the payment state; unknown ids report pending.
func (s *Service) GetJobStatus(ctx context.Context, id string) (models.JobStatus, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.JobStatus{}, &models.ValidationError{Field: "job_id", Message: "required"}
	}
	job, err := s.processor.Load(ctx, id)
	if err == nil {
		return models.JobStatus{
			JobID:            job.ID,
			State:            job.State,
			Result:           job.Result,
			Error:            job.FailureReason,
			EstimatedCostUSD: job.EstimatedCostUSD,
			ActualCostUSD:    job.ActualCostUSD,
		}, nil
	}
	if !kv.IsNotFound(err) {
		return models.JobStatus{}, err
	}

	status := models.JobStatus{JobID: id, State: models.StatePending}
	var sess models.PaymentSession
	switch err := kv.GetJSON(ctx, s.store, kv.SessionKey(id), &sess); {
	case err == nil:
		status.Payment = sess.State
	case !kv.IsNotFound(err):
		return models.JobStatus{}, err
	}
	return status, nil
}

// ReplayNow runs one bounded replay pass.
func (s *Service) ReplayNow(ctx context.Context) (models.ReplayResult, error) {
	return s.replayer.ReplayNow(ctx)
}

// DailyReset zeroes today's spend and replays the whole queue.
func (s *Service) DailyReset(ctx context.Context) (models.ReplayResult, error) {
	return s.replayer.DailyReset(ctx)
}

// PendingJobs lists the queue oldest first.
func (s *Service) PendingJobs(ctx context.Context) ([]models.QueueEntry, error) {
	return s.replayer.Pending(ctx)
}

// GetSpendStatus reports today's spend, caps and queue depth.
func (s *Service) GetSpendStatus(ctx context.Context) (models.SpendStatus, error) {
	return s.ledger.Status(ctx)
}

// AddSpend commits a manual amount to today's ledger.
func (s *Service) AddSpend(ctx context.Context, usd float64) (models.SpendStatus, error) {
	if _, err := s.ledger.AddSpend(ctx, s.ledger.Today(), usd, ""); err != nil {
		return models.SpendStatus{}, err
	}
	return s.ledger.Status(ctx)
}

// ResetSpend zeroes today's ledger without replaying.
func (s *Service) ResetSpend(ctx context.Context) (models.SpendStatus, error) {
	if err := s.ledger.Reset(ctx, s.ledger.Today()); err != nil {
		return models.SpendStatus{}, err
	}
	return s.ledger.Status(ctx)
}

// SpendEvents returns the spend audit log of day, today when empty.
func (s *Service) SpendEvents(ctx context.Context, day string) ([]models.SpendEvent, error) {
	if day == "" {
		day = s.ledger.Today()
	}
	return s.ledger.Events(ctx, day)
}

// Alerts returns the cap alerts fired on day, today when empty.
func (s *Service) Alerts(ctx context.Context, day string) ([]models.CapAlert, error) {
	if day == "" {
		day = s.ledger.Today()
	}
	return s.alerts.Log(ctx, day)
}

// SendOutreachBatch offers candidates to the named policy.
func (s *Service) SendOutreachBatch(ctx context.Context, policy string, candidates []models.Recipient) (models.OutreachResult, error) {
	p, err := s.outreach.Policy(policy)
	if err != nil {
		return models.OutreachResult{}, err
	}
	return s.outreach.SendBatch(ctx, p, candidates)
}

// RetryOutreach sweeps the outreach retry queue.
func (s *Service) RetryOutreach(ctx context.Context) (models.OutreachResult, error) {
	return s.outreach.RetryFailed(ctx)
}

// RunDailyOutreach runs the tiered policy over stored recipients.
func (s *Service) RunDailyOutreach(ctx context.Context) error {
	return s.outreach.RunDaily(ctx)
}

// EmailStats reports today's send volume.
func (s *Service) EmailStats(ctx context.Context) (models.EmailStats, error) {
	return s.outreach.Stats(ctx)
}

// AddRecipient stores an outreach target.
func (s *Service) AddRecipient(ctx context.Context, r models.Recipient) (models.Recipient, error) {
	return s.outreach.AddRecipient(ctx, r)
}

// Unsubscribe permanently excludes email.
func (s *Service) Unsubscribe(ctx context.Context, email string) error {
	return s.outreach.Unsubscribe(ctx, email)
}

// PaymentResult is the outcome of one payment webhook.
type PaymentResult struct {
	Received bool              `json:"received"`
	Type     string            `json:"type"`
	Job      *admission.Result `json:"job,omitempty"`
}

// HandlePayment records a checkout webhook. A completed checkout marks the
// session paid and admits a transcription job whose id is the session id,
// so a redelivered event does not run the job twice.
func (s *Service) HandlePayment(ctx context.Context, ev models.PaymentEvent) (PaymentResult, error) {
	if ev.Type == "" {
		return PaymentResult{}, &models.ValidationError{Field: "type", Message: "required"}
	}
	now := s.now().UTC()
	raw, err := json.Marshal(ev)
	if err != nil {
		return PaymentResult{}, err
	}
	if err := s.store.Put(ctx, kv.WebhookKey(strconv.FormatInt(now.UnixMilli(), 10)+":"+uuid.NewString()), raw, s.cfg.Budget.JobRetention); err != nil {
		return PaymentResult{}, fmt.Errorf("store webhook: %w", err)
	}

	res := PaymentResult{Received: true, Type: ev.Type}
	sessionID := ev.SessionID()
	if ev.Type != models.CheckoutCompleted || sessionID == "" {
		s.log.Debug().Str("type", ev.Type).Msg("payment event ignored")
		return res, nil
	}

	sess := models.PaymentSession{ID: sessionID, State: models.PaymentPaid, Timestamp: now}
	if err := kv.PutJSON(ctx, s.store, kv.SessionKey(sessionID), sess, s.cfg.Budget.JobRetention); err != nil {
		return PaymentResult{}, fmt.Errorf("store session: %w", err)
	}
	s.log.Info().Str("session_id", sessionID).Msg("checkout completed")

	job, err := s.admission.Admit(ctx, models.JobRequest{
		ID:   sessionID,
		Kind: models.KindTranscription,
		Params: models.JobParams{
			Transcription: &models.TranscriptionParams{DurationSeconds: paymentDuration},
		},
	})
	if err != nil {
		return PaymentResult{}, err
	}
	res.Job = &job
	return res, nil
}

// Diag is the health view served on /diag.
type Diag struct {
	Status       string             `json:"status"`
	SpendControl models.SpendStatus `json:"spend_control"`
	Email        models.EmailStats  `json:"email"`
}

// Diagnostics reports store reachability together with today's counters.
func (s *Service) Diagnostics(ctx context.Context) (Diag, error) {
	spend, err := s.ledger.Status(ctx)
	if err != nil {
		return Diag{Status: "degraded"}, err
	}
	email, err := s.outreach.Stats(ctx)
	if err != nil {
		return Diag{Status: "degraded", SpendControl: spend}, err
	}
	return Diag{Status: "ok", SpendControl: spend, Email: email}, nil
}
