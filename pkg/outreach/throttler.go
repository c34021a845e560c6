// Package outreach admits marketing email sends against hourly and daily
// volume caps, per-recipient cooldowns and the active recipient policy,
// then hands them to the delivery collaborator.
package outreach

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pario-ai/spendguard/pkg/config"
	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/models"
)

// Stop reasons reported in OutreachResult.Stopped.
const (
	StopDailyCap  = "daily_cap"
	StopHourlyCap = "hourly_cap"
)

const (
	dayCounterTTL  = 48 * time.Hour
	hourCounterTTL = 2 * time.Hour
)

// Limits are the send volume caps.
type Limits struct {
	Daily  int
	Hourly int
}

// Options configures a Throttler.
type Options struct {
	Mailer      Mailer
	MaxAttempts int
	Metrics     *metrics.Metrics
	Clock       func() time.Time
}

// Throttler gates and delivers outreach sends.
type Throttler struct {
	store       kv.Store
	limits      atomic.Pointer[Limits]
	simple      *Simple
	tiered      *Tiered
	bandit      *Bandit
	mailer      Mailer
	limiter     *rate.Limiter
	writer      *kv.Serializer
	maxAttempts int
	metrics     *metrics.Metrics
	log         zerolog.Logger
	now         func() time.Time
}

// New creates a Throttler from the outreach configuration.
func New(store kv.Store, cfg config.OutreachConfig, opts Options, log zerolog.Logger) *Throttler {
	t := &Throttler{
		store:       store,
		simple:      NewSimple(cfg.Simple),
		tiered:      NewTiered(cfg.Tiered),
		bandit:      NewBandit(time.Hour, cfg.DefaultLang),
		mailer:      opts.Mailer,
		writer:      kv.NewSerializer(),
		maxAttempts: opts.MaxAttempts,
		metrics:     opts.Metrics,
		log:         log,
		now:         time.Now,
	}
	t.limits.Store(&Limits{Daily: cfg.DailyCap, Hourly: cfg.HourlyCap})
	if t.maxAttempts <= 0 {
		t.maxAttempts = 3
	}
	if opts.Clock != nil {
		t.now = opts.Clock
	}
	if t.mailer == nil {
		t.mailer = &LogMailer{from: cfg.Mailer.From, log: log}
	}
	limit := rate.Inf
	if cfg.SendsPerSecond > 0 {
		limit = rate.Limit(cfg.SendsPerSecond)
	}
	t.limiter = rate.NewLimiter(limit, 1)
	return t
}

// Close stops the counter writer.
func (t *Throttler) Close() {
	t.writer.Close()
}

// Limits returns the caps in force.
func (t *Throttler) Limits() Limits {
	return *t.limits.Load()
}

// SetLimits swaps the caps, e.g. after a config reload.
func (t *Throttler) SetLimits(l Limits) {
	t.limits.Store(&l)
	t.log.Info().Int("daily_cap", l.Daily).Int("hourly_cap", l.Hourly).Msg("outreach caps updated")
}

// Policy returns the named policy.
func (t *Throttler) Policy(name string) (Policy, error) {
	switch name {
	case "", PolicySimple:
		return t.simple, nil
	case PolicyTiered:
		return t.tiered, nil
	}
	return nil, &models.ValidationError{Field: "policy", Message: fmt.Sprintf("unknown policy %q", name)}
}

// claimResult is the outcome of reserving one send.
type claimResult struct {
	skip    models.SkipReason
	stop    string
	prev    *time.Time
	stamped time.Time
}

// SendBatch offers candidates to p in order. The batch stops as soon as a
// volume cap is exhausted. Store failures abort the batch and are returned.
func (t *Throttler) SendBatch(ctx context.Context, p Policy, candidates []models.Recipient) (models.OutreachResult, error) {
	var res models.OutreachResult
	now := t.now().UTC()
	lim := t.Limits()

	dayCount, hourCount, err := t.counts(ctx, now)
	if err != nil {
		return res, err
	}
	if stop := exhausted(lim, dayCount, hourCount); stop != "" {
		res.Stopped = stop
		t.log.Info().Str("policy", p.Name()).Str("stopped", stop).Msg("outreach batch skipped")
		return res, nil
	}
	quota := p.NewQuota(min(lim.Daily-dayCount, lim.Hourly-hourCount))

	for _, cand := range candidates {
		if err := cand.Normalize(); err != nil {
			t.skip(&res, cand.Email, models.SkipInvalid, err.Error())
			continue
		}
		c, err := t.merge(ctx, cand)
		if err != nil {
			return res, err
		}
		c.Tier = t.tiered.TierFor(c.Subscribers)

		if reason, ok := gate(c, p, t.now().UTC()); !ok {
			t.skip(&res, c.Email, reason, "")
			continue
		}
		if !quota.Allow(c) {
			t.skip(&res, c.Email, models.SkipTierFull, "")
			continue
		}

		claim, err := t.claim(ctx, c, p.Cooldown())
		if err != nil {
			return res, err
		}
		if claim.stop != "" {
			res.Stopped = claim.stop
			break
		}
		if claim.skip != "" {
			t.skip(&res, c.Email, claim.skip, "")
			continue
		}

		v := t.bandit.Pick(c.Lang, claim.stamped)
		ev, err := t.deliver(ctx, c, p.Name(), v, claim, models.SendSent)
		if err != nil {
			return res, err
		}
		res.Outcomes = append(res.Outcomes, models.SendOutcome{Email: c.Email, Status: ev.Status, Error: ev.Error})
		if ev.Status == models.SendFailed {
			res.Failed++
			if err := t.enqueueRetry(ctx, c, p.Name(), v); err != nil {
				return res, err
			}
			continue
		}
		quota.Take(c)
		res.Sent++
	}

	t.log.Info().
		Str("policy", p.Name()).
		Int("candidates", len(candidates)).
		Int("sent", res.Sent).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Str("stopped", res.Stopped).
		Msg("outreach batch")
	return res, nil
}

// RetryFailed re-sends retry entries. An entry is retried while its attempt
// count is below the configured maximum and abandoned after that.
func (t *Throttler) RetryFailed(ctx context.Context) (models.OutreachResult, error) {
	var res models.OutreachResult
	keys, err := t.store.List(ctx, kv.RetryPrefix)
	if err != nil {
		return res, fmt.Errorf("list retry queue: %w", err)
	}

	var errs *multierror.Error
	for _, key := range keys {
		var entry models.RetryEntry
		if err := kv.GetJSON(ctx, t.store, key, &entry); err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			if errors.Is(err, kv.ErrUnavailable) {
				return res, err
			}
			errs = multierror.Append(errs, err)
			continue
		}
		if entry.Attempts >= t.maxAttempts {
			if err := t.abandon(ctx, entry); err != nil {
				errs = multierror.Append(errs, err)
			}
			res.Abandoned++
			continue
		}

		p, err := t.Policy(entry.Policy)
		if err != nil {
			p = t.simple
		}
		claim, err := t.claim(ctx, entry.Recipient, p.Cooldown())
		if err != nil {
			return res, err
		}
		if claim.stop != "" {
			res.Stopped = claim.stop
			break
		}
		if claim.skip != "" {
			// Unsubscribed or contacted since; nothing left to retry.
			t.skip(&res, entry.Recipient.Email, claim.skip, "")
			if err := t.store.Delete(ctx, kv.RetryKey(entry.ID)); err != nil {
				errs = multierror.Append(errs, err)
			}
			continue
		}

		ev, err := t.deliver(ctx, entry.Recipient, p.Name(), entry.Variant, claim, models.SendRetried)
		if err != nil {
			return res, err
		}
		res.Outcomes = append(res.Outcomes, models.SendOutcome{Email: entry.Recipient.Email, Status: ev.Status, Error: ev.Error})
		if ev.Status == models.SendRetried {
			res.Sent++
			if err := t.store.Delete(ctx, kv.RetryKey(entry.ID)); err != nil {
				errs = multierror.Append(errs, err)
			}
			continue
		}

		res.Failed++
		entry.Attempts++
		entry.LastAttempt = ev.Timestamp
		entry.LastError = ev.Error
		if entry.Attempts >= t.maxAttempts {
			if err := t.abandon(ctx, entry); err != nil {
				errs = multierror.Append(errs, err)
			}
			res.Abandoned++
			continue
		}
		if err := kv.PutJSON(ctx, t.store, kv.RetryKey(entry.ID), entry, 0); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	t.log.Info().
		Int("retried", res.Sent).
		Int("failed", res.Failed).
		Int("abandoned", res.Abandoned).
		Msg("outreach retry sweep")
	return res, errs.ErrorOrNil()
}

// RunDaily runs the tiered policy over every stored recipient, best score
// first, then sweeps the retry queue.
func (t *Throttler) RunDaily(ctx context.Context) error {
	all, err := t.Recipients(ctx)
	if err != nil {
		return err
	}
	candidates := all[:0]
	for _, r := range all {
		if !r.Unsubscribed {
			candidates = append(candidates, r)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Subscribers > candidates[j].Subscribers
	})

	var errs *multierror.Error
	if _, err := t.SendBatch(ctx, t.tiered, candidates); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := t.RetryFailed(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Stats reports today's volume.
func (t *Throttler) Stats(ctx context.Context) (models.EmailStats, error) {
	now := t.now().UTC()
	day := models.DayKey(now)
	dayCount, hourCount, err := t.counts(ctx, now)
	if err != nil {
		return models.EmailStats{}, err
	}
	events, err := t.store.List(ctx, kv.SendLogPrefix+day+":")
	if err != nil {
		return models.EmailStats{}, err
	}
	retries, err := t.store.List(ctx, kv.RetryPrefix)
	if err != nil {
		return models.EmailStats{}, err
	}
	lim := t.Limits()
	return models.EmailStats{
		Date:        day,
		TodayCount:  dayCount,
		HourCount:   hourCount,
		DailyCap:    lim.Daily,
		HourlyCap:   lim.Hourly,
		TotalEvents: len(events),
		RetryQueued: len(retries),
	}, nil
}

// Events returns the send log for day.
func (t *Throttler) Events(ctx context.Context, day string) ([]models.SendEvent, error) {
	keys, err := t.store.List(ctx, kv.SendLogPrefix+day+":")
	if err != nil {
		return nil, err
	}
	out := make([]models.SendEvent, 0, len(keys))
	for _, k := range keys {
		var ev models.SendEvent
		if err := kv.GetJSON(ctx, t.store, k, &ev); err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// gate applies the unsubscribe, cooldown and policy rules in that order.
func gate(r models.Recipient, p Policy, now time.Time) (models.SkipReason, bool) {
	if r.Unsubscribed {
		return models.SkipUnsubscribed, false
	}
	if inCooldown(r, p.Cooldown(), now) {
		return models.SkipCooldown, false
	}
	return p.Admit(r)
}

func inCooldown(r models.Recipient, cooldown time.Duration, now time.Time) bool {
	return r.LastContactedAt != nil && now.Sub(*r.LastContactedAt) < cooldown
}

func exhausted(lim Limits, day, hour int) string {
	if day >= lim.Daily {
		return StopDailyCap
	}
	if hour >= lim.Hourly {
		return StopHourlyCap
	}
	return ""
}

// claim re-checks unsubscribe, cooldown and both caps on the writer, then
// increments the counters and stamps last_contacted_at. Everything happens
// in one serialized step so concurrent batches cannot overshoot.
func (t *Throttler) claim(ctx context.Context, c models.Recipient, cooldown time.Duration) (claimResult, error) {
	var res claimResult
	err := t.writer.Do(ctx, func() error {
		now := t.now().UTC()
		rec, err := t.merge(ctx, c)
		if err != nil {
			return err
		}
		if rec.Unsubscribed {
			res.skip = models.SkipUnsubscribed
			return nil
		}
		if inCooldown(rec, cooldown, now) {
			res.skip = models.SkipCooldown
			return nil
		}

		dayKey, hourKey := counterKeys(now)
		dayCount, err := t.readCount(ctx, dayKey)
		if err != nil {
			return err
		}
		hourCount, err := t.readCount(ctx, hourKey)
		if err != nil {
			return err
		}
		if stop := exhausted(t.Limits(), dayCount, hourCount); stop != "" {
			res.stop = stop
			return nil
		}
		if err := t.writeCount(ctx, dayKey, dayCount+1, dayCounterTTL); err != nil {
			return err
		}
		if err := t.writeCount(ctx, hourKey, hourCount+1, hourCounterTTL); err != nil {
			return err
		}

		res.prev = rec.LastContactedAt
		res.stamped = now
		rec.LastContactedAt = &now
		return t.saveRecipient(ctx, rec)
	})
	return res, err
}

// release undoes a claim whose delivery failed.
func (t *Throttler) release(ctx context.Context, email string, claim claimResult) error {
	return t.writer.Do(ctx, func() error {
		dayKey, hourKey := counterKeys(claim.stamped)
		for _, key := range []string{dayKey, hourKey} {
			n, err := t.readCount(ctx, key)
			if err != nil {
				return err
			}
			if n > 0 {
				ttl := dayCounterTTL
				if key == hourKey {
					ttl = hourCounterTTL
				}
				if err := t.writeCount(ctx, key, n-1, ttl); err != nil {
					return err
				}
			}
		}
		rec, err := t.Recipient(ctx, email)
		if err != nil {
			return err
		}
		if rec.LastContactedAt != nil && rec.LastContactedAt.Equal(claim.stamped) {
			rec.LastContactedAt = claim.prev
			return t.saveRecipient(ctx, rec)
		}
		return nil
	})
}

// deliver paces, sends and logs one message. A delivery failure releases
// the claim and yields an event with status SendFailed; only store
// failures and cancellation are returned as errors.
func (t *Throttler) deliver(ctx context.Context, r models.Recipient, policy string, v models.Variant, claim claimResult, okStatus models.SendStatus) (models.SendEvent, error) {
	ev := models.SendEvent{
		Channel: r.Channel,
		Email:   r.Email,
		Tier:    r.Tier,
		Score:   r.Score,
		Policy:  policy,
		Variant: v,
	}

	if err := t.limiter.Wait(ctx); err != nil {
		if rerr := t.release(context.WithoutCancel(ctx), r.Email, claim); rerr != nil {
			t.log.Error().Err(rerr).Str("email", r.Email).Msg("release send claim")
		}
		return ev, err
	}

	msgID, sendErr := t.mailer.Send(ctx, r.Email, v.Subject, renderBody(r, v))
	ev.Timestamp = t.now().UTC()
	if sendErr != nil {
		if err := t.release(ctx, r.Email, claim); err != nil {
			return ev, err
		}
		ev.Status = models.SendFailed
		ev.Error = sendErr.Error()
		t.log.Warn().Err(sendErr).Str("email", r.Email).Str("policy", policy).Msg("outreach delivery failed")
	} else {
		ev.Status = okStatus
		ev.MessageID = msgID
		t.log.Info().
			Str("email", r.Email).
			Str("tier", string(r.Tier)).
			Str("policy", policy).
			Int("variant", v.Index).
			Msg("outreach sent")
	}

	t.metrics.Send(policy, string(ev.Status))
	if err := t.logEvent(ctx, ev); err != nil {
		t.log.Error().Err(err).Str("email", r.Email).Msg("write send event")
	}
	return ev, nil
}

func (t *Throttler) enqueueRetry(ctx context.Context, r models.Recipient, policy string, v models.Variant) error {
	entry := models.RetryEntry{
		ID:          uuid.NewString(),
		Recipient:   r,
		Policy:      policy,
		Variant:     v,
		Attempts:    1,
		LastAttempt: t.now().UTC(),
	}
	if err := kv.PutJSON(ctx, t.store, kv.RetryKey(entry.ID), entry, 0); err != nil {
		return fmt.Errorf("enqueue retry for %s: %w", r.Email, err)
	}
	return nil
}

func (t *Throttler) abandon(ctx context.Context, entry models.RetryEntry) error {
	r := entry.Recipient
	t.metrics.Send(entry.Policy, string(models.SendAbandoned))
	t.log.Warn().Str("email", r.Email).Int("attempts", entry.Attempts).Msg("outreach abandoned")
	if err := t.logEvent(ctx, models.SendEvent{
		Channel:   r.Channel,
		Email:     r.Email,
		Tier:      r.Tier,
		Score:     r.Score,
		Policy:    entry.Policy,
		Variant:   entry.Variant,
		Status:    models.SendAbandoned,
		Error:     entry.LastError,
		Timestamp: t.now().UTC(),
	}); err != nil {
		return err
	}
	return t.store.Delete(ctx, kv.RetryKey(entry.ID))
}

func (t *Throttler) logEvent(ctx context.Context, ev models.SendEvent) error {
	return kv.PutJSON(ctx, t.store, kv.SendLogKey(models.DayKey(ev.Timestamp), uuid.NewString()), ev, 0)
}

func (t *Throttler) skip(res *models.OutreachResult, email string, reason models.SkipReason, detail string) {
	res.Skipped++
	res.Outcomes = append(res.Outcomes, models.SendOutcome{Email: email, Skip: reason, Error: detail})
	t.metrics.Skip(string(reason))
	t.log.Debug().Str("email", email).Str("reason", string(reason)).Msg("outreach candidate skipped")
}

func (t *Throttler) counts(ctx context.Context, now time.Time) (int, int, error) {
	dayKey, hourKey := counterKeys(now)
	day, err := t.readCount(ctx, dayKey)
	if err != nil {
		return 0, 0, err
	}
	hour, err := t.readCount(ctx, hourKey)
	if err != nil {
		return 0, 0, err
	}
	return day, hour, nil
}

func counterKeys(now time.Time) (string, string) {
	day := models.DayKey(now)
	return kv.DayCounterKey(day), kv.HourCounterKey(day, models.HourKey(now))
}

func (t *Throttler) readCount(ctx context.Context, key string) (int, error) {
	data, err := t.store.Get(ctx, key)
	if kv.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	n, err := strconv.Atoi(string(data))
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

func (t *Throttler) writeCount(ctx context.Context, key string, n int, ttl time.Duration) error {
	if err := t.store.Put(ctx, key, []byte(strconv.Itoa(n)), ttl); err != nil {
		return fmt.Errorf("write counter: %w", err)
	}
	return nil
}
