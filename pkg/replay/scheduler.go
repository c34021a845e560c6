package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/config"
)

// Parser accepts standard five-field expressions and descriptors such as @hourly.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler fires the replay tick, the daily reset and the outreach
// automation on their cron schedules, evaluated in UTC.
type Scheduler struct {
	cfg        config.ReplayConfig
	replayer   *Replayer
	automation func(ctx context.Context) error
	log        zerolog.Logger

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]cron.EntryID
	running bool
}

// NewScheduler creates a Scheduler. automation may be nil.
func NewScheduler(cfg config.ReplayConfig, r *Replayer, automation func(ctx context.Context) error, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		replayer:   r,
		automation: automation,
		log:        log,
	}
}

// Start registers the schedules and starts the cron loop. The loop stops
// when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info().Msg("replay scheduler disabled")
		return nil
	}

	c := cron.New(
		cron.WithParser(Parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	entries := make(map[string]cron.EntryID, 3)
	add := func(name, spec string, fn func(context.Context) error) error {
		if spec == "" {
			return nil
		}
		id, err := c.AddFunc(spec, func() { s.fire(ctx, name, fn) })
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		entries[name] = id
		return nil
	}

	if err := add("replay", s.cfg.Schedule, func(ctx context.Context) error {
		_, err := s.replayer.ReplayBatch(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := add("reset", s.cfg.ResetSchedule, func(ctx context.Context) error {
		_, err := s.replayer.DailyReset(ctx)
		return err
	}); err != nil {
		return err
	}
	if s.automation != nil {
		if err := add("outreach", s.cfg.OutreachSchedule, s.automation); err != nil {
			return err
		}
	}

	c.Start()
	s.c = c
	s.entries = entries
	s.running = true
	s.log.Info().
		Str("replay", s.cfg.Schedule).
		Str("reset", s.cfg.ResetSchedule).
		Str("outreach", s.cfg.OutreachSchedule).
		Msg("replay scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) fire(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	if err := fn(ctx); err != nil {
		s.log.Error().Err(err).Str("schedule", name).Msg("scheduled run failed")
		return
	}
	s.log.Debug().Str("schedule", name).Dur("took", time.Since(start)).Msg("scheduled run finished")
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.c == nil || !s.running {
		return
	}
	<-s.c.Stop().Done()
	s.running = false
	s.log.Info().Msg("replay scheduler stopped")
}

// NextRuns returns the next fire time of each registered schedule.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.entries))
	if s.c == nil {
		return out
	}
	for name, id := range s.entries {
		out[name] = s.c.Entry(id).Next
	}
	return out
}
