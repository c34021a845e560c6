package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
)

// FieldError describes one invalid configuration field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(field, format string, args ...any) {
		result = multierror.Append(result, &FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Store.Driver {
	case "memory", "redis":
	case "sqlite":
		if c.Store.Path == "" {
			add("store.path", "required for sqlite driver")
		}
	default:
		add("store.driver", "unknown driver %q", c.Store.Driver)
	}

	if c.Budget.SoftCapUSD <= 0 {
		add("budget.soft_cap_usd", "must be positive")
	}
	if c.Budget.HardCapUSD < c.Budget.SoftCapUSD {
		add("budget.hard_cap_usd", "must be >= soft cap (%.2f)", c.Budget.SoftCapUSD)
	}
	if c.Budget.SpendTTL < 24*time.Hour {
		add("budget.spend_ttl", "must cover at least one day")
	}

	if c.Costs.PerMinuteUSD < 0 || c.Costs.Per1KTokensUSD < 0 || c.Costs.MinimumUSD < 0 {
		add("costs", "cost constants must not be negative")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for field, spec := range map[string]string{
		"replay.schedule":          c.Replay.Schedule,
		"replay.reset_schedule":    c.Replay.ResetSchedule,
		"replay.outreach_schedule": c.Replay.OutreachSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			add(field, "invalid cron expression: %v", err)
		}
	}
	if c.Replay.BatchSize <= 0 {
		add("replay.batch_size", "must be positive")
	}

	if c.Outreach.DailyCap <= 0 {
		add("outreach.daily_cap", "must be positive")
	}
	if c.Outreach.HourlyCap <= 0 {
		add("outreach.hourly_cap", "must be positive")
	}
	if c.Outreach.Simple.MinScore < 0 || c.Outreach.Simple.MinScore > 100 {
		add("outreach.simple.min_score", "must be between 0 and 100")
	}
	t := c.Outreach.Tiered
	if t.Mid.Share+t.Enterprise.Share > 1.0001 {
		add("outreach.tiered", "tier shares must not exceed 1")
	}
	if t.Enterprise.MinSubscribers <= t.Mid.MinSubscribers {
		add("outreach.tiered.enterprise.min_subscribers", "must be above mid tier")
	}
	switch c.Outreach.Mailer.Kind {
	case "log":
	case "webhook":
		if c.Outreach.Mailer.URL == "" {
			add("outreach.mailer.url", "required for webhook mailer")
		}
	default:
		add("outreach.mailer.kind", "unknown mailer %q", c.Outreach.Mailer.Kind)
	}

	if c.Retry.Jobs.MaxAttempts < 1 {
		add("retry.jobs.max_attempts", "must be at least 1")
	}
	if c.Retry.Outreach.MaxAttempts < 1 {
		add("retry.outreach.max_attempts", "must be at least 1")
	}

	for _, route := range c.Router.Routes {
		for _, target := range route.Targets {
			if _, ok := c.Provider(target.Provider); !ok {
				add("router.routes", "route %q references unknown provider %q", route.Kind, target.Provider)
			}
		}
	}

	return result.ErrorOrNil()
}
