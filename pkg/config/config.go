package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all spendguard configuration.
type Config struct {
	Listen    string           `yaml:"listen"`
	Log       LogConfig        `yaml:"log"`
	Store     StoreConfig      `yaml:"store"`
	Budget    BudgetConfig     `yaml:"budget"`
	Costs     CostConfig       `yaml:"costs"`
	Replay    ReplayConfig     `yaml:"replay"`
	Outreach  OutreachConfig   `yaml:"outreach"`
	Alert     AlertConfig      `yaml:"alert"`
	Retry     RetryConfig      `yaml:"retry"`
	Providers []ProviderConfig `yaml:"providers"`
	Router    RouterConfig     `yaml:"router"`
}

// LogConfig controls the zerolog output.
// Format is "console" (default) or "json".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the key-value backend.
// Driver is "memory", "sqlite" (default) or "redis".
type StoreConfig struct {
	Driver        string        `yaml:"driver"`
	Path          string        `yaml:"path"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// BudgetConfig sets the daily spend caps.
type BudgetConfig struct {
	SoftCapUSD   float64       `yaml:"soft_cap_usd"`
	HardCapUSD   float64       `yaml:"hard_cap_usd"`
	SpendTTL     time.Duration `yaml:"spend_ttl"`
	JobRetention time.Duration `yaml:"job_retention"`
}

// CostConfig holds the per-kind cost estimation constants.
type CostConfig struct {
	PerMinuteUSD           float64 `yaml:"per_minute_usd"`
	Per1KTokensUSD         float64 `yaml:"per_1k_tokens_usd"`
	MinimumUSD             float64 `yaml:"minimum_usd"`
	DefaultDurationSeconds float64 `yaml:"default_duration_seconds"`
	DefaultTokens          int     `yaml:"default_tokens"`
}

// ReplayConfig holds the cron schedules for replay, daily reset and outreach automation.
// Schedules are evaluated in UTC.
type ReplayConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Schedule         string        `yaml:"schedule"`
	ResetSchedule    string        `yaml:"reset_schedule"`
	OutreachSchedule string        `yaml:"outreach_schedule"`
	BatchSize        int           `yaml:"batch_size"`
	StaleAfter       time.Duration `yaml:"stale_after"`
}

// OutreachConfig controls send quotas and the two recipient policies.
type OutreachConfig struct {
	DailyCap       int                `yaml:"daily_cap"`
	HourlyCap      int                `yaml:"hourly_cap"`
	SendsPerSecond float64            `yaml:"sends_per_second"`
	DefaultLang    string             `yaml:"default_lang"`
	Simple         SimplePolicyConfig `yaml:"simple"`
	Tiered         TieredPolicyConfig `yaml:"tiered"`
	Mailer         MailerConfig       `yaml:"mailer"`
}

// SimplePolicyConfig is the score-threshold policy used by on-demand batches.
type SimplePolicyConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`
	MinScore int           `yaml:"min_score"`
}

// TieredPolicyConfig is the mid/enterprise policy used by the daily automation.
type TieredPolicyConfig struct {
	Cooldown     time.Duration `yaml:"cooldown"`
	EmailCostUSD float64       `yaml:"email_cost_usd"`
	Mid          TierConfig    `yaml:"mid"`
	Enterprise   TierConfig    `yaml:"enterprise"`
}

// TierConfig describes one recipient segment.
type TierConfig struct {
	MinSubscribers int64   `yaml:"min_subscribers"`
	Share          float64 `yaml:"share"`
	ConversionRate float64 `yaml:"conversion_rate"`
	DealValueUSD   float64 `yaml:"deal_value_usd"`
}

// MailerConfig selects the delivery collaborator.
// Kind is "log" (default) or "webhook".
type MailerConfig struct {
	Kind    string        `yaml:"kind"`
	URL     string        `yaml:"url"`
	From    string        `yaml:"from"`
	Timeout time.Duration `yaml:"timeout"`
}

// AlertConfig controls cap alert delivery. The log notifier is always on.
type AlertConfig struct {
	DedupTTL time.Duration  `yaml:"dedup_ttl"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// WebhookConfig posts alerts as JSON.
type WebhookConfig struct {
	URL      string        `yaml:"url"`
	Attempts uint          `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// TelegramConfig sends alerts to a chat.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// RetryConfig sets the attempt budget per operation kind.
type RetryConfig struct {
	Jobs     RetryPolicy `yaml:"jobs"`
	Outreach RetryPolicy `yaml:"outreach"`
}

// RetryPolicy bounds attempts for one operation kind. 1 means no retry.
type RetryPolicy struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// ProviderConfig defines an upstream execution endpoint.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// RouterConfig maps job kinds to ordered provider chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a job kind to an ordered list of targets.
type RouteConfig struct {
	Kind    string        `yaml:"kind"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a provider and the path to call on it.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Path     string `yaml:"path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			Path:          "spendguard.db",
			RedisAddr:     "localhost:6379",
			PurgeInterval: time.Hour,
		},
		Budget: BudgetConfig{
			SoftCapUSD:   8,
			HardCapUSD:   10,
			SpendTTL:     48 * time.Hour,
			JobRetention: 30 * 24 * time.Hour,
		},
		Costs: CostConfig{
			PerMinuteUSD:           0.006,
			Per1KTokensUSD:         0.002,
			MinimumUSD:             0.01,
			DefaultDurationSeconds: 60,
			DefaultTokens:          1000,
		},
		Replay: ReplayConfig{
			Enabled:          true,
			Schedule:         "*/10 * * * *",
			ResetSchedule:    "0 0 * * *",
			OutreachSchedule: "0 6 * * *",
			BatchSize:        5,
			StaleAfter:       30 * time.Minute,
		},
		Outreach: OutreachConfig{
			DailyCap:       300,
			HourlyCap:      50,
			SendsPerSecond: 1,
			DefaultLang:    "en",
			Simple: SimplePolicyConfig{
				Cooldown: 7 * 24 * time.Hour,
				MinScore: 80,
			},
			Tiered: TieredPolicyConfig{
				Cooldown:     30 * 24 * time.Hour,
				EmailCostUSD: 0.001,
				Mid: TierConfig{
					MinSubscribers: 10_000,
					Share:          0.7,
					ConversionRate: 0.02,
					DealValueUSD:   29.99,
				},
				Enterprise: TierConfig{
					MinSubscribers: 1_000_000,
					Share:          0.3,
					ConversionRate: 0.005,
					DealValueUSD:   299,
				},
			},
			Mailer: MailerConfig{
				Kind:    "log",
				From:    "outreach@localhost",
				Timeout: 10 * time.Second,
			},
		},
		Alert: AlertConfig{
			DedupTTL: 24 * time.Hour,
			Webhook: WebhookConfig{
				Attempts: 3,
				Delay:    time.Second,
			},
		},
		Retry: RetryConfig{
			Jobs:     RetryPolicy{MaxAttempts: 1},
			Outreach: RetryPolicy{MaxAttempts: 3},
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Provider returns the provider with the given name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
