package service

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/alert"
	"github.com/pario-ai/spendguard/pkg/config"
	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/kv/memory"
	"github.com/pario-ai/spendguard/pkg/kv/redis"
	"github.com/pario-ai/spendguard/pkg/kv/sqlite"
)

// OpenStore opens the configured key-value backend.
func OpenStore(cfg config.StoreConfig, log zerolog.Logger) (kv.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(cfg.PurgeInterval), nil
	case "", "sqlite":
		s, err := sqlite.Open(cfg.Path, cfg.PurgeInterval, log)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "redis":
		s, err := redis.Dial(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Notifier builds the alert fan-out. The log notifier is always present;
// webhook and Telegram are added when configured.
func Notifier(cfg config.AlertConfig, log zerolog.Logger) (alert.Notifier, error) {
	out := alert.Multi{alert.NewLogNotifier(log)}
	if cfg.Webhook.URL != "" {
		out = append(out, alert.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Attempts, cfg.Webhook.Delay))
	}
	if cfg.Telegram.Token != "" {
		tg, err := alert.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, "")
		if err != nil {
			return nil, err
		}
		out = append(out, tg)
	}
	return out, nil
}
