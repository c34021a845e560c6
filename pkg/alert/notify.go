package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"github.com/pario-ai/spendguard/pkg/models"
)

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, a models.CapAlert) error {
	n.log.Error().
		Str("alert", a.Type).
		Str("day", a.Date).
		Float64("spend", a.SpendUSD).
		Str("next_replay", a.NextReplay).
		Msg("ALERT: " + string(a.CapType) + " cap exceeded")
	return nil
}

// WebhookNotifier POSTs the alert as JSON, retrying transient failures.
type WebhookNotifier struct {
	url      string
	client   *http.Client
	attempts uint
	delay    time.Duration
}

func NewWebhookNotifier(url string, attempts uint, delay time.Duration) *WebhookNotifier {
	if attempts == 0 {
		attempts = 1
	}
	return &WebhookNotifier{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: attempts,
		delay:    delay,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, a models.CapAlert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := n.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			if resp.StatusCode >= 500 {
				return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
			}
			if resp.StatusCode >= 300 {
				return retry.Unrecoverable(fmt.Errorf("alert webhook returned %d", resp.StatusCode))
			}
			return nil
		},
		retry.Attempts(n.attempts),
		retry.Delay(n.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// TelegramNotifier sends a short message to one chat.
type TelegramNotifier struct {
	bot  *tele.Bot
	chat tele.ChatID
}

// NewTelegramNotifier builds an offline bot; no polling is started. apiURL
// overrides the Bot API endpoint and may be empty.
func NewTelegramNotifier(token string, chatID int64, apiURL string) (*TelegramNotifier, error) {
	bot, err := tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chat: tele.ChatID(chatID)}, nil
}

func (n *TelegramNotifier) Notify(_ context.Context, a models.CapAlert) error {
	text := fmt.Sprintf("%s cap exceeded on %s: $%.2f of $%.2f, %d jobs queued, next replay %s",
		a.CapType, a.Date, a.SpendUSD, a.CapUSD, a.QueuedJobs, a.NextReplay)
	if _, err := n.bot.Send(n.chat, text); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Multi fans an alert out to every notifier and joins their failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a models.CapAlert) error {
	var result *multierror.Error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
