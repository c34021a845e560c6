package outreach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/config"
	"github.com/pario-ai/spendguard/pkg/models"
)

// Mailer is the email delivery collaborator.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) (messageID string, err error)
}

// NewMailer builds the configured mailer.
func NewMailer(cfg config.MailerConfig, log zerolog.Logger) (Mailer, error) {
	switch cfg.Kind {
	case "", "log":
		return &LogMailer{from: cfg.From, log: log}, nil
	case "webhook":
		return NewWebhookMailer(cfg.URL, cfg.From, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown mailer kind %q", cfg.Kind)
	}
}

// LogMailer records the message in the log instead of delivering it.
type LogMailer struct {
	from string
	log  zerolog.Logger
}

func (m *LogMailer) Send(_ context.Context, to, subject, _ string) (string, error) {
	id := uuid.NewString()
	m.log.Info().Str("from", m.from).Str("to", to).Str("subject", subject).Str("message_id", id).Msg("email logged")
	return id, nil
}

// WebhookMailer hands messages to an HTTP delivery relay.
type WebhookMailer struct {
	url    string
	from   string
	client *http.Client
}

func NewWebhookMailer(url, from string, timeout time.Duration) *WebhookMailer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookMailer{url: url, from: from, client: &http.Client{Timeout: timeout}}
}

type mailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type mailReply struct {
	MessageID string `json:"message_id"`
}

func (m *WebhookMailer) Send(ctx context.Context, to, subject, body string) (string, error) {
	payload, err := json.Marshal(mailRequest{From: m.from, To: to, Subject: subject, Body: body})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return "", &models.ExternalCallFailure{Op: "send email", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", &models.ExternalCallFailure{Op: "send email", Err: err}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return "", &models.ExternalCallFailure{Op: "send email", Err: fmt.Errorf("relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))}
	}

	var reply mailReply
	if err := json.Unmarshal(data, &reply); err != nil || reply.MessageID == "" {
		return uuid.NewString(), nil
	}
	return reply.MessageID, nil
}

// renderBody builds the plain-text message for one recipient.
func renderBody(r models.Recipient, v models.Variant) string {
	if v.Lang == "es" {
		return fmt.Sprintf("Hola %s,\n\nAñade subtítulos a tus videos y llega a más audiencia.\n\n%s\n", r.Channel, v.CTA)
	}
	return fmt.Sprintf("Hi %s,\n\nAdd captions to your videos and reach more viewers.\n\n%s\n", r.Channel, v.CTA)
}
