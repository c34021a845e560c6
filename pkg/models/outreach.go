package models

import (
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Tier is a recipient segment of the tiered outreach policy.
type Tier string

const (
	TierNone       Tier = ""
	TierMid        Tier = "mid"
	TierEnterprise Tier = "enterprise"
)

// Recipient is an outreach target. Unsubscribed is permanent once set.
type Recipient struct {
	Channel         string     `json:"channel"`
	Email           string     `json:"email"`
	Subscribers     int64      `json:"subscribers"`
	Category        string     `json:"category,omitempty"`
	URL             string     `json:"url,omitempty"`
	Lang            string     `json:"lang,omitempty"`
	Score           int        `json:"score"`
	Tier            Tier       `json:"tier,omitempty"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
	Unsubscribed    bool       `json:"unsubscribed"`
	AddedAt         time.Time  `json:"added_at"`
}

// Normalize trims fields, lowercases the email and validates the record.
func (r *Recipient) Normalize() error {
	r.Channel = strings.TrimSpace(r.Channel)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.Category = strings.TrimSpace(r.Category)
	r.URL = strings.TrimSpace(r.URL)
	r.Lang = strings.ToLower(strings.TrimSpace(r.Lang))

	var result *multierror.Error
	if r.Channel == "" {
		result = multierror.Append(result, &ValidationError{Field: "channel", Message: "required"})
	}
	if r.Email == "" {
		result = multierror.Append(result, &ValidationError{Field: "email", Message: "required"})
	} else if !strings.Contains(r.Email, "@") {
		result = multierror.Append(result, &ValidationError{Field: "email", Message: "must contain @"})
	}
	if r.Score < 0 || r.Score > 100 {
		result = multierror.Append(result, &ValidationError{Field: "score", Message: "must be between 0 and 100"})
	}
	if r.Subscribers < 0 {
		result = multierror.Append(result, &ValidationError{Field: "subscribers", Message: "must not be negative"})
	}
	return result.ErrorOrNil()
}

// SendStatus is the outcome recorded in a SendEvent.
type SendStatus string

const (
	SendSent      SendStatus = "sent"
	SendRetried   SendStatus = "sent_retry"
	SendFailed    SendStatus = "failed"
	SendAbandoned SendStatus = "abandoned"
)

// SkipReason explains why a candidate was not contacted.
type SkipReason string

const (
	SkipUnsubscribed SkipReason = "unsubscribed"
	SkipCooldown     SkipReason = "cooldown"
	SkipLowScore     SkipReason = "low_score"
	SkipNoTier       SkipReason = "no_tier"
	SkipTierFull     SkipReason = "tier_full"
	SkipUnprofitable SkipReason = "unprofitable"
	SkipInvalid      SkipReason = "invalid"
)

// Variant is the subject/CTA pair chosen for one send.
type Variant struct {
	Index   int    `json:"index"`
	Lang    string `json:"lang"`
	Subject string `json:"subject"`
	CTA     string `json:"cta"`
}

// SendEvent is the write-once log of one delivery attempt.
type SendEvent struct {
	Channel   string     `json:"channel"`
	Email     string     `json:"email"`
	Tier      Tier       `json:"tier,omitempty"`
	Score     int        `json:"score"`
	Policy    string     `json:"policy"`
	Variant   Variant    `json:"variant"`
	Status    SendStatus `json:"status"`
	MessageID string     `json:"message_id,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// RetryEntry is a failed delivery awaiting another attempt.
type RetryEntry struct {
	ID          string    `json:"id"`
	Recipient   Recipient `json:"recipient"`
	Policy      string    `json:"policy"`
	Variant     Variant   `json:"variant"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error,omitempty"`
}

// SendOutcome is the per-candidate result of a batch.
type SendOutcome struct {
	Email  string     `json:"email"`
	Status SendStatus `json:"status,omitempty"`
	Skip   SkipReason `json:"skip,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// OutreachResult summarises one send batch or retry sweep.
type OutreachResult struct {
	Sent      int           `json:"sent"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Abandoned int           `json:"abandoned,omitempty"`
	Stopped   string        `json:"stopped,omitempty"`
	Outcomes  []SendOutcome `json:"outcomes,omitempty"`
}

// EmailStats reports today's send volume.
type EmailStats struct {
	Date        string `json:"date"`
	TodayCount  int    `json:"today_count"`
	HourCount   int    `json:"hour_count"`
	DailyCap    int    `json:"daily_cap"`
	HourlyCap   int    `json:"hourly_cap"`
	TotalEvents int    `json:"total_emails"`
	RetryQueued int    `json:"retry_queued"`
}
