package outreach

import (
	"context"
	"fmt"
	"strings"

	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/models"
)

// AddRecipient validates and stores r. Re-adding a known address keeps its
// contact history and unsubscribe flag.
func (t *Throttler) AddRecipient(ctx context.Context, r models.Recipient) (models.Recipient, error) {
	if err := r.Normalize(); err != nil {
		return models.Recipient{}, err
	}
	var out models.Recipient
	err := t.writer.Do(ctx, func() error {
		merged, err := t.merge(ctx, r)
		if err != nil {
			return err
		}
		merged.Tier = t.tiered.TierFor(merged.Subscribers)
		if merged.AddedAt.IsZero() {
			merged.AddedAt = t.now().UTC()
		}
		out = merged
		return t.saveRecipient(ctx, merged)
	})
	if err != nil {
		return models.Recipient{}, err
	}
	t.log.Info().Str("email", out.Email).Str("channel", out.Channel).Str("tier", string(out.Tier)).Msg("recipient stored")
	return out, nil
}

// Unsubscribe permanently excludes email from outreach. Unknown addresses
// are recorded so a later import cannot re-enable them.
func (t *Throttler) Unsubscribe(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return &models.ValidationError{Field: "email", Message: "must contain @"}
	}
	err := t.writer.Do(ctx, func() error {
		rec, err := t.Recipient(ctx, email)
		if kv.IsNotFound(err) {
			rec = models.Recipient{Email: email, AddedAt: t.now().UTC()}
		} else if err != nil {
			return err
		}
		rec.Unsubscribed = true
		return t.saveRecipient(ctx, rec)
	})
	if err != nil {
		return err
	}
	t.log.Info().Str("email", email).Msg("recipient unsubscribed")
	return nil
}

// Recipient returns the stored record for email.
func (t *Throttler) Recipient(ctx context.Context, email string) (models.Recipient, error) {
	var r models.Recipient
	if err := kv.GetJSON(ctx, t.store, kv.RecipientKey(strings.ToLower(email)), &r); err != nil {
		return models.Recipient{}, err
	}
	return r, nil
}

// Recipients returns every stored recipient in key order.
func (t *Throttler) Recipients(ctx context.Context) ([]models.Recipient, error) {
	keys, err := t.store.List(ctx, kv.RecipientPrefix)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	out := make([]models.Recipient, 0, len(keys))
	for _, key := range keys {
		var r models.Recipient
		if err := kv.GetJSON(ctx, t.store, key, &r); err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// merge overlays the stored contact state on a candidate: unsubscribe is
// sticky and the latest contact time wins.
func (t *Throttler) merge(ctx context.Context, c models.Recipient) (models.Recipient, error) {
	stored, err := t.Recipient(ctx, c.Email)
	if kv.IsNotFound(err) {
		return c, nil
	}
	if err != nil {
		return models.Recipient{}, fmt.Errorf("load recipient: %w", err)
	}
	c.Unsubscribed = c.Unsubscribed || stored.Unsubscribed
	if stored.LastContactedAt != nil && (c.LastContactedAt == nil || stored.LastContactedAt.After(*c.LastContactedAt)) {
		last := *stored.LastContactedAt
		c.LastContactedAt = &last
	}
	if !stored.AddedAt.IsZero() {
		c.AddedAt = stored.AddedAt
	}
	if c.Channel == "" {
		c.Channel = stored.Channel
	}
	return c, nil
}

func (t *Throttler) saveRecipient(ctx context.Context, r models.Recipient) error {
	if err := kv.PutJSON(ctx, t.store, kv.RecipientKey(r.Email), r, 0); err != nil {
		return fmt.Errorf("save recipient %s: %w", r.Email, err)
	}
	return nil
}
