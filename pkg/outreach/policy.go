package outreach

import (
	"math"
	"time"

	"github.com/pario-ai/spendguard/pkg/config"
	"github.com/pario-ai/spendguard/pkg/models"
)

// Policy names.
const (
	PolicySimple = "simple"
	PolicyTiered = "tiered"
)

// Policy decides which recipients a batch may contact. The simple and the
// tiered policies use different cooldown windows and are kept apart.
type Policy interface {
	Name() string
	Cooldown() time.Duration
	// Admit reports whether r passes the policy's own gates.
	Admit(r models.Recipient) (models.SkipReason, bool)
	// NewQuota splits a batch's send capacity between segments.
	NewQuota(capacity int) Quota
}

// Quota tracks per-segment capacity within one batch.
type Quota interface {
	Allow(r models.Recipient) bool
	Take(r models.Recipient)
}

// Simple contacts anyone scoring at least MinScore.
type Simple struct {
	cfg config.SimplePolicyConfig
}

func NewSimple(cfg config.SimplePolicyConfig) *Simple {
	return &Simple{cfg: cfg}
}

func (p *Simple) Name() string            { return PolicySimple }
func (p *Simple) Cooldown() time.Duration { return p.cfg.Cooldown }

func (p *Simple) Admit(r models.Recipient) (models.SkipReason, bool) {
	if r.Score < p.cfg.MinScore {
		return models.SkipLowScore, false
	}
	return "", true
}

func (p *Simple) NewQuota(int) Quota { return unlimited{} }

type unlimited struct{}

func (unlimited) Allow(models.Recipient) bool { return true }
func (unlimited) Take(models.Recipient)       {}

// Tiered segments recipients by audience size and only contacts a segment
// whose expected revenue per email exceeds the email cost.
type Tiered struct {
	cfg config.TieredPolicyConfig
}

func NewTiered(cfg config.TieredPolicyConfig) *Tiered {
	return &Tiered{cfg: cfg}
}

func (p *Tiered) Name() string            { return PolicyTiered }
func (p *Tiered) Cooldown() time.Duration { return p.cfg.Cooldown }

// TierFor derives the segment from a subscriber count.
func (p *Tiered) TierFor(subscribers int64) models.Tier {
	switch {
	case subscribers >= p.cfg.Enterprise.MinSubscribers:
		return models.TierEnterprise
	case subscribers >= p.cfg.Mid.MinSubscribers:
		return models.TierMid
	default:
		return models.TierNone
	}
}

// ExpectedProfit is expected revenue per email minus its cost.
func (p *Tiered) ExpectedProfit(tier models.Tier) float64 {
	t, ok := p.tier(tier)
	if !ok {
		return -p.cfg.EmailCostUSD
	}
	return t.ConversionRate*t.DealValueUSD - p.cfg.EmailCostUSD
}

func (p *Tiered) Admit(r models.Recipient) (models.SkipReason, bool) {
	tier := p.TierFor(r.Subscribers)
	if tier == models.TierNone {
		return models.SkipNoTier, false
	}
	if p.ExpectedProfit(tier) <= 0 {
		return models.SkipUnprofitable, false
	}
	return "", true
}

func (p *Tiered) NewQuota(capacity int) Quota {
	mid := int(math.Round(float64(capacity) * p.cfg.Mid.Share))
	ent := int(math.Round(float64(capacity) * p.cfg.Enterprise.Share))
	if mid > capacity {
		mid = capacity
	}
	if mid+ent > capacity {
		ent = capacity - mid
	}
	return &tierQuota{
		policy: p,
		left:   map[models.Tier]int{models.TierMid: mid, models.TierEnterprise: ent},
	}
}

func (p *Tiered) tier(t models.Tier) (config.TierConfig, bool) {
	switch t {
	case models.TierMid:
		return p.cfg.Mid, true
	case models.TierEnterprise:
		return p.cfg.Enterprise, true
	}
	return config.TierConfig{}, false
}

type tierQuota struct {
	policy *Tiered
	left   map[models.Tier]int
}

func (q *tierQuota) Allow(r models.Recipient) bool {
	return q.left[q.policy.TierFor(r.Subscribers)] > 0
}

func (q *tierQuota) Take(r models.Recipient) {
	q.left[q.policy.TierFor(r.Subscribers)]--
}
