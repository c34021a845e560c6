package processor

import (
	"math"

	"github.com/pario-ai/spendguard/pkg/config"
	"github.com/pario-ai/spendguard/pkg/models"
)

// Estimator prices a job before it runs. The figure is advisory: it drives
// admission and is always reconciled against the actual cost afterwards.
type Estimator struct {
	costs config.CostConfig
}

// NewEstimator creates an Estimator from the configured rates.
func NewEstimator(costs config.CostConfig) *Estimator {
	return &Estimator{costs: costs}
}

// EstimateCost returns the expected USD cost of a job of kind with params.
// Unknown kinds cost the fixed minimum.
func (e *Estimator) EstimateCost(kind models.JobKind, params models.JobParams) float64 {
	switch kind {
	case models.KindTranscription:
		secs := e.costs.DefaultDurationSeconds
		if p := params.Transcription; p != nil && p.DurationSeconds > 0 {
			secs = p.DurationSeconds
		}
		return round6(secs / 60 * e.costs.PerMinuteUSD)
	case models.KindTranslation:
		tokens := e.costs.DefaultTokens
		if p := params.Translation; p != nil && p.Tokens > 0 {
			tokens = p.Tokens
		}
		return round6(float64(tokens) / 1000 * e.costs.Per1KTokensUSD)
	default:
		return e.costs.MinimumUSD
	}
}

// Estimate honours an explicit caller estimate and falls back to EstimateCost.
func (e *Estimator) Estimate(req models.JobRequest) float64 {
	if req.EstimatedCostUSD != nil {
		return *req.EstimatedCostUSD
	}
	return e.EstimateCost(req.Kind, req.Params)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
