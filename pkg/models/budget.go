package models

import "time"

// CapType names one of the two daily spend thresholds.
type CapType string

const (
	CapSoft CapType = "soft"
	CapHard CapType = "hard"
)

// BudgetLedger is the spend record of one UTC day.
type BudgetLedger struct {
	Date       string  `json:"date"`
	SpentUSD   float64 `json:"spent_usd"`
	SoftCapUSD float64 `json:"soft_cap_usd"`
	HardCapUSD float64 `json:"hard_cap_usd"`
}

// SpendEvent is the write-once audit record of one spend commit.
// EstimatedCostUSD is nil for manual admin additions. CostEstimated is set
// when ActualCostUSD is the estimate standing in for an unreported cost.
type SpendEvent struct {
	JobID            string    `json:"job_id,omitempty"`
	EstimatedCostUSD *float64  `json:"estimated_cost_usd"`
	ActualCostUSD    float64   `json:"actual_cost_usd"`
	CostEstimated    bool      `json:"cost_estimated,omitempty"`
	LedgerTotalAfter float64   `json:"ledger_total_after"`
	Timestamp        time.Time `json:"timestamp"`
}

// SpendStatus is today's ledger view plus the queue depth.
type SpendStatus struct {
	Date        string  `json:"date"`
	SpentUSD    float64 `json:"today_spend"`
	SoftCapUSD  float64 `json:"soft"`
	HardCapUSD  float64 `json:"hard"`
	QueuedCount int     `json:"queued"`
}

// CapAlert is the logged payload of one fired cap alert.
type CapAlert struct {
	Type       string    `json:"type"`
	CapType    CapType   `json:"cap_type"`
	Date       string    `json:"date"`
	SpendUSD   float64   `json:"current_spend"`
	CapUSD     float64   `json:"cap_usd"`
	QueuedJobs int       `json:"queued_jobs"`
	NextReplay string    `json:"next_replay"`
	Timestamp  time.Time `json:"timestamp"`
}
