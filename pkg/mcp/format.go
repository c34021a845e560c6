package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/spendguard/pkg/models"
)

// formatSpendStatus formats today's ledger view as text.
func formatSpendStatus(st models.SpendStatus) string {
	pct := float64(0)
	if st.HardCapUSD > 0 {
		pct = st.SpentUSD / st.HardCapUSD * 100
	}
	state := "open"
	switch {
	case st.SpentUSD >= st.HardCapUSD:
		state = "hard cap reached, new jobs are delayed until midnight UTC"
	case st.SpentUSD >= st.SoftCapUSD:
		state = "soft cap reached, new jobs are queued"
	}
	return fmt.Sprintf("Spend %s\n"+
		"  Spent:    $%.4f (%.1f%% of hard cap)\n"+
		"  Soft cap: $%.2f\n"+
		"  Hard cap: $%.2f\n"+
		"  Queued:   %d\n"+
		"  Admission: %s\n",
		st.Date, st.SpentUSD, pct, st.SoftCapUSD, st.HardCapUSD, st.QueuedCount, state)
}

// formatJobStatus formats one job as text.
func formatJobStatus(st models.JobStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s\n  State: %s\n", st.JobID, st.State)
	if st.Payment != "" {
		fmt.Fprintf(&b, "  Payment: %s\n", st.Payment)
	}
	if st.EstimatedCostUSD > 0 {
		fmt.Fprintf(&b, "  Estimated: $%.4f\n", st.EstimatedCostUSD)
	}
	if st.ActualCostUSD != nil {
		fmt.Fprintf(&b, "  Actual:    $%.4f\n", *st.ActualCostUSD)
	}
	if st.Result != "" {
		fmt.Fprintf(&b, "  Result: %s\n", st.Result)
	}
	if st.Error != "" {
		fmt.Fprintf(&b, "  Error: %s\n", st.Error)
	}
	return b.String()
}

// formatReplay formats a replay pass summary.
func formatReplay(r models.ReplayResult) string {
	s := fmt.Sprintf("Replay: %d processed, %d failed, %d remaining", r.Processed, r.Failed, r.Remaining)
	if r.Reconciled > 0 {
		s += fmt.Sprintf(", %d uncommitted costs recorded", r.Reconciled)
	}
	if r.Reaped > 0 {
		s += fmt.Sprintf(", %d stale reaped", r.Reaped)
	}
	if r.Stopped {
		s += fmt.Sprintf("\nStopped: %s", r.Reason)
	}
	return s + "\n"
}

// formatQueue formats pending queue entries as a text table.
func formatQueue(entries []models.QueueEntry) string {
	if len(entries) == 0 {
		return "No queued jobs."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-10s %-20s\n", "Job ID", "Reason", "Queued At")
	b.WriteString(strings.Repeat("-", 70) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-38s %-10s %-20s\n", e.JobID, e.Reason, e.QueuedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// formatEmailStats formats outreach volume as text.
func formatEmailStats(st models.EmailStats) string {
	return fmt.Sprintf("Outreach %s\n"+
		"  Today:  %d / %d\n"+
		"  Hour:   %d / %d\n"+
		"  Events: %d\n"+
		"  Retry queue: %d\n",
		st.Date, st.TodayCount, st.DailyCap, st.HourCount, st.HourlyCap, st.TotalEvents, st.RetryQueued)
}
