// Package metrics exposes spendguard's Prometheus collectors. Every method is
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the collectors for all components.
type Metrics struct {
	// Ledger
	spendToday     prometheus.Gauge
	spendCommitted prometheus.Counter

	// Admission and execution
	admissions   *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobCost      *prometheus.HistogramVec
	queueDepth   prometheus.Gauge

	// Replay
	replayRuns   *prometheus.CounterVec
	replayedJobs prometheus.Counter

	// Outreach
	sends *prometheus.CounterVec
	skips *prometheus.CounterVec

	// Alerting
	alerts *prometheus.CounterVec
}

// New registers the collectors on reg. Passing a fresh registry per
// instance keeps tests independent of the global default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		spendToday: f.NewGauge(prometheus.GaugeOpts{
			Name: "spendguard_ledger_spend_today_usd",
			Help: "Spend committed to today's ledger in USD",
		}),
		spendCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "spendguard_ledger_spend_committed_usd_total",
			Help: "Total USD committed to the ledger since start",
		}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_admission_decisions_total",
			Help: "Admission decisions by outcome",
		}, []string{"decision"}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_jobs_finished_total",
			Help: "Jobs reaching a terminal state",
		}, []string{"kind", "state"}),
		jobCost: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spendguard_job_cost_usd",
			Help:    "Reconciled job cost in USD",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "spendguard_queue_pending",
			Help: "Queue entries waiting for replay",
		}),
		replayRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_replay_runs_total",
			Help: "Replay passes by trigger",
		}, []string{"trigger"}),
		replayedJobs: f.NewCounter(prometheus.CounterOpts{
			Name: "spendguard_replay_jobs_total",
			Help: "Queued jobs re-admitted and executed by replay",
		}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_outreach_sends_total",
			Help: "Outreach delivery attempts by policy and status",
		}, []string{"policy", "status"}),
		skips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_outreach_skips_total",
			Help: "Outreach candidates skipped by reason",
		}, []string{"reason"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_alerts_fired_total",
			Help: "Cap alerts emitted",
		}, []string{"cap"}),
	}
}

func (m *Metrics) SpendCommitted(amount, total float64) {
	if m == nil {
		return
	}
	m.spendCommitted.Add(amount)
	m.spendToday.Set(total)
}

func (m *Metrics) SpendToday(total float64) {
	if m == nil {
		return
	}
	m.spendToday.Set(total)
}

func (m *Metrics) Admission(decision string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(decision).Inc()
}

func (m *Metrics) JobFinished(kind, state string, cost float64) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(kind, state).Inc()
	if state == "done" {
		m.jobCost.WithLabelValues(kind).Observe(cost)
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) ReplayRun(trigger string, replayed int) {
	if m == nil {
		return
	}
	m.replayRuns.WithLabelValues(trigger).Inc()
	m.replayedJobs.Add(float64(replayed))
}

func (m *Metrics) Send(policy, status string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(policy, status).Inc()
}

func (m *Metrics) Skip(reason string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(reason).Inc()
}

func (m *Metrics) Alert(capType string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(capType).Inc()
}
