package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SpendCommitted(1, 1)
		m.Admission("admitted")
		m.JobFinished("generic", "done", 0.01)
		m.QueueDepth(3)
		m.ReplayRun("timer", 1)
		m.Send("simple", "sent")
		m.Skip("cooldown")
		m.Alert("soft")
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Admission("queued")
	m.Admission("queued")
	m.Admission("admitted")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissions.WithLabelValues("queued")))

	m.SpendCommitted(0.2, 8.1)
	assert.Equal(t, 8.1, testutil.ToFloat64(m.spendToday))
	assert.InDelta(t, 0.2, testutil.ToFloat64(m.spendCommitted), 1e-9)

	m.ReplayRun("reset", 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.replayedJobs))
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
