package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/spendguard/pkg/admission"
	"github.com/pario-ai/spendguard/pkg/alert"
	"github.com/pario-ai/spendguard/pkg/config"
	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/kv/memory"
	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/models"
	"github.com/pario-ai/spendguard/pkg/processor"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, kv.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Outreach.SendsPerSecond = 0
	store := memory.New(time.Minute)
	svc, err := New(cfg, store, Options{
		Notifier: alert.Multi{},
		Mock:     processor.NewMockExecutor(7),
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Clock:    func() time.Time { return testNow },
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		svc.Close()
		_ = store.Close()
	})
	return svc, store
}

func checkout(id string) models.PaymentEvent {
	var ev models.PaymentEvent
	ev.Type = models.CheckoutCompleted
	ev.Data.Object.ID = id
	return ev
}

func TestHandlePaymentAdmitsTranscription(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	res, err := svc.HandlePayment(ctx, checkout("cs_test_123"))
	require.NoError(t, err)
	assert.True(t, res.Received)
	require.NotNil(t, res.Job)
	assert.Equal(t, admission.Admit, res.Job.Decision)
	assert.Equal(t, models.StateDone, res.Job.State)
	assert.Equal(t, models.KindTranscription, res.Job.Job.Kind)
	assert.InDelta(t, 0.006, res.Job.Job.EstimatedCostUSD, 1e-9)

	var sess models.PaymentSession
	require.NoError(t, kv.GetJSON(ctx, store, kv.SessionKey("cs_test_123"), &sess))
	assert.Equal(t, models.PaymentPaid, sess.State)

	hooks, err := store.List(ctx, kv.WebhookPrefix)
	require.NoError(t, err)
	assert.Len(t, hooks, 1)

	before, err := svc.GetSpendStatus(ctx)
	require.NoError(t, err)
	assert.Greater(t, before.SpentUSD, 0.0)

	// Redelivery returns the finished job without charging again.
	again, err := svc.HandlePayment(ctx, checkout("cs_test_123"))
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, again.Job.State)
	assert.Equal(t, admission.Known, again.Job.Decision)

	// Both deliveries share a millisecond on the fixed clock; neither record is overwritten.
	hooks, err = store.List(ctx, kv.WebhookPrefix)
	require.NoError(t, err)
	assert.Len(t, hooks, 2)

	after, err := svc.GetSpendStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.SpentUSD, after.SpentUSD)

	status, err := svc.GetJobStatus(ctx, "cs_test_123")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, status.State)
	assert.NotEmpty(t, status.Result)
}

func TestHandlePaymentIgnoresOtherEvents(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	ev := checkout("cs_test_9")
	ev.Type = "payment_intent.created"
	res, err := svc.HandlePayment(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Received)
	assert.Nil(t, res.Job)

	_, err = store.Get(ctx, kv.SessionKey("cs_test_9"))
	assert.True(t, kv.IsNotFound(err))

	_, err = svc.HandlePayment(ctx, models.PaymentEvent{})
	assert.True(t, models.IsValidation(err))
}

func TestGetJobStatusFallbacks(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	status, err := svc.GetJobStatus(ctx, "never-seen")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, status.State)
	assert.Empty(t, status.Payment)

	require.NoError(t, kv.PutJSON(ctx, store, kv.SessionKey("cs_paid"), models.PaymentSession{ID: "cs_paid", State: models.PaymentPaid}, 0))
	status, err = svc.GetJobStatus(ctx, "cs_paid")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, status.State)
	assert.Equal(t, models.PaymentPaid, status.Payment)

	_, err = svc.GetJobStatus(ctx, "  ")
	assert.True(t, models.IsValidation(err))
}

func TestSpendAdminAndReload(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.AddSpend(ctx, 7.5)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, st.SpentUSD, 1e-9)
	assert.Equal(t, "2026-03-14", st.Date)

	_, err = svc.AddSpend(ctx, -1)
	assert.True(t, models.IsValidation(err))

	cfg := config.Default()
	cfg.Budget.SoftCapUSD = 5
	cfg.Budget.HardCapUSD = 6
	cfg.Outreach.DailyCap = 10
	svc.Reload(cfg)

	// The next commit lands above both lowered caps.
	_, err = svc.AddSpend(ctx, 0.1)
	require.NoError(t, err)
	alerts, err := svc.Alerts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	res, err := svc.AdmitJob(ctx, models.JobRequest{Kind: models.KindGeneric, Mode: models.ModeMock})
	require.NoError(t, err)
	assert.Equal(t, admission.Delay, res.Decision)

	stats, err := svc.EmailStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.DailyCap)

	st, err = svc.ResetSpend(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.SpentUSD)
	assert.Equal(t, 1, st.QueuedCount, "reset alone does not replay")

	out, err := svc.ReplayNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed)
	assert.Zero(t, out.Remaining)

	events, err := svc.SpendEvents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestOutreachThroughService(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SendOutreachBatch(ctx, "carrier-pigeon", nil)
	assert.True(t, models.IsValidation(err))

	res, err := svc.SendOutreachBatch(ctx, "simple", []models.Recipient{
		{Channel: "Cooking", Email: "chef@example.com", Score: 90},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	require.NoError(t, svc.Unsubscribe(ctx, "chef@example.com"))
	r, err := svc.AddRecipient(ctx, models.Recipient{Channel: "Cooking", Email: "chef@example.com", Score: 90})
	require.NoError(t, err)
	assert.True(t, r.Unsubscribed)

	require.NoError(t, svc.RunDailyOutreach(ctx))
	d, err := svc.Diagnostics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", d.Status)
	assert.Equal(t, 1, d.Email.TodayCount)
}
