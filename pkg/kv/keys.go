package kv

// Key layout. Day components use models.DayKey (YYYY-MM-DD, UTC).
const (
	JobPrefix        = "job:"
	QueuePrefix      = "queue:pending:"
	SpendPrefix      = "spend:"
	SpendEventPrefix = "events:spend:"
	AlertPrefix      = "alert:"
	AlertLogPrefix   = "alert_log:"
	RecipientPrefix  = "recipient:"
	ThrottlePrefix   = "throttle:"
	SendLogPrefix    = "outreach_log:"
	RetryPrefix      = "retry_queue:"
	SessionPrefix    = "session:"
	WebhookPrefix    = "webhook:"
)

func JobKey(id string) string { return JobPrefix + id }
func QueueKey(jobID string) string { return QueuePrefix + jobID }
func SpendKey(day string) string { return SpendPrefix + day }
func SpendEventKey(day, id string) string { return SpendEventPrefix + day + ":" + id }
func AlertKey(capType, day string) string { return AlertPrefix + capType + ":" + day }
func AlertLogKey(day, stamp string) string { return AlertLogPrefix + day + ":" + stamp }
func RecipientKey(email string) string { return RecipientPrefix + email }
func DayCounterKey(day string) string { return ThrottlePrefix + day }
func HourCounterKey(day, hour string) string { return ThrottlePrefix + day + ":" + hour }
func SendLogKey(day, id string) string { return SendLogPrefix + day + ":" + id }
func RetryKey(id string) string { return RetryPrefix + id }
func SessionKey(id string) string { return SessionPrefix + id }
func WebhookKey(stamp string) string { return WebhookPrefix + stamp }
