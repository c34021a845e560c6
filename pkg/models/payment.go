package models

import "time"

// CheckoutCompleted is the only payment event type that triggers work.
const CheckoutCompleted = "checkout.session.completed"

// PaymentEvent is the subset of a checkout webhook payload spendguard reads.
type PaymentEvent struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			CustomerEmail string `json:"customer_email,omitempty"`
			AmountTotal   int64  `json:"amount_total,omitempty"`
		} `json:"object"`
	} `json:"data"`
}

// SessionID returns the checkout session id, or "" when absent.
func (e PaymentEvent) SessionID() string { return e.Data.Object.ID }

// PaymentSession records a paid checkout session. Its id doubles as the
// id of the job the payment pays for.
type PaymentSession struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentPaid is the PaymentSession state written on checkout completion.
const PaymentPaid = "paid"
