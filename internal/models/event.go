package models

import (
	"encoding/json"
	"time"
)

// Event lifecycle states persisted in Postgres.
const (
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDead       = "dead"
)

// Queue priorities. DLQ retries jump the line ahead of fresh admissions.
const (
	PriorityHigh    = "high"
	PriorityDefault = "default"
)

// WebhookEvent is one row per provider event. ProviderEventID is the
// idempotency key: a second delivery with the same ID never creates a row.
type WebhookEvent struct {
	EventID         string          `json:"event_id"`
	ProviderEventID string          `json:"provider_event_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	LastError       *string         `json:"last_error,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

// DeadLetterEntry is a job that exhausted its attempts, parked for manual
// inspection or retry from the admin surface.
type DeadLetterEntry struct {
	JobID           string    `json:"job_id"`
	ProviderEventID string    `json:"provider_event_id"`
	EventType       string    `json:"event_type"`
	AttemptsMade    int       `json:"attempts_made"`
	FailureReason   string    `json:"failure_reason"`
	FailedAt        time.Time `json:"failed_at"`
}

// QueueDepths is a point-in-time snapshot of broker-side queue sizes.
type QueueDepths struct {
	Waiting  int64 `json:"waiting"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
	DLQ      int64 `json:"dlq"`
}

// Subscription is the effect-handler view of a user's plan state.
type Subscription struct {
	UserID               string    `json:"user_id"`
	PlanID               string    `json:"plan_id"`
	StripeCustomerID     string    `json:"stripe_customer_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	Status               string    `json:"status"`
	CurrentPeriodEnd     time.Time `json:"current_period_end"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Subscription statuses mirrored from the provider.
const (
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// Payment is one settled invoice, keyed by the provider invoice ID so a
// redelivered invoice.paid event cannot record it twice.
type Payment struct {
	StripeInvoiceID string    `json:"stripe_invoice_id"`
	UserID          string    `json:"user_id"`
	AmountCents     int64     `json:"amount_cents"`
	Currency        string    `json:"currency"`
	PaidAt          time.Time `json:"paid_at"`
}
