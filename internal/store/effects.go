package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"webhook-pipeline/internal/models"
)

// Effect-store operations. Every write here is idempotent under replay:
// handlers may run more than once for the same event after a crash between
// "effect applied" and "mark completed", so upserts and conflict-ignoring
// inserts are the rule.

// UpsertSubscription creates or refreshes a user's subscription row.
func (s *Store) UpsertSubscription(ctx context.Context, sub models.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (user_id, plan_id, stripe_customer_id, stripe_subscription_id, status, current_period_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			status = EXCLUDED.status,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = NOW()
	`, sub.UserID, sub.PlanID, sub.StripeCustomerID, sub.StripeSubscriptionID, sub.Status, sub.CurrentPeriodEnd)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// SetSubscriptionStatus updates status by the provider's subscription ID,
// which is what deletion and payment-failure events carry.
func (s *Store) SetSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET status = $2, updated_at = NOW() WHERE stripe_subscription_id = $1
	`, stripeSubscriptionID, status)
	if err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}
	return nil
}

// SubscriptionByProviderID fetches the subscription row behind a provider
// subscription ID. Invoice events often arrive without metadata; this is how
// the handler maps them back to a user.
func (s *Store) SubscriptionByProviderID(ctx context.Context, stripeSubscriptionID string) (models.Subscription, bool, error) {
	var sub models.Subscription
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, plan_id, stripe_customer_id, stripe_subscription_id, status, current_period_end, updated_at
		FROM subscriptions WHERE stripe_subscription_id = $1
	`, stripeSubscriptionID).Scan(&sub.UserID, &sub.PlanID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.Status, &sub.CurrentPeriodEnd, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, false, nil
	}
	if err != nil {
		return models.Subscription{}, false, fmt.Errorf("subscription by provider id: %w", err)
	}
	return sub, true, nil
}

// SetCredits sets a user's credit bucket to an absolute allowance. Set, not
// increment: replaying the same event lands on the same balance.
func (s *Store) SetCredits(ctx context.Context, userID string, credits int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credit_buckets (user_id, credits, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET credits = EXCLUDED.credits, updated_at = NOW()
	`, userID, credits)
	if err != nil {
		return fmt.Errorf("set credits: %w", err)
	}
	return nil
}

// RecordPayment inserts a payment history row keyed by the provider invoice
// ID. Returns false when the invoice was already recorded.
func (s *Store) RecordPayment(ctx context.Context, p models.Payment) (bool, error) {
	paidAt := p.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payments (stripe_invoice_id, user_id, amount_cents, currency, paid_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stripe_invoice_id) DO NOTHING
	`, p.StripeInvoiceID, p.UserID, p.AmountCents, p.Currency, paidAt)
	if err != nil {
		return false, fmt.Errorf("record payment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
