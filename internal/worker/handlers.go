package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"

	"webhook-pipeline/internal/models"
)

// EffectStore is the persistence the handlers mutate. Implementations must
// keep every write idempotent; the queue is at-least-once and a handler may
// re-run with the same payload after a crash.
type EffectStore interface {
	UpsertSubscription(ctx context.Context, sub models.Subscription) error
	SetSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status string) error
	SubscriptionByProviderID(ctx context.Context, stripeSubscriptionID string) (models.Subscription, bool, error)
	SetCredits(ctx context.Context, userID string, credits int64) error
	RecordPayment(ctx context.Context, p models.Payment) (bool, error)
}

const defaultPlanCredits = 100

// Effects maps verified provider events onto subscription and credit state.
type Effects struct {
	store       EffectStore
	planCredits map[string]int64
	log         *slog.Logger
}

func NewEffects(store EffectStore, planCredits map[string]int64, log *slog.Logger) *Effects {
	return &Effects{store: store, planCredits: planCredits, log: log}
}

// RegisterAll binds every known event type to the pool.
func (e *Effects) RegisterAll(p *Pool) {
	p.Register("checkout.session.completed", e.HandleCheckoutCompleted)
	p.Register("invoice.paid", e.HandleInvoicePaid)
	p.Register("invoice.payment_failed", e.HandleInvoicePaymentFailed)
	p.Register("customer.subscription.updated", e.HandleSubscriptionUpdated)
	p.Register("customer.subscription.deleted", e.HandleSubscriptionDeleted)
}

func (e *Effects) creditsFor(planID string) int64 {
	if v, ok := e.planCredits[planID]; ok {
		return v
	}
	return defaultPlanCredits
}

// HandleCheckoutCompleted activates the purchased subscription and sets the
// credit bucket to the plan allowance. Both writes are upserts, so replays
// converge on the same state.
func (e *Effects) HandleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}

	userID := session.Metadata["user_id"]
	planID := session.Metadata["plan_id"]
	if userID == "" || planID == "" {
		return fmt.Errorf("checkout session %s missing user_id/plan_id metadata", session.ID)
	}

	sub := models.Subscription{
		UserID:           userID,
		PlanID:           planID,
		Status:           models.SubscriptionActive,
		CurrentPeriodEnd: time.Now().AddDate(0, 1, 0),
	}
	if session.Customer != nil {
		sub.StripeCustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		sub.StripeSubscriptionID = session.Subscription.ID
	}

	if err := e.store.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	if err := e.store.SetCredits(ctx, userID, e.creditsFor(planID)); err != nil {
		return err
	}
	e.log.Info("subscription activated",
		"event_type", string(event.Type), "provider_event_id", event.ID,
		"user_id", userID, "plan_id", planID)
	return nil
}

// HandleInvoicePaid records the payment and refreshes the period's credits.
// The payment row is keyed by invoice ID; if it already exists this delivery
// was replayed and no credits are touched again.
func (e *Effects) HandleInvoicePaid(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}

	userID := invoice.Metadata["user_id"]
	planID := invoice.Metadata["plan_id"]
	if invoice.SubscriptionDetails != nil {
		if userID == "" {
			userID = invoice.SubscriptionDetails.Metadata["user_id"]
		}
		if planID == "" {
			planID = invoice.SubscriptionDetails.Metadata["plan_id"]
		}
	}
	// Renewal invoices frequently carry no metadata at all; the stored
	// subscription row is the source of truth for who owns this invoice.
	if userID == "" && invoice.Subscription != nil {
		sub, ok, err := e.store.SubscriptionByProviderID(ctx, invoice.Subscription.ID)
		if err != nil {
			return err
		}
		if ok {
			userID = sub.UserID
			if planID == "" {
				planID = sub.PlanID
			}
		}
	}

	recorded, err := e.store.RecordPayment(ctx, models.Payment{
		StripeInvoiceID: invoice.ID,
		UserID:          userID,
		AmountCents:     invoice.AmountPaid,
		Currency:        string(invoice.Currency),
		PaidAt:          time.Unix(invoice.Created, 0).UTC(),
	})
	if err != nil {
		return err
	}
	if !recorded {
		e.log.Info("invoice already recorded, skipping credit refresh",
			"event_type", string(event.Type), "provider_event_id", event.ID,
			"invoice_id", invoice.ID)
		return nil
	}

	if userID != "" {
		if err := e.store.SetCredits(ctx, userID, e.creditsFor(planID)); err != nil {
			return err
		}
	}
	e.log.Info("payment recorded",
		"event_type", string(event.Type), "provider_event_id", event.ID,
		"invoice_id", invoice.ID, "user_id", userID)
	return nil
}

// HandleInvoicePaymentFailed flags the subscription past_due.
func (e *Effects) HandleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	if invoice.Subscription == nil {
		return nil
	}
	if err := e.store.SetSubscriptionStatus(ctx, invoice.Subscription.ID, models.SubscriptionPastDue); err != nil {
		return err
	}
	e.log.Warn("payment failed, subscription past due",
		"event_type", string(event.Type), "provider_event_id", event.ID,
		"subscription_id", invoice.Subscription.ID)
	return nil
}

// HandleSubscriptionUpdated mirrors the provider's subscription status.
func (e *Effects) HandleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	if err := e.store.SetSubscriptionStatus(ctx, sub.ID, string(sub.Status)); err != nil {
		return err
	}
	e.log.Info("subscription updated",
		"event_type", string(event.Type), "provider_event_id", event.ID,
		"subscription_id", sub.ID, "status", string(sub.Status))
	return nil
}

// HandleSubscriptionDeleted marks the subscription canceled. Credits are
// left untouched until the period lapses.
func (e *Effects) HandleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	if err := e.store.SetSubscriptionStatus(ctx, sub.ID, models.SubscriptionCanceled); err != nil {
		return err
	}
	e.log.Info("subscription canceled",
		"event_type", string(event.Type), "provider_event_id", event.ID,
		"subscription_id", sub.ID)
	return nil
}
