// Package donation records Stripe payments delivered through webhooks.
package donation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/Felixdiamond/growth-hub/internal/model"
	"github.com/Felixdiamond/growth-hub/internal/storage"
)

// ErrNotConfigured is returned when no webhook secret is set.
var ErrNotConfigured = errors.New("stripe webhook secret not configured")

// Store is the persistence the webhook handler writes to.
type Store interface {
	InsertDonation(ctx context.Context, d *model.Donation) (bool, error)
	UpsertStripeSubscription(ctx context.Context, s *model.StripeSubscription) error
	InsertCharge(ctx context.Context, c *model.Charge) (bool, error)
	RecordDonation(ctx context.Context, email string, amountCents int64, currency string, at time.Time) error
	SetActiveSubscription(ctx context.Context, email string, active bool) error
}

// CustomerLookup resolves a Stripe customer id to its email address.
type CustomerLookup interface {
	CustomerEmail(ctx context.Context, customerID string) (string, error)
}

// StripeCustomers looks customers up through the Stripe API.
type StripeCustomers struct {
	api *client.API
}

// NewStripeCustomers creates a CustomerLookup backed by the Stripe API.
func NewStripeCustomers(secretKey string) *StripeCustomers {
	return &StripeCustomers{api: client.New(secretKey, nil)}
}

// CustomerEmail implements CustomerLookup.
func (s *StripeCustomers) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := s.api.Customers.Get(customerID, params)
	if err != nil {
		return "", fmt.Errorf("get customer %s: %w", customerID, err)
	}
	return c.Email, nil
}

// Service verifies and applies webhook events.
type Service struct {
	secret    string
	store     Store
	customers CustomerLookup
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Service. customers may be nil, in which case cancellations
// do not update the subscriber record.
func New(secret string, store Store, customers CustomerLookup, log *slog.Logger) *Service {
	return &Service{
		secret:    secret,
		store:     store,
		customers: customers,
		log:       log,
		now:       time.Now,
	}
}

// HandleWebhook verifies signature against payload and applies the event.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.secret == "" {
		return ErrNotConfigured
	}
	if signature == "" {
		return fmt.Errorf("missing stripe signature")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return fmt.Errorf("verify webhook: %w", err)
	}

	log := s.log.With("event_id", event.ID, "event_type", string(event.Type))
	log.Info("processing stripe event")

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return s.checkoutCompleted(ctx, log, &session)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.subscriptionChanged(ctx, log, &sub)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.subscriptionDeleted(ctx, log, &sub)

	case "charge.succeeded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return fmt.Errorf("decode charge: %w", err)
		}
		return s.chargeSucceeded(ctx, log, &charge)

	case "charge.updated":
		log.Info("informational stripe event")
		return nil
	}

	if strings.HasPrefix(string(event.Type), "payment_intent.") {
		log.Info("informational stripe event")
		return nil
	}
	log.Info("unhandled stripe event")
	return nil
}

func (s *Service) checkoutCompleted(ctx context.Context, log *slog.Logger, session *stripe.CheckoutSession) error {
	email := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email = session.CustomerDetails.Email
	}
	email = strings.ToLower(strings.TrimSpace(email))

	kind := model.DonationOneTime
	if session.Mode == stripe.CheckoutSessionModeSubscription {
		kind = model.DonationRecurring
	}

	d := &model.Donation{
		SessionID:   session.ID,
		CustomerID:  customerID(session.Customer),
		Email:       email,
		AmountCents: session.AmountTotal,
		Currency:    string(session.Currency),
		Status:      "succeeded",
		Type:        kind,
		Metadata:    session.Metadata,
		CreatedAt:   s.now(),
	}
	inserted, err := s.store.InsertDonation(ctx, d)
	if err != nil {
		return fmt.Errorf("insert donation: %w", err)
	}
	if !inserted {
		log.Info("donation already recorded", "session_id", session.ID)
		return nil
	}

	if email != "" {
		err := s.store.RecordDonation(ctx, email, d.AmountCents, d.Currency, d.CreatedAt)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			log.Debug("donor is not a subscriber", "email", email)
		case err != nil:
			return fmt.Errorf("record donation: %w", err)
		}
	}

	log.Info("donation recorded", "session_id", session.ID, "amount_cents", d.AmountCents, "type", kind)
	return nil
}

func (s *Service) subscriptionChanged(ctx context.Context, log *slog.Logger, sub *stripe.Subscription) error {
	rec := &model.StripeSubscription{
		ID:               sub.ID,
		CustomerID:       customerID(sub.Customer),
		Status:           string(sub.Status),
		CurrentPeriodEnd: time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if err := s.store.UpsertStripeSubscription(ctx, rec); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	log.Info("subscription updated", "subscription_id", sub.ID, "status", rec.Status)
	return nil
}

func (s *Service) subscriptionDeleted(ctx context.Context, log *slog.Logger, sub *stripe.Subscription) error {
	canceled := s.now().UTC()
	rec := &model.StripeSubscription{
		ID:               sub.ID,
		CustomerID:       customerID(sub.Customer),
		Status:           string(stripe.SubscriptionStatusCanceled),
		CurrentPeriodEnd: time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CanceledAt:       &canceled,
	}
	if err := s.store.UpsertStripeSubscription(ctx, rec); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	if s.customers != nil && rec.CustomerID != "" {
		email, err := s.customers.CustomerEmail(ctx, rec.CustomerID)
		if err != nil {
			return err
		}
		if email != "" {
			err := s.store.SetActiveSubscription(ctx, strings.ToLower(email), false)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("clear active subscription: %w", err)
			}
		}
	}

	log.Info("subscription canceled", "subscription_id", sub.ID)
	return nil
}

func (s *Service) chargeSucceeded(ctx context.Context, log *slog.Logger, charge *stripe.Charge) error {
	email := charge.ReceiptEmail
	if charge.BillingDetails != nil && charge.BillingDetails.Email != "" {
		email = charge.BillingDetails.Email
	}
	c := &model.Charge{
		ID:          charge.ID,
		CustomerID:  customerID(charge.Customer),
		Email:       strings.ToLower(email),
		AmountCents: charge.Amount,
		Currency:    string(charge.Currency),
		Status:      string(charge.Status),
		CreatedAt:   time.Unix(charge.Created, 0).UTC(),
	}
	inserted, err := s.store.InsertCharge(ctx, c)
	if err != nil {
		return fmt.Errorf("insert charge: %w", err)
	}
	log.Info("charge recorded", "charge_id", charge.ID, "new", inserted)
	return nil
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}
