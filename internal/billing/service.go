package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"captn/internal/apperr"
	"captn/internal/metrics"
	"captn/internal/storage"
)

var ErrCheckoutSession = apperr.New(apperr.KindCheckout, "Could not create a Stripe session")

const (
	PlanMonthly   = "monthly"
	PlanCancelled = "cancelled"
	PlanPastDue   = "past_due"
	PlanNone      = "none"
)

type Store interface {
	SetBillingIDs(ctx context.Context, userID int64, customerID, sessionID string) error
	SetSubscription(ctx context.Context, customerID string, hasPaid bool, status string) error
}

type Deduplicator interface {
	MarkFirst(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type Config struct {
	Gateway            Gateway
	Store              Store
	Dedupe             Deduplicator
	PriceID            string
	Domain             string
	CustomerPortalLink string
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
}

type Service struct {
	gateway    Gateway
	store      Store
	dedupe     Deduplicator
	priceID    string
	domain     string
	portalLink string
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

type CheckoutResult struct {
	SessionURL string `json:"session_url"`
	SessionID  string `json:"session_id"`
}

type AccountView struct {
	Email              string `json:"email"`
	HasPaid            bool   `json:"has_paid"`
	SubscriptionStatus string `json:"subscription_status"`
	Plan               string `json:"plan"`
	PlanLabel          string `json:"plan_label"`
	Credits            int    `json:"credits"`
	CustomerPortalLink string `json:"customer_portal_link,omitempty"`
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Service{
		gateway:    cfg.Gateway,
		store:      cfg.Store,
		dedupe:     cfg.Dedupe,
		priceID:    cfg.PriceID,
		domain:     strings.TrimSuffix(cfg.Domain, "/"),
		portalLink: cfg.CustomerPortalLink,
		logger:     cfg.Logger,
		metrics:    m,
	}
}

// Checkout opens a subscription session. Ids are persisted only once the
// session exists.
func (s *Service) Checkout(ctx context.Context, u storage.User) (CheckoutResult, error) {
	if strings.TrimSpace(u.Email) == "" {
		return CheckoutResult{}, apperr.Validation("user has no email")
	}

	customerID, err := s.gateway.FindOrCreateCustomer(ctx, u.Email)
	if err != nil {
		s.metrics.Checkouts.WithLabelValues("customer_error").Inc()
		return CheckoutResult{}, apperr.Wrap(apperr.KindUpstream, "billing customer lookup failed", err)
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: customerID,
		PriceID:    s.priceID,
		SuccessURL: s.domain + "/checkout?success=true",
		CancelURL:  s.domain + "/checkout?canceled=true",
	})
	if err != nil || session.ID == "" || session.URL == "" {
		s.metrics.Checkouts.WithLabelValues("session_error").Inc()
		s.logger.Error().Err(err).Int64("user_id", u.ID).Msg("checkout session failed")
		return CheckoutResult{}, ErrCheckoutSession
	}

	if err := s.store.SetBillingIDs(ctx, u.ID, customerID, session.ID); err != nil {
		return CheckoutResult{}, fmt.Errorf("persist billing ids: %w", err)
	}
	s.metrics.Checkouts.WithLabelValues("created").Inc()
	return CheckoutResult{SessionURL: session.URL, SessionID: session.ID}, nil
}

// HandleWebhook verifies and applies one provider event. Redelivered events
// are acknowledged without being applied twice.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ev, err := s.gateway.ParseEvent(payload, signature)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid webhook", err)
	}
	s.metrics.WebhookEvents.WithLabelValues(ev.Type).Inc()

	if s.dedupe != nil && ev.ID != "" {
		first, err := s.dedupe.MarkFirst(ctx, ev.ID)
		if err != nil {
			return err
		}
		if !first {
			s.logger.Debug().Str("event_id", ev.ID).Msg("duplicate webhook event")
			return nil
		}
	}

	if err := s.apply(ctx, ev); err != nil {
		if s.dedupe != nil && ev.ID != "" {
			_ = s.dedupe.Forget(ctx, ev.ID)
		}
		return err
	}
	return nil
}

func (s *Service) apply(ctx context.Context, ev Event) error {
	if ev.CustomerID == "" {
		return nil
	}

	var hasPaid bool
	var status string
	switch ev.Type {
	case "checkout.session.completed":
		hasPaid, status = true, "active"
	case "customer.subscription.created", "customer.subscription.updated":
		status = ev.SubscriptionStatus
		switch status {
		case "active", "trialing", "past_due":
			hasPaid = true
		}
		if hasPaid && status != "past_due" && ev.CancelAtPeriodEnd {
			status = "canceled"
		}
	case "customer.subscription.deleted":
		hasPaid, status = false, "deleted"
	default:
		return nil
	}

	err := s.store.SetSubscription(ctx, ev.CustomerID, hasPaid, status)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn().Str("customer_id", ev.CustomerID).Str("type", ev.Type).Msg("webhook for unknown customer")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", ev.Type, err)
	}
	s.logger.Info().Str("customer_id", ev.CustomerID).Str("status", status).Bool("has_paid", hasPaid).Msg("subscription updated")
	return nil
}

func (s *Service) Account(u storage.User) AccountView {
	v := AccountView{
		Email:              u.Email,
		HasPaid:            u.HasPaid,
		SubscriptionStatus: u.SubscriptionStatus,
		Credits:            u.Credits,
		CustomerPortalLink: s.portalLink,
	}
	switch {
	case !u.HasPaid:
		v.Plan, v.PlanLabel = PlanNone, "N/A"
	case u.SubscriptionStatus == "past_due":
		v.Plan, v.PlanLabel = PlanPastDue, "Your Account is Past Due!"
	case u.SubscriptionStatus == "canceled":
		v.Plan, v.PlanLabel = PlanCancelled, "Monthly Subscription (cancelled)"
	default:
		v.Plan, v.PlanLabel = PlanMonthly, "Monthly Subscription"
	}
	return v
}
