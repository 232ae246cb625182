// Package stripegw adapts the Stripe API to billing.Gateway.
package stripegw

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"captn/internal/billing"
)

type Config struct {
	APIKey        string
	WebhookSecret string
	// Backends overrides the Stripe endpoints, mostly for tests.
	Backends *stripe.Backends
}

type Gateway struct {
	api           *client.API
	webhookSecret string
}

var _ billing.Gateway = (*Gateway)(nil)

func New(cfg Config) *Gateway {
	return &Gateway{
		api:           client.New(cfg.APIKey, cfg.Backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

func (g *Gateway) FindOrCreateCustomer(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	params.Single = true

	it := g.api.Customers.List(params)
	for it.Next() {
		if c := it.Customer(); c != nil && c.ID != "" {
			return c.ID, nil
		}
	}
	if err := it.Err(); err != nil {
		return "", fmt.Errorf("list customers: %w", err)
	}

	create := &stripe.CustomerParams{Email: stripe.String(email)}
	create.Context = ctx
	c, err := g.api.Customers.New(create)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return c.ID, nil
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, p billing.CheckoutParams) (billing.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(p.CustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(p.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:     stripe.String(p.SuccessURL),
		CancelURL:      stripe.String(p.CancelURL),
		AutomaticTax:   &stripe.CheckoutSessionAutomaticTaxParams{Enabled: stripe.Bool(true)},
		CustomerUpdate: &stripe.CheckoutSessionCustomerUpdateParams{Address: stripe.String("auto")},
	}
	params.Context = ctx

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return billing.CheckoutSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	return billing.CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (g *Gateway) ParseEvent(payload []byte, signature string) (billing.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return billing.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}

	out := billing.Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data == nil {
		return out, nil
	}
	switch {
	case strings.HasPrefix(out.Type, "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return billing.Event{}, fmt.Errorf("decode subscription: %w", err)
		}
		if sub.Customer != nil {
			out.CustomerID = sub.Customer.ID
		}
		out.SubscriptionStatus = string(sub.Status)
		out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	case out.Type == "checkout.session.completed":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return billing.Event{}, fmt.Errorf("decode checkout session: %w", err)
		}
		if s.Customer != nil {
			out.CustomerID = s.Customer.ID
		}
	}
	return out, nil
}
