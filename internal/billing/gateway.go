// Package billing opens subscription checkouts, tracks entitlements and keeps
// user payment state in sync with the payment provider.
package billing

import (
	"context"
	"errors"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

type CheckoutParams struct {
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Event is the subset of a provider webhook event the service acts on.
type Event struct {
	ID                 string
	Type               string
	CustomerID         string
	SubscriptionStatus string
	CancelAtPeriodEnd  bool
}

// Gateway is the payment provider. Customer lookup is idempotent by email.
type Gateway interface {
	FindOrCreateCustomer(ctx context.Context, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (CheckoutSession, error)
	ParseEvent(payload []byte, signature string) (Event, error)
}
