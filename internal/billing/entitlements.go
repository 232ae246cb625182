package billing

import (
	"context"
	"fmt"

	"captn/internal/apperr"
	"captn/internal/storage"
)

type CreditStore interface {
	GetUser(ctx context.Context, userID int64) (storage.User, error)
	ConsumeCredit(ctx context.Context, userID int64) (bool, error)
	AdjustCredits(ctx context.Context, userID int64, delta int) error
}

// Grant records how an agent call was paid for.
type Grant struct {
	UserID     int64
	UsedCredit bool
}

type Entitlements struct {
	store CreditStore
}

func NewEntitlements(store CreditStore) *Entitlements {
	return &Entitlements{store: store}
}

// Acquire lets paid users through and charges one credit to everyone else.
func (e *Entitlements) Acquire(ctx context.Context, userID int64) (Grant, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return Grant{}, fmt.Errorf("load user: %w", err)
	}
	if u.HasPaid {
		return Grant{UserID: userID}, nil
	}
	ok, err := e.store.ConsumeCredit(ctx, userID)
	if err != nil {
		return Grant{}, err
	}
	if !ok {
		return Grant{}, apperr.ErrSubscriptionRequired
	}
	return Grant{UserID: userID, UsedCredit: true}, nil
}

// Check reports whether the user could pay for an agent call without
// charging anything.
func (e *Entitlements) Check(ctx context.Context, userID int64) error {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if !u.HasPaid && u.Credits <= 0 {
		return apperr.ErrSubscriptionRequired
	}
	return nil
}

// Refund gives back the credit an upstream failure consumed.
func (e *Entitlements) Refund(ctx context.Context, g Grant) error {
	if !g.UsedCredit {
		return nil
	}
	return e.store.AdjustCredits(ctx, g.UserID, 1)
}
