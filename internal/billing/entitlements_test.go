package billing

import (
	"context"
	"errors"
	"testing"

	"captn/internal/apperr"
	"captn/internal/storage"
)

type memCredits struct {
	users map[int64]*storage.User
}

func (m *memCredits) GetUser(_ context.Context, id int64) (storage.User, error) {
	u, ok := m.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return *u, nil
}

func (m *memCredits) ConsumeCredit(_ context.Context, id int64) (bool, error) {
	u := m.users[id]
	if u.Credits <= 0 {
		return false, nil
	}
	u.Credits--
	return true, nil
}

func (m *memCredits) AdjustCredits(_ context.Context, id int64, delta int) error {
	m.users[id].Credits += delta
	return nil
}

func TestEntitlements(t *testing.T) {
	store := &memCredits{users: map[int64]*storage.User{
		1: {ID: 1, HasPaid: true},
		2: {ID: 2, Credits: 1},
		3: {ID: 3},
	}}
	e := NewEntitlements(store)
	ctx := context.Background()

	g, err := e.Acquire(ctx, 1)
	if err != nil || g.UsedCredit {
		t.Fatalf("paid user: grant=%+v err=%v", g, err)
	}

	g, err = e.Acquire(ctx, 2)
	if err != nil || !g.UsedCredit {
		t.Fatalf("credit user: grant=%+v err=%v", g, err)
	}
	if store.users[2].Credits != 0 {
		t.Fatalf("expected credit consumed")
	}
	if err := e.Refund(ctx, g); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if store.users[2].Credits != 1 {
		t.Fatalf("expected credit refunded, got %d", store.users[2].Credits)
	}

	if err := e.Check(ctx, 2); err != nil {
		t.Fatalf("user with credit should pass check: %v", err)
	}
	if err := e.Check(ctx, 3); !errors.Is(err, apperr.ErrSubscriptionRequired) {
		t.Fatalf("expected check to fail for user 3, got %v", err)
	}

	_, err = e.Acquire(ctx, 3)
	if !errors.Is(err, apperr.ErrSubscriptionRequired) {
		t.Fatalf("expected subscription required, got %v", err)
	}
	if apperr.MessageOf(err) != apperr.SubscriptionMessage {
		t.Fatalf("unexpected message %q", apperr.MessageOf(err))
	}
}
