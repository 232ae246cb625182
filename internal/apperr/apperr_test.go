package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("agent call: %w", Wrap(KindUpstream, "agent unavailable", errors.New("status 503")))
	if got := KindOf(err); got != KindUpstream {
		t.Fatalf("expected upstream kind, got %q", got)
	}
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("expected internal kind for plain error, got %q", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("expected empty kind for nil, got %q", got)
	}
}

func TestSubscriptionIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("new chat: %w", New(KindSubscription, "plan expired"))
	if !errors.Is(err, ErrSubscriptionRequired) {
		t.Fatalf("expected subscription error to match sentinel")
	}
	if errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("subscription error must not match authentication sentinel")
	}
}

func TestMessageOfHidesInternal(t *testing.T) {
	if got := MessageOf(errors.New("pq: connection refused")); got != "internal error" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := MessageOf(ErrSubscriptionRequired); got != SubscriptionMessage {
		t.Fatalf("unexpected message %q", got)
	}
}
