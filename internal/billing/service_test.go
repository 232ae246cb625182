package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"captn/internal/apperr"
	"captn/internal/storage"
)

type fakeGateway struct {
	customers  map[string]string
	sessionErr error
	lastParams CheckoutParams
	event      Event
	eventErr   error
}

func (g *fakeGateway) FindOrCreateCustomer(_ context.Context, email string) (string, error) {
	if g.customers == nil {
		g.customers = map[string]string{}
	}
	if id, ok := g.customers[email]; ok {
		return id, nil
	}
	id := "cus_" + email
	g.customers[email] = id
	return id, nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, p CheckoutParams) (CheckoutSession, error) {
	g.lastParams = p
	if g.sessionErr != nil {
		return CheckoutSession{}, g.sessionErr
	}
	return CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil
}

func (g *fakeGateway) ParseEvent(_ []byte, signature string) (Event, error) {
	if signature == "" {
		return Event{}, ErrInvalidSignature
	}
	return g.event, g.eventErr
}

type subscriptionCall struct {
	customerID string
	hasPaid    bool
	status     string
}

type fakeStore struct {
	billingIDs    map[int64][2]string
	subscriptions []subscriptionCall
}

func (s *fakeStore) SetBillingIDs(_ context.Context, userID int64, customerID, sessionID string) error {
	if s.billingIDs == nil {
		s.billingIDs = map[int64][2]string{}
	}
	s.billingIDs[userID] = [2]string{customerID, sessionID}
	return nil
}

func (s *fakeStore) SetSubscription(_ context.Context, customerID string, hasPaid bool, status string) error {
	if customerID == "cus_unknown" {
		return storage.ErrNotFound
	}
	s.subscriptions = append(s.subscriptions, subscriptionCall{customerID, hasPaid, status})
	return nil
}

type memDedupe struct {
	seen map[string]bool
}

func (d *memDedupe) MarkFirst(_ context.Context, id string) (bool, error) {
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDedupe) Forget(_ context.Context, id string) error {
	delete(d.seen, id)
	return nil
}

func newTestService(g *fakeGateway, st *fakeStore) *Service {
	return NewService(Config{
		Gateway:            g,
		Store:              st,
		Dedupe:             &memDedupe{},
		PriceID:            "price_1",
		Domain:             "https://captn.example.com/",
		CustomerPortalLink: "https://billing.stripe.com/p/login/test",
		Logger:             zerolog.Nop(),
	})
}

func TestCheckoutPersistsIDs(t *testing.T) {
	g := &fakeGateway{}
	st := &fakeStore{}
	svc := newTestService(g, st)

	res, err := svc.Checkout(context.Background(), storage.User{ID: 7, Email: "ahoy@example.com"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.SessionID != "cs_1" || res.SessionURL == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if g.lastParams.SuccessURL != "https://captn.example.com/checkout?success=true" ||
		g.lastParams.CancelURL != "https://captn.example.com/checkout?canceled=true" ||
		g.lastParams.PriceID != "price_1" {
		t.Fatalf("unexpected params %+v", g.lastParams)
	}
	if ids := st.billingIDs[7]; ids != [2]string{"cus_ahoy@example.com", "cs_1"} {
		t.Fatalf("unexpected persisted ids %v", ids)
	}
}

func TestCheckoutSessionFailureCommitsNothing(t *testing.T) {
	g := &fakeGateway{sessionErr: errors.New("card_declined")}
	st := &fakeStore{}
	svc := newTestService(g, st)

	_, err := svc.Checkout(context.Background(), storage.User{ID: 7, Email: "ahoy@example.com"})
	if !errors.Is(err, ErrCheckoutSession) {
		t.Fatalf("expected ErrCheckoutSession, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindCheckout {
		t.Fatalf("expected checkout kind, got %q", apperr.KindOf(err))
	}
	if len(st.billingIDs) != 0 {
		t.Fatalf("no ids should be persisted, got %v", st.billingIDs)
	}
}

func TestHandleWebhookDeduplicates(t *testing.T) {
	g := &fakeGateway{event: Event{ID: "evt_1", Type: "customer.subscription.updated", CustomerID: "cus_1", SubscriptionStatus: "past_due"}}
	st := &fakeStore{}
	svc := newTestService(g, st)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.HandleWebhook(ctx, []byte(`{}`), "sig"); err != nil {
			t.Fatalf("webhook #%d: %v", i+1, err)
		}
	}
	if len(st.subscriptions) != 1 {
		t.Fatalf("expected one applied event, got %d", len(st.subscriptions))
	}
	if got := st.subscriptions[0]; !got.hasPaid || got.status != "past_due" {
		t.Fatalf("unexpected subscription update %+v", got)
	}

	if err := svc.HandleWebhook(ctx, []byte(`{}`), ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation failure for bad signature, got %v", err)
	}
}

func TestHandleWebhookEventTypes(t *testing.T) {
	cases := []struct {
		ev      Event
		applied bool
		hasPaid bool
		status  string
	}{
		{Event{ID: "e1", Type: "checkout.session.completed", CustomerID: "cus_1"}, true, true, "active"},
		{Event{ID: "e2", Type: "customer.subscription.updated", CustomerID: "cus_1", SubscriptionStatus: "active", CancelAtPeriodEnd: true}, true, true, "canceled"},
		{Event{ID: "e3", Type: "customer.subscription.deleted", CustomerID: "cus_1", SubscriptionStatus: "canceled"}, true, false, "deleted"},
		{Event{ID: "e4", Type: "customer.subscription.updated", CustomerID: "cus_1", SubscriptionStatus: "unpaid"}, true, false, "unpaid"},
		{Event{ID: "e5", Type: "invoice.paid", CustomerID: "cus_1"}, false, false, ""},
		{Event{ID: "e6", Type: "checkout.session.completed", CustomerID: "cus_unknown"}, false, false, ""},
	}
	for _, tc := range cases {
		st := &fakeStore{}
		svc := newTestService(&fakeGateway{event: tc.ev}, st)
		if err := svc.HandleWebhook(context.Background(), nil, "sig"); err != nil {
			t.Fatalf("%s: %v", tc.ev.ID, err)
		}
		if !tc.applied {
			if len(st.subscriptions) != 0 {
				t.Fatalf("%s: expected no update, got %+v", tc.ev.ID, st.subscriptions)
			}
			continue
		}
		if len(st.subscriptions) != 1 {
			t.Fatalf("%s: expected one update, got %d", tc.ev.ID, len(st.subscriptions))
		}
		if got := st.subscriptions[0]; got.hasPaid != tc.hasPaid || got.status != tc.status {
			t.Fatalf("%s: unexpected update %+v", tc.ev.ID, got)
		}
	}
}

func TestAccountLabels(t *testing.T) {
	svc := newTestService(&fakeGateway{}, &fakeStore{})
	cases := []struct {
		user storage.User
		plan string
	}{
		{storage.User{HasPaid: false}, PlanNone},
		{storage.User{HasPaid: true, SubscriptionStatus: "past_due"}, PlanPastDue},
		{storage.User{HasPaid: true, SubscriptionStatus: "canceled"}, PlanCancelled},
		{storage.User{HasPaid: true, SubscriptionStatus: "active"}, PlanMonthly},
	}
	for _, tc := range cases {
		v := svc.Account(tc.user)
		if v.Plan != tc.plan {
			t.Fatalf("user %+v: expected plan %q, got %q", tc.user, tc.plan, v.Plan)
		}
		if v.CustomerPortalLink == "" {
			t.Fatalf("expected portal link")
		}
	}
}
