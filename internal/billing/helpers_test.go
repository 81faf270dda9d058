package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/directoryhub/directory-hub/internal/email"
	"github.com/directoryhub/directory-hub/internal/store"
	"github.com/directoryhub/directory-hub/internal/tasks"
)

const testBaseURL = "https://directory.test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s store.Store, email string) *store.User {
	t.Helper()
	u := &store.User{ID: uuid.New().String(), Email: email, Role: "user", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.EnsureUser(context.Background(), u))
	return u
}

func seedListing(t *testing.T, s store.Store, userID, name string) *store.Listing {
	t.Helper()
	now := time.Now().UTC()
	l := &store.Listing{ID: uuid.New().String(), UserID: userID, Name: name, Slug: name, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateListing(context.Background(), l))
	return l
}

// fakeGateway records calls and serves canned subscriptions.
type fakeGateway struct {
	mu            sync.Mutex
	customers     int
	sessions      []CheckoutParams
	portalCalls   int
	subscriptions map[string]*Subscription
	failCheckout  error
	failGetSub    error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{subscriptions: make(map[string]*Subscription)}
}

func (g *fakeGateway) CreateCustomer(_ context.Context, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customers++
	return fmt.Sprintf("cus_%d", g.customers), nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, p CheckoutParams) (*CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCheckout != nil {
		return nil, g.failCheckout
	}
	g.sessions = append(g.sessions, p)
	id := fmt.Sprintf("cs_test_%d", len(g.sessions))
	return &CheckoutSession{ID: id, URL: "https://checkout.stripe.test/pay/" + id}, nil
}

func (g *fakeGateway) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.portalCalls++
	return "https://billing.stripe.test/session/" + customerID + "?return=" + returnURL, nil
}

func (g *fakeGateway) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failGetSub != nil {
		return nil, g.failGetSub
	}
	sub, ok := g.subscriptions[id]
	if !ok {
		return nil, errors.New("no such subscription: " + id)
	}
	cp := *sub
	return &cp, nil
}

func (g *fakeGateway) putSubscription(id, customer, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().Unix()
	g.subscriptions[id] = &Subscription{
		ID:                 id,
		Customer:           customer,
		Status:             status,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now + 30*24*3600,
	}
}

// recordingSender captures sent messages and can be told to fail.
type recordingSender struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg email.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) messages() []email.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]email.Message(nil), s.sent...)
}

type reconcilerEnv struct {
	store      store.Store
	gateway    *fakeGateway
	sender     *recordingSender
	runner     *tasks.Runner
	reconciler *Reconciler
}

func newReconcilerEnv(t *testing.T) *reconcilerEnv {
	t.Helper()
	env := &reconcilerEnv{
		store:   newTestStore(t),
		gateway: newFakeGateway(),
		sender:  &recordingSender{},
		runner:  tasks.NewRunner(testLogger(), time.Second),
	}
	env.reconciler = NewReconciler(env.store, env.gateway, env.runner, env.sender, testBaseURL, testLogger())
	return env
}

// drain waits for background emails to finish.
func (e *reconcilerEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.runner.Wait(ctx))
}

func eventJSON(t *testing.T, id, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   eventType,
		"data":   map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func newEvent(t *testing.T, eventType string, object any) *stripe.Event {
	t.Helper()
	var ev stripe.Event
	require.NoError(t, json.Unmarshal(eventJSON(t, "evt_"+uuid.New().String()[:8], eventType, object), &ev))
	return &ev
}

func checkoutCompletedObject(subscriptionID, listingID, userID string) map[string]any {
	return map[string]any{
		"id":               "cs_test_done",
		"object":           "checkout.session",
		"mode":             "subscription",
		"customer":         "cus_1",
		"subscription":     subscriptionID,
		"customer_details": map[string]any{"email": "owner@example.com"},
		"metadata": map[string]string{
			MetadataListingID: listingID,
			MetadataUserID:    userID,
		},
	}
}

func subscriptionObject(id, status string) map[string]any {
	now := time.Now().Unix()
	return map[string]any{
		"id":                   id,
		"object":               "subscription",
		"customer":             "cus_1",
		"status":               status,
		"cancel_at_period_end": false,
		"items": map[string]any{
			"data": []map[string]any{{
				"current_period_start": now,
				"current_period_end":   now + 30*24*3600,
			}},
		},
	}
}

func signedWebhookRequest(t *testing.T, secret string, payload []byte) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}
