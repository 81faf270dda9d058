package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/directoryhub/directory-hub/internal/store"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"active", store.StatusActive},
		{"canceled", store.StatusCancelled},
		{"past_due", store.StatusPastDue},
		{"unpaid", store.StatusExpired},
		{"incomplete", store.StatusExpired},
		{"incomplete_expired", store.StatusExpired},
		{"trialing", store.StatusExpired},
		{"paused", store.StatusExpired},
		{"", store.StatusExpired},
		{"something-new", store.StatusExpired},
		{" Active ", store.StatusActive},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapStatus(tt.in), "MapStatus(%q)", tt.in)
	}
}

func TestCheckoutCompleted_ActivatesAndFeatures(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	env.gateway.putSubscription("sub_1", "cus_1", "active")

	err := env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", checkoutCompletedObject("sub_1", l.ID, u.ID)))
	require.NoError(t, err)
	env.drain(t)

	sub, err := env.store.GetSubscriptionByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, store.StatusActive, sub.Status)
	assert.Equal(t, l.ID, sub.ListingID)
	assert.Equal(t, u.ID, sub.UserID)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
	assert.False(t, sub.CurrentPeriodEnd.IsZero())

	listing, err := env.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, listing.IsFeatured)

	msgs := env.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "owner@example.com", msgs[0].To)
	assert.Contains(t, msgs[0].Subject, "bakery")
}

func TestCheckoutCompleted_NotActiveRecordsPastDue(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	env.gateway.putSubscription("sub_incomplete", "cus_1", "incomplete")

	err := env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", checkoutCompletedObject("sub_incomplete", l.ID, u.ID)))
	require.NoError(t, err)
	env.drain(t)

	sub, _ := env.store.GetSubscriptionByStripeID(ctx, "sub_incomplete")
	require.NotNil(t, sub)
	assert.Equal(t, store.StatusPastDue, sub.Status)
}

func TestCheckoutCompleted_Idempotent(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	env.gateway.putSubscription("sub_dup", "cus_1", "active")

	obj := checkoutCompletedObject("sub_dup", l.ID, u.ID)
	require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", obj)))
	first, _ := env.store.GetSubscriptionByStripeID(ctx, "sub_dup")
	firstListing, _ := env.store.GetListing(ctx, l.ID)

	require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", obj)))
	env.drain(t)
	second, _ := env.store.GetSubscriptionByStripeID(ctx, "sub_dup")
	secondListing, _ := env.store.GetListing(ctx, l.ID)

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.UserID, second.UserID)
	assert.Equal(t, first.ListingID, second.ListingID)
	assert.Equal(t, first.StripeCustomerID, second.StripeCustomerID)
	assert.Equal(t, first.CancelAtPeriodEnd, second.CancelAtPeriodEnd)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
	assert.True(t, first.CurrentPeriodStart.Equal(second.CurrentPeriodStart))
	assert.True(t, first.CurrentPeriodEnd.Equal(second.CurrentPeriodEnd))
	assert.Equal(t, firstListing.IsFeatured, secondListing.IsFeatured)

	subs, err := env.store.ListSubscriptionsByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	// The confirmation goes out once, not per delivery.
	assert.Len(t, env.sender.messages(), 1)
}

func TestCheckoutCompleted_IgnoredSessions(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	env.gateway.putSubscription("sub_x", "cus_1", "active")

	payment := checkoutCompletedObject("", l.ID, u.ID)
	payment["mode"] = "payment"

	noMetadata := checkoutCompletedObject("sub_x", l.ID, u.ID)
	noMetadata["metadata"] = map[string]string{}

	unknownListing := checkoutCompletedObject("sub_x", "missing-listing", u.ID)

	for name, obj := range map[string]map[string]any{
		"payment mode":    payment,
		"no metadata":     noMetadata,
		"unknown listing": unknownListing,
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", obj)))
		})
	}
	env.drain(t)

	sub, err := env.store.GetSubscriptionByStripeID(ctx, "sub_x")
	require.NoError(t, err)
	assert.Nil(t, sub)
	listing, _ := env.store.GetListing(ctx, l.ID)
	assert.False(t, listing.IsFeatured)
	assert.Empty(t, env.sender.messages())
}

func TestCheckoutCompleted_ProviderFailureIsRetryable(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	env.gateway.failGetSub = errors.New("stripe timeout")

	err := env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", checkoutCompletedObject("sub_1", l.ID, u.ID)))
	require.Error(t, err)

	listing, _ := env.store.GetListing(ctx, l.ID)
	assert.False(t, listing.IsFeatured)
}

func TestCheckoutCompleted_EmailFailureDoesNotFail(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	env.gateway.putSubscription("sub_1", "cus_1", "active")
	env.sender.err = errors.New("mail function down")

	err := env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", checkoutCompletedObject("sub_1", l.ID, u.ID)))
	require.NoError(t, err)
	env.drain(t)

	listing, _ := env.store.GetListing(ctx, l.ID)
	assert.True(t, listing.IsFeatured)
}

func TestCheckoutCompleted_EmailFallsBackToUserRecord(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "record@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	env.gateway.putSubscription("sub_1", "cus_1", "active")

	obj := checkoutCompletedObject("sub_1", l.ID, u.ID)
	delete(obj, "customer_details")
	require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", obj)))
	env.drain(t)

	msgs := env.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "record@example.com", msgs[0].To)
}

// seedSubscription inserts a subscription row as a completed checkout would.
func seedSubscription(t *testing.T, s store.Store, u *store.User, l *store.Listing, stripeID, status string, featured bool) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.UpsertSubscription(ctx, &store.Subscription{
		ID:                   uuid.New().String(),
		UserID:               u.ID,
		ListingID:            l.ID,
		StripeSubscriptionID: stripeID,
		StripeCustomerID:     "cus_1",
		Status:               status,
		CreatedAt:            now,
		UpdatedAt:            now,
	}))
	require.NoError(t, s.SetListingFeatured(ctx, l.ID, featured))
}

func TestSubscriptionUpdated_UnknownIsNoop(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	err := env.reconciler.HandleEvent(ctx, newEvent(t, "customer.subscription.updated", subscriptionObject("sub_ghost", "active")))
	require.NoError(t, err)

	sub, err := env.store.GetSubscriptionByStripeID(ctx, "sub_ghost")
	require.NoError(t, err)
	assert.Nil(t, sub, "update events must never create rows")
}

func TestSubscriptionUpdated_Transitions(t *testing.T) {
	tests := []struct {
		name           string
		providerStatus string
		startFeatured  bool
		wantStatus     string
		wantFeatured   bool
	}{
		{"canceled clears featured", "canceled", true, store.StatusCancelled, false},
		{"unpaid expires and clears featured", "unpaid", true, store.StatusExpired, false},
		{"active sets featured", "active", false, store.StatusActive, true},
		{"past due keeps featured", "past_due", true, store.StatusPastDue, true},
		{"past due keeps unfeatured", "past_due", false, store.StatusPastDue, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newReconcilerEnv(t)
			ctx := context.Background()
			u := seedUser(t, env.store, "owner@example.com")
			l := seedListing(t, env.store, u.ID, "bakery")
			seedSubscription(t, env.store, u, l, "sub_t", store.StatusActive, tt.startFeatured)

			for _, eventType := range []string{"customer.subscription.updated", "customer.subscription.created"} {
				err := env.reconciler.HandleEvent(ctx, newEvent(t, eventType, subscriptionObject("sub_t", tt.providerStatus)))
				require.NoError(t, err)

				sub, _ := env.store.GetSubscriptionByStripeID(ctx, "sub_t")
				assert.Equal(t, tt.wantStatus, sub.Status, eventType)
				assert.False(t, sub.CurrentPeriodEnd.IsZero(), eventType)

				listing, _ := env.store.GetListing(ctx, l.ID)
				assert.Equal(t, tt.wantFeatured, listing.IsFeatured, eventType)
			}
		})
	}
}

func TestSubscriptionUpdated_CancelAtPeriodEnd(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	seedSubscription(t, env.store, u, l, "sub_c", store.StatusActive, true)

	obj := subscriptionObject("sub_c", "active")
	obj["cancel_at_period_end"] = true
	require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "customer.subscription.updated", obj)))

	sub, _ := env.store.GetSubscriptionByStripeID(ctx, "sub_c")
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, store.StatusActive, sub.Status)
}

func TestSubscriptionDeleted_CancelsAndUnfeatures(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	seedSubscription(t, env.store, u, l, "sub_del", store.StatusActive, true)

	err := env.reconciler.HandleEvent(ctx, newEvent(t, "customer.subscription.deleted", subscriptionObject("sub_del", "canceled")))
	require.NoError(t, err)

	sub, _ := env.store.GetSubscriptionByStripeID(ctx, "sub_del")
	assert.Equal(t, store.StatusCancelled, sub.Status)
	listing, _ := env.store.GetListing(ctx, l.ID)
	assert.False(t, listing.IsFeatured)

	events, err := env.store.ListAuditEvents(ctx, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, ActionSubscriptionDeleted, events[0].Action)
}

func TestSubscriptionDeleted_UnknownIsNoop(t *testing.T) {
	env := newReconcilerEnv(t)
	err := env.reconciler.HandleEvent(context.Background(), newEvent(t, "customer.subscription.deleted", subscriptionObject("sub_ghost", "canceled")))
	require.NoError(t, err)
}

func TestUnhandledEventIgnored(t *testing.T) {
	env := newReconcilerEnv(t)
	err := env.reconciler.HandleEvent(context.Background(), newEvent(t, "invoice.paid", map[string]any{"id": "in_1", "object": "invoice"}))
	require.NoError(t, err)
}

func TestEndToEnd_CheckoutThenDelete(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")

	checkout := NewCheckout(env.store, env.gateway, Plan{PriceID: "price_featured", Interval: "month"}, testBaseURL, testLogger())
	sess, err := checkout.CreateSession(ctx, u.ID, u.Email, l.ID)
	require.NoError(t, err)
	require.NotEmpty(t, sess.URL)

	// Stripe creates the subscription with the metadata the session carried.
	params := env.gateway.sessions[0]
	env.gateway.putSubscription("sub_e2e", params.CustomerID, "active")
	require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed",
		checkoutCompletedObject("sub_e2e", params.ListingID, params.UserID))))

	sub, _ := env.store.GetSubscriptionByStripeID(ctx, "sub_e2e")
	require.NotNil(t, sub)
	assert.Equal(t, store.StatusActive, sub.Status)
	listing, _ := env.store.GetListing(ctx, l.ID)
	assert.True(t, listing.IsFeatured)

	require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "customer.subscription.deleted", subscriptionObject("sub_e2e", "canceled"))))
	env.drain(t)

	sub, _ = env.store.GetSubscriptionByStripeID(ctx, "sub_e2e")
	assert.Equal(t, store.StatusCancelled, sub.Status)
	listing, _ = env.store.GetListing(ctx, l.ID)
	assert.False(t, listing.IsFeatured)
}

func TestCheckoutCompleted_RedeliveryAfterDeleteIsNoop(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	env.gateway.putSubscription("sub_late", "cus_1", "active")

	completed := checkoutCompletedObject("sub_late", l.ID, u.ID)
	require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", completed)))
	require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "customer.subscription.deleted", subscriptionObject("sub_late", "canceled"))))

	// Stripe redelivers the original checkout after the cancellation.
	env.gateway.putSubscription("sub_late", "cus_1", "canceled")
	require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", completed)))
	env.drain(t)

	sub, _ := env.store.GetSubscriptionByStripeID(ctx, "sub_late")
	require.NotNil(t, sub)
	assert.Equal(t, store.StatusCancelled, sub.Status)
	listing, _ := env.store.GetListing(ctx, l.ID)
	assert.False(t, listing.IsFeatured)
	assert.Len(t, env.sender.messages(), 1)
}

func TestCheckoutCompleted_CancelledRowStaysTerminal(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	seedSubscription(t, env.store, u, l, "sub_done", store.StatusCancelled, false)

	// Even if Stripe still reports it active, a cancelled row is not revived.
	env.gateway.putSubscription("sub_done", "cus_1", "active")
	require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", checkoutCompletedObject("sub_done", l.ID, u.ID))))
	env.drain(t)

	sub, _ := env.store.GetSubscriptionByStripeID(ctx, "sub_done")
	assert.Equal(t, store.StatusCancelled, sub.Status)
	listing, _ := env.store.GetListing(ctx, l.ID)
	assert.False(t, listing.IsFeatured)
	assert.Empty(t, env.sender.messages())
}

func TestCheckoutCompleted_EndedAtStripeIsIgnored(t *testing.T) {
	for _, status := range []string{"canceled", "incomplete_expired"} {
		t.Run(status, func(t *testing.T) {
			env := newReconcilerEnv(t)
			ctx := context.Background()
			u := seedUser(t, env.store, "owner@example.com")
			l := seedListing(t, env.store, u.ID, "bakery")
			env.gateway.putSubscription("sub_gone", "cus_1", status)

			require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", checkoutCompletedObject("sub_gone", l.ID, u.ID))))
			env.drain(t)

			sub, _ := env.store.GetSubscriptionByStripeID(ctx, "sub_gone")
			assert.Nil(t, sub)
			listing, _ := env.store.GetListing(ctx, l.ID)
			assert.False(t, listing.IsFeatured)
			assert.Empty(t, env.sender.messages())
		})
	}
}

func TestCheckoutCompleted_ConcurrentDeliveriesConfirmOnce(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	env.gateway.putSubscription("sub_race", "cus_1", "active")

	obj := checkoutCompletedObject("sub_race", l.ID, u.ID)
	const n = 6
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		ev := newEvent(t, "checkout.session.completed", obj)
		go func() {
			errs <- env.reconciler.HandleEvent(ctx, ev)
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	env.drain(t)

	subs, err := env.store.ListSubscriptionsByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
	assert.Len(t, env.sender.messages(), 1)

	events, err := env.store.ListAuditEvents(ctx, 50, 0)
	require.NoError(t, err)
	activated := 0
	for _, ev := range events {
		if ev.Action == ActionSubscriptionActivated {
			activated++
		}
	}
	assert.Equal(t, 1, activated)
}

func TestCheckoutCompleted_CancelAtPeriodEndEmail(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()
	u := seedUser(t, env.store, "owner@example.com")
	l := seedListing(t, env.store, u.ID, "bakery")
	env.gateway.putSubscription("sub_once", "cus_1", "active")
	env.gateway.subscriptions["sub_once"].CancelAtPeriodEnd = true

	require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "checkout.session.completed", checkoutCompletedObject("sub_once", l.ID, u.ID))))
	env.drain(t)

	msgs := env.sender.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].HTML, "will not renew")
	assert.NotContains(t, msgs[0].HTML, "renews automatically")
}

func TestListingStaysFeaturedWhileAnotherSubscriptionIsActive(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		status    string
	}{
		{"deleted", "customer.subscription.deleted", "canceled"},
		{"updated to canceled", "customer.subscription.updated", "canceled"},
		{"updated to unpaid", "customer.subscription.updated", "unpaid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newReconcilerEnv(t)
			ctx := context.Background()
			u := seedUser(t, env.store, "owner@example.com")
			l := seedListing(t, env.store, u.ID, "bakery")
			seedSubscription(t, env.store, u, l, "sub_old", store.StatusActive, true)
			seedSubscription(t, env.store, u, l, "sub_new", store.StatusActive, true)

			require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, tt.eventType, subscriptionObject("sub_old", tt.status))))

			old, _ := env.store.GetSubscriptionByStripeID(ctx, "sub_old")
			assert.NotEqual(t, store.StatusActive, old.Status)
			listing, _ := env.store.GetListing(ctx, l.ID)
			assert.True(t, listing.IsFeatured, "sub_new is still active")

			// Once the last active subscription ends the flag clears.
			require.NoError(t, env.reconciler.HandleEvent(ctx, newEvent(t, "customer.subscription.deleted", subscriptionObject("sub_new", "canceled"))))
			listing, _ = env.store.GetListing(ctx, l.ID)
			assert.False(t, listing.IsFeatured)
		})
	}
}
