package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/directoryhub/directory-hub/internal/email"
	"github.com/directoryhub/directory-hub/internal/metrics"
	"github.com/directoryhub/directory-hub/internal/store"
)

// Scheduler runs best-effort work off the request path.
type Scheduler interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Reconciler applies verified Stripe events to subscription and listing state.
// Every write is keyed on the Stripe subscription id, so redelivered events
// converge on the same rows.
type Reconciler struct {
	store   store.Store
	gateway Gateway
	tasks   Scheduler
	sender  email.Sender
	baseURL string
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(s store.Store, gateway Gateway, tasks Scheduler, sender email.Sender, baseURL string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   s,
		gateway: gateway,
		tasks:   tasks,
		sender:  sender,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "reconciler"),
	}
}

// HandleEvent dispatches one event. A returned error means the event was not
// applied and Stripe should redeliver it.
func (r *Reconciler) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("event %s has no data", event.ID)
	}
	r.logger.Debug("Stripe webhook received", "event_id", event.ID, "type", string(event.Type))

	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return r.HandleCheckoutCompleted(ctx, &session)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return r.HandleSubscriptionUpdated(ctx, &sub)

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return r.HandleSubscriptionDeleted(ctx, &sub)

	default:
		r.logger.Info("Stripe webhook ignored (unhandled type)", "event_id", event.ID, "type", string(event.Type))
		return nil
	}
}

// HandleCheckoutCompleted records the subscription a finished checkout created
// and features its listing.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, session *CheckoutSession) error {
	listingID := strings.TrimSpace(session.Metadata[MetadataListingID])
	userID := strings.TrimSpace(session.Metadata[MetadataUserID])
	log := r.logger.With("session_id", session.ID, "listing_id", listingID, "user_id", userID)

	if session.Mode != string(stripe.CheckoutSessionModeSubscription) || session.Subscription == "" {
		log.Info("checkout session is not a subscription, ignoring", "mode", session.Mode)
		return nil
	}
	if listingID == "" || userID == "" {
		log.Warn("checkout session is missing listing or user metadata, ignoring")
		return nil
	}

	listing, err := r.store.GetListing(ctx, listingID)
	if err != nil {
		return fmt.Errorf("get listing: %w", err)
	}
	if listing == nil {
		log.Error("checkout completed for unknown listing, ignoring")
		return nil
	}

	providerSub, err := r.gateway.GetSubscription(ctx, session.Subscription)
	if err != nil {
		return err
	}
	log = log.With("subscription_id", providerSub.ID)

	existing, err := r.store.GetSubscriptionByStripeID(ctx, providerSub.ID)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	if existing != nil && existing.Status == store.StatusCancelled {
		log.Info("checkout completed for a cancelled subscription, ignoring")
		return nil
	}
	if endedAtCheckout(providerSub.Status) {
		log.Info("subscription already ended at Stripe, ignoring checkout", "provider_status", providerSub.Status)
		return nil
	}

	now := time.Now().UTC()
	start, end := providerSub.Period()
	sub := &store.Subscription{
		ID:                   uuid.New().String(),
		UserID:               userID,
		ListingID:            listingID,
		StripeSubscriptionID: providerSub.ID,
		StripeCustomerID:     firstNonEmpty(session.Customer, providerSub.Customer),
		Status:               checkoutStatus(providerSub.Status),
		CurrentPeriodStart:   start,
		CurrentPeriodEnd:     end,
		CancelAtPeriodEnd:    providerSub.CancelAtPeriodEnd,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	// Only the delivery that inserts the row audits it and sends the email.
	created := false
	if existing == nil {
		if created, err = r.store.CreateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		if !created {
			if existing, err = r.store.GetSubscriptionByStripeID(ctx, providerSub.ID); err != nil {
				return fmt.Errorf("get subscription: %w", err)
			}
			if existing == nil {
				return fmt.Errorf("subscription %s vanished during checkout", providerSub.ID)
			}
			if existing.Status == store.StatusCancelled {
				log.Info("checkout completed for a cancelled subscription, ignoring")
				return nil
			}
		}
	}
	if !created {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		if err := r.store.UpsertSubscription(ctx, sub); err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
	}

	if err := r.store.SetListingFeatured(ctx, listingID, true); err != nil {
		return fmt.Errorf("feature listing: %w", err)
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(sub.Status).Inc()

	if !created {
		log.Info("checkout redelivered, subscription refreshed", "status", sub.Status)
		return nil
	}
	logAudit(ctx, r.store, r.logger, ActionSubscriptionActivated, userID, listingID, sub.ID, map[string]any{
		"stripe_subscription_id": sub.StripeSubscriptionID,
		"status":                 sub.Status,
	})
	log.Info("subscription recorded from checkout", "status", sub.Status)
	r.scheduleConfirmation(session.Email(), userID, listing, end, sub.CancelAtPeriodEnd)
	return nil
}

// HandleSubscriptionUpdated applies a status or period change to a known subscription.
func (r *Reconciler) HandleSubscriptionUpdated(ctx context.Context, providerSub *Subscription) error {
	log := r.logger.With("subscription_id", providerSub.ID)

	existing, err := r.store.GetSubscriptionByStripeID(ctx, providerSub.ID)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	if existing == nil {
		// Rows are only created from checkout; never create one blindly here.
		log.Error("subscription update for unknown subscription, ignoring")
		return nil
	}

	updated := *existing
	updated.Status = MapStatus(providerSub.Status)
	if start, end := providerSub.Period(); !end.IsZero() {
		updated.CurrentPeriodStart, updated.CurrentPeriodEnd = start, end
	}
	updated.CancelAtPeriodEnd = providerSub.CancelAtPeriodEnd
	updated.UpdatedAt = time.Now().UTC()

	if err := r.store.UpsertSubscription(ctx, &updated); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	if featured, ok := featuredFor(updated.Status); ok {
		if err := r.syncFeatured(ctx, &updated, featured); err != nil {
			return err
		}
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(updated.Status).Inc()

	if updated.Status != existing.Status {
		logAudit(ctx, r.store, r.logger, ActionSubscriptionUpdated, updated.UserID, updated.ListingID, updated.ID, map[string]any{
			"stripe_subscription_id": updated.StripeSubscriptionID,
			"from":                   existing.Status,
			"to":                     updated.Status,
			"provider_status":        providerSub.Status,
		})
	}
	log.Info("subscription updated", "listing_id", updated.ListingID, "status", updated.Status, "provider_status", providerSub.Status)
	return nil
}

// HandleSubscriptionDeleted cancels a subscription and un-features its listing.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, providerSub *Subscription) error {
	log := r.logger.With("subscription_id", providerSub.ID)

	existing, err := r.store.GetSubscriptionByStripeID(ctx, providerSub.ID)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	if existing == nil {
		log.Error("subscription deletion for unknown subscription, ignoring")
		return nil
	}

	updated := *existing
	updated.Status = store.StatusCancelled
	updated.CancelAtPeriodEnd = providerSub.CancelAtPeriodEnd
	updated.UpdatedAt = time.Now().UTC()

	if err := r.store.UpsertSubscription(ctx, &updated); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	if err := r.syncFeatured(ctx, &updated, false); err != nil {
		return err
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(updated.Status).Inc()

	logAudit(ctx, r.store, r.logger, ActionSubscriptionDeleted, updated.UserID, updated.ListingID, updated.ID, map[string]any{
		"stripe_subscription_id": updated.StripeSubscriptionID,
		"from":                   existing.Status,
	})
	log.Info("subscription cancelled", "listing_id", updated.ListingID)
	return nil
}

// syncFeatured sets the listing's flag for sub. Clearing is skipped while
// another active subscription still features the listing.
func (r *Reconciler) syncFeatured(ctx context.Context, sub *store.Subscription, featured bool) error {
	if !featured {
		others, err := r.store.HasActiveSubscription(ctx, sub.ListingID, sub.StripeSubscriptionID)
		if err != nil {
			return fmt.Errorf("check other subscriptions: %w", err)
		}
		if others {
			r.logger.Info("listing stays featured by another active subscription",
				"listing_id", sub.ListingID, "subscription_id", sub.StripeSubscriptionID)
			return nil
		}
	}
	if err := r.store.SetListingFeatured(ctx, sub.ListingID, featured); err != nil {
		return fmt.Errorf("set listing featured: %w", err)
	}
	return nil
}

// scheduleConfirmation sends the "listing featured" email in the background.
func (r *Reconciler) scheduleConfirmation(to, userID string, listing *store.Listing, periodEnd time.Time, cancelAtPeriodEnd bool) {
	if r.tasks == nil || r.sender == nil {
		return
	}
	r.tasks.Go("featured-confirmation-email", func(ctx context.Context) error {
		err := r.sendConfirmation(ctx, to, userID, listing, periodEnd, cancelAtPeriodEnd)
		outcome := "sent"
		switch {
		case errors.Is(err, errNoRecipient):
			outcome = "skipped"
			err = nil
		case err != nil:
			outcome = "failed"
		}
		metrics.EmailSendsTotal.WithLabelValues(outcome).Inc()
		return err
	})
}

var errNoRecipient = errors.New("no recipient")

func (r *Reconciler) sendConfirmation(ctx context.Context, to, userID string, listing *store.Listing, periodEnd time.Time, cancelAtPeriodEnd bool) error {
	if to == "" {
		user, err := r.store.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		if user != nil {
			to = user.Email
		}
	}
	if to == "" {
		r.logger.Warn("no email address for featured confirmation", "user_id", userID, "listing_id", listing.ID)
		return errNoRecipient
	}

	path := listing.Slug
	if path == "" {
		path = listing.ID
	}
	data := email.FeaturedData{
		ListingName:     listing.Name,
		ListingURL:      r.baseURL + "/listings/" + url.PathEscape(path),
		EndsAtPeriodEnd: cancelAtPeriodEnd,
	}
	if !periodEnd.IsZero() {
		data.PeriodEnd = periodEnd.Format("January 2, 2006")
	}
	subject, html, text, err := email.RenderFeaturedEmail(data)
	if err != nil {
		return err
	}
	if err := r.sender.Send(ctx, email.Message{To: to, Subject: subject, HTML: html, Text: text}); err != nil {
		return fmt.Errorf("send featured confirmation to %s: %w", to, err)
	}
	r.logger.Info("featured confirmation sent", "user_id", userID, "listing_id", listing.ID)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
