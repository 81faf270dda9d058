package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/directoryhub/directory-hub/internal/metrics"
	"github.com/directoryhub/directory-hub/internal/store"
)

// Checkout starts hosted checkout and billing-portal sessions for listing owners.
type Checkout struct {
	store   store.Store
	gateway Gateway
	plan    Plan
	baseURL string
	logger  *slog.Logger
}

// NewCheckout creates a Checkout. baseURL is the public site URL used for redirects.
func NewCheckout(s store.Store, gateway Gateway, plan Plan, baseURL string, logger *slog.Logger) *Checkout {
	return &Checkout{
		store:   s,
		gateway: gateway,
		plan:    plan,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "checkout"),
	}
}

// Plan returns the plan checkout sessions are created for.
func (c *Checkout) Plan() Plan { return c.plan }

// CreateSession starts a subscription checkout that features listingID.
// The listing must exist and belong to userID.
func (c *Checkout) CreateSession(ctx context.Context, userID, email, listingID string) (sess *CheckoutSession, err error) {
	defer func() { metrics.CheckoutSessionsTotal.WithLabelValues(checkoutOutcome(err)).Inc() }()

	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return nil, fmt.Errorf("%w: listingId is required", ErrInvalidInput)
	}

	listing, err := c.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	// Someone else's listing is indistinguishable from a missing one.
	if listing == nil || listing.UserID != userID {
		return nil, ErrListingNotFound
	}
	active, err := c.store.HasActiveSubscription(ctx, listing.ID, "")
	if err != nil {
		return nil, fmt.Errorf("check subscriptions: %w", err)
	}
	if active {
		return nil, ErrAlreadySubscribed
	}

	customerID, err := c.ensureCustomer(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	listingPath := c.baseURL + "/dashboard/listings/" + url.PathEscape(listing.ID)
	sess, err = c.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: customerID,
		UserID:     userID,
		ListingID:  listing.ID,
		Plan:       c.plan,
		SuccessURL: listingPath + "?checkout=success&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  listingPath + "?checkout=cancelled",
	})
	if err != nil {
		return nil, err
	}

	logAudit(ctx, c.store, c.logger, ActionCheckoutCreated, userID, listing.ID, "", map[string]any{
		"session_id":  sess.ID,
		"customer_id": customerID,
	})
	c.logger.Info("checkout session created", "user_id", userID, "listing_id", listing.ID, "session_id", sess.ID)
	return sess, nil
}

// ensureCustomer returns the user's Stripe customer, creating and claiming one
// on first use. When two checkouts race, the first claim wins and the other
// customer is left unused.
func (c *Checkout) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", fmt.Errorf("user %s is not provisioned", userID)
	}
	if user.StripeCustomerID != "" {
		return user.StripeCustomerID, nil
	}
	if email == "" {
		email = user.Email
	}

	created, err := c.gateway.CreateCustomer(ctx, email, userID)
	if err != nil {
		return "", err
	}
	persisted, err := c.store.ClaimStripeCustomerID(ctx, userID, created)
	if err != nil {
		return "", fmt.Errorf("store stripe customer: %w", err)
	}
	if persisted != created {
		c.logger.Warn("concurrent checkout claimed a customer first, discarding ours",
			"user_id", userID, "kept", persisted, "discarded", created)
	}
	return persisted, nil
}

// CreatePortalSession returns a billing-portal URL for managing the user's
// subscriptions. returnURL must point at the site itself; empty means the dashboard.
func (c *Checkout) CreatePortalSession(ctx context.Context, userID, returnURL string) (string, error) {
	returnURL, err := c.resolveReturnURL(returnURL)
	if err != nil {
		return "", err
	}

	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil || user.StripeCustomerID == "" {
		return "", ErrNoBillingCustomer
	}
	return c.gateway.CreatePortalSession(ctx, user.StripeCustomerID, returnURL)
}

func (c *Checkout) resolveReturnURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return c.baseURL + "/dashboard", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: returnUrl is not a valid URL", ErrInvalidInput)
	}
	base, _ := url.Parse(c.baseURL)
	if base == nil || u.Scheme != base.Scheme || u.Host != base.Host {
		return "", fmt.Errorf("%w: returnUrl must stay on %s", ErrInvalidInput, c.baseURL)
	}
	return u.String(), nil
}

func checkoutOutcome(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, ErrListingNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadySubscribed):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
