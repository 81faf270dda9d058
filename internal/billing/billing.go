// Package billing creates Stripe checkout sessions for featured listings and
// reconciles Stripe webhook events into subscription and listing state.
package billing

import (
	"context"
	"errors"

	"github.com/directoryhub/directory-hub/internal/config"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrListingNotFound   = errors.New("listing not found")
	ErrNoBillingCustomer = errors.New("no billing customer")
	// ErrAlreadySubscribed means the listing is already featured by an active subscription.
	ErrAlreadySubscribed = errors.New("listing already has an active subscription")
)

// Gateway is the subset of the Stripe API the billing flows need.
type Gateway interface {
	CreateCustomer(ctx context.Context, email, userID string) (string, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
}

// CheckoutParams describes one subscription-mode checkout session.
type CheckoutParams struct {
	CustomerID string
	UserID     string
	ListingID  string
	Plan       Plan
	SuccessURL string
	CancelURL  string
}

// Plan is the single fixed monthly price for featuring a listing.
type Plan struct {
	PriceID     string `json:"price_id,omitempty"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	Currency    string `json:"currency"`
	ProductName string `json:"product_name"`
	Interval    string `json:"interval"`
}

// PlanFromConfig builds the featured-listing plan. A configured price id wins
// over an inline amount.
func PlanFromConfig(cfg config.BillingConfig) Plan {
	p := Plan{
		PriceID:     cfg.PriceID,
		Currency:    cfg.Currency,
		ProductName: cfg.ProductName,
		Interval:    "month",
	}
	if p.PriceID == "" {
		p.AmountCents = cfg.PriceCents
	}
	return p
}

// Metadata keys written on checkout sessions and their subscriptions.
const (
	MetadataListingID = "listing_id"
	MetadataUserID    = "user_id"
)
