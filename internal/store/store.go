// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the hub.
// Lookups return (nil, nil) when the row does not exist.
type Store interface {
	// Users
	EnsureUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	// ClaimStripeCustomerID stores customerID on the user if none is set yet and
	// returns the customer id that is persisted afterwards.
	ClaimStripeCustomerID(ctx context.Context, userID, customerID string) (string, error)

	// Listings
	CreateListing(ctx context.Context, listing *Listing) error
	GetListing(ctx context.Context, id string) (*Listing, error)
	ListListingsByUser(ctx context.Context, userID string) ([]Listing, error)
	SetListingFeatured(ctx context.Context, id string, featured bool) error

	// Subscriptions (billing)
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	// CreateSubscription inserts sub unless a row with the same Stripe id
	// exists. created reports whether this call inserted it.
	CreateSubscription(ctx context.Context, sub *Subscription) (created bool, err error)
	// HasActiveSubscription reports whether listingID has an active
	// subscription other than exceptStripeID.
	HasActiveSubscription(ctx context.Context, listingID, exceptStripeID string) (bool, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]Subscription, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Subscription statuses as stored locally.
const (
	StatusActive    = "active"
	StatusPastDue   = "past_due"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// User mirrors a platform user. ID is the platform's user id (JWT sub).
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty"`
	Role             string    `json:"role"` // "admin" or "user"
	CreatedAt        time.Time `json:"created_at"`
}

// Listing is a directory entry owned by a user.
type Listing struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Slug       string    `json:"slug"`
	IsFeatured bool      `json:"is_featured"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Subscription is one Stripe subscription that features a listing.
type Subscription struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	ListingID            string    `json:"listing_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	StripeCustomerID     string    `json:"stripe_customer_id"`
	Status               string    `json:"status"` // active, past_due, cancelled, expired
	CurrentPeriodStart   time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool      `json:"cancel_at_period_end"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID             string          `json:"id"`
	Action         string          `json:"action"`
	UserID         string          `json:"user_id,omitempty"`
	ListingID      string          `json:"listing_id,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
