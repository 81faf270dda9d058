package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	if err := migrateUp("postgres", dsn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) EnsureUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, role, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(id) DO UPDATE SET email = EXCLUDED.email, role = EXCLUDED.role`,
		user.ID, user.Email, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, stripe_customer_id, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Email, &u.StripeCustomerID, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) ClaimStripeCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	var persisted string
	err := s.db.QueryRowContext(ctx,
		`UPDATE users SET stripe_customer_id = CASE WHEN stripe_customer_id = '' THEN $2 ELSE stripe_customer_id END
		 WHERE id = $1 RETURNING stripe_customer_id`,
		userID, customerID,
	).Scan(&persisted)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("user %s not found", userID)
	}
	return persisted, err
}

// --- Listings ---

func (s *PostgresStore) CreateListing(ctx context.Context, l *Listing) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO listings (id, user_id, name, slug, is_featured, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		l.ID, l.UserID, l.Name, l.Slug, l.IsFeatured, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	var l Listing
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, slug, is_featured, created_at, updated_at FROM listings WHERE id = $1", id,
	).Scan(&l.ID, &l.UserID, &l.Name, &l.Slug, &l.IsFeatured, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &l, err
}

func (s *PostgresStore) ListListingsByUser(ctx context.Context, userID string) ([]Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, slug, is_featured, created_at, updated_at FROM listings WHERE user_id = $1 ORDER BY created_at",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var listings []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &l.Slug, &l.IsFeatured, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) SetListingFeatured(ctx context.Context, id string, featured bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE listings SET is_featured = $1, updated_at = $2 WHERE id = $3",
		featured, time.Now(), id,
	)
	return err
}

// --- Subscriptions (billing) ---

const pgSubscriptionColumns = `id, user_id, listing_id, stripe_subscription_id, stripe_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+pgSubscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT(stripe_subscription_id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   listing_id = EXCLUDED.listing_id,
		   stripe_customer_id = EXCLUDED.stripe_customer_id,
		   status = EXCLUDED.status,
		   current_period_start = EXCLUDED.current_period_start,
		   current_period_end = EXCLUDED.current_period_end,
		   cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		   updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, sub.ListingID, sub.StripeSubscriptionID, sub.StripeCustomerID, sub.Status,
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd,
		sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+pgSubscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT(stripe_subscription_id) DO NOTHING`,
		sub.ID, sub.UserID, sub.ListingID, sub.StripeSubscriptionID, sub.StripeCustomerID, sub.Status,
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) HasActiveSubscription(ctx context.Context, listingID, exceptStripeID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM subscriptions
		   WHERE listing_id = $1 AND status = $2 AND stripe_subscription_id <> $3
		 )`,
		listingID, StatusActive, exceptStripeID,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+pgSubscriptionColumns+" FROM subscriptions WHERE stripe_subscription_id = $1",
		stripeSubscriptionID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *PostgresStore) ListSubscriptionsByUser(ctx context.Context, userID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+pgSubscriptionColumns+" FROM subscriptions WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := string(event.Detail)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, listing_id, subscription_id, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		event.ID, event.Action, event.UserID, event.ListingID, event.SubscriptionID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, action, user_id, listing_id, subscription_id, detail, created_at FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAuditEvents(rows)
}
