package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Hold a connection open before migrating so a shared in-memory
	// database outlives the migrator's own connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := migrateUp("sqlite", dsn); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) EnsureUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, role, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, role=excluded.role`,
		user.ID, user.Email, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, stripe_customer_id, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Email, &u.StripeCustomerID, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) ClaimStripeCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE users SET stripe_customer_id = ? WHERE id = ? AND stripe_customer_id = ''",
		customerID, userID,
	); err != nil {
		return "", err
	}

	var persisted string
	err := s.db.QueryRowContext(ctx,
		"SELECT stripe_customer_id FROM users WHERE id = ?", userID,
	).Scan(&persisted)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("user %s not found", userID)
	}
	return persisted, err
}

// --- Listings ---

func (s *SQLiteStore) CreateListing(ctx context.Context, l *Listing) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO listings (id, user_id, name, slug, is_featured, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		l.ID, l.UserID, l.Name, l.Slug, l.IsFeatured, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	var l Listing
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, slug, is_featured, created_at, updated_at FROM listings WHERE id = ?", id,
	).Scan(&l.ID, &l.UserID, &l.Name, &l.Slug, &l.IsFeatured, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &l, err
}

func (s *SQLiteStore) ListListingsByUser(ctx context.Context, userID string) ([]Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, slug, is_featured, created_at, updated_at FROM listings WHERE user_id = ? ORDER BY created_at",
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

func (s *SQLiteStore) SetListingFeatured(ctx context.Context, id string, featured bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE listings SET is_featured = ?, updated_at = ? WHERE id = ?",
		featured, time.Now(), id,
	)
	return err
}

// --- Subscriptions (billing) ---

const sqliteSubscriptionColumns = `id, user_id, listing_id, stripe_subscription_id, stripe_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+sqliteSubscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(stripe_subscription_id) DO UPDATE SET
		   user_id=excluded.user_id, listing_id=excluded.listing_id,
		   stripe_customer_id=excluded.stripe_customer_id, status=excluded.status,
		   current_period_start=excluded.current_period_start, current_period_end=excluded.current_period_end,
		   cancel_at_period_end=excluded.cancel_at_period_end, updated_at=excluded.updated_at`,
		sub.ID, sub.UserID, sub.ListingID, sub.StripeSubscriptionID, sub.StripeCustomerID, sub.Status,
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd,
		sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *Subscription) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+sqliteSubscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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

func (s *SQLiteStore) HasActiveSubscription(ctx context.Context, listingID, exceptStripeID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions
		 WHERE listing_id = ? AND status = ? AND stripe_subscription_id <> ?`,
		listingID, StatusActive, exceptStripeID,
	).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sqliteSubscriptionColumns+" FROM subscriptions WHERE stripe_subscription_id = ?",
		stripeSubscriptionID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *SQLiteStore) ListSubscriptionsByUser(ctx context.Context, userID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteSubscriptionColumns+" FROM subscriptions WHERE user_id = ? ORDER BY created_at DESC",
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

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, user_id, listing_id, subscription_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.UserID, event.ListingID, event.SubscriptionID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, listing_id, subscription_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAuditEvents(rows)
}
