package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub        Subscription
		start, end sql.NullTime
	)
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.ListingID, &sub.StripeSubscriptionID, &sub.StripeCustomerID,
		&sub.Status, &start, &end, &sub.CancelAtPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	if start.Valid {
		sub.CurrentPeriodStart = start.Time
	}
	if end.Valid {
		sub.CurrentPeriodEnd = end.Time
	}
	return &sub, nil
}

func scanAuditEvents(rows *sql.Rows) ([]AuditEvent, error) {
	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.ListingID, &e.SubscriptionID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// nullTime stores the zero time as NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
