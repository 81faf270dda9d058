package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/directoryhub/directory-hub/internal/store"
)

// Audit actions written by the billing flows.
const (
	ActionCheckoutCreated       = "billing.checkout.created"
	ActionSubscriptionActivated = "billing.subscription.activated"
	ActionSubscriptionUpdated   = "billing.subscription.updated"
	ActionSubscriptionDeleted   = "billing.subscription.deleted"
)

// logAudit records an audit event. Audit failures are logged, never returned.
func logAudit(ctx context.Context, s store.Store, logger *slog.Logger, action, userID, listingID, subscriptionID string, detail map[string]any) {
	var raw json.RawMessage
	if len(detail) > 0 {
		raw, _ = json.Marshal(detail)
	}
	err := s.LogAuditEvent(ctx, &store.AuditEvent{
		ID:             uuid.New().String(),
		Action:         action,
		UserID:         userID,
		ListingID:      listingID,
		SubscriptionID: subscriptionID,
		Detail:         raw,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		logger.Warn("audit log failed", "action", action, "error", err)
	}
}
