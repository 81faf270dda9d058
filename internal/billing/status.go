package billing

import (
	"strings"

	"github.com/directoryhub/directory-hub/internal/store"
)

// MapStatus converts a Stripe subscription status to the local status.
// Every input maps to something; unknown statuses fail closed (expired).
func MapStatus(providerStatus string) string {
	switch strings.TrimSpace(strings.ToLower(providerStatus)) {
	case "active":
		return store.StatusActive
	case "canceled":
		return store.StatusCancelled
	case "past_due":
		return store.StatusPastDue
	default:
		return store.StatusExpired
	}
}

// checkoutStatus is the status recorded when a checkout completes: the
// subscription is either paid up or still settling.
func checkoutStatus(providerStatus string) string {
	if MapStatus(providerStatus) == store.StatusActive {
		return store.StatusActive
	}
	return store.StatusPastDue
}

// endedAtCheckout reports whether a subscription fetched for a completed
// checkout is already over and must not be recorded or featured.
func endedAtCheckout(providerStatus string) bool {
	switch strings.TrimSpace(strings.ToLower(providerStatus)) {
	case "canceled", "incomplete_expired":
		return true
	}
	return false
}

// featuredFor reports the featured flag a status implies. ok is false when the
// status leaves the flag untouched.
func featuredFor(status string) (featured, ok bool) {
	switch status {
	case store.StatusActive:
		return true, true
	case store.StatusCancelled, store.StatusExpired:
		return false, true
	default:
		return false, false
	}
}
