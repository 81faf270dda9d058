package billing

import (
	"strings"
	"time"
)

// CheckoutSession is a minimal representation of a Stripe checkout session,
// both as returned on creation and as carried by checkout.session.completed.
type CheckoutSession struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Mode            string `json:"mode"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// Email returns the best known payer email for the session.
func (s *CheckoutSession) Email() string {
	if e := strings.TrimSpace(s.CustomerDetails.Email); e != "" {
		return e
	}
	return strings.TrimSpace(s.CustomerEmail)
}

// Subscription is a minimal representation of a Stripe subscription.
type Subscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// Period returns the current billing period. Newer API versions carry it on
// the subscription items instead of the subscription itself.
func (s *Subscription) Period() (start, end time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if startUnix == 0 && endUnix == 0 && len(s.Items.Data) > 0 {
		startUnix, endUnix = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return unixOrZero(startUnix), unixOrZero(endUnix)
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
