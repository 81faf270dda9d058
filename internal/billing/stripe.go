package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

// StripeGateway implements Gateway against the Stripe API. Each instance
// carries its own key rather than relying on the package-global stripe.Key.
type StripeGateway struct {
	customers     customer.Client
	checkout      checkoutsession.Client
	portal        portalsession.Client
	subscriptions subscription.Client
}

// NewStripeGateway creates a gateway authenticated with secretKey.
func NewStripeGateway(secretKey string) *StripeGateway {
	key := strings.TrimSpace(secretKey)
	backend := stripe.GetBackend(stripe.APIBackend)
	return &StripeGateway{
		customers:     customer.Client{B: backend, Key: key},
		checkout:      checkoutsession.Client{B: backend, Key: key},
		portal:        portalsession.Client{B: backend, Key: key},
		subscriptions: subscription.Client{B: backend, Key: key},
	}
}

// CreateCustomer creates a Stripe customer tagged with the platform user id.
func (g *StripeGateway) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	params := &stripe.CustomerParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.Context = ctx
	params.AddMetadata(MetadataUserID, userID)

	c, err := g.customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return c.ID, nil
}

// CreateCheckoutSession opens a hosted subscription checkout for one listing.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	lineItem := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
	if p.Plan.PriceID != "" {
		lineItem.Price = stripe.String(p.Plan.PriceID)
	} else {
		lineItem.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(p.Plan.Currency),
			UnitAmount: stripe.Int64(p.Plan.AmountCents),
			Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
				Interval: stripe.String(p.Plan.Interval),
			},
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(p.Plan.ProductName),
			},
		}
	}

	metadata := map[string]string{
		MetadataListingID: p.ListingID,
		MetadataUserID:    p.UserID,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(p.CustomerID),
		ClientReferenceID: stripe.String(p.UserID),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{lineItem},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	s, err := g.checkout.New(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe checkout session: %w", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL, Mode: string(s.Mode), Metadata: s.Metadata}, nil
}

// CreatePortalSession returns a billing-portal URL for the customer.
func (g *StripeGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	s, err := g.portal.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe portal session: %w", err)
	}
	return s.URL, nil
}

// GetSubscription fetches the current state of a subscription.
func (g *StripeGateway) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	s, err := g.subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get stripe subscription %s: %w", id, err)
	}

	// Decode the raw response so the billing period is found regardless of
	// which API version placed it on the subscription or its items.
	var sub Subscription
	if s.LastResponse != nil && len(s.LastResponse.RawJSON) > 0 {
		if err := json.Unmarshal(s.LastResponse.RawJSON, &sub); err != nil {
			return nil, fmt.Errorf("decode stripe subscription %s: %w", id, err)
		}
		return &sub, nil
	}

	sub.ID = s.ID
	sub.Status = string(s.Status)
	sub.CancelAtPeriodEnd = s.CancelAtPeriodEnd
	sub.Metadata = s.Metadata
	if s.Customer != nil {
		sub.Customer = s.Customer.ID
	}
	return &sub, nil
}
