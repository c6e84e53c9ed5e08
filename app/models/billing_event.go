package models

import "time"

// Normalized billing event types, independent of the provider's naming.
const (
	BillingSubscriptionCreated = "subscription.created"
	BillingSubscriptionUpdated = "subscription.updated"
	BillingSubscriptionDeleted = "subscription.deleted"
	BillingCustomerCreated     = "customer.created"
	BillingCustomerDeleted     = "customer.deleted"
	BillingCheckoutCompleted   = "checkout.completed"
)

// BillingEvent is a verified and parsed provider notification.
type BillingEvent struct {
	Type          string     `json:"type"`
	CustomerID    string     `json:"customerId,omitempty"`
	UserID        string     `json:"userId,omitempty"`
	Email         string     `json:"email,omitempty"`
	PriceID       string     `json:"priceId,omitempty"`
	PaymentLinkID string     `json:"paymentLinkId,omitempty"`
	CancelAt      *time.Time `json:"cancelAt,omitempty"`
}

// IsPaymentLink reports whether a checkout came from a one-off payment link.
func (e BillingEvent) IsPaymentLink() bool {
	return e.Type == BillingCheckoutCompleted && e.PaymentLinkID != ""
}
