package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/paymentsync/app/models"
)

// ErrMalformedEvent is returned when a webhook body is not a usable event.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Stripe event types handled by the service.
const (
	stripeCustomerCreated        = "customer.created"
	stripeCustomerDeleted        = "customer.deleted"
	stripeCheckoutCompleted      = "checkout.session.completed"
	stripeSubscriptionCreated    = "customer.subscription.created"
	stripeSubscriptionUpdated    = "customer.subscription.updated"
	stripeSubscriptionDeleted    = "customer.subscription.deleted"
	stripeCheckoutModePayment    = "payment"
	stripeCheckoutModeSubscribed = "subscription"
)

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// expandable decodes Stripe fields that are either an id string or an
// expanded object with an "id".
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type stripeCheckoutSession struct {
	ID                string     `json:"id"`
	Mode              string     `json:"mode"`
	Customer          expandable `json:"customer"`
	CustomerEmail     string     `json:"customer_email"`
	ClientReferenceID string     `json:"client_reference_id"`
	PaymentLink       expandable `json:"payment_link"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type stripeSubscription struct {
	ID       string     `json:"id"`
	Customer expandable `json:"customer"`
	CancelAt *int64     `json:"cancel_at"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// StripeEvent is a parsed webhook with its idempotency key.
type StripeEvent struct {
	ID      string
	Type    string
	Created time.Time
	Event   models.BillingEvent
	// Handled is false for event types the service ignores.
	Handled bool
}

// ParseStripeEvent decodes a verified webhook body into a normalized event.
func ParseStripeEvent(payload []byte) (StripeEvent, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return StripeEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return StripeEvent{}, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	out := StripeEvent{ID: env.ID, Type: env.Type, Handled: true}
	if env.Created > 0 {
		out.Created = time.Unix(env.Created, 0).UTC()
	}

	decode := func(v any) error {
		if len(env.Data.Object) == 0 {
			return fmt.Errorf("%w: %s without data.object", ErrMalformedEvent, env.Type)
		}
		if err := json.Unmarshal(env.Data.Object, v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		return nil
	}

	switch env.Type {
	case stripeCustomerCreated, stripeCustomerDeleted:
		var c stripeCustomer
		if err := decode(&c); err != nil {
			return StripeEvent{}, err
		}
		if c.ID == "" {
			return StripeEvent{}, fmt.Errorf("%w: %s without customer id", ErrMalformedEvent, env.Type)
		}
		out.Event = models.BillingEvent{Type: models.BillingCustomerCreated, CustomerID: c.ID, Email: c.Email}
		if env.Type == stripeCustomerDeleted {
			out.Event.Type = models.BillingCustomerDeleted
		}

	case stripeCheckoutCompleted:
		var cs stripeCheckoutSession
		if err := decode(&cs); err != nil {
			return StripeEvent{}, err
		}
		email := cs.CustomerEmail
		if email == "" && cs.CustomerDetails != nil {
			email = cs.CustomerDetails.Email
		}
		out.Event = models.BillingEvent{
			Type:       models.BillingCheckoutCompleted,
			CustomerID: string(cs.Customer),
			UserID:     cs.ClientReferenceID,
			Email:      email,
		}
		if cs.Mode == stripeCheckoutModePayment || (cs.PaymentLink != "" && cs.Mode != stripeCheckoutModeSubscribed) {
			out.Event.PaymentLinkID = string(cs.PaymentLink)
			if out.Event.PaymentLinkID == "" {
				// One-off checkouts outside payment links carry no entitlement.
				out.Handled = false
			} else if email == "" {
				return StripeEvent{}, fmt.Errorf("%w: payment link checkout without buyer email", ErrMalformedEvent)
			}
		}

	case stripeSubscriptionCreated, stripeSubscriptionUpdated, stripeSubscriptionDeleted:
		var sub stripeSubscription
		if err := decode(&sub); err != nil {
			return StripeEvent{}, err
		}
		if sub.Customer == "" {
			return StripeEvent{}, fmt.Errorf("%w: %s without customer", ErrMalformedEvent, env.Type)
		}
		out.Event = models.BillingEvent{CustomerID: string(sub.Customer)}
		if len(sub.Items.Data) > 0 {
			out.Event.PriceID = sub.Items.Data[0].Price.ID
		}
		if sub.CancelAt != nil && *sub.CancelAt > 0 {
			t := time.Unix(*sub.CancelAt, 0).UTC()
			out.Event.CancelAt = &t
		}
		switch env.Type {
		case stripeSubscriptionCreated:
			out.Event.Type = models.BillingSubscriptionCreated
		case stripeSubscriptionUpdated:
			out.Event.Type = models.BillingSubscriptionUpdated
		default:
			out.Event.Type = models.BillingSubscriptionDeleted
		}

	default:
		out.Handled = false
		out.Event = models.BillingEvent{Type: env.Type}
	}
	return out, nil
}
