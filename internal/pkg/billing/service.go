package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/paymentsync/app/models"
	"github.com/ManuelReschke/paymentsync/internal/pkg/delivery"
	"github.com/ManuelReschke/paymentsync/internal/pkg/ledger"
	"github.com/ManuelReschke/paymentsync/internal/pkg/registry"
	"github.com/gofiber/fiber/v2/log"
)

// Service reconciles billing events into ledger transactions and delivers
// them to downstream systems until each one is confirmed.
type Service struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	gateway  delivery.Gateway
	opts     Options
}

// NewService wires the reconciler to its collaborators.
func NewService(reg *registry.Registry, led *ledger.Ledger, gw delivery.Gateway, opts Options) *Service {
	return &Service{
		registry: reg,
		ledger:   led,
		gateway:  gw,
		opts:     opts.withDefaults(),
	}
}

// Init loads persisted state and announces the product catalogue. Load
// failures leave the affected collection empty; the caller decides whether
// to keep running.
func (s *Service) Init(ctx context.Context) error {
	var errs []error
	if err := s.registry.Load(ctx); err != nil {
		errs = append(errs, fmt.Errorf("load registry: %w", err))
	}
	if err := s.ledger.Load(ctx); err != nil {
		errs = append(errs, fmt.Errorf("load ledger: %w", err))
	}
	if err := s.BroadcastProducts(ctx); err != nil {
		errs = append(errs, fmt.Errorf("broadcast products: %w", err))
	}
	return errors.Join(errs...)
}

// Shutdown flushes both collections once more.
func (s *Service) Shutdown(ctx context.Context) error {
	log.Info("[Billing] Flushing state before shutdown")
	return errors.Join(s.ledger.Persist(ctx), s.registry.Persist(ctx))
}

// BroadcastProducts sends the product catalogue to every downstream system.
func (s *Service) BroadcastProducts(ctx context.Context) error {
	return s.gateway.Broadcast(ctx, models.EventUpdateProducts, models.UpdateProductsMessage{
		Products:         s.opts.Products,
		PaymentServerURL: s.opts.PaymentServerURL,
	})
}

// WakeUp tells every downstream system that the service is ready.
func (s *Service) WakeUp(ctx context.Context) error {
	return s.gateway.Broadcast(ctx, models.EventPaymentServiceReady, models.PaymentServiceReady{IsReady: true})
}

// OnSubscriptionUpdated applies the product behind priceID to the customer.
func (s *Service) OnSubscriptionUpdated(ctx context.Context, customerID, eventID, priceID string, cancelAt *time.Time) models.TransactionResult {
	return s.reconcile(ctx, eventID, models.KindUpdate, models.BillingEvent{
		Type:       models.BillingSubscriptionUpdated,
		CustomerID: customerID,
		PriceID:    priceID,
		CancelAt:   cancelAt,
	})
}

// OnSubscriptionCreated tells the owning system about the customer id.
func (s *Service) OnSubscriptionCreated(ctx context.Context, customerID, eventID string) models.TransactionResult {
	return s.reconcile(ctx, eventID, models.KindCreate, models.BillingEvent{
		Type:       models.BillingSubscriptionCreated,
		CustomerID: customerID,
	})
}

// OnCustomerCreated links the new customer to the user with the same email
// and tells the owning system about the customer id.
func (s *Service) OnCustomerCreated(ctx context.Context, email, customerID, eventID string) models.TransactionResult {
	if res, ok := s.link(ctx, models.RegisteredUser{UserEmail: email, CustomerID: customerID}); !ok {
		return res
	}
	return s.reconcile(ctx, eventID, models.KindCreate, models.BillingEvent{
		Type:       models.BillingCustomerCreated,
		CustomerID: customerID,
		Email:      email,
	})
}

// OnCheckoutCompleted links the checkout's client reference (the user id),
// email and customer, then runs the create flow.
func (s *Service) OnCheckoutCompleted(ctx context.Context, userID, email, customerID, eventID string) models.TransactionResult {
	if res, ok := s.link(ctx, models.RegisteredUser{UserID: userID, UserEmail: email, CustomerID: customerID}); !ok {
		return res
	}
	return s.reconcile(ctx, eventID, models.KindCreate, models.BillingEvent{
		Type:       models.BillingCheckoutCompleted,
		CustomerID: customerID,
		UserID:     userID,
		Email:      email,
	})
}

// OnSubscriptionDeleted downgrades the customer to the free product.
func (s *Service) OnSubscriptionDeleted(ctx context.Context, customerID, eventID string) models.TransactionResult {
	now := s.opts.Now()
	return s.reconcile(ctx, eventID, models.KindDelete, models.BillingEvent{
		Type:       models.BillingSubscriptionDeleted,
		CustomerID: customerID,
		CancelAt:   &now,
	})
}

// OnCustomerDeleted drops the billing link of the customer and downgrades
// the user to the free product.
func (s *Service) OnCustomerDeleted(ctx context.Context, email, customerID, eventID string) models.TransactionResult {
	if eventID == "" {
		return models.Failed("missing event id")
	}
	now := s.opts.Now()
	ev := models.BillingEvent{
		Type:       models.BillingCustomerDeleted,
		CustomerID: customerID,
		Email:      email,
		CancelAt:   &now,
	}

	// Replays must not touch the registry again.
	if _, err := s.ledger.GetByEvent(eventID); errors.Is(err, ledger.ErrNotFound) {
		before, err := s.registry.ClearCustomerID(ctx, customerID)
		switch {
		case err == nil:
			ev.UserID = before.UserID
			if ev.Email == "" {
				ev.Email = before.UserEmail
			}
		case errors.Is(err, registry.ErrNotFound):
			log.Warnf("[Billing] customer.deleted for unknown customer %s", customerID)
		default:
			log.Errorf("[Billing] Could not persist registry after clearing %s: %v", customerID, err)
		}
	}
	return s.reconcile(ctx, eventID, models.KindDelete, ev)
}

// OnPaymentLinkCompleted boosts the tokens of the buyer identified by email.
func (s *Service) OnPaymentLinkCompleted(ctx context.Context, email, paymentLinkID, eventID string) models.TransactionResult {
	return s.reconcile(ctx, eventID, models.KindPayment, models.BillingEvent{
		Type:          models.BillingCheckoutCompleted,
		Email:         email,
		PaymentLinkID: paymentLinkID,
	})
}

// Dispatch routes a parsed provider event to its handler. Unknown types are
// acknowledged and ignored.
func (s *Service) Dispatch(ctx context.Context, eventID string, ev models.BillingEvent) models.TransactionResult {
	switch ev.Type {
	case models.BillingSubscriptionUpdated:
		return s.OnSubscriptionUpdated(ctx, ev.CustomerID, eventID, ev.PriceID, ev.CancelAt)
	case models.BillingSubscriptionCreated:
		return s.OnSubscriptionCreated(ctx, ev.CustomerID, eventID)
	case models.BillingSubscriptionDeleted:
		return s.OnSubscriptionDeleted(ctx, ev.CustomerID, eventID)
	case models.BillingCustomerCreated:
		return s.OnCustomerCreated(ctx, ev.Email, ev.CustomerID, eventID)
	case models.BillingCustomerDeleted:
		return s.OnCustomerDeleted(ctx, ev.Email, ev.CustomerID, eventID)
	case models.BillingCheckoutCompleted:
		if ev.IsPaymentLink() {
			return s.OnPaymentLinkCompleted(ctx, ev.Email, ev.PaymentLinkID, eventID)
		}
		return s.OnCheckoutCompleted(ctx, ev.UserID, ev.Email, ev.CustomerID, eventID)
	}
	return models.Succeeded(fmt.Sprintf("ignored event type %q", ev.Type))
}

// RegisterUser adds or updates a user announced by a downstream system.
func (s *Service) RegisterUser(ctx context.Context, user models.RegisteredUser) models.TransactionResult {
	if user.UserID == "" && user.UserEmail == "" {
		return models.Failed("registered user needs a user id or email")
	}
	inserted, err := s.registry.Upsert(ctx, user)
	if err != nil {
		return models.Failed(fmt.Sprintf("registered user %q in memory but persist failed: %v", user.UserID, err))
	}
	if inserted {
		return models.Succeeded(fmt.Sprintf("registered user %q", user.UserID))
	}
	return models.Succeeded(fmt.Sprintf("updated user %q", user.UserID))
}

// Stats reports collection sizes for the health endpoint.
func (s *Service) Stats() Stats {
	total, incomplete := s.ledger.Stats()
	return Stats{
		Transactions: total,
		Incomplete:   incomplete,
		Users:        s.registry.Len(),
		Systems:      s.gateway.Systems(),
		Products:     len(s.opts.Products),
	}
}

func (s *Service) link(ctx context.Context, u models.RegisteredUser) (models.TransactionResult, bool) {
	if u.CustomerID == "" {
		return models.Failed("customer id missing"), false
	}
	if u.UserID == "" && u.UserEmail == "" {
		return models.TransactionResult{}, true
	}
	if _, err := s.registry.LinkCustomer(ctx, u); err != nil {
		// The link stays in memory and is written with the next persist.
		log.Errorf("[Billing] Linking customer %s: %v", u.CustomerID, err)
	}
	return models.TransactionResult{}, true
}

func alreadyCompleted(tx models.PaymentTransaction) models.TransactionResult {
	return models.Succeeded(fmt.Sprintf("transaction %d for event %s already completed", tx.ID, tx.EventID))
}

func joinMessages(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "; ")
}
