// Package listener consumes the events downstream systems send back to the
// payment service.
package listener

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/paymentsync/app/models"
	"github.com/ManuelReschke/paymentsync/internal/pkg/bus"
	"github.com/gofiber/fiber/v2/log"
)

// PaymentService is the part of the billing service the listener drives.
type PaymentService interface {
	OnDeliveryConfirmed(ctx context.Context, c models.DeliveryConfirmation) models.TransactionResult
	OnPingInfosConfirmed(ctx context.Context, c models.DeliveryConfirmation) models.TransactionResult
	RegisterUser(ctx context.Context, user models.RegisteredUser) models.TransactionResult
	WakeUp(ctx context.Context) error
}

// SweepTrigger requests an out-of-band sweep.
type SweepTrigger interface {
	Trigger()
}

// Listener binds inbound events of one or more buses to the service.
type Listener struct {
	svc    PaymentService
	sweeps SweepTrigger
}

func New(svc PaymentService, sweeps SweepTrigger) *Listener {
	return &Listener{svc: svc, sweeps: sweeps}
}

// Subscribe registers every inbound event on b. externalURL names the
// system behind b and is the default for users it registers.
func (l *Listener) Subscribe(ctx context.Context, b bus.Bus, externalURL string) error {
	handlers := map[string]bus.Handler{
		models.EventPaymentComplete:   l.onPaymentComplete,
		models.EventPingInfosComplete: l.onPingInfosComplete,
		models.EventRegisterUser:      l.registerUserFor(externalURL),
		models.EventPaymentCheck:      l.onPaymentCheck,
		models.EventPaymentWakeUp:     l.onWakeUp,
	}
	for _, event := range inboundEvents {
		if err := b.Subscribe(ctx, event, handlers[event]); err != nil {
			return fmt.Errorf("subscribe %s for %s: %w", event, externalURL, err)
		}
	}
	log.Infof("[Listener] Listening on %s", externalURL)
	return nil
}

var inboundEvents = []string{
	models.EventPaymentComplete,
	models.EventPingInfosComplete,
	models.EventRegisterUser,
	models.EventPaymentCheck,
	models.EventPaymentWakeUp,
}

func (l *Listener) onPaymentComplete(ctx context.Context, msg bus.Message) error {
	var c models.DeliveryConfirmation
	if err := msg.Decode(&c); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Event, err)
	}
	report(msg.Event, l.svc.OnDeliveryConfirmed(ctx, c))
	return nil
}

func (l *Listener) onPingInfosComplete(ctx context.Context, msg bus.Message) error {
	var c models.DeliveryConfirmation
	if err := msg.Decode(&c); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Event, err)
	}
	report(msg.Event, l.svc.OnPingInfosConfirmed(ctx, c))
	return nil
}

func (l *Listener) registerUserFor(externalURL string) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		var u models.RegisteredUser
		if err := msg.Decode(&u); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Event, err)
		}
		if u.ExternalURL == "" {
			u.ExternalURL = externalURL
		}
		report(msg.Event, l.svc.RegisterUser(ctx, u))
		return nil
	}
}

func (l *Listener) onPaymentCheck(_ context.Context, _ bus.Message) error {
	if l.sweeps != nil {
		l.sweeps.Trigger()
	}
	return nil
}

func (l *Listener) onWakeUp(ctx context.Context, _ bus.Message) error {
	if err := l.svc.WakeUp(ctx); err != nil {
		log.Warnf("[Listener] Ready broadcast incomplete: %v", err)
	}
	return nil
}

func report(event string, res models.TransactionResult) {
	if res.Success {
		log.Infof("[Listener] %s: %s", event, res.Message)
		return
	}
	log.Warnf("[Listener] %s failed: %s", event, res.Message)
}
