package controllers

import (
	"context"
	"errors"

	"github.com/ManuelReschke/paymentsync/app/models"
	"github.com/ManuelReschke/paymentsync/internal/pkg/billing"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// StripeSignatureHeader is the header Stripe signs webhook bodies in.
const StripeSignatureHeader = "Stripe-Signature"

// PaymentService is what the HTTP adapter needs from the billing service.
type PaymentService interface {
	HandleStripeWebhook(ctx context.Context, payload []byte, signatureHeader string) (billing.StripeEvent, models.TransactionResult, error)
	Stats() billing.Stats
}

type PaymentController struct {
	svc PaymentService
}

func NewPaymentController(svc PaymentService) *PaymentController {
	return &PaymentController{svc: svc}
}

// HandleWebhook answers 400 only for bodies that can never succeed. Every
// other outcome is 200 so the provider does not redeliver; failed
// reconciliations are retried by the sweep.
func (pc *PaymentController) HandleWebhook(c *fiber.Ctx) error {
	// fasthttp reuses the body buffer after the handler returns.
	body := append([]byte(nil), c.Body()...)

	ev, res, err := pc.svc.HandleStripeWebhook(c.UserContext(), body, c.Get(StripeSignatureHeader))
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	case errors.Is(err, billing.ErrMalformedEvent):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed_event", "message": err.Error()})
	case err != nil:
		log.Errorf("[Webhook] Unexpected error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"received": true,
		"eventId":  ev.ID,
		"type":     ev.Type,
		"success":  res.Success,
		"message":  res.Message,
	})
}

func (pc *PaymentController) HandleHealth(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "ok",
		"stats":  pc.svc.Stats(),
	})
}
