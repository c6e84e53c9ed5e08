package billing

import (
	"context"

	"github.com/ManuelReschke/paymentsync/app/models"
	"github.com/gofiber/fiber/v2/log"
)

// HandleStripeWebhook verifies, parses and dispatches one webhook body.
// The returned error is ErrInvalidSignature or ErrMalformedEvent; every
// reconciliation problem is reported in the result instead and retried.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signatureHeader string) (StripeEvent, models.TransactionResult, error) {
	if err := VerifyStripeSignature(payload, signatureHeader, s.opts.WebhookSecret, s.opts.SignatureTolerance, s.opts.Now()); err != nil {
		log.Warnf("[Billing] Rejected webhook: %v", err)
		return StripeEvent{}, models.TransactionResult{}, err
	}

	ev, err := ParseStripeEvent(payload)
	if err != nil {
		log.Warnf("[Billing] Rejected webhook: %v", err)
		return StripeEvent{}, models.TransactionResult{}, err
	}
	log.Infof("[Billing] Webhook %s (%s) received", ev.ID, ev.Type)

	if !ev.Handled {
		return ev, models.Succeeded("ignored event type " + ev.Type), nil
	}

	res := s.Dispatch(ctx, ev.ID, ev.Event)
	if !res.Success {
		log.Warnf("[Billing] Webhook %s queued for retry: %s", ev.ID, res.Message)
	}
	return ev, res, nil
}
