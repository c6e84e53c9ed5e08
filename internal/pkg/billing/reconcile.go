package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/paymentsync/app/models"
	"github.com/ManuelReschke/paymentsync/internal/pkg/ledger"
	"github.com/gofiber/fiber/v2/log"
)

// reconcile creates or continues the transaction for eventID.
func (s *Service) reconcile(ctx context.Context, eventID string, kind models.TransactionKind, ev models.BillingEvent) models.TransactionResult {
	if eventID == "" {
		return models.Failed("missing event id")
	}

	seed := models.PaymentTransaction{
		EventDate: s.opts.Now(),
		Event:     ev,
		PriceID:   ev.PriceID,
		UserInfo: models.UserInfo{
			UserID:     ev.UserID,
			CustomerID: ev.CustomerID,
			Email:      ev.Email,
		},
	}
	tx, isNew := s.ledger.GetOrCreate(eventID, kind, seed)
	if tx.IsComplete {
		return alreadyCompleted(tx)
	}
	if isNew {
		log.Infof("[Billing] New %s transaction %d for event %s", kind, tx.ID, eventID)
	}
	return s.attempt(ctx, tx.ID, false)
}

// attempt re-resolves the transaction, publishes it when every
// precondition holds and records the outcome. It never returns an error:
// failures become failed results and the transaction stays incomplete.
// Without redeliver, a transaction already published successfully is left
// for the sweep.
func (s *Service) attempt(ctx context.Context, id int, redeliver bool) models.TransactionResult {
	if !s.ledger.Acquire(id) {
		return models.Failed(fmt.Sprintf("transaction %d is already being delivered", id))
	}
	defer s.ledger.Release(id)

	tx, err := s.ledger.Get(id)
	if err != nil {
		return models.Failed(fmt.Sprintf("transaction %d: %v", id, err))
	}
	if tx.IsComplete {
		return alreadyCompleted(tx)
	}
	if !redeliver && tx.Result.Success {
		return models.Succeeded(fmt.Sprintf("transaction %d for event %s already published, awaiting confirmation", id, tx.EventID))
	}

	prep := s.prepare(tx)
	tx, err = s.ledger.Update(id, func(p *models.PaymentTransaction) {
		p.ExternalURL = prep.externalURL
		p.UserInfo = prep.userInfo
		p.PriceID = prep.priceID
	})
	if errors.Is(err, ledger.ErrAlreadyComplete) {
		return alreadyCompleted(tx)
	}
	if err != nil {
		return models.Failed(fmt.Sprintf("transaction %d: %v", id, err))
	}

	var result models.TransactionResult
	if !prep.ready() {
		result = models.Failed(prep.message())
		log.Warnf("[Billing] Transaction %d (%s) not delivered: %s", id, tx.Kind, result.Message)
	} else {
		event := tx.Kind.EventName()
		if err := s.gateway.Publish(ctx, tx.ExternalURL, event, tx); err != nil {
			result = models.Failed(fmt.Sprintf("publish %s to %s failed: %v", event, tx.ExternalURL, err))
		} else {
			result = models.Succeeded(fmt.Sprintf("published %s for transaction %d to %s", event, id, tx.ExternalURL))
		}
	}

	if _, err := s.ledger.Update(id, func(p *models.PaymentTransaction) { p.Result = result }); err != nil && !errors.Is(err, ledger.ErrAlreadyComplete) {
		log.Errorf("[Billing] Recording result of transaction %d: %v", id, err)
	}
	if err := s.ledger.Persist(ctx); err != nil {
		return models.Failed(joinMessages(result.Message, err.Error()))
	}
	return result
}

// OnDeliveryConfirmed handles a downstream acknowledgement. A negative
// acknowledgement stores the downstream diagnostic and leaves the
// transaction for the next sweep.
func (s *Service) OnDeliveryConfirmed(ctx context.Context, c models.DeliveryConfirmation) models.TransactionResult {
	id := c.TargetID()
	tx, err := s.ledger.Get(id)
	if err != nil {
		return models.Failed(fmt.Sprintf("failed to find transaction %d", id))
	}
	if tx.IsComplete {
		return alreadyCompleted(tx)
	}

	if !c.Confirmed() {
		downstream := models.Failed("downstream reported failure without result")
		if c.Result != nil {
			downstream = *c.Result
			downstream.Success = false
		}
		if _, err := s.ledger.Update(id, func(p *models.PaymentTransaction) { p.Result = downstream }); errors.Is(err, ledger.ErrAlreadyComplete) {
			return alreadyCompleted(tx)
		}
		msg := fmt.Sprintf("downstream failed transaction %d: %s", id, downstream.Message)
		if len(downstream.Data) > 0 {
			msg += " :: " + string(downstream.Data)
		}
		log.Warnf("[Billing] %s", msg)
		if err := s.ledger.Persist(ctx); err != nil {
			msg = joinMessages(msg, err.Error())
		}
		return models.Failed(msg)
	}

	result := models.Succeeded("confirmed by downstream")
	if c.Result != nil {
		result = *c.Result
	}
	done, err := s.ledger.MarkComplete(id, result)
	if errors.Is(err, ledger.ErrAlreadyComplete) {
		return alreadyCompleted(done)
	}
	if err != nil {
		return models.Failed(fmt.Sprintf("complete transaction %d: %v", id, err))
	}
	log.Infof("[Billing] Transaction %d (%s) for user %q completed", id, done.Kind, done.UserInfo.UserID)

	msg := fmt.Sprintf("transaction %d completed", id)
	if err := s.ledger.Persist(ctx); err != nil {
		return models.Failed(joinMessages(msg, err.Error()))
	}

	if done.Kind == models.KindUpdate {
		if err := s.gateway.Publish(ctx, done.ExternalURL, models.EventUpdateUserPingInfos, done); err != nil {
			msg = joinMessages(msg, fmt.Sprintf("ping infos refresh not sent: %v", err))
		}
	}
	return models.Succeeded(msg)
}

// OnPingInfosConfirmed records the acknowledgement of a ping infos refresh.
func (s *Service) OnPingInfosConfirmed(ctx context.Context, c models.DeliveryConfirmation) models.TransactionResult {
	id := c.TargetID()
	result := models.Succeeded("ping infos updated")
	if c.Result != nil {
		result = *c.Result
	}
	if !c.Confirmed() {
		result.Success = false
	}

	tx, err := s.ledger.MarkPingInfosComplete(id, result)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return models.Failed(fmt.Sprintf("failed to find transaction %d", id))
	case errors.Is(err, ledger.ErrAlreadyComplete):
		return models.Succeeded(fmt.Sprintf("ping infos for transaction %d already completed", tx.ID))
	case err != nil:
		return models.Failed(err.Error())
	}

	msg := fmt.Sprintf("ping infos for transaction %d completed", id)
	if !result.Success {
		msg = fmt.Sprintf("ping infos for transaction %d failed: %s", id, result.Message)
		log.Warnf("[Billing] %s", msg)
	}
	if err := s.ledger.Persist(ctx); err != nil {
		return models.Failed(joinMessages(msg, err.Error()))
	}
	if !result.Success {
		return models.Failed(msg)
	}
	return models.Succeeded(msg)
}

// PeriodicSweep re-attempts every incomplete transaction, oldest first,
// pausing between items, then broadcasts the ready heartbeat. Cancelling
// ctx stops the pass after the current item.
func (s *Service) PeriodicSweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	// Cancellation is honoured between items only. A started publish and the
	// write recording its result always run to the end.
	work := context.WithoutCancel(ctx)

	pending := s.ledger.IncompleteTransactions()
	for i, tx := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res := s.attempt(work, tx.ID, true)
		report.Attempted++
		if res.Success {
			report.Published++
		} else {
			report.Failed++
		}

		retries, err := s.ledger.IncrementRetry(tx.ID)
		if err == nil && retries > s.opts.RetryAlertThreshold {
			report.Escalated++
			log.Errorf("[Billing] Transaction %d (%s) for customer %q user %q still incomplete after %d retries: %s",
				tx.ID, tx.Kind, tx.UserInfo.CustomerID, tx.UserInfo.UserID, retries, res.Message)
		}
		if err := s.ledger.Persist(work); err != nil {
			log.Errorf("[Billing] Persist after retry of transaction %d: %v", tx.ID, err)
		}

		if i < len(pending)-1 && s.opts.SweepItemDelay > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(s.opts.SweepItemDelay):
			}
		}
	}

	if err := s.WakeUp(ctx); err != nil {
		log.Warnf("[Billing] Ready heartbeat not delivered everywhere: %v", err)
	}
	if report.Attempted > 0 {
		log.Infof("[Billing] Sweep done: attempted=%d published=%d failed=%d escalated=%d",
			report.Attempted, report.Published, report.Failed, report.Escalated)
	}
	return report, nil
}
