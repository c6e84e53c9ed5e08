// Package ledger holds the persisted set of payment transactions keyed by
// billing event id.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuelReschke/paymentsync/app/models"
	"github.com/ManuelReschke/paymentsync/internal/pkg/statestore"
	"github.com/gofiber/fiber/v2/log"
)

// StateKey is the blob the ledger is persisted under.
const StateKey = "PaymentTransactions"

var (
	ErrNotFound        = errors.New("transaction not found")
	ErrAlreadyComplete = errors.New("transaction already completed")
)

// Ledger is safe for concurrent use. Transactions are never removed and a
// completed transaction is never changed again.
type Ledger struct {
	store statestore.Store
	now   func() time.Time

	mu      sync.RWMutex
	byID    map[int]*models.PaymentTransaction
	byEvent map[string]int
	maxID   int
	// inFlight marks transactions with an attempt running.
	inFlight map[int]struct{}

	persistMu sync.Mutex
	// blocked is set when the persisted blob could not be read and saving
	// would destroy it.
	blocked atomic.Bool
}

func New(store statestore.Store) *Ledger {
	return &Ledger{
		store:    store,
		now:      time.Now,
		byID:     make(map[int]*models.PaymentTransaction),
		byEvent:  make(map[string]int),
		inFlight: make(map[int]struct{}),
	}
}

// WithClock overrides the time source used for completion dates.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Load replaces the in-memory set with the persisted one. A missing blob
// yields an empty ledger. When the blob cannot be read and its bytes were not
// copied aside, Persist refuses to write until a later Load succeeds.
func (l *Ledger) Load(ctx context.Context) error {
	var txs []models.PaymentTransaction
	if _, err := statestore.LoadJSON(ctx, l.store, StateKey, &txs); err != nil {
		l.blocked.Store(!statestore.SafeToOverwrite(err))
		log.Errorf("[Ledger] CRITICAL: %v", err)
		return err
	}
	l.blocked.Store(false)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID = make(map[int]*models.PaymentTransaction, len(txs))
	l.byEvent = make(map[string]int, len(txs))
	l.maxID = 0
	for _, tx := range txs {
		if tx.ID > l.maxID {
			l.maxID = tx.ID
		}
	}
	for i := range txs {
		tx := txs[i]
		if _, dup := l.byEvent[tx.EventID]; dup {
			log.Warnf("[Ledger] Duplicate event %s in persisted state, keeping the first", tx.EventID)
			continue
		}
		if _, dup := l.byID[tx.ID]; dup || tx.ID <= 0 {
			l.maxID++
			tx.ID = l.maxID
		}
		l.byID[tx.ID] = &tx
		l.byEvent[tx.EventID] = tx.ID
	}
	log.Infof("[Ledger] Loaded %d transactions", len(l.byID))
	return nil
}

// GetOrCreate returns the transaction for eventID, creating it from seed
// when the event has not been seen. isNew reports whether it was created.
func (l *Ledger) GetOrCreate(eventID string, kind models.TransactionKind, seed models.PaymentTransaction) (models.PaymentTransaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.byEvent[eventID]; ok {
		return l.byID[id].Clone(), false
	}

	l.maxID++
	tx := seed.Clone()
	tx.ID = l.maxID
	tx.EventID = eventID
	tx.Kind = kind
	tx.IsComplete = false
	tx.CompletedDate = nil
	if tx.EventDate.IsZero() {
		tx.EventDate = l.now()
	}
	l.byID[tx.ID] = &tx
	l.byEvent[eventID] = tx.ID
	return tx.Clone(), true
}

// Get returns a copy of the transaction with id.
func (l *Ledger) Get(id int) (models.PaymentTransaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tx, ok := l.byID[id]
	if !ok {
		return models.PaymentTransaction{}, ErrNotFound
	}
	return tx.Clone(), nil
}

// GetByEvent returns a copy of the transaction for eventID.
func (l *Ledger) GetByEvent(eventID string) (models.PaymentTransaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byEvent[eventID]
	if !ok {
		return models.PaymentTransaction{}, ErrNotFound
	}
	return l.byID[id].Clone(), nil
}

// Update applies fn to an incomplete transaction. fn must not change the id,
// event id or completion state.
func (l *Ledger) Update(id int, fn func(tx *models.PaymentTransaction)) (models.PaymentTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.byID[id]
	if !ok {
		return models.PaymentTransaction{}, ErrNotFound
	}
	if tx.IsComplete {
		return tx.Clone(), ErrAlreadyComplete
	}
	updated := tx.Clone()
	fn(&updated)
	updated.ID, updated.EventID = tx.ID, tx.EventID
	updated.IsComplete, updated.CompletedDate = false, nil
	*tx = updated
	return updated.Clone(), nil
}

// MarkComplete completes the transaction with the downstream result.
// Completing twice returns ErrAlreadyComplete and changes nothing.
func (l *Ledger) MarkComplete(id int, result models.TransactionResult) (models.PaymentTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.byID[id]
	if !ok {
		return models.PaymentTransaction{}, ErrNotFound
	}
	if tx.IsComplete {
		return tx.Clone(), ErrAlreadyComplete
	}
	now := l.now()
	tx.IsComplete = true
	tx.CompletedDate = &now
	tx.Result = result
	return tx.Clone(), nil
}

// MarkPingInfosComplete records the ping-infos acknowledgement. It is
// allowed on completed transactions because it arrives after completion.
func (l *Ledger) MarkPingInfosComplete(id int, result models.TransactionResult) (models.PaymentTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.byID[id]
	if !ok {
		return models.PaymentTransaction{}, ErrNotFound
	}
	if tx.PingInfosComplete {
		return tx.Clone(), ErrAlreadyComplete
	}
	r := result
	tx.PingInfosResult = &r
	tx.PingInfosComplete = result.Success
	return tx.Clone(), nil
}

// IncrementRetry bumps the retry counter of an incomplete transaction.
func (l *Ledger) IncrementRetry(id int) (int, error) {
	tx, err := l.Update(id, func(tx *models.PaymentTransaction) { tx.RetryCount++ })
	return tx.RetryCount, err
}

// IncompleteTransactions returns copies of all incomplete transactions
// ordered by event date, then kind (update, create, payment, delete), then id.
func (l *Ledger) IncompleteTransactions() []models.PaymentTransaction {
	l.mu.RLock()
	out := make([]models.PaymentTransaction, 0, len(l.byID))
	for _, tx := range l.byID {
		if !tx.IsComplete {
			out = append(out, tx.Clone())
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.EventDate.Equal(b.EventDate) {
			return a.EventDate.Before(b.EventDate)
		}
		if ra, rb := a.Kind.SortRank(), b.Kind.SortRank(); ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})
	return out
}

// Acquire claims id for one attempt. It returns false when another attempt
// is already running.
func (l *Ledger) Acquire(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[id]; busy {
		return false
	}
	l.inFlight[id] = struct{}{}
	return true
}

func (l *Ledger) Release(id int) {
	l.mu.Lock()
	delete(l.inFlight, id)
	l.mu.Unlock()
}

// Stats returns the total and incomplete counts.
func (l *Ledger) Stats() (total, incomplete int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, tx := range l.byID {
		if !tx.IsComplete {
			incomplete++
		}
	}
	return len(l.byID), incomplete
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// Snapshot returns copies of all transactions ordered by id.
func (l *Ledger) Snapshot() []models.PaymentTransaction {
	l.mu.RLock()
	out := make([]models.PaymentTransaction, 0, len(l.byID))
	for _, tx := range l.byID {
		out = append(out, tx.Clone())
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Persist writes the whole collection.
func (l *Ledger) Persist(ctx context.Context) error {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	if l.blocked.Load() {
		log.Errorf("[Ledger] CRITICAL: not persisting, %s could not be read and was not preserved", StateKey)
		return fmt.Errorf("persist ledger: %w", statestore.ErrUnsafeOverwrite)
	}
	if err := statestore.SaveJSON(ctx, l.store, StateKey, l.Snapshot()); err != nil {
		log.Errorf("[Ledger] Persist failed: %v", err)
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}
