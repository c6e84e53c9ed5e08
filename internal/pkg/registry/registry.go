// Package registry keeps the set of known users and the billing customer and
// downstream system each one belongs to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ManuelReschke/paymentsync/app/models"
	"github.com/ManuelReschke/paymentsync/internal/pkg/statestore"
	"github.com/gofiber/fiber/v2/log"
)

// StateKey is the blob the registry is persisted under.
const StateKey = "RegisteredUsers"

// ErrNotFound is returned when no record matches the given identity.
var ErrNotFound = errors.New("registered user not found")

// Registry is safe for concurrent use. Records are mutated in place and
// never removed.
type Registry struct {
	store statestore.Store

	mu    sync.RWMutex
	users []models.RegisteredUser

	// persistMu serializes snapshot+save so an older snapshot never
	// overwrites a newer one.
	persistMu sync.Mutex
	// blocked is set when the persisted blob could not be read and saving
	// would destroy it.
	blocked atomic.Bool
}

func New(store statestore.Store) *Registry {
	return &Registry{store: store}
}

// Load replaces the in-memory set with the persisted one. A missing blob
// yields an empty registry. When the blob cannot be read and its bytes were
// not copied aside, Persist refuses to write until a later Load succeeds.
func (r *Registry) Load(ctx context.Context) error {
	var users []models.RegisteredUser
	if _, err := statestore.LoadJSON(ctx, r.store, StateKey, &users); err != nil {
		r.blocked.Store(!statestore.SafeToOverwrite(err))
		log.Errorf("[Registry] CRITICAL: %v", err)
		return err
	}
	r.blocked.Store(false)
	r.mu.Lock()
	r.users = users
	r.mu.Unlock()
	log.Infof("[Registry] Loaded %d registered users", len(users))
	return nil
}

// FindByIdentity returns the first record matching any non-empty identifier.
func (r *Registry) FindByIdentity(userID, email, customerID string) (models.RegisteredUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexOf(userID, email, customerID); i >= 0 {
		return r.users[i], true
	}
	return models.RegisteredUser{}, false
}

// ResolveExternalURL returns the external URL for a user or customer, or ""
// when unknown.
func (r *Registry) ResolveExternalURL(userID, customerID string) string {
	u, ok := r.FindByIdentity(userID, "", customerID)
	if !ok {
		return ""
	}
	return u.ExternalURL
}

// Upsert inserts user when neither its userId nor its email is known,
// otherwise overwrites the matching record. The change is persisted before
// returning; a persist error leaves the in-memory change in place.
func (r *Registry) Upsert(ctx context.Context, user models.RegisteredUser) (inserted bool, err error) {
	r.mu.Lock()
	if i := r.indexOf(user.UserID, user.UserEmail, ""); i >= 0 {
		r.users[i] = user
	} else {
		r.users = append(r.users, user)
		inserted = true
	}
	r.mu.Unlock()

	return inserted, r.Persist(ctx)
}

// LinkCustomer attaches a billing customer to the record matched by userId,
// email or customerId, creating it when nothing matches. Empty fields of
// link never overwrite known values, and an identity already held by another
// record is left where it is.
func (r *Registry) LinkCustomer(ctx context.Context, link models.RegisteredUser) (models.RegisteredUser, error) {
	r.mu.Lock()
	i := r.indexOf(link.UserID, link.UserEmail, link.CustomerID)
	if i < 0 {
		r.users = append(r.users, link)
		i = len(r.users) - 1
	} else {
		u := &r.users[i]
		if link.UserID != "" && r.claimable(i, link.UserID, "", "") {
			u.UserID = link.UserID
		}
		if link.UserEmail != "" && r.claimable(i, "", link.UserEmail, "") {
			u.UserEmail = link.UserEmail
		}
		if link.CustomerID != "" && r.claimable(i, "", "", link.CustomerID) {
			u.CustomerID = link.CustomerID
		}
		if link.ExternalURL != "" {
			u.ExternalURL = link.ExternalURL
		}
	}
	linked := r.users[i]
	r.mu.Unlock()

	return linked, r.Persist(ctx)
}

// ClearCustomerID soft-deletes the billing link of the user holding
// customerID and returns the record as it was before.
func (r *Registry) ClearCustomerID(ctx context.Context, customerID string) (models.RegisteredUser, error) {
	if customerID == "" {
		return models.RegisteredUser{}, ErrNotFound
	}
	r.mu.Lock()
	i := r.indexOf("", "", customerID)
	if i < 0 {
		r.mu.Unlock()
		return models.RegisteredUser{}, ErrNotFound
	}
	before := r.users[i]
	r.users[i].CustomerID = ""
	r.mu.Unlock()

	return before, r.Persist(ctx)
}

// Snapshot returns a copy of all records.
func (r *Registry) Snapshot() []models.RegisteredUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.RegisteredUser(nil), r.users...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Persist writes the whole collection.
func (r *Registry) Persist(ctx context.Context) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	if r.blocked.Load() {
		log.Errorf("[Registry] CRITICAL: not persisting, %s could not be read and was not preserved", StateKey)
		return fmt.Errorf("persist registry: %w", statestore.ErrUnsafeOverwrite)
	}

	users := r.Snapshot()
	if users == nil {
		users = []models.RegisteredUser{}
	}
	if err := statestore.SaveJSON(ctx, r.store, StateKey, users); err != nil {
		log.Errorf("[Registry] Persist failed: %v", err)
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}

// claimable reports whether record i may take the given identity, i.e. no
// other record already holds it. Must be called with mu held.
func (r *Registry) claimable(i int, userID, email, customerID string) bool {
	for j := range r.users {
		if j == i || !r.users[j].MatchesIdentity(userID, email, customerID) {
			continue
		}
		log.Errorf("[Registry] Identity conflict: record %d already holds %q, not copying it onto record %d (%s)",
			j, userID+email+customerID, i, r.users[i].UserID)
		return false
	}
	return true
}

// indexOf must be called with mu held.
func (r *Registry) indexOf(userID, email, customerID string) int {
	for i := range r.users {
		if r.users[i].MatchesIdentity(userID, email, customerID) {
			return i
		}
	}
	return -1
}
