package billing

import (
	"context"
	"testing"
	"time"

	"github.com/ManuelReschke/paymentsync/app/models"
	"github.com/ManuelReschke/paymentsync/internal/pkg/bus"
	"github.com/ManuelReschke/paymentsync/internal/pkg/delivery"
	"github.com/ManuelReschke/paymentsync/internal/pkg/ledger"
	"github.com/ManuelReschke/paymentsync/internal/pkg/registry"
	"github.com/ManuelReschke/paymentsync/internal/pkg/statestore"
	"github.com/stretchr/testify/require"
)

const (
	sysA = "http://sysA"
	sysB = "http://sysB"
)

var (
	testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	testProducts = []models.Product{
		{ProductName: "Free", PriceID: models.FreePriceID, HostLimit: 1},
		{ProductName: "Pro", PriceID: "price_pro", HostLimit: 10},
		{ProductName: "Tokens", PriceID: "price_tokens", Quantity: 50, PaymentLinkID: "plink_tokens"},
	}
)

type fixture struct {
	svc      *Service
	registry *registry.Registry
	ledger   *ledger.Ledger
	store    *statestore.MemoryStore
	busA     *bus.MemoryBus
	busB     *bus.MemoryBus
	clock    *time.Time
}

func newFixture(t *testing.T, users ...models.RegisteredUser) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store: statestore.NewMemoryStore(),
		busA:  bus.NewMemoryBus(),
		busB:  bus.NewMemoryBus(),
	}
	now := testNow
	f.clock = &now
	clock := func() time.Time { return *f.clock }

	f.registry = registry.New(f.store)
	f.ledger = ledger.New(f.store).WithClock(clock)
	gw := delivery.NewBusGateway(
		delivery.Connection{ExternalURL: sysA, Bus: f.busA},
		delivery.Connection{ExternalURL: sysB, Bus: f.busB},
	)
	f.svc = NewService(f.registry, f.ledger, gw, Options{
		Products:         testProducts,
		PaymentServerURL: "https://pay.example.com",
		WebhookSecret:    "whsec_test",
		Now:              clock,
	})
	require.NoError(t, f.svc.Init(ctx))

	for _, u := range users {
		_, err := f.registry.Upsert(ctx, u)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

// published returns the transactions published on b for event.
func published(t *testing.T, b *bus.MemoryBus, event string) []models.PaymentTransaction {
	t.Helper()
	var out []models.PaymentTransaction
	for _, msg := range b.PublishedEvents(event) {
		var tx models.PaymentTransaction
		require.NoError(t, msg.Decode(&tx))
		out = append(out, tx)
	}
	return out
}

func confirmed(id int) models.DeliveryConfirmation {
	yes := true
	return models.DeliveryConfirmation{ID: id, IsComplete: &yes, Result: &models.TransactionResult{Success: true, Message: "applied"}}
}
