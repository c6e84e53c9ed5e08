package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ManuelReschke/paymentsync/app/models"
	"github.com/ManuelReschke/paymentsync/internal/pkg/delivery"
	"github.com/ManuelReschke/paymentsync/internal/pkg/ledger"
	"github.com/ManuelReschke/paymentsync/internal/pkg/registry"
	"github.com/ManuelReschke/paymentsync/internal/pkg/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userA = models.RegisteredUser{UserID: "u1", CustomerID: "cus_1", UserEmail: "u1@example.com", ExternalURL: sysA}

func TestInitBroadcastsProducts(t *testing.T) {
	f := newFixture(t)

	msgs := f.busA.PublishedEvents(models.EventUpdateProducts)
	require.Len(t, msgs, 1)
	var m models.UpdateProductsMessage
	require.NoError(t, msgs[0].Decode(&m))
	assert.Equal(t, "https://pay.example.com", m.PaymentServerURL)
	assert.Len(t, m.Products, len(testProducts))
	assert.Len(t, f.busB.PublishedEvents(models.EventUpdateProducts), 1)
}

func TestSubscriptionUpdatedPublishesToOwner(t *testing.T) {
	f := newFixture(t, userA)

	res := f.svc.OnSubscriptionUpdated(context.Background(), "cus_1", "evt_1", "price_pro", nil)
	require.True(t, res.Success, res.Message)

	sent := published(t, f.busA, models.EventUpdateUserSubscription)
	require.Len(t, sent, 1)
	assert.Empty(t, f.busB.PublishedEvents(models.EventUpdateUserSubscription))

	tx := sent[0]
	assert.Equal(t, "Pro", tx.UserInfo.AccountType)
	assert.Equal(t, 10, tx.UserInfo.HostLimit)
	assert.Equal(t, "u1", tx.UserInfo.UserID)
	assert.Equal(t, sysA, tx.ExternalURL)
	assert.Equal(t, models.KindUpdate, tx.Kind)

	stored, err := f.ledger.GetByEvent("evt_1")
	require.NoError(t, err)
	assert.True(t, stored.Result.Success)
	assert.False(t, stored.IsComplete)
}

func TestSubscriptionUpdatedWithoutUser(t *testing.T) {
	f := newFixture(t)

	res := f.svc.OnSubscriptionUpdated(context.Background(), "cus_1", "evt_1", "price_pro", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "user")

	tx, err := f.ledger.GetByEvent("evt_1")
	require.NoError(t, err)
	assert.Empty(t, tx.ExternalURL)
	assert.Empty(t, tx.UserInfo.UserID)
	assert.False(t, tx.Result.Success)
	assert.False(t, tx.IsComplete)
	assert.Empty(t, f.busA.PublishedEvents(models.EventUpdateUserSubscription))
	assert.Empty(t, f.busB.PublishedEvents(models.EventUpdateUserSubscription))
}

func TestAllFailureReasonsAreReported(t *testing.T) {
	f := newFixture(t)

	res := f.svc.OnSubscriptionUpdated(context.Background(), "cus_1", "evt_1", "price_unknown", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "user not found")
	assert.Contains(t, res.Message, "product not found")
}

func TestMissingExternalURLIsAReason(t *testing.T) {
	f := newFixture(t, models.RegisteredUser{UserID: "u1", CustomerID: "cus_1"})

	res := f.svc.OnSubscriptionUpdated(context.Background(), "cus_1", "evt_1", "price_pro", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "external url")
}

func TestUnknownExternalURLFailsWithoutPanic(t *testing.T) {
	f := newFixture(t, models.RegisteredUser{UserID: "u1", CustomerID: "cus_1", ExternalURL: "http://sysZ"})

	res := f.svc.OnSubscriptionUpdated(context.Background(), "cus_1", "evt_1", "price_pro", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "http://sysZ")
}

func TestSubscriptionDeletedDowngradesToFree(t *testing.T) {
	f := newFixture(t, userA)

	res := f.svc.OnSubscriptionDeleted(context.Background(), "cus_1", "evt_del")
	require.True(t, res.Success, res.Message)

	sent := published(t, f.busA, models.EventUpdateUserSubscription)
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, models.KindDelete, tx.Kind)
	assert.Equal(t, "Free", tx.UserInfo.AccountType)
	assert.Empty(t, tx.UserInfo.CustomerID)
	require.NotNil(t, tx.UserInfo.CancelAt)
	assert.True(t, testNow.Equal(*tx.UserInfo.CancelAt))

	u, ok := f.registry.FindByIdentity("u1", "", "")
	require.True(t, ok)
	assert.Equal(t, "cus_1", u.CustomerID, "subscription.deleted keeps the registry link")
}

func TestSubscriptionDeletedWithoutFreeProduct(t *testing.T) {
	f := newFixture(t, userA)
	f.svc.opts.Products = testProducts[1:]

	res := f.svc.OnSubscriptionDeleted(context.Background(), "cus_1", "evt_del")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, models.FreePriceID)
}

func TestReplayOfCompletedTransactionShortCircuits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA)

	res := f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil)
	require.True(t, res.Success)
	tx, err := f.ledger.GetByEvent("evt_1")
	require.NoError(t, err)
	require.True(t, f.svc.OnDeliveryConfirmed(ctx, confirmed(tx.ID)).Success)

	res = f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "already complete")
	assert.Len(t, published(t, f.busA, models.EventUpdateUserSubscription), 1)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestReplayBeforeConfirmationDoesNotRepublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA)

	require.True(t, f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil).Success)
	res := f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil)

	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "awaiting confirmation")
	assert.Len(t, published(t, f.busA, models.EventUpdateUserSubscription), 1)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestReplayAfterFailureRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.False(t, f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil).Success)

	_, err := f.registry.Upsert(ctx, userA)
	require.NoError(t, err)

	res := f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil)
	assert.True(t, res.Success, res.Message)
	assert.Len(t, published(t, f.busA, models.EventUpdateUserSubscription), 1)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestEmptyEventIDIsRejected(t *testing.T) {
	f := newFixture(t, userA)

	res := f.svc.OnSubscriptionUpdated(context.Background(), "cus_1", "", "price_pro", nil)
	assert.False(t, res.Success)
	assert.Equal(t, 0, f.ledger.Len())
}

func TestTransportFailureLeavesTransactionIncomplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA)
	f.busA.FailPublishes(errors.New("broker down"))

	res := f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "broker down")

	tx, err := f.ledger.GetByEvent("evt_1")
	require.NoError(t, err)
	assert.False(t, tx.IsComplete)
	assert.Len(t, f.ledger.IncompleteTransactions(), 1)
}

func TestPersistFailureIsReported(t *testing.T) {
	f := newFixture(t, userA)
	f.store.FailSaves(errors.New("disk full"))

	res := f.svc.OnSubscriptionUpdated(context.Background(), "cus_1", "evt_1", "price_pro", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "disk full")
	assert.Len(t, published(t, f.busA, models.EventUpdateUserSubscription), 1)
}

func TestOnDeliveryConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA)
	require.True(t, f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil).Success)
	tx, err := f.ledger.GetByEvent("evt_1")
	require.NoError(t, err)

	res := f.svc.OnDeliveryConfirmed(ctx, confirmed(tx.ID))
	require.True(t, res.Success, res.Message)

	done, err := f.ledger.Get(tx.ID)
	require.NoError(t, err)
	assert.True(t, done.IsComplete)
	require.NotNil(t, done.CompletedDate)
	assert.Equal(t, "applied", done.Result.Message)

	pings := published(t, f.busA, models.EventUpdateUserPingInfos)
	require.Len(t, pings, 1)
	assert.Equal(t, tx.ID, pings[0].ID)

	again := f.svc.OnDeliveryConfirmed(ctx, confirmed(tx.ID))
	assert.True(t, again.Success)
	assert.Contains(t, again.Message, "already completed")
	assert.Len(t, published(t, f.busA, models.EventUpdateUserPingInfos), 1)
}

func TestOnDeliveryConfirmedOnlyUpdatesRefreshPingInfos(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA)
	require.True(t, f.svc.OnSubscriptionCreated(ctx, "cus_1", "evt_c").Success)
	tx, err := f.ledger.GetByEvent("evt_c")
	require.NoError(t, err)

	require.True(t, f.svc.OnDeliveryConfirmed(ctx, confirmed(tx.ID)).Success)
	assert.Empty(t, f.busA.PublishedEvents(models.EventUpdateUserPingInfos))
}

func TestNegativeConfirmationKeepsTransactionOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA)
	require.True(t, f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil).Success)
	tx, err := f.ledger.GetByEvent("evt_1")
	require.NoError(t, err)

	no := false
	res := f.svc.OnDeliveryConfirmed(ctx, models.DeliveryConfirmation{
		ID:         tx.ID,
		IsComplete: &no,
		Result:     &models.TransactionResult{Message: "host quota busy", Data: []byte(`"retry later"`)},
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "host quota busy")
	assert.Contains(t, res.Message, "retry later")

	stored, err := f.ledger.Get(tx.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsComplete)
	assert.False(t, stored.Result.Success)
	assert.Equal(t, "host quota busy", stored.Result.Message)

	// The next replay retries because the stored result is a failure.
	res = f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil)
	assert.True(t, res.Success)
	assert.Len(t, published(t, f.busA, models.EventUpdateUserSubscription), 2)
}

func TestOnDeliveryConfirmedUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	res := f.svc.OnDeliveryConfirmed(context.Background(), confirmed(42))
	assert.False(t, res.Success)
}

func TestCompletedTransactionIsImmutable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA)
	require.True(t, f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil).Success)
	tx, _ := f.ledger.GetByEvent("evt_1")
	require.True(t, f.svc.OnDeliveryConfirmed(ctx, confirmed(tx.ID)).Success)
	before, _ := f.ledger.Get(tx.ID)

	_, err := f.registry.Upsert(ctx, models.RegisteredUser{UserID: "u1", UserEmail: "u1@example.com", CustomerID: "cus_1", ExternalURL: sysB})
	require.NoError(t, err)
	no := false
	f.svc.OnDeliveryConfirmed(ctx, models.DeliveryConfirmation{ID: tx.ID, IsComplete: &no, Result: &models.TransactionResult{Message: "late failure"}})
	_, err = f.svc.PeriodicSweep(ctx)
	require.NoError(t, err)

	after, _ := f.ledger.Get(tx.ID)
	assert.Equal(t, before.UserInfo, after.UserInfo)
	assert.Equal(t, before.Result, after.Result)
	assert.Equal(t, before.ExternalURL, after.ExternalURL)
}

func TestOnPingInfosConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA)
	require.True(t, f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil).Success)
	tx, _ := f.ledger.GetByEvent("evt_1")
	require.True(t, f.svc.OnDeliveryConfirmed(ctx, confirmed(tx.ID)).Success)

	no := false
	res := f.svc.OnPingInfosConfirmed(ctx, models.DeliveryConfirmation{ID: tx.ID, IsComplete: &no, Result: &models.TransactionResult{Message: "agent offline"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "agent offline")

	res = f.svc.OnPingInfosConfirmed(ctx, confirmed(tx.ID))
	assert.True(t, res.Success, res.Message)
	stored, _ := f.ledger.Get(tx.ID)
	assert.True(t, stored.PingInfosComplete)

	res = f.svc.OnPingInfosConfirmed(ctx, confirmed(tx.ID))
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "already completed")

	assert.False(t, f.svc.OnPingInfosConfirmed(ctx, confirmed(999)).Success)
}

func TestOnSubscriptionCreated(t *testing.T) {
	f := newFixture(t, userA)

	res := f.svc.OnSubscriptionCreated(context.Background(), "cus_1", "evt_c")
	require.True(t, res.Success, res.Message)

	sent := published(t, f.busA, models.EventUpdateUserCustomerID)
	require.Len(t, sent, 1)
	assert.Equal(t, "cus_1", sent[0].UserInfo.CustomerID)
	assert.Equal(t, models.KindCreate, sent[0].Kind)
}

func TestOnCustomerCreatedLinksByEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.RegisteredUser{UserID: "u1", UserEmail: "u1@example.com", ExternalURL: sysA})

	res := f.svc.OnCustomerCreated(ctx, "u1@example.com", "cus_new", "evt_cc")
	require.True(t, res.Success, res.Message)

	u, ok := f.registry.FindByIdentity("u1", "", "")
	require.True(t, ok)
	assert.Equal(t, "cus_new", u.CustomerID)

	sent := published(t, f.busA, models.EventUpdateUserCustomerID)
	require.Len(t, sent, 1)
	assert.Equal(t, "cus_new", sent[0].UserInfo.CustomerID)
	assert.Equal(t, "u1", sent[0].UserInfo.UserID)
}

func TestOnCheckoutCompletedLinksClientReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.RegisteredUser{UserID: "u7", ExternalURL: sysB})

	res := f.svc.OnCheckoutCompleted(ctx, "u7", "u7@example.com", "cus_7", "evt_cs")
	require.True(t, res.Success, res.Message)

	u, ok := f.registry.FindByIdentity("", "", "cus_7")
	require.True(t, ok)
	assert.Equal(t, "u7", u.UserID)
	assert.Equal(t, "u7@example.com", u.UserEmail)
	assert.Len(t, published(t, f.busB, models.EventUpdateUserCustomerID), 1)
}

func TestOutOfOrderCheckoutHealsOnSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The subscription arrives before anything links cus_9 to a user.
	res := f.svc.OnSubscriptionUpdated(ctx, "cus_9", "evt_sub", "price_pro", nil)
	require.False(t, res.Success)

	_, err := f.registry.Upsert(ctx, models.RegisteredUser{UserID: "u9", ExternalURL: sysA})
	require.NoError(t, err)
	require.True(t, f.svc.OnCheckoutCompleted(ctx, "u9", "", "cus_9", "evt_cs").Success)

	report, err := f.svc.PeriodicSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempted)

	sent := published(t, f.busA, models.EventUpdateUserSubscription)
	require.Len(t, sent, 1)
	assert.Equal(t, "u9", sent[0].UserInfo.UserID)
}

func TestOnCustomerDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA)

	res := f.svc.OnCustomerDeleted(ctx, "", "cus_1", "evt_cd")
	require.True(t, res.Success, res.Message)

	u, ok := f.registry.FindByIdentity("u1", "", "")
	require.True(t, ok)
	assert.Empty(t, u.CustomerID)

	sent := published(t, f.busA, models.EventUpdateUserSubscription)
	require.Len(t, sent, 1)
	assert.Equal(t, models.KindDelete, sent[0].Kind)
	assert.Equal(t, "Free", sent[0].UserInfo.AccountType)
	assert.Equal(t, "u1", sent[0].UserInfo.UserID)

	// Replay is a no-op for the registry and the bus.
	_, err := f.registry.LinkCustomer(ctx, models.RegisteredUser{UserID: "u1", CustomerID: "cus_1"})
	require.NoError(t, err)
	f.svc.OnCustomerDeleted(ctx, "", "cus_1", "evt_cd")
	u, _ = f.registry.FindByIdentity("u1", "", "")
	assert.Equal(t, "cus_1", u.CustomerID)
	assert.Len(t, published(t, f.busA, models.EventUpdateUserSubscription), 1)
}

func TestOnPaymentLinkCompleted(t *testing.T) {
	f := newFixture(t, userA)

	res := f.svc.OnPaymentLinkCompleted(context.Background(), "u1@example.com", "plink_tokens", "evt_pay")
	require.True(t, res.Success, res.Message)

	sent := published(t, f.busA, models.EventBoostTokenForUser)
	require.Len(t, sent, 1)
	assert.Equal(t, 50, sent[0].UserInfo.Quantity)
	assert.Equal(t, models.KindPayment, sent[0].Kind)
}

func TestOnPaymentLinkCompletedResolvesByEmailOnly(t *testing.T) {
	f := newFixture(t, userA)

	res := f.svc.OnPaymentLinkCompleted(context.Background(), "someone@example.com", "plink_unknown", "evt_pay")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "user not found for email")
	assert.Contains(t, res.Message, "plink_unknown")
}

func TestPeriodicSweepRetriesAndEscalates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.opts.RetryAlertThreshold = 2

	f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil)

	var last int
	for pass := 1; pass <= 4; pass++ {
		report, err := f.svc.PeriodicSweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Attempted)
		assert.Equal(t, 1, report.Failed)
		if pass > 2 {
			assert.Equal(t, 1, report.Escalated)
		}

		tx, err := f.ledger.GetByEvent("evt_1")
		require.NoError(t, err)
		assert.Greater(t, tx.RetryCount, last)
		last = tx.RetryCount
	}

	assert.Len(t, f.busA.PublishedEvents(models.EventPaymentServiceReady), 4)
}

func TestPeriodicSweepRepublishesUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA)
	require.True(t, f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil).Success)

	_, err := f.svc.PeriodicSweep(ctx)
	require.NoError(t, err)
	assert.Len(t, published(t, f.busA, models.EventUpdateUserSubscription), 2)

	tx, _ := f.ledger.GetByEvent("evt_1")
	require.True(t, f.svc.OnDeliveryConfirmed(ctx, confirmed(tx.ID)).Success)

	report, err := f.svc.PeriodicSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
	assert.Len(t, published(t, f.busA, models.EventUpdateUserSubscription), 2)
}

func TestPeriodicSweepOneFailureDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA, models.RegisteredUser{UserID: "u2", CustomerID: "cus_2", ExternalURL: sysB})
	f.busA.FailPublishes(errors.New("broker down"))

	f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_a", "price_pro", nil)
	f.advance(time.Second)
	f.svc.OnSubscriptionUpdated(ctx, "cus_2", "evt_b", "price_pro", nil)

	report, err := f.svc.PeriodicSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Published)
	assert.Len(t, published(t, f.busB, models.EventUpdateUserSubscription), 2)
}

func TestPeriodicSweepHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	f.svc.opts.SweepItemDelay = time.Hour
	bg := context.Background()
	f.svc.OnSubscriptionUpdated(bg, "cus_1", "evt_1", "price_pro", nil)
	f.svc.OnSubscriptionUpdated(bg, "cus_2", "evt_2", "price_pro", nil)

	ctx, cancel := context.WithTimeout(bg, 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	report, err := f.svc.PeriodicSweep(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, report.Attempted)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRegisterUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.False(t, f.svc.RegisterUser(ctx, models.RegisteredUser{}).Success)

	res := f.svc.RegisterUser(ctx, userA)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "registered")

	res = f.svc.RegisterUser(ctx, models.RegisteredUser{UserID: "u1", ExternalURL: sysB})
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "updated")
	assert.Equal(t, sysB, f.registry.ResolveExternalURL("u1", ""))
}

func TestWakeUpAndStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA)
	require.NoError(t, f.svc.WakeUp(ctx))

	msgs := f.busA.PublishedEvents(models.EventPaymentServiceReady)
	require.Len(t, msgs, 1)
	var ready models.PaymentServiceReady
	require.NoError(t, msgs[0].Decode(&ready))
	assert.True(t, ready.IsReady)

	f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil)
	stats := f.svc.Stats()
	assert.Equal(t, 1, stats.Transactions)
	assert.Equal(t, 1, stats.Incomplete)
	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, []string{sysA, sysB}, stats.Systems)
}

func TestStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, userA)
	require.True(t, f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil).Success)
	require.NoError(t, f.svc.Shutdown(ctx))

	reg := registry.New(f.store)
	led := ledger.New(f.store)
	restarted := NewService(reg, led, f.svc.gateway, Options{Products: testProducts})
	require.NoError(t, restarted.Init(ctx))

	assert.Equal(t, 1, reg.Len())
	tx, err := led.GetByEvent("evt_1")
	require.NoError(t, err)
	assert.Equal(t, "Pro", tx.UserInfo.AccountType)
}

func TestInitWithCorruptStateKeepsRunning(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	require.NoError(t, store.Save(ctx, ledger.StateKey, []byte("{broken")))

	f := newFixture(t)
	svc := NewService(registry.New(store), ledger.New(store), f.svc.gateway, Options{})
	err := svc.Init(ctx)
	require.Error(t, err)

	res := svc.RegisterUser(ctx, userA)
	assert.True(t, res.Success)

	// The first ledger write must not destroy the unreadable blob.
	svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil)
	var kept []string
	for _, key := range store.Keys() {
		if strings.HasPrefix(key, ledger.StateKey+".corrupt-") {
			kept = append(kept, key)
		}
	}
	require.Len(t, kept, 1)
	raw, err := store.Load(ctx, kept[0])
	require.NoError(t, err)
	assert.Equal(t, "{broken", string(raw))

	current, err := store.Load(ctx, ledger.StateKey)
	require.NoError(t, err)
	assert.NotEqual(t, "{broken", string(current))
}

func TestInitWithUnpreservableCorruptStateNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	require.NoError(t, store.Save(ctx, ledger.StateKey, []byte("{broken")))

	f := newFixture(t)
	store.FailSaves(errors.New("read-only volume"))
	svc := NewService(registry.New(store), ledger.New(store), f.svc.gateway, Options{})
	require.Error(t, svc.Init(ctx))
	store.FailSaves(nil)

	res := svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil)
	assert.False(t, res.Success)

	raw, err := store.Load(ctx, ledger.StateKey)
	require.NoError(t, err)
	assert.Equal(t, "{broken", string(raw))
}

// blockingGateway holds every Publish until release is closed and gives up
// when its context ends.
type blockingGateway struct {
	delivery.Gateway
	started chan struct{}
	release chan struct{}
}

func (g *blockingGateway) Publish(ctx context.Context, externalURL, event string, payload any) error {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return g.Gateway.Publish(ctx, externalURL, event, payload)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPeriodicSweepFinishesStartedPublishAfterCancel(t *testing.T) {
	bg := context.Background()
	f := newFixture(t, userA)
	f.busA.FailPublishes(errors.New("broker down"))
	require.False(t, f.svc.OnSubscriptionUpdated(bg, "cus_1", "evt_1", "price_pro", nil).Success)
	f.busA.FailPublishes(nil)

	gw := &blockingGateway{Gateway: f.svc.gateway, started: make(chan struct{}, 1), release: make(chan struct{})}
	f.svc.gateway = gw

	ctx, cancel := context.WithCancel(bg)
	done := make(chan SweepReport, 1)
	go func() {
		report, _ := f.svc.PeriodicSweep(ctx)
		done <- report
	}()

	select {
	case <-gw.started:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep never published")
	}
	cancel()
	close(gw.release)

	var report SweepReport
	select {
	case report = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not return")
	}
	assert.Equal(t, 1, report.Published)
	assert.Len(t, published(t, f.busA, models.EventUpdateUserSubscription), 1)

	tx, err := f.ledger.GetByEvent("evt_1")
	require.NoError(t, err)
	assert.True(t, tx.Result.Success, tx.Result.Message)
}

func TestAttemptRechecksResultAfterAcquire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.False(t, f.svc.OnSubscriptionUpdated(ctx, "cus_1", "evt_1", "price_pro", nil).Success)
	_, err := f.registry.Upsert(ctx, userA)
	require.NoError(t, err)

	// A sweep published the transaction after the replay looked it up.
	tx, err := f.ledger.GetByEvent("evt_1")
	require.NoError(t, err)
	_, err = f.ledger.Update(tx.ID, func(p *models.PaymentTransaction) {
		p.Result = models.Succeeded("published by sweep")
	})
	require.NoError(t, err)

	res := f.svc.attempt(ctx, tx.ID, false)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "awaiting confirmation")
	assert.Empty(t, published(t, f.busA, models.EventUpdateUserSubscription))

	res = f.svc.attempt(ctx, tx.ID, true)
	assert.True(t, res.Success, res.Message)
	assert.Len(t, published(t, f.busA, models.EventUpdateUserSubscription), 1)
}
