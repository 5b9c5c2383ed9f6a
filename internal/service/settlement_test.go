package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement-service/internal/gateway"
	"settlement-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlementFixture struct {
	orders      *fakeOrderStore
	ledgerStore *fakeLedgerStore
	carts       *fakeCartStore
	users       *fakeUserStore
	gw          *fakeGateway
	notifier    *fakeNotifier
	assignment  *fakeAssignment
	invoices    *fakeInvoices
	queue       *fakeQueue

	ledger       *CoinLedger
	sm           *StateMachine
	fulfillment  *Fulfillment
	orchestrator *Orchestrator
}

func newSettlementFixture() *settlementFixture {
	f := &settlementFixture{
		orders:      newFakeOrderStore(),
		ledgerStore: newFakeLedgerStore(),
		carts:       newFakeCartStore(),
		users:       &fakeUserStore{users: map[int64]*models.User{7: {ID: 7, Email: "diner@example.com"}}},
		gw:          &fakeGateway{webhookValid: true, redirectValid: true},
		notifier:    &fakeNotifier{},
		assignment:  &fakeAssignment{},
		invoices:    &fakeInvoices{},
		queue:       &fakeQueue{},
	}
	f.ledgerStore.balances[7] = 100

	f.ledger = NewCoinLedger(f.ledgerStore, f.notifier)
	f.sm = NewStateMachine(f.orders)
	f.fulfillment = NewFulfillment(f.assignment, f.invoices, f.carts, f.users, f.queue)
	f.orchestrator = NewOrchestrator(f.orders, f.ledger, f.sm, f.gw, f.fulfillment, f.notifier,
		2*time.Second, 180)
	return f
}

// seedOrder creates a pending order with 100 coins used and a 5-coin reward,
// with its cart already in checkout.
func (f *settlementFixture) seedOrder() *models.Order {
	cartID := int64(3)
	f.carts.put(&models.Cart{ID: cartID, UserID: 7, HotelID: 1, Status: models.CartStatusCheckout, TotalPrice: 1000})
	return f.orders.put(&models.Order{
		UserID:         7,
		HotelID:        1,
		CartID:         &cartID,
		OrderStatus:    models.OrderStatusPending,
		PaymentStatus:  models.PaymentStatusPending,
		TransactionID:  "txn-abc",
		GatewayOrderID: "gw_order_1",
		TotalPrice:     1000,
		CoinsUsed:      100,
		CoinDiscount:   100,
		RewardCoins:    5,
	})
}

func capturedWebhook(order *models.Order) *models.PaymentEvent {
	return &models.PaymentEvent{
		Kind:              models.EventKindWebhook,
		GatewayOrderID:    order.GatewayOrderID,
		GatewayPaymentID:  "gw_pay_1",
		RawStatus:         models.GatewayStatusCaptured,
		SignatureVerified: true,
	}
}

func TestSettleVerifiedWebhook(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedOrder()

	result, err := f.orchestrator.Settle(context.Background(), capturedWebhook(order))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, result.Outcome)

	final, err := f.orders.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, final.PaymentStatus)
	assert.Equal(t, models.OrderStatusConfirmed, final.OrderStatus)
	assert.Equal(t, "gw_pay_1", final.GatewayPaymentID)

	used := f.ledgerStore.entriesFor(order.ID, models.LedgerTypeUsed)
	require.Len(t, used, 1)
	assert.Equal(t, int64(-100), used[0].Amount)
	assert.Equal(t, int64(0), used[0].BalanceAfter)

	earned := f.ledgerStore.entriesFor(order.ID, models.LedgerTypeEarned)
	require.Len(t, earned, 1)
	assert.Equal(t, int64(5), earned[0].Amount)
	assert.Equal(t, int64(5), earned[0].BalanceAfter)
	require.NotNil(t, earned[0].ExpiresAt)

	assert.Equal(t, models.CartStatusCompleted, f.carts.status(3))
	assert.Equal(t, 1, f.assignment.calls)
	assert.Len(t, f.invoices.sent, 1)
	assert.Len(t, f.notifier.ofType(models.EventTypeOrderSettled), 1)
}

func TestSettleDuplicateWebhookIsIdempotent(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedOrder()
	ctx := context.Background()

	first, err := f.orchestrator.Settle(ctx, capturedWebhook(order))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, first.Outcome)

	second, err := f.orchestrator.Settle(ctx, capturedWebhook(order))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySettled, second.Outcome)

	// One transition, one ledger mutation per type, one notification.
	assert.Len(t, f.ledgerStore.entriesFor(order.ID, models.LedgerTypeUsed), 1)
	assert.Len(t, f.ledgerStore.entriesFor(order.ID, models.LedgerTypeEarned), 1)
	assert.Len(t, f.notifier.ofType(models.EventTypeOrderSettled), 1)
	assert.Equal(t, 1, f.assignment.calls)

	balance, _ := f.ledgerStore.GetUserCoins(ctx, 7)
	assert.Equal(t, int64(5), balance)
}

func TestSettleRejectsStaleEventForCancelledOrder(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedOrder()
	ctx := context.Background()

	require.NoError(t, f.sm.Cancel(ctx, order.ID))

	result, err := f.orchestrator.Settle(ctx, capturedWebhook(order))
	require.NoError(t, err) // a stale event is an answered request, not a failure
	assert.Equal(t, OutcomeRejected, result.Outcome)

	final, _ := f.orders.GetOrderByID(ctx, order.ID)
	assert.Equal(t, models.PaymentStatusCancelled, final.PaymentStatus)
	assert.Empty(t, f.ledgerStore.entriesFor(order.ID, models.LedgerTypeUsed))
	assert.Empty(t, f.notifier.ofType(models.EventTypeOrderSettled))
}

func TestSettleUnverifiedEventResolvesViaGateway(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedOrder()
	f.gw.attempts = []gateway.Attempt{
		{PaymentID: "gw_pay_fail", Status: models.GatewayStatusFailed, CreatedAt: time.Now().Add(-time.Minute)},
		{PaymentID: "gw_pay_ok", Status: models.GatewayStatusCaptured, CreatedAt: time.Now()},
	}

	// Custom success callback: internal reference only, nothing verified.
	event := &models.PaymentEvent{
		Kind:     models.EventKindRedirectCallback,
		OrderRef: order.TransactionID,
	}

	result, err := f.orchestrator.Settle(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, result.Outcome)
	assert.Equal(t, 1, f.gw.fetchCalls)

	final, _ := f.orders.GetOrderByID(context.Background(), order.ID)
	// The captured attempt wins over the failed one, and its payment id is
	// the one recorded.
	assert.Equal(t, "gw_pay_ok", final.GatewayPaymentID)
}

func TestSettleUnverifiedEventGatewayUnreachable(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedOrder()
	f.gw.fetchErr = errors.New("connection refused")

	event := &models.PaymentEvent{
		Kind:     models.EventKindRedirectCallback,
		OrderRef: order.TransactionID,
	}

	_, err := f.orchestrator.Settle(context.Background(), event)
	require.ErrorIs(t, err, models.ErrStatusUnresolved)

	// No transition happened; a later webhook or poll still decides.
	final, _ := f.orders.GetOrderByID(context.Background(), order.ID)
	assert.Equal(t, models.PaymentStatusPending, final.PaymentStatus)
}

func TestSettleFailedPayment(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedOrder()

	event := capturedWebhook(order)
	event.RawStatus = models.GatewayStatusFailed

	result, err := f.orchestrator.Settle(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)

	final, _ := f.orders.GetOrderByID(context.Background(), order.ID)
	assert.Equal(t, models.PaymentStatusFailed, final.PaymentStatus)
	assert.Equal(t, models.CartStatusActive, f.carts.status(3))
	assert.Len(t, f.notifier.ofType(models.EventTypePaymentFailed), 1)
	assert.Empty(t, f.ledgerStore.entriesFor(order.ID, models.LedgerTypeUsed))
}

func TestSettleFailedOrderRecoversOnCapture(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedOrder()
	ctx := context.Background()

	// The poller marked it failed; a captured payment then surfaces.
	won, err := f.sm.MarkPaymentFailed(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, won)

	result, err := f.orchestrator.Settle(ctx, capturedWebhook(order))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, result.Outcome)

	final, _ := f.orders.GetOrderByID(ctx, order.ID)
	assert.Equal(t, models.PaymentStatusPaid, final.PaymentStatus)
}

func TestSettleSideEffectFailuresAreIsolated(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedOrder()
	f.assignment.panics = true
	f.invoices.sendErr = errors.New("smtp relay down")

	result, err := f.orchestrator.Settle(context.Background(), capturedWebhook(order))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, result.Outcome)

	// Payment and ledger are committed despite both collaborators failing.
	final, _ := f.orders.GetOrderByID(context.Background(), order.ID)
	assert.Equal(t, models.PaymentStatusPaid, final.PaymentStatus)
	assert.Len(t, f.ledgerStore.entriesFor(order.ID, models.LedgerTypeUsed), 1)

	// The cart step still ran, and the invoice went to the retry queue.
	assert.Equal(t, models.CartStatusCompleted, f.carts.status(3))
	require.Len(t, f.queue.items, 1)
	assert.Equal(t, order.ID, f.queue.items[0].OrderID)
}

func TestRefundReversesLedger(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedOrder()
	f.gw.refundID = "rfnd_1"
	ctx := context.Background()

	_, err := f.orchestrator.Settle(ctx, capturedWebhook(order))
	require.NoError(t, err)

	refunded, err := f.orchestrator.Refund(ctx, order.ID, order.PayableAmount())
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, refunded.PaymentStatus)

	// Used coins come back and the reward is clawed back, landing on the
	// pre-order balance.
	balance, _ := f.ledgerStore.GetUserCoins(ctx, 7)
	assert.Equal(t, int64(100), balance)

	refundEntries := f.ledgerStore.entriesFor(order.ID, models.LedgerTypeRefunded)
	require.Len(t, refundEntries, 1)
	assert.Equal(t, int64(100), refundEntries[0].Amount)

	adjusted := f.ledgerStore.entriesFor(order.ID, models.LedgerTypeAdjusted)
	require.Len(t, adjusted, 1)
	assert.Equal(t, int64(-5), adjusted[0].Amount)

	// Originals are flipped, not deleted.
	used := f.ledgerStore.entriesFor(order.ID, models.LedgerTypeUsed)
	require.Len(t, used, 1)
	assert.Equal(t, models.LedgerStatusReversed, used[0].Status)

	assert.Len(t, f.notifier.ofType(models.EventTypeOrderRefunded), 1)
}

func TestRefundAbortsOnGatewayRefusal(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedOrder()
	f.gw.refundErr = errors.New("refund window closed")
	ctx := context.Background()

	_, err := f.orchestrator.Settle(ctx, capturedWebhook(order))
	require.NoError(t, err)

	_, err = f.orchestrator.Refund(ctx, order.ID, order.PayableAmount())
	require.Error(t, err)

	// The order returned to paid and the ledger is untouched.
	final, _ := f.orders.GetOrderByID(ctx, order.ID)
	assert.Equal(t, models.PaymentStatusPaid, final.PaymentStatus)
	assert.Empty(t, f.ledgerStore.entriesFor(order.ID, models.LedgerTypeRefunded))
}
