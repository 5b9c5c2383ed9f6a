package service

import (
	"context"
	"fmt"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// TransitionOutcome classifies the result of the paid transition.
type TransitionOutcome string

const (
	// TransitionApplied means this caller won the conditional write.
	TransitionApplied TransitionOutcome = "applied"
	// TransitionAlreadyPaid means the order was paid before this attempt;
	// a no-op that still counts as success so gateway retries stop.
	TransitionAlreadyPaid TransitionOutcome = "already_paid"
)

// StateMachine is the single gate every order and payment status change
// goes through. Settlement and cancellation both pass here, so a late
// payment success racing a cancellation is resolved by the guards instead
// of by luck.
type StateMachine struct {
	orders OrderStore
	logger *zap.Logger
}

// NewStateMachine creates the order state machine.
func NewStateMachine(orders OrderStore) *StateMachine {
	return &StateMachine{
		orders: orders,
		logger: util.GetLogger(),
	}
}

// fulfillment transitions staff may drive, each gated on the current status
var fulfillmentNext = map[string]string{
	models.OrderStatusConfirmed: models.OrderStatusPreparing,
	models.OrderStatusPreparing: models.OrderStatusReady,
	models.OrderStatusReady:     models.OrderStatusCompleted,
}

// TransitionPaid attempts pending|failed -> paid with the confirmed lift on
// the order side. When the conditional write loses, the current row decides:
// already paid is an idempotent success, a terminal status is a stale event.
func (sm *StateMachine) TransitionPaid(ctx context.Context, order *models.Order, gatewayPaymentID string) (TransitionOutcome, error) {
	won, err := sm.orders.TransitionOrderPaid(ctx, order.ID, gatewayPaymentID)
	if err != nil {
		return "", err
	}
	if won {
		sm.logger.Info("Payment transition applied",
			zap.Int64("order_id", order.ID),
			zap.String("gateway_payment_id", gatewayPaymentID))
		return TransitionApplied, nil
	}

	current, err := sm.orders.GetOrderByID(ctx, order.ID)
	if err != nil {
		return "", fmt.Errorf("failed to re-read order %d after lost transition: %w", order.ID, err)
	}

	switch current.PaymentStatus {
	case models.PaymentStatusPaid, models.PaymentStatusRefundPending:
		return TransitionAlreadyPaid, nil
	case models.PaymentStatusRefunded, models.PaymentStatusCancelled:
		return "", models.ErrStaleEvent
	default:
		return "", fmt.Errorf("order %d in unexpected payment status %q after lost transition",
			order.ID, current.PaymentStatus)
	}
}

// MarkPaymentFailed moves pending -> failed. Returns false without error
// when the order left pending in the meantime; the caller must not touch
// the cart or notify in that case.
func (sm *StateMachine) MarkPaymentFailed(ctx context.Context, orderID int64) (bool, error) {
	won, err := sm.orders.TransitionPaymentStatus(ctx, orderID,
		models.PaymentStatusPending, models.PaymentStatusFailed)
	if err != nil {
		return false, err
	}
	if won {
		sm.logger.Info("Payment marked failed", zap.Int64("order_id", orderID))
	}
	return won, nil
}

// Cancel moves a not-yet-paid order to cancelled on both axes. Driven by
// the user or staff, never by the settlement pipeline; once cancelled, a
// late paid event is rejected by the guard in TransitionPaid.
func (sm *StateMachine) Cancel(ctx context.Context, orderID int64) error {
	won, err := sm.orders.CancelOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("order %d cannot be cancelled in its current state", orderID)
	}
	sm.logger.Info("Order cancelled", zap.Int64("order_id", orderID))
	return nil
}

// BeginRefund moves paid -> refund_pending. Exactly one caller wins.
func (sm *StateMachine) BeginRefund(ctx context.Context, orderID int64) (bool, error) {
	return sm.orders.TransitionPaymentStatus(ctx, orderID,
		models.PaymentStatusPaid, models.PaymentStatusRefundPending)
}

// FinishRefund moves refund_pending -> refunded.
func (sm *StateMachine) FinishRefund(ctx context.Context, orderID int64) (bool, error) {
	return sm.orders.TransitionPaymentStatus(ctx, orderID,
		models.PaymentStatusRefundPending, models.PaymentStatusRefunded)
}

// AbortRefund returns refund_pending -> paid after a gateway refusal.
func (sm *StateMachine) AbortRefund(ctx context.Context, orderID int64) (bool, error) {
	return sm.orders.TransitionPaymentStatus(ctx, orderID,
		models.PaymentStatusRefundPending, models.PaymentStatusPaid)
}

// AdvanceFulfillment moves the order one step along the staff lifecycle
// (confirmed -> preparing -> ready -> completed).
func (sm *StateMachine) AdvanceFulfillment(ctx context.Context, orderID int64, fromStatus string) (string, error) {
	next, ok := fulfillmentNext[fromStatus]
	if !ok {
		return "", fmt.Errorf("no fulfillment transition from %q", fromStatus)
	}
	won, err := sm.orders.UpdateOrderStatus(ctx, orderID, fromStatus, next)
	if err != nil {
		return "", err
	}
	if !won {
		return "", fmt.Errorf("order %d left status %q before the transition", orderID, fromStatus)
	}
	return next, nil
}
