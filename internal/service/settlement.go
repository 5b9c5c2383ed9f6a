package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/gateway"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// Settlement outcomes.
const (
	OutcomeSettled        = "settled"
	OutcomeAlreadySettled = "already_settled"
	OutcomeRejected       = "rejected"
	OutcomeFailed         = "failed"
)

// SettlementResult is what a settlement attempt produced. Outcome is always
// set; Order is the final snapshot when one was loaded.
type SettlementResult struct {
	Outcome string        `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Order   *models.Order `json:"order,omitempty"`
}

// Orchestrator drives settlement: given a normalized payment event it
// resolves the order, transitions it, mutates the coin ledger and fans out
// the fulfillment side effects, isolating each side effect's failure. All
// three intake channels (webhook, redirect, poll) converge here, so the
// already-paid short-circuit is the single idempotency boundary.
type Orchestrator struct {
	orders         OrderStore
	ledger         *CoinLedger
	sm             *StateMachine
	gateway        gateway.Client
	fulfillment    *Fulfillment
	notifier       Notifier
	statusTimeout  time.Duration
	coinExpiryDays int
	logger         *zap.Logger
}

// NewOrchestrator creates the settlement orchestrator.
func NewOrchestrator(
	orders OrderStore,
	ledger *CoinLedger,
	sm *StateMachine,
	gw gateway.Client,
	fulfillment *Fulfillment,
	notifier Notifier,
	statusTimeout time.Duration,
	coinExpiryDays int,
) *Orchestrator {
	return &Orchestrator{
		orders:         orders,
		ledger:         ledger,
		sm:             sm,
		gateway:        gw,
		fulfillment:    fulfillment,
		notifier:       notifier,
		statusTimeout:  statusTimeout,
		coinExpiryDays: coinExpiryDays,
		logger:         util.GetLogger(),
	}
}

// Settle processes one normalized payment event. Gateways deliver
// at-least-once over multiple channels, so every step past the short-circuit
// must be safe to skip on replay.
func (o *Orchestrator) Settle(ctx context.Context, event *models.PaymentEvent) (*SettlementResult, error) {
	ctx, span := util.StartSpan(ctx, "SettlementOrchestrator.Settle")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SettlementDuration.Observe(time.Since(start).Seconds())
	}()

	order, err := o.resolveOrder(ctx, event)
	if err != nil {
		return nil, err
	}

	// Primary idempotency boundary: a retried notification for a settled
	// order does no further work.
	if order.PaymentStatus == models.PaymentStatusPaid {
		util.SettlementsTotal.WithLabelValues(OutcomeAlreadySettled).Inc()
		o.logger.Info("Order already settled",
			zap.Int64("order_id", order.ID),
			zap.String("event_kind", event.Kind))
		return &SettlementResult{Outcome: OutcomeAlreadySettled, Order: order}, nil
	}
	if models.TerminalPaymentStatus(order.PaymentStatus) {
		util.SettlementsTotal.WithLabelValues(OutcomeRejected).Inc()
		o.logger.Warn("Stale event for terminal order",
			zap.Int64("order_id", order.ID),
			zap.String("payment_status", order.PaymentStatus),
			zap.String("event_kind", event.Kind))
		return &SettlementResult{Outcome: OutcomeRejected, Reason: "order in terminal state", Order: order}, nil
	}

	status, gatewayPaymentID, err := o.resolveGatewayStatus(ctx, order, event)
	if err != nil {
		return nil, err
	}

	switch status {
	case models.GatewayStatusCaptured, models.GatewayStatusAuthorized:
		return o.settlePaid(ctx, order, event, gatewayPaymentID)

	case models.GatewayStatusFailed:
		return o.settleFailed(ctx, order, "gateway reported failure")

	case models.GatewayStatusRefunded:
		// A refund notification for an order we never saw paid. Nothing to
		// do locally that wouldn't invent money state; log and reject.
		util.SettlementsTotal.WithLabelValues(OutcomeRejected).Inc()
		o.logger.Warn("Refunded status for unsettled order",
			zap.Int64("order_id", order.ID))
		return &SettlementResult{Outcome: OutcomeRejected, Reason: "refunded before settlement", Order: order}, nil

	default:
		// created/pending: not terminal, a later poll or webhook decides.
		return nil, fmt.Errorf("order %d: %w: gateway status %q", order.ID, models.ErrStatusUnresolved, status)
	}
}

func (o *Orchestrator) settlePaid(ctx context.Context, order *models.Order, event *models.PaymentEvent, gatewayPaymentID string) (*SettlementResult, error) {
	outcome, err := o.sm.TransitionPaid(ctx, order, gatewayPaymentID)
	if errors.Is(err, models.ErrStaleEvent) {
		util.SettlementsTotal.WithLabelValues(OutcomeRejected).Inc()
		return &SettlementResult{Outcome: OutcomeRejected, Reason: "order in terminal state", Order: order}, nil
	}
	if err != nil {
		return nil, err
	}
	if outcome == TransitionAlreadyPaid {
		util.SettlementsTotal.WithLabelValues(OutcomeAlreadySettled).Inc()
		return &SettlementResult{Outcome: OutcomeAlreadySettled, Order: order}, nil
	}

	// Payment state is durably committed from here on. Nothing below may
	// fail the settlement or roll the transition back.

	effects := EffectsForSettlement(order, o.coinExpiryDays)
	if err := o.ledger.Apply(ctx, order, effects); err != nil {
		o.logger.Error("Ledger mutation incomplete after settlement",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	if failures := o.fulfillment.RunPostSettlement(ctx, order); len(failures) > 0 {
		o.logger.Warn("Settlement side effects incomplete",
			zap.Int64("order_id", order.ID),
			zap.Int("failed_steps", len(failures)))
	}

	o.notifier.Emit(ctx, models.EventTypeOrderSettled, order.ID, models.OrderSettledPayload{
		OrderID:          order.ID,
		UserID:           order.UserID,
		HotelID:          order.HotelID,
		Amount:           order.PayableAmount(),
		GatewayPaymentID: gatewayPaymentID,
		RewardCoins:      order.RewardCoins,
	})

	util.SettlementsTotal.WithLabelValues(OutcomeSettled).Inc()
	o.logger.Info("Order settled",
		zap.Int64("order_id", order.ID),
		zap.String("gateway_payment_id", gatewayPaymentID),
		zap.String("event_kind", event.Kind))

	final, err := o.orders.GetOrderByID(ctx, order.ID)
	if err != nil {
		// The settlement committed; a failed snapshot read must not turn
		// the response into a retryable failure.
		o.logger.Warn("Failed to load final order snapshot", zap.Error(err))
		final = order
	}
	return &SettlementResult{Outcome: OutcomeSettled, Order: final}, nil
}

// SettleZeroPayable settles an order whose total is fully covered by coins.
// No gateway charge exists for such an order, so no webhook, redirect or
// poll will ever arrive; checkout drives this path directly. It commits
// through the same paid transition and fan-out as gateway-driven settlement,
// so replays collapse on the same idempotency boundary.
func (o *Orchestrator) SettleZeroPayable(ctx context.Context, order *models.Order) (*SettlementResult, error) {
	ctx, span := util.StartSpan(ctx, "SettlementOrchestrator.SettleZeroPayable")
	defer span.End()

	if order.PayableAmount() != 0 {
		return nil, fmt.Errorf("order %d has %d payable, gateway settlement required",
			order.ID, order.PayableAmount())
	}

	if order.PaymentStatus == models.PaymentStatusPaid {
		util.SettlementsTotal.WithLabelValues(OutcomeAlreadySettled).Inc()
		return &SettlementResult{Outcome: OutcomeAlreadySettled, Order: order}, nil
	}
	if models.TerminalPaymentStatus(order.PaymentStatus) {
		util.SettlementsTotal.WithLabelValues(OutcomeRejected).Inc()
		return &SettlementResult{Outcome: OutcomeRejected, Reason: "order in terminal state", Order: order}, nil
	}

	event := &models.PaymentEvent{Kind: models.EventKindCheckout}
	return o.settlePaid(ctx, order, event, "")
}

func (o *Orchestrator) settleFailed(ctx context.Context, order *models.Order, reason string) (*SettlementResult, error) {
	won, err := o.sm.MarkPaymentFailed(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if won {
		o.fulfillment.RestoreCart(ctx, order)
		o.notifier.Emit(ctx, models.EventTypePaymentFailed, order.ID, models.PaymentFailedPayload{
			OrderID: order.ID,
			UserID:  order.UserID,
			Reason:  reason,
		})
	}
	util.SettlementsTotal.WithLabelValues(OutcomeFailed).Inc()
	return &SettlementResult{Outcome: OutcomeFailed, Reason: reason, Order: order}, nil
}

func (o *Orchestrator) resolveOrder(ctx context.Context, event *models.PaymentEvent) (*models.Order, error) {
	if event.OrderRef != "" {
		return o.orders.GetOrderByTransactionID(ctx, event.OrderRef)
	}
	if event.GatewayOrderID != "" {
		return o.orders.GetOrderByGatewayOrderID(ctx, event.GatewayOrderID)
	}
	return nil, models.ErrMalformedEvent
}

// resolveGatewayStatus decides the authoritative status for this payment.
// Only a signature-verified event may be trusted at face value; anything
// else (the internal-reference success callback in particular) is resolved
// with a bounded status query. A timeout leaves the order pending for a
// later poll or webhook.
func (o *Orchestrator) resolveGatewayStatus(ctx context.Context, order *models.Order, event *models.PaymentEvent) (string, string, error) {
	if event.SignatureVerified && event.GatewayPaymentID != "" && terminalGatewayStatus(event.RawStatus) {
		return event.RawStatus, event.GatewayPaymentID, nil
	}

	qctx, cancel := context.WithTimeout(ctx, o.statusTimeout)
	defer cancel()

	attempts, err := o.gateway.FetchStatus(qctx, order.GatewayOrderID)
	if err != nil {
		return "", "", fmt.Errorf("order %d: %w: %v", order.ID, models.ErrStatusUnresolved, err)
	}

	best := bestAttempt(attempts)
	if best == nil {
		return "", "", fmt.Errorf("order %d: %w: no attempts reported", order.ID, models.ErrStatusUnresolved)
	}
	return best.Status, best.PaymentID, nil
}

func terminalGatewayStatus(status string) bool {
	switch status {
	case models.GatewayStatusCaptured, models.GatewayStatusAuthorized,
		models.GatewayStatusFailed, models.GatewayStatusRefunded:
		return true
	}
	return false
}

// bestAttempt picks the attempt that decides the order: any captured or
// authorized attempt wins over failures, the most recent of equals wins.
func bestAttempt(attempts []gateway.Attempt) *gateway.Attempt {
	var best *gateway.Attempt
	for i := range attempts {
		attempt := &attempts[i]
		if best == nil {
			best = attempt
			continue
		}
		if attemptRank(attempt.Status) > attemptRank(best.Status) ||
			(attemptRank(attempt.Status) == attemptRank(best.Status) && attempt.CreatedAt.After(best.CreatedAt)) {
			best = attempt
		}
	}
	return best
}

func attemptRank(status string) int {
	switch status {
	case models.GatewayStatusCaptured:
		return 4
	case models.GatewayStatusAuthorized:
		return 3
	case models.GatewayStatusRefunded:
		return 2
	case models.GatewayStatusFailed:
		return 1
	default:
		return 0
	}
}

// Refund drives the refund flow for a paid order: paid -> refund_pending,
// the gateway call, refund_pending -> refunded, then the ledger reversal.
// The two guarded transitions make concurrent refund requests collapse to
// one.
func (o *Orchestrator) Refund(ctx context.Context, orderID, amount int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "SettlementOrchestrator.Refund")
	defer span.End()

	order, err := o.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus != models.PaymentStatusPaid {
		return nil, fmt.Errorf("order %d is not paid (status %q)", orderID, order.PaymentStatus)
	}
	if amount <= 0 || amount > order.PayableAmount() {
		return nil, fmt.Errorf("invalid refund amount %d for order %d", amount, orderID)
	}

	won, err := o.sm.BeginRefund(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("order %d refund already in progress", orderID)
	}

	qctx, cancel := context.WithTimeout(ctx, o.statusTimeout)
	defer cancel()
	refundID, err := o.gateway.Refund(qctx, order.GatewayPaymentID, amount)
	if err != nil {
		if _, aerr := o.sm.AbortRefund(ctx, orderID); aerr != nil {
			o.logger.Error("Failed to abort refund after gateway refusal",
				zap.Int64("order_id", orderID),
				zap.Error(aerr))
		}
		return nil, fmt.Errorf("gateway refund for order %d: %w", orderID, err)
	}

	if _, err := o.sm.FinishRefund(ctx, orderID); err != nil {
		return nil, err
	}

	if err := o.ledger.Reverse(ctx, order); err != nil {
		o.logger.Error("Ledger reversal incomplete after refund",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}

	o.notifier.Emit(ctx, models.EventTypeOrderRefunded, order.ID, models.OrderRefundedPayload{
		OrderID:  order.ID,
		UserID:   order.UserID,
		Amount:   amount,
		RefundID: refundID,
	})

	return o.orders.GetOrderByID(ctx, orderID)
}
