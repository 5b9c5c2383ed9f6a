package service

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/gateway"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// StatusPoller resolves orders whose webhook or redirect never arrived. A
// client "did my payment go through?" request lands here: the poller asks
// the gateway directly and feeds any success through the same settlement
// path the webhook would have taken.
type StatusPoller struct {
	orders       OrderStore
	gateway      gateway.Client
	orchestrator *Orchestrator
	fulfillment  *Fulfillment
	sm           *StateMachine
	notifier     Notifier
	timeout      time.Duration
	logger       *zap.Logger
}

// NewStatusPoller creates the reconciliation poller.
func NewStatusPoller(
	orders OrderStore,
	gw gateway.Client,
	orchestrator *Orchestrator,
	fulfillment *Fulfillment,
	sm *StateMachine,
	notifier Notifier,
	timeout time.Duration,
) *StatusPoller {
	return &StatusPoller{
		orders:       orders,
		gateway:      gw,
		orchestrator: orchestrator,
		fulfillment:  fulfillment,
		sm:           sm,
		notifier:     notifier,
		timeout:      timeout,
		logger:       util.GetLogger(),
	}
}

// Reconcile checks the gateway for an order's true payment state and settles
// or fails it accordingly. Safe to call any number of times for any order.
func (p *StatusPoller) Reconcile(ctx context.Context, orderID int64) (*SettlementResult, error) {
	ctx, span := util.StartSpan(ctx, "StatusPoller.Reconcile")
	defer span.End()

	order, err := p.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.PaymentStatus == models.PaymentStatusPaid {
		util.StatusPollsTotal.WithLabelValues(OutcomeAlreadySettled).Inc()
		return &SettlementResult{Outcome: OutcomeAlreadySettled, Order: order}, nil
	}
	if models.TerminalPaymentStatus(order.PaymentStatus) {
		util.StatusPollsTotal.WithLabelValues(OutcomeRejected).Inc()
		return &SettlementResult{Outcome: OutcomeRejected, Reason: "order in terminal state", Order: order}, nil
	}
	if order.GatewayOrderID == "" {
		return nil, fmt.Errorf("order %d has no gateway order to poll", orderID)
	}

	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	attempts, err := p.gateway.FetchStatus(qctx, order.GatewayOrderID)
	if err != nil {
		util.StatusPollsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("order %d: %w: %v", orderID, models.ErrStatusUnresolved, err)
	}

	best := bestAttempt(attempts)
	switch {
	case best == nil, best.Status == models.GatewayStatusFailed:
		won, err := p.sm.MarkPaymentFailed(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if won {
			p.fulfillment.RestoreCart(ctx, order)
			p.notifier.Emit(ctx, models.EventTypePaymentFailed, order.ID, models.PaymentFailedPayload{
				OrderID: order.ID,
				UserID:  order.UserID,
				Reason:  "no successful payment attempt found",
			})
			p.logger.Info("Poll marked payment failed", zap.Int64("order_id", orderID))
		}
		util.StatusPollsTotal.WithLabelValues(OutcomeFailed).Inc()
		return &SettlementResult{Outcome: OutcomeFailed, Reason: "no successful payment attempt found", Order: order}, nil

	case best.Status == models.GatewayStatusCaptured || best.Status == models.GatewayStatusAuthorized:
		// The attempt came off an authenticated status query, which is as
		// trustworthy as a verified webhook.
		event := &models.PaymentEvent{
			Kind:              models.EventKindStatusPoll,
			OrderRef:          order.TransactionID,
			GatewayOrderID:    order.GatewayOrderID,
			GatewayPaymentID:  best.PaymentID,
			RawStatus:         best.Status,
			SignatureVerified: true,
		}
		result, err := p.orchestrator.Settle(ctx, event)
		if err != nil {
			util.StatusPollsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		util.StatusPollsTotal.WithLabelValues(result.Outcome).Inc()
		return result, nil

	case best.Status == models.GatewayStatusRefunded:
		// Same classification the orchestrator gives a refunded status for
		// an unsettled order: nothing to settle, nothing to invent.
		util.StatusPollsTotal.WithLabelValues(OutcomeRejected).Inc()
		p.logger.Warn("Poll found refunded payment for unsettled order",
			zap.Int64("order_id", orderID))
		return &SettlementResult{Outcome: OutcomeRejected, Reason: "refunded before settlement", Order: order}, nil

	default:
		// created/pending attempt: the gateway has not decided yet either.
		util.StatusPollsTotal.WithLabelValues("pending").Inc()
		return nil, fmt.Errorf("order %d: %w: gateway attempt still %q",
			orderID, models.ErrStatusUnresolved, best.Status)
	}
}
