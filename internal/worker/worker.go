// Package worker holds the background loops: the broker relay consumer, the
// deferred invoice retry drain and the coin expiry sweep.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"settlement-service/internal/broker"
	"settlement-service/internal/gateway"
	"settlement-service/internal/models"
	"settlement-service/internal/redisclient"
	"settlement-service/internal/service"
	"settlement-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// RelayWorker consumes gateway webhooks forwarded onto the broker by an edge
// service and runs them through the same verification and settlement path as
// direct HTTP intake.
type RelayWorker struct {
	consumer     *broker.Consumer
	normalizer   *gateway.Normalizer
	orchestrator *service.Orchestrator
	logger       *zap.Logger
}

// NewRelayWorker creates the relay consumer worker.
func NewRelayWorker(consumer *broker.Consumer, normalizer *gateway.Normalizer, orchestrator *service.Orchestrator) *RelayWorker {
	return &RelayWorker{
		consumer:     consumer,
		normalizer:   normalizer,
		orchestrator: orchestrator,
		logger:       util.GetLogger(),
	}
}

// Run consumes until the context is cancelled.
func (w *RelayWorker) Run(ctx context.Context) error {
	return w.consumer.StartConsuming(ctx, w.handle)
}

func (w *RelayWorker) handle(ctx context.Context, msg kafka.Message) error {
	var relayed models.RelayedNotification
	if err := json.Unmarshal(msg.Value, &relayed); err != nil {
		// Unparseable relay messages are poison; committing them is the only
		// way forward.
		w.logger.Error("Dropping malformed relay message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	event, err := w.normalizer.NormalizeWebhook(ctx, relayed.Body, relayed.Signature)
	if err != nil {
		if errors.Is(err, models.ErrSignatureInvalid) || errors.Is(err, models.ErrMalformedEvent) {
			// Rejection is final; redelivery would reject again.
			w.logger.Warn("Dropping rejected relayed webhook",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}
		return err
	}

	result, err := w.orchestrator.Settle(ctx, event)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			w.logger.Warn("Relayed webhook references unknown order",
				zap.String("gateway_order_id", event.GatewayOrderID))
			return nil
		}
		// Transient (db down, gateway unresolved): skip the commit so the
		// broker redelivers.
		return err
	}

	w.logger.Info("Relayed webhook settled",
		zap.String("outcome", result.Outcome),
		zap.String("gateway_payment_id", event.GatewayPaymentID))
	return nil
}

// InvoiceRetryWorker drains the deferred invoice queue. It owns the attempt
// budget: a delivery that keeps failing is re-enqueued with an incremented
// counter until maxAttempts, then dropped with an error log.
type InvoiceRetryWorker struct {
	redis       *redisclient.Client
	orders      service.OrderStore
	fulfillment *service.Fulfillment
	maxAttempts int
	pollTimeout time.Duration
	logger      *zap.Logger
}

// NewInvoiceRetryWorker creates the invoice retry worker.
func NewInvoiceRetryWorker(redis *redisclient.Client, orders service.OrderStore, fulfillment *service.Fulfillment, maxAttempts int, pollTimeout time.Duration) *InvoiceRetryWorker {
	return &InvoiceRetryWorker{
		redis:       redis,
		orders:      orders,
		fulfillment: fulfillment,
		maxAttempts: maxAttempts,
		pollTimeout: pollTimeout,
		logger:      util.GetLogger(),
	}
}

// Run drains the queue until the context is cancelled.
func (w *InvoiceRetryWorker) Run(ctx context.Context) error {
	w.logger.Info("Invoice retry worker started",
		zap.Int("max_attempts", w.maxAttempts))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := w.redis.DequeueInvoice(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("Invoice queue read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if item == nil {
			continue
		}
		w.process(ctx, item)
	}
}

func (w *InvoiceRetryWorker) process(ctx context.Context, item *redisclient.DeferredInvoice) {
	order, err := w.orders.GetOrderByID(ctx, item.OrderID)
	if err != nil {
		w.logger.Error("Deferred invoice references unloadable order",
			zap.Int64("order_id", item.OrderID),
			zap.Error(err))
		w.requeue(ctx, item)
		return
	}

	if err := w.fulfillment.RetryInvoice(ctx, order); err != nil {
		w.logger.Warn("Invoice retry failed",
			zap.Int64("order_id", item.OrderID),
			zap.Int("attempts", item.Attempts),
			zap.Error(err))
		w.requeue(ctx, item)
		return
	}

	w.logger.Info("Deferred invoice delivered",
		zap.Int64("order_id", item.OrderID),
		zap.Int("attempts", item.Attempts))
}

func (w *InvoiceRetryWorker) requeue(ctx context.Context, item *redisclient.DeferredInvoice) {
	if item.Attempts+1 >= w.maxAttempts {
		w.logger.Error("Invoice delivery abandoned after max attempts",
			zap.Int64("order_id", item.OrderID),
			zap.Int("attempts", item.Attempts+1))
		return
	}
	next := redisclient.DeferredInvoice{OrderID: item.OrderID, Attempts: item.Attempts + 1}
	if err := w.redis.EnqueueInvoice(ctx, next); err != nil {
		w.logger.Error("Failed to re-enqueue deferred invoice",
			zap.Int64("order_id", item.OrderID),
			zap.Error(err))
	}
}

// ExpirySweepWorker runs the coin expiry sweep on a fixed interval.
type ExpirySweepWorker struct {
	ledger    *service.CoinLedger
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewExpirySweepWorker creates the expiry sweep worker.
func NewExpirySweepWorker(ledger *service.CoinLedger, interval time.Duration, batchSize int) *ExpirySweepWorker {
	return &ExpirySweepWorker{
		ledger:    ledger,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Run sweeps until the context is cancelled. Each tick sweeps repeatedly
// until a batch comes back short, so a backlog clears in one tick.
func (w *ExpirySweepWorker) Run(ctx context.Context) error {
	w.logger.Info("Expiry sweep worker started",
		zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpirySweepWorker) sweep(ctx context.Context) {
	for {
		swept, err := w.ledger.SweepExpired(ctx, time.Now(), w.batchSize)
		if err != nil {
			w.logger.Error("Expiry sweep failed", zap.Error(err))
			return
		}
		if swept < w.batchSize {
			return
		}
	}
}
