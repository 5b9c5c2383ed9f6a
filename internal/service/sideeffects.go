package service

import (
	"context"
	"fmt"

	"settlement-service/internal/models"
	"settlement-service/internal/redisclient"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// Fulfillment runs the post-settlement side effects: staff assignment, cart
// completion and invoicing. Each step is best-effort and independently
// failable; a failure is captured and logged and never rolls back the
// committed payment transition.
type Fulfillment struct {
	assignment AssignmentService
	invoices   InvoiceService
	carts      CartStore
	users      UserStore
	queue      DeferredInvoiceQueue
	logger     *zap.Logger
}

// NewFulfillment creates the side-effect runner.
func NewFulfillment(
	assignment AssignmentService,
	invoices InvoiceService,
	carts CartStore,
	users UserStore,
	queue DeferredInvoiceQueue,
) *Fulfillment {
	return &Fulfillment{
		assignment: assignment,
		invoices:   invoices,
		carts:      carts,
		users:      users,
		queue:      queue,
		logger:     util.GetLogger(),
	}
}

type sideEffect struct {
	name string
	run  func(ctx context.Context) error
}

// RunPostSettlement executes the fan-out for a freshly settled order. The
// returned errors are for the caller's log line only.
func (f *Fulfillment) RunPostSettlement(ctx context.Context, order *models.Order) []error {
	effects := []sideEffect{
		{name: "assignment", run: func(ctx context.Context) error {
			return f.assignment.AssignOrder(ctx, order.ID)
		}},
		{name: "cart", run: func(ctx context.Context) error {
			return f.completeCart(ctx, order)
		}},
		{name: "invoice", run: func(ctx context.Context) error {
			return f.deliverInvoice(ctx, order)
		}},
	}

	var failures []error
	for _, effect := range effects {
		if err := f.runIsolated(ctx, effect); err != nil {
			util.SideEffectFailuresTotal.WithLabelValues(effect.name).Inc()
			f.logger.Error("Settlement side effect failed",
				zap.String("step", effect.name),
				zap.Int64("order_id", order.ID),
				zap.Error(err))
			failures = append(failures, fmt.Errorf("%s: %w", effect.name, err))
		}
	}
	return failures
}

// runIsolated shields the fan-out from a panicking collaborator.
func (f *Fulfillment) runIsolated(ctx context.Context, effect sideEffect) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", effect.name, r)
		}
	}()
	return effect.run(ctx)
}

func (f *Fulfillment) completeCart(ctx context.Context, order *models.Order) error {
	if order.CartID == nil {
		return nil
	}
	won, err := f.carts.CompleteCart(ctx, *order.CartID)
	if err != nil {
		return err
	}
	if !won {
		f.logger.Warn("Cart not in checkout at completion",
			zap.Int64("cart_id", *order.CartID),
			zap.Int64("order_id", order.ID))
	}
	return nil
}

func (f *Fulfillment) deliverInvoice(ctx context.Context, order *models.Order) error {
	user, err := f.users.GetUserByID(ctx, order.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve recipient: %w", err)
	}

	invoice, err := f.invoices.Generate(ctx, order, user.Email)
	if err != nil {
		return fmt.Errorf("failed to generate invoice: %w", err)
	}

	if err := f.invoices.Send(ctx, invoice); err != nil {
		// Delivery failures never block the settlement response; the
		// retry worker drains the queue.
		if qerr := f.queue.EnqueueInvoice(ctx, redisclient.DeferredInvoice{OrderID: order.ID}); qerr != nil {
			return fmt.Errorf("send failed (%v) and enqueue failed: %w", err, qerr)
		}
		util.InvoicesDeferredTotal.Inc()
		f.logger.Warn("Invoice delivery deferred",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
	return nil
}

// RestoreCart returns the originating cart to active after a failed
// payment. Only a cart still in checkout is touched.
func (f *Fulfillment) RestoreCart(ctx context.Context, order *models.Order) {
	if order.CartID == nil {
		return
	}
	if _, err := f.carts.RestoreCart(ctx, *order.CartID); err != nil {
		util.SideEffectFailuresTotal.WithLabelValues("cart_restore").Inc()
		f.logger.Error("Failed to restore cart",
			zap.Int64("cart_id", *order.CartID),
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

// RetryInvoice re-attempts one deferred invoice delivery. Unlike the
// settlement path it does not re-enqueue; the retry worker owns the attempt
// budget.
func (f *Fulfillment) RetryInvoice(ctx context.Context, order *models.Order) error {
	user, err := f.users.GetUserByID(ctx, order.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve recipient: %w", err)
	}
	invoice, err := f.invoices.Generate(ctx, order, user.Email)
	if err != nil {
		return fmt.Errorf("failed to generate invoice: %w", err)
	}
	return f.invoices.Send(ctx, invoice)
}
