package store

import (
	"context"
	"database/sql"
	"fmt"

	"settlement-service/internal/models"
)

// CreateOrder inserts a new order at checkout (pending/pending)
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (
			user_id, hotel_id, branch_id, table_id, cart_id,
			order_status, payment_status, transaction_id, gateway_order_id,
			total_price, coins_used, coin_discount, reward_coins, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, order, query,
		order.UserID, order.HotelID, order.BranchID, order.TableID, order.CartID,
		order.OrderStatus, order.PaymentStatus, order.TransactionID, order.GatewayOrderID,
		order.TotalPrice, order.CoinsUsed, order.CoinDiscount, order.RewardCoins, order.IdempotencyKey)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByTransactionID retrieves an order by its internal transaction id
func (s *Store) GetOrderByTransactionID(ctx context.Context, txnID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE transaction_id = $1", txnID)
	if err == sql.ErrNoRows {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByGatewayOrderID retrieves an order by the gateway-assigned order id
func (s *Store) GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE gateway_order_id = $1", gatewayOrderID)
	if err == sql.ErrNoRows {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by checkout idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// TransitionOrderPaid moves payment_status to paid and lifts a pending
// order to confirmed, as one conditional write. The WHERE clause on the
// current payment_status is the optimistic concurrency check: of two
// concurrent settlement attempts exactly one affects a row. A failed order
// is also eligible, so a captured payment discovered later recovers an
// order the poller marked failed.
func (s *Store) TransitionOrderPaid(ctx context.Context, orderID int64, gatewayPaymentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $1,
		    order_status = CASE WHEN order_status = $2 THEN $3 ELSE order_status END,
		    gateway_payment_id = $4,
		    updated_at = NOW()
		WHERE id = $5 AND payment_status IN ($6, $7)`,
		models.PaymentStatusPaid, models.OrderStatusPending, models.OrderStatusConfirmed,
		gatewayPaymentID, orderID, models.PaymentStatusPending, models.PaymentStatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to transition order %d to paid: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TransitionPaymentStatus performs a guarded payment-status move; it only
// affects a row when the order is currently in fromStatus.
func (s *Store) TransitionPaymentStatus(ctx context.Context, orderID int64, fromStatus, toStatus string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1, updated_at = NOW()
		WHERE id = $2 AND payment_status = $3`,
		toStatus, orderID, fromStatus)
	if err != nil {
		return false, fmt.Errorf("failed to transition order %d payment %s->%s: %w", orderID, fromStatus, toStatus, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelOrder moves a not-yet-paid order to cancelled on both axes. Guarded
// on payment_status so a cancellation racing a settlement loses cleanly.
func (s *Store) CancelOrder(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET order_status = $1, payment_status = $2, updated_at = NOW()
		WHERE id = $3 AND payment_status = $4`,
		models.OrderStatusCancelled, models.PaymentStatusCancelled,
		orderID, models.PaymentStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateOrderStatus updates the fulfillment status with a guard on the
// current status.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, fromStatus, toStatus string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET order_status = $1, updated_at = NOW()
		WHERE id = $2 AND order_status = $3`,
		toStatus, orderID, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}
