package store

import (
	"context"
	"database/sql"
	"fmt"

	"settlement-service/internal/models"
)

// GetCartByID retrieves a cart by ID
func (s *Store) GetCartByID(ctx context.Context, id int64) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.GetContext(ctx, &cart, "SELECT * FROM carts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cart not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// MarkCartCheckout moves an active cart to checkout and records the order it
// converted into. Guarded on the active status so a cart cannot be checked
// out twice.
func (s *Store) MarkCartCheckout(ctx context.Context, cartID, orderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET status = $1, checkout_order_id = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		models.CartStatusCheckout, orderID, cartID, models.CartStatusActive)
	if err != nil {
		return false, fmt.Errorf("failed to mark cart %d checkout: %w", cartID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteCart moves a checkout cart to completed after settlement.
func (s *Store) CompleteCart(ctx context.Context, cartID int64) (bool, error) {
	return s.transitionCart(ctx, cartID, models.CartStatusCheckout, models.CartStatusCompleted)
}

// RestoreCart returns a checkout cart to active when the payment failed. A
// cart the user already re-activated is left alone.
func (s *Store) RestoreCart(ctx context.Context, cartID int64) (bool, error) {
	return s.transitionCart(ctx, cartID, models.CartStatusCheckout, models.CartStatusActive)
}

func (s *Store) transitionCart(ctx context.Context, cartID int64, fromStatus, toStatus string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		toStatus, cartID, fromStatus)
	if err != nil {
		return false, fmt.Errorf("failed to transition cart %d %s->%s: %w", cartID, fromStatus, toStatus, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
