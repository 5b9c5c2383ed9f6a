package service

import (
	"context"
	"fmt"

	"settlement-service/internal/gateway"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CheckoutParams is a checkout request after HTTP binding.
type CheckoutParams struct {
	UserID         int64
	CartID         int64
	TableID        *int64
	CoinsUsed      int64
	IdempotencyKey string
}

// CheckoutService converts an active cart into a pending order with a
// registered gateway charge. Coin amounts and the reward are fixed here;
// settlement applies them verbatim whenever the payment lands.
type CheckoutService struct {
	orders       OrderStore
	carts        CartStore
	ledger       LedgerStore
	gateway      gateway.Client
	orchestrator *Orchestrator
	currency     string
	rewardRate   int
	logger       *zap.Logger
}

// NewCheckoutService creates the checkout service. The orchestrator settles
// fully coin-covered orders inline, since no gateway event exists for them.
func NewCheckoutService(orders OrderStore, carts CartStore, ledger LedgerStore, gw gateway.Client, orchestrator *Orchestrator, currency string, rewardRatePercent int) *CheckoutService {
	return &CheckoutService{
		orders:       orders,
		carts:        carts,
		ledger:       ledger,
		gateway:      gw,
		orchestrator: orchestrator,
		currency:     currency,
		rewardRate:   rewardRatePercent,
		logger:       util.GetLogger(),
	}
}

// Checkout creates the pending order for a cart. A replayed request with the
// same idempotency key returns the original order without a second charge.
func (c *CheckoutService) Checkout(ctx context.Context, params CheckoutParams) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout")
	defer span.End()

	if params.IdempotencyKey != "" {
		existing, err := c.orders.GetOrderByIdempotencyKey(ctx, params.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			c.logger.Info("Checkout replay, returning existing order",
				zap.Int64("order_id", existing.ID),
				zap.String("idempotency_key", params.IdempotencyKey))
			// A zero-payable order whose inline settlement failed last time
			// has no other channel to settle it; the replay retries.
			if existing.GatewayOrderID == "" && existing.PayableAmount() == 0 &&
				existing.PaymentStatus == models.PaymentStatusPending {
				return c.settleInline(ctx, existing)
			}
			return existing, nil
		}
	}

	cart, err := c.carts.GetCartByID(ctx, params.CartID)
	if err != nil {
		return nil, err
	}
	if cart.UserID != params.UserID {
		return nil, fmt.Errorf("cart %d does not belong to user %d", params.CartID, params.UserID)
	}
	if cart.Status != models.CartStatusActive {
		return nil, fmt.Errorf("cart %d is not active (status %q)", params.CartID, cart.Status)
	}
	if cart.TotalPrice <= 0 {
		return nil, fmt.Errorf("cart %d is empty", params.CartID)
	}

	if params.CoinsUsed < 0 {
		return nil, fmt.Errorf("negative coins_used")
	}
	if params.CoinsUsed > 0 {
		balance, err := c.ledger.GetUserCoins(ctx, params.UserID)
		if err != nil {
			return nil, err
		}
		if params.CoinsUsed > balance {
			return nil, fmt.Errorf("insufficient coins: want %d, have %d: %w",
				params.CoinsUsed, balance, models.ErrInsufficientBalance)
		}
	}

	// 1 coin == 1 currency unit of discount. The spend is clamped to the
	// cart total so settlement never debits more than the discount given.
	coinsUsed := params.CoinsUsed
	if coinsUsed > cart.TotalPrice {
		coinsUsed = cart.TotalPrice
	}
	coinDiscount := coinsUsed
	payable := cart.TotalPrice - coinDiscount
	rewardCoins := payable * int64(c.rewardRate) / 100

	transactionID := uuid.New().String()
	gatewayOrderID := ""
	if payable > 0 {
		gatewayOrderID, err = c.gateway.CreateOrder(ctx, gateway.CreateOrderParams{
			Amount:   payable,
			Currency: c.currency,
			Receipt:  transactionID,
			Notes:    map[string]string{"cart_id": fmt.Sprintf("%d", cart.ID)},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register charge with gateway: %w", err)
		}
	}

	cartID := cart.ID
	order := &models.Order{
		UserID:         params.UserID,
		HotelID:        cart.HotelID,
		BranchID:       cart.BranchID,
		TableID:        params.TableID,
		CartID:         &cartID,
		OrderStatus:    models.OrderStatusPending,
		PaymentStatus:  models.PaymentStatusPending,
		TransactionID:  transactionID,
		GatewayOrderID: gatewayOrderID,
		TotalPrice:     cart.TotalPrice,
		CoinsUsed:      coinsUsed,
		CoinDiscount:   coinDiscount,
		RewardCoins:    rewardCoins,
		IdempotencyKey: params.IdempotencyKey,
	}
	if err := c.orders.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	won, err := c.carts.MarkCartCheckout(ctx, cart.ID, order.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		// Another checkout converted the cart between our read and write.
		return nil, fmt.Errorf("cart %d was checked out concurrently", cart.ID)
	}

	c.logger.Info("Checkout created order",
		zap.Int64("order_id", order.ID),
		zap.Int64("cart_id", cart.ID),
		zap.Int64("payable", payable),
		zap.Int64("coins_used", coinsUsed),
		zap.Int64("reward_coins", rewardCoins))

	// Nothing left to charge: there is no gateway order, so no webhook,
	// redirect or poll will ever settle this. Settle it now.
	if payable == 0 {
		return c.settleInline(ctx, order)
	}
	return order, nil
}

func (c *CheckoutService) settleInline(ctx context.Context, order *models.Order) (*models.Order, error) {
	result, err := c.orchestrator.SettleZeroPayable(ctx, order)
	if err != nil {
		// The order exists; a replay with the same idempotency key retries
		// the settlement.
		c.logger.Error("Inline settlement of coin-covered order failed",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		return nil, fmt.Errorf("order %d created but not settled: %w", order.ID, err)
	}
	return result.Order, nil
}
