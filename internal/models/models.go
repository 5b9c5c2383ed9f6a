package models

import "time"

// User represents an account holder. Coins is a cached balance equal to the
// sum of all completed ledger entries; it is only ever mutated by the ledger
// append path.
type User struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	Coins     int64     `db:"coins" json:"coins"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Order represents a customer order with its payment sub-state flattened
// into columns. Orders are never deleted, only moved to a terminal status.
type Order struct {
	ID               int64     `db:"id" json:"id"`
	UserID           int64     `db:"user_id" json:"user_id"`
	HotelID          int64     `db:"hotel_id" json:"hotel_id"`
	BranchID         *int64    `db:"branch_id" json:"branch_id,omitempty"`
	TableID          *int64    `db:"table_id" json:"table_id,omitempty"`
	CartID           *int64    `db:"cart_id" json:"cart_id,omitempty"`
	OrderStatus      string    `db:"order_status" json:"order_status"`
	PaymentStatus    string    `db:"payment_status" json:"payment_status"`
	TransactionID    string    `db:"transaction_id" json:"transaction_id"`
	GatewayOrderID   string    `db:"gateway_order_id" json:"gateway_order_id,omitempty"`
	GatewayPaymentID string    `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	TotalPrice       int64     `db:"total_price" json:"total_price"`
	CoinsUsed        int64     `db:"coins_used" json:"coins_used"`
	CoinDiscount     int64     `db:"coin_discount" json:"coin_discount"`
	RewardCoins      int64     `db:"reward_coins" json:"reward_coins"`
	IdempotencyKey   string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// PayableAmount is what the gateway is asked to charge: the order total
// minus the coin discount fixed at checkout.
func (o *Order) PayableAmount() int64 {
	amount := o.TotalPrice - o.CoinDiscount
	if amount < 0 {
		return 0
	}
	return amount
}

// CoinLedgerEntry is one immutable record of a coin balance change.
// Reversals and expiries never mutate history: they append an offsetting
// entry and flip the original's status.
type CoinLedgerEntry struct {
	ID           string     `db:"id" json:"id"`
	UserID       int64      `db:"user_id" json:"user_id"`
	OrderID      *int64     `db:"order_id" json:"order_id,omitempty"`
	Type         string     `db:"type" json:"type"`
	Amount       int64      `db:"amount" json:"amount"`
	BalanceAfter int64      `db:"balance_after" json:"balance_after"`
	Status       string     `db:"status" json:"status"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	Note         string     `db:"note" json:"note,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Cart is the originating cart of a checkout. At most one active cart per
// (user, hotel, branch).
type Cart struct {
	ID              int64     `db:"id" json:"id"`
	UserID          int64     `db:"user_id" json:"user_id"`
	HotelID         int64     `db:"hotel_id" json:"hotel_id"`
	BranchID        *int64    `db:"branch_id" json:"branch_id,omitempty"`
	Status          string    `db:"status" json:"status"`
	CheckoutOrderID *int64    `db:"checkout_order_id" json:"checkout_order_id,omitempty"`
	TotalPrice      int64     `db:"total_price" json:"total_price"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Invoice is the settlement invoice handed to the delivery collaborator.
type Invoice struct {
	Number        string    `json:"number"`
	OrderID       int64     `json:"order_id"`
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	CoinDiscount  int64     `json:"coin_discount"`
	Recipient     string    `json:"recipient"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Order statuses (fulfillment lifecycle)
const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusPreparing = "preparing"
	OrderStatusReady     = "ready"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// Payment statuses, independent of order status but constrained: paid
// implies the order is at least confirmed.
const (
	PaymentStatusPending       = "pending"
	PaymentStatusPaid          = "paid"
	PaymentStatusFailed        = "failed"
	PaymentStatusRefundPending = "refund_pending"
	PaymentStatusRefunded      = "refunded"
	PaymentStatusCancelled     = "cancelled"
)

// Cart statuses
const (
	CartStatusActive    = "active"
	CartStatusCheckout  = "checkout"
	CartStatusAbandoned = "abandoned"
	CartStatusConverted = "converted"
	CartStatusCompleted = "completed"
)

// Ledger entry types. earned/refunded carry non-negative amounts,
// used/expired non-positive, adjusted either sign.
const (
	LedgerTypeEarned   = "earned"
	LedgerTypeUsed     = "used"
	LedgerTypeRefunded = "refunded"
	LedgerTypeExpired  = "expired"
	LedgerTypeAdjusted = "adjusted"
)

// Ledger entry statuses
const (
	LedgerStatusPending   = "pending"
	LedgerStatusCompleted = "completed"
	LedgerStatusFailed    = "failed"
	LedgerStatusReversed  = "reversed"
	LedgerStatusExpired   = "expired"
)

// TerminalPaymentStatus reports whether no settlement-driven transition is
// permitted from the given payment status.
func TerminalPaymentStatus(status string) bool {
	switch status {
	case PaymentStatusRefunded, PaymentStatusCancelled:
		return true
	}
	return false
}
