package service

import (
	"context"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/redisclient"
)

// OrderStore is the order persistence the settlement pipeline needs. The
// guarded transition methods report via their bool whether the conditional
// write won; that rows-affected check is the pipeline's ordering guarantee.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByTransactionID(ctx context.Context, txnID string) (*models.Order, error)
	GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	TransitionOrderPaid(ctx context.Context, orderID int64, gatewayPaymentID string) (bool, error)
	TransitionPaymentStatus(ctx context.Context, orderID int64, fromStatus, toStatus string) (bool, error)
	CancelOrder(ctx context.Context, orderID int64) (bool, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, fromStatus, toStatus string) (bool, error)
}

// LedgerStore is the append-only coin ledger persistence.
type LedgerStore interface {
	GetCompletedLedgerEntry(ctx context.Context, orderID int64, entryType string) (*models.CoinLedgerEntry, error)
	AppendLedgerEntry(ctx context.Context, entry *models.CoinLedgerEntry) error
	FlipLedgerEntryStatus(ctx context.Context, entryID, fromStatus, toStatus string) (bool, error)
	ListExpiredEarnedEntries(ctx context.Context, now time.Time, limit int) ([]models.CoinLedgerEntry, error)
	GetUserCoins(ctx context.Context, userID int64) (int64, error)
}

// CartStore is the cart persistence side of settlement.
type CartStore interface {
	GetCartByID(ctx context.Context, id int64) (*models.Cart, error)
	MarkCartCheckout(ctx context.Context, cartID, orderID int64) (bool, error)
	CompleteCart(ctx context.Context, cartID int64) (bool, error)
	RestoreCart(ctx context.Context, cartID int64) (bool, error)
}

// UserStore resolves invoice recipients.
type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// AssignmentService triggers staff assignment for a settled order.
// Best-effort: a failure leaves the order assignable manually later.
type AssignmentService interface {
	AssignOrder(ctx context.Context, orderID int64) error
}

// InvoiceService generates and delivers settlement invoices.
type InvoiceService interface {
	Generate(ctx context.Context, order *models.Order, recipient string) (*models.Invoice, error)
	Send(ctx context.Context, invoice *models.Invoice) error
}

// Notifier emits fire-and-forget settlement notifications.
type Notifier interface {
	Emit(ctx context.Context, eventType string, orderKey int64, payload interface{})
}

// DeferredInvoiceQueue holds invoices whose delivery failed for later retry.
type DeferredInvoiceQueue interface {
	EnqueueInvoice(ctx context.Context, item redisclient.DeferredInvoice) error
}
