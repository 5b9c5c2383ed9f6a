package models

// PaymentEvent kinds: the channel a gateway notification arrived on.
const (
	EventKindWebhook          = "webhook"
	EventKindRedirectCallback = "redirect_callback"
	EventKindStatusPoll       = "status_poll"
	// EventKindCheckout marks a settlement driven directly by checkout: an
	// order fully covered by coins has no gateway charge to wait on.
	EventKindCheckout = "checkout"
)

// Gateway-native payment statuses as they appear in notifications and
// status-query attempts.
const (
	GatewayStatusCreated    = "created"
	GatewayStatusAuthorized = "authorized"
	GatewayStatusCaptured   = "captured"
	GatewayStatusFailed     = "failed"
	GatewayStatusRefunded   = "refunded"
)

// PaymentEvent is the canonical shape every gateway notification is
// normalized into before it reaches the settlement orchestrator. Webhook,
// redirect and poll channels all produce the same shape so the orchestrator
// has a single idempotency boundary.
type PaymentEvent struct {
	Kind              string `json:"kind"`
	OrderRef          string `json:"order_ref,omitempty"` // internal transaction id, when the payload carried one
	GatewayOrderID    string `json:"gateway_order_id,omitempty"`
	GatewayPaymentID  string `json:"gateway_payment_id,omitempty"`
	RawStatus         string `json:"raw_status,omitempty"` // gateway-native status, "" when the event carries none
	SignatureVerified bool   `json:"signature_verified"`
}

// RelayedNotification is a raw gateway webhook forwarded onto the broker by
// an edge service: the untouched body plus its signature header, so the
// relay consumer runs the exact same verification as HTTP intake.
type RelayedNotification struct {
	Signature string `json:"signature"`
	Body      []byte `json:"body"`
}

// Notification event types published to the bus after settlement.
const (
	EventTypeOrderSettled  = "ORDER_SETTLED"
	EventTypePaymentFailed = "PAYMENT_FAILED"
	EventTypeOrderRefunded = "ORDER_REFUNDED"
	EventTypeCoinsExpired  = "COINS_EXPIRED"
)

// OrderSettledPayload is emitted once per order, after the paid transition
// committed.
type OrderSettledPayload struct {
	OrderID          int64  `json:"order_id"`
	UserID           int64  `json:"user_id"`
	HotelID          int64  `json:"hotel_id"`
	Amount           int64  `json:"amount"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	RewardCoins      int64  `json:"reward_coins"`
}

// PaymentFailedPayload is emitted when a payment is classified failed.
type PaymentFailedPayload struct {
	OrderID int64  `json:"order_id"`
	UserID  int64  `json:"user_id"`
	Reason  string `json:"reason"`
}

// OrderRefundedPayload is emitted after a refund completes.
type OrderRefundedPayload struct {
	OrderID  int64  `json:"order_id"`
	UserID   int64  `json:"user_id"`
	Amount   int64  `json:"amount"`
	RefundID string `json:"refund_id"`
}

// CoinsExpiredPayload is emitted by the expiry sweep, one per swept entry.
type CoinsExpiredPayload struct {
	UserID  int64  `json:"user_id"`
	EntryID string `json:"entry_id"`
	Amount  int64  `json:"amount"`
}
