// Package gateway abstracts the payment provider behind a single Client
// interface and normalizes its notifications into canonical PaymentEvents.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Attempt is one payment attempt the gateway reports for an order.
type Attempt struct {
	PaymentID string    `json:"id"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"`
	Method    string    `json:"method"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateOrderParams carries the charge request made at checkout.
type CreateOrderParams struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// Client is the provider-agnostic gateway capability. Each provider is one
// adapter; the settlement pipeline never sees provider-specific shapes.
type Client interface {
	// CreateOrder registers a charge with the gateway and returns the
	// gateway-assigned order id.
	CreateOrder(ctx context.Context, params CreateOrderParams) (string, error)

	// FetchStatus returns the attempt list for a gateway order, newest last.
	FetchStatus(ctx context.Context, gatewayOrderID string) ([]Attempt, error)

	// Refund refunds a captured payment and returns the refund id.
	Refund(ctx context.Context, gatewayPaymentID string, amount int64) (string, error)

	// VerifyRedirectSignature checks the signature a browser redirect carries
	// over the (gateway order id, gateway payment id) pair.
	VerifyRedirectSignature(gatewayOrderID, gatewayPaymentID, signature string) bool

	// VerifyWebhookSignature checks the signature header against the raw
	// webhook body.
	VerifyWebhookSignature(body []byte, signature string) bool
}

// signHMAC computes the hex HMAC-SHA256 of msg under secret.
func signHMAC(secret, msg string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// equalSignature compares signatures in constant time.
func equalSignature(want, got string) bool {
	return hmac.Equal([]byte(want), []byte(got))
}
