package gateway

import (
	"context"
	"encoding/json"
	"net/url"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// VerificationCache remembers which gateway payment ids already passed
// signature verification on the webhook channel, so a browser redirect for
// the same payment can skip re-verification.
type VerificationCache interface {
	MarkPaymentVerified(ctx context.Context, gatewayPaymentID string) error
	IsPaymentVerified(ctx context.Context, gatewayPaymentID string) (bool, error)
}

// Normalizer classifies raw gateway notifications into canonical
// PaymentEvents and verifies their signatures. Invalid signatures never
// reach the settlement path.
type Normalizer struct {
	client Client
	cache  VerificationCache
	logger *zap.Logger
}

// NewNormalizer creates a normalizer bound to one gateway adapter.
func NewNormalizer(client Client, cache VerificationCache) *Normalizer {
	return &Normalizer{
		client: client,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// webhookPayload is the provider-neutral webhook body shape: an event name
// and a nested payment entity.
type webhookPayload struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// NormalizeWebhook verifies the signature header against the raw body and
// produces a webhook PaymentEvent.
func (n *Normalizer) NormalizeWebhook(ctx context.Context, body []byte, signature string) (*models.PaymentEvent, error) {
	if signature == "" || !n.client.VerifyWebhookSignature(body, signature) {
		util.EventsRejectedTotal.WithLabelValues("signature_invalid").Inc()
		return nil, models.ErrSignatureInvalid
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		util.EventsRejectedTotal.WithLabelValues("malformed").Inc()
		return nil, models.ErrMalformedEvent
	}

	entity := payload.Payload.Payment.Entity
	if entity.ID == "" || entity.OrderID == "" {
		util.EventsRejectedTotal.WithLabelValues("malformed").Inc()
		return nil, models.ErrMalformedEvent
	}

	// Remember the verification so the redirect channel for the same
	// payment can be accepted without its own signature.
	if err := n.cache.MarkPaymentVerified(ctx, entity.ID); err != nil {
		n.logger.Warn("Failed to cache webhook verification",
			zap.String("gateway_payment_id", entity.ID),
			zap.Error(err))
	}

	return &models.PaymentEvent{
		Kind:              models.EventKindWebhook,
		GatewayOrderID:    entity.OrderID,
		GatewayPaymentID:  entity.ID,
		RawStatus:         entity.Status,
		SignatureVerified: true,
	}, nil
}

// NormalizeRedirect classifies a browser redirect callback. Two shapes are
// accepted: the gateway-native triple (order id, payment id, signature) and
// the custom success callback that carries only our internal transaction
// reference, for which the orchestrator resolves the true status itself.
func (n *Normalizer) NormalizeRedirect(ctx context.Context, params url.Values) (*models.PaymentEvent, error) {
	gatewayOrderID := params.Get("gateway_order_id")
	gatewayPaymentID := params.Get("gateway_payment_id")
	signature := params.Get("gateway_signature")

	if gatewayOrderID != "" && gatewayPaymentID != "" {
		verified := signature != "" &&
			n.client.VerifyRedirectSignature(gatewayOrderID, gatewayPaymentID, signature)

		if !verified {
			// The webhook may have verified this payment already.
			cached, err := n.cache.IsPaymentVerified(ctx, gatewayPaymentID)
			if err != nil {
				n.logger.Warn("Verification cache lookup failed",
					zap.String("gateway_payment_id", gatewayPaymentID),
					zap.Error(err))
			}
			verified = cached
		}
		if !verified {
			util.EventsRejectedTotal.WithLabelValues("signature_invalid").Inc()
			return nil, models.ErrSignatureInvalid
		}

		return &models.PaymentEvent{
			Kind:              models.EventKindRedirectCallback,
			GatewayOrderID:    gatewayOrderID,
			GatewayPaymentID:  gatewayPaymentID,
			SignatureVerified: true,
		}, nil
	}

	// Custom success callback: only our internal reference plus a success
	// code. No gateway payment id yet; the orchestrator must resolve it via
	// a status query before crediting anything.
	if ref := params.Get("transaction_id"); ref != "" && params.Get("status") == "success" {
		return &models.PaymentEvent{
			Kind:     models.EventKindRedirectCallback,
			OrderRef: ref,
		}, nil
	}

	util.EventsRejectedTotal.WithLabelValues("malformed").Inc()
	return nil, models.ErrMalformedEvent
}
