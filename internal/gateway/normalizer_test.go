package gateway

import (
	"context"
	"net/url"
	"testing"

	"settlement-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClient verifies signatures with the same HMAC scheme as the real
// adapters, under fixed test secrets.
type stubClient struct {
	keySecret     string
	webhookSecret string
}

func (s *stubClient) CreateOrder(context.Context, CreateOrderParams) (string, error) {
	return "", nil
}
func (s *stubClient) FetchStatus(context.Context, string) ([]Attempt, error) { return nil, nil }
func (s *stubClient) Refund(context.Context, string, int64) (string, error)  { return "", nil }

func (s *stubClient) VerifyRedirectSignature(orderID, paymentID, signature string) bool {
	return equalSignature(signHMAC(s.keySecret, orderID+"|"+paymentID), signature)
}

func (s *stubClient) VerifyWebhookSignature(body []byte, signature string) bool {
	return equalSignature(signHMAC(s.webhookSecret, string(body)), signature)
}

type memoryCache struct {
	verified map[string]bool
}

func newMemoryCache() *memoryCache { return &memoryCache{verified: make(map[string]bool)} }

func (c *memoryCache) MarkPaymentVerified(_ context.Context, id string) error {
	c.verified[id] = true
	return nil
}

func (c *memoryCache) IsPaymentVerified(_ context.Context, id string) (bool, error) {
	return c.verified[id], nil
}

func newTestNormalizer() (*Normalizer, *memoryCache) {
	cache := newMemoryCache()
	client := &stubClient{keySecret: "key-secret", webhookSecret: "webhook-secret"}
	return NewNormalizer(client, cache), cache
}

const capturedBody = `{
	"event": "payment.captured",
	"payload": {"payment": {"entity": {
		"id": "gw_pay_1", "order_id": "gw_order_1", "status": "captured"
	}}}
}`

func TestNormalizeWebhook(t *testing.T) {
	n, cache := newTestNormalizer()
	sig := signHMAC("webhook-secret", capturedBody)

	event, err := n.NormalizeWebhook(context.Background(), []byte(capturedBody), sig)
	require.NoError(t, err)

	assert.Equal(t, models.EventKindWebhook, event.Kind)
	assert.Equal(t, "gw_order_1", event.GatewayOrderID)
	assert.Equal(t, "gw_pay_1", event.GatewayPaymentID)
	assert.Equal(t, models.GatewayStatusCaptured, event.RawStatus)
	assert.True(t, event.SignatureVerified)

	// The verification was cached for the redirect channel.
	ok, _ := cache.IsPaymentVerified(context.Background(), "gw_pay_1")
	assert.True(t, ok)
}

func TestNormalizeWebhookRejectsBadSignature(t *testing.T) {
	n, cache := newTestNormalizer()

	_, err := n.NormalizeWebhook(context.Background(), []byte(capturedBody), "forged")
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)

	_, err = n.NormalizeWebhook(context.Background(), []byte(capturedBody), "")
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)

	// Nothing was cached for the rejected payment.
	ok, _ := cache.IsPaymentVerified(context.Background(), "gw_pay_1")
	assert.False(t, ok)
}

func TestNormalizeWebhookRejectsTamperedBody(t *testing.T) {
	n, _ := newTestNormalizer()
	sig := signHMAC("webhook-secret", capturedBody)
	tampered := []byte(capturedBody + " ")

	_, err := n.NormalizeWebhook(context.Background(), tampered, sig)
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)
}

func TestNormalizeWebhookRejectsMalformedBody(t *testing.T) {
	n, _ := newTestNormalizer()

	body := []byte(`{"event": "payment.captured", "payload": {}}`)
	sig := signHMAC("webhook-secret", string(body))

	_, err := n.NormalizeWebhook(context.Background(), body, sig)
	assert.ErrorIs(t, err, models.ErrMalformedEvent)

	body = []byte(`not json`)
	sig = signHMAC("webhook-secret", string(body))
	_, err = n.NormalizeWebhook(context.Background(), body, sig)
	assert.ErrorIs(t, err, models.ErrMalformedEvent)
}

func TestNormalizeRedirectWithValidSignature(t *testing.T) {
	n, _ := newTestNormalizer()
	params := url.Values{
		"gateway_order_id":   {"gw_order_1"},
		"gateway_payment_id": {"gw_pay_1"},
		"gateway_signature":  {signHMAC("key-secret", "gw_order_1|gw_pay_1")},
	}

	event, err := n.NormalizeRedirect(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, models.EventKindRedirectCallback, event.Kind)
	assert.True(t, event.SignatureVerified)
	// The redirect carries no status; the orchestrator resolves it.
	assert.Empty(t, event.RawStatus)
}

func TestNormalizeRedirectFallsBackToWebhookVerification(t *testing.T) {
	n, cache := newTestNormalizer()
	require.NoError(t, cache.MarkPaymentVerified(context.Background(), "gw_pay_1"))

	params := url.Values{
		"gateway_order_id":   {"gw_order_1"},
		"gateway_payment_id": {"gw_pay_1"},
	}

	event, err := n.NormalizeRedirect(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, event.SignatureVerified)
}

func TestNormalizeRedirectRejectsUnverifiable(t *testing.T) {
	n, _ := newTestNormalizer()
	params := url.Values{
		"gateway_order_id":   {"gw_order_1"},
		"gateway_payment_id": {"gw_pay_1"},
		"gateway_signature":  {"forged"},
	}

	_, err := n.NormalizeRedirect(context.Background(), params)
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)
}

func TestNormalizeRedirectInternalReference(t *testing.T) {
	n, _ := newTestNormalizer()
	params := url.Values{
		"transaction_id": {"txn-abc"},
		"status":         {"success"},
	}

	event, err := n.NormalizeRedirect(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "txn-abc", event.OrderRef)
	// Nothing about this callback is trusted: no payment id, no status, not
	// verified.
	assert.False(t, event.SignatureVerified)
	assert.Empty(t, event.GatewayPaymentID)
	assert.Empty(t, event.RawStatus)
}

func TestNormalizeRedirectRejectsMalformed(t *testing.T) {
	n, _ := newTestNormalizer()

	_, err := n.NormalizeRedirect(context.Background(), url.Values{})
	assert.ErrorIs(t, err, models.ErrMalformedEvent)

	// A failure status on the internal-reference shape is not a success
	// callback.
	_, err = n.NormalizeRedirect(context.Background(), url.Values{
		"transaction_id": {"txn-abc"},
		"status":         {"failed"},
	})
	assert.ErrorIs(t, err, models.ErrMalformedEvent)
}
