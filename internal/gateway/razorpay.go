package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// RazorpayClient talks to the Razorpay Orders API. Redirect signatures are
// HMAC-SHA256 over "orderID|paymentID" with the key secret; webhook
// signatures are HMAC-SHA256 over the raw body with the webhook secret.
type RazorpayClient struct {
	baseURL       string
	keyID         string
	keySecret     string
	webhookSecret string
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewRazorpayClient creates a Razorpay adapter. The timeout bounds every
// outbound call; a status query that times out must not transition anything.
func NewRazorpayClient(baseURL, keyID, keySecret, webhookSecret string, timeout time.Duration) *RazorpayClient {
	return &RazorpayClient{
		baseURL:       baseURL,
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        util.GetLogger(),
	}
}

type razorpayOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

type razorpayPaymentsResponse struct {
	Count int `json:"count"`
	Items []struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Method    string `json:"method"`
		CreatedAt int64  `json:"created_at"`
	} `json:"items"`
}

type razorpayRefundResponse struct {
	ID string `json:"id"`
}

// CreateOrder registers the charge and returns the gateway order id.
func (c *RazorpayClient) CreateOrder(ctx context.Context, params CreateOrderParams) (string, error) {
	start := time.Now()
	defer func() {
		util.GatewayRequestDuration.WithLabelValues("create_order").Observe(time.Since(start).Seconds())
	}()

	var resp razorpayOrderResponse
	if err := c.do(ctx, http.MethodPost, "/orders", params, &resp); err != nil {
		return "", fmt.Errorf("gateway create order failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("gateway create order rejected: %s", resp.Error.Description)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("gateway returned empty order id")
	}
	return resp.ID, nil
}

// FetchStatus returns the attempts made against a gateway order.
func (c *RazorpayClient) FetchStatus(ctx context.Context, gatewayOrderID string) ([]Attempt, error) {
	start := time.Now()
	defer func() {
		util.GatewayRequestDuration.WithLabelValues("fetch_status").Observe(time.Since(start).Seconds())
	}()

	var resp razorpayPaymentsResponse
	path := fmt.Sprintf("/orders/%s/payments", gatewayOrderID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("gateway status query failed: %w", err)
	}

	attempts := make([]Attempt, 0, len(resp.Items))
	for _, item := range resp.Items {
		attempts = append(attempts, Attempt{
			PaymentID: item.ID,
			Status:    item.Status,
			Amount:    item.Amount,
			Method:    item.Method,
			CreatedAt: time.Unix(item.CreatedAt, 0),
		})
	}
	return attempts, nil
}

// Refund refunds a captured payment.
func (c *RazorpayClient) Refund(ctx context.Context, gatewayPaymentID string, amount int64) (string, error) {
	start := time.Now()
	defer func() {
		util.GatewayRequestDuration.WithLabelValues("refund").Observe(time.Since(start).Seconds())
	}()

	var resp razorpayRefundResponse
	path := fmt.Sprintf("/payments/%s/refund", gatewayPaymentID)
	body := map[string]int64{"amount": amount}
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", fmt.Errorf("gateway refund failed: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("gateway returned empty refund id")
	}
	return resp.ID, nil
}

// VerifyRedirectSignature checks the redirect signature.
func (c *RazorpayClient) VerifyRedirectSignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	expected := signHMAC(c.keySecret, gatewayOrderID+"|"+gatewayPaymentID)
	return equalSignature(expected, signature)
}

// VerifyWebhookSignature checks the webhook signature header.
func (c *RazorpayClient) VerifyWebhookSignature(body []byte, signature string) bool {
	expected := signHMAC(c.webhookSecret, string(body))
	return equalSignature(expected, signature)
}

func (c *RazorpayClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Gateway call failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("gateway responded %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse gateway response: %w", err)
	}
	return nil
}
