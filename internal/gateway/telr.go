package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// TelrClient adapts the Telr hosted-payments API to the Client interface.
// Telr speaks a single JSON endpoint with a "method" field and numeric
// status codes, which this adapter maps onto the canonical attempt statuses.
type TelrClient struct {
	apiURL        string
	storeID       int
	authKey       string
	webhookSecret string
	testMode      int
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewTelrClient creates a Telr adapter.
func NewTelrClient(apiURL string, storeID int, authKey, webhookSecret string, sandbox bool, timeout time.Duration) *TelrClient {
	testMode := 0
	if sandbox {
		testMode = 1
	}
	return &TelrClient{
		apiURL:        apiURL,
		storeID:       storeID,
		authKey:       authKey,
		webhookSecret: webhookSecret,
		testMode:      testMode,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        util.GetLogger(),
	}
}

type telrCreateResponse struct {
	Order struct {
		Ref string `json:"ref"`
		URL string `json:"url"`
	} `json:"order"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type telrCheckResponse struct {
	Order struct {
		Ref         string `json:"ref"`
		Amount      string `json:"amount"`
		Transaction struct {
			Ref string `json:"ref"`
		} `json:"transaction"`
		Status struct {
			Code int    `json:"code"`
			Text string `json:"text"`
		} `json:"status"`
	} `json:"order"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// telr status codes: 1 pending, 2 authorised, 3 paid, -1 expired, -2 cancelled, -3 declined
func telrStatusToAttempt(code int) string {
	switch code {
	case 3:
		return models.GatewayStatusCaptured
	case 2:
		return models.GatewayStatusAuthorized
	case 1:
		return models.GatewayStatusCreated
	default:
		return models.GatewayStatusFailed
	}
}

// CreateOrder registers a hosted-payment order with Telr.
func (c *TelrClient) CreateOrder(ctx context.Context, params CreateOrderParams) (string, error) {
	payload := map[string]interface{}{
		"method":  "create",
		"store":   c.storeID,
		"authkey": c.authKey,
		"order": map[string]interface{}{
			"cartid":      params.Receipt,
			"test":        c.testMode,
			"amount":      strconv.FormatInt(params.Amount, 10),
			"currency":    params.Currency,
			"description": params.Notes["description"],
		},
	}

	var resp telrCreateResponse
	if err := c.do(ctx, payload, &resp); err != nil {
		return "", fmt.Errorf("telr create failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("telr create rejected: %s", resp.Error.Message)
	}
	if resp.Order.Ref == "" {
		return "", fmt.Errorf("telr returned empty order ref")
	}
	return resp.Order.Ref, nil
}

// FetchStatus asks Telr for the order state. Telr reports a single current
// transaction rather than an attempt list, so the result has at most one
// element.
func (c *TelrClient) FetchStatus(ctx context.Context, gatewayOrderID string) ([]Attempt, error) {
	payload := map[string]interface{}{
		"method":  "check",
		"store":   c.storeID,
		"authkey": c.authKey,
		"order":   map[string]string{"ref": gatewayOrderID},
	}

	var resp telrCheckResponse
	if err := c.do(ctx, payload, &resp); err != nil {
		return nil, fmt.Errorf("telr check failed: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("telr check rejected: %s", resp.Error.Message)
	}
	if resp.Order.Transaction.Ref == "" {
		return []Attempt{}, nil
	}

	amount, _ := strconv.ParseInt(resp.Order.Amount, 10, 64)
	return []Attempt{{
		PaymentID: resp.Order.Transaction.Ref,
		Status:    telrStatusToAttempt(resp.Order.Status.Code),
		Amount:    amount,
		CreatedAt: time.Now(),
	}}, nil
}

// Refund issues a Telr refund against a prior transaction.
func (c *TelrClient) Refund(ctx context.Context, gatewayPaymentID string, amount int64) (string, error) {
	payload := map[string]interface{}{
		"method":  "refund",
		"store":   c.storeID,
		"authkey": c.authKey,
		"tran": map[string]interface{}{
			"ref":    gatewayPaymentID,
			"amount": strconv.FormatInt(amount, 10),
		},
	}

	var resp telrCheckResponse
	if err := c.do(ctx, payload, &resp); err != nil {
		return "", fmt.Errorf("telr refund failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("telr refund rejected: %s", resp.Error.Message)
	}
	return resp.Order.Transaction.Ref, nil
}

// VerifyRedirectSignature checks the check-string Telr appends to redirects.
func (c *TelrClient) VerifyRedirectSignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	expected := signHMAC(c.webhookSecret, gatewayOrderID+":"+gatewayPaymentID)
	return equalSignature(expected, signature)
}

// VerifyWebhookSignature checks the webhook check-string over the raw body.
func (c *TelrClient) VerifyWebhookSignature(body []byte, signature string) bool {
	expected := signHMAC(c.webhookSecret, string(body))
	return equalSignature(expected, signature)
}

func (c *TelrClient) do(ctx context.Context, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
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
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Telr call failed", zap.Int("status", resp.StatusCode))
		return fmt.Errorf("telr responded %d: %s", resp.StatusCode, string(raw))
	}

	return json.Unmarshal(raw, out)
}
