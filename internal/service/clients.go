package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"settlement-service/internal/models"
)

// AssignmentClient calls the staff-assignment service over HTTP.
type AssignmentClient struct {
	baseURL string
	client  *http.Client
}

// NewAssignmentClient creates the assignment collaborator client.
func NewAssignmentClient(baseURL string) *AssignmentClient {
	return &AssignmentClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// AssignOrder asks the assignment service to pick staff for the order.
func (c *AssignmentClient) AssignOrder(ctx context.Context, orderID int64) error {
	body, _ := json.Marshal(map[string]int64{"order_id": orderID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/assignments", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("assignment service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("assignment service returned %d", resp.StatusCode)
	}
	return nil
}

// InvoiceClient generates invoice documents locally and delivers them through
// the invoice-delivery service.
type InvoiceClient struct {
	baseURL string
	sender  string
	client  *http.Client
}

// NewInvoiceClient creates the invoice collaborator client.
func NewInvoiceClient(baseURL, sender string) *InvoiceClient {
	return &InvoiceClient{
		baseURL: baseURL,
		sender:  sender,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Generate builds the invoice document for a settled order.
func (c *InvoiceClient) Generate(_ context.Context, order *models.Order, recipient string) (*models.Invoice, error) {
	if recipient == "" {
		return nil, fmt.Errorf("invoice for order %d has no recipient", order.ID)
	}
	return &models.Invoice{
		Number:        fmt.Sprintf("INV-%d-%d", order.ID, time.Now().Unix()),
		OrderID:       order.ID,
		TransactionID: order.TransactionID,
		Amount:        order.PayableAmount(),
		CoinDiscount:  order.CoinDiscount,
		Recipient:     recipient,
		IssuedAt:      time.Now().UTC(),
	}, nil
}

// Send hands the invoice to the delivery service.
func (c *InvoiceClient) Send(ctx context.Context, invoice *models.Invoice) error {
	payload := struct {
		*models.Invoice
		Sender string `json:"sender"`
	}{Invoice: invoice, Sender: c.sender}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/invoices/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("invoice service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("invoice service returned %d", resp.StatusCode)
	}
	return nil
}
