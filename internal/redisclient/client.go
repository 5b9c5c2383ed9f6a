package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// verifiedTTL bounds how long a webhook verification mark lets the redirect
// channel skip its own signature check.
const verifiedTTL = 24 * time.Hour

const invoiceQueueKey = "invoices:deferred"

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// MarkPaymentVerified records that the webhook channel verified this gateway
// payment's signature.
func (c *Client) MarkPaymentVerified(ctx context.Context, gatewayPaymentID string) error {
	return c.rdb.Set(ctx, fmt.Sprintf("verified:payment:%s", gatewayPaymentID), "1", verifiedTTL).Err()
}

// IsPaymentVerified checks for a prior webhook verification of this payment.
func (c *Client) IsPaymentVerified(ctx context.Context, gatewayPaymentID string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("verified:payment:%s", gatewayPaymentID)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// DeferredInvoice is one queued invoice delivery retry.
type DeferredInvoice struct {
	OrderID  int64 `json:"order_id"`
	Attempts int   `json:"attempts"`
}

// EnqueueInvoice pushes an invoice onto the deferred delivery queue.
func (c *Client) EnqueueInvoice(ctx context.Context, item DeferredInvoice) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal deferred invoice: %w", err)
	}
	return c.rdb.LPush(ctx, invoiceQueueKey, payload).Err()
}

// DequeueInvoice blocks up to timeout for the next deferred invoice. Returns
// nil with no error when the queue stayed empty.
func (c *Client) DequeueInvoice(ctx context.Context, timeout time.Duration) (*DeferredInvoice, error) {
	result, err := c.rdb.BRPop(ctx, timeout, invoiceQueueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected brpop result length: %d", len(result))
	}

	var item DeferredInvoice
	if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deferred invoice: %w", err)
	}
	return &item, nil
}
