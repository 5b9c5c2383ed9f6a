package broker

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationBus publishes settlement notifications fire-and-forget:
// publish failures are logged and dropped, never surfaced to the settlement
// path. Socket/event delivery downstream is someone else's concern.
type NotificationBus struct {
	producer *Producer
	logger   *zap.Logger
}

// NewNotificationBus creates a bus over a Kafka producer.
func NewNotificationBus(producer *Producer) *NotificationBus {
	return &NotificationBus{
		producer: producer,
		logger:   util.GetLogger(),
	}
}

// Emit publishes one event wrapped in the standard envelope; callers pass
// the domain payload only.
func (b *NotificationBus) Emit(ctx context.Context, eventType string, orderKey int64, payload interface{}) {
	envelope := map[string]interface{}{
		"event_id":   uuid.New().String(),
		"event_type": eventType,
		"timestamp":  time.Now(),
		"payload":    payload,
	}

	key := fmt.Sprintf("order-%d", orderKey)
	if err := b.producer.PublishEvent(ctx, key, envelope); err != nil {
		b.logger.Warn("Failed to emit notification",
			zap.String("event_type", eventType),
			zap.Int64("order_id", orderKey),
			zap.Error(err))
	}
}
