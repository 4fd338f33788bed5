// Package eventbus carries domain events and lifecycle notifications over
// watermill, backed by an in-process go channel or Kafka.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/rendis/bizflow/pkg/schema"
)

const (
	DomainEventsTopic  = "bizflow.domain-events"
	NotificationsTopic = "bizflow.notifications"

	metaKey              = "key"
	metaEventName        = "event_name"
	metaNotificationType = "notification_type"
)

// DomainEventHandler processes one consumed domain event. A returned error nacks the message.
type DomainEventHandler func(ctx context.Context, ev schema.DomainEvent) error

// Bus publishes and consumes bizflow messages.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger
}

// New wraps an existing watermill publisher/subscriber pair.
func New(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		logger:     logger.With("module", "eventbus"),
	}
}

// PublishDomainEvent publishes ev on the domain events topic, keyed by event name.
func (b *Bus) PublishDomainEvent(ctx context.Context, ev schema.DomainEvent) error {
	if ev.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "event name is required")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal domain event: %w", err)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(metaKey, ev.Name)
	msg.Metadata.Set(metaEventName, ev.Name)
	msg.SetContext(ctx)

	if err := b.publisher.Publish(DomainEventsTopic, msg); err != nil {
		return fmt.Errorf("publish domain event %s: %w", ev.Name, err)
	}
	b.logger.DebugContext(ctx, "domain event published", "event", ev.Name, "message_id", msg.UUID)
	return nil
}

// Notify forwards a lifecycle notification to the notifications topic.
// Publish failures are logged.
func (b *Bus) Notify(ctx context.Context, n schema.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		b.logger.ErrorContext(ctx, "marshal notification", "type", n.Type, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(metaKey, n.WorkflowID)
	msg.Metadata.Set(metaNotificationType, n.Type)
	msg.SetContext(ctx)

	if err := b.publisher.Publish(NotificationsTopic, msg); err != nil {
		b.logger.ErrorContext(ctx, "publish notification", "type", n.Type, "error", err)
	}
}

// ConsumeDomainEvents subscribes to the domain events topic and dispatches
// each message to handler on a background goroutine until ctx is done.
// The subscription is established before it returns.
func (b *Bus) ConsumeDomainEvents(ctx context.Context, handler DomainEventHandler) error {
	messages, err := b.subscriber.Subscribe(ctx, DomainEventsTopic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", DomainEventsTopic, err)
	}

	go func() {
		for msg := range messages {
			var ev schema.DomainEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				// A malformed payload will never decode; drop it.
				b.logger.WarnContext(ctx, "discarding malformed domain event", "message_id", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			if err := handler(ctx, ev); err != nil {
				b.logger.ErrorContext(ctx, "domain event handler failed", "event", ev.Name, "error", err)
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}()
	return nil
}

// SubscribeNotifications returns decoded notifications until ctx is done.
func (b *Bus) SubscribeNotifications(ctx context.Context) (<-chan schema.Notification, error) {
	messages, err := b.subscriber.Subscribe(ctx, NotificationsTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", NotificationsTopic, err)
	}

	out := make(chan schema.Notification)
	go func() {
		defer close(out)
		for msg := range messages {
			var n schema.Notification
			err := json.Unmarshal(msg.Payload, &n)
			msg.Ack()
			if err != nil {
				b.logger.WarnContext(ctx, "discarding malformed notification", "message_id", msg.UUID, "error", err)
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close closes the publisher and, if distinct, the subscriber.
func (b *Bus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}
	if sub, ok := b.subscriber.(message.Publisher); ok && sub == b.publisher {
		return nil
	}
	return b.subscriber.Close()
}
