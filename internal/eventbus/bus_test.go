package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/pkg/schema"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewGoChannel(nil)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestDomainEventRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan schema.DomainEvent, 1)
	require.NoError(t, bus.ConsumeDomainEvents(ctx, func(_ context.Context, ev schema.DomainEvent) error {
		got <- ev
		return nil
	}))

	require.NoError(t, bus.PublishDomainEvent(ctx, schema.DomainEvent{
		Name:    "invoice.created",
		Payload: map[string]any{"amount": 1500.0},
	}))

	select {
	case ev := <-got:
		assert.Equal(t, "invoice.created", ev.Name)
		assert.Equal(t, 1500.0, ev.Payload["amount"])
		assert.False(t, ev.OccurredAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for domain event")
	}
}

func TestDomainEventNackIsRedelivered(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	done := make(chan struct{})
	require.NoError(t, bus.ConsumeDomainEvents(ctx, func(_ context.Context, ev schema.DomainEvent) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}))

	require.NoError(t, bus.PublishDomainEvent(ctx, schema.DomainEvent{Name: "client.created"}))

	select {
	case <-done:
		assert.Equal(t, int32(2), attempts.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("nacked message was not redelivered")
	}
}

func TestPublishDomainEventRequiresName(t *testing.T) {
	bus := newTestBus(t)
	err := bus.PublishDomainEvent(context.Background(), schema.DomainEvent{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestNotificationsTopic(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.SubscribeNotifications(ctx)
	require.NoError(t, err)

	bus.Notify(ctx, schema.Notification{
		Type:        schema.NotifyExecutionCompleted,
		WorkflowID:  "wf-1",
		ExecutionID: "ex-1",
	})

	select {
	case n := <-ch:
		assert.Equal(t, schema.NotifyExecutionCompleted, n.Type)
		assert.Equal(t, "ex-1", n.ExecutionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	_, err := NewKafka(KafkaConfig{}, nil)
	assert.Error(t, err)
}
