package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/bizflow/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan schema.Notification
	filter Filter
}

// MemoryHub is an in-process pub/sub for lifecycle notifications.
// Delivery is best-effort: a subscriber whose buffer is full misses the notification.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscriber)}
}

// Notify delivers n to every matching subscriber without blocking.
func (h *MemoryHub) Notify(ctx context.Context, n schema.Notification) {
	if ctx.Err() != nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.match(n) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a filtered subscription. The returned cancel func
// unregisters it and closes the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.Notification, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.Notification, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Dropped returns how many deliveries were skipped because a subscriber was slow.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

var _ Notifier = (*MemoryHub)(nil)
