package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub is an in-process Channel. Publish delivers synchronously to every
// subscriber in subscription order.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]Handler
	order  []uint64
	nextID atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]Handler)}
}

// Publish delivers msg to every current subscriber.
func (h *Hub) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.order))
	for _, id := range h.order {
		if fn, ok := h.subs[id]; ok {
			handlers = append(handlers, fn)
		}
	}
	h.mu.RUnlock()

	// Handlers run outside the lock so they may publish or unsubscribe.
	for _, fn := range handlers {
		fn(msg)
	}
	return nil
}

// Subscribe registers a handler.
func (h *Hub) Subscribe(fn Handler) func() {
	id := h.nextID.Add(1)

	h.mu.Lock()
	h.subs[id] = fn
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscriberCount reports how many handlers are registered.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
