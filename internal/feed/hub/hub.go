package hub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"pricefeed/internal/feed/memorystore"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscriber receives every published PriceUpdate. A returned error is logged
// and does not affect other subscribers.
type Subscriber interface {
	OnUpdate(u memorystore.PriceUpdate) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(u memorystore.PriceUpdate) error

func (f SubscriberFunc) OnUpdate(u memorystore.PriceUpdate) error { return f(u) }

// Handle identifies one registration.
type Handle string

type Stats struct {
	Subscribers int    `json:"subscribers"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
}

// Hub fans each update out to all registered subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[Handle]Subscriber
	logger *zap.Logger

	delivered atomic.Uint64
	failed    atomic.Uint64
}

func New(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[Handle]Subscriber),
		logger: logger,
	}
}

// Subscribe registers sub. The same subscriber may be registered twice and
// then receives each update twice.
func (h *Hub) Subscribe(sub Subscriber) Handle {
	handle := Handle(uuid.NewString())

	h.mu.Lock()
	h.subs[handle] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber added", zap.String("handle", string(handle)))
	return handle
}

// Unsubscribe removes the registration. Unknown handles are ignored.
func (h *Hub) Unsubscribe(handle Handle) {
	h.mu.Lock()
	_, ok := h.subs[handle]
	delete(h.subs, handle)
	h.mu.Unlock()

	if ok {
		h.logger.Debug("subscriber removed", zap.String("handle", string(handle)))
	}
}

// Publish delivers u to every subscriber registered when the call starts.
// Subscribers may call Subscribe or Unsubscribe from inside OnUpdate.
func (h *Hub) Publish(u memorystore.PriceUpdate) {
	h.mu.RLock()
	snapshot := make(map[Handle]Subscriber, len(h.subs))
	for handle, sub := range h.subs {
		snapshot[handle] = sub
	}
	h.mu.RUnlock()

	for handle, sub := range snapshot {
		if err := h.deliver(sub, u); err != nil {
			h.failed.Add(1)
			h.logger.Warn("subscriber failed",
				zap.String("handle", string(handle)),
				zap.String("symbol", u.Symbol),
				zap.Error(err))
			continue
		}
		h.delivered.Add(1)
	}
}

func (h *Hub) deliver(sub Subscriber, u memorystore.PriceUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.OnUpdate(u)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.Len(),
		Delivered:   h.delivered.Load(),
		Failed:      h.failed.Load(),
	}
}
