package hub

import (
	"fmt"
	"sync"

	"github.com/kstaniek/go-can-debugger/internal/logging"
	"github.com/kstaniek/go-can-debugger/internal/metrics"
)

// Handler observes one received CAN message. A returned error is logged and
// does not affect delivery to other handlers.
type Handler func(id int, payload []byte) error

// Hub fans a message out to registered handlers synchronously, in registration order.
// There is no filtering, deduplication or buffering; a consumer that needs a buffer owns it.
// Handlers live for the lifetime of the Hub.
type Hub struct {
	mu       sync.RWMutex
	handlers []Handler
}

// New creates an empty Hub.
func New() *Hub { return &Hub{} }

// Add registers a handler; nil handlers are ignored.
func (h *Hub) Add(fn Handler) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.handlers = append(h.handlers, fn)
	h.mu.Unlock()
}

// Broadcast invokes every handler with (id, payload). Each call is isolated:
// an error or panic in one handler is logged and the next handler still runs.
// Handlers must not modify payload.
func (h *Hub) Broadcast(id int, payload []byte) {
	for i, fn := range h.Snapshot() {
		if err := invoke(fn, id, payload); err != nil {
			metrics.IncObserverFailure()
			logging.L().Warn("observer_failed", "index", i, "can_id", fmt.Sprintf("0x%03X", id), "error", err)
		}
	}
}

func invoke(fn Handler, id int, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return fn(id, payload)
}

// Snapshot returns a slice copy of current handlers (read-only use).
func (h *Hub) Snapshot() []Handler {
	h.mu.RLock()
	out := make([]Handler, len(h.handlers))
	copy(out, h.handlers)
	h.mu.RUnlock()
	return out
}

// Count returns the number of registered handlers.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.handlers); h.mu.RUnlock(); return n }
