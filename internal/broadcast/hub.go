// Package broadcast fans live session events out to connected observers.
//
// The hub is deliberately not a durable queue: publishing with no observer
// attached drops the event, and observers attaching later never see it. It
// exists to give live progress, not replay.
package broadcast

import (
	"sync"
	"time"

	"github.com/polymathlabs/polymath/pkg/models"
)

// subscriberBuffer is the per-observer channel depth. A slow observer whose
// buffer fills loses events rather than stalling the publisher.
const subscriberBuffer = 32

// Hub manages realtime subscribers keyed by session.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan models.SessionEvent]struct{}
}

// NewHub creates a new hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[chan models.SessionEvent]struct{})}
}

// Subscribe registers an observer for a session. The returned cancel func
// detaches the observer and closes its channel; it must be called exactly
// once.
func (h *Hub) Subscribe(sessionID string) (<-chan models.SessionEvent, func()) {
	ch := make(chan models.SessionEvent, subscriberBuffer)
	h.mu.Lock()
	listeners := h.subscribers[sessionID]
	if listeners == nil {
		listeners = make(map[chan models.SessionEvent]struct{})
		h.subscribers[sessionID] = listeners
	}
	listeners[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			listeners := h.subscribers[sessionID]
			if listeners != nil {
				delete(listeners, ch)
				if len(listeners) == 0 {
					delete(h.subscribers, sessionID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every current observer of its session.
// Sends never block: a full observer buffer drops the event for that
// observer only. Events for each observer arrive in publish order.
func (h *Hub) Publish(event models.SessionEvent) {
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	h.mu.RLock()
	listeners := h.subscribers[event.SessionID]
	for ch := range listeners {
		select {
		case ch <- event:
		default:
		}
	}
	h.mu.RUnlock()
}

// ObserverCount reports how many observers are attached to a session.
func (h *Hub) ObserverCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}
