// Package events fans out state changes to the presentation layer.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published by the agent.
const (
	TypeOnlineChanged    = "online_changed"
	TypeCatalogUpdated   = "catalog_updated"
	TypeSyncCompleted    = "sync_completed"
	TypeExecutionPending = "execution_pending"
	TypeExecutionUpdated = "execution_updated"
	TypeExecutionExpired = "execution_expired"
	TypeExecutionOutput  = "execution_output"
	TypeTelemetry        = "telemetry_sample"
)

// Event is a single state change notification.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// Publisher is the producer side of the hub.
type Publisher interface {
	Publish(eventType string, data any)
}

const defaultBuffer = 64

// Hub broadcasts events to subscribers. A slow subscriber loses its oldest
// queued events instead of blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	buffer int
	logger *slog.Logger
}

// NewHub creates a Hub whose subscriber queues hold buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[uint64]chan Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new subscriber. The returned cancel func closes the
// channel and must be called exactly once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Publish delivers an event to every subscriber without blocking.
func (h *Hub) Publish(eventType string, data any) {
	ev := Event{Type: eventType, Data: data, At: time.Now()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
			continue
		default:
		}

		// Queue full: drop the oldest event to make room.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
			h.logger.Warn("Dropping event for slow subscriber", "subscriber", id, "type", eventType)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, any) {}
