// events.go - Controller events and subscriber fan-out
package diagram

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/power-topology/backend/internal/models"
)

// EventType names a controller notification.
type EventType string

const (
	EventReady       EventType = "asset:ready"
	EventPosition    EventType = "asset:position"
	EventInteraction EventType = "asset:interaction"
	EventPower       EventType = "asset:power"
	EventLoad        EventType = "asset:load"
	EventRejected    EventType = "asset:rejected"
	EventSelected    EventType = "asset:selected"
	EventWarning     EventType = "asset:warning"
	EventAdded       EventType = "asset:added"
	EventRemoved     EventType = "asset:removed"
	EventFrame       EventType = "frame"
	EventTopology    EventType = "topology"
)

// Event is what subscribers (the websocket hub) receive.
type Event struct {
	Type      EventType      `json:"type" msgpack:"type"`
	ID        models.AssetID `json:"id,omitempty" msgpack:"id,omitempty"`
	Payload   any            `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp"`
}

// Payloads carried by Event.Payload.
type (
	ReadyPayload struct {
		Anchors  any  `json:"anchors"`
		Degraded bool `json:"degraded"`
	}
	PositionPayload struct {
		Position models.Point `json:"position"`
	}
	InteractionPayload struct {
		Desired bool `json:"desired"`
	}
	PowerPayload struct {
		Powered bool               `json:"powered"`
		Reason  models.PowerReason `json:"reason,omitempty"`
	}
	LoadPayload struct {
		Load     float64 `json:"load"`
		Previous float64 `json:"previous"`
	}
	RejectedPayload struct {
		Desired bool   `json:"desired"`
		Reason  string `json:"reason"`
	}
	SelectedPayload struct {
		Selected bool `json:"selected"`
	}
	WarningPayload struct {
		Message string `json:"message"`
	}
)

// hub fans events out to subscribers. Slow subscribers lose events rather
// than stall the diagram loop.
type hub struct {
	mu      sync.RWMutex
	next    int
	subs    map[int]chan Event
	dropped atomic.Int64
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

func (h *hub) publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
