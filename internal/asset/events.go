package asset

import "github.com/power-topology/backend/internal/models"

// EventType names a notification an asset publishes to its owner.
type EventType string

const (
	// EventReady carries the anchors computed once images resolved (or the
	// origin fallback when they failed).
	EventReady EventType = "ready"
	// EventPositionChanged is published once per drag gesture, at its end.
	EventPositionChanged EventType = "position"
	// EventInteraction requests a power change from the authority.
	EventInteraction EventType = "interaction"
	EventPowerChanged EventType = "power"
	EventRejected     EventType = "rejected"
	EventSelected     EventType = "selected"
	// EventWarning reports a non-fatal problem such as a failed image load.
	EventWarning EventType = "warning"
)

// Event is a notification from an asset. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType      `json:"type"`
	ID       models.AssetID `json:"id"`
	Anchors  []Anchor       `json:"anchors,omitempty"`
	Degraded bool           `json:"degraded,omitempty"`
	Position models.Point   `json:"position"`
	Desired  bool           `json:"desired,omitempty"`
	Powered  bool           `json:"powered"`
	Selected bool           `json:"selected,omitempty"`
	Err      error          `json:"-"`
}

// Sink receives asset events. The diagram loop's queue is the usual sink.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish calls f.
func (f SinkFunc) Publish(e Event) { f(e) }

type discard struct{}

func (discard) Publish(Event) {}
