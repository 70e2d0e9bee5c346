// component.go - Shared mechanics of every asset variant
package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/power-topology/backend/internal/imagecache"
	"github.com/power-topology/backend/internal/models"
)

// state is everything about a component that changes over its lifetime.
// It is only modified through the methods below, which enforce the phase table.
type state struct {
	phase    Phase
	position models.Point
	powered  bool
	selected bool
	images   map[string]*imagecache.Handle
	loadErr  error
	pending  *imagecache.Pending
	gesture  *gesture
	inFlight bool
	desired  bool
}

type gesture struct {
	start models.Point
	moves int
}

// Component is the single implementation of Asset; variants differ only by
// the declarative Variant data it carries.
type Component struct {
	id      models.AssetID
	variant *Variant
	sink    Sink
	s       state
}

var _ Asset = (*Component)(nil)

// NewComponent creates an unmounted component. A nil sink discards events.
func NewComponent(id models.AssetID, v *Variant, sink Sink) *Component {
	if sink == nil {
		sink = discard{}
	}
	return &Component{id: id, variant: v, sink: sink}
}

func (c *Component) ID() models.AssetID     { return c.id }
func (c *Component) Kind() models.Kind      { return c.variant.Kind }
func (c *Component) Variant() *Variant      { return c.variant }
func (c *Component) Phase() Phase           { return c.s.phase }
func (c *Component) Position() models.Point { return c.s.position }
func (c *Component) Powered() bool          { return c.s.powered }
func (c *Component) Selected() bool         { return c.s.selected }

// AwaitingConfirmation reports whether a click-initiated power request is outstanding.
func (c *Component) AwaitingConfirmation() bool { return c.s.inFlight }

// LoadError returns the image failure that put the component in PhaseFailed.
func (c *Component) LoadError() error { return c.s.loadErr }

func (c *Component) transition(to Phase) {
	if !canTransition(c.s.phase, to) {
		panic(fmt.Sprintf("asset %s: illegal transition %s -> %s", c.id, c.s.phase, to))
	}
	c.s.phase = to
}

func (c *Component) publish(e Event) {
	e.ID = c.id
	c.sink.Publish(e)
}

// live returns an error when the component cannot be interacted with.
func (c *Component) live() error {
	switch c.s.phase {
	case PhaseDestroyed:
		return fmt.Errorf("%s: %w", c.id, ErrDestroyed)
	case PhaseUnmounted:
		return fmt.Errorf("%s: %w", c.id, ErrNotMounted)
	}
	return nil
}

// Mount places the component and starts resolving its images.
func (c *Component) Mount(ctx context.Context, r Resolver, position models.Point, powered bool) (*imagecache.Pending, error) {
	switch c.s.phase {
	case PhaseUnmounted:
	case PhaseDestroyed:
		return nil, fmt.Errorf("%s: %w", c.id, ErrDestroyed)
	default:
		return nil, fmt.Errorf("%s: %w", c.id, ErrAlreadyMounted)
	}

	c.s.position = position
	c.s.powered = powered
	c.transition(PhaseLoading)
	c.s.pending = r.Resolve(ctx, c.variant.Images)
	return c.s.pending, nil
}

// Resolve applies a completed image resolution. Resolutions for a destroyed
// component, or for a pending result that is not the current one, return
// ErrStaleCallback and change nothing.
func (c *Component) Resolve(p *imagecache.Pending) error {
	if c.s.phase == PhaseDestroyed || p == nil || p != c.s.pending {
		return ErrStaleCallback
	}

	images, err := p.Result()
	if errors.Is(err, imagecache.ErrNotResolved) {
		return err
	}
	c.s.pending = nil

	if err != nil {
		c.s.loadErr = err
		c.transition(PhaseFailed)
		c.publish(Event{Type: EventWarning, Err: err})
		c.publish(Event{Type: EventReady, Anchors: c.AnchorPoints(false), Degraded: true})
		return nil
	}

	c.s.images = images
	c.transition(PhaseReady)
	if c.s.gesture != nil {
		c.transition(PhaseDragging)
	}
	c.publish(Event{Type: EventReady, Anchors: c.AnchorPoints(true)})
	return nil
}

// Render describes what to draw for the current state. It never mutates.
func (c *Component) Render() Drawable {
	d := Drawable{
		ID:       c.id,
		Kind:     c.variant.Kind,
		Phase:    c.s.phase,
		Position: c.s.position,
		Scale:    c.variant.Scale,
		Powered:  c.s.powered,
		Selected: c.s.selected,
		Pending:  c.s.inFlight,
		Degraded: c.s.phase == PhaseFailed,
		Layers:   []Layer{},
	}

	governing := c.s.images[c.variant.AnchorRole]
	if governing == nil {
		return d
	}
	d.Width = governing.Width() * c.variant.Scale
	d.Height = governing.Height() * c.variant.Scale

	for _, role := range c.variant.Render(c.s.powered, c.s.selected) {
		h := c.s.images[role]
		if h == nil {
			continue
		}
		d.Layers = append(d.Layers, Layer{
			Role:   role,
			Ref:    h.Ref(),
			Width:  h.Width(),
			Height: h.Height(),
		})
	}
	return d
}

// AnchorPoints returns the variant's anchors in local space. See computeAnchors.
func (c *Component) AnchorPoints(center bool) []Anchor {
	return computeAnchors(c.variant.Anchors, c.s.images[c.variant.AnchorRole], c.variant.Scale, center)
}

// HandleDrag moves the component by delta. Nothing is published until EndDrag.
func (c *Component) HandleDrag(delta models.Point) error {
	if err := c.live(); err != nil {
		return err
	}

	if c.s.gesture == nil {
		c.s.gesture = &gesture{start: c.s.position}
		if c.s.phase == PhaseReady {
			c.transition(PhaseDragging)
		}
	}
	c.s.position = c.s.position.Add(delta)
	c.s.gesture.moves++
	return nil
}

// EndDrag finishes the current gesture and publishes the final position once.
// Without an active gesture it does nothing.
func (c *Component) EndDrag() error {
	if err := c.live(); err != nil {
		return err
	}
	if c.s.gesture == nil {
		return nil
	}

	c.s.gesture = nil
	if c.s.phase == PhaseDragging {
		c.transition(PhaseReady)
	}
	c.publish(Event{Type: EventPositionChanged, Position: c.s.position})
	return nil
}

// Dragging reports whether a gesture is in progress.
func (c *Component) Dragging() bool { return c.s.gesture != nil }

// MoveTo sets the position programmatically (for example when restoring a
// persisted layout). It publishes nothing.
func (c *Component) MoveTo(position models.Point) error {
	if err := c.live(); err != nil {
		return err
	}
	c.s.position = position
	return nil
}

// HandleClick asks the power authority to toggle an interactive asset. The
// local state only changes when ConfirmPowerState arrives.
func (c *Component) HandleClick() error {
	if err := c.live(); err != nil {
		return err
	}
	if !c.variant.Interactive || c.s.phase == PhaseLoading || c.s.inFlight {
		return nil
	}

	c.s.inFlight = true
	c.s.desired = !c.s.powered
	c.publish(Event{Type: EventInteraction, Desired: c.s.desired, Powered: c.s.powered})
	return nil
}

// ConfirmPowerState applies the authority's answer to a click.
func (c *Component) ConfirmPowerState(actual bool) error {
	if err := c.live(); err != nil {
		return err
	}
	c.s.inFlight = false
	return c.setPowered(actual)
}

// RejectPowerState records a refused click. Power state is unchanged.
func (c *Component) RejectPowerState(reason string) error {
	if err := c.live(); err != nil {
		return err
	}
	if !c.s.inFlight {
		return nil
	}
	c.s.inFlight = false
	c.publish(Event{
		Type:    EventRejected,
		Powered: c.s.powered,
		Err:     &StateChangeRejectedError{ID: c.id, Desired: c.s.desired, Reason: reason},
	})
	return nil
}

// UpdatePowerState mirrors a state pushed by the power authority.
func (c *Component) UpdatePowerState(powered bool) error {
	if err := c.live(); err != nil {
		return err
	}
	return c.setPowered(powered)
}

func (c *Component) setPowered(powered bool) error {
	if c.s.powered == powered {
		return nil
	}
	c.s.powered = powered
	c.publish(Event{Type: EventPowerChanged, Powered: powered})
	return nil
}

// SetSelected toggles the ephemeral selection flag.
func (c *Component) SetSelected(selected bool) error {
	if err := c.live(); err != nil {
		return err
	}
	if c.s.selected == selected {
		return nil
	}
	c.s.selected = selected
	c.publish(Event{Type: EventSelected, Selected: selected})
	return nil
}

// Destroy ends the component's life. Any pending resolution becomes stale.
// Calling Destroy more than once is harmless.
func (c *Component) Destroy() {
	if c.s.phase == PhaseDestroyed {
		return
	}
	c.transition(PhaseDestroyed)
	c.s.pending = nil
	c.s.gesture = nil
	c.s.inFlight = false
}
