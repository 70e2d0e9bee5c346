// Package diagram hosts the assets of one topology diagram.
//
// A Controller runs a single loop goroutine that owns every asset. API calls,
// image completions and power authority answers are all closures executed on
// that loop, so assets never see concurrent calls.
package diagram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/power-topology/backend/internal/asset"
	"github.com/power-topology/backend/internal/models"
	"github.com/power-topology/backend/internal/power"
	"github.com/power-topology/backend/internal/storage"
	"golang.org/x/time/rate"
)

var (
	// ErrNotFound is returned for operations on an unknown asset id.
	ErrNotFound = errors.New("asset not found")
	// ErrStopped is returned once the controller loop has exited.
	ErrStopped = errors.New("diagram controller stopped")
)

// Authority is the backend that owns real power state.
type Authority interface {
	Load(topo *models.Topology) error
	Snapshot() []power.State
	SetPowerState(ctx context.Context, id models.AssetID, desired bool) (power.Result, error)
	SetMains(on bool) power.MainsResult
}

// Config holds the controller's collaborators and tuning.
type Config struct {
	Registry  *asset.Registry
	Resolver  asset.Resolver
	Authority Authority
	Positions storage.PositionStore
	Logger    *slog.Logger

	// FrameRate caps redraw frames per second. Zero means 60.
	FrameRate float64
	// RequestTimeout bounds each call to the power authority.
	RequestTimeout time.Duration
	// InboxSize is the depth of the loop's command queue.
	InboxSize int
}

// entry is the controller's bookkeeping for one asset.
type entry struct {
	comp     *asset.Component
	spec     models.AssetSpec
	anchors  []asset.Anchor
	ready    bool
	degraded bool
}

// Controller owns the asset collection of one diagram.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	inbox  chan func()
	done   chan struct{}
	hub    *hub
	saver  *persister

	// Loop-owned state below.
	ctx     context.Context
	name    string
	topo    *models.Topology
	entries map[models.AssetID]*entry
	queue   []asset.Event
	frames  *frameScheduler
}

// New creates a controller. Call Run to start it.
func New(cfg Config) *Controller {
	if cfg.Registry == nil {
		cfg.Registry = asset.DefaultRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 60
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.Positions == nil {
		cfg.Positions = storage.NewMemoryStore()
	}

	logger := cfg.Logger.With("component", "diagram")
	c := &Controller{
		cfg:     cfg,
		logger:  logger,
		inbox:   make(chan func(), cfg.InboxSize),
		done:    make(chan struct{}),
		hub:     newHub(),
		entries: make(map[models.AssetID]*entry),
		topo:    &models.Topology{},
	}
	c.saver = newPersister(cfg.Positions, logger)
	c.frames = newFrameScheduler(rate.NewLimiter(rate.Limit(cfg.FrameRate), 1), func() {
		c.post(c.flushFrame)
	})
	return c
}

// Run executes the loop until ctx is cancelled. Every asset is destroyed on exit.
func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx
	saverDone := make(chan struct{})
	go func() {
		c.saver.run()
		close(saverDone)
	}()

	defer func() {
		for _, e := range c.entries {
			e.comp.Destroy()
		}
		close(c.done)
		c.frames.stop()
		c.saver.close()
		<-saverDone
		c.hub.closeAll()
		c.logger.Info("diagram loop stopped")
	}()

	c.logger.Info("diagram loop started", "frame_rate", c.cfg.FrameRate)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.inbox:
			fn()
			c.drain()
		}
	}
}

// Done is closed when the loop has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

// post queues fn on the loop without waiting. It is used by helper
// goroutines and blocks only while the inbox is full.
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// call runs fn on the loop and waits for its result.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.inbox <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Subscribe returns a stream of controller events and a function that ends
// the subscription. The stream is closed when the controller stops.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	return c.hub.subscribe(buffer)
}

// Subscribers reports the number of active subscriptions.
func (c *Controller) Subscribers() int { return c.hub.count() }

// DroppedEvents reports events discarded because a subscriber was too slow.
func (c *Controller) DroppedEvents() int64 { return c.hub.dropped.Load() }

func (c *Controller) emit(t EventType, id models.AssetID, payload any) {
	c.hub.publish(Event{Type: t, ID: id, Payload: payload, Timestamp: time.Now()})
}

// sink is what every asset publishes to. It runs on the loop because assets
// are only ever called from the loop.
func (c *Controller) sink() asset.Sink {
	return asset.SinkFunc(func(e asset.Event) {
		c.queue = append(c.queue, e)
	})
}

func (c *Controller) lookup(id models.AssetID) (*entry, error) {
	e, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (c *Controller) sortedIDs() []models.AssetID {
	ids := make([]models.AssetID, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AssetView is the full read model of one asset.
type AssetView struct {
	asset.Drawable
	Name    string         `json:"name,omitempty" msgpack:"name,omitempty"`
	Anchors []asset.Anchor `json:"anchors" msgpack:"anchors"`
	Ready   bool           `json:"ready" msgpack:"ready"`
}

// Snapshot is the read model of the whole diagram.
type Snapshot struct {
	Name        string              `json:"name" msgpack:"name"`
	Assets      []AssetView         `json:"assets" msgpack:"assets"`
	Connections []models.Connection `json:"connections" msgpack:"connections"`
	Timestamp   time.Time           `json:"timestamp" msgpack:"timestamp"`
}

func (c *Controller) view(e *entry) AssetView {
	return AssetView{
		Drawable: e.comp.Render(),
		Name:     e.spec.Name,
		Anchors:  c.anchorsOf(e),
		Ready:    e.ready,
	}
}

// anchorsOf returns the anchors reported by EventReady, or the origin
// fallback until then.
func (c *Controller) anchorsOf(e *entry) []asset.Anchor {
	if e.ready {
		return e.anchors
	}
	return e.comp.AnchorPoints(false)
}

// Snapshot returns every asset and connection.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.call(ctx, func() error {
		snap = Snapshot{
			Name:        c.name,
			Assets:      make([]AssetView, 0, len(c.entries)),
			Connections: c.connections(),
			Timestamp:   time.Now(),
		}
		for _, id := range c.sortedIDs() {
			snap.Assets = append(snap.Assets, c.view(c.entries[id]))
		}
		return nil
	})
	return snap, err
}

// Asset returns one asset's view.
func (c *Controller) Asset(ctx context.Context, id models.AssetID) (AssetView, error) {
	var v AssetView
	err := c.call(ctx, func() error {
		e, err := c.lookup(id)
		if err != nil {
			return err
		}
		v = c.view(e)
		return nil
	})
	return v, err
}

// Anchors returns an asset's anchors computed on demand.
func (c *Controller) Anchors(ctx context.Context, id models.AssetID, center bool) ([]asset.Anchor, error) {
	var anchors []asset.Anchor
	err := c.call(ctx, func() error {
		e, err := c.lookup(id)
		if err != nil {
			return err
		}
		anchors = e.comp.AnchorPoints(center)
		return nil
	})
	return anchors, err
}

// Drag moves an asset by delta as part of a gesture.
func (c *Controller) Drag(ctx context.Context, id models.AssetID, delta models.Point) error {
	return c.call(ctx, func() error {
		e, err := c.lookup(id)
		if err != nil {
			return err
		}
		if err := e.comp.HandleDrag(delta); err != nil {
			return err
		}
		c.frames.mark(id)
		return nil
	})
}

// EndDrag finishes a gesture. The final frame is flushed immediately.
func (c *Controller) EndDrag(ctx context.Context, id models.AssetID) error {
	return c.call(ctx, func() error {
		e, err := c.lookup(id)
		if err != nil {
			return err
		}
		if err := e.comp.EndDrag(); err != nil {
			return err
		}
		c.frames.mark(id)
		c.flushFrame()
		return nil
	})
}

// Click forwards a click to the asset.
func (c *Controller) Click(ctx context.Context, id models.AssetID) error {
	return c.call(ctx, func() error {
		e, err := c.lookup(id)
		if err != nil {
			return err
		}
		return e.comp.HandleClick()
	})
}

// Select changes the selection. Selecting an asset clears any other selection.
func (c *Controller) Select(ctx context.Context, id models.AssetID, selected bool) error {
	return c.call(ctx, func() error {
		e, err := c.lookup(id)
		if err != nil {
			return err
		}
		if selected {
			for otherID, other := range c.entries {
				if otherID != id && other.comp.Selected() {
					if err := other.comp.SetSelected(false); err != nil {
						return err
					}
				}
			}
		}
		return e.comp.SetSelected(selected)
	})
}

// Remove destroys an asset. Its pending image load, if any, is discarded.
func (c *Controller) Remove(ctx context.Context, id models.AssetID) error {
	return c.call(ctx, func() error {
		if _, err := c.lookup(id); err != nil {
			return err
		}
		c.remove(id)
		return nil
	})
}

// SetMains switches the wall supply and mirrors the resulting changes.
func (c *Controller) SetMains(ctx context.Context, on bool) error {
	return c.call(ctx, func() error {
		res := c.cfg.Authority.SetMains(on)
		c.applyChanges(res.Changes)
		c.applyLoads(res.Loads)
		return nil
	})
}

// drain dispatches asset events queued by the last command. Handlers may
// queue further events, which are handled in the same pass.
func (c *Controller) drain() {
	for len(c.queue) > 0 {
		e := c.queue[0]
		c.queue = c.queue[1:]
		c.handle(e)
	}
	c.queue = nil
}

func (c *Controller) handle(ev asset.Event) {
	e, ok := c.entries[ev.ID]
	if !ok {
		return
	}

	switch ev.Type {
	case asset.EventReady:
		e.anchors = ev.Anchors
		e.degraded = ev.Degraded
		e.ready = true
		c.emit(EventReady, ev.ID, ReadyPayload{Anchors: ev.Anchors, Degraded: ev.Degraded})
		c.frames.mark(ev.ID)

	case asset.EventWarning:
		c.logger.Warn("asset degraded", "asset", ev.ID, "err", ev.Err)
		c.emit(EventWarning, ev.ID, WarningPayload{Message: ev.Err.Error()})

	case asset.EventPositionChanged:
		c.saver.save(c.name, ev.ID, ev.Position)
		c.emit(EventPosition, ev.ID, PositionPayload{Position: ev.Position})

	case asset.EventInteraction:
		c.emit(EventInteraction, ev.ID, InteractionPayload{Desired: ev.Desired})
		c.requestPower(e.comp, ev.Desired)

	case asset.EventPowerChanged:
		c.emit(EventPower, ev.ID, PowerPayload{Powered: ev.Powered})
		c.frames.mark(ev.ID)

	case asset.EventRejected:
		payload := RejectedPayload{Desired: !ev.Powered, Reason: ev.Err.Error()}
		var rej *asset.StateChangeRejectedError
		if errors.As(ev.Err, &rej) {
			payload = RejectedPayload{Desired: rej.Desired, Reason: rej.Reason}
		}
		c.logger.Info("power change rejected", "asset", ev.ID, "reason", payload.Reason)
		c.emit(EventRejected, ev.ID, payload)
		c.frames.mark(ev.ID)

	case asset.EventSelected:
		c.emit(EventSelected, ev.ID, SelectedPayload{Selected: ev.Selected})
		c.frames.mark(ev.ID)
	}
}

// requestPower relays a click to the authority off the loop and applies the
// answer back on it.
func (c *Controller) requestPower(comp *asset.Component, desired bool) {
	if c.cfg.Authority == nil {
		_ = comp.RejectPowerState("no power authority")
		return
	}
	id := comp.ID()
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
		defer cancel()
		res, err := c.cfg.Authority.SetPowerState(ctx, id, desired)
		c.post(func() { c.applyPowerResult(comp, res, err) })
	}()
}

func (c *Controller) applyPowerResult(comp *asset.Component, res power.Result, err error) {
	if e, ok := c.entries[comp.ID()]; !ok || e.comp != comp {
		c.logger.Debug("power answer for a removed asset dropped", "asset", comp.ID())
		return
	}
	if err != nil {
		reason := err.Error()
		var rej *power.RejectedError
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		_ = comp.RejectPowerState(reason)
		return
	}
	_ = comp.ConfirmPowerState(res.NewState)
	c.applyChanges(res.Cascade)
	c.applyLoads(res.Loads)
}

// applyChanges mirrors authority-pushed power states onto the assets.
func (c *Controller) applyChanges(changes []power.Change) {
	for _, ch := range changes {
		e, ok := c.entries[ch.ID]
		if !ok {
			continue
		}
		if err := e.comp.UpdatePowerState(ch.NewState); err != nil {
			c.logger.Debug("power update skipped", "asset", ch.ID, "err", err)
		}
	}
}

// applyLoads tells subscribers how much current each affected asset draws.
func (c *Controller) applyLoads(loads []power.LoadChange) {
	for _, l := range loads {
		if _, ok := c.entries[l.ID]; !ok {
			continue
		}
		c.emit(EventLoad, l.ID, LoadPayload{Load: l.NewLoad, Previous: l.OldLoad})
	}
}

func (c *Controller) flushFrame() {
	ids := c.frames.take()
	if len(ids) == 0 {
		return
	}
	frame := make([]asset.Drawable, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.entries[id]; ok {
			frame = append(frame, e.comp.Render())
		}
	}
	if len(frame) > 0 {
		c.emit(EventFrame, "", frame)
	}
}
