// engine.go - In-process power authority
//
// The engine simulates the backend that owns the real power state of every
// asset. It tracks each asset's status, why it is in that status, and the
// voltage reaching it through its parents, and the load (amps) each asset
// draws, rolled up through its suppliers. Switching an asset off cuts the
// supply to everything downstream; restoring it re-energizes only the assets
// that went down because their supply was lost.
package power

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/power-topology/backend/internal/models"
)

// Default electrical parameters.
const (
	DefaultMainsVoltage = 120.0
	DefaultMinVoltage   = 90.0
)

// DefaultConsumption is the power draw, in watts, of one asset of each kind
// when it is on. Loads reported by the engine are in amps at the asset's
// input voltage.
var DefaultConsumption = map[models.Kind]float64{
	models.KindLamp:   60,
	models.KindOutlet: 0,
	models.KindPDU:    20,
	models.KindUPS:    50,
	models.KindServer: 350,
}

// loadEpsilon hides floating point noise when comparing loads.
const loadEpsilon = 1e-9

// ErrUnknownAsset is wrapped by RejectedError when the asset is not in the topology.
var ErrUnknownAsset = errors.New("unknown asset")

// RejectedError is returned when a power request cannot be honored.
type RejectedError struct {
	ID     models.AssetID
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("power request for %s rejected: %s", e.ID, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Action is the kind of power request applied to an asset.
type Action string

const (
	ActionPowerUp  Action = "power_up"
	ActionShutDown Action = "shut_down"
	ActionPowerOff Action = "power_off"
)

// Change describes one asset whose status changed.
type Change struct {
	ID       models.AssetID     `json:"id" msgpack:"id"`
	Kind     models.Kind        `json:"kind" msgpack:"kind"`
	OldState bool               `json:"old_state" msgpack:"old_state"`
	NewState bool               `json:"new_state" msgpack:"new_state"`
	Reason   models.PowerReason `json:"reason" msgpack:"reason"`
}

// LoadChange describes one asset whose load changed, in amps.
type LoadChange struct {
	ID      models.AssetID `json:"id" msgpack:"id"`
	OldLoad float64        `json:"old_load" msgpack:"old_load"`
	NewLoad float64        `json:"new_load" msgpack:"new_load"`
}

// Result is the outcome of a power request: the requested asset's change
// followed by every downstream asset it affected, and the load changes
// that rolled up to the suppliers.
type Result struct {
	RequestID string `json:"request_id" msgpack:"request_id"`
	Action    Action `json:"action" msgpack:"action"`
	Change
	Cascade []Change     `json:"cascade" msgpack:"cascade"`
	Loads   []LoadChange `json:"loads" msgpack:"loads"`
}

// MainsResult is the outcome of switching the wall supply.
type MainsResult struct {
	Changes []Change     `json:"changes" msgpack:"changes"`
	Loads   []LoadChange `json:"loads" msgpack:"loads"`
}

// State is a read-only view of one asset in the engine.
type State struct {
	ID                   models.AssetID     `json:"id" msgpack:"id"`
	Kind                 models.Kind        `json:"kind" msgpack:"kind"`
	Powered              bool               `json:"powered" msgpack:"powered"`
	Reason               models.PowerReason `json:"reason" msgpack:"reason"`
	InputVoltage         float64            `json:"input_voltage" msgpack:"input_voltage"`
	PowerConsumption     float64            `json:"power_consumption" msgpack:"power_consumption"`
	Load                 float64            `json:"load" msgpack:"load"`
	PowerOnWhenACRestore bool               `json:"power_on_when_ac_restore" msgpack:"power_on_when_ac_restore"`
	Parents              []models.AssetID   `json:"parents" msgpack:"parents"`
}

type node struct {
	id       models.AssetID
	kind     models.Kind
	status   bool
	reason   models.PowerReason
	inVolt   float64
	watts    float64
	load     float64
	restore  bool
	parents  []*node
	children []*node
}

func (n *node) outVolt() float64 {
	if n.status {
		return n.inVolt
	}
	return 0
}

// supplies reports whether n currently feeds power to a child.
func (n *node) supplies(minV float64) bool {
	return n.outVolt() > minV
}

// Engine is safe for concurrent use.
type Engine struct {
	mu          sync.Mutex
	nodes       map[models.AssetID]*node
	order       []*node // parents before children
	mains       bool
	mainsV      float64
	minV        float64
	consumption map[models.Kind]float64
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithVoltage sets the mains voltage and the minimum an asset needs to stay on.
func WithVoltage(mains, min float64) Option {
	return func(e *Engine) {
		e.mainsV = mains
		e.minV = min
	}
}

// WithConsumption overrides the power draw, in watts, of one kind.
func WithConsumption(kind models.Kind, watts float64) Option {
	return func(e *Engine) {
		e.consumption[kind] = watts
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine with no assets and mains power on.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		nodes:  make(map[models.AssetID]*node),
		mains:  true,
		mainsV: DefaultMainsVoltage,
		minV:   DefaultMinVoltage,
		logger: slog.Default(),
	}
	e.consumption = make(map[models.Kind]float64, len(DefaultConsumption))
	for k, w := range DefaultConsumption {
		e.consumption[k] = w
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "power")
	return e
}

// Load replaces the engine's assets with the topology. Declared power states
// are honored where a supply exists; assets declared on without one come up
// off with reason ac_lost.
func (e *Engine) Load(topo *models.Topology) error {
	nodes := make(map[models.AssetID]*node, len(topo.Assets))
	for _, spec := range topo.Assets {
		if _, dup := nodes[spec.ID]; dup {
			return fmt.Errorf("duplicate asset %q", spec.ID)
		}
		reason := models.ReasonButtonUp
		if !spec.Powered {
			reason = models.ReasonButtonDown
		}
		nodes[spec.ID] = &node{
			id:      spec.ID,
			kind:    spec.Kind,
			status:  spec.Powered,
			reason:  reason,
			watts:   e.consumption[spec.Kind],
			restore: true,
		}
	}
	for _, spec := range topo.Assets {
		n := nodes[spec.ID]
		for _, pid := range spec.PoweredBy {
			p, ok := nodes[pid]
			if !ok {
				return fmt.Errorf("asset %q powered by unknown asset %q", spec.ID, pid)
			}
			n.parents = append(n.parents, p)
			p.children = append(p.children, n)
		}
	}
	order, err := sortNodes(nodes)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes = nodes
	e.order = order
	for _, n := range e.order {
		e.settle(n)
	}
	e.updateLoads()
	e.logger.Info("topology loaded", "assets", len(nodes))
	return nil
}

// sortNodes orders nodes parents-first and rejects power loops.
func sortNodes(nodes map[models.AssetID]*node) ([]*node, error) {
	ids := make([]models.AssetID, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	indegree := make(map[*node]int, len(nodes))
	var queue []*node
	for _, id := range ids {
		n := nodes[id]
		indegree[n] = len(n.parents)
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]*node, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, c := range n.children {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if len(order) != len(nodes) {
		return nil, errors.New("power loop detected in topology")
	}
	return order, nil
}

// supply computes the voltage reaching n from its parents, or from the mains
// for a root asset.
func (e *Engine) supply(n *node) float64 {
	if len(n.parents) == 0 {
		if e.mains {
			return e.mainsV
		}
		return 0
	}
	best := 0.0
	for _, p := range n.parents {
		if v := p.outVolt(); v > best {
			best = v
		}
	}
	return best
}

// settle updates n's input voltage and reacts to crossing the threshold. It
// returns the change, if any.
func (e *Engine) settle(n *node) *Change {
	n.inVolt = e.supply(n)
	powered := n.inVolt > e.minV

	switch {
	case n.status && !powered:
		n.status = false
		n.reason = models.ReasonACLost
	case !n.status && powered && n.reason == models.ReasonACLost && n.restore:
		n.status = true
		n.reason = models.ReasonACRestored
	default:
		return nil
	}
	return &Change{ID: n.id, Kind: n.kind, OldState: !n.status, NewState: n.status, Reason: n.reason}
}

// cascade re-settles everything downstream of the changed roots, in
// topological order, and collects the resulting changes.
func (e *Engine) cascade(from ...*node) []Change {
	dirty := make(map[*node]bool)
	for _, n := range from {
		for _, c := range n.children {
			dirty[c] = true
		}
	}
	changes := []Change{}
	for _, n := range e.order {
		if !dirty[n] {
			continue
		}
		before := n.status
		if ch := e.settle(n); ch != nil {
			changes = append(changes, *ch)
		}
		if n.status != before || n.status {
			// Voltage can change without a status flip (e.g. one of two supplies lost).
			for _, c := range n.children {
				dirty[c] = true
			}
		}
	}
	return changes
}

// updateLoads recomputes every asset's load, children first. An asset draws
// its own consumption while on, plus the load of every child it supplies; a
// child fed by several live suppliers splits its load evenly between them.
// It returns the assets whose load changed, parents first.
func (e *Engine) updateLoads() []LoadChange {
	old := make(map[*node]float64, len(e.order))
	for _, n := range e.order {
		old[n] = n.load
		n.load = 0
	}

	for i := len(e.order) - 1; i >= 0; i-- {
		n := e.order[i]
		if n.status && n.inVolt > 0 {
			n.load += n.watts / n.inVolt
		}
		if n.load == 0 {
			continue
		}
		var live []*node
		for _, p := range n.parents {
			if p.supplies(e.minV) {
				live = append(live, p)
			}
		}
		for _, p := range live {
			p.load += n.load / float64(len(live))
		}
	}

	changes := []LoadChange{}
	for _, n := range e.order {
		if math.Abs(n.load-old[n]) > loadEpsilon {
			changes = append(changes, LoadChange{ID: n.id, OldLoad: old[n], NewLoad: n.load})
		}
	}
	return changes
}

func (e *Engine) lookup(id models.AssetID) (*node, error) {
	n, ok := e.nodes[id]
	if !ok {
		return nil, &RejectedError{ID: id, Reason: "unknown asset", Err: ErrUnknownAsset}
	}
	return n, nil
}

// SetPowerState asks for the asset to be powered on or off. Turning off is a
// graceful shutdown. Lamps only follow their supply.
func (e *Engine) SetPowerState(ctx context.Context, id models.AssetID, desired bool) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.lookup(id)
	if err != nil {
		return Result{}, err
	}
	if n.kind == models.KindLamp {
		return Result{}, &RejectedError{ID: id, Reason: "lamps follow their supply"}
	}
	if desired {
		return e.powerUp(n)
	}
	return e.switchOff(n, ActionShutDown)
}

// PowerUp turns the asset on. It fails without input power.
func (e *Engine) PowerUp(id models.AssetID) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.lookup(id)
	if err != nil {
		return Result{}, err
	}
	return e.powerUp(n)
}

// ShutDown turns the asset off gracefully.
func (e *Engine) ShutDown(id models.AssetID) (Result, error) {
	return e.off(id, ActionShutDown)
}

// PowerOff cuts the asset's power immediately.
func (e *Engine) PowerOff(id models.AssetID) (Result, error) {
	return e.off(id, ActionPowerOff)
}

func (e *Engine) off(id models.AssetID, action Action) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.lookup(id)
	if err != nil {
		return Result{}, err
	}
	return e.switchOff(n, action)
}

func (e *Engine) powerUp(n *node) (Result, error) {
	n.inVolt = e.supply(n)
	if n.inVolt <= e.minV {
		return Result{}, &RejectedError{ID: n.id, Reason: "no input power"}
	}
	return e.apply(n, ActionPowerUp, true, models.ReasonButtonUp), nil
}

func (e *Engine) switchOff(n *node, action Action) (Result, error) {
	return e.apply(n, action, false, models.ReasonButtonDown), nil
}

func (e *Engine) apply(n *node, action Action, status bool, reason models.PowerReason) Result {
	old := n.status
	n.status = status
	n.reason = reason

	res := Result{
		RequestID: uuid.NewString(),
		Action:    action,
		Change:    Change{ID: n.id, Kind: n.kind, OldState: old, NewState: status, Reason: reason},
		Cascade:   []Change{},
	}
	if old != status {
		res.Cascade = e.cascade(n)
	}
	res.Loads = e.updateLoads()
	e.logger.Info("power request applied",
		"request", res.RequestID,
		"asset", n.id,
		"action", action,
		"old", old,
		"new", status,
		"cascade", len(res.Cascade),
		"load_changes", len(res.Loads))
	return res
}

// SetMains switches the wall supply feeding every root asset and returns
// the assets whose status or load changed as a result.
func (e *Engine) SetMains(on bool) MainsResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mains == on {
		return MainsResult{Changes: []Change{}, Loads: []LoadChange{}}
	}
	e.mains = on

	changes := []Change{}
	var roots []*node
	for _, n := range e.order {
		if len(n.parents) > 0 {
			continue
		}
		roots = append(roots, n)
		if ch := e.settle(n); ch != nil {
			changes = append(changes, *ch)
		}
	}
	changes = append(changes, e.cascade(roots...)...)
	loads := e.updateLoads()
	e.logger.Info("mains switched", "on", on, "changes", len(changes), "load_changes", len(loads))
	return MainsResult{Changes: changes, Loads: loads}
}

// Mains reports whether wall power is on.
func (e *Engine) Mains() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mains
}

// SetPowerOnWhenACRestore controls whether the asset comes back by itself
// when its supply returns.
func (e *Engine) SetPowerOnWhenACRestore(id models.AssetID, restore bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.lookup(id)
	if err != nil {
		return err
	}
	n.restore = restore
	return nil
}

// Status returns the current state of one asset.
func (e *Engine) Status(id models.AssetID) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.lookup(id)
	if err != nil {
		return State{}, err
	}
	return n.state(), nil
}

// Snapshot returns every asset's state, parents before children.
func (e *Engine) Snapshot() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]State, len(e.order))
	for i, n := range e.order {
		out[i] = n.state()
	}
	return out
}

func (n *node) state() State {
	parents := make([]models.AssetID, len(n.parents))
	for i, p := range n.parents {
		parents[i] = p.id
	}
	return State{
		ID:                   n.id,
		Kind:                 n.kind,
		Powered:              n.status,
		Reason:               n.reason,
		InputVoltage:         n.inVolt,
		PowerConsumption:     n.watts,
		Load:                 n.load,
		PowerOnWhenACRestore: n.restore,
		Parents:              parents,
	}
}
