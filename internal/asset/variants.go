// variants.go - Declarative asset variants and the variant registry
package asset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/power-topology/backend/internal/models"
)

// Direction tells whether an anchor receives or supplies power.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// AnchorRule places an anchor at a fraction of the scaled governing image:
// X=0.5, Y=1 is the middle of the bottom edge.
type AnchorRule struct {
	Name      string    `json:"name" yaml:"name"`
	Direction Direction `json:"direction" yaml:"direction"`
	X         float64   `json:"x" yaml:"x"`
	Y         float64   `json:"y" yaml:"y"`
}

// RenderRule maps power and selection state to the image roles drawn, bottom first.
type RenderRule func(powered, selected bool) []string

// Variant is the declarative data that distinguishes one kind of asset from another.
// Everything else is shared Component mechanics.
type Variant struct {
	Kind        models.Kind
	Images      models.ImageSet
	AnchorRole  string
	Scale       float64
	Anchors     []AnchorRule
	Interactive bool
	Render      RenderRule
}

// Validate checks the variant's internal consistency.
func (v *Variant) Validate() error {
	if !v.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", v.Kind)
	}
	if v.Scale <= 0 {
		return fmt.Errorf("%s: scale must be positive, got %v", v.Kind, v.Scale)
	}
	if _, ok := v.Images[v.AnchorRole]; !ok {
		return fmt.Errorf("%s: anchor role %q has no image", v.Kind, v.AnchorRole)
	}
	if v.Render == nil {
		return fmt.Errorf("%s: missing render rule", v.Kind)
	}
	for _, powered := range []bool{false, true} {
		for _, selected := range []bool{false, true} {
			for _, role := range v.Render(powered, selected) {
				if _, ok := v.Images[role]; !ok {
					return fmt.Errorf("%s: render rule uses undeclared role %q", v.Kind, role)
				}
			}
		}
	}
	return nil
}

// Anchor returns the rule with the given name.
func (v *Variant) Anchor(name string) (AnchorRule, bool) {
	for _, a := range v.Anchors {
		if a.Name == name {
			return a, true
		}
	}
	return AnchorRule{}, false
}

// FirstAnchor returns the first anchor rule in the given direction.
func (v *Variant) FirstAnchor(dir Direction) (AnchorRule, bool) {
	for _, a := range v.Anchors {
		if a.Direction == dir {
			return a, true
		}
	}
	return AnchorRule{}, false
}

func toggle(on, off string) RenderRule {
	return func(powered, _ bool) []string {
		if powered {
			return []string{on}
		}
		return []string{off}
	}
}

func pduOutputs(n int) []AnchorRule {
	rules := []AnchorRule{{Name: "in", Direction: DirectionInput, X: 0, Y: 0.5}}
	for i := 0; i < n; i++ {
		rules = append(rules, AnchorRule{
			Name:      fmt.Sprintf("out%d", i+1),
			Direction: DirectionOutput,
			X:         (float64(i) + 0.5) / float64(n),
			Y:         1,
		})
	}
	return rules
}

// Catalog returns fresh copies of the built-in variants.
func Catalog() []*Variant {
	return []*Variant{
		{
			Kind:       models.KindLamp,
			Images:     models.ImageSet{"lampImg": "lamp.svg", "lampOffImg": "lamp_off.svg"},
			AnchorRole: "lampImg",
			Scale:      0.7,
			Anchors:    []AnchorRule{{Name: "in", Direction: DirectionInput, X: 0.5, Y: 1}},
			Render:     toggle("lampImg", "lampOffImg"),
		},
		{
			Kind:       models.KindOutlet,
			Images:     models.ImageSet{"outletImg": "outlet.svg", "outletOffImg": "outlet_off.svg"},
			AnchorRole: "outletImg",
			Scale:      0.4,
			Anchors: []AnchorRule{
				{Name: "in", Direction: DirectionInput, X: 0.5, Y: 1},
				{Name: "out", Direction: DirectionOutput, X: 0.5, Y: 0},
			},
			Interactive: true,
			Render:      toggle("outletImg", "outletOffImg"),
		},
		{
			Kind: models.KindPDU,
			Images: models.ImageSet{
				"background": "pdu.svg",
				"onLed":      "led_on.svg",
				"offLed":     "led_off.svg",
			},
			AnchorRole:  "background",
			Scale:       0.5,
			Anchors:     pduOutputs(8),
			Interactive: true,
			Render: func(powered, _ bool) []string {
				if powered {
					return []string{"background", "onLed"}
				}
				return []string{"background", "offLed"}
			},
		},
		{
			Kind: models.KindUPS,
			Images: models.ImageSet{
				"background": "ups.svg",
				"onLed":      "led_on.svg",
				"offLed":     "led_off.svg",
				"battery":    "battery.svg",
			},
			AnchorRole: "background",
			Scale:      0.6,
			Anchors: []AnchorRule{
				{Name: "in", Direction: DirectionInput, X: 0.5, Y: 1},
				{Name: "out", Direction: DirectionOutput, X: 0.5, Y: 0},
			},
			Interactive: true,
			Render: func(powered, _ bool) []string {
				if powered {
					return []string{"background", "battery", "onLed"}
				}
				return []string{"background", "battery", "offLed"}
			},
		},
		{
			Kind:       models.KindServer,
			Images:     models.ImageSet{"serverImg": "server.svg", "serverOffImg": "server_off.svg"},
			AnchorRole: "serverImg",
			Scale:      0.5,
			Anchors: []AnchorRule{
				{Name: "psu1", Direction: DirectionInput, X: 0.25, Y: 1},
				{Name: "psu2", Direction: DirectionInput, X: 0.75, Y: 1},
			},
			Interactive: true,
			Render:      toggle("serverImg", "serverOffImg"),
		},
	}
}

// Registry holds the variants that can be instantiated.
type Registry struct {
	mu       sync.RWMutex
	variants map[models.Kind]*Variant
}

var defaultRegistry = mustRegistry(Catalog())

func mustRegistry(variants []*Variant) *Registry {
	r := NewRegistry()
	for _, v := range variants {
		if err := r.Register(v); err != nil {
			panic(err)
		}
	}
	return r
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{variants: make(map[models.Kind]*Variant)}
}

// DefaultRegistry returns the registry holding the built-in catalog.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register validates v and adds it, replacing any variant of the same kind.
func (r *Registry) Register(v *Variant) error {
	if err := v.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[v.Kind] = v
	return nil
}

// Lookup returns the variant for kind.
func (r *Registry) Lookup(kind models.Kind) (*Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.variants[kind]
	if !ok {
		return nil, fmt.Errorf("no variant registered for kind %q", kind)
	}
	return v, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []models.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]models.Kind, 0, len(r.variants))
	for k := range r.variants {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ImageRefs returns every resource reference used by the registered variants.
func (r *Registry) ImageRefs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var refs []string
	for _, v := range r.variants {
		for _, ref := range v.Images.Refs() {
			if _, ok := seen[ref]; !ok {
				seen[ref] = struct{}{}
				refs = append(refs, ref)
			}
		}
	}
	sort.Strings(refs)
	return refs
}

// New instantiates an unmounted component of the given kind.
func (r *Registry) New(id models.AssetID, kind models.Kind, sink Sink) (*Component, error) {
	v, err := r.Lookup(kind)
	if err != nil {
		return nil, err
	}
	return NewComponent(id, v, sink), nil
}

// Lookup finds a built-in variant.
func Lookup(kind models.Kind) (*Variant, error) {
	return defaultRegistry.Lookup(kind)
}
