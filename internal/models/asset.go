// Package models contains domain types for the power topology diagram.
package models

// AssetID identifies an asset within one diagram.
type AssetID string

// Kind is the closed set of asset variants the diagram can draw.
type Kind string

const (
	KindLamp   Kind = "lamp"
	KindOutlet Kind = "outlet"
	KindPDU    Kind = "pdu"
	KindUPS    Kind = "ups"
	KindServer Kind = "server"
)

// Kinds lists every supported variant in catalog order.
func Kinds() []Kind {
	return []Kind{KindLamp, KindOutlet, KindPDU, KindUPS, KindServer}
}

// Valid reports whether k is a known variant.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Point is a coordinate in diagram space (or an asset's local space for anchors).
type Point struct {
	X float64 `json:"x" msgpack:"x" yaml:"x"`
	Y float64 `json:"y" msgpack:"y" yaml:"y"`
}

// Add returns the sum of two points.
func (p Point) Add(other Point) Point {
	return Point{X: p.X + other.X, Y: p.Y + other.Y}
}

// Scale returns the point scaled by a factor.
func (p Point) Scale(factor float64) Point {
	return Point{X: p.X * factor, Y: p.Y * factor}
}

// IsZero reports whether p is the origin.
func (p Point) IsZero() bool {
	return p.X == 0 && p.Y == 0
}

// ImageSet maps a semantic image role ("on", "off", "background") to a resource reference.
type ImageSet map[string]string

// Refs returns the distinct resource references of the set.
func (s ImageSet) Refs() []string {
	seen := make(map[string]struct{}, len(s))
	refs := make([]string, 0, len(s))
	for _, ref := range s {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	return refs
}

// PowerReason records why an asset is in its current power state.
type PowerReason string

const (
	ReasonButtonUp   PowerReason = "button_up"
	ReasonButtonDown PowerReason = "button_down"
	ReasonACLost     PowerReason = "ac_lost"
	ReasonACRestored PowerReason = "ac_restored"
)

// CausedByUser reports whether an operator (not an upstream power event) set the state.
func (r PowerReason) CausedByUser() bool {
	return r == ReasonButtonUp || r == ReasonButtonDown
}
