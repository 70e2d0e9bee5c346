package asset

import (
	"github.com/power-topology/backend/internal/imagecache"
	"github.com/power-topology/backend/internal/models"
)

// Anchor is a connection point in the asset's local coordinate space.
type Anchor struct {
	Name      string       `json:"name" msgpack:"name"`
	Direction Direction    `json:"direction" msgpack:"direction"`
	Point     models.Point `json:"point" msgpack:"point"`
}

// computeAnchors places each rule on the scaled governing image. With
// center=false, or before the governing image is known, every anchor sits at
// the origin so connector math never has to special-case unloaded assets.
func computeAnchors(rules []AnchorRule, governing *imagecache.Handle, scale float64, center bool) []Anchor {
	anchors := make([]Anchor, len(rules))
	for i, rule := range rules {
		anchors[i] = Anchor{Name: rule.Name, Direction: rule.Direction}
		if !center || governing == nil {
			continue
		}
		anchors[i].Point = models.Point{
			X: governing.Width() * rule.X * scale,
			Y: governing.Height() * rule.Y * scale,
		}
	}
	return anchors
}

// Absolute translates a local anchor into diagram space.
func Absolute(position models.Point, a Anchor) models.Point {
	return position.Add(a.Point)
}

// FindAnchor returns the anchor with the given name.
func FindAnchor(anchors []Anchor, name string) (Anchor, bool) {
	for _, a := range anchors {
		if a.Name == name {
			return a, true
		}
	}
	return Anchor{}, false
}
