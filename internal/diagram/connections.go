// connections.go - Connector endpoints between resolved anchors
package diagram

import (
	"context"

	"github.com/power-topology/backend/internal/asset"
	"github.com/power-topology/backend/internal/models"
)

// connections derives the endpoints of every declared power feed. A parent's
// k-th child takes its k-th output anchor; a child's i-th parent feeds its
// i-th input anchor. Endpoints touching an asset that has not reported
// resolved anchors are marked degraded and must not be drawn as final.
func (c *Controller) connections() []models.Connection {
	conns := c.topo.Connections()
	out := make([]models.Connection, 0, len(conns))
	outputUsed := make(map[models.AssetID]int)

	for _, spec := range c.topo.Assets {
		child, ok := c.entries[spec.ID]
		if !ok {
			continue
		}
		inputs := rulesOf(child, asset.DirectionInput)

		for i, parentID := range spec.PoweredBy {
			parent, ok := c.entries[parentID]
			if !ok {
				continue
			}
			outputs := rulesOf(parent, asset.DirectionOutput)

			conn := models.Connection{From: parentID, To: spec.ID}
			conn.Degraded = !parent.ready || parent.degraded || !child.ready || child.degraded

			conn.Start = parent.comp.Position()
			if len(outputs) > 0 {
				rule := outputs[outputUsed[parentID]%len(outputs)]
				conn.FromAnchor = rule.Name
				if a, ok := asset.FindAnchor(c.anchorsOf(parent), rule.Name); ok {
					conn.Start = asset.Absolute(parent.comp.Position(), a)
				}
			} else {
				conn.Degraded = true
			}
			outputUsed[parentID]++

			conn.End = child.comp.Position()
			if len(inputs) > 0 {
				rule := inputs[i%len(inputs)]
				conn.ToAnchor = rule.Name
				if a, ok := asset.FindAnchor(c.anchorsOf(child), rule.Name); ok {
					conn.End = asset.Absolute(child.comp.Position(), a)
				}
			}

			out = append(out, conn)
		}
	}
	return out
}

func rulesOf(e *entry, dir asset.Direction) []asset.AnchorRule {
	var rules []asset.AnchorRule
	for _, r := range e.comp.Variant().Anchors {
		if r.Direction == dir {
			rules = append(rules, r)
		}
	}
	return rules
}

// Connections returns the current connector endpoints.
func (c *Controller) Connections(ctx context.Context) ([]models.Connection, error) {
	var conns []models.Connection
	err := c.call(ctx, func() error {
		conns = c.connections()
		return nil
	})
	return conns, err
}
