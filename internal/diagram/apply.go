// apply.go - Bringing the asset collection in line with a topology
package diagram

import (
	"context"
	"errors"
	"fmt"

	"github.com/power-topology/backend/internal/asset"
	"github.com/power-topology/backend/internal/imagecache"
	"github.com/power-topology/backend/internal/models"
)

// ApplyResult counts what Apply changed.
type ApplyResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
}

// Apply loads topo into the power authority and reconciles the assets with
// it: new assets are mounted at their saved (or declared) position, removed
// assets are destroyed and kept assets mirror the authority's power state.
// On error the previous topology stays in place.
func (c *Controller) Apply(ctx context.Context, topo *models.Topology) (ApplyResult, error) {
	if c.cfg.Authority != nil {
		if err := c.cfg.Authority.Load(topo); err != nil {
			return ApplyResult{}, fmt.Errorf("loading topology %q: %w", topo.Name, err)
		}
	}

	saved, err := c.cfg.Positions.LoadPositions(ctx, topo.Name)
	if err != nil {
		c.logger.Warn("loading saved positions failed", "diagram", topo.Name, "err", err)
		saved = nil
	}

	powered := make(map[models.AssetID]bool, len(topo.Assets))
	for _, a := range topo.Assets {
		powered[a.ID] = a.Powered
	}
	if c.cfg.Authority != nil {
		for _, s := range c.cfg.Authority.Snapshot() {
			powered[s.ID] = s.Powered
		}
	}

	var res ApplyResult
	err = c.call(ctx, func() error {
		res = c.reconcile(topo, saved, powered)
		return nil
	})
	return res, err
}

func (c *Controller) reconcile(topo *models.Topology, saved map[models.AssetID]models.Point, powered map[models.AssetID]bool) ApplyResult {
	var res ApplyResult
	wanted := make(map[models.AssetID]models.AssetSpec, len(topo.Assets))
	for _, a := range topo.Assets {
		wanted[a.ID] = a
	}

	for _, id := range c.sortedIDs() {
		spec, ok := wanted[id]
		if !ok || spec.Kind != c.entries[id].spec.Kind {
			c.remove(id)
			res.Removed++
		}
	}

	renamed := c.name != topo.Name
	c.name = topo.Name
	c.topo = topo

	for _, spec := range topo.Assets {
		if e, ok := c.entries[spec.ID]; ok {
			e.spec = spec
			if err := e.comp.UpdatePowerState(powered[spec.ID]); err != nil {
				c.logger.Debug("power update skipped", "asset", spec.ID, "err", err)
			}
			if renamed {
				if p, ok := saved[spec.ID]; ok {
					_ = e.comp.MoveTo(p)
				}
			}
			res.Kept++
			continue
		}

		pos := spec.Location
		if p, ok := saved[spec.ID]; ok {
			pos = p
		}
		if err := c.add(spec, pos, powered[spec.ID]); err != nil {
			c.logger.Error("adding asset failed", "asset", spec.ID, "err", err)
			continue
		}
		res.Added++
	}

	c.logger.Info("topology applied",
		"diagram", topo.Name,
		"added", res.Added,
		"removed", res.Removed,
		"kept", res.Kept)
	c.emit(EventTopology, "", res)
	return res
}

// add creates and mounts an asset. The image resolution is awaited on a
// helper goroutine and delivered back to the loop.
func (c *Controller) add(spec models.AssetSpec, pos models.Point, powered bool) error {
	comp, err := c.cfg.Registry.New(spec.ID, spec.Kind, c.sink())
	if err != nil {
		return err
	}
	p, err := comp.Mount(c.ctx, c.cfg.Resolver, pos, powered)
	if err != nil {
		return err
	}

	c.entries[spec.ID] = &entry{comp: comp, spec: spec}
	c.emit(EventAdded, spec.ID, comp.Render())
	c.frames.mark(spec.ID)

	go func() {
		select {
		case <-p.Done():
			c.post(func() { c.resolve(comp, p) })
		case <-c.done:
		}
	}()
	return nil
}

func (c *Controller) resolve(comp *asset.Component, p *imagecache.Pending) {
	err := comp.Resolve(p)
	switch {
	case err == nil:
	case errors.Is(err, asset.ErrStaleCallback):
		c.logger.Debug("stale image resolution dropped", "asset", comp.ID())
	default:
		c.logger.Error("image resolution failed", "asset", comp.ID(), "err", err)
	}
}

func (c *Controller) remove(id models.AssetID) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.comp.Destroy()
	delete(c.entries, id)
	c.emit(EventRemoved, id, nil)
	c.saver.forget(c.name, id)
}
