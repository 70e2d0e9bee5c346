// persist.go - Serialized position persistence
package diagram

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/power-topology/backend/internal/models"
	"github.com/power-topology/backend/internal/storage"
)

const saveTimeout = 5 * time.Second

type saveRequest struct {
	diagram string
	id      models.AssetID
	pos     models.Point
	forget  bool
}

// persister writes positions in the order gestures ended, off the loop.
// Deletions share the queue so they never overtake an earlier save.
type persister struct {
	store  storage.PositionStore
	logger *slog.Logger
	reqs   chan saveRequest
	saved  atomic.Int64
	failed atomic.Int64
}

func newPersister(store storage.PositionStore, logger *slog.Logger) *persister {
	return &persister{
		store:  store,
		logger: logger,
		reqs:   make(chan saveRequest, 1024),
	}
}

func (p *persister) save(diagram string, id models.AssetID, pos models.Point) {
	p.reqs <- saveRequest{diagram: diagram, id: id, pos: pos}
}

func (p *persister) forget(diagram string, id models.AssetID) {
	p.reqs <- saveRequest{diagram: diagram, id: id, forget: true}
}

func (p *persister) run() {
	for req := range p.reqs {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if req.forget {
			if err := p.store.DeletePosition(ctx, req.diagram, req.id); err != nil {
				p.logger.Warn("forgetting position failed", "asset", req.id, "err", err)
			}
			cancel()
			continue
		}
		err := p.store.SavePosition(ctx, req.diagram, req.id, req.pos)
		cancel()
		if err != nil {
			p.failed.Add(1)
			p.logger.Error("saving position failed", "asset", req.id, "err", err)
			continue
		}
		p.saved.Add(1)
	}
}

func (p *persister) close() {
	close(p.reqs)
}

// Stats summarizes controller activity.
type Stats struct {
	Assets         int   `json:"assets"`
	Ready          int   `json:"ready"`
	Degraded       int   `json:"degraded"`
	Subscribers    int   `json:"subscribers"`
	DroppedEvents  int64 `json:"droppedEvents"`
	PositionsSaved int64 `json:"positionsSaved"`
	SaveFailures   int64 `json:"saveFailures"`
}

// Stats returns counters for health reporting.
func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.call(ctx, func() error {
		s.Assets = len(c.entries)
		for _, e := range c.entries {
			if e.ready {
				s.Ready++
			}
			if e.degraded {
				s.Degraded++
			}
		}
		return nil
	})
	s.Subscribers = c.hub.count()
	s.DroppedEvents = c.hub.dropped.Load()
	s.PositionsSaved = c.saver.saved.Load()
	s.SaveFailures = c.saver.failed.Load()
	return s, err
}
