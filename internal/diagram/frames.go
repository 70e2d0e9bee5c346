// frames.go - Redraw coalescing
package diagram

import (
	"sort"
	"time"

	"github.com/power-topology/backend/internal/models"
	"golang.org/x/time/rate"
)

// frameScheduler collects assets that need redrawing and asks for at most
// one flush per limiter token. It is owned by the loop.
type frameScheduler struct {
	limiter   *rate.Limiter
	schedule  func()
	dirty     map[models.AssetID]struct{}
	scheduled bool
	timer     *time.Timer
}

func newFrameScheduler(limiter *rate.Limiter, schedule func()) *frameScheduler {
	return &frameScheduler{
		limiter:  limiter,
		schedule: schedule,
		dirty:    make(map[models.AssetID]struct{}),
	}
}

func (f *frameScheduler) mark(id models.AssetID) {
	f.dirty[id] = struct{}{}
	if f.scheduled {
		return
	}
	f.scheduled = true
	f.timer = time.AfterFunc(f.limiter.Reserve().Delay(), f.schedule)
}

// take returns the dirty assets in id order and resets the set. A flush
// taken early (at drag end) cancels the pending timer.
func (f *frameScheduler) take() []models.AssetID {
	f.scheduled = false
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	if len(f.dirty) == 0 {
		return nil
	}
	ids := make([]models.AssetID, 0, len(f.dirty))
	for id := range f.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	f.dirty = make(map[models.AssetID]struct{})
	return ids
}

func (f *frameScheduler) stop() {
	if f.timer != nil {
		f.timer.Stop()
	}
}
