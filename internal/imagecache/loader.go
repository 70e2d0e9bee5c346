// Package imagecache resolves named image resources to shared, immutable handles.
//
// A Loader is owned by the application root and injected wherever assets are
// mounted. Requests for the same reference are deduplicated: the fetch and
// decode run once and every caller receives the same *Handle.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/power-topology/backend/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultFetchTimeout bounds a single resource fetch when no timeout is configured.
const DefaultFetchTimeout = 10 * time.Second

// ErrNotResolved is returned by Pending.Result before the pending load completes.
var ErrNotResolved = errors.New("image set not resolved yet")

// Fetcher returns the raw bytes of a named resource.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, ref string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return f(ctx, ref)
}

// ResourceLoadError reports the first resource of an image set that failed to
// fetch or decode.
type ResourceLoadError struct {
	Role string
	Ref  string
	Err  error
}

func (e *ResourceLoadError) Error() string {
	return fmt.Sprintf("loading image %q for role %q: %v", e.Ref, e.Role, e.Err)
}

func (e *ResourceLoadError) Unwrap() error {
	return e.Err
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Cached  int   `json:"cached"`
	Fetches int64 `json:"fetches"`
	Failed  int64 `json:"failed"`
}

// Loader is a concurrency-safe image cache backed by a Fetcher.
type Loader struct {
	fetcher Fetcher
	timeout time.Duration
	logger  *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	handles map[string]*Handle
	// gens and purged stamp invalidations so an in-flight fetch that started
	// before one never lands in the cache.
	gens   map[string]uint64
	purged uint64
	seq    uint64

	fetches atomic.Int64
	failed  atomic.Int64
}

// Option configures a Loader.
type Option func(*Loader)

// WithTimeout sets the per-resource fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithLogger sets the loader's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader creates a loader that fetches through f.
func NewLoader(f Fetcher, opts ...Option) *Loader {
	l := &Loader{
		fetcher: f,
		timeout: DefaultFetchTimeout,
		logger:  slog.Default(),
		handles: make(map[string]*Handle),
		gens:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "imagecache")
	return l
}

// Resolve starts resolving every role of set and returns immediately. The
// returned Pending completes once all roles have loaded or one has failed.
func (l *Loader) Resolve(ctx context.Context, set models.ImageSet) *Pending {
	if images, ok := l.cachedSet(set); ok {
		return Completed(images, nil)
	}

	p := newPending()
	go func() {
		images, err := l.resolveSet(ctx, set)
		p.complete(images, err)
	}()
	return p
}

// Load resolves a single reference, sharing in-flight work with other callers.
func (l *Loader) Load(ctx context.Context, ref string) (*Handle, error) {
	if h, ok := l.cached(ref); ok {
		return h, nil
	}

	// The shared fetch must outlive any single caller: one asset being destroyed
	// cannot fail the load for every other asset waiting on the same reference.
	shared := context.WithoutCancel(ctx)

	ch := l.group.DoChan(ref, func() (interface{}, error) {
		if h, ok := l.cached(ref); ok {
			return h, nil
		}
		gen := l.generation(ref)

		fetchCtx, cancel := context.WithTimeout(shared, l.timeout)
		defer cancel()

		l.fetches.Add(1)
		data, err := l.fetcher.Fetch(fetchCtx, ref)
		if err != nil {
			l.failed.Add(1)
			return nil, fmt.Errorf("fetching: %w", err)
		}

		h, err := decode(ref, data)
		if err != nil {
			l.failed.Add(1)
			return nil, err
		}

		return l.store(h, gen), nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns cache counters.
func (l *Loader) Stats() Stats {
	l.mu.RLock()
	cached := len(l.handles)
	l.mu.RUnlock()

	return Stats{
		Cached:  cached,
		Fetches: l.fetches.Load(),
		Failed:  l.failed.Load(),
	}
}

// Invalidate drops the cached handle for ref so the next Load fetches it
// again. A fetch already running keeps serving its own callers but is not
// cached. Components already holding the old handle keep drawing it.
func (l *Loader) Invalidate(ref string) {
	l.mu.Lock()
	l.seq++
	l.gens[ref] = l.seq
	delete(l.handles, ref)
	l.mu.Unlock()

	l.group.Forget(ref)
}

// Purge drops every cached handle. Called once at application teardown.
func (l *Loader) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.Debug("purging image cache", "handles", len(l.handles))
	l.seq++
	l.purged = l.seq
	l.handles = make(map[string]*Handle)
}

func (l *Loader) resolveSet(ctx context.Context, set models.ImageSet) (map[string]*Handle, error) {
	var mu sync.Mutex
	images := make(map[string]*Handle, len(set))

	g, gctx := errgroup.WithContext(ctx)
	for role, ref := range set {
		g.Go(func() error {
			h, err := l.Load(gctx, ref)
			if err != nil {
				return &ResourceLoadError{Role: role, Ref: ref, Err: err}
			}
			mu.Lock()
			images[role] = h
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		l.logger.Warn("image set failed to resolve", "error", err)
		return nil, err
	}
	return images, nil
}

func (l *Loader) cached(ref string) (*Handle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handles[ref]
	return h, ok
}

func (l *Loader) cachedSet(set models.ImageSet) (map[string]*Handle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	images := make(map[string]*Handle, len(set))
	for role, ref := range set {
		h, ok := l.handles[ref]
		if !ok {
			return nil, false
		}
		images[role] = h
	}
	return images, true
}

func (l *Loader) generation(ref string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generationLocked(ref)
}

func (l *Loader) generationLocked(ref string) uint64 {
	return max(l.gens[ref], l.purged)
}

// store inserts h unless another writer got there first, and returns the
// winner. A handle fetched before the ref was invalidated is returned to its
// callers but not cached.
func (l *Loader) store(h *Handle, gen uint64) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.generationLocked(h.ref) != gen {
		l.logger.Debug("discarding stale image", "ref", h.ref)
		return h
	}
	if existing, ok := l.handles[h.ref]; ok {
		return existing
	}
	l.handles[h.ref] = h
	l.logger.Debug("image cached", "ref", h.ref, "format", h.format, "width", h.width, "height", h.height)
	return h
}
