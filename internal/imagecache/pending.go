package imagecache

import "context"

// Pending is the in-flight resolution of an image set. It completes exactly once.
type Pending struct {
	done   chan struct{}
	images map[string]*Handle
	err    error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Completed returns a pending result that is already resolved.
func Completed(images map[string]*Handle, err error) *Pending {
	p := newPending()
	p.complete(images, err)
	return p
}

func (p *Pending) complete(images map[string]*Handle, err error) {
	p.images = images
	p.err = err
	close(p.done)
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Resolved reports whether the result is available without blocking.
func (p *Pending) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the resolved handles keyed by role, or the load error.
// Before completion it returns ErrNotResolved.
func (p *Pending) Result() (map[string]*Handle, error) {
	if !p.Resolved() {
		return nil, ErrNotResolved
	}
	return p.images, p.err
}

// Wait blocks until the result is available or ctx is done.
func (p *Pending) Wait(ctx context.Context) (map[string]*Handle, error) {
	select {
	case <-p.done:
		return p.images, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
