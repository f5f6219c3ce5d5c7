package connector

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sync/semaphore"
)

// handlePool bounds the number of handles open against one target. Handles
// are opened lazily on first acquire and parked idle between borrows.
// Acquire blocks until a slot frees or the context expires.
type handlePool struct {
	sem            *semaphore.Weighted
	acquireTimeout time.Duration

	mu      sync.Mutex
	idle    []Handle
	drained bool
}

func newHandlePool(size int64, acquireTimeout time.Duration) *handlePool {
	return &handlePool{
		sem:            semaphore.NewWeighted(size),
		acquireTimeout: acquireTimeout,
	}
}

func (p *handlePool) acquire(ctx context.Context, open func(context.Context) (Handle, error)) (Handle, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Annotatef(err, "pool slot")
	}

	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, errors.Errorf("pool drained")
	}
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	h, err := open(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, errors.Trace(err)
	}
	return h, nil
}

// release returns a handle after one borrowed call. A handle whose call
// failed is closed instead of parked, so a broken connection never gets
// handed out again.
func (p *handlePool) release(h Handle, callErr error) {
	p.mu.Lock()
	park := callErr == nil && !p.drained
	if park {
		p.idle = append(p.idle, h)
	}
	p.mu.Unlock()

	if !park {
		h.Close()
	}
	p.sem.Release(1)
}

func (p *handlePool) drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.drained = true
	var retErr error
	for _, h := range p.idle {
		if err := h.Close(); err != nil && retErr == nil {
			retErr = errors.Trace(err)
		}
	}
	p.idle = nil
	return retErr
}
