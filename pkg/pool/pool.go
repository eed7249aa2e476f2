// Package pool implements a bounded pool of long-lived handles that are
// expensive to construct and must never be used by two callers at once.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

var (
	ErrDraining = errors.New("pool is draining")
	ErrNotHeld  = errors.New("handle is not held by the pool")
)

type (
	Factory[T any] func(ctx context.Context) (T, error)
	Destroy[T any] func(T) error
)

// Stats is a point-in-time view of the pool. Size is Free + InUse.
type Stats struct {
	Size    int
	Free    int
	InUse   int
	Pending int
	Waiting int
	Max     int
}

type options struct {
	max      int
	observer func(Stats)
}

type Option func(*options)

// WithMax bounds the number of handles alive at once. Values below one are
// raised to one.
func WithMax(n int) Option {
	return func(o *options) {
		o.max = n
	}
}

// WithObserver registers fn to be called with fresh stats after every state
// change. fn runs outside the pool lock.
func WithObserver(fn func(Stats)) Option {
	return func(o *options) {
		o.observer = fn
	}
}

type grant[T any] struct {
	handle T
	retry  bool
	err    error
}

type waiter[T any] struct {
	ch chan grant[T]
}

type Pool[T comparable] struct {
	factory  Factory[T]
	destroy  Destroy[T]
	max      int
	observer func(Stats)

	mu       sync.Mutex
	free     []T
	inUse    map[T]struct{}
	pending  int
	waiters  []*waiter[T]
	draining bool
	drained  chan struct{}
}

func New[T comparable](factory Factory[T], destroy Destroy[T], opts ...Option) *Pool[T] {
	o := options{max: runtime.NumCPU()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.max < 1 {
		o.max = 1
	}

	return &Pool[T]{
		factory:  factory,
		destroy:  destroy,
		max:      o.max,
		observer: o.observer,
		inUse:    make(map[T]struct{}),
		drained:  make(chan struct{}),
	}
}

// Acquire returns a free handle, constructs a new one while the pool is below
// its maximum, or waits for a release. It fails with ErrDraining once Drain
// has been called and with ctx.Err() if ctx ends while waiting.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return zero, ErrDraining
		}

		if n := len(p.free); n > 0 {
			h := p.free[n-1]
			p.free = p.free[:n-1]
			p.inUse[h] = struct{}{}
			stats := p.statsLocked()
			p.mu.Unlock()
			p.notify(stats)
			return h, nil
		}

		if p.sizeLocked()+p.pending < p.max {
			p.pending++
			stats := p.statsLocked()
			p.mu.Unlock()
			p.notify(stats)
			return p.create(ctx)
		}

		w := &waiter[T]{ch: make(chan grant[T], 1)}
		p.waiters = append(p.waiters, w)
		stats := p.statsLocked()
		p.mu.Unlock()
		p.notify(stats)

		select {
		case g := <-w.ch:
			if g.err != nil {
				return zero, g.err
			}
			if g.retry {
				continue
			}
			return g.handle, nil
		case <-ctx.Done():
			if p.cancelWait(w) {
				return zero, ctx.Err()
			}
			// a grant raced the cancellation, pass it on
			g := <-w.ch
			switch {
			case g.retry:
				p.mu.Lock()
				p.retryNextLocked()
				stats := p.statsLocked()
				p.mu.Unlock()
				p.notify(stats)
			case g.err == nil:
				_ = p.Release(g.handle)
			}
			return zero, ctx.Err()
		}
	}
}

func (p *Pool[T]) create(ctx context.Context) (T, error) {
	var zero T

	h, err := p.factory(ctx)

	p.mu.Lock()
	p.pending--

	if err != nil {
		// the reserved slot is free again
		p.retryNextLocked()
		stats := p.statsLocked()
		p.mu.Unlock()
		p.notify(stats)
		return zero, err
	}

	if p.draining {
		p.checkDrainedLocked()
		stats := p.statsLocked()
		p.mu.Unlock()
		p.notify(stats)
		if p.destroy != nil {
			if derr := p.destroy(h); derr != nil {
				return zero, errors.Join(ErrDraining, derr)
			}
		}
		return zero, ErrDraining
	}

	p.inUse[h] = struct{}{}
	stats := p.statsLocked()
	p.mu.Unlock()
	p.notify(stats)

	return h, nil
}

// retryNextLocked lets the oldest waiter try to fill a free slot.
func (p *Pool[T]) retryNextLocked() {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- grant[T]{retry: true}
	}
	p.checkDrainedLocked()
}

func (p *Pool[T]) cancelWait(w *waiter[T]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}

	return false
}

// Release hands h to the oldest waiter or returns it to the free set.
func (p *Pool[T]) Release(h T) error {
	p.mu.Lock()

	if _, ok := p.inUse[h]; !ok {
		p.mu.Unlock()
		return ErrNotHeld
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- grant[T]{handle: h}
	} else {
		delete(p.inUse, h)
		p.free = append(p.free, h)
		p.checkDrainedLocked()
	}

	stats := p.statsLocked()
	p.mu.Unlock()
	p.notify(stats)

	return nil
}

// Drain stops the pool from handing out handles, waits until every
// outstanding handle has been released and destroys them all. It blocks for
// as long as a handle stays out; callers that need a bound wrap it with a
// deadline. Concurrent calls wait for the same drain.
func (p *Pool[T]) Drain() error {
	p.mu.Lock()
	if !p.draining {
		p.draining = true
		for _, w := range p.waiters {
			w.ch <- grant[T]{err: ErrDraining}
		}
		p.waiters = nil
		p.checkDrainedLocked()
	}
	drained := p.drained
	p.mu.Unlock()

	<-drained

	p.mu.Lock()
	handles := p.free
	p.free = nil
	stats := p.statsLocked()
	p.mu.Unlock()

	var errs []error
	if p.destroy != nil {
		for _, h := range handles {
			if err := p.destroy(h); err != nil {
				errs = append(errs, err)
			}
		}
	}
	p.notify(stats)

	return errors.Join(errs...)
}

func (p *Pool[T]) checkDrainedLocked() {
	if !p.draining || len(p.inUse) > 0 || p.pending > 0 {
		return
	}
	select {
	case <-p.drained:
	default:
		close(p.drained)
	}
}

// Size returns the number of constructed handles, free and in use.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeLocked()
}

func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool[T]) sizeLocked() int {
	return len(p.free) + len(p.inUse)
}

func (p *Pool[T]) statsLocked() Stats {
	return Stats{
		Size:    p.sizeLocked(),
		Free:    len(p.free),
		InUse:   len(p.inUse),
		Pending: p.pending,
		Waiting: len(p.waiters),
		Max:     p.max,
	}
}

func (p *Pool[T]) notify(s Stats) {
	if p.observer != nil {
		p.observer(s)
	}
}
