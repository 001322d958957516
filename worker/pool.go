package worker

import (
	"runtime"
	"sync"
)

// SharedPool owns the worker execution contexts. One pool is typically
// shared by every map instance in a process so they share OS threads:
// dispatchers acquire a reference on construction and release it on close;
// the contexts are spawned on the first acquire and torn down when the last
// reference is released.
type SharedPool struct {
	mu     sync.Mutex
	size   int
	refs   int
	actors []*actor
}

// NewSharedPool creates a pool of size worker contexts. size <= 0 picks
// GOMAXPROCS-1 (at least 1), leaving headroom for the render loop.
func NewSharedPool(size int) *SharedPool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0) - 1
		if size < 1 {
			size = 1
		}
	}
	return &SharedPool{size: size}
}

// Size returns the configured worker count.
func (p *SharedPool) Size() int { return p.size }

// Acquire takes a reference, spawning the worker contexts if this is the
// first one.
func (p *SharedPool) Acquire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs++
	if p.actors == nil {
		p.actors = make([]*actor, p.size)
		for i := range p.actors {
			p.actors[i] = newActor()
		}
	}
}

// Release drops a reference. When the last one goes, all worker contexts are
// stopped and their queued work is discarded.
func (p *SharedPool) Release() {
	p.mu.Lock()
	if p.refs > 0 {
		p.refs--
	}
	if p.refs > 0 || p.actors == nil {
		p.mu.Unlock()
		return
	}
	actors := p.actors
	p.actors = nil
	p.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}

// Refs returns the current reference count.
func (p *SharedPool) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}

// running returns the live actors, or nil if the pool is torn down.
func (p *SharedPool) running() []*actor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.actors
}
