package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/tilemap/geo"
)

// Handler implements the worker-side behavior for each request kind. It runs
// on worker goroutines; implementations must not touch main-thread state
// except through the message payloads they return.
type Handler interface {
	LoadTile(ctx context.Context, req *LoadTile) (*TileData, error)
	ReloadTile(ctx context.Context, req *ReloadTile) (*TileData, error)
	AbortTile(req *AbortTile)
	RemoveTile(req *RemoveTile)
	UpdateFeatureState(req *UpdateFeatureState)
}

// Callback receives the response for one request. Errors arrive as data;
// a canceled request's callback is never invoked. Callbacks run on worker
// goroutines and must synchronize with the caller's state themselves.
type Callback func(resp Response, err error)

const (
	statePending int32 = iota
	stateDelivered
	stateCanceled
)

// Cancelable is the handle returned for every request.
type Cancelable struct {
	state  atomic.Int32
	cancel context.CancelFunc
}

// Cancel prevents the callback from ever being invoked and cancels the
// request's context so worker-side partial results are discarded. It is
// idempotent, including after completion.
func (c *Cancelable) Cancel() {
	if c.state.CompareAndSwap(statePending, stateCanceled) {
		c.cancel()
	}
}

// Canceled reports whether Cancel won the race against delivery.
func (c *Cancelable) Canceled() bool {
	return c.state.Load() == stateCanceled
}

// Dispatcher routes requests to the shared pool's worker contexts. The first
// request for a tile picks a context round-robin; subsequent requests for the
// same target key stick to it, so per-key responses arrive in request order.
type Dispatcher struct {
	pool    *SharedPool
	handler Handler
	logger  *slog.Logger

	mu          sync.Mutex
	assignments map[geo.TileKey]int
	next        int
	closed      bool
}

// NewDispatcher acquires a reference on pool and routes all requests to h.
// A nil logger discards logs.
func NewDispatcher(pool *SharedPool, h Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool.Acquire()
	return &Dispatcher{
		pool:        pool,
		handler:     h,
		logger:      logger,
		assignments: make(map[geo.TileKey]int),
	}
}

// Send enqueues req at the given priority. cb may be nil for fire-and-forget
// requests. The returned handle cancels the request; a request canceled
// before its response is posted never invokes cb.
func (d *Dispatcher) Send(ctx context.Context, req Request, priority float64, cb Callback) *Cancelable {
	reqCtx, cancel := context.WithCancel(ctx)
	handle := &Cancelable{cancel: cancel}

	a := d.actorFor(req.TargetKey())
	if a == nil {
		handle.state.Store(stateCanceled)
		cancel()
		return handle
	}

	ok := a.submit(priority, func() {
		defer cancel()

		// Canceled while queued: skip the work entirely.
		if handle.state.Load() != statePending {
			return
		}

		resp, err := d.invoke(reqCtx, req)

		// Canceled mid-execution: the partial result is discarded and the
		// callback stays silent. Cancellation is not an error.
		if reqCtx.Err() != nil {
			handle.state.CompareAndSwap(statePending, stateCanceled)
			return
		}
		if handle.state.CompareAndSwap(statePending, stateDelivered) && cb != nil {
			cb(resp, err)
		}
	})
	if !ok {
		handle.state.Store(stateCanceled)
		cancel()
	}
	return handle
}

// Broadcast sends req to every worker context, fire-and-forget. Used for
// feature state propagation, which every context must observe.
func (d *Dispatcher) Broadcast(ctx context.Context, req Request, priority float64) {
	actors := d.liveActors()
	for _, a := range actors {
		a.submit(priority, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := d.invoke(ctx, req); err != nil {
				d.logger.Warn("broadcast request failed", "request", fmt.Sprintf("%T", req), "error", err)
			}
		})
	}
}

// Forget drops the per-key worker assignment once no more requests for the
// key will be sent.
func (d *Dispatcher) Forget(key geo.TileKey) {
	d.mu.Lock()
	delete(d.assignments, key)
	d.mu.Unlock()
}

// Close releases the pool reference. Requests sent after Close come back as
// already canceled handles.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.pool.Release()
}

// invoke matches the closed request set exhaustively.
func (d *Dispatcher) invoke(ctx context.Context, req Request) (Response, error) {
	switch r := req.(type) {
	case *LoadTile:
		return d.handler.LoadTile(ctx, r)
	case *ReloadTile:
		return d.handler.ReloadTile(ctx, r)
	case *AbortTile:
		d.handler.AbortTile(r)
		return &Ack{}, nil
	case *RemoveTile:
		d.handler.RemoveTile(r)
		return &Ack{}, nil
	case *UpdateFeatureState:
		d.handler.UpdateFeatureState(r)
		return &Ack{}, nil
	default:
		return nil, fmt.Errorf("worker: unhandled request kind %T", req)
	}
}

func (d *Dispatcher) actorFor(key geo.TileKey) *actor {
	actors := d.liveActors()
	if len(actors) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	idx, ok := d.assignments[key]
	if !ok || idx >= len(actors) {
		idx = d.next % len(actors)
		d.next++
		d.assignments[key] = idx
	}
	return actors[idx]
}

func (d *Dispatcher) liveActors() []*actor {
	return d.pool.running()
}
