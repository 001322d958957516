package tilemap

import (
	"context"
	"time"

	"github.com/paulmach/orb"

	"github.com/hupe1980/tilemap/collision"
	"github.com/hupe1980/tilemap/cover"
	"github.com/hupe1980/tilemap/crosstile"
	"github.com/hupe1980/tilemap/fetch"
	"github.com/hupe1980/tilemap/internal/resource"
	"github.com/hupe1980/tilemap/placement"
	"github.com/hupe1980/tilemap/pyramid"
	"github.com/hupe1980/tilemap/symbol"
	"github.com/hupe1980/tilemap/worker"
)

// Core is the symbol placement and tile lifecycle engine of one map
// instance: it keeps tiles aligned with the camera, resolves persistent
// symbol identities across tiles and zooms, and runs frame-budgeted
// placement passes over the loaded content.
//
// Core is driven from a single render loop goroutine; its methods are not
// safe for concurrent use. Worker results queue until the next call, so
// state read between calls does not change underneath the caller.
type Core struct {
	logger     *Logger
	pool       *worker.SharedPool
	dispatcher *worker.Dispatcher
	tiles      *pyramid.Manager
	matcher    *crosstile.Matcher
	engine     *placement.Engine
	now        func() time.Time

	pass   *placement.Pass
	closed bool
}

// New creates a Core. A tile source and a bucket parser are required;
// everything else has defaults.
func New(opts ...Option) (*Core, error) {
	o := options{
		matchingRadius: crosstile.DefaultMatchingRadius,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.source == nil {
		return nil, ErrNoSource
	}
	if o.parser == nil {
		return nil, ErrNoParser
	}
	if o.cacheSize < 0 {
		return nil, &ErrInvalidOption{Option: "cache size", Value: o.cacheSize}
	}
	if o.fadeDuration < 0 {
		return nil, &ErrInvalidOption{Option: "fade duration", Value: o.fadeDuration}
	}
	if o.matchingRadius < 0 {
		return nil, &ErrInvalidOption{Option: "matching radius", Value: o.matchingRadius}
	}
	if o.cover == nil {
		o.cover = cover.New(cover.Config{})
	}

	src := o.source
	var rc *resource.Controller
	if o.resourceConfig != nil {
		rc = resource.NewController(*o.resourceConfig)
		src = fetch.Limited(src, rc)
	}
	// Concurrent requests for one address collapse into a single fetch.
	src = fetch.Deduped(src)

	pool := o.pool
	if pool == nil {
		pool = worker.NewSharedPool(o.workers)
	}

	loader := pyramid.NewTileLoader(src, o.parser)
	dispatcher := worker.NewDispatcher(pool, loader, o.logger.Logger)
	tiles := pyramid.NewManager(dispatcher, o.cover, pyramid.Config{
		CacheSize: o.cacheSize,
		MinZoom:   o.minZoom,
		CacheTTL:  o.tileTTL,
		Now:       o.now,
		Resources: rc,
	}, o.logger.Logger)

	return &Core{
		logger:     o.logger,
		pool:       pool,
		dispatcher: dispatcher,
		tiles:      tiles,
		matcher:    crosstile.NewMatcher(o.matchingRadius),
		engine: placement.NewEngine(placement.Config{
			FadeDuration: o.fadeDuration,
			Now:          o.now,
		}, o.logger.Logger),
		now: o.now,
	}, nil
}

// Update reconciles the live tile set with the camera. Call once per frame.
func (c *Core) Update(cam pyramid.CameraState) error {
	if c.closed {
		return ErrClosed
	}
	ideal := c.tiles.Update(cam)
	c.logger.LogUpdate(context.Background(), ideal, c.tiles.Len(), c.tiles.InFlightCount())
	return nil
}

// StartPlacement begins a new placement pass over the loaded tiles, with
// layers considered in the given paint order. Buckets seen for the first
// time get their persistent symbol identities resolved here; index state for
// layers missing from layerOrder is dropped.
//
// Any in-progress pass is abandoned.
func (c *Core) StartPlacement(view placement.View, layerOrder []string) error {
	if c.closed {
		return ErrClosed
	}

	tiles := c.tiles.RenderableTiles()
	layers := make([]placement.Layer, 0, len(layerOrder))
	for _, layerID := range layerOrder {
		var entries []crosstile.BucketEntry
		var pts []placement.TileSymbols
		for _, t := range tiles {
			var bs []*symbol.Bucket
			for _, b := range t.Buckets() {
				if b.LayerID != layerID {
					continue
				}
				bs = append(bs, b)
				entries = append(entries, crosstile.BucketEntry{Addr: t.Address, Bucket: b})
			}
			if len(bs) > 0 {
				pts = append(pts, placement.TileSymbols{Addr: t.Address, Buckets: bs})
			}
		}
		c.matcher.AddLayer(layerID, entries)
		layers = append(layers, placement.Layer{ID: layerID, Tiles: pts})
	}
	c.matcher.PruneUnusedLayers(layerOrder)

	c.pass = c.engine.StartPass(view, layers)
	return nil
}

// ContinuePlacement advances the current pass within the given time budget
// and reports whether it finished. Without a pass it reports true.
func (c *Core) ContinuePlacement(budget time.Duration) (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	if c.pass == nil {
		return true, nil
	}
	done := c.pass.Continue(budget)
	if done {
		s := c.pass.Stats()
		c.logger.LogPlacementPass(context.Background(), s.Symbols, s.Placed, s.Collisions)
	}
	return done, nil
}

// CommitPlacement turns the finished pass's decisions into fade transitions.
// Repeating it for the same pass is a no-op; committing before the pass
// finished reports false.
func (c *Core) CommitPlacement() (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	if c.pass == nil {
		return false, nil
	}
	return c.pass.Commit(), nil
}

// PlacementStats returns the counters of the current pass.
func (c *Core) PlacementStats() placement.Stats {
	if c.pass == nil {
		return placement.Stats{}
	}
	return c.pass.Stats()
}

// OpacityAt evaluates the committed text and icon alpha of a symbol
// identity at the current time.
func (c *Core) OpacityAt(crossTileID uint64) (text, icon float64, ok bool) {
	return c.engine.OpacityAt(crossTileID, c.now())
}

// StillFading reports whether any committed fade is still running, so the
// render loop knows to keep drawing frames.
func (c *Core) StillFading() bool {
	return c.engine.StillFading(c.now())
}

// QueryRenderedSymbols returns the committed symbol geometry of the current
// pass intersecting the viewport polygon, for pointer-based queries.
func (c *Core) QueryRenderedSymbols(ring orb.Ring) []collision.Entry {
	if c.pass == nil {
		return nil
	}
	return c.pass.Index().QueryRenderedSymbols(ring)
}

// Pool returns the worker pool this instance runs on. Pass it to another
// instance via WithSharedPool to share worker contexts.
func (c *Core) Pool() *worker.SharedPool {
	return c.pool
}

// RenderableTiles returns the loaded tiles in stable key order.
func (c *Core) RenderableTiles() []*pyramid.Tile {
	return c.tiles.RenderableTiles()
}

// SetFeatureState records per-feature state and propagates it to the worker
// contexts so re-parses observe it. A nil state clears the entry.
func (c *Core) SetFeatureState(sourceLayer, featureID string, state map[string]any) error {
	if c.closed {
		return ErrClosed
	}
	c.tiles.SetFeatureState(sourceLayer, featureID, state)
	c.logger.LogFeatureState(context.Background(), sourceLayer, featureID, state == nil)
	return nil
}

// GetFeatureState returns a feature's recorded state, or nil.
func (c *Core) GetFeatureState(sourceLayer, featureID string) map[string]any {
	return c.tiles.GetFeatureState(sourceLayer, featureID)
}

// Reload refreshes every loaded tile against the source and drops parked
// tiles. Use after the underlying source data changed.
func (c *Core) Reload() error {
	if c.closed {
		return ErrClosed
	}
	c.tiles.Reload()
	return nil
}

// Close cancels outstanding work and releases the worker pool reference.
// A shared pool keeps running while other instances reference it.
func (c *Core) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pass = nil
	c.tiles.Close()
	c.dispatcher.Close()
	return nil
}
