package tilemap

import (
	"log/slog"
	"time"

	"github.com/hupe1980/tilemap/fetch"
	"github.com/hupe1980/tilemap/internal/resource"
	"github.com/hupe1980/tilemap/pyramid"
	"github.com/hupe1980/tilemap/symbol"
	"github.com/hupe1980/tilemap/worker"
)

type options struct {
	logger         *Logger
	source         fetch.Source
	parser         symbol.Parser
	cover          pyramid.CoverFunc
	pool           *worker.SharedPool
	workers        int
	cacheSize      int
	tileTTL        time.Duration
	minZoom        uint8
	fadeDuration   time.Duration
	matchingRadius float64
	resourceConfig *resource.Config
	now            func() time.Time
}

// Option configures Core constructor behavior.
type Option func(*options)

// WithLogger sets the logger. If nil is passed, logging is disabled.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel enables text logging to stderr at the given level. Ignored
// when WithLogger is also set.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		if o.logger == nil {
			o.logger = NewTextLogger(level)
		}
	}
}

// WithSource sets the tile source. Required.
func WithSource(src fetch.Source) Option {
	return func(o *options) {
		o.source = src
	}
}

// WithParser sets the worker-side bucket parser. Required.
func WithParser(p symbol.Parser) Option {
	return func(o *options) {
		o.parser = p
	}
}

// WithCover sets the tile-cover collaborator. Defaults to the cover package's
// mercator viewport cover with library defaults.
func WithCover(cover pyramid.CoverFunc) Option {
	return func(o *options) {
		o.cover = cover
	}
}

// WithSharedPool injects an externally owned worker pool so several map
// instances share one set of workers. The Core acquires a reference and
// releases it on Close.
func WithSharedPool(pool *worker.SharedPool) Option {
	return func(o *options) {
		o.pool = pool
	}
}

// WithWorkers sets the private worker pool size. Ignored when WithSharedPool
// is set. Defaults to GOMAXPROCS-1, minimum 1.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithCacheSize caps the number of tiles parked for reuse after they leave
// coverage. Default 512.
func WithCacheSize(n int) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

// WithTileTTL expires parked tiles after this long even without capacity
// pressure. Zero (the default) keeps them until evicted.
func WithTileTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.tileTTL = ttl
	}
}

// WithMinZoom bounds how far up the ancestor fallback walks when covering
// holes.
func WithMinZoom(z uint8) Option {
	return func(o *options) {
		o.minZoom = z
	}
}

// WithFadeDuration sets the symbol fade length.
// Default placement.DefaultFadeDuration.
func WithFadeDuration(d time.Duration) Option {
	return func(o *options) {
		o.fadeDuration = d
	}
}

// WithMatchingRadius tunes how far apart (in tile units at matching zoom)
// two anchors may drift while keeping the same persistent symbol identity.
// Default crosstile.DefaultMatchingRadius.
func WithMatchingRadius(r float64) Option {
	return func(o *options) {
		o.matchingRadius = r
	}
}

// ResourceConfig bounds tile fetching: retained raw bytes, concurrent
// fetches and fetch throughput. Zero fields disable the respective limit.
type ResourceConfig struct {
	RawBytesLimit        int64
	MaxConcurrentFetches int64
	FetchBytesPerSec     int64
}

// WithResourceConfig applies fetch resource limits to the tile source.
func WithResourceConfig(cfg ResourceConfig) Option {
	return func(o *options) {
		o.resourceConfig = &resource.Config{
			RawBytesLimit:        cfg.RawBytesLimit,
			MaxConcurrentFetches: cfg.MaxConcurrentFetches,
			FetchBytesPerSec:     cfg.FetchBytesPerSec,
		}
	}
}

// WithClock overrides the clock used for fades, budgets and expiry checks.
// Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
