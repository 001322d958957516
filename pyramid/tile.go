// Package pyramid drives the tile lifecycle: computing which tiles the
// camera needs, loading them through the worker dispatcher, retaining
// ancestors/descendants to avoid flashing, and parking unneeded tiles in the
// eviction cache for instant reuse.
package pyramid

import (
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/symbol"
	"github.com/hupe1980/tilemap/worker"
)

// TileState is the lifecycle state of a Tile.
type TileState int

const (
	// TileRequested: created, load not yet dispatched.
	TileRequested TileState = iota
	// TileLoading: a load request is in flight.
	TileLoading
	// TileLoaded: data arrived and parsed buckets are attached.
	TileLoaded
	// TileErrored: the load failed; retried only on explicit reload or expiry.
	TileErrored
	// TileExpired: a refresh failed; the stale data stays renderable until
	// an explicit reload.
	TileExpired
	// TileReloading: a refresh is in flight while the old data stays visible.
	TileReloading
	// TileUnloaded: released; the tile must not be used again.
	TileUnloaded
)

func (s TileState) String() string {
	switch s {
	case TileRequested:
		return "requested"
	case TileLoading:
		return "loading"
	case TileLoaded:
		return "loaded"
	case TileErrored:
		return "errored"
	case TileExpired:
		return "expired"
	case TileReloading:
		return "reloading"
	case TileUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Tile owns the parsed buckets and raw payload of one address. It is bound
// 1:1 to that address while retained; the Manager is its only mutator.
type Tile struct {
	Address geo.OverscaledTileID

	state     TileState
	buckets   []*symbol.Bucket
	err       error
	expiresAt time.Time

	raw          []byte
	rawCompacted bool
	rawLen       int
}

// NewTile creates a tile in the requested state.
func NewTile(addr geo.OverscaledTileID) *Tile {
	return &Tile{Address: addr, state: TileRequested}
}

// State returns the lifecycle state.
func (t *Tile) State() TileState { return t.state }

// Err returns the load error for errored tiles.
func (t *Tile) Err() error { return t.err }

// Buckets returns the parsed buckets. During a soft refresh these are the
// previous revision's buckets, kept visible until replacement data arrives.
func (t *Tile) Buckets() []*symbol.Bucket { return t.buckets }

// HasData reports whether the tile has renderable content.
func (t *Tile) HasData() bool {
	return (t.state == TileLoaded || t.state == TileExpired || t.state == TileReloading) && t.buckets != nil
}

// ExpiredAt reports whether the tile's data is stale at now.
func (t *Tile) ExpiredAt(now time.Time) bool {
	return !t.expiresAt.IsZero() && now.After(t.expiresAt)
}

func (t *Tile) setLoaded(data *worker.TileData) {
	t.state = TileLoaded
	t.err = nil
	t.buckets = data.Buckets
	if t.buckets == nil {
		t.buckets = []*symbol.Bucket{}
	}
	t.expiresAt = data.ExpiresAt
	t.raw = data.RawData
	t.rawCompacted = false
	t.rawLen = len(data.RawData)
}

func (t *Tile) setError(err error) {
	t.state = TileErrored
	t.err = err
}

func (t *Tile) setExpired(err error) {
	t.state = TileExpired
	t.err = err
}

// rawCharge is the tile's logical payload size counted against the raw-byte
// budget, independent of compaction.
func (t *Tile) rawCharge() int64 {
	if t.raw == nil {
		return 0
	}
	return int64(t.rawLen)
}

// dropRaw discards the retained payload. Buckets stay; a later re-parse needs
// a refetch.
func (t *Tile) dropRaw() {
	t.raw = nil
	t.rawCompacted = false
	t.rawLen = 0
}

// compact lz4-compresses the retained raw payload before the tile is parked
// in the cache. Incompressible payloads are kept as-is.
func (t *Tile) compact() {
	if t.raw == nil || t.rawCompacted {
		return
	}
	buf := make([]byte, lz4.CompressBlockBound(len(t.raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(t.raw, buf)
	if err != nil || n == 0 || n >= len(t.raw) {
		return
	}
	t.raw = buf[:n:n]
	t.rawCompacted = true
}

// Raw returns the raw payload, transparently undoing compaction.
func (t *Tile) Raw() ([]byte, error) {
	if !t.rawCompacted {
		return t.raw, nil
	}
	dst := make([]byte, t.rawLen)
	n, err := lz4.UncompressBlock(t.raw, dst)
	if err != nil {
		return nil, err
	}
	t.raw = dst[:n]
	t.rawCompacted = false
	return t.raw, nil
}

// RawSize returns the size of the retained payload as currently stored.
func (t *Tile) RawSize() int { return len(t.raw) }
