// Package symbol defines the parsed label/icon data model shared by the
// worker, collision, cross-tile identity and placement layers.
package symbol

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/hupe1980/tilemap/geo"
)

// Extent is the tile-local coordinate range: both axes of a tile span
// [0, Extent) regardless of zoom.
const Extent = 8192

// Anchor is a tile-local position a symbol is attached to.
type Anchor struct {
	X float64
	Y float64
}

// CollisionBox is an axis-aligned footprint relative to the anchor, in
// pixels at the symbol's nominal scale. Padding is baked in by the parser.
type CollisionBox struct {
	X1 float64
	Y1 float64
	X2 float64
	Y2 float64
}

// CollisionCircle is one circle of a curved-label footprint, tile-local.
type CollisionCircle struct {
	DX     float64 // offset from the anchor along the line, tile units
	DY     float64
	Radius float64 // pixels
}

// MatchingKey identifies "the same label" across tiles and zooms: the hash
// of text, icon identity and sort key. Two occurrences with equal keys are
// eligible to share a cross-tile ID.
type MatchingKey uint64

// Instance is one placeable label/icon occurrence extracted from a bucket.
type Instance struct {
	Anchor  Anchor
	Text    string
	Icon    string
	SortKey float64

	// FeatureIndex points back into the source feature set for hit queries.
	FeatureIndex int

	// CrossTileID is the persistent identity, 0 until resolved.
	CrossTileID uint64

	TextBox     *CollisionBox
	IconBox     *CollisionBox
	TextCircles []CollisionCircle

	TextAllowOverlap bool
	IconAllowOverlap bool
	// IgnorePlacement records the footprint for debug queries but never
	// blocks later candidates.
	IgnorePlacement bool
}

// Key computes the matching key for the instance.
func (s *Instance) Key() MatchingKey {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s.Text))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(s.Icon))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(s.SortKey))
	_, _ = h.Write(buf[:])
	return MatchingKey(h.Sum64())
}

// Bucket is the parsed, style-layer-specific symbol geometry of one tile.
type Bucket struct {
	// LayerID is the owning style layer.
	LayerID string

	// InstanceID is assigned by the cross-tile matcher the first time a
	// placement pass considers the bucket; 0 means not yet indexed.
	InstanceID uint32

	Symbols []Instance

	// HasSortKey selects explicit per-feature ordering over viewport-Y.
	HasSortKey bool

	// CrossSourceGroup names the collision grouping; buckets in different
	// groups do not block each other.
	CrossSourceGroup string

	// NoFade disables fade transitions for the whole layer; placement
	// changes apply instantly.
	NoFade bool
}

// Parser turns raw tile bytes into buckets. Implementations run worker-side;
// they own vector-tile decoding and style-expression evaluation, which this
// core treats as opaque.
type Parser interface {
	Parse(addr geo.OverscaledTileID, data []byte) ([]*Bucket, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(addr geo.OverscaledTileID, data []byte) ([]*Bucket, error)

func (f ParserFunc) Parse(addr geo.OverscaledTileID, data []byte) ([]*Bucket, error) {
	return f(addr, data)
}
