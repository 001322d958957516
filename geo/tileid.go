// Package geo provides tile addressing for the quad-tree tile pyramid.
//
// A CanonicalTileID names a tile's position in the XYZ scheme. An
// OverscaledTileID extends it with a world-copy wrap index and an overscaled
// zoom, so a single canonical tile can be rendered at a higher zoom than it
// was produced for (raster/vector sources with a maxzoom below the camera
// zoom) and duplicated across antimeridian world copies.
package geo

import (
	"fmt"
	"math/bits"

	"github.com/google/hilbert"
)

// MaxZoom is the highest canonical zoom a TileKey can encode.
const MaxZoom = 24

// TileKey is a compact, totally ordered encoding of an OverscaledTileID.
// It is the canonical map key for tile stores and caches.
type TileKey uint64

// CanonicalTileID represents tile coordinates in the XYZ scheme.
type CanonicalTileID struct {
	Z uint8
	X uint32
	Y uint32
}

// Valid reports whether the coordinates lie inside the pyramid.
func (c CanonicalTileID) Valid() bool {
	return c.Z <= MaxZoom && c.X < 1<<c.Z && c.Y < 1<<c.Z
}

func (c CanonicalTileID) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// ScaledTo returns the ancestor (or self) of c at zoom z. z must not exceed c.Z.
func (c CanonicalTileID) ScaledTo(z uint8) CanonicalTileID {
	diff := c.Z - z
	return CanonicalTileID{Z: z, X: c.X >> diff, Y: c.Y >> diff}
}

// IsChildOf reports whether c lies underneath parent in the pyramid.
// A tile is not considered a child of itself.
func (c CanonicalTileID) IsChildOf(parent CanonicalTileID) bool {
	if parent.Z >= c.Z {
		return false
	}
	return c.ScaledTo(parent.Z) == parent
}

// hilbertCurves holds one pre-built curve per zoom. Key encoding sits on hot
// paths (map keys, per-frame render ordering), so the curves are shared.
var hilbertCurves [MaxZoom + 1]*hilbert.Hilbert

func init() {
	for z := range hilbertCurves {
		hilbertCurves[z], _ = hilbert.NewHilbert(1 << z)
	}
}

// hilbertCode maps the canonical coordinate onto the space filling curve used
// for key encoding. Tiles of all zooms share one number line: the code of a
// z-level tile is offset by the total count of tiles above it.
func (c CanonicalTileID) hilbertCode() uint64 {
	code, _ := hilbertCurves[c.Z].MapInverse(int(c.X), int(c.Y))

	tilesAbove := (uint64(1)<<(2*uint(c.Z)) - 1) / 3
	return uint64(code) + tilesAbove
}

// canonicalFromCode is the inverse of hilbertCode.
func canonicalFromCode(code uint64) CanonicalTileID {
	z := uint8((bits.Len64(3*code+1) - 1) / 2)
	tilesAbove := (uint64(1)<<(2*uint(z)) - 1) / 3

	x, y, _ := hilbertCurves[z].Map(int(code - tilesAbove))

	return CanonicalTileID{Z: z, X: uint32(x), Y: uint32(y)}
}

// OverscaledTileID identifies one renderable tile: a canonical tile, possibly
// overscaled to a deeper zoom, in one particular world copy.
type OverscaledTileID struct {
	// OverscaledZ is the zoom the tile is rendered at. It is always >= Canonical.Z;
	// the difference is the overscale factor exponent.
	OverscaledZ uint8

	// Wrap is the world copy index: 0 for the primary world, negative west of
	// it, positive east.
	Wrap int16

	Canonical CanonicalTileID
}

// NewOverscaledTileID builds an id with no overscaling.
func NewOverscaledTileID(z uint8, wrap int16, x, y uint32) OverscaledTileID {
	return OverscaledTileID{OverscaledZ: z, Wrap: wrap, Canonical: CanonicalTileID{Z: z, X: x, Y: y}}
}

// OverscaleFactor returns how many times the canonical tile is magnified.
func (id OverscaledTileID) OverscaleFactor() uint32 {
	return 1 << (id.OverscaledZ - id.Canonical.Z)
}

// IsOverscaled reports whether the tile is rendered beyond its source zoom.
func (id OverscaledTileID) IsOverscaled() bool {
	return id.OverscaledZ > id.Canonical.Z
}

// ScaledTo returns the id at zoom z within the same world copy. Scaling up
// beyond the canonical zoom keeps the canonical coordinate and raises only
// the overscaled zoom, mirroring how overscaled tiles come to exist.
func (id OverscaledTileID) ScaledTo(z uint8) OverscaledTileID {
	if z >= id.Canonical.Z {
		return OverscaledTileID{OverscaledZ: z, Wrap: id.Wrap, Canonical: id.Canonical}
	}
	return OverscaledTileID{OverscaledZ: z, Wrap: id.Wrap, Canonical: id.Canonical.ScaledTo(z)}
}

// Equal reports whether two ids name the same rendered tile.
func (id OverscaledTileID) Equal(other OverscaledTileID) bool {
	return id == other
}

// UnwrappedZoom folds the world copy and the rendered zoom into one sortable
// number for covering decisions: world copies order west to east, and inside
// a copy shallower tiles order before deeper ones.
func (id OverscaledTileID) UnwrappedZoom() int {
	return (int(id.Wrap)+128)*64 + int(id.OverscaledZ)
}

// IsChildOf reports whether id renders an area underneath parent.
func (id OverscaledTileID) IsChildOf(parent OverscaledTileID) bool {
	if parent.Wrap != id.Wrap || parent.OverscaledZ >= id.OverscaledZ {
		return false
	}
	zDiff := id.Canonical.Z - min(id.Canonical.Z, parent.OverscaledZ)
	return parent.Canonical.X == id.Canonical.X>>zDiff &&
		parent.Canonical.Y == id.Canonical.Y>>zDiff &&
		parent.Canonical.Z == min(id.Canonical.Z, parent.OverscaledZ)
}

// Children returns the four ids covering id one zoom deeper. Past
// sourceMaxZoom the canonical coordinate no longer subdivides and the single
// overscaled child stands in for all four.
func (id OverscaledTileID) Children(sourceMaxZoom uint8) []OverscaledTileID {
	if id.OverscaledZ >= sourceMaxZoom {
		return []OverscaledTileID{{
			OverscaledZ: id.OverscaledZ + 1,
			Wrap:        id.Wrap,
			Canonical:   id.Canonical,
		}}
	}

	z := id.Canonical.Z + 1
	x := id.Canonical.X * 2
	y := id.Canonical.Y * 2
	return []OverscaledTileID{
		{OverscaledZ: z, Wrap: id.Wrap, Canonical: CanonicalTileID{Z: z, X: x, Y: y}},
		{OverscaledZ: z, Wrap: id.Wrap, Canonical: CanonicalTileID{Z: z, X: x + 1, Y: y}},
		{OverscaledZ: z, Wrap: id.Wrap, Canonical: CanonicalTileID{Z: z, X: x, Y: y + 1}},
		{OverscaledZ: z, Wrap: id.Wrap, Canonical: CanonicalTileID{Z: z, X: x + 1, Y: y + 1}},
	}
}

// UnwrappedKey returns the key of the same tile in world copy 0. Fetch
// de-duplication across world copies works on unwrapped keys: the bytes of a
// tile do not depend on its wrap.
func (id OverscaledTileID) UnwrappedKey() TileKey {
	unwrapped := id
	unwrapped.Wrap = 0
	return unwrapped.Key()
}

// Key packs the id into a TileKey.
//
// Layout (high to low): 8 bits wrap (biased by 128), 5 bits overscale delta,
// 51 bits canonical Hilbert code. The Hilbert component keeps spatially close
// tiles numerically close, so ordered iteration over a tile map walks the
// pyramid in a locality preserving order.
func (id OverscaledTileID) Key() TileKey {
	wrap := uint64(uint8(int(id.Wrap) + 128))
	delta := uint64(id.OverscaledZ - id.Canonical.Z)
	return TileKey(wrap<<56 | delta<<51 | id.Canonical.hilbertCode())
}

// FromKey reverses Key.
func FromKey(key TileKey) OverscaledTileID {
	wrap := int16(uint8(key>>56)) - 128
	delta := uint8(key >> 51 & 0x1f)
	canonical := canonicalFromCode(uint64(key) & (1<<51 - 1))
	return OverscaledTileID{
		OverscaledZ: canonical.Z + delta,
		Wrap:        wrap,
		Canonical:   canonical,
	}
}

func (id OverscaledTileID) String() string {
	if id.IsOverscaled() {
		return fmt.Sprintf("%s@%d/%d", id.Canonical, id.OverscaledZ, id.Wrap)
	}
	return fmt.Sprintf("%s/%d", id.Canonical, id.Wrap)
}
