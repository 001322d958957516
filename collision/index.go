// Package collision performs screen-space overlap testing for symbol
// placement. Tile-local geometry is projected into viewport pixels through an
// injected projector, then tested against two spatial hashes: entries in the
// primary grid block later candidates, entries in the ignored grid are only
// recorded for debug overlays and pointer queries.
//
// An Index belongs to exactly one placement pass. It is built at pass start
// and mutated only by that pass; no concurrent access is permitted.
package collision

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/grid"
	"github.com/hupe1980/tilemap/symbol"
)

// viewportPadding extends the grids beyond the viewport so symbols straddling
// the edge still collide correctly while panning.
const viewportPadding = 100

// gridCellSize is the spatial hash cell edge in pixels.
const gridCellSize = 25

// Projector converts tile-local coordinates into viewport pixels.
// Implementations own the camera/projection math, which this core treats as
// opaque.
type Projector interface {
	// Project returns the screen position of a tile-local point, the
	// perspective scale factor at that depth (1 at the camera plane), and
	// whether the point is unusable (behind the camera or past the horizon).
	Project(addr geo.OverscaledTileID, x, y float64) (px, py, scale float64, degenerate bool)
}

// ProjectorFunc adapts a function to the Projector interface.
type ProjectorFunc func(addr geo.OverscaledTileID, x, y float64) (float64, float64, float64, bool)

func (f ProjectorFunc) Project(addr geo.OverscaledTileID, x, y float64) (float64, float64, float64, bool) {
	return f(addr, x, y)
}

// Entry identifies committed geometry back to its owner, for pointer queries.
type Entry struct {
	CrossTileID      uint64
	BucketInstanceID uint32
	FeatureIndex     int
}

// BoxResult is the outcome of placing one collision box.
type BoxResult struct {
	// Placed is true when the box may be shown.
	Placed bool
	// Offscreen marks candidates fully outside the viewport; they are
	// placeable but never block others.
	Offscreen bool
	// Occluded marks candidates whose projection is degenerate.
	Occluded bool

	X1, Y1, X2, Y2 float64
}

// CirclesResult is the outcome of placing a curved-label circle chain.
type CirclesResult struct {
	Placed    bool
	Offscreen bool
	Occluded  bool

	// Circles holds the projected (x, y, radius) triples.
	Circles [][3]float64
}

// Index is the per-pass collision state.
type Index struct {
	width  float64
	height float64

	grid        *grid.Index[Entry]
	ignoredGrid *grid.Index[Entry]
}

// NewIndex creates a collision index for a viewport of the given pixel size.
func NewIndex(width, height float64) *Index {
	gw := width + 2*viewportPadding
	gh := height + 2*viewportPadding
	return &Index{
		width:       width,
		height:      height,
		grid:        grid.New[Entry](gw, gh, gridCellSize),
		ignoredGrid: grid.New[Entry](gw, gh, gridCellSize),
	}
}

// PlaceBox projects a box anchored at anchor and tests it for overlap.
// pred, when non-nil, exempts committed entries it rejects (cross-source
// collision grouping, self-collision).
func (ci *Index) PlaceBox(proj Projector, addr geo.OverscaledTileID, anchor symbol.Anchor, box symbol.CollisionBox, allowOverlap bool, pred func(Entry) bool) BoxResult {
	px, py, scale, degenerate := proj.Project(addr, anchor.X, anchor.Y)
	if degenerate || scale <= 0 {
		return BoxResult{Occluded: true}
	}

	res := BoxResult{
		X1: px + box.X1*scale,
		Y1: py + box.Y1*scale,
		X2: px + box.X2*scale,
		Y2: py + box.Y2*scale,
	}

	if res.X2 < 0 || res.X1 > ci.width || res.Y2 < 0 || res.Y1 > ci.height {
		res.Offscreen = true
		res.Placed = true
		return res
	}

	if allowOverlap {
		res.Placed = true
		return res
	}

	res.Placed = !ci.grid.HitTestBox(
		res.X1+viewportPadding, res.Y1+viewportPadding,
		res.X2+viewportPadding, res.Y2+viewportPadding,
		pred,
	)
	return res
}

// PlaceCircles projects a chain of circles along a curved label and tests
// each for overlap. Degenerate circles are dropped; a chain with none left is
// occluded.
func (ci *Index) PlaceCircles(proj Projector, addr geo.OverscaledTileID, anchor symbol.Anchor, circles []symbol.CollisionCircle, allowOverlap bool, pred func(Entry) bool) CirclesResult {
	res := CirclesResult{Placed: true}
	onscreen := false

	for _, c := range circles {
		px, py, scale, degenerate := proj.Project(addr, anchor.X+c.DX, anchor.Y+c.DY)
		if degenerate || scale <= 0 {
			continue
		}
		r := c.Radius * scale
		res.Circles = append(res.Circles, [3]float64{px, py, r})

		if px+r >= 0 && px-r <= ci.width && py+r >= 0 && py-r <= ci.height {
			onscreen = true
		}
	}

	if len(res.Circles) == 0 {
		return CirclesResult{Occluded: true}
	}
	if !onscreen {
		res.Offscreen = true
		return res
	}
	if allowOverlap {
		return res
	}

	for _, c := range res.Circles {
		if ci.grid.HitTestCircle(c[0]+viewportPadding, c[1]+viewportPadding, c[2], pred) {
			res.Placed = false
			break
		}
	}
	return res
}

// InsertBox commits an accepted box so later candidates in the same pass see
// it. ignorePlacement routes it to the non-blocking grid.
func (ci *Index) InsertBox(e Entry, x1, y1, x2, y2 float64, ignorePlacement bool) {
	g := ci.grid
	if ignorePlacement {
		g = ci.ignoredGrid
	}
	g.InsertBox(e, x1+viewportPadding, y1+viewportPadding, x2+viewportPadding, y2+viewportPadding)
}

// InsertCircles commits an accepted circle chain.
func (ci *Index) InsertCircles(e Entry, circles [][3]float64, ignorePlacement bool) {
	g := ci.grid
	if ignorePlacement {
		g = ci.ignoredGrid
	}
	for _, c := range circles {
		g.InsertCircle(e, c[0]+viewportPadding, c[1]+viewportPadding, c[2])
	}
}

// QueryRenderedSymbols reverse-indexes committed geometry intersecting the
// viewport polygon (pixels) back to the owning entries, including entries in
// the ignored grid. Each entry appears once.
func (ci *Index) QueryRenderedSymbols(ring orb.Ring) []Entry {
	if len(ring) == 0 {
		return nil
	}

	shifted := make(orb.Ring, len(ring))
	for i, p := range ring {
		shifted[i] = orb.Point{p[0] + viewportPadding, p[1] + viewportPadding}
	}
	if !shifted.Closed() {
		shifted = append(shifted, shifted[0])
	}
	bound := shifted.Bound()

	seen := make(map[Entry]struct{})
	var out []Entry
	collect := func(g *grid.Index[Entry]) {
		boxes, circles := g.QueryBox(bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1])
		for _, b := range boxes {
			if _, dup := seen[b.Key]; dup {
				continue
			}
			if boxIntersectsRing(b.X1, b.Y1, b.X2, b.Y2, shifted) {
				seen[b.Key] = struct{}{}
				out = append(out, b.Key)
			}
		}
		for _, c := range circles {
			if _, dup := seen[c.Key]; dup {
				continue
			}
			if circleIntersectsRing(c.X, c.Y, c.R, shifted) {
				seen[c.Key] = struct{}{}
				out = append(out, c.Key)
			}
		}
	}
	collect(ci.grid)
	collect(ci.ignoredGrid)
	return out
}

func boxIntersectsRing(x1, y1, x2, y2 float64, ring orb.Ring) bool {
	for _, corner := range []orb.Point{{x1, y1}, {x2, y1}, {x2, y2}, {x1, y2}} {
		if planar.RingContains(ring, corner) {
			return true
		}
	}
	for _, p := range ring {
		if p[0] >= x1 && p[0] <= x2 && p[1] >= y1 && p[1] <= y2 {
			return true
		}
	}
	return false
}

func circleIntersectsRing(cx, cy, r float64, ring orb.Ring) bool {
	if planar.RingContains(ring, orb.Point{cx, cy}) {
		return true
	}
	for i := 1; i < len(ring); i++ {
		if segmentDistanceSq(cx, cy, ring[i-1], ring[i]) <= r*r {
			return true
		}
	}
	return false
}

func segmentDistanceSq(px, py float64, a, b orb.Point) float64 {
	abx, aby := b[0]-a[0], b[1]-a[1]
	apx, apy := px-a[0], py-a[1]
	lenSq := abx*abx + aby*aby
	t := 0.0
	if lenSq > 0 {
		t = (apx*abx + apy*aby) / lenSq
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}
	dx := px - (a[0] + t*abx)
	dy := py - (a[1] + t*aby)
	return dx*dx + dy*dy
}
