// Package grid implements a flat 2D spatial hash for screen-space overlap
// queries. Entries are axis-aligned boxes or circles keyed by an arbitrary
// value; cells store indices into flat entry slices for cache locality.
//
// Thread safety: an Index is NOT safe for concurrent use. The placement pass
// that owns it runs on a single goroutine.
package grid

import (
	"math"

	"github.com/bits-and-blooms/bitset"
)

// Box is a committed axis-aligned entry.
type Box[T any] struct {
	Key            T
	X1, Y1, X2, Y2 float64
}

// Circle is a committed circular entry.
type Circle[T any] struct {
	Key     T
	X, Y, R float64
}

// Index is a uniform-cell spatial hash over a fixed pixel extent.
// Coordinates outside the extent are clamped into the border cells, so
// entries may lie (partially) outside without being lost.
type Index[T any] struct {
	width    float64
	height   float64
	xCells   int
	yCells   int
	xScale   float64
	yScale   float64
	boxes    []Box[T]
	circles  []Circle[T]
	boxCells [][]int32
	circCells [][]int32

	// scratch bitsets for query de-duplication of entries spanning cells
	seenBoxes   *bitset.BitSet
	seenCircles *bitset.BitSet
}

// New creates an index covering width x height pixels with roughly square
// cells of the given size.
func New[T any](width, height, cellSize float64) *Index[T] {
	xCells := int(math.Ceil(width / cellSize))
	yCells := int(math.Ceil(height / cellSize))
	if xCells < 1 {
		xCells = 1
	}
	if yCells < 1 {
		yCells = 1
	}
	return &Index[T]{
		width:       width,
		height:      height,
		xCells:      xCells,
		yCells:      yCells,
		xScale:      float64(xCells) / width,
		yScale:      float64(yCells) / height,
		boxCells:    make([][]int32, xCells*yCells),
		circCells:   make([][]int32, xCells*yCells),
		seenBoxes:   bitset.New(256),
		seenCircles: bitset.New(256),
	}
}

// Len returns the number of committed entries.
func (g *Index[T]) Len() int {
	return len(g.boxes) + len(g.circles)
}

// InsertBox commits a box entry.
func (g *Index[T]) InsertBox(key T, x1, y1, x2, y2 float64) {
	idx := int32(len(g.boxes))
	g.boxes = append(g.boxes, Box[T]{Key: key, X1: x1, Y1: y1, X2: x2, Y2: y2})
	g.eachCell(x1, y1, x2, y2, func(cell int) {
		g.boxCells[cell] = append(g.boxCells[cell], idx)
	})
}

// InsertCircle commits a circle entry.
func (g *Index[T]) InsertCircle(key T, x, y, r float64) {
	idx := int32(len(g.circles))
	g.circles = append(g.circles, Circle[T]{Key: key, X: x, Y: y, R: r})
	g.eachCell(x-r, y-r, x+r, y+r, func(cell int) {
		g.circCells[cell] = append(g.circCells[cell], idx)
	})
}

// HitTestBox reports whether the box overlaps any committed entry.
// If pred is non-nil, entries it rejects do not count as hits.
func (g *Index[T]) HitTestBox(x1, y1, x2, y2 float64, pred func(T) bool) bool {
	return g.query(x1, y1, x2, y2, pred, true, nil, nil)
}

// HitTestCircle reports whether the circle overlaps any committed entry.
func (g *Index[T]) HitTestCircle(x, y, r float64, pred func(T) bool) bool {
	return g.queryCircle(x, y, r, pred, true, nil, nil)
}

// QueryBox returns all committed entries overlapping the box.
func (g *Index[T]) QueryBox(x1, y1, x2, y2 float64) ([]Box[T], []Circle[T]) {
	var boxes []Box[T]
	var circles []Circle[T]
	g.query(x1, y1, x2, y2, nil, false, &boxes, &circles)
	return boxes, circles
}

func (g *Index[T]) query(x1, y1, x2, y2 float64, pred func(T) bool, hitTest bool, outBoxes *[]Box[T], outCircles *[]Circle[T]) bool {
	g.resetSeen()
	hit := false
	g.eachCell(x1, y1, x2, y2, func(cell int) {
		if hit && hitTest {
			return
		}
		for _, idx := range g.boxCells[cell] {
			if g.seenBoxes.Test(uint(idx)) {
				continue
			}
			g.seenBoxes.Set(uint(idx))
			b := g.boxes[idx]
			if x1 <= b.X2 && x2 >= b.X1 && y1 <= b.Y2 && y2 >= b.Y1 {
				if pred != nil && !pred(b.Key) {
					continue
				}
				hit = true
				if hitTest {
					return
				}
				if outBoxes != nil {
					*outBoxes = append(*outBoxes, b)
				}
			}
		}
		for _, idx := range g.circCells[cell] {
			if g.seenCircles.Test(uint(idx)) {
				continue
			}
			g.seenCircles.Set(uint(idx))
			c := g.circles[idx]
			if circleVsBox(c.X, c.Y, c.R, x1, y1, x2, y2) {
				if pred != nil && !pred(c.Key) {
					continue
				}
				hit = true
				if hitTest {
					return
				}
				if outCircles != nil {
					*outCircles = append(*outCircles, c)
				}
			}
		}
	})
	return hit
}

func (g *Index[T]) queryCircle(x, y, r float64, pred func(T) bool, hitTest bool, outBoxes *[]Box[T], outCircles *[]Circle[T]) bool {
	g.resetSeen()
	hit := false
	g.eachCell(x-r, y-r, x+r, y+r, func(cell int) {
		if hit && hitTest {
			return
		}
		for _, idx := range g.boxCells[cell] {
			if g.seenBoxes.Test(uint(idx)) {
				continue
			}
			g.seenBoxes.Set(uint(idx))
			b := g.boxes[idx]
			if circleVsBox(x, y, r, b.X1, b.Y1, b.X2, b.Y2) {
				if pred != nil && !pred(b.Key) {
					continue
				}
				hit = true
				if hitTest {
					return
				}
				if outBoxes != nil {
					*outBoxes = append(*outBoxes, b)
				}
			}
		}
		for _, idx := range g.circCells[cell] {
			if g.seenCircles.Test(uint(idx)) {
				continue
			}
			g.seenCircles.Set(uint(idx))
			c := g.circles[idx]
			dx, dy := c.X-x, c.Y-y
			rr := c.R + r
			if dx*dx+dy*dy <= rr*rr {
				if pred != nil && !pred(c.Key) {
					continue
				}
				hit = true
				if hitTest {
					return
				}
				if outCircles != nil {
					*outCircles = append(*outCircles, c)
				}
			}
		}
	})
	return hit
}

// eachCell visits every cell touched by the (clamped) box.
func (g *Index[T]) eachCell(x1, y1, x2, y2 float64, fn func(cell int)) {
	cx1 := g.clampX(x1)
	cy1 := g.clampY(y1)
	cx2 := g.clampX(x2)
	cy2 := g.clampY(y2)
	for y := cy1; y <= cy2; y++ {
		for x := cx1; x <= cx2; x++ {
			fn(y*g.xCells + x)
		}
	}
}

func (g *Index[T]) clampX(x float64) int {
	return int(math.Max(0, math.Min(float64(g.xCells-1), math.Floor(x*g.xScale))))
}

func (g *Index[T]) clampY(y float64) int {
	return int(math.Max(0, math.Min(float64(g.yCells-1), math.Floor(y*g.yScale))))
}

func (g *Index[T]) resetSeen() {
	g.seenBoxes.ClearAll()
	g.seenCircles.ClearAll()
}

func circleVsBox(cx, cy, r, x1, y1, x2, y2 float64) bool {
	nx := math.Max(x1, math.Min(cx, x2))
	ny := math.Max(y1, math.Min(cy, y2))
	dx, dy := cx-nx, cy-ny
	return dx*dx+dy*dy <= r*r
}
