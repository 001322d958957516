// Package crosstile assigns persistent numeric identities to symbol
// occurrences, stable across re-parses of a tile and across equivalent tiles
// at adjacent zooms, so fades never restart spuriously and hit-testing stays
// consistent while detail streams in.
//
// The matcher runs on the render thread only; it is not safe for concurrent
// use.
package crosstile

import (
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/symbol"
)

// DefaultMatchingRadius is the anchor-match tolerance in tile units of the
// bucket being indexed (Extent units). Empirically tuned: large enough to
// absorb anchor drift from re-tessellation at adjacent zooms, small enough
// not to conflate neighboring labels.
const DefaultMatchingRadius = 50.0

// position is one indexed anchor, in world units at its tile's canonical
// zoom: tileX*Extent + anchorX.
type position struct {
	wx, wy      float64
	crossTileID uint64
}

// TileLayerIndex is the per-(style layer, tile) spatial index of symbol
// anchors keyed by matching key.
type TileLayerIndex struct {
	addr             geo.OverscaledTileID
	bucketInstanceID uint32
	positions        map[symbol.MatchingKey][]position
}

func newTileLayerIndex(addr geo.OverscaledTileID, bucketInstanceID uint32, symbols []symbol.Instance) *TileLayerIndex {
	t := &TileLayerIndex{
		addr:             addr,
		bucketInstanceID: bucketInstanceID,
		positions:        make(map[symbol.MatchingKey][]position),
	}
	baseX := float64(addr.Canonical.X) * symbol.Extent
	baseY := float64(addr.Canonical.Y) * symbol.Extent
	for i := range symbols {
		s := &symbols[i]
		key := s.Key()
		t.positions[key] = append(t.positions[key], position{
			wx:          baseX + s.Anchor.X,
			wy:          baseY + s.Anchor.Y,
			crossTileID: s.CrossTileID,
		})
	}
	return t
}

type layerIndex struct {
	// zooms: canonical zoom -> tile key -> index
	zooms map[uint8]map[geo.TileKey]*TileLayerIndex

	// used: canonical zoom -> cross-tile IDs already claimed by an indexed
	// bucket at that zoom. Prevents one identity from appearing twice in a
	// single zoom level.
	used map[uint8]*roaring64.Bitmap
}

func newLayerIndex() *layerIndex {
	return &layerIndex{
		zooms: make(map[uint8]map[geo.TileKey]*TileLayerIndex),
		used:  make(map[uint8]*roaring64.Bitmap),
	}
}

func (li *layerIndex) usedAt(z uint8) *roaring64.Bitmap {
	b := li.used[z]
	if b == nil {
		b = roaring64.New()
		li.used[z] = b
	}
	return b
}

func (li *layerIndex) insert(idx *TileLayerIndex) {
	z := idx.addr.Canonical.Z
	tiles := li.zooms[z]
	if tiles == nil {
		tiles = make(map[geo.TileKey]*TileLayerIndex)
		li.zooms[z] = tiles
	}
	tiles[idx.addr.Key()] = idx
	used := li.usedAt(z)
	for _, ps := range idx.positions {
		for _, p := range ps {
			used.Add(p.crossTileID)
		}
	}
}

func (li *layerIndex) remove(idx *TileLayerIndex) {
	z := idx.addr.Canonical.Z
	delete(li.zooms[z], idx.addr.Key())
	if len(li.zooms[z]) == 0 {
		delete(li.zooms, z)
	}
	used := li.used[z]
	if used == nil {
		return
	}
	for _, ps := range idx.positions {
		for _, p := range ps {
			used.Remove(p.crossTileID)
		}
	}
}

// BucketEntry pairs a tile address with one of its symbol buckets.
type BucketEntry struct {
	Addr   geo.OverscaledTileID
	Bucket *symbol.Bucket
}

// Matcher is the cross-tile identity assigner.
type Matcher struct {
	layers map[string]*layerIndex
	radius float64

	nextBucketInstanceID uint32
	nextCrossTileID      uint64
}

// NewMatcher creates a matcher with the given matching radius in tile units;
// radius <= 0 selects DefaultMatchingRadius.
func NewMatcher(radius float64) *Matcher {
	if radius <= 0 {
		radius = DefaultMatchingRadius
	}
	return &Matcher{
		layers: make(map[string]*layerIndex),
		radius: radius,
	}
}

// AddLayer indexes every not-yet-indexed bucket of one style layer and drops
// index state for buckets no longer in the render set, including world copies
// that fell out of range after an antimeridian wrap.
// It reports whether any identity state changed.
func (m *Matcher) AddLayer(layerID string, entries []BucketEntry) bool {
	li := m.layers[layerID]
	if li == nil {
		li = newLayerIndex()
		m.layers[layerID] = li
	}

	changed := false
	current := make(map[uint32]struct{}, len(entries))
	for _, e := range entries {
		if e.Bucket == nil {
			continue
		}
		if m.addBucket(li, e.Addr, e.Bucket) {
			changed = true
		}
		current[e.Bucket.InstanceID] = struct{}{}
	}
	if li.removeStale(current) {
		changed = true
	}
	return changed
}

// AddBucket indexes a single bucket, assigning cross-tile IDs to its symbols.
// It reports whether anything changed; re-adding an already indexed bucket is
// a no-op.
func (m *Matcher) AddBucket(layerID string, addr geo.OverscaledTileID, bucket *symbol.Bucket) bool {
	li := m.layers[layerID]
	if li == nil {
		li = newLayerIndex()
		m.layers[layerID] = li
	}
	return m.addBucket(li, addr, bucket)
}

func (m *Matcher) addBucket(li *layerIndex, addr geo.OverscaledTileID, bucket *symbol.Bucket) bool {
	key := addr.Key()
	z := addr.Canonical.Z

	prior := li.zooms[z][key]
	if prior != nil {
		if bucket.InstanceID != 0 && prior.bucketInstanceID == bucket.InstanceID {
			return false
		}
		// A re-parse of the same tile: release the prior revision's claims so
		// its IDs can be inherited, but keep its anchors as match candidates.
		used := li.usedAt(z)
		for _, ps := range prior.positions {
			for _, p := range ps {
				used.Remove(p.crossTileID)
			}
		}
	}

	if bucket.InstanceID == 0 {
		m.nextBucketInstanceID++
		bucket.InstanceID = m.nextBucketInstanceID
	}

	used := li.usedAt(z)
	for i := range bucket.Symbols {
		s := &bucket.Symbols[i]
		if s.CrossTileID != 0 {
			// Already resolved by an earlier pass over this bucket.
			used.Add(s.CrossTileID)
			continue
		}
		if id, ok := m.findMatch(li, addr, s, used); ok {
			s.CrossTileID = id
		} else {
			m.nextCrossTileID++
			s.CrossTileID = m.nextCrossTileID
		}
		used.Add(s.CrossTileID)
	}

	if prior != nil {
		li.remove(prior)
	}
	li.insert(newTileLayerIndex(addr, bucket.InstanceID, bucket.Symbols))
	return true
}

// findMatch searches every indexed relative tile (prior revision of the same
// tile, ancestors, descendants) for the closest anchor with the symbol's
// matching key inside the matching radius. Nearest geometric match wins;
// remaining ties prefer the candidate closest in zoom, then the lowest ID
// for determinism.
func (m *Matcher) findMatch(li *layerIndex, addr geo.OverscaledTileID, s *symbol.Instance, used *roaring64.Bitmap) (uint64, bool) {
	ownZ := addr.Canonical.Z
	ownX := float64(addr.Canonical.X)*symbol.Extent + s.Anchor.X
	ownY := float64(addr.Canonical.Y)*symbol.Extent + s.Anchor.Y
	key := s.Key()

	bestID := uint64(0)
	bestDist := math.Inf(1)
	bestZoomDiff := 0
	found := false

	zooms := make([]int, 0, len(li.zooms))
	for z := range li.zooms {
		zooms = append(zooms, int(z))
	}
	sort.Ints(zooms)

	for _, zi := range zooms {
		z := uint8(zi)
		// Scale candidate world coordinates into our zoom space.
		scale := math.Pow(2, float64(int(ownZ)-zi))
		zoomDiff := int(ownZ) - zi
		if zoomDiff < 0 {
			zoomDiff = -zoomDiff
		}
		for _, idx := range li.zooms[z] {
			if !related(addr, idx.addr) {
				continue
			}
			for _, p := range idx.positions[key] {
				if used.Contains(p.crossTileID) {
					continue
				}
				dx := ownX - p.wx*scale
				dy := ownY - p.wy*scale
				dist := dx*dx + dy*dy
				if dist > m.radius*m.radius {
					continue
				}
				better := dist < bestDist ||
					(dist == bestDist && zoomDiff < bestZoomDiff) ||
					(dist == bestDist && zoomDiff == bestZoomDiff && p.crossTileID < bestID)
				if !found || better {
					found = true
					bestID = p.crossTileID
					bestDist = dist
					bestZoomDiff = zoomDiff
				}
			}
		}
	}
	return bestID, found
}

// related reports whether two addresses belong to one tile lineage in the
// same world copy: equal, ancestor or descendant.
func related(a, b geo.OverscaledTileID) bool {
	if a.Wrap != b.Wrap {
		return false
	}
	ac, bc := a.Canonical, b.Canonical
	if ac.Z == bc.Z {
		return ac == bc
	}
	if ac.Z < bc.Z {
		return bc.ScaledTo(ac.Z) == ac
	}
	return ac.ScaledTo(bc.Z) == bc
}

// removeStale drops indexed buckets no longer present in the render set.
func (li *layerIndex) removeStale(current map[uint32]struct{}) bool {
	changed := false
	for _, tiles := range li.zooms {
		for _, idx := range tiles {
			if _, ok := current[idx.bucketInstanceID]; !ok {
				li.remove(idx)
				changed = true
			}
		}
	}
	return changed
}

// PruneUnusedLayers drops index state for layers no longer rendered.
func (m *Matcher) PruneUnusedLayers(keep []string) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	for id := range m.layers {
		if _, ok := keepSet[id]; !ok {
			delete(m.layers, id)
		}
	}
}

// IndexedTileCount returns how many (layer, tile) indexes are live. Exposed
// for diagnostics and tests.
func (m *Matcher) IndexedTileCount() int {
	n := 0
	for _, li := range m.layers {
		for _, tiles := range li.zooms {
			n += len(tiles)
		}
	}
	return n
}
