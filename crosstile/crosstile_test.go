package crosstile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/symbol"
)

func mkBucket(layerID string, symbols ...symbol.Instance) *symbol.Bucket {
	return &symbol.Bucket{LayerID: layerID, Symbols: symbols}
}

func label(text string, x, y float64) symbol.Instance {
	return symbol.Instance{Text: text, Anchor: symbol.Anchor{X: x, Y: y}}
}

func TestMintsMonotonicIDs(t *testing.T) {
	m := NewMatcher(0)
	b := mkBucket("poi", label("A", 100, 100), label("B", 200, 200))

	changed := m.AddBucket("poi", geo.NewOverscaledTileID(10, 0, 5, 5), b)
	require.True(t, changed)
	assert.Equal(t, uint64(1), b.Symbols[0].CrossTileID)
	assert.Equal(t, uint64(2), b.Symbols[1].CrossTileID)
	assert.NotZero(t, b.InstanceID)
}

func TestReaddingSameBucketIsNoop(t *testing.T) {
	m := NewMatcher(0)
	addr := geo.NewOverscaledTileID(10, 0, 5, 5)
	b := mkBucket("poi", label("A", 100, 100))

	require.True(t, m.AddBucket("poi", addr, b))
	assert.False(t, m.AddBucket("poi", addr, b))
	assert.Equal(t, uint64(1), b.Symbols[0].CrossTileID)
}

func TestIDSurvivesReparseOfSameTile(t *testing.T) {
	m := NewMatcher(0)
	addr := geo.NewOverscaledTileID(10, 0, 5, 5)

	first := mkBucket("poi", label("Bergen", 4000, 4000))
	m.AddBucket("poi", addr, first)
	id := first.Symbols[0].CrossTileID

	// Re-parse: new bucket instance, anchor drifted slightly.
	second := mkBucket("poi", label("Bergen", 4010, 3995))
	require.True(t, m.AddBucket("poi", addr, second))
	assert.Equal(t, id, second.Symbols[0].CrossTileID, "prior revision's ID must be inherited")
}

func TestIDPreservedAcrossAdjacentZooms(t *testing.T) {
	m := NewMatcher(0)

	parent := geo.NewOverscaledTileID(5, 0, 3, 4)
	pb := mkBucket("place", label("Oslo", 1000, 2000))
	m.AddBucket("place", parent, pb)
	id := pb.Symbols[0].CrossTileID

	// The same label lands in the child tile: parent (3,4)@5 covers
	// (6,8)..(7,9)@6; anchor 1000,2000 in the parent maps to 2000,4000 in
	// child (6,8).
	child := geo.NewOverscaledTileID(6, 0, 6, 8)
	cb := mkBucket("place", label("Oslo", 2020, 3990))
	require.True(t, m.AddBucket("place", child, cb))
	assert.Equal(t, id, cb.Symbols[0].CrossTileID)
}

func TestNoMatchBeyondRadius(t *testing.T) {
	m := NewMatcher(25)
	addr := geo.NewOverscaledTileID(10, 0, 5, 5)

	m.AddBucket("poi", addr, mkBucket("poi", label("X", 100, 100)))

	far := mkBucket("poi", label("X", 400, 400))
	m.AddBucket("poi", geo.NewOverscaledTileID(10, 0, 5, 5), far)
	// Same tile re-parse but outside the radius: a fresh ID is minted.
	assert.Equal(t, uint64(2), far.Symbols[0].CrossTileID)
}

func TestDifferentMatchingKeysNeverMatch(t *testing.T) {
	m := NewMatcher(0)
	addr := geo.NewOverscaledTileID(10, 0, 5, 5)

	m.AddBucket("poi", addr, mkBucket("poi", label("Cafe", 100, 100)))
	other := mkBucket("poi", label("Bar", 100, 100))
	m.AddBucket("poi", addr, other)

	assert.Equal(t, uint64(2), other.Symbols[0].CrossTileID)
}

func TestWrapsDoNotShareIDs(t *testing.T) {
	m := NewMatcher(0)

	w0 := mkBucket("poi", label("Suva", 500, 500))
	m.AddBucket("poi", geo.NewOverscaledTileID(4, 0, 15, 7), w0)

	w1 := mkBucket("poi", label("Suva", 500, 500))
	m.AddBucket("poi", geo.NewOverscaledTileID(4, 1, 15, 7), w1)

	assert.NotEqual(t, w0.Symbols[0].CrossTileID, w1.Symbols[0].CrossTileID,
		"identities must not leak across world copies")
}

func TestNearestCandidateWins(t *testing.T) {
	m := NewMatcher(200)
	addr := geo.NewOverscaledTileID(10, 0, 5, 5)

	old := mkBucket("poi", label("T", 1000, 1000), label("T", 1100, 1000))
	m.AddBucket("poi", addr, old)
	nearID := old.Symbols[1].CrossTileID

	// One symbol near the second old anchor: must take the nearer ID.
	fresh := mkBucket("poi", label("T", 1090, 1000))
	m.AddBucket("poi", addr, fresh)
	assert.Equal(t, nearID, fresh.Symbols[0].CrossTileID)
}

func TestOneIDPerZoomLevel(t *testing.T) {
	m := NewMatcher(500)
	addr := geo.NewOverscaledTileID(10, 0, 5, 5)

	old := mkBucket("poi", label("T", 1000, 1000))
	m.AddBucket("poi", addr, old)
	id := old.Symbols[0].CrossTileID

	// Two candidates inside the radius of the single old anchor: only one
	// may inherit; the other gets a fresh ID.
	fresh := mkBucket("poi", label("T", 1010, 1000), label("T", 990, 1000))
	m.AddBucket("poi", addr, fresh)

	a, b := fresh.Symbols[0].CrossTileID, fresh.Symbols[1].CrossTileID
	assert.NotEqual(t, a, b)
	assert.True(t, a == id || b == id, "exactly one symbol inherits the old ID")
}

func TestAddLayerRemovesStaleBuckets(t *testing.T) {
	m := NewMatcher(0)
	a1 := geo.NewOverscaledTileID(10, 0, 5, 5)
	a2 := geo.NewOverscaledTileID(10, 0, 6, 5)
	b1 := mkBucket("poi", label("A", 1, 1))
	b2 := mkBucket("poi", label("B", 1, 1))

	m.AddLayer("poi", []BucketEntry{{Addr: a1, Bucket: b1}, {Addr: a2, Bucket: b2}})
	assert.Equal(t, 2, m.IndexedTileCount())

	// Tile 2 leaves the render set (e.g. the camera wrapped away from it).
	changed := m.AddLayer("poi", []BucketEntry{{Addr: a1, Bucket: b1}})
	assert.True(t, changed)
	assert.Equal(t, 1, m.IndexedTileCount())
}

func TestPruneUnusedLayers(t *testing.T) {
	m := NewMatcher(0)
	m.AddBucket("roads", geo.NewOverscaledTileID(3, 0, 1, 1), mkBucket("roads", label("E6", 5, 5)))
	m.AddBucket("poi", geo.NewOverscaledTileID(3, 0, 1, 1), mkBucket("poi", label("P", 5, 5)))
	require.Equal(t, 2, m.IndexedTileCount())

	m.PruneUnusedLayers([]string{"poi"})
	assert.Equal(t, 1, m.IndexedTileCount())
}
