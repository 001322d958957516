package pyramid

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/symbol"
	"github.com/hupe1980/tilemap/worker"
)

func TestTileCompactRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte("roadname roadname roadname "), 512)

	tile := NewTile(geo.NewOverscaledTileID(5, 0, 3, 7))
	tile.setLoaded(&worker.TileData{
		Buckets: []*symbol.Bucket{{LayerID: "labels"}},
		RawData: raw,
	})

	tile.compact()
	assert.Less(t, tile.RawSize(), len(raw), "repetitive payload should shrink")

	got, err := tile.Raw()
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	// Restoring is sticky: a second read sees the plain payload.
	got, err = tile.Raw()
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestTileCompactKeepsIncompressiblePayload(t *testing.T) {
	raw := []byte{0x1a, 0x55, 0x03, 0xe7, 0x99, 0x42, 0x10}

	tile := NewTile(geo.NewOverscaledTileID(1, 0, 0, 0))
	tile.setLoaded(&worker.TileData{Buckets: []*symbol.Bucket{}, RawData: raw})

	tile.compact()
	got, err := tile.Raw()
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestTileExpiredAt(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tile := NewTile(geo.NewOverscaledTileID(2, 0, 1, 1))
	tile.setLoaded(&worker.TileData{Buckets: []*symbol.Bucket{}, ExpiresAt: base})

	assert.False(t, tile.ExpiredAt(base.Add(-time.Second)))
	assert.True(t, tile.ExpiredAt(base.Add(time.Second)))

	fresh := NewTile(geo.NewOverscaledTileID(2, 0, 1, 0))
	fresh.setLoaded(&worker.TileData{Buckets: []*symbol.Bucket{}})
	assert.False(t, fresh.ExpiredAt(base.AddDate(100, 0, 0)), "zero expiry never goes stale")
}

func TestTileStateStrings(t *testing.T) {
	assert.Equal(t, "requested", TileRequested.String())
	assert.Equal(t, "loaded", TileLoaded.String())
	assert.Equal(t, "unloaded", TileUnloaded.String())
}
