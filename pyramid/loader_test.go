package pyramid

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tilemap/fetch"
	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/symbol"
	"github.com/hupe1980/tilemap/worker"
)

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestLoaderFetchesDecompressesAndParses(t *testing.T) {
	id := geo.CanonicalTileID{Z: 3, X: 1, Y: 2}
	src := fetch.NewStatic(map[geo.CanonicalTileID][]byte{
		id: gzipped(t, []byte("tile-bytes")),
	})
	parser := symbol.ParserFunc(func(addr geo.OverscaledTileID, data []byte) ([]*symbol.Bucket, error) {
		assert.Equal(t, []byte("tile-bytes"), data, "parser sees decompressed bytes")
		return []*symbol.Bucket{{LayerID: "labels"}}, nil
	})

	l := NewTileLoader(src, parser)
	resp, err := l.LoadTile(context.Background(), &worker.LoadTile{
		Address: geo.NewOverscaledTileID(3, 0, 1, 2),
	})
	require.NoError(t, err)
	require.Len(t, resp.Buckets, 1)
	assert.Equal(t, []byte("tile-bytes"), resp.RawData)
}

func TestLoaderMissingTileYieldsEmptyBuckets(t *testing.T) {
	src := fetch.NewStatic(nil)
	parser := symbol.ParserFunc(func(geo.OverscaledTileID, []byte) ([]*symbol.Bucket, error) {
		t.Fatal("parser must not run for a missing tile")
		return nil, nil
	})

	l := NewTileLoader(src, parser)
	resp, err := l.LoadTile(context.Background(), &worker.LoadTile{
		Address: geo.NewOverscaledTileID(1, 0, 0, 0),
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Buckets)
	assert.NotNil(t, resp.Buckets)
}

func TestLoaderParseFailurePropagates(t *testing.T) {
	id := geo.CanonicalTileID{Z: 1, X: 0, Y: 0}
	src := fetch.NewStatic(map[geo.CanonicalTileID][]byte{id: []byte("garbage")})
	parseErr := errors.New("malformed layer")
	parser := symbol.ParserFunc(func(geo.OverscaledTileID, []byte) ([]*symbol.Bucket, error) {
		return nil, parseErr
	})

	l := NewTileLoader(src, parser)
	_, err := l.ReloadTile(context.Background(), &worker.ReloadTile{
		Address: geo.NewOverscaledTileID(1, 0, 0, 0),
	})
	assert.ErrorIs(t, err, parseErr)
}

func TestLoaderFeatureStateMergeAndClear(t *testing.T) {
	l := NewTileLoader(fetch.NewStatic(nil), symbol.ParserFunc(func(geo.OverscaledTileID, []byte) ([]*symbol.Bucket, error) {
		return nil, nil
	}))

	l.UpdateFeatureState(&worker.UpdateFeatureState{
		SourceLayer: "roads",
		States:      map[string]map[string]any{"42": {"hover": true}},
	})
	assert.Equal(t, map[string]any{"hover": true}, l.FeatureState("roads", "42"))
	assert.Nil(t, l.FeatureState("roads", "7"))
	assert.Nil(t, l.FeatureState("water", "42"))

	l.UpdateFeatureState(&worker.UpdateFeatureState{
		SourceLayer: "roads",
		States:      map[string]map[string]any{"42": nil},
	})
	assert.Nil(t, l.FeatureState("roads", "42"))
}
