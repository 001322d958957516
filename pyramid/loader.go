package pyramid

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/tilemap/fetch"
	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/symbol"
	"github.com/hupe1980/tilemap/worker"
)

// TileLoader is the worker-side request handler: it fetches raw tile
// payloads, undoes transport compression, and parses them into symbol
// buckets. It runs on worker actors, so everything here must be safe for
// concurrent use.
type TileLoader struct {
	source fetch.Source
	parser symbol.Parser

	mu     sync.RWMutex
	states map[string]map[string]map[string]any
}

var _ worker.Handler = (*TileLoader)(nil)

// NewTileLoader creates a loader over the given source and parser.
func NewTileLoader(source fetch.Source, parser symbol.Parser) *TileLoader {
	return &TileLoader{
		source: source,
		parser: parser,
		states: make(map[string]map[string]map[string]any),
	}
}

// LoadTile fetches and parses the requested tile. A missing tile is not an
// error: it yields an empty bucket set so the address renders as blank.
func (l *TileLoader) LoadTile(ctx context.Context, req *worker.LoadTile) (*worker.TileData, error) {
	return l.load(ctx, req.Address)
}

// ReloadTile re-fetches a tile whose previous payload went stale.
func (l *TileLoader) ReloadTile(ctx context.Context, req *worker.ReloadTile) (*worker.TileData, error) {
	return l.load(ctx, req.Address)
}

func (l *TileLoader) load(ctx context.Context, addr geo.OverscaledTileID) (*worker.TileData, error) {
	res, err := l.source.Fetch(ctx, addr.Canonical)
	if err != nil {
		if errors.Is(err, fetch.ErrNotFound) {
			return &worker.TileData{Address: addr, Buckets: []*symbol.Bucket{}}, nil
		}
		return nil, err
	}

	data, err := fetch.Decompress(res.Data)
	if err != nil {
		return nil, err
	}

	buckets, err := l.parser.Parse(addr, data)
	if err != nil {
		return nil, err
	}

	return &worker.TileData{
		Address:   addr,
		Buckets:   buckets,
		RawData:   data,
		ExpiresAt: res.ExpiresAt,
	}, nil
}

// AbortTile is a no-op: fetches honor request-context cancellation and the
// loader keeps no partial per-tile state.
func (l *TileLoader) AbortTile(*worker.AbortTile) {}

// RemoveTile is a no-op: feature state is keyed by source layer, not tile.
func (l *TileLoader) RemoveTile(*worker.RemoveTile) {}

// UpdateFeatureState merges the broadcast state so parses on this worker
// observe the same feature state the main thread holds. A nil state for a
// feature clears it.
func (l *TileLoader) UpdateFeatureState(req *worker.UpdateFeatureState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	layer := l.states[req.SourceLayer]
	if layer == nil {
		layer = make(map[string]map[string]any)
		l.states[req.SourceLayer] = layer
	}
	for id, state := range req.States {
		if state == nil {
			delete(layer, id)
			continue
		}
		layer[id] = state
	}
}

// FeatureState returns the worker-side copy of a feature's state, or nil.
func (l *TileLoader) FeatureState(sourceLayer, featureID string) map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.states[sourceLayer][featureID]
}
