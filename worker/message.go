// Package worker implements asynchronous message passing to a bounded pool
// of worker execution contexts. Requests are a closed set of typed messages;
// each send yields a cancelable handle whose callback is guaranteed not to
// fire once canceled.
package worker

import (
	"time"

	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/symbol"
)

// Priority bands for request scheduling. Lower values run first; within one
// band requests run in arrival order. Callers that depend on per-key response
// ordering must keep one priority per key.
const (
	// PriorityImmediate is for parses the current placement pass is
	// waiting on.
	PriorityImmediate float64 = 0
	// PriorityCoverage is for tiles inside the ideal coverage set.
	PriorityCoverage float64 = 100
	// PriorityBackground is for prefetch and cleanup work.
	PriorityBackground float64 = 1000
)

// Request is the closed set of messages a worker execution context accepts.
type Request interface {
	// TargetKey routes all requests for one tile to the same worker, which
	// keeps their responses in request order.
	TargetKey() geo.TileKey

	isRequest()
}

// LoadTile asks the worker to fetch and parse one tile.
type LoadTile struct {
	Address geo.OverscaledTileID
}

// ReloadTile re-fetches a tile the main thread already holds data for. The
// worker treats it like LoadTile; the distinction matters to the caller,
// which keeps the old content visible until the response lands.
type ReloadTile struct {
	Address geo.OverscaledTileID
}

// AbortTile tells the worker to drop any partial fetch/parse state for the
// tile. It produces no response payload.
type AbortTile struct {
	Address geo.OverscaledTileID
}

// RemoveTile tells the worker to forget per-tile state retained for feature
// state propagation.
type RemoveTile struct {
	Address geo.OverscaledTileID
}

// UpdateFeatureState pushes feature state changes into the worker so future
// parses evaluate them. It is broadcast to every worker context.
type UpdateFeatureState struct {
	SourceLayer string
	States      map[string]map[string]any
}

func (r *LoadTile) TargetKey() geo.TileKey   { return r.Address.Key() }
func (r *ReloadTile) TargetKey() geo.TileKey { return r.Address.Key() }
func (r *AbortTile) TargetKey() geo.TileKey  { return r.Address.Key() }
func (r *RemoveTile) TargetKey() geo.TileKey { return r.Address.Key() }

// Feature state updates are not tile-addressed; they broadcast.
func (r *UpdateFeatureState) TargetKey() geo.TileKey { return 0 }

func (*LoadTile) isRequest()           {}
func (*ReloadTile) isRequest()         {}
func (*AbortTile) isRequest()          {}
func (*RemoveTile) isRequest()         {}
func (*UpdateFeatureState) isRequest() {}

// Response is the closed set of reply payloads.
type Response interface{ isResponse() }

// TileData is the reply to LoadTile/ReloadTile.
type TileData struct {
	Address geo.OverscaledTileID
	Buckets []*symbol.Bucket

	// RawData is the (decompressed) tile payload, retained for re-parses.
	RawData []byte

	// ExpiresAt is when the data goes stale; zero means never.
	ExpiresAt time.Time
}

// Ack is the empty reply to requests that carry no payload back.
type Ack struct{}

func (*TileData) isResponse() {}
func (*Ack) isResponse()      {}
