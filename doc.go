// Package tilemap implements the core of an interactive vector map renderer:
// frame-budgeted label/icon collision placement and the tile lifecycle that
// feeds it, without ever blocking the render loop.
//
// The package deliberately excludes rasterization, camera math and vector
// tile decoding; those enter as collaborators (a CoverFunc, a Projector and
// a Parser).
//
//   - Tiles are fetched and parsed on a bounded worker pool reached through
//     typed, cancelable messages.
//   - Tiles leaving the viewport are parked in a bounded cache (raw payloads
//     lz4-compacted) for instant reuse.
//   - Symbols receive persistent cross-tile identities so fades never
//     restart when the same label arrives from another tile or zoom.
//   - Placement runs as a resumable pass with a soft per-frame time budget;
//     decisions commit as fade transitions.
//
// # Quick Start
//
//	src, _ := fetch.NewHTTP(nil, "https://tiles.example.com/{z}/{x}/{y}.pbf")
//	core, err := tilemap.New(
//	    tilemap.WithSource(src),
//	    tilemap.WithParser(myParser),
//	    tilemap.WithCacheSize(256),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer core.Close()
//
//	// Per frame:
//	core.Update(cam)
//	core.StartPlacement(view, layerOrder) // when placement input changed
//	done, _ := core.ContinuePlacement(2 * time.Millisecond)
//	if done {
//	    core.CommitPlacement()
//	}
//
// Several map instances can share one worker pool:
//
//	pool := worker.NewSharedPool(4)
//	a, _ := tilemap.New(tilemap.WithSharedPool(pool), ...)
//	b, _ := tilemap.New(tilemap.WithSharedPool(pool), ...)
package tilemap
