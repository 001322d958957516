package fetch

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/internal/resource"
)

// Deduped collapses concurrent fetches of the same canonical tile into one
// upstream request. World copies of a tile share bytes, so callers fetching
// wrap -1, 0 and +1 of the same address hit the source once.
//
// The shared Result is returned to every waiter; callers must treat Data as
// read-only.
func Deduped(src Source) Source {
	var group singleflight.Group
	return SourceFunc(func(ctx context.Context, id geo.CanonicalTileID) (*Result, error) {
		v, err, _ := group.Do(id.String(), func() (any, error) {
			return src.Fetch(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		return v.(*Result), nil
	})
}

// Limited applies the controller's fetch-slot and throughput budgets around
// a source. A nil controller is a no-op wrapper.
func Limited(src Source, rc *resource.Controller) Source {
	return SourceFunc(func(ctx context.Context, id geo.CanonicalTileID) (*Result, error) {
		if err := rc.BeginFetch(ctx); err != nil {
			return nil, err
		}
		defer rc.EndFetch()

		res, err := src.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := rc.WaitThroughput(ctx, int64(len(res.Data))); err != nil {
			return nil, err
		}
		return res, nil
	})
}
