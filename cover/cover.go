// Package cover provides the default tile-cover collaborator: it turns a
// camera state into the ordered set of tile addresses an unrotated mercator
// viewport needs, center-out so the most visible tiles load first.
package cover

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/pyramid"
)

// Config tunes the coverage computation.
type Config struct {
	// TileSize is the screen size of one tile in pixels at integer zoom.
	// Default 512.
	TileSize float64

	// MinZoom and MaxZoom clamp the display zoom. MaxZoom defaults to
	// geo.MaxZoom.
	MinZoom uint8
	MaxZoom uint8

	// SourceMaxZoom caps the canonical zoom; beyond it coverage returns
	// overscaled addresses of SourceMaxZoom tiles. Defaults to MaxZoom.
	SourceMaxZoom uint8
}

// New returns a CoverFunc for an axis-aligned mercator viewport. Bearing and
// pitch are not considered; rotated cameras get a slightly larger cover than
// strictly needed.
func New(cfg Config) pyramid.CoverFunc {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 512
	}
	if cfg.MaxZoom == 0 || cfg.MaxZoom > geo.MaxZoom {
		cfg.MaxZoom = geo.MaxZoom
	}
	if cfg.SourceMaxZoom == 0 || cfg.SourceMaxZoom > cfg.MaxZoom {
		cfg.SourceMaxZoom = cfg.MaxZoom
	}

	return func(cam pyramid.CameraState) []geo.OverscaledTileID {
		z := uint8(math.Max(float64(cfg.MinZoom), math.Min(float64(cfg.MaxZoom), math.Floor(cam.Zoom))))
		canonZ := min(z, cfg.SourceMaxZoom)
		n := int64(1) << canonZ

		cx, cy := fractionalTile(cam.CenterLng, cam.CenterLat, canonZ)

		// Tile footprint in pixels at the current fractional zoom.
		tilePx := cfg.TileSize * math.Exp2(cam.Zoom-float64(z)) * float64(uint32(1)<<(z-canonZ))
		halfX := cam.Width / 2 / tilePx
		halfY := cam.Height / 2 / tilePx

		minX := int64(math.Floor(cx - halfX))
		maxX := int64(math.Floor(cx + halfX))
		minY := max(int64(math.Floor(cy-halfY)), 0)
		maxY := min(int64(math.Floor(cy+halfY)), n-1)

		type candidate struct {
			id     geo.OverscaledTileID
			distSq float64
		}
		var out []candidate
		for x := minX; x <= maxX; x++ {
			wrap := int64(math.Floor(float64(x) / float64(n)))
			ux := uint32(x - wrap*n)
			for y := minY; y <= maxY; y++ {
				dx := float64(x) + 0.5 - cx
				dy := float64(y) + 0.5 - cy
				out = append(out, candidate{
					id: geo.OverscaledTileID{
						OverscaledZ: z,
						Wrap:        int16(wrap),
						Canonical:   geo.CanonicalTileID{Z: canonZ, X: ux, Y: uint32(y)},
					},
					distSq: dx*dx + dy*dy,
				})
			}
		}

		sort.Slice(out, func(i, j int) bool {
			if out[i].distSq != out[j].distSq {
				return out[i].distSq < out[j].distSq
			}
			return out[i].id.Key() < out[j].id.Key()
		})

		ids := make([]geo.OverscaledTileID, len(out))
		for i, c := range out {
			ids[i] = c.id
		}
		return ids
	}
}

// fractionalTile locates a lng/lat in continuous tile coordinates at the
// given zoom. The integer part comes from the tile lookup; the fraction is a
// linear interpolation inside the tile's geographic bound, which is accurate
// enough for choosing cover.
func fractionalTile(lng, lat float64, z uint8) (float64, float64) {
	t := maptile.At(orb.Point{lng, lat}, maptile.Zoom(z))
	b := t.Bound()
	fx := float64(t.X)
	if w := b.Right() - b.Left(); w > 0 {
		fx += (lng - b.Left()) / w
	}
	fy := float64(t.Y)
	if h := b.Top() - b.Bottom(); h > 0 {
		fy += (b.Top() - lat) / h
	}
	return fx, fy
}
