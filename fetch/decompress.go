package fetch

import (
	"bytes"
	"context"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/tilemap/geo"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Decompress sniffs the payload's magic bytes and inflates gzip or zstd
// content. Anything else passes through untouched: tile servers disagree on
// whether payloads arrive pre-compressed.
func Decompress(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)

	case bytes.HasPrefix(data, zstdMagic):
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)

	default:
		return data, nil
	}
}

// Decompressing wraps a source so all payloads come back inflated.
func Decompressing(src Source) Source {
	return SourceFunc(func(ctx context.Context, id geo.CanonicalTileID) (*Result, error) {
		res, err := src.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		data, err := Decompress(res.Data)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, ExpiresAt: res.ExpiresAt}, nil
	})
}
