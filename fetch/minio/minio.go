// Package minio provides a fetch.Source reading tiles from MinIO and other
// S3-compatible object stores addressed through the MinIO client.
package minio

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/tilemap/fetch"
	"github.com/hupe1980/tilemap/geo"
)

// Source implements fetch.Source for MinIO. Tiles are stored one object per
// tile under prefix/z/x/y.
type Source struct {
	client *minio.Client
	bucket string
	prefix string
	ext    string
}

// New creates a MinIO tile source. ext is the object suffix (e.g. ".pbf");
// it may be empty.
func New(client *minio.Client, bucket, prefix, ext string) *Source {
	return &Source{client: client, bucket: bucket, prefix: prefix, ext: ext}
}

func (s *Source) key(id geo.CanonicalTileID) string {
	return path.Join(s.prefix, fmt.Sprintf("%d/%d/%d%s", id.Z, id.X, id.Y, s.ext))
}

// Fetch downloads one tile object.
func (s *Source) Fetch(ctx context.Context, id geo.CanonicalTileID) (*fetch.Result, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil, fetch.ErrNotFound
		}
		return nil, err
	}
	return &fetch.Result{Data: data}, nil
}
