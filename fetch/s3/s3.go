// Package s3 provides a fetch.Source reading tiles from Amazon S3 (or any
// S3-compatible endpoint the SDK can address).
package s3

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/tilemap/fetch"
	"github.com/hupe1980/tilemap/geo"
)

// Source implements fetch.Source for S3. Tiles are stored one object per
// tile under prefix/z/x/y.
type Source struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucket     string
	prefix     string
	ext        string
}

// New creates an S3 tile source. ext is the object suffix (e.g. ".pbf");
// it may be empty.
func New(client *s3.Client, bucket, prefix, ext string) *Source {
	return &Source{
		client:     client,
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		prefix:     prefix,
		ext:        ext,
	}
}

// NewFromDefaultConfig builds a source from the ambient AWS configuration
// (environment, shared config files, instance metadata).
func NewFromDefaultConfig(ctx context.Context, bucket, prefix, ext string) (*Source, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), bucket, prefix, ext), nil
}

func (s *Source) key(id geo.CanonicalTileID) string {
	return path.Join(s.prefix, fmt.Sprintf("%d/%d/%d%s", id.Z, id.X, id.Y, s.ext))
}

// Fetch downloads one tile object.
func (s *Source) Fetch(ctx context.Context, id geo.CanonicalTileID) (*fetch.Result, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fetch.ErrNotFound
		}
		return nil, err
	}
	return &fetch.Result{Data: buf.Bytes()}, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	// GetObject surfaces some misses as a generic API error.
	return strings.Contains(err.Error(), "StatusCode: 404")
}
