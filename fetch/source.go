// Package fetch provides byte sources for raw tile data. Sources return
// opaque payloads; decoding belongs to the worker-side bucket parser.
//
// The built-in implementations cover HTTP tile servers and in-memory test
// fixtures; S3 and MinIO backends live in subpackages.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hupe1980/tilemap/geo"
)

// ErrNotFound is returned when no data exists for a tile. Callers treat it
// as no-data, not as a failure worth retrying.
var ErrNotFound = errors.New("fetch: tile not found")

// Result is one fetched tile payload.
type Result struct {
	Data []byte

	// ExpiresAt is when the payload's cache metadata says it goes stale;
	// zero means never.
	ExpiresAt time.Time
}

// Source fetches the raw bytes of one canonical tile. Wrap and overscale do
// not affect the bytes, so sources address tiles canonically.
type Source interface {
	Fetch(ctx context.Context, id geo.CanonicalTileID) (*Result, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, id geo.CanonicalTileID) (*Result, error)

func (f SourceFunc) Fetch(ctx context.Context, id geo.CanonicalTileID) (*Result, error) {
	return f(ctx, id)
}

// Static serves tiles from memory. Intended for tests and offline fixtures.
type Static struct {
	tiles map[geo.CanonicalTileID][]byte
}

// NewStatic creates a Static source over the given tiles.
func NewStatic(tiles map[geo.CanonicalTileID][]byte) *Static {
	return &Static{tiles: tiles}
}

func (s *Static) Fetch(_ context.Context, id geo.CanonicalTileID) (*Result, error) {
	data, ok := s.tiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Result{Data: data}, nil
}

// HTTP fetches tiles from a {z}/{x}/{y} URL template.
type HTTP struct {
	client   *http.Client
	template string
}

// NewHTTP creates an HTTP source. template must contain the {z}, {x} and {y}
// placeholders. A nil client uses a default with a 30s timeout.
func NewHTTP(client *http.Client, template string) (*HTTP, error) {
	for _, ph := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(template, ph) {
			return nil, fmt.Errorf("fetch: url template missing %s placeholder", ph)
		}
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTP{client: client, template: template}, nil
}

// URL expands the template for one tile.
func (h *HTTP) URL(id geo.CanonicalTileID) string {
	r := strings.NewReplacer(
		"{z}", fmt.Sprintf("%d", id.Z),
		"{x}", fmt.Sprintf("%d", id.X),
		"{y}", fmt.Sprintf("%d", id.Y),
	)
	return r.Replace(h.template)
}

func (h *HTTP) Fetch(ctx context.Context, id geo.CanonicalTileID) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL(id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, fmt.Errorf("fetch: %s: unexpected status %d", id, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Result{Data: data, ExpiresAt: expiryFromHeaders(resp.Header, time.Now())}, nil
}

// expiryFromHeaders derives a staleness deadline from Cache-Control max-age
// or, failing that, the Expires header.
func expiryFromHeaders(h http.Header, now time.Time) time.Time {
	if cc := h.Get("Cache-Control"); cc != "" {
		for _, part := range strings.Split(cc, ",") {
			part = strings.TrimSpace(part)
			if v, ok := strings.CutPrefix(part, "max-age="); ok {
				var secs int64
				if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
					return now.Add(time.Duration(secs) * time.Second)
				}
			}
		}
	}
	if exp := h.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			return t
		}
	}
	return time.Time{}
}
