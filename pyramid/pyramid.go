package pyramid

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/tilemap/cache"
	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/internal/resource"
	"github.com/hupe1980/tilemap/worker"
)

// maxUnderzooming bounds how many levels below an ideal tile loaded children
// are retained to cover a hole while the ideal tile loads.
const maxUnderzooming = 3

// errorRetryDelay is how long an errored tile waits before a camera update
// may retry its load. Explicit Reload retries immediately.
const errorRetryDelay = 30 * time.Second

// CameraState is the view description handed to the coverage computation.
type CameraState struct {
	Zoom                 float64
	CenterLng, CenterLat float64
	Width, Height        float64
	Bearing, Pitch       float64
}

// CoverFunc computes the ideal tile set for a camera, ordered by display
// priority (typically center-out).
type CoverFunc func(cam CameraState) []geo.OverscaledTileID

// Config tunes a Manager.
type Config struct {
	// CacheSize caps the number of parked tiles. Default 512.
	CacheSize int

	// MinZoom bounds how far up the ancestor fallback walks.
	MinZoom uint8

	// CacheTTL expires parked tiles after this long; zero keeps them until
	// capacity eviction.
	CacheTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	// Resources, when set, bounds the raw bytes retained across all tiles.
	// Payloads that do not fit are dropped; parsed buckets are kept.
	Resources *resource.Controller
}

// Manager keeps live tiles aligned with the camera's ideal coverage. It is
// the single owner of tile lifecycle state: tiles move between the live set,
// the in-flight set, and the eviction cache only through its methods.
//
// The manager is driven from one goroutine, the render loop. Worker
// responses and cache expiry events arriving from other goroutines are
// queued and applied at the start of the next call, so a tile obtained from
// the manager never changes until the caller comes back.
type Manager struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *worker.Dispatcher
	cover      CoverFunc
	now        func() time.Time

	mu       sync.Mutex
	tiles    map[geo.TileKey]*Tile
	inFlight map[geo.TileKey]*worker.Cancelable
	cache    *cache.TileCache[*Tile]
	states   map[string]map[string]map[string]any

	inboxMu sync.Mutex
	inbox   []pendingResponse
	orphans []*Tile
}

// pendingResponse is a worker response waiting to be applied on the
// goroutine driving the manager.
type pendingResponse struct {
	key  geo.TileKey
	resp worker.Response
	err  error
}

// NewManager creates a manager sending load work through dispatcher and
// computing coverage with cover. A nil logger discards logs.
func NewManager(dispatcher *worker.Dispatcher, cover CoverFunc, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		cover:      cover,
		now:        cfg.Now,
		tiles:      make(map[geo.TileKey]*Tile),
		inFlight:   make(map[geo.TileKey]*worker.Cancelable),
		states:     make(map[string]map[string]map[string]any),
	}
	m.cache = cache.New(cfg.CacheSize, m.onEvict)
	return m
}

// Update reconciles the live tile set with the camera's ideal coverage:
// missing ideal tiles start loading, holes are covered by loaded descendants
// or a loaded ancestor, stale tiles soft-refresh, and everything else is
// parked or dropped. It returns the size of the ideal cover.
func (m *Manager) Update(cam CameraState) int {
	m.drainPending()

	ideal := m.cover(cam)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	retain := make(map[geo.TileKey]struct{}, len(ideal))
	for i, id := range ideal {
		t := m.ensureTileLocked(id, worker.PriorityCoverage+float64(i), now)
		retain[id.Key()] = struct{}{}
		if t.HasData() {
			continue
		}
		if !m.retainLoadedChildrenLocked(id, retain) {
			if parent, ok := m.reviveLoadedParentLocked(id); ok {
				retain[parent.Address.Key()] = struct{}{}
			}
		}
	}

	for key, t := range m.tiles {
		if _, ok := retain[key]; !ok {
			m.releaseTileLocked(key, t)
		}
	}

	return len(ideal)
}

// ensureTileLocked returns the live tile for id, reviving it from the cache
// or starting a load if needed.
func (m *Manager) ensureTileLocked(id geo.OverscaledTileID, priority float64, now time.Time) *Tile {
	key := id.Key()
	if t, ok := m.tiles[key]; ok {
		switch {
		case t.State() == TileLoaded && t.ExpiredAt(now):
			m.softRefreshLocked(key, t, priority)
		case t.State() == TileErrored && t.ExpiredAt(now):
			m.retryLoadLocked(key, t, priority)
		}
		return t
	}
	if t, ok := m.cache.GetAndRemove(key); ok {
		m.tiles[key] = t
		if t.ExpiredAt(now) {
			m.softRefreshLocked(key, t, priority)
		}
		return t
	}

	t := NewTile(id)
	t.state = TileLoading
	m.tiles[key] = t
	m.inFlight[key] = m.dispatcher.Send(context.Background(), &worker.LoadTile{Address: id}, priority,
		func(resp worker.Response, err error) { m.onTileResponse(key, resp, err) })
	return t
}

// softRefreshLocked starts a reload while the old data stays renderable.
func (m *Manager) softRefreshLocked(key geo.TileKey, t *Tile, priority float64) {
	if _, ok := m.inFlight[key]; ok {
		return
	}
	t.state = TileReloading
	m.inFlight[key] = m.dispatcher.Send(context.Background(), &worker.ReloadTile{Address: t.Address}, priority,
		func(resp worker.Response, err error) { m.onTileResponse(key, resp, err) })
}

// retryLoadLocked restarts the load of an errored tile whose expiry timer
// has passed.
func (m *Manager) retryLoadLocked(key geo.TileKey, t *Tile, priority float64) {
	if _, ok := m.inFlight[key]; ok {
		return
	}
	t.state = TileLoading
	t.err = nil
	t.expiresAt = time.Time{}
	m.inFlight[key] = m.dispatcher.Send(context.Background(), &worker.LoadTile{Address: t.Address}, priority,
		func(resp worker.Response, err error) { m.onTileResponse(key, resp, err) })
}

// onTileResponse runs on a worker goroutine. It must not touch tile state:
// the render loop may be mid-pass over these tiles. The response is queued
// and applied by the next drain.
func (m *Manager) onTileResponse(key geo.TileKey, resp worker.Response, err error) {
	m.inboxMu.Lock()
	m.inbox = append(m.inbox, pendingResponse{key: key, resp: resp, err: err})
	m.inboxMu.Unlock()
}

// drainPending applies queued worker responses and timer evictions on the
// calling goroutine.
func (m *Manager) drainPending() {
	m.inboxMu.Lock()
	inbox, orphans := m.inbox, m.orphans
	m.inbox, m.orphans = nil, nil
	m.inboxMu.Unlock()

	if len(inbox) > 0 {
		m.mu.Lock()
		for _, p := range inbox {
			m.applyResponseLocked(p.key, p.resp, p.err)
		}
		m.mu.Unlock()
	}
	for _, t := range orphans {
		m.unload(t)
	}
}

func (m *Manager) applyResponseLocked(key geo.TileKey, resp worker.Response, err error) {
	delete(m.inFlight, key)

	// A response for a tile we no longer retain is stale; it must not
	// resurrect any state.
	t, ok := m.tiles[key]
	if !ok {
		return
	}

	if err != nil {
		if t.HasData() {
			// A failed refresh keeps the previous revision visible; the
			// tile stays stale until the next explicit reload.
			t.setExpired(err)
			m.logger.Warn("tile refresh failed", "tile", t.Address.String(), "error", err)
		} else {
			t.setError(err)
			t.expiresAt = m.now().Add(errorRetryDelay)
			m.logger.Warn("tile load failed", "tile", t.Address.String(), "error", err)
		}
		return
	}

	data, ok := resp.(*worker.TileData)
	if !ok {
		t.setError(fmt.Errorf("pyramid: unexpected response %T for %s", resp, t.Address))
		return
	}
	m.cfg.Resources.ReleaseBytes(t.rawCharge())
	t.setLoaded(data)
	if !m.cfg.Resources.TryAcquireBytes(t.rawCharge()) {
		t.dropRaw()
	}
}

// retainLoadedChildrenLocked retains loaded descendants of id down to
// maxUnderzooming levels, reviving parked ones from the cache, and reports
// whether any were found.
func (m *Manager) retainLoadedChildrenLocked(id geo.OverscaledTileID, retain map[geo.TileKey]struct{}) bool {
	found := false
	for key, t := range m.tiles {
		if !t.HasData() {
			continue
		}
		if t.Address.OverscaledZ <= id.OverscaledZ || t.Address.OverscaledZ > id.OverscaledZ+maxUnderzooming {
			continue
		}
		if t.Address.IsChildOf(id) {
			retain[key] = struct{}{}
			found = true
		}
	}

	// A descendant parked moments ago covers just as well as a live one.
	// Walk the subtree breadth-first and revive parked tiles; a covered
	// branch is not descended further.
	frontier := []geo.OverscaledTileID{id}
	for depth := 0; depth < maxUnderzooming && len(frontier) > 0; depth++ {
		var next []geo.OverscaledTileID
		for _, pid := range frontier {
			for _, cid := range pid.Children(geo.MaxZoom) {
				key := cid.Key()
				if _, ok := retain[key]; ok {
					continue
				}
				if t, ok := m.cache.GetAndRemove(key); ok {
					m.tiles[key] = t
					retain[key] = struct{}{}
					found = true
					continue
				}
				next = append(next, cid)
			}
		}
		frontier = next
	}
	return found
}

// reviveLoadedParentLocked walks up from id looking for the nearest ancestor
// with data, pulling it out of the cache into the live set if needed.
func (m *Manager) reviveLoadedParentLocked(id geo.OverscaledTileID) (*Tile, bool) {
	for z := int(id.OverscaledZ) - 1; z >= int(m.cfg.MinZoom); z-- {
		pid := id.ScaledTo(uint8(z))
		key := pid.Key()
		if t, ok := m.tiles[key]; ok {
			if t.HasData() {
				return t, true
			}
			continue
		}
		if t, ok := m.cache.GetAndRemove(key); ok {
			m.tiles[key] = t
			return t, true
		}
	}
	return nil, false
}

// FindLoadedParent walks up the ancestry of id for the nearest tile with
// renderable data, checking the live set and the cache. The cache lookup
// refreshes recency but does not revive the tile.
func (m *Manager) FindLoadedParent(id geo.OverscaledTileID, minZoom uint8) (*Tile, bool) {
	m.drainPending()

	m.mu.Lock()
	defer m.mu.Unlock()
	for z := int(id.OverscaledZ) - 1; z >= int(minZoom); z-- {
		key := id.ScaledTo(uint8(z)).Key()
		if t, ok := m.tiles[key]; ok && t.HasData() {
			return t, true
		}
		if t, ok := m.cache.Get(key); ok {
			return t, true
		}
	}
	return nil, false
}

// releaseTileLocked removes a tile from the live set, parking it in the
// cache when it has data and unloading it otherwise.
func (m *Manager) releaseTileLocked(key geo.TileKey, t *Tile) {
	if h, ok := m.inFlight[key]; ok {
		h.Cancel()
		delete(m.inFlight, key)
		m.dispatcher.Send(context.Background(), &worker.AbortTile{Address: t.Address}, worker.PriorityBackground, nil)
		if t.state == TileReloading {
			// The canceled refresh leaves the previous revision current.
			t.state = TileLoaded
		}
	}
	delete(m.tiles, key)

	if t.HasData() {
		t.compact()
		m.cache.Add(key, t, m.cfg.CacheTTL)
		return
	}
	m.unload(t)
}

// onEvict fires when a parked tile leaves the cache for good. The expiry
// timer path runs on a timer goroutine, so the unload is deferred to the
// next drain rather than mutating the tile here.
func (m *Manager) onEvict(_ geo.TileKey, t *Tile) {
	m.inboxMu.Lock()
	m.orphans = append(m.orphans, t)
	m.inboxMu.Unlock()
}

func (m *Manager) unload(t *Tile) {
	m.cfg.Resources.ReleaseBytes(t.rawCharge())
	t.state = TileUnloaded
	t.buckets = nil
	t.dropRaw()
	m.dispatcher.Send(context.Background(), &worker.RemoveTile{Address: t.Address}, worker.PriorityBackground, nil)
	m.dispatcher.Forget(t.Address.Key())
}

// Reload refreshes every live tile against the source and drops all parked
// tiles. Errored tiles get their retry here.
func (m *Manager) Reload() {
	m.drainPending()

	m.mu.Lock()
	for key, t := range m.tiles {
		if _, ok := m.inFlight[key]; ok {
			continue
		}
		switch t.State() {
		case TileLoaded, TileExpired:
			m.softRefreshLocked(key, t, worker.PriorityCoverage)
		case TileErrored:
			m.retryLoadLocked(key, t, worker.PriorityCoverage)
		}
	}
	m.mu.Unlock()
	m.cache.Clear()
}

// SetFeatureState records per-feature state and broadcasts it to all worker
// contexts. A nil state clears the feature's entry.
func (m *Manager) SetFeatureState(sourceLayer, featureID string, state map[string]any) {
	m.mu.Lock()
	layer := m.states[sourceLayer]
	if layer == nil {
		layer = make(map[string]map[string]any)
		m.states[sourceLayer] = layer
	}
	if state == nil {
		delete(layer, featureID)
	} else {
		layer[featureID] = state
	}
	m.mu.Unlock()

	m.dispatcher.Broadcast(context.Background(), &worker.UpdateFeatureState{
		SourceLayer: sourceLayer,
		States:      map[string]map[string]any{featureID: state},
	}, worker.PriorityImmediate)
}

// GetFeatureState returns the main-thread copy of a feature's state, or nil.
func (m *Manager) GetFeatureState(sourceLayer, featureID string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[sourceLayer][featureID]
}

// Tile returns the live tile for key, if retained.
func (m *Manager) Tile(key geo.TileKey) (*Tile, bool) {
	m.drainPending()

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tiles[key]
	return t, ok
}

// RenderableTiles returns the live tiles with data, ordered by key so
// neighboring addresses process together.
func (m *Manager) RenderableTiles() []*Tile {
	m.drainPending()

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tile, 0, len(m.tiles))
	for _, t := range m.tiles {
		if t.HasData() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Key() < out[j].Address.Key() })
	return out
}

// Len returns the number of live tiles.
func (m *Manager) Len() int {
	m.drainPending()

	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tiles)
}

// InFlightCount returns the number of outstanding load requests.
func (m *Manager) InFlightCount() int {
	m.drainPending()

	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// CacheLen returns the number of parked tiles.
func (m *Manager) CacheLen() int { return m.cache.Len() }

// Close cancels outstanding loads and drops all tiles, live and parked.
func (m *Manager) Close() {
	m.drainPending()

	m.mu.Lock()
	for key, h := range m.inFlight {
		h.Cancel()
		delete(m.inFlight, key)
	}
	for key, t := range m.tiles {
		delete(m.tiles, key)
		m.unload(t)
	}
	m.mu.Unlock()
	m.cache.Clear()

	// Clear routed the parked tiles through the orphan queue; unload them now.
	m.drainPending()
}
