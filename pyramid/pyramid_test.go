package pyramid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/internal/resource"
	"github.com/hupe1980/tilemap/symbol"
	"github.com/hupe1980/tilemap/worker"
)

type fakeHandler struct {
	mu        sync.Mutex
	loads     int
	reloads   int
	aborts    int
	removes   int
	updates   []*worker.UpdateFeatureState
	gate      chan struct{}
	loadErr   error
	expiresAt time.Time
}

func (h *fakeHandler) data(addr geo.OverscaledTileID) (*worker.TileData, error) {
	h.mu.Lock()
	gate, err, exp := h.gate, h.loadErr, h.expiresAt
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &worker.TileData{
		Address:   addr,
		Buckets:   []*symbol.Bucket{{LayerID: "labels"}},
		RawData:   []byte("payload"),
		ExpiresAt: exp,
	}, nil
}

func (h *fakeHandler) LoadTile(_ context.Context, req *worker.LoadTile) (*worker.TileData, error) {
	h.mu.Lock()
	h.loads++
	h.mu.Unlock()
	return h.data(req.Address)
}

func (h *fakeHandler) ReloadTile(_ context.Context, req *worker.ReloadTile) (*worker.TileData, error) {
	h.mu.Lock()
	h.reloads++
	h.mu.Unlock()
	return h.data(req.Address)
}

func (h *fakeHandler) AbortTile(*worker.AbortTile) {
	h.mu.Lock()
	h.aborts++
	h.mu.Unlock()
}

func (h *fakeHandler) RemoveTile(*worker.RemoveTile) {
	h.mu.Lock()
	h.removes++
	h.mu.Unlock()
}

func (h *fakeHandler) UpdateFeatureState(req *worker.UpdateFeatureState) {
	h.mu.Lock()
	h.updates = append(h.updates, req)
	h.mu.Unlock()
}

func (h *fakeHandler) counts() (loads, reloads int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loads, h.reloads
}

func coverOf(ids ...geo.OverscaledTileID) CoverFunc {
	return func(CameraState) []geo.OverscaledTileID { return ids }
}

func newTestManager(t *testing.T, h worker.Handler, cover CoverFunc, cfg Config) *Manager {
	t.Helper()
	pool := worker.NewSharedPool(1)
	d := worker.NewDispatcher(pool, h, nil)
	m := NewManager(d, cover, cfg, nil)
	t.Cleanup(func() {
		m.Close()
		d.Close()
	})
	return m
}

func waitForData(t *testing.T, m *Manager, key geo.TileKey) *Tile {
	t.Helper()
	require.Eventually(t, func() bool {
		tile, ok := m.Tile(key)
		return ok && tile.HasData()
	}, time.Second, 5*time.Millisecond)
	tile, _ := m.Tile(key)
	return tile
}

func TestUpdateLoadsIdealCoverage(t *testing.T) {
	id := geo.NewOverscaledTileID(3, 0, 2, 5)
	h := &fakeHandler{}
	m := newTestManager(t, h, coverOf(id), Config{})

	m.Update(CameraState{Zoom: 3})
	tile := waitForData(t, m, id.Key())

	assert.Equal(t, TileLoaded, tile.State())
	assert.Len(t, tile.Buckets(), 1)
	raw, err := tile.Raw()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), raw)
}

func TestReleasedTileParksInCacheAndRevives(t *testing.T) {
	id := geo.NewOverscaledTileID(4, 0, 1, 1)
	h := &fakeHandler{}
	visible := true
	cover := func(CameraState) []geo.OverscaledTileID {
		if visible {
			return []geo.OverscaledTileID{id}
		}
		return nil
	}
	m := newTestManager(t, h, cover, Config{})

	m.Update(CameraState{})
	waitForData(t, m, id.Key())

	visible = false
	m.Update(CameraState{})
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 1, m.CacheLen())

	// Revival reuses the parked tile without touching the source.
	visible = true
	m.Update(CameraState{})
	tile, ok := m.Tile(id.Key())
	require.True(t, ok)
	assert.True(t, tile.HasData())
	assert.Equal(t, 0, m.CacheLen())

	loads, _ := h.counts()
	assert.Equal(t, 1, loads)

	raw, err := tile.Raw()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), raw)
}

func TestReleaseWhileLoadingCancelsAndSkipsCache(t *testing.T) {
	id := geo.NewOverscaledTileID(2, 0, 1, 0)
	h := &fakeHandler{gate: make(chan struct{})}
	visible := true
	cover := func(CameraState) []geo.OverscaledTileID {
		if visible {
			return []geo.OverscaledTileID{id}
		}
		return nil
	}
	m := newTestManager(t, h, cover, Config{})

	m.Update(CameraState{})
	assert.Equal(t, 1, m.InFlightCount())

	visible = false
	m.Update(CameraState{})
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.InFlightCount())
	assert.Equal(t, 0, m.CacheLen())

	// The stale response must not resurrect the tile.
	close(h.gate)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.CacheLen())
}

func TestParentCoversHoleWhileChildLoads(t *testing.T) {
	parent := geo.NewOverscaledTileID(3, 0, 1, 1)
	child := geo.NewOverscaledTileID(4, 0, 2, 2)
	h := &fakeHandler{}

	ids := []geo.OverscaledTileID{parent}
	cover := func(CameraState) []geo.OverscaledTileID { return ids }
	m := newTestManager(t, h, cover, Config{})

	m.Update(CameraState{})
	waitForData(t, m, parent.Key())

	// Zoom in: the child has no data yet, so the loaded parent is retained.
	h.mu.Lock()
	h.gate = make(chan struct{})
	h.mu.Unlock()
	ids = []geo.OverscaledTileID{child}
	m.Update(CameraState{})

	pt, ok := m.Tile(parent.Key())
	require.True(t, ok, "loaded parent should be retained while the child loads")
	assert.True(t, pt.HasData())
	ct, ok := m.Tile(child.Key())
	require.True(t, ok)
	assert.Equal(t, TileLoading, ct.State())
	close(h.gate)
}

func TestLoadedChildrenCoverHoleWhileParentLoads(t *testing.T) {
	parent := geo.NewOverscaledTileID(3, 0, 1, 1)
	child := geo.NewOverscaledTileID(4, 0, 2, 2)
	h := &fakeHandler{}

	ids := []geo.OverscaledTileID{child}
	cover := func(CameraState) []geo.OverscaledTileID { return ids }
	m := newTestManager(t, h, cover, Config{})

	m.Update(CameraState{})
	waitForData(t, m, child.Key())

	h.mu.Lock()
	h.gate = make(chan struct{})
	h.mu.Unlock()
	ids = []geo.OverscaledTileID{parent}
	m.Update(CameraState{})

	ct, ok := m.Tile(child.Key())
	require.True(t, ok, "loaded child should be retained while the parent loads")
	assert.True(t, ct.HasData())
	close(h.gate)
}

func TestParkedChildCoversHoleWhileParentLoads(t *testing.T) {
	parent := geo.NewOverscaledTileID(3, 0, 1, 1)
	child := geo.NewOverscaledTileID(4, 0, 2, 2)
	h := &fakeHandler{}

	var ids []geo.OverscaledTileID
	cover := func(CameraState) []geo.OverscaledTileID { return ids }
	m := newTestManager(t, h, cover, Config{})

	ids = []geo.OverscaledTileID{child}
	m.Update(CameraState{})
	waitForData(t, m, child.Key())

	// Pan away: the child parks in the cache.
	ids = nil
	m.Update(CameraState{})
	require.Equal(t, 1, m.CacheLen())

	// Back at the parent zoom: the parked child is revived to cover the
	// hole while the parent loads, without touching the source.
	h.mu.Lock()
	h.gate = make(chan struct{})
	h.mu.Unlock()
	ids = []geo.OverscaledTileID{parent}
	m.Update(CameraState{})

	ct, ok := m.Tile(child.Key())
	require.True(t, ok, "parked child should be revived to cover the hole")
	assert.True(t, ct.HasData())
	assert.Equal(t, 0, m.CacheLen())

	close(h.gate)
	waitForData(t, m, parent.Key())
	loads, _ := h.counts()
	assert.Equal(t, 2, loads, "the child must come back from the cache, not the source")
}

func TestWorkerResponsesApplyOnManagerCalls(t *testing.T) {
	id := geo.NewOverscaledTileID(5, 0, 9, 9)
	// An expiry far in the past makes every completed load immediately
	// stale, so each Update kicks off another refresh.
	h := &fakeHandler{expiresAt: time.Unix(1, 0)}
	m := newTestManager(t, h, coverOf(id), Config{})

	m.Update(CameraState{})
	waitForData(t, m, id.Key())

	// Refresh responses arrive from worker goroutines while this loop holds
	// and reads the tile. Delivery only queues them; the tile changes inside
	// the manager calls on this goroutine, which the race detector checks.
	for i := 0; i < 50; i++ {
		m.Update(CameraState{})
		for _, tile := range m.RenderableTiles() {
			_ = tile.State()
			for _, b := range tile.Buckets() {
				_ = b.LayerID
			}
		}
		time.Sleep(time.Millisecond)
	}

	_, reloads := h.counts()
	assert.Greater(t, reloads, 0)
}

func TestFindLoadedParentChecksLiveAndCache(t *testing.T) {
	parent := geo.NewOverscaledTileID(3, 0, 1, 1)
	grandchild := geo.NewOverscaledTileID(5, 0, 5, 5)
	h := &fakeHandler{}

	visible := true
	cover := func(CameraState) []geo.OverscaledTileID {
		if visible {
			return []geo.OverscaledTileID{parent}
		}
		return nil
	}
	m := newTestManager(t, h, cover, Config{})

	m.Update(CameraState{})
	pt := waitForData(t, m, parent.Key())

	got, ok := m.FindLoadedParent(grandchild, 0)
	require.True(t, ok)
	assert.Same(t, pt, got)

	// Still findable while parked in the cache.
	visible = false
	m.Update(CameraState{})
	require.Equal(t, 1, m.CacheLen())
	got, ok = m.FindLoadedParent(grandchild, 0)
	require.True(t, ok)
	assert.Same(t, pt, got)

	// A minZoom above the parent's level hides it.
	_, ok = m.FindLoadedParent(grandchild, 4)
	assert.False(t, ok)
}

func TestErroredTileNotRetriedUntilReload(t *testing.T) {
	id := geo.NewOverscaledTileID(5, 0, 10, 10)
	h := &fakeHandler{loadErr: errors.New("bad payload")}
	m := newTestManager(t, h, coverOf(id), Config{})

	m.Update(CameraState{})
	require.Eventually(t, func() bool {
		tile, ok := m.Tile(id.Key())
		return ok && tile.State() == TileErrored
	}, time.Second, 5*time.Millisecond)

	// Repeated camera updates leave errored tiles alone.
	m.Update(CameraState{})
	m.Update(CameraState{})
	time.Sleep(20 * time.Millisecond)
	loads, _ := h.counts()
	assert.Equal(t, 1, loads)

	tile, _ := m.Tile(id.Key())
	assert.EqualError(t, tile.Err(), "bad payload")

	// Reload is the explicit retry.
	h.mu.Lock()
	h.loadErr = nil
	h.mu.Unlock()
	m.Reload()
	waitForData(t, m, id.Key())
	loads, _ = h.counts()
	assert.Equal(t, 2, loads)
}

func TestErroredTileRetriesAfterDelay(t *testing.T) {
	id := geo.NewOverscaledTileID(5, 0, 11, 11)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var clockMu sync.Mutex
	now := base
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	h := &fakeHandler{loadErr: errors.New("flaky backend")}
	m := newTestManager(t, h, coverOf(id), Config{Now: clock})

	m.Update(CameraState{})
	require.Eventually(t, func() bool {
		tile, ok := m.Tile(id.Key())
		return ok && tile.State() == TileErrored
	}, time.Second, 5*time.Millisecond)

	// Inside the retry delay: left alone.
	m.Update(CameraState{})
	time.Sleep(20 * time.Millisecond)
	loads, _ := h.counts()
	assert.Equal(t, 1, loads)

	h.mu.Lock()
	h.loadErr = nil
	h.mu.Unlock()
	clockMu.Lock()
	now = base.Add(time.Minute)
	clockMu.Unlock()

	m.Update(CameraState{})
	waitForData(t, m, id.Key())
	loads, _ = h.counts()
	assert.Equal(t, 2, loads)
}

func TestExpiredTileSoftRefreshes(t *testing.T) {
	id := geo.NewOverscaledTileID(6, 0, 3, 3)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var clockMu sync.Mutex
	now := base
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	h := &fakeHandler{expiresAt: base.Add(time.Minute)}
	m := newTestManager(t, h, coverOf(id), Config{Now: clock})

	m.Update(CameraState{})
	waitForData(t, m, id.Key())

	// Not yet stale: no refresh.
	m.Update(CameraState{})
	time.Sleep(20 * time.Millisecond)
	_, reloads := h.counts()
	assert.Equal(t, 0, reloads)

	clockMu.Lock()
	now = base.Add(2 * time.Minute)
	clockMu.Unlock()

	h.mu.Lock()
	h.gate = make(chan struct{})
	h.expiresAt = time.Time{}
	h.mu.Unlock()

	m.Update(CameraState{})
	tile, _ := m.Tile(id.Key())
	assert.Equal(t, TileReloading, tile.State())
	assert.True(t, tile.HasData(), "old data stays visible during a soft refresh")

	close(h.gate)
	require.Eventually(t, func() bool {
		tile, _ := m.Tile(id.Key())
		return tile.State() == TileLoaded
	}, time.Second, 5*time.Millisecond)
	_, reloads = h.counts()
	assert.Equal(t, 1, reloads)
}

func TestFailedRefreshKeepsStaleDataVisible(t *testing.T) {
	id := geo.NewOverscaledTileID(6, 0, 4, 4)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var clockMu sync.Mutex
	now := base
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	h := &fakeHandler{expiresAt: base.Add(time.Minute)}
	m := newTestManager(t, h, coverOf(id), Config{Now: clock})

	m.Update(CameraState{})
	waitForData(t, m, id.Key())

	clockMu.Lock()
	now = base.Add(2 * time.Minute)
	clockMu.Unlock()

	h.mu.Lock()
	h.loadErr = errors.New("backend down")
	h.mu.Unlock()

	m.Update(CameraState{})
	require.Eventually(t, func() bool {
		tile, _ := m.Tile(id.Key())
		return tile.State() == TileExpired
	}, time.Second, 5*time.Millisecond)

	tile, _ := m.Tile(id.Key())
	assert.True(t, tile.HasData(), "previous revision stays renderable")
	assert.EqualError(t, tile.Err(), "backend down")

	// Camera updates do not hammer the failing backend.
	m.Update(CameraState{})
	time.Sleep(20 * time.Millisecond)
	_, reloads := h.counts()
	assert.Equal(t, 1, reloads)

	// Reload retries and replaces the stale revision.
	h.mu.Lock()
	h.loadErr = nil
	h.expiresAt = time.Time{}
	h.mu.Unlock()
	m.Reload()
	require.Eventually(t, func() bool {
		tile, _ := m.Tile(id.Key())
		return tile.State() == TileLoaded
	}, time.Second, 5*time.Millisecond)
}

func TestRawByteBudgetDropsPayloadKeepsBuckets(t *testing.T) {
	id := geo.NewOverscaledTileID(4, 0, 1, 1)
	h := &fakeHandler{}
	rc := resource.NewController(resource.Config{RawBytesLimit: 4})
	m := newTestManager(t, h, coverOf(id), Config{Resources: rc})

	m.Update(CameraState{})
	tile := waitForData(t, m, id.Key())

	// The 7-byte payload exceeds the budget and is dropped.
	assert.Equal(t, 0, tile.RawSize())
	assert.NotEmpty(t, tile.Buckets())
	assert.Zero(t, rc.BytesInUse())
}

func TestCacheCapacityEvictsOldest(t *testing.T) {
	a := geo.NewOverscaledTileID(3, 0, 0, 0)
	b := geo.NewOverscaledTileID(3, 0, 1, 0)
	h := &fakeHandler{}

	var ids []geo.OverscaledTileID
	cover := func(CameraState) []geo.OverscaledTileID { return ids }
	m := newTestManager(t, h, cover, Config{CacheSize: 1})

	ids = []geo.OverscaledTileID{a, b}
	m.Update(CameraState{})
	waitForData(t, m, a.Key())
	waitForData(t, m, b.Key())

	ids = nil
	m.Update(CameraState{})
	assert.Equal(t, 1, m.CacheLen())

	// Both revived tiles must come back consistent: one from cache, one
	// reloaded from the source.
	ids = []geo.OverscaledTileID{a, b}
	m.Update(CameraState{})
	waitForData(t, m, a.Key())
	waitForData(t, m, b.Key())
	loads, _ := h.counts()
	assert.Equal(t, 3, loads)
}

func TestFeatureStateRoundTripAndBroadcast(t *testing.T) {
	h := &fakeHandler{}
	m := newTestManager(t, h, coverOf(), Config{})

	m.SetFeatureState("roads", "42", map[string]any{"hover": true})
	assert.Equal(t, map[string]any{"hover": true}, m.GetFeatureState("roads", "42"))
	assert.Nil(t, m.GetFeatureState("roads", "7"))

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.updates) == 1
	}, time.Second, 5*time.Millisecond)
	h.mu.Lock()
	upd := h.updates[0]
	h.mu.Unlock()
	assert.Equal(t, "roads", upd.SourceLayer)
	assert.Equal(t, map[string]any{"hover": true}, upd.States["42"])

	m.SetFeatureState("roads", "42", nil)
	assert.Nil(t, m.GetFeatureState("roads", "42"))
}
