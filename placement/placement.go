// Package placement runs the frame-budgeted symbol placement state machine:
// a pass sweeps layers in paint order, tiles within a layer and symbol parts
// within a tile, resolving overlaps through a per-pass collision index, then
// commits its decisions as fade transitions.
package placement

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/hupe1980/tilemap/collision"
	"github.com/hupe1980/tilemap/geo"
	"github.com/hupe1980/tilemap/symbol"
)

// partSize is the number of symbols between suspension points. A pass only
// pauses at part boundaries, so a paused pass is always a consistent prefix
// of decisions.
const partSize = 64

// DefaultFadeDuration is the fade length applied when none is configured.
const DefaultFadeDuration = 300 * time.Millisecond

// JointPlacement is the per-identity decision of one pass.
type JointPlacement struct {
	Text bool
	Icon bool

	// SkipFade applies the decision instantly instead of fading.
	SkipFade bool
	// Clipped marks identities whose projection was degenerate.
	Clipped bool
	// CollisionDetected is set when a part was blocked by committed
	// geometry, as opposed to being offscreen or clipped.
	CollisionDetected bool
}

// Stats counts what a pass did.
type Stats struct {
	Parts        int
	Symbols      int
	Placed       int
	Collisions   int
	IdentityGaps int
	Duplicates   int
}

// TileSymbols is the placeable content of one tile.
type TileSymbols struct {
	Addr    geo.OverscaledTileID
	Buckets []*symbol.Bucket
}

// Layer is one style layer's tiles, in the order the caller wants them
// considered.
type Layer struct {
	ID    string
	Tiles []TileSymbols
}

// View describes the viewport a pass places against.
type View struct {
	Width, Height float64
	Zoom          float64
	Projector     collision.Projector
}

// Config tunes an Engine.
type Config struct {
	// FadeDuration is the symbol fade length. Default DefaultFadeDuration.
	FadeDuration time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine owns the committed opacity states across passes. It is single
// threaded: passes run cooperatively on the render loop.
type Engine struct {
	fadeDuration time.Duration
	now          func() time.Time
	logger       *slog.Logger

	opacities    map[uint64]JointOpacity
	committedAt  time.Time
	commitZoom   float64
	commitFade   time.Duration
	hasCommitted bool
}

// NewEngine creates an engine. A nil logger discards logs.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.FadeDuration <= 0 {
		cfg.FadeDuration = DefaultFadeDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		fadeDuration: cfg.FadeDuration,
		now:          cfg.Now,
		logger:       logger,
		opacities:    make(map[uint64]JointOpacity),
	}
}

// part is one suspension-point-delimited slice of a bucket's symbols.
type part struct {
	addr   geo.OverscaledTileID
	bucket *symbol.Bucket
	order  []int
}

// Pass is one sweep of the placement algorithm. The collision index is built
// fresh at pass start and owned exclusively by the pass.
type Pass struct {
	engine *Engine
	view   View
	index  *collision.Index

	parts  []part
	cursor int

	placements map[uint64]JointPlacement
	groups     map[uint32]string
	stats      Stats
	done       bool

	// Snapshot of engine state taken when the pass finishes, so commits
	// compute from a fixed baseline and repeating one is a no-op.
	prev         map[uint64]JointOpacity
	prevAt       time.Time
	prevZoom     float64
	prevFade     time.Duration
	hadCommitted bool

	committed  bool
	commitTime time.Time
}

// StartPass begins a pass over layers in paint order. Restarting with the
// same inputs revisits the identical (layer, tile, part) sequence.
func (e *Engine) StartPass(view View, layers []Layer) *Pass {
	return &Pass{
		engine:     e,
		view:       view,
		index:      collision.NewIndex(view.Width, view.Height),
		parts:      buildParts(layers),
		placements: make(map[uint64]JointPlacement),
		groups:     make(map[uint32]string),
	}
}

func buildParts(layers []Layer) []part {
	var parts []part
	for _, l := range layers {
		for _, ts := range l.Tiles {
			for _, b := range ts.Buckets {
				if b.LayerID != l.ID || len(b.Symbols) == 0 {
					continue
				}
				order := make([]int, len(b.Symbols))
				for i := range order {
					order[i] = i
				}
				if b.HasSortKey {
					sort.SliceStable(order, func(i, j int) bool {
						return b.Symbols[order[i]].SortKey < b.Symbols[order[j]].SortKey
					})
				} else {
					// Viewport-Y approximation: tile-space Y preserves the
					// vertical screen order within one tile.
					sort.SliceStable(order, func(i, j int) bool {
						return b.Symbols[order[i]].Anchor.Y < b.Symbols[order[j]].Anchor.Y
					})
				}
				for start := 0; start < len(order); start += partSize {
					end := min(start+partSize, len(order))
					parts = append(parts, part{addr: ts.Addr, bucket: b, order: order[start:end]})
				}
			}
		}
	}
	return parts
}

// Continue advances the pass until the budget is exhausted or all parts are
// placed. At least one part runs per call, so progress is guaranteed under
// any budget. Calling Continue after the pass is done is a no-op.
func (p *Pass) Continue(budget time.Duration) bool {
	if p.done {
		return true
	}
	if p.cursor >= len(p.parts) {
		p.finish()
		return true
	}

	deadline := p.engine.now().Add(budget)
	for {
		p.placePart(p.parts[p.cursor])
		p.cursor++
		if p.cursor >= len(p.parts) {
			p.finish()
			return true
		}
		if !p.engine.now().Before(deadline) {
			return false
		}
	}
}

// Done reports whether all parts have been placed.
func (p *Pass) Done() bool { return p.done }

// Stats returns what the pass has counted so far.
func (p *Pass) Stats() Stats { return p.stats }

// Placements returns the decisions made so far. The map is owned by the
// pass; read it only after Done.
func (p *Pass) Placements() map[uint64]JointPlacement { return p.placements }

// Index exposes the pass's collision index for pointer queries against the
// committed geometry.
func (p *Pass) Index() *collision.Index { return p.index }

func (p *Pass) placePart(pt part) {
	p.stats.Parts++

	group := pt.bucket.CrossSourceGroup
	if pt.bucket.InstanceID != 0 {
		p.groups[pt.bucket.InstanceID] = group
	}
	// Only entries in the same cross-source group block this bucket.
	pred := func(e collision.Entry) bool {
		g, known := p.groups[e.BucketInstanceID]
		return !known || g == group
	}

	for _, si := range pt.order {
		sym := &pt.bucket.Symbols[si]
		p.stats.Symbols++
		if sym.CrossTileID == 0 {
			// Identity not yet resolved; a later pass picks it up.
			p.stats.IdentityGaps++
			continue
		}
		if _, ok := p.placements[sym.CrossTileID]; ok {
			// Same identity already decided from another tile this pass.
			p.stats.Duplicates++
			continue
		}
		jp := p.placeSymbol(pt, sym, pred)
		p.placements[sym.CrossTileID] = jp
		if jp.Text || jp.Icon {
			p.stats.Placed++
		}
		if jp.CollisionDetected {
			p.stats.Collisions++
		}
	}
}

func (p *Pass) placeSymbol(pt part, sym *symbol.Instance, pred func(collision.Entry) bool) JointPlacement {
	jp := JointPlacement{SkipFade: pt.bucket.NoFade}
	entry := collision.Entry{
		CrossTileID:      sym.CrossTileID,
		BucketInstanceID: pt.bucket.InstanceID,
		FeatureIndex:     sym.FeatureIndex,
	}

	hasText := sym.TextBox != nil || len(sym.TextCircles) > 0
	hasIcon := sym.IconBox != nil

	textPlaced, iconPlaced := true, true
	var textBox collision.BoxResult
	var textCircles collision.CirclesResult
	var iconBox collision.BoxResult

	switch {
	case sym.TextBox != nil:
		textBox = p.index.PlaceBox(p.view.Projector, pt.addr, sym.Anchor, *sym.TextBox, sym.TextAllowOverlap, pred)
		textPlaced = textBox.Placed
		if textBox.Occluded {
			jp.Clipped = true
		} else if !textBox.Placed {
			jp.CollisionDetected = true
		}
	case len(sym.TextCircles) > 0:
		textCircles = p.index.PlaceCircles(p.view.Projector, pt.addr, sym.Anchor, sym.TextCircles, sym.TextAllowOverlap, pred)
		textPlaced = textCircles.Placed
		if textCircles.Occluded {
			jp.Clipped = true
		} else if !textCircles.Placed {
			jp.CollisionDetected = true
		}
	}

	if hasIcon {
		iconBox = p.index.PlaceBox(p.view.Projector, pt.addr, sym.Anchor, *sym.IconBox, sym.IconAllowOverlap, pred)
		iconPlaced = iconBox.Placed
		if iconBox.Occluded {
			jp.Clipped = true
		} else if !iconBox.Placed {
			jp.CollisionDetected = true
		}
	}

	// Joint decision: a symbol with both parts shows neither when either
	// part loses, so text and icon never appear apart.
	jp.Text = hasText && textPlaced && (!hasIcon || iconPlaced)
	jp.Icon = hasIcon && iconPlaced && (!hasText || textPlaced)

	// Offscreen geometry is recorded for queries but must not block
	// candidates straddling the viewport edge.
	if jp.Text {
		if sym.TextBox != nil {
			p.index.InsertBox(entry, textBox.X1, textBox.Y1, textBox.X2, textBox.Y2, sym.IgnorePlacement || textBox.Offscreen)
		} else {
			p.index.InsertCircles(entry, textCircles.Circles, sym.IgnorePlacement || textCircles.Offscreen)
		}
	}
	if jp.Icon {
		p.index.InsertBox(entry, iconBox.X1, iconBox.Y1, iconBox.X2, iconBox.Y2, sym.IgnorePlacement || iconBox.Offscreen)
	}
	return jp
}

func (p *Pass) finish() {
	p.done = true
	e := p.engine
	p.prev = make(map[uint64]JointOpacity, len(e.opacities))
	for id, jo := range e.opacities {
		p.prev[id] = jo
	}
	p.prevAt = e.committedAt
	p.prevZoom = e.commitZoom
	p.prevFade = e.commitFade
	p.hadCommitted = e.hasCommitted
}

// Commit converts the pass's decisions into opacity transitions: newly shown
// symbols fade in from their current alpha, hidden ones fade out, instantly
// when fading is skipped. The first call fixes the commit time; repeating it
// recomputes the identical result. Returns false for an unfinished pass.
func (p *Pass) Commit() bool {
	if !p.done {
		return false
	}
	e := p.engine
	if !p.committed {
		p.committed = true
		p.commitTime = e.now()
	}

	elapsed := p.commitTime.Sub(p.prevAt)
	firstPaint := !p.hadCommitted

	// Fast zooming pops symbols in and out anyway; shorten the fade so
	// stale labels do not linger across several zoom levels.
	fade := e.fadeDuration
	if !firstPaint {
		if dz := math.Abs(p.view.Zoom - p.prevZoom); dz > 0 {
			fade = time.Duration(float64(fade) / (1 + dz))
		}
	}

	next := make(map[uint64]JointOpacity, len(p.placements))
	for id, jp := range p.placements {
		prev, had := p.prev[id]
		skip := jp.SkipFade || firstPaint
		next[id] = JointOpacity{
			Text:   transition(prev.Text, had, jp.Text, elapsed, p.prevFade, skip),
			Icon:   transition(prev.Icon, had, jp.Icon, elapsed, p.prevFade, skip),
			NoFade: jp.SkipFade,
		}
	}

	// Identities the pass no longer covers keep fading out until fully
	// transparent, then drop.
	for id, prev := range p.prev {
		if _, ok := p.placements[id]; ok {
			continue
		}
		jo := JointOpacity{
			Text:   transition(prev.Text, true, false, elapsed, p.prevFade, prev.NoFade),
			Icon:   transition(prev.Icon, true, false, elapsed, p.prevFade, prev.NoFade),
			NoFade: prev.NoFade,
		}
		if jo.Hidden(0, fade) {
			continue
		}
		next[id] = jo
	}

	e.opacities = next
	e.committedAt = p.commitTime
	e.commitZoom = p.view.Zoom
	e.commitFade = fade
	e.hasCommitted = true
	e.logger.Debug("placement committed", "identities", len(next), "fade", fade)
	return true
}

func transition(prev OpacityState, had, placed bool, elapsed, prevFade time.Duration, skip bool) OpacityState {
	target := 0.0
	if placed {
		target = 1
	}
	cur := 0.0
	if had {
		cur = prev.At(elapsed, prevFade)
	}
	if skip {
		cur = target
	}
	return OpacityState{Opacity: cur, Target: target, Placed: placed}
}

// Opacity returns the committed joint state for an identity.
func (e *Engine) Opacity(crossTileID uint64) (JointOpacity, bool) {
	jo, ok := e.opacities[crossTileID]
	return jo, ok
}

// OpacityAt evaluates the current text and icon alpha for an identity.
func (e *Engine) OpacityAt(crossTileID uint64, now time.Time) (text, icon float64, ok bool) {
	jo, ok := e.opacities[crossTileID]
	if !ok {
		return 0, 0, false
	}
	elapsed := now.Sub(e.committedAt)
	return jo.Text.At(elapsed, e.commitFade), jo.Icon.At(elapsed, e.commitFade), true
}

// StillFading reports whether any committed transition has not yet settled,
// so the render loop knows to keep animating.
func (e *Engine) StillFading(now time.Time) bool {
	elapsed := now.Sub(e.committedAt)
	for _, jo := range e.opacities {
		if !jo.Text.Settled(elapsed, e.commitFade) || !jo.Icon.Settled(elapsed, e.commitFade) {
			return true
		}
	}
	return false
}

// OpacityCount returns the number of identities with committed state.
func (e *Engine) OpacityCount() int { return len(e.opacities) }
