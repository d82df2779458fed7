// Package gc implements the Garbage Collector: on every clock tick,
// evict buffered ranges that fall outside
// [current-maxBehind, current+maxAhead] by issuing RemoveBuffer tasks
// through the same queue SBQ pushes use. A ticker-driven sweep that
// drops buffer ranges outside the retention window.
package gc

import (
	"math"

	"dashbuffer/internal/bufferstore"
	"dashbuffer/internal/events"
	"dashbuffer/internal/logger"
	"dashbuffer/internal/metrics"
)

// Bounds are the retention window around the current playback position.
// Either may be math.Inf(1) for "unbounded".
type Bounds struct {
	MaxBehindS float64
	MaxAheadS  float64
}

// HardCaps optionally clamp Bounds per buffer type: configured retention
// can be generous, but a hard cap always wins if tighter.
type HardCaps map[string]Bounds

// Collector evicts stale ranges from a Store on every Tick call.
type Collector struct {
	store    *bufferstore.Store
	bounds   Bounds
	hardCaps HardCaps
	log      logger.Logger
	metrics  *metrics.Metrics
}

// New builds a Collector over store using bounds as the default
// retention window, narrowed per type by any entries in hardCaps. m is
// nil-safe: pass nil to skip metrics.
func New(store *bufferstore.Store, bounds Bounds, hardCaps HardCaps, log logger.Logger, m *metrics.Metrics) *Collector {
	if log == nil {
		log = logger.Discard()
	}
	if m == nil {
		m = metrics.Noop()
	}
	if hardCaps == nil {
		hardCaps = HardCaps{}
	}
	return &Collector{store: store, bounds: bounds, hardCaps: hardCaps, log: log, metrics: m}
}

func clampMin(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func (c *Collector) effectiveBounds(typ string) Bounds {
	eff := c.bounds
	if cap_, ok := c.hardCaps[typ]; ok {
		eff.MaxBehindS = clampMin(eff.MaxBehindS, cap_.MaxBehindS)
		eff.MaxAheadS = clampMin(eff.MaxAheadS, cap_.MaxAheadS)
	}
	return eff
}

// Tick runs one eviction pass over every buffer type currently present in
// the Store, at the given playback position current (seconds).
func (c *Collector) Tick(current float64) {
	for _, typ := range c.store.Types() {
		e, ok := c.store.Get(typ)
		if !ok {
			continue
		}
		bounds := c.effectiveBounds(string(typ))

		behindEnd := current - bounds.MaxBehindS
		if behindEnd > 0 {
			c.evictRange(typ, e, 0, behindEnd)
		}

		if !math.IsInf(bounds.MaxAheadS, 1) {
			aheadStart := current + bounds.MaxAheadS
			c.evictRange(typ, e, aheadStart, math.Inf(1))
		}
	}
}

func (c *Collector) evictRange(typ events.BufferType, e *bufferstore.Entry, start, end float64) {
	buffered := e.Queue.GetBufferedRanges()
	intersects := false
	for _, r := range buffered {
		if end > r.Start && start < r.End {
			intersects = true
			break
		}
	}
	if !intersects {
		return
	}
	e.Queue.RemoveBuffer(start, end)
	c.metrics.RecordEviction(string(typ))
	c.log.Debugf("gc: evicting [%f,%f) for buffer %s", start, end, string(typ))
}
