// Package repbuffer implements the Representation Buffer: for one
// Representation, on every clock tick it computes the target window,
// finds the earliest segment missing from the Segment Inventory, fetches
// and pushes it through the Buffer Store's SBQ, and emits
// added-segment/full-buffer/active-buffer events. A ticker-driven
// compute-target -> find-missing-segment -> queue-download loop, with
// inventory reconciliation and full/active-buffer bookkeeping layered on
// top since this buffer also evicts and reconciles against a decoder.
package repbuffer

import (
	"context"
	"math"
	"sync"
	"time"

	"dashbuffer/internal/bufferstore"
	"dashbuffer/internal/events"
	"dashbuffer/internal/inventory"
	"dashbuffer/internal/logger"
	"dashbuffer/internal/manifest"
	"dashbuffer/internal/metrics"
	"dashbuffer/internal/rawbuffer"
	"dashbuffer/internal/sbq"
)

// Fetcher is the SegmentLoader+Parser seam this Buffer drives: fetch raw
// bytes, then resolve them (with their DASH-index-known timing) into a
// pushable chunk. Since this core has no container demuxer, timing comes
// from the Segment itself rather than from parsing the fetched bytes.
type Fetcher interface {
	Fetch(ctx context.Context, seg manifest.Segment) ([]byte, error)
}

// Params configures a Buffer for one Representation within one Period.
type Params struct {
	Representation manifest.Representation
	Period         manifest.Period
	Type           events.BufferType

	Entry   *bufferstore.Entry
	Fetcher Fetcher
	Bus     *events.Bus
	Log     logger.Logger
	Metrics *metrics.Metrics

	WantedBufferAheadS float64
	AppendWindowEpsilon float64 // widening around the Period bounds to avoid zero-width append windows
}

// Buffer is the Representation Buffer for one Representation.
type Buffer struct {
	p   Params
	log logger.Logger

	mu         sync.Mutex
	pushedInit bool
	inFlight   map[string]struct{}
	wasFull    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Buffer. The returned Buffer owns a cancellable Context
// used to abandon any segment fetch still pending when Destroy is
// called.
func New(p Params) *Buffer {
	if p.Log == nil {
		p.Log = logger.Discard()
	}
	if p.Metrics == nil {
		p.Metrics = metrics.Noop()
	}
	if p.AppendWindowEpsilon == 0 {
		p.AppendWindowEpsilon = 0.1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Buffer{
		p:        p,
		log:      p.Log,
		inFlight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Destroy cancels any in-flight fetch this Buffer initiated. Already
// in-flight SBQ pushes are not rolled back; only fetches not yet pushed
// are abandoned.
func (b *Buffer) Destroy() {
	b.cancel()
}

// Run drives Tick on every tick of interval until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context, interval time.Duration, clock func() float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.Tick(clock())
		}
	}
}

func periodEnd(period manifest.Period) float64 {
	if end, ok := period.End(); ok {
		return end
	}
	return math.Inf(1)
}

// Tick performs one compute-target -> find-missing -> fetch-and-push pass
// for the current playback position.
func (b *Buffer) Tick(current float64) {
	idx := b.p.Representation.Index
	if idx == nil {
		return
	}

	pEnd := periodEnd(b.p.Period)
	target := current + b.p.WantedBufferAheadS
	if target > pEnd {
		target = pEnd
	}
	if target <= current {
		return
	}

	b.mu.Lock()
	needInit := !b.pushedInit
	b.mu.Unlock()
	if needInit {
		if seg, ok := idx.GetInitSegment(); ok {
			b.pushSegment(seg, true)
		}
		b.mu.Lock()
		b.pushedInit = true
		b.mu.Unlock()
	}

	candidates := idx.GetSegments(current, target-current)
	missing := b.firstMissing(candidates)
	if missing != nil {
		b.pushSegment(*missing, false)
	}

	b.evaluateBufferState(current, target, pEnd)
}

func (b *Buffer) firstMissing(candidates []manifest.Segment) *manifest.Segment {
	buffered := b.p.Entry.Inventory.GetInventory()
	have := make(map[string]struct{}, len(buffered))
	for _, e := range buffered {
		have[e.Segment.ID] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range candidates {
		seg := candidates[i]
		if _, ok := have[seg.ID]; ok {
			continue
		}
		if _, ok := b.inFlight[seg.ID]; ok {
			continue
		}
		return &seg
	}
	return nil
}

func (b *Buffer) pushSegment(seg manifest.Segment, isInit bool) {
	if !isInit {
		b.mu.Lock()
		b.inFlight[seg.ID] = struct{}{}
		b.mu.Unlock()
		defer func() {
			b.mu.Lock()
			delete(b.inFlight, seg.ID)
			b.mu.Unlock()
		}()
	}

	data, err := b.p.Fetcher.Fetch(b.ctx, seg)
	if err != nil {
		if b.ctx.Err() != nil {
			return // abandoned by Destroy, not a failure worth surfacing
		}
		b.p.Bus.Publish(events.Event{Kind: events.KindWarning, Type: b.p.Type, Err: err})
		return
	}

	start, end := seg.Seconds(), seg.EndSeconds()
	windowStart := b.p.Period.Start - b.p.AppendWindowEpsilon
	windowEnd := pEndWithEpsilon(b.p.Period, b.p.AppendWindowEpsilon)

	chunk := sbq.PushChunk{
		Codec:             b.p.Representation.Codec,
		AppendWindowStart: &windowStart,
		AppendWindowEnd:   &windowEnd,
		Data:              data,
		Start:             start,
		End:               end,
	}
	if isInit {
		chunk.InitSegment = data
		chunk.Data = nil
		chunk.Start, chunk.End = 0, 0
	}

	task := b.p.Entry.Queue.PushChunk(chunk)
	if err := task.Wait(b.ctx); err != nil {
		if b.ctx.Err() != nil {
			return
		}
		b.p.Bus.Publish(events.Event{Kind: events.KindWarning, Type: b.p.Type, Err: err})
		return
	}

	if isInit {
		return
	}

	reqRange := inventory.Range{Start: start, End: end}
	b.p.Entry.Inventory.InsertChunk(b.p.Representation, seg, reqRange)
	b.p.Entry.Inventory.SynchronizeBuffered(toInventoryRanges(b.p.Entry.Queue.GetBufferedRanges()))

	b.p.Bus.Publish(events.Event{
		Kind:             events.KindAddedSegment,
		Type:             b.p.Type,
		RepresentationID: b.p.Representation.ID,
		SegmentID:        seg.ID,
		Buffered:         events.Range{Start: start, End: end},
	})
}

func pEndWithEpsilon(period manifest.Period, eps float64) float64 {
	end := periodEnd(period)
	if math.IsInf(end, 1) {
		return end
	}
	return end + eps
}

func toInventoryRanges(rs []rawbuffer.Range) []inventory.Range {
	out := make([]inventory.Range, len(rs))
	for i, r := range rs {
		out[i] = inventory.Range{Start: r.Start, End: r.End}
	}
	return out
}

// bufferedAheadSeconds sums how much of ranges lies at or after current,
// clipping any range that straddles current to its portion ahead of it.
func bufferedAheadSeconds(current float64, ranges []rawbuffer.Range) float64 {
	var total float64
	for _, r := range ranges {
		start := r.Start
		if start < current {
			start = current
		}
		if r.End > start {
			total += r.End - start
		}
	}
	return total
}

func (b *Buffer) evaluateBufferState(current, target, pEnd float64) {
	bound := target
	if pEnd < bound {
		bound = pEnd
	}

	b.p.Metrics.SetBufferDepth(string(b.p.Type), bufferedAheadSeconds(current, b.p.Entry.Queue.GetBufferedRanges()))

	full := b.isFullyBuffered(current, bound)

	b.mu.Lock()
	wasFull := b.wasFull
	b.wasFull = full
	b.mu.Unlock()

	if full && !wasFull {
		b.p.Bus.Publish(events.Event{Kind: events.KindFullBuffer, Type: b.p.Type})
	} else if full && wasFull {
		b.p.Bus.Publish(events.Event{Kind: events.KindActiveBuffer, Type: b.p.Type})
	}
}

// IsFullyBuffered reports whether the target window at current is fully
// covered by the Inventory, letting a caller (the Period Buffer /
// orchestrator) poll fullness synchronously instead of subscribing to
// this Buffer's own full-buffer/active-buffer events.
func (b *Buffer) IsFullyBuffered(current float64) bool {
	pEnd := periodEnd(b.p.Period)
	target := current + b.p.WantedBufferAheadS
	if target > pEnd {
		target = pEnd
	}
	bound := target
	if pEnd < bound {
		bound = pEnd
	}
	return b.isFullyBuffered(current, bound)
}

// isFullyBuffered reports whether every segment whose end <= bound is
// present in the Inventory.
func (b *Buffer) isFullyBuffered(current, bound float64) bool {
	idx := b.p.Representation.Index
	if idx == nil {
		return false
	}
	candidates := idx.GetSegments(current, bound-current)
	if len(candidates) == 0 {
		return true
	}

	entries := b.p.Entry.Inventory.GetInventory()
	have := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		have[e.Segment.ID] = struct{}{}
	}
	for _, seg := range candidates {
		if seg.EndSeconds() > bound {
			continue
		}
		if _, ok := have[seg.ID]; !ok {
			return false
		}
	}
	return true
}
