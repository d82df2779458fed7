// Package periodbuffer implements the Period/Adaptation Buffer: for one
// buffer type within one Period, it sequences Representation Buffers
// across ABR switches and Adaptation (track) changes, picking a
// Representation and starting a fresh Representation Buffer whenever that
// pick changes (the old one is destroyed first, except on a seamless ABR
// switch).
package periodbuffer

import (
	"math"
	"sync"

	"dashbuffer/internal/bufferstore"
	"dashbuffer/internal/decipher"
	"dashbuffer/internal/events"
	"dashbuffer/internal/inventory"
	"dashbuffer/internal/logger"
	"dashbuffer/internal/manifest"
	"dashbuffer/internal/metrics"
	"dashbuffer/internal/rawbuffer"
	"dashbuffer/internal/repbuffer"
)

// SwitchMode is the configured ABR transition policy.
type SwitchMode string

const (
	ModeSeamless SwitchMode = "seamless"
	ModeDirect   SwitchMode = "direct"
)

// Selector picks a Representation from an Adaptation. The default,
// SelectHighestBitrate, is a max-bandwidth pick applied to every buffer
// type, audio and text included; this core carries one active
// Representation per buffer type at a time.
type Selector func(manifest.Adaptation) manifest.Representation

// SelectHighestBitrate picks the Representation with the largest Bitrate.
func SelectHighestBitrate(a manifest.Adaptation) manifest.Representation {
	best := a.Representations[0]
	for _, r := range a.Representations[1:] {
		if r.Bitrate > best.Bitrate {
			best = r
		}
	}
	return best
}

// Params configures a Buffer for one (Period, buffer type) pair.
type Params struct {
	Period  manifest.Period
	Type    events.BufferType
	Mode    SwitchMode
	Store   *bufferstore.Store
	Fetcher repbuffer.Fetcher
	Bus     *events.Bus
	Log     logger.Logger
	Metrics *metrics.Metrics

	WantedBufferAheadS  float64
	AppendWindowEpsilon float64
	Select              Selector
}

// Buffer sequences Representation Buffers for one buffer type within one
// Period.
type Buffer struct {
	p Params

	mu         sync.Mutex
	adaptation manifest.Adaptation
	rep        manifest.Representation
	current    *repbuffer.Buffer
}

// New selects an initial Representation from adaptation and starts its
// Representation Buffer.
func New(p Params, adaptation manifest.Adaptation) *Buffer {
	if p.Select == nil {
		p.Select = SelectHighestBitrate
	}
	if p.Log == nil {
		p.Log = logger.Discard()
	}
	b := &Buffer{p: p, adaptation: adaptation}
	b.rep = p.Select(adaptation)
	b.current = b.newRepBuffer(b.rep)
	return b
}

func (b *Buffer) newRepBuffer(rep manifest.Representation) *repbuffer.Buffer {
	entry, err := b.p.Store.GetOrCreateNative(b.p.Type, rep.Codec, true)
	if err != nil {
		b.p.Log.Warnf("periodbuffer: codec switch to %q rejected, buffer will need a media source reload: %v", rep.Codec, err)
		b.p.Bus.Publish(events.Event{Kind: events.KindNeedsMediaSourceReload, Type: b.p.Type})
		entry, _ = b.p.Store.Get(b.p.Type)
	}
	return repbuffer.New(repbuffer.Params{
		Representation:      rep,
		Period:              b.p.Period,
		Type:                b.p.Type,
		Entry:                entry,
		Fetcher:              b.p.Fetcher,
		Bus:                  b.p.Bus,
		Log:                  b.p.Log,
		Metrics:              b.p.Metrics,
		WantedBufferAheadS:   b.p.WantedBufferAheadS,
		AppendWindowEpsilon:  b.p.AppendWindowEpsilon,
	})
}

// Tick drives the currently active Representation Buffer.
func (b *Buffer) Tick(current float64) {
	b.mu.Lock()
	rb := b.current
	b.mu.Unlock()
	if rb != nil {
		rb.Tick(current)
	}
}

// Destroy tears down the active Representation Buffer.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.current.Destroy()
	}
}

// SwitchRepresentation applies an ABR decision to move to newRep within
// the same Adaptation. In "direct" mode the current Representation Buffer
// is destroyed and its still-retained ranges inside the Period window are
// explicitly removed before the new one starts; in "seamless" mode the
// old buffer is simply abandoned (not ticked again) and the new one takes
// over, so both may briefly coexist in the Inventory.
func (b *Buffer) SwitchRepresentation(newRep manifest.Representation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if newRep.ID == b.rep.ID {
		return
	}

	if b.p.Mode == ModeDirect {
		b.current.Destroy()
		b.removeRepresentationRanges(b.rep.ID)
	}

	b.rep = newRep
	b.current = b.newRepBuffer(newRep)
}

// SwitchAdaptation applies a user track change: the current
// Representation Buffer is always destroyed (no data from the old track
// is wanted) and a fresh one is created for the selected Representation
// of the new Adaptation, which will push a fresh init segment on its
// first Tick.
func (b *Buffer) SwitchAdaptation(newAdaptation manifest.Adaptation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current.Destroy()
	b.removeRepresentationRanges(b.rep.ID)

	b.adaptation = newAdaptation
	b.rep = b.p.Select(newAdaptation)
	b.current = b.newRepBuffer(b.rep)
}

// removeRepresentationRanges drops Inventory entries belonging to repID
// within this Period's window and issues a matching SBQ removal so the
// RawBuffer does not keep stale data from an abandoned Representation.
func (b *Buffer) removeRepresentationRanges(repID string) {
	entry, ok := b.p.Store.Get(b.p.Type)
	if !ok {
		return
	}
	periodEnd := math.Inf(1)
	if end, ok := b.p.Period.End(); ok {
		periodEnd = end
	}
	for _, e := range entry.Inventory.GetInventory() {
		if e.Representation.ID != repID || !e.HasBuffered() {
			continue
		}
		start := math.Max(e.Buffered.Start, b.p.Period.Start)
		end := math.Min(e.Buffered.End, periodEnd)
		if end <= start {
			continue
		}
		entry.Queue.RemoveBuffer(start, end)
	}
	entry.Inventory.SynchronizeBuffered(toRanges(entry.Queue.GetBufferedRanges()))
}

func toRanges(rs []rawbuffer.Range) []inventory.Range {
	out := make([]inventory.Range, len(rs))
	for i, r := range rs {
		out[i] = inventory.Range{Start: r.Start, End: r.End}
	}
	return out
}

// CheckDecipherability reports whether updates touched this Buffer's
// active Adaptation and made its playing Representation undecipherable.
// If so, the Representation Buffer is destroyed, its still-retained
// ranges inside the Period window are explicitly removed (those bytes
// can no longer be decrypted), and a fresh Representation Buffer is
// started for whichever Representation the Selector now picks from the
// same Adaptation.
func (b *Buffer) CheckDecipherability(reg *decipher.Registry, updates []manifest.DecipherabilityUpdate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !reg.AffectedByAdaptation(b.adaptation.ID, updates) {
		return false
	}
	if reg.IsDecipherable(b.adaptation.ID, b.rep.ID) {
		return false
	}

	b.current.Destroy()
	b.removeRepresentationRanges(b.rep.ID)
	b.rep = b.p.Select(b.adaptation)
	b.current = b.newRepBuffer(b.rep)
	return true
}

// IsFullyBuffered polls the active Representation Buffer's fullness at
// current, for the Period Orchestrator's chaining decision.
func (b *Buffer) IsFullyBuffered(current float64) bool {
	b.mu.Lock()
	rb := b.current
	b.mu.Unlock()
	if rb == nil {
		return false
	}
	return rb.IsFullyBuffered(current)
}

// CurrentRepresentation returns the Representation currently being
// buffered.
func (b *Buffer) CurrentRepresentation() manifest.Representation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rep
}
