// Package orchestrator implements the Period Orchestrator: one
// Consecutive-Period-Buffers process per enabled buffer type, each
// chaining Period Buffers across Period boundaries, handling seeks that
// cross into a different Period, and aggregating per-type completion
// into a single end-of-stream signal. One long-lived manager (the
// Orchestrator) owns many short-lived, per-type children driven by its
// Tick, each owning a chain of Period Buffers.
package orchestrator

import (
	"sync"

	"dashbuffer/internal/bufferstore"
	"dashbuffer/internal/decipher"
	"dashbuffer/internal/errs"
	"dashbuffer/internal/events"
	"dashbuffer/internal/logger"
	"dashbuffer/internal/manifest"
	"dashbuffer/internal/metrics"
	"dashbuffer/internal/periodbuffer"
	"dashbuffer/internal/repbuffer"
)

// Params configures the whole orchestrator.
type Params struct {
	Manifest *manifest.Manifest
	Types    []events.BufferType // enabled buffer types; audio+video always, text/image if present

	Store   *bufferstore.Store
	Fetcher repbuffer.Fetcher
	Bus     *events.Bus
	Log     logger.Logger
	Metrics *metrics.Metrics

	Mode                periodbuffer.SwitchMode
	WantedBufferAheadS  float64
	AppendWindowEpsilon float64
	Select              periodbuffer.Selector
}

// node is one entry of a per-type periodList: a Period together with its
// live Period Buffer and the last fullness this orchestrator observed for
// it (used to detect the full -> full-again "active-buffer" transition at
// the chaining level, independent of the Period Buffer's own events).
type node struct {
	period manifest.Period
	buf    *periodbuffer.Buffer
	full   bool
}

// typeProc is the Consecutive-Period-Buffers process for one buffer type.
type typeProc struct {
	typ events.BufferType
	p   Params

	mu       sync.Mutex
	nodes    []*node
	complete bool
}

// Orchestrator owns one typeProc per enabled buffer type and aggregates
// their completion into end-of-stream/resume-stream.
type Orchestrator struct {
	p   Params
	log logger.Logger

	mu    sync.Mutex
	procs map[events.BufferType]*typeProc
	eos   bool

	decipher *decipher.Registry
}

// New builds an Orchestrator with one idle typeProc per p.Types. Call
// Start to begin buffering from an initial position.
func New(p Params) *Orchestrator {
	if p.Log == nil {
		p.Log = logger.Discard()
	}
	if p.Metrics == nil {
		p.Metrics = metrics.Noop()
	}
	o := &Orchestrator{p: p, log: p.Log, procs: make(map[events.BufferType]*typeProc), decipher: decipher.New()}
	for _, t := range p.Types {
		o.procs[t] = &typeProc{typ: t, p: p}
	}
	if p.Manifest != nil {
		go o.watchDecipherability()
	}
	return o
}

// watchDecipherability applies every DecipherabilityUpdate the Manifest
// publishes to the shared decipher.Registry, then checks each type's
// currently active Period Buffer: one whose playing Representation just
// became undecipherable is destroyed and recreated with whichever
// Representation its Selector picks before the next tick resumes
// fetching.
func (o *Orchestrator) watchDecipherability() {
	for updates := range o.p.Manifest.SubscribeDecipherability() {
		o.decipher.Apply(updates)

		o.mu.Lock()
		procs := make([]*typeProc, 0, len(o.procs))
		for _, proc := range o.procs {
			procs = append(procs, proc)
		}
		o.mu.Unlock()

		for _, proc := range procs {
			proc.mu.Lock()
			var last *node
			if len(proc.nodes) > 0 {
				last = proc.nodes[len(proc.nodes)-1]
			}
			proc.mu.Unlock()
			if last == nil {
				continue
			}
			if last.buf.CheckDecipherability(o.decipher, updates) {
				o.p.Bus.Publish(events.Event{Kind: events.KindNeedsDecipherabilityFlush, Type: proc.typ, PeriodID: last.period.ID})
			}
		}
	}
}

// Start begins each type's Consecutive-Period-Buffers process at fromTime.
func (o *Orchestrator) Start(fromTime float64) {
	for _, proc := range o.procs {
		proc.startConsecutive(fromTime, o.p.Bus)
	}
}

// Tick advances every type's process by one clock tick, then checks for
// out-of-bounds seeks and end-of-stream aggregation.
func (o *Orchestrator) Tick(current float64) {
	o.checkManifestBounds(current)

	anyIncomplete := false
	for _, proc := range o.procs {
		proc.tick(current, o.p.Bus)
		if !proc.isComplete() {
			anyIncomplete = true
		}
	}

	o.mu.Lock()
	wasEOS := o.eos
	nowEOS := !anyIncomplete && len(o.procs) > 0
	o.eos = nowEOS
	o.mu.Unlock()

	if nowEOS && !wasEOS {
		o.p.Bus.Publish(events.Event{Kind: events.KindEndOfStream})
	} else if !nowEOS && wasEOS {
		o.p.Bus.Publish(events.Event{Kind: events.KindResumeStream})
	}
}

func (o *Orchestrator) checkManifestBounds(current float64) {
	m := o.p.Manifest
	if m == nil {
		return
	}
	if current < m.MinimumPosition {
		o.p.Bus.Publish(events.Event{Kind: events.KindWarning, Err: errs.NewWarning(errs.CodeMediaTimeBeforeManifest, nil)})
	} else if current > m.MaximumPosition {
		o.p.Bus.Publish(events.Event{Kind: events.KindWarning, Err: errs.NewWarning(errs.CodeMediaTimeAfterManifest, nil)})
	}
}

// Seek restarts every type's process at wantedPosition, tearing down all
// current Period Buffers first. Callers use this for an explicit user
// seek; the automatic out-of-bounds restart in tick() covers a clock
// drifting past the currently buffered Periods on its own.
func (o *Orchestrator) Seek(wantedPosition float64) {
	for _, proc := range o.procs {
		proc.restart(wantedPosition, o.p.Bus)
	}
}

func (proc *typeProc) isComplete() bool {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	return proc.complete
}

// startConsecutive resolves the Period containing fromTime and starts a
// Period Buffer for it. A missing Period (position past the end of a
// static manifest, or not yet announced in a dynamic one) is not an
// error here; the caller's out-of-manifest bounds check surfaces that
// separately. A partial (xlink, not yet resolved) Period has no
// Adaptations to buffer yet; resolvePartialPeriod reports it instead of
// starting a Period Buffer.
func (proc *typeProc) startConsecutive(fromTime float64, bus *events.Bus) {
	period, ok := proc.p.Manifest.PeriodForTime(fromTime)
	if !ok {
		return
	}
	if proc.resolvePartialPeriod(period, bus) {
		return
	}
	adas := period.AdaptationsByType[trackType(proc.typ)]
	if len(adas) == 0 {
		return
	}

	buf := periodbuffer.New(periodbuffer.Params{
		Period:              *period,
		Type:                proc.typ,
		Mode:                proc.p.Mode,
		Store:                proc.p.Store,
		Fetcher:              proc.p.Fetcher,
		Bus:                  bus,
		Log:                  proc.p.Log,
		Metrics:              proc.p.Metrics,
		WantedBufferAheadS:   proc.p.WantedBufferAheadS,
		AppendWindowEpsilon:  proc.p.AppendWindowEpsilon,
		Select:               proc.p.Select,
	}, adas[0])

	proc.mu.Lock()
	proc.nodes = append(proc.nodes, &node{period: *period, buf: buf})
	proc.complete = false
	proc.mu.Unlock()
	proc.p.Metrics.SetOrchestratorComplete(string(proc.typ), false)

	bus.Publish(events.Event{Kind: events.KindActivePeriodChanged, Type: proc.typ, PeriodID: period.ID})
}

// resolvePartialPeriod reports whether period is an unresolved xlink
// reference. If so it emits needs-loaded-period so a caller with access
// to the xlink target can fetch and splice in the resolved Period; this
// core does not perform that fetch itself.
func (proc *typeProc) resolvePartialPeriod(period *manifest.Period, bus *events.Bus) bool {
	if !period.Partial {
		return false
	}
	bus.Publish(events.Event{Kind: events.KindNeedsLoadedPeriod, Type: proc.typ, PeriodID: period.ID})
	return true
}

func trackType(t events.BufferType) manifest.TrackType {
	return manifest.TrackType(t)
}

// tick drives the last (actively-fetched) node, chains to the next
// Period on full-buffer, and clears Periods the clock has moved past.
func (proc *typeProc) tick(current float64, bus *events.Bus) {
	if proc.checkOutOfBounds(current, bus) {
		return
	}

	proc.mu.Lock()
	if len(proc.nodes) == 0 {
		proc.mu.Unlock()
		return
	}
	last := proc.nodes[len(proc.nodes)-1]
	proc.mu.Unlock()

	last.buf.Tick(current)

	full := last.buf.IsFullyBuffered(current)
	wasFull := last.full
	last.full = full

	if full && !wasFull {
		proc.onFullBuffer(last, bus)
	} else if full && wasFull {
		bus.Publish(events.Event{Kind: events.KindActiveBuffer, Type: proc.typ})
		proc.destroyDownstreamOf(last, bus)
	}

	proc.clearPassedPeriods(current, bus)
}

// checkOutOfBounds restarts the process if current falls outside the
// union of the currently considered Periods and the manifest has a
// Period covering it: every current Period Buffer is destroyed and the
// process restarts at current. Gated on the node list being non-empty
// rather than a separate mutable "is seeking" flag, since an empty node
// list means startConsecutive simply hasn't found a home yet, not that
// the clock has drifted out of bounds.
func (proc *typeProc) checkOutOfBounds(current float64, bus *events.Bus) bool {
	proc.mu.Lock()
	if len(proc.nodes) == 0 {
		proc.mu.Unlock()
		return false
	}
	first := proc.nodes[0].period
	last := proc.nodes[len(proc.nodes)-1].period
	proc.mu.Unlock()

	end, bounded := last.End()
	inBounds := current >= first.Start && (!bounded || current < end)
	if inBounds {
		return false
	}
	if _, ok := proc.p.Manifest.PeriodForTime(current); !ok {
		return false
	}

	proc.restart(current, bus)
	return true
}

// onFullBuffer looks up the next Period and either chains to it or marks
// this type's process complete.
func (proc *typeProc) onFullBuffer(last *node, bus *events.Bus) {
	next, ok := proc.p.Manifest.NextPeriod(last.period.ID)
	if !ok {
		if !proc.p.Manifest.IsDynamic {
			proc.mu.Lock()
			proc.complete = true
			proc.mu.Unlock()
			proc.p.Metrics.SetOrchestratorComplete(string(proc.typ), true)
			bus.Publish(events.Event{Kind: events.KindBufferComplete, Type: proc.typ})
		}
		return
	}
	proc.startConsecutive(next.Start, bus)
}

// destroyDownstreamOf tears down every node after last, from last to
// first; they are recreated on the next full-buffer.
func (proc *typeProc) destroyDownstreamOf(last *node, bus *events.Bus) {
	proc.mu.Lock()
	idx := -1
	for i, n := range proc.nodes {
		if n == last {
			idx = i
			break
		}
	}
	if idx < 0 || idx == len(proc.nodes)-1 {
		proc.mu.Unlock()
		return
	}
	downstream := proc.nodes[idx+1:]
	proc.nodes = proc.nodes[:idx+1]
	proc.mu.Unlock()

	for i := len(downstream) - 1; i >= 0; i-- {
		downstream[i].buf.Destroy()
		bus.Publish(events.Event{Kind: events.KindPeriodBufferCleared, Type: proc.typ, PeriodID: downstream[i].period.ID})
	}
}

// clearPassedPeriods drops (and destroys) every leading node whose Period
// has fully ended before current.
func (proc *typeProc) clearPassedPeriods(current float64, bus *events.Bus) {
	proc.mu.Lock()
	var cleared []*node
	i := 0
	for ; i < len(proc.nodes)-1; i++ { // never clear the last (active) node
		end, bounded := proc.nodes[i].period.End()
		if bounded && current >= end {
			cleared = append(cleared, proc.nodes[i])
			continue
		}
		break
	}
	proc.nodes = proc.nodes[i:]
	proc.mu.Unlock()

	for _, n := range cleared {
		n.buf.Destroy()
		bus.Publish(events.Event{Kind: events.KindPeriodBufferCleared, Type: proc.typ, PeriodID: n.period.ID})
	}
}

// restart tears down every node and starts fresh at wantedPosition.
func (proc *typeProc) restart(wantedPosition float64, bus *events.Bus) {
	proc.mu.Lock()
	nodes := proc.nodes
	proc.nodes = nil
	proc.complete = false
	proc.mu.Unlock()

	for i := len(nodes) - 1; i >= 0; i-- {
		nodes[i].buf.Destroy()
		bus.Publish(events.Event{Kind: events.KindPeriodBufferCleared, Type: proc.typ, PeriodID: nodes[i].period.ID})
	}
	proc.startConsecutive(wantedPosition, bus)
}
