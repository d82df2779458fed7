// Package timeline implements the Timeline Index: a lazily-parsed,
// ordered list of SegmentTimeline entries per Representation that maps
// time to segment, with monotone timeshift eviction for dynamic (live)
// manifests. A flat []S model resolved into a stateful, query-driven
// index on first use rather than eagerly.
package timeline

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"dashbuffer/internal/logger"
	"dashbuffer/internal/manifest"
)

// RawEntry is one unparsed <S t= d= r=> element. Pointers capture XML
// attribute absence, since "missing" and "zero" mean different things
// during timeline resolution.
type RawEntry struct {
	T *uint64
	D *uint64
	R *int
}

// Params configures a new Index.
type Params struct {
	Timescale        uint64
	PeriodStart      float64  // seconds
	PeriodDuration   *float64 // seconds; nil for an open-ended (last, dynamic) Period
	IsDynamic        bool
	InitTemplate     string
	MediaTemplate    string
	RepresentationID string
	RawEntries       []RawEntry
	Logger           logger.Logger
}

// resolvedEntry is one S element after t/d default resolution, still
// carrying its RepeatCount un-expanded: r < 0 means repeat until Period
// end, expanded lazily on demand.
type resolvedEntry struct {
	start    uint64 // index-time ticks
	duration uint64
	repeat   int // -1 means "until period end"
}

// Index is the Timeline Index collaborator. It satisfies manifest.Index.
// The first query triggers lazy resolution of RawEntries into
// resolvedEntry; eviction of the front of the timeline (timeshift window
// advance) is monotone: headCursor only increases.
type Index struct {
	mu sync.Mutex

	timescale        uint64
	periodStartTicks int64 // periodStart*timescale, as index-time offset basis
	indexTimeOffset  int64 // presentationTimeOffset - periodStart*timescale; pto assumed 0
	periodEndTicks   *uint64
	isDynamic        bool
	initTemplate     string
	mediaTemplate    string
	representationID string
	log              logger.Logger

	rawEntries []RawEntry
	parsed     bool
	timeline   []resolvedEntry
	headCursor int // index into timeline; entries before this have been evicted

	availabilityStartTicks *int64 // set by SetAvailabilityStart; monotone
	lastGeneratedEndTicks  uint64
}

// NewIndex builds an Index. Parsing of RawEntries is deferred to the
// first query.
func NewIndex(p Params) *Index {
	log := p.Logger
	if log == nil {
		log = logger.Discard()
	}
	periodStartTicks := int64(p.PeriodStart * float64(p.Timescale))
	idx := &Index{
		timescale:        p.Timescale,
		periodStartTicks: periodStartTicks,
		indexTimeOffset:  -periodStartTicks, // presentationTimeOffset assumed 0
		isDynamic:        p.IsDynamic,
		initTemplate:     p.InitTemplate,
		mediaTemplate:    p.MediaTemplate,
		representationID: p.RepresentationID,
		log:              log,
		rawEntries:       p.RawEntries,
	}
	if p.PeriodDuration != nil {
		end := uint64(int64(*p.PeriodDuration*float64(p.Timescale)) + periodStartTicks)
		idx.periodEndTicks = &end
	}
	return idx
}

func (idx *Index) toIndexTime(seconds float64) int64 {
	return int64(seconds*float64(idx.timescale)) + idx.indexTimeOffset
}

func (idx *Index) fromIndexTime(ticks int64) float64 {
	return float64(ticks-idx.indexTimeOffset) / float64(idx.timescale)
}

// ensureParsed lazily resolves rawEntries into the timeline slice. Must be
// called with idx.mu held.
func (idx *Index) ensureParsed() {
	if idx.parsed {
		return
	}
	idx.parsed = true

	var resolved []resolvedEntry
	var prevStart, prevDuration uint64
	var prevRepeat int

	for i, raw := range idx.rawEntries {
		var start uint64
		switch {
		case raw.T != nil:
			start = *raw.T
		case i == 0:
			start = uint64(idx.periodStartTicks)
		default:
			start = prevStart + prevDuration*uint64(prevRepeat+1)
		}

		var dur uint64
		hasDur := false
		switch {
		case raw.D != nil:
			dur = *raw.D
			hasDur = true
		case i+1 < len(idx.rawEntries) && idx.rawEntries[i+1].T != nil:
			next := *idx.rawEntries[i+1].T
			if next > start {
				dur = next - start
				hasDur = true
			}
		}
		if !hasDur {
			idx.log.Warnf("dropping malformed SegmentTimeline entry in representation %q: missing duration and no following t (index %d)",
				idx.representationID, i)
			continue
		}

		repeat := 0
		if raw.R != nil {
			repeat = *raw.R
		}

		resolved = append(resolved, resolvedEntry{start: start, duration: dur, repeat: repeat})
		prevStart, prevDuration, prevRepeat = start, dur, repeat
	}

	idx.timeline = resolved
	idx.recomputeLastGeneratedEnd()
}

// expandRepeat returns the number of *additional* repeats (beyond the
// first) this entry should actually generate, given an upper bound on how
// far the caller needs segments (capped by the Period end when known).
func (idx *Index) expandRepeat(e resolvedEntry, nextStart *uint64, wantEndTicks int64) int {
	if e.repeat >= 0 {
		return e.repeat
	}
	// r < 0: repeat until Period end, or until the next explicit entry, or
	// just far enough to satisfy the caller's query window.
	var boundTicks int64
	switch {
	case nextStart != nil:
		boundTicks = int64(*nextStart)
	case idx.periodEndTicks != nil:
		boundTicks = int64(*idx.periodEndTicks)
	default:
		boundTicks = wantEndTicks
	}
	if e.duration == 0 || boundTicks <= int64(e.start) {
		return 0
	}
	diff := boundTicks - int64(e.start)
	duration := int64(e.duration)
	quotient := diff / duration
	var n int64
	if diff%duration == 0 {
		// Falls exactly on the bound: the bound itself starts no segment.
		n = quotient - 1
	} else {
		n = quotient
	}
	if n < 0 {
		n = 0
	}
	return int(n)
}

func (idx *Index) recomputeLastGeneratedEnd() {
	if len(idx.timeline) == 0 {
		return
	}
	last := idx.timeline[len(idx.timeline)-1]
	repeat := idx.expandRepeat(last, nil, int64(last.start+last.duration))
	idx.lastGeneratedEndTicks = last.start + last.duration*uint64(repeat+1)
}

// SetAvailabilityStart advances the timeshift eviction boundary for a
// dynamic index. It is monotone: calling it with an earlier time than a
// previous call is a no-op, so evicted entries are never reintroduced.
func (idx *Index) SetAvailabilityStart(seconds float64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ticks := idx.toIndexTime(seconds)
	if idx.availabilityStartTicks != nil && ticks <= *idx.availabilityStartTicks {
		return
	}
	idx.availabilityStartTicks = &ticks
	idx.applyEviction()
}

// applyEviction drops whole S-entries whose generated range ends at or
// before the availability start. Must be called with idx.mu held and after
// ensureParsed.
func (idx *Index) applyEviction() {
	if !idx.isDynamic || idx.availabilityStartTicks == nil {
		return
	}
	bound := *idx.availabilityStartTicks
	for idx.headCursor < len(idx.timeline) {
		e := idx.timeline[idx.headCursor]
		repeat := idx.expandRepeat(e, idx.nextStartAfter(idx.headCursor), bound)
		end := int64(e.start + e.duration*uint64(repeat+1))
		if end > bound {
			break
		}
		idx.headCursor++
	}
}

func (idx *Index) nextStartAfter(i int) *uint64 {
	if i+1 < len(idx.timeline) {
		return &idx.timeline[i+1].start
	}
	return nil
}

// GetInitSegment returns the init segment descriptor for this
// Representation, if an initialization template is configured.
func (idx *Index) GetInitSegment() (manifest.Segment, bool) {
	if idx.initTemplate == "" {
		return manifest.Segment{}, false
	}
	return manifest.Segment{
		ID:        "init",
		Timescale: idx.timescale,
		MediaURLs: []string{resolveTemplate(idx.initTemplate, idx.representationID, 0)},
		IsInit:    true,
	}, true
}

// GetSegments returns every segment intersecting
// [fromSeconds, fromSeconds+durationSeconds], via binary search over the
// resolved timeline by start tick (O(log n) to locate, then a linear scan
// over the typically short intersecting run).
func (idx *Index) GetSegments(fromSeconds, durationSeconds float64) []manifest.Segment {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensureParsed()
	idx.applyEviction()

	fromTicks := idx.toIndexTime(fromSeconds)
	toTicks := idx.toIndexTime(fromSeconds + durationSeconds)

	active := idx.timeline[idx.headCursor:]
	// Binary search the first S-entry whose *last* generated segment could
	// end after fromTicks.
	first := sort.Search(len(active), func(i int) bool {
		e := active[i]
		repeat := idx.expandRepeat(e, idx.nextStartFor(active, i), toTicks)
		end := e.start + e.duration*uint64(repeat+1)
		return int64(end) > fromTicks
	})

	var out []manifest.Segment
	for i := first; i < len(active); i++ {
		e := active[i]
		repeat := idx.expandRepeat(e, idx.nextStartFor(active, i), toTicks)
		for r := 0; r <= repeat; r++ {
			segStart := e.start + uint64(r)*e.duration
			if int64(segStart) >= toTicks {
				return out
			}
			segEnd := segStart + e.duration
			if int64(segEnd) <= fromTicks {
				continue
			}
			out = append(out, idx.buildSegment(segStart, e.duration))
		}
	}
	return out
}

func (idx *Index) nextStartFor(entries []resolvedEntry, i int) *uint64 {
	if i+1 < len(entries) {
		return &entries[i+1].start
	}
	return nil
}

func (idx *Index) buildSegment(startTicks, durTicks uint64) manifest.Segment {
	return manifest.Segment{
		ID:        strconv.FormatUint(startTicks, 10),
		Time:      startTicks,
		Timescale: idx.timescale,
		Duration:  durTicks,
		MediaURLs: []string{resolveTemplate(idx.mediaTemplate, idx.representationID, startTicks)},
	}
}

func resolveTemplate(tmpl, repID string, time uint64) string {
	out := strings.ReplaceAll(tmpl, "$RepresentationID$", repID)
	out = strings.ReplaceAll(out, "$Time$", strconv.FormatUint(time, 10))
	return out
}

// GetFirstPosition returns the seconds-space start of the earliest
// non-evicted segment.
func (idx *Index) GetFirstPosition() (float64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensureParsed()
	idx.applyEviction()
	if idx.headCursor >= len(idx.timeline) {
		return 0, false
	}
	return idx.fromIndexTime(int64(idx.timeline[idx.headCursor].start)), true
}

// GetLastPosition returns the seconds-space end of the last generated
// segment.
func (idx *Index) GetLastPosition() (float64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensureParsed()
	if len(idx.timeline) == 0 {
		return 0, false
	}
	return idx.fromIndexTime(int64(idx.lastGeneratedEndTicks)), true
}

// IsSegmentStillAvailable reports whether seg is still within the
// non-evicted window. ok=false means "unknown without a network
// round-trip" (e.g. a dynamic index queried about a segment beyond the
// last generated one).
func (idx *Index) IsSegmentStillAvailable(seg manifest.Segment) (available bool, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensureParsed()
	idx.applyEviction()

	if idx.availabilityStartTicks != nil && int64(seg.Time+seg.Duration) <= *idx.availabilityStartTicks {
		return false, true
	}
	if seg.Time+seg.Duration <= idx.lastGeneratedEndTicks {
		return true, true
	}
	if idx.isDynamic {
		return false, false // not yet known to exist
	}
	return false, true
}

// CheckDiscontinuity reports the nearest explicit gap at or after seconds,
// where two consecutive resolved entries don't abut.
func (idx *Index) CheckDiscontinuity(seconds float64) (float64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensureParsed()

	fromTicks := idx.toIndexTime(seconds)
	for i := idx.headCursor; i+1 < len(idx.timeline); i++ {
		e := idx.timeline[i]
		repeat := idx.expandRepeat(e, idx.nextStartAfter(i), int64(idx.timeline[i+1].start))
		end := e.start + e.duration*uint64(repeat+1)
		next := idx.timeline[i+1]
		if end != next.start && int64(end) >= fromTicks {
			return idx.fromIndexTime(int64(end)), true
		}
	}
	return 0, false
}

// ShouldRefresh reports whether the manifest should be re-fetched to learn
// about new segments: only ever true for a dynamic, not-yet-finished index.
func (idx *Index) ShouldRefresh() bool {
	return idx.isDynamic && !idx.IsFinished()
}

// IsFinished reports whether a dynamic index has generated segments up to
// (within 1/60s of) its Period end; always true for a static index.
func (idx *Index) IsFinished() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensureParsed()
	if !idx.isDynamic {
		return true
	}
	if idx.periodEndTicks == nil {
		return false
	}
	epsilonTicks := idx.timescale / 60
	return idx.lastGeneratedEndTicks+epsilonTicks >= *idx.periodEndTicks
}

// CanBeOutOfSyncError reports whether an HTTP failure while fetching a
// segment from this index plausibly indicates the manifest has fallen out
// of sync with the origin's live window (dynamic indexes only, and only for
// a 404).
func CanBeOutOfSyncError(isDynamic bool, httpStatus int) bool {
	return isDynamic && httpStatus == 404
}

// MergeTimelines combines two raw S-entry timelines, keeping the later one
// wherever both define the same start. Used to build a merged RawEntries
// slice after a live manifest refresh, ahead of feeding it to NewIndex.
func MergeTimelines(oldEntries, newEntries []RawEntry) []RawEntry {
	seen := make(map[uint64]RawEntry)
	order := make([]uint64, 0, len(oldEntries)+len(newEntries))
	add := func(entries []RawEntry) {
		for _, e := range entries {
			if e.T == nil {
				continue
			}
			if _, exists := seen[*e.T]; !exists {
				order = append(order, *e.T)
			}
			seen[*e.T] = e
		}
	}
	add(oldEntries)
	add(newEntries)

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	merged := make([]RawEntry, 0, len(order))
	for _, t := range order {
		merged = append(merged, seen[t])
	}
	return merged
}
