// Package rawbuffer defines the RawBuffer capability the Serialised Buffer
// Queue (internal/sbq) drives: the seam standing in for a platform media
// source's SourceBuffer. Two implementations satisfy it: Native, a test
// double for audio/video buffers, and Manual, a shim reusing Native's
// range bookkeeping for text/image tracks that have no underlying
// platform decoder.
// Modelled as a small interface satisfied by multiple concrete types,
// the same shape as this codebase's other capability collaborators.
package rawbuffer

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Range is a closed-open [Start, End) interval in seconds.
type Range struct {
	Start, End float64
}

// EventKind discriminates the Event payloads a RawBuffer emits, standing
// in for the platform "updateend"/"error" events.
type EventKind int

const (
	EventUpdateEnd EventKind = iota
	EventError
)

// Event is delivered on a RawBuffer's Events channel after each mutation.
type Event struct {
	Kind EventKind
	Err  error
}

// Chunk is one append payload together with the timing a real decoder
// would infer from the bytes themselves. Since this core has no container
// demuxer, timing arrives already resolved from the DASH index Segment
// rather than being inferred by RawBuffer from Data alone.
type Chunk struct {
	Data       []byte
	Start, End float64 // seconds
}

// RawBuffer is the capability the SBQ mutates. At most one of
// AppendBuffer/Remove may be in flight at a time; the SBQ enforces that by
// construction (single consumer goroutine), not RawBuffer itself.
type RawBuffer interface {
	AppendBuffer(ctx context.Context, chunk Chunk) error
	Remove(ctx context.Context, start, end float64) error
	Abort()

	Updating() bool
	Buffered() []Range

	TimestampOffset() float64
	SetTimestampOffset(offset float64)

	AppendWindowStart() float64
	AppendWindowEnd() float64
	SetAppendWindow(start, end float64) error

	Codec() string
	// SetCodec attempts an in-place codec switch. An error means the
	// platform (or, here, the test double) does not support switching
	// without a full reload; the caller keeps the previous codec and
	// relies on needs-media-source-reload to recover.
	SetCodec(codec string) error

	// Events delivers one Event per completed mutation, standing in for
	// "updateend"/"error".
	Events() <-chan Event
}

func mergeRanges(ranges []Range) []Range {
	if len(ranges) == 0 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func subtractRange(ranges []Range, start, end float64) []Range {
	var out []Range
	for _, r := range ranges {
		if end <= r.Start || start >= r.End {
			out = append(out, r)
			continue
		}
		if start > r.Start {
			out = append(out, Range{Start: r.Start, End: start})
		}
		if end < r.End {
			out = append(out, Range{Start: end, End: r.End})
		}
	}
	return out
}

// Native is a test double standing in for a platform audio/video
// SourceBuffer. It is intentionally synchronous: AppendBuffer and Remove
// perform the mutation and return once it is applied, which is both
// simpler to test and a faithful enough stand-in given there is no real
// decoder backing it. Events still fire on the Events channel for
// consumers that prefer to await them, mirroring the platform's
// asynchronous event style.
type Native struct {
	mu sync.Mutex

	buffered        []Range
	updating        bool
	codec           string
	timestampOffset float64
	windowStart     float64
	windowEnd       float64
	codecSwitchable bool

	events chan Event
}

// NewNative builds a Native RawBuffer for the given initial codec.
// codecSwitchable controls whether SetCodec succeeds in place; pass false
// to simulate a platform that requires a full media source reload on
// codec change.
func NewNative(codec string, codecSwitchable bool) *Native {
	return &Native{
		codec:           codec,
		codecSwitchable: codecSwitchable,
		windowEnd:       infinity,
		events:          make(chan Event, 8),
	}
}

const infinity = 1e18

func (n *Native) Updating() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.updating
}

func (n *Native) Buffered() []Range {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Range, len(n.buffered))
	copy(out, n.buffered)
	return out
}

func (n *Native) TimestampOffset() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.timestampOffset
}

func (n *Native) SetTimestampOffset(offset float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timestampOffset = offset
}

func (n *Native) AppendWindowStart() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.windowStart
}

func (n *Native) AppendWindowEnd() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.windowEnd
}

// SetAppendWindow widens a zero-width (or inverted) append window by one
// second so start < end always holds.
func (n *Native) SetAppendWindow(start, end float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if start >= end {
		end = start + 1
	}
	n.windowStart = start
	n.windowEnd = end
	return nil
}

func (n *Native) Codec() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codec
}

func (n *Native) SetCodec(codec string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if codec == n.codec {
		return nil
	}
	if !n.codecSwitchable {
		return fmt.Errorf("rawbuffer: in-place codec switch to %q not supported", codec)
	}
	n.codec = codec
	return nil
}

func (n *Native) Events() <-chan Event { return n.events }

func (n *Native) AppendBuffer(ctx context.Context, chunk Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// A chunk with no declared range (an init segment, or any metadata-only
	// append) never touches Buffered() and can never be clipped away by
	// the append window.
	hadRange := chunk.End > chunk.Start

	n.mu.Lock()
	n.updating = true
	start := chunk.Start + n.timestampOffset
	end := chunk.End + n.timestampOffset
	if start < n.windowStart {
		start = n.windowStart
	}
	if end > n.windowEnd {
		end = n.windowEnd
	}
	var err error
	if !hadRange {
		// nothing to merge
	} else if end > start {
		n.buffered = mergeRanges(append(n.buffered, Range{Start: start, End: end}))
	} else {
		err = fmt.Errorf("rawbuffer: chunk [%f,%f) falls entirely outside append window [%f,%f)", chunk.Start, chunk.End, n.windowStart, n.windowEnd)
	}
	n.updating = false
	n.mu.Unlock()

	n.emit(err)
	return err
}

func (n *Native) Remove(ctx context.Context, start, end float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	n.updating = true
	n.buffered = subtractRange(n.buffered, start, end)
	n.updating = false
	n.mu.Unlock()

	n.emit(nil)
	return nil
}

func (n *Native) Abort() {
	n.mu.Lock()
	n.updating = false
	n.mu.Unlock()
}

func (n *Native) emit(err error) {
	ev := Event{Kind: EventUpdateEnd}
	if err != nil {
		ev = Event{Kind: EventError, Err: err}
	}
	select {
	case n.events <- ev:
	default:
	}
}

// Manual is a RawBuffer shim for text/image buffer types: there is no
// platform decoder, so "buffered" is the embedded Native's range list,
// updated by AppendBuffer and Remove calls. Codec switching is always
// a no-op success, since custom types have no codec negotiation.
type Manual struct {
	*Native
}

// NewManual builds a Manual RawBuffer.
func NewManual() *Manual {
	return &Manual{Native: NewNative("", true)}
}

func (m *Manual) SetCodec(codec string) error { return nil }
