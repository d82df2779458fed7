// Package manifest defines the read-only collaborator contract this core
// consumes: a hierarchical Period -> Adaptation -> Representation -> Segment
// description of a media presentation, plus a small DASH SegmentTemplate
// parser (dash.go) that builds one. The types here are the seam the
// buffering core reads through; a richer manifest source (live MPD
// refresh, SegmentList/SegmentBase addressing) can implement Index and
// populate these structs without the rest of the core changing.
package manifest

import (
	"sync"
	"time"
)

// TrackType enumerates the kinds of Adaptation this core schedules buffers
// for.
type TrackType string

const (
	TrackAudio TrackType = "audio"
	TrackVideo TrackType = "video"
	TrackText  TrackType = "text"
	TrackImage TrackType = "image"
)

// Segment is one addressable media chunk. Times are in index-space: integer
// media-time ticks; seconds = Time/Timescale.
type Segment struct {
	ID        string
	Time      uint64
	Timescale uint64
	Duration  uint64
	MediaURLs []string
	ByteRange *ByteRange
	IsInit    bool
}

// ByteRange is an optional HTTP byte-range restricting a Segment fetch.
type ByteRange struct {
	Start, End int64
}

// Seconds converts a Segment's start time to seconds.
func (s Segment) Seconds() float64 {
	if s.Timescale == 0 {
		return 0
	}
	return float64(s.Time) / float64(s.Timescale)
}

// DurationSeconds converts a Segment's duration to seconds.
func (s Segment) DurationSeconds() float64 {
	if s.Timescale == 0 {
		return 0
	}
	return float64(s.Duration) / float64(s.Timescale)
}

// EndSeconds is Seconds()+DurationSeconds().
func (s Segment) EndSeconds() float64 {
	return s.Seconds() + s.DurationSeconds()
}

// Index is the per-Representation segment index collaborator: the
// timeline package's Index implements this, but it is kept as an
// interface so a non-timeline index (e.g. $Number$ template, SegmentList)
// could too.
type Index interface {
	GetInitSegment() (Segment, bool)
	GetSegments(fromSeconds, durationSeconds float64) []Segment
	GetFirstPosition() (float64, bool)
	GetLastPosition() (float64, bool)
	// IsSegmentStillAvailable reports true/false, or neither (ok=false) when
	// availability cannot be determined without a network round-trip.
	IsSegmentStillAvailable(seg Segment) (available bool, ok bool)
	CheckDiscontinuity(seconds float64) (discontinuitySeconds float64, found bool)
	ShouldRefresh() bool
	IsFinished() bool
}

// Representation is one specific encoding of a track.
type Representation struct {
	ID        string
	Bitrate   int
	Codec     string
	MimeType  string
	Index     Index
	Decipherable *bool // nil = unknown/not DRM protected
}

// Adaptation is a set of interchangeable Representations of one track type.
type Adaptation struct {
	ID              string
	Type            TrackType
	Representations []Representation
}

// Period is a contiguous time span in the presentation sharing the same
// track set.
type Period struct {
	ID                string
	Start             float64  // seconds
	Duration          *float64 // seconds, nil if open-ended (a last period without @duration)
	AdaptationsByType map[TrackType][]Adaptation

	// Partial is true for a Period announced only by reference (DASH
	// xlink:href on the <Period> element) whose AdaptationsByType has not
	// been resolved yet. XLinkHref is the reference to resolve.
	Partial   bool
	XLinkHref string
}

// End returns Start+Duration, or ok=false if the Period is open-ended.
func (p Period) End() (float64, bool) {
	if p.Duration == nil {
		return 0, false
	}
	return p.Start + *p.Duration, true
}

// DecipherabilityUpdate reports that some Representations became
// (un)decipherable, e.g. after a DRM key rotation.
type DecipherabilityUpdate struct {
	AdaptationID      string
	RepresentationID  string
	Decipherable      bool
}

// Manifest is the read-only collaborator the orchestrator schedules
// against.
type Manifest struct {
	Periods         []Period
	IsDynamic       bool
	MinimumPosition float64
	MaximumPosition float64
	PublishTime     time.Time

	decipherMu   sync.Mutex
	decipherSubs []chan []DecipherabilityUpdate
}

// SubscribeDecipherability returns a channel receiving every future
// DecipherabilityUpdate batch, e.g. from a DRM key rotation. The
// orchestrator subscribes once per Manifest to keep its decipher.Registry
// current and recreate Representation Buffers the update affects.
func (m *Manifest) SubscribeDecipherability() <-chan []DecipherabilityUpdate {
	m.decipherMu.Lock()
	defer m.decipherMu.Unlock()
	ch := make(chan []DecipherabilityUpdate, 4)
	m.decipherSubs = append(m.decipherSubs, ch)
	return ch
}

// PublishDecipherabilityUpdate notifies every subscriber that some
// Representations became (un)decipherable. Never blocks; a subscriber
// that falls behind misses the update rather than stalling the caller.
func (m *Manifest) PublishDecipherabilityUpdate(updates []DecipherabilityUpdate) {
	m.decipherMu.Lock()
	defer m.decipherMu.Unlock()
	for _, ch := range m.decipherSubs {
		select {
		case ch <- updates:
		default:
		}
	}
}

// PeriodForTime returns the Period containing t (seconds), preferring an
// exact [start,end) match; for the last, open-ended Period any t>=start
// matches.
func (m *Manifest) PeriodForTime(t float64) (*Period, bool) {
	for i := range m.Periods {
		p := &m.Periods[i]
		end, bounded := p.End()
		if t >= p.Start && (!bounded || t < end) {
			return p, true
		}
	}
	return nil, false
}

// NextPeriod returns the Period immediately following the one with the
// given ID, by Start order.
func (m *Manifest) NextPeriod(afterID string) (*Period, bool) {
	for i := range m.Periods {
		if m.Periods[i].ID == afterID {
			if i+1 < len(m.Periods) {
				return &m.Periods[i+1], true
			}
			return nil, false
		}
	}
	return nil, false
}
