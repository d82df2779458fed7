// Package events models the public events the buffering core emits
// (added-segment, full-buffer, active-buffer, ...) as a typed discriminated
// union delivered over a single Go channel per subscriber.
package events

import "fmt"

// Kind discriminates the Event payloads below.
type Kind int

const (
	KindAddedSegment Kind = iota
	KindFullBuffer
	KindActiveBuffer
	KindPeriodBufferCleared
	KindActivePeriodChanged
	KindNeedsMediaSourceReload
	KindNeedsDecipherabilityFlush
	KindEndOfStream
	KindResumeStream
	KindWarning
	KindBufferComplete
	KindNeedsLoadedPeriod
)

var kindNames = [...]string{
	"added-segment",
	"full-buffer",
	"active-buffer",
	"period-buffer-cleared",
	"active-period-changed",
	"needs-media-source-reload",
	"needs-decipherability-flush",
	"end-of-stream",
	"resume-stream",
	"warning",
	"buffer-complete",
	"needs-loaded-period",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("unknown-kind(%d)", int(k))
}

// BufferType mirrors the track types the orchestrator juggles.
type BufferType string

const (
	BufferAudio BufferType = "audio"
	BufferVideo BufferType = "video"
	BufferText  BufferType = "text"
	BufferImage BufferType = "image"
)

// Range is a closed time interval in seconds.
type Range struct {
	Start float64
	End   float64
}

// Event is the single payload type flowing out of the orchestrator. Only
// the fields relevant to Kind are populated; this mirrors a sum type well
// enough for a handler switch on Kind without needing N channel types.
type Event struct {
	Kind Kind

	Type       BufferType // added-segment, full-buffer, active-buffer, period-buffer-cleared, buffer-complete
	PeriodID   string     // period-buffer-cleared, active-period-changed, needs-loaded-period
	Tick       float64    // clock tick seconds; no publisher in this module sets it, so it is 0 on every event

	// added-segment payload
	RepresentationID string
	SegmentID        string
	Buffered         Range

	// warning payload
	Err error
}

// Bus is a minimal typed pub/sub: one buffered channel per subscriber so a
// slow consumer cannot stall the orchestration goroutine that publishes.
type Bus struct {
	subs chan chan Event
	pub  chan Event
	done chan struct{}

	subscribers []chan Event
}

// NewBus starts a Bus. Call Close when the engine shuts down.
func NewBus() *Bus {
	b := &Bus{
		subs: make(chan chan Event),
		pub:  make(chan Event, 64),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for {
		select {
		case <-b.done:
			for _, s := range b.subscribers {
				close(s)
			}
			return
		case s := <-b.subs:
			b.subscribers = append(b.subscribers, s)
		case e := <-b.pub:
			for _, s := range b.subscribers {
				select {
				case s <- e:
				default:
					// Drop rather than block the publisher; subscribers
					// that care about every event should drain promptly.
				}
			}
		}
	}
}

// Subscribe returns a channel receiving every future Event. The channel has
// a small buffer; a subscriber that falls behind misses events rather than
// stalling the orchestrator.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	select {
	case b.subs <- ch:
	case <-b.done:
		close(ch)
	}
	return ch
}

// Publish emits an Event to every current subscriber. It blocks while the
// Bus's publish buffer is full, and returns without sending once the Bus
// is closed.
func (b *Bus) Publish(e Event) {
	select {
	case b.pub <- e:
	case <-b.done:
	}
}

// Close stops the Bus and closes all subscriber channels.
func (b *Bus) Close() {
	close(b.done)
}
