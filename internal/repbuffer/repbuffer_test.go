package repbuffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashbuffer/internal/bufferstore"
	"dashbuffer/internal/events"
	"dashbuffer/internal/manifest"
)

// fakeIndex is a minimal manifest.Index over a fixed, small segment list,
// enough to drive repbuffer.Buffer through the target-window/missing-
// segment logic without a real DASH timeline.
type fakeIndex struct {
	init     manifest.Segment
	segments []manifest.Segment
}

func (f *fakeIndex) GetInitSegment() (manifest.Segment, bool) { return f.init, true }

func (f *fakeIndex) GetSegments(from, duration float64) []manifest.Segment {
	var out []manifest.Segment
	for _, s := range f.segments {
		if s.EndSeconds() > from && s.Seconds() < from+duration {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeIndex) GetFirstPosition() (float64, bool) { return 0, true }
func (f *fakeIndex) GetLastPosition() (float64, bool)  { return 100, true }
func (f *fakeIndex) IsSegmentStillAvailable(manifest.Segment) (bool, bool) { return true, true }
func (f *fakeIndex) CheckDiscontinuity(float64) (float64, bool)           { return 0, false }
func (f *fakeIndex) ShouldRefresh() bool                                  { return false }
func (f *fakeIndex) IsFinished() bool                                     { return true }

type fakeFetcher struct {
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, seg manifest.Segment) ([]byte, error) {
	f.calls++
	return []byte("data-" + seg.ID), nil
}

func newFixture(segCount int) (*fakeIndex, manifest.Representation, manifest.Period) {
	idx := &fakeIndex{init: manifest.Segment{ID: "init", IsInit: true, MediaURLs: []string{"http://x/init"}}}
	for i := 0; i < segCount; i++ {
		idx.segments = append(idx.segments, manifest.Segment{
			ID: "seg" + string(rune('0'+i)), Time: uint64(i * 4), Timescale: 1, Duration: 4,
			MediaURLs: []string{"http://x/s"},
		})
	}
	rep := manifest.Representation{ID: "rep1", Codec: "avc1.64001f", Index: idx}
	dur := 40.0
	period := manifest.Period{ID: "p0", Start: 0, Duration: &dur}
	return idx, rep, period
}

func newBuffer(t *testing.T, segCount int, ahead float64) (*Buffer, *fakeFetcher, *events.Bus) {
	t.Helper()
	_, rep, period := newFixture(segCount)
	store := bufferstore.New(0, nil, nil)
	entry, err := store.GetOrCreateNative(events.BufferVideo, rep.Codec, true)
	require.NoError(t, err)

	fetcher := &fakeFetcher{}
	bus := events.NewBus()
	buf := New(Params{
		Representation:      rep,
		Period:               period,
		Type:                 events.BufferVideo,
		Entry:                entry,
		Fetcher:              fetcher,
		Bus:                  bus,
		WantedBufferAheadS:   ahead,
	})
	return buf, fetcher, bus
}

func TestTickPushesInitSegmentFirst(t *testing.T) {
	buf, fetcher, _ := newBuffer(t, 3, 10)
	buf.Tick(0)
	assert.True(t, buf.pushedInit)
	assert.GreaterOrEqual(t, fetcher.calls, 1)
}

func TestTickEmitsAddedSegmentEvent(t *testing.T) {
	buf, _, bus := newBuffer(t, 3, 10)
	sub := bus.Subscribe()
	buf.Tick(0)

	select {
	case ev := <-sub:
		assert.True(t, ev.Kind == events.KindAddedSegment || ev.Kind == events.KindFullBuffer)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
}

func TestTickAdvancesThroughMultipleSegments(t *testing.T) {
	buf, _, _ := newBuffer(t, 3, 4)
	for i := 0; i < 5; i++ {
		buf.Tick(float64(i) * 4)
		time.Sleep(5 * time.Millisecond)
	}
	entries := buf.p.Entry.Inventory.GetInventory()
	assert.NotEmpty(t, entries)
}

func TestDestroyAbandonsInFlightFetch(t *testing.T) {
	buf, _, _ := newBuffer(t, 3, 10)
	buf.Destroy()
	buf.Tick(0) // should not panic even though context is already cancelled
}
