package periodbuffer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashbuffer/internal/bufferstore"
	"dashbuffer/internal/events"
	"dashbuffer/internal/manifest"
)

type fakeIndex struct {
	init manifest.Segment
}

func (f *fakeIndex) GetInitSegment() (manifest.Segment, bool) { return f.init, true }
func (f *fakeIndex) GetSegments(from, duration float64) []manifest.Segment {
	return []manifest.Segment{{ID: "seg0", Time: 0, Timescale: 1, Duration: 4, MediaURLs: []string{"http://x"}}}
}
func (f *fakeIndex) GetFirstPosition() (float64, bool) { return 0, true }
func (f *fakeIndex) GetLastPosition() (float64, bool)  { return 40, true }
func (f *fakeIndex) IsSegmentStillAvailable(manifest.Segment) (bool, bool) { return true, true }
func (f *fakeIndex) CheckDiscontinuity(float64) (float64, bool)           { return 0, false }
func (f *fakeIndex) ShouldRefresh() bool                                  { return false }
func (f *fakeIndex) IsFinished() bool                                     { return true }

type fakeFetcher struct{}

func (fakeFetcher) Fetch(ctx context.Context, seg manifest.Segment) ([]byte, error) {
	return []byte("x"), nil
}

func newAdaptation(repIDs []string, bitrates []int) manifest.Adaptation {
	var reps []manifest.Representation
	for i, id := range repIDs {
		reps = append(reps, manifest.Representation{
			ID: id, Bitrate: bitrates[i], Codec: "avc1",
			Index: &fakeIndex{init: manifest.Segment{ID: "init-" + id, IsInit: true, MediaURLs: []string{"http://x"}}},
		})
	}
	return manifest.Adaptation{ID: "a0", Type: manifest.TrackVideo, Representations: reps}
}

func newTestBuffer(t *testing.T, mode SwitchMode) (*Buffer, manifest.Adaptation) {
	t.Helper()
	ada := newAdaptation([]string{"low", "high"}, []int{100, 900})
	store := bufferstore.New(0, nil, nil)
	dur := 40.0
	buf := New(Params{
		Period:             manifest.Period{ID: "p0", Start: 0, Duration: &dur},
		Type:               events.BufferVideo,
		Mode:               mode,
		Store:              store,
		Fetcher:            fakeFetcher{},
		Bus:                events.NewBus(),
		WantedBufferAheadS: 10,
	}, ada)
	return buf, ada
}

func TestNewSelectsHighestBitrateRepresentation(t *testing.T) {
	buf, _ := newTestBuffer(t, ModeSeamless)
	assert.Equal(t, "high", buf.CurrentRepresentation().ID)
}

func TestSwitchRepresentationNoopWhenSameRep(t *testing.T) {
	buf, _ := newTestBuffer(t, ModeSeamless)
	before := buf.current
	buf.SwitchRepresentation(buf.CurrentRepresentation())
	assert.Same(t, before, buf.current)
}

func TestSwitchRepresentationSeamlessKeepsGoing(t *testing.T) {
	buf, ada := newTestBuffer(t, ModeSeamless)
	buf.SwitchRepresentation(ada.Representations[0])
	assert.Equal(t, "low", buf.CurrentRepresentation().ID)
}

func TestSwitchRepresentationDirectDestroysCurrent(t *testing.T) {
	buf, ada := newTestBuffer(t, ModeDirect)
	old := buf.current
	buf.SwitchRepresentation(ada.Representations[0])
	assert.NotSame(t, old, buf.current)
	assert.Equal(t, "low", buf.CurrentRepresentation().ID)
}

func TestSwitchAdaptationRequestsFreshBuffer(t *testing.T) {
	buf, _ := newTestBuffer(t, ModeSeamless)
	old := buf.current
	newAda := newAdaptation([]string{"only"}, []int{500})
	buf.SwitchAdaptation(newAda)
	assert.NotSame(t, old, buf.current)
	assert.Equal(t, "only", buf.CurrentRepresentation().ID)
}

func TestTickDoesNotPanicWithNoSegments(t *testing.T) {
	buf, _ := newTestBuffer(t, ModeSeamless)
	require.NotPanics(t, func() { buf.Tick(0) })
}
