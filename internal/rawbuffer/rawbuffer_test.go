package rawbuffer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNativeAppendBufferTracksRanges(t *testing.T) {
	n := NewNative("avc1.64001f", true)
	n.SetAppendWindow(0, infinity)

	err := n.AppendBuffer(context.Background(), Chunk{Data: []byte("x"), Start: 0, End: 4})
	require.NoError(t, err)
	assert.Equal(t, []Range{{0, 4}}, n.Buffered())

	select {
	case ev := <-n.Events():
		assert.Equal(t, EventUpdateEnd, ev.Kind)
	default:
		t.Fatal("expected an updateend event")
	}
}

func TestNativeAppendBufferMergesAdjacentRanges(t *testing.T) {
	n := NewNative("avc1", true)
	n.SetAppendWindow(0, infinity)
	require.NoError(t, n.AppendBuffer(context.Background(), Chunk{Start: 0, End: 4}))
	require.NoError(t, n.AppendBuffer(context.Background(), Chunk{Start: 4, End: 8}))
	assert.Equal(t, []Range{{0, 8}}, n.Buffered())
}

func TestNativeAppendOutsideWindowIsDiscarded(t *testing.T) {
	n := NewNative("avc1", true)
	n.SetAppendWindow(10, 20)
	err := n.AppendBuffer(context.Background(), Chunk{Start: 0, End: 4})
	assert.Error(t, err)
	assert.Empty(t, n.Buffered())
}

func TestNativeRemove(t *testing.T) {
	n := NewNative("avc1", true)
	n.SetAppendWindow(0, infinity)
	require.NoError(t, n.AppendBuffer(context.Background(), Chunk{Start: 0, End: 10}))
	require.NoError(t, n.Remove(context.Background(), 4, 6))
	assert.Equal(t, []Range{{0, 4}, {6, 10}}, n.Buffered())
}

func TestSetAppendWindowWidensEndWhenStartWouldCross(t *testing.T) {
	n := NewNative("avc1", true)
	n.SetAppendWindow(0, 5)
	n.SetAppendWindow(5, 5) // start==end: widen end by 1 second
	assert.Equal(t, 5.0, n.AppendWindowStart())
	assert.Equal(t, 6.0, n.AppendWindowEnd())
}

func TestSetCodecRespectsSwitchability(t *testing.T) {
	switchable := NewNative("avc1", true)
	require.NoError(t, switchable.SetCodec("hvc1"))
	assert.Equal(t, "hvc1", switchable.Codec())

	unswitchable := NewNative("avc1", false)
	err := unswitchable.SetCodec("hvc1")
	assert.Error(t, err)
	assert.Equal(t, "avc1", unswitchable.Codec())
}

func TestManualAlwaysAllowsCodecSet(t *testing.T) {
	m := NewManual()
	assert.NoError(t, m.SetCodec("wvtt"))
	m.SetAppendWindow(0, infinity)
	require.NoError(t, m.AppendBuffer(context.Background(), Chunk{Start: 0, End: 2}))
	assert.Equal(t, []Range{{0, 2}}, m.Buffered())
}
