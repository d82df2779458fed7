package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashbuffer/internal/manifest"
)

func seg(id string) manifest.Segment { return manifest.Segment{ID: id} }
func rep(id string) manifest.Representation { return manifest.Representation{ID: id} }

func TestInsertChunkNonOverlapping(t *testing.T) {
	inv := New()
	inv.InsertChunk(rep("v0"), seg("a"), Range{0, 5})
	inv.InsertChunk(rep("v0"), seg("b"), Range{5, 10})

	entries := inv.GetInventory()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Segment.ID)
	assert.Equal(t, "b", entries[1].Segment.ID)
}

func TestInsertChunkOutOfOrder(t *testing.T) {
	inv := New()
	inv.InsertChunk(rep("v0"), seg("b"), Range{5, 10})
	inv.InsertChunk(rep("v0"), seg("a"), Range{0, 5})

	entries := inv.GetInventory()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Segment.ID)
	assert.Equal(t, "b", entries[1].Segment.ID)
}

func TestInsertChunkOverlapTruncatesExisting(t *testing.T) {
	inv := New()
	inv.InsertChunk(rep("v0"), seg("a"), Range{0, 10})
	// A new chunk covering [4,6) should truncate "a" into two slivers and
	// last-writer-wins inside [4,6).
	inv.InsertChunk(rep("v0"), seg("b"), Range{4, 6})

	entries := inv.GetInventory()
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Segment.ID)
	assert.Equal(t, Range{0, 4}, entries[0].Requested)
	assert.Equal(t, "b", entries[1].Segment.ID)
	assert.Equal(t, Range{4, 6}, entries[1].Requested)
	assert.Equal(t, "a", entries[2].Segment.ID)
	assert.Equal(t, Range{6, 10}, entries[2].Requested)
}

func TestInsertChunkFullyOverwritesExisting(t *testing.T) {
	inv := New()
	inv.InsertChunk(rep("v0"), seg("a"), Range{2, 4})
	inv.InsertChunk(rep("v0"), seg("b"), Range{0, 10})

	entries := inv.GetInventory()
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Segment.ID)
}

func TestSynchronizeBufferedIntersectsAndDrops(t *testing.T) {
	inv := New()
	inv.InsertChunk(rep("v0"), seg("a"), Range{0, 5})
	inv.InsertChunk(rep("v0"), seg("b"), Range{5, 10})
	inv.InsertChunk(rep("v0"), seg("c"), Range{20, 25}) // decoder never buffered this

	inv.SynchronizeBuffered([]Range{{0, 8}})

	entries := inv.GetInventory()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Segment.ID)
	assert.Equal(t, Range{0, 5}, entries[0].Buffered)
	assert.True(t, entries[0].HasBuffered())
	assert.Equal(t, "b", entries[1].Segment.ID)
	assert.Equal(t, Range{5, 8}, entries[1].Buffered)
}

func TestSynchronizeBufferedMultipleRanges(t *testing.T) {
	inv := New()
	inv.InsertChunk(rep("v0"), seg("a"), Range{0, 5})
	inv.InsertChunk(rep("v0"), seg("b"), Range{10, 15})

	inv.SynchronizeBuffered([]Range{{0, 5}, {10, 15}})

	entries := inv.GetInventory()
	require.Len(t, entries, 2)
	assert.Equal(t, Range{0, 5}, entries[0].Buffered)
	assert.Equal(t, Range{10, 15}, entries[1].Buffered)
}

func TestReset(t *testing.T) {
	inv := New()
	inv.InsertChunk(rep("v0"), seg("a"), Range{0, 5})
	inv.Reset()
	assert.Empty(t, inv.GetInventory())
}
