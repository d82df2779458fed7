package sbq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashbuffer/internal/rawbuffer"
)

func newTestQueue() (*Queue, *rawbuffer.Native) {
	raw := rawbuffer.NewNative("avc1", true)
	raw.SetAppendWindow(0, 1e18)
	return New(raw, nil, 0, nil, "video"), raw
}

func TestPushChunkAppendsMediaAndUpdatesInventoryBacking(t *testing.T) {
	q, raw := newTestQueue()
	task := q.PushChunk(PushChunk{Data: []byte("x"), Start: 0, End: 4})
	require.NoError(t, task.Wait(context.Background()))
	assert.Equal(t, []rawbuffer.Range{{Start: 0, End: 4}}, raw.Buffered())
}

func TestPushChunkSkipsDuplicateInitByHash(t *testing.T) {
	q, raw := newTestQueue()
	init := []byte("init-bytes")

	t1 := q.PushChunk(PushChunk{InitSegment: init, Data: []byte("a"), Start: 0, End: 2})
	require.NoError(t, t1.Wait(context.Background()))

	// A second push with the *same bytes* (new slice, same content) must
	// not re-append the init segment.
	initCopy := append([]byte(nil), init...)
	t2 := q.PushChunk(PushChunk{InitSegment: initCopy, Data: []byte("b"), Start: 2, End: 4})
	require.NoError(t, t2.Wait(context.Background()))

	assert.Equal(t, []rawbuffer.Range{{Start: 0, End: 4}}, raw.Buffered())
	// Each append emits one updateend: init+media, then media only.
	assert.Len(t, raw.Events(), 3)
}

func TestFIFOOrdering(t *testing.T) {
	q, raw := newTestQueue()
	var tasks []*Task
	for i := 0; i < 5; i++ {
		start := float64(i)
		tasks = append(tasks, q.PushChunk(PushChunk{Start: start, End: start + 1}))
	}
	for _, task := range tasks {
		require.NoError(t, task.Wait(context.Background()))
	}
	assert.Equal(t, []rawbuffer.Range{{Start: 0, End: 5}}, raw.Buffered())
}

func TestRemoveBuffer(t *testing.T) {
	q, raw := newTestQueue()
	require.NoError(t, q.PushChunk(PushChunk{Start: 0, End: 10}).Wait(context.Background()))
	require.NoError(t, q.RemoveBuffer(4, 6).Wait(context.Background()))
	assert.Equal(t, []rawbuffer.Range{{Start: 0, End: 4}, {Start: 6, End: 10}}, raw.Buffered())
}

func TestCancelPendingTaskNeverRuns(t *testing.T) {
	q, raw := newTestQueue()

	// Block the queue with a slow first task by pushing directly against a
	// fresh queue and racing a cancel against the second entry before the
	// drain goroutine can reach it. Since Native is synchronous this is
	// inherently racy to land deterministically, so instead we assert the
	// documented contract directly: cancelling before drain observes it
	// must prevent the mutation.
	task := q.PushChunk(PushChunk{Start: 100, End: 200})
	cancelled := task.Cancel()
	err := task.Wait(context.Background())

	if cancelled {
		assert.Error(t, err)
		assert.Empty(t, raw.Buffered())
	} else {
		// Lost the race to the drain goroutine: the task ran to completion.
		assert.NoError(t, err)
	}
}

func TestStateTransitionsIdleRunningFailed(t *testing.T) {
	q, _ := newTestQueue()
	assert.Equal(t, "idle", q.State())

	// Outside the append window entirely => Native.AppendBuffer errors.
	ws, we := 1000.0, 2000.0
	task := q.PushChunk(PushChunk{Start: 0, End: 1, AppendWindowStart: &ws, AppendWindowEnd: &we})
	err := task.Wait(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "failed", q.State())
}

func TestReconcileAppendWindowDefaults(t *testing.T) {
	q, raw := newTestQueue()
	require.NoError(t, q.PushChunk(PushChunk{Start: 0, End: 1}).Wait(context.Background()))
	assert.Equal(t, 0.0, raw.AppendWindowStart())
	assert.True(t, raw.AppendWindowEnd() > 1e17)
}

func TestWatchdogDoesNotPanicWhenIdle(t *testing.T) {
	raw := rawbuffer.NewNative("avc1", true)
	raw.SetAppendWindow(0, 1e18)
	q := New(raw, nil, 5*time.Millisecond, nil, "video")
	defer q.Dispose()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "idle", q.State())
}
