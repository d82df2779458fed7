// Package sbq implements the Serialised Buffer Queue: a FIFO queue of
// mutations against one RawBuffer, which tolerates at most one in-flight
// mutation at a time. A dedicated goroutine drains a channel of queued
// tasks one at a time; a background ticker watchdog logs a warning while
// a mutation stays running. The watchdog does not restart, retry or
// advance the queue.
package sbq

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"dashbuffer/internal/errs"
	"dashbuffer/internal/logger"
	"dashbuffer/internal/metrics"
	"dashbuffer/internal/rawbuffer"
)

// TaskKind discriminates queue entries.
type TaskKind int

const (
	TaskPush TaskKind = iota
	TaskRemove
)

func (k TaskKind) String() string {
	switch k {
	case TaskPush:
		return "push"
	case TaskRemove:
		return "remove"
	default:
		return fmt.Sprintf("unknown-task-kind(%d)", int(k))
	}
}

// state is the per-SBQ state machine: IDLE -> RUNNING(task) -> IDLE on
// success, RUNNING -> FAILED on error.
type state int

const (
	stateIdle state = iota
	stateRunning
	stateFailed
)

// PushChunk describes one pushChunk call. InitSegment is nil when no init
// step is needed this call; the SBQ skips re-appending it when its xxhash
// digest matches the last init segment actually appended.
type PushChunk struct {
	InitSegment []byte

	Codec           string
	TimestampOffset float64
	// nil means "undefined": defaults AppendWindowStart to 0 and
	// AppendWindowEnd to +Inf when unset.
	AppendWindowStart *float64
	AppendWindowEnd   *float64

	Data       []byte
	Start, End float64
}

// entry is one queued mutation, pending until the drain goroutine pops it.
type entry struct {
	id          uint64
	kind        TaskKind
	push        *PushChunk
	removeStart float64
	removeEnd   float64
	done        chan error
}

// Task is the handle returned by PushChunk/RemoveBuffer.
type Task struct {
	id   uint64
	done chan error
	q    *Queue
}

// Wait blocks until the task completes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel dequeues this task if it has not yet become in-flight. Returns
// true if the cancellation took effect; false if the task was already
// running (or done) and so could only be abandoned, not cancelled.
func (t *Task) Cancel() bool {
	return t.q.cancelTask(t.id)
}

// Queue is one Serialised Buffer Queue, one per (SBQ, RawBuffer) pair.
type Queue struct {
	raw rawbuffer.RawBuffer
	log logger.Logger

	metrics    *metrics.Metrics
	bufferType string

	queue   chan uint64
	mu      sync.Mutex
	pending map[uint64]*entry
	nextID  uint64

	lastInitHash uint64
	hasLastInit  bool

	state state

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Queue draining into raw. watchdogInterval <= 0 disables the
// watchdog goroutine. m is nil-safe: pass nil to skip metrics
// (defaults to metrics.Noop()); bufferType labels every recorded metric.
func New(raw rawbuffer.RawBuffer, log logger.Logger, watchdogInterval time.Duration, m *metrics.Metrics, bufferType string) *Queue {
	if log == nil {
		log = logger.Discard()
	}
	if m == nil {
		m = metrics.Noop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		raw:        raw,
		log:        log,
		metrics:    m,
		bufferType: bufferType,
		queue:      make(chan uint64, 256),
		pending:    make(map[uint64]*entry),
		ctx:        ctx,
		cancel:     cancel,
	}
	go q.drain()
	if watchdogInterval > 0 {
		go q.watchdogLoop(watchdogInterval)
	}
	return q
}

// PushChunk enqueues a push. The init step, if InitSegment is set, is
// appended before Data, skipped entirely when it matches the last init
// segment this Queue actually appended.
func (q *Queue) PushChunk(chunk PushChunk) *Task {
	return q.enqueue(&entry{kind: TaskPush, push: &chunk})
}

// RemoveBuffer enqueues a removal of [start, end).
func (q *Queue) RemoveBuffer(start, end float64) *Task {
	return q.enqueue(&entry{kind: TaskRemove, removeStart: start, removeEnd: end})
}

// GetBufferedRanges reads the underlying RawBuffer's current ranges.
func (q *Queue) GetBufferedRanges() []rawbuffer.Range {
	return q.raw.Buffered()
}

// Abort aborts the underlying RawBuffer's in-flight mutation, if any,
// without rolling back the queue's bookkeeping.
func (q *Queue) Abort() {
	q.raw.Abort()
}

// Dispose stops the drain goroutine and fails every still-pending task.
// In-flight mutations are left to complete (or be Abort()ed separately).
func (q *Queue) Dispose() {
	q.cancel()
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, e := range q.pending {
		delete(q.pending, id)
		nonBlockingSend(e.done, errs.ErrAborted)
	}
}

// State reports the current IDLE/RUNNING/FAILED state, for the debug
// surface and tests.
func (q *Queue) State() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.state {
	case stateRunning:
		return "running"
	case stateFailed:
		return "failed"
	default:
		return "idle"
	}
}

func (q *Queue) enqueue(e *entry) *Task {
	e.done = make(chan error, 1)
	q.mu.Lock()
	e.id = q.nextID
	q.nextID++
	q.pending[e.id] = e
	q.mu.Unlock()

	select {
	case q.queue <- e.id:
	case <-q.ctx.Done():
		q.mu.Lock()
		delete(q.pending, e.id)
		q.mu.Unlock()
		nonBlockingSend(e.done, errs.ErrAborted)
	}
	return &Task{id: e.id, done: e.done, q: q}
}

func (q *Queue) cancelTask(id uint64) bool {
	q.mu.Lock()
	e, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	nonBlockingSend(e.done, errs.ErrAborted)
	return true
}

func (q *Queue) drain() {
	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.queue:
			q.mu.Lock()
			e, ok := q.pending[id]
			if ok {
				delete(q.pending, id) // now in-flight: no longer cancellable
			}
			q.mu.Unlock()
			if !ok {
				continue // cancelled before becoming in-flight
			}
			q.runEntry(e)
		}
	}
}

func (q *Queue) runEntry(e *entry) {
	q.mu.Lock()
	q.state = stateRunning
	q.mu.Unlock()

	start := time.Now()
	var err error
	switch e.kind {
	case TaskPush:
		err = q.runPush(e.push)
	case TaskRemove:
		err = q.raw.Remove(q.ctx, e.removeStart, e.removeEnd)
	}
	elapsedMS := float64(time.Since(start)) / float64(time.Millisecond)

	outcome := "ok"
	q.mu.Lock()
	if err != nil {
		outcome = "error"
		q.state = stateFailed
		// Forget the last init segment so it is re-pushed before the next
		// media chunk.
		q.hasLastInit = false
	} else {
		q.state = stateIdle
	}
	q.mu.Unlock()
	q.metrics.ObserveSBQTask(q.bufferType, e.kind.String(), outcome, elapsedMS)

	e.done <- err
}

func (q *Queue) runPush(p *PushChunk) error {
	q.reconcile(p)

	if len(p.InitSegment) > 0 {
		h := xxhash.Sum64(p.InitSegment)
		q.mu.Lock()
		skip := q.hasLastInit && q.lastInitHash == h
		q.mu.Unlock()
		if !skip {
			if err := q.raw.AppendBuffer(q.ctx, rawbuffer.Chunk{Data: p.InitSegment}); err != nil {
				return fmt.Errorf("append init segment: %w", err)
			}
			q.mu.Lock()
			q.lastInitHash = h
			q.hasLastInit = true
			q.mu.Unlock()
		}
	}

	if p.End > p.Start || len(p.Data) > 0 {
		if err := q.raw.AppendBuffer(q.ctx, rawbuffer.Chunk{Data: p.Data, Start: p.Start, End: p.End}); err != nil {
			return fmt.Errorf("append media chunk: %w", err)
		}
	}
	return nil
}

// reconcile applies the codec/timestampOffset/appendWindow rules for a
// push, updating each only when it differs from the RawBuffer's current
// value.
func (q *Queue) reconcile(p *PushChunk) {
	if p.Codec != "" && p.Codec != q.raw.Codec() {
		if err := q.raw.SetCodec(p.Codec); err != nil {
			q.log.Warnf("sbq: in-place codec switch to %q failed, continuing with %q: %v", p.Codec, q.raw.Codec(), err)
		}
	}
	if p.TimestampOffset != q.raw.TimestampOffset() {
		q.raw.SetTimestampOffset(p.TimestampOffset)
	}

	wantStart := 0.0
	if p.AppendWindowStart != nil {
		wantStart = *p.AppendWindowStart
	}
	wantEnd := math.Inf(1)
	if p.AppendWindowEnd != nil {
		wantEnd = *p.AppendWindowEnd
	}
	if wantStart != q.raw.AppendWindowStart() || wantEnd != q.raw.AppendWindowEnd() {
		if err := q.raw.SetAppendWindow(wantStart, wantEnd); err != nil {
			q.log.Warnf("sbq: failed to set append window [%f,%f): %v", wantStart, wantEnd, err)
		}
	}
}

func (q *Queue) watchdogLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			stuck := q.state == stateRunning
			q.mu.Unlock()
			if stuck {
				q.log.Warnf("sbq watchdog: RawBuffer mutation still running after %v, platform may have missed updateend", interval)
			}
		}
	}
}

func nonBlockingSend(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}
