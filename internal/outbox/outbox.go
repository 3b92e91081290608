// Package outbox implements the bounded per-connection outbound queue.
//
// Event frames are subject to the capacity bound. When the queue is full a
// push either evicts the oldest queued event (recording a gap for its topic)
// or is rejected, depending on the mode chosen by the caller. Control frames
// (acks, errors, closing notices) are never evicted; they may evict an event
// to make room for themselves.
package outbox

import (
	"sync"
	"sync/atomic"

	"github.com/crisiscenter/crisis-relay/internal/protocol"
)

// Mode selects what happens when an event is pushed onto a full queue.
type Mode int

const (
	// DropOldest evicts the oldest queued event and records a gap.
	DropOldest Mode = iota
	// RejectWhenFull leaves the queue untouched and reports Full.
	RejectWhenFull
)

// Result is the outcome of a push.
type Result int

const (
	// Enqueued means the frame was queued without loss.
	Enqueued Result = iota
	// EnqueuedWithDrop means the frame was queued after evicting an older event.
	EnqueuedWithDrop
	// Full means the frame was not queued.
	Full
	// Closed means the queue no longer accepts frames.
	Closed
)

func (r Result) String() string {
	switch r {
	case Enqueued:
		return "enqueued"
	case EnqueuedWithDrop:
		return "enqueued_with_drop"
	case Full:
		return "full"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Accepted reports whether the frame made it into the queue.
func (r Result) Accepted() bool {
	return r == Enqueued || r == EnqueuedWithDrop
}

type item struct {
	topic   string
	seq     uint64
	data    []byte
	control bool
}

// Gap is a contiguous run of dropped sequence numbers on one topic.
type Gap struct {
	Topic string
	From  uint64
	To    uint64
}

// Queue is a bounded FIFO of encoded frames. Safe for concurrent use by many
// producers and one consumer.
type Queue struct {
	mu       sync.Mutex
	buf      []item
	head     int
	size     int
	capacity int
	gaps     []Gap
	closed   bool

	ready chan struct{}

	dropped atomic.Uint64
}

// New creates a queue holding at most capacity frames.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:      make([]item, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// PushEvent enqueues an encoded event frame for topic with sequence seq.
func (q *Queue) PushEvent(topic string, seq uint64, data []byte, mode Mode) Result {
	return q.push(item{topic: topic, seq: seq, data: data}, mode)
}

// PushControl enqueues a control frame. It evicts the oldest event if needed
// and only fails when the queue is closed or holds nothing but control frames.
func (q *Queue) PushControl(data []byte) Result {
	return q.push(item{data: data, control: true}, DropOldest)
}

// Seal enqueues a final control frame and closes the queue in one step, so no
// event can land behind it.
func (q *Queue) Seal(final []byte) Result {
	return q.pushAndClose(item{data: final, control: true}, DropOldest, true)
}

func (q *Queue) push(it item, mode Mode) Result {
	return q.pushAndClose(it, mode, false)
}

func (q *Queue) pushAndClose(it item, mode Mode, closeAfter bool) Result {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return Closed
	}

	result := Enqueued
	if q.size == q.capacity {
		if mode == RejectWhenFull || !q.evictOldestEventLocked() {
			if closeAfter {
				q.closed = true
			}
			q.mu.Unlock()
			return Full
		}
		result = EnqueuedWithDrop
	}

	q.buf[(q.head+q.size)%q.capacity] = it
	q.size++
	if closeAfter {
		q.closed = true
	}
	q.mu.Unlock()

	q.signal()
	return result
}

// evictOldestEventLocked removes the oldest non-control frame, keeping the
// relative order of everything else.
func (q *Queue) evictOldestEventLocked() bool {
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % q.capacity
		if q.buf[idx].control {
			continue
		}
		victim := q.buf[idx]
		q.recordGapLocked(victim.topic, victim.seq)
		q.dropped.Add(1)

		// Shift the older control frames forward by one slot.
		for j := i; j > 0; j-- {
			q.buf[(q.head+j)%q.capacity] = q.buf[(q.head+j-1)%q.capacity]
		}
		q.buf[q.head] = item{}
		q.head = (q.head + 1) % q.capacity
		q.size--
		return true
	}
	return false
}

// recordGapLocked extends the pending gap for topic or opens a new one.
// Evictions per topic happen oldest first, so a pending gap always lies before
// any queued event of the same topic.
func (q *Queue) recordGapLocked(topic string, seq uint64) {
	for i := range q.gaps {
		g := &q.gaps[i]
		if g.Topic != topic {
			continue
		}
		if seq < g.From {
			g.From = seq
		}
		if seq > g.To {
			g.To = seq
		}
		return
	}
	q.gaps = append(q.gaps, Gap{Topic: topic, From: seq, To: seq})
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever a frame is pushed. The consumer should drain
// with Pop until it reports false, then wait on Ready again.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Pop returns the next frame to write. Pending gap frames are returned before
// any queued frame so the client learns about loss before later events.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.gaps) > 0 {
		g := q.gaps[0]
		q.gaps = q.gaps[1:]
		if len(q.gaps) == 0 {
			q.gaps = nil
		}
		return protocol.EncodeGap(g.Topic, g.From, g.To), true
	}

	if q.size == 0 {
		return nil, false
	}

	it := q.buf[q.head]
	q.buf[q.head] = item{}
	q.head = (q.head + 1) % q.capacity
	q.size--
	return it.data, true
}

// Len returns the number of queued frames, excluding pending gaps.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// PendingGaps returns a copy of the gaps not yet popped.
func (q *Queue) PendingGaps() []Gap {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Gap(nil), q.gaps...)
}

// Dropped returns the number of events evicted since creation.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close stops accepting frames. Queued frames stay poppable so a draining
// session can still flush them.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// IsClosed reports whether Close was called.
func (q *Queue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
