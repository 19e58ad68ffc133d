// Package sse fans candle and news frames out to streaming HTTP
// connections. Each connection owns a small bounded queue so one slow
// reader cannot stall the aggregator or its neighbors.
package sse

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("sse: queue closed")

// Queue is the per-connection frame buffer. Policy:
//
//   - a snapshot replaces everything pending and marks the queue
//     initialized
//   - deltas arriving before the first snapshot are dropped
//   - when full, the oldest delta is evicted; a pending snapshot is
//     never evicted
type Queue struct {
	mu          sync.Mutex
	frames      [][]byte
	capacity    int
	initialized bool
	hasSnapshot bool // frames[0] is an unconsumed snapshot
	closed      bool
	dropped     uint64

	notify chan struct{}
}

// NewQueue creates a queue holding at most capacity frames.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// PushSnapshot enqueues a full-series frame, discarding anything
// pending: a consumer that has not caught up only needs the snapshot.
func (q *Queue) PushSnapshot(frame []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.frames = q.frames[:0]
	q.frames = append(q.frames, frame)
	q.hasSnapshot = true
	q.initialized = true
	q.mu.Unlock()
	q.wake()
}

// PushDelta enqueues an incremental frame. Returns false when the frame
// was dropped (pre-snapshot, or the queue is saturated with no evictable
// delta).
func (q *Queue) PushDelta(frame []byte) bool {
	q.mu.Lock()
	if q.closed || !q.initialized {
		q.mu.Unlock()
		return false
	}
	if len(q.frames) >= q.capacity {
		evict := 0
		if q.hasSnapshot {
			evict = 1
		}
		if evict >= len(q.frames) {
			// Nothing but the snapshot fits.
			q.dropped++
			q.mu.Unlock()
			return false
		}
		q.frames = append(q.frames[:evict], q.frames[evict+1:]...)
		q.dropped++
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
	q.wake()
	return true
}

// Next blocks until a frame is available, the queue closes, or ctx is
// done.
func (q *Queue) Next(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames = q.frames[1:]
			if q.hasSnapshot {
				q.hasSnapshot = false
			}
			q.mu.Unlock()
			return frame, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close wakes any blocked Next. Pending frames are still delivered
// before ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Dropped returns the number of frames discarded by backpressure.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len returns the number of pending frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
