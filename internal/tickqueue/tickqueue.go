// Package tickqueue provides the bounded FIFO between the upstream feed
// client and the aggregator. On overflow the producer drops the oldest
// entry, favoring freshness over completeness: a stale tick would only
// produce a stale candle.
package tickqueue

import (
	"context"
	"sync"
	"sync/atomic"

	"stockstreamv1/internal/model"
)

// Kind discriminates the envelope payload.
type Kind uint8

const (
	KindTrade Kind = iota
	KindQuote
	KindBar
	KindNews
)

// Envelope is the typed unit carried by the queue. Exactly one payload
// field is set, selected by Kind.
type Envelope struct {
	Kind  Kind
	Trade model.Tick
	Quote model.Quote
	Bar   model.Bar
	News  model.NewsItem
}

// Queue is a bounded drop-oldest FIFO. Single producer (feed client),
// single consumer (aggregator).
type Queue struct {
	mu    sync.Mutex
	buf   []Envelope
	head  int
	count int

	notify  chan struct{}
	dropped atomic.Uint64
	pushed  atomic.Uint64
}

// New creates a queue with the given capacity (minimum 1).
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]Envelope, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues an envelope. If the queue is full the oldest entry is
// dropped and the drop counter incremented. Never blocks.
func (q *Queue) Push(e Envelope) {
	q.mu.Lock()
	if q.count == len(q.buf) {
		// Overwrite the oldest entry.
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped.Add(1)
	}
	q.buf[(q.head+q.count)%len(q.buf)] = e
	q.count++
	q.pushed.Add(1)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop dequeues the oldest envelope, blocking until one is available or
// ctx is done.
func (q *Queue) Pop(ctx context.Context) (Envelope, error) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			e := q.buf[q.head]
			q.buf[q.head] = Envelope{}
			q.head = (q.head + 1) % len(q.buf)
			q.count--
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// TryPop dequeues without blocking. Used by the shutdown drain.
func (q *Queue) TryPop() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Envelope{}, false
	}
	e := q.buf[q.head]
	q.buf[q.head] = Envelope{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return e, true
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns the total number of envelopes dropped on overflow.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Pushed returns the total number of envelopes accepted.
func (q *Queue) Pushed() uint64 {
	return q.pushed.Load()
}
