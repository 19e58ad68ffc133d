package sse

import (
	"context"
	"sync"
	"time"

	"stockstreamv1/internal/model"
)

// SnapshotSource serves the current in-memory series for a symbol, used
// to seed connections that attach after the builder's first emission.
type SnapshotSource interface {
	Snapshot(ctx context.Context, symbol string) ([]model.Bar, bool)
}

// Subscriber is one attached streaming connection.
type Subscriber struct {
	symbol string
	queue  *Queue
}

// Next returns the next frame for this connection.
func (s *Subscriber) Next(ctx context.Context) ([]byte, error) {
	return s.queue.Next(ctx)
}

// Dropped returns the frames lost to backpressure on this connection.
func (s *Subscriber) Dropped() uint64 { return s.queue.Dropped() }

// Hub routes candle updates to per-symbol subscriber sets. It is the
// aggregator's update sink: OnUpdate encodes the frame once and fans the
// bytes out.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]map[*Subscriber]struct{}
	queueCap int
	source   SnapshotSource

	// OnDrop is invoked once per frame lost to backpressure (optional).
	OnDrop func()
}

// NewHub creates a hub whose per-connection queues hold queueCap frames.
func NewHub(queueCap int, source SnapshotSource) *Hub {
	return &Hub{
		rooms:    make(map[string]map[*Subscriber]struct{}),
		queueCap: queueCap,
		source:   source,
	}
}

// OnUpdate implements the aggregator's update sink.
func (h *Hub) OnUpdate(symbol string, bars []model.Bar, isInitial bool) {
	frame := candleFrame(symbol, bars, isInitial)

	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.rooms[symbol]))
	for sub := range h.rooms[symbol] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if isInitial {
			sub.queue.PushSnapshot(frame)
			continue
		}
		if !sub.queue.PushDelta(frame) && h.OnDrop != nil {
			h.OnDrop()
		}
	}
}

// Attach registers a new connection for symbol and seeds it with the
// current series so the client renders immediately instead of waiting
// for the next broadcast.
func (h *Hub) Attach(ctx context.Context, symbol string) *Subscriber {
	sub := &Subscriber{symbol: symbol, queue: NewQueue(h.queueCap)}

	h.mu.Lock()
	room, ok := h.rooms[symbol]
	if !ok {
		room = make(map[*Subscriber]struct{})
		h.rooms[symbol] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()

	if h.source != nil {
		if bars, ok := h.source.Snapshot(ctx, symbol); ok {
			sub.queue.PushSnapshot(candleFrame(symbol, bars, true))
		}
	}
	return sub
}

// Detach removes the connection and releases its queue.
func (h *Hub) Detach(sub *Subscriber) {
	h.mu.Lock()
	if room, ok := h.rooms[sub.symbol]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, sub.symbol)
		}
	}
	h.mu.Unlock()
	sub.queue.Close()
}

// SubscriberCount returns the number of attached connections for symbol.
func (h *Hub) SubscriberCount(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[symbol])
}

func candleFrame(symbol string, bars []model.Bar, isInitial bool) []byte {
	u := model.CandleUpdate{
		Symbol:    symbol,
		Bars:      bars,
		IsInitial: isInitial,
		At:        time.Now().UTC(),
	}
	return u.Frame()
}
