package sse

import "sync"

// NewsHub is a single broadcast room for news frames. No snapshot
// semantics: subscribers only see items published while attached, and a
// full subscriber channel drops the frame for that subscriber only.
type NewsHub struct {
	mu      sync.Mutex
	subs    map[chan []byte]struct{}
	bufSize int

	OnDrop func()
}

// NewNewsHub creates a news hub with per-subscriber channel buffers of
// bufSize frames.
func NewNewsHub(bufSize int) *NewsHub {
	if bufSize < 1 {
		bufSize = 1
	}
	return &NewsHub{
		subs:    make(map[chan []byte]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe registers a new consumer channel.
func (h *NewsHub) Subscribe() chan []byte {
	ch := make(chan []byte, h.bufSize)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel.
func (h *NewsHub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish fans frame out to every subscriber, dropping for any whose
// buffer is full.
func (h *NewsHub) Publish(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- frame:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
}

// SubscriberCount returns the number of attached consumers.
func (h *NewsHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
