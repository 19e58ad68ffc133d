package feed

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/gorilla/websocket"
)

// Channel identifies an upstream data channel.
type Channel string

const (
	ChannelTrades Channel = "trades"
	ChannelQuotes Channel = "quotes"
	ChannelBars   Channel = "bars"
	ChannelNews   Channel = "news"
)

// authFrame is the credentials control frame sent after connect.
type authFrame struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// controlFrame is a subscribe/unsubscribe control frame: one symbol list
// per channel, all deltas for one flush in a single frame.
type controlFrame struct {
	Action string   `json:"action"`
	Trades []string `json:"trades,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
	Bars   []string `json:"bars,omitempty"`
	News   []string `json:"news,omitempty"`
}

func buildControlFrame(action string, set map[Channel]map[string]struct{}) (controlFrame, bool) {
	f := controlFrame{Action: action}
	any := false
	for ch, syms := range set {
		if len(syms) == 0 {
			continue
		}
		list := make([]string, 0, len(syms))
		for s := range syms {
			list = append(list, s)
		}
		sort.Strings(list)
		switch ch {
		case ChannelTrades:
			f.Trades = list
		case ChannelQuotes:
			f.Quotes = list
		case ChannelBars:
			f.Bars = list
		case ChannelNews:
			f.News = list
		default:
			continue
		}
		any = true
	}
	return f, any
}

func addTo(set map[Channel]map[string]struct{}, ch Channel, symbol string) {
	if set[ch] == nil {
		set[ch] = make(map[string]struct{})
	}
	set[ch][symbol] = struct{}{}
}

func removeFrom(set map[Channel]map[string]struct{}, ch Channel, symbol string) {
	if m := set[ch]; m != nil {
		delete(m, symbol)
		if len(m) == 0 {
			delete(set, ch)
		}
	}
}

// Subscribe adds (symbol, channel) to the desired set and schedules a
// batched control frame. Safe to call from any goroutine; returns before
// the frame is sent.
func (c *Client) Subscribe(symbol string, ch Channel) error {
	c.mu.Lock()
	addTo(c.desired, ch, symbol)
	addTo(c.pendingSub, ch, symbol)
	removeFrom(c.pendingUnsub, ch, symbol)
	c.scheduleFlushLocked()
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes (symbol, channel) from the desired set and
// schedules a batched control frame.
func (c *Client) Unsubscribe(symbol string, ch Channel) error {
	c.mu.Lock()
	removeFrom(c.desired, ch, symbol)
	removeFrom(c.pendingSub, ch, symbol)
	addTo(c.pendingUnsub, ch, symbol)
	c.scheduleFlushLocked()
	c.mu.Unlock()
	return nil
}

func (c *Client) scheduleFlushLocked() {
	if c.flushTimer != nil {
		return
	}
	c.flushTimer = time.AfterFunc(c.cfg.BatchWindow, c.flush)
}

// flush sends the accumulated subscription deltas: at most one subscribe
// and one unsubscribe frame per batch window.
func (c *Client) flush() {
	c.mu.Lock()
	c.flushTimer = nil
	conn := c.conn
	sub := c.pendingSub
	unsub := c.pendingUnsub
	c.pendingSub = make(map[Channel]map[string]struct{})
	c.pendingUnsub = make(map[Channel]map[string]struct{})
	c.mu.Unlock()

	if conn == nil {
		// Disconnected: the full desired set is replayed on reconnect,
		// so the deltas can be discarded here.
		return
	}

	if f, ok := buildControlFrame("subscribe", sub); ok {
		if err := c.writeFrame(conn, f); err != nil {
			log.Printf("[feed] subscribe frame failed: %v", err)
		}
	}
	if f, ok := buildControlFrame("unsubscribe", unsub); ok {
		if err := c.writeFrame(conn, f); err != nil {
			log.Printf("[feed] unsubscribe frame failed: %v", err)
		}
	}
}

// attach installs a freshly authenticated connection and replays the
// entire desired set as a single subscribe frame.
func (c *Client) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	// Pending deltas are subsumed by the full replay.
	c.pendingSub = make(map[Channel]map[string]struct{})
	c.pendingUnsub = make(map[Channel]map[string]struct{})
	frame, any := buildControlFrame("subscribe", c.desired)
	c.mu.Unlock()

	if !any {
		return nil
	}
	if err := c.writeFrame(conn, frame); err != nil {
		return fmt.Errorf("replay subscriptions: %w", err)
	}
	return nil
}

func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Client) writeFrame(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// Desired returns a copy of the current desired subscription set.
func (c *Client) Desired() map[Channel][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Channel][]string, len(c.desired))
	for ch, syms := range c.desired {
		list := make([]string, 0, len(syms))
		for s := range syms {
			list = append(list, s)
		}
		sort.Strings(list)
		out[ch] = list
	}
	return out
}
