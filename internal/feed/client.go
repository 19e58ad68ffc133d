// Package feed maintains the single authenticated WebSocket session to
// the upstream market-data provider. Parsed data messages are pushed onto
// the tick queue; subscription changes from the rest of the process go
// through Subscribe/Unsubscribe, which batch deltas into control frames.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"stockstreamv1/internal/tickqueue"
)

// ErrUnauthorized is returned by Run when the provider rejects the
// key/secret pair. It is fatal: retrying cannot succeed.
var ErrUnauthorized = errors.New("feed: upstream authentication rejected")

// State is the feed connection state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultBatchWindow = 50 * time.Millisecond
	defaultReadTimeout = 30 * time.Second
	handshakeTimeout   = 10 * time.Second
	writeTimeout       = 10 * time.Second
)

// Config configures the feed client.
type Config struct {
	URL    string
	Key    string
	Secret string

	ReconnectMin time.Duration // initial backoff (default 1s)
	ReconnectMax time.Duration // backoff cap (default 30s)
	BatchWindow  time.Duration // subscription delta batching (default 50ms)
	ReadTimeout  time.Duration // idle read deadline (default 30s)
}

// Client owns the upstream WebSocket. All other workers interact with it
// only through Subscribe/Unsubscribe.
type Client struct {
	cfg    Config
	queue  *tickqueue.Queue
	dialer *websocket.Dialer

	state atomic.Int32

	// connection + subscription bookkeeping
	mu           sync.Mutex
	conn         *websocket.Conn
	desired      map[Channel]map[string]struct{}
	pendingSub   map[Channel]map[string]struct{}
	pendingUnsub map[Channel]map[string]struct{}
	flushTimer   *time.Timer

	// serializes concurrent control-frame and pong writes
	writeMu sync.Mutex

	// Metrics hooks (optional, set before Run)
	OnReconnect      func()
	OnTick           func()
	OnMalformedFrame func()
	OnUnknownMessage func()
}

// New creates a feed client pushing parsed messages onto queue.
func New(cfg Config, queue *tickqueue.Queue) *Client {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = defaultBatchWindow
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &Client{
		cfg:          cfg,
		queue:        queue,
		dialer:       websocket.DefaultDialer,
		desired:      make(map[Channel]map[string]struct{}),
		pendingSub:   make(map[Channel]map[string]struct{}),
		pendingUnsub: make(map[Channel]map[string]struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Run maintains the connection until ctx is cancelled. Transient errors
// are retried with exponential backoff and full jitter; an authentication
// rejection returns ErrUnauthorized immediately.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateShuttingDown)
			return nil
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			log.Printf("[feed] dial %s failed: %v", c.cfg.URL, err)
			c.setState(StateReconnecting)
			if !c.backoff(ctx, attempt) {
				return nil
			}
			attempt++
			continue
		}

		c.setState(StateAuthenticating)
		if err := c.handshake(conn); err != nil {
			conn.Close()
			if errors.Is(err, ErrUnauthorized) {
				c.setState(StateDisconnected)
				return err
			}
			log.Printf("[feed] handshake failed: %v", err)
			c.setState(StateReconnecting)
			if !c.backoff(ctx, attempt) {
				return nil
			}
			attempt++
			continue
		}

		c.setState(StateConnected)
		attempt = 0
		if err := c.attach(conn); err != nil {
			log.Printf("[feed] resubscribe failed: %v", err)
			conn.Close()
			c.detach()
			continue
		}
		log.Printf("[feed] connected to %s", c.cfg.URL)

		err = c.readLoop(ctx, conn)
		conn.Close()
		c.detach()

		if ctx.Err() != nil {
			c.setState(StateShuttingDown)
			return nil
		}

		log.Printf("[feed] connection lost: %v", err)
		c.setState(StateReconnecting)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}
		if !c.backoff(ctx, attempt) {
			return nil
		}
		attempt++
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// handshake performs the connected/auth/authenticated exchange.
func (c *Client) handshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	if err := c.awaitSuccess(conn, "connected"); err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	auth := authFrame{Action: "auth", Key: c.cfg.Key, Secret: c.cfg.Secret}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := c.awaitSuccess(conn, "authenticated"); err != nil {
		return err
	}
	return nil
}

// awaitSuccess reads control frames until it sees the wanted success
// message. Auth errors map to ErrUnauthorized.
func (c *Client) awaitSuccess(conn *websocket.Conn, want string) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await %q: %w", want, err)
		}
		envs, ctrls, _, _ := parseFrame(data)
		// Data frames can already be interleaved after auth on some feeds.
		for _, e := range envs {
			c.enqueue(e)
		}
		for _, ctl := range ctrls {
			switch ctl.T {
			case "success":
				if ctl.Msg == want {
					return nil
				}
			case "error":
				if ctl.Code == 401 || ctl.Code == 402 {
					return fmt.Errorf("%w: %s (code %d)", ErrUnauthorized, ctl.Msg, ctl.Code)
				}
				return fmt.Errorf("await %q: upstream error %d: %s", want, ctl.Code, ctl.Msg)
			}
		}
	}
}

// readLoop consumes frames until error or ctx cancellation.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	// Unblock ReadMessage promptly on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		envs, ctrls, unknown, malformed := parseFrame(data)
		for _, e := range envs {
			c.enqueue(e)
		}
		for _, ctl := range ctrls {
			if ctl.T == "error" {
				log.Printf("[feed] upstream error %d: %s", ctl.Code, ctl.Msg)
			}
		}
		if unknown > 0 && c.OnUnknownMessage != nil {
			for i := 0; i < unknown; i++ {
				c.OnUnknownMessage()
			}
		}
		if malformed > 0 {
			log.Printf("[feed] skipped %d malformed message(s)", malformed)
			if c.OnMalformedFrame != nil {
				for i := 0; i < malformed; i++ {
					c.OnMalformedFrame()
				}
			}
		}
	}
}

func (c *Client) enqueue(e tickqueue.Envelope) {
	c.queue.Push(e)
	if e.Kind == tickqueue.KindTrade && c.OnTick != nil {
		c.OnTick()
	}
}

// backoff sleeps with exponential backoff and full jitter. Returns false
// if ctx was cancelled during the wait.
func (c *Client) backoff(ctx context.Context, attempt int) bool {
	max := c.cfg.ReconnectMin << uint(attempt)
	if max > c.cfg.ReconnectMax || max <= 0 {
		max = c.cfg.ReconnectMax
	}
	wait := time.Duration(rand.Int63n(int64(max)) + 1)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}
