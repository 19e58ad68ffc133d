// Package subs is the source of truth for who is listening to what.
// It reference-counts permanent (watchlist) and live (stream session)
// interest per symbol and drives the upstream subscription so that the
// feed is subscribed to a symbol exactly when somebody wants it.
package subs

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
)

// ErrTooManySymbols is returned when interest in a new symbol would
// exceed the configured cap.
var ErrTooManySymbols = errors.New("subs: too many concurrent symbols")

// HandlerFactory creates (or waits for) the candle pipeline of a symbol.
type HandlerFactory interface {
	EnsureHandler(ctx context.Context, symbol string) error
}

// UpstreamControl drives the upstream trade subscription set.
type UpstreamControl interface {
	SubscribeTrades(symbol string)
	UnsubscribeTrades(symbol string)
}

// Entry is one active watchlist row.
type Entry struct {
	UserID string
	Symbol string
}

// WatchlistStore persists per-user permanent subscriptions.
type WatchlistStore interface {
	// Upsert activates (user, symbol); newlyActive is false when the row
	// was already active.
	Upsert(ctx context.Context, userID, symbol string) (newlyActive bool, err error)
	// Deactivate soft-deletes the row; wasActive is false when there was
	// nothing to remove.
	Deactivate(ctx context.Context, userID, symbol string) (wasActive bool, err error)
	ListActive(ctx context.Context, userID string) ([]string, error)
	ListAllActive(ctx context.Context) ([]Entry, error)
}

// symbolState serializes all interest mutations for one symbol. The
// watchlist write happens inside the lock, before any upstream effect,
// so a crash between the two is recovered by rehydrate.
type symbolState struct {
	mu        sync.Mutex
	permanent map[string]struct{} // user IDs with an active watchlist row
	live      int
	liveUsers map[string]*Session // idempotent attach path, keyed by user
	upstream  bool
}

func (st *symbolState) total() int { return len(st.permanent) + st.live }

// Manager owns the per-symbol interest counters.
type Manager struct {
	mu         sync.Mutex
	symbols    map[string]*symbolState
	maxSymbols int

	handlers HandlerFactory
	upstream UpstreamControl
	store    WatchlistStore
}

// New creates a manager. maxSymbols caps the number of distinct symbols
// with interest; 0 means no cap.
func New(handlers HandlerFactory, upstream UpstreamControl, store WatchlistStore, maxSymbols int) *Manager {
	return &Manager{
		symbols:    make(map[string]*symbolState),
		maxSymbols: maxSymbols,
		handlers:   handlers,
		upstream:   upstream,
		store:      store,
	}
}

// state returns the per-symbol state, creating it when create is set.
// Creation enforces the symbol cap.
func (m *Manager) state(symbol string, create bool) (*symbolState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.symbols[symbol]; ok {
		return st, nil
	}
	if !create {
		return nil, nil
	}
	if m.maxSymbols > 0 && len(m.symbols) >= m.maxSymbols {
		return nil, ErrTooManySymbols
	}
	st := &symbolState{
		permanent: make(map[string]struct{}),
		liveUsers: make(map[string]*Session),
	}
	m.symbols[symbol] = st
	return st, nil
}

// activateLocked brings a symbol live: builder first (so the initial
// snapshot exists before ticks arrive), then the upstream subscribe.
// Caller holds st.mu.
func (m *Manager) activateLocked(ctx context.Context, symbol string, st *symbolState) error {
	if err := m.handlers.EnsureHandler(ctx, symbol); err != nil {
		return err
	}
	m.upstream.SubscribeTrades(symbol)
	st.upstream = true
	return nil
}

func (m *Manager) deactivateLocked(symbol string, st *symbolState) {
	m.upstream.UnsubscribeTrades(symbol)
	st.upstream = false
}

// SubscribeResult reports the outcome of a permanent watchlist change.
type SubscribeResult struct {
	Already         bool
	SubscriberCount int
}

// AddPermanent upserts the caller's watchlist row and, on the 0→1
// interest transition, brings the symbol live.
func (m *Manager) AddPermanent(ctx context.Context, userID, symbol string) (SubscribeResult, error) {
	st, err := m.state(symbol, true)
	if err != nil {
		return SubscribeResult{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	newlyActive, err := m.store.Upsert(ctx, userID, symbol)
	if err != nil {
		return SubscribeResult{}, err
	}

	if _, present := st.permanent[userID]; !present {
		wasZero := st.total() == 0
		st.permanent[userID] = struct{}{}
		if wasZero {
			if err := m.activateLocked(ctx, symbol, st); err != nil {
				delete(st.permanent, userID)
				return SubscribeResult{}, err
			}
		}
	}
	return SubscribeResult{Already: !newlyActive, SubscriberCount: len(st.permanent)}, nil
}

// RemovePermanent soft-deletes the caller's watchlist row. The upstream
// subscription is dropped only when no permanent or live interest
// remains; the builder is retained either way.
func (m *Manager) RemovePermanent(ctx context.Context, userID, symbol string) (SubscribeResult, error) {
	st, _ := m.state(symbol, false)
	if st == nil {
		// No in-memory interest; still clear any stale row.
		if _, err := m.store.Deactivate(ctx, userID, symbol); err != nil {
			return SubscribeResult{}, err
		}
		return SubscribeResult{Already: true, SubscriberCount: 0}, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	wasActive, err := m.store.Deactivate(ctx, userID, symbol)
	if err != nil {
		return SubscribeResult{}, err
	}

	if _, present := st.permanent[userID]; present {
		delete(st.permanent, userID)
		if st.total() == 0 && st.upstream {
			m.deactivateLocked(symbol, st)
		}
	}
	return SubscribeResult{Already: !wasActive, SubscriberCount: len(st.permanent)}, nil
}

// ListPermanent returns the caller's active watchlist symbols.
func (m *Manager) ListPermanent(ctx context.Context, userID string) ([]string, error) {
	return m.store.ListActive(ctx, userID)
}

// Session is one live (non-persisted) interest reference. Detach is
// idempotent and must be called when the stream ends.
type Session struct {
	m      *Manager
	symbol string
	once   sync.Once
}

// Symbol returns the session's symbol.
func (s *Session) Symbol() string { return s.symbol }

// Detach releases the live reference.
func (s *Session) Detach() {
	s.once.Do(func() {
		if s.m != nil {
			s.m.detachLive(s.symbol)
		}
	})
}

// AttachLive adds one live reference for symbol, bringing it live on
// the 0→1 transition. Each call returns a distinct session.
func (m *Manager) AttachLive(ctx context.Context, symbol string) (*Session, error) {
	st, err := m.state(symbol, true)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	wasZero := st.total() == 0
	st.live++
	if wasZero {
		if err := m.activateLocked(ctx, symbol, st); err != nil {
			st.live--
			return nil, err
		}
	}
	return &Session{m: m, symbol: symbol}, nil
}

func (m *Manager) detachLive(symbol string) {
	st, _ := m.state(symbol, false)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.live == 0 {
		return
	}
	st.live--
	if st.total() == 0 && st.upstream {
		m.deactivateLocked(symbol, st)
	}
}

// EnsureLive holds at most one live reference per (user, symbol). Used
// by the manager endpoint; the reference persists until the process
// exits or ReleaseLive is called.
func (m *Manager) EnsureLive(ctx context.Context, userID, symbol string) error {
	st, err := m.state(symbol, true)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.liveUsers[userID]; ok {
		return nil
	}
	wasZero := st.total() == 0
	st.live++
	if wasZero {
		if err := m.activateLocked(ctx, symbol, st); err != nil {
			st.live--
			return err
		}
	}
	st.liveUsers[userID] = &Session{m: m, symbol: symbol}
	return nil
}

// ReleaseLive drops the per-user live reference taken by EnsureLive.
func (m *Manager) ReleaseLive(userID, symbol string) {
	st, _ := m.state(symbol, false)
	if st == nil {
		return
	}
	st.mu.Lock()
	s, ok := st.liveUsers[userID]
	if ok {
		delete(st.liveUsers, userID)
	}
	st.mu.Unlock()
	if ok {
		s.Detach()
	}
}

// RehydrateOnStart loads all active watchlist rows, rebuilds the
// counters, ensures every handler (issuing backfills sequentially), and
// subscribes the whole set upstream. Called once before the HTTP
// surface opens.
func (m *Manager) RehydrateOnStart(ctx context.Context) error {
	entries, err := m.store.ListAllActive(ctx)
	if err != nil {
		return err
	}

	bySymbol := make(map[string][]string)
	for _, e := range entries {
		bySymbol[e.Symbol] = append(bySymbol[e.Symbol], e.UserID)
	}

	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		st, err := m.state(symbol, true)
		if err != nil {
			log.Printf("[subs] rehydrate skipping %s: %v", symbol, err)
			continue
		}
		st.mu.Lock()
		for _, user := range bySymbol[symbol] {
			st.permanent[user] = struct{}{}
		}
		if err := m.activateLocked(ctx, symbol, st); err != nil {
			st.mu.Unlock()
			return err
		}
		st.mu.Unlock()
	}

	log.Printf("[subs] rehydrated %d symbol(s) from %d watchlist row(s)", len(symbols), len(entries))
	return nil
}

// SymbolStatus is one row of the manager snapshot.
type SymbolStatus struct {
	Symbol             string `json:"symbol"`
	PermanentCount     int    `json:"permanent_count"`
	LiveCount          int    `json:"live_count"`
	UpstreamSubscribed bool   `json:"upstream_subscribed"`
}

// Snapshot returns per-symbol counters, ordered by symbol.
func (m *Manager) Snapshot() []SymbolStatus {
	m.mu.Lock()
	names := make([]string, 0, len(m.symbols))
	states := make(map[string]*symbolState, len(m.symbols))
	for s, st := range m.symbols {
		names = append(names, s)
		states[s] = st
	}
	m.mu.Unlock()
	sort.Strings(names)

	out := make([]SymbolStatus, 0, len(names))
	for _, s := range names {
		st := states[s]
		st.mu.Lock()
		out = append(out, SymbolStatus{
			Symbol:             s,
			PermanentCount:     len(st.permanent),
			LiveCount:          st.live,
			UpstreamSubscribed: st.upstream,
		})
		st.mu.Unlock()
	}
	return out
}
