package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stockstreamv1/internal/auth"
	"stockstreamv1/internal/model"
	"stockstreamv1/internal/sse"
	"stockstreamv1/internal/store/marketdb"
	"stockstreamv1/internal/subs"
)

type authStub struct{}

func (authStub) Validate(ctx context.Context, token string) (auth.Claims, error) {
	if token == "good" {
		return auth.Claims{UserID: "u1", Email: "u1@example.com"}, nil
	}
	return auth.Claims{}, auth.ErrUnauthorized
}

type noopHandlers struct{}

func (noopHandlers) EnsureHandler(ctx context.Context, symbol string) error { return nil }

type noopUpstream struct{}

func (noopUpstream) SubscribeTrades(symbol string)   {}
func (noopUpstream) UnsubscribeTrades(symbol string) {}

type memWatchlist struct {
	rows map[string]map[string]bool
}

func (m *memWatchlist) Upsert(ctx context.Context, userID, symbol string) (bool, error) {
	if m.rows == nil {
		m.rows = make(map[string]map[string]bool)
	}
	if m.rows[userID] == nil {
		m.rows[userID] = make(map[string]bool)
	}
	was := m.rows[userID][symbol]
	m.rows[userID][symbol] = true
	return !was, nil
}

func (m *memWatchlist) Deactivate(ctx context.Context, userID, symbol string) (bool, error) {
	was := m.rows[userID][symbol]
	if was {
		m.rows[userID][symbol] = false
	}
	return was, nil
}

func (m *memWatchlist) ListActive(ctx context.Context, userID string) ([]string, error) {
	var out []string
	for s, on := range m.rows[userID] {
		if on {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memWatchlist) ListAllActive(ctx context.Context) ([]subs.Entry, error) {
	var out []subs.Entry
	for u, syms := range m.rows {
		for s, on := range syms {
			if on {
				out = append(out, subs.Entry{UserID: u, Symbol: s})
			}
		}
	}
	return out, nil
}

type snapStub struct {
	bars map[string][]model.Bar
}

func (s *snapStub) Snapshot(ctx context.Context, symbol string) ([]model.Bar, bool) {
	bars, ok := s.bars[symbol]
	return bars, ok
}

type historyStub struct {
	bars  []model.Bar
	count int64
	stats []marketdb.SymbolStat
	err   error
}

func (h *historyStub) ReadRange(ctx context.Context, symbol string, from, to time.Time) ([]model.Bar, error) {
	return h.bars, h.err
}

func (h *historyStub) CandleCount(ctx context.Context, symbol string) (int64, error) {
	return h.count, h.err
}

func (h *historyStub) SymbolStats(ctx context.Context) ([]marketdb.SymbolStat, error) {
	return h.stats, h.err
}

func testServer(t *testing.T, maxSymbols int) (*Server, *snapStub, *historyStub) {
	t.Helper()
	snaps := &snapStub{bars: map[string][]model.Bar{}}
	hist := &historyStub{}
	manager := subs.New(noopHandlers{}, noopUpstream{}, &memWatchlist{}, maxSymbols)
	srv := NewServer(Deps{
		Manager:   manager,
		Snapshots: snaps,
		Hub:       sse.NewHub(10, snaps),
		NewsHub:   sse.NewNewsHub(8),
		History:   hist,
		Auth:      authStub{},
		FeedState: func() string { return "CONNECTED" },
	})
	return srv, snaps, hist
}

func doReq(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, body
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	mux := srv.Routes()

	for _, path := range []string{
		"/api/subscribe/AAPL",
		"/api/subscriptions",
		"/ws_manager/AAPL",
		"/api/snapshot/AAPL",
		"/stream/AAPL",
	} {
		rec, body := doReq(t, mux, http.MethodGet, path)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: code = %d, want 401", path, rec.Code)
		}
		if body["error"] != "unauthorized" {
			t.Errorf("%s: body = %v", path, body)
		}
	}

	// Expired/garbage token is also a 401.
	rec, _ := doReq(t, mux, http.MethodGet, "/api/subscriptions?token=expired")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token code = %d", rec.Code)
	}

	// Health stays open.
	rec, body := doReq(t, mux, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health = %d %v", rec.Code, body)
	}
}

func TestSubscribeLifecycle(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	mux := srv.Routes()

	rec, body := doReq(t, mux, http.MethodGet, "/api/subscribe/aapl?token=good")
	if rec.Code != http.StatusOK || body["status"] != "subscribed" || body["symbol"] != "AAPL" {
		t.Errorf("subscribe = %d %v", rec.Code, body)
	}
	if body["subscriber_count"] != float64(1) {
		t.Errorf("subscriber_count = %v", body["subscriber_count"])
	}

	_, body = doReq(t, mux, http.MethodGet, "/api/subscribe/AAPL?token=good")
	if body["status"] != "already" {
		t.Errorf("second subscribe = %v", body)
	}

	_, body = doReq(t, mux, http.MethodGet, "/api/subscriptions?token=good")
	if body["count"] != float64(1) {
		t.Errorf("subscriptions = %v", body)
	}

	_, body = doReq(t, mux, http.MethodDelete, "/api/subscribe/AAPL?token=good")
	if body["status"] != "unsubscribed" || body["remaining_subscribers"] != float64(0) {
		t.Errorf("unsubscribe = %v", body)
	}

	_, body = doReq(t, mux, http.MethodDelete, "/api/subscribe/AAPL?token=good")
	if body["status"] != "not_subscribed" {
		t.Errorf("second unsubscribe = %v", body)
	}
}

func TestInvalidSymbol(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	mux := srv.Routes()

	rec, body := doReq(t, mux, http.MethodGet, "/api/subscribe/TOOLONGSYMBOL?token=good")
	if rec.Code != http.StatusBadRequest || body["error"] != "invalid_symbol" {
		t.Errorf("long symbol = %d %v", rec.Code, body)
	}

	rec, _ = doReq(t, mux, http.MethodGet, "/api/subscribe/AA%24L?token=good")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad char code = %d", rec.Code)
	}
}

func TestSymbolCapReturns429(t *testing.T) {
	srv, _, _ := testServer(t, 1)
	mux := srv.Routes()

	doReq(t, mux, http.MethodGet, "/api/subscribe/AAPL?token=good")
	rec, body := doReq(t, mux, http.MethodGet, "/api/subscribe/MSFT?token=good")
	if rec.Code != http.StatusTooManyRequests || body["error"] != "too_many_symbols" {
		t.Errorf("cap = %d %v", rec.Code, body)
	}
}

func TestEnsureLiveAndStatus(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	mux := srv.Routes()

	rec, body := doReq(t, mux, http.MethodGet, "/ws_manager/AAPL?token=good")
	if rec.Code != http.StatusOK || body["status"] != "subscribed" {
		t.Errorf("ensure live = %d %v", rec.Code, body)
	}
	// Idempotent per user.
	doReq(t, mux, http.MethodGet, "/ws_manager/AAPL?token=good")

	_, body = doReq(t, mux, http.MethodGet, "/ws_manager/status?token=good")
	if body["feed_state"] != "CONNECTED" || body["count"] != float64(1) {
		t.Errorf("status = %v", body)
	}
	symbols := body["symbols"].([]any)
	row := symbols[0].(map[string]any)
	if row["symbol"] != "AAPL" || row["live_count"] != float64(1) {
		t.Errorf("row = %v", row)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	srv, snaps, _ := testServer(t, 0)
	mux := srv.Routes()

	bucket := time.Date(2025, 10, 11, 14, 30, 0, 0, time.UTC)
	snaps.bars["AAPL"] = []model.Bar{{
		Symbol: "AAPL", BucketStart: bucket,
		Open: 150, High: 151, Low: 149, Close: 150.5, Volume: 100,
	}}

	rec, body := doReq(t, mux, http.MethodGet, "/api/snapshot/AAPL?token=good")
	if rec.Code != http.StatusOK || body["symbol"] != "AAPL" {
		t.Fatalf("snapshot = %d %v", rec.Code, body)
	}
	candles := body["candles"].(map[string]any)
	c, ok := candles["2025-10-11T14:30:00Z"].(map[string]any)
	if !ok || c["open"] != float64(150) || c["volume"] != float64(100) {
		t.Errorf("candles = %v", candles)
	}

	rec, _ = doReq(t, mux, http.MethodGet, "/api/snapshot/MSFT?token=good")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown symbol code = %d", rec.Code)
	}
}

func TestTradingViewHistory(t *testing.T) {
	srv, _, hist := testServer(t, 0)
	mux := srv.Routes()

	base := time.Date(2025, 10, 11, 14, 30, 0, 0, time.UTC)
	hist.bars = []model.Bar{
		{Symbol: "AAPL", BucketStart: base, Open: 150, High: 151, Low: 149, Close: 150.5, Volume: 100},
		{Symbol: "AAPL", BucketStart: base.Add(time.Minute), Open: 150.5, High: 152, Low: 150, Close: 151, Volume: 50},
	}

	path := "/api/tradingview/history?token=good&symbol=AAPL&from_ts=1760190600&to_ts=1760194200&resolution=5"
	rec, body := doReq(t, mux, http.MethodGet, path)
	if rec.Code != http.StatusOK || body["s"] != "ok" {
		t.Fatalf("history = %d %v", rec.Code, body)
	}
	// 5-minute resolution folds both minute bars into one bucket.
	if ts := body["t"].([]any); len(ts) != 1 {
		t.Errorf("t = %v", ts)
	}
	if hs := body["h"].([]any); hs[0] != float64(152) {
		t.Errorf("h = %v", hs)
	}

	hist.bars = nil
	_, body = doReq(t, mux, http.MethodGet, path)
	if body["s"] != "no_data" {
		t.Errorf("empty history = %v", body)
	}

	rec, body = doReq(t, mux, http.MethodGet,
		"/api/tradingview/history?token=good&symbol=AAPL&from_ts=0&to_ts=1&resolution=7")
	if rec.Code != http.StatusBadRequest || body["error"] != "invalid_resolution" {
		t.Errorf("bad resolution = %d %v", rec.Code, body)
	}

	rec, _ = doReq(t, mux, http.MethodGet,
		"/api/tradingview/history?token=good&symbol=AAPL&from_ts=nope&to_ts=1&resolution=5")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad from_ts code = %d", rec.Code)
	}
}

func TestDatabaseEndpoints(t *testing.T) {
	srv, _, hist := testServer(t, 0)
	mux := srv.Routes()

	hist.count = 42
	hist.stats = []marketdb.SymbolStat{{Symbol: "AAPL", Candles: 42}}

	_, body := doReq(t, mux, http.MethodGet, "/api/database/candle_count/AAPL?token=good")
	if body["candle_count"] != float64(42) {
		t.Errorf("candle_count = %v", body)
	}

	_, body = doReq(t, mux, http.MethodGet, "/api/database/stats?token=good")
	if body["count"] != float64(1) {
		t.Errorf("stats = %v", body)
	}

	hist.err = errors.New("db closed")
	rec, _ := doReq(t, mux, http.MethodGet, "/api/database/stats?token=good")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("stats error code = %d", rec.Code)
	}
}

func TestCandleStreamDeliversSeededSnapshot(t *testing.T) {
	srv, snaps, _ := testServer(t, 0)

	bucket := time.Date(2025, 10, 11, 14, 30, 0, 0, time.UTC)
	snaps.bars["AAPL"] = []model.Bar{{
		Symbol: "AAPL", BucketStart: bucket,
		Open: 150, High: 151, Low: 149, Close: 150.5, Volume: 100,
	}}

	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream/AAPL?token=good", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var payload string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			payload = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if payload == "" {
		t.Fatalf("no data frame received: %v", scanner.Err())
	}

	var frame map[string]any
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		t.Fatal(err)
	}
	if frame["symbol"] != "AAPL" || frame["is_initial"] != true {
		t.Errorf("frame = %v", frame)
	}
}

func TestCandleStreamUnwindsOnServerShutdown(t *testing.T) {
	srv, snaps, _ := testServer(t, 0)

	bucket := time.Date(2025, 10, 11, 14, 30, 0, 0, time.UTC)
	snaps.bars["AAPL"] = []model.Bar{{
		Symbol: "AAPL", BucketStart: bucket,
		Open: 150, High: 151, Low: 149, Close: 150.5, Volume: 100,
	}}

	// Request contexts descend from the base context, the way main wires
	// the process signal context into the HTTP server.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()
	ts := httptest.NewUnstartedServer(srv.Routes())
	ts.Config.BaseContext = func(net.Listener) context.Context { return baseCtx }
	ts.Start()
	defer ts.Close()

	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, ts.URL+"/stream/AAPL?token=good", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Wait for the initial frame so the sender loop is running.
	scanner := bufio.NewScanner(resp.Body)
	var seeded bool
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data: ") {
			seeded = true
			break
		}
	}
	if !seeded {
		t.Fatalf("no data frame received: %v", scanner.Err())
	}

	baseCancel()

	done := make(chan struct{})
	go func() {
		for scanner.Scan() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream stayed open after base context cancel")
	}
}

func TestNewsStreamDeliversPublishedFrames(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	newsHub := srv.newsHub

	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/news/stream?token=good", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Publish after the subscriber attaches.
	deadline := time.Now().Add(time.Second)
	for newsHub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	item := model.NewsItem{ID: "n1", Headline: "h", PublishedAt: time.Now().UTC()}
	newsHub.Publish(item.Frame())

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			var frame map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
				t.Fatal(err)
			}
			if frame["id"] != "n1" {
				t.Errorf("frame = %v", frame)
			}
			return
		}
	}
	t.Fatalf("no news frame received: %v", scanner.Err())
}
