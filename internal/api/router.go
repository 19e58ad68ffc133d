// Package api is the inbound HTTP surface: watchlist management, live
// stream attachment, SSE fan-out, snapshots, and charting history.
package api

import (
	"context"
	"net/http"
	"time"

	"stockstreamv1/internal/auth"
	"stockstreamv1/internal/metrics"
	"stockstreamv1/internal/model"
	"stockstreamv1/internal/sse"
	"stockstreamv1/internal/store/marketdb"
	"stockstreamv1/internal/subs"
)

// TokenValidator verifies bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (auth.Claims, error)
}

// SubscriptionManager is the slice of the subs manager the API uses.
type SubscriptionManager interface {
	AddPermanent(ctx context.Context, userID, symbol string) (subs.SubscribeResult, error)
	RemovePermanent(ctx context.Context, userID, symbol string) (subs.SubscribeResult, error)
	ListPermanent(ctx context.Context, userID string) ([]string, error)
	AttachLive(ctx context.Context, symbol string) (*subs.Session, error)
	EnsureLive(ctx context.Context, userID, symbol string) error
	Snapshot() []subs.SymbolStatus
}

// SnapshotSource serves the current in-memory candle series.
type SnapshotSource interface {
	Snapshot(ctx context.Context, symbol string) ([]model.Bar, bool)
}

// HistoryStore is the slice of the market store the API reads.
type HistoryStore interface {
	ReadRange(ctx context.Context, symbol string, from, to time.Time) ([]model.Bar, error)
	CandleCount(ctx context.Context, symbol string) (int64, error)
	SymbolStats(ctx context.Context) ([]marketdb.SymbolStat, error)
}

// Server holds the handler dependencies.
type Server struct {
	manager   SubscriptionManager
	snapshots SnapshotSource
	hub       *sse.Hub
	newsHub   *sse.NewsHub
	history   HistoryStore
	auth      TokenValidator
	feedState func() string
	metrics   *metrics.Metrics
}

// Deps bundles the Server dependencies.
type Deps struct {
	Manager   SubscriptionManager
	Snapshots SnapshotSource
	Hub       *sse.Hub
	NewsHub   *sse.NewsHub
	History   HistoryStore
	Auth      TokenValidator
	FeedState func() string
	Metrics   *metrics.Metrics // optional
}

// NewServer creates the API server.
func NewServer(d Deps) *Server {
	return &Server{
		manager:   d.Manager,
		snapshots: d.Snapshots,
		hub:       d.Hub,
		newsHub:   d.NewsHub,
		history:   d.History,
		auth:      d.Auth,
		feedState: d.FeedState,
		metrics:   d.Metrics,
	}
}

// Routes builds the route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.count("/health", s.handleHealth))

	mux.HandleFunc("GET /api/subscribe/{symbol}", s.count("/api/subscribe", s.requireAuth(s.handleSubscribe)))
	mux.HandleFunc("DELETE /api/subscribe/{symbol}", s.count("/api/subscribe", s.requireAuth(s.handleUnsubscribe)))
	mux.HandleFunc("GET /api/subscriptions", s.count("/api/subscriptions", s.requireAuth(s.handleSubscriptions)))

	mux.HandleFunc("GET /ws_manager/status", s.count("/ws_manager/status", s.requireAuth(s.handleManagerStatus)))
	mux.HandleFunc("GET /ws_manager/{symbol}", s.count("/ws_manager", s.requireAuth(s.handleEnsureLive)))

	mux.HandleFunc("GET /stream/{symbol}", s.requireAuth(s.handleCandleStream))
	mux.HandleFunc("GET /news/stream", s.requireAuth(s.handleNewsStream))

	mux.HandleFunc("GET /api/snapshot/{symbol}", s.count("/api/snapshot", s.requireAuth(s.handleSnapshot)))
	mux.HandleFunc("GET /api/tradingview/history", s.count("/api/tradingview/history", s.requireAuth(s.handleTradingViewHistory)))

	mux.HandleFunc("GET /api/database/stats", s.count("/api/database/stats", s.requireAuth(s.handleDatabaseStats)))
	mux.HandleFunc("GET /api/database/candle_count/{symbol}", s.count("/api/database/candle_count", s.requireAuth(s.handleCandleCount)))

	return mux
}
