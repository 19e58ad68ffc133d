// Package metrics holds the Prometheus instrumentation and the health
// probe surface for the stream core.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the stream core.
type Metrics struct {
	TicksTotal       prometheus.Counter
	TicksDropped     prometheus.Counter
	LateTicks        prometheus.Counter
	CandlesFinalized prometheus.Counter
	FeedReconnects   prometheus.Counter
	MalformedFrames  prometheus.Counter
	UnknownMessages  prometheus.Counter
	NewsTotal        prometheus.Counter

	BackfillRequests prometheus.Counter
	BackfillErrors   prometheus.Counter
	StoreErrors      prometheus.Counter

	SSEConnections  prometheus.Gauge
	SSEFramesSent   prometheus.Counter
	SSEFrameDrops   prometheus.Counter
	NewsFrameDrops  prometheus.Counter
	ActiveSymbols   prometheus.Gauge
	TickQueueDepth  prometheus.Gauge
	UpdateFanoutDur prometheus.Histogram

	HTTPRequests *prometheus.CounterVec // labels: route, code
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_ticks_total",
			Help: "Total trade ticks received from the upstream feed",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_ticks_dropped_total",
			Help: "Ticks dropped on tick-queue overflow",
		}),
		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_late_ticks_total",
			Help: "Ticks rejected for arriving behind the current bucket",
		}),
		CandlesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_candles_finalized_total",
			Help: "Minute candles finalized by bucket transitions",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_feed_reconnects_total",
			Help: "Upstream WebSocket reconnection attempts",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_malformed_frames_total",
			Help: "Upstream frames that failed to decode",
		}),
		UnknownMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_unknown_messages_total",
			Help: "Upstream messages with an unrecognized type tag",
		}),
		NewsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_news_total",
			Help: "News items received from the upstream feed",
		}),

		BackfillRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_backfill_requests_total",
			Help: "Historical bar backfill requests issued",
		}),
		BackfillErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_backfill_errors_total",
			Help: "Backfill requests that failed after retries",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_store_errors_total",
			Help: "Candle/news store writes that failed after retry",
		}),

		SSEConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_sse_connections",
			Help: "Currently attached SSE connections",
		}),
		SSEFramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_sse_frames_sent_total",
			Help: "SSE frames written to clients",
		}),
		SSEFrameDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_sse_frame_drops_total",
			Help: "Candle frames dropped by per-connection backpressure",
		}),
		NewsFrameDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_news_frame_drops_total",
			Help: "News frames dropped by per-subscriber backpressure",
		}),
		ActiveSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_active_symbols",
			Help: "Symbols with permanent or live interest",
		}),
		TickQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_tick_queue_depth",
			Help: "Current tick queue occupancy",
		}),
		UpdateFanoutDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamcore_update_fanout_duration_seconds",
			Help:    "Latency of one candle-update fan-out",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.TicksDropped,
		m.LateTicks,
		m.CandlesFinalized,
		m.FeedReconnects,
		m.MalformedFrames,
		m.UnknownMessages,
		m.NewsTotal,
		m.BackfillRequests,
		m.BackfillErrors,
		m.StoreErrors,
		m.SSEConnections,
		m.SSEFramesSent,
		m.SSEFrameDrops,
		m.NewsFrameDrops,
		m.ActiveSymbols,
		m.TickQueueDepth,
		m.UpdateFanoutDur,
		m.HTTPRequests,
	)

	return m
}

// Pinger is anything with a context-aware liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected bool      `json:"feed_connected"`
	LastTickTime  time.Time `json:"last_tick_time"`
	StoreOK       bool      `json:"store_ok"`
	UserDBOK      bool      `json:"user_db_ok"`

	StoreLatencyMs  float64   `json:"store_latency_ms"`
	UserDBLatencyMs float64   `json:"user_db_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// CheckStore pings the SQLite store and records latency + health.
func (h *HealthStatus) CheckStore(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckUserDB pings the watchlist database and records latency + health.
func (h *HealthStatus) CheckUserDB(ctx context.Context, db Pinger) {
	start := time.Now()
	err := db.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.UserDBOK = err == nil
	h.UserDBLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, store *sql.DB, userDB Pinger, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if store != nil {
					h.CheckStore(probeCtx, store)
				}
				if userDB != nil {
					h.CheckUserDB(probeCtx, userDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.FeedConnected || !h.StoreOK || !h.UserDBOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.StoreOK && !h.UserDBOK {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		StoreOK         bool    `json:"store_ok"`
		StoreLatencyMs  float64 `json:"store_latency_ms"`
		UserDBOK        bool    `json:"user_db_ok"`
		UserDBLatencyMs float64 `json:"user_db_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		StoreOK:         h.StoreOK,
		StoreLatencyMs:  h.StoreLatencyMs,
		UserDBOK:        h.UserDBOK,
		UserDBLatencyMs: h.UserDBLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
