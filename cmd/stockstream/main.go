package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockstreamv1/config"
	"stockstreamv1/internal/core"
	"stockstreamv1/internal/logger"
	"stockstreamv1/internal/metrics"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[main] starting...")

	cfg := config.Load()
	logger.Init("stockstream", logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// ---- Metrics & health ----
	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Pipeline ----
	c, err := core.New(ctx, cfg, m, health)
	if err != nil {
		log.Fatalf("[main] core init failed: %v", err)
	}
	c.Start(ctx)

	// Restore the permanent subscription set before accepting traffic.
	if err := c.Rehydrate(ctx); err != nil {
		log.Fatalf("[main] rehydrate failed: %v", err)
	}

	// ---- HTTP surface ----
	httpSrv := &http.Server{
		Addr:        cfg.HTTPListenAddr,
		Handler:     c.APIServer().Routes(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: SSE connections are long-lived. Request
		// contexts descend from the signal context so stream handlers
		// unwind as soon as shutdown starts.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		log.Printf("[main] http listening on %s", cfg.HTTPListenAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[main] http server: %v", err)
		}
	}()

	// ---- Wait for signal or fatal worker error ----
	select {
	case <-ctx.Done():
		log.Println("[main] signal received, shutting down")
	case err := <-c.Errors():
		log.Printf("[main] fatal feed error: %v", err)
	}
	stop()

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop accepting streams first, then drain and flush the pipeline.
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Printf("[main] http shutdown: %v", err)
	}
	c.Shutdown()
	metricsSrv.Stop(shutCtx)
	log.Println("[main] bye")
}
