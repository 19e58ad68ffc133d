// Package core assembles the stream pipeline: feed → tick queue →
// aggregator → SSE hubs, with the subscription manager and stores wired
// in between. Everything is built once here; main owns only process
// concerns.
package core

import (
	"context"
	"log"
	"time"

	"stockstreamv1/config"
	"stockstreamv1/internal/agg"
	"stockstreamv1/internal/api"
	"stockstreamv1/internal/auth"
	"stockstreamv1/internal/backfill"
	"stockstreamv1/internal/feed"
	"stockstreamv1/internal/metrics"
	"stockstreamv1/internal/model"
	"stockstreamv1/internal/news"
	"stockstreamv1/internal/sse"
	"stockstreamv1/internal/store/marketdb"
	"stockstreamv1/internal/subs"
	"stockstreamv1/internal/tickqueue"
	"stockstreamv1/internal/userstore"
)

const (
	drainGrace     = 5 * time.Second
	newsBufSize    = 16
	probeInterval  = 15 * time.Second
	samplerPeriod  = 5 * time.Second
	shutdownBudget = 10 * time.Second
)

// Core owns the pipeline components and their worker lifecycles.
type Core struct {
	cfg *config.Config

	queue    *tickqueue.Queue
	feed     *feed.Client
	store    *marketdb.Store
	users    *userstore.Store
	agg      *agg.Aggregator
	hub      *sse.Hub
	newsHub  *sse.NewsHub
	manager  *subs.Manager
	newsPipe *news.Pipeline
	auth     *auth.Validator

	m      *metrics.Metrics
	health *metrics.HealthStatus

	cancel   context.CancelFunc
	feedDone chan struct{}
	aggDone  chan struct{}

	// Run failure of the feed (bad credentials) surfaces here.
	errc chan error
}

// feedControl adapts the feed client to the manager's upstream port.
// Candle interest maps to the provider's trades channel.
type feedControl struct {
	c *feed.Client
}

func (f feedControl) SubscribeTrades(symbol string) {
	if err := f.c.Subscribe(symbol, feed.ChannelTrades); err != nil {
		log.Printf("[core] subscribe %s failed: %v", symbol, err)
	}
}

func (f feedControl) UnsubscribeTrades(symbol string) {
	if err := f.c.Unsubscribe(symbol, feed.ChannelTrades); err != nil {
		log.Printf("[core] unsubscribe %s failed: %v", symbol, err)
	}
}

// instrumentedBackfill counts requests around the REST client.
type instrumentedBackfill struct {
	inner *backfill.Client
	m     *metrics.Metrics
}

func (b instrumentedBackfill) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error) {
	if b.m != nil {
		b.m.BackfillRequests.Inc()
	}
	return b.inner.FetchBars(ctx, symbol, start, end)
}

// newsFanout persists+broadcasts and counts.
type newsFanout struct {
	pipe *news.Pipeline
	m    *metrics.Metrics
}

func (n newsFanout) OnNews(item model.NewsItem) {
	if n.m != nil {
		n.m.NewsTotal.Inc()
	}
	n.pipe.OnNews(item)
}

// New builds the pipeline. Stores are opened here; nothing is running
// until Start.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, health *metrics.HealthStatus) (*Core, error) {
	store, err := marketdb.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	users, err := userstore.Connect(ctx, cfg.UserDBDSN)
	if err != nil {
		store.Close()
		return nil, err
	}

	queue := tickqueue.New(cfg.TickQueueCapacity)

	feedClient := feed.New(feed.Config{
		URL:          cfg.UpstreamWSURL,
		Key:          cfg.UpstreamWSKey,
		Secret:       cfg.UpstreamWSSecret,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	}, queue)

	bf := backfill.New(backfill.Config{
		BaseURL: cfg.UpstreamRESTURL,
		Key:     cfg.UpstreamWSKey,
		Secret:  cfg.UpstreamWSSecret,
		Limit:   cfg.BackfillLookbackMinutes,
	})

	newsHub := sse.NewNewsHub(newsBufSize)
	pipe := news.NewPipeline(store, newsHub)

	aggregator := agg.New(queue, store, instrumentedBackfill{bf, m}, nil, newsFanout{pipe, m}, cfg.BackfillLookback())

	hub := sse.NewHub(cfg.SSEQueueCapacity, snapshotAdapter{aggregator})
	var sink agg.UpdateSink = hub
	if m != nil {
		sink = timedSink{hub, m}
	}
	aggregator.SetSink(sink)

	manager := subs.New(aggregator, feedControl{feedClient}, users, cfg.MaxConcurrentSymbols)

	c := &Core{
		cfg:      cfg,
		queue:    queue,
		feed:     feedClient,
		store:    store,
		users:    users,
		agg:      aggregator,
		hub:      hub,
		newsHub:  newsHub,
		manager:  manager,
		newsPipe: pipe,
		auth:     auth.NewValidator(cfg.AuthJWKSURL, cfg.AuthHS256Secret),
		m:        m,
		health:   health,
		feedDone: make(chan struct{}),
		aggDone:  make(chan struct{}),
		errc:     make(chan error, 1),
	}
	c.wireInstrumentation()
	return c, nil
}

// timedSink measures how long one update takes to reach every queue.
type timedSink struct {
	hub *sse.Hub
	m   *metrics.Metrics
}

func (t timedSink) OnUpdate(symbol string, bars []model.Bar, isInitial bool) {
	start := time.Now()
	t.hub.OnUpdate(symbol, bars, isInitial)
	t.m.UpdateFanoutDur.Observe(time.Since(start).Seconds())
}

// snapshotAdapter narrows the aggregator for the hub.
type snapshotAdapter struct {
	a *agg.Aggregator
}

func (s snapshotAdapter) Snapshot(ctx context.Context, symbol string) ([]model.Bar, bool) {
	return s.a.Snapshot(ctx, symbol)
}

func (c *Core) wireInstrumentation() {
	if c.m == nil {
		return
	}
	m, health := c.m, c.health

	c.feed.OnReconnect = func() {
		m.FeedReconnects.Inc()
		if health != nil {
			health.SetFeedConnected(false)
		}
	}
	c.feed.OnTick = func() {
		m.TicksTotal.Inc()
		if health != nil {
			health.SetLastTickTime(time.Now())
			health.SetFeedConnected(true)
		}
	}
	c.feed.OnMalformedFrame = func() { m.MalformedFrames.Inc() }
	c.feed.OnUnknownMessage = func() { m.UnknownMessages.Inc() }

	c.agg.OnLateTick = func() { m.LateTicks.Inc() }
	c.agg.OnFinalized = func() { m.CandlesFinalized.Inc() }
	c.agg.OnStoreError = func() { m.StoreErrors.Inc() }
	c.agg.OnBackfillError = func() { m.BackfillErrors.Inc() }

	c.hub.OnDrop = func() { m.SSEFrameDrops.Inc() }
	c.newsHub.OnDrop = func() { m.NewsFrameDrops.Inc() }
	c.newsPipe.OnStoreError = func() { m.StoreErrors.Inc() }
}

// Start launches the feed and aggregator workers. The news firehose is
// subscribed once; trade subscriptions follow interest.
func (c *Core) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.feed.Subscribe("*", feed.ChannelNews); err != nil {
		log.Printf("[core] news subscribe failed: %v", err)
	}

	go func() {
		defer close(c.feedDone)
		if err := c.feed.Run(runCtx); err != nil {
			c.errc <- err
		}
	}()

	go func() {
		defer close(c.aggDone)
		c.agg.Run(runCtx)
	}()

	if c.m != nil {
		go c.sampleLoop(runCtx)
	}
	if c.health != nil {
		c.health.StartLivenessChecker(runCtx, c.store.DB(), c.users, probeInterval)
	}
}

// sampleLoop exports queue depth and drop counts.
func (c *Core) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(samplerPeriod)
	defer ticker.Stop()

	var lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.m.TickQueueDepth.Set(float64(c.queue.Len()))
			if d := c.queue.Dropped(); d > lastDropped {
				c.m.TicksDropped.Add(float64(d - lastDropped))
				lastDropped = d
			}
			c.m.ActiveSymbols.Set(float64(len(c.manager.Snapshot())))
		}
	}
}

// Errors surfaces fatal worker failures (upstream auth rejection).
func (c *Core) Errors() <-chan error { return c.errc }

// Rehydrate restores the permanent subscription set. Must run before
// the HTTP surface opens.
func (c *Core) Rehydrate(ctx context.Context) error {
	return c.manager.RehydrateOnStart(ctx)
}

// APIServer builds the HTTP surface over the core.
func (c *Core) APIServer() *api.Server {
	return api.NewServer(api.Deps{
		Manager:   c.manager,
		Snapshots: snapshotAdapter{c.agg},
		Hub:       c.hub,
		NewsHub:   c.newsHub,
		History:   c.store,
		Auth:      c.auth,
		FeedState: func() string { return c.feed.State().String() },
		Metrics:   c.m,
	})
}

// Shutdown stops the workers in dependency order: close the upstream,
// drain the ticks it left queued (bounded by the drain grace), flush
// open buckets, then close the stores.
func (c *Core) Shutdown() {
	log.Printf("[core] shutting down")
	if c.cancel == nil {
		c.closeStores()
		return
	}

	c.cancel()
	<-c.feedDone
	<-c.aggDone

	// The workers share the process context, so the aggregator may have
	// stopped with ticks still queued. Fold them here before flushing.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainGrace)
	if n := c.agg.Drain(drainCtx); n > 0 {
		log.Printf("[core] drained %d queued tick(s)", n)
	}
	cancelDrain()
	if n := c.queue.Len(); n > 0 {
		log.Printf("[core] drain grace expired with %d tick(s) queued", n)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if err := c.agg.Flush(flushCtx); err != nil {
		log.Printf("[core] flush failed: %v", err)
	}
	c.closeStores()
	log.Printf("[core] shutdown complete")
}

func (c *Core) closeStores() {
	if err := c.store.Close(); err != nil {
		log.Printf("[core] store close: %v", err)
	}
	c.users.Close()
}
