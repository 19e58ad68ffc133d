// Package agg owns the per-symbol candle builders. A single worker
// drains the tick queue, folds trades into minute candles, persists
// finalized buckets, and emits incremental updates to the fan-out hub.
package agg

import (
	"context"
	"log"
	"sync"
	"time"

	"stockstreamv1/internal/model"
	"stockstreamv1/internal/tickqueue"
)

// UpdateSink receives candle updates for fan-out. Implementations must
// not block: the aggregator worker calls them inline.
type UpdateSink interface {
	OnUpdate(symbol string, bars []model.Bar, isInitial bool)
}

// NewsSink receives news envelopes drained from the tick queue.
type NewsSink interface {
	OnNews(item model.NewsItem)
}

// Backfiller fetches historical minute bars for a symbol.
type Backfiller interface {
	FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error)
}

// CandleStore persists bars.
type CandleStore interface {
	UpsertCandle(ctx context.Context, b model.Bar) error
	BulkUpsertCandles(ctx context.Context, bars []model.Bar) error
}

// Aggregator routes ticks to builders and owns their lifecycle. Builders
// are created on first interest and kept for the process lifetime.
type Aggregator struct {
	mu       sync.Mutex
	builders map[string]*builderEntry

	queue    *tickqueue.Queue
	store    CandleStore
	backfill Backfiller
	sink     UpdateSink
	news     NewsSink
	lookback time.Duration

	// Metrics hooks (optional, set before Run)
	OnLateTick      func()
	OnFinalized     func()
	OnStoreError    func()
	OnBackfillError func()
}

// builderEntry pairs a builder with a ready gate: the gate closes once
// EnsureHandler has finished backfill and the initial emission, so ticks
// and snapshot reads observe the seeded series.
type builderEntry struct {
	builder *Builder
	ready   chan struct{}
}

// New creates an aggregator draining queue.
func New(queue *tickqueue.Queue, store CandleStore, backfill Backfiller, sink UpdateSink, news NewsSink, lookback time.Duration) *Aggregator {
	return &Aggregator{
		builders: make(map[string]*builderEntry),
		queue:    queue,
		store:    store,
		backfill: backfill,
		sink:     sink,
		news:     news,
		lookback: lookback,
	}
}

// SetSink installs the update sink. Must be called before Run or the
// first EnsureHandler; it exists because the fan-out hub also needs the
// aggregator as its snapshot source.
func (a *Aggregator) SetSink(sink UpdateSink) { a.sink = sink }

// EnsureHandler makes symbol live: on first call it creates the builder,
// merges a historical backfill, persists it, and emits the is_initial
// snapshot. Idempotent under concurrent callers: exactly one backfill
// and one is_initial emission per builder lifetime; later callers block
// until the first completes.
func (a *Aggregator) EnsureHandler(ctx context.Context, symbol string) error {
	a.mu.Lock()
	if e, ok := a.builders[symbol]; ok {
		a.mu.Unlock()
		select {
		case <-e.ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e := &builderEntry{builder: NewBuilder(symbol), ready: make(chan struct{})}
	a.builders[symbol] = e
	a.mu.Unlock()

	defer close(e.ready)

	end := time.Now().UTC()
	start := end.Add(-a.lookback)
	bars, err := a.backfill.FetchBars(ctx, symbol, start, end)
	if err != nil {
		// Non-fatal: live data continues without history.
		log.Printf("[agg] backfill for %s failed: %v", symbol, err)
		if a.OnBackfillError != nil {
			a.OnBackfillError()
		}
	} else if len(bars) > 0 {
		e.builder.LoadHistorical(bars)
		// Durable before the initial snapshot goes out.
		if err := a.store.BulkUpsertCandles(ctx, bars); err != nil {
			log.Printf("[agg] bulk upsert for %s failed, retrying: %v", symbol, err)
			if err := a.store.BulkUpsertCandles(ctx, bars); err != nil {
				log.Printf("[agg] bulk upsert retry for %s failed: %v", symbol, err)
				if a.OnStoreError != nil {
					a.OnStoreError()
				}
			}
		}
	}

	a.sink.OnUpdate(symbol, e.builder.Snapshot(), true)
	return nil
}

// HasHandler reports whether a builder exists for symbol.
func (a *Aggregator) HasHandler(symbol string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.builders[symbol]
	return ok
}

// Snapshot returns the full in-memory series for symbol, waiting for a
// pending EnsureHandler to complete.
func (a *Aggregator) Snapshot(ctx context.Context, symbol string) ([]model.Bar, bool) {
	a.mu.Lock()
	e, ok := a.builders[symbol]
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return e.builder.Snapshot(), true
}

// Run drains the tick queue until ctx is cancelled. Trades are folded
// synchronously between the queue pull and the corresponding OnUpdate so
// per-symbol ordering holds.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		env, err := a.queue.Pop(ctx)
		if err != nil {
			return
		}
		a.dispatch(ctx, env)
	}
}

func (a *Aggregator) dispatch(ctx context.Context, env tickqueue.Envelope) {
	switch env.Kind {
	case tickqueue.KindTrade:
		a.handleTrade(ctx, env.Trade)
	case tickqueue.KindNews:
		if a.news != nil {
			a.news.OnNews(env.News)
		}
	default:
		// Quotes and upstream bars do not feed the candle pipeline.
	}
}

func (a *Aggregator) handleTrade(ctx context.Context, t model.Tick) {
	a.mu.Lock()
	e, ok := a.builders[t.Symbol]
	a.mu.Unlock()
	if !ok {
		// A tick for a symbol nobody ensured yet: make it live. This
		// blocks the worker on the backfill, which is acceptable because
		// it can only happen between an upstream subscribe and the
		// corresponding EnsureHandler, a window the manager keeps closed.
		if err := a.EnsureHandler(ctx, t.Symbol); err != nil {
			return
		}
		a.mu.Lock()
		e = a.builders[t.Symbol]
		a.mu.Unlock()
		if e == nil {
			return
		}
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return
	}

	a.mu.Lock()
	finalized, applied := e.builder.ProcessTrade(t.Price, t.Size, t.EventTime)
	var last []model.Bar
	if applied {
		last = e.builder.LastTwo()
	}
	a.mu.Unlock()

	if !applied {
		if a.OnLateTick != nil {
			a.OnLateTick()
		}
		return
	}

	if finalized != nil {
		a.persistBar(ctx, *finalized)
		if a.OnFinalized != nil {
			a.OnFinalized()
		}
	}

	a.sink.OnUpdate(t.Symbol, last, false)
}

// Drain folds whatever the feed left queued after Run has stopped,
// bounded by ctx. Returns the number of envelopes processed. Must not
// run concurrently with Run.
func (a *Aggregator) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		env, ok := a.queue.TryPop()
		if !ok {
			break
		}
		a.dispatch(ctx, env)
		n++
	}
	return n
}

// persistBar upserts one finalized bar with a single retry. On repeated
// failure the in-memory series stays authoritative and the delta is
// still emitted; the store catches up on a later upsert.
func (a *Aggregator) persistBar(ctx context.Context, b model.Bar) {
	if err := a.store.UpsertCandle(ctx, b); err != nil {
		log.Printf("[agg] upsert %s %s failed, retrying: %v", b.Symbol, b.BucketKey(), err)
		if err := a.store.UpsertCandle(ctx, b); err != nil {
			log.Printf("[agg] upsert retry %s %s failed: %v", b.Symbol, b.BucketKey(), err)
			if a.OnStoreError != nil {
				a.OnStoreError()
			}
		}
	}
}

// Flush persists the open bucket of every builder. Called once on
// shutdown after the drain grace period.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	var open []model.Bar
	for _, e := range a.builders {
		select {
		case <-e.ready:
		default:
			continue
		}
		if bar, ok := e.builder.CurrentBar(); ok {
			open = append(open, bar)
		}
	}
	a.mu.Unlock()

	if len(open) == 0 {
		return nil
	}
	if err := a.store.BulkUpsertCandles(ctx, open); err != nil {
		return err
	}
	log.Printf("[agg] flushed %d open bucket(s)", len(open))
	return nil
}
