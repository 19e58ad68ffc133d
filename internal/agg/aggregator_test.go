package agg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stockstreamv1/internal/model"
	"stockstreamv1/internal/tickqueue"
)

type fakeBackfill struct {
	mu    sync.Mutex
	calls int
	bars  []model.Bar
	err   error
}

func (f *fakeBackfill) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.bars, f.err
}

func (f *fakeBackfill) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu        sync.Mutex
	upserts   []model.Bar
	bulks     int
	failFirst int // number of leading UpsertCandle calls to fail
}

func (f *fakeStore) UpsertCandle(ctx context.Context, b model.Bar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return errors.New("disk full")
	}
	f.upserts = append(f.upserts, b)
	return nil
}

func (f *fakeStore) BulkUpsertCandles(ctx context.Context, bars []model.Bar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulks++
	f.upserts = append(f.upserts, bars...)
	return nil
}

type sinkEvent struct {
	symbol    string
	bars      []model.Bar
	isInitial bool
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (f *fakeSink) OnUpdate(symbol string, bars []model.Bar, isInitial bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sinkEvent{symbol, bars, isInitial})
}

func (f *fakeSink) snapshot() []sinkEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sinkEvent, len(f.events))
	copy(out, f.events)
	return out
}

type fakeNews struct {
	mu    sync.Mutex
	items []model.NewsItem
}

func (f *fakeNews) OnNews(item model.NewsItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
}

func newTestAgg(bf *fakeBackfill, st *fakeStore, sink *fakeSink) *Aggregator {
	return New(tickqueue.New(64), st, bf, sink, &fakeNews{}, time.Hour)
}

func TestAggregator_TradeSequenceEmitsInitialThenDeltas(t *testing.T) {
	bf := &fakeBackfill{}
	st := &fakeStore{}
	sink := &fakeSink{}
	a := newTestAgg(bf, st, sink)
	ctx := context.Background()

	if err := a.EnsureHandler(ctx, "AAPL"); err != nil {
		t.Fatal(err)
	}

	trade := func(price float64, size uint64, when time.Time) {
		a.handleTrade(ctx, model.Tick{Symbol: "AAPL", Price: price, Size: size, EventTime: when})
	}
	trade(150.00, 10, ts(30, 15))
	trade(150.50, 5, ts(30, 45))
	trade(149.90, 8, ts(31, 2))

	events := sink.snapshot()
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	if !events[0].isInitial || len(events[0].bars) != 0 {
		t.Errorf("first event = %+v, want empty initial", events[0])
	}
	if events[1].isInitial || len(events[1].bars) != 1 || !events[1].bars[0].BucketStart.Equal(ts(30, 0)) {
		t.Errorf("second event = %+v", events[1])
	}
	if len(events[3].bars) != 2 {
		t.Fatalf("fourth event bars = %d, want 2", len(events[3].bars))
	}
	if !events[3].bars[0].BucketStart.Equal(ts(30, 0)) || !events[3].bars[1].BucketStart.Equal(ts(31, 0)) {
		t.Errorf("delta buckets = %v, %v", events[3].bars[0].BucketStart, events[3].bars[1].BucketStart)
	}
	if events[3].bars[0].Close != 150.50 || events[3].bars[0].Volume != 15 {
		t.Errorf("finalized 14:30 = %+v", events[3].bars[0])
	}

	// The 14:30 bucket was persisted when 14:31 opened.
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.upserts) != 1 || !st.upserts[0].BucketStart.Equal(ts(30, 0)) {
		t.Errorf("upserts = %+v", st.upserts)
	}
}

func TestAggregator_EnsureHandlerOnceUnderConcurrency(t *testing.T) {
	bf := &fakeBackfill{bars: []model.Bar{
		{Symbol: "AAPL", BucketStart: ts(28, 0), Open: 148, High: 149, Low: 147, Close: 148.5, Volume: 50},
	}}
	st := &fakeStore{}
	sink := &fakeSink{}
	a := newTestAgg(bf, st, sink)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.EnsureHandler(context.Background(), "AAPL"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := bf.callCount(); n != 1 {
		t.Errorf("backfill calls = %d, want 1", n)
	}
	var initials int
	for _, ev := range sink.snapshot() {
		if ev.isInitial {
			initials++
			if len(ev.bars) != 1 {
				t.Errorf("initial bars = %d, want 1", len(ev.bars))
			}
		}
	}
	if initials != 1 {
		t.Errorf("initial emissions = %d, want 1", initials)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.bulks != 1 {
		t.Errorf("bulk upserts = %d, want 1", st.bulks)
	}
}

func TestAggregator_BackfillFailureIsNonFatal(t *testing.T) {
	bf := &fakeBackfill{err: errors.New("rate limited")}
	st := &fakeStore{}
	sink := &fakeSink{}
	a := newTestAgg(bf, st, sink)

	var backfillErrs atomic.Int32
	a.OnBackfillError = func() { backfillErrs.Add(1) }

	if err := a.EnsureHandler(context.Background(), "AAPL"); err != nil {
		t.Fatalf("EnsureHandler should not fail on backfill error: %v", err)
	}
	events := sink.snapshot()
	if len(events) != 1 || !events[0].isInitial || len(events[0].bars) != 0 {
		t.Errorf("events = %+v", events)
	}
	if backfillErrs.Load() != 1 {
		t.Errorf("backfill error hook = %d", backfillErrs.Load())
	}
}

func TestAggregator_PersistRetriesOnce(t *testing.T) {
	bf := &fakeBackfill{}
	st := &fakeStore{failFirst: 1}
	sink := &fakeSink{}
	a := newTestAgg(bf, st, sink)
	ctx := context.Background()

	if err := a.EnsureHandler(ctx, "AAPL"); err != nil {
		t.Fatal(err)
	}
	a.handleTrade(ctx, model.Tick{Symbol: "AAPL", Price: 150, Size: 1, EventTime: ts(30, 10)})
	a.handleTrade(ctx, model.Tick{Symbol: "AAPL", Price: 151, Size: 1, EventTime: ts(31, 10)})

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.upserts) != 1 {
		t.Errorf("upserts = %d, want 1 (retry succeeded)", len(st.upserts))
	}
}

func TestAggregator_RunDispatchesQueue(t *testing.T) {
	bf := &fakeBackfill{}
	st := &fakeStore{}
	sink := &fakeSink{}
	news := &fakeNews{}
	q := tickqueue.New(64)
	a := New(q, st, bf, sink, news, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	q.Push(tickqueue.Envelope{Kind: tickqueue.KindTrade, Trade: model.Tick{
		Symbol: "AAPL", Price: 150, Size: 2, EventTime: time.Now().UTC(),
	}})
	q.Push(tickqueue.Envelope{Kind: tickqueue.KindNews, News: model.NewsItem{ID: "n1", Headline: "h"}})

	deadline := time.After(2 * time.Second)
	for {
		news.mu.Lock()
		gotNews := len(news.items)
		news.mu.Unlock()
		if gotNews == 1 && len(sink.snapshot()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatch")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A trade for an unseen symbol created its builder on the fly.
	if !a.HasHandler("AAPL") {
		t.Error("no handler for AAPL after live trade")
	}
	if n := bf.callCount(); n != 1 {
		t.Errorf("backfill calls = %d, want 1", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestAggregator_DrainFoldsQueuedTicksAfterStop(t *testing.T) {
	bf := &fakeBackfill{}
	st := &fakeStore{}
	sink := &fakeSink{}
	q := tickqueue.New(64)
	a := New(q, st, bf, sink, &fakeNews{}, time.Hour)
	ctx := context.Background()

	if err := a.EnsureHandler(ctx, "AAPL"); err != nil {
		t.Fatal(err)
	}

	// Ticks the feed enqueued between the stop signal and the worker
	// exiting. Nobody is running Run anymore.
	when := time.Now().UTC()
	q.Push(tickqueue.Envelope{Kind: tickqueue.KindTrade, Trade: model.Tick{
		Symbol: "AAPL", Price: 150, Size: 5, EventTime: when,
	}})
	q.Push(tickqueue.Envelope{Kind: tickqueue.KindTrade, Trade: model.Tick{
		Symbol: "AAPL", Price: 151, Size: 3, EventTime: when.Add(time.Second),
	}})

	if n := a.Drain(ctx); n != 2 {
		t.Fatalf("drained = %d, want 2", n)
	}
	if q.Len() != 0 {
		t.Errorf("queue len = %d after drain", q.Len())
	}

	bars, ok := a.Snapshot(ctx, "AAPL")
	if !ok || len(bars) != 1 {
		t.Fatalf("snapshot = %v, %v", bars, ok)
	}
	if bars[0].Close != 151 || bars[0].Volume != 8 {
		t.Errorf("drained bucket = %+v, want close 151 volume 8", bars[0])
	}

	// The open bucket reaches the store on the flush that follows.
	if err := a.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.upserts) != 1 || st.upserts[0].Volume != 8 {
		t.Errorf("flushed = %+v", st.upserts)
	}
}

func TestAggregator_DrainStopsOnContextDeadline(t *testing.T) {
	bf := &fakeBackfill{}
	st := &fakeStore{}
	sink := &fakeSink{}
	q := tickqueue.New(64)
	a := New(q, st, bf, sink, &fakeNews{}, time.Hour)

	q.Push(tickqueue.Envelope{Kind: tickqueue.KindTrade, Trade: model.Tick{
		Symbol: "AAPL", Price: 150, Size: 1, EventTime: time.Now().UTC(),
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if n := a.Drain(ctx); n != 0 {
		t.Errorf("drained = %d with cancelled ctx, want 0", n)
	}
	if q.Len() != 1 {
		t.Errorf("queue len = %d, want 1 (untouched)", q.Len())
	}
}

func TestAggregator_FlushPersistsOpenBuckets(t *testing.T) {
	bf := &fakeBackfill{}
	st := &fakeStore{}
	sink := &fakeSink{}
	a := newTestAgg(bf, st, sink)
	ctx := context.Background()

	a.EnsureHandler(ctx, "AAPL")
	a.EnsureHandler(ctx, "MSFT")
	a.handleTrade(ctx, model.Tick{Symbol: "AAPL", Price: 150, Size: 1, EventTime: ts(30, 10)})

	if err := a.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.upserts) != 1 || st.upserts[0].Symbol != "AAPL" {
		t.Errorf("flushed = %+v", st.upserts)
	}
}
