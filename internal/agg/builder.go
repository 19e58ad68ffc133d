package agg

import (
	"sort"
	"time"

	"stockstreamv1/internal/model"
)

// maxFutureSkew guards against ticks carrying a timestamp ahead of wall
// clock (provider clock skew). Such ticks are rejected.
const maxFutureSkew = time.Minute

// Builder holds the in-memory minute candle series for one symbol.
// Only the current bucket is mutable; prior buckets are finalized on
// transition and thereafter immutable except via backfill merge, which
// never overwrites an existing bucket.
//
// Not goroutine-safe: the aggregator worker is its single owner.
type Builder struct {
	symbol string

	bars  map[int64]*model.Bar // keyed by bucket start (Unix seconds)
	order []int64              // sorted keys

	current int64 // Unix seconds of the current bucket; 0 = none

	// VWAP accumulation for the current bucket.
	notional float64
	vwVolume uint64

	lateTicks   uint64
	futureTicks uint64

	now func() time.Time // injectable for tests
}

// NewBuilder creates an empty builder for symbol.
func NewBuilder(symbol string) *Builder {
	return &Builder{
		symbol: symbol,
		bars:   make(map[int64]*model.Bar),
		now:    time.Now,
	}
}

// Symbol returns the builder's symbol.
func (b *Builder) Symbol() string { return b.symbol }

// ProcessTrade folds one trade into the series. When the trade opens a
// new bucket, the previously open bucket is finalized and returned so
// the caller can persist it. applied is false when the tick was rejected
// (late or future-skewed).
func (b *Builder) ProcessTrade(price float64, size uint64, ts time.Time) (finalized *model.Bar, applied bool) {
	if ts.After(b.now().Add(maxFutureSkew)) {
		b.futureTicks++
		return nil, false
	}

	bucket := model.FloorMinute(ts).Unix()

	if b.current != 0 && bucket < b.current {
		// Late tick: past buckets are immutable.
		b.lateTicks++
		return nil, false
	}

	if b.current == 0 || bucket > b.current {
		if b.current != 0 {
			finalized = b.finalizeCurrent()
		}
		b.openBucket(bucket, price, size)
		return finalized, true
	}

	// Same bucket: fold.
	bar := b.bars[bucket]
	if price > bar.High {
		bar.High = price
	}
	if price < bar.Low {
		bar.Low = price
	}
	bar.Close = price
	bar.Volume += size
	bar.TradeCount++
	if size > 0 {
		b.notional += price * float64(size)
		b.vwVolume += size
		bar.VWAP = b.notional / float64(b.vwVolume)
	}
	return nil, true
}

func (b *Builder) openBucket(bucket int64, price float64, size uint64) {
	bar := &model.Bar{
		Symbol:      b.symbol,
		BucketStart: time.Unix(bucket, 0).UTC(),
		Open:        price,
		High:        price,
		Low:         price,
		Close:       price,
		Volume:      size,
		TradeCount:  1,
	}
	b.notional = 0
	b.vwVolume = 0
	if size > 0 {
		b.notional = price * float64(size)
		b.vwVolume = size
		bar.VWAP = price
	}
	b.insert(bucket, bar)
	b.current = bucket
}

// finalizeCurrent snapshots the current bucket. The stored entry stays
// in the series; the copy is what the caller persists.
func (b *Builder) finalizeCurrent() *model.Bar {
	bar := b.bars[b.current]
	if bar == nil {
		return nil
	}
	cp := *bar
	return &cp
}

func (b *Builder) insert(bucket int64, bar *model.Bar) {
	if _, exists := b.bars[bucket]; !exists {
		i := sort.Search(len(b.order), func(i int) bool { return b.order[i] >= bucket })
		b.order = append(b.order, 0)
		copy(b.order[i+1:], b.order[i:])
		b.order[i] = bucket
	}
	b.bars[bucket] = bar
}

// LoadHistorical merges backfilled bars into the series. A bucket that
// already exists locally is left intact (local data wins over re-fetched
// history), and the current bucket is never overwritten.
func (b *Builder) LoadHistorical(bars []model.Bar) (inserted int) {
	for i := range bars {
		bucket := bars[i].BucketStart.Unix()
		if _, exists := b.bars[bucket]; exists {
			continue
		}
		if b.current != 0 && bucket == b.current {
			continue
		}
		cp := bars[i]
		cp.Symbol = b.symbol
		cp.BucketStart = cp.BucketStart.UTC()
		b.insert(bucket, &cp)
		inserted++
	}
	return inserted
}

// Snapshot returns copies of all bars in ascending bucket order.
func (b *Builder) Snapshot() []model.Bar {
	out := make([]model.Bar, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, *b.bars[k])
	}
	return out
}

// LastTwo returns copies of the current bucket and its immediate
// predecessor (fewer when the series is shorter).
func (b *Builder) LastTwo() []model.Bar {
	n := len(b.order)
	if n == 0 {
		return nil
	}
	start := n - 2
	if start < 0 {
		start = 0
	}
	out := make([]model.Bar, 0, 2)
	for _, k := range b.order[start:] {
		out = append(out, *b.bars[k])
	}
	return out
}

// CurrentBar returns a copy of the open bucket, if any. Used by the
// shutdown flush.
func (b *Builder) CurrentBar() (model.Bar, bool) {
	if b.current == 0 {
		return model.Bar{}, false
	}
	bar := b.bars[b.current]
	if bar == nil {
		return model.Bar{}, false
	}
	return *bar, true
}

// Len returns the number of buckets in the series.
func (b *Builder) Len() int { return len(b.order) }

// LateTicks returns the number of rejected out-of-order ticks.
func (b *Builder) LateTicks() uint64 { return b.lateTicks }
