package model

import (
	"encoding/json"
	"time"
)

// CandleUpdate is the unit handed from the aggregator to the fan-out hub:
// either the full in-memory series (IsInitial) or the last affected
// buckets of one symbol.
type CandleUpdate struct {
	Symbol    string
	Bars      []Bar // ascending bucket order
	IsInitial bool
	At        time.Time
}

// CandleBody is the per-bucket payload inside a candle frame.
type CandleBody struct {
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     uint64  `json:"volume"`
	TradeCount uint64  `json:"trade_count,omitempty"`
	VWAP       float64 `json:"vwap,omitempty"`
}

// CandleMap returns the candles object of a frame, keyed by RFC-3339
// minute start.
func CandleMap(bars []Bar) map[string]CandleBody {
	candles := make(map[string]CandleBody, len(bars))
	for i := range bars {
		b := &bars[i]
		candles[b.BucketKey()] = CandleBody{
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		}
	}
	return candles
}

// Frame returns the JSON candle frame delivered over SSE
// (ignoring errors for hot-path usage).
func (u *CandleUpdate) Frame() []byte {
	out, _ := json.Marshal(struct {
		Symbol          string                `json:"symbol"`
		Candles         map[string]CandleBody `json:"candles"`
		IsInitial       bool                  `json:"is_initial"`
		UpdateTimestamp string                `json:"update_timestamp"`
	}{
		Symbol:          u.Symbol,
		Candles:         CandleMap(u.Bars),
		IsInitial:       u.IsInitial,
		UpdateTimestamp: u.At.UTC().Format(time.RFC3339Nano),
	})
	return out
}
