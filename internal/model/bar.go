package model

import "time"

// Bar represents one minute-aligned OHLCV candle for a single symbol.
// BucketStart is the inclusive start of the minute in UTC.
// Invariants: low <= open, close <= high; (symbol, bucket_start) is unique
// in the store.
type Bar struct {
	Symbol      string    `json:"symbol"`
	BucketStart time.Time `json:"bucket_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      uint64    `json:"volume"`
	TradeCount  uint64    `json:"trade_count,omitempty"`
	VWAP        float64   `json:"vwap,omitempty"`
}

// BucketKey returns the frame key for this bar's bucket: the RFC-3339
// UTC minute start, e.g. "2025-10-11T14:30:00Z".
func (b *Bar) BucketKey() string {
	return b.BucketStart.UTC().Format(time.RFC3339)
}

// FloorMinute truncates ts to its UTC minute start.
func FloorMinute(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Minute)
}
