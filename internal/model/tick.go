package model

import "time"

// Tick represents a single trade delivered by the upstream feed.
// Ticks are append-only; they are never mutated after parsing.
type Tick struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Size       uint64    `json:"size"`
	EventTime  time.Time `json:"event_time"` // UTC
	Conditions []string  `json:"conditions,omitempty"`
	Exchange   string    `json:"exchange,omitempty"`
	Tape       string    `json:"tape,omitempty"`
}

// Quote is the upstream quote message. Quotes are parsed and counted but
// do not feed the candle pipeline.
type Quote struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	BidSize   uint64    `json:"bid_size"`
	AskPrice  float64   `json:"ask_price"`
	AskSize   uint64    `json:"ask_size"`
	EventTime time.Time `json:"event_time"`
}
