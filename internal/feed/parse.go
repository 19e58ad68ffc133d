package feed

import (
	"encoding/json"
	"time"

	"stockstreamv1/internal/model"
	"stockstreamv1/internal/tickqueue"
)

// Inbound frames are JSON arrays of objects discriminated by "T":
// "t" trade, "q" quote, "b" bar, "n" news, plus "success", "error" and
// "subscription" control messages.

type controlMsg struct {
	T    string `json:"T"`
	Msg  string `json:"msg"`
	Code int    `json:"code"`
}

type tradeMsg struct {
	Symbol     string    `json:"S"`
	Price      float64   `json:"p"`
	Size       uint64    `json:"s"`
	Time       time.Time `json:"t"`
	Conditions []string  `json:"c"`
	Exchange   string    `json:"x"`
	Tape       string    `json:"z"`
}

type quoteMsg struct {
	Symbol   string    `json:"S"`
	BidPrice float64   `json:"bp"`
	BidSize  uint64    `json:"bs"`
	AskPrice float64   `json:"ap"`
	AskSize  uint64    `json:"as"`
	Time     time.Time `json:"t"`
}

type barMsg struct {
	Symbol string    `json:"S"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume uint64    `json:"v"`
	Count  uint64    `json:"n"`
	VWAP   float64   `json:"vw"`
	Time   time.Time `json:"t"`
}

type newsMsg struct {
	ID        json.Number `json:"id"`
	Headline  string      `json:"headline"`
	Summary   string      `json:"summary"`
	Symbols   []string    `json:"symbols"`
	Source    string      `json:"source"`
	URL       string      `json:"url"`
	CreatedAt time.Time   `json:"created_at"`
}

// parseFrame decodes one inbound frame. Unknown "T" values are counted
// and dropped; elements that fail to decode are counted and skipped.
// Unknown fields inside known messages are ignored by encoding/json.
func parseFrame(data []byte) (envs []tickqueue.Envelope, ctrls []controlMsg, unknown, malformed int) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		// Some feeds send bare objects for control messages.
		var single json.RawMessage
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, nil, 0, 1
		}
		elems = []json.RawMessage{single}
	}

	for _, raw := range elems {
		var head struct {
			T string `json:"T"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			malformed++
			continue
		}

		switch head.T {
		case "t":
			var m tradeMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				malformed++
				continue
			}
			envs = append(envs, tickqueue.Envelope{Kind: tickqueue.KindTrade, Trade: model.Tick{
				Symbol:     m.Symbol,
				Price:      m.Price,
				Size:       m.Size,
				EventTime:  m.Time.UTC(),
				Conditions: m.Conditions,
				Exchange:   m.Exchange,
				Tape:       m.Tape,
			}})

		case "q":
			var m quoteMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				malformed++
				continue
			}
			envs = append(envs, tickqueue.Envelope{Kind: tickqueue.KindQuote, Quote: model.Quote{
				Symbol:    m.Symbol,
				BidPrice:  m.BidPrice,
				BidSize:   m.BidSize,
				AskPrice:  m.AskPrice,
				AskSize:   m.AskSize,
				EventTime: m.Time.UTC(),
			}})

		case "b":
			var m barMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				malformed++
				continue
			}
			envs = append(envs, tickqueue.Envelope{Kind: tickqueue.KindBar, Bar: model.Bar{
				Symbol:      m.Symbol,
				BucketStart: model.FloorMinute(m.Time),
				Open:        m.Open,
				High:        m.High,
				Low:         m.Low,
				Close:       m.Close,
				Volume:      m.Volume,
				TradeCount:  m.Count,
				VWAP:        m.VWAP,
			}})

		case "n":
			var m newsMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				malformed++
				continue
			}
			envs = append(envs, tickqueue.Envelope{Kind: tickqueue.KindNews, News: model.NewsItem{
				ID:          m.ID.String(),
				Headline:    m.Headline,
				Summary:     m.Summary,
				Symbols:     m.Symbols,
				Source:      m.Source,
				URL:         m.URL,
				PublishedAt: m.CreatedAt.UTC(),
			}})

		case "success", "error", "subscription":
			var m controlMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				malformed++
				continue
			}
			ctrls = append(ctrls, m)

		default:
			unknown++
		}
	}
	return envs, ctrls, unknown, malformed
}
