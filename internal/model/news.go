package model

import (
	"encoding/json"
	"time"
)

// NewsItem is one article from the upstream news channel. Immutable after
// creation; the sentiment fields are filled at most once by the sentiment
// pipeline.
type NewsItem struct {
	ID             string    `json:"id"`
	Headline       string    `json:"headline"`
	Summary        string    `json:"summary"`
	Symbols        []string  `json:"symbols"`
	Source         string    `json:"source"`
	URL            string    `json:"url"`
	PublishedAt    time.Time `json:"published_at"`
	SentimentScore *float64  `json:"sentiment_score,omitempty"`
	SentimentLabel string    `json:"sentiment_label,omitempty"`
}

// Frame returns the JSON news frame delivered over SSE.
func (n *NewsItem) Frame() []byte {
	tickers := n.Symbols
	if tickers == nil {
		tickers = []string{}
	}
	out, _ := json.Marshal(struct {
		ID       string   `json:"id"`
		Time     string   `json:"time"`
		Headline string   `json:"headline"`
		Summary  string   `json:"summary"`
		Tickers  []string `json:"tickers"`
		Source   string   `json:"source"`
		URL      string   `json:"url"`
	}{
		ID:       n.ID,
		Time:     n.PublishedAt.UTC().Format(time.RFC3339),
		Headline: n.Headline,
		Summary:  n.Summary,
		Tickers:  tickers,
		Source:   n.Source,
		URL:      n.URL,
	})
	return out
}
