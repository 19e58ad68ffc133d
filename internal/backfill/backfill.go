// Package backfill fetches historical minute bars from the provider's
// REST API to seed a fresh candle builder before live ticks arrive.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"stockstreamv1/internal/model"
)

const (
	defaultLimit   = 1440
	maxAttempts    = 3
	retryBaseDelay = 500 * time.Millisecond
	requestTimeout = 15 * time.Second
)

// Config configures the backfill client.
type Config struct {
	BaseURL string // e.g. https://data.example.com
	Key     string
	Secret  string
	Limit   int // max bars per page (default 1440)
}

// Client is a REST client for the provider's bars endpoint.
type Client struct {
	cfg   Config
	httpc *http.Client
}

// New creates a backfill client.
func New(cfg Config) *Client {
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: requestTimeout},
	}
}

type barPayload struct {
	T  time.Time `json:"t"`
	O  float64   `json:"o"`
	H  float64   `json:"h"`
	L  float64   `json:"l"`
	C  float64   `json:"c"`
	V  uint64    `json:"v"`
	N  uint64    `json:"n"`
	VW float64   `json:"vw"`
}

type barsResponse struct {
	Bars          []barPayload `json:"bars"`
	Symbol        string       `json:"symbol"`
	NextPageToken *string      `json:"next_page_token"`
}

// FetchBars returns minute bars for symbol in [start, end], following
// pagination. Timestamps are floored to the minute; bars outside the
// window are dropped. 5xx and transport errors are retried up to three
// times per page with exponential backoff; 4xx fails the call.
func (c *Client) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error) {
	start = start.UTC()
	end = end.UTC()

	var out []model.Bar
	pageToken := ""
	for {
		resp, err := c.fetchPage(ctx, symbol, start, end, pageToken)
		if err != nil {
			return nil, err
		}
		for _, p := range resp.Bars {
			bucket := model.FloorMinute(p.T)
			if bucket.Before(model.FloorMinute(start)) || bucket.After(end) {
				continue
			}
			out = append(out, model.Bar{
				Symbol:      symbol,
				BucketStart: bucket,
				Open:        p.O,
				High:        p.H,
				Low:         p.L,
				Close:       p.C,
				Volume:      p.V,
				TradeCount:  p.N,
				VWAP:        p.VW,
			})
		}
		if resp.NextPageToken == nil || *resp.NextPageToken == "" {
			break
		}
		pageToken = *resp.NextPageToken
	}
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, symbol string, start, end time.Time, pageToken string) (*barsResponse, error) {
	q := url.Values{}
	q.Set("timeframe", "1Min")
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(c.cfg.Limit))
	q.Set("adjustment", "raw")
	q.Set("feed", "iex")
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	reqURL := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.cfg.BaseURL, url.PathEscape(symbol), q.Encode())

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << uint(attempt-1)
			log.Printf("[backfill] retrying %s in %v (attempt %d): %v", symbol, delay, attempt+1, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("backfill request: %w", err)
		}
		req.Header.Set("APCA-API-KEY-ID", c.cfg.Key)
		req.Header.Set("APCA-API-SECRET-KEY", c.cfg.Secret)

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var parsed barsResponse
			if err := json.Unmarshal(body, &parsed); err != nil {
				return nil, fmt.Errorf("backfill decode for %s: %w", symbol, err)
			}
			return &parsed, nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("upstream %d: %s", resp.StatusCode, truncate(body))
			continue
		default:
			// 4xx is not retryable; surfaces to the aggregator as a warning.
			return nil, fmt.Errorf("backfill %s: upstream %d: %s", symbol, resp.StatusCode, truncate(body))
		}
	}
	return nil, fmt.Errorf("backfill %s: %w", symbol, lastErr)
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
