package marketdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stockstreamv1/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "market.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func bar(symbol string, minute int, open float64) model.Bar {
	return model.Bar{
		Symbol:      symbol,
		BucketStart: time.Date(2025, 10, 11, 14, minute, 0, 0, time.UTC),
		Open:        open,
		High:        open + 1,
		Low:         open - 1,
		Close:       open + 0.5,
		Volume:      100,
		TradeCount:  10,
		VWAP:        open + 0.2,
	}
}

func TestUpsertCandle_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := bar("AAPL", 30, 150)
	if err := s.UpsertCandle(ctx, b); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertCandle(ctx, b); err != nil {
		t.Fatal(err)
	}

	n, err := s.CandleCount(ctx, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	// Last write wins on the body.
	b.Close = 160
	if err := s.UpsertCandle(ctx, b); err != nil {
		t.Fatal(err)
	}
	bars, err := s.ReadRange(ctx, "AAPL", b.BucketStart, b.BucketStart)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 1 || bars[0].Close != 160 {
		t.Errorf("bars = %+v", bars)
	}
}

func TestBulkUpsertAndReadRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bars := []model.Bar{bar("AAPL", 30, 150), bar("AAPL", 31, 151), bar("AAPL", 32, 152), bar("MSFT", 30, 300)}
	if err := s.BulkUpsertCandles(ctx, bars); err != nil {
		t.Fatal(err)
	}

	from := time.Date(2025, 10, 11, 14, 30, 0, 0, time.UTC)
	to := time.Date(2025, 10, 11, 14, 31, 0, 0, time.UTC)
	got, err := s.ReadRange(ctx, "AAPL", from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d bars, want 2", len(got))
	}
	if !got[0].BucketStart.Equal(from) || !got[1].BucketStart.Equal(to) {
		t.Errorf("buckets = %v, %v", got[0].BucketStart, got[1].BucketStart)
	}
	if got[0].TradeCount != 10 || got[0].VWAP != 150.2 {
		t.Errorf("optional fields lost: %+v", got[0])
	}

	// Empty bulk upsert is a no-op.
	if err := s.BulkUpsertCandles(ctx, nil); err != nil {
		t.Errorf("empty bulk upsert: %v", err)
	}
}

func TestSymbolStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.BulkUpsertCandles(ctx, []model.Bar{
		bar("AAPL", 30, 150), bar("AAPL", 35, 151), bar("MSFT", 32, 300),
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := s.SymbolStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[0].Symbol != "AAPL" || stats[0].Candles != 2 {
		t.Errorf("stats[0] = %+v", stats[0])
	}
	wantFirst := time.Date(2025, 10, 11, 14, 30, 0, 0, time.UTC)
	wantLast := time.Date(2025, 10, 11, 14, 35, 0, 0, time.UTC)
	if !stats[0].FirstBucket.Equal(wantFirst) || !stats[0].LastBucket.Equal(wantLast) {
		t.Errorf("bounds = %v..%v", stats[0].FirstBucket, stats[0].LastBucket)
	}
}

func TestInsertNews_IdempotentOnID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n := model.NewsItem{
		ID:          "n1",
		Headline:    "original headline",
		Summary:     "sum",
		Symbols:     []string{"AAPL"},
		Source:      "benzinga",
		URL:         "https://example.com",
		PublishedAt: time.Date(2025, 10, 11, 14, 30, 0, 0, time.UTC),
	}
	if err := s.InsertNews(ctx, n); err != nil {
		t.Fatal(err)
	}

	// Second insert with a different body must not clobber the first.
	dup := n
	dup.Headline = "changed"
	if err := s.InsertNews(ctx, dup); err != nil {
		t.Fatal(err)
	}

	items, err := s.ReadNews(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].Headline != "original headline" {
		t.Errorf("headline = %q", items[0].Headline)
	}
	if len(items[0].Symbols) != 1 || items[0].Symbols[0] != "AAPL" {
		t.Errorf("symbols = %v", items[0].Symbols)
	}
}

func TestUpdateNewsSentiment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n := model.NewsItem{ID: "n1", Headline: "h", PublishedAt: time.Now()}
	if err := s.InsertNews(ctx, n); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateNewsSentiment(ctx, "n1", 0.8, "positive"); err != nil {
		t.Fatal(err)
	}
	// Re-applying the same score is safe.
	if err := s.UpdateNewsSentiment(ctx, "n1", 0.8, "positive"); err != nil {
		t.Fatal(err)
	}

	items, err := s.ReadNews(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if items[0].SentimentScore == nil || *items[0].SentimentScore != 0.8 || items[0].SentimentLabel != "positive" {
		t.Errorf("sentiment = %+v", items[0])
	}

	if err := s.UpdateNewsSentiment(ctx, "missing", 0.5, "neutral"); err == nil {
		t.Error("expected error for unknown id")
	}
}
