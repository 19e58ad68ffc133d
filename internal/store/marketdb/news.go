package marketdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stockstreamv1/internal/model"
)

// InsertNews persists one news item. Idempotent on id: re-inserting an
// existing item is a no-op.
func (s *Store) InsertNews(ctx context.Context, n model.NewsItem) error {
	symbols, err := json.Marshal(n.Symbols)
	if err != nil {
		return fmt.Errorf("marketdb encode symbols: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO news (id, published_at, symbols, headline, summary, source, url, sentiment_score, sentiment_label)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.PublishedAt.Unix(), string(symbols), n.Headline, n.Summary, n.Source, n.URL, n.SentimentScore, nullIfEmpty(n.SentimentLabel))
	if err != nil {
		return fmt.Errorf("marketdb insert news: %w", err)
	}
	return nil
}

// UpdateNewsSentiment fills the sentiment fields for one item. Safe to
// re-apply with the same values.
func (s *Store) UpdateNewsSentiment(ctx context.Context, id string, score float64, label string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE news SET sentiment_score = ?, sentiment_label = ? WHERE id = ?
	`, score, label, id)
	if err != nil {
		return fmt.Errorf("marketdb update sentiment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("marketdb update sentiment: unknown news id %q", id)
	}
	return nil
}

// ReadNews returns the most recent items, newest first.
func (s *Store) ReadNews(ctx context.Context, limit int) ([]model.NewsItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, published_at, symbols, headline, summary, source, url, sentiment_score, sentiment_label
		FROM news
		ORDER BY published_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("marketdb query news: %w", err)
	}
	defer rows.Close()

	var items []model.NewsItem
	for rows.Next() {
		var n model.NewsItem
		var published int64
		var symbols string
		var label sql.NullString
		if err := rows.Scan(&n.ID, &published, &symbols, &n.Headline, &n.Summary, &n.Source, &n.URL, &n.SentimentScore, &label); err != nil {
			return nil, fmt.Errorf("marketdb scan news: %w", err)
		}
		n.PublishedAt = time.Unix(published, 0).UTC()
		n.SentimentLabel = label.String
		if err := json.Unmarshal([]byte(symbols), &n.Symbols); err != nil {
			n.Symbols = nil
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
