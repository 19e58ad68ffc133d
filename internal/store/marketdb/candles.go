package marketdb

import (
	"context"
	"fmt"
	"time"

	"stockstreamv1/internal/model"
)

const upsertCandleSQL = `
	INSERT OR REPLACE INTO candles (symbol, bucket_start, open, high, low, close, volume, trade_count, vwap)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// UpsertCandle writes one bar; last write wins on the body.
func (s *Store) UpsertCandle(ctx context.Context, b model.Bar) error {
	_, err := s.db.ExecContext(ctx, upsertCandleSQL,
		b.Symbol, b.BucketStart.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume, b.TradeCount, b.VWAP)
	if err != nil {
		return fmt.Errorf("marketdb upsert candle: %w", err)
	}
	return nil
}

// BulkUpsertCandles writes a slice of bars in a single transaction.
func (s *Store) BulkUpsertCandles(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("marketdb begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("marketdb prepare: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx,
			b.Symbol, b.BucketStart.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume, b.TradeCount, b.VWAP); err != nil {
			tx.Rollback()
			return fmt.Errorf("marketdb bulk upsert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("marketdb commit: %w", err)
	}
	return nil
}

// ReadRange returns minute bars for symbol with bucket_start in
// [from, to], ordered ascending.
func (s *Store) ReadRange(ctx context.Context, symbol string, from, to time.Time) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, bucket_start, open, high, low, close, volume, trade_count, vwap
		FROM candles
		WHERE symbol = ? AND bucket_start >= ? AND bucket_start <= ?
		ORDER BY bucket_start ASC
	`, symbol, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("marketdb query range: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var bucket int64
		var tradeCount *uint64
		var vwap *float64
		if err := rows.Scan(&b.Symbol, &bucket, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &tradeCount, &vwap); err != nil {
			return nil, fmt.Errorf("marketdb scan: %w", err)
		}
		b.BucketStart = time.Unix(bucket, 0).UTC()
		if tradeCount != nil {
			b.TradeCount = *tradeCount
		}
		if vwap != nil {
			b.VWAP = *vwap
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// CandleCount returns the number of stored bars for symbol.
func (s *Store) CandleCount(ctx context.Context, symbol string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles WHERE symbol = ?`, symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("marketdb candle count: %w", err)
	}
	return n, nil
}

// SymbolStat summarizes one symbol's stored candles.
type SymbolStat struct {
	Symbol      string    `json:"symbol"`
	Candles     int64     `json:"candles"`
	FirstBucket time.Time `json:"first_bucket"`
	LastBucket  time.Time `json:"last_bucket"`
}

// SymbolStats returns per-symbol candle counts and bucket bounds,
// ordered by symbol.
func (s *Store) SymbolStats(ctx context.Context) ([]SymbolStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, COUNT(*), MIN(bucket_start), MAX(bucket_start)
		FROM candles
		GROUP BY symbol
		ORDER BY symbol ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("marketdb symbol stats: %w", err)
	}
	defer rows.Close()

	var stats []SymbolStat
	for rows.Next() {
		var st SymbolStat
		var first, last int64
		if err := rows.Scan(&st.Symbol, &st.Candles, &first, &last); err != nil {
			return nil, fmt.Errorf("marketdb scan stats: %w", err)
		}
		st.FirstBucket = time.Unix(first, 0).UTC()
		st.LastBucket = time.Unix(last, 0).UTC()
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
