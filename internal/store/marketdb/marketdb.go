// Package marketdb is the embedded candle and news store: a single
// SQLite file in WAL mode with a single writer connection and batched
// transactions for bulk upserts.
package marketdb

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides idempotent candle upserts, range reads, and news
// persistence over one SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("marketdb mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("marketdb open: %w", err)
	}

	// Single writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("marketdb schema: %w", err)
	}

	log.Printf("[marketdb] opened database at %s", path)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol       TEXT    NOT NULL,
			bucket_start INTEGER NOT NULL,
			open         REAL    NOT NULL,
			high         REAL    NOT NULL,
			low          REAL    NOT NULL,
			close        REAL    NOT NULL,
			volume       INTEGER NOT NULL,
			trade_count  INTEGER,
			vwap         REAL,
			PRIMARY KEY (symbol, bucket_start)
		);

		CREATE TABLE IF NOT EXISTS news (
			id              TEXT PRIMARY KEY,
			published_at    INTEGER NOT NULL,
			symbols         TEXT    NOT NULL,
			headline        TEXT    NOT NULL,
			summary         TEXT,
			source          TEXT,
			url             TEXT,
			sentiment_score REAL,
			sentiment_label TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_news_published_at ON news(published_at);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
