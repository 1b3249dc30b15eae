package scan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const cursorSchema = `
CREATE TABLE IF NOT EXISTS scan_cursors (
	contract   TEXT NOT NULL,
	topic      TEXT NOT NULL,
	last_block INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (contract, topic)
);`

// CursorStore persists the last fully scanned block per (contract, topic)
// in a local sqlite file. Only the scanner touches it; the tracer core
// keeps no state across runs.
type CursorStore struct {
	db *sql.DB
}

func OpenCursorStore(path string) (*CursorStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cursor store: %w", err)
	}
	if _, err := db.Exec(cursorSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cursor schema: %w", err)
	}
	return &CursorStore{db: db}, nil
}

// Last returns the last committed block for the key, ok=false when the key
// has never been scanned.
func (s *CursorStore) Last(ctx context.Context, contract, topic string) (int64, bool, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_block FROM scan_cursors WHERE contract = ? AND topic = ?`,
		contract, topic,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query cursor: %w", err)
	}
	return last, true, nil
}

// Commit records block as fully scanned for the key.
func (s *CursorStore) Commit(ctx context.Context, contract, topic string, block int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_cursors (contract, topic, last_block, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (contract, topic) DO UPDATE SET
		   last_block = excluded.last_block,
		   updated_at = excluded.updated_at`,
		contract, topic, block, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

func (s *CursorStore) Close() error {
	return s.db.Close()
}
