package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS impressions (
	id TEXT PRIMARY KEY,
	level TEXT NOT NULL,
	headline TEXT NOT NULL,
	details TEXT,
	sources INTEGER NOT NULL DEFAULT 0,
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_impressions_level_at ON impressions(level, at);
`

// SQLiteStore keeps records in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create memory schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save inserts r, replacing any record with the same ID.
func (s *SQLiteStore) Save(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO impressions (id, level, headline, details, sources, at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.Level), r.Headline, r.Details, r.Sources, r.At.UnixNano())
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest records for level, oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, level bus.Topic, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, headline, details, sources, at FROM impressions WHERE level = ? ORDER BY at DESC LIMIT ?`,
		string(level), limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			id, lvl string
			details sql.NullString
			atNanos int64
		)
		if err := rows.Scan(&id, &lvl, &r.Headline, &details, &r.Sources, &atNanos); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.ID = types.ImpressionID(id)
		r.Level = bus.Topic(lvl)
		r.Details = details.String
		r.At = time.Unix(0, atNanos)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
