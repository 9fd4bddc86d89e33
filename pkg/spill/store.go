// Package spill keeps records that could not be synced before shutdown, so the
// next start can put them back in the queue.
package spill

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Cue/greplin-exception-catcher/pkg/report"
)

// DefaultPath is where the daemon keeps its spill database
const DefaultPath = "/var/lib/gec/spill.db"

// Config configures the store
type Config struct {
	// Path to the SQLite database file
	Path string

	// MaxRecords caps how many records are kept; the oldest go first (0 = no cap)
	MaxRecords int
}

// Store persists records to SQLite
type Store struct {
	db         *sql.DB
	path       string
	maxRecords int
	mu         sync.Mutex
}

// Open opens or creates the spill database
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill database: %w", err)
	}

	s := &Store{
		db:         db,
		path:       cfg.Path,
		maxRecords: max(cfg.MaxRecords, 0),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate spill database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			occurred_at  INTEGER NOT NULL,
			title        TEXT NOT NULL,
			message      TEXT NOT NULL,
			metadata     TEXT,
			spilled_at   INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save appends records, oldest first. A record already stored under the
// same ID is left as it is.
func (s *Store) Save(ctx context.Context, records []report.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO records (id, occurred_at, title, message, metadata, spilled_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, r := range records {
		var meta any
		if len(r.Metadata) > 0 {
			raw, err := json.Marshal(r.Metadata)
			if err != nil {
				return fmt.Errorf("failed to serialize metadata for %s: %w", r.ID, err)
			}
			meta = string(raw)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.OccurredAt.UnixNano(), r.Title, r.Message, meta, now); err != nil {
			return fmt.Errorf("failed to store record %s: %w", r.ID, err)
		}
	}

	if s.maxRecords > 0 {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM records WHERE seq NOT IN (
				SELECT seq FROM records ORDER BY seq DESC LIMIT ?
			)
		`, s.maxRecords)
		if err != nil {
			return fmt.Errorf("failed to trim spill: %w", err)
		}
	}

	return tx.Commit()
}

// Load returns the stored records, oldest first, without removing them
func (s *Store) Load(ctx context.Context) ([]report.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, s.db)
}

// Drain returns the stored records, oldest first, and removes them
func (s *Store) Drain(ctx context.Context) ([]report.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	records, err := s.load(ctx, tx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM records"); err != nil {
		return nil, fmt.Errorf("failed to clear spill: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %w", err)
	}
	return records, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) load(ctx context.Context, q querier) ([]report.Record, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, occurred_at, title, message, metadata FROM records ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query spill: %w", err)
	}
	defer rows.Close()

	var records []report.Record
	for rows.Next() {
		var (
			r        report.Record
			occurred int64
			meta     sql.NullString
		)
		if err := rows.Scan(&r.ID, &occurred, &r.Title, &r.Message, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.OccurredAt = time.Unix(0, occurred)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata for %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns how many records are stored
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
