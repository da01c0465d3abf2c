// Package store persists object hierarchies and analysis jobs in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// Store provides persistent storage using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore opens (creating if needed) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{db: db, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hierarchies (
		slide_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		object_count INTEGER NOT NULL,
		saved_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS objects (
		slide_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		object_id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		classification TEXT NOT NULL DEFAULT '',
		geometry BLOB NOT NULL,
		measurements_json TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (slide_id, object_id),
		FOREIGN KEY (slide_id) REFERENCES hierarchies(slide_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_objects_slide_seq ON objects(slide_id, seq);

	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		slide_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		created_objects INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_slide ON jobs(slide_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}
