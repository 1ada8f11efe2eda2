// Package sqlite provides a SQLite implementation of the statesync
// RecordStore: the journaling application's local, durable copy of its core
// records and their insights.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	stdSync "sync"
	"time"

	"github.com/lucidjournal/statesync"
	syncErrors "github.com/lucidjournal/statesync/errors"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration for the Store. DefaultConfig applies
// production-ready defaults including WAL mode and a sized connection pool.
type Config struct {
	// DataSourceName is the SQLite connection string,
	// e.g. "file:journal.db" or ":memory:".
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging for better concurrency. When
	// true, "_journal_mode=WAL" is appended to the DSN.
	EnableWAL bool

	// Connection pool settings.
	MaxOpenConns    int           // default 10
	MaxIdleConns    int           // default 2
	ConnMaxLifetime time.Duration // default 1h
	ConnMaxIdleTime time.Duration // default 5m
}

// DefaultConfig returns a Config with production defaults for the given DSN.
func DefaultConfig(dsn string) Config {
	return Config{
		DataSourceName: dsn,
		EnableWAL:      true,
	}
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS core_records (
	id         TEXT PRIMARY KEY,
	value      REAL NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS record_insights (
	record_id  TEXT NOT NULL,
	insight_id TEXT NOT NULL,
	relevance  REAL NOT NULL,
	PRIMARY KEY (record_id, insight_id),
	FOREIGN KEY (record_id) REFERENCES core_records(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_record_insights_record
	ON record_insights(record_id, relevance DESC);
`

// Store is a SQLite-backed RecordStore. Safe for concurrent use.
type Store struct {
	db *sql.DB

	mu     stdSync.RWMutex
	closed bool
}

var _ statesync.RecordStore = (*Store)(nil)

// New opens (or creates) the database and prepares the schema.
func New(cfg Config) (*Store, error) {
	cfg.setDefaults()

	dsn := cfg.DataSourceName
	if cfg.EnableWAL {
		sep := "?"
		for _, r := range dsn {
			if r == '?' {
				sep = "&"
				break
			}
		}
		dsn += sep + "_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get returns the record with the given id, or nil if absent.
func (s *Store) Get(ctx context.Context, id string) (*statesync.CoreRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpApply, err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, value, updated_at FROM core_records WHERE id = ?`, id)

	var rec statesync.CoreRecord
	var updatedAt int64
	if err := row.Scan(&rec.ID, &rec.Value, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, syncErrors.NewStorageError(syncErrors.OpApply, err)
	}
	rec.LastUpdatedAt = time.Unix(0, updatedAt).UTC()

	insights, err := s.loadInsights(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	rec.Insights = insights
	return &rec, nil
}

// List returns all records with their insights.
func (s *Store) List(ctx context.Context) ([]statesync.CoreRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpReconcile, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, value, updated_at FROM core_records ORDER BY id`)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpReconcile, err)
	}
	defer rows.Close()

	var records []statesync.CoreRecord
	for rows.Next() {
		var rec statesync.CoreRecord
		var updatedAt int64
		if err := rows.Scan(&rec.ID, &rec.Value, &updatedAt); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpReconcile, err)
		}
		rec.LastUpdatedAt = time.Unix(0, updatedAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpReconcile, err)
	}

	for i := range records {
		insights, err := s.loadInsights(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Insights = insights
	}
	return records, nil
}

// Put inserts or fully replaces a record, including its insight list.
func (s *Store) Put(ctx context.Context, rec statesync.CoreRecord) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpApply, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpApply, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO core_records (id, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		rec.ID, rec.Value, rec.LastUpdatedAt.UnixNano())
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpApply, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_insights WHERE record_id = ?`, rec.ID); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpApply, err)
	}
	for _, in := range rec.Insights {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_insights (record_id, insight_id, relevance) VALUES (?, ?, ?)`,
			rec.ID, in.ID, in.RelevanceScore); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpApply, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpApply, err)
	}
	return nil
}

func (s *Store) loadInsights(ctx context.Context, recordID string) ([]statesync.Insight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT insight_id, relevance FROM record_insights
		 WHERE record_id = ? ORDER BY relevance DESC, insight_id`, recordID)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpApply, err)
	}
	defer rows.Close()

	var insights []statesync.Insight
	for rows.Next() {
		var in statesync.Insight
		if err := rows.Scan(&in.ID, &in.RelevanceScore); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpApply, err)
		}
		insights = append(insights, in)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpApply, err)
	}
	return insights, nil
}

// Close releases the database. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
