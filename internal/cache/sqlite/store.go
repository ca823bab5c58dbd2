// Package sqlite provides a SQLite-backed cache store for local persistence
// across client restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/barterline/parley/internal/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS channel_records (
  channel_id TEXT PRIMARY KEY,
  record     TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);`

// Store persists channel records in SQLite, one JSON document per channel.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens a SQLite cache store and creates the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Load returns the record for a channel, or nil when none is stored.
func (s *Store) Load(ctx context.Context, channelID string) (*cache.ChannelRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT record FROM channel_records WHERE channel_id = ?`,
		channelID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query channel record: %w", err)
	}

	var rec cache.ChannelRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode channel record: %w", err)
	}
	return &rec, nil
}

// Save replaces the record for a channel.
func (s *Store) Save(ctx context.Context, channelID string, rec *cache.ChannelRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channelID == "" {
		return fmt.Errorf("channel id is required")
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode channel record: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO channel_records (channel_id, record, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   record = excluded.record,
		   updated_at = excluded.updated_at`,
		channelID,
		string(raw),
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert channel record: %w", err)
	}
	return nil
}

// Delete removes the record for a channel.
func (s *Store) Delete(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM channel_records WHERE channel_id = ?`,
		channelID,
	); err != nil {
		return fmt.Errorf("delete channel record: %w", err)
	}
	return nil
}
