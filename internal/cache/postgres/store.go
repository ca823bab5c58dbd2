// Package postgres provides a Postgres-backed cache store for headless bot
// deployments that negotiate on behalf of sellers.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barterline/parley/internal/cache"
	"github.com/barterline/parley/internal/config"
	"github.com/barterline/parley/internal/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS channel_records (
  channel_id TEXT PRIMARY KEY,
  record     JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);`

// Store persists channel records in Postgres, one JSONB document per channel.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool and creates the schema.
func Open(ctx context.Context, cfg config.DBConfig) (*Store, error) {
	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Load returns the record for a channel, or nil when none is stored.
func (s *Store) Load(ctx context.Context, channelID string) (*cache.ChannelRecord, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM channel_records WHERE channel_id = $1`,
		channelID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query channel record: %w", err)
	}

	var rec cache.ChannelRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode channel record: %w", err)
	}
	return &rec, nil
}

// Save replaces the record for a channel.
func (s *Store) Save(ctx context.Context, channelID string, rec *cache.ChannelRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode channel record: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO channel_records (channel_id, record, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (channel_id) DO UPDATE SET
		   record = excluded.record,
		   updated_at = excluded.updated_at`,
		channelID,
		raw,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert channel record: %w", err)
	}
	return nil
}

// Delete removes the record for a channel.
func (s *Store) Delete(ctx context.Context, channelID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM channel_records WHERE channel_id = $1`,
		channelID,
	); err != nil {
		return fmt.Errorf("delete channel record: %w", err)
	}
	return nil
}
