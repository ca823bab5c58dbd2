// Package redis provides a Redis-backed cache store, useful when several
// client processes for the same account share negotiation state.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/barterline/parley/internal/cache"
)

// keyPrefix namespaces channel records in a shared Redis instance.
const keyPrefix = "parley:chan:"

// Store persists channel records as JSON values in Redis.
type Store struct {
	client *redis.Client
}

// Open connects to Redis and verifies the connection.
func Open(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{client: client}, nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Load returns the record for a channel, or nil when none is stored.
func (s *Store) Load(ctx context.Context, channelID string) (*cache.ChannelRecord, error) {
	raw, err := s.client.Get(ctx, keyPrefix+channelID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel record: %w", err)
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
	if err := s.client.Set(ctx, keyPrefix+channelID, raw, 0).Err(); err != nil {
		return fmt.Errorf("set channel record: %w", err)
	}
	return nil
}

// Delete removes the record for a channel.
func (s *Store) Delete(ctx context.Context, channelID string) error {
	if err := s.client.Del(ctx, keyPrefix+channelID).Err(); err != nil {
		return fmt.Errorf("del channel record: %w", err)
	}
	return nil
}
