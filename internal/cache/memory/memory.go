// Package memory provides an in-process cache store, the default backend.
package memory

import (
	"context"
	"sync"

	"github.com/barterline/parley/internal/cache"
)

// Store keeps channel records in a map. Records are deep-copied on the way
// in and out so callers never share slices with the store.
type Store struct {
	mu      sync.RWMutex
	records map[string]*cache.ChannelRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]*cache.ChannelRecord)}
}

// Load returns the record for a channel, or nil when none is stored.
func (s *Store) Load(_ context.Context, channelID string) (*cache.ChannelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[channelID]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

// Save replaces the record for a channel.
func (s *Store) Save(_ context.Context, channelID string, rec *cache.ChannelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[channelID] = copyRecord(rec)
	return nil
}

// Delete removes the record for a channel.
func (s *Store) Delete(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, channelID)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func copyRecord(rec *cache.ChannelRecord) *cache.ChannelRecord {
	out := &cache.ChannelRecord{}
	out.History = append(out.History, rec.History...)
	out.Pending = append(out.Pending, rec.Pending...)
	return out
}
