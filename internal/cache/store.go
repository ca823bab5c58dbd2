package cache

import (
	"context"

	"github.com/barterline/parley/internal/model"
)

// ChannelRecord is the persisted form of one channel's cache state.
type ChannelRecord struct {
	History []model.Message        `json:"history"`
	Pending []model.PendingMessage `json:"pending"`
}

// Store is the local-persistence collaborator, keyed by channel id.
// Implementations live in the memory, sqlite, redis, and postgres
// subpackages.
type Store interface {
	// Load returns the record for a channel, or nil when none is stored.
	Load(ctx context.Context, channelID string) (*ChannelRecord, error)

	// Save replaces the record for a channel.
	Save(ctx context.Context, channelID string, rec *ChannelRecord) error

	// Delete removes the record for a channel. Absent records are not an
	// error.
	Delete(ctx context.Context, channelID string) error

	// Close releases backend resources.
	Close() error
}
