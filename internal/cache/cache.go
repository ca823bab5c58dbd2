package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/barterline/parley/internal/model"
)

// Config holds cache settings.
type Config struct {
	// HistoryCap is the per-channel history size above which the oldest Read
	// messages are evicted. Pending and unread entries are never evicted.
	HistoryCap int

	// FlushInterval is the cadence of the background persister.
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HistoryCap:    500,
		FlushInterval: 5 * time.Second,
	}
}

// Cache is the in-process message cache. All mutation funnels through one
// mutex; persistence happens asynchronously via the Run loop or an explicit
// Flush.
type Cache struct {
	cfg    Config
	store  Store // nil disables persistence
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*channelCache
	dirty    map[string]struct{}
}

type channelCache struct {
	history  []model.Message
	byPermID map[string]int // permanent ID → history index
	pending  []model.PendingMessage
}

// New creates a message cache backed by the given store. A nil store keeps
// everything in memory only.
func New(cfg Config, store Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryCap < 1 {
		cfg.HistoryCap = DefaultConfig().HistoryCap
	}

	return &Cache{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		channels: make(map[string]*channelCache),
		dirty:    make(map[string]struct{}),
	}
}

// LoadChannel pulls a channel's persisted record into memory, replacing any
// in-memory state for that channel.
func (c *Cache) LoadChannel(ctx context.Context, channelID string) error {
	if c.store == nil {
		return nil
	}

	rec, err := c.store.Load(ctx, channelID)
	if err != nil {
		return fmt.Errorf("load channel %s: %w", channelID, err)
	}
	if rec == nil {
		return nil
	}

	cc := &channelCache{
		history:  rec.History,
		byPermID: make(map[string]int, len(rec.History)),
		pending:  rec.Pending,
	}
	for i, msg := range rec.History {
		if msg.PermanentID != "" {
			cc.byPermID[msg.PermanentID] = i
		}
	}

	c.mu.Lock()
	c.channels[channelID] = cc
	c.mu.Unlock()

	c.logger.Debug("channel cache loaded",
		"channel", channelID,
		"history", len(rec.History),
		"pending", len(rec.Pending),
	)
	return nil
}

// AppendHistory merges a delivered message into the channel history. Returns
// false when the permanent ID is already present; replay after reconnect
// relies on this being a no-op.
func (c *Cache) AppendHistory(channelID string, msg model.Message) bool {
	if msg.PermanentID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.channel(channelID)
	if _, exists := cc.byPermID[msg.PermanentID]; exists {
		return false
	}

	cc.history = append(cc.history, msg)
	cc.byPermID[msg.PermanentID] = len(cc.history) - 1
	c.dirty[channelID] = struct{}{}

	c.pruneLocked(channelID, cc)
	return true
}

// History returns a copy of the channel history in append order. Access
// triggers lazy retention pruning.
func (c *Cache) History(channelID string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.channel(channelID)
	c.pruneLocked(channelID, cc)

	out := make([]model.Message, len(cc.history))
	copy(out, cc.history)
	return out
}

// Message returns a history entry by permanent ID.
func (c *Cache) Message(channelID, permanentID string) (model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.channel(channelID)
	i, ok := cc.byPermID[permanentID]
	if !ok {
		return model.Message{}, false
	}
	return cc.history[i], true
}

// MarkRead transitions matching Delivered history entries to Read.
// Idempotent; unknown IDs are skipped. Returns the IDs actually transitioned.
func (c *Cache) MarkRead(channelID string, permanentIDs []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.channel(channelID)
	var changed []string
	for _, id := range permanentIDs {
		i, ok := cc.byPermID[id]
		if !ok {
			continue
		}
		if cc.history[i].State != model.DeliveryDelivered {
			continue
		}
		cc.history[i].State = model.DeliveryRead
		changed = append(changed, id)
	}

	if len(changed) > 0 {
		c.dirty[channelID] = struct{}{}
	}
	return changed
}

// Enqueue appends a pending message to the channel's FIFO queue.
func (c *Cache) Enqueue(channelID string, pm model.PendingMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.channel(channelID)
	cc.pending = append(cc.pending, pm)
	c.dirty[channelID] = struct{}{}
}

// Pending returns a copy of the channel's pending queue in enqueue order.
func (c *Cache) Pending(channelID string) []model.PendingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.channel(channelID)
	out := make([]model.PendingMessage, len(cc.pending))
	copy(out, cc.pending)
	return out
}

// RemovePending drops the pending entry with the given temp ID.
func (c *Cache) RemovePending(channelID, tempID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.channel(channelID)
	for i, pm := range cc.pending {
		if pm.TempID == tempID {
			cc.pending = append(cc.pending[:i], cc.pending[i+1:]...)
			c.dirty[channelID] = struct{}{}
			return true
		}
	}
	return false
}

// BumpRetry increments the retry count of a pending entry and returns the new
// count, or -1 when the entry is not queued.
func (c *Cache) BumpRetry(channelID, tempID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.channel(channelID)
	for i := range cc.pending {
		if cc.pending[i].TempID == tempID {
			cc.pending[i].RetryCount++
			c.dirty[channelID] = struct{}{}
			return cc.pending[i].RetryCount
		}
	}
	return -1
}

// Flush persists all dirty channels to the store.
func (c *Cache) Flush(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	c.mu.Lock()
	records := make(map[string]*ChannelRecord, len(c.dirty))
	for channelID := range c.dirty {
		cc := c.channels[channelID]
		rec := &ChannelRecord{
			History: make([]model.Message, len(cc.history)),
			Pending: make([]model.PendingMessage, len(cc.pending)),
		}
		copy(rec.History, cc.history)
		copy(rec.Pending, cc.pending)
		records[channelID] = rec
		delete(c.dirty, channelID)
	}
	c.mu.Unlock()

	for channelID, rec := range records {
		if err := c.store.Save(ctx, channelID, rec); err != nil {
			// Re-mark dirty so the next flush retries.
			c.mu.Lock()
			c.dirty[channelID] = struct{}{}
			c.mu.Unlock()
			return fmt.Errorf("save channel %s: %w", channelID, err)
		}
	}
	return nil
}

// Run flushes dirty channels on an interval until the context is cancelled,
// with one final flush on the way out.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Flush(flushCtx); err != nil {
				c.logger.Warn("final cache flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil {
				c.logger.Warn("cache flush failed", "error", err)
			}
		}
	}
}

// channel returns the live cache for a channel, creating it when absent.
// Caller holds c.mu.
func (c *Cache) channel(channelID string) *channelCache {
	cc, ok := c.channels[channelID]
	if !ok {
		cc = &channelCache{byPermID: make(map[string]int)}
		c.channels[channelID] = cc
	}
	return cc
}

// pruneLocked evicts the oldest Read messages while the history exceeds the
// cap. Unread and pending entries are never evicted, so the history may stay
// over cap when too few messages are Read. Caller holds c.mu.
func (c *Cache) pruneLocked(channelID string, cc *channelCache) {
	if len(cc.history) <= c.cfg.HistoryCap {
		return
	}

	excess := len(cc.history) - c.cfg.HistoryCap
	kept := make([]model.Message, 0, len(cc.history))
	evicted := 0
	for _, msg := range cc.history {
		if evicted < excess && msg.State == model.DeliveryRead {
			evicted++
			continue
		}
		kept = append(kept, msg)
	}

	if evicted == 0 {
		return
	}

	cc.history = kept
	cc.byPermID = make(map[string]int, len(kept))
	for i, msg := range kept {
		if msg.PermanentID != "" {
			cc.byPermID[msg.PermanentID] = i
		}
	}
	c.dirty[channelID] = struct{}{}

	c.logger.Debug("history pruned",
		"channel", channelID,
		"evicted", evicted,
		"kept", len(kept),
	)
}
