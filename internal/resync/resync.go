package resync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/barterline/parley/internal/model"
	"github.com/barterline/parley/internal/restapi"
)

// StateSource exposes the negotiation machine's gap status and accepts
// authoritative snapshots.
type StateSource interface {
	GapPending() (int, bool)
	Reconcile(ch model.NegotiationChannel)
}

// HistorySink receives fetched messages. Insertion is idempotent by
// permanent ID, so overlapping fetches are harmless.
type HistorySink interface {
	AppendHistory(channelID string, msg model.Message) bool
}

// Fetcher is the REST surface used to pull snapshots.
type Fetcher interface {
	GetNegotiation(ctx context.Context, channelID string) (*model.NegotiationChannel, error)
	GetAllMessages(ctx context.Context, channelID string, opts restapi.GetMessagesOptions) ([]model.Message, error)
}

// Config holds resync settings.
type Config struct {
	// CheckInterval is how often the gap watch wakes up.
	CheckInterval time.Duration

	// GapDeadline is how long a round gap may persist before a snapshot is
	// fetched. The stream usually heals itself; fetching too eagerly just
	// hammers the API.
	GapDeadline time.Duration

	// Timeout bounds a single snapshot fetch.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: time.Second,
		GapDeadline:   5 * time.Second,
		Timeout:       10 * time.Second,
	}
}

// Resyncer watches one channel's negotiation state for round gaps that the
// event stream fails to close and reconciles from a REST snapshot when they
// persist.
type Resyncer struct {
	cfg       Config
	channelID string
	source    StateSource
	history   HistorySink
	fetcher   Fetcher
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a resyncer for the given channel.
func New(cfg Config, channelID string, source StateSource, history HistorySink, fetcher Fetcher, logger *slog.Logger) *Resyncer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	if cfg.GapDeadline <= 0 {
		cfg.GapDeadline = DefaultConfig().GapDeadline
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	return &Resyncer{
		cfg:       cfg,
		channelID: channelID,
		source:    source,
		history:   history,
		fetcher:   fetcher,
		logger:    logger.With("component", "resync", "channel", channelID),
	}
}

// Start begins the gap watch loop.
func (r *Resyncer) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("gap watch started",
		"check_interval", r.cfg.CheckInterval,
		"gap_deadline", r.cfg.GapDeadline,
	)

	return nil
}

// Stop gracefully shuts down the watch loop.
func (r *Resyncer) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("gap watch stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resync fetches the authoritative snapshot immediately and reconciles local
// state against it. Also called directly on startup and after reconnects.
func (r *Resyncer) Resync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	neg, err := r.fetcher.GetNegotiation(ctx, r.channelID)
	if err != nil {
		return fmt.Errorf("fetch negotiation: %w", err)
	}

	msgs, err := r.fetcher.GetAllMessages(ctx, r.channelID, restapi.GetMessagesOptions{})
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}

	added := 0
	for _, msg := range msgs {
		if r.history.AppendHistory(r.channelID, msg) {
			added++
		}
	}

	r.source.Reconcile(*neg)

	r.logger.Info("reconciled from snapshot",
		"round", neg.Round,
		"status", neg.Status,
		"messages_added", added,
	)
	return nil
}

// run is the gap watch loop. A gap must persist across the full deadline
// before a fetch fires; a gap that heals in between resets the clock.
func (r *Resyncer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	var gapSince time.Time

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}

		round, pending := r.source.GapPending()
		if !pending {
			gapSince = time.Time{}
			continue
		}

		if gapSince.IsZero() {
			gapSince = time.Now()
			r.logger.Debug("round gap detected", "buffered_round", round)
			continue
		}

		if time.Since(gapSince) < r.cfg.GapDeadline {
			continue
		}

		if err := r.Resync(r.ctx); err != nil {
			r.logger.Warn("resync failed", "error", err)
			continue
		}
		gapSince = time.Time{}
	}
}
