package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/barterline/parley/internal/auth"
	"github.com/barterline/parley/internal/cache"
	"github.com/barterline/parley/internal/config"
	"github.com/barterline/parley/internal/connection"
	"github.com/barterline/parley/internal/delivery"
	"github.com/barterline/parley/internal/events"
	"github.com/barterline/parley/internal/model"
	"github.com/barterline/parley/internal/negotiation"
	"github.com/barterline/parley/internal/resync"
	"github.com/barterline/parley/internal/restapi"
	"github.com/barterline/parley/internal/room"
	"github.com/barterline/parley/internal/wire"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("client: session closed")

// Session is the top-level negotiation client. It owns the connection, the
// local cache, the active room, delivery tracking, and one negotiation state
// machine per joined channel. Construct with New, tear down with Close; there
// is no shared global instance.
type Session struct {
	cfg    config.ClientConfig
	logger *slog.Logger

	conn    connection.Manager
	store   cache.Store
	cache   *cache.Cache
	room    *room.Session
	tracker *delivery.Tracker
	rest    *restapi.Client

	messages *events.Topic[model.Message]
	reads    *events.Topic[wire.MessagesRead]
	fatal    *events.Topic[error]

	mu        sync.Mutex
	machines  map[string]*negotiation.Machine
	resyncers map[string]*resync.Resyncer
	started   bool
	closed    bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New assembles a session from configuration. It validates credentials and
// opens the cache store but does not touch the network; call Connect for
// that, so a client can start offline against cached history.
func New(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	creds, err := auth.LoadCredentials(cfg.Auth.Token, cfg.Auth.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	store, err := openStore(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}

	msgCache := cache.New(cache.Config{
		HistoryCap:    cfg.Cache.HistoryCap,
		FlushInterval: cfg.Cache.FlushInterval,
	}, store, logger)

	conn := connection.NewManager(connection.ManagerConfig{
		WSURL:                cfg.API.WSURL,
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval,
		HeartbeatTimeout:     cfg.Connection.HeartbeatTimeout,
		WriteTimeout:         cfg.Connection.WriteTimeout,
		AuthTimeout:          cfg.Connection.JoinTimeout,
		ReconnectBaseDelay:   cfg.Connection.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		RejoinSettleDelay:    cfg.Connection.RejoinSettleDelay,
		BufferSize:           cfg.Connection.BufferSize,
	}, creds, logger)

	roomSession := room.NewSession(room.Config{
		JoinTimeout: cfg.Connection.JoinTimeout,
	}, conn, logger)

	tracker := delivery.New(delivery.Config{
		MaxRetries:   cfg.Delivery.MaxRetries,
		RetryBackoff: cfg.Delivery.RetryBackoff,
		AckTimeout:   cfg.Delivery.AckTimeout,
	}, msgCache, conn.Send, roomSession.Ready, logger)

	rest := restapi.NewClient(cfg.API.RestURL, creds.Token,
		restapi.WithLogger(logger),
		restapi.WithTimeout(cfg.API.Timeout),
		restapi.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	s := &Session{
		cfg:       cfg,
		logger:    logger.With("component", "client"),
		conn:      conn,
		store:     store,
		cache:     msgCache,
		room:      roomSession,
		tracker:   tracker,
		rest:      rest,
		messages:  events.NewTopic[model.Message](64),
		reads:     events.NewTopic[wire.MessagesRead](16),
		fatal:     events.NewTopic[error](4),
		machines:  make(map[string]*negotiation.Machine),
		resyncers: make(map[string]*resync.Resyncer),
	}

	conn.SetReestablishHook(s.reestablish)
	return s, nil
}

// Connect establishes and authenticates the transport session and starts the
// background loops. Safe to call concurrently; callers share one attempt.
func (s *Session) Connect(ctx context.Context) (model.Identity, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.Identity{}, ErrClosed
	}
	if !s.started {
		s.started = true
		s.runCtx, s.runCancel = context.WithCancel(context.Background())

		s.wg.Add(2)
		go s.run()
		go func() {
			defer s.wg.Done()
			s.cache.Run(s.runCtx)
		}()
	}
	s.mu.Unlock()

	return s.conn.Connect(ctx)
}

// Close tears the session down: leaves the room, stops timers and loops,
// flushes the cache, and closes the store. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	resyncers := s.resyncers
	machines := s.machines
	s.resyncers = make(map[string]*resync.Resyncer)
	s.machines = make(map[string]*negotiation.Machine)
	started := s.started
	s.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for id, r := range resyncers {
		if err := r.Stop(stopCtx); err != nil {
			s.logger.Warn("resyncer stop timed out", "channel", id, "error", err)
		}
	}
	s.room.Close()
	s.tracker.Close()

	if err := s.conn.Disconnect(); err != nil && !errors.Is(err, connection.ErrAlreadyClosed) {
		s.logger.Warn("disconnect", "error", err)
	}

	if started {
		s.runCancel()
		s.wg.Wait()
	} else if err := s.cache.Flush(stopCtx); err != nil {
		s.logger.Warn("final flush failed", "error", err)
	}

	for _, m := range machines {
		m.Close()
	}
	s.messages.Close()
	s.reads.Close()
	s.fatal.Close()

	return s.store.Close()
}

// Messages is the stream of delivered messages across all channels.
func (s *Session) Messages() *events.Topic[model.Message] { return s.messages }

// Reads is the stream of read receipts from other participants.
func (s *Session) Reads() *events.Topic[wire.MessagesRead] { return s.reads }

// Fatal is the stream of unrecoverable errors: auth rejections and
// reconnect-cap exhaustion.
func (s *Session) Fatal() *events.Topic[error] { return s.fatal }

// Dropped is the stream of messages that exhausted their delivery retries.
func (s *Session) Dropped() *events.Topic[delivery.Drop] { return s.tracker.Dropped() }

// Delivered is the stream of delivery acknowledgments.
func (s *Session) Delivered() *events.Topic[delivery.Receipt] { return s.tracker.Delivered() }

// StateChanges is the stream of connection state transitions.
func (s *Session) StateChanges() *events.Topic[connection.StateChange] {
	return s.conn.StateChanges()
}

// Presence is the stream of room join/leave events.
func (s *Session) Presence() *events.Topic[room.Presence] { return s.room.Presence() }

// Typing is the stream of typing indicator changes.
func (s *Session) Typing() *events.Topic[model.TypingState] { return s.room.Typing() }

// State returns the connection state.
func (s *Session) State() connection.SessionState { return s.conn.State() }

// Quality returns the current connection quality bucket.
func (s *Session) Quality() connection.Quality { return s.conn.Quality() }

// QualityChanges is the stream of heartbeat quality transitions.
func (s *Session) QualityChanges() *events.Topic[connection.Quality] {
	return s.conn.QualityChanges()
}

// Identity returns the authenticated identity, zero until Connect succeeds.
func (s *Session) Identity() model.Identity { return s.conn.Identity() }

// reestablish restores room membership and queued messages after a
// reconnect, then reconciles negotiation state from a snapshot. Runs before
// the session is announced as Authenticated again.
func (s *Session) reestablish(ctx context.Context) error {
	if err := s.room.Rejoin(ctx); err != nil {
		return fmt.Errorf("rejoin room: %w", err)
	}

	channelID, joined := s.room.Active()
	if !joined {
		return nil
	}

	s.tracker.Replay(channelID)

	if r := s.resyncer(channelID); r != nil {
		if err := r.Resync(ctx); err != nil {
			s.logger.Warn("post-reconnect resync failed", "channel", channelID, "error", err)
		}
	}
	return nil
}

func (s *Session) machine(channelID string) *negotiation.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machines[channelID]
}

func (s *Session) resyncer(channelID string) *resync.Resyncer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncers[channelID]
}
