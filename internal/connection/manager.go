package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/barterline/parley/internal/auth"
	"github.com/barterline/parley/internal/events"
	"github.com/barterline/parley/internal/model"
	"github.com/barterline/parley/internal/wire"
)

// Manager owns the transport session lifecycle: connect, authenticate,
// heartbeat, reconnect. Exactly one transport exists at a time; concurrent
// Connect calls share a single in-flight attempt.
type Manager interface {
	// Connect establishes and authenticates the session. Concurrent callers
	// share one attempt and receive the same result.
	Connect(ctx context.Context) (model.Identity, error)

	// Disconnect tears the session down. Idempotent; cancels heartbeat and
	// reconnect timers and fails any in-flight Connect deterministically.
	Disconnect() error

	// Send encodes and writes one event. Requires an authenticated session.
	Send(eventType string, payload any) error

	// Frames returns decoded inbound frames. Heartbeat pongs and handshake
	// replies are consumed internally and never appear here.
	Frames() <-chan wire.Envelope

	// Fatal returns unrecoverable session errors: authentication rejections
	// and reconnect-cap exhaustion.
	Fatal() <-chan error

	// StateChanges returns the session state transition topic.
	StateChanges() *events.Topic[StateChange]

	// QualityChanges returns the heartbeat quality topic. A value is
	// published only when the classification bucket changes.
	QualityChanges() *events.Topic[Quality]

	// SetReestablishHook registers the callback invoked after a reconnect has
	// re-authenticated, before the session is announced as Authenticated.
	// Used to rejoin the active room and replay queued messages.
	SetReestablishHook(fn func(ctx context.Context) error)

	State() SessionState
	Quality() Quality
	Latency() time.Duration
	Identity() model.Identity
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	creds  *auth.Credentials
	logger *slog.Logger

	// newClient is a seam for tests; defaults to NewClient.
	newClient func(ClientConfig, *slog.Logger) Client

	sf singleflight.Group

	frames       chan wire.Envelope
	fatal        chan error
	stateTopic   *events.Topic[StateChange]
	qualityTopic *events.Topic[Quality]

	mu          sync.RWMutex
	state       SessionState
	lastQuality Quality
	client      Client
	identity    model.Identity
	sessionID   string
	gen         int // session generation, bumps on every new transport
	latency     time.Duration
	lastPingAt  time.Time
	lastPongAt  time.Time
	authWait    chan wire.Envelope
	reestablish func(ctx context.Context) error

	runCtx    context.Context
	runCancel context.CancelFunc
	lostOnce  *sync.Once // one transport-lost reaction per session
}

// NewManager creates a connection manager. It does not dial until Connect.
func NewManager(cfg ManagerConfig, creds *auth.Credentials, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &manager{
		cfg:          cfg,
		creds:        creds,
		logger:       logger,
		newClient:    NewClient,
		frames:       make(chan wire.Envelope, cfg.BufferSize),
		fatal:        make(chan error, 4),
		stateTopic:   events.NewTopic[StateChange](16),
		qualityTopic: events.NewTopic[Quality](16),
		state:        StateDisconnected,
		lastQuality:  QualityOffline,
	}
}

// Connect establishes and authenticates the session.
func (m *manager) Connect(ctx context.Context) (model.Identity, error) {
	v, err, _ := m.sf.Do("connect", func() (any, error) {
		return m.connect(ctx)
	})
	if err != nil {
		return model.Identity{}, err
	}
	return v.(model.Identity), nil
}

func (m *manager) connect(ctx context.Context) (model.Identity, error) {
	m.mu.Lock()
	if m.state == StateAuthenticated {
		id := m.identity
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	// Expired tokens fail before a dial is attempted.
	if err := m.creds.Check(time.Now()); err != nil {
		return model.Identity{}, &AuthError{Message: err.Error()}
	}

	m.mu.Lock()
	if m.runCancel != nil {
		m.runCancel()
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	runCtx := m.runCtx
	m.mu.Unlock()

	m.setState(StateConnecting, false)

	dialCtx, cancel := mergeCancel(ctx, runCtx)
	defer cancel()

	if err := m.establish(dialCtx); err != nil {
		m.setState(StateDisconnected, false)
		return model.Identity{}, err
	}

	m.setState(StateAuthenticated, false)

	m.mu.RLock()
	id := m.identity
	m.mu.RUnlock()

	m.logger.Info("session established",
		"session_id", m.sessionID,
		"identity", id.Username,
	)

	return id, nil
}

// establish dials a fresh transport and runs the auth handshake on it.
// Caller owns state transitions around it.
func (m *manager) establish(ctx context.Context) error {
	cl := m.newClient(ClientConfig{
		URL:          m.cfg.WSURL,
		WriteTimeout: m.cfg.WriteTimeout,
		BufferSize:   m.cfg.BufferSize,
	}, m.logger)

	if err := cl.Connect(ctx); err != nil {
		return err
	}

	authCh := make(chan wire.Envelope, 1)

	m.mu.Lock()
	if m.client != nil {
		m.client.Close()
	}
	m.client = cl
	m.gen++
	gen := m.gen
	m.authWait = authCh
	m.lostOnce = &sync.Once{}
	m.mu.Unlock()

	go m.pump(cl, gen)

	if err := m.authenticate(ctx, cl, authCh); err != nil {
		cl.Close()
		return err
	}

	m.mu.Lock()
	m.authWait = nil
	m.sessionID = uuid.NewString()
	m.lastPongAt = time.Now()
	m.latency = 0
	m.mu.Unlock()

	go m.heartbeatLoop(cl, gen)

	return nil
}

// authenticate sends the handshake event and waits for the reply.
func (m *manager) authenticate(ctx context.Context, cl Client, authCh <-chan wire.Envelope) error {
	data, err := wire.Encode(wire.EventAuthenticate, wire.AuthRequest{Token: m.creds.Token})
	if err != nil {
		return err
	}
	if err := cl.Send(data); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.AuthTimeout):
		return ErrTimeout
	case env := <-authCh:
		if env.Type == wire.EventAuthError {
			var failure wire.AuthFailure
			if err := wire.DecodePayload(env, &failure); err != nil {
				return &AuthError{Message: "authentication rejected"}
			}
			return &AuthError{Message: failure.Message}
		}

		var ok wire.Authenticated
		if err := wire.DecodePayload(env, &ok); err != nil {
			return err
		}

		m.mu.Lock()
		m.identity = ok.Identity
		m.mu.Unlock()
		return nil
	}
}

// Disconnect tears the session down.
func (m *manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if m.runCancel != nil {
		m.runCancel()
	}
	cl := m.client
	m.client = nil
	m.mu.Unlock()

	if cl != nil {
		cl.Close()
	}

	m.setState(StateDisconnected, false)
	m.logger.Info("session disconnected")
	return nil
}

// Send encodes and writes one event to the transport.
func (m *manager) Send(eventType string, payload any) error {
	m.mu.RLock()
	cl := m.client
	state := m.state
	m.mu.RUnlock()

	if state != StateAuthenticated || cl == nil {
		return ErrNotAuthenticated
	}

	data, err := wire.Encode(eventType, payload)
	if err != nil {
		return err
	}
	return cl.Send(data)
}

// Frames returns the decoded inbound frame channel.
func (m *manager) Frames() <-chan wire.Envelope {
	return m.frames
}

// Fatal returns the unrecoverable error channel.
func (m *manager) Fatal() <-chan error {
	return m.fatal
}

// StateChanges returns the state transition topic.
func (m *manager) StateChanges() *events.Topic[StateChange] {
	return m.stateTopic
}

// QualityChanges returns the heartbeat quality topic.
func (m *manager) QualityChanges() *events.Topic[Quality] {
	return m.qualityTopic
}

// SetReestablishHook registers the post-reconnect callback.
func (m *manager) SetReestablishHook(fn func(ctx context.Context) error) {
	m.mu.Lock()
	m.reestablish = fn
	m.mu.Unlock()
}

// State returns the current session state.
func (m *manager) State() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Quality classifies the session health from the latest heartbeat.
func (m *manager) Quality() Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateAuthenticated {
		return QualityOffline
	}
	if time.Since(m.lastPongAt) > m.cfg.HeartbeatTimeout {
		return QualityOffline
	}
	return ClassifyLatency(m.latency)
}

// Latency returns the last measured heartbeat round-trip time.
func (m *manager) Latency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latency
}

// Identity returns the authenticated identity, zero before the handshake.
func (m *manager) Identity() model.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

// pump reads frames from one transport and routes them: pongs and handshake
// replies are handled internally, everything else is forwarded.
func (m *manager) pump(cl Client, gen int) {
	for {
		select {
		case err, ok := <-cl.Errors():
			if !ok {
				return
			}
			m.transportLost(gen, err)
			return

		case msg, ok := <-cl.Messages():
			if !ok {
				return
			}

			env, err := wire.Decode(msg.Data)
			if err != nil {
				m.logger.Warn("undecodable frame", "error", err)
				continue
			}

			switch env.Type {
			case wire.EventPong:
				m.handlePong(env, msg.ReceivedAt)

			case wire.EventAuthenticated, wire.EventAuthError:
				m.mu.RLock()
				authCh := m.authWait
				m.mu.RUnlock()
				if authCh != nil {
					select {
					case authCh <- env:
					default:
					}
					continue
				}
				// No handshake in flight: an auth-error here means the
				// token was revoked mid-session. Forward it so the caller
				// sees the fatal condition.
				if env.Type == wire.EventAuthError {
					select {
					case m.frames <- env:
					default:
						m.logger.Warn("frame buffer full, dropping", "type", env.Type)
					}
				}

			default:
				select {
				case m.frames <- env:
				default:
					m.logger.Warn("frame buffer full, dropping", "type", env.Type)
				}
			}
		}
	}
}

// handlePong records latency from the echoed ping timestamp.
func (m *manager) handlePong(env wire.Envelope, receivedAt time.Time) {
	var pong wire.Pong
	if err := wire.DecodePayload(env, &pong); err != nil {
		m.logger.Warn("bad pong payload", "error", err)
		return
	}

	m.mu.Lock()
	m.lastPongAt = receivedAt
	m.latency = receivedAt.Sub(time.UnixMilli(pong.SentAt))
	if m.latency < 0 {
		m.latency = 0
	}
	latency := m.latency
	quality := ClassifyLatency(latency)
	changed := quality != m.lastQuality
	m.lastQuality = quality
	m.mu.Unlock()

	if changed {
		m.qualityTopic.Publish(quality)
	}

	m.logger.Debug("heartbeat",
		"latency", latency,
		"quality", quality,
	)
}

// heartbeatLoop sends a ping every interval and watches for silence.
func (m *manager) heartbeatLoop(cl Client, gen int) {
	m.mu.RLock()
	runCtx := m.runCtx
	m.mu.RUnlock()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			if m.superseded(gen) || m.stale(gen) {
				return
			}

			m.mu.Lock()
			m.lastPingAt = time.Now()
			sentAt := m.lastPingAt.UnixMilli()
			m.mu.Unlock()

			data, err := wire.Encode(wire.EventPing, wire.Ping{SentAt: sentAt})
			if err != nil {
				m.logger.Warn("encode ping", "error", err)
				continue
			}
			if err := cl.Send(data); err != nil {
				m.logger.Debug("ping send failed", "error", err)
			}
		}
	}
}

// superseded reports whether a newer transport generation has replaced gen,
// so loops bound to the old transport can wind down.
func (m *manager) superseded(gen int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return gen != m.gen
}

// stale checks pong silence and triggers a reconnect when exceeded.
func (m *manager) stale(gen int) bool {
	m.mu.RLock()
	silent := time.Since(m.lastPongAt) > m.cfg.HeartbeatTimeout
	m.mu.RUnlock()

	if !silent {
		return false
	}

	m.logger.Warn("no pong within timeout, session stale")
	m.transportLost(gen, ErrStaleConnection)
	return true
}

// transportLost reacts exactly once per session to a dropped transport.
func (m *manager) transportLost(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateDisconnected || m.state == StateOffline {
		// A newer session exists or teardown was intentional.
		m.mu.Unlock()
		return
	}
	once := m.lostOnce
	runCtx := m.runCtx
	m.mu.Unlock()

	once.Do(func() {
		m.logger.Warn("transport lost", "cause", cause)
		m.setState(StateReconnecting, false)
		go m.reconnectLoop(runCtx)
	})
}

// reconnectLoop retries with linearly increasing delay up to the attempt cap.
// Degradation is silent until the cap, then the session goes Offline and the
// caller gets an explicit fatal error.
func (m *manager) reconnectLoop(runCtx context.Context) {
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		wait := time.Duration(attempt) * m.cfg.ReconnectBaseDelay

		select {
		case <-runCtx.Done():
			return
		case <-time.After(wait):
		}

		m.logger.Info("attempting reconnection",
			"attempt", attempt,
			"max", m.cfg.MaxReconnectAttempts,
		)

		if err := m.establish(runCtx); err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				// Token no longer valid: bubble up, never retry.
				m.setState(StateDisconnected, false)
				m.pushFatal(authErr)
				return
			}
			m.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}

		// Give the server a moment to process the auth handshake before any
		// rejoin, then restore room and queued messages.
		select {
		case <-runCtx.Done():
			return
		case <-time.After(m.cfg.RejoinSettleDelay):
		}

		// Flip to Authenticated before running the hook so Send works from
		// inside it, but hold the notification until the rejoin and replay
		// are done.
		m.mu.Lock()
		m.state = StateAuthenticated
		hook := m.reestablish
		m.mu.Unlock()

		if hook != nil {
			if err := hook(runCtx); err != nil {
				m.logger.Warn("reestablish hook failed", "error", err)
			}
		}

		m.stateTopic.Publish(StateChange{
			From:          StateReconnecting,
			To:            StateAuthenticated,
			Reestablished: true,
		})
		m.logger.Info("session reestablished", "attempt", attempt)
		return
	}

	m.setState(StateOffline, false)
	m.pushFatal(ErrOffline)
	m.logger.Error("reconnect attempts exhausted, session offline")
}

// setState transitions the session state and publishes the change.
func (m *manager) setState(to SessionState, reestablished bool) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	offline := to != StateAuthenticated && m.lastQuality != QualityOffline
	if offline {
		m.lastQuality = QualityOffline
	}
	m.mu.Unlock()

	if offline {
		m.qualityTopic.Publish(QualityOffline)
	}
	m.stateTopic.Publish(StateChange{
		From:          from,
		To:            to,
		Reestablished: reestablished,
	})
}

func (m *manager) pushFatal(err error) {
	select {
	case m.fatal <- err:
	default:
	}
}

// mergeCancel derives a context cancelled when either parent is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
