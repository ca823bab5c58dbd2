package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/barterline/parley/internal/connection"
	"github.com/barterline/parley/internal/events"
	"github.com/barterline/parley/internal/model"
	"github.com/barterline/parley/internal/wire"
)

var (
	// ErrJoinInFlight is returned when a join is attempted while another is
	// still waiting for its acknowledgment.
	ErrJoinInFlight = errors.New("room: join already in flight")

	// ErrNoRoom is returned by actions that require an active room.
	ErrNoRoom = errors.New("room: no active room")
)

// Error is a join rejection. It is fatal for that channel only; the
// connection stays up.
type Error struct {
	ChannelID string
	Message   string
}

func (e *Error) Error() string {
	return "room: join rejected for " + e.ChannelID + ": " + e.Message
}

// Config holds room session settings.
type Config struct {
	// JoinTimeout bounds the wait for the server's room-status reply.
	JoinTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{JoinTimeout: 10 * time.Second}
}

// Presence reports a participant joining or leaving the active room.
type Presence struct {
	ChannelID string
	Identity  model.Identity
	Joined    bool
	Timestamp time.Time
}

// Session tracks membership of a single negotiation channel: who is present,
// who is typing, and whether our own join has been acknowledged. One channel
// is active at a time; joining another requires leaving first.
type Session struct {
	cfg    Config
	conn   connection.Manager
	logger *slog.Logger

	presence *events.Topic[Presence]
	typing   *events.Topic[model.TypingState]
	failures *events.Topic[Error]

	mu           sync.Mutex
	channelID    string
	joined       bool
	participants map[string]model.Identity
	typingState  map[string]model.TypingState
	joinWait     chan error // non-nil while a join awaits its reply
	joinChannel  string
}

// NewSession creates a room session on top of an authenticated connection.
func NewSession(cfg Config, conn connection.Manager, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultConfig().JoinTimeout
	}

	return &Session{
		cfg:          cfg,
		conn:         conn,
		logger:       logger.With("component", "room"),
		presence:     events.NewTopic[Presence](16),
		typing:       events.NewTopic[model.TypingState](16),
		failures:     events.NewTopic[Error](4),
		participants: make(map[string]model.Identity),
		typingState:  make(map[string]model.TypingState),
	}
}

// Presence is the stream of join/leave events for the active room.
func (s *Session) Presence() *events.Topic[Presence] { return s.presence }

// Typing is the stream of typing indicator changes.
func (s *Session) Typing() *events.Topic[model.TypingState] { return s.typing }

// Failures is the stream of asynchronous room rejections.
func (s *Session) Failures() *events.Topic[Error] { return s.failures }

// Join enters a negotiation channel and blocks until the server acknowledges
// with room-status, the context is cancelled, or the join times out. Joining
// the already-active channel is a no-op.
func (s *Session) Join(ctx context.Context, channelID string) error {
	if s.conn.State() != connection.StateAuthenticated {
		return connection.ErrNotAuthenticated
	}

	s.mu.Lock()
	if s.joined && s.channelID == channelID {
		s.mu.Unlock()
		return nil
	}
	if s.joinWait != nil {
		s.mu.Unlock()
		return ErrJoinInFlight
	}
	wait := make(chan error, 1)
	s.joinWait = wait
	s.joinChannel = channelID
	s.mu.Unlock()

	if err := s.conn.Send(wire.EventJoin, wire.JoinRequest{ChannelID: channelID}); err != nil {
		s.clearJoin(wait)
		return err
	}

	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		s.clearJoin(wait)
		return ctx.Err()
	case <-timer.C:
		s.clearJoin(wait)
		return connection.ErrTimeout
	}
}

// Leave exits the active room. It cancels any in-flight join wait and drops
// all room-scoped state. Idempotent.
func (s *Session) Leave() {
	s.mu.Lock()
	wait := s.joinWait
	channelID := s.channelID
	joined := s.joined
	s.joinWait = nil
	s.joinChannel = ""
	s.channelID = ""
	s.joined = false
	s.participants = make(map[string]model.Identity)
	s.typingState = make(map[string]model.TypingState)
	s.mu.Unlock()

	if wait != nil {
		wait <- ErrNoRoom
	}
	if joined {
		if err := s.conn.Send(wire.EventLeave, wire.LeaveRequest{ChannelID: channelID}); err != nil {
			s.logger.Debug("leave not sent", "channel", channelID, "error", err)
		}
	}
}

// Rejoin re-enters the active channel after a reconnect. The server treats it
// as a fresh join; local membership state is rebuilt from its reply.
func (s *Session) Rejoin(ctx context.Context) error {
	s.mu.Lock()
	channelID := s.channelID
	if channelID == "" {
		s.mu.Unlock()
		return nil
	}
	s.joined = false
	s.mu.Unlock()

	return s.Join(ctx, channelID)
}

// Active returns the current channel and whether its join was acknowledged.
func (s *Session) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID, s.joined
}

// Ready reports whether the given channel has a live, acknowledged room on an
// authenticated connection.
func (s *Session) Ready(channelID string) bool {
	if s.conn.State() != connection.StateAuthenticated {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined && s.channelID == channelID
}

// Participants returns a snapshot of who is currently in the room.
func (s *Session) Participants() []model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Identity, 0, len(s.participants))
	for _, id := range s.participants {
		out = append(out, id)
	}
	return out
}

// StartTyping signals that the local user began composing.
func (s *Session) StartTyping() error {
	return s.sendTyping(wire.EventTypingStart)
}

// StopTyping signals that the local user stopped composing.
func (s *Session) StopTyping() error {
	return s.sendTyping(wire.EventTypingStop)
}

// HandleRoomStatus processes the server's membership snapshot. It resolves a
// pending join for the same channel and replaces the participant set.
func (s *Session) HandleRoomStatus(status wire.RoomStatus) {
	s.mu.Lock()
	pendingFor := s.joinWait != nil && s.joinChannel == status.ChannelID
	if !pendingFor && (!s.joined || s.channelID != status.ChannelID) {
		s.mu.Unlock()
		s.logger.Debug("room status for inactive channel", "channel", status.ChannelID)
		return
	}

	s.participants = make(map[string]model.Identity, len(status.ActiveUsers))
	for _, id := range status.ActiveUsers {
		s.participants[id.ID] = id
	}

	var wait chan error
	if pendingFor {
		s.channelID = status.ChannelID
		s.joined = true
		wait = s.joinWait
		s.joinWait = nil
		s.joinChannel = ""
	}
	s.mu.Unlock()

	if wait != nil {
		wait <- nil
	}
	s.logger.Info("room joined", "channel", status.ChannelID, "participants", len(status.ActiveUsers))
}

// HandleRoomFailure processes a join rejection.
func (s *Session) HandleRoomFailure(failure wire.RoomFailure) {
	roomErr := &Error{ChannelID: failure.ChannelID, Message: failure.Message}

	s.mu.Lock()
	var wait chan error
	if s.joinWait != nil && s.joinChannel == failure.ChannelID {
		wait = s.joinWait
		s.joinWait = nil
		s.joinChannel = ""
	}
	if s.joined && s.channelID == failure.ChannelID {
		s.joined = false
		s.channelID = ""
		s.participants = make(map[string]model.Identity)
		s.typingState = make(map[string]model.TypingState)
	}
	s.mu.Unlock()

	if wait != nil {
		wait <- roomErr
		return
	}
	s.failures.Publish(*roomErr)
}

// HandlePresence processes a user-joined or user-left broadcast.
func (s *Session) HandlePresence(event wire.PresenceEvent, joined bool) {
	s.mu.Lock()
	if !s.joined || s.channelID != event.ChannelID {
		s.mu.Unlock()
		return
	}
	if joined {
		s.participants[event.Identity.ID] = event.Identity
	} else {
		delete(s.participants, event.Identity.ID)
		delete(s.typingState, event.Identity.ID)
	}
	s.mu.Unlock()

	s.presence.Publish(Presence{
		ChannelID: event.ChannelID,
		Identity:  event.Identity,
		Joined:    joined,
		Timestamp: event.Timestamp,
	})
}

// HandleTyping processes a typing indicator broadcast. Later signals for the
// same user overwrite earlier ones.
func (s *Session) HandleTyping(event wire.UserTyping) {
	state := model.TypingState{
		Identity:  event.Identity,
		IsTyping:  event.IsTyping,
		Timestamp: event.Timestamp,
	}

	s.mu.Lock()
	if !s.joined || s.channelID != event.ChannelID {
		s.mu.Unlock()
		return
	}
	if event.IsTyping {
		s.typingState[event.Identity.ID] = state
	} else {
		delete(s.typingState, event.Identity.ID)
	}
	s.mu.Unlock()

	s.typing.Publish(state)
}

// TypingUsers returns who is currently marked as typing.
func (s *Session) TypingUsers() []model.TypingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TypingState, 0, len(s.typingState))
	for _, ts := range s.typingState {
		out = append(out, ts)
	}
	return out
}

// Close tears down the session's event streams. Any in-flight join is
// cancelled.
func (s *Session) Close() {
	s.Leave()
	s.presence.Close()
	s.typing.Close()
	s.failures.Close()
}

func (s *Session) sendTyping(eventType string) error {
	s.mu.Lock()
	channelID := s.channelID
	joined := s.joined
	s.mu.Unlock()

	if !joined {
		return ErrNoRoom
	}
	return s.conn.Send(eventType, wire.TypingSignal{ChannelID: channelID})
}

func (s *Session) clearJoin(wait chan error) {
	s.mu.Lock()
	if s.joinWait == wait {
		s.joinWait = nil
		s.joinChannel = ""
	}
	s.mu.Unlock()
}
