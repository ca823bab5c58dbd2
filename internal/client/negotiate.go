package client

import (
	"context"
	"fmt"
	"time"

	"github.com/barterline/parley/internal/model"
	"github.com/barterline/parley/internal/negotiation"
	"github.com/barterline/parley/internal/resync"
	"github.com/barterline/parley/internal/wire"
)

// Join enters a negotiation channel. Cached history loads first so the
// caller sees messages even before the join is acknowledged, then the room
// handshake runs and any messages queued while offline are replayed.
func (s *Session) Join(ctx context.Context, channelID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if err := s.cache.LoadChannel(ctx, channelID); err != nil {
		s.logger.Warn("cached history unavailable", "channel", channelID, "error", err)
	}

	if err := s.room.Join(ctx, channelID); err != nil {
		return err
	}

	if err := s.ensureMachine(ctx, channelID); err != nil {
		return err
	}

	s.tracker.Replay(channelID)
	return nil
}

// Leave exits the active channel. Queued messages and cached history stay
// put for the next join; the gap watch stops.
func (s *Session) Leave() {
	channelID, _ := s.room.Active()
	s.room.Leave()

	if channelID == "" {
		return
	}

	s.mu.Lock()
	r := s.resyncers[channelID]
	delete(s.resyncers, channelID)
	s.mu.Unlock()

	if r != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Stop(stopCtx); err != nil {
			s.logger.Warn("resyncer stop timed out", "channel", channelID, "error", err)
		}
	}
}

// SendText sends a chat message. Returns the temp ID immediately; delivery
// confirmation arrives on the Delivered stream.
func (s *Session) SendText(channelID, content string) (string, error) {
	return s.tracker.Send(channelID, model.MessageText, content, 0)
}

// SendOffer proposes a price. The amount must be positive; any further
// validation is the server's call, never suppressed locally.
func (s *Session) SendOffer(channelID string, amount float64) (string, error) {
	if amount <= 0 {
		return "", negotiation.ErrInvalidOffer
	}
	return s.tracker.Send(channelID, model.MessageOffer, "", amount)
}

// AcceptOffer accepts the current offer, fixing the final price.
func (s *Session) AcceptOffer(channelID string) (string, error) {
	return s.tracker.Send(channelID, model.MessageAccept, "", 0)
}

// RejectOffer rejects the current offer, ending the negotiation.
func (s *Session) RejectOffer(channelID string) (string, error) {
	return s.tracker.Send(channelID, model.MessageReject, "", 0)
}

// CancelNegotiation withdraws from the negotiation. Either participant may
// cancel from any non-terminal state.
func (s *Session) CancelNegotiation(channelID string) (string, error) {
	return s.tracker.Send(channelID, model.MessageCancel, "", 0)
}

// MarkRead transitions the given delivered messages to read locally and
// notifies the server. Idempotent; already-read IDs are skipped.
func (s *Session) MarkRead(channelID string, permanentIDs []string) error {
	changed := s.cache.MarkRead(channelID, permanentIDs)
	if len(changed) == 0 {
		return nil
	}
	if !s.room.Ready(channelID) {
		return nil
	}
	return s.conn.Send(wire.EventMarkRead, wire.MarkRead{
		ChannelID:  channelID,
		MessageIDs: changed,
	})
}

// StartTyping signals the local user is composing.
func (s *Session) StartTyping() error { return s.room.StartTyping() }

// StopTyping signals the local user stopped composing.
func (s *Session) StopTyping() error { return s.room.StopTyping() }

// History returns the cached message history for a channel, oldest first.
func (s *Session) History(channelID string) []model.Message {
	return s.cache.History(channelID)
}

// Pending returns messages still waiting for delivery, in send order.
func (s *Session) Pending(channelID string) []model.PendingMessage {
	return s.cache.Pending(channelID)
}

// Negotiation returns the current negotiation state for a joined channel.
func (s *Session) Negotiation(channelID string) (model.NegotiationChannel, bool) {
	m := s.machine(channelID)
	if m == nil {
		return model.NegotiationChannel{}, false
	}
	return m.Channel(), true
}

// Participants returns who is currently in the active room.
func (s *Session) Participants() []model.Identity {
	return s.room.Participants()
}

// ensureMachine builds the channel's negotiation machine from an
// authoritative snapshot, falling back to a blank initiated state when the
// API is unreachable, and starts the gap watch.
func (s *Session) ensureMachine(ctx context.Context, channelID string) error {
	s.mu.Lock()
	if _, ok := s.machines[channelID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ch := model.NegotiationChannel{ID: channelID, Status: model.StatusInitiated}
	if snapshot, err := s.rest.GetNegotiation(ctx, channelID); err != nil {
		s.logger.Warn("negotiation snapshot unavailable, starting blank",
			"channel", channelID, "error", err)
	} else {
		ch = *snapshot
	}

	machine := negotiation.New(ch, s.logger)
	watcher := resync.New(resync.Config{
		GapDeadline: s.cfg.Resync.GapDeadline,
	}, channelID, machine, s.cache, s.rest, s.logger)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		machine.Close()
		return ErrClosed
	}
	if _, ok := s.machines[channelID]; ok {
		s.mu.Unlock()
		machine.Close()
		return nil
	}
	runCtx := s.runCtx
	if runCtx == nil {
		s.mu.Unlock()
		machine.Close()
		return fmt.Errorf("client: join before connect")
	}
	s.machines[channelID] = machine
	s.resyncers[channelID] = watcher
	s.mu.Unlock()

	return watcher.Start(runCtx)
}
