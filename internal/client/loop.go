package client

import (
	"errors"

	"github.com/barterline/parley/internal/connection"
	"github.com/barterline/parley/internal/model"
	"github.com/barterline/parley/internal/negotiation"
	"github.com/barterline/parley/internal/wire"
)

// run is the single event loop. Every inbound frame is dispatched from here,
// so handlers never race each other over channel or session state.
func (s *Session) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.runCtx.Done():
			return
		case env, ok := <-s.conn.Frames():
			if !ok {
				return
			}
			s.handleFrame(env)
		case err := <-s.conn.Fatal():
			s.logger.Error("fatal session error", "error", err)
			s.fatal.Publish(err)
		}
	}
}

func (s *Session) handleFrame(env wire.Envelope) {
	switch env.Type {
	case wire.EventNewMessage:
		var p wire.NewMessage
		if err := wire.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad new-message payload", "error", err)
			return
		}
		s.handleNewMessage(p)

	case wire.EventMessageDelivered:
		var p wire.Delivered
		if err := wire.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad delivery ack payload", "error", err)
			return
		}
		s.handleDelivered(p)

	case wire.EventMessageFailed:
		var p wire.Failed
		if err := wire.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad failure ack payload", "error", err)
			return
		}
		channelID, _ := s.room.Active()
		s.tracker.HandleFailed(channelID, p)

	case wire.EventRoomStatus:
		var p wire.RoomStatus
		if err := wire.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad room-status payload", "error", err)
			return
		}
		s.room.HandleRoomStatus(p)

	case wire.EventRoomError:
		var p wire.RoomFailure
		if err := wire.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad room-error payload", "error", err)
			return
		}
		s.room.HandleRoomFailure(p)

	case wire.EventUserJoined, wire.EventUserLeft:
		var p wire.PresenceEvent
		if err := wire.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad presence payload", "error", err)
			return
		}
		s.room.HandlePresence(p, env.Type == wire.EventUserJoined)

	case wire.EventUserTyping:
		var p wire.UserTyping
		if err := wire.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad typing payload", "error", err)
			return
		}
		s.room.HandleTyping(p)

	case wire.EventMessagesRead:
		var p wire.MessagesRead
		if err := wire.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad read receipt payload", "error", err)
			return
		}
		s.cache.MarkRead(p.ChannelID, p.MessageIDs)
		s.reads.Publish(p)

	case wire.EventAuthError:
		var p wire.AuthFailure
		if err := wire.DecodePayload(env, &p); err != nil {
			s.logger.Warn("bad auth-error payload", "error", err)
			return
		}
		s.fatal.Publish(&connection.AuthError{Message: p.Message})

	default:
		s.logger.Debug("unhandled event", "type", env.Type)
	}
}

// handleNewMessage merges a broadcast message into history and feeds the
// negotiation machine. The merge is idempotent by permanent ID, so the echo
// of our own delivered message is absorbed silently.
func (s *Session) handleNewMessage(p wire.NewMessage) {
	msg := model.Message{
		PermanentID: p.PermanentID,
		ChannelID:   p.ChannelID,
		SenderID:    p.Sender.ID,
		SenderRole:  p.SenderRole,
		Type:        p.Type,
		Content:     p.Content,
		OfferAmount: p.OfferAmount,
		Round:       p.Round,
		Timestamp:   p.Timestamp,
		State:       model.DeliveryDelivered,
	}

	if !s.cache.AppendHistory(p.ChannelID, msg) {
		return
	}

	s.applyToMachine(msg)
	s.messages.Publish(msg)
}

// handleDelivered routes the ack to the tracker, then feeds the machine with
// the now-confirmed message. Own offers advance the round here; the server
// may not echo them back as broadcasts.
func (s *Session) handleDelivered(p wire.Delivered) {
	channelID, _ := s.room.Active()
	s.tracker.HandleDelivered(channelID, p, s.conn.Identity(), s.localRole(channelID))

	if msg, ok := s.cache.Message(channelID, p.PermanentID); ok {
		s.applyToMachine(msg)
	}
}

func (s *Session) applyToMachine(msg model.Message) {
	m := s.machine(msg.ChannelID)
	if m == nil {
		return
	}

	var err error
	switch msg.Type {
	case model.MessageOffer:
		err = m.ApplyOffer(negotiation.Offer{Round: msg.Round, Amount: msg.OfferAmount})
	case model.MessageAccept:
		err = m.Accept()
	case model.MessageReject:
		err = m.Reject()
	case model.MessageCancel:
		err = m.Cancel()
	default:
		return
	}

	if err != nil && !errors.Is(err, negotiation.ErrTerminal) {
		s.logger.Warn("negotiation update rejected",
			"channel", msg.ChannelID, "type", msg.Type, "error", err)
	}
}

// localRole resolves which side of the negotiation we are on.
func (s *Session) localRole(channelID string) model.Role {
	m := s.machine(channelID)
	if m == nil {
		return ""
	}
	ch := m.Channel()
	switch s.conn.Identity().ID {
	case ch.Buyer.ID:
		return model.RoleBuyer
	case ch.Seller.ID:
		return model.RoleSeller
	default:
		return ""
	}
}
