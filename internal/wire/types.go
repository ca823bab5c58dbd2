package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/barterline/parley/internal/model"
)

// Event names, client → server.
const (
	EventAuthenticate = "authenticate"
	EventJoin         = "join-negotiation"
	EventLeave        = "leave-negotiation"
	EventSendMessage  = "send-message"
	EventTypingStart  = "typing-start"
	EventTypingStop   = "typing-stop"
	EventMarkRead     = "mark-messages-read"
	EventPing         = "ping"
)

// Event names, server → client.
const (
	EventAuthenticated    = "authenticated"
	EventAuthError        = "auth-error"
	EventRoomStatus       = "room-status"
	EventRoomError        = "room-error"
	EventNewMessage       = "new-message"
	EventMessageDelivered = "message-delivered"
	EventMessageFailed    = "message-failed"
	EventUserJoined       = "user-joined"
	EventUserLeft         = "user-left"
	EventUserTyping       = "user-typing"
	EventMessagesRead     = "messages-read"
	EventPong             = "pong"
)

// Envelope frames every event on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode builds an envelope with the given payload marshalled in place.
func Encode(eventType string, payload any) ([]byte, error) {
	env := Envelope{Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}
	return data, nil
}

// Decode parses an envelope from raw frame bytes.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// DecodePayload unmarshals an envelope payload into dst.
func DecodePayload(env Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("parse %s payload: %w", env.Type, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Client → server payloads
// -----------------------------------------------------------------------------

// AuthRequest carries the bearer token for session authentication.
type AuthRequest struct {
	Token string `json:"token"`
}

// JoinRequest asks to join a negotiation channel.
type JoinRequest struct {
	ChannelID string `json:"channel_id"`
}

// LeaveRequest leaves a negotiation channel.
type LeaveRequest struct {
	ChannelID string `json:"channel_id"`
}

// SendMessage submits a chat message or negotiation action.
type SendMessage struct {
	ChannelID   string            `json:"channel_id"`
	TempID      string            `json:"temp_id"`
	Type        model.MessageType `json:"type"`
	Content     string            `json:"content"`
	OfferAmount float64           `json:"offer_amount,omitempty"`
}

// TypingSignal starts or stops a typing indicator.
type TypingSignal struct {
	ChannelID string `json:"channel_id"`
}

// MarkRead acknowledges a batch of received messages.
type MarkRead struct {
	ChannelID  string   `json:"channel_id"`
	MessageIDs []string `json:"message_ids"`
}

// Ping is the heartbeat request. SentAt echoes through Pong for latency.
type Ping struct {
	SentAt int64 `json:"sent_at"` // ms since epoch
}

// -----------------------------------------------------------------------------
// Server → client payloads
// -----------------------------------------------------------------------------

// Authenticated confirms a successful handshake.
type Authenticated struct {
	Identity model.Identity `json:"identity"`
}

// AuthFailure reports a rejected token. Never retried by the client.
type AuthFailure struct {
	Message string `json:"message"`
}

// RoomStatus answers a join request with the current participant set.
type RoomStatus struct {
	ChannelID   string           `json:"channel_id"`
	ActiveUsers []model.Identity `json:"active_users"`
}

// RoomFailure reports a rejected join, fatal for that channel only.
type RoomFailure struct {
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
}

// NewMessage is the broadcast form of a delivered message.
type NewMessage struct {
	PermanentID string            `json:"permanent_id"`
	ChannelID   string            `json:"channel_id"`
	Sender      model.Identity    `json:"sender"`
	SenderRole  model.Role        `json:"sender_role"`
	Type        model.MessageType `json:"type"`
	Content     string            `json:"content"`
	OfferAmount float64           `json:"offer_amount,omitempty"`
	Round       int               `json:"round,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Delivered acknowledges a send, binding the temp ID to a permanent ID.
type Delivered struct {
	TempID      string `json:"temp_id"`
	PermanentID string `json:"permanent_id"`
	Round       int    `json:"round,omitempty"`
}

// Failed rejects a send. Retryable hints whether the client may requeue.
type Failed struct {
	TempID    string `json:"temp_id"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// PresenceEvent reports a user joining or leaving the channel.
type PresenceEvent struct {
	ChannelID string         `json:"channel_id"`
	Identity  model.Identity `json:"identity"`
	Timestamp time.Time      `json:"timestamp"`
}

// UserTyping reports a typing state change for one identity.
type UserTyping struct {
	ChannelID string         `json:"channel_id"`
	Identity  model.Identity `json:"identity"`
	IsTyping  bool           `json:"is_typing"`
	Timestamp time.Time      `json:"timestamp"`
}

// MessagesRead reports which messages a participant has read.
type MessagesRead struct {
	ChannelID  string    `json:"channel_id"`
	ReaderID   string    `json:"reader_id"`
	MessageIDs []string  `json:"message_ids"`
	Timestamp  time.Time `json:"timestamp"`
}

// Pong answers a Ping, echoing the client timestamp.
type Pong struct {
	SentAt int64 `json:"sent_at"`
}
