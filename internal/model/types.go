package model

import "time"

// -----------------------------------------------------------------------------
// Participants
// -----------------------------------------------------------------------------

// Identity is a user as resolved by the auth service. Read-only to the client.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Role identifies which side of the negotiation a participant is on.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// DeliveryState is the per-message delivery lifecycle state.
type DeliveryState string

const (
	// DeliveryQueued means the message is held locally, waiting for a live
	// room session before it can be dispatched.
	DeliveryQueued DeliveryState = "queued"

	// DeliverySending means the message was written to the transport and is
	// awaiting a delivery acknowledgment.
	DeliverySending DeliveryState = "sending"

	// DeliveryDelivered means the server acknowledged the message and bound
	// its permanent ID.
	DeliveryDelivered DeliveryState = "delivered"

	// DeliveryRead means the counterparty acknowledged reading the message.
	DeliveryRead DeliveryState = "read"

	// DeliveryFailed means the last send attempt was rejected or timed out;
	// the message may still be requeued.
	DeliveryFailed DeliveryState = "failed"

	// DeliveryDropped is terminal: retries are exhausted or the server marked
	// the message non-retryable. The caller is always told explicitly.
	DeliveryDropped DeliveryState = "dropped"
)

// Terminal reports whether a delivery state can no longer change, other than
// Delivered optionally advancing to Read.
func (s DeliveryState) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryRead || s == DeliveryDropped
}

// MessageType distinguishes plain chat text from negotiation actions.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageOffer  MessageType = "offer"
	MessageAccept MessageType = "accept"
	MessageReject MessageType = "reject"
	MessageCancel MessageType = "cancel"
)

// Message is a single chat entry. TempID is assigned by the client and is
// unique for the client's lifetime; PermanentID is assigned by the server on
// acknowledgment and immutable afterwards.
type Message struct {
	TempID      string        `json:"temp_id"`
	PermanentID string        `json:"permanent_id,omitempty"`
	ChannelID   string        `json:"channel_id"`
	SenderID    string        `json:"sender_id"`
	SenderRole  Role          `json:"sender_role"`
	Type        MessageType   `json:"type"`
	Content     string        `json:"content"`
	OfferAmount float64       `json:"offer_amount,omitempty"`
	Round       int           `json:"round,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	State       DeliveryState `json:"state"`
}

// PendingMessage is a not-yet-acknowledged message queued for send, FIFO per
// channel. The original payload is retained so a retry resends exactly what
// the caller asked for.
type PendingMessage struct {
	TempID      string      `json:"temp_id"`
	Type        MessageType `json:"type"`
	Content     string      `json:"content"`
	OfferAmount float64     `json:"offer_amount,omitempty"`
	EnqueueTime time.Time   `json:"enqueue_time"`
	RetryCount  int         `json:"retry_count"`
}

// -----------------------------------------------------------------------------
// Negotiation channel
// -----------------------------------------------------------------------------

// NegotiationStatus is the business status of a negotiation channel.
type NegotiationStatus string

const (
	StatusInitiated  NegotiationStatus = "initiated"
	StatusInProgress NegotiationStatus = "in_progress"
	StatusAccepted   NegotiationStatus = "accepted"
	StatusRejected   NegotiationStatus = "rejected"
	StatusExpired    NegotiationStatus = "expired"
	StatusCancelled  NegotiationStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s NegotiationStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// NegotiationChannel is the client's view of one negotiation. Round is
// server-authoritative and monotonic; the client never invents round numbers.
type NegotiationChannel struct {
	ID           string            `json:"id"`
	Buyer        Identity          `json:"buyer"`
	Seller       Identity          `json:"seller"`
	Status       NegotiationStatus `json:"status"`
	Round        int               `json:"round"`
	MaxRounds    int               `json:"max_rounds"`
	CurrentOffer float64           `json:"current_offer"`
	FinalPrice   float64           `json:"final_price,omitempty"`
}

// -----------------------------------------------------------------------------
// Ephemeral room state
// -----------------------------------------------------------------------------

// TypingState records the latest typing signal for one identity. Never
// persisted.
type TypingState struct {
	Identity  Identity  `json:"identity"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}
