package negotiation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/barterline/parley/internal/events"
	"github.com/barterline/parley/internal/model"
)

var (
	// ErrTerminal is returned when an update arrives for a negotiation that
	// already reached a terminal status.
	ErrTerminal = errors.New("negotiation: already in a terminal state")

	// ErrInvalidOffer is returned for offers with a non-positive amount.
	ErrInvalidOffer = errors.New("negotiation: offer amount must be positive")
)

// Update is published on every applied state transition.
type Update struct {
	ChannelID string
	Status    model.NegotiationStatus
	Round     int
	Offer     float64
	Final     float64
}

// Offer is a delivered offer keyed by its round number.
type Offer struct {
	Round  int
	Amount float64
}

// Machine drives a single channel's negotiation state from delivered
// messages. Rounds are applied strictly in sequence: an offer whose round is
// not exactly last+1 is buffered until the gap closes, either by the missing
// round arriving or by an authoritative snapshot.
type Machine struct {
	logger  *slog.Logger
	updates *events.Topic[Update]

	mu       sync.Mutex
	channel  model.NegotiationChannel
	buffered map[int]Offer // out-of-order rounds awaiting their predecessors
}

// New creates a machine for the given channel snapshot.
func New(ch model.NegotiationChannel, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if ch.Status == "" {
		ch.Status = model.StatusInitiated
	}

	return &Machine{
		logger:   logger.With("component", "negotiation", "channel", ch.ID),
		updates:  events.NewTopic[Update](16),
		channel:  ch,
		buffered: make(map[int]Offer),
	}
}

// Updates is the stream of applied transitions.
func (m *Machine) Updates() *events.Topic[Update] { return m.updates }

// Channel returns a snapshot of the current negotiation state.
func (m *Machine) Channel() model.NegotiationChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

// GapPending reports whether a buffered offer is waiting on a missing round,
// and the lowest round buffered. The resync layer watches this to decide when
// to fetch a snapshot.
func (m *Machine) GapPending() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffered) == 0 {
		return 0, false
	}
	lowest := 0
	for round := range m.buffered {
		if lowest == 0 || round < lowest {
			lowest = round
		}
	}
	return lowest, true
}

// ApplyOffer processes a delivered offer. In-sequence offers advance the
// round; out-of-sequence ones are buffered. A round that was already applied
// is ignored, so replays after a resync are harmless.
func (m *Machine) ApplyOffer(offer Offer) error {
	if offer.Amount <= 0 {
		return ErrInvalidOffer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channel.Status.Terminal() {
		return ErrTerminal
	}
	if offer.Round <= m.channel.Round {
		m.logger.Debug("stale offer ignored", "round", offer.Round, "current", m.channel.Round)
		return nil
	}
	if offer.Round != m.channel.Round+1 {
		m.logger.Warn("round gap, buffering offer",
			"round", offer.Round, "expected", m.channel.Round+1)
		m.buffered[offer.Round] = offer
		return nil
	}

	m.applyLocked(offer)
	m.drainBufferLocked()
	return nil
}

// Accept moves the negotiation to accepted, fixing the final price at the
// current offer.
func (m *Machine) Accept() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channel.Status.Terminal() {
		return ErrTerminal
	}
	if m.channel.CurrentOffer <= 0 {
		return fmt.Errorf("negotiation: no offer on the table to accept")
	}

	m.channel.Status = model.StatusAccepted
	m.channel.FinalPrice = m.channel.CurrentOffer
	m.publishLocked()
	return nil
}

// Reject moves the negotiation to rejected.
func (m *Machine) Reject() error {
	return m.terminate(model.StatusRejected)
}

// Cancel moves the negotiation to cancelled. Either participant may cancel.
func (m *Machine) Cancel() error {
	return m.terminate(model.StatusCancelled)
}

// Reconcile replaces local state with an authoritative server snapshot, then
// replays any buffered offers that the snapshot has not already covered.
func (m *Machine) Reconcile(ch model.NegotiationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channel = ch
	for round := range m.buffered {
		if round <= ch.Round {
			delete(m.buffered, round)
		}
	}
	m.publishLocked()
	if !m.channel.Status.Terminal() {
		m.drainBufferLocked()
	}
}

// Close shuts the update stream.
func (m *Machine) Close() {
	m.updates.Close()
}

func (m *Machine) terminate(status model.NegotiationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channel.Status.Terminal() {
		return ErrTerminal
	}
	m.channel.Status = status
	m.publishLocked()
	return nil
}

// applyLocked advances one round. Reaching maxRounds without an acceptance
// expires the negotiation immediately, regardless of anything still pending.
func (m *Machine) applyLocked(offer Offer) {
	m.channel.Round = offer.Round
	m.channel.CurrentOffer = offer.Amount
	if m.channel.Status == model.StatusInitiated {
		m.channel.Status = model.StatusInProgress
	}
	if m.channel.MaxRounds > 0 && m.channel.Round >= m.channel.MaxRounds {
		m.channel.Status = model.StatusExpired
		m.logger.Info("round limit reached", "round", m.channel.Round)
	}
	m.publishLocked()
}

func (m *Machine) drainBufferLocked() {
	if len(m.buffered) == 0 {
		return
	}

	rounds := make([]int, 0, len(m.buffered))
	for round := range m.buffered {
		rounds = append(rounds, round)
	}
	sort.Ints(rounds)

	for _, round := range rounds {
		if m.channel.Status.Terminal() {
			return
		}
		if round <= m.channel.Round {
			delete(m.buffered, round)
			continue
		}
		if round != m.channel.Round+1 {
			return // gap still open
		}
		offer := m.buffered[round]
		delete(m.buffered, round)
		m.applyLocked(offer)
	}
}

func (m *Machine) publishLocked() {
	m.updates.Publish(Update{
		ChannelID: m.channel.ID,
		Status:    m.channel.Status,
		Round:     m.channel.Round,
		Offer:     m.channel.CurrentOffer,
		Final:     m.channel.FinalPrice,
	})
}
