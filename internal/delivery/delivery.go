package delivery

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/barterline/parley/internal/cache"
	"github.com/barterline/parley/internal/events"
	"github.com/barterline/parley/internal/model"
	"github.com/barterline/parley/internal/wire"
)

// ErrClosed is returned by Send after the tracker has been shut down.
var ErrClosed = errors.New("delivery: tracker closed")

// DispatchFunc pushes an event onto the transport. It matches the connection
// manager's Send method.
type DispatchFunc func(eventType string, payload any) error

// ReadyFunc reports whether the given channel currently has an authenticated
// room session. When it returns false, sends are queued instead of dispatched.
type ReadyFunc func(channelID string) bool

// Config holds delivery settings.
type Config struct {
	// MaxRetries is the number of resend attempts before a message is
	// dropped and the caller notified.
	MaxRetries int

	// RetryBackoff is the base delay between retries. Attempt n waits
	// n * RetryBackoff.
	RetryBackoff time.Duration

	// AckTimeout is how long to wait for a server acknowledgment before
	// treating the send as failed and retryable.
	AckTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		RetryBackoff: time.Second,
		AckTimeout:   10 * time.Second,
	}
}

// Receipt is published when the server acknowledges a message.
type Receipt struct {
	ChannelID   string
	TempID      string
	PermanentID string
	Round       int
}

// Drop is published when a message exhausts its retries or the server marks
// it non-retryable. Nothing is lost silently; the caller can resend manually.
type Drop struct {
	ChannelID string
	TempID    string
	Reason    string
}

// Tracker owns the per-message delivery state machine. Outgoing payloads live
// in the cache's pending queue until acknowledged, so a retry or a replay
// after reconnect resends exactly what the caller submitted.
type Tracker struct {
	cfg      Config
	cache    *cache.Cache
	dispatch DispatchFunc
	ready    ReadyFunc
	logger   *slog.Logger

	delivered *events.Topic[Receipt]
	dropped   *events.Topic[Drop]

	mu       sync.Mutex
	entropy  *ulid.MonotonicEntropy
	inflight map[string]*inflightSend // temp ID → sending state
	closed   bool
}

type inflightSend struct {
	channelID string
	timer     *time.Timer
}

// New creates a tracker. The dispatch func is called with send-message events;
// ready gates whether a send goes out immediately or waits in the queue.
func New(cfg Config, c *cache.Cache, dispatch DispatchFunc, ready ReadyFunc, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}

	return &Tracker{
		cfg:       cfg,
		cache:     c,
		dispatch:  dispatch,
		ready:     ready,
		logger:    logger.With("component", "delivery"),
		delivered: events.NewTopic[Receipt](16),
		dropped:   events.NewTopic[Drop](16),
		entropy:   ulid.Monotonic(rand.Reader, 0),
		inflight:  make(map[string]*inflightSend),
	}
}

// Delivered is the stream of server acknowledgments.
func (t *Tracker) Delivered() *events.Topic[Receipt] { return t.delivered }

// Dropped is the stream of permanently failed messages.
func (t *Tracker) Dropped() *events.Topic[Drop] { return t.dropped }

// Send queues a message and, when the channel's room session is live,
// dispatches it immediately. It allocates and returns the temp ID
// synchronously and never blocks on the network.
func (t *Tracker) Send(channelID string, msgType model.MessageType, content string, offerAmount float64) (string, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrClosed
	}
	tempID := ulid.MustNew(ulid.Timestamp(time.Now()), t.entropy).String()
	t.mu.Unlock()

	t.cache.Enqueue(channelID, model.PendingMessage{
		TempID:      tempID,
		Type:        msgType,
		Content:     content,
		OfferAmount: offerAmount,
		EnqueueTime: time.Now(),
	})

	if !t.ready(channelID) {
		t.logger.Debug("queued while offline", "channel", channelID, "temp_id", tempID)
		return tempID, nil
	}

	t.dispatchPending(channelID, tempID)
	return tempID, nil
}

// HandleDelivered processes a delivery acknowledgment: the permanent ID is
// bound, the message enters history as Delivered and leaves the pending
// queue.
func (t *Tracker) HandleDelivered(channelID string, ack wire.Delivered, sender model.Identity, role model.Role) {
	pm, ok := t.pendingEntry(channelID, ack.TempID)
	t.clearInflight(ack.TempID)
	if !ok {
		t.logger.Debug("ack for unknown message", "channel", channelID, "temp_id", ack.TempID)
		return
	}

	t.cache.AppendHistory(channelID, model.Message{
		TempID:      ack.TempID,
		PermanentID: ack.PermanentID,
		ChannelID:   channelID,
		SenderID:    sender.ID,
		SenderRole:  role,
		Type:        pm.Type,
		Content:     pm.Content,
		OfferAmount: pm.OfferAmount,
		Round:       ack.Round,
		Timestamp:   time.Now().UTC(),
		State:       model.DeliveryDelivered,
	})
	t.cache.RemovePending(channelID, ack.TempID)

	t.delivered.Publish(Receipt{
		ChannelID:   channelID,
		TempID:      ack.TempID,
		PermanentID: ack.PermanentID,
		Round:       ack.Round,
	})
}

// HandleFailed processes a failure acknowledgment. Retryable failures are
// requeued with linear backoff until the retry budget runs out; everything
// else is dropped with notification.
func (t *Tracker) HandleFailed(channelID string, fail wire.Failed) {
	t.clearInflight(fail.TempID)

	if !fail.Retryable {
		t.drop(channelID, fail.TempID, fail.Error)
		return
	}

	count := t.cache.BumpRetry(channelID, fail.TempID)
	if count < 0 {
		return
	}
	if count > t.cfg.MaxRetries {
		t.drop(channelID, fail.TempID, "retry limit reached: "+fail.Error)
		return
	}

	delay := time.Duration(count) * t.cfg.RetryBackoff
	t.logger.Debug("retry scheduled",
		"channel", channelID, "temp_id", fail.TempID, "attempt", count, "delay", delay)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.inflight[fail.TempID] = &inflightSend{
		channelID: channelID,
		timer: time.AfterFunc(delay, func() {
			t.clearInflight(fail.TempID)
			if t.ready(channelID) {
				t.dispatchPending(channelID, fail.TempID)
			}
		}),
	}
	t.mu.Unlock()
}

// Replay resends every queued message for the channel in original enqueue
// order. Each replay consumes one retry credit, so a message that keeps
// missing its ack across reconnects eventually drops instead of looping
// forever. Called after a room session is reestablished.
func (t *Tracker) Replay(channelID string) {
	for _, pm := range t.cache.Pending(channelID) {
		// Any dispatch from the previous transport is void.
		t.clearInflight(pm.TempID)
		count := t.cache.BumpRetry(channelID, pm.TempID)
		if count < 0 {
			continue
		}
		if count > t.cfg.MaxRetries {
			t.drop(channelID, pm.TempID, "retry limit reached during replay")
			continue
		}
		t.dispatchPending(channelID, pm.TempID)
	}
}

// Close stops all retry and ack timers. Queued messages stay in the cache for
// the next session.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, in := range t.inflight {
		in.timer.Stop()
		delete(t.inflight, id)
	}
	t.delivered.Close()
	t.dropped.Close()
}

// dispatchPending pushes the pending entry onto the wire and arms the ack
// watchdog. A missing ack within AckTimeout is reclassified as a retryable
// failure.
func (t *Tracker) dispatchPending(channelID, tempID string) {
	pm, ok := t.pendingEntry(channelID, tempID)
	if !ok {
		return
	}

	err := t.dispatch(wire.EventSendMessage, wire.SendMessage{
		ChannelID:   channelID,
		TempID:      tempID,
		Type:        pm.Type,
		Content:     pm.Content,
		OfferAmount: pm.OfferAmount,
	})
	if err != nil {
		t.logger.Debug("dispatch failed, message stays queued",
			"channel", channelID, "temp_id", tempID, "error", err)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.inflight[tempID] = &inflightSend{
		channelID: channelID,
		timer: time.AfterFunc(t.cfg.AckTimeout, func() {
			t.logger.Warn("ack timeout", "channel", channelID, "temp_id", tempID)
			t.HandleFailed(channelID, wire.Failed{
				TempID:    tempID,
				Error:     "acknowledgment timeout",
				Retryable: true,
			})
		}),
	}
	t.mu.Unlock()
}

func (t *Tracker) drop(channelID, tempID, reason string) {
	if !t.cache.RemovePending(channelID, tempID) {
		return
	}
	t.logger.Warn("message dropped", "channel", channelID, "temp_id", tempID, "reason", reason)
	t.dropped.Publish(Drop{ChannelID: channelID, TempID: tempID, Reason: reason})
}

func (t *Tracker) pendingEntry(channelID, tempID string) (model.PendingMessage, bool) {
	for _, pm := range t.cache.Pending(channelID) {
		if pm.TempID == tempID {
			return pm, true
		}
	}
	return model.PendingMessage{}, false
}

func (t *Tracker) clearInflight(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if in, ok := t.inflight[tempID]; ok {
		in.timer.Stop()
		delete(t.inflight, tempID)
	}
}
