package delivery

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barterline/parley/internal/cache"
	"github.com/barterline/parley/internal/model"
	"github.com/barterline/parley/internal/wire"
)

const testChannel = "chan-1"

type dispatchRecorder struct {
	mu    sync.Mutex
	sent  []wire.SendMessage
	notif chan wire.SendMessage
}

func newDispatchRecorder() *dispatchRecorder {
	return &dispatchRecorder{notif: make(chan wire.SendMessage, 16)}
}

func (r *dispatchRecorder) dispatch(eventType string, payload any) error {
	msg := payload.(wire.SendMessage)
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	r.notif <- msg
	return nil
}

func (r *dispatchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *dispatchRecorder) wait(t *testing.T) wire.SendMessage {
	t.Helper()
	select {
	case msg := <-r.notif:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return wire.SendMessage{}
	}
}

func testTracker(t *testing.T, cfg Config, ready bool) (*Tracker, *cache.Cache, *dispatchRecorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	c := cache.New(cache.DefaultConfig(), nil, logger)
	rec := newDispatchRecorder()
	tr := New(cfg, c, rec.dispatch, func(string) bool { return ready }, logger)
	t.Cleanup(tr.Close)
	return tr, c, rec
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestSendOfflineQueues(t *testing.T) {
	tr, c, rec := testTracker(t, DefaultConfig(), false)

	tempID, err := tr.Send(testChannel, model.MessageText, "hello", 0)
	require.NoError(t, err)
	require.NotEmpty(t, tempID)

	pending := c.Pending(testChannel)
	require.Len(t, pending, 1)
	assert.Equal(t, tempID, pending[0].TempID)
	assert.Equal(t, "hello", pending[0].Content)
	assert.Equal(t, 0, rec.count())
}

func TestSendDispatchesWhenReady(t *testing.T) {
	tr, _, rec := testTracker(t, DefaultConfig(), true)

	tempID, err := tr.Send(testChannel, model.MessageOffer, "opening bid", 900)
	require.NoError(t, err)

	msg := rec.wait(t)
	assert.Equal(t, tempID, msg.TempID)
	assert.Equal(t, model.MessageOffer, msg.Type)
	assert.Equal(t, 900.0, msg.OfferAmount)
	assert.Equal(t, testChannel, msg.ChannelID)
}

func TestTempIDsAreUniqueAndOrdered(t *testing.T) {
	tr, _, _ := testTracker(t, DefaultConfig(), false)

	seen := make(map[string]bool)
	var prev string
	for i := 0; i < 100; i++ {
		id, err := tr.Send(testChannel, model.MessageText, "x", 0)
		require.NoError(t, err)
		require.False(t, seen[id], "temp ID reused: %s", id)
		seen[id] = true
		if prev != "" {
			assert.Greater(t, id, prev, "temp IDs must sort in allocation order")
		}
		prev = id
	}
}

func TestDeliveredAckBindsPermanentID(t *testing.T) {
	tr, c, rec := testTracker(t, DefaultConfig(), true)
	sub := tr.Delivered().Subscribe()
	defer sub.Unsubscribe()

	tempID, err := tr.Send(testChannel, model.MessageOffer, "bid", 900)
	require.NoError(t, err)
	rec.wait(t)

	sender := model.Identity{ID: "u1", Username: "alice"}
	tr.HandleDelivered(testChannel, wire.Delivered{
		TempID: tempID, PermanentID: "m-100", Round: 1,
	}, sender, model.RoleBuyer)

	select {
	case receipt := <-sub.C():
		assert.Equal(t, tempID, receipt.TempID)
		assert.Equal(t, "m-100", receipt.PermanentID)
		assert.Equal(t, 1, receipt.Round)
	case <-time.After(time.Second):
		t.Fatal("no delivery receipt")
	}

	assert.Empty(t, c.Pending(testChannel), "acked message must leave the queue")

	msg, ok := c.Message(testChannel, "m-100")
	require.True(t, ok)
	assert.Equal(t, model.DeliveryDelivered, msg.State)
	assert.Equal(t, "bid", msg.Content)
	assert.Equal(t, "u1", msg.SenderID)
}

func TestRetryResendsOriginalPayload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBackoff = 5 * time.Millisecond
	tr, _, rec := testTracker(t, cfg, true)

	tempID, err := tr.Send(testChannel, model.MessageOffer, "original offer", 950)
	require.NoError(t, err)
	rec.wait(t)

	tr.HandleFailed(testChannel, wire.Failed{TempID: tempID, Error: "rate limited", Retryable: true})

	retry := rec.wait(t)
	assert.Equal(t, tempID, retry.TempID)
	assert.Equal(t, "original offer", retry.Content, "retries must carry the original content")
	assert.Equal(t, 950.0, retry.OfferAmount)
}

func TestNonRetryableDrops(t *testing.T) {
	tr, c, rec := testTracker(t, DefaultConfig(), true)
	sub := tr.Dropped().Subscribe()
	defer sub.Unsubscribe()

	tempID, err := tr.Send(testChannel, model.MessageText, "bad", 0)
	require.NoError(t, err)
	rec.wait(t)

	tr.HandleFailed(testChannel, wire.Failed{TempID: tempID, Error: "validation failed", Retryable: false})

	select {
	case drop := <-sub.C():
		assert.Equal(t, tempID, drop.TempID)
		assert.Contains(t, drop.Reason, "validation failed")
	case <-time.After(time.Second):
		t.Fatal("no drop notification")
	}
	assert.Empty(t, c.Pending(testChannel))
}

func TestRetryBudgetExhaustionDrops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	tr, c, rec := testTracker(t, cfg, true)
	sub := tr.Dropped().Subscribe()
	defer sub.Unsubscribe()

	tempID, err := tr.Send(testChannel, model.MessageText, "stubborn", 0)
	require.NoError(t, err)
	rec.wait(t)

	// Two retries are allowed; the third failure must drop.
	for i := 0; i < 2; i++ {
		tr.HandleFailed(testChannel, wire.Failed{TempID: tempID, Error: "busy", Retryable: true})
		rec.wait(t)
	}
	tr.HandleFailed(testChannel, wire.Failed{TempID: tempID, Error: "busy", Retryable: true})

	select {
	case drop := <-sub.C():
		assert.Equal(t, tempID, drop.TempID)
	case <-time.After(time.Second):
		t.Fatal("message should have dropped after exhausting retries")
	}
	assert.Empty(t, c.Pending(testChannel))
}

func TestAckTimeoutTriggersRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckTimeout = 10 * time.Millisecond
	cfg.RetryBackoff = time.Millisecond
	tr, _, rec := testTracker(t, cfg, true)

	_, err := tr.Send(testChannel, model.MessageText, "slow server", 0)
	require.NoError(t, err)
	rec.wait(t)

	// No ack arrives; the watchdog reclassifies the send as failed and a
	// retry follows.
	retry := rec.wait(t)
	assert.Equal(t, "slow server", retry.Content)
}

func TestReplayPreservesOrderAndConsumesCredit(t *testing.T) {
	tr, c, rec := testTracker(t, DefaultConfig(), false)

	first, err := tr.Send(testChannel, model.MessageText, "first", 0)
	require.NoError(t, err)
	second, err := tr.Send(testChannel, model.MessageText, "second", 0)
	require.NoError(t, err)
	require.Equal(t, 0, rec.count())

	tr.Replay(testChannel)

	assert.Equal(t, first, rec.wait(t).TempID)
	assert.Equal(t, second, rec.wait(t).TempID)

	for _, pm := range c.Pending(testChannel) {
		assert.Equal(t, 1, pm.RetryCount, "each replay consumes one retry credit")
	}
}

func TestReplayDropsOverBudgetMessages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	tr, c, rec := testTracker(t, cfg, false)
	sub := tr.Dropped().Subscribe()
	defer sub.Unsubscribe()

	tempID, err := tr.Send(testChannel, model.MessageText, "doomed", 0)
	require.NoError(t, err)

	tr.Replay(testChannel) // credit 1 of 1
	rec.wait(t)
	tr.Replay(testChannel) // over budget

	select {
	case drop := <-sub.C():
		assert.Equal(t, tempID, drop.TempID)
	case <-time.After(time.Second):
		t.Fatal("replay past the budget should drop")
	}
	assert.Empty(t, c.Pending(testChannel))
}

func TestSendAfterClose(t *testing.T) {
	tr, _, _ := testTracker(t, DefaultConfig(), true)
	tr.Close()

	_, err := tr.Send(testChannel, model.MessageText, "late", 0)
	assert.ErrorIs(t, err, ErrClosed)
}
