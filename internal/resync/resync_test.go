package resync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barterline/parley/internal/cache"
	"github.com/barterline/parley/internal/model"
	"github.com/barterline/parley/internal/negotiation"
	"github.com/barterline/parley/internal/restapi"
)

type fakeFetcher struct {
	mu       sync.Mutex
	neg      model.NegotiationChannel
	msgs     []model.Message
	err      error
	fetches  int
	notified chan struct{}
}

func newFakeFetcher(neg model.NegotiationChannel, msgs []model.Message) *fakeFetcher {
	return &fakeFetcher{neg: neg, msgs: msgs, notified: make(chan struct{}, 4)}
}

func (f *fakeFetcher) GetNegotiation(ctx context.Context, channelID string) (*model.NegotiationChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	neg := f.neg
	return &neg, nil
}

func (f *fakeFetcher) GetAllMessages(ctx context.Context, channelID string, opts restapi.GetMessagesOptions) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	select {
	case f.notified <- struct{}{}:
	default:
	}
	return f.msgs, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func TestResyncReconciles(t *testing.T) {
	machine := negotiation.New(model.NegotiationChannel{ID: "chan-1", MaxRounds: 10}, nil)
	store := cache.New(cache.DefaultConfig(), nil, nil)

	fetcher := newFakeFetcher(
		model.NegotiationChannel{ID: "chan-1", Status: model.StatusInProgress, Round: 2, MaxRounds: 10, CurrentOffer: 950},
		[]model.Message{
			{PermanentID: "m1", ChannelID: "chan-1", Round: 1, State: model.DeliveryDelivered},
			{PermanentID: "m2", ChannelID: "chan-1", Round: 2, State: model.DeliveryDelivered},
		},
	)

	r := New(DefaultConfig(), "chan-1", machine, store, fetcher, nil)
	require.NoError(t, r.Resync(context.Background()))

	ch := machine.Channel()
	assert.Equal(t, 2, ch.Round)
	assert.Equal(t, 950.0, ch.CurrentOffer)
	assert.Len(t, store.History("chan-1"), 2)

	// A second resync adds nothing thanks to idempotent history merge.
	require.NoError(t, r.Resync(context.Background()))
	assert.Len(t, store.History("chan-1"), 2)
}

func TestResyncFetchError(t *testing.T) {
	machine := negotiation.New(model.NegotiationChannel{ID: "chan-1"}, nil)
	store := cache.New(cache.DefaultConfig(), nil, nil)
	fetcher := newFakeFetcher(model.NegotiationChannel{}, nil)
	fetcher.err = errors.New("boom")

	r := New(DefaultConfig(), "chan-1", machine, store, fetcher, nil)
	assert.Error(t, r.Resync(context.Background()))
}

func TestGapWatchFiresAfterDeadline(t *testing.T) {
	machine := negotiation.New(model.NegotiationChannel{ID: "chan-1", MaxRounds: 10}, nil)
	store := cache.New(cache.DefaultConfig(), nil, nil)

	// Round 1 applies, round 3 buffers: persistent gap.
	require.NoError(t, machine.ApplyOffer(negotiation.Offer{Round: 1, Amount: 900}))
	require.NoError(t, machine.ApplyOffer(negotiation.Offer{Round: 3, Amount: 980}))

	fetcher := newFakeFetcher(
		model.NegotiationChannel{ID: "chan-1", Status: model.StatusInProgress, Round: 2, MaxRounds: 10, CurrentOffer: 950},
		nil,
	)

	cfg := Config{
		CheckInterval: 5 * time.Millisecond,
		GapDeadline:   10 * time.Millisecond,
		Timeout:       time.Second,
	}
	r := New(cfg, "chan-1", machine, store, fetcher, nil)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	select {
	case <-fetcher.notified:
	case <-time.After(2 * time.Second):
		t.Fatal("gap watch never fetched a snapshot")
	}

	// Snapshot at round 2 closes the gap; the buffered round 3 applies.
	assert.Eventually(t, func() bool {
		return machine.Channel().Round == 3
	}, time.Second, 5*time.Millisecond)
}

func TestGapWatchQuietWithoutGap(t *testing.T) {
	machine := negotiation.New(model.NegotiationChannel{ID: "chan-1", MaxRounds: 10}, nil)
	store := cache.New(cache.DefaultConfig(), nil, nil)
	fetcher := newFakeFetcher(model.NegotiationChannel{}, nil)

	cfg := Config{
		CheckInterval: time.Millisecond,
		GapDeadline:   2 * time.Millisecond,
		Timeout:       time.Second,
	}
	r := New(cfg, "chan-1", machine, store, fetcher, nil)
	require.NoError(t, r.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, 0, fetcher.fetchCount())
}
