package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barterline/parley/internal/cache"
	"github.com/barterline/parley/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := &cache.ChannelRecord{
		History: []model.Message{{
			PermanentID: "m1",
			ChannelID:   "chan-1",
			Type:        model.MessageOffer,
			Content:     "900 works?",
			OfferAmount: 900,
			Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
			State:       model.DeliveryDelivered,
		}},
		Pending: []model.PendingMessage{{
			TempID:     "t1",
			Type:       model.MessageText,
			Content:    "queued while offline",
			RetryCount: 1,
		}},
	}

	require.NoError(t, store.Save(ctx, "chan-1", rec))

	got, err := store.Load(ctx, "chan-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.History, 1)
	assert.Equal(t, "m1", got.History[0].PermanentID)
	assert.Equal(t, float64(900), got.History[0].OfferAmount)
	require.Len(t, got.Pending, 1)
	assert.Equal(t, 1, got.Pending[0].RetryCount)
}

func TestLoadAbsentChannel(t *testing.T) {
	store := openTestStore(t)

	got, err := store.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveOverwrites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "chan-1", &cache.ChannelRecord{
		Pending: []model.PendingMessage{{TempID: "t1"}},
	}))
	require.NoError(t, store.Save(ctx, "chan-1", &cache.ChannelRecord{
		Pending: []model.PendingMessage{{TempID: "t2"}},
	}))

	got, err := store.Load(ctx, "chan-1")
	require.NoError(t, err)
	require.Len(t, got.Pending, 1)
	assert.Equal(t, "t2", got.Pending[0].TempID)
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "chan-1", &cache.ChannelRecord{}))
	require.NoError(t, store.Delete(ctx, "chan-1"))
	require.NoError(t, store.Delete(ctx, "chan-1")) // absent is not an error

	got, err := store.Load(ctx, "chan-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}
