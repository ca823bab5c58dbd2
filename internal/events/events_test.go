package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicPublishSubscribe(t *testing.T) {
	topic := NewTopic[string](4)
	sub := topic.Subscribe()
	require.NotNil(t, sub)

	topic.Publish("hello")
	assert.Equal(t, "hello", <-sub.C())
}

func TestTopicFanOut(t *testing.T) {
	topic := NewTopic[int](4)
	a := topic.Subscribe()
	b := topic.Subscribe()

	topic.Publish(7)
	assert.Equal(t, 7, <-a.C())
	assert.Equal(t, 7, <-b.C())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	topic := NewTopic[int](4)
	sub := topic.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	topic.Publish(1)
	_, open := <-sub.C()
	assert.False(t, open)
	assert.Equal(t, 0, topic.Len())
}

func TestPublishNeverBlocks(t *testing.T) {
	topic := NewTopic[int](1)
	sub := topic.Subscribe()

	topic.Publish(1)
	topic.Publish(2) // buffer full, dropped

	assert.Equal(t, 1, <-sub.C())
	select {
	case v := <-sub.C():
		t.Fatalf("unexpected event %d", v)
	default:
	}
}

func TestCloseDropsSubscribers(t *testing.T) {
	topic := NewTopic[int](1)
	sub := topic.Subscribe()

	topic.Close()
	_, open := <-sub.C()
	assert.False(t, open)
	assert.Nil(t, topic.Subscribe())
}
