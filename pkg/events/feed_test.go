package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedFanOut(t *testing.T) {
	feed := NewFeed[int]()
	a, cancelA := feed.Subscribe(4)
	b, cancelB := feed.Subscribe(4)
	defer cancelA()
	defer cancelB()

	feed.Emit(1)
	feed.Emit(2)

	assert.Equal(t, 1, <-a)
	assert.Equal(t, 2, <-a)
	assert.Equal(t, 1, <-b)
	assert.Equal(t, 2, <-b)
}

func TestFeedEmitDoesNotBlock(t *testing.T) {
	feed := NewFeed[string]()
	ch, cancel := feed.Subscribe(1)
	defer cancel()

	feed.Emit("first")
	feed.Emit("second")

	assert.Equal(t, "first", <-ch)
	assert.Equal(t, uint64(1), feed.Dropped())
}

func TestFeedCancelClosesChannel(t *testing.T) {
	feed := NewFeed[int]()
	ch, cancel := feed.Subscribe(1)
	require.Equal(t, 1, feed.SubscriberCount())

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, feed.SubscriberCount())
	feed.Emit(1)
}

func TestFeedClose(t *testing.T) {
	feed := NewFeed[int]()
	ch, cancel := feed.Subscribe(1)
	feed.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := feed.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}
