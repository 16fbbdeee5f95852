package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/edgedash/pkg/models"
)

func TestBrokerWithoutSubscribers(t *testing.T) {
	b := NewBroker()
	b.Publish(EndpointsChanged())
	assert.Equal(t, uint64(1), b.Published())
}

func TestBrokerDeliversAndDrops(t *testing.T) {
	b := NewBroker()
	fast := make(chan Event, 4)
	slow := make(chan Event)

	require.NoError(t, b.Subscribe("fast", fast))
	require.NoError(t, b.Subscribe("slow", slow))
	assert.ErrorIs(t, b.Subscribe("fast", fast), ErrSubscriberExists)

	video := models.NewVideo("/tmp/raw/V1.mp4")
	b.Publish(VideoAdded(ListRaw, video))
	b.Publish(VideoRemovedByName(ListProcessing, "V1.mp4"))

	got := <-fast
	assert.Equal(t, KindVideoAdded, got.Kind)
	assert.Equal(t, ListRaw, got.List)
	assert.Equal(t, "V1.mp4", got.Content.Name)
	got = <-fast
	assert.Equal(t, KindVideoRemovedByName, got.Kind)
	assert.Equal(t, "V1.mp4", got.Name)

	stats, err := b.Stats("fast")
	require.NoError(t, err)
	assert.Equal(t, SubscriberStats{Sent: 2}, stats)

	stats, err = b.Stats("slow")
	require.NoError(t, err)
	assert.Equal(t, SubscriberStats{Dropped: 2}, stats)
}

func TestBrokerClose(t *testing.T) {
	b := NewBroker()
	ch := make(chan Event, 1)
	require.NoError(t, b.Subscribe("a", ch))

	b.Close()
	b.Publish(EndpointsChanged())
	assert.Len(t, ch, 0)
	assert.ErrorIs(t, b.Subscribe("b", ch), ErrBrokerClosed)
	_, err := b.Stats("a")
	assert.ErrorIs(t, err, ErrSubscriberNotFound)
}
