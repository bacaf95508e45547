package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wawtrams/delaywatch/internal/model"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	defer sub.Unsubscribe()

	event := model.DelayEvent{ID: "e1", VehicleID: "V/17/1"}
	b.PublishDelayStarted(event)
	b.PublishDelayResolved(event)

	select {
	case msg := <-sub.Messages():
		started, ok := msg.(DelayStarted)
		require.True(t, ok)
		require.Equal(t, "e1", started.Event.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DelayStarted")
	}

	select {
	case msg := <-sub.Messages():
		resolved, ok := msg.(DelayResolved)
		require.True(t, ok)
		require.Equal(t, "e1", resolved.Event.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DelayResolved")
	}
}

func TestSlowSubscriberDoesNotBlockBroker(t *testing.T) {
	b := New()
	sub := b.Subscribe(1) // unbuffered-ish: depth 1
	defer sub.Unsubscribe()

	// Fill the buffer, then publish more — must not block or panic.
	for i := 0; i < 5; i++ {
		b.PublishDelayStarted(model.DelayEvent{ID: "e"})
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	sub.Unsubscribe()

	b.PublishDelayStarted(model.DelayEvent{ID: "e1"})

	_, ok := <-sub.Messages()
	require.False(t, ok, "channel should be closed after unsubscribe")
}
