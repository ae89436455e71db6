package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(Event{Kind: KindClipFinished, ClipID: "c1"})

	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		assert.Equal(t, KindClipFinished, ev.Kind)
		assert.Equal(t, "c1", ev.ClipID)
		assert.False(t, ev.At.IsZero())
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Kind: KindUploadProgress, Progress: 0.1})
	bus.Publish(Event{Kind: KindUploadProgress, Progress: 0.2})

	ev := <-ch
	assert.Equal(t, 0.1, ev.Progress)
	select {
	case <-ch:
		t.Fatalf("expected second event to be dropped")
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	require.Equal(t, 1, bus.Subscribers())
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Subscribers())
	bus.Publish(Event{Kind: KindSession})
}
