package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe()
	b, unsubB := bus.Subscribe()
	defer unsubA()
	defer unsubB()

	bus.Publish(Event{Type: TaskSubmitted, Source: "manual", TaskID: "t1"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case evt := <-ch:
			assert.Equal(t, TaskSubmitted, evt.Type)
			assert.False(t, evt.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	drops := 0
	bus := NewBus(WithQueueSize(1), WithDropHook(func(Event) { drops++ }))
	_, unsub := bus.Subscribe()
	defer unsub()

	bus.Publish(Event{Type: TaskProgress})
	bus.Publish(Event{Type: TaskProgress})
	bus.Publish(Event{Type: TaskProgress})

	assert.Equal(t, 2, drops)
}

func TestBusUnsubscribeClosesOnce(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe()
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, bus.SubscriberCount())
}

func TestBusRecentKeepsNewest(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus := NewBus(WithHistory(2), WithClock(func() time.Time { return fixed }))
	bus.Publish(Event{Type: TaskSubmitted, TaskID: "1"})
	bus.Publish(Event{Type: TaskSubmitted, TaskID: "2"})
	bus.Publish(Event{Type: TaskSubmitted, TaskID: "3"})

	recent := bus.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "2", recent[0].TaskID)
	assert.Equal(t, "3", recent[1].TaskID)
	assert.Equal(t, fixed, recent[1].At)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(Event{Type: TaskFailed}) })
}
