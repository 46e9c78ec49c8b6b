package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	bus.Publish(Event{Type: TypeTaskStarted, AgentName: "task-1", Content: "started"})

	select {
	case e := <-ch:
		assert.Equal(t, TypeTaskStarted, e.Type)
		assert.Equal(t, "task-1", e.AgentName)
		assert.False(t, e.Timestamp.IsZero(), "publish should stamp events")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(1)
	defer bus.Unsubscribe(ch)

	// First publish fills the buffer; second must be dropped, not block.
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: TypeTaskStarted})
		bus.Publish(Event{Type: TypeTaskCompleted})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	e := <-ch
	assert.Equal(t, TypeTaskStarted, e.Type)
	select {
	case e := <-ch:
		t.Fatalf("expected dropped event, got %q", e.Type)
	default:
	}
}

func TestBusNilSafe(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: TypeTaskStarted})
	})
	assert.Equal(t, 0, bus.SubscriberCount())
	assert.Nil(t, bus.History())
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(1)
	bus.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	assert.Equal(t, 0, bus.SubscriberCount())

	// Double unsubscribe is a no-op.
	assert.NotPanics(t, func() { bus.Unsubscribe(ch) })
}

func TestBusHistoryOrder(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeTaskRetry, Content: fmt.Sprintf("attempt %d", i)})
	}

	hist := bus.History()
	require.Len(t, hist, 5)
	for i, e := range hist {
		assert.Equal(t, fmt.Sprintf("attempt %d", i), e.Content)
	}
}

func TestBusHistoryCapsAtLimit(t *testing.T) {
	bus := NewBus()
	for i := 0; i < historyCap+50; i++ {
		bus.Publish(Event{Type: TypeTaskRetry, Content: fmt.Sprintf("%d", i)})
	}

	hist := bus.History()
	require.Len(t, hist, historyCap)
	// Oldest retained event is the 50th published.
	assert.Equal(t, "50", hist[0].Content)
	assert.Equal(t, fmt.Sprintf("%d", historyCap+49), hist[len(hist)-1].Content)
}
