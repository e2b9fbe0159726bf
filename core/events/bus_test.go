package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/relay/core/events"
)

func drain(ch <-chan *events.Event) []*events.Event {
	var got []*events.Event
	for {
		select {
		case e := <-ch:
			got = append(got, e)
		case <-time.After(20 * time.Millisecond):
			return got
		}
	}
}

func TestSubscribeReceivesMatchingTypes(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	defer bus.Close()

	escalations, cancel := bus.Subscribe(events.ConversationEscalated)
	defer cancel()
	everything, cancelAll := bus.Subscribe()
	defer cancelAll()

	bus.Publish(events.NewEvent(events.ConversationCreated, "conv-1", "backend", "senior-1"))
	bus.Publish(events.NewEvent(events.ConversationEscalated, "conv-1", "backend", "lead-1").
		WithDetail("escalation_level", 1))

	got := drain(escalations)
	require.Len(t, got, 1)
	assert.Equal(t, events.ConversationEscalated, got[0].Type)
	assert.Equal(t, "lead-1", got[0].AgentID)
	assert.Equal(t, 1, got[0].Detail["escalation_level"])

	assert.Len(t, drain(everything), 2)
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	// Nobody reading; overflow past the buffer must not block.
	for i := 0; i < events.DefaultBufferSize+10; i++ {
		bus.Publish(events.NewEvent(events.ConversationCreated, "conv-1", "backend", "a"))
	}

	assert.Len(t, drain(ch), events.DefaultBufferSize)
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // idempotent

	bus.Publish(events.NewEvent(events.ConversationCreated, "conv-1", "backend", "a"))

	_, open := <-ch
	assert.False(t, open)
}

func TestPublishAfterClose(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	ch, _ := bus.Subscribe()
	bus.Close()

	bus.Publish(events.NewEvent(events.ConversationCreated, "conv-1", "backend", "a"))

	_, open := <-ch
	assert.False(t, open)
}

func TestDebounceSuppressesDuplicates(t *testing.T) {
	bus := events.NewBus(events.BusConfig{DebounceWindow: time.Minute})
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(events.NewEvent(events.ConversationExpired, "conv-1", "backend", ""))
	bus.Publish(events.NewEvent(events.ConversationExpired, "conv-1", "backend", ""))
	// Different conversation or type is not a duplicate.
	bus.Publish(events.NewEvent(events.ConversationExpired, "conv-2", "backend", ""))
	bus.Publish(events.NewEvent(events.ConversationAnswered, "conv-1", "backend", "a"))

	assert.Len(t, drain(ch), 3)
}
