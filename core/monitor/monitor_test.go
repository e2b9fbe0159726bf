package monitor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/relay/core/convo"
	"github.com/crewline/relay/core/monitor"
)

// fakeRegistry scripts Due and Escalate outcomes per conversation.
type fakeRegistry struct {
	mu       sync.Mutex
	due      []convo.DueRef
	outcome  map[string]error
	expired  map[string]bool
	attempts []convo.DueRef
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		outcome: make(map[string]error),
		expired: make(map[string]bool),
	}
}

func (f *fakeRegistry) Due(now time.Time) []convo.DueRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]convo.DueRef(nil), f.due...)
}

func (f *fakeRegistry) Escalate(ctx context.Context, id string, version int64) (*convo.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, convo.DueRef{ID: id, Version: version})
	if err := f.outcome[id]; err != nil {
		return nil, err
	}
	state := convo.StateInitiated
	if f.expired[id] {
		state = convo.StateExpired
	}
	return &convo.Conversation{ID: id, State: state}, nil
}

func (f *fakeRegistry) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func TestScanEscalatesEveryDueConversation(t *testing.T) {
	registry := newFakeRegistry()
	registry.due = []convo.DueRef{
		{ID: "conv-1", Version: 3},
		{ID: "conv-2", Version: 1},
	}
	registry.expired["conv-2"] = true

	mon := monitor.New(monitor.Config{Registry: registry})
	mon.Scan(context.Background())

	require.Equal(t, 2, registry.attemptCount())
	assert.Equal(t, int64(3), registry.attempts[0].Version)

	stats := mon.Stats()
	assert.Equal(t, int64(1), stats.Scans)
	assert.Equal(t, int64(1), stats.Escalations)
	assert.Equal(t, int64(1), stats.Expirations)
}

func TestScanToleratesRacesAndIsolatesFailures(t *testing.T) {
	registry := newFakeRegistry()
	registry.due = []convo.DueRef{
		{ID: "conflicted", Version: 1},
		{ID: "answered", Version: 2},
		{ID: "broken", Version: 3},
		{ID: "fine", Version: 4},
	}
	registry.outcome["conflicted"] = convo.ErrVersionConflict
	registry.outcome["answered"] = &convo.InvalidTransitionError{ConversationID: "answered", From: convo.StateAnswered, Op: "escalate"}
	registry.outcome["broken"] = errors.New("store offline")

	mon := monitor.New(monitor.Config{Registry: registry})
	mon.Scan(context.Background())

	// One failure never stops the rest of the batch.
	assert.Equal(t, 4, registry.attemptCount())

	stats := mon.Stats()
	assert.Equal(t, int64(1), stats.Conflicts)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(1), stats.Escalations)
}

func TestScanStopsWhenContextCancelled(t *testing.T) {
	registry := newFakeRegistry()
	for i := 0; i < 10; i++ {
		registry.due = append(registry.due, convo.DueRef{ID: "conv", Version: 1})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mon := monitor.New(monitor.Config{Registry: registry})
	mon.Scan(ctx)

	assert.Equal(t, 0, registry.attemptCount())
}

func TestStartScansPeriodically(t *testing.T) {
	registry := newFakeRegistry()
	registry.due = []convo.DueRef{{ID: "conv-1", Version: 1}}

	mon := monitor.New(monitor.Config{
		Registry: registry,
		Interval: 5 * time.Millisecond,
	})
	mon.Start(context.Background())

	require.Eventually(t, func() bool {
		return registry.attemptCount() >= 3
	}, time.Second, time.Millisecond)

	mon.Stop()
	after := registry.attemptCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, registry.attemptCount())
}

func TestStopIsIdempotent(t *testing.T) {
	mon := monitor.New(monitor.Config{Registry: newFakeRegistry()})
	mon.Start(context.Background())
	mon.Stop()
	mon.Stop()
}
