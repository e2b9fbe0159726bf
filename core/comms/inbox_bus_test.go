package comms_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crewline/relay/core/comms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	appended []*comms.Message
	fail     bool
}

func (r *recordingSink) Append(_ context.Context, msg *comms.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("disk on fire")
	}
	r.appended = append(r.appended, msg)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.appended)
}

func receiveOne(t *testing.T, sub *comms.Subscription) *comms.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription channel closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestInboxBus_PublishDirect(t *testing.T) {
	bus := comms.NewInboxBus(comms.DefaultInboxBusConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("dev-1", "squad-a")
	require.NoError(t, err)

	other, err := bus.Subscribe("dev-2", "squad-a")
	require.NoError(t, err)

	msg := comms.NewQuestion("squad-a", "pm-1", "dev-1", "conv-1", "how does auth work?")
	require.NoError(t, bus.Publish(context.Background(), msg))

	got := receiveOne(t, sub)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, comms.KindQuestion, got.Kind)

	select {
	case unexpected := <-other.C():
		t.Fatalf("dev-2 received a message addressed to dev-1: %v", unexpected.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInboxBus_BroadcastReachesSquadOnly(t *testing.T) {
	bus := comms.NewInboxBus(comms.DefaultInboxBusConfig())
	defer bus.Close()

	a1, err := bus.Subscribe("dev-1", "squad-a")
	require.NoError(t, err)
	a2, err := bus.Subscribe("qa-1", "squad-a")
	require.NoError(t, err)
	b1, err := bus.Subscribe("dev-9", "squad-b")
	require.NoError(t, err)

	gone, err := bus.Subscribe("dev-2", "squad-a")
	require.NoError(t, err)
	require.NoError(t, gone.Unsubscribe())

	msg := comms.NewMessage(comms.KindBroadcast, "squad-a", "pm-1", "", "standup in 5")
	require.NoError(t, bus.Publish(context.Background(), msg))

	assert.Equal(t, msg.ID, receiveOne(t, a1).ID)
	assert.Equal(t, msg.ID, receiveOne(t, a2).ID)

	select {
	case m := <-b1.C():
		t.Fatalf("squad-b subscriber received squad-a broadcast: %v", m.ID)
	case <-time.After(50 * time.Millisecond):
	}

	// Unsubscribed channel is closed and empty.
	m, ok := <-gone.C()
	assert.False(t, ok)
	assert.Nil(t, m)
}

func TestInboxBus_DropOldest(t *testing.T) {
	sink := &recordingSink{}
	bus := comms.NewInboxBus(comms.InboxBusConfig{Capacity: 2, Recorder: sink})
	defer bus.Close()

	sub, err := bus.Subscribe("qa-1", "squad-a")
	require.NoError(t, err)

	ctx := context.Background()
	var sent []*comms.Message
	for i := 1; i <= 3; i++ {
		msg := comms.NewMessage(comms.KindStatusUpdate, "squad-a", "dev-1", "qa-1", fmt.Sprintf("m%d", i))
		require.NoError(t, bus.Publish(ctx, msg))
		sent = append(sent, msg)
	}

	// Live stream surfaces only the newest two; the durable log keeps all three.
	assert.Equal(t, sent[1].ID, receiveOne(t, sub).ID)
	assert.Equal(t, sent[2].ID, receiveOne(t, sub).ID)
	assert.Equal(t, 3, sink.count())
	assert.EqualValues(t, 1, sub.Dropped())

	stats := bus.Stats()
	assert.EqualValues(t, 1, stats.Dropped)
	assert.EqualValues(t, 3, stats.Published)
}

func TestInboxBus_DropCountersStayExact(t *testing.T) {
	bus := comms.NewInboxBus(comms.InboxBusConfig{Capacity: 2})
	defer bus.Close()

	sub, err := bus.Subscribe("qa-1", "squad-a")
	require.NoError(t, err)

	ctx := context.Background()
	publish := func(n int) {
		for i := 0; i < n; i++ {
			msg := comms.NewMessage(comms.KindStatusUpdate, "squad-a", "dev-1", "qa-1", fmt.Sprintf("m%d", i))
			require.NoError(t, bus.Publish(ctx, msg))
		}
	}

	// Fill, drain, fill again: the consumer kept up, so nothing dropped.
	publish(2)
	receiveOne(t, sub)
	receiveOne(t, sub)
	publish(2)
	assert.EqualValues(t, 0, sub.Dropped())
	assert.EqualValues(t, 0, bus.Stats().Dropped)

	// Overflowing by exactly two evicts exactly two, never more.
	publish(2)
	assert.EqualValues(t, 2, sub.Dropped())
	assert.EqualValues(t, 2, bus.Stats().Dropped)
}

func TestInboxBus_RecorderFailureStillDelivers(t *testing.T) {
	sink := &recordingSink{fail: true}
	bus := comms.NewInboxBus(comms.InboxBusConfig{Recorder: sink})
	defer bus.Close()

	sub, err := bus.Subscribe("dev-1", "squad-a")
	require.NoError(t, err)

	msg := comms.NewQuestion("squad-a", "pm-1", "dev-1", "conv-1", "ping")
	err = bus.Publish(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, comms.ErrBackendUnavailable)

	// Delivery is best-effort even when persistence is down.
	assert.Equal(t, msg.ID, receiveOne(t, sub).ID)
}

func TestInboxBus_OrderingPerSenderRecipientPair(t *testing.T) {
	bus := comms.NewInboxBus(comms.DefaultInboxBusConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("dev-1", "squad-a")
	require.NoError(t, err)

	ctx := context.Background()
	const n = 200
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg := comms.NewMessage(comms.KindStatusUpdate, "squad-a", "pm-1", "dev-1", fmt.Sprintf("update %d", i))
		require.NoError(t, bus.Publish(ctx, msg))
		ids = append(ids, msg.ID)
	}

	for i := 0; i < n; i++ {
		assert.Equal(t, ids[i], receiveOne(t, sub).ID, "message %d out of order", i)
	}
}

func TestInboxBus_Closed(t *testing.T) {
	bus := comms.NewInboxBus(comms.DefaultInboxBusConfig())

	sub, err := bus.Subscribe("dev-1", "squad-a")
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Close(), comms.ErrBusClosed)

	err = bus.Publish(context.Background(), comms.NewMessage(comms.KindBroadcast, "squad-a", "pm-1", "", "x"))
	assert.ErrorIs(t, err, comms.ErrBusClosed)

	_, err = bus.Subscribe("dev-2", "squad-a")
	assert.ErrorIs(t, err, comms.ErrBusClosed)

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestSubscription_UnsubscribeTwice(t *testing.T) {
	bus := comms.NewInboxBus(comms.DefaultInboxBusConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("dev-1", "squad-a")
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.ErrorIs(t, sub.Unsubscribe(), comms.ErrSubscriptionClosed)
	assert.False(t, sub.IsActive())
}

func TestInboxBus_ConcurrentPublish(t *testing.T) {
	bus := comms.NewInboxBus(comms.DefaultInboxBusConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("dev-1", "squad-a")
	require.NoError(t, err)

	const senders = 8
	const perSender = 50

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				msg := comms.NewMessage(comms.KindStatusUpdate, "squad-a",
					fmt.Sprintf("agent-%d", s), "dev-1", fmt.Sprintf("%d/%d", s, i))
				_ = bus.Publish(context.Background(), msg)
			}
		}(s)
	}
	wg.Wait()

	// Every sender's messages arrive in its own send order.
	lastSeen := make(map[string]int)
	for i := 0; i < senders*perSender; i++ {
		msg := receiveOne(t, sub)
		var s, seq int
		_, err := fmt.Sscanf(msg.Content, "%d/%d", &s, &seq)
		require.NoError(t, err)
		last, seen := lastSeen[msg.SenderID]
		if seen {
			assert.Greater(t, seq, last, "sender %s out of order", msg.SenderID)
		}
		lastSeen[msg.SenderID] = seq
	}
}
