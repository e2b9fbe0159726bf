package comms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultInboxCapacity is the per-subscription buffer size.
const DefaultInboxCapacity = 1000

// InboxBus is the in-process Bus implementation: one bounded inbox per
// subscription, drop-oldest on overflow, squad-wide broadcast fan-out, and
// write-through to a durable Recorder before delivery.
type InboxBus struct {
	byAgent *ShardedMap[string, *subList]
	bySquad *ShardedMap[string, *subList]

	recorder Recorder
	logger   *slog.Logger

	capacity int
	closed   atomic.Bool

	totalDropped   atomic.Int64
	totalPublished atomic.Int64
}

type subList struct {
	mu   sync.RWMutex
	subs []*Subscription
}

func (l *subList) snapshot() []*Subscription {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Subscription(nil), l.subs...)
}

func (l *subList) add(s *Subscription) {
	l.mu.Lock()
	l.subs = append(l.subs, s)
	l.mu.Unlock()
}

func (l *subList) remove(s *Subscription) {
	l.mu.Lock()
	kept := l.subs[:0]
	for _, sub := range l.subs {
		if sub != s {
			kept = append(kept, sub)
		}
	}
	l.subs = kept
	l.mu.Unlock()
}

// InboxBusConfig configures the bus.
type InboxBusConfig struct {
	// Capacity is the per-subscription inbox size. Default: 1000.
	Capacity int

	// Recorder receives every published message before delivery. Optional;
	// without one the bus is purely in-memory.
	Recorder Recorder

	// ShardCount for the subscription indexes. Default: 64.
	ShardCount int

	Logger *slog.Logger
}

// DefaultInboxBusConfig returns sensible defaults.
func DefaultInboxBusConfig() InboxBusConfig {
	return InboxBusConfig{
		Capacity:   DefaultInboxCapacity,
		ShardCount: DefaultShardCount,
	}
}

// NewInboxBus creates an InboxBus.
func NewInboxBus(cfg InboxBusConfig) *InboxBus {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultInboxCapacity
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = DefaultShardCount
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &InboxBus{
		byAgent:  NewStringMap[*subList](cfg.ShardCount),
		bySquad:  NewStringMap[*subList](cfg.ShardCount),
		recorder: cfg.Recorder,
		logger:   logger,
		capacity: cfg.Capacity,
	}
}

// Publish appends msg to the durable log, then delivers it. Delivery proceeds
// even when the append fails; the failure is logged and surfaced as a wrapped
// ErrBackendUnavailable so callers can retry persistence without re-sending.
func (b *InboxBus) Publish(ctx context.Context, msg *Message) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	var recordErr error
	if b.recorder != nil {
		if err := b.recorder.Append(ctx, msg); err != nil {
			recordErr = fmt.Errorf("record message %s: %v: %w", msg.ID, err, ErrBackendUnavailable)
			b.logger.Warn("history append failed, delivering in-memory only",
				slog.String("message_id", msg.ID),
				slog.String("sender", msg.SenderID),
				slog.String("error", err.Error()))
		}
	}

	b.deliver(msg)
	b.totalPublished.Add(1)

	return recordErr
}

func (b *InboxBus) deliver(msg *Message) {
	var targets []*Subscription
	if msg.IsBroadcast() {
		if list, ok := b.bySquad.Get(msg.SquadID); ok {
			targets = list.snapshot()
		}
	} else {
		if list, ok := b.byAgent.Get(msg.RecipientID); ok {
			targets = list.snapshot()
		}
	}

	for _, sub := range targets {
		if sub.enqueue(msg) {
			b.totalDropped.Add(1)
		}
	}
}

// Subscribe opens a bounded message stream for agentID within squadID.
func (b *InboxBus) Subscribe(agentID, squadID string) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	sub := &Subscription{
		bus:     b,
		agentID: agentID,
		squadID: squadID,
		ch:      make(chan *Message, b.capacity),
	}
	sub.active.Store(true)

	agentList, _ := b.byAgent.GetOrCreate(agentID, func() *subList { return &subList{} })
	agentList.add(sub)

	squadList, _ := b.bySquad.GetOrCreate(squadID, func() *subList { return &subList{} })
	squadList.add(sub)

	return sub, nil
}

// Close shuts down the bus and all subscriptions.
func (b *InboxBus) Close() error {
	if b.closed.Swap(true) {
		return ErrBusClosed
	}

	b.byAgent.Range(func(_ string, list *subList) bool {
		for _, sub := range list.snapshot() {
			sub.shutdown()
		}
		return true
	})
	b.byAgent.Clear()
	b.bySquad.Clear()

	return nil
}

// BusStats is a point-in-time snapshot of bus activity.
type BusStats struct {
	Subscriptions  int              `json:"subscriptions"`
	Published      int64            `json:"published"`
	Dropped        int64            `json:"dropped"`
	ByAgent        map[string]int   `json:"by_agent"`
	DroppedByAgent map[string]int64 `json:"dropped_by_agent,omitempty"`
	Capacity       int              `json:"capacity"`
	Closed         bool             `json:"closed"`
}

// Stats returns a snapshot of current bus state.
func (b *InboxBus) Stats() BusStats {
	stats := BusStats{
		Published:      b.totalPublished.Load(),
		Dropped:        b.totalDropped.Load(),
		ByAgent:        make(map[string]int),
		DroppedByAgent: make(map[string]int64),
		Capacity:       b.capacity,
		Closed:         b.closed.Load(),
	}

	b.byAgent.Range(func(agentID string, list *subList) bool {
		subs := list.snapshot()
		if len(subs) == 0 {
			return true
		}
		stats.Subscriptions += len(subs)
		stats.ByAgent[agentID] = len(subs)
		var dropped int64
		for _, sub := range subs {
			dropped += sub.dropped.Load()
		}
		if dropped > 0 {
			stats.DroppedByAgent[agentID] = dropped
		}
		return true
	})

	return stats
}

// Subscription is a live pull stream of messages for one agent. Messages are
// read from C; a full buffer evicts the oldest unread message.
type Subscription struct {
	bus     *InboxBus
	agentID string
	squadID string
	ch      chan *Message

	// enqMu serializes the evict-then-send path so drop-oldest is atomic.
	enqMu   sync.Mutex
	active  atomic.Bool
	closed  atomic.Bool
	dropped atomic.Int64
}

// C returns the receive channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan *Message {
	return s.ch
}

// AgentID returns the subscribed agent.
func (s *Subscription) AgentID() string {
	return s.agentID
}

// SquadID returns the squad the subscription joined.
func (s *Subscription) SquadID() string {
	return s.squadID
}

// IsActive returns true if the subscription still receives messages.
func (s *Subscription) IsActive() bool {
	return s.active.Load() && !s.closed.Load()
}

// Dropped returns how many messages were evicted from this inbox.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Unsubscribe removes the subscription and closes its channel. History is
// unaffected.
func (s *Subscription) Unsubscribe() error {
	if !s.active.Swap(false) {
		return ErrSubscriptionClosed
	}

	if list, ok := s.bus.byAgent.Get(s.agentID); ok {
		list.remove(s)
	}
	if list, ok := s.bus.bySquad.Get(s.squadID); ok {
		list.remove(s)
	}

	s.shutdown()
	return nil
}

// enqueue delivers msg, evicting the oldest unread message when the buffer is
// full. Returns true if a message was dropped.
func (s *Subscription) enqueue(msg *Message) bool {
	if !s.active.Load() || s.closed.Load() {
		return false
	}

	s.enqMu.Lock()
	defer s.enqMu.Unlock()

	// Re-check under the lock: shutdown closes the channel while holding it.
	if s.closed.Load() {
		return false
	}

	// Retry the send before each eviction: a consumer may drain the channel
	// between attempts, in which case nothing is dropped and the counters
	// must not move.
	evicted := false
	for {
		select {
		case s.ch <- msg:
			return evicted
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			evicted = true
		default:
		}
	}
}

func (s *Subscription) shutdown() {
	if s.closed.Swap(true) {
		return
	}
	s.active.Store(false)
	s.enqMu.Lock()
	close(s.ch)
	s.enqMu.Unlock()
}
