package events

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultBufferSize is the per-subscriber channel depth.
const DefaultBufferSize = 128

// Bus fans lifecycle events out to subscribers over buffered channels. A full
// subscriber channel drops the event rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*busSubscriber
	nextID      int
	closed      bool

	debouncer *Debouncer
	logger    *slog.Logger
}

type busSubscriber struct {
	ch    chan *Event
	types map[EventType]struct{} // empty means all types
}

// BusConfig configures the notification bus.
type BusConfig struct {
	// DebounceWindow suppresses duplicate events (same type, conversation)
	// within the window. Zero disables debouncing.
	DebounceWindow time.Duration

	Logger *slog.Logger
}

// NewBus creates a notification bus.
func NewBus(cfg BusConfig) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := &Bus{
		subscribers: make(map[int]*busSubscriber),
		logger:      logger,
	}
	if cfg.DebounceWindow > 0 {
		bus.debouncer = NewDebouncer(cfg.DebounceWindow)
	}
	return bus
}

// Subscribe returns a channel of events and a cancel function. With no types
// the subscription receives every event.
func (b *Bus) Subscribe(types ...EventType) (<-chan *Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &busSubscriber{
		ch:    make(chan *Event, DefaultBufferSize),
		types: make(map[EventType]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers the event to every interested subscriber without blocking.
// Events lost to full buffers or debouncing are logged and discarded.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}
	if b.debouncer != nil && b.debouncer.ShouldSkip(event) {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if len(sub.types) > 0 {
			if _, interested := sub.types[event.Type]; !interested {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("notification dropped, subscriber buffer full",
				slog.String("type", event.Type.String()),
				slog.String("conversation", event.ConversationID))
		}
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Debouncer suppresses duplicate events within a time window. Events are
// identified by type and conversation ID.
type Debouncer struct {
	window time.Duration
	seen   map[string]time.Time
	mu     sync.Mutex
}

// NewDebouncer creates a debouncer with the given window.
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Debouncer{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// ShouldSkip returns true if a duplicate was seen within the window.
func (d *Debouncer) ShouldSkip(event *Event) bool {
	signature := event.Type.String() + ":" + event.ConversationID
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Stale signatures can never suppress anything again; drop them so the
	// map stays bounded by the set of conversations active within one window.
	for sig, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, sig)
		}
	}

	lastSeen, exists := d.seen[signature]
	if exists && now.Sub(lastSeen) <= d.window {
		return true
	}
	d.seen[signature] = now
	return false
}
