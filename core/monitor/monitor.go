// Package monitor runs the background escalation loop: it periodically scans
// open conversations, and for each one whose SLA is breached triggers exactly
// one escalation. Multiple monitor instances may run concurrently; the
// registry's version guard makes duplicate attempts harmless no-ops.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewline/relay/core/convo"
)

// DefaultInterval between scans.
const DefaultInterval = 15 * time.Second

// Registry is the slice of convo.Registry the monitor drives.
type Registry interface {
	Due(now time.Time) []convo.DueRef
	Escalate(ctx context.Context, conversationID string, expectedVersion int64) (*convo.Conversation, error)
}

// Monitor is the escalation/timeout scanner.
type Monitor struct {
	registry Registry
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
	wg      sync.WaitGroup

	scans       atomic.Int64
	escalations atomic.Int64
	expirations atomic.Int64
	conflicts   atomic.Int64
	failures    atomic.Int64
}

// Config configures the monitor.
type Config struct {
	Registry Registry

	// Interval between scans. Default: 15s.
	Interval time.Duration

	Logger *slog.Logger

	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		registry: cfg.Registry,
		interval: interval,
		logger:   logger,
		now:      now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scan loop. It stops when ctx is cancelled or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the loop and waits for the in-flight scan to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan performs one pass over overdue conversations. One conversation's
// failure never blocks the rest of the batch.
func (m *Monitor) Scan(ctx context.Context) {
	m.scans.Add(1)

	due := m.registry.Due(m.now())
	for _, ref := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.escalateOne(ctx, ref)
	}
}

func (m *Monitor) escalateOne(ctx context.Context, ref convo.DueRef) {
	conv, err := m.registry.Escalate(ctx, ref.ID, ref.Version)
	switch {
	case err == nil:
		if conv.State == convo.StateExpired {
			m.expirations.Add(1)
		} else {
			m.escalations.Add(1)
		}

	case errors.Is(err, convo.ErrVersionConflict):
		// Another monitor instance, or an answer, won the race.
		m.conflicts.Add(1)
		m.logger.Debug("escalation lost version race",
			slog.String("conversation", ref.ID),
			slog.Int64("observed_version", ref.Version))

	case errors.Is(err, convo.ErrInvalidTransition), errors.Is(err, convo.ErrNotDue), errors.Is(err, convo.ErrNotFound):
		// Answered, resolved, or refreshed between scan and attempt.
		m.logger.Debug("escalation skipped",
			slog.String("conversation", ref.ID),
			slog.String("reason", err.Error()))

	default:
		m.failures.Add(1)
		m.logger.Error("escalation failed",
			slog.String("conversation", ref.ID),
			slog.String("error", err.Error()))
	}
}

// Stats is a point-in-time view of monitor activity.
type Stats struct {
	Scans       int64 `json:"scans"`
	Escalations int64 `json:"escalations"`
	Expirations int64 `json:"expirations"`
	Conflicts   int64 `json:"conflicts"`
	Failures    int64 `json:"failures"`
}

// Stats returns counters since start.
func (m *Monitor) Stats() Stats {
	return Stats{
		Scans:       m.scans.Load(),
		Escalations: m.escalations.Load(),
		Expirations: m.expirations.Load(),
		Conflicts:   m.conflicts.Load(),
		Failures:    m.failures.Load(),
	}
}
