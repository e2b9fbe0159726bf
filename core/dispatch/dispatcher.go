// Package dispatch is the high-level entry point for agent communication. It
// wraps the conversation registry behind question/acknowledge/answer calls and
// drives automatic responses for participants marked auto-respond.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewline/relay/core/convo"
	"github.com/crewline/relay/core/events"
	"github.com/crewline/relay/core/responder"
	"github.com/crewline/relay/core/routing"
)

// DefaultResponseTimeout bounds a single auto-response attempt.
const DefaultResponseTimeout = 30 * time.Second

// Registry is the slice of convo.Registry the dispatcher uses.
type Registry interface {
	Create(ctx context.Context, squadID, initiatorID, category, content string) (*convo.Conversation, error)
	Acknowledge(ctx context.Context, conversationID, by string) (*convo.Conversation, error)
	Answer(ctx context.Context, conversationID, by, content string) (*convo.Conversation, error)
	Resolve(ctx context.Context, conversationID, reason string) (*convo.Conversation, error)
	Get(conversationID string) (*convo.Conversation, error)
}

// Dispatcher routes questions into conversations and answers them on behalf
// of auto-responding participants.
type Dispatcher struct {
	registry  Registry
	roster    *routing.Roster
	responder responder.Responder
	events    *events.Bus
	policy    RetryPolicy
	timeout   time.Duration
	logger    *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex

	autoAnswered atomic.Int64
	autoFailed   atomic.Int64
}

// Config configures a Dispatcher.
type Config struct {
	Registry Registry
	Roster   *routing.Roster

	// Responder generates automatic answers. Nil disables auto-respond.
	Responder responder.Responder

	// Events is the bus the registry emits lifecycle events on. The
	// dispatcher listens for created and escalated conversations to pick
	// up auto-respond targets. Nil disables auto-respond.
	Events *events.Bus

	// Retry governs auto-response attempts. Zero value means default.
	Retry RetryPolicy

	// ResponseTimeout bounds each responder attempt. Default: 30s.
	ResponseTimeout time.Duration

	Logger *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	timeout := cfg.ResponseTimeout
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		roster:    cfg.Roster,
		responder: cfg.Responder,
		events:    cfg.Events,
		policy:    policy,
		timeout:   timeout,
		logger:    logger,
	}
}

// AskQuestion opens a conversation that routes content to a responder chosen
// for the squad and category.
func (d *Dispatcher) AskQuestion(ctx context.Context, squadID, initiatorID, category, content string) (*convo.Conversation, error) {
	return d.registry.Create(ctx, squadID, initiatorID, category, content)
}

// Acknowledge records that the current responder has seen the question.
func (d *Dispatcher) Acknowledge(ctx context.Context, conversationID, by string) (*convo.Conversation, error) {
	return d.registry.Acknowledge(ctx, conversationID, by)
}

// Answer delivers the responder's answer back to the initiator.
func (d *Dispatcher) Answer(ctx context.Context, conversationID, by, content string) (*convo.Conversation, error) {
	return d.registry.Answer(ctx, conversationID, by, content)
}

// Resolve closes a conversation without an answer.
func (d *Dispatcher) Resolve(ctx context.Context, conversationID, reason string) (*convo.Conversation, error) {
	return d.registry.Resolve(ctx, conversationID, reason)
}

// Start begins watching for conversations assigned to auto-responding
// participants. It is a no-op when no responder or event bus is configured.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.responder == nil || d.events == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	ch, unsubscribe := d.events.Subscribe(events.ConversationCreated, events.ConversationEscalated)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				d.maybeAutoRespond(ctx, event)
			}
		}
	}()
}

// Stop halts auto-responding and waits for in-flight answers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.started = false
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) maybeAutoRespond(ctx context.Context, event *events.Event) {
	conv, err := d.registry.Get(event.ConversationID)
	if err != nil {
		return
	}
	if conv.State != convo.StateInitiated {
		return
	}

	participant, ok := d.roster.Get(conv.CurrentResponderID)
	if !ok || !participant.AutoRespond {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.respond(ctx, conv)
	}()
}

// respond generates and submits an answer for conv. On exhausted retries the
// conversation is left open so the escalation monitor moves it along.
func (d *Dispatcher) respond(ctx context.Context, conv *convo.Conversation) {
	if _, err := d.registry.Acknowledge(ctx, conv.ID, conv.CurrentResponderID); err != nil {
		var invalid *convo.InvalidTransitionError
		if !errors.As(err, &invalid) {
			d.logger.Warn("auto-acknowledge failed",
				slog.String("conversation", conv.ID),
				slog.String("error", err.Error()))
		}
	}

	req := &responder.Request{
		AgentID:        conv.CurrentResponderID,
		Role:           conv.CurrentRole,
		SquadID:        conv.SquadID,
		Category:       conv.Category,
		Question:       conv.Content,
		ConversationID: conv.ID,
	}

	resp, attempts, err := retry(ctx, d.policy, func(ctx context.Context, attempt int) (*responder.Response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		r, rerr := d.responder.Respond(attemptCtx, req)
		if rerr != nil && errors.Is(rerr, context.DeadlineExceeded) && ctx.Err() == nil {
			rerr = fmt.Errorf("%w after %s", responder.ErrTimeout, d.timeout)
		}
		return r, rerr
	})
	if err != nil {
		d.autoFailed.Add(1)
		d.logger.Warn("auto-response exhausted",
			slog.String("conversation", conv.ID),
			slog.String("agent", conv.CurrentResponderID),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
		return
	}

	if _, err := d.registry.Answer(ctx, conv.ID, conv.CurrentResponderID, resp.Text); err != nil {
		// Escalated or answered by a human while we were generating.
		d.logger.Debug("auto-answer rejected",
			slog.String("conversation", conv.ID),
			slog.String("error", err.Error()))
		return
	}

	d.autoAnswered.Add(1)
	d.logger.Info("auto-answered",
		slog.String("conversation", conv.ID),
		slog.String("agent", conv.CurrentResponderID),
		slog.String("model", resp.Model),
		slog.Int("attempts", attempts),
		slog.Int("output_tokens", resp.Usage.OutputTokens))
}

// Stats is a point-in-time view of auto-response activity.
type Stats struct {
	AutoAnswered int64 `json:"auto_answered"`
	AutoFailed   int64 `json:"auto_failed"`
}

// Stats returns counters since start.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		AutoAnswered: d.autoAnswered.Load(),
		AutoFailed:   d.autoFailed.Load(),
	}
}
