package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/relay/core/comms"
	"github.com/crewline/relay/core/events"
	"github.com/crewline/relay/core/routing"
)

// Router resolves responders and SLAs. Implemented by routing.Engine.
type Router interface {
	Resolve(squadID, category, fromRole string, excluded []string) (routing.Candidate, error)
	RoleOf(squadID, agentID string) (string, bool)
	SLAFor(squadID string, level int) time.Duration
}

// Store persists conversation snapshots. Implemented by history.Store.
// Saves must be durable before a transition reports success.
type Store interface {
	SaveConversation(ctx context.Context, c *Conversation) error
	OpenConversations(ctx context.Context) ([]*Conversation, error)
}

// Registry owns all open conversations and enforces the state machine.
// Transitions are serialized per conversation; there is no global lock across
// conversations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	router  Router
	bus     comms.Bus
	store   Store
	events  *events.Bus
	expired *ExpiredLog
	logger  *slog.Logger
	now     func() time.Time
}

type entry struct {
	mu   sync.Mutex
	conv *Conversation
}

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	Router Router
	Bus    comms.Bus

	// Store is optional; without it conversations are memory-only.
	Store Store

	// Events is optional; lifecycle notifications are skipped without it.
	Events *events.Bus

	// Expired retains human-intervention records. Optional.
	Expired *ExpiredLog

	Logger *slog.Logger

	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// NewRegistry creates a conversation registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries: make(map[string]*entry),
		router:  cfg.Router,
		bus:     cfg.Bus,
		store:   cfg.Store,
		events:  cfg.Events,
		expired: cfg.Expired,
		logger:  logger,
		now:     now,
	}
}

// Restore loads open conversations from the store, e.g. after a restart.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	open, err := r.store.OpenConversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open conversations: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for _, conv := range open {
		if _, exists := r.entries[conv.ID]; exists {
			continue
		}
		r.entries[conv.ID] = &entry{conv: conv}
		restored++
	}
	return restored, nil
}

// Create opens a conversation in StateInitiated at level 0, resolves the
// initial responder, and publishes the question to it. The snapshot is
// durable before Create returns. When no responder in the chain is live the
// conversation is created already expired, with the human-intervention
// notice broadcast, instead of returning an error.
func (r *Registry) Create(ctx context.Context, squadID, initiatorID, category, content string) (*Conversation, error) {
	role, ok := r.router.RoleOf(squadID, initiatorID)
	if !ok {
		return nil, fmt.Errorf("initiator %s is not a live participant of squad %s", initiatorID, squadID)
	}

	now := r.now()
	candidate, err := r.router.Resolve(squadID, category, role, []string{initiatorID})
	if err != nil {
		var noCandidate *routing.NoCandidateError
		if !errors.As(err, &noCandidate) {
			return nil, fmt.Errorf("resolve initial responder: %w", err)
		}
		return r.createExpired(ctx, squadID, initiatorID, role, category, content, now, err)
	}

	conv := &Conversation{
		ID:                 uuid.New().String(),
		SquadID:            squadID,
		InitiatorID:        initiatorID,
		InitiatorRole:      role,
		CurrentResponderID: candidate.AgentID,
		CurrentRole:        candidate.Role,
		Category:           category,
		Content:            content,
		EscalationLevel:    0,
		State:              StateInitiated,
		Version:            1,
		CreatedAt:          now,
		LastActivityAt:     now,
		ExpiresAt:          now.Add(r.router.SLAFor(squadID, 0)),
		Responders: []ResponderStep{{
			Level:      0,
			AgentID:    candidate.AgentID,
			Role:       candidate.Role,
			AssignedAt: now,
		}},
	}

	if err := r.save(ctx, conv); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.entries[conv.ID] = &entry{conv: conv}
	r.mu.Unlock()

	question := comms.NewQuestion(squadID, initiatorID, candidate.AgentID, conv.ID, content)
	question.WithMetadata("category", category)
	r.publish(ctx, question)

	r.emit(events.NewEvent(events.ConversationCreated, conv.ID, squadID, candidate.AgentID).
		WithDetail("category", category))

	r.logger.Info("conversation created",
		slog.String("conversation", conv.ID),
		slog.String("initiator", initiatorID),
		slog.String("responder", candidate.AgentID),
		slog.String("category", category))

	return conv.Clone(), nil
}

// createExpired records a question whose entire escalation chain was
// unavailable at creation time. The conversation lands directly in
// StateExpired and humans are notified immediately.
func (r *Registry) createExpired(ctx context.Context, squadID, initiatorID, role, category, content string, now time.Time, cause error) (*Conversation, error) {
	conv := &Conversation{
		ID:             uuid.New().String(),
		SquadID:        squadID,
		InitiatorID:    initiatorID,
		InitiatorRole:  role,
		Category:       category,
		Content:        content,
		State:          StateInitiated,
		Version:        1,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.expire(ctx, conv, now, cause)

	if err := r.save(ctx, conv); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.entries[conv.ID] = &entry{conv: conv}
	r.mu.Unlock()

	return conv.Clone(), nil
}

// Acknowledge marks the question as seen. Only legal from StateInitiated and
// only by the current responder.
func (r *Registry) Acknowledge(ctx context.Context, conversationID, by string) (*Conversation, error) {
	return r.mutate(ctx, conversationID, func(conv *Conversation) error {
		if conv.State != StateInitiated {
			return &InvalidTransitionError{ConversationID: conv.ID, From: conv.State, Op: "acknowledge"}
		}
		if by != conv.CurrentResponderID {
			return &InvalidTransitionError{
				ConversationID: conv.ID, From: conv.State, Op: "acknowledge",
				Reason: fmt.Sprintf("%s is not the current responder", by),
			}
		}
		now := r.now()
		conv.State = StateAcknowledged
		conv.LastActivityAt = now
		conv.ExpiresAt = now.Add(r.router.SLAFor(conv.SquadID, conv.EscalationLevel))

		ack := comms.NewAcknowledgment(conv.SquadID, by, conv.InitiatorID, conv.ID)
		r.publish(ctx, ack)
		return nil
	})
}

// Answer closes the conversation successfully and publishes the answer to
// the initiator. Legal from StateInitiated or StateAcknowledged, only by the
// current responder.
func (r *Registry) Answer(ctx context.Context, conversationID, by, content string) (*Conversation, error) {
	return r.mutate(ctx, conversationID, func(conv *Conversation) error {
		if !conv.State.open() {
			return &InvalidTransitionError{ConversationID: conv.ID, From: conv.State, Op: "answer"}
		}
		if by != conv.CurrentResponderID {
			return &InvalidTransitionError{
				ConversationID: conv.ID, From: conv.State, Op: "answer",
				Reason: fmt.Sprintf("%s is not the current responder", by),
			}
		}
		conv.State = StateAnswered
		conv.LastActivityAt = r.now()

		answer := comms.NewAnswer(conv.SquadID, by, conv.InitiatorID, conv.ID, content)
		r.publish(ctx, answer)

		r.emit(events.NewEvent(events.ConversationAnswered, conv.ID, conv.SquadID, by))
		return nil
	})
}

// Resolve closes the conversation without an answer (e.g. superseded). Legal
// from StateInitiated or StateAcknowledged.
func (r *Registry) Resolve(ctx context.Context, conversationID, reason string) (*Conversation, error) {
	return r.mutate(ctx, conversationID, func(conv *Conversation) error {
		if !conv.State.open() {
			return &InvalidTransitionError{ConversationID: conv.ID, From: conv.State, Op: "resolve"}
		}
		conv.State = StateResolved
		conv.LastActivityAt = r.now()

		r.logger.Info("conversation resolved without answer",
			slog.String("conversation", conv.ID),
			slog.String("reason", reason))
		return nil
	})
}

// Escalate re-routes an overdue conversation to the next responder in the
// hierarchy, or expires it with a human-intervention notice when the
// hierarchy is exhausted. expectedVersion is the version the caller observed;
// a mismatch returns ErrVersionConflict so concurrent monitors escalate at
// most once per breach.
func (r *Registry) Escalate(ctx context.Context, conversationID string, expectedVersion int64) (*Conversation, error) {
	return r.mutate(ctx, conversationID, func(conv *Conversation) error {
		if conv.Version != expectedVersion {
			return fmt.Errorf("conversation %s at version %d, expected %d: %w",
				conv.ID, conv.Version, expectedVersion, ErrVersionConflict)
		}
		if !conv.State.open() {
			return &InvalidTransitionError{ConversationID: conv.ID, From: conv.State, Op: "escalate"}
		}
		now := r.now()
		if now.Before(conv.ExpiresAt) {
			return fmt.Errorf("conversation %s due at %s: %w", conv.ID, conv.ExpiresAt.Format(time.RFC3339), ErrNotDue)
		}

		excluded := make([]string, 0, len(conv.Responders)+1)
		excluded = append(excluded, conv.InitiatorID)
		for _, step := range conv.Responders {
			excluded = append(excluded, step.AgentID)
		}

		// The chain is always the initiator's: each hop walks further down
		// the rule that matched the original question, with prior responders
		// excluded, rather than re-keying the lookup by the escalated role.
		candidate, err := r.router.Resolve(conv.SquadID, conv.Category, conv.InitiatorRole, excluded)
		if err != nil {
			r.expire(ctx, conv, now, err)
			return nil
		}

		conv.EscalationLevel++
		conv.CurrentResponderID = candidate.AgentID
		conv.CurrentRole = candidate.Role
		conv.State = StateInitiated
		conv.LastActivityAt = now
		conv.ExpiresAt = now.Add(r.router.SLAFor(conv.SquadID, conv.EscalationLevel))
		conv.Responders = append(conv.Responders, ResponderStep{
			Level:      conv.EscalationLevel,
			AgentID:    candidate.AgentID,
			Role:       candidate.Role,
			AssignedAt: now,
		})

		question := comms.NewQuestion(conv.SquadID, conv.InitiatorID, candidate.AgentID, conv.ID, conv.Content)
		question.WithMetadata("category", conv.Category)
		question.WithMetadata("escalation_level", fmt.Sprintf("%d", conv.EscalationLevel))
		r.publish(ctx, question)

		r.emit(events.NewEvent(events.ConversationEscalated, conv.ID, conv.SquadID, candidate.AgentID).
			WithDetail("escalation_level", conv.EscalationLevel))

		r.logger.Info("conversation escalated",
			slog.String("conversation", conv.ID),
			slog.Int("level", conv.EscalationLevel),
			slog.String("responder", candidate.AgentID))
		return nil
	})
}

// expire transitions the conversation to StateExpired and broadcasts a
// human-intervention notice carrying the full responder trail.
func (r *Registry) expire(ctx context.Context, conv *Conversation, now time.Time, cause error) {
	conv.State = StateExpired
	conv.LastActivityAt = now

	elapsed := conv.Elapsed(now)
	trail := conv.ResponderTrail()
	if trail == "" {
		// Expired at creation: nobody was ever assigned, so report the
		// resolution failure instead of an empty trail.
		trail = cause.Error()
	}
	notice := fmt.Sprintf(
		"conversation %s requires human intervention: question %q (category %s) went unanswered for %s; responders tried: %s",
		conv.ID, conv.Content, conv.Category, elapsed.Round(time.Second), trail)

	sender := conv.CurrentResponderID
	if sender == "" {
		sender = conv.InitiatorID
	}
	broadcast := comms.NewEscalationNotice(conv.SquadID, sender, conv.ID, notice)
	broadcast.WithMetadata("human_intervention", "true")
	broadcast.WithMetadata("escalation_level", fmt.Sprintf("%d", conv.EscalationLevel))
	r.publish(ctx, broadcast)

	if r.expired != nil {
		r.expired.Add(&ExpiredRecord{
			ConversationID: conv.ID,
			SquadID:        conv.SquadID,
			Category:       conv.Category,
			Responders:     append([]ResponderStep(nil), conv.Responders...),
			Elapsed:        elapsed,
			ExpiredAt:      now,
			Notice:         notice,
			Cause:          cause.Error(),
		})
	}

	r.emit(events.NewEvent(events.ConversationExpired, conv.ID, conv.SquadID, "").
		WithDetail("elapsed", elapsed.String()).
		WithDetail("responders_tried", len(conv.Responders)))

	r.logger.Warn("conversation expired, hierarchy exhausted",
		slog.String("conversation", conv.ID),
		slog.String("category", conv.Category),
		slog.Duration("elapsed", elapsed))
}

// Get returns a copy of a conversation.
func (r *Registry) Get(conversationID string) (*Conversation, error) {
	r.mu.RLock()
	e, ok := r.entries[conversationID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Clone(), nil
}

// DueRef identifies an overdue conversation at the version the scan observed.
type DueRef struct {
	ID      string
	Version int64
}

// Due returns open conversations whose SLA has been breached as of now, with
// the version each was observed at.
func (r *Registry) Due(now time.Time) []DueRef {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	var due []DueRef
	for _, e := range snapshot {
		e.mu.Lock()
		if e.conv.State.open() && !now.Before(e.conv.ExpiresAt) {
			due = append(due, DueRef{ID: e.conv.ID, Version: e.conv.Version})
		}
		e.mu.Unlock()
	}
	return due
}

// Open returns copies of all non-terminal conversations.
func (r *Registry) Open() []*Conversation {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	var open []*Conversation
	for _, e := range snapshot {
		e.mu.Lock()
		if e.conv.State.open() {
			open = append(open, e.conv.Clone())
		}
		e.mu.Unlock()
	}
	return open
}

// mutate applies fn to a working copy of the conversation under its lock,
// persists the result, and commits it. fn sees the current snapshot and
// mutates it in place; persistence failure discards the mutation.
func (r *Registry) mutate(ctx context.Context, conversationID string, fn func(conv *Conversation) error) (*Conversation, error) {
	r.mu.RLock()
	e, ok := r.entries[conversationID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.conv.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Version = e.conv.Version + 1

	if err := r.save(ctx, working); err != nil {
		return nil, err
	}

	e.conv = working
	return working.Clone(), nil
}

func (r *Registry) save(ctx context.Context, conv *Conversation) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("persist conversation %s: %v: %w", conv.ID, err, comms.ErrBackendUnavailable)
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, msg *comms.Message) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, msg); err != nil {
		// Best-effort delivery already happened for ErrBackendUnavailable;
		// anything else means the message did not reach live subscribers.
		r.logger.Warn("publish failed",
			slog.String("message", msg.ID),
			slog.String("kind", string(msg.Kind)),
			slog.String("error", err.Error()))
	}
}

func (r *Registry) emit(event *events.Event) {
	if r.events == nil {
		return
	}
	r.events.Publish(event)
}
