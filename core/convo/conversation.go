// Package convo owns the lifecycle of question/answer exchanges between
// agents. Every conversation moves through a typed state machine; mutations
// happen only through Registry transitions, serialized per conversation and
// guarded by an optimistic version counter so concurrent monitors never
// double-escalate.
package convo

import (
	"errors"
	"fmt"
	"time"
)

// State is a conversation lifecycle state.
type State string

const (
	// StateInitiated: the question is with the current responder, unseen.
	// Escalation re-enters this state at the new target.
	StateInitiated State = "initiated"

	// StateAcknowledged: the current responder has seen the question.
	StateAcknowledged State = "acknowledged"

	// StateAnswered: terminal success.
	StateAnswered State = "answered"

	// StateExpired: terminal failure, the escalation hierarchy was
	// exhausted and the final level's SLA was breached.
	StateExpired State = "expired"

	// StateResolved: terminal, closed without an answer (e.g. superseded).
	StateResolved State = "resolved"
)

// IsTerminal returns true for final states.
func (s State) IsTerminal() bool {
	return s == StateAnswered || s == StateExpired || s == StateResolved
}

// open reports whether the conversation still awaits a response.
func (s State) open() bool {
	return s == StateInitiated || s == StateAcknowledged
}

var (
	// ErrInvalidTransition is wrapped by every state-machine guard
	// violation, e.g. answering an already-answered conversation.
	ErrInvalidTransition = errors.New("invalid conversation transition")

	// ErrVersionConflict is returned when an optimistic escalation attempt
	// lost the race: the conversation changed between read and write. The
	// loser re-evaluates, typically finding the conversation answered.
	ErrVersionConflict = errors.New("conversation version conflict")

	// ErrNotFound is returned for unknown conversation IDs.
	ErrNotFound = errors.New("conversation not found")

	// ErrNotDue is returned when escalation is attempted before the
	// current level's SLA has elapsed.
	ErrNotDue = errors.New("conversation SLA not yet breached")
)

// InvalidTransitionError describes a rejected state-machine operation.
type InvalidTransitionError struct {
	ConversationID string
	From           State
	Op             string
	Reason         string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("conversation %s: cannot %s from state %q", e.ConversationID, e.Op, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ResponderStep records one responder the conversation was routed to.
type ResponderStep struct {
	Level      int       `json:"level"`
	AgentID    string    `json:"agent_id"`
	Role       string    `json:"role"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Conversation is one open question/answer exchange. EscalationLevel never
// decreases, exactly one responder is current at any time, and state only
// follows the defined graph.
type Conversation struct {
	ID                 string    `json:"id"`
	SquadID            string    `json:"squad_id"`
	InitiatorID        string    `json:"initiator_id"`
	InitiatorRole      string    `json:"initiator_role"`
	CurrentResponderID string    `json:"current_responder_id"`
	CurrentRole        string    `json:"current_role"`
	Category           string    `json:"category"`
	Content            string    `json:"content"`
	EscalationLevel    int       `json:"escalation_level"`
	State              State     `json:"state"`
	Version            int64     `json:"version"`
	CreatedAt          time.Time `json:"created_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	ExpiresAt          time.Time `json:"expires_at"`

	// Responders lists every responder tried, in order, including the
	// initial target at level 0.
	Responders []ResponderStep `json:"responders"`
}

// Clone returns a deep copy. Registry hands out copies so callers can never
// mutate registry state directly.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	clone.Responders = append([]ResponderStep(nil), c.Responders...)
	return &clone
}

// Elapsed returns how long the conversation has been open.
func (c *Conversation) Elapsed(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// ResponderTrail formats the ordered responder history for notices.
func (c *Conversation) ResponderTrail() string {
	trail := ""
	for i, step := range c.Responders {
		if i > 0 {
			trail += " -> "
		}
		trail += fmt.Sprintf("%s (%s, level %d)", step.AgentID, step.Role, step.Level)
	}
	return trail
}
