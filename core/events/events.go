// Package events emits conversation lifecycle notifications for external
// forwarders. Delivery is fire-and-forget: a slow or absent consumer never
// blocks or rolls back a state transition.
package events

import (
	"time"
)

// EventType identifies a conversation lifecycle notification.
type EventType string

const (
	ConversationCreated   EventType = "conversation_created"
	ConversationEscalated EventType = "conversation_escalated"
	ConversationAnswered  EventType = "conversation_answered"
	ConversationExpired   EventType = "conversation_expired"
)

func (t EventType) String() string {
	return string(t)
}

// Event is a conversation lifecycle notification.
type Event struct {
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversation_id"`
	SquadID        string         `json:"squad_id"`
	AgentID        string         `json:"agent_id,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, conversationID, squadID, agentID string) *Event {
	return &Event{
		Type:           eventType,
		ConversationID: conversationID,
		SquadID:        squadID,
		AgentID:        agentID,
		Timestamp:      time.Now(),
	}
}

// WithDetail attaches a detail field.
func (e *Event) WithDetail(key string, value any) *Event {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}
