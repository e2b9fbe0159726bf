// Package comms provides the inter-agent message bus: an immutable message
// model, per-agent bounded inboxes with drop-oldest backpressure, and squad
// broadcast fan-out. All inter-agent communication flows through the bus.
package comms

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the kind of inter-agent message.
type Kind string

const (
	// KindQuestion is a question addressed to a specific responder.
	KindQuestion Kind = "question"

	// KindAnswer is a response to a question, addressed to the initiator.
	KindAnswer Kind = "answer"

	// KindAcknowledgment signals a responder has seen a question and is working on it.
	KindAcknowledgment Kind = "acknowledgment"

	// KindStatusUpdate is an informational progress note.
	KindStatusUpdate Kind = "status_update"

	// KindBroadcast is a squad-wide message with no specific recipient.
	KindBroadcast Kind = "broadcast"

	// KindEscalationNotice announces an escalation or hierarchy exhaustion.
	// Notices tagged for human intervention carry the full responder history.
	KindEscalationNotice Kind = "escalation_notice"
)

// Message is an immutable communication unit between agents. Once created it
// is never mutated; ordering between two messages with the same
// (SenderID, RecipientID) pair matches creation order as observed by the bus.
type Message struct {
	// ID is the unique message identifier (UUID).
	ID string `json:"id"`

	// SenderID is the agent that created this message.
	SenderID string `json:"sender_id"`

	// RecipientID is the intended recipient. Empty means squad broadcast.
	RecipientID string `json:"recipient_id,omitempty"`

	// ConversationID links the message to a question/answer exchange.
	// Empty for non-conversational broadcasts.
	ConversationID string `json:"conversation_id,omitempty"`

	// SquadID scopes broadcast fan-out and history queries.
	SquadID string `json:"squad_id"`

	// Kind indicates the message kind.
	Kind Kind `json:"kind"`

	// Content is the message body.
	Content string `json:"content"`

	// Metadata for extensibility (custom key-value pairs).
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the message was created.
	CreatedAt time.Time `json:"created_at"`
}

// IsBroadcast returns true if the message has no specific recipient.
func (m *Message) IsBroadcast() bool {
	return m.RecipientID == ""
}

// WithMetadata returns the message with a metadata key set. Intended for use
// during construction, before the message is published.
func (m *Message) WithMetadata(key, value string) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
	return m
}

// NewMessage creates a message of the given kind. An empty recipient produces
// a broadcast.
func NewMessage(kind Kind, squadID, senderID, recipientID, content string) *Message {
	return &Message{
		ID:          uuid.New().String(),
		SenderID:    senderID,
		RecipientID: recipientID,
		SquadID:     squadID,
		Kind:        kind,
		Content:     content,
		CreatedAt:   time.Now(),
	}
}

// NewQuestion creates a question message bound to a conversation.
func NewQuestion(squadID, senderID, recipientID, conversationID, content string) *Message {
	msg := NewMessage(KindQuestion, squadID, senderID, recipientID, content)
	msg.ConversationID = conversationID
	return msg
}

// NewAnswer creates an answer message addressed back to the initiator.
func NewAnswer(squadID, senderID, recipientID, conversationID, content string) *Message {
	msg := NewMessage(KindAnswer, squadID, senderID, recipientID, content)
	msg.ConversationID = conversationID
	return msg
}

// NewAcknowledgment creates an acknowledgment for a question.
func NewAcknowledgment(squadID, senderID, recipientID, conversationID string) *Message {
	msg := NewMessage(KindAcknowledgment, squadID, senderID, recipientID, "")
	msg.ConversationID = conversationID
	return msg
}

// NewEscalationNotice creates a broadcast escalation notice for a conversation.
func NewEscalationNotice(squadID, senderID, conversationID, content string) *Message {
	msg := NewMessage(KindEscalationNotice, squadID, senderID, "", content)
	msg.ConversationID = conversationID
	return msg
}
