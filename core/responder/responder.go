// Package responder generates answers on behalf of agents that are marked
// auto-respond. Implementations wrap a model provider; the scripted responder
// serves tests and offline runs.
package responder

import (
	"context"
	"errors"
	"fmt"
)

// ErrMissingAPIKey indicates a provider was configured without credentials.
var ErrMissingAPIKey = errors.New("responder: missing API key")

// ErrTimeout indicates a response attempt exceeded its deadline.
var ErrTimeout = errors.New("responder: timed out")

// Request carries the question an auto-responding agent was asked.
type Request struct {
	// AgentID and Role identify the answering participant.
	AgentID string
	Role    string

	SquadID  string
	Category string

	// Question is the content to answer.
	Question string

	// ConversationID ties the exchange back to the registry.
	ConversationID string
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is a generated answer.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Responder produces an answer for a request. Implementations must honor
// ctx deadlines and return rather than block past cancellation.
type Responder interface {
	Name() string
	Respond(ctx context.Context, req *Request) (*Response, error)
}

// systemPrompt frames the request for model-backed responders.
func systemPrompt(req *Request) string {
	return fmt.Sprintf(
		"You are %s, acting as the %s for squad %s. "+
			"Answer the following question from a teammate directly and concisely. "+
			"If you cannot answer from your role's knowledge, say so explicitly.",
		req.AgentID, req.Role, req.SquadID)
}
