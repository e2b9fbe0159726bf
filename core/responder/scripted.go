package responder

import (
	"context"
	"sync"
	"time"
)

// ScriptedResponder replays canned answers, matched by conversation category.
// It backs tests and offline runs where no model provider is available.
type ScriptedResponder struct {
	mu      sync.Mutex
	answers map[string][]string
	cursor  map[string]int

	// Delay is applied before every answer, to simulate latency.
	Delay time.Duration

	err   error
	calls int
}

// NewScriptedResponder creates an empty script. Register answers with On.
func NewScriptedResponder() *ScriptedResponder {
	return &ScriptedResponder{
		answers: make(map[string][]string),
		cursor:  make(map[string]int),
	}
}

// On registers answers for a category, replayed in order. The last answer
// repeats once the script runs out. Category "" matches any request that has
// no category-specific script.
func (r *ScriptedResponder) On(category string, answers ...string) *ScriptedResponder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers[category] = append(r.answers[category], answers...)
	return r
}

// Name returns the provider identifier.
func (r *ScriptedResponder) Name() string {
	return "scripted"
}

// Respond replays the next scripted answer for the request's category.
func (r *ScriptedResponder) Respond(ctx context.Context, req *Request) (*Response, error) {
	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.Delay):
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.err != nil {
		return nil, r.err
	}

	key := req.Category
	script, ok := r.answers[key]
	if !ok || len(script) == 0 {
		key = ""
		script = r.answers[key]
	}
	if len(script) == 0 {
		return &Response{Text: "no scripted answer", Model: "scripted"}, nil
	}

	idx := r.cursor[key]
	if idx >= len(script) {
		idx = len(script) - 1
	}
	r.cursor[key] = idx + 1

	return &Response{
		Text:  script[idx],
		Model: "scripted",
		Usage: Usage{OutputTokens: len(script[idx])},
	}, nil
}

// SetErr makes Respond fail with err until cleared with nil.
func (r *ScriptedResponder) SetErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Calls reports how many times Respond ran.
func (r *ScriptedResponder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
