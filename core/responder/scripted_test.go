package responder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/relay/core/responder"
)

func TestScriptedRepliesPerCategory(t *testing.T) {
	script := responder.NewScriptedResponder().
		On("database", "add an index", "vacuum the table").
		On("", "ask the lead")

	ctx := context.Background()

	resp, err := script.Respond(ctx, &responder.Request{Category: "database", Question: "slow query"})
	require.NoError(t, err)
	assert.Equal(t, "add an index", resp.Text)

	resp, err = script.Respond(ctx, &responder.Request{Category: "database"})
	require.NoError(t, err)
	assert.Equal(t, "vacuum the table", resp.Text)

	// Script exhausted: the last answer repeats.
	resp, err = script.Respond(ctx, &responder.Request{Category: "database"})
	require.NoError(t, err)
	assert.Equal(t, "vacuum the table", resp.Text)

	// Unknown categories fall back to the catch-all script.
	resp, err = script.Respond(ctx, &responder.Request{Category: "security"})
	require.NoError(t, err)
	assert.Equal(t, "ask the lead", resp.Text)

	assert.Equal(t, 4, script.Calls())
}

func TestScriptedFailure(t *testing.T) {
	script := responder.NewScriptedResponder()
	script.SetErr(errors.New("offline"))

	_, err := script.Respond(context.Background(), &responder.Request{Question: "q"})
	require.Error(t, err)

	script.SetErr(nil)
	resp, err := script.Respond(context.Background(), &responder.Request{Question: "q"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Text)
}

func TestScriptedHonorsContext(t *testing.T) {
	script := responder.NewScriptedResponder().On("", "late")
	script.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := script.Respond(ctx, &responder.Request{Question: "q"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProviderConfigValidation(t *testing.T) {
	_, err := responder.NewAnthropicResponder(responder.AnthropicConfig{})
	assert.ErrorIs(t, err, responder.ErrMissingAPIKey)

	_, err = responder.NewOpenAIResponder(responder.OpenAIConfig{})
	assert.ErrorIs(t, err, responder.ErrMissingAPIKey)
}
