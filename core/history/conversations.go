package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crewline/relay/core/convo"
)

// SaveConversation upserts a conversation snapshot. Implements convo.Store.
func (s *Store) SaveConversation(ctx context.Context, c *convo.Conversation) error {
	responders, err := json.Marshal(c.Responders)
	if err != nil {
		return fmt.Errorf("marshal responder history: %w", err)
	}

	var expiresAt any
	if !c.ExpiresAt.IsZero() {
		expiresAt = c.ExpiresAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, squad_id, initiator_id, initiator_role, current_responder_id, category, content, state,
			 escalation_level, version, created_at, last_activity_at, expires_at, escalation_history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_responder_id = excluded.current_responder_id,
			state = excluded.state,
			escalation_level = excluded.escalation_level,
			version = excluded.version,
			last_activity_at = excluded.last_activity_at,
			expires_at = excluded.expires_at,
			escalation_history = excluded.escalation_history`,
		c.ID, c.SquadID, c.InitiatorID, c.InitiatorRole, c.CurrentResponderID, c.Category, c.Content, string(c.State),
		c.EscalationLevel, c.Version, c.CreatedAt.UTC(), c.LastActivityAt.UTC(), expiresAt, responders)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	return nil
}

// OpenConversations returns all non-terminal conversations, for registry
// recovery after a restart. Implements convo.Store.
func (s *Store) OpenConversations(ctx context.Context) ([]*convo.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, squad_id, initiator_id, initiator_role, current_responder_id, category, content, state,
		       escalation_level, version, created_at, last_activity_at, expires_at, escalation_history
		FROM conversations
		WHERE state IN (?, ?)
		ORDER BY created_at ASC`,
		string(convo.StateInitiated), string(convo.StateAcknowledged))
	if err != nil {
		return nil, fmt.Errorf("query open conversations: %w", err)
	}
	defer rows.Close()

	var out []*convo.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// GetConversation loads one conversation snapshot by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*convo.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, squad_id, initiator_id, initiator_role, current_responder_id, category, content, state,
		       escalation_level, version, created_at, last_activity_at, expires_at, escalation_history
		FROM conversations WHERE id = ?`, id)

	conv, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return conv, nil
}

func scanConversation(row rowScanner) (*convo.Conversation, error) {
	var (
		conv       convo.Conversation
		state      string
		createdAt  time.Time
		lastActive time.Time
		expiresAt  sql.NullTime
		responders []byte
	)
	err := row.Scan(&conv.ID, &conv.SquadID, &conv.InitiatorID, &conv.InitiatorRole, &conv.CurrentResponderID,
		&conv.Category, &conv.Content, &state, &conv.EscalationLevel, &conv.Version,
		&createdAt, &lastActive, &expiresAt, &responders)
	if err != nil {
		return nil, err
	}

	conv.State = convo.State(state)
	conv.CreatedAt = createdAt
	conv.LastActivityAt = lastActive
	if expiresAt.Valid {
		conv.ExpiresAt = expiresAt.Time
	}
	if len(responders) > 0 {
		if err := json.Unmarshal(responders, &conv.Responders); err != nil {
			return nil, fmt.Errorf("unmarshal responder history for %s: %w", conv.ID, err)
		}
	}
	if len(conv.Responders) > 0 {
		conv.CurrentRole = conv.Responders[len(conv.Responders)-1].Role
	}
	return &conv, nil
}
