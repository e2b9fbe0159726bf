package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/crewline/relay/core/comms"
)

// DefaultQueryLimit bounds unfiltered queries.
const DefaultQueryLimit = 100

// Filter selects messages from the log. Zero fields are ignored. Setting both
// SenderID and RecipientID selects the thread between the two agents in either
// direction.
type Filter struct {
	SquadID        string
	SenderID       string
	RecipientID    string
	ConversationID string
	Kinds          []comms.Kind
	Since          time.Time
	Until          time.Time

	// SearchText matches message content via the full-text index.
	SearchText string

	// Limit caps the page size. Default: 100.
	Limit int

	// Cursor resumes a previous query from Page.NextCursor.
	Cursor string
}

// Page is one window of query results in chronological order.
type Page struct {
	Messages []*comms.Message

	// NextCursor is empty when the log is exhausted.
	NextCursor string
}

// Query returns messages matching the filter, oldest first, restartable via
// the page cursor.
func (s *Store) Query(ctx context.Context, f Filter) (*Page, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	var (
		where []string
		args  []any
	)

	if f.Cursor != "" {
		seq, err := strconv.ParseInt(f.Cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", f.Cursor, err)
		}
		where = append(where, "seq > ?")
		args = append(args, seq)
	}
	if f.SquadID != "" {
		where = append(where, "squad_id = ?")
		args = append(args, f.SquadID)
	}
	switch {
	case f.SenderID != "" && f.RecipientID != "":
		// Thread reconstruction: both directions of the pair.
		where = append(where, "((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))")
		args = append(args, f.SenderID, f.RecipientID, f.RecipientID, f.SenderID)
	case f.SenderID != "":
		where = append(where, "sender_id = ?")
		args = append(args, f.SenderID)
	case f.RecipientID != "":
		where = append(where, "recipient_id = ?")
		args = append(args, f.RecipientID)
	}
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if len(f.Kinds) > 0 {
		placeholders := make([]string, len(f.Kinds))
		for i, kind := range f.Kinds {
			placeholders[i] = "?"
			args = append(args, string(kind))
		}
		where = append(where, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UTC())
	}

	if f.SearchText != "" {
		if s.index == nil {
			return nil, fmt.Errorf("content search requested but the index is disabled")
		}
		ids, err := s.index.Search(f.SearchText, searchCandidateLimit)
		if err != nil {
			return nil, fmt.Errorf("content search: %w", err)
		}
		if len(ids) == 0 {
			return &Page{}, nil
		}
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, "id IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := "SELECT seq, id, sender_id, recipient_id, conversation_id, squad_id, kind, content, metadata, created_at FROM messages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	page := &Page{}
	var lastSeq int64
	for rows.Next() {
		var seq int64
		var scanned messageRow
		if err := rows.Scan(&seq, &scanned.id, &scanned.sender, &scanned.recipient,
			&scanned.conversation, &scanned.squad, &scanned.kind, &scanned.content,
			&scanned.metadata, &scanned.createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if len(page.Messages) == limit {
			// One row past the page: more results exist.
			page.NextCursor = strconv.FormatInt(lastSeq, 10)
			return page, rows.Err()
		}
		msg, err := scanned.toMessage()
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, msg)
		lastSeq = seq
	}

	return page, rows.Err()
}

const searchCandidateLimit = 500

type messageRow struct {
	id           string
	sender       string
	recipient    string
	conversation string
	squad        string
	kind         string
	content      string
	metadata     []byte
	createdAt    time.Time
}

func (r *messageRow) toMessage() (*comms.Message, error) {
	msg := &comms.Message{
		ID:             r.id,
		SenderID:       r.sender,
		RecipientID:    r.recipient,
		ConversationID: r.conversation,
		SquadID:        r.squad,
		Kind:           comms.Kind(r.kind),
		Content:        r.content,
		CreatedAt:      r.createdAt,
	}
	if len(r.metadata) > 0 {
		if err := json.Unmarshal(r.metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", r.id, err)
		}
	}
	return msg, nil
}
