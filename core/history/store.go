// Package history provides the durable, queryable log of delivered messages
// and conversation snapshots. Storage is tiered: SQLite is the source of
// truth, a ristretto cache front-ends point lookups, and an optional bleve
// index serves full-text content search.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/ristretto"
	_ "modernc.org/sqlite"

	"github.com/crewline/relay/core/comms"
)

const (
	// DefaultStorePath is the default location for the SQLite database.
	DefaultStorePath = ".relay/history.db"

	defaultNumCounters = 1e5
	defaultMaxCost     = 1 << 26 // 64MB
	defaultBufferItems = 64
)

// ErrNotFound is returned when a message or conversation does not exist.
var ErrNotFound = errors.New("not found")

// Store is the append-only message log plus conversation snapshot storage.
type Store struct {
	db     *sql.DB
	cache  *ristretto.Cache
	index  *ContentIndex
	logger *slog.Logger
	path   string
}

// StoreConfig configures the history store.
type StoreConfig struct {
	// Path to the SQLite database file. Empty uses an in-memory database.
	Path string

	// IndexPath for the bleve content index. Empty uses an in-memory index.
	IndexPath string

	// DisableSearch skips building the content index entirely.
	DisableSearch bool

	Logger *slog.Logger
}

// NewStore opens (or creates) the history store.
func NewStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// In-memory SQLite holds state per connection.
	if cfg.Path == "" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: defaultNumCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create message cache: %w", err)
	}

	store := &Store{
		db:     db,
		cache:  cache,
		logger: logger,
		path:   cfg.Path,
	}

	if err := store.initSchema(); err != nil {
		cache.Close()
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if !cfg.DisableSearch {
		index, err := NewContentIndex(cfg.IndexPath)
		if err != nil {
			cache.Close()
			db.Close()
			return nil, fmt.Errorf("open content index: %w", err)
		}
		store.index = index
	}

	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		squad_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair
		ON messages(sender_id, recipient_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient
		ON messages(recipient_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		squad_id TEXT NOT NULL,
		initiator_id TEXT NOT NULL,
		initiator_role TEXT NOT NULL DEFAULT '',
		current_responder_id TEXT NOT NULL,
		category TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		escalation_level INTEGER NOT NULL,
		version INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		escalation_history TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_state
		ON conversations(state, expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append records a delivered message. Implements comms.Recorder.
func (s *Store) Append(ctx context.Context, msg *comms.Message) error {
	var metadata []byte
	if len(msg.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, conversation_id, squad_id, kind, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.RecipientID, msg.ConversationID, msg.SquadID,
		string(msg.Kind), msg.Content, nullableBytes(metadata), msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}

	s.cache.Set(msg.ID, msg, messageCost(msg))

	if s.index != nil {
		if err := s.index.Index(msg); err != nil {
			// The row is durable; a stale search index is tolerable.
			s.logger.Warn("content index update failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
		}
	}

	return nil
}

// Get returns a message by ID, consulting the cache first.
func (s *Store) Get(ctx context.Context, id string) (*comms.Message, error) {
	if cached, ok := s.cache.Get(id); ok {
		if msg, ok := cached.(*comms.Message); ok {
			return msg, nil
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, recipient_id, conversation_id, squad_id, kind, content, metadata, created_at
		FROM messages WHERE id = ?`, id)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}

	s.cache.Set(msg.ID, msg, messageCost(msg))
	return msg, nil
}

// Close releases the database, cache, and index.
func (s *Store) Close() error {
	s.cache.Close()
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			s.logger.Warn("close content index", slog.String("error", err.Error()))
		}
	}
	return s.db.Close()
}

func messageCost(msg *comms.Message) int64 {
	cost := int64(200)
	cost += int64(len(msg.ID) + len(msg.SenderID) + len(msg.RecipientID))
	cost += int64(len(msg.Content))
	return cost
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*comms.Message, error) {
	var (
		msg       comms.Message
		kind      string
		metadata  sql.NullString
		createdAt time.Time
	)
	err := row.Scan(&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.ConversationID,
		&msg.SquadID, &kind, &msg.Content, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}
	msg.Kind = comms.Kind(kind)
	msg.CreatedAt = createdAt
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &msg, nil
}
