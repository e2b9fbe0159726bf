package history

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"

	"github.com/crewline/relay/core/comms"
)

// ContentIndex is a full-text index over message content backing the
// Filter.SearchText path. The SQLite log remains the source of truth; the
// index stores only what search needs.
type ContentIndex struct {
	index bleve.Index
}

type indexedMessage struct {
	Content  string `json:"content"`
	SenderID string `json:"sender_id"`
	SquadID  string `json:"squad_id"`
	Kind     string `json:"kind"`
}

// NewContentIndex opens or creates a content index. An empty path builds an
// in-memory index.
func NewContentIndex(path string) (*ContentIndex, error) {
	mapping := bleve.NewIndexMapping()

	if path == "" {
		index, err := bleve.NewMemOnly(mapping)
		if err != nil {
			return nil, fmt.Errorf("create in-memory index: %w", err)
		}
		return &ContentIndex{index: index}, nil
	}

	index, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(path, mapping)
	}
	if err != nil {
		return nil, fmt.Errorf("open index at %s: %w", path, err)
	}
	return &ContentIndex{index: index}, nil
}

// Index adds a message to the index.
func (c *ContentIndex) Index(msg *comms.Message) error {
	return c.index.Index(msg.ID, indexedMessage{
		Content:  msg.Content,
		SenderID: msg.SenderID,
		SquadID:  msg.SquadID,
		Kind:     string(msg.Kind),
	})
}

// Search returns the IDs of messages whose content matches text, best match
// first, up to limit.
func (c *ContentIndex) Search(text string, limit int) ([]string, error) {
	query := bleve.NewMatchQuery(text)
	req := bleve.NewSearchRequest(query)
	req.Size = limit

	result, err := c.index.Search(req)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Close releases the index.
func (c *ContentIndex) Close() error {
	return c.index.Close()
}
