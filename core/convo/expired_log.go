package convo

import (
	"sync"
	"time"
)

// ExpiredRecord retains everything a human needs to act on an exhausted
// conversation without re-deriving context.
type ExpiredRecord struct {
	ConversationID string          `json:"conversation_id"`
	SquadID        string          `json:"squad_id"`
	Category       string          `json:"category"`
	Responders     []ResponderStep `json:"responders"`
	Elapsed        time.Duration   `json:"elapsed"`
	ExpiredAt      time.Time       `json:"expired_at"`
	Notice         string          `json:"notice"`
	Cause          string          `json:"cause,omitempty"`

	// Handled is set when a human picks the record up.
	Handled   bool      `json:"handled"`
	HandledAt time.Time `json:"handled_at,omitempty"`
}

// ExpiredLog is a bounded in-memory queue of human-intervention records,
// oldest evicted first. It exists for inspection and alerting; the durable
// audit trail is the escalation_notice broadcast in history.
type ExpiredLog struct {
	mu      sync.RWMutex
	records []*ExpiredRecord
	maxSize int
	onAdd   func(*ExpiredRecord)

	totalAdded int64
}

// ExpiredLogConfig configures the log.
type ExpiredLogConfig struct {
	// MaxSize caps retained records. Default: 1000.
	MaxSize int

	// OnAdd is invoked for every new record, e.g. to page someone.
	OnAdd func(*ExpiredRecord)
}

// NewExpiredLog creates an expired-conversation log.
func NewExpiredLog(cfg ExpiredLogConfig) *ExpiredLog {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	return &ExpiredLog{
		maxSize: cfg.MaxSize,
		onAdd:   cfg.OnAdd,
	}
}

// Add appends a record, evicting the oldest if the log is full.
func (l *ExpiredLog) Add(record *ExpiredRecord) {
	l.mu.Lock()
	l.records = append(l.records, record)
	if len(l.records) > l.maxSize {
		l.records = l.records[len(l.records)-l.maxSize:]
	}
	l.totalAdded++
	onAdd := l.onAdd
	l.mu.Unlock()

	if onAdd != nil {
		onAdd(record)
	}
}

// Pending returns unhandled records, oldest first.
func (l *ExpiredLog) Pending() []*ExpiredRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var pending []*ExpiredRecord
	for _, rec := range l.records {
		if !rec.Handled {
			pending = append(pending, rec)
		}
	}
	return pending
}

// MarkHandled flags a record as picked up. Returns false if unknown.
func (l *ExpiredLog) MarkHandled(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.records {
		if rec.ConversationID == conversationID && !rec.Handled {
			rec.Handled = true
			rec.HandledAt = time.Now()
			return true
		}
	}
	return false
}

// Len returns the number of retained records.
func (l *ExpiredLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// TotalAdded returns how many records have ever been added.
func (l *ExpiredLog) TotalAdded() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalAdded
}
