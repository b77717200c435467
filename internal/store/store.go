// Package store provides storage backends for PacePipe's conversation
// history. Each delivered paced item is recorded exactly once, in delivery
// order, along with inbound participant messages; continuation requests
// replay this history to the upstream model.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// Message roles recorded in history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryMessage is one recorded conversation entry. For assistant entries
// the group metadata ties the row back to its paced delivery; violations,
// tool calls and has_next appear only on a group's last item and reasoning
// only on its first, mirroring how items were delivered.
type HistoryMessage struct {
	ID           int64             `json:"id"`
	Conversation string            `json:"conversation"`
	Role         string            `json:"role"`
	Content      string            `json:"content"`
	Kind         models.ItemKind   `json:"kind,omitempty"`
	ImagePrompt  string            `json:"image_prompt,omitempty"`
	GroupID      string            `json:"group_id,omitempty"`
	MessageIndex int               `json:"message_index"`
	TotalInGroup int               `json:"total_in_group"`
	Reasoning    string            `json:"reasoning,omitempty"`
	Violations   []string          `json:"violations,omitempty"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	HasNext      bool              `json:"has_next,omitempty"`
	RecordedAt   time.Time         `json:"recorded_at"`
}

// Store is the persistence surface for conversation history and delivery
// receipts.
type Store interface {
	AddMessage(msg HistoryMessage) error
	// GetMessages returns a conversation's history in recorded order.
	GetMessages(conversation string) ([]HistoryMessage, error)
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	Close() error
}

// Opts holds configuration options for persistent stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-style connection strings
// and "sqlite3" for anything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore keeps history in memory, for tests and ephemeral runs.
type InMemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	messages []HistoryMessage
	receipts []models.Receipt
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) AddMessage(msg HistoryMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	if msg.RecordedAt.IsZero() {
		msg.RecordedAt = time.Now()
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *InMemoryStore) GetMessages(conversation string) ([]HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryMessage
	for _, m := range s.messages {
		if m.Conversation == conversation {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
