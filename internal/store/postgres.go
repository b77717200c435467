package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// Connection pool configuration.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists history to PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore opened")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddMessage(msg HistoryMessage) error {
	if msg.RecordedAt.IsZero() {
		msg.RecordedAt = time.Now()
	}
	violations, err := marshalJSONField(msg.Violations, len(msg.Violations))
	if err != nil {
		return err
	}
	toolCalls, err := marshalJSONField(msg.ToolCalls, len(msg.ToolCalls))
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT INTO history_messages
		(conversation, role, content, kind, image_prompt, group_id, message_index, total_in_group, reasoning, violations, tool_calls, has_next, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		msg.Conversation, msg.Role, msg.Content, nilIfEmpty(string(msg.Kind)),
		nilIfEmpty(msg.ImagePrompt), nilIfEmpty(msg.GroupID), msg.MessageIndex,
		msg.TotalInGroup, nilIfEmpty(msg.Reasoning), violations, toolCalls,
		msg.HasNext, msg.RecordedAt)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "conversation", msg.Conversation)
		return fmt.Errorf("failed to insert history message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessages(conversation string) ([]HistoryMessage, error) {
	rows, err := s.db.Query(`SELECT id, conversation, role, content, kind, image_prompt, group_id, message_index, total_in_group, reasoning, violations, tool_calls, has_next, recorded_at
		FROM history_messages WHERE conversation = $1 ORDER BY id`, conversation)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryMessage
	for rows.Next() {
		m, err := scanHistoryMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	if _, err := s.db.Exec(`INSERT INTO receipts (message_id, recipient, status, time) VALUES ($1, $2, $3, $4)`,
		nilIfEmpty(r.MessageID), r.To, r.Status, r.Time); err != nil {
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *PostgresStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT message_id, recipient, status, time FROM receipts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var messageID sql.NullString
		if err := rows.Scan(&messageID, &r.To, &r.Status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		r.MessageID = messageID.String
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
