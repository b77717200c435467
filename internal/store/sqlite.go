package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// DefaultDirPermissions is applied when creating database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists history to a local SQLite file. It is the default
// backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the SQLite database at the DSN
// path and applies migrations.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DSN), DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore opened", "path", cfg.DSN)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddMessage(msg HistoryMessage) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.Conversation, msg.Role, msg.Content, nilIfEmpty(string(msg.Kind)),
		nilIfEmpty(msg.ImagePrompt), nilIfEmpty(msg.GroupID), msg.MessageIndex,
		msg.TotalInGroup, nilIfEmpty(msg.Reasoning), violations, toolCalls,
		msg.HasNext, msg.RecordedAt)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "conversation", msg.Conversation)
		return fmt.Errorf("failed to insert history message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessages(conversation string) ([]HistoryMessage, error) {
	rows, err := s.db.Query(`SELECT id, conversation, role, content, kind, image_prompt, group_id, message_index, total_in_group, reasoning, violations, tool_calls, has_next, recorded_at
		FROM history_messages WHERE conversation = ? ORDER BY id`, conversation)
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

func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	if _, err := s.db.Exec(`INSERT INTO receipts (message_id, recipient, status, time) VALUES (?, ?, ?, ?)`,
		nilIfEmpty(r.MessageID), r.To, r.Status, r.Time); err != nil {
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *SQLiteStore) GetReceipts() ([]models.Receipt, error) {
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
