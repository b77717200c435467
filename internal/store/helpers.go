package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// nilIfEmpty returns nil for empty strings so nullable columns stay NULL.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSONField encodes a slice field for a nullable TEXT column, nil and
// empty slices both map to NULL.
func marshalJSONField(v interface{}, length int) (interface{}, error) {
	if length == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json field: %w", err)
	}
	return string(encoded), nil
}

// scanHistoryMessage scans one history row shared by both SQL backends.
func scanHistoryMessage(rows *sql.Rows) (HistoryMessage, error) {
	var m HistoryMessage
	var kind, imagePrompt, groupID, reasoning, violations, toolCalls sql.NullString
	err := rows.Scan(
		&m.ID, &m.Conversation, &m.Role, &m.Content, &kind, &imagePrompt,
		&groupID, &m.MessageIndex, &m.TotalInGroup, &reasoning, &violations,
		&toolCalls, &m.HasNext, &m.RecordedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan history message: %w", err)
	}
	m.Kind = models.ItemKind(kind.String)
	m.ImagePrompt = imagePrompt.String
	m.GroupID = groupID.String
	m.Reasoning = reasoning.String
	if violations.Valid && violations.String != "" {
		if err := json.Unmarshal([]byte(violations.String), &m.Violations); err != nil {
			return m, fmt.Errorf("decode violations: %w", err)
		}
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
			return m, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	return m, nil
}
