// Package models defines the core data structures for PacePipe.
//
// It includes the paced delivery types (queued items, groups, assistant
// responses) and the messaging types shared across modules.
package models

import (
	"strconv"
	"time"
)

// ItemKind defines what a queued item delivers.
type ItemKind string

const (
	// ItemKindText delivers a text message.
	ItemKindText ItemKind = "text"
	// ItemKindImage delivers a generated image described by ImagePrompt.
	ItemKindImage ItemKind = "image"
)

// contentKind discriminates the MessageContent variant.
type contentKind int

const (
	contentAbsent contentKind = iota
	contentEmpty
	contentText
)

// MessageContent is a tagged variant distinguishing "no text at all" (absent,
// e.g. a tool-call-only response) from "empty text" and from actual text.
// The zero value is absent.
type MessageContent struct {
	kind contentKind
	text string
}

// AbsentContent returns the absent variant.
func AbsentContent() MessageContent {
	return MessageContent{kind: contentAbsent}
}

// EmptyContent returns the empty-text variant.
func EmptyContent() MessageContent {
	return MessageContent{kind: contentEmpty}
}

// TextContent returns a text variant. An empty string yields the empty variant.
func TextContent(s string) MessageContent {
	if s == "" {
		return EmptyContent()
	}
	return MessageContent{kind: contentText, text: s}
}

// IsAbsent reports whether no content was ever produced.
func (c MessageContent) IsAbsent() bool { return c.kind == contentAbsent }

// IsEmpty reports whether content was produced but is the empty string.
func (c MessageContent) IsEmpty() bool { return c.kind == contentEmpty }

// HasText reports whether the content carries a non-empty string.
func (c MessageContent) HasText() bool { return c.kind == contentText }

// Text returns the carried string, empty for the absent and empty variants.
func (c MessageContent) Text() string { return c.text }

// FunctionCall holds the function name and its accumulated JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall represents one complete tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// QueuedItem is one deliverable unit of a paced response group.
//
// Within a group, MessageIndex values are contiguous 0..TotalInGroup-1 in
// delivery order. Violations, ToolCalls and HasNext are attached only to the
// last item of the group; Reasoning only to the first. This keeps side-effects
// single-shot when history is reconstructed from delivered items.
type QueuedItem struct {
	Content        string        `json:"content"`
	Delay          time.Duration `json:"delay"`
	TurnIndex      int           `json:"turn_index"`
	TotalTurns     int           `json:"total_turns"`
	GroupID        string        `json:"group_id"`
	MessageIndex   int           `json:"message_index"`
	TotalInGroup   int           `json:"total_in_group"`
	GroupCreatedAt time.Time     `json:"group_created_at"`
	Violations     []string      `json:"violations,omitempty"`
	ToolCalls      []ToolCall    `json:"tool_calls,omitempty"`
	HasNext        bool          `json:"has_next,omitempty"`
	Kind           ItemKind      `json:"kind,omitempty"`
	ImagePrompt    string        `json:"image_prompt,omitempty"`
	Reasoning      string        `json:"reasoning,omitempty"`
}

// Key returns the identity used for cancellation tracking: an item is
// identified by its group plus its position within the group.
func (q QueuedItem) Key() string {
	return q.GroupID + ":" + strconv.Itoa(q.MessageIndex)
}

// IsLast reports whether this is the final item of its group.
func (q QueuedItem) IsLast() bool {
	return q.MessageIndex == q.TotalInGroup-1
}

// TokenUsage reports upstream token accounting when present.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AssistantResponse is a completed (or stream-accumulated) upstream response
// entering the pacing pipeline.
//
// Turns carries the upstream's pre-split turn hint. A nil slice means the
// upstream supplied no hint; a non-nil empty slice means it supplied an empty
// one. The distinction matters for the line-break splitting rule.
type AssistantResponse struct {
	Content     MessageContent
	Reasoning   string
	ToolCalls   []ToolCall
	Turns       []string
	HasNext     bool
	Violations  []string
	ImagePrompt string
	Usage       *TokenUsage
}

// QueueStatus is a snapshot of the message queue state.
type QueueStatus struct {
	Length         int  `json:"length"`
	IsProcessing   bool `json:"is_processing"`
	ProcessedCount int  `json:"processed_count"`
}

// PacerStatus is the externally visible status of the pacing pipeline.
type PacerStatus struct {
	Enabled     bool        `json:"enabled"`
	QueueStatus QueueStatus `json:"queue_status"`
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusCancelled indicates the message was cancelled before delivery.
	MessageStatusCancelled MessageStatus = "cancelled"
)

// Receipt is a delivery status event from the messaging backend. Sent
// receipts carry a locally minted MessageID; backend-originated delivered and
// read events arrive without one.
type Receipt struct {
	MessageID string        `json:"message_id,omitempty"`
	To        string        `json:"to"`
	Status    MessageStatus `json:"status"`
	Time      int64         `json:"time"`
}

// Response represents an incoming message from a conversation participant.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: "ok", Result: result}
}

// SuccessWithMessage creates a successful API response with a message and
// optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: "ok", Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: "error", Message: message}
}
