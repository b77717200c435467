// Package genai talks to the upstream chat-completion API. The upstream is
// an OpenAI-compatible companion service that decorates its responses with
// pacing fields (turns, has_next, violations, image_prompt, reasoning); the
// typed client carries the standard fields and the extras are recovered from
// the raw response body.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/stream"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ErrNoChoicesReturned indicates the upstream answered without any choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService is the slice of the OpenAI client the non-streaming path uses.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Message is one prior conversation entry replayed to the upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles accepted by BuildParams.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client wraps the OpenAI chat-completion service.
type Client struct {
	chat    chatService
	http    *http.Client
	apiKey  string
	baseURL string
	model   string
}

// Option configures the Client.
type Option func(*Client)

// WithAPIKey sets the API key explicitly instead of reading the environment.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithBaseURL points the client at a non-default upstream endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithModel overrides the default chat model.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// NewClient initializes a GenAI client. Without WithAPIKey it falls back to
// the OPENAI_API_KEY environment variable and fails when neither is set.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		http:    &http.Client{Timeout: 120 * time.Second},
		baseURL: defaultBaseURL,
		model:   openai.ChatModelGPT4oMini,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		c.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	var clientOpts []option.RequestOption
	clientOpts = append(clientOpts, option.WithAPIKey(c.apiKey))
	if c.baseURL != defaultBaseURL {
		clientOpts = append(clientOpts, option.WithBaseURL(c.baseURL))
	}
	cli := openai.NewClient(clientOpts...)
	c.chat = &cli.Chat.Completions
	return c, nil
}

// BuildParams assembles chat-completion params from a system prompt, prior
// history and the newest user message. Empty userPrompt is allowed for
// continuation requests that only replay history.
func (c *Client) BuildParams(systemPrompt string, history []Message, userPrompt string) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(systemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	if userPrompt != "" {
		msgs = append(msgs, openai.UserMessage(userPrompt))
	}
	return openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: msgs,
	}
}

// GeneratePrompt generates a plain text response for a system/user prompt
// pair. Used by the proactive check-in scheduler, which needs no pacing
// metadata.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.chat.New(ctx, c.BuildParams(systemPrompt, nil, userPrompt))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// responseExtensions holds the companion API's non-standard response fields,
// parsed from the raw body alongside the typed completion.
type responseExtensions struct {
	Turns       []string `json:"turns"`
	HasNext     bool     `json:"has_next"`
	Violations  []string `json:"violations"`
	ImagePrompt string   `json:"image_prompt"`
	Reasoning   string   `json:"reasoning"`
}

// GenerateResponse performs a non-streaming completion and maps the result,
// extension fields included, into the pipeline's response shape.
func (c *Client) GenerateResponse(ctx context.Context, systemPrompt string, history []Message, userPrompt string) (models.AssistantResponse, error) {
	resp, err := c.chat.New(ctx, c.BuildParams(systemPrompt, history, userPrompt))
	if err != nil {
		return models.AssistantResponse{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.AssistantResponse{}, ErrNoChoicesReturned
	}
	choice := resp.Choices[0]

	var ext responseExtensions
	if raw := resp.RawJSON(); raw != "" {
		// Extensions are best-effort: a standard OpenAI response simply
		// leaves them zero.
		json.Unmarshal([]byte(raw), &ext)
	}

	var toolCalls []models.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, models.ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	var content models.MessageContent
	switch {
	case choice.Message.Content != "":
		content = models.TextContent(choice.Message.Content)
	case choice.FinishReason == "tool_calls":
		content = models.AbsentContent()
	default:
		content = models.EmptyContent()
	}

	out := models.AssistantResponse{
		Content:     content,
		Reasoning:   ext.Reasoning,
		ToolCalls:   toolCalls,
		HasNext:     ext.HasNext,
		Violations:  ext.Violations,
		ImagePrompt: ext.ImagePrompt,
	}
	if ext.Turns != nil {
		out.Turns = ext.Turns
	}
	if resp.Usage.TotalTokens > 0 {
		out.Usage = &models.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}
	}
	return out, nil
}

// GenerateResponseStream performs a streaming completion. The SSE body is
// fetched directly over HTTP because the companion API interleaves its
// extension fields into each chunk, which the typed streaming client cannot
// carry; internal/stream reassembles the fragments.
func (c *Client) GenerateResponseStream(ctx context.Context, systemPrompt string, history []Message, userPrompt string) (models.AssistantResponse, error) {
	params := c.BuildParams(systemPrompt, history, userPrompt)
	encoded, err := json.Marshal(params)
	if err != nil {
		return models.AssistantResponse{}, fmt.Errorf("encode stream request: %w", err)
	}
	// The params type owns its own JSON encoding, so the stream flag is
	// spliced in rather than embedded.
	var payload map[string]any
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return models.AssistantResponse{}, fmt.Errorf("encode stream request: %w", err)
	}
	payload["stream"] = true
	body, err := json.Marshal(payload)
	if err != nil {
		return models.AssistantResponse{}, fmt.Errorf("encode stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return models.AssistantResponse{}, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return models.AssistantResponse{}, fmt.Errorf("stream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.AssistantResponse{}, fmt.Errorf("stream request failed: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	out, err := stream.Collect(resp.Body)
	if err != nil {
		return models.AssistantResponse{}, fmt.Errorf("collect stream: %w", err)
	}
	return out, nil
}
