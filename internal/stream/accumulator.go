package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/BTreeMap/PacePipe/internal/models"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// ErrMalformedChunk marks a fragment whose payload failed to parse. The
// accumulator's state is unchanged by a malformed fragment; the caller
// decides whether to abort or keep consuming.
var ErrMalformedChunk = errors.New("malformed stream chunk")

// chunk mirrors one parsed SSE data payload. Beyond the standard
// chat-completion shape, the companion API attaches turns, has_next,
// violations and image_prompt at the top level of each chunk.
type chunk struct {
	Choices     []chunkChoice      `json:"choices"`
	Turns       []string           `json:"turns"`
	HasNext     *bool              `json:"has_next"`
	Violations  []string           `json:"violations"`
	ImagePrompt string             `json:"image_prompt"`
	Usage       *models.TokenUsage `json:"usage"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkDelta struct {
	Content   *string         `json:"content"`
	Reasoning *string         `json:"reasoning"`
	ToolCalls []toolCallDelta `json:"tool_calls"`
}

// toolCallDelta is one sparse tool-call fragment. Index identifies the
// logical call it belongs to; id, type and function.name overwrite when
// present while function.arguments pieces are concatenated in arrival order.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Accumulator reconstructs one streamed response. Content and reasoning stay
// nil until their first delta so Finalize can distinguish "no text at all"
// from "empty text". One accumulator serves exactly one stream.
type Accumulator struct {
	content      *string
	reasoning    *string
	toolCalls    []models.ToolCall
	turns        []string
	turnsSeen    bool
	hasNext      bool
	violations   []string
	imagePrompt  string
	usage        *models.TokenUsage
	finishReason string
	done         bool
}

// NewAccumulator returns an empty accumulator ready for its first line.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// ConsumeLine processes one complete line from the stream. Lines without the
// SSE data prefix are ignored. It returns true once the terminal sentinel is
// observed; further lines are then ignored. A malformed payload returns an
// error wrapping ErrMalformedChunk and leaves accumulated state untouched.
func (a *Accumulator) ConsumeLine(line string) (bool, error) {
	if a.done {
		return true, nil
	}
	if len(line) < len(dataPrefix) || line[:len(dataPrefix)] != dataPrefix {
		return false, nil
	}
	payload := line[len(dataPrefix):]
	if payload == doneSentinel {
		a.done = true
		return true, nil
	}

	var c chunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	a.merge(c)
	return false, nil
}

func (a *Accumulator) merge(c chunk) {
	for _, choice := range c.Choices {
		if choice.Delta.Content != nil {
			if a.content == nil {
				a.content = new(string)
			}
			*a.content += *choice.Delta.Content
		}
		if choice.Delta.Reasoning != nil {
			if a.reasoning == nil {
				a.reasoning = new(string)
			}
			*a.reasoning += *choice.Delta.Reasoning
		}
		for _, tc := range choice.Delta.ToolCalls {
			a.mergeToolCall(tc)
		}
		if choice.FinishReason != "" {
			a.finishReason = choice.FinishReason
		}
	}

	// Not cumulative: each occurrence replaces the previous one.
	if c.Turns != nil {
		a.turns = c.Turns
		a.turnsSeen = true
	}
	if c.HasNext != nil {
		a.hasNext = *c.HasNext
	}
	if c.Violations != nil {
		a.violations = c.Violations
	}
	if c.ImagePrompt != "" {
		a.imagePrompt = c.ImagePrompt
	}
	if c.Usage != nil {
		a.usage = c.Usage
	}
}

func (a *Accumulator) mergeToolCall(tc toolCallDelta) {
	if tc.Index < 0 {
		slog.Warn("Accumulator ignored tool-call delta with negative index", "index", tc.Index)
		return
	}
	for len(a.toolCalls) <= tc.Index {
		a.toolCalls = append(a.toolCalls, models.ToolCall{Type: "function"})
	}

	call := &a.toolCalls[tc.Index]
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Type != "" {
		call.Type = tc.Type
	}
	if tc.Function.Name != "" {
		call.Function.Name = tc.Function.Name
	}
	call.Function.Arguments += tc.Function.Arguments
}

// Done reports whether the terminal sentinel has been observed.
func (a *Accumulator) Done() bool {
	return a.done
}

// Finalize assembles the accumulated state into an AssistantResponse. A
// finish reason of "tool_calls" with no accumulated text yields absent
// content, so callers can tell "no text, only actions" from empty text.
// Finalize is also valid after an end-of-source without a sentinel, as a
// best-effort completion.
func (a *Accumulator) Finalize() models.AssistantResponse {
	var content models.MessageContent
	switch {
	case a.content != nil:
		content = models.TextContent(*a.content)
	case a.finishReason == "tool_calls":
		content = models.AbsentContent()
	default:
		content = models.EmptyContent()
	}

	var reasoning string
	if a.reasoning != nil {
		reasoning = *a.reasoning
	}

	var turns []string
	if a.turnsSeen {
		turns = a.turns
		if turns == nil {
			turns = []string{}
		}
	}

	var toolCalls []models.ToolCall
	if len(a.toolCalls) > 0 {
		toolCalls = make([]models.ToolCall, len(a.toolCalls))
		copy(toolCalls, a.toolCalls)
	}

	return models.AssistantResponse{
		Content:     content,
		Reasoning:   reasoning,
		ToolCalls:   toolCalls,
		Turns:       turns,
		HasNext:     a.hasNext,
		Violations:  a.violations,
		ImagePrompt: a.imagePrompt,
		Usage:       a.usage,
	}
}

// Collect drains an SSE body into a finalized response. It reads raw byte
// fragments, reframes them into lines and feeds the accumulator until the
// terminal sentinel or end-of-source. Malformed fragments abort the collect;
// already-accumulated state is not part of the returned error.
func Collect(r io.Reader) (models.AssistantResponse, error) {
	acc := NewAccumulator()
	var lb LineBuffer
	buf := make([]byte, 4096)

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			for _, line := range lb.Feed(buf[:n]) {
				done, err := acc.ConsumeLine(line)
				if err != nil {
					return models.AssistantResponse{}, err
				}
				if done {
					return acc.Finalize(), nil
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return models.AssistantResponse{}, fmt.Errorf("read stream: %w", readErr)
		}
	}

	if line, ok := lb.Flush(); ok {
		if _, err := acc.ConsumeLine(line); err != nil {
			return models.AssistantResponse{}, err
		}
	}
	return acc.Finalize(), nil
}
