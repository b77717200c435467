package genai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   *openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func textCompletion(content string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}, FinishReason: "stop"},
		},
	}
}

func TestGeneratePrompt_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: textCompletion("Hello World")}, model: openai.ChatModelGPT4oMini}
	out, err := client.GeneratePrompt(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGeneratePrompt_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePrompt_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: &openai.ChatCompletion{}}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateResponse_MapsContentAndUsage(t *testing.T) {
	resp := textCompletion("paced reply")
	resp.Usage = openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	client := &Client{chat: &mockChatService{resp: resp}}

	out, err := client.GenerateResponse(context.Background(), "sys", nil, "usr")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !out.Content.HasText() || out.Content.Text() != "paced reply" {
		t.Errorf("content = %v", out.Content)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if out.Turns != nil {
		t.Errorf("standard response must carry no turns hint, got %v", out.Turns)
	}
}

func TestGenerateResponse_ToolCallsOnlyIsAbsent(t *testing.T) {
	resp := &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{}, FinishReason: "tool_calls"},
		},
	}
	client := &Client{chat: &mockChatService{resp: resp}}

	out, err := client.GenerateResponse(context.Background(), "sys", nil, "usr")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !out.Content.IsAbsent() {
		t.Errorf("tool-calls-only response should have absent content, got %v", out.Content)
	}
}

func TestBuildParamsIncludesHistoryInOrder(t *testing.T) {
	mock := &mockChatService{resp: textCompletion("ok")}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	history := []Message{
		{Role: RoleUser, Content: "earlier question"},
		{Role: RoleAssistant, Content: "earlier answer"},
	}
	if _, err := client.GenerateResponse(context.Background(), "sys", history, "new question"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// system + two history entries + new user message
	if got := len(mock.params.Messages); got != 4 {
		t.Errorf("message count = %d, want 4", got)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Error("expected client instance, got nil")
	}
}

func TestGenerateResponseStream_CollectsExtensionFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer stream-key" {
			t.Errorf("authorization header = %q", got)
		}
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"choices":[{"delta":{"content":"Turn 1\nTurn 2"}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"remember","arguments":"{\"k\":1}"}}]}}]}`,
			`data: {"choices":[],"turns":[],"has_next":true}`,
			`data: [DONE]`,
		}
		for _, line := range lines {
			w.Write([]byte(line + "\n"))
		}
	}))
	defer srv.Close()

	client, err := NewClient(WithAPIKey("stream-key"), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	out, err := client.GenerateResponseStream(context.Background(), "sys", nil, "usr")
	if err != nil {
		t.Fatalf("GenerateResponseStream: %v", err)
	}
	if out.Content.Text() != "Turn 1\nTurn 2" {
		t.Errorf("content = %q", out.Content.Text())
	}
	if out.Turns == nil || len(out.Turns) != 0 {
		t.Errorf("turns hint = %v, want non-nil empty", out.Turns)
	}
	if !out.HasNext {
		t.Error("has_next lost")
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Function.Name != "remember" {
		t.Errorf("tool calls = %v", out.ToolCalls)
	}
}

func TestGenerateResponseStream_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(WithAPIKey("k"), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.GenerateResponseStream(context.Background(), "sys", nil, "usr"); err == nil {
		t.Error("expected error for non-200 status")
	}
}
