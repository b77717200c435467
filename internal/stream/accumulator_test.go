package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func consumeAll(t *testing.T, acc *Accumulator, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if _, err := acc.ConsumeLine(line); err != nil {
			t.Fatalf("ConsumeLine(%q): %v", line, err)
		}
	}
}

func TestAccumulatorContentAppends(t *testing.T) {
	acc := NewAccumulator()
	consumeAll(t, acc,
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo "}}]}`,
		`data: {"choices":[{"delta":{"content":"there"}}]}`,
		`data: [DONE]`,
	)

	resp := acc.Finalize()
	if !resp.Content.HasText() || resp.Content.Text() != "Hello there" {
		t.Errorf("content = %v", resp.Content)
	}
}

func TestAccumulatorNullContentTransition(t *testing.T) {
	acc := NewAccumulator()
	consumeAll(t, acc,
		`data: {"choices":[{"delta":{"content":null}}]}`,
		`data: {"choices":[{"delta":{"content":"hi"}}]}`,
	)

	if got := acc.Finalize().Content.Text(); got != "hi" {
		t.Errorf("content = %q, want %q", got, "hi")
	}
}

func TestAccumulatorNoContentAtAll(t *testing.T) {
	acc := NewAccumulator()
	consumeAll(t, acc, `data: {"choices":[{"delta":{}}]}`)

	resp := acc.Finalize()
	if !resp.Content.IsEmpty() {
		t.Errorf("content should finalize empty, got %v", resp.Content)
	}
}

func TestAccumulatorToolCallsOnlyForcesAbsent(t *testing.T) {
	acc := NewAccumulator()
	consumeAll(t, acc,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"ping","arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	)

	resp := acc.Finalize()
	if !resp.Content.IsAbsent() {
		t.Errorf("content should be absent for a tool-calls-only response, got %v", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "ping" {
		t.Errorf("tool calls = %v", resp.ToolCalls)
	}
}

func TestAccumulatorToolCallFragmentsMerge(t *testing.T) {
	// The name and id arrive first, then the arguments in two pieces that
	// must be concatenated, never overwritten.
	acc := NewAccumulator()
	consumeAll(t, acc,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"search"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"weather\"}"}}]}}]}`,
		`data: [DONE]`,
	)

	resp := acc.Finalize()
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_9" || call.Type != "function" || call.Function.Name != "search" {
		t.Errorf("merged call header = %+v", call)
	}
	if call.Function.Arguments != `{"query":"weather"}` {
		t.Errorf("merged arguments = %q", call.Function.Arguments)
	}
}

func TestAccumulatorSparseToolCallIndexes(t *testing.T) {
	// Index 1 arrives before index 0 ever gets an id; the placeholder for
	// index 0 must still exist and keep its defaulted type.
	acc := NewAccumulator()
	consumeAll(t, acc,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"second"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"first"}}]}}]}`,
	)

	resp := acc.Finalize()
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "call_a" || resp.ToolCalls[1].ID != "call_b" {
		t.Errorf("index order lost: %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Type != "function" {
		t.Errorf("placeholder type = %q", resp.ToolCalls[0].Type)
	}
}

func TestAccumulatorReasoningAppends(t *testing.T) {
	acc := NewAccumulator()
	consumeAll(t, acc,
		`data: {"choices":[{"delta":{"reasoning":"step one. "}}]}`,
		`data: {"choices":[{"delta":{"reasoning":"step two."}}]}`,
	)

	if got := acc.Finalize().Reasoning; got != "step one. step two." {
		t.Errorf("reasoning = %q", got)
	}
}

func TestAccumulatorTurnsLastSeenWins(t *testing.T) {
	acc := NewAccumulator()
	consumeAll(t, acc,
		`data: {"choices":[],"turns":["a"],"has_next":true}`,
		`data: {"choices":[],"turns":["a","b"],"has_next":false}`,
	)

	resp := acc.Finalize()
	if len(resp.Turns) != 2 || resp.Turns[1] != "b" {
		t.Errorf("turns = %v, want last-seen list", resp.Turns)
	}
	if resp.HasNext {
		t.Error("has_next should reflect the last-seen value")
	}
}

func TestAccumulatorTurnsHintAbsenceIsNil(t *testing.T) {
	acc := NewAccumulator()
	consumeAll(t, acc, `data: {"choices":[{"delta":{"content":"hi"}}]}`)
	if acc.Finalize().Turns != nil {
		t.Error("no turns field seen: Turns must stay nil")
	}

	acc = NewAccumulator()
	consumeAll(t, acc, `data: {"choices":[],"turns":[]}`)
	resp := acc.Finalize()
	if resp.Turns == nil || len(resp.Turns) != 0 {
		t.Errorf("empty turns hint must finalize non-nil empty, got %v", resp.Turns)
	}
}

func TestAccumulatorIgnoresNonDataLines(t *testing.T) {
	acc := NewAccumulator()
	consumeAll(t, acc,
		``,
		`event: ping`,
		`: keepalive comment`,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
	)

	if got := acc.Finalize().Content.Text(); got != "ok" {
		t.Errorf("content = %q", got)
	}
}

func TestAccumulatorMalformedChunkDoesNotCorruptState(t *testing.T) {
	acc := NewAccumulator()
	consumeAll(t, acc, `data: {"choices":[{"delta":{"content":"before"}}]}`)

	_, err := acc.ConsumeLine(`data: {not json`)
	if !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("error = %v, want ErrMalformedChunk", err)
	}

	consumeAll(t, acc, `data: {"choices":[{"delta":{"content":" after"}}]}`)
	if got := acc.Finalize().Content.Text(); got != "before after" {
		t.Errorf("content after malformed chunk = %q", got)
	}
}

func TestAccumulatorDoneStopsConsuming(t *testing.T) {
	acc := NewAccumulator()
	consumeAll(t, acc,
		`data: {"choices":[{"delta":{"content":"final"}}]}`,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":" extra"}}]}`,
	)

	if !acc.Done() {
		t.Fatal("Done() = false after sentinel")
	}
	if got := acc.Finalize().Content.Text(); got != "final" {
		t.Errorf("content = %q, lines after the sentinel must be ignored", got)
	}
}

func TestCollectReassemblesSplitLines(t *testing.T) {
	// One SSE line split across three reads, plus a trailing fragment with
	// no newline that only Flush recovers.
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"split\"}}]}\n" +
		"data: {\"choices\":[],\"has_next\":true}"
	resp, err := Collect(&drippingReader{data: []byte(body), step: 7})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.Content.Text() != "split" {
		t.Errorf("content = %q", resp.Content.Text())
	}
	if !resp.HasNext {
		t.Error("trailing partial line was dropped")
	}
}

func TestCollectStopsAtSentinel(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"done"}}]}`,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":"never"}}]}`,
	}, "\n") + "\n"

	resp, err := Collect(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.Content.Text() != "done" {
		t.Errorf("content = %q", resp.Content.Text())
	}
}

func TestCollectPropagatesParseError(t *testing.T) {
	if _, err := Collect(strings.NewReader("data: garbage\n")); !errors.Is(err, ErrMalformedChunk) {
		t.Errorf("error = %v, want ErrMalformedChunk", err)
	}
}

// drippingReader yields at most step bytes per Read to exercise partial-line
// buffering.
type drippingReader struct {
	data []byte
	step int
	pos  int
}

func (r *drippingReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := r.step
	if n > len(r.data)-r.pos {
		n = len(r.data) - r.pos
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	return n, nil
}
