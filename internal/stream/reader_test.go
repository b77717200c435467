package stream

import (
	"strings"
	"testing"
)

func TestLineBufferFramesAcrossFeeds(t *testing.T) {
	var lb LineBuffer

	lines := lb.Feed([]byte("first li"))
	if len(lines) != 0 {
		t.Fatalf("incomplete line emitted early: %v", lines)
	}
	lines = lb.Feed([]byte("ne\nsecond line\npart"))
	if len(lines) != 2 || lines[0] != "first line" || lines[1] != "second line" {
		t.Fatalf("lines = %v", lines)
	}

	tail, ok := lb.Flush()
	if !ok || tail != "part" {
		t.Errorf("Flush() = %q, %v", tail, ok)
	}
	if _, ok := lb.Flush(); ok {
		t.Error("second Flush should report empty")
	}
}

func TestLineBufferStripsCarriageReturns(t *testing.T) {
	var lb LineBuffer
	lines := lb.Feed([]byte("crlf line\r\n"))
	if len(lines) != 1 || lines[0] != "crlf line" {
		t.Errorf("lines = %v", lines)
	}
}

func TestLineBufferLosesNoBytes(t *testing.T) {
	input := "alpha\nbeta\ngamma delta\nepsilon"
	for step := 1; step <= len(input); step++ {
		var lb LineBuffer
		var got []string
		for i := 0; i < len(input); i += step {
			end := i + step
			if end > len(input) {
				end = len(input)
			}
			got = append(got, lb.Feed([]byte(input[i:end]))...)
		}
		if tail, ok := lb.Flush(); ok {
			got = append(got, tail)
		}
		if joined := strings.Join(got, "\n"); joined != input {
			t.Fatalf("step %d: reassembled %q, want %q", step, joined, input)
		}
	}
}
