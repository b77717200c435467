// Package stream reassembles a server-sent-event chat-completion stream into
// a single completed response. The upstream emits partial fragments (content
// deltas, sparse tool-call pieces, reasoning deltas) that arrive in order but
// with arbitrary byte framing; this package restores line boundaries, merges
// the fragments and finalizes an AssistantResponse for the pacing pipeline.
package stream

import "strings"

// LineBuffer frames an arbitrarily chunked byte source into complete lines.
// An incomplete trailing line is retained and prefixed onto the next Feed, so
// no bytes are lost or duplicated across fragment boundaries.
type LineBuffer struct {
	buf []byte
}

// Feed appends p and returns every complete line it closed, newline stripped.
// Carriage returns before the newline are dropped.
func (b *LineBuffer) Feed(p []byte) []string {
	b.buf = append(b.buf, p...)

	var lines []string
	start := 0
	for i := 0; i < len(b.buf); i++ {
		if b.buf[i] == '\n' {
			lines = append(lines, strings.TrimSuffix(string(b.buf[start:i]), "\r"))
			start = i + 1
		}
	}
	if start > 0 {
		b.buf = append(b.buf[:0], b.buf[start:]...)
	}
	return lines
}

// Flush returns any retained partial line and empties the buffer. The second
// return value reports whether anything was buffered.
func (b *LineBuffer) Flush() (string, bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	line := strings.TrimSuffix(string(b.buf), "\r")
	b.buf = b.buf[:0]
	return line, true
}
