// Package pacing implements paced delivery of assistant responses: sentence
// extraction, typing-delay calculation, turn limiting, the delivery queue,
// and the orchestration that ties them together.
package pacing

import (
	"regexp"
	"strings"
	"unicode"
)

// protectedDot is a private-use placeholder substituted for periods that must
// not terminate a sentence. It is restored after splitting.
const protectedDot = ""

// Patterns whose periods are known false sentence boundaries. Each match has
// its periods swapped for the placeholder before splitting.
var dotProtectionPatterns = []*regexp.Regexp{
	// Titles, honorifics and common Latin abbreviations. Alternation is
	// leftmost-first, so longer forms precede their prefixes (u.s.a before
	// u.s) or the prefix would claim the match and leave the rest exposed.
	regexp.MustCompile(`(?i)\b(?:mr|mrs|ms|dr|prof|rev|hon|gen|sen|st|sr|jr|vs|etc|inc|ltd|co|corp|dept|approx|est|e\.g|i\.e|cf|al|a\.m|p\.m|u\.s\.a|u\.s|u\.k)\.`),
	// URLs and bare domains.
	regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`),
	regexp.MustCompile(`(?i)\b[a-z0-9][a-z0-9-]*\.(?:com|org|net|io|dev|ai|app|edu|gov)\b`),
	// IPv4-like dotted quads.
	regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
	// Version numbers and decimal numbers (also covers arithmetic like 0.5+0.25).
	regexp.MustCompile(`\bv?\d+(?:\.\d+)+\b`),
	// Short file extensions followed by a lowercase continuation.
	regexp.MustCompile(`\.(?:go|md|txt|json|yaml|yml|toml|js|ts|py|rb|sh|sql|csv|log|html|css|png|jpg|jpeg|gif|pdf|zip)\s+[a-z]`),
	// Multi-letter initials such as U.N. or J.R.R.
	regexp.MustCompile(`\b(?:[A-Za-z]\.){2,}`),
	// Dotted method/property references such as config.Validate or a.b.c().
	regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)+(?:\(\))?`),
}

// Quoted and parenthetical spans: interior periods do not end a sentence. A
// period directly before the closing delimiter is left alone so the boundary
// right after the span still splits.
var spanProtectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"[^"\n]{1,300}"`),
	regexp.MustCompile(`\x{201C}[^\x{201C}\x{201D}\n]{1,300}\x{201D}`),
	regexp.MustCompile(`\([^()\n]{1,300}\)`),
}

// sentenceBoundaryPattern matches a terminal punctuation cluster, optionally
// followed by closing quotes/parens. Whether the cluster really ends a
// sentence is decided by what follows it (see boundaryEndsSentence).
var sentenceBoundaryPattern = regexp.MustCompile(`(?:[.!?]+|--|\x{2014}|[\x{1F300}-\x{1FAFF}\x{2600}-\x{26FF}\x{2700}-\x{27BF}]+)["'\x{201D})\]]*`)

// ExtractSentences splits raw text into sentence-like units. It is a pure
// function: repeated calls on identical input yield identical output, and it
// never fails on arbitrary input. Empty or whitespace-only input yields nil.
//
// The concatenation of the returned sentences, ignoring the whitespace that
// separated them, reproduces the input text with no characters dropped or
// duplicated.
func ExtractSentences(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	protected := protectFalseBoundaries(trimmed)

	var sentences []string
	start := 0
	for _, loc := range sentenceBoundaryPattern.FindAllStringIndex(protected, -1) {
		if loc[0] < start {
			continue
		}
		if !boundaryEndsSentence(protected, loc[1]) {
			continue
		}
		sentence := restoreProtectedDots(protected[start:loc[1]])
		if strings.TrimSpace(sentence) != "" {
			sentences = append(sentences, strings.TrimSpace(sentence))
		}
		start = skipSeparatingSpace(protected, loc[1])
	}

	if start < len(protected) {
		tail := restoreProtectedDots(protected[start:])
		if strings.TrimSpace(tail) != "" {
			sentences = append(sentences, strings.TrimSpace(tail))
		}
	}

	return sentences
}

// protectFalseBoundaries substitutes the placeholder for every period that
// must not split.
func protectFalseBoundaries(text string) string {
	for _, pattern := range dotProtectionPatterns {
		text = pattern.ReplaceAllStringFunc(text, func(m string) string {
			return strings.ReplaceAll(m, ".", protectedDot)
		})
	}
	for _, pattern := range spanProtectionPatterns {
		text = pattern.ReplaceAllStringFunc(text, protectSpanInterior)
	}
	return text
}

// protectSpanInterior protects periods inside a quoted/parenthetical span,
// except a single period sitting right before the closing delimiter.
func protectSpanInterior(span string) string {
	runes := []rune(span)
	if len(runes) < 3 {
		return span
	}
	inner := string(runes[1 : len(runes)-1])
	trailingDot := strings.HasSuffix(inner, ".")
	if trailingDot {
		inner = strings.TrimSuffix(inner, ".")
	}
	inner = strings.ReplaceAll(inner, ".", protectedDot)
	if trailingDot {
		inner += "."
	}
	return string(runes[0]) + inner + string(runes[len(runes)-1])
}

func restoreProtectedDots(s string) string {
	return strings.ReplaceAll(s, protectedDot, ".")
}

// boundaryEndsSentence reports whether the punctuation cluster ending at pos
// is a real sentence boundary: end of input, whitespace followed by a letter
// or an opening quote, or an opening quote directly after the punctuation.
func boundaryEndsSentence(text string, pos int) bool {
	if pos >= len(text) {
		return true
	}
	rest := text[pos:]
	afterSpace := strings.TrimLeft(rest, " \t\r\n")
	if afterSpace == "" {
		return true
	}
	hadSpace := len(afterSpace) != len(rest)
	next := []rune(afterSpace)[0]
	if hadSpace {
		return unicode.IsLetter(next) || isOpeningQuote(next)
	}
	return isOpeningQuote(next)
}

func isOpeningQuote(r rune) bool {
	switch r {
	case '"', '\'', '“', '‘':
		return true
	default:
		return false
	}
}

// skipSeparatingSpace advances past the whitespace that separates two
// sentences.
func skipSeparatingSpace(text string, pos int) int {
	for pos < len(text) {
		r := text[pos]
		if r != ' ' && r != '\t' && r != '\r' && r != '\n' {
			break
		}
		pos++
	}
	return pos
}
