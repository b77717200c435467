package pacing

import (
	"math/rand/v2"
	"strings"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// LimitedTurn is one deliverable turn produced by the limiter, before group
// metadata is attached.
type LimitedTurn struct {
	Content    string
	Delay      time.Duration
	TurnIndex  int
	TotalTurns int
}

// SplitCandidates applies the splitting decision precedence to a response's
// raw content and the upstream's optional pre-split turns hint.
//
//  1. Content contains a line break and a turns hint was supplied (even an
//     empty one): split the raw content on line breaks, discarding empty
//     lines; the hint values themselves are ignored.
//  2. The turns hint has more than one element: use it verbatim.
//  3. Otherwise the response is not split.
//
// The second return value reports whether the response should be split at
// all; callers fall back to single-message delivery when it is false.
func SplitCandidates(content string, turns []string, turnsProvided bool) ([]string, bool) {
	if strings.Contains(content, "\n") && turnsProvided {
		var lines []string
		for _, line := range strings.Split(content, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				lines = append(lines, trimmed)
			}
		}
		if len(lines) == 0 {
			return nil, false
		}
		return lines, true
	}
	if len(turns) > 1 {
		return turns, true
	}
	return nil, false
}

// TurnLimiter concatenates candidate turns down to the configured maximum
// while preserving order and content. The random source drives both the
// target-count draw and the boundary concatenation gate; inject a seeded one
// in tests.
type TurnLimiter struct {
	rng    *rand.Rand
	delays *DelayCalculator
}

// NewTurnLimiter creates a TurnLimiter. A nil rng falls back to the shared
// global source.
func NewTurnLimiter(rng *rand.Rand) *TurnLimiter {
	return &TurnLimiter{rng: rng, delays: NewDelayCalculator(rng)}
}

// Limit reduces candidate turns to at most the configured maximum.
//
// Let total = len(turns) + 1 if hasNext. Above MaxTurns concatenation is
// mandatory; exactly at MaxTurns it happens with probability
// MaxTurnConcatProbability; below it never does. When concatenating, a target
// count is drawn uniformly from [1, maxPossible] and the original turns are
// distributed into that many contiguous groups as evenly as possible, joined
// with single spaces. The first resulting turn always has zero delay; each
// subsequent turn's delay derives from its own content.
func (l *TurnLimiter) Limit(turns []string, hasNext bool, cfg models.PacingConfig) []LimitedTurn {
	if len(turns) == 0 {
		return nil
	}

	contents := turns
	total := len(turns)
	if hasNext {
		total++
	}

	switch {
	case total > cfg.MaxTurns:
		contents = l.concatenate(turns, hasNext, cfg)
	case total == cfg.MaxTurns && l.float64() < cfg.MaxTurnConcatProbability:
		contents = l.concatenate(turns, hasNext, cfg)
	}

	result := make([]LimitedTurn, len(contents))
	for i, content := range contents {
		var delay time.Duration
		if i > 0 {
			delay = l.delays.Delay(content, cfg.BaseTypingSpeed, cfg.SpeedVariation, cfg.MinDelay, cfg.MaxDelay)
		}
		result[i] = LimitedTurn{
			Content:    content,
			Delay:      delay,
			TurnIndex:  i,
			TotalTurns: len(contents),
		}
	}
	return result
}

// concatenate merges the candidates into a randomly drawn number of
// contiguous, evenly sized groups.
func (l *TurnLimiter) concatenate(turns []string, hasNext bool, cfg models.PacingConfig) []string {
	maxPossible := cfg.MaxTurns
	if hasNext {
		maxPossible = cfg.MaxTurns - 1
	}
	if maxPossible > len(turns) {
		maxPossible = len(turns)
	}
	if maxPossible < 1 {
		maxPossible = 1
	}

	targetCount := 1 + l.intN(maxPossible)
	return joinIntoGroups(turns, targetCount)
}

// joinIntoGroups distributes turns into targetCount contiguous groups whose
// sizes differ by at most one, joining each group's members with a single
// space.
func joinIntoGroups(turns []string, targetCount int) []string {
	if targetCount >= len(turns) {
		return turns
	}
	if targetCount < 1 {
		targetCount = 1
	}

	base := len(turns) / targetCount
	extra := len(turns) % targetCount

	groups := make([]string, 0, targetCount)
	idx := 0
	for g := 0; g < targetCount; g++ {
		size := base
		if g < extra {
			size++
		}
		groups = append(groups, strings.Join(turns[idx:idx+size], " "))
		idx += size
	}
	return groups
}

func (l *TurnLimiter) float64() float64 {
	if l.rng != nil {
		return l.rng.Float64()
	}
	return rand.Float64()
}

func (l *TurnLimiter) intN(n int) int {
	if l.rng != nil {
		return l.rng.IntN(n)
	}
	return rand.IntN(n)
}
