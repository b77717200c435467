package pacing

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// lengthPenaltyDivisor controls how quickly longer fragments slow the
// simulated typist; the penalty caps at 2x.
const lengthPenaltyDivisor = 50.0

// DelayCalculator maps a text fragment plus typing-speed parameters to a
// bounded delivery delay. The random source is injectable so tests can pin
// the jitter draw.
type DelayCalculator struct {
	rng *rand.Rand
}

// NewDelayCalculator creates a DelayCalculator. A nil rng falls back to the
// shared global source.
func NewDelayCalculator(rng *rand.Rand) *DelayCalculator {
	return &DelayCalculator{rng: rng}
}

// Delay computes how long to wait before delivering text, simulating a human
// typing at speedWPM words per minute with multiplicative jitter in
// [1-variation, 1+variation]. The result is always clamped to [min, max].
func (c *DelayCalculator) Delay(text string, speedWPM, variation float64, min, max time.Duration) time.Duration {
	words := len(strings.Fields(strings.TrimSpace(text)))
	if words == 0 {
		return min
	}

	jitter := 1 - variation + c.float64()*2*variation
	effectiveWPM := speedWPM * jitter

	// Longer fragments slow the effective speed, up to 2x.
	lengthFactor := math.Min(1+float64(words)/lengthPenaltyDivisor, 2)
	effectiveWPM /= lengthFactor

	if effectiveWPM <= 0 {
		return max
	}

	minutes := float64(words) / effectiveWPM
	delay := time.Duration(minutes * float64(time.Minute))

	if delay < min {
		return min
	}
	if delay > max {
		return max
	}
	return delay
}

func (c *DelayCalculator) float64() float64 {
	if c.rng != nil {
		return c.rng.Float64()
	}
	return rand.Float64()
}
