// Package models defines the core data structures for PacePipe.
package models

import (
	"errors"
	"time"
)

// Validation errors for pacing configuration. Invalid values reject the whole
// configuration; nothing is silently clamped.
var (
	ErrMaxTurnsTooSmall      = errors.New("max_turns must be at least 1")
	ErrTypingSpeedNotPositive = errors.New("base_typing_speed must be greater than 0")
	ErrSpeedVariationRange   = errors.New("speed_variation must be within [0, 1]")
	ErrNegativeMinDelay      = errors.New("min_delay cannot be negative")
	ErrDelayBoundsInverted   = errors.New("max_delay cannot be less than min_delay")
	ErrConcatProbabilityRange = errors.New("max_turn_concat_probability must be within [0, 1]")
	ErrNegativeFollowUpDelay = errors.New("follow_up_delay cannot be negative")
	ErrNegativeFollowUpLimit = errors.New("max_sequential_follow_ups cannot be negative")
)

// PacingConfig controls how responses are split into turns and how their
// delivery is timed. Treated as immutable once applied; updates replace the
// whole record after validation.
type PacingConfig struct {
	// Enabled toggles paced delivery. When false every response is delivered
	// as a single ordinary message.
	Enabled bool `json:"enabled"`
	// MaxTurns is the upper bound on delivered items per response, including
	// a reserved slot when the response signals more content is coming.
	MaxTurns int `json:"max_turns"`
	// BaseTypingSpeed is the simulated typing speed in words per minute.
	BaseTypingSpeed float64 `json:"base_typing_speed"`
	// SpeedVariation is the multiplicative jitter applied to the typing
	// speed, drawn uniformly from [1-variation, 1+variation].
	SpeedVariation float64 `json:"speed_variation"`
	// MinDelay and MaxDelay bound every computed delivery delay.
	MinDelay time.Duration `json:"min_delay"`
	MaxDelay time.Duration `json:"max_delay"`
	// MaxTurnConcatProbability gates concatenation when the candidate count
	// lands exactly on MaxTurns. Above the bound concatenation is mandatory.
	MaxTurnConcatProbability float64 `json:"max_turn_concat_probability"`
	// FollowUpDelay is the wait before an automatic continuation request.
	FollowUpDelay time.Duration `json:"follow_up_delay"`
	// MaxSequentialFollowUps bounds chained continuations between genuine
	// user messages.
	MaxSequentialFollowUps int `json:"max_sequential_follow_ups"`
}

// DefaultPacingConfig returns the configuration used when nothing is set in
// the environment.
func DefaultPacingConfig() PacingConfig {
	return PacingConfig{
		Enabled:                  true,
		MaxTurns:                 4,
		BaseTypingSpeed:          200,
		SpeedVariation:           0.3,
		MinDelay:                 800 * time.Millisecond,
		MaxDelay:                 8 * time.Second,
		MaxTurnConcatProbability: 0.5,
		FollowUpDelay:            5 * time.Second,
		MaxSequentialFollowUps:   2,
	}
}

// Validate checks every field eagerly and returns the first violation found.
func (c PacingConfig) Validate() error {
	if c.MaxTurns < 1 {
		return ErrMaxTurnsTooSmall
	}
	if c.BaseTypingSpeed <= 0 {
		return ErrTypingSpeedNotPositive
	}
	if c.SpeedVariation < 0 || c.SpeedVariation > 1 {
		return ErrSpeedVariationRange
	}
	if c.MinDelay < 0 {
		return ErrNegativeMinDelay
	}
	if c.MaxDelay < c.MinDelay {
		return ErrDelayBoundsInverted
	}
	if c.MaxTurnConcatProbability < 0 || c.MaxTurnConcatProbability > 1 {
		return ErrConcatProbabilityRange
	}
	if c.FollowUpDelay < 0 {
		return ErrNegativeFollowUpDelay
	}
	if c.MaxSequentialFollowUps < 0 {
		return ErrNegativeFollowUpLimit
	}
	return nil
}
