// Package models defines the core data structures for PacePipe.
package models

import "time"

// Timer abstracts delayed execution so the queue and the follow-up scheduler
// can be driven by a deterministic clock in tests.
type Timer interface {
	// ScheduleAfter schedules fn to run after delay and returns a cancelable
	// timer ID.
	ScheduleAfter(delay time.Duration, fn func()) (string, error)

	// Cancel cancels a scheduled function by ID. Canceling an unknown or
	// already-fired timer is not an error.
	Cancel(id string) error

	// Stop cancels all scheduled timers.
	Stop()

	// ListActive returns information about all active timers.
	ListActive() []TimerInfo
}

// TimerInfo describes an active timer for status reporting.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Description string    `json:"description"`
}
