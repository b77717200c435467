package pacing

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// timerEntry tracks one scheduled delivery or follow-up timer.
type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
	description string
}

// SimpleTimer implements models.Timer using the standard time package. It
// backs both the delivery queue's per-item waits and the follow-up
// scheduler's pre-fire wait in production; tests substitute a manual clock.
type SimpleTimer struct {
	timers map[string]*timerEntry
	mu     sync.RWMutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{
		timers: make(map[string]*timerEntry),
	}
}

// ScheduleAfter schedules fn to run after delay.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	t.mu.Lock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	t.mu.Unlock()

	now := time.Now()
	timer := time.AfterFunc(delay, func() {
		fn()
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
	})

	t.mu.Lock()
	t.timers[id] = &timerEntry{
		timer:       timer,
		scheduledAt: now,
		expiresAt:   now.Add(delay),
		description: fmt.Sprintf("delivery wait %v", delay),
	}
	t.mu.Unlock()

	slog.Debug("SimpleTimer scheduled", "id", id, "delay", delay)
	return id, nil
}

// Cancel cancels a scheduled function by ID. Unknown IDs are ignored.
func (t *SimpleTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, exists := t.timers[id]; exists {
		entry.timer.Stop()
		delete(t.timers, id)
		slog.Debug("SimpleTimer canceled", "id", id)
	}
	return nil
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	t.timers = make(map[string]*timerEntry)
	slog.Debug("SimpleTimer stopped all timers")
}

// ListActive returns information about all active timers.
func (t *SimpleTimer) ListActive() []models.TimerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	result := make([]models.TimerInfo, 0, len(t.timers))
	for id, entry := range t.timers {
		remaining := entry.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, models.TimerInfo{
			ID:          id,
			ScheduledAt: entry.scheduledAt,
			ExpiresAt:   entry.expiresAt,
			Remaining:   remaining.String(),
			Description: entry.description,
		})
	}
	return result
}
