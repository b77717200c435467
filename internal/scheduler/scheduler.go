// Package scheduler provides cron-based scheduling for PacePipe.
//
// Its main use is proactive check-ins: a recipient can be given a cron
// expression, and at each tick a fresh check-in message is generated and
// pushed into the conversation pipeline as if the assistant decided to
// reach out.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// GenerateFunc produces the text of one check-in message.
type GenerateFunc func(ctx context.Context) (string, error)

// DeliverFunc hands a generated check-in to the conversation pipeline.
type DeliverFunc func(ctx context.Context, recipient, text string) error

// Scheduler provides cron-based job scheduling with per-recipient check-in
// registrations.
type Scheduler struct {
	cron *cron.Cron

	mu       sync.Mutex
	checkIns map[string]cron.EntryID
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic
	// recovery around jobs.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c, checkIns: make(map[string]cron.EntryID)}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleCheckIn registers a recurring check-in for a recipient. A second
// registration for the same recipient replaces the first.
func (s *Scheduler) ScheduleCheckIn(expr, recipient string, generate GenerateFunc, deliver DeliverFunc) error {
	job := s.checkInJob(recipient, generate, deliver)
	id, err := s.cron.AddFunc(expr, job)
	if err != nil {
		return fmt.Errorf("invalid check-in schedule %q: %w", expr, err)
	}

	s.mu.Lock()
	if prev, ok := s.checkIns[recipient]; ok {
		s.cron.Remove(prev)
	}
	s.checkIns[recipient] = id
	s.mu.Unlock()

	slog.Info("Scheduler registered check-in", "recipient", recipient, "schedule", expr)
	return nil
}

// checkInJob builds the cron task for one recipient.
func (s *Scheduler) checkInJob(recipient string, generate GenerateFunc, deliver DeliverFunc) func() {
	return func() {
		ctx := context.Background()
		text, err := generate(ctx)
		if err != nil {
			slog.Error("Scheduler check-in generation failed", "error", err, "recipient", recipient)
			return
		}
		if text == "" {
			slog.Debug("Scheduler skipped empty check-in", "recipient", recipient)
			return
		}
		if err := deliver(ctx, recipient, text); err != nil {
			slog.Error("Scheduler check-in delivery failed", "error", err, "recipient", recipient)
			return
		}
		slog.Info("Scheduler delivered check-in", "recipient", recipient)
	}
}

// CancelCheckIn removes a recipient's check-in registration. It reports
// whether one existed.
func (s *Scheduler) CancelCheckIn(recipient string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.checkIns[recipient]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.checkIns, recipient)
	slog.Info("Scheduler canceled check-in", "recipient", recipient)
	return true
}

// CheckInCount returns the number of registered check-ins.
func (s *Scheduler) CheckInCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkIns)
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
