package scheduler

import (
	"context"
	"errors"
	"testing"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
}

func TestScheduleCheckIn_InvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	err := s.ScheduleCheckIn("not a cron expr", "15550001234", nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if s.CheckInCount() != 0 {
		t.Errorf("failed registration should not be recorded")
	}
}

func TestScheduleCheckIn_ReplacesExisting(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	gen := func(context.Context) (string, error) { return "hi", nil }
	del := func(context.Context, string, string) error { return nil }

	if err := s.ScheduleCheckIn("0 9 * * *", "15550001234", gen, del); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := s.ScheduleCheckIn("0 18 * * *", "15550001234", gen, del); err != nil {
		t.Fatalf("second registration: %v", err)
	}
	if got := s.CheckInCount(); got != 1 {
		t.Errorf("expected 1 registration after replacement, got %d", got)
	}
}

func TestCancelCheckIn(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	gen := func(context.Context) (string, error) { return "hi", nil }
	del := func(context.Context, string, string) error { return nil }

	if err := s.ScheduleCheckIn("0 9 * * *", "15550001234", gen, del); err != nil {
		t.Fatalf("registration: %v", err)
	}
	if !s.CancelCheckIn("15550001234") {
		t.Error("expected cancel to report an existing registration")
	}
	if s.CancelCheckIn("15550001234") {
		t.Error("second cancel should report nothing to remove")
	}
	if s.CheckInCount() != 0 {
		t.Errorf("expected 0 registrations, got %d", s.CheckInCount())
	}
}

func TestCheckInJob_DeliversGeneratedText(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var delivered []string
	job := s.checkInJob("15550001234",
		func(context.Context) (string, error) { return "how is your day going?", nil },
		func(_ context.Context, recipient, text string) error {
			delivered = append(delivered, recipient+":"+text)
			return nil
		})
	job()

	if len(delivered) != 1 || delivered[0] != "15550001234:how is your day going?" {
		t.Errorf("unexpected deliveries: %v", delivered)
	}
}

func TestCheckInJob_SkipsOnGenerationError(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var delivered int
	job := s.checkInJob("15550001234",
		func(context.Context) (string, error) { return "", errors.New("upstream down") },
		func(context.Context, string, string) error {
			delivered++
			return nil
		})
	job()

	if delivered != 0 {
		t.Errorf("delivery should be skipped on generation error, got %d", delivered)
	}
}

func TestCheckInJob_SkipsEmptyText(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var delivered int
	job := s.checkInJob("15550001234",
		func(context.Context) (string, error) { return "", nil },
		func(context.Context, string, string) error {
			delivered++
			return nil
		})
	job()

	if delivered != 0 {
		t.Errorf("empty check-in should not be delivered, got %d", delivered)
	}
}
