package pacing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// ContinuationFunc performs the actual continuation request against the
// upstream model and returns its response. The scheduler treats it opaquely.
type ContinuationFunc func(ctx context.Context) (models.AssistantResponse, error)

// ResponseFunc receives a continuation response so it can re-enter the
// normal processing pipeline.
type ResponseFunc func(resp models.AssistantResponse)

// FollowUpScheduler gates and times chained continuation requests. When a
// delivered response signals more content, it arms a single delayed
// continuation whose result flows back through the same pipeline.
type FollowUpScheduler struct {
	mu                 sync.Mutex
	timer              models.Timer
	cfg                models.PacingConfig
	request            ContinuationFunc
	onResponse         ResponseFunc
	emit               models.EventEmitter
	sequentialCount    int
	imageJustGenerated bool
	pending            bool
	pendingGroupID     string
	timerID            string
}

// NewFollowUpScheduler wires a scheduler to its timer, continuation
// transport and response handler. emit may be nil.
func NewFollowUpScheduler(cfg models.PacingConfig, timer models.Timer, request ContinuationFunc, onResponse ResponseFunc, emit models.EventEmitter) *FollowUpScheduler {
	return &FollowUpScheduler{
		timer:      timer,
		cfg:        cfg,
		request:    request,
		onResponse: onResponse,
		emit:       emit,
	}
}

// UpdateConfig replaces the scheduler's view of the pacing configuration.
func (s *FollowUpScheduler) UpdateConfig(cfg models.PacingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// OnMoreContentExpected arms a continuation for the group that signaled more
// content. Guards are checked in order: the sequential counter has hit its
// limit, an image was generated immediately prior (one-shot, cleared here),
// or a continuation is already pending. Any of them suppresses the schedule.
func (s *FollowUpScheduler) OnMoreContentExpected(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sequentialCount >= s.cfg.MaxSequentialFollowUps {
		slog.Debug("FollowUpScheduler suppressed: sequential limit reached", "count", s.sequentialCount)
		return
	}
	if s.imageJustGenerated {
		s.imageJustGenerated = false
		slog.Debug("FollowUpScheduler suppressed: image generated immediately prior")
		return
	}
	if s.pending {
		slog.Debug("FollowUpScheduler suppressed: continuation already pending")
		return
	}

	s.sequentialCount++
	s.pending = true
	s.pendingGroupID = groupID

	id, err := s.timer.ScheduleAfter(s.cfg.FollowUpDelay, s.fire)
	if err != nil {
		s.pending = false
		s.pendingGroupID = ""
		slog.Error("FollowUpScheduler failed to schedule continuation", "error", err)
		return
	}
	s.timerID = id

	slog.Info("FollowUpScheduler armed continuation", "group_id", groupID, "delay", s.cfg.FollowUpDelay, "sequential_count", s.sequentialCount)
	s.emit.Emit(models.EventFollowUpScheduled, map[string]any{
		"group_id": groupID,
		"delay_ms": s.cfg.FollowUpDelay.Milliseconds(),
	})
}

// fire issues the continuation request. The pending flag is re-checked first
// to handle a cancel racing the delay, and cleared before the response is
// handed on so the handler can arm the next link in the chain. A failed
// request also clears it and never reaches the handler.
func (s *FollowUpScheduler) fire() {
	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return
	}
	s.timerID = ""
	s.mu.Unlock()

	resp, err := s.request(context.Background())

	s.mu.Lock()
	s.pending = false
	s.pendingGroupID = ""
	s.mu.Unlock()

	if err != nil {
		slog.Error("FollowUpScheduler continuation request failed", "error", err)
		s.emit.Emit(models.EventError, map[string]any{"stage": "follow_up", "error": err.Error()})
		return
	}

	s.onResponse(resp)
}

// CancelForGroup withdraws the pending continuation if it is still pending
// and was armed by groupID.
func (s *FollowUpScheduler) CancelForGroup(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending || s.pendingGroupID != groupID {
		return
	}
	if s.timerID != "" {
		s.timer.Cancel(s.timerID)
		s.timerID = ""
	}
	s.pending = false
	s.pendingGroupID = ""
	slog.Info("FollowUpScheduler canceled pending continuation", "group_id", groupID)
}

// ResetSequentialCount resets the chained-continuation counter. Called only
// for a genuine user-initiated message, never when a follow-up fires.
func (s *FollowUpScheduler) ResetSequentialCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequentialCount = 0
}

// NoteImageGenerated sets the one-shot suppression consulted by the next
// OnMoreContentExpected call.
func (s *FollowUpScheduler) NoteImageGenerated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imageJustGenerated = true
}

// IsPending reports whether a continuation is currently armed.
func (s *FollowUpScheduler) IsPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}
