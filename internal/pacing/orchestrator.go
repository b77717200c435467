package pacing

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/util"
)

// DeliverySink receives each delivered item exactly once. It is responsible
// for sending, persistence and any follow-up arming; canceled items never
// reach it.
type DeliverySink func(item models.QueuedItem, deliveredAt time.Time)

// Orchestrator decides whether a response is split into paced turns, builds
// the queued group and hands it to the delivery queue. One orchestrator
// services one logical conversation.
type Orchestrator struct {
	mu             sync.Mutex
	cfg            models.PacingConfig
	limiter        *TurnLimiter
	queue          *MessageQueue
	canceled       map[string]struct{}
	currentGroupID string
	sink           DeliverySink
	emit           models.EventEmitter
}

// NewOrchestrator validates cfg and wires the limiter and queue. A nil rng
// falls back to the shared global source; emit may be nil.
func NewOrchestrator(cfg models.PacingConfig, timer models.Timer, rng *rand.Rand, sink DeliverySink, emit models.EventEmitter) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:      cfg,
		limiter:  NewTurnLimiter(rng),
		canceled: make(map[string]struct{}),
		sink:     sink,
		emit:     emit,
	}
	o.queue = NewMessageQueue(timer, o.deliverItem, emit)
	return o, nil
}

// UpdateConfig replaces the pacing configuration after validating it.
// Invalid configurations are rejected wholesale.
func (o *Orchestrator) UpdateConfig(cfg models.PacingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
	slog.Info("Orchestrator configuration updated", "enabled", cfg.Enabled, "max_turns", cfg.MaxTurns)
	return nil
}

// Config returns the current pacing configuration.
func (o *Orchestrator) Config() models.PacingConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Process decides whether resp should be paced. It returns true when the
// response was split and queued; false means the caller must deliver it as a
// single ordinary message.
func (o *Orchestrator) Process(resp models.AssistantResponse) bool {
	cfg := o.Config()
	if !cfg.Enabled {
		return false
	}
	if !resp.Content.HasText() {
		return false
	}

	candidates, split := SplitCandidates(resp.Content.Text(), resp.Turns, resp.Turns != nil)
	if !split {
		return false
	}

	limited := o.limiter.Limit(candidates, resp.HasNext, cfg)
	if len(limited) == 0 {
		return false
	}

	groupID := util.GenerateGroupID()
	createdAt := time.Now()

	total := len(limited)
	if resp.ImagePrompt != "" {
		total++
	}

	items := make([]models.QueuedItem, 0, total)
	for i, turn := range limited {
		item := models.QueuedItem{
			Content:        turn.Content,
			Delay:          turn.Delay,
			TurnIndex:      turn.TurnIndex,
			TotalTurns:     total,
			GroupID:        groupID,
			MessageIndex:   i,
			TotalInGroup:   total,
			GroupCreatedAt: createdAt,
			Kind:           models.ItemKindText,
		}
		if i == 0 {
			item.Reasoning = resp.Reasoning
		}
		if i == len(limited)-1 {
			item.Violations = resp.Violations
			item.ToolCalls = resp.ToolCalls
			item.HasNext = resp.HasNext
		}
		items = append(items, item)
	}

	if resp.ImagePrompt != "" {
		items = append(items, models.QueuedItem{
			Delay:          cfg.MinDelay,
			TurnIndex:      total - 1,
			TotalTurns:     total,
			GroupID:        groupID,
			MessageIndex:   total - 1,
			TotalInGroup:   total,
			GroupCreatedAt: createdAt,
			Kind:           models.ItemKindImage,
			ImagePrompt:    resp.ImagePrompt,
		})
	}

	o.mu.Lock()
	o.currentGroupID = groupID
	o.mu.Unlock()

	slog.Info("Orchestrator queued paced response", "group_id", groupID, "items", len(items), "has_next", resp.HasNext)
	o.queue.Enqueue(items)
	return true
}

// deliverItem wraps the sink with the canceled-item registry so an item that
// fires after cancellation (already dequeued, racing the timer) is still
// suppressed from the history consumer.
func (o *Orchestrator) deliverItem(item models.QueuedItem, deliveredAt time.Time) {
	o.mu.Lock()
	_, suppressed := o.canceled[item.Key()]
	if suppressed {
		delete(o.canceled, item.Key())
	}
	o.mu.Unlock()

	if suppressed {
		slog.Debug("Orchestrator suppressed canceled item", "group_id", item.GroupID, "message_index", item.MessageIndex)
		return
	}
	o.sink(item, deliveredAt)
}

// CancelPendingMessages remembers every still-pending item as canceled, drops
// the queue's remainder and returns the count canceled.
func (o *Orchestrator) CancelPendingMessages() int {
	pending := o.queue.PendingItems()
	keys := make([]string, len(pending))
	for i, item := range pending {
		keys[i] = item.Key()
	}

	o.mu.Lock()
	for _, key := range keys {
		o.canceled[key] = struct{}{}
	}
	o.mu.Unlock()

	o.queue.MarkCanceled(keys)
	dropped := o.queue.CancelRemaining()

	// Dropped items can never reach deliverItem, so their suppression marks
	// are released immediately. Marks survive only for items that raced out
	// of the FIFO before the drop; deliverItem consumes those.
	o.mu.Lock()
	for _, key := range dropped {
		delete(o.canceled, key)
	}
	o.mu.Unlock()

	if len(dropped) > 0 {
		slog.Info("Orchestrator canceled pending messages", "count", len(dropped))
	}
	return len(dropped)
}

// GetCurrentGroupID reports the most recently started group, or empty when
// nothing has been queued yet. The follow-up scheduler uses it to correlate
// a pending continuation with the group that triggered it.
func (o *Orchestrator) GetCurrentGroupID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentGroupID
}

// IsActive reports whether any queued item remains undelivered.
func (o *Orchestrator) IsActive() bool {
	return o.queue.IsActive()
}

// GetStatus returns the externally visible pipeline status.
func (o *Orchestrator) GetStatus() models.PacerStatus {
	return models.PacerStatus{
		Enabled:     o.Config().Enabled,
		QueueStatus: o.queue.Status(),
	}
}

// Clear resets the queue and the canceled registry for a fresh conversation.
func (o *Orchestrator) Clear() {
	o.queue.Clear()
	o.mu.Lock()
	o.canceled = make(map[string]struct{})
	o.currentGroupID = ""
	o.mu.Unlock()
}
