package pacing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// DeliveryFunc receives each queued item when its delay elapses, together
// with the delivery timestamp captured at fire time. It must not panic;
// failure handling belongs to the caller that injected it.
type DeliveryFunc func(item models.QueuedItem, deliveredAt time.Time)

// MessageQueue delivers queued items one at a time, each after its own
// delay. Items within a group always fire in ascending MessageIndex order;
// the next item's countdown does not start until the current one has fired.
//
// A single queue instance services a single conversation. Concurrent
// responses need their own orchestrator/queue pair.
type MessageQueue struct {
	mu             sync.Mutex
	items          []models.QueuedItem
	canceled       map[string]struct{}
	timer          models.Timer
	timerID        string
	processing     bool
	inFlight       bool
	processedCount int
	deliver        DeliveryFunc
	emit           models.EventEmitter
}

// NewMessageQueue creates a queue that schedules waits on timer and hands
// fired items to deliver. emit is optional instrumentation and may be nil.
func NewMessageQueue(timer models.Timer, deliver DeliveryFunc, emit models.EventEmitter) *MessageQueue {
	return &MessageQueue{
		canceled: make(map[string]struct{}),
		timer:    timer,
		deliver:  deliver,
		emit:     emit,
	}
}

// Enqueue appends a group's items to the FIFO. If the queue was idle,
// delivery starts immediately with the first item's delay.
func (q *MessageQueue) Enqueue(items []models.QueuedItem) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, items...)
	slog.Debug("MessageQueue enqueued group", "count", len(items), "group_id", items[0].GroupID, "queue_length", len(q.items))

	if !q.processing {
		q.processing = true
		q.scheduleNextLocked()
	}
}

// scheduleNextLocked arms the timer for the head item, or winds down when
// drained. Caller must hold q.mu.
func (q *MessageQueue) scheduleNextLocked() {
	if len(q.items) == 0 {
		q.processing = false
		q.timerID = ""
		processed := q.processedCount
		slog.Debug("MessageQueue drained", "processed", processed)
		q.emit.Emit(models.EventQueueComplete, map[string]any{"processed": processed})
		return
	}

	head := q.items[0]
	id, err := q.timer.ScheduleAfter(head.Delay, q.fire)
	if err != nil {
		// Timer failures leave nothing armed; deliver immediately instead of
		// dropping the rest of the group.
		slog.Error("MessageQueue failed to schedule delivery, firing immediately", "error", err, "group_id", head.GroupID)
		go q.fire()
		return
	}
	q.timerID = id
}

// fire delivers the head item. It runs on the timer goroutine.
func (q *MessageQueue) fire() {
	q.mu.Lock()
	if len(q.items) == 0 {
		// Canceled between firing and acquiring the lock.
		q.mu.Unlock()
		return
	}

	item := q.items[0]
	q.items = q.items[1:]

	if _, skip := q.canceled[item.Key()]; skip {
		// Marked canceled after enqueue but before firing: counted as
		// processed, never delivered.
		delete(q.canceled, item.Key())
		q.processedCount++
		slog.Debug("MessageQueue skipped canceled item", "group_id", item.GroupID, "message_index", item.MessageIndex)
		q.scheduleNextLocked()
		q.mu.Unlock()
		return
	}

	q.inFlight = true
	q.mu.Unlock()

	deliveredAt := time.Now()
	q.emit.Emit(models.EventMessageStart, map[string]any{
		"group_id":      item.GroupID,
		"message_index": item.MessageIndex,
	})
	q.deliver(item, deliveredAt)
	q.emit.Emit(models.EventMessageComplete, map[string]any{
		"group_id":      item.GroupID,
		"message_index": item.MessageIndex,
	})

	q.mu.Lock()
	q.inFlight = false
	q.processedCount++
	if q.processing {
		q.scheduleNextLocked()
	}
	q.mu.Unlock()
}

// MarkCanceled flags item identities so they are skipped if their timer
// fires anyway. Identities are group ID plus message index (QueuedItem.Key).
func (q *MessageQueue) MarkCanceled(keys []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, key := range keys {
		q.canceled[key] = struct{}{}
	}
}

// CancelRemaining drops every item still waiting in the FIFO and disarms the
// pending timer. It returns the identities of the dropped items. A dropped
// item can never fire, so any cancellation mark it carried is released here;
// marks for items already removed for firing stay until fire consumes them.
func (q *MessageQueue) CancelRemaining() []string {
	q.mu.Lock()

	if q.timerID != "" {
		q.timer.Cancel(q.timerID)
		q.timerID = ""
	}

	var dropped []string
	for _, item := range q.items {
		dropped = append(dropped, item.Key())
		delete(q.canceled, item.Key())
	}
	q.items = nil
	if !q.inFlight {
		q.processing = false
	}
	q.mu.Unlock()

	if len(dropped) > 0 {
		slog.Info("MessageQueue canceled remaining items", "count", len(dropped))
		q.emit.Emit(models.EventMessagesCancelled, map[string]any{"count": len(dropped)})
	}
	return dropped
}

// Clear cancels everything and resets counters for a fresh conversation.
func (q *MessageQueue) Clear() {
	q.CancelRemaining()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.processedCount = 0
	q.processing = false
	q.canceled = make(map[string]struct{})
}

// Status returns a snapshot of the queue state.
func (q *MessageQueue) Status() models.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return models.QueueStatus{
		Length:         len(q.items),
		IsProcessing:   q.processing,
		ProcessedCount: q.processedCount,
	}
}

// IsActive reports whether any item remains undelivered, including one
// currently firing.
func (q *MessageQueue) IsActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0 || q.inFlight
}

// PendingItems returns a copy of the items still waiting in the FIFO.
func (q *MessageQueue) PendingItems() []models.QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := make([]models.QueuedItem, len(q.items))
	copy(pending, q.items)
	return pending
}
