// Package models defines the core data structures for PacePipe.
package models

// Lifecycle event names emitted by the pacing pipeline. Event emission is
// optional instrumentation; a nil emitter never affects core behavior.
const (
	// EventMessageStart fires when a queued item begins delivery.
	EventMessageStart = "message_start"
	// EventMessageComplete fires when a queued item finished delivery.
	EventMessageComplete = "message_complete"
	// EventQueueComplete fires when the queue drains, carrying the total
	// processed count.
	EventQueueComplete = "queue_complete"
	// EventMessagesCancelled fires when pending items are dropped, carrying
	// the dropped count.
	EventMessagesCancelled = "messages_cancelled"
	// EventFollowUpScheduled fires when a continuation request is armed.
	EventFollowUpScheduled = "follow_up_scheduled"
	// EventError reports a runtime failure (continuation request, delivery).
	EventError = "error"
)

// EventEmitter receives lifecycle notifications. Implementations must not
// block; the pipeline calls them inline.
type EventEmitter func(event string, data map[string]any)

// Emit invokes the emitter if one is set.
func (e EventEmitter) Emit(event string, data map[string]any) {
	if e != nil {
		e(event, data)
	}
}
