package pacing

import (
	"fmt"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// manualTimer implements models.Timer with an explicitly advanced clock so
// tests control exactly when scheduled functions fire.
type manualTimer struct {
	mu        sync.Mutex
	nextID    int
	order     []string
	scheduled map[string]manualEntry
}

type manualEntry struct {
	delay time.Duration
	fn    func()
}

func newManualTimer() *manualTimer {
	return &manualTimer{scheduled: make(map[string]manualEntry)}
}

func (t *manualTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := fmt.Sprintf("manual_%d", t.nextID)
	t.scheduled[id] = manualEntry{delay: delay, fn: fn}
	t.order = append(t.order, id)
	return id, nil
}

func (t *manualTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.scheduled, id)
	return nil
}

func (t *manualTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheduled = make(map[string]manualEntry)
	t.order = nil
}

func (t *manualTimer) ListActive() []models.TimerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var infos []models.TimerInfo
	for id := range t.scheduled {
		infos = append(infos, models.TimerInfo{ID: id})
	}
	return infos
}

// fireNext runs the earliest still-scheduled function. Returns false when
// nothing is pending.
func (t *manualTimer) fireNext() bool {
	t.mu.Lock()
	var fn func()
	for len(t.order) > 0 {
		id := t.order[0]
		t.order = t.order[1:]
		if entry, ok := t.scheduled[id]; ok {
			delete(t.scheduled, id)
			fn = entry.fn
			break
		}
	}
	t.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

// drain fires scheduled functions until none remain.
func (t *manualTimer) drain() {
	for t.fireNext() {
	}
}

// lastDelay returns the delay of the most recently scheduled entry.
func (t *manualTimer) lastDelay() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return 0, false
	}
	entry, ok := t.scheduled[t.order[len(t.order)-1]]
	return entry.delay, ok
}

// deliveryRecorder collects delivered items for assertions.
type deliveryRecorder struct {
	mu    sync.Mutex
	items []models.QueuedItem
	times []time.Time
}

func (r *deliveryRecorder) deliver(item models.QueuedItem, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	r.times = append(r.times, at)
}

func (r *deliveryRecorder) delivered() []models.QueuedItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.QueuedItem, len(r.items))
	copy(out, r.items)
	return out
}

// eventRecorder collects emitted lifecycle events.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	name string
	data map[string]any
}

func (r *eventRecorder) emit(name string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: name, data: data})
}

func (r *eventRecorder) named(name string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}
