package pacing

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
)

type sinkRecorder struct {
	items []models.QueuedItem
}

func (s *sinkRecorder) sink(item models.QueuedItem, _ time.Time) {
	s.items = append(s.items, item)
}

func newTestOrchestrator(t *testing.T, cfg models.PacingConfig) (*Orchestrator, *manualTimer, *sinkRecorder) {
	t.Helper()
	timer := newManualTimer()
	rec := &sinkRecorder{}
	rng := rand.New(rand.NewPCG(7, 11))
	o, err := NewOrchestrator(cfg, timer, rng, rec.sink, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o, timer, rec
}

func TestProcessRejectsInvalidConfig(t *testing.T) {
	cfg := models.DefaultPacingConfig()
	cfg.MaxTurns = 0
	if _, err := NewOrchestrator(cfg, newManualTimer(), nil, func(models.QueuedItem, time.Time) {}, nil); !errors.Is(err, models.ErrMaxTurnsTooSmall) {
		t.Fatalf("NewOrchestrator error = %v, want ErrMaxTurnsTooSmall", err)
	}
}

func TestProcessDisabledPassesThrough(t *testing.T) {
	cfg := models.DefaultPacingConfig()
	cfg.Enabled = false
	o, _, _ := newTestOrchestrator(t, cfg)

	resp := models.AssistantResponse{
		Content: models.TextContent("One.\nTwo."),
		Turns:   []string{},
	}
	if o.Process(resp) {
		t.Error("Process() = true with pacing disabled, want false")
	}
}

func TestProcessNoTextPassesThrough(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, models.DefaultPacingConfig())

	if o.Process(models.AssistantResponse{Content: models.AbsentContent()}) {
		t.Error("Process() = true for absent content")
	}
	if o.Process(models.AssistantResponse{Content: models.EmptyContent()}) {
		t.Error("Process() = true for empty content")
	}
}

func TestProcessSingleCandidatePassesThrough(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, models.DefaultPacingConfig())

	// No line break and no delivery hint: stays a single ordinary message.
	resp := models.AssistantResponse{Content: models.TextContent("Just one short message")}
	if o.Process(resp) {
		t.Error("Process() = true for unsplittable content, want false")
	}
}

func TestProcessLimitsToMaxTurns(t *testing.T) {
	cfg := models.DefaultPacingConfig()
	cfg.MaxTurns = 3
	o, timer, rec := newTestOrchestrator(t, cfg)

	resp := models.AssistantResponse{
		Content: models.TextContent("Turn 1\nTurn 2\nTurn 3\nTurn 4"),
		Turns:   []string{},
	}
	if !o.Process(resp) {
		t.Fatal("Process() = false, want true")
	}
	timer.drain()

	if len(rec.items) == 0 || len(rec.items) > 3 {
		t.Fatalf("delivered %d items, want 1..3", len(rec.items))
	}

	// Every original turn survives, in order, across the delivered items.
	var joined strings.Builder
	for _, item := range rec.items {
		joined.WriteString(item.Content)
		joined.WriteString(" ")
	}
	got := strings.Join(strings.Fields(joined.String()), " ")
	want := "Turn 1 Turn 2 Turn 3 Turn 4"
	if got != want {
		t.Errorf("reconstructed content = %q, want %q", got, want)
	}

	for i, item := range rec.items {
		if item.MessageIndex != i {
			t.Errorf("item %d has message_index %d", i, item.MessageIndex)
		}
		if item.TotalInGroup != len(rec.items) {
			t.Errorf("item %d TotalInGroup = %d, want %d", i, item.TotalInGroup, len(rec.items))
		}
	}
	if rec.items[0].Delay != 0 {
		t.Errorf("first item delay = %v, want 0", rec.items[0].Delay)
	}
}

func TestProcessAttachesResponseFields(t *testing.T) {
	o, timer, rec := newTestOrchestrator(t, models.DefaultPacingConfig())

	resp := models.AssistantResponse{
		Content:    models.TextContent("First part.\nSecond part."),
		Turns:      []string{},
		Reasoning:  "thinking out loud",
		Violations: []string{"tone"},
		HasNext:    true,
		ToolCalls: []models.ToolCall{
			{ID: "call_1", Type: "function", Function: models.FunctionCall{Name: "lookup", Arguments: "{}"}},
		},
	}
	if !o.Process(resp) {
		t.Fatal("Process() = false, want true")
	}
	timer.drain()

	if len(rec.items) < 1 {
		t.Fatal("nothing delivered")
	}
	first, last := rec.items[0], rec.items[len(rec.items)-1]

	if first.Reasoning != "thinking out loud" {
		t.Errorf("first item reasoning = %q", first.Reasoning)
	}
	if !last.HasNext {
		t.Error("last item should carry HasNext")
	}
	if len(last.Violations) != 1 || last.Violations[0] != "tone" {
		t.Errorf("last item violations = %v", last.Violations)
	}
	if len(last.ToolCalls) != 1 || last.ToolCalls[0].ID != "call_1" {
		t.Errorf("last item tool calls = %v", last.ToolCalls)
	}
	if len(rec.items) > 1 {
		if rec.items[0].HasNext || len(rec.items[0].Violations) != 0 {
			t.Error("continuation fields leaked onto a non-final item")
		}
	}
}

func TestProcessAppendsImageItem(t *testing.T) {
	cfg := models.DefaultPacingConfig()
	o, timer, rec := newTestOrchestrator(t, cfg)

	resp := models.AssistantResponse{
		Content:     models.TextContent("Look at this.\nHere it comes."),
		Turns:       []string{},
		ImagePrompt: "a lighthouse at dusk",
	}
	if !o.Process(resp) {
		t.Fatal("Process() = false, want true")
	}
	timer.drain()

	last := rec.items[len(rec.items)-1]
	if last.Kind != models.ItemKindImage {
		t.Fatalf("last item kind = %q, want image", last.Kind)
	}
	if last.ImagePrompt != "a lighthouse at dusk" {
		t.Errorf("image prompt = %q", last.ImagePrompt)
	}
	if last.Delay != cfg.MinDelay {
		t.Errorf("image item delay = %v, want %v", last.Delay, cfg.MinDelay)
	}
	for _, item := range rec.items {
		if item.TotalInGroup != len(rec.items) {
			t.Errorf("TotalInGroup = %d, want %d (image counted)", item.TotalInGroup, len(rec.items))
		}
	}
}

func TestProcessSetsCurrentGroupID(t *testing.T) {
	o, timer, rec := newTestOrchestrator(t, models.DefaultPacingConfig())

	if o.GetCurrentGroupID() != "" {
		t.Error("group ID should start empty")
	}
	resp := models.AssistantResponse{
		Content: models.TextContent("A.\nB."),
		Turns:   []string{},
	}
	if !o.Process(resp) {
		t.Fatal("Process() = false, want true")
	}
	groupID := o.GetCurrentGroupID()
	if !strings.HasPrefix(groupID, "grp_") {
		t.Errorf("group ID = %q, want grp_ prefix", groupID)
	}
	timer.drain()
	for _, item := range rec.items {
		if item.GroupID != groupID {
			t.Errorf("item group ID = %q, want %q", item.GroupID, groupID)
		}
	}
}

func TestCancelPendingMessages(t *testing.T) {
	cfg := models.DefaultPacingConfig()
	cfg.MaxTurns = 4
	cfg.MaxTurnConcatProbability = 0
	o, timer, rec := newTestOrchestrator(t, cfg)

	resp := models.AssistantResponse{
		Content: models.TextContent("One\nTwo\nThree\nFour"),
		Turns:   []string{},
	}
	if !o.Process(resp) {
		t.Fatal("Process() = false, want true")
	}
	timer.fireNext() // deliver the first item

	delivered := len(rec.items)
	canceled := o.CancelPendingMessages()
	if canceled == 0 {
		t.Fatal("expected pending items to cancel")
	}

	timer.drain()
	if len(rec.items) != delivered {
		t.Errorf("items reached the sink after cancel: %d -> %d", delivered, len(rec.items))
	}
	if o.IsActive() {
		t.Error("orchestrator still active after cancel")
	}
}

func TestCancelPendingMessagesReleasesRegistryEntries(t *testing.T) {
	cfg := models.DefaultPacingConfig()
	cfg.MaxTurns = 4
	cfg.MaxTurnConcatProbability = 0
	o, _, _ := newTestOrchestrator(t, cfg)

	// Cancel repeatedly without letting anything fire. Every dropped item's
	// suppression mark must be released, or the registries grow with each
	// incoming message for the life of the conversation.
	for i := 0; i < 5; i++ {
		resp := models.AssistantResponse{
			Content: models.TextContent("One\nTwo\nThree"),
			Turns:   []string{},
		}
		if !o.Process(resp) {
			t.Fatal("Process() = false, want true")
		}
		if o.CancelPendingMessages() == 0 {
			t.Fatal("expected pending items to cancel")
		}
	}

	o.mu.Lock()
	orchEntries := len(o.canceled)
	o.mu.Unlock()
	o.queue.mu.Lock()
	queueEntries := len(o.queue.canceled)
	o.queue.mu.Unlock()

	if orchEntries != 0 {
		t.Errorf("orchestrator registry holds %d entries, want 0", orchEntries)
	}
	if queueEntries != 0 {
		t.Errorf("queue registry holds %d entries, want 0", queueEntries)
	}
}

func TestDeliverItemSuppressesRacedCancellation(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, models.DefaultPacingConfig())

	// An item whose timer already fired when cancellation landed is dequeued
	// but still marked in the registry, so delivery must swallow it.
	item := models.QueuedItem{GroupID: "grp_raced", MessageIndex: 2, Content: "late"}
	o.mu.Lock()
	o.canceled[item.Key()] = struct{}{}
	o.mu.Unlock()

	o.deliverItem(item, time.Now())
	if len(rec.items) != 0 {
		t.Fatal("canceled item reached the sink")
	}

	// The registry entry is consumed, not permanent.
	o.deliverItem(item, time.Now())
	if len(rec.items) != 1 {
		t.Error("registry suppression should be one-shot per key")
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, models.DefaultPacingConfig())

	bad := models.DefaultPacingConfig()
	bad.BaseTypingSpeed = -1
	if err := o.UpdateConfig(bad); !errors.Is(err, models.ErrTypingSpeedNotPositive) {
		t.Errorf("UpdateConfig error = %v, want ErrTypingSpeedNotPositive", err)
	}
	// The previous configuration stays in force.
	if got := o.Config().BaseTypingSpeed; got <= 0 {
		t.Errorf("config corrupted by rejected update: speed = %v", got)
	}
}

func TestClearResetsState(t *testing.T) {
	o, timer, _ := newTestOrchestrator(t, models.DefaultPacingConfig())

	resp := models.AssistantResponse{
		Content: models.TextContent("A.\nB."),
		Turns:   []string{},
	}
	o.Process(resp)
	timer.drain()
	o.Clear()

	if o.GetCurrentGroupID() != "" {
		t.Error("group ID survives Clear")
	}
	if status := o.GetStatus(); status.QueueStatus.ProcessedCount != 0 {
		t.Errorf("processed count after Clear = %d", status.QueueStatus.ProcessedCount)
	}
}
