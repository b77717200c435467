// Package engine ties the pieces of PacePipe together: it turns incoming
// user messages into upstream requests, runs the results through the pacing
// pipeline, delivers the paced turns over the messaging service, records
// history and keeps the follow-up chain alive.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/genai"
	"github.com/BTreeMap/PacePipe/internal/messaging"
	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/pacing"
	"github.com/BTreeMap/PacePipe/internal/store"
)

// Responder performs upstream completion requests. *genai.Client satisfies
// it; tests inject stubs.
type Responder interface {
	GenerateResponse(ctx context.Context, systemPrompt string, history []genai.Message, userPrompt string) (models.AssistantResponse, error)
	GenerateResponseStream(ctx context.Context, systemPrompt string, history []genai.Message, userPrompt string) (models.AssistantResponse, error)
}

// TimerFactory mints the scheduler for one conversation.
type TimerFactory func() models.Timer

const defaultSystemPrompt = "You are a friendly conversation partner. Keep replies short and natural."

// Opts holds engine configuration.
type Opts struct {
	SystemPrompt string
	Streaming    bool
	Config       models.PacingConfig
	TimerFactory TimerFactory
	Rand         *rand.Rand
	Emit         models.EventEmitter
}

// Option configures the engine.
type Option func(*Opts)

// WithSystemPrompt overrides the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// WithStreaming makes the engine use the streaming completion path.
func WithStreaming() Option {
	return func(o *Opts) { o.Streaming = true }
}

// WithConfig sets the pacing configuration.
func WithConfig(cfg models.PacingConfig) Option {
	return func(o *Opts) { o.Config = cfg }
}

// WithTimerFactory injects the per-conversation scheduler constructor.
func WithTimerFactory(f TimerFactory) Option {
	return func(o *Opts) { o.TimerFactory = f }
}

// WithRand injects the random source used by the pacing components.
func WithRand(rng *rand.Rand) Option {
	return func(o *Opts) { o.Rand = rng }
}

// WithEventEmitter injects the lifecycle event sink.
func WithEventEmitter(emit models.EventEmitter) Option {
	return func(o *Opts) { o.Emit = emit }
}

// Engine services conversations. Each recipient gets its own orchestrator,
// queue and follow-up scheduler; the engine serializes work per conversation
// so one response at a time moves through a queue.
type Engine struct {
	mu            sync.Mutex
	conversations map[string]*conversation

	msg       messaging.Service
	store     store.Store
	responder Responder

	cfg          models.PacingConfig
	systemPrompt string
	streaming    bool
	timerFactory TimerFactory
	rng          *rand.Rand
	emit         models.EventEmitter
}

type conversation struct {
	mu        sync.Mutex
	recipient string
	timer     models.Timer
	orch      *pacing.Orchestrator
	followUp  *pacing.FollowUpScheduler
}

// NewEngine wires an engine from its collaborators.
func NewEngine(msgService messaging.Service, st store.Store, responder Responder, opts ...Option) (*Engine, error) {
	cfg := Opts{
		SystemPrompt: defaultSystemPrompt,
		Config:       models.DefaultPacingConfig(),
		TimerFactory: func() models.Timer { return pacing.NewSimpleTimer() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pacing config: %w", err)
	}

	return &Engine{
		conversations: make(map[string]*conversation),
		msg:           msgService,
		store:         st,
		responder:     responder,
		cfg:           cfg.Config,
		systemPrompt:  cfg.SystemPrompt,
		streaming:     cfg.Streaming,
		timerFactory:  cfg.TimerFactory,
		rng:           cfg.Rand,
		emit:          cfg.Emit,
	}, nil
}

// conversationFor returns the recipient's conversation, creating its
// pipeline on first contact.
func (e *Engine) conversationFor(recipient string) (*conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if conv, ok := e.conversations[recipient]; ok {
		return conv, nil
	}

	conv := &conversation{recipient: recipient, timer: e.timerFactory()}
	orch, err := pacing.NewOrchestrator(e.cfg, conv.timer, e.rng, func(item models.QueuedItem, at time.Time) {
		e.deliver(conv, item, at)
	}, e.emit)
	if err != nil {
		return nil, err
	}
	conv.orch = orch
	conv.followUp = pacing.NewFollowUpScheduler(e.cfg, conv.timer,
		func(ctx context.Context) (models.AssistantResponse, error) {
			return e.continuationRequest(ctx, conv)
		},
		func(resp models.AssistantResponse) {
			e.dispatch(context.Background(), conv, resp)
		},
		e.emit)

	e.conversations[recipient] = conv
	slog.Info("Engine conversation created", "recipient", recipient)
	return conv, nil
}

// HandleUserMessage drives one inbound user message through the pipeline: it
// cancels any still-undelivered paced turns and their pending continuation,
// records the message, asks the upstream for a response and dispatches it.
func (e *Engine) HandleUserMessage(ctx context.Context, from, text string, timestamp int64) error {
	recipient, err := e.msg.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	conv, err := e.conversationFor(recipient)
	if err != nil {
		return err
	}

	// A genuine user message restarts the follow-up counter and supersedes
	// whatever the previous response was still delivering.
	conv.followUp.ResetSequentialCount()
	conv.followUp.CancelForGroup(conv.orch.GetCurrentGroupID())
	if canceled := conv.orch.CancelPendingMessages(); canceled > 0 {
		slog.Info("Engine canceled pending turns for new user message", "recipient", recipient, "count", canceled)
	}

	history, err := e.loadHistory(recipient)
	if err != nil {
		return err
	}

	recordedAt := time.Unix(timestamp, 0)
	if timestamp == 0 {
		recordedAt = time.Now()
	}
	if err := e.store.AddMessage(store.HistoryMessage{
		Conversation: recipient,
		Role:         store.RoleUser,
		Content:      text,
		RecordedAt:   recordedAt,
	}); err != nil {
		return fmt.Errorf("record user message: %w", err)
	}

	resp, err := e.request(ctx, history, text)
	if err != nil {
		e.emit.Emit(models.EventError, map[string]any{"stage": "completion", "error": err.Error()})
		return fmt.Errorf("completion request: %w", err)
	}

	e.dispatch(ctx, conv, resp)
	return nil
}

func (e *Engine) request(ctx context.Context, history []genai.Message, userPrompt string) (models.AssistantResponse, error) {
	if e.streaming {
		return e.responder.GenerateResponseStream(ctx, e.systemPrompt, history, userPrompt)
	}
	return e.responder.GenerateResponse(ctx, e.systemPrompt, history, userPrompt)
}

func (e *Engine) continuationRequest(ctx context.Context, conv *conversation) (models.AssistantResponse, error) {
	history, err := e.loadHistory(conv.recipient)
	if err != nil {
		return models.AssistantResponse{}, err
	}
	return e.request(ctx, history, "")
}

// loadHistory converts recorded history into upstream chat messages. Image
// placeholders and empty contents are skipped.
func (e *Engine) loadHistory(recipient string) ([]genai.Message, error) {
	recorded, err := e.store.GetMessages(recipient)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	var history []genai.Message
	for _, m := range recorded {
		if m.Content == "" || m.Kind == models.ItemKindImage {
			continue
		}
		role := genai.RoleUser
		if m.Role == store.RoleAssistant {
			role = genai.RoleAssistant
		}
		history = append(history, genai.Message{Role: role, Content: m.Content})
	}
	return history, nil
}

// dispatch routes one upstream response: paced delivery when the
// orchestrator accepts it, single-message fallback otherwise.
func (e *Engine) dispatch(ctx context.Context, conv *conversation, resp models.AssistantResponse) {
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.orch.Process(resp) {
		// Paced delivery is underway; show typing until the first turn fires.
		if err := e.msg.SendTyping(ctx, conv.recipient, true); err != nil {
			slog.Debug("Engine typing indicator failed", "error", err, "recipient", conv.recipient)
		}
		return
	}
	e.deliverUnpaced(ctx, conv, resp)
}

// deliverUnpaced sends a response as one ordinary message.
func (e *Engine) deliverUnpaced(ctx context.Context, conv *conversation, resp models.AssistantResponse) {
	if resp.Content.HasText() {
		if err := e.msg.SendMessage(ctx, conv.recipient, resp.Content.Text()); err != nil {
			slog.Error("Engine fallback send failed", "error", err, "recipient", conv.recipient)
			e.emit.Emit(models.EventError, map[string]any{"stage": "delivery", "error": err.Error()})
			return
		}
	}

	if resp.Content.HasText() || len(resp.ToolCalls) > 0 {
		if err := e.store.AddMessage(store.HistoryMessage{
			Conversation: conv.recipient,
			Role:         store.RoleAssistant,
			Content:      resp.Content.Text(),
			Kind:         models.ItemKindText,
			Reasoning:    resp.Reasoning,
			Violations:   resp.Violations,
			ToolCalls:    resp.ToolCalls,
			HasNext:      resp.HasNext,
			RecordedAt:   time.Now(),
		}); err != nil {
			slog.Error("Engine failed to record fallback message", "error", err, "recipient", conv.recipient)
		}
	}

	if resp.ImagePrompt != "" {
		e.deliverImage(ctx, conv, resp.ImagePrompt, "", 0, 0)
	}
	if resp.HasNext {
		conv.followUp.OnMoreContentExpected(conv.orch.GetCurrentGroupID())
	}
}

// deliver is the orchestrator's sink: it sends one paced item, records it
// and arms the follow-up machinery.
func (e *Engine) deliver(conv *conversation, item models.QueuedItem, deliveredAt time.Time) {
	ctx := context.Background()

	if item.Kind == models.ItemKindImage {
		e.deliverImage(ctx, conv, item.ImagePrompt, item.GroupID, item.MessageIndex, item.TotalInGroup)
	} else {
		if err := e.msg.SendMessage(ctx, conv.recipient, item.Content); err != nil {
			slog.Error("Engine paced send failed", "error", err, "recipient", conv.recipient, "group_id", item.GroupID)
			e.emit.Emit(models.EventError, map[string]any{"stage": "delivery", "error": err.Error()})
		} else if err := e.store.AddMessage(store.HistoryMessage{
			Conversation: conv.recipient,
			Role:         store.RoleAssistant,
			Content:      item.Content,
			Kind:         models.ItemKindText,
			GroupID:      item.GroupID,
			MessageIndex: item.MessageIndex,
			TotalInGroup: item.TotalInGroup,
			Reasoning:    item.Reasoning,
			Violations:   item.Violations,
			ToolCalls:    item.ToolCalls,
			HasNext:      item.HasNext,
			RecordedAt:   deliveredAt,
		}); err != nil {
			slog.Error("Engine failed to record paced message", "error", err, "recipient", conv.recipient)
		}
	}

	// Keep the composing presence up between turns, drop it after the last.
	if err := e.msg.SendTyping(ctx, conv.recipient, !item.IsLast()); err != nil {
		slog.Debug("Engine typing indicator failed", "error", err, "recipient", conv.recipient)
	}

	if item.HasNext {
		conv.followUp.OnMoreContentExpected(item.GroupID)
	}
}

// deliverImage sends the placeholder caption for a synthetic image item and
// records it. Actual image generation happens outside this service.
func (e *Engine) deliverImage(ctx context.Context, conv *conversation, prompt, groupID string, messageIndex, totalInGroup int) {
	caption := fmt.Sprintf("[image: %s]", prompt)
	if err := e.msg.SendMessage(ctx, conv.recipient, caption); err != nil {
		slog.Error("Engine image placeholder send failed", "error", err, "recipient", conv.recipient)
		return
	}
	if err := e.store.AddMessage(store.HistoryMessage{
		Conversation: conv.recipient,
		Role:         store.RoleAssistant,
		Content:      caption,
		Kind:         models.ItemKindImage,
		ImagePrompt:  prompt,
		GroupID:      groupID,
		MessageIndex: messageIndex,
		TotalInGroup: totalInGroup,
		RecordedAt:   time.Now(),
	}); err != nil {
		slog.Error("Engine failed to record image message", "error", err, "recipient", conv.recipient)
	}
	conv.followUp.NoteImageGenerated()
}

// ResponseHook adapts the engine to the messaging response handler.
func (e *Engine) ResponseHook() messaging.ResponseAction {
	return func(ctx context.Context, from, responseText string, timestamp int64) (bool, error) {
		if err := e.HandleUserMessage(ctx, from, responseText, timestamp); err != nil {
			return false, err
		}
		return true, nil
	}
}

// DeliverCheckIn pushes a proactive message into a recipient's conversation.
// It flows through the same dispatch path as upstream responses, so the text
// is paced when eligible and always lands in recorded history for later
// replay.
func (e *Engine) DeliverCheckIn(ctx context.Context, recipient, text string) error {
	canonical, err := e.msg.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	conv, err := e.conversationFor(canonical)
	if err != nil {
		return err
	}
	slog.Info("Engine delivering check-in", "recipient", canonical)
	// An empty turns slice lets a multi-line check-in split on its line
	// breaks like an upstream response would.
	e.dispatch(ctx, conv, models.AssistantResponse{
		Content: models.TextContent(text),
		Turns:   []string{},
	})
	return nil
}

// CancelPending cancels a recipient's undelivered turns and pending
// continuation, returning the number of items canceled.
func (e *Engine) CancelPending(recipient string) int {
	canonical, err := e.msg.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return 0
	}
	e.mu.Lock()
	conv, ok := e.conversations[canonical]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	conv.followUp.CancelForGroup(conv.orch.GetCurrentGroupID())
	return conv.orch.CancelPendingMessages()
}

// Status reports a recipient's pipeline status. Unknown recipients report an
// idle pipeline with the engine's enabled flag.
func (e *Engine) Status(recipient string) models.PacerStatus {
	canonical, err := e.msg.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return models.PacerStatus{Enabled: e.Config().Enabled}
	}
	e.mu.Lock()
	conv, ok := e.conversations[canonical]
	e.mu.Unlock()
	if !ok {
		return models.PacerStatus{Enabled: e.Config().Enabled}
	}
	return conv.orch.GetStatus()
}

// History returns a recipient's recorded conversation.
func (e *Engine) History(recipient string) ([]store.HistoryMessage, error) {
	canonical, err := e.msg.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return nil, err
	}
	return e.store.GetMessages(canonical)
}

// UpdateConfig revalidates and applies a new pacing configuration to every
// conversation.
func (e *Engine) UpdateConfig(cfg models.PacingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	for _, conv := range e.conversations {
		if err := conv.orch.UpdateConfig(cfg); err != nil {
			return err
		}
		conv.followUp.UpdateConfig(cfg)
	}
	slog.Info("Engine pacing configuration updated", "enabled", cfg.Enabled, "max_turns", cfg.MaxTurns)
	return nil
}

// Config returns the engine's current pacing configuration.
func (e *Engine) Config() models.PacingConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Stop shuts down every conversation's scheduler.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, conv := range e.conversations {
		conv.orch.CancelPendingMessages()
		conv.timer.Stop()
	}
	slog.Info("Engine stopped", "conversations", len(e.conversations))
}
