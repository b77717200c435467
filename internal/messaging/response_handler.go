package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// ResponseAction processes a participant's incoming message. It receives the
// canonical phone number, message text and timestamp, and reports whether it
// handled the message.
type ResponseAction func(ctx context.Context, from, responseText string, timestamp int64) (handled bool, err error)

// ResponseHandler routes incoming responses to per-recipient hooks. The
// engine registers one hook per active conversation; unhooked senders get a
// default acknowledgement.
type ResponseHandler struct {
	hooks          map[string]ResponseAction
	mu             sync.RWMutex
	msgService     Service
	defaultAction  ResponseAction
	defaultMessage string
}

// NewResponseHandler creates a ResponseHandler bound to a messaging service.
func NewResponseHandler(msgService Service) *ResponseHandler {
	return &ResponseHandler{
		hooks:          make(map[string]ResponseAction),
		msgService:     msgService,
		defaultMessage: "Thanks for your message. Send anything to start a conversation.",
	}
}

// RegisterHook registers a response action for a specific participant.
func (rh *ResponseHandler) RegisterHook(recipient string, action ResponseAction) error {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.hooks[canonical] = action
	slog.Debug("ResponseHandler hook registered", "recipient", canonical)
	return nil
}

// UnregisterHook removes a participant's response action.
func (rh *ResponseHandler) UnregisterHook(recipient string) error {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	delete(rh.hooks, canonical)
	return nil
}

// IsHookRegistered checks whether a hook exists for the recipient.
func (rh *ResponseHandler) IsHookRegistered(recipient string) bool {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return false
	}
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	_, exists := rh.hooks[canonical]
	return exists
}

// ProcessResponse dispatches one incoming response through its hook, or sends
// the default acknowledgement when no hook exists or the hook declines.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	rh.mu.RLock()
	action, hasHook := rh.hooks[canonical]
	if !hasHook && rh.defaultAction != nil {
		action, hasHook = rh.defaultAction, true
	}
	rh.mu.RUnlock()

	if hasHook {
		handled, err := action(ctx, canonical, response.Body, response.Time)
		if err != nil {
			slog.Error("ResponseHandler hook execution failed", "error", err, "from", canonical)
			return fmt.Errorf("hook execution failed: %w", err)
		}
		if handled {
			return nil
		}
		slog.Debug("ResponseHandler hook declined response", "from", canonical)
	}

	if err := rh.msgService.SendMessage(ctx, canonical, rh.getDefaultMessage()); err != nil {
		return fmt.Errorf("failed to send default response: %w", err)
	}
	return nil
}

// Run consumes the service's Responses channel until it closes or ctx ends,
// dispatching each message. Intended to run as the engine's inbound loop.
func (rh *ResponseHandler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Debug("ResponseHandler loop stopping", "reason", ctx.Err())
			return
		case response, ok := <-rh.msgService.Responses():
			if !ok {
				slog.Debug("ResponseHandler loop stopping, responses channel closed")
				return
			}
			if err := rh.ProcessResponse(ctx, response); err != nil {
				slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
			}
		}
	}
}

// SetDefaultAction installs a catch-all action for senders without a
// registered hook. The default acknowledgement still applies when the action
// declines.
func (rh *ResponseHandler) SetDefaultAction(action ResponseAction) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.defaultAction = action
}

// SetDefaultMessage sets the fallback reply for unhooked senders.
func (rh *ResponseHandler) SetDefaultMessage(message string) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.defaultMessage = message
}

func (rh *ResponseHandler) getDefaultMessage() string {
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	return rh.defaultMessage
}
