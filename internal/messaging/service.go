// Package messaging provides the pluggable delivery abstraction between the
// pacing pipeline and a concrete WhatsApp backend.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size for receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emits.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned for operations on a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex strips everything that is not a digit during recipient
// canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient identifier and
	// returns its canonical form. Each backend owns its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendTyping toggles the typing indicator for a recipient. Backends
	// without one treat it as a no-op.
	SendTyping(ctx context.Context, to string, typing bool) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming participant responses.
	Responses() <-chan models.Response
}

// canonicalizePhoneNumber applies the shared digit-only canonicalization used
// by both backends.
func canonicalizePhoneNumber(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short (minimum 6 digits required)")
	}
	return canonical, nil
}
