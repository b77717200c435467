package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/util"
	"github.com/BTreeMap/PacePipe/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based client.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client // full client, when available, for event handling
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
}

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
// When the sender is a full whatsapp.Client, incoming messages and receipts
// are forwarded; with an interface-only client (mocks) events are skipped.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
	}
	return service
}

// ValidateAndCanonicalizeRecipient reduces the recipient to digits and
// requires at least six of them.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhoneNumber(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("WhatsAppService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start begins event forwarding when a full client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	}
	return nil
}

// Stop closes the service's channels.
func (s *WhatsAppService) Stop() error {
	close(s.done)
	close(s.receipts)
	close(s.responses)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonical)
		return err
	}
	s.emitReceipt(models.Receipt{
		MessageID: util.GenerateMessageID(),
		To:        canonical,
		Status:    models.MessageStatusSent,
		Time:      time.Now().Unix(),
	})
	return nil
}

// SendTyping toggles the composing presence for a recipient.
func (s *WhatsAppService) SendTyping(ctx context.Context, to string, typing bool) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendTyping(ctx, canonical, typing)
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of incoming response events.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping")
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}

	var messageText string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
	} else {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	fromNumber := evt.Info.Sender.User
	if !strings.HasPrefix(fromNumber, "+") {
		fromNumber = "+" + fromNumber
	}

	response := models.Response{
		From: fromNumber,
		Body: messageText,
		Time: evt.Info.Timestamp.Unix(),
	}

	select {
	case s.responses <- response:
		slog.Info("WhatsAppService incoming message forwarded", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", response.From)
	}
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	toNumber := evt.MessageSource.Sender.User
	if !strings.HasPrefix(toNumber, "+") {
		toNumber = "+" + toNumber
	}

	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}

	s.emitReceipt(models.Receipt{To: toNumber, Status: status, Time: evt.Timestamp.Unix()})
}

func (s *WhatsAppService) emitReceipt(receipt models.Receipt) {
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}
