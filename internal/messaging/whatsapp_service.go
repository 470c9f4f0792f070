package messaging

import (
	"context"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/whatsapp"
)

// eventSource is the subscription side of *whatsapp.Client.
type eventSource interface {
	AddEventHandler(handler func(evt interface{})) uint32
	RemoveEventHandler(id uint32)
}

// WhatsAppService implements Service on top of the whatsmeow client.
type WhatsAppService struct {
	*eventStream
	client    whatsapp.WhatsAppSender
	source    eventSource
	handlerID uint32
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps client. Inbound events are only available when client can be subscribed to.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{
		eventStream: newEventStream("WhatsAppService"),
		client:      client,
	}
	if src, ok := client.(eventSource); ok {
		s.source = src
	} else {
		slog.Debug("WhatsAppService created without event source (likely mock)")
	}
	return s
}

// ValidateAndCanonicalizeRecipient keeps only the digits of a phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalPhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("WhatsAppService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start subscribes to inbound whatsmeow events.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.source == nil {
		slog.Debug("WhatsAppService Start: no event source, inbound disabled")
		return nil
	}
	s.handlerID = s.source.AddEventHandler(s.handleEvent)
	slog.Info("WhatsAppService event handler registered", "handler_id", s.handlerID)
	return nil
}

// Stop unsubscribes and closes the event channel.
func (s *WhatsAppService) Stop() error {
	if s.source != nil && s.handlerID != 0 {
		s.source.RemoveEventHandler(s.handlerID)
	}
	s.stop()
	return nil
}

// SendMessage renders buttons as a numbered list and remembers them for the recipient.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, msg models.OutgoingMessage) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, RenderButtons(msg)); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonical)
		return err
	}
	s.buttons.Remember(canonical, msg.Buttons)
	slog.Debug("WhatsAppService message sent", "to", canonical, "buttons", len(msg.Buttons))
	return nil
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if ev, ok := s.toEvent(v); ok {
			s.emit(ev)
		}
	default:
		slog.Debug("WhatsAppService ignoring event", "type", eventTypeName(evt))
	}
}

// toEvent converts a whatsmeow message. Own messages are dropped.
func (s *WhatsAppService) toEvent(evt *events.Message) (models.Event, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return models.Event{}, false
	}
	userID, err := canonicalPhone(evt.Info.Sender.User)
	if err != nil {
		slog.Debug("WhatsAppService ignoring message from non-phone sender", "sender", evt.Info.Sender.String())
		return models.Event{}, false
	}

	msg := &models.Message{ContentType: models.ContentOther}
	m := evt.Message
	switch {
	case m.GetConversation() != "":
		text := m.GetConversation()
		msg.ContentType, msg.Text = models.ContentText, &text
	case m.GetExtendedTextMessage() != nil:
		text := m.GetExtendedTextMessage().GetText()
		msg.ContentType, msg.Text = models.ContentText, &text
	case m.GetImageMessage() != nil:
		msg.ContentType = models.ContentPhoto
		if caption := m.GetImageMessage().GetCaption(); caption != "" {
			msg.Text = &caption
		}
	case m.GetDocumentMessage() != nil:
		msg.ContentType = models.ContentDocument
		if caption := m.GetDocumentMessage().GetCaption(); caption != "" {
			msg.Text = &caption
		}
	}

	received := evt.Info.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	return models.Event{
		ID:         string(evt.Info.ID),
		UserID:     userID,
		ChatID:     userID,
		User:       models.UserProfile{FirstName: evt.Info.PushName},
		Message:    msg,
		ReceivedAt: received,
	}, true
}

func eventTypeName(evt interface{}) string {
	switch evt.(type) {
	case *events.Receipt:
		return "Receipt"
	case *events.Presence:
		return "Presence"
	case *events.Connected:
		return "Connected"
	case *events.Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}
