package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries the request signature of Twilio webhooks.
const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioService implements Service using the Twilio API. Inbound messages arrive through ServeHTTP.
type TwilioService struct {
	*eventStream
	client twiliowhatsapp.TwilioWhatsAppSender
	// publicURL is the externally visible webhook URL used for signature checks; empty uses the request URL.
	publicURL string
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a service around client. publicURL may be empty.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, publicURL string) *TwilioService {
	return &TwilioService{
		eventStream: newEventStream("TwilioService"),
		client:      client,
		publicURL:   publicURL,
	}
}

// ValidateAndCanonicalizeRecipient keeps only the digits of a phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalPhone(strings.TrimPrefix(recipient, twiliowhatsapp.WhatsAppPrefix))
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; inbound traffic is pushed by the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

func (s *TwilioService) Stop() error {
	s.stop()
	return nil
}

// SendMessage renders buttons as a numbered list and remembers them for the recipient.
func (s *TwilioService) SendMessage(ctx context.Context, to string, msg models.OutgoingMessage) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, RenderButtons(msg)); err != nil {
		slog.Error("TwilioService SendMessage error", "error", err, "to", canonical)
		return err
	}
	s.buttons.Remember(canonical, msg.Buttons)
	return nil
}

// ServeHTTP accepts Twilio WhatsApp webhooks and emits them as events.
func (s *TwilioService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioService webhook: invalid form", "error", err)
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	if !s.client.ValidateWebhook(s.webhookURL(r), params, r.Header.Get(TwilioSignatureHeader)) {
		slog.Warn("TwilioService webhook: signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	ev, err := s.toEvent(params)
	if err != nil {
		slog.Warn("TwilioService webhook: bad sender", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.emit(ev) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	// Empty TwiML: replies are sent through the REST API.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<Response></Response>"))
}

func (s *TwilioService) webhookURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (s *TwilioService) toEvent(params map[string]string) (models.Event, error) {
	userID, err := s.ValidateAndCanonicalizeRecipient(params["From"])
	if err != nil {
		return models.Event{}, err
	}
	msg := &models.Message{ContentType: models.ContentText}
	body := params["Body"]
	if params["NumMedia"] != "" && params["NumMedia"] != "0" {
		msg.ContentType = mediaContentType(params["MediaContentType0"])
		if body != "" {
			msg.Text = &body
		}
	} else {
		msg.Text = &body
	}
	return models.Event{
		ID:         params["MessageSid"],
		UserID:     userID,
		ChatID:     userID,
		User:       models.UserProfile{FirstName: params["ProfileName"]},
		Message:    msg,
		ReceivedAt: time.Now(),
	}, nil
}

func mediaContentType(mime string) models.ContentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.ContentPhoto
	case mime != "":
		return models.ContentDocument
	default:
		return models.ContentOther
	}
}
