package models

import (
	"strings"
	"time"
)

// ContentType is the payload kind of an inbound message.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentPhoto    ContentType = "photo"
	ContentDocument ContentType = "document"
	ContentOther    ContentType = "other"
)

// CommandMarker prefixes command messages.
const CommandMarker = "/"

// UserProfile carries the sender fields used by templates and language fallback.
type UserProfile struct {
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Message is the message part of an inbound event.
type Message struct {
	ContentType ContentType `json:"content_type"`
	Text        *string     `json:"text,omitempty"`
}

// Callback is a button press.
type Callback struct {
	Data *string `json:"data,omitempty"`
}

// Event is a transport-independent inbound event for one user.
type Event struct {
	ID         string      `json:"id,omitempty"`
	UserID     string      `json:"user_id"`
	ChatID     string      `json:"chat_id,omitempty"`
	User       UserProfile `json:"user"`
	Message    *Message    `json:"message,omitempty"`
	Callback   *Callback   `json:"callback,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// NewTextEvent builds a plain text message event.
func NewTextEvent(userID, text string) Event {
	return Event{
		UserID:     userID,
		ChatID:     userID,
		Message:    &Message{ContentType: ContentText, Text: &text},
		ReceivedAt: time.Now(),
	}
}

// NewCallbackEvent builds a button callback event.
func NewCallbackEvent(userID, data string) Event {
	return Event{
		UserID:     userID,
		ChatID:     userID,
		Callback:   &Callback{Data: &data},
		ReceivedAt: time.Now(),
	}
}

// Text returns the message text, if the event carries one.
func (e *Event) Text() (string, bool) {
	if e == nil || e.Message == nil || e.Message.Text == nil {
		return "", false
	}
	return *e.Message.Text, true
}

// CallbackData returns the callback payload, if the event is a callback with data.
func (e *Event) CallbackData() (string, bool) {
	if e == nil || e.Callback == nil || e.Callback.Data == nil {
		return "", false
	}
	return *e.Callback.Data, true
}

// Command returns the marker-stripped command token of a "/command args" message.
func (e *Event) Command() (string, bool) {
	text, ok := e.Text()
	if !ok || !strings.HasPrefix(text, CommandMarker) {
		return "", false
	}
	token := strings.TrimPrefix(text, CommandMarker)
	if i := strings.IndexAny(token, " \t\n"); i >= 0 {
		token = token[:i]
	}
	// Telegram-style "/start@botname"
	if i := strings.IndexByte(token, '@'); i >= 0 {
		token = token[:i]
	}
	return token, token != ""
}

// ReplyTo returns the address outbound messages for this event should go to.
func (e *Event) ReplyTo() string {
	if e.ChatID != "" {
		return e.ChatID
	}
	return e.UserID
}

// Button is a selectable reply option attached to an outgoing message.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// OutgoingMessage is what the engine asks a transport to deliver.
type OutgoingMessage struct {
	Text      string   `json:"text"`
	ParseMode string   `json:"parse_mode,omitempty"`
	Buttons   []Button `json:"buttons,omitempty"`
}
