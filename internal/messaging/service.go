// Package messaging connects chat transports to the dialog engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer of the inbound event channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound event waits for channel space.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service is a pluggable chat transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns its canonical form,
	// which is also the user id of events from that recipient.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage delivers msg to a recipient.
	SendMessage(ctx context.Context, to string, msg models.OutgoingMessage) error

	// Start begins background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channel.
	Stop() error

	// Events returns inbound user events.
	Events() <-chan models.Event
}

// canonicalPhone strips everything but digits and requires at least 6 of them.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// eventStream is the inbound side shared by the phone-number transports:
// a buffered event channel, stop handling and the numbered button memory.
type eventStream struct {
	name    string
	events  chan models.Event
	buttons *ButtonMemory

	mu      sync.RWMutex
	stopped bool
}

func newEventStream(name string) *eventStream {
	return &eventStream{
		name:    name,
		events:  make(chan models.Event, DefaultChannelBufferSize),
		buttons: NewButtonMemory(),
	}
}

func (s *eventStream) Events() <-chan models.Event {
	return s.events
}

func (s *eventStream) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func (s *eventStream) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.events)
	slog.Info(s.name+" stopped and event channel closed")
}

// emit turns a numbered reply into a callback when options are pending, then queues the event.
// The read lock is held while sending so that stop cannot close the channel underneath.
func (s *eventStream) emit(ev models.Event) bool {
	if text, ok := ev.Text(); ok {
		if data, ok := s.buttons.Resolve(ev.UserID, text); ok {
			ev.Message = nil
			ev.Callback = &models.Callback{Data: &data}
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn(s.name+" dropping inbound event (service stopped)", "user_id", ev.UserID)
		return false
	}
	select {
	case s.events <- ev:
		slog.Debug(s.name+" inbound event forwarded", "user_id", ev.UserID, "event_id", ev.ID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(s.name+" event channel blocked, dropping event", "user_id", ev.UserID, "timeout", DefaultChannelTimeout)
		return false
	}
}
