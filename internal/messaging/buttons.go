package messaging

import (
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// RenderButtons appends the buttons of msg as a numbered list, for transports without inline keyboards.
func RenderButtons(msg models.OutgoingMessage) string {
	if len(msg.Buttons) == 0 {
		return msg.Text
	}
	var b strings.Builder
	b.WriteString(msg.Text)
	b.WriteString("\n")
	for i, btn := range msg.Buttons {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(btn.Text)
	}
	return b.String()
}

// ButtonMemory remembers the last options offered to each user so that a reply
// with an option number or label can be turned into a callback.
type ButtonMemory struct {
	mu      sync.Mutex
	pending map[string][]models.Button
}

func NewButtonMemory() *ButtonMemory {
	return &ButtonMemory{pending: make(map[string][]models.Button)}
}

// Remember stores buttons for user, replacing earlier ones. A message without buttons leaves them untouched.
func (m *ButtonMemory) Remember(user string, buttons []models.Button) {
	if len(buttons) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[user] = append([]models.Button(nil), buttons...)
}

// Resolve returns the callback data for a numbered or labelled reply and forgets the options.
func (m *ButtonMemory) Resolve(user, text string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buttons, ok := m.pending[user]
	if !ok {
		return "", false
	}
	text = strings.TrimSpace(text)
	if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(buttons) {
		delete(m.pending, user)
		return buttons[n-1].Data, true
	}
	for _, btn := range buttons {
		if strings.EqualFold(btn.Text, text) {
			delete(m.pending, user)
			return btn.Data, true
		}
	}
	return "", false
}

// Forget drops pending options for user.
func (m *ButtonMemory) Forget(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, user)
}
