package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

func TestRenderButtons(t *testing.T) {
	assert.Equal(t, "plain", RenderButtons(models.OutgoingMessage{Text: "plain"}))
	assert.Equal(t, "Q\n\n1. A\n2. B", RenderButtons(models.OutgoingMessage{
		Text:    "Q",
		Buttons: []models.Button{{Text: "A", Data: "a"}, {Text: "B", Data: "b"}},
	}))
}

func TestButtonMemory(t *testing.T) {
	m := NewButtonMemory()
	_, ok := m.Resolve("u1", "1")
	assert.False(t, ok)

	m.Remember("u1", []models.Button{{Text: "Red", Data: "r"}, {Text: "Blue", Data: "b"}})
	m.Remember("u1", nil)

	_, ok = m.Resolve("u1", "3")
	assert.False(t, ok, "out of range")
	_, ok = m.Resolve("u2", "1")
	assert.False(t, ok, "other user")

	data, ok := m.Resolve("u1", "blue")
	assert.True(t, ok)
	assert.Equal(t, "b", data)

	_, ok = m.Resolve("u1", "1")
	assert.False(t, ok, "options are single use")

	m.Remember("u1", []models.Button{{Text: "Red", Data: "r"}})
	m.Forget("u1")
	_, ok = m.Resolve("u1", "1")
	assert.False(t, ok)
}

func TestCanonicalPhone(t *testing.T) {
	got, err := canonicalPhone("+1 (555) 123-4567")
	assert.NoError(t, err)
	assert.Equal(t, "15551234567", got)

	for _, bad := range []string{"", "abc", "12345"} {
		_, err := canonicalPhone(bad)
		assert.Error(t, err, bad)
	}
}
