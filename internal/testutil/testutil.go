// Package testutil provides shared fixtures for DialogPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/engine"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

// SentMessage is one message captured by RecordingMessenger.
type SentMessage struct {
	To  string
	Msg models.OutgoingMessage
}

// RecordingMessenger captures outbound messages instead of delivering them.
type RecordingMessenger struct {
	mu   sync.Mutex
	sent []SentMessage
}

func (m *RecordingMessenger) SendMessage(ctx context.Context, to string, msg models.OutgoingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{To: to, Msg: msg})
	return nil
}

// Sent returns a copy of the captured messages.
func (m *RecordingMessenger) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Texts returns the captured message texts in order.
func (m *RecordingMessenger) Texts() []string {
	var out []string
	for _, s := range m.Sent() {
		out = append(out, s.Msg.Text)
	}
	return out
}

// Lines returns the captured messages as "to: text".
func (m *RecordingMessenger) Lines() []string {
	var out []string
	for _, s := range m.Sent() {
		out = append(out, s.To+": "+s.Msg.Text)
	}
	return out
}

// Env is an engine wired to in-memory storage. Handlers registered on
// Handlers after NewEnv are visible to the engine.
type Env struct {
	Engine    *engine.Engine
	Store     *store.InMemoryStore
	Scenarios *scenario.Store
	Handlers  *engine.HandlerRegistry
	Messenger *RecordingMessenger
}

// NewEnv uploads docs and builds an engine around them.
func NewEnv(t testing.TB, docs ...string) Env {
	t.Helper()
	repo := store.NewInMemoryStore()
	scenarios := scenario.NewStore(repo, nil)
	for _, doc := range docs {
		_, err := scenarios.Upload(context.Background(), []byte(doc))
		require.NoError(t, err)
	}
	reg := engine.NewHandlerRegistry()
	msgr := &RecordingMessenger{}
	return Env{
		Engine:    engine.New(repo, scenarios, engine.WithMessenger(msgr), engine.WithHandlers(reg)),
		Store:     repo,
		Scenarios: scenarios,
		Handlers:  reg,
		Messenger: msgr,
	}
}

// State returns the stored state of userID, or nil.
func (e Env) State(t testing.TB, userID string) *models.UserState {
	t.Helper()
	st, err := e.Store.GetUserState(context.Background(), userID)
	require.NoError(t, err)
	return st
}

// DecodeAPIResponse decodes the JSON envelope written by the API.
func DecodeAPIResponse(t testing.TB, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body: %s", rr.Body.String())
	return resp
}
