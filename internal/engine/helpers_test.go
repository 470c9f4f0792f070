package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

// countingStates counts writes to the underlying in-memory store.
type countingStates struct {
	*store.InMemoryStore
	saves   atomic.Int32
	deletes atomic.Int32
}

func newCountingStates() *countingStates {
	return &countingStates{InMemoryStore: store.NewInMemoryStore()}
}

func (s *countingStates) SaveUserState(ctx context.Context, st models.UserState) error {
	s.saves.Add(1)
	return s.InMemoryStore.SaveUserState(ctx, st)
}

func (s *countingStates) DeleteUserState(ctx context.Context, userID string) (bool, error) {
	s.deletes.Add(1)
	return s.InMemoryStore.DeleteUserState(ctx, userID)
}

func (s *countingStates) mustGet(t *testing.T, userID string) *models.UserState {
	t.Helper()
	st, err := s.GetUserState(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, st, "expected state for %s", userID)
	return st
}

type sentMessage struct {
	To  string
	Msg models.OutgoingMessage
}

type recordingMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *recordingMessenger) SendMessage(ctx context.Context, to string, msg models.OutgoingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{To: to, Msg: msg})
	return m.err
}

func (m *recordingMessenger) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.Msg.Text)
	}
	return out
}

type completerFunc func(ctx context.Context, req models.CompletionRequest) (string, error)

func (f completerFunc) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	return f(ctx, req)
}

// mapTemplates resolves keys regardless of language.
type mapTemplates map[string]string

func (m mapTemplates) Resolve(ctx context.Context, key, lang string) (string, bool, error) {
	text, ok := m[key]
	return text, ok, nil
}

// mapLoader serves parsed scenarios by key.
type mapLoader struct {
	mu    sync.Mutex
	defs  map[string]*models.Scenario
	loads int
}

func newMapLoader(defs ...*models.Scenario) *mapLoader {
	l := &mapLoader{defs: make(map[string]*models.Scenario)}
	for _, d := range defs {
		l.defs[d.Key] = d
	}
	return l
}

func (l *mapLoader) Load(ctx context.Context, key string) (*models.Scenario, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	d, ok := l.defs[key]
	if !ok {
		return nil, scenario.ErrScenarioNotFound
	}
	return d.Clone(), nil
}

func mustParse(t *testing.T, doc string) *models.Scenario {
	t.Helper()
	def, err := scenario.Parse([]byte(doc))
	require.NoError(t, err)
	return def
}

func strPtr(s string) *string { return &s }
