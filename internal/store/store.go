// Package store provides storage backends for DialogPipe.
//
// It includes an in-memory store for tests and DSN-less runs, plus SQLite and
// PostgreSQL stores for persistent deployments.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// UserStateRepo persists the per-user dialog position. One record per user.
type UserStateRepo interface {
	// GetUserState returns nil, nil when the user has no active scenario.
	GetUserState(ctx context.Context, userID string) (*models.UserState, error)
	SaveUserState(ctx context.Context, state models.UserState) error
	// DeleteUserState reports whether a record existed.
	DeleteUserState(ctx context.Context, userID string) (bool, error)
}

// ScenarioRepo persists raw scenario definitions.
type ScenarioRepo interface {
	// GetActiveScenario returns nil, nil when the key is unknown or retired.
	GetActiveScenario(ctx context.Context, key string) (*models.ScenarioRecord, error)
	// UpsertScenario stores the definition as active and returns the new version.
	UpsertScenario(ctx context.Context, rec models.ScenarioRecord) (int, error)
	SetScenarioActive(ctx context.Context, key string, active bool) error
	ListScenarios(ctx context.Context) ([]models.ScenarioRecord, error)
}

// InstructionRepo persists per-language instruction texts.
type InstructionRepo interface {
	// GetInstruction returns language code → text, or nil when the key is unknown.
	GetInstruction(ctx context.Context, key string) (map[string]string, error)
	UpsertInstruction(ctx context.Context, key, lang, text string) error
}

// Store is the full storage surface used by the service.
type Store interface {
	UserStateRepo
	ScenarioRepo
	InstructionRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for the SQL stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for the SQL stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open picks the backend from the DSN. An empty DSN yields an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// InMemoryStore keeps everything in process memory.
type InMemoryStore struct {
	mu           sync.RWMutex
	states       map[string]models.UserState
	scenarios    map[string]models.ScenarioRecord
	instructions map[string]map[string]string
	inbound      map[string]*DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states:       make(map[string]models.UserState),
		scenarios:    make(map[string]models.ScenarioRecord),
		instructions: make(map[string]map[string]string),
		inbound:      make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) GetUserState(ctx context.Context, userID string) (*models.UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[userID]
	if !ok {
		return nil, nil
	}
	out := st.Clone()
	return &out, nil
}

func (s *InMemoryStore) SaveUserState(ctx context.Context, state models.UserState) error {
	state = state.Clone()
	state.UpdatedAt = time.Now()
	s.mu.Lock()
	s.states[state.UserID] = state
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) DeleteUserState(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.states[userID]
	delete(s.states, userID)
	return ok, nil
}

func (s *InMemoryStore) GetActiveScenario(ctx context.Context, key string) (*models.ScenarioRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.scenarios[key]
	if !ok || !rec.Active {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) UpsertScenario(ctx context.Context, rec models.ScenarioRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := 1
	if prev, ok := s.scenarios[rec.Key]; ok {
		version = prev.Version + 1
	}
	rec.Version = version
	rec.Active = true
	rec.UpdatedAt = time.Now()
	s.scenarios[rec.Key] = rec
	return version, nil
}

func (s *InMemoryStore) SetScenarioActive(ctx context.Context, key string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scenarios[key]
	if !ok {
		return nil
	}
	rec.Active = active
	rec.UpdatedAt = time.Now()
	s.scenarios[key] = rec
	return nil
}

func (s *InMemoryStore) ListScenarios(ctx context.Context) ([]models.ScenarioRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ScenarioRecord, 0, len(s.scenarios))
	for _, rec := range s.scenarios {
		rec.Definition = ""
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryStore) GetInstruction(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	texts, ok := s.instructions[key]
	if !ok {
		return nil, nil
	}
	out := make(map[string]string, len(texts))
	for lang, text := range texts {
		out[lang] = text
	}
	return out, nil
}

func (s *InMemoryStore) UpsertInstruction(ctx context.Context, key, lang, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instructions[key] == nil {
		s.instructions[key] = make(map[string]string)
	}
	s.instructions[key][strings.ToLower(lang)] = text
	return nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = &DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) ReleaseInbound(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok && rec.ProcessedAt == nil {
		delete(s.inbound, messageID)
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
