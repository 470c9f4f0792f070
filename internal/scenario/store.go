package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/store"
	"golang.org/x/sync/singleflight"
)

// Cache holds parsed scenarios by key. Implementations must be safe for concurrent use.
// Entries are only removed explicitly; there is no expiry.
type Cache interface {
	Get(key string) (*models.Scenario, bool)
	Put(key string, s *models.Scenario)
	Delete(key string)
	Clear()
}

// MemoryCache is a map-backed Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*models.Scenario
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*models.Scenario)}
}

func (c *MemoryCache) Get(key string) (*models.Scenario, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[key]
	return s, ok
}

func (c *MemoryCache) Put(key string, s *models.Scenario) {
	c.mu.Lock()
	c.entries[key] = s
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*models.Scenario)
	c.mu.Unlock()
}

// Len returns the number of cached scenarios.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Store resolves scenario keys to parsed definitions, backed by a ScenarioRepo and a Cache.
type Store struct {
	repo  store.ScenarioRepo
	cache Cache
	group singleflight.Group

	// mu orders cache fills against invalidation. A fill is dropped when the
	// key was invalidated after its fetch began.
	mu    sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

type generation struct {
	epoch, key uint64
}

// NewStore creates a scenario store. A nil cache gets a fresh MemoryCache.
func NewStore(repo store.ScenarioRepo, cache Cache) *Store {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Store{repo: repo, cache: cache, gens: make(map[string]uint64)}
}

func (s *Store) generation(key string) generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return generation{s.epoch, s.gens[key]}
}

// fill caches parsed unless key was invalidated since gen was taken.
func (s *Store) fill(key string, gen generation, parsed *models.Scenario) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if (generation{s.epoch, s.gens[key]}) != gen {
		return false
	}
	s.cache.Put(key, parsed)
	return true
}

// Load returns a private copy of the active scenario for key.
// Unknown, retired and malformed definitions all yield ErrScenarioNotFound.
func (s *Store) Load(ctx context.Context, key string) (*models.Scenario, error) {
	if cached, ok := s.cache.Get(key); ok {
		return cached.Clone(), nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		gen := s.generation(key)
		rec, err := s.repo.GetActiveScenario(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			slog.Debug("ScenarioStore.Load: scenario not found", "key", key)
			return nil, ErrScenarioNotFound
		}
		parsed, err := Parse([]byte(rec.Definition))
		if err != nil {
			slog.Error("ScenarioStore.Load: stored definition is malformed", "key", key, "version", rec.Version, "error", err)
			return nil, ErrScenarioNotFound
		}
		if parsed.Key != key {
			slog.Error("ScenarioStore.Load: stored definition key mismatch", "key", key, "definition_key", parsed.Key)
			return nil, ErrScenarioNotFound
		}
		if !s.fill(key, gen, parsed) {
			slog.Debug("ScenarioStore.Load: invalidated during fetch, not cached", "key", key, "version", rec.Version)
			return parsed, nil
		}
		slog.Debug("ScenarioStore.Load: scenario cached", "key", key, "version", rec.Version, "states", len(parsed.States))
		return parsed, nil
	})
	if err != nil {
		if errors.Is(err, ErrScenarioNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load scenario %s: %w", key, err)
	}
	return v.(*models.Scenario).Clone(), nil
}

// Invalidate drops one cached scenario. Storage is untouched.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	s.gens[key]++
	s.cache.Delete(key)
	s.mu.Unlock()
	s.group.Forget(key)
	slog.Info("ScenarioStore.Invalidate: cache entry removed", "key", key)
}

// InvalidateAll drops every cached scenario.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	s.epoch++
	s.cache.Clear()
	s.mu.Unlock()
	slog.Info("ScenarioStore.InvalidateAll: cache cleared")
}

// Upload validates a YAML document, stores it as the active definition and invalidates its cache entry.
func (s *Store) Upload(ctx context.Context, data []byte) (models.ScenarioRecord, error) {
	parsed, err := Parse(data)
	if err != nil {
		return models.ScenarioRecord{}, err
	}
	rec := models.ScenarioRecord{
		Key:         parsed.Key,
		Name:        parsed.Name,
		Description: parsed.Description,
		Definition:  string(data),
		Active:      true,
	}
	version, err := s.repo.UpsertScenario(ctx, rec)
	if err != nil {
		return models.ScenarioRecord{}, fmt.Errorf("failed to store scenario %s: %w", parsed.Key, err)
	}
	rec.Version = version
	s.Invalidate(parsed.Key)
	slog.Info("ScenarioStore.Upload: scenario stored", "key", parsed.Key, "version", version, "states", len(parsed.States))
	return rec, nil
}

// Retire deactivates a scenario so Load stops returning it.
func (s *Store) Retire(ctx context.Context, key string) error {
	if err := s.repo.SetScenarioActive(ctx, key, false); err != nil {
		return err
	}
	s.Invalidate(key)
	return nil
}

// List returns the stored scenarios without definition bodies.
func (s *Store) List(ctx context.Context) ([]models.ScenarioRecord, error) {
	return s.repo.ListScenarios(ctx)
}
