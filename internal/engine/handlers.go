package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// HandlerNeed declares which inputs a handler wants. Inputs not declared are left zero.
type HandlerNeed uint8

const (
	// NeedEvent passes the triggering event.
	NeedEvent HandlerNeed = 1 << iota
	// NeedContext passes a copy of the dialog context (unless pass_state_context is false).
	NeedContext
	// NeedStore passes the user state store.
	NeedStore
)

// HandlerCall is the input of a registered handler.
type HandlerCall struct {
	UserID  string
	Params  map[string]any
	Event   *models.Event
	Context map[string]any
	Store   StateStore
}

// HandlerFunc is a named callable reachable from call_handler actions.
//
// The returned value is interpreted as follows: a HandlerResult carries a
// context delta plus an optional transition or switch signal, a
// map[string]any is merged into the context as a delta, anything else is
// stored under the action's save_to key.
type HandlerFunc func(ctx context.Context, call HandlerCall) (any, error)

// HandlerResult is the typed handler outcome.
type HandlerResult struct {
	Delta map[string]any
	// Transition requests a move to another state of the current scenario.
	Transition string
	// Switched reports that the handler relocated the user itself, for example
	// into another scenario. Remaining actions are skipped and nothing is persisted.
	Switched bool
}

// ErrDuplicateHandler is returned when a name is registered twice.
var ErrDuplicateHandler = errors.New("handler already registered")

// HandlerNotFoundError is returned by Lookup for unknown names.
type HandlerNotFoundError struct {
	Name string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("handler not found: %s", e.Name)
}

type handlerEntry struct {
	fn    HandlerFunc
	needs HandlerNeed
}

// HandlerRegistry maps handler names to functions. Safe for concurrent use.
type HandlerRegistry struct {
	mu      sync.RWMutex
	entries map[string]handlerEntry
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{entries: make(map[string]handlerEntry)}
}

// Register adds fn under name with the declared needs.
func (r *HandlerRegistry) Register(name string, fn HandlerFunc, needs ...HandlerNeed) error {
	if name == "" {
		return errors.New("handler name is required")
	}
	if fn == nil {
		return fmt.Errorf("handler %s: nil function", name)
	}
	var mask HandlerNeed
	for _, n := range needs {
		mask |= n
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	r.entries[name] = handlerEntry{fn: fn, needs: mask}
	slog.Debug("HandlerRegistry registered handler", "name", name, "needs", mask)
	return nil
}

// MustRegister is Register that panics on error. Intended for static wiring at startup.
func (r *HandlerRegistry) MustRegister(name string, fn HandlerFunc, needs ...HandlerNeed) {
	if err := r.Register(name, fn, needs...); err != nil {
		panic(err)
	}
}

// Lookup returns the function and needs registered under name.
func (r *HandlerRegistry) Lookup(name string) (HandlerFunc, HandlerNeed, error) {
	if r == nil {
		return nil, 0, &HandlerNotFoundError{Name: name}
	}
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, 0, &HandlerNotFoundError{Name: name}
	}
	return entry.fn, entry.needs, nil
}

// Names returns the registered names in sorted order.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// invokeHandler runs fn and converts a panic into an error.
func invokeHandler(ctx context.Context, fn HandlerFunc, call HandlerCall) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, call)
}
