// Package engine interprets scenario definitions: it matches inbound events
// against the current state's handlers, runs actions, and persists the user's position.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
)

// MaxAttempts bounds executor passes per event.
const MaxAttempts = 10

// DefaultErrorNotice is sent when a user is reset because their scenario or state disappeared.
const DefaultErrorNotice = "A scenario error occurred. Please restart with /start."

const tracerName = "github.com/BTreeMap/DialogPipe/internal/engine"

// StateStore persists user positions. GetUserState returns nil, nil when the user has no state.
type StateStore interface {
	GetUserState(ctx context.Context, userID string) (*models.UserState, error)
	SaveUserState(ctx context.Context, st models.UserState) error
	DeleteUserState(ctx context.Context, userID string) (bool, error)
}

// ScenarioLoader returns scenario definitions. Missing definitions are reported with scenario.ErrScenarioNotFound.
type ScenarioLoader interface {
	Load(ctx context.Context, key string) (*models.Scenario, error)
}

// Messenger delivers outbound messages.
type Messenger interface {
	SendMessage(ctx context.Context, to string, msg models.OutgoingMessage) error
}

// Completer produces text completions for call_ai. An empty string with a nil error means no content.
type Completer interface {
	Complete(ctx context.Context, req models.CompletionRequest) (string, error)
}

// TemplateSource resolves message keys for send_message.
type TemplateSource interface {
	Resolve(ctx context.Context, key, lang string) (string, bool, error)
}

// Opts holds optional engine collaborators.
type Opts struct {
	Messenger      Messenger
	Completer      Completer
	Templates      TemplateSource
	Handlers       *HandlerRegistry
	ErrorNotice    string
	TracerProvider trace.TracerProvider
}

// Option configures the engine.
type Option func(*Opts)

// WithMessenger sets the outbound transport.
func WithMessenger(m Messenger) Option {
	return func(o *Opts) { o.Messenger = m }
}

// WithCompleter sets the text-generation service.
func WithCompleter(c Completer) Option {
	return func(o *Opts) { o.Completer = c }
}

// WithTemplates sets the message catalog.
func WithTemplates(t TemplateSource) Option {
	return func(o *Opts) { o.Templates = t }
}

// WithHandlers sets the handler registry.
func WithHandlers(h *HandlerRegistry) Option {
	return func(o *Opts) { o.Handlers = h }
}

// WithErrorNotice overrides the reset notice. An empty text disables it.
func WithErrorNotice(text string) Option {
	return func(o *Opts) { o.ErrorNotice = text }
}

// WithTracerProvider sets the tracer provider. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Opts) { o.TracerProvider = tp }
}

func buildOpts(opts []Option) Opts {
	o := Opts{ErrorNotice: DefaultErrorNotice}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Handlers == nil {
		o.Handlers = NewHandlerRegistry()
	}
	return o
}

// Engine drives users through scenarios.
type Engine struct {
	states    StateStore
	scenarios ScenarioLoader
	executor  *Executor
	messenger Messenger
	notice    string
	locks     *userLocks
	tracer    trace.Tracer
}

// New creates an Engine.
func New(states StateStore, scenarios ScenarioLoader, opts ...Option) *Engine {
	o := buildOpts(opts)
	tp := o.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	// Share the resolved registry with the executor.
	execOpts := append(append([]Option{}, opts...), WithHandlers(o.Handlers))
	return &Engine{
		states:    states,
		scenarios: scenarios,
		executor:  NewExecutor(states, execOpts...),
		messenger: o.Messenger,
		notice:    o.ErrorNotice,
		locks:     newUserLocks(),
		tracer:    tp.Tracer(tracerName),
	}
}

// HandleEvent processes ev for its user. It returns false when the user has no active scenario.
// Events for the same user are processed one at a time.
func (e *Engine) HandleEvent(ctx context.Context, ev models.Event) (handled bool, err error) {
	if ev.UserID == "" {
		return false, errors.New("event has no user id")
	}
	ctx, span := e.tracer.Start(ctx, "Engine.HandleEvent", trace.WithAttributes(
		attribute.String("dialog.user_id", ev.UserID),
		attribute.String("dialog.event_id", ev.ID),
	))
	defer func() { endSpan(span, err) }()

	release, err := e.locks.acquire(ctx, ev.UserID)
	if err != nil {
		return false, err
	}
	defer release()

	st, err := e.states.GetUserState(ctx, ev.UserID)
	if err != nil {
		return false, fmt.Errorf("load state for %s: %w", ev.UserID, err)
	}
	if st == nil {
		slog.Debug("Engine.HandleEvent: no active scenario", "user_id", ev.UserID)
		return false, nil
	}
	if err := e.settle(ctx, span, ev.UserID, &ev, false); err != nil {
		return true, err
	}
	return true, nil
}

// StartScenario places userID at the entry state of scenarioKey with an empty context
// and runs entry actions until the position settles. ev may be nil.
func (e *Engine) StartScenario(ctx context.Context, userID, scenarioKey string, ev *models.Event) (err error) {
	if userID == "" {
		return errors.New("user id is required")
	}
	ctx, span := e.tracer.Start(ctx, "Engine.StartScenario", trace.WithAttributes(
		attribute.String("dialog.user_id", userID),
		attribute.String("dialog.scenario_key", scenarioKey),
	))
	defer func() { endSpan(span, err) }()

	release, err := e.locks.acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	def, err := e.scenarios.Load(ctx, scenarioKey)
	if err != nil {
		return fmt.Errorf("start %s for %s: %w", scenarioKey, userID, err)
	}
	entry := models.UserState{
		UserID:      userID,
		ScenarioKey: def.Key,
		StateKey:    def.EntryState,
		Context:     map[string]any{},
	}
	if err := e.states.SaveUserState(ctx, entry); err != nil {
		return fmt.Errorf("save entry state for %s: %w", userID, err)
	}
	slog.Info("Engine.StartScenario: user placed at entry state", "user_id", userID, "scenario_key", def.Key, "state_key", def.EntryState)
	return e.settle(ctx, span, userID, ev, true)
}

// ResetUser removes the user's state. It returns false when there was none.
func (e *Engine) ResetUser(ctx context.Context, userID string) (bool, error) {
	release, err := e.locks.acquire(ctx, userID)
	if err != nil {
		return false, err
	}
	defer release()

	deleted, err := e.states.DeleteUserState(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("reset %s: %w", userID, err)
	}
	slog.Info("Engine.ResetUser", "user_id", userID, "deleted", deleted)
	return deleted, nil
}

type position struct {
	scenario string
	state    string
}

// settle runs executor passes until the user's position stops changing and its entry actions completed.
// Passes after the first, and all passes when entryOnly is set, skip input handlers.
func (e *Engine) settle(ctx context.Context, span trace.Span, userID string, ev *models.Event, entryOnly bool) error {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		st, err := e.states.GetUserState(ctx, userID)
		if err != nil {
			return fmt.Errorf("load state for %s: %w", userID, err)
		}
		if st == nil {
			return nil
		}
		before := position{st.ScenarioKey, st.StateKey}

		def, err := e.scenarios.Load(ctx, st.ScenarioKey)
		if errors.Is(err, scenario.ErrScenarioNotFound) {
			slog.Error("Engine: scenario definition missing, resetting user", "user_id", userID, "scenario_key", st.ScenarioKey)
			if err := e.executor.reset(ctx, userID, ev); err != nil {
				return err
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load scenario %s: %w", st.ScenarioKey, err)
		}

		span.AddEvent("engine.pass", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("dialog.scenario_key", before.scenario),
			attribute.String("dialog.state_key", before.state),
		))
		res, err := e.executor.Execute(ctx, *st, def, ev, entryOnly || attempt > 0)
		if err != nil {
			return err
		}
		if res.Reset {
			return nil
		}

		after, err := e.states.GetUserState(ctx, userID)
		if err != nil {
			return fmt.Errorf("reload state for %s: %w", userID, err)
		}
		if after == nil {
			return nil
		}
		if (position{after.ScenarioKey, after.StateKey}) != before || !after.EntryDone {
			continue
		}
		return nil
	}
	slog.Warn("Engine: attempt ceiling reached", "user_id", userID, "max_attempts", MaxAttempts)
	span.AddEvent("engine.ceiling")
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
