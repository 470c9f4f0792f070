package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// ExecutionResult summarizes one executor pass.
type ExecutionResult struct {
	// Transitioned is true when a transition was applied or a handler relocated the user.
	Transitioned bool
	// NextState is the target of an applied transition.
	NextState string
	// Reset is true when the state was missing from the definition and the user was reset.
	Reset bool
	// Saved is true when the state record was written.
	Saved bool
}

// Executor runs one state's entry and input phases for one event.
type Executor struct {
	states     StateStore
	dispatcher *Dispatcher
	messenger  Messenger
	notice     string
}

// NewExecutor creates an Executor with its own Dispatcher.
func NewExecutor(states StateStore, opts ...Option) *Executor {
	o := buildOpts(opts)
	return &Executor{
		states:     states,
		dispatcher: NewDispatcher(states, opts...),
		messenger:  o.Messenger,
		notice:     o.ErrorNotice,
	}
}

// Execute runs the entry actions of the current state if they have not completed,
// then, unless onlyEntry is set, the actions of the first input handler whose filters match ev.
//
// A transition persists the target state with EntryDone false and ends the pass.
// Otherwise the state is saved only when the context or the entry flag changed.
// If ctx is cancelled while actions run, nothing is persisted and the context error is returned.
func (x *Executor) Execute(ctx context.Context, st models.UserState, def *models.Scenario, ev *models.Event, onlyEntry bool) (ExecutionResult, error) {
	cfg, ok := def.State(st.StateKey)
	if !ok {
		slog.Error("Executor: state missing from scenario, resetting user",
			"user_id", st.UserID, "scenario_key", st.ScenarioKey, "state_key", st.StateKey)
		if err := x.reset(ctx, st.UserID, ev); err != nil {
			return ExecutionResult{}, err
		}
		return ExecutionResult{Reset: true}, nil
	}

	local := st.Clone()
	if local.Context == nil {
		local.Context = map[string]any{}
	}

	if !local.EntryDone {
		sig, err := x.run(ctx, &local, ev, cfg.OnEntry)
		if err != nil {
			return ExecutionResult{}, err
		}
		if sig.stops() {
			return x.finish(ctx, local, sig)
		}
		local.EntryDone = true
	}

	if !onlyEntry && ev != nil {
		for i, h := range cfg.InputHandlers {
			if !Matches(ev, h.Filters) {
				continue
			}
			slog.Debug("Executor: input handler matched", "user_id", local.UserID, "state_key", local.StateKey, "handler", i)
			sig, err := x.run(ctx, &local, ev, h.Actions)
			if err != nil {
				return ExecutionResult{}, err
			}
			if sig.stops() {
				return x.finish(ctx, local, sig)
			}
			break
		}
	}

	if local.EntryDone == st.EntryDone && models.ContextEqual(local.Context, st.Context) {
		return ExecutionResult{}, nil
	}
	if err := x.states.SaveUserState(ctx, local); err != nil {
		return ExecutionResult{}, fmt.Errorf("save state for %s: %w", local.UserID, err)
	}
	return ExecutionResult{Saved: true}, nil
}

// run executes actions in order, merging deltas into local.Context, until one signals a stop.
func (x *Executor) run(ctx context.Context, local *models.UserState, ev *models.Event, actions []models.ActionSpec) (ExecutionSignal, error) {
	for _, spec := range actions {
		if err := ctx.Err(); err != nil {
			return ExecutionSignal{}, err
		}
		res := x.dispatcher.Dispatch(ctx, actionEnv{userID: local.UserID, event: ev, context: local.Context}, spec)
		if err := ctx.Err(); err != nil {
			return ExecutionSignal{}, err
		}
		for k, v := range res.Delta {
			local.Context[k] = v
		}
		if res.Signal.stops() {
			return res.Signal, nil
		}
	}
	return ExecutionSignal{}, nil
}

func (x *Executor) finish(ctx context.Context, local models.UserState, sig ExecutionSignal) (ExecutionResult, error) {
	if sig.SuppressRemaining {
		slog.Debug("Executor: handler relocated user, skipping save", "user_id", local.UserID)
		return ExecutionResult{Transitioned: true}, nil
	}

	next := models.UserState{
		UserID:      local.UserID,
		ScenarioKey: local.ScenarioKey,
		StateKey:    sig.TargetState,
		Context:     local.Context,
		EntryDone:   false,
	}
	for k, v := range sig.SetContext {
		next.Context[k] = models.CloneValue(v)
	}
	if err := x.states.SaveUserState(ctx, next); err != nil {
		return ExecutionResult{}, fmt.Errorf("save transition for %s: %w", local.UserID, err)
	}
	slog.Info("Executor: transitioned", "user_id", local.UserID, "scenario_key", local.ScenarioKey,
		"from", local.StateKey, "to", sig.TargetState)
	return ExecutionResult{Transitioned: true, NextState: sig.TargetState, Saved: true}, nil
}

func (x *Executor) reset(ctx context.Context, userID string, ev *models.Event) error {
	if _, err := x.states.DeleteUserState(ctx, userID); err != nil {
		return fmt.Errorf("reset %s: %w", userID, err)
	}
	notify(ctx, x.messenger, recipient(userID, ev), x.notice)
	return nil
}

func recipient(userID string, ev *models.Event) string {
	if ev == nil {
		return userID
	}
	return ev.ReplyTo()
}

func notify(ctx context.Context, m Messenger, to, text string) {
	if m == nil || text == "" {
		return
	}
	if err := m.SendMessage(ctx, to, models.OutgoingMessage{Text: text}); err != nil {
		slog.Warn("Engine: failed to deliver notice", "error", err, "to", to)
	}
}
