// Package handlers provides the built-in functions reachable from call_handler actions.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/engine"
	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Built-in handler names.
const (
	EchoContext    = "echo_context"
	StoreValue     = "store_value"
	AppendHistory  = "append_history"
	RouteByValue   = "route_by_value"
	SwitchScenario = "switch_scenario"
	EndDialog      = "end_dialog"
)

// NextStateKey is the context key route_by_value writes its target to.
const NextStateKey = "next_state_key"

// Register adds every built-in handler to reg. loader resolves entry states for switch_scenario.
func Register(reg *engine.HandlerRegistry, loader engine.ScenarioLoader) error {
	entries := []struct {
		name  string
		fn    engine.HandlerFunc
		needs []engine.HandlerNeed
	}{
		{EchoContext, echoContext, []engine.HandlerNeed{engine.NeedContext}},
		{StoreValue, storeValue, nil},
		{AppendHistory, appendHistory, []engine.HandlerNeed{engine.NeedContext}},
		{RouteByValue, routeByValue, []engine.HandlerNeed{engine.NeedContext}},
		{SwitchScenario, switchScenario(loader), []engine.HandlerNeed{engine.NeedStore}},
		{EndDialog, endDialog, []engine.HandlerNeed{engine.NeedStore}},
	}
	for _, e := range entries {
		if err := reg.Register(e.name, e.fn, e.needs...); err != nil {
			return err
		}
	}
	slog.Debug("handlers.Register: built-in handlers registered", "count", len(entries))
	return nil
}

func param(call engine.HandlerCall, key string) string {
	v, _ := call.Params[key].(string)
	return strings.TrimSpace(v)
}

// storeValue writes params.value under params.key.
func storeValue(ctx context.Context, call engine.HandlerCall) (any, error) {
	key := param(call, "key")
	if key == "" {
		return nil, errors.New("key is required")
	}
	return map[string]any{key: models.CloneValue(call.Params["value"])}, nil
}

// appendHistory appends {role, content} to the list stored under params.key,
// in the shape call_ai reads through history_context_key.
func appendHistory(ctx context.Context, call engine.HandlerCall) (any, error) {
	key := param(call, "key")
	if key == "" {
		return nil, errors.New("key is required")
	}
	content := param(call, "content")
	if content == "" {
		return map[string]any{}, nil
	}
	role := param(call, "role")
	if role == "" {
		role = string(models.ChatRoleUser)
	}

	var history []any
	if existing, ok := call.Context[key].([]any); ok {
		history = append(history, existing...)
	}
	history = append(history, map[string]any{"role": role, "content": content})
	if limit, ok := intParam(call.Params["limit"]); ok && limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return map[string]any{key: history}, nil
}

// routeByValue picks routes[context[source_key]], or default when no route matches.
// Values are compared trimmed and case-insensitively. The target is returned as
// next_state_key, or as a transition when params.transition is true.
func routeByValue(ctx context.Context, call engine.HandlerCall) (any, error) {
	source := param(call, "source_key")
	if source == "" {
		return nil, errors.New("source_key is required")
	}
	value := ""
	if v := call.Context[source]; v != nil {
		value = strings.ToUpper(strings.TrimSpace(fmt.Sprint(v)))
	}

	var target string
	routes, _ := call.Params["routes"].(map[string]any)
	for k, v := range routes {
		if strings.ToUpper(strings.TrimSpace(k)) == value {
			target, _ = v.(string)
			break
		}
	}
	if target == "" {
		target = param(call, "default")
	}
	if target == "" {
		slog.Debug("handlers.routeByValue: no route", "user_id", call.UserID, "source_key", source, "value", value)
		return map[string]any{}, nil
	}
	if transition, _ := call.Params["transition"].(bool); transition {
		return engine.HandlerResult{Transition: target}, nil
	}
	return map[string]any{NextStateKey: target}, nil
}

// echoContext returns the context it was given together with a fixed message.
func echoContext(ctx context.Context, call engine.HandlerCall) (any, error) {
	return map[string]any{
		"handler_input_context": models.CloneContext(call.Context),
		"handler_message":       "Handler received context for user " + call.UserID,
	}, nil
}

// switchScenario moves the user to another scenario, at params.state or its entry state, with an empty context.
func switchScenario(loader engine.ScenarioLoader) engine.HandlerFunc {
	return func(ctx context.Context, call engine.HandlerCall) (any, error) {
		key := param(call, "scenario_key")
		if key == "" {
			return nil, errors.New("scenario_key is required")
		}
		if loader == nil {
			return nil, errors.New("no scenario loader configured")
		}
		def, err := loader.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		state := param(call, "state")
		if state == "" {
			state = def.EntryState
		}
		if _, ok := def.State(state); !ok {
			return nil, fmt.Errorf("scenario %s has no state %s", key, state)
		}

		next := models.UserState{UserID: call.UserID, ScenarioKey: def.Key, StateKey: state, Context: map[string]any{}}
		if seed, ok := call.Params["context"].(map[string]any); ok {
			next.Context = models.CloneContext(seed)
		}
		if err := call.Store.SaveUserState(ctx, next); err != nil {
			return nil, err
		}
		slog.Info("handlers.switchScenario: user moved", "user_id", call.UserID, "scenario_key", def.Key, "state_key", state)
		return engine.HandlerResult{Switched: true}, nil
	}
}

// endDialog deletes the user's state, ending the scenario.
func endDialog(ctx context.Context, call engine.HandlerCall) (any, error) {
	if _, err := call.Store.DeleteUserState(ctx, call.UserID); err != nil {
		return nil, err
	}
	slog.Info("handlers.endDialog: dialog ended", "user_id", call.UserID)
	return engine.HandlerResult{Switched: true}, nil
}

func intParam(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		var i int
		if _, err := fmt.Sscan(n, &i); err == nil {
			return i, true
		}
	}
	return 0, false
}
