package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Error markers written into the context when an action fails.
const (
	AIMisconfiguredMarker = "ERROR: AI call misconfigured"
	AICallErrorPrefix     = "ERROR_AI_CALL: "
	HandlerNotFoundPrefix = "ERROR: Handler not found - "
	HandlerFailedPrefix   = "ERROR: Handler execution failed - "

	// DefaultHandlerErrorKey receives handler error markers when the action has no save_to.
	DefaultHandlerErrorKey = "handler_error"
)

// ExecutionSignal tells the executor how to continue after an action.
type ExecutionSignal struct {
	// TargetState is set when a transition to another state was requested.
	TargetState string
	// SetContext is overlaid on the context when the transition is applied.
	SetContext map[string]any
	// SuppressRemaining skips the rest of the sequence and the state save.
	SuppressRemaining bool
}

// Transitioned reports whether the signal carries a transition.
func (s ExecutionSignal) Transitioned() bool {
	return s.TargetState != ""
}

func (s ExecutionSignal) stops() bool {
	return s.Transitioned() || s.SuppressRemaining
}

// ActionResult is the outcome of one action: a context delta plus a control signal.
type ActionResult struct {
	Delta  map[string]any
	Signal ExecutionSignal
}

// actionEnv is the read-only view an action runs against.
type actionEnv struct {
	userID  string
	event   *models.Event
	context map[string]any
}

func (env actionEnv) profile() models.UserProfile {
	if env.event == nil {
		return models.UserProfile{}
	}
	return env.event.User
}

func (env actionEnv) replyTo() string {
	if env.event == nil {
		return env.userID
	}
	return env.event.ReplyTo()
}

// Dispatcher runs single scenario actions.
type Dispatcher struct {
	states    StateStore
	messenger Messenger
	completer Completer
	templates TemplateSource
	handlers  *HandlerRegistry
}

// NewDispatcher creates a Dispatcher. Collaborators come from opts; missing ones degrade the matching action.
func NewDispatcher(states StateStore, opts ...Option) *Dispatcher {
	o := buildOpts(opts)
	return &Dispatcher{
		states:    states,
		messenger: o.Messenger,
		completer: o.Completer,
		templates: o.Templates,
		handlers:  o.Handlers,
	}
}

// Dispatch renders the action params against the context and event and runs the action.
// Failures are logged or recorded in the delta; they never abort the sequence.
func (d *Dispatcher) Dispatch(ctx context.Context, env actionEnv, spec models.ActionSpec) ActionResult {
	params := RenderParams(spec.Params, placeholderSources(env.context, env.event, env.userID))

	actionType, ok := models.NormalizeActionType(string(spec.Type))
	if !ok {
		slog.Warn("Dispatcher: unknown action type", "type", spec.Type, "user_id", env.userID)
		return ActionResult{}
	}
	switch actionType {
	case models.ActionSendMessage:
		return d.sendMessage(ctx, env, params)
	case models.ActionCallAI:
		return d.callAI(ctx, env, params)
	case models.ActionCallHandler:
		return d.callHandler(ctx, env, params)
	case models.ActionTransitionTo:
		return transitionTo(env, params)
	}
	return ActionResult{}
}

func (d *Dispatcher) sendMessage(ctx context.Context, env actionEnv, params map[string]any) ActionResult {
	text, _ := params["text"].(string)
	if strings.TrimSpace(text) == "" {
		key := stringParam(params, "message_key")
		if key == "" {
			slog.Error("Dispatcher.sendMessage: neither text nor message_key given", "user_id", env.userID)
			return ActionResult{}
		}
		if d.templates == nil {
			slog.Error("Dispatcher.sendMessage: no instruction catalog configured", "user_id", env.userID, "message_key", key)
			return ActionResult{}
		}
		profile := env.profile()
		tpl, found, err := d.templates.Resolve(ctx, key, profile.LanguageCode)
		if err != nil || !found {
			slog.Warn("Dispatcher.sendMessage: message key not resolved", "user_id", env.userID, "message_key", key, "error", err)
			return ActionResult{}
		}
		text = Render(tpl, profileSources(env.context, profile))
	}

	if d.messenger == nil {
		slog.Warn("Dispatcher.sendMessage: no messenger configured", "user_id", env.userID)
		return ActionResult{}
	}
	msg := models.OutgoingMessage{
		Text:      text,
		ParseMode: stringParam(params, "parse_mode"),
		Buttons:   buttonsParam(params["buttons"]),
	}
	to := env.replyTo()
	if err := d.messenger.SendMessage(ctx, to, msg); err != nil {
		slog.Error("Dispatcher.sendMessage: delivery failed", "error", err, "user_id", env.userID, "to", to)
	}
	return ActionResult{}
}

func (d *Dispatcher) callAI(ctx context.Context, env actionEnv, params map[string]any) ActionResult {
	saveTo := stringParam(params, "save_to")
	if saveTo == "" {
		slog.Error("Dispatcher.callAI: save_to is required", "user_id", env.userID)
		return ActionResult{}
	}
	promptKey := stringParam(params, "prompt_key")
	override := stringParam(params, "system_prompt_override")
	if d.completer == nil || (promptKey == "" && override == "") {
		slog.Error("Dispatcher.callAI: misconfigured", "user_id", env.userID, "prompt_key", promptKey, "has_completer", d.completer != nil)
		return ActionResult{Delta: map[string]any{saveTo: AIMisconfiguredMarker}}
	}

	var history []models.ChatMessage
	if key := stringParam(params, "history_context_key"); key != "" {
		history = historyFrom(env.context[key])
	}
	if len(history) == 0 {
		if text, ok := env.event.Text(); ok && text != "" {
			history = []models.ChatMessage{{Role: models.ChatRoleUser, Content: text}}
		}
	}

	out, err := d.completer.Complete(ctx, models.CompletionRequest{
		PromptKey:            promptKey,
		SystemPromptOverride: override,
		UserReply:            stringParam(params, "user_reply_for_format"),
		Language:             env.profile().LanguageCode,
		History:              history,
	})
	if err != nil {
		slog.Error("Dispatcher.callAI: completion failed", "error", err, "user_id", env.userID, "prompt_key", promptKey)
		return ActionResult{Delta: map[string]any{saveTo: AICallErrorPrefix + err.Error()}}
	}
	if out == "" {
		return ActionResult{Delta: map[string]any{saveTo: nil}}
	}
	return ActionResult{Delta: map[string]any{saveTo: out}}
}

func (d *Dispatcher) callHandler(ctx context.Context, env actionEnv, params map[string]any) ActionResult {
	name := stringParam(params, "function_name")
	saveTo := stringParam(params, "save_to")
	if saveTo == "" {
		saveTo = stringParam(params, "save_result_to")
	}
	errKey := saveTo
	if errKey == "" {
		errKey = DefaultHandlerErrorKey
	}

	fn, needs, err := d.handlers.Lookup(name)
	if err != nil {
		slog.Error("Dispatcher.callHandler: handler not found", "function_name", name, "user_id", env.userID)
		return ActionResult{Delta: map[string]any{errKey: HandlerNotFoundPrefix + name}}
	}

	call := HandlerCall{UserID: env.userID, Params: params}
	if needs&NeedEvent != 0 {
		call.Event = env.event
	}
	if needs&NeedContext != 0 && boolParam(params, "pass_state_context", true) {
		call.Context = models.CloneContext(env.context)
		if call.Context == nil {
			call.Context = map[string]any{}
		}
	}
	if needs&NeedStore != 0 {
		call.Store = d.states
	}

	out, err := invokeHandler(ctx, fn, call)
	if err != nil {
		slog.Error("Dispatcher.callHandler: handler failed", "function_name", name, "error", err, "user_id", env.userID)
		return ActionResult{Delta: map[string]any{errKey: HandlerFailedPrefix + err.Error()}}
	}

	switch v := out.(type) {
	case HandlerResult:
		return handlerOutcome(name, v)
	case *HandlerResult:
		if v == nil {
			return ActionResult{}
		}
		return handlerOutcome(name, *v)
	case map[string]any:
		return ActionResult{Delta: v}
	}
	if saveTo == "" {
		slog.Debug("Dispatcher.callHandler: result discarded, no save_to", "function_name", name, "user_id", env.userID)
		return ActionResult{}
	}
	return ActionResult{Delta: map[string]any{saveTo: out}}
}

func handlerOutcome(name string, r HandlerResult) ActionResult {
	res := ActionResult{Delta: r.Delta}
	if r.Switched {
		if r.Transition != "" {
			slog.Warn("Dispatcher.callHandler: transition ignored after switch", "function_name", name, "transition", r.Transition)
		}
		res.Signal.SuppressRemaining = true
		return res
	}
	res.Signal.TargetState = r.Transition
	return res
}

func transitionTo(env actionEnv, params map[string]any) ActionResult {
	next := stringParam(params, "next_state")
	if next == "" {
		slog.Error("Dispatcher.transitionTo: next_state is required", "user_id", env.userID)
		return ActionResult{}
	}
	setCtx, _ := params["set_context"].(map[string]any)
	return ActionResult{Signal: ExecutionSignal{TargetState: next, SetContext: setCtx}}
}

func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func boolParam(params map[string]any, key string, def bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	}
	return def
}

// buttonsParam accepts a flat list of {text, data} maps or a list of rows of them.
func buttonsParam(raw any) []models.Button {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []models.Button
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			if b, ok := buttonFrom(v); ok {
				out = append(out, b)
			}
		case []any:
			out = append(out, buttonsParam(v)...)
		}
	}
	return out
}

func buttonFrom(m map[string]any) (models.Button, bool) {
	text := stringParam(m, "text")
	data := stringParam(m, "data")
	if data == "" {
		data = stringParam(m, "callback_data")
	}
	if text == "" {
		return models.Button{}, false
	}
	if data == "" {
		data = text
	}
	return models.Button{Text: text, Data: data}, true
}

func historyFrom(raw any) []models.ChatMessage {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]models.ChatMessage, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content := stringParam(m, "content")
		if content == "" {
			continue
		}
		role := models.ChatRole(strings.ToLower(stringParam(m, "role")))
		switch role {
		case models.ChatRoleUser, models.ChatRoleAssistant, models.ChatRoleSystem:
		default:
			role = models.ChatRoleUser
		}
		out = append(out, models.ChatMessage{Role: role, Content: content})
	}
	return out
}
