// Package models defines the data structures shared across DialogPipe.
package models

import (
	"strings"
	"time"
)

// ActionType names one of the closed set of scenario actions.
type ActionType string

const (
	// ActionSendMessage delivers a text (inline or from the instruction catalog) to the user.
	ActionSendMessage ActionType = "send_message"
	// ActionCallAI asks the text-generation service for a completion.
	ActionCallAI ActionType = "call_ai"
	// ActionCallHandler invokes a registered handler function by name.
	ActionCallHandler ActionType = "call_handler"
	// ActionTransitionTo moves the user to another state of the same scenario.
	ActionTransitionTo ActionType = "transition_to"
)

// FilterKind names an input filter predicate.
type FilterKind string

const (
	// FilterMessage matches text-bearing message events.
	FilterMessage FilterKind = "message"
	// FilterCallback matches button callbacks.
	FilterCallback FilterKind = "callback_query"
	// FilterCommand matches "/command" messages.
	FilterCommand FilterKind = "command"
)

var actionAliases = map[string]ActionType{
	"send_message":  ActionSendMessage,
	"call_ai":       ActionCallAI,
	"call_handler":  ActionCallHandler,
	"transition_to": ActionTransitionTo,
}

var filterAliases = map[string]FilterKind{
	"message":        FilterMessage,
	"text_message":   FilterMessage,
	"callback_query": FilterCallback,
	"callback":       FilterCallback,
	"command":        FilterCommand,
}

// NormalizeActionType maps dash and underscore spellings onto the canonical action type.
// The second return value is false for names outside the closed set.
func NormalizeActionType(name string) (ActionType, bool) {
	t, ok := actionAliases[strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")]
	return t, ok
}

// NormalizeFilterKind maps filter kind aliases onto the canonical kind.
// Unknown kinds are returned unchanged so that matching can fail closed.
func NormalizeFilterKind(name string) FilterKind {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	if k, ok := filterAliases[key]; ok {
		return k
	}
	return FilterKind(name)
}

// ActionSpec is a single authored action.
type ActionSpec struct {
	Type   ActionType     `yaml:"action" json:"action"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// FilterSpec is a single declarative predicate over an inbound event.
// Pointer fields distinguish "not configured" from an empty string.
type FilterSpec struct {
	Kind        FilterKind `yaml:"type" json:"type"`
	ContentType string     `yaml:"content_type,omitempty" json:"content_type,omitempty"`
	Text        *string    `yaml:"text,omitempty" json:"text,omitempty"`
	Regex       string     `yaml:"regex,omitempty" json:"regex,omitempty"`
	Data        *string    `yaml:"data,omitempty" json:"data,omitempty"`
	Pattern     string     `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Command     string     `yaml:"command,omitempty" json:"command,omitempty"`
}

// InputHandler pairs AND-combined filters with the actions to run on a match.
type InputHandler struct {
	Filters []FilterSpec `yaml:"filters,omitempty" json:"filters,omitempty"`
	Actions []ActionSpec `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// StateConfig is one node of a scenario graph.
type StateConfig struct {
	OnEntry       []ActionSpec   `yaml:"on_entry,omitempty" json:"on_entry,omitempty"`
	InputHandlers []InputHandler `yaml:"input_handlers,omitempty" json:"input_handlers,omitempty"`
}

// Scenario is a parsed scenario definition. Values handed out by the scenario
// store are private copies; see Clone.
type Scenario struct {
	Key         string                 `yaml:"scenario_key" json:"scenario_key"`
	Name        string                 `yaml:"name" json:"name"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	EntryState  string                 `yaml:"entry_state" json:"entry_state"`
	States      map[string]StateConfig `yaml:"states" json:"states"`
}

// State returns the configuration of the given state key.
func (s *Scenario) State(key string) (StateConfig, bool) {
	if s == nil || s.States == nil {
		return StateConfig{}, false
	}
	cfg, ok := s.States[key]
	return cfg, ok
}

// Clone returns a deep copy of the scenario.
func (s *Scenario) Clone() *Scenario {
	if s == nil {
		return nil
	}
	out := &Scenario{
		Key:         s.Key,
		Name:        s.Name,
		Description: s.Description,
		EntryState:  s.EntryState,
		States:      make(map[string]StateConfig, len(s.States)),
	}
	for key, st := range s.States {
		out.States[key] = StateConfig{
			OnEntry:       cloneActions(st.OnEntry),
			InputHandlers: cloneHandlers(st.InputHandlers),
		}
	}
	return out
}

func cloneActions(in []ActionSpec) []ActionSpec {
	if in == nil {
		return nil
	}
	out := make([]ActionSpec, len(in))
	for i, a := range in {
		out[i] = ActionSpec{Type: a.Type, Params: CloneContext(a.Params)}
	}
	return out
}

func cloneHandlers(in []InputHandler) []InputHandler {
	if in == nil {
		return nil
	}
	out := make([]InputHandler, len(in))
	for i, h := range in {
		filters := make([]FilterSpec, len(h.Filters))
		for j, f := range h.Filters {
			f.Text = cloneStringPtr(f.Text)
			f.Data = cloneStringPtr(f.Data)
			filters[j] = f
		}
		out[i] = InputHandler{Filters: filters, Actions: cloneActions(h.Actions)}
	}
	return out
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ScenarioRecord is the stored form of a scenario definition.
type ScenarioRecord struct {
	Key         string    `json:"scenario_key"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Definition  string    `json:"definition,omitempty"`
	Active      bool      `json:"is_active"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}
