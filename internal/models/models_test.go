package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeActionType(t *testing.T) {
	cases := map[string]ActionType{
		"send_message":  ActionSendMessage,
		"send-message":  ActionSendMessage,
		"Call-AI":       ActionCallAI,
		"call_handler":  ActionCallHandler,
		"transition-to": ActionTransitionTo,
	}
	for in, want := range cases {
		got, ok := NormalizeActionType(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := NormalizeActionType("exec_shell")
	assert.False(t, ok)
}

func TestNormalizeFilterKind(t *testing.T) {
	assert.Equal(t, FilterMessage, NormalizeFilterKind("text-message"))
	assert.Equal(t, FilterCallback, NormalizeFilterKind("callback"))
	assert.Equal(t, FilterCommand, NormalizeFilterKind("command"))
	assert.Equal(t, FilterKind("location"), NormalizeFilterKind("location"))
}

func TestScenarioCloneIsDeep(t *testing.T) {
	text := "hi"
	s := &Scenario{
		Key:        "k",
		EntryState: "A",
		States: map[string]StateConfig{
			"A": {
				OnEntry: []ActionSpec{{Type: ActionSendMessage, Params: map[string]any{"text": "x", "nested": map[string]any{"a": 1}}}},
				InputHandlers: []InputHandler{{
					Filters: []FilterSpec{{Kind: FilterMessage, Text: &text}},
					Actions: []ActionSpec{{Type: ActionTransitionTo, Params: map[string]any{"next_state": "A"}}},
				}},
			},
		},
	}

	c := s.Clone()
	c.States["A"].OnEntry[0].Params["text"] = "changed"
	c.States["A"].OnEntry[0].Params["nested"].(map[string]any)["a"] = 2
	*c.States["A"].InputHandlers[0].Filters[0].Text = "bye"
	c.States["B"] = StateConfig{}

	assert.Equal(t, "x", s.States["A"].OnEntry[0].Params["text"])
	assert.Equal(t, 1, s.States["A"].OnEntry[0].Params["nested"].(map[string]any)["a"])
	assert.Equal(t, "hi", *s.States["A"].InputHandlers[0].Filters[0].Text)
	_, ok := s.State("B")
	assert.False(t, ok)
}

func TestContextEqual(t *testing.T) {
	assert.True(t, ContextEqual(nil, map[string]any{}))
	assert.True(t, ContextEqual(map[string]any{"a": []any{"x"}}, map[string]any{"a": []any{"x"}}))
	assert.False(t, ContextEqual(map[string]any{"a": 1}, map[string]any{"a": 2}))
}

func TestEventCommand(t *testing.T) {
	ev := NewTextEvent("u1", "/start@dialog_bot ref42")
	cmd, ok := ev.Command()
	require.True(t, ok)
	assert.Equal(t, "start", cmd)

	ev = NewTextEvent("u1", "hello")
	_, ok = ev.Command()
	assert.False(t, ok)

	ev = NewCallbackEvent("u1", "yes")
	_, ok = ev.Text()
	assert.False(t, ok)
	data, ok := ev.CallbackData()
	require.True(t, ok)
	assert.Equal(t, "yes", data)
}

func TestStartScenarioRequestValidate(t *testing.T) {
	r := StartScenarioRequest{}
	assert.Error(t, r.Validate())
	r.ScenarioKey = "onboarding_v1"
	assert.NoError(t, r.Validate())
}
