package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/engine"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
	"github.com/BTreeMap/DialogPipe/internal/store"
	"github.com/BTreeMap/DialogPipe/internal/testutil"
)

const quizScenario = `
scenario_key: quiz
name: Quiz
entry_state: ASK
states:
  ASK:
    input_handlers:
      - filters: [{type: callback_query}]
        actions:
          - action: call_handler
            params: {function_name: store_value, key: answer, value: "{callback_data}"}
          - action: call_handler
            params:
              function_name: route_by_value
              source_key: answer
              routes: {a: RIGHT, b: WRONG}
              default: ASK_AGAIN
              transition: true
      - filters: [{type: command, command: help}]
        actions:
          - action: call_handler
            params: {function_name: switch_scenario, scenario_key: help, context: {from: quiz}}
          - action: send_message
            params: {text: "not sent"}
      - filters: [{type: message}]
        actions:
          - action: call_handler
            params: {function_name: append_history, key: chat, content: "{message_text}", limit: 2}
  RIGHT:
    on_entry:
      - action: send_message
        params: {text: "Correct, {answer}"}
      - action: call_handler
        params: {function_name: end_dialog}
  WRONG: {}
  ASK_AGAIN: {}
`

const helpScenario = `
scenario_key: help
name: Help
entry_state: INTRO
states:
  INTRO:
    on_entry:
      - action: send_message
        params: {text: "Help from {from}"}
`

func newFixture(t *testing.T) testutil.Env {
	t.Helper()
	env := testutil.NewEnv(t, quizScenario, helpScenario)
	require.NoError(t, Register(env.Handlers, env.Scenarios))
	require.NoError(t, env.Engine.StartScenario(context.Background(), "u1", "quiz", nil))
	return env
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := engine.NewHandlerRegistry()
	require.NoError(t, Register(reg, nil))
	assert.Equal(t, []string{AppendHistory, EchoContext, EndDialog, RouteByValue, StoreValue, SwitchScenario}, reg.Names())
	assert.ErrorIs(t, Register(reg, nil), engine.ErrDuplicateHandler)
}

func TestRouteByValue(t *testing.T) {
	tests := []struct {
		data  string
		state string
	}{
		{"b", "WRONG"},
		{"z", "ASK_AGAIN"},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.Engine.HandleEvent(context.Background(), models.NewCallbackEvent("u1", tt.data))
			require.NoError(t, err)
			st := f.State(t, "u1")
			require.NotNil(t, st)
			assert.Equal(t, tt.state, st.StateKey)
			assert.Equal(t, tt.data, st.Context["answer"])
		})
	}
}

func TestRouteThenEndDialog(t *testing.T) {
	f := newFixture(t)
	_, err := f.Engine.HandleEvent(context.Background(), models.NewCallbackEvent("u1", "a"))
	require.NoError(t, err)

	assert.Equal(t, []string{"Correct, a"}, f.Messenger.Texts())
	assert.Nil(t, f.State(t, "u1"))
}

func TestSwitchScenario(t *testing.T) {
	f := newFixture(t)
	_, err := f.Engine.HandleEvent(context.Background(), models.NewTextEvent("u1", "/help"))
	require.NoError(t, err)

	st := f.State(t, "u1")
	require.NotNil(t, st)
	assert.Equal(t, "help", st.ScenarioKey)
	assert.Equal(t, "INTRO", st.StateKey)
	assert.True(t, st.EntryDone)
	assert.Equal(t, []string{"Help from quiz"}, f.Messenger.Texts())
}

func TestSwitchScenarioErrors(t *testing.T) {
	loader := scenario.NewStore(store.NewInMemoryStore(), nil)
	fn := switchScenario(loader)
	states := store.NewInMemoryStore()

	_, err := fn(context.Background(), engine.HandlerCall{UserID: "u1", Store: states, Params: map[string]any{}})
	assert.Error(t, err)

	_, err = fn(context.Background(), engine.HandlerCall{UserID: "u1", Store: states, Params: map[string]any{"scenario_key": "nope"}})
	assert.ErrorIs(t, err, scenario.ErrScenarioNotFound)
}

func TestAppendHistoryKeepsLimit(t *testing.T) {
	f := newFixture(t)
	for _, text := range []string{"one", "two", "three"} {
		_, err := f.Engine.HandleEvent(context.Background(), models.NewTextEvent("u1", text))
		require.NoError(t, err)
	}
	st := f.State(t, "u1")
	require.NotNil(t, st)
	assert.Equal(t, []any{
		map[string]any{"role": "user", "content": "two"},
		map[string]any{"role": "user", "content": "three"},
	}, st.Context["chat"])
}

func TestStoreValueRequiresKey(t *testing.T) {
	_, err := storeValue(context.Background(), engine.HandlerCall{Params: map[string]any{"value": 1}})
	assert.Error(t, err)

	out, err := storeValue(context.Background(), engine.HandlerCall{Params: map[string]any{"key": "k", "value": []any{"x"}}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": []any{"x"}}, out)
}

func TestRouteByValueWritesNextStateKey(t *testing.T) {
	call := engine.HandlerCall{
		Context: map[string]any{"role": "  admin "},
		Params: map[string]any{
			"source_key": "role",
			"routes":     map[string]any{"ADMIN": "ADMIN_MENU", "user": "USER_MENU"},
		},
	}
	out, err := routeByValue(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{NextStateKey: "ADMIN_MENU"}, out)

	call.Context["role"] = "User"
	out, err = routeByValue(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{NextStateKey: "USER_MENU"}, out)

	call.Context["role"] = "guest"
	out, err = routeByValue(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
}

func TestEchoContextCopiesInput(t *testing.T) {
	in := map[string]any{"city": "Kyiv", "tags": []any{"a"}}
	out, err := echoContext(context.Background(), engine.HandlerCall{UserID: "u1", Context: in})
	require.NoError(t, err)

	got := out.(map[string]any)
	assert.Equal(t, in, got["handler_input_context"])
	assert.Equal(t, "Handler received context for user u1", got["handler_message"])

	got["handler_input_context"].(map[string]any)["city"] = "Lviv"
	assert.Equal(t, "Kyiv", in["city"])
}
