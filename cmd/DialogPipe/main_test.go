package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

const scenarioYAML = `
scenario_key: hello
name: Hello
entry_state: START
states:
  START:
    on_entry:
      - action: send_message
        params: {message_key: greeting}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestServeDefaults(t *testing.T) {
	var cli CLI
	parser, err := newParser(&cli)
	require.NoError(t, err)
	_, err = parser.Parse([]string{"serve"})
	require.NoError(t, err)

	assert.Equal(t, TransportNone, cli.Serve.Transport)
	assert.Equal(t, ":8080", cli.Serve.APIAddr)
	assert.Equal(t, []string{"en", "uk", "ru"}, cli.Serve.Languages)
	assert.Equal(t, "start", cli.Serve.StartCommand)
	assert.True(t, cli.Serve.Watch)
	assert.Equal(t, DefaultStateDir, cli.StateDir)
}

func TestServeRejectsUnknownTransport(t *testing.T) {
	var cli CLI
	parser, err := newParser(&cli)
	require.NoError(t, err)
	_, err = parser.Parse([]string{"serve", "--transport=telegram"})
	assert.Error(t, err)
}

func TestResolveDSN(t *testing.T) {
	g := Globals{StateDir: "/tmp/dp"}
	assert.Equal(t, filepath.Join("/tmp/dp", DefaultDBFileName), g.resolveDSN())

	g.DSN = MemoryDSN
	assert.Equal(t, "", g.resolveDSN())
	assert.Equal(t, MemoryDSN, storeType(g.resolveDSN()))

	g.DSN = "postgres://u:p@localhost/db"
	assert.Equal(t, "postgres", storeType(g.resolveDSN()))
}

func TestValidateScenarioCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "hello.yaml", scenarioYAML)
	bad := writeFile(t, dir, "bad.yaml", "scenario_key: x")

	assert.NoError(t, run([]string{"validate-scenario", good}))
	assert.Error(t, run([]string{"validate-scenario", good, bad}))
}

func TestAdminCommandsAgainstSQLite(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "db", "dialogpipe.db")
	scenarioFile := writeFile(t, dir, "hello.yaml", scenarioYAML)
	catalog := writeFile(t, dir, "instructions.toml", "[greeting]\nen = \"Hello!\"\nuk = \"Привіт!\"\n")
	global := []string{"--state-dir", dir, "--dsn", dsn}

	require.NoError(t, run(append([]string{"upload-scenario", scenarioFile}, global...)))
	require.NoError(t, run(append([]string{"seed-instructions", catalog}, global...)))

	st, err := store.Open(dsn)
	require.NoError(t, err)
	ctx := context.Background()

	list, err := st.ListScenarios(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0].Key)

	texts, err := st.GetInstruction(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "Привіт!", texts["uk"])

	require.NoError(t, st.SaveUserState(ctx, storeState("u1")))
	require.NoError(t, st.Close())

	require.NoError(t, run(append([]string{"reset-user", "u1"}, global...)))
	require.NoError(t, run(append([]string{"reset-user", "u1"}, global...)))

	st, err = store.Open(dsn)
	require.NoError(t, err)
	defer st.Close()
	got, err := st.GetUserState(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func storeState(userID string) models.UserState {
	return models.UserState{UserID: userID, ScenarioKey: "hello", StateKey: "START", Context: map[string]any{}}
}
