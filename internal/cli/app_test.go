package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfateev/sandbox-agent/internal/llm"
	"github.com/mfateev/sandbox-agent/internal/runlog"
)

type cliEnv struct {
	dir       string
	workspace string
	config    string
	runlog    string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := cliEnv{
		dir:       dir,
		workspace: filepath.Join(dir, "sandbox"),
		config:    filepath.Join(dir, "agent.yaml"),
		runlog:    filepath.Join(dir, "runs.db"),
	}
	yaml := "reasoner:\n  initial_backoff: 1ms\nrunlog:\n  path: " + env.runlog + "\n"
	require.NoError(t, os.WriteFile(env.config, []byte(yaml), 0o644))
	return env
}

// scripted replies in order, repeating the last one.
func scripted(replies ...string) llm.Reasoner {
	var (
		mu sync.Mutex
		i  int
	)
	return llm.ReasonerFunc(func(context.Context, llm.Request) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		r := replies[i]
		if i < len(replies)-1 {
			i++
		}
		return r, nil
	})
}

func (e cliEnv) execute(t *testing.T, reasoner llm.Reasoner, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := NewApp(strings.NewReader(""), &out, &errOut)
	app.reasoner = reasoner
	app.lookupEnv = func(string) (string, bool) { return "", false }

	cmd := app.Command()
	cmd.SetArgs(append([]string{
		"--config", e.config,
		"--env-file", filepath.Join(e.dir, "missing.env"),
		"--workspace", e.workspace,
		"--provider", "openai",
		"--model", "test-model",
		"--no-color",
	}, args...))
	code = app.exitCode(cmd.Execute())
	return code, out.String(), errOut.String()
}

func TestRun_CompletesAndRecords(t *testing.T) {
	env := newCLIEnv(t)
	reasoner := scripted(
		`{"thought": "write it", "action": "create_file", "action_input": {"name": "hello.txt", "content": "hi"}}`,
		`{"thought": "done", "action": "final_answer", "action_input": {"answer": "Created hello.txt"}, "is_final": true}`,
	)

	code, out, _ := env.execute(t, reasoner, "--no-markdown", "run", "create", "hello.txt")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "▶ create_file")
	assert.Contains(t, out, "Created hello.txt")
	assert.Contains(t, out, "test-model · 2 steps · completed")

	data, err := os.ReadFile(filepath.Join(env.workspace, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	code, out, _ = env.execute(t, nil, "memory")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Project memory (1 tasks")
	assert.Contains(t, out, "create hello.txt")
}

func TestRun_FailureExitsNonZero(t *testing.T) {
	env := newCLIEnv(t)
	reasoner := scripted(`{"thought": "try", "action": "run_command", "action_input": {"cmd": "exit 3"}}`)

	code, out, errOut := env.execute(t, reasoner, "--max-iterations", "1", "run", "do it")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "✗")
	assert.NotContains(t, errOut, "Error:", "failed runs exit quietly")
}

func TestRun_SoftLandingExitsZero(t *testing.T) {
	env := newCLIEnv(t)
	reasoner := scripted(`{"thought": "look", "action": "list_files", "action_input": {}}`)

	code, out, _ := env.execute(t, reasoner, "--max-iterations", "2", "--no-markdown", "run", "look around")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "soft landed")
}

func TestRun_RequiresTask(t *testing.T) {
	env := newCLIEnv(t)
	code, _, errOut := env.execute(t, nil, "run")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")
}

func TestRun_TUIRejectsApproval(t *testing.T) {
	env := newCLIEnv(t)
	code, _, errOut := env.execute(t, scripted(`{}`), "--approve", "run", "--tui", "task")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--approve cannot be combined with --tui")
}

func TestInvalidConfigIsReported(t *testing.T) {
	env := newCLIEnv(t)
	code, _, errOut := env.execute(t, nil, "--provider", "nope", "tools")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid configuration")
	assert.Contains(t, errOut, `"nope"`)
}

func TestToolsCommand(t *testing.T) {
	env := newCLIEnv(t)
	code, out, _ := env.execute(t, nil, "tools")
	assert.Equal(t, 0, code)
	for _, name := range []string{"create_file", "run_command", "run_starlark", "web_search", "git_status"} {
		assert.Contains(t, out, name)
	}
}

func TestMemoryCommand_Empty(t *testing.T) {
	env := newCLIEnv(t)
	code, out, _ := env.execute(t, nil, "memory")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "No previous tasks recorded.")
}

func TestHistoryCommand(t *testing.T) {
	env := newCLIEnv(t)
	code, out, _ := env.execute(t, nil, "history")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "No runs recorded.")

	reasoner := scripted(
		`{"thought": "check", "action": "list_files", "action_input": {}}`,
		`{"action": "final_answer", "action_input": {"answer": "empty"}, "is_final": true}`,
	)
	code, _, _ = env.execute(t, reasoner, "run", "inspect the workspace")
	require.Equal(t, 0, code)

	code, out, _ = env.execute(t, nil, "history")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "inspect the workspace")

	store, err := runlog.Open(env.runlog, nil)
	require.NoError(t, err)
	runs, err := store.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)

	code, out, _ = env.execute(t, nil, "history", runs[0].ID)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Step 1")
	assert.Contains(t, out, "▶ list_files")
	assert.Contains(t, out, "• check")

	code, _, errOut := env.execute(t, nil, "history", "no-such-run")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no events recorded")
}

func TestConversationKeepsRecentTurns(t *testing.T) {
	var history []exchange
	for i := 0; i < replTurns+2; i++ {
		history = append(history, exchange{user: string(rune('a' + i)), agent: "ok"})
	}
	text := conversation(history)
	assert.NotContains(t, text, "User: a\n")
	assert.NotContains(t, text, "User: b\n")
	assert.Contains(t, text, "User: c\nAgent: ok")
	assert.True(t, strings.HasSuffix(text, "User: g\nAgent: ok"))
	assert.Empty(t, conversation(nil))
}

func TestDecodeInput(t *testing.T) {
	assert.Nil(t, decodeInput(""))
	assert.Equal(t, map[string]interface{}{"name": "a.txt"}, decodeInput(`{"name":"a.txt"}`))
	assert.Equal(t, map[string]interface{}{"raw": "not json"}, decodeInput("not json"))
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n  b\tc", 10))
	assert.Equal(t, "abcdefg...", oneLine("abcdefghijklmnop", 10))
}
