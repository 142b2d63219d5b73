package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/pkg/config"
	"pulse/pkg/llm"
	"pulse/pkg/persistence"
	"pulse/pkg/workflow"
)

// queuedClient answers completions in order and repeats its last reply.
type queuedClient struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (c *queuedClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	if i >= len(c.replies) {
		i = len(c.replies) - 1
	}
	c.calls++
	return llm.CompletionResponse{Content: c.replies[i]}, nil
}

func (c *queuedClient) GetModelName() string { return "queued" }

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"PULSE_PROVIDER", "PULSE_MODEL", "OPENAI_MODEL_NAME", "OLLAMA_HOST", "DEBUG",
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY",
		"PULSE_LLM_PROVIDER", "PULSE_LLM_MODEL", "PULSE_WORKFLOW_MAX_PATCH_ATTEMPTS",
		"PULSE_WORKFLOW_STRICT_ROUTING", "PULSE_INDEX_EXTENSIONS", "PULSE_LLM_TEMPERATURE",
		PasswordEnv,
	} {
		t.Setenv(name, "")
	}
}

// execute runs a fresh root command against the workspace.
func execute(t *testing.T, a *app, ws string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(a)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--workspace", ws}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func newWorkspace(t *testing.T) string {
	t.Helper()
	clearEnv(t)
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	return ws
}

func TestConfigInitAndShow(t *testing.T) {
	ws := newWorkspace(t)

	out, err := execute(t, &app{}, ws, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, config.Path(ws))
	assert.FileExists(t, config.Path(ws))

	_, err = execute(t, &app{}, ws, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, &app{}, ws, "config", "init", "--force")
	require.NoError(t, err)

	out, err = execute(t, &app{}, ws, "--json", "config", "show")
	require.NoError(t, err)
	var summary config.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, config.DefaultProvider, summary.Provider)
	assert.Equal(t, config.DefaultMode, summary.DefaultMode)
}

func TestWorkspaceMustBeDirectory(t *testing.T) {
	ws := newWorkspace(t)
	_, err := execute(t, &app{}, filepath.Join(ws, "main.go"), "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestIndexThenAsk(t *testing.T) {
	ws := newWorkspace(t)
	client := &queuedClient{replies: []string{"main does nothing."}}
	a := &app{client: client}

	out, err := execute(t, a, ws, "index")
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 1 files")

	out, err = execute(t, &app{client: client}, ws, "--json", "run", "--mode", "ask", "What does main do?")
	require.NoError(t, err)

	var resp workflow.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, workflow.OutcomeCompleted, resp.Outcome)
	assert.NotEmpty(t, resp.SessionID)
	last, ok := resp.State.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "main does nothing.", last.Content)

	out, err = execute(t, &app{}, ws, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, resp.SessionID)
	assert.Contains(t, out, "What does main do?")

	out, err = execute(t, &app{}, ws, "analytics")
	require.NoError(t, err)
	assert.Contains(t, out, "search")
	assert.Contains(t, out, "qa")
}

func TestDryRunDeniesPatch(t *testing.T) {
	ws := newWorkspace(t)
	client := &queuedClient{replies: []string{
		"1. Create hello.txt",
		`{"file_path": "hello.txt", "new_content": "hello\n", "rationale": "greet"}`,
	}}

	out, err := execute(t, &app{client: client}, ws, "run", "--dry-run", "Say hello")
	require.NoError(t, err)
	assert.Contains(t, out, "No files were modified.")
	assert.Contains(t, out, dryRunFeedback)
	assert.Contains(t, out, "completed")
	assert.NoFileExists(t, filepath.Join(ws, "hello.txt"))

	out, err = execute(t, &app{}, ws, "--json", "analytics", "runs")
	require.NoError(t, err)
	var runs []persistence.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "agent", runs[0].Mode)
	assert.Equal(t, 0, runs[0].FilesModified)
}

func TestSessionLifecycle(t *testing.T) {
	ws := newWorkspace(t)
	client := &queuedClient{replies: []string{"1. Read main.go"}}

	out, err := execute(t, &app{client: client}, ws, "--json", "run", "--mode", "plan", "Explain the layout")
	require.NoError(t, err)
	var resp workflow.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	id := resp.SessionID
	require.NotEmpty(t, id)

	out, err = execute(t, &app{}, ws, "sessions", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Explain the layout")
	assert.Contains(t, out, "Plan:\n1. Read main.go")

	_, err = execute(t, &app{}, ws, "sessions", "rename", id, "Layout", "notes")
	require.NoError(t, err)
	out, err = execute(t, &app{}, ws, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Layout notes")

	_, err = execute(t, &app{}, ws, "sessions", "delete", id)
	require.NoError(t, err)
	out, err = execute(t, &app{}, ws, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions.")
}

func TestSecretsSetListDelete(t *testing.T) {
	ws := newWorkspace(t)
	t.Setenv(PasswordEnv, "correct horse")

	out, err := execute(t, &app{}, ws, "secrets", "set", "OPENAI_API_KEY", "sk-test-1234567890")
	require.NoError(t, err)
	assert.Contains(t, out, "sk-t...7890")
	assert.True(t, config.SecretsFileExists(ws))

	prompted := &app{readPassword: func(string) (string, error) { return "from-prompt", nil }}
	_, err = execute(t, prompted, ws, "secrets", "set", "GEMINI_API_KEY")
	require.NoError(t, err)

	out, err = execute(t, &app{}, ws, "--json", "secrets", "list")
	require.NoError(t, err)
	var masked map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &masked))
	assert.Equal(t, map[string]string{
		"OPENAI_API_KEY": "sk-t...7890",
		"GEMINI_API_KEY": "from...ompt",
	}, masked)

	_, err = execute(t, &app{}, ws, "secrets", "delete", "GEMINI_API_KEY")
	require.NoError(t, err)
	out, err = execute(t, &app{}, ws, "secrets", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "GEMINI_API_KEY")

	t.Setenv(PasswordEnv, "")
	_, err = execute(t, &app{}, ws, "secrets", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), PasswordEnv)
}

func TestMetricsQuery(t *testing.T) {
	ws := newWorkspace(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		result := "[]"
		if strings.Contains(r.Form.Get("query"), "workflow_runs_total") {
			result = `[{"metric":{"mode":"ask","outcome":"completed"},"value":[1700000000,"3"]}]`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":%s}}`, result)
	}))
	defer srv.Close()

	out, err := execute(t, &app{}, ws, "metrics", "query", "--prometheus", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "MODE")
	assert.Regexp(t, `ask\s+completed\s+3`, out)
}

func TestRunRequiresRequest(t *testing.T) {
	ws := newWorkspace(t)
	_, err := execute(t, &app{}, ws, "run")
	require.Error(t, err)
}

func TestVersionFlag(t *testing.T) {
	ws := newWorkspace(t)
	out, err := execute(t, &app{}, ws, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "dev (none)")
}
