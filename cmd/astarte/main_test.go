package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/astarte-agent/internal/config"
	"github.com/nugget/astarte-agent/internal/events"
	"github.com/nugget/astarte-agent/internal/store"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

// writeConfig writes a config file whose data lives in a temp dir and
// returns its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("data_dir: %s\nlog_level: warn\n%s", filepath.Join(dir, "data"), extra)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVersionText(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Astarte ")
	assert.Contains(t, stdout, "go_version:")
}

func TestVersionJSON(t *testing.T) {
	stdout, _, err := executeCLI(t, "-o", "json", "version")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "git_commit")
}

func TestUnknownOutputFormat(t *testing.T) {
	_, _, err := executeCLI(t, "-o", "yaml", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestMissingConfigFile(t *testing.T) {
	_, _, err := executeCLI(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "config", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestConfigSetGetListUnset(t *testing.T) {
	cfgPath := writeConfig(t, "")

	_, _, err := executeCLI(t, "--config", cfgPath, "config", "set", "bot_name", "Zed")
	require.NoError(t, err)
	_, _, err = executeCLI(t, "--config", cfgPath, "config", "set", "trigger_keywords", "lights,garage")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, "--config", cfgPath, "config", "get", "bot_name")
	require.NoError(t, err)
	assert.Equal(t, "Zed\n", stdout)

	stdout, _, err = executeCLI(t, "--config", cfgPath, "config", "list")
	require.NoError(t, err)
	assert.Equal(t, "bot_name=Zed\ntrigger_keywords=lights,garage\n", stdout)

	_, _, err = executeCLI(t, "--config", cfgPath, "config", "unset", "bot_name")
	require.NoError(t, err)

	stdout, _, err = executeCLI(t, "--config", cfgPath, "-o", "json", "config", "list")
	require.NoError(t, err)
	var values map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &values))
	assert.Equal(t, map[string]string{"trigger_keywords": "lights,garage"}, values)
}

func TestConfigRejectsUnknownKey(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, _, err := executeCLI(t, "--config", cfgPath, "config", "set", "favourite_colour", "blue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown setting "favourite_colour"`)
}

func TestServersCommandSyncsConfig(t *testing.T) {
	cfgPath := writeConfig(t, `mcp:
  servers:
    - name: search
      url: https://search.example.com/mcp
    - name: files
      command: mcp-files
      args: ["--root", "/srv"]
      disabled: true
`)
	stdout, _, err := executeCLI(t, "--config", cfgPath, "-o", "json", "servers")
	require.NoError(t, err)

	var servers []store.Server
	require.NoError(t, json.Unmarshal([]byte(stdout), &servers))
	require.Len(t, servers, 2)

	assert.Equal(t, "files", servers[0].Name)
	assert.Equal(t, "stdio", servers[0].Transport)
	assert.False(t, servers[0].Enabled)
	assert.Equal(t, configOwner, servers[0].CreatedBy)

	assert.Equal(t, "search", servers[1].Name)
	assert.Equal(t, "http", servers[1].Transport)
	assert.True(t, servers[1].Enabled)
}

func openTestStore(t *testing.T) (*store.Store, *events.Bus) {
	t.Helper()
	bus := events.New()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), bus, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, bus
}

func TestSyncServersRemovesOnlyStaleConfigServers(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	_, err := st.PutServer(ctx, store.Server{
		ServerSpec: serverFromConfig(config.MCPServerConfig{Name: "weather", URL: "https://w.example.com"}).ServerSpec,
		Enabled:    true,
		CreatedBy:  "model",
	})
	require.NoError(t, err)

	first := []config.MCPServerConfig{
		{Name: "search", URL: "https://search.example.com/mcp"},
		{Name: "clock", URL: "clock.internal:7000"},
	}
	require.NoError(t, syncServers(ctx, st, first, quietLogger()))

	second := []config.MCPServerConfig{
		{Name: "search", URL: "https://search.example.com/mcp"},
	}
	require.NoError(t, syncServers(ctx, st, second, quietLogger()))

	servers, err := st.ListServers(ctx, false)
	require.NoError(t, err)
	var names []string
	for _, s := range servers {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"search", "weather"}, names)
}

func TestApplyServerChanges(t *testing.T) {
	st, bus := openTestStore(t)
	ctx := context.Background()

	prev := []config.MCPServerConfig{
		{Name: "search", Transport: "http", URL: "https://search.example.com/mcp"},
		{Name: "clock", Transport: "tcp", URL: "clock.internal:7000"},
	}
	require.NoError(t, syncServers(ctx, st, prev, quietLogger()))

	var seen []string
	remove := bus.Handle(events.SourceConfig, func(e events.Event) {
		seen = append(seen, e.Kind+":"+fmt.Sprint(e.Data["server"]))
	})
	defer remove()

	next := []config.MCPServerConfig{
		{Name: "search", Transport: "http", URL: "https://search2.example.com/mcp"},
		{Name: "notes", Transport: "stdio", Command: "mcp-notes"},
	}
	applyServerChanges(ctx, st, config.DiffServers(prev, next), quietLogger())

	srv, err := st.GetServer(ctx, "search")
	require.NoError(t, err)
	assert.Equal(t, "https://search2.example.com/mcp", srv.URL)

	_, err = st.GetServer(ctx, "clock")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.GetServer(ctx, "notes")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		events.KindServerEdited + ":search",
		events.KindServerRemoved + ":clock",
		events.KindServerAdded + ":notes",
	}, seen)
}

// fakeCompletions answers every chat completion with text and counts
// the requests.
func fakeCompletions(t *testing.T, text string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}}`, text)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestAskThenReset(t *testing.T) {
	llmSrv, calls := fakeCompletions(t, "Hello from the model")
	cfgPath := writeConfig(t, fmt.Sprintf("llm:\n  base_url: %s/v1\n  model: test-model\n", llmSrv.URL))

	stdout, _, err := executeCLI(t, "--config", cfgPath, "ask", "--chat", "kitchen", "hi", "there")
	require.NoError(t, err)
	assert.Equal(t, "Hello from the model\n", stdout)
	assert.Equal(t, int32(1), calls.Load())

	stdout, _, err = executeCLI(t, "--config", cfgPath, "-o", "json", "usage")
	require.NoError(t, err)
	var usage struct {
		Total store.UsageSummary `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &usage))
	assert.Equal(t, store.UsageSummary{Records: 1, InputTokens: 10, OutputTokens: 3}, usage.Total)

	stdout, _, err = executeCLI(t, "--config", cfgPath, "-o", "json", "reset", "kitchen")
	require.NoError(t, err)
	var res store.PurgeResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, 2, res.Turns)
}

func TestAskCommandIsAnsweredLocally(t *testing.T) {
	llmSrv, calls := fakeCompletions(t, "unused")
	cfgPath := writeConfig(t, fmt.Sprintf("llm:\n  base_url: %s/v1\n", llmSrv.URL))

	stdout, _, err := executeCLI(t, "--config", cfgPath, "-o", "json", "ask", "/help")
	require.NoError(t, err)

	var reply struct {
		Text      string `json:"text"`
		Responded bool   `json:"responded"`
		Outcome   string `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &reply))
	assert.True(t, reply.Responded)
	assert.Equal(t, "command", reply.Outcome)
	assert.Contains(t, reply.Text, "/reset")
	assert.Zero(t, calls.Load())
}
