package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/mcp"
	"github.com/nugget/astarte-agent/internal/toolcache"
)

type fakeRemote struct {
	tools    map[string][]mcp.ToolDefinition
	calls    []string
	status   []toolcache.ServerStatus
	callErr     error
	resolved    int
	invalidated []string
}

func (f *fakeRemote) Resolve(_ context.Context, name string) (*toolcache.Resolved, error) {
	f.resolved++
	defs, ok := f.tools[name]
	if !ok {
		return nil, toolcache.ErrUnknownServer
	}
	return &toolcache.Resolved{Server: name, Tools: defs}, nil
}

func (f *fakeRemote) Call(_ context.Context, server, tool string, args map[string]any) (string, error) {
	f.calls = append(f.calls, server+"/"+tool)
	if f.callErr != nil {
		return "", f.callErr
	}
	return "called " + tool, nil
}

func (f *fakeRemote) Status() []toolcache.ServerStatus { return f.status }

func (f *fakeRemote) Invalidate(name, _ string) { f.invalidated = append(f.invalidated, name) }

func TestCrudMCPServer(t *testing.T) {
	s := newTestStore(t)
	remote := &fakeRemote{status: []toolcache.ServerStatus{{Name: "files", State: "cooling_down", LastError: "refused"}}}
	r := NewRegistry()
	RegisterMCPTools(r, s, remote)
	ctx := chatCtx("c1", "u1")

	mustInvoke(t, ctx, r, "crud_mcp_server", `{"action":"create","name":"files","command":"mcp-files","args":["--root","/srv"]}`)
	mustInvoke(t, ctx, r, "crud_mcp_server", `{"action":"create","name":"search","url":"https://mcp.example.com/","headers":{"Authorization":"Bearer secret"}}`)

	srv, err := s.GetServer(ctx, "files")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if srv.Transport != mcp.TransportStdio || srv.CreatedBy != CreatedByAgent || !srv.Enabled {
		t.Errorf("files = %+v", srv)
	}
	web, _ := s.GetServer(ctx, "search")
	if web.Transport != mcp.TransportHTTP {
		t.Errorf("search transport = %q", web.Transport)
	}

	if _, err := invoke(t, ctx, r, "crud_mcp_server", `{"action":"create","name":"files","command":"x"}`); !apperr.IsValidation(err) {
		t.Errorf("duplicate create: %v", err)
	}

	list := mustInvoke(t, ctx, r, "crud_mcp_server", `{"action":"list"}`)
	if strings.Contains(list, "secret") {
		t.Errorf("list leaks header value: %s", list)
	}
	if !strings.Contains(list, `"Authorization"`) || !strings.Contains(list, `"state":"cooling_down"`) {
		t.Errorf("list = %s", list)
	}

	mustInvoke(t, ctx, r, "crud_mcp_server", `{"action":"update","name":"files","url":"localhost:9000","enabled":false}`)
	srv, _ = s.GetServer(ctx, "files")
	if srv.Transport != mcp.TransportTCP || srv.Enabled {
		t.Errorf("after update = %+v", srv)
	}

	if got := mustInvoke(t, ctx, r, "crud_mcp_server", `{"action":"delete","name":"files"}`); !strings.HasPrefix(got, "Deleted") {
		t.Errorf("delete = %q", got)
	}
	if got := mustInvoke(t, ctx, r, "crud_mcp_server", `{"action":"read","name":"files"}`); !strings.Contains(got, "not found") {
		t.Errorf("read after delete = %q", got)
	}

	for _, args := range []string{
		`{"action":"rename","name":"x"}`,
		`{"action":"read"}`,
		`{"action":"create","name":"bad name!","command":"x"}`,
		`{"action":"create","name":"nothing"}`,
	} {
		if _, err := invoke(t, ctx, r, "crud_mcp_server", args); !apperr.IsValidation(err) {
			t.Errorf("crud_mcp_server(%s) error = %v, want validation error", args, err)
		}
	}
}

func TestMCPListToolsAndCall(t *testing.T) {
	remote := &fakeRemote{tools: map[string][]mcp.ToolDefinition{
		"files": {{Name: "read_file", Description: "Read a file"}},
	}}
	r := NewRegistry()
	RegisterMCPTools(r, newTestStore(t), remote)
	ctx := chatCtx("c1", "u1")

	out := mustInvoke(t, ctx, r, "mcp_list_tools", `{"server":"files"}`)
	if !strings.Contains(out, `"exposed_as":"mcp__files__read_file"`) {
		t.Errorf("mcp_list_tools = %s", out)
	}
	if _, err := invoke(t, ctx, r, "mcp_list_tools", `{"server":"ghost"}`); err == nil {
		t.Error("unknown server should fail")
	}

	if got := mustInvoke(t, ctx, r, "mcp_call", `{"server":"files","tool":"read_file","arguments":{"path":"a"}}`); got != "called read_file" {
		t.Errorf("mcp_call = %q", got)
	}
	if len(remote.calls) != 1 || remote.calls[0] != "files/read_file" {
		t.Errorf("calls = %v", remote.calls)
	}
}

func TestMCPListTools_SchemaRefreshAndAllServers(t *testing.T) {
	remote := &fakeRemote{tools: map[string][]mcp.ToolDefinition{
		"files": {{
			Name: "read_file",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"$ref": "#/$defs/Path"}},
				"$defs":      map[string]any{"Path": map[string]any{"type": "string"}},
			},
		}},
	}}
	s := newTestStore(t)
	r := NewRegistry()
	RegisterMCPTools(r, s, remote)
	ctx := chatCtx("c1", "u1")

	out := mustInvoke(t, ctx, r, "mcp_list_tools", `{"server":"files"}`)
	if !strings.Contains(out, `"input_schema":{"properties":{"path":{"type":"string"}},"type":"object"}`) {
		t.Errorf("schema not inlined: %s", out)
	}
	if len(remote.invalidated) != 0 {
		t.Errorf("invalidated without refresh: %v", remote.invalidated)
	}

	mustInvoke(t, ctx, r, "mcp_list_tools", `{"server":"files","refresh":true}`)
	if len(remote.invalidated) != 1 || remote.invalidated[0] != "files" {
		t.Errorf("refresh invalidated %v", remote.invalidated)
	}

	mustInvoke(t, ctx, r, "crud_mcp_server", `{"action":"create","name":"files","command":"mcp-files"}`)
	mustInvoke(t, ctx, r, "crud_mcp_server", `{"action":"create","name":"broken","command":"mcp-broken"}`)
	mustInvoke(t, ctx, r, "crud_mcp_server", `{"action":"create","name":"off","command":"mcp-off","enabled":false}`)

	out = mustInvoke(t, ctx, r, "mcp_list_tools", `{}`)
	if !strings.Contains(out, `"exposed_as":"mcp__files__read_file"`) {
		t.Errorf("all servers missing files tools: %s", out)
	}
	if !strings.Contains(out, `"server":"broken","tools":null,"error":`) {
		t.Errorf("failing server not reported inline: %s", out)
	}
	if strings.Contains(out, `"server":"off"`) {
		t.Errorf("disabled server listed: %s", out)
	}
}
