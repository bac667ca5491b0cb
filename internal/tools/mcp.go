package tools

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/config"
	"github.com/nugget/astarte-agent/internal/mcp"
	"github.com/nugget/astarte-agent/internal/store"
	"github.com/nugget/astarte-agent/internal/toolcache"
)

// CreatedByAgent marks servers the model registered.
const CreatedByAgent = "agent"

// ServerStore persists tool server definitions.
type ServerStore interface {
	GetServer(ctx context.Context, name string) (*store.Server, error)
	ListServers(ctx context.Context, enabledOnly bool) ([]store.Server, error)
	CreateServer(ctx context.Context, srv store.Server) error
	UpdateServer(ctx context.Context, srv store.Server) error
	DeleteServer(ctx context.Context, name string) error
}

// RemoteTools reaches tool servers through the connection cache.
type RemoteTools interface {
	Resolve(ctx context.Context, name string) (*toolcache.Resolved, error)
	Call(ctx context.Context, server, tool string, args map[string]any) (string, error)
	Status() []toolcache.ServerStatus
	Invalidate(name, reason string)
}

type crudServerArgs struct {
	Action      string            `json:"action" validate:"required,oneof=create read list update delete"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Transport   string            `json:"transport" validate:"omitempty,oneof=stdio http tcp"`
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	URL         string            `json:"url"`
	Env         []string          `json:"env"`
	Headers     map[string]string `json:"headers"`
	Enabled     *bool             `json:"enabled"`
}

type listToolsArgs struct {
	Server  string `json:"server"`
	Refresh bool   `json:"refresh"`
}

// toolView is one remote tool as listed to the model.
type toolView struct {
	Name        string         `json:"name"`
	Exposed     string         `json:"exposed_as"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// serverTools is one server's entry in an mcp_list_tools result.
type serverTools struct {
	Server string     `json:"server"`
	Tools  []toolView `json:"tools"`
	Error  string     `json:"error,omitempty"`
}

// listServerTools resolves one server, reconnecting first when refresh
// is set.
func listServerTools(ctx context.Context, remote RemoteTools, name string, refresh bool) (serverTools, error) {
	if refresh {
		remote.Invalidate(name, "refresh requested")
	}
	res, err := remote.Resolve(ctx, name)
	if err != nil {
		return serverTools{Server: name}, err
	}
	out := serverTools{Server: res.Server, Tools: make([]toolView, len(res.Tools))}
	for i, t := range res.Tools {
		out.Tools[i] = toolView{
			Name:        t.Name,
			Exposed:     mcp.ToolName(res.Server, t.Name),
			Description: t.Description,
			InputSchema: mcp.InlineRefs(t.InputSchema),
		}
	}
	return out, nil
}

type mcpCallArgs struct {
	Server    string         `json:"server" validate:"required"`
	Tool      string         `json:"tool" validate:"required"`
	Arguments map[string]any `json:"arguments"`
}

// serverView is a definition as shown to the model. Header values are
// hidden since they usually carry credentials.
type serverView struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Transport   string   `json:"transport"`
	Command     string   `json:"command,omitempty"`
	Args        []string `json:"args,omitempty"`
	URL         string   `json:"url,omitempty"`
	Headers     []string `json:"headers,omitempty"`
	Enabled     bool     `json:"enabled"`
	CreatedBy   string   `json:"created_by,omitempty"`
	State       string   `json:"state,omitempty"`
	LastError   string   `json:"last_error,omitempty"`
}

func viewServer(srv store.Server, status map[string]toolcache.ServerStatus) serverView {
	v := serverView{
		Name:        srv.Name,
		Description: srv.Description,
		Transport:   srv.Transport,
		Command:     srv.Command,
		Args:        srv.Args,
		URL:         srv.URL,
		Enabled:     srv.Enabled,
		CreatedBy:   srv.CreatedBy,
	}
	if len(srv.Headers) > 0 {
		v.Headers = slices.Sorted(maps.Keys(srv.Headers))
	}
	if st, ok := status[srv.Name]; ok {
		v.State = st.State
		v.LastError = st.LastError
	}
	return v
}

// RegisterMCPTools adds the tools that manage and reach tool servers.
func RegisterMCPTools(r *Registry, servers ServerStore, remote RemoteTools) {
	r.Register(&Tool{
		Name: "crud_mcp_server",
		Description: "Manage MCP tool servers. action: create, read, list, update or delete. " +
			"For create, give either command (+args) for a local process or url for a remote server; the transport is inferred. " +
			"Changes take effect on the next turn.",
		Parameters: schema(map[string]any{
			"action":      map[string]any{"type": "string", "enum": []string{"create", "read", "list", "update", "delete"}},
			"name":        prop("string", "Server name (letters, digits, '-' and '_')."),
			"description": prop("string", "What the server is for."),
			"transport":   map[string]any{"type": "string", "enum": []string{"stdio", "http", "tcp"}, "description": "Usually inferred."},
			"command":     prop("string", "Executable for a stdio server."),
			"args":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"url":         prop("string", "http(s) URL or host:port for a tcp server."),
			"env":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "KEY=VALUE entries."},
			"headers":     map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
			"enabled":     prop("boolean", "Whether the server is used (default true)."),
		}, "action"),
		Handler: Typed(func(ctx context.Context, in crudServerArgs) (string, error) {
			return crudServer(ctx, servers, remote, in)
		}),
	})

	r.Register(&Tool{
		Name: "mcp_list_tools",
		Description: "List the tools a tool server offers, with the input schema mcp_call expects. " +
			"Omit server to list every enabled server. Set refresh to reconnect and fetch the list again.",
		Parameters: schema(map[string]any{
			"server":  prop("string", "Server name. Omit for all enabled servers."),
			"refresh": prop("boolean", "Reconnect before listing (default false)."),
		}),
		Handler: Typed(func(ctx context.Context, in listToolsArgs) (string, error) {
			if in.Server != "" {
				out, err := listServerTools(ctx, remote, in.Server, in.Refresh)
				if err != nil {
					return "", err
				}
				return jsonResult(out)
			}

			defs, err := servers.ListServers(ctx, true)
			if err != nil {
				return "", err
			}
			all := make([]serverTools, 0, len(defs))
			for _, srv := range defs {
				out, err := listServerTools(ctx, remote, srv.Name, in.Refresh)
				if err != nil {
					if ctx.Err() != nil {
						return "", ctx.Err()
					}
					out.Error = err.Error()
				}
				all = append(all, out)
			}
			return jsonResult(map[string]any{"servers": all})
		}),
	})

	r.Register(&Tool{
		Name:        "mcp_call",
		Description: "Call a tool on a tool server by its original name.",
		Parameters: schema(map[string]any{
			"server":    prop("string", "Server name."),
			"tool":      prop("string", "Tool name as listed by mcp_list_tools."),
			"arguments": map[string]any{"type": "object", "description": "Tool arguments."},
		}, "server", "tool"),
		Handler: Typed(func(ctx context.Context, in mcpCallArgs) (string, error) {
			return remote.Call(ctx, in.Server, in.Tool, in.Arguments)
		}),
	})
}

func crudServer(ctx context.Context, servers ServerStore, remote RemoteTools, in crudServerArgs) (string, error) {
	status := make(map[string]toolcache.ServerStatus)
	for _, st := range remote.Status() {
		status[st.Name] = st
	}

	if in.Action == "list" {
		all, err := servers.ListServers(ctx, false)
		if err != nil {
			return "", err
		}
		views := make([]serverView, len(all))
		for i, srv := range all {
			views[i] = viewServer(srv, status)
		}
		return jsonResult(map[string]any{"count": len(views), "servers": views})
	}

	if strings.TrimSpace(in.Name) == "" {
		return "", apperr.Invalid("name", "is required for %s", in.Action)
	}

	switch in.Action {
	case "create":
		transport := in.Transport
		if transport == "" {
			transport = config.InferTransport(in.Command, in.URL)
		}
		srv := store.Server{
			ServerSpec: mcp.ServerSpec{
				Name:      in.Name,
				Transport: transport,
				URL:       in.URL,
				Command:   in.Command,
				Args:      in.Args,
				Env:       in.Env,
				Headers:   in.Headers,
			},
			Description: in.Description,
			Enabled:     in.Enabled == nil || *in.Enabled,
			CreatedBy:   CreatedByAgent,
		}
		if err := servers.CreateServer(ctx, srv); err != nil {
			if errors.Is(err, store.ErrServerExists) {
				return "", apperr.Invalid("name", "server %q already exists; use update", in.Name)
			}
			return "", err
		}
		return fmt.Sprintf("Created tool server %s (%s).", srv.Name, srv.Transport), nil

	case "read":
		srv, err := servers.GetServer(ctx, in.Name)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("Tool server %s not found.", in.Name), nil
		}
		if err != nil {
			return "", err
		}
		return jsonResult(viewServer(*srv, status))

	case "update":
		srv, err := servers.GetServer(ctx, in.Name)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("Tool server %s not found.", in.Name), nil
		}
		if err != nil {
			return "", err
		}
		applyUpdate(srv, in)
		if err := servers.UpdateServer(ctx, *srv); err != nil {
			return "", err
		}
		return fmt.Sprintf("Updated tool server %s.", srv.Name), nil

	default: // delete
		err := servers.DeleteServer(ctx, in.Name)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("Tool server %s not found.", in.Name), nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Deleted tool server %s.", in.Name), nil
	}
}

// applyUpdate overlays the fields present in in. Changing command or
// url without a transport re-infers it.
func applyUpdate(srv *store.Server, in crudServerArgs) {
	if in.Description != "" {
		srv.Description = in.Description
	}
	if in.Command != "" {
		srv.Command = in.Command
	}
	if in.URL != "" {
		srv.URL = in.URL
	}
	if in.Args != nil {
		srv.Args = in.Args
	}
	if in.Env != nil {
		srv.Env = in.Env
	}
	if in.Headers != nil {
		srv.Headers = in.Headers
	}
	if in.Enabled != nil {
		srv.Enabled = *in.Enabled
	}
	switch {
	case in.Transport != "":
		srv.Transport = in.Transport
	case in.Command != "" || in.URL != "":
		if t := config.InferTransport(in.Command, in.URL); t != "" {
			srv.Transport = t
		}
	}
}
