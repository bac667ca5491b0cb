// Package toolcache keeps at most one live connection per configured
// MCP server. A resolution that finds a connected, current handle
// returns it and its tool list without touching the network.
// Configuration events invalidate an entry immediately; a failed
// connect puts the server into a cooldown during which resolutions fail
// fast with *apperr.UnavailableError.
package toolcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/events"
	"github.com/nugget/astarte-agent/internal/mcp"
	"github.com/nugget/astarte-agent/internal/metrics"
	"github.com/nugget/astarte-agent/internal/store"
)

// ErrUnknownServer is returned for a server that is not configured or
// is disabled.
var ErrUnknownServer = errors.New("unknown or disabled tool server")

// maxStaleRetries bounds how often one resolution reconnects because
// the configuration changed while it was connecting.
const maxStaleRetries = 3

// ServerSource supplies the current server definitions.
type ServerSource interface {
	GetServer(ctx context.Context, name string) (*store.Server, error)
	ListServers(ctx context.Context, enabledOnly bool) ([]store.Server, error)
}

// Conn is a live connection to one server. *mcp.Client satisfies it.
type Conn interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Dialer opens a connection and lists the server's tools.
type Dialer func(ctx context.Context, spec mcp.ServerSpec) (Conn, []mcp.ToolDefinition, error)

// Config configures a Cache.
type Config struct {
	Source ServerSource
	// Bus delivers configuration events. May be nil in tests that call
	// Invalidate directly.
	Bus            *events.Bus
	Cooldown       time.Duration
	ConnectTimeout time.Duration
	// Dial defaults to mcp.Connect.
	Dial   Dialer
	Now    func() time.Time
	Logger *slog.Logger
}

// Resolved is a usable handle and its tool list.
type Resolved struct {
	Server string
	Conn   Conn
	Tools  []mcp.ToolDefinition
}

// RemoteTool is one remote tool as exposed to the model.
type RemoteTool struct {
	Name        string // mcp__{server}__{tool}
	Server      string
	Tool        string
	Description string
	Schema      map[string]any
}

type route struct {
	server, tool string
}

// Cache is the tool server connection cache.
type Cache struct {
	source   ServerSource
	bus      *events.Bus
	cooldown time.Duration
	dial     Dialer
	now      func() time.Time
	logger   *slog.Logger

	entries sync.Map // server name -> *entry

	routesMu sync.RWMutex
	routes   map[string]route

	closers   sync.WaitGroup
	unsubConf func()
}

// New creates a cache and, when cfg.Bus is set, subscribes it to
// configuration events.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "toolcache")

	c := &Cache{
		source:   cfg.Source,
		bus:      cfg.Bus,
		cooldown: cfg.Cooldown,
		dial:     cfg.Dial,
		now:      cfg.Now,
		logger:   logger,
		routes:   make(map[string]route),
	}
	if c.cooldown <= 0 {
		c.cooldown = 5 * time.Minute
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.dial == nil {
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.dial = func(ctx context.Context, spec mcp.ServerSpec) (Conn, []mcp.ToolDefinition, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			client, tools, err := mcp.Connect(ctx, spec, timeout, logger)
			if err != nil {
				return nil, nil, err
			}
			return client, tools, nil
		}
	}
	if c.bus != nil {
		c.unsubConf = c.bus.Handle(events.SourceConfig, c.onConfigEvent)
	}
	return c
}

func (c *Cache) onConfigEvent(e events.Event) {
	name, _ := e.Data["server"].(string)
	if name == "" {
		return
	}
	switch e.Kind {
	case events.KindServerAdded, events.KindServerEdited, events.KindServerRemoved, events.KindServerDisabled:
		c.Invalidate(name, e.Kind)
	}
}

func (c *Cache) entry(name string) *entry {
	if e, ok := c.entries.Load(name); ok {
		return e.(*entry)
	}
	e, _ := c.entries.LoadOrStore(name, &entry{})
	return e.(*entry)
}

// Invalidate marks the server's handle stale, drops its tool list and
// closes the old connection. A connect in flight for the server will
// discard its result.
func (c *Cache) Invalidate(name, reason string) {
	e := c.entry(name)
	old := e.invalidate()
	c.logger.Info("tool server invalidated", "server", name, "reason", reason, "had_connection", old != nil)
	if old != nil {
		c.closeAsync(name, old)
	}
}

// closeAsync closes conn without blocking the caller, which may be a
// configuration write waiting in Publish.
func (c *Cache) closeAsync(name string, conn Conn) {
	c.closers.Add(1)
	go func() {
		defer c.closers.Done()
		if err := conn.Close(); err != nil {
			c.logger.Debug("closing tool server connection failed", "server", name, "error", err)
		}
	}()
}

// Resolve returns a usable handle for the named server, connecting if
// needed. During a cooldown it returns *apperr.UnavailableError without
// dialing.
func (c *Cache) Resolve(ctx context.Context, name string) (*Resolved, error) {
	e := c.entry(name)

	for stale := 0; ; {
		e.mu.Lock()
		if r := e.cached(name); r != nil {
			e.mu.Unlock()
			metrics.CacheResolutions.WithLabelValues("hit").Inc()
			return r, nil
		}
		if until, ok := e.coolingUntil(c.now()); ok {
			cause := e.lastErr
			e.mu.Unlock()
			metrics.CacheResolutions.WithLabelValues("cooling_down").Inc()
			return nil, &apperr.UnavailableError{Server: name, Until: until, Cause: cause}
		}
		if wait := e.connecting; wait != nil {
			e.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		gen := e.gen
		done := make(chan struct{})
		e.connecting = done
		e.mu.Unlock()

		conn, tools, err := c.connect(ctx, name)

		e.mu.Lock()
		e.connecting = nil
		close(done)
		if gen != e.gen {
			e.mu.Unlock()
			if conn != nil {
				c.closeAsync(name, conn)
			}
			stale++
			if stale >= maxStaleRetries {
				return nil, fmt.Errorf("tool server %s: configuration kept changing during connect", name)
			}
			c.logger.Debug("discarding connection made with stale configuration", "server", name)
			continue
		}
		if err != nil {
			r, rerr := c.recordFailure(ctx, e, name, err)
			e.mu.Unlock()
			return r, rerr
		}
		e.setConnected(conn, tools, c.now())
		r := e.cached(name)
		e.mu.Unlock()

		metrics.CacheResolutions.WithLabelValues("connected").Inc()
		c.logger.Info("tool server connected", "server", name, "tools", len(tools))
		c.bus.Publish(events.Event{
			Source: events.SourceToolCache,
			Kind:   events.KindServerConnected,
			Data:   map[string]any{"server": name, "tools": len(tools)},
		})
		return r, nil
	}
}

// recordFailure handles a failed connect. Caller holds e.mu.
func (c *Cache) recordFailure(ctx context.Context, e *entry, name string, err error) (*Resolved, error) {
	if errors.Is(err, ErrUnknownServer) {
		metrics.CacheResolutions.WithLabelValues("failed").Inc()
		return nil, err
	}
	if ctx.Err() != nil {
		// The caller gave up. That says nothing about the server.
		return nil, ctx.Err()
	}
	now := c.now()
	e.setCoolingDown(now, c.cooldown, err)
	until := now.Add(c.cooldown)
	metrics.CacheResolutions.WithLabelValues("failed").Inc()
	c.logger.Warn("tool server connect failed, cooling down",
		"server", name, "until", until, "consecutive_failures", e.failures, "error", err)
	c.bus.Publish(events.Event{
		Source: events.SourceToolCache,
		Kind:   events.KindServerCoolingDown,
		Data:   map[string]any{"server": name, "until": until, "error": err.Error()},
	})
	return nil, fmt.Errorf("connect tool server %s: %w", name, err)
}

func (c *Cache) connect(ctx context.Context, name string) (Conn, []mcp.ToolDefinition, error) {
	srv, err := c.source.GetServer(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%s: %w", name, ErrUnknownServer)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load server %s: %w", name, err)
	}
	if !srv.Enabled {
		return nil, nil, fmt.Errorf("%s: %w", name, ErrUnknownServer)
	}
	return c.dial(ctx, srv.ServerSpec)
}

// Call invokes a tool on the named server. A failure other than a tool
// error or cancellation drops the handle so the next call reconnects.
func (c *Cache) Call(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	r, err := c.Resolve(ctx, server)
	if err != nil {
		return "", err
	}
	out, err := r.Conn.CallTool(ctx, tool, args)
	if err == nil {
		return out, nil
	}
	var toolErr *mcp.ToolError
	if !errors.As(err, &toolErr) && ctx.Err() == nil {
		if c.entry(server).drop(r.Conn) {
			c.logger.Warn("dropping tool server connection after call failure", "server", server, "error", err)
			c.closeAsync(server, r.Conn)
		}
	}
	return "", err
}

// Tools resolves every enabled server in parallel and returns their
// tools named for the model, sorted by name. Servers that fail or are
// cooling down are skipped. The exposed names are remembered for
// Lookup.
func (c *Cache) Tools(ctx context.Context) ([]RemoteTool, error) {
	servers, err := c.source.ListServers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list tool servers: %w", err)
	}

	results := make([]*Resolved, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, srv := range servers {
		g.Go(func() error {
			r, err := c.Resolve(gctx, srv.Name)
			if err != nil {
				c.logger.Debug("tool server skipped", "server", srv.Name, "error", err)
				return nil
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	routes := make(map[string]route)
	var out []RemoteTool
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, def := range r.Tools {
			name := mcp.ToolName(r.Server, def.Name)
			if prev, dup := routes[name]; dup {
				c.logger.Warn("remote tool name collision, keeping first",
					"name", name, "kept", prev.server+"/"+prev.tool, "dropped", r.Server+"/"+def.Name)
				continue
			}
			routes[name] = route{server: r.Server, tool: def.Name}
			out = append(out, RemoteTool{
				Name:        name,
				Server:      r.Server,
				Tool:        def.Name,
				Description: def.Description,
				Schema:      mcp.InlineRefs(def.InputSchema),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	c.routesMu.Lock()
	c.routes = routes
	c.routesMu.Unlock()
	return out, nil
}

// Lookup maps an exposed tool name back to its server and tool, as of
// the last Tools call.
func (c *Cache) Lookup(exposed string) (server, tool string, ok bool) {
	c.routesMu.RLock()
	defer c.routesMu.RUnlock()
	r, ok := c.routes[exposed]
	return r.server, r.tool, ok
}

// ServerStatus describes one cache entry.
type ServerStatus struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Tools       int       `json:"tools"`
	LastConnect time.Time `json:"last_connect,omitzero"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	Failures    int       `json:"consecutive_failures,omitempty"`
}

// Status reports every entry the cache has seen, sorted by name.
func (c *Cache) Status() []ServerStatus {
	var out []ServerStatus
	c.entries.Range(func(k, v any) bool {
		out = append(out, v.(*entry).status(k.(string), c.now()))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close unsubscribes from configuration events and closes every
// connection.
func (c *Cache) Close() error {
	if c.unsubConf != nil {
		c.unsubConf()
	}
	c.entries.Range(func(k, v any) bool {
		if conn := v.(*entry).invalidate(); conn != nil {
			c.closeAsync(k.(string), conn)
		}
		return true
	})
	c.closers.Wait()
	return nil
}
