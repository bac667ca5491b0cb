// Package dispatch executes the tool calls requested by the model.
// Each call resolves to a local tool or a remote tool server tool, runs
// under its own timeout, and leaves exactly one audit record whatever
// the outcome. Failures are returned as results, never as Go errors, so
// the model sees them and the turn continues.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/events"
	"github.com/nugget/astarte-agent/internal/llm"
	"github.com/nugget/astarte-agent/internal/mcp"
	"github.com/nugget/astarte-agent/internal/metrics"
	"github.com/nugget/astarte-agent/internal/sandbox"
	"github.com/nugget/astarte-agent/internal/store"
	"github.com/nugget/astarte-agent/internal/toolcache"
	"github.com/nugget/astarte-agent/internal/tools"
)

var tracer = otel.Tracer("astarte.dispatch")

// Outcomes recorded in metrics and events.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeValidation  = "validation"
	OutcomeUnavailable = "unavailable"
	OutcomeUnknown     = "unknown"
	OutcomeTimeout     = "timeout"
	OutcomeCancelled   = "cancelled"
)

const (
	defaultCallTimeout = 60 * time.Second
	defaultMaxOutput   = 30000
	// parallelCalls bounds the tool calls of one model round that run
	// at once.
	parallelCalls = 4
)

// LocalTools is the registry of built-in tools.
type LocalTools interface {
	Get(name string) *tools.Tool
	Specs() []llm.ToolSpec
}

// RemoteTools is the tool server cache.
type RemoteTools interface {
	Tools(ctx context.Context) ([]toolcache.RemoteTool, error)
	Lookup(exposed string) (server, tool string, ok bool)
	Call(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

// AuditLog receives one record per invocation.
type AuditLog interface {
	AppendToolCallRecord(ctx context.Context, rec *store.ToolCallRecord) error
}

// Config configures an Engine.
type Config struct {
	Local  LocalTools
	Remote RemoteTools // optional
	Audit  AuditLog
	Bus    *events.Bus
	// CallTimeout bounds one invocation. Zero means 60s.
	CallTimeout time.Duration
	// MaxOutput bounds the characters of a result passed to the model.
	MaxOutput int
	Logger    *slog.Logger
}

// Engine is the Tool Dispatch Engine.
type Engine struct {
	local       LocalTools
	remote      RemoteTools
	audit       AuditLog
	bus         *events.Bus
	callTimeout time.Duration
	maxOutput   int
	logger      *slog.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	return &Engine{
		local:       cfg.Local,
		remote:      cfg.Remote,
		audit:       cfg.Audit,
		bus:         cfg.Bus,
		callTimeout: timeout,
		maxOutput:   maxOutput,
		logger:      logger.With("component", "dispatch"),
	}
}

// Specs returns the schema of every callable tool: local tools followed
// by the tools of every reachable server. Unreachable servers are left
// out for this round; local tools are always offered.
func (e *Engine) Specs(ctx context.Context) []llm.ToolSpec {
	specs := e.local.Specs()
	if e.remote == nil {
		return specs
	}
	remote, err := e.remote.Tools(ctx)
	if err != nil {
		e.logger.Warn("remote tools unavailable this round", "error", err)
		return specs
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		seen[s.Name] = true
	}
	for _, rt := range remote {
		if seen[rt.Name] {
			continue
		}
		desc := rt.Description
		if desc == "" {
			desc = fmt.Sprintf("Tool %s from server %s.", rt.Tool, rt.Server)
		}
		specs = append(specs, llm.ToolSpec{Name: rt.Name, Description: desc, Parameters: rt.Schema})
	}
	return specs
}

// Result is the outcome of one tool call.
type Result struct {
	CallID   string
	Tool     string
	Args     string
	Output   string
	Err      error
	Outcome  string
	Duration time.Duration
}

// Content is the text returned to the model in the tool-role message.
func (r Result) Content() string {
	if r.Err == nil {
		return r.Output
	}
	return "Error: " + r.Err.Error()
}

// ExecuteAll runs calls concurrently and returns their results in call
// order. It never fails; cancellation shows up in each result.
func (e *Engine) ExecuteAll(ctx context.Context, calls []llm.ToolCall) []Result {
	results := make([]Result, len(calls))
	var g errgroup.Group
	g.SetLimit(parallelCalls)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Execute runs one tool call.
func (e *Engine) Execute(ctx context.Context, call llm.ToolCall) Result {
	name := call.Function.Name
	args := strings.TrimSpace(call.Function.Arguments)
	if args == "" {
		args = "{}"
	}
	meta := tools.CallFrom(ctx)

	ctx, span := tracer.Start(ctx, "dispatch.Execute",
		trace.WithAttributes(
			attribute.String("tool.name", name),
			attribute.String("request.id", meta.RequestID),
		),
	)
	defer span.End()

	e.bus.Publish(events.Event{
		Source: events.SourceDispatch,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"request_id": meta.RequestID, "tool": name},
	})

	timeout := e.timeoutFor(name)
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	output, err := e.run(callCtx, name, json.RawMessage(args))
	cancel()

	res := Result{
		CallID:   call.ID,
		Tool:     name,
		Args:     args,
		Output:   output,
		Err:      err,
		Duration: time.Since(start),
	}
	res.Outcome = e.classify(ctx, callCtx, err)
	if res.Outcome == OutcomeTimeout {
		res.Err = fmt.Errorf("tool %s timed out after %s", name, timeout)
	}
	if err == nil {
		res.Output = sandbox.Truncate(output, e.maxOutput)
	}

	e.record(ctx, meta, res)

	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Outcome)
	}
	span.SetAttributes(attribute.String("tool.outcome", res.Outcome))

	metrics.ToolCalls.WithLabelValues(metricName(name), res.Outcome).Inc()
	metrics.ToolDuration.WithLabelValues(metricName(name)).Observe(res.Duration.Seconds())

	e.bus.Publish(events.Event{
		Source: events.SourceDispatch,
		Kind:   events.KindToolDone,
		Data: map[string]any{
			"request_id":  meta.RequestID,
			"tool":        name,
			"ok":          res.Err == nil,
			"outcome":     res.Outcome,
			"duration_ms": res.Duration.Milliseconds(),
		},
	})

	logArgs := []any{"tool", name, "outcome", res.Outcome, "duration", res.Duration.Round(time.Millisecond), "request_id", meta.RequestID}
	if res.Err != nil {
		e.logger.Info("tool call failed", append(logArgs, "error", res.Err)...)
	} else {
		e.logger.Debug("tool call completed", append(logArgs, "output_len", len(res.Output))...)
	}
	return res
}

// timeoutFor returns the deadline for one call of name.
func (e *Engine) timeoutFor(name string) time.Duration {
	if t := e.local.Get(name); t != nil && t.Timeout > 0 {
		return t.Timeout
	}
	return e.callTimeout
}

// run resolves name and invokes it. Handler panics become errors.
func (e *Engine) run(ctx context.Context, name string, args json.RawMessage) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("tool handler panicked", "tool", name, "panic", p)
			out, err = "", fmt.Errorf("tool %s failed: internal error", name)
		}
	}()

	if t := e.local.Get(name); t != nil {
		return t.Handler(ctx, args)
	}

	server, tool, ok := e.lookupRemote(ctx, name)
	if !ok {
		return "", &tools.ErrToolUnavailable{ToolName: name}
	}
	var params map[string]any
	if err := json.Unmarshal(args, &params); err != nil {
		return "", apperr.Invalid("arguments", "must be a JSON object: %v", err)
	}
	return e.remote.Call(ctx, server, tool, params)
}

// lookupRemote maps an exposed name to its server. A miss refreshes the
// routes once, since a server added this turn is not yet known.
func (e *Engine) lookupRemote(ctx context.Context, name string) (string, string, bool) {
	if e.remote == nil || !strings.HasPrefix(name, mcp.ToolPrefix) {
		return "", "", false
	}
	if server, tool, ok := e.remote.Lookup(name); ok {
		return server, tool, true
	}
	if _, err := e.remote.Tools(ctx); err != nil {
		return "", "", false
	}
	return e.remote.Lookup(name)
}

// classify names the outcome of a call. callCtx is the per-call
// context, parent the one it was derived from.
func (e *Engine) classify(parent, callCtx context.Context, err error) string {
	var unknown *tools.ErrToolUnavailable
	switch {
	case err == nil:
		return OutcomeOK
	case parent.Err() != nil:
		return OutcomeCancelled
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return OutcomeTimeout
	case apperr.IsValidation(err):
		return OutcomeValidation
	case apperr.IsUnavailable(err), errors.Is(err, toolcache.ErrUnknownServer):
		return OutcomeUnavailable
	case errors.As(err, &unknown):
		return OutcomeUnknown
	}
	return OutcomeError
}

// record appends the audit entry. It runs even when the turn was
// cancelled; a failed write is logged and does not change the result.
func (e *Engine) record(ctx context.Context, meta tools.Call, res Result) {
	if e.audit == nil {
		return
	}
	rec := &store.ToolCallRecord{
		TurnID:   meta.TurnID,
		Chat:     meta.Chat,
		ToolName: res.Tool,
		Input:    res.Args,
		Output:   res.Output,
		Latency:  res.Duration,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.audit.AppendToolCallRecord(auditCtx, rec); err != nil {
		e.logger.Warn("failed to write tool call record", "tool", res.Tool, "error", err)
	}
}

// metricName keeps remote tool labels bounded to their server.
func metricName(name string) string {
	if rest, ok := strings.CutPrefix(name, mcp.ToolPrefix); ok {
		server, _, _ := strings.Cut(rest, "__")
		return mcp.ToolPrefix + server
	}
	return name
}
