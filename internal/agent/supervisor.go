package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nugget/astarte-agent/internal/dispatch"
	"github.com/nugget/astarte-agent/internal/events"
	"github.com/nugget/astarte-agent/internal/llm"
	"github.com/nugget/astarte-agent/internal/metrics"
	"github.com/nugget/astarte-agent/internal/store"
	"github.com/nugget/astarte-agent/internal/tools"
)

var tracer = otel.Tracer("astarte.agent")

// emptyResponseNudge is sent once when the model answers with neither
// text nor tool calls.
const emptyResponseNudge = "You returned an empty response. Please answer the user's last message."

// State is a step of the tool loop.
type State int

// Tool loop states.
const (
	StateAwaitingModel State = iota
	StateExecutingTools
	StateDone
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Dispatcher executes tool calls.
type Dispatcher interface {
	Specs(ctx context.Context) []llm.ToolSpec
	ExecuteAll(ctx context.Context, calls []llm.ToolCall) []dispatch.Result
}

// UsageRecorder persists per-round token usage.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec *store.UsageRecord) error
}

// RetryPolicy bounds retries of transient backend failures.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Backoff returns the wait before retry number attempt (1-based):
// BaseDelay doubled per attempt, capped at MaxDelay, with the upper
// half randomized.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half)
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Client    llm.Client
	Tools     Dispatcher
	Model     string
	MaxRounds int
	Retry     RetryPolicy
	// Limiter throttles completion requests across all chats. Optional.
	Limiter *rate.Limiter
	// Usage receives one record per completed round. Optional.
	Usage  UsageRecorder
	Bus    *events.Bus
	Logger *slog.Logger
}

// Supervisor is the LLM Call Supervisor: it runs the bounded
// model → tools → model loop for one turn.
type Supervisor struct {
	client    llm.Client
	tools     Dispatcher
	model     string
	maxRounds int
	retry     RetryPolicy
	limiter   *rate.Limiter
	usage     UsageRecorder
	bus       *events.Bus
	logger    *slog.Logger
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 30
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = 1
	}
	return &Supervisor{
		client:    cfg.Client,
		tools:     cfg.Tools,
		model:     cfg.Model,
		maxRounds: cfg.MaxRounds,
		retry:     cfg.Retry,
		limiter:   cfg.Limiter,
		usage:     cfg.Usage,
		bus:       cfg.Bus,
		logger:    logger.With("component", "supervisor"),
	}
}

// Outcome is the result of a supervised turn.
type Outcome struct {
	Content      string
	State        State
	Rounds       int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	// Messages holds the assistant and tool messages produced during
	// the loop, in order.
	Messages []llm.Message
}

// Run drives the loop starting from messages until the model answers
// without tool calls. It fails with ErrBoundedLoopExceeded when the
// model still wants tools after MaxRounds tool rounds, with a
// *RepeatedToolError when an identical call fails in two consecutive
// rounds, and with the backend error once retries are exhausted. The
// returned Outcome is non-nil in every case.
func (s *Supervisor) Run(ctx context.Context, messages []llm.Message) (*Outcome, error) {
	out := &Outcome{State: StateAwaitingModel}
	convo := append([]llm.Message(nil), messages...)
	requestID := tools.CallFrom(ctx).RequestID
	nudged := false
	var lastFailures map[string]string

	for {
		switch out.State {
		case StateAwaitingModel:
			resp, err := s.complete(ctx, convo, s.tools.Specs(ctx), out.Rounds)
			if err != nil {
				out.State = StateFailed
				return out, err
			}
			out.InputTokens += resp.InputTokens
			out.OutputTokens += resp.OutputTokens

			msg := resp.Message
			msg.Role = llm.RoleAssistant
			if len(msg.ToolCalls) == 0 {
				if msg.Content == "" && !nudged {
					nudged = true
					s.logger.Warn("empty response from model, nudging", "request_id", requestID, "round", out.Rounds)
					convo = append(convo, llm.Message{Role: llm.RoleUser, Content: emptyResponseNudge})
					continue
				}
				out.Content = msg.Content
				out.Messages = append(out.Messages, msg)
				out.State = StateDone
				continue
			}
			if out.Rounds >= s.maxRounds {
				out.State = StateFailed
				return out, fmt.Errorf("%w (%d rounds)", ErrBoundedLoopExceeded, out.Rounds)
			}
			convo = append(convo, msg)
			out.Messages = append(out.Messages, msg)
			out.State = StateExecutingTools

		case StateExecutingTools:
			calls := convo[len(convo)-1].ToolCalls
			out.Rounds++
			out.ToolCalls += len(calls)

			results := s.tools.ExecuteAll(ctx, calls)
			failures := make(map[string]string)
			for _, r := range results {
				tm := llm.Message{Role: llm.RoleTool, Content: r.Content(), ToolCallID: r.CallID}
				convo = append(convo, tm)
				out.Messages = append(out.Messages, tm)
				if r.Err != nil {
					failures[r.Tool+"\x00"+r.Args] = r.Err.Error()
				}
			}
			if err := ctx.Err(); err != nil {
				out.State = StateFailed
				return out, err
			}
			for key, msg := range failures {
				if prev, ok := lastFailures[key]; ok && prev == msg {
					tool, _, _ := strings.Cut(key, "\x00")
					out.State = StateFailed
					return out, &RepeatedToolError{Tool: tool, Err: msg}
				}
			}
			lastFailures = failures
			out.State = StateAwaitingModel

		case StateDone:
			return out, nil
		}
	}
}

// complete performs one completion with retries. Waits between
// attempts end early when ctx is cancelled.
func (s *Supervisor) complete(ctx context.Context, messages []llm.Message, specs []llm.ToolSpec, round int) (*llm.ChatResponse, error) {
	requestID := tools.CallFrom(ctx).RequestID
	for attempt := 1; ; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		s.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindLLMCall,
			Data:   map[string]any{"request_id": requestID, "round": round, "attempt": attempt, "model": s.model},
		})
		resp, err := s.attempt(ctx, messages, specs, round, attempt)
		if err == nil {
			metrics.LLMAttempts.WithLabelValues("ok").Inc()
			metrics.LLMTokens.WithLabelValues("input").Add(float64(resp.InputTokens))
			metrics.LLMTokens.WithLabelValues("output").Add(float64(resp.OutputTokens))
			s.logger.Info("LLM round complete",
				"request_id", requestID,
				"round", round,
				"model", resp.Model,
				"input_tokens", resp.InputTokens,
				"output_tokens", resp.OutputTokens,
				"tool_calls", len(resp.Message.ToolCalls),
			)
			s.recordUsage(ctx, resp, round)
			s.bus.Publish(events.Event{
				Source: events.SourceAgent,
				Kind:   events.KindLLMResponse,
				Data: map[string]any{
					"request_id": requestID,
					"round":      round,
					"tokens_in":  resp.InputTokens,
					"tokens_out": resp.OutputTokens,
					"tool_calls": len(resp.Message.ToolCalls),
				},
			})
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !llm.IsTransient(err) || attempt >= s.retry.Attempts {
			metrics.LLMAttempts.WithLabelValues("fatal").Inc()
			s.logger.Error("LLM call failed", "request_id", requestID, "attempt", attempt, "error", err)
			return nil, err
		}
		metrics.LLMAttempts.WithLabelValues("retryable").Inc()

		delay := s.retry.Backoff(attempt)
		s.logger.Warn("LLM call failed, retrying",
			"request_id", requestID, "attempt", attempt, "delay", delay, "error", err)
		s.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindLLMRetry,
			Data:   map[string]any{"request_id": requestID, "attempt": attempt, "delay_ms": delay.Milliseconds(), "error": err.Error()},
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Supervisor) attempt(ctx context.Context, messages []llm.Message, specs []llm.ToolSpec, round, attempt int) (*llm.ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.Chat",
		trace.WithAttributes(
			attribute.String("llm.model", s.model),
			attribute.Int("llm.round", round),
			attribute.Int("llm.attempt", attempt),
			attribute.Int("llm.tools", len(specs)),
		),
	)
	defer span.End()

	resp, err := s.client.Chat(ctx, s.model, messages, specs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("llm backend returned no response")
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.InputTokens),
		attribute.Int("llm.output_tokens", resp.OutputTokens),
	)
	return resp, nil
}

// recordUsage stores the round's token counts. Failures are logged and
// never fail the turn.
func (s *Supervisor) recordUsage(ctx context.Context, resp *llm.ChatResponse, round int) {
	if s.usage == nil {
		return
	}
	call := tools.CallFrom(ctx)
	model := resp.Model
	if model == "" {
		model = s.model
	}
	rec := &store.UsageRecord{
		RequestID:    call.RequestID,
		Chat:         call.Chat,
		Model:        model,
		Round:        round,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if err := s.usage.RecordUsage(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("recording token usage failed", "request_id", call.RequestID, "error", err)
	}
}
