package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/events"
	"github.com/nugget/astarte-agent/internal/llm"
	"github.com/nugget/astarte-agent/internal/metrics"
	"github.com/nugget/astarte-agent/internal/store"
	"github.com/nugget/astarte-agent/internal/tools"
)

// BotSender is the sender id of persisted assistant turns.
const BotSender = "bot"

// DefaultSystemPrompt is used when neither configuration nor the
// runtime settings provide one. %s is the bot name.
const DefaultSystemPrompt = "You are %s, a helpful assistant in a group chat. " +
	"Be concise. Use your tools to remember things, look up earlier conversation, and run code when it helps."

// User-facing texts for turns that end without a normal answer.
const (
	incompleteNotice = "I couldn't finish working on that within my step limit, so this answer is incomplete. " +
		"Try asking for something smaller."
	errorNotice = "Sorry, I encountered an error processing your message. Please try again."
)

// Turn outcomes, also used as metric labels.
const (
	OutcomeAnswered     = "answered"
	OutcomeCommand      = "command"
	OutcomeIgnored      = "ignored"
	OutcomeEmpty        = "empty"
	OutcomeFailed       = "failed"
	OutcomeLoopExceeded = "loop_exceeded"
	OutcomeCancelled    = "cancelled"
)

// Gateway is the storage used by the engine.
type Gateway interface {
	HistorySource
	PinnedSource
	AppendTurn(ctx context.Context, t *store.Turn) error
	PurgeChat(ctx context.Context, chat string) (store.PurgeResult, error)
	GetConfigValue(ctx context.Context, key string) (string, error)
}

// TurnRunner drives the model for one assembled prompt.
type TurnRunner interface {
	Run(ctx context.Context, messages []llm.Message) (*Outcome, error)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Gateway   Gateway
	Assembler *Assembler
	Runner    TurnRunner
	// BotName and SystemPrompt may be overridden at runtime through the
	// store's config values.
	BotName      string
	SystemPrompt string
	// BotUsername is matched as "@name" for mentions and "/cmd@name"
	// for commands. Defaults to BotName.
	BotUsername string
	Bus         *events.Bus
	Logger      *slog.Logger
}

// Reply is the engine's answer to one inbound message.
type Reply struct {
	Text      string `json:"text,omitempty"`
	Responded bool   `json:"responded"`
	Outcome   string `json:"outcome"`
	TurnID    string `json:"turn_id,omitempty"`
	ReplyID   string `json:"reply_id,omitempty"`
	Rounds    int    `json:"rounds,omitempty"`
	ToolCalls int    `json:"tool_calls,omitempty"`
}

// Engine serializes turns per chat and runs each through the assembler
// and the runner. Different chats proceed in parallel.
type Engine struct {
	gateway      Gateway
	assembler    *Assembler
	runner       TurnRunner
	botName      string
	systemPrompt string
	botUsername  string
	bus          *events.Bus
	logger       *slog.Logger

	chats sync.Map // chat id -> *chatState
}

// chatState holds the turn slot of one chat and the cancel function
// of the turn occupying it.
type chatState struct {
	slot chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *chatState) acquire(ctx context.Context) error {
	select {
	case c.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *chatState) release() { <-c.slot }

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	username := cfg.BotUsername
	if username == "" {
		username = cfg.BotName
	}
	return &Engine{
		gateway:      cfg.Gateway,
		assembler:    cfg.Assembler,
		runner:       cfg.Runner,
		botName:      cfg.BotName,
		systemPrompt: cfg.SystemPrompt,
		botUsername:  strings.ToLower(strings.TrimPrefix(username, "@")),
		bus:          cfg.Bus,
		logger:       logger.With("component", "engine"),
	}
}

func (e *Engine) chat(id string) *chatState {
	if cs, ok := e.chats.Load(id); ok {
		return cs.(*chatState)
	}
	cs, _ := e.chats.LoadOrStore(id, &chatState{slot: make(chan struct{}, 1)})
	return cs.(*chatState)
}

// Handle processes one inbound message. Commands are answered without
// the model. Every other message is persisted; it is answered only if
// the trigger policy says so, and the answer is persisted only when the
// turn succeeds. A turn interrupted by Reset returns ErrTurnCancelled.
func (e *Engine) Handle(ctx context.Context, in Inbound) (*Reply, error) {
	if err := store.ValidateID("chat", in.Chat); err != nil {
		return nil, err
	}
	if err := store.ValidateID("sender", in.Sender); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Body) == "" {
		return nil, apperr.Invalid("body", "must not be empty")
	}

	if cmd := e.command(in.Body); cmd != "" {
		return e.runCommand(ctx, in, cmd)
	}

	cs := e.chat(in.Chat)
	if err := cs.acquire(ctx); err != nil {
		return nil, err
	}
	defer cs.release()

	userTurn := store.Turn{
		ID:         in.ID,
		Chat:       in.Chat,
		Sender:     in.Sender,
		SenderName: in.SenderName,
		Role:       store.RoleUser,
		Body:       in.Body,
		ReplyTo:    in.ReplyTo,
		CreatedAt:  in.CreatedAt,
	}
	if err := e.gateway.AppendTurn(ctx, &userTurn); err != nil {
		return nil, fmt.Errorf("persist user turn: %w", err)
	}
	in.ID, in.CreatedAt = userTurn.ID, userTurn.CreatedAt

	persona, keywords := e.settings(ctx)
	if !e.shouldRespond(in, keywords) {
		metrics.TurnsTotal.WithLabelValues(OutcomeIgnored).Inc()
		return &Reply{Outcome: OutcomeIgnored, TurnID: userTurn.ID}, nil
	}

	turnCtx, cancel := context.WithCancel(ctx)
	cs.mu.Lock()
	cs.cancel = cancel
	cs.mu.Unlock()
	defer func() {
		cs.mu.Lock()
		cs.cancel = nil
		cs.mu.Unlock()
		cancel()
	}()

	return e.runTurn(turnCtx, cs, in, persona)
}

func (e *Engine) runTurn(ctx context.Context, cs *chatState, in Inbound, persona Persona) (*Reply, error) {
	requestID := uuid.NewString()
	ctx = tools.WithCall(ctx, tools.Call{RequestID: requestID, TurnID: in.ID, Chat: in.Chat, Sender: in.Sender})
	ctx, span := tracer.Start(ctx, "agent.Turn",
		trace.WithAttributes(
			attribute.String("chat", in.Chat),
			attribute.String("request.id", requestID),
		),
	)
	defer span.End()

	start := time.Now()
	log := e.logger.With("request_id", requestID, "chat", in.Chat)
	log.Info("turn started", "sender", in.Sender, "turn_id", in.ID)
	e.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindTurnStart,
		Data:   map[string]any{"request_id": requestID, "chat": in.Chat, "sender": in.Sender},
	})

	reply := &Reply{TurnID: in.ID}
	fail := func(outcome, reason, text string) (*Reply, error) {
		metrics.TurnsTotal.WithLabelValues(outcome).Inc()
		span.SetStatus(codes.Error, reason)
		e.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindTurnFailed,
			Data:   map[string]any{"request_id": requestID, "chat": in.Chat, "reason": reason},
		})
		reply.Outcome = outcome
		if outcome == OutcomeCancelled {
			return nil, ErrTurnCancelled
		}
		reply.Text, reply.Responded = text, true
		return reply, nil
	}

	prompt, err := e.assembler.Assemble(ctx, in, persona)
	if err != nil {
		if ctx.Err() != nil {
			return fail(OutcomeCancelled, "cancelled", "")
		}
		log.Error("prompt assembly failed", "error", err)
		return fail(OutcomeFailed, err.Error(), errorNotice)
	}

	out, err := e.runner.Run(ctx, prompt.Messages)
	if out != nil {
		reply.Rounds, reply.ToolCalls = out.Rounds, out.ToolCalls
	}
	var repeated *RepeatedToolError
	switch {
	case ctx.Err() != nil:
		log.Info("turn cancelled", "elapsed", time.Since(start).Round(time.Millisecond))
		return fail(OutcomeCancelled, "cancelled", "")
	case errors.Is(err, ErrBoundedLoopExceeded):
		log.Warn("turn hit the tool round limit", "rounds", reply.Rounds)
		return fail(OutcomeLoopExceeded, err.Error(), incompleteNotice)
	case errors.As(err, &repeated):
		log.Warn("turn stopped on repeated tool failure", "tool", repeated.Tool, "error", repeated.Err)
		return fail(OutcomeFailed, err.Error(),
			fmt.Sprintf("I stopped because the %s tool kept failing the same way: %s", repeated.Tool, repeated.Err))
	case err != nil:
		log.Error("turn failed", "error", err)
		span.RecordError(err)
		return fail(OutcomeFailed, err.Error(), errorNotice)
	}

	text := strings.TrimSpace(out.Content)
	if text == "" {
		log.Warn("model produced no answer")
		metrics.TurnsTotal.WithLabelValues(OutcomeEmpty).Inc()
		reply.Outcome = OutcomeEmpty
		return reply, nil
	}

	answer := store.Turn{
		Chat:       in.Chat,
		Sender:     BotSender,
		SenderName: persona.BotName,
		Role:       store.RoleAssistant,
		Body:       text,
		ReplyTo:    in.ID,
	}
	// Holding mu keeps Reset from cancelling between the check and the
	// write: the answer is either fully stored before the purge or not
	// stored at all.
	cs.mu.Lock()
	if ctx.Err() != nil {
		cs.mu.Unlock()
		return fail(OutcomeCancelled, "cancelled", "")
	}
	err = e.gateway.AppendTurn(context.WithoutCancel(ctx), &answer)
	cs.mu.Unlock()
	if err != nil {
		log.Error("failed to persist answer", "error", err)
		return fail(OutcomeFailed, err.Error(), errorNotice)
	}

	elapsed := time.Since(start)
	metrics.TurnsTotal.WithLabelValues(OutcomeAnswered).Inc()
	e.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindTurnComplete,
		Data:   map[string]any{"request_id": requestID, "chat": in.Chat, "rounds": reply.Rounds, "elapsed_ms": elapsed.Milliseconds()},
	})
	log.Info("turn complete",
		"rounds", reply.Rounds,
		"tool_calls", reply.ToolCalls,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)

	reply.Text = text
	reply.Responded = true
	reply.Outcome = OutcomeAnswered
	reply.ReplyID = answer.ID
	return reply, nil
}

// Reset cancels the chat's running turn, waits for it to unwind, and
// purges the chat's history and its semantic index entries. Notes,
// memory and the tool call log are kept.
func (e *Engine) Reset(ctx context.Context, chat string) (store.PurgeResult, error) {
	if err := store.ValidateID("chat", chat); err != nil {
		return store.PurgeResult{}, err
	}
	cs := e.chat(chat)
	cs.mu.Lock()
	if cs.cancel != nil {
		cs.cancel()
	}
	cs.mu.Unlock()

	if err := cs.acquire(ctx); err != nil {
		return store.PurgeResult{}, err
	}
	defer cs.release()

	res, err := e.gateway.PurgeChat(ctx, chat)
	if err != nil {
		return res, fmt.Errorf("purge chat %s: %w", chat, err)
	}
	e.logger.Info("chat reset", "chat", chat, "turns", res.Turns, "index_entries", res.IndexEntries)
	e.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindReset,
		Data:   map[string]any{"chat": chat, "turns": res.Turns},
	})
	return res, nil
}

// settings resolves the persona and trigger keywords, preferring
// runtime values from the store.
func (e *Engine) settings(ctx context.Context) (Persona, []string) {
	p := Persona{BotName: e.botName, SystemPrompt: e.systemPrompt}
	get := func(key string) string {
		v, err := e.gateway.GetConfigValue(ctx, key)
		if err != nil {
			e.logger.Warn("failed to read runtime setting", "key", key, "error", err)
			return ""
		}
		return strings.TrimSpace(v)
	}
	if v := get(store.ConfigBotName); v != "" {
		p.BotName = v
	}
	if v := get(store.ConfigSystemPrompt); v != "" {
		p.SystemPrompt = v
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = fmt.Sprintf(DefaultSystemPrompt, p.BotName)
	}

	var keywords []string
	for _, k := range strings.Split(get(store.ConfigTriggerKeywords), ",") {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return p, keywords
}

// shouldRespond applies the trigger policy: private chats always get an
// answer; in groups the bot answers when mentioned, replied to, or when
// a trigger keyword appears.
func (e *Engine) shouldRespond(in Inbound, keywords []string) bool {
	if in.Private || in.MentionsBot || in.ReplyToBot {
		return true
	}
	body := strings.ToLower(in.Body)
	if e.botUsername != "" && strings.Contains(body, "@"+e.botUsername) {
		return true
	}
	for _, k := range keywords {
		if strings.Contains(body, k) {
			return true
		}
	}
	return false
}
