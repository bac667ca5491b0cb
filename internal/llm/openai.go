package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/astarte-agent/internal/httpkit"
)

// OpenAIConfig configures an OpenAI-compatible backend. OpenRouter,
// vLLM, llama.cpp and Ollama's /v1 endpoint all speak this protocol.
type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	MaxTokens int
	Timeout   time.Duration
}

// OpenAIClient implements Client on top of go-openai.
type OpenAIClient struct {
	client    *openai.Client
	maxTokens int
	logger    *slog.Logger
}

// NewOpenAIClient creates a client. The HTTP client comes from httpkit
// without transport retry: every failure, dial errors included, goes
// back to the caller, whose retry policy counts each attempt.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "openai")

	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	conf.HTTPClient = httpkit.NewClient(
		httpkit.WithTimeout(cfg.Timeout),
		httpkit.WithLogger(logger),
	)

	return &OpenAIClient{
		client:    openai.NewClientWithConfig(conf),
		maxTokens: cfg.MaxTokens,
		logger:    logger,
	}
}

// Chat sends one completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  toOpenAIMessages(messages),
		MaxTokens: c.maxTokens,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	if c.logger.Enabled(ctx, LevelTrace) {
		if payload, err := json.Marshal(req); err == nil {
			c.logger.Log(ctx, LevelTrace, "completion request", "payload", string(payload))
		}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	if len(resp.Choices) == 0 {
		// Some gateways answer 200 with an empty body under load.
		return nil, &APIError{Message: "response contained no choices", Transient: true}
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Model:        resp.Model,
		Message:      fromOpenAIMessage(choice.Message),
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	c.logger.Debug("completion finished",
		"model", resp.Model,
		"finish_reason", out.FinishReason,
		"tool_calls", len(out.Message.ToolCalls),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", time.Since(start),
	)
	return out, nil
}

// Ping lists models, which every compatible backend serves cheaply.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) Message {
	out := Message{
		Role:    m.Role,
		Content: m.Content,
	}
	if out.Role == "" {
		out.Role = RoleAssistant
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID: tc.ID,
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}
