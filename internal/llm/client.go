// Package llm talks to the chat completion backend.
package llm

import "context"

// Client is implemented by chat completion backends.
type Client interface {
	// Chat sends one completion request. Errors are *APIError values
	// classified as transient or fatal.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*ChatResponse, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error
}
