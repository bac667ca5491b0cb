package tools

import (
	"context"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/store"
)

type callKey struct{}

// Call identifies the turn a tool invocation belongs to.
type Call struct {
	RequestID string
	TurnID    string
	Chat      string
	Sender    string
}

// WithCall attaches c to ctx.
func WithCall(ctx context.Context, c Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFrom returns the Call attached to ctx, or the zero Call.
func CallFrom(ctx context.Context) Call {
	c, _ := ctx.Value(callKey{}).(Call)
	return c
}

// ResolveScope maps a scope argument to a store scope. "chat" (or
// empty) and "person" refer to the current chat and sender; full
// "chat:{id}", "person:{id}", "global" and "bot" pass through.
func (c Call) ResolveScope(arg string) (store.Scope, error) {
	switch arg {
	case "", store.KindChat:
		if c.Chat == "" {
			return "", apperr.Invalid("scope", "no current chat")
		}
		return store.ChatScope(c.Chat), nil
	case store.KindPerson:
		if c.Sender == "" {
			return "", apperr.Invalid("scope", "no current sender")
		}
		return store.PersonScope(c.Sender), nil
	}
	return store.ParseScope(arg)
}

// scopeProp documents the scope argument shared by memory and note tools.
var scopeProp = prop("string",
	"Where to read or write: 'chat' (this chat, default), 'person' (the current user), 'global', 'bot', or an explicit 'chat:{id}' / 'person:{id}'.")
