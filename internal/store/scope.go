package store

import (
	"regexp"
	"strings"

	"github.com/nugget/astarte-agent/internal/apperr"
)

// Scope is a memory and notes partition key: "chat:{id}",
// "person:{id}", "global", or "bot".
type Scope string

// Fixed scopes.
const (
	ScopeGlobal Scope = "global"
	ScopeBot    Scope = "bot"
)

// Scope kinds that carry an identifier.
const (
	KindChat   = "chat"
	KindPerson = "person"
)

var scopeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@+-]{1,128}$`)

// ChatScope returns the scope for a chat identifier.
func ChatScope(chat string) Scope { return Scope(KindChat + ":" + chat) }

// PersonScope returns the scope for a person identifier.
func PersonScope(person string) Scope { return Scope(KindPerson + ":" + person) }

// ParseScope validates s and returns it as a Scope.
func ParseScope(s string) (Scope, error) {
	if s == string(ScopeGlobal) || s == string(ScopeBot) {
		return Scope(s), nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok || (kind != KindChat && kind != KindPerson) {
		return "", apperr.Invalid("scope", "%q must be chat:{id}, person:{id}, global or bot", s)
	}
	if err := ValidateID(kind, id); err != nil {
		return "", err
	}
	return Scope(s), nil
}

// ValidateID checks a chat or person identifier.
func ValidateID(field, id string) error {
	if !scopeIDPattern.MatchString(id) {
		return apperr.Invalid(field, "%q is not a valid identifier", id)
	}
	return nil
}

// Kind returns "chat", "person", "global" or "bot".
func (s Scope) Kind() string {
	kind, _, _ := strings.Cut(string(s), ":")
	return kind
}

// ID returns the identifier part of a chat or person scope.
func (s Scope) ID() string {
	_, id, _ := strings.Cut(string(s), ":")
	return id
}

func (s Scope) String() string { return string(s) }
