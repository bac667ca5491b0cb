// Package sandbox runs untrusted code for the run_python tool. Each
// request gets its own workspace directory named by a fresh UUID, held
// for the lifetime of that request and removed on every exit path.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/events"
	"github.com/nugget/astarte-agent/internal/metrics"
)

// Session is one request's exclusive workspace.
type Session struct {
	ID        string
	RequestID string
	// Dir is the session root; Workspace lives inside it and is what
	// the sandboxed process sees as /workspace.
	Dir       string
	Workspace string
	CreatedAt time.Time

	released bool
}

// Manager allocates and reclaims sessions.
type Manager struct {
	root   string
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Session // keyed by Dir
}

// NewManager creates a manager that places workspaces under root. An
// empty root means the system temp directory.
func NewManager(root string, bus *events.Bus, logger *slog.Logger) *Manager {
	if root == "" {
		root = filepath.Join(os.TempDir(), "astarte-sandbox")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:   root,
		bus:    bus,
		logger: logger.With("component", "sandbox"),
		active: make(map[string]*Session),
	}
}

// Acquire creates a fresh workspace owned by requestID. The directory
// is created with os.Mkdir, so an existing path is never reused even if
// an ID were to repeat.
func (m *Manager) Acquire(ctx context.Context, requestID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.root, 0o700); err != nil {
		return nil, &apperr.ResourceError{Op: "acquire", Path: m.root, Err: err}
	}

	var lastErr error
	for range 3 {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, &apperr.ResourceError{Op: "acquire", Path: m.root, Err: fmt.Errorf("generate session id: %w", err)}
		}
		dir := filepath.Join(m.root, id.String())
		if err := os.Mkdir(dir, 0o700); err != nil {
			lastErr = err
			if errors.Is(err, os.ErrExist) {
				continue
			}
			break
		}
		ws := filepath.Join(dir, "workspace")
		if err := os.Mkdir(ws, 0o700); err != nil {
			os.RemoveAll(dir)
			return nil, &apperr.ResourceError{Op: "acquire", Path: ws, Err: err}
		}

		s := &Session{ID: id.String(), RequestID: requestID, Dir: dir, Workspace: ws, CreatedAt: time.Now()}
		m.mu.Lock()
		if _, dup := m.active[dir]; dup {
			m.mu.Unlock()
			// Unreachable while Mkdir is exclusive, but a shared path
			// must never be handed out twice.
			lastErr = fmt.Errorf("workspace %s already active", dir)
			continue
		}
		m.active[dir] = s
		m.mu.Unlock()

		metrics.ActiveSessions.Inc()
		m.logger.Debug("session acquired", "session_id", s.ID, "request_id", requestID)
		m.bus.Publish(events.Event{
			Source: events.SourceSandbox,
			Kind:   events.KindSessionAcquired,
			Data:   map[string]any{"session_id": s.ID, "request_id": requestID},
		})
		return s, nil
	}
	return nil, &apperr.ResourceError{Op: "acquire", Path: m.root, Err: lastErr}
}

// Release removes the session's files. The session is marked released
// even when removal fails; the failure is logged and returned as a
// *apperr.ResourceError. Releasing twice is a no-op.
func (m *Manager) Release(s *Session) error {
	if s == nil {
		return nil
	}
	m.mu.Lock()
	if s.released {
		m.mu.Unlock()
		return nil
	}
	s.released = true
	delete(m.active, s.Dir)
	m.mu.Unlock()

	metrics.ActiveSessions.Dec()
	m.bus.Publish(events.Event{
		Source: events.SourceSandbox,
		Kind:   events.KindSessionReleased,
		Data:   map[string]any{"session_id": s.ID, "request_id": s.RequestID},
	})

	if err := os.RemoveAll(s.Dir); err != nil {
		rerr := &apperr.ResourceError{Op: "release", Path: s.Dir, Err: err}
		m.logger.Error("session cleanup failed", "session_id", s.ID, "error", rerr)
		return rerr
	}
	m.logger.Debug("session released", "session_id", s.ID, "request_id", s.RequestID)
	return nil
}

// With acquires a session, runs fn, and releases the session however fn
// returns, including by panic. A release failure is logged and never
// replaces fn's error.
func (m *Manager) With(ctx context.Context, requestID string, fn func(*Session) error) error {
	s, err := m.Acquire(ctx, requestID)
	if err != nil {
		return err
	}
	defer m.Release(s)
	return fn(s)
}

// Active returns the number of sessions currently held.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
