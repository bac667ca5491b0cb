// Package connwatch tracks the health of the backends a turn depends on
// (the chat completion endpoint and the embedding service) so /healthz
// can report them and startup can log when they come up.
//
// A Watcher probes immediately, then re-probes on an exponential
// schedule while the backend is down and on a fixed interval while it
// is up. It never gates requests; the supervisor's own retry policy
// handles per-call failures.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a backend is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the first retry delay after a failed probe.
	InitialDelay time.Duration
	// MaxDelay caps the retry delay.
	MaxDelay time.Duration
	// Multiplier grows the retry delay after each consecutive failure.
	Multiplier float64
	// PollInterval is the delay between probes while healthy.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultSchedule retries at 2s, 4s, 8s... up to one minute and polls a
// healthy backend every minute.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		PollInterval: time.Minute,
		ProbeTimeout: 10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier < 1 {
		s.Multiplier = d.Multiplier
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// nextDelay returns the wait after failures consecutive failed probes.
func (s Schedule) nextDelay(failures int) time.Duration {
	d := s.InitialDelay
	for i := 1; i < failures; i++ {
		d = time.Duration(float64(d) * s.Multiplier)
		if d >= s.MaxDelay {
			return s.MaxDelay
		}
	}
	return d
}

// Status is the health of one backend, serialized by /healthz.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one backend.
type Watcher struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	onChange func(ready bool)
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Status returns a snapshot of the backend's health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		st := w.Status()
		wait := w.schedule.PollInterval
		if err != nil {
			wait = w.schedule.nextDelay(st.Failures)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the transition, if any.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.schedule.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()

	w.mu.Lock()
	wasReady := w.status.Ready
	w.status.LastCheck = time.Now()
	if err != nil {
		w.status.Ready = false
		w.status.Failures++
		w.status.LastError = err.Error()
	} else {
		w.status.Ready = true
		w.status.Failures = 0
		w.status.LastError = ""
	}
	failures := w.status.Failures
	w.mu.Unlock()

	switch {
	case err == nil && !wasReady:
		w.logger.Info("backend ready", "backend", w.name)
		if w.onChange != nil {
			w.onChange(true)
		}
	case err != nil && wasReady:
		w.logger.Warn("backend unreachable", "backend", w.name, "error", err)
		if w.onChange != nil {
			w.onChange(false)
		}
	case err != nil:
		w.logger.Debug("backend still unreachable", "backend", w.name, "failures", failures, "error", err)
	}
	return err
}

// Manager owns the watchers for all backends.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts monitoring a backend. onChange, if non-nil, runs in the
// watcher goroutine on every ready/unready transition. Watching a name
// that is already watched replaces the old watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, schedule Schedule, onChange func(ready bool)) *Watcher {
	if name == "" || probe == nil {
		panic("connwatch: name and probe are required")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:     name,
		probe:    probe,
		schedule: schedule.withDefaults(),
		onChange: onChange,
		logger:   m.logger,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   Status{Name: name},
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched backend.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// AllReady reports whether every watched backend is healthy.
func (m *Manager) AllReady() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range ws {
		w.Stop()
	}
}
