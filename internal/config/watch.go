package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ServerChange is one difference between two tool server lists.
type ServerChange struct {
	Kind   ServerChangeKind
	Server MCPServerConfig
}

// ServerChangeKind classifies a ServerChange.
type ServerChangeKind string

// Server change kinds. Disabled is reported separately from Edited so
// consumers can drop a server without reconnecting to it.
const (
	ServerAdded    ServerChangeKind = "added"
	ServerEdited   ServerChangeKind = "edited"
	ServerRemoved  ServerChangeKind = "removed"
	ServerDisabled ServerChangeKind = "disabled"
)

// DiffServers compares two server lists by name. The result is ordered
// removals first, then the remaining changes in the order of next.
func DiffServers(prev, next []MCPServerConfig) []ServerChange {
	before := make(map[string]MCPServerConfig, len(prev))
	for _, s := range prev {
		before[s.Name] = s
	}
	after := make(map[string]bool, len(next))
	for _, s := range next {
		after[s.Name] = true
	}

	var changes []ServerChange
	for _, s := range prev {
		if !after[s.Name] {
			changes = append(changes, ServerChange{Kind: ServerRemoved, Server: s})
		}
	}
	for _, s := range next {
		old, existed := before[s.Name]
		switch {
		case !existed:
			changes = append(changes, ServerChange{Kind: ServerAdded, Server: s})
		case reflect.DeepEqual(old, s):
		case s.Disabled && !old.Disabled:
			changes = append(changes, ServerChange{Kind: ServerDisabled, Server: s})
		default:
			changes = append(changes, ServerChange{Kind: ServerEdited, Server: s})
		}
	}
	return changes
}

// ReloadFunc receives the previous and newly loaded configuration.
type ReloadFunc func(prev, next *Config)

// Watcher reloads the config file when it changes on disk. Only
// successfully validated files are delivered; a broken edit is logged
// and the previous configuration stays in effect.
type Watcher struct {
	path     string
	current  *Config
	onReload ReloadFunc
	debounce time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher creates a watcher for path. current is the configuration
// already loaded from that file.
func NewWatcher(path string, current *Config, onReload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		current:  current,
		onReload: onReload,
		debounce: 250 * time.Millisecond,
		logger:   logger.With("component", "config_watch"),
		fsw:      fsw,
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous", "path", w.path, "error", err)
		return
	}
	prev := w.current
	w.current = next
	w.logger.Info("config reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(prev, next)
	}
}
