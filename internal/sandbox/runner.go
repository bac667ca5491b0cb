package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// timeoutExitCode is what coreutils timeout(1) returns on expiry.
const timeoutExitCode = 124

const scriptName = "__script__.py"

// KillGrace is how long past its timeout a run may take before the
// sandbox process is killed.
const KillGrace = 5 * time.Second

// roMounts are bound read-only into the sandbox when present.
var roMounts = []string{
	"/usr", "/lib", "/lib64", "/lib32",
	"/etc/resolv.conf", "/etc/ssl", "/etc/ca-certificates",
	"/etc/alternatives", "/etc/ld.so.cache",
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Bwrap          string // path to bubblewrap, default "bwrap"
	Python         string // interpreter inside the sandbox, default "python3"
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutput      int // characters per stream
	Logger         *slog.Logger
}

// Runner executes Python inside a bubblewrap sandbox bound to a
// session workspace.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger

	// command builds the process for a run. Replaced in tests.
	command func(ctx context.Context, workspace string, timeout time.Duration) *exec.Cmd
}

// NewRunner creates a Runner with defaults filled in.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Bwrap == "" {
		cfg.Bwrap = "bwrap"
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = 120 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 15000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{cfg: cfg, logger: logger.With("component", "sandbox")}
	r.command = r.bwrapCommand
	return r
}

// Request is one code execution.
type Request struct {
	Code string
	// Timeout zero means the default; larger than the maximum is capped.
	Timeout    time.Duration
	InputFiles map[string]string
}

// FileInfo describes a file left in the workspace by the script.
type FileInfo struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// Result is the outcome of a run. A non-zero exit is a result, not an
// error.
type Result struct {
	ExitCode     int        `json:"exit_code"`
	Stdout       string     `json:"stdout"`
	Stderr       string     `json:"stderr"`
	TimedOut     bool       `json:"timed_out"`
	TimeoutSecs  int        `json:"timeout_secs"`
	FilesCreated []FileInfo `json:"files_created"`
}

// Timeout returns the effective timeout for a requested one.
func (r *Runner) Timeout(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return r.cfg.DefaultTimeout
	case requested > r.cfg.MaxTimeout:
		return r.cfg.MaxTimeout
	}
	return requested
}

// Limits returns the default and maximum run timeouts.
func (r *Runner) Limits() (def, limit time.Duration) {
	return r.cfg.DefaultTimeout, r.cfg.MaxTimeout
}

// Run writes the inputs and script into s.Workspace and executes it.
// The caller owns s and must release it.
func (r *Runner) Run(ctx context.Context, s *Session, req Request) (*Result, error) {
	timeout := r.Timeout(req.Timeout)

	for name, content := range req.InputFiles {
		safe := SafeFileName(name)
		if safe == "" || safe == scriptName {
			return nil, fmt.Errorf("invalid input file name %q", name)
		}
		if err := os.WriteFile(filepath.Join(s.Workspace, safe), []byte(content), 0o600); err != nil {
			return nil, fmt.Errorf("write input file %s: %w", safe, err)
		}
	}
	if err := os.WriteFile(filepath.Join(s.Workspace, scriptName), []byte(req.Code), 0o600); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}

	// The inner timeout(1) normally fires first; this bounds a sandbox
	// that ignores it.
	runCtx, cancel := context.WithTimeout(ctx, timeout+KillGrace)
	defer cancel()

	cmd := r.command(runCtx, s.Workspace, timeout)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("executing python in sandbox",
		"session_id", s.ID, "timeout", timeout, "code_len", len(req.Code))

	err := cmd.Run()
	res := &Result{
		Stdout:      Truncate(stdout.String(), r.cfg.MaxOutput),
		Stderr:      Truncate(stderr.String(), r.cfg.MaxOutput),
		TimeoutSecs: int(timeout / time.Second),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case runCtx.Err() != nil:
		res.ExitCode = timeoutExitCode
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("launch sandbox (is bubblewrap installed?): %w", err)
	}
	res.TimedOut = res.ExitCode == timeoutExitCode
	res.FilesCreated = listCreated(s.Workspace)
	return res, nil
}

func (r *Runner) bwrapCommand(ctx context.Context, workspace string, timeout time.Duration) *exec.Cmd {
	var args []string
	for _, p := range roMounts {
		if _, err := os.Stat(p); err == nil {
			args = append(args, "--ro-bind", p, p)
		}
	}
	args = append(args,
		"--bind", workspace, "/workspace",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--chdir", "/workspace",
		"--unshare-user", "--unshare-pid", "--unshare-ipc", "--unshare-cgroup",
		"--die-with-parent",
		"timeout", strconv.Itoa(int(timeout.Seconds())),
		r.cfg.Python, "/workspace/"+scriptName,
	)
	return exec.CommandContext(ctx, r.cfg.Bwrap, args...)
}

// SafeFileName flattens a user-supplied name into a single path
// element. It returns "" for names that cannot be made safe.
func SafeFileName(name string) string {
	name = strings.ReplaceAll(name, "..", "")
	name = strings.NewReplacer("/", "_", "\\", "_", "\x00", "").Replace(name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." {
		return ""
	}
	return name
}

func listCreated(workspace string) []FileInfo {
	entries, err := os.ReadDir(workspace)
	if err != nil {
		return nil
	}
	out := []FileInfo{}
	for _, e := range entries {
		if e.Name() == scriptName {
			continue
		}
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		out = append(out, FileInfo{Name: e.Name(), SizeBytes: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
