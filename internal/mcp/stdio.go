package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// StdioConfig configures a transport that runs the server as a
// subprocess.
type StdioConfig struct {
	Command string
	Args    []string
	// Env entries ("KEY=VALUE") are appended to the current environment.
	Env    []string
	Logger *slog.Logger
}

// StdioTransport talks to a subprocess over stdin/stdout. The process
// starts on first use and outlives individual request contexts; a
// cancelled or failed request kills it and the next request starts a
// fresh one.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	sem    semaphore

	// Guarded by sem.
	cmd   *exec.Cmd
	stdin io.WriteCloser
	conn  *lineConn
}

// NewStdioTransport creates a stdio transport. The subprocess is not
// started until the first Send or Notify.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{config: cfg, logger: logger, sem: newSemaphore()}
}

func (t *StdioTransport) acquire(ctx context.Context) error { return t.sem.acquire(ctx) }
func (t *StdioTransport) release()                          { t.sem.release() }

// start launches the subprocess unless it is running. Caller holds sem.
func (t *StdioTransport) start() error {
	if t.cmd != nil {
		return nil
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.conn = newLineConn(stdin, stdout, t.logger)
	go t.drainStderr(stderr)

	t.logger.Info("MCP subprocess started", "command", t.config.Command, "pid", cmd.Process.Pid)
	return nil
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send writes req to the subprocess and waits for its response.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return nil, err
	}
	return t.conn.roundTrip(ctx, req, t.kill)
}

// Notify writes a notification to the subprocess.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return err
	}
	if err := t.conn.write(notif); err != nil {
		t.kill()
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Close waits for any in-flight request, then stops the subprocess:
// stdin is closed and the process gets five seconds to exit before it
// is killed.
func (t *StdioTransport) Close() error {
	_ = t.acquire(context.Background())
	defer t.release()

	if t.cmd == nil {
		return nil
	}
	cmd := t.cmd
	t.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
	t.cmd, t.stdin, t.conn = nil, nil, nil
	return err
}

// kill discards the subprocess after a failed or abandoned exchange.
// Caller holds sem.
func (t *StdioTransport) kill() {
	if t.cmd == nil {
		return
	}
	t.stdin.Close()
	_ = t.cmd.Process.Kill()
	_ = t.cmd.Wait()
	t.cmd, t.stdin, t.conn = nil, nil, nil
}
