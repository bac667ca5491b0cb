package mcp

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

// shellServer answers every request line with an empty result carrying
// the same id, after first printing a log line and a notification.
const shellServer = `echo "booting"
echo '{"jsonrpc":"2.0","method":"notifications/message"}'
while read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  [ -n "$id" ] && printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
done`

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	if _, err := exec.LookPath("sed"); err != nil {
		t.Skip("sed not available")
	}
}

func TestStdioTransport_RoundTrip(t *testing.T) {
	requireShell(t)
	tr := NewStdioTransport(StdioConfig{Command: "sh", Args: []string{"-c", shellServer}})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for id := int64(1); id <= 3; id++ {
		resp, err := tr.Send(ctx, NewRequest(id, "ping", nil))
		if err != nil {
			t.Fatalf("Send %d: %v", id, err)
		}
		if resp.ID != id {
			t.Errorf("response id = %d, want %d", resp.ID, id)
		}
	}
	if err := tr.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		t.Errorf("Notify: %v", err)
	}
}

func TestStdioTransport_RestartsAfterCancel(t *testing.T) {
	requireShell(t)
	// Swallows the first request, then behaves.
	script := `read -r first
` + shellServer
	tr := NewStdioTransport(StdioConfig{Command: "sh", Args: []string{"-c", script}})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	_, err := tr.Send(ctx, NewRequest(1, "ping", nil))
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("first Send = %v, want deadline exceeded", err)
	}

	// The abandoned process was killed; a fresh one swallows this line
	// too, so send a notification first to consume the swallowed read.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := tr.Notify(ctx2, NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	resp, err := tr.Send(ctx2, NewRequest(2, "ping", nil))
	if err != nil {
		t.Fatalf("Send after restart: %v", err)
	}
	if resp.ID != 2 {
		t.Errorf("response id = %d, want 2", resp.ID)
	}
}

func TestStdioTransport_SendWaitsForBusyTransport(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "unused"})
	tr.sem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tr.Send(ctx, NewRequest(1, "ping", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send while busy = %v, want deadline exceeded", err)
	}
	if err := tr.Notify(ctx, NewNotification("x", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Notify while busy = %v, want deadline exceeded", err)
	}
}

func TestStdioTransport_StartFailure(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "/nonexistent/astarte-mcp-server"})
	if _, err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); err == nil {
		t.Fatal("expected start error")
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close on never-started transport = %v", err)
	}
}
