package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// TCPConfig configures a newline-delimited JSON-RPC transport over TCP.
type TCPConfig struct {
	// Address is "host:port" or "tcp://host:port".
	Address     string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// TCPTransport keeps one TCP connection to a server, dialing on first
// use and again after any failed exchange.
type TCPTransport struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger
	sem     semaphore

	// Guarded by sem.
	conn    net.Conn
	framing *lineConn
}

// NewTCPTransport validates the address and returns an unconnected
// transport.
func NewTCPTransport(cfg TCPConfig) (*TCPTransport, error) {
	addr, err := ParseTCPAddress(cfg.Address)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TCPTransport{addr: addr, timeout: timeout, logger: logger, sem: newSemaphore()}, nil
}

// ParseTCPAddress strips an optional tcp:// prefix and checks that a
// port is present.
func ParseTCPAddress(endpoint string) (string, error) {
	addr := strings.TrimPrefix(endpoint, "tcp://")
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("tcp endpoint %q must be host:port or tcp://host:port: %w", endpoint, err)
	}
	if port == "" {
		return "", fmt.Errorf("tcp endpoint %q has no port", endpoint)
	}
	return net.JoinHostPort(host, port), nil
}

// dial connects unless a connection is open. Caller holds sem.
func (t *TCPTransport) dial(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.addr, err)
	}
	t.conn = conn
	t.framing = newLineConn(conn, conn, t.logger)
	t.logger.Debug("MCP TCP connection opened", "addr", t.addr)
	return nil
}

// Send writes req and waits for the matching response.
func (t *TCPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.sem.release()

	if err := t.dial(ctx); err != nil {
		return nil, err
	}
	return t.framing.roundTrip(ctx, req, t.drop)
}

// Notify writes a notification.
func (t *TCPTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.sem.acquire(ctx); err != nil {
		return err
	}
	defer t.sem.release()

	if err := t.dial(ctx); err != nil {
		return err
	}
	if err := t.framing.write(notif); err != nil {
		t.drop()
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Close closes the connection after any in-flight request.
func (t *TCPTransport) Close() error {
	_ = t.sem.acquire(context.Background())
	defer t.sem.release()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn, t.framing = nil, nil
	return err
}

// drop discards the connection. Caller holds sem.
func (t *TCPTransport) drop() {
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn, t.framing = nil, nil
}
