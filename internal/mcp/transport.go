package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Transport carries JSON-RPC messages to one server.
type Transport interface {
	// Send sends a request and returns the matching response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a notification. No response is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the connection or subprocess.
	Close() error
}

// NewTransport builds the transport described by spec. No connection
// is made until the first message.
func NewTransport(spec ServerSpec, connectTimeout time.Duration, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", spec.Name, "transport", spec.Transport)

	switch spec.Transport {
	case TransportStdio:
		return NewStdioTransport(StdioConfig{
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
			Logger:  logger,
		}), nil
	case TransportTCP:
		return NewTCPTransport(TCPConfig{
			Address:     spec.URL,
			DialTimeout: connectTimeout,
			Logger:      logger,
		})
	case TransportHTTP:
		return NewHTTPTransport(HTTPConfig{
			URL:     spec.URL,
			Headers: spec.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported MCP transport %q", spec.Transport)
	}
}

// semaphore serializes use of a stream transport. Unlike a mutex,
// acquiring it honors context cancellation.
type semaphore chan struct{}

func newSemaphore() semaphore { return make(semaphore, 1) }

func (s semaphore) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may be ready at once; a cancelled caller must not
	// keep the slot.
	if err := ctx.Err(); err != nil {
		s.release()
		return err
	}
	return nil
}

func (s semaphore) release() { <-s }

// lineConn frames JSON-RPC as newline-delimited JSON over a byte
// stream. The stdio and TCP transports share it.
type lineConn struct {
	w      io.Writer
	r      *bufio.Reader
	logger *slog.Logger
}

func newLineConn(w io.Writer, r io.Reader, logger *slog.Logger) *lineConn {
	return &lineConn{w: w, r: bufio.NewReaderSize(r, 1<<20), logger: logger}
}

func (c *lineConn) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = c.w.Write(append(data, '\n'))
	return err
}

type readResult struct {
	line []byte
	err  error
}

// roundTrip writes req and reads lines until the response with the same
// ID arrives, skipping server notifications and unparseable lines. When
// ctx ends first, abort is called to unblock the pending read and the
// connection must not be reused.
func (c *lineConn) roundTrip(ctx context.Context, req *Request, abort func()) (*Response, error) {
	if err := c.write(req); err != nil {
		abort()
		return nil, fmt.Errorf("write request: %w", err)
	}

	for {
		ch := make(chan readResult, 1)
		go func() {
			line, err := c.r.ReadBytes('\n')
			ch <- readResult{line: line, err: err}
		}()

		select {
		case <-ctx.Done():
			abort()
			return nil, ctx.Err()
		case res := <-ch:
			if res.err != nil {
				abort()
				return nil, fmt.Errorf("read response: %w", res.err)
			}
			line := bytes.TrimSpace(res.line)
			if len(line) == 0 {
				continue
			}
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				c.logger.Debug("skipping non-JSON line from MCP server", "line", string(line))
				continue
			}
			if resp.Method != "" {
				c.logger.Debug("skipping MCP server message", "method", resp.Method)
				continue
			}
			if resp.ID != req.ID {
				c.logger.Debug("skipping unmatched MCP response", "id", resp.ID, "want", req.ID)
				continue
			}
			return &resp, nil
		}
	}
}
