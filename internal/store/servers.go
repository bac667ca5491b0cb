package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/events"
	"github.com/nugget/astarte-agent/internal/mcp"
)

// ErrServerExists is returned by CreateServer for a duplicate name.
var ErrServerExists = errors.New("server already exists")

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Server is a persisted tool server definition.
type Server struct {
	mcp.ServerSpec
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ValidateServer checks a definition before it is written.
func ValidateServer(srv Server) error {
	if !serverNamePattern.MatchString(srv.Name) {
		return apperr.Invalid("name", "%q must be 1-64 letters, digits, '-' or '_'", srv.Name)
	}
	switch srv.Transport {
	case mcp.TransportStdio:
		if srv.Command == "" {
			return apperr.Invalid("command", "stdio transport requires a command")
		}
	case mcp.TransportHTTP, mcp.TransportTCP:
		if srv.URL == "" {
			return apperr.Invalid("url", "%s transport requires a url", srv.Transport)
		}
	default:
		return apperr.Invalid("transport", "unknown transport %q", srv.Transport)
	}
	return nil
}

// CreateServer stores a new definition and publishes KindServerAdded.
func (s *Store) CreateServer(ctx context.Context, srv Server) error {
	if _, err := s.GetServer(ctx, srv.Name); err == nil {
		return fmt.Errorf("server %s: %w", srv.Name, ErrServerExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err := s.PutServer(ctx, srv)
	return err
}

// UpdateServer replaces an existing definition. A missing server wraps
// ErrNotFound.
func (s *Store) UpdateServer(ctx context.Context, srv Server) error {
	if _, err := s.GetServer(ctx, srv.Name); err != nil {
		return err
	}
	_, err := s.PutServer(ctx, srv)
	return err
}

// PutServer upserts a definition and publishes the matching
// configuration event: added for a new name, disabled when an enabled
// server is switched off, edited for any other change. Writing an
// identical definition publishes nothing. The returned kind is empty in
// that case.
func (s *Store) PutServer(ctx context.Context, srv Server) (string, error) {
	if err := ValidateServer(srv); err != nil {
		return "", err
	}

	prev, err := s.GetServer(ctx, srv.Name)
	var kind string
	switch {
	case errors.Is(err, ErrNotFound):
		kind = events.KindServerAdded
	case err != nil:
		return "", err
	case prev.Enabled && !srv.Enabled:
		kind = events.KindServerDisabled
	case prev.ServerSpec.Equal(srv.ServerSpec) && prev.Enabled == srv.Enabled && prev.Description == srv.Description:
		return "", nil
	default:
		kind = events.KindServerEdited
	}

	args, _ := json.Marshal(srv.Args)
	env, _ := json.Marshal(srv.Env)
	headers, _ := json.Marshal(srv.Headers)
	now := formatTime(s.now())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mcp_servers
		   (name, description, transport, url, command, args, env, headers, enabled, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		   description = excluded.description, transport = excluded.transport,
		   url = excluded.url, command = excluded.command, args = excluded.args,
		   env = excluded.env, headers = excluded.headers, enabled = excluded.enabled,
		   updated_at = excluded.updated_at`,
		srv.Name, srv.Description, srv.Transport, srv.URL, srv.Command,
		string(args), string(env), string(headers), srv.Enabled, srv.CreatedBy, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("put server %s: %w", srv.Name, err)
	}

	s.logger.Info("tool server saved", "server", srv.Name, "change", kind, "transport", srv.Transport)
	s.publishServer(kind, srv.Name)
	return kind, nil
}

// DeleteServer removes a definition and publishes KindServerRemoved.
// A missing server wraps ErrNotFound.
func (s *Store) DeleteServer(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("server %s: %w", name, ErrNotFound)
	}
	s.logger.Info("tool server deleted", "server", name)
	s.publishServer(events.KindServerRemoved, name)
	return nil
}

func (s *Store) publishServer(kind, name string) {
	s.bus.Publish(events.Event{
		Source: events.SourceConfig,
		Kind:   kind,
		Data:   map[string]any{"server": name},
	})
}

// GetServer returns one definition.
func (s *Store) GetServer(ctx context.Context, name string) (*Server, error) {
	servers, err := s.queryServers(ctx, `WHERE name = ?`, name)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("server %s: %w", name, ErrNotFound)
	}
	return &servers[0], nil
}

// ListServers returns definitions ordered by name.
func (s *Store) ListServers(ctx context.Context, enabledOnly bool) ([]Server, error) {
	if enabledOnly {
		return s.queryServers(ctx, `WHERE enabled = 1 ORDER BY name`)
	}
	return s.queryServers(ctx, `ORDER BY name`)
}

func (s *Store) queryServers(ctx context.Context, clause string, args ...any) ([]Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, transport, url, command, args, env, headers, enabled, created_by, created_at, updated_at
		 FROM mcp_servers `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		var srv Server
		var argsJSON, envJSON, headersJSON, created, updated string
		var createdBy sql.NullString
		if err := rows.Scan(&srv.Name, &srv.Description, &srv.Transport, &srv.URL, &srv.Command,
			&argsJSON, &envJSON, &headersJSON, &srv.Enabled, &createdBy, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		srv.CreatedBy = createdBy.String
		if err := json.Unmarshal([]byte(argsJSON), &srv.Args); err != nil {
			return nil, fmt.Errorf("decode args of %s: %w", srv.Name, err)
		}
		if err := json.Unmarshal([]byte(envJSON), &srv.Env); err != nil {
			return nil, fmt.Errorf("decode env of %s: %w", srv.Name, err)
		}
		if err := json.Unmarshal([]byte(headersJSON), &srv.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of %s: %w", srv.Name, err)
		}
		if srv.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if srv.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}
