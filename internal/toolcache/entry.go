package toolcache

import (
	"sync"
	"time"

	"github.com/nugget/astarte-agent/internal/mcp"
)

// State is the connection state of a cache entry.
type State int

const (
	Unconnected State = iota
	Connected
	CoolingDown
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case CoolingDown:
		return "cooling_down"
	default:
		return "unconnected"
	}
}

// entry is the cache slot for one server. gen counts configuration
// events; a connection or cooldown recorded under an older gen is not
// trusted.
type entry struct {
	mu sync.Mutex

	gen   uint64
	state State
	// stateGen is the gen at which state was entered.
	stateGen uint64

	conn  Conn
	tools []mcp.ToolDefinition

	lastConnect time.Time
	lastFailure time.Time
	lastErr     string
	failures    int
	cooldown    time.Duration

	// connecting is closed when the in-flight connect finishes.
	connecting chan struct{}
}

// cached returns the live handle, or nil when there is none or it
// predates a configuration event. Caller holds mu.
func (e *entry) cached(name string) *Resolved {
	if e.state != Connected || e.stateGen != e.gen {
		return nil
	}
	return &Resolved{Server: name, Conn: e.conn, Tools: e.tools}
}

// coolingUntil reports whether a current cooldown is in effect at now.
// Caller holds mu.
func (e *entry) coolingUntil(now time.Time) (time.Time, bool) {
	if e.state != CoolingDown || e.stateGen != e.gen {
		return time.Time{}, false
	}
	until := e.lastFailure.Add(e.cooldown)
	return until, now.Before(until)
}

// Caller holds mu.
func (e *entry) setConnected(conn Conn, tools []mcp.ToolDefinition, now time.Time) {
	e.state = Connected
	e.stateGen = e.gen
	e.conn = conn
	e.tools = tools
	e.lastConnect = now
	e.lastErr = ""
	e.failures = 0
}

// setCoolingDown records a failure. Caller holds mu.
func (e *entry) setCoolingDown(now time.Time, cooldown time.Duration, err error) {
	e.state = CoolingDown
	e.stateGen = e.gen
	e.conn = nil
	e.tools = nil
	e.lastFailure = now
	e.cooldown = cooldown
	e.lastErr = err.Error()
	e.failures++
}

// invalidate bumps gen and returns the connection to close, if any.
func (e *entry) invalidate() Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	old := e.conn
	e.conn = nil
	e.tools = nil
	if e.state == Connected {
		e.state = Unconnected
	}
	return old
}

// drop forgets conn if it is still the current connection.
func (e *entry) drop(conn Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Connected || e.conn != conn {
		return false
	}
	e.state = Unconnected
	e.conn = nil
	e.tools = nil
	return true
}

func (e *entry) status(name string, now time.Time) ServerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state
	if st == CoolingDown {
		if _, ok := e.coolingUntil(now); !ok {
			st = Unconnected
		}
	}
	if st == Connected && e.stateGen != e.gen {
		st = Unconnected
	}
	return ServerStatus{
		Name:        name,
		State:       st.String(),
		Tools:       len(e.tools),
		LastConnect: e.lastConnect,
		LastFailure: e.lastFailure,
		LastError:   e.lastErr,
		Failures:    e.failures,
	}
}
