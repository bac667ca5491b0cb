// Package events provides the in-process event bus. Two kinds of
// consumer exist: observers (the WebSocket stream) subscribe to a
// buffered channel and may miss events when slow, while handlers
// registered with Handle run synchronously inside Publish and never
// miss one. Configuration changes reach the tool server cache through
// a handler so that invalidation happens before Publish returns.
//
// The bus is nil-safe: Publish on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the turn engine and supervisor.
	SourceAgent = "agent"
	// SourceDispatch identifies events from the tool dispatch engine.
	SourceDispatch = "dispatch"
	// SourceConfig identifies tool server configuration mutations.
	SourceConfig = "config"
	// SourceToolCache identifies connection state changes.
	SourceToolCache = "toolcache"
	// SourceSandbox identifies execution session lifecycle events.
	SourceSandbox = "sandbox"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a turn.
	// Data: request_id, chat, sender.
	KindTurnStart = "turn_start"
	// KindLLMCall signals one completion attempt.
	// Data: request_id, round, attempt, model.
	KindLLMCall = "llm_call"
	// KindLLMRetry signals a transient failure that will be retried.
	// Data: request_id, attempt, delay_ms, error.
	KindLLMRetry = "llm_retry"
	// KindLLMResponse signals a completion result.
	// Data: request_id, round, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindTurnComplete signals a persisted final answer.
	// Data: request_id, chat, rounds, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals a turn that ended without an answer.
	// Data: request_id, chat, reason.
	KindTurnFailed = "turn_failed"
	// KindReset signals a purged chat.
	// Data: chat.
	KindReset = "reset"

	// KindToolCall signals the start of a tool invocation.
	// Data: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool invocation.
	// Data: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"

	// KindServerAdded, KindServerEdited, KindServerRemoved and
	// KindServerDisabled are configuration mutations.
	// Data: server.
	KindServerAdded    = "server_added"
	KindServerEdited   = "server_edited"
	KindServerRemoved  = "server_removed"
	KindServerDisabled = "server_disabled"

	// KindServerConnected signals a successful tool server handshake.
	// Data: server, tools.
	KindServerConnected = "server_connected"
	// KindServerCoolingDown signals a failed connect.
	// Data: server, until, error.
	KindServerCoolingDown = "server_cooling_down"

	// KindSessionAcquired and KindSessionReleased bracket a sandbox session.
	// Data: session_id, request_id.
	KindSessionAcquired = "session_acquired"
	KindSessionReleased = "session_released"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Handler receives events synchronously from Publish.
type Handler func(Event)

// Bus is a broadcast event bus with lossy channel subscribers and
// lossless synchronous handlers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs.
	recvToSend map[<-chan Event]chan Event

	handlers  map[int]handlerEntry
	nextHndID int
}

type handlerEntry struct {
	source string
	fn     Handler
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		handlers:   make(map[int]handlerEntry),
	}
}

// Publish delivers an event. Handlers for the event's source run first,
// in the caller's goroutine; then each subscriber channel receives the
// event unless it is full. A zero Timestamp is set to now. Safe to call
// on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	var fns []Handler
	for _, h := range b.handlers {
		if h.source == "" || h.source == e.Source {
			fns = append(fns, h.fn)
		}
	}
	b.mu.RUnlock()

	// Handlers may publish or unsubscribe; never hold the lock here.
	for _, fn := range fns {
		fn(e)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Handle registers fn for every event whose Source equals source (all
// events when source is empty). The returned function removes the
// handler.
func (b *Bus) Handle(source string, fn Handler) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextHndID
	b.nextHndID++
	b.handlers[id] = handlerEntry{source: source, fn: fn}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. 64 is a reasonable bufSize
// for WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active channel subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
