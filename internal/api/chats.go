package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/nugget/astarte-agent/internal/agent"
	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/store"
)

// maxMessageBytes bounds a posted message body.
const maxMessageBytes = 1 << 20

// MessageRequest is an inbound chat message.
type MessageRequest struct {
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	ChatTitle  string    `json:"chat_title,omitempty"`
	Text       string    `json:"text"`
	ReplyTo    string    `json:"reply_to,omitempty"`
	SentAt     time.Time `json:"sent_at,omitzero"`
	Private    bool      `json:"private,omitempty"`
	// MentionsBot and ReplyToBot carry what the chat platform knows
	// about the message.
	MentionsBot bool `json:"mentions_bot,omitempty"`
	ReplyToBot  bool `json:"reply_to_bot,omitempty"`
}

// handleMessage runs one message through the engine.
// POST /v1/chats/{chat}/messages {"sender": "42", "text": "hello"}
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, apperr.Invalid("body", "invalid request body: %v", err))
		return
	}

	reply, err := s.engine.Handle(r.Context(), agent.Inbound{
		Chat:        r.PathValue("chat"),
		ChatTitle:   req.ChatTitle,
		Sender:      req.Sender,
		SenderName:  req.SenderName,
		Body:        req.Text,
		ReplyTo:     req.ReplyTo,
		CreatedAt:   req.SentAt,
		Private:     req.Private,
		MentionsBot: req.MentionsBot,
		ReplyToBot:  req.ReplyToBot,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

// handleReset clears a chat's history.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Reset(r.Context(), r.PathValue("chat"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// TurnsResponse is one page of a chat's history.
type TurnsResponse struct {
	Chat   string       `json:"chat"`
	Total  int          `json:"total"`
	Offset int          `json:"offset"`
	Turns  []store.Turn `json:"turns"`
}

// handleTurns pages through a chat's history, newest page first, each
// page in chronological order.
// GET /v1/chats/{chat}/turns?limit=50&offset=0
func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	chat := r.PathValue("chat")
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}

	turns, err := s.history.ListRecentTurns(r.Context(), chat, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.history.CountTurns(r.Context(), chat)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	s.writeJSON(w, http.StatusOK, TurnsResponse{Chat: chat, Total: total, Offset: offset, Turns: turns})
}

// handleToolCalls lists audit records.
// GET /v1/tools/calls?turn_id=...&chat=...&tool=...&limit=50
func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if limit > store.MaxRecentLimit {
		s.writeError(w, apperr.Invalid("limit", "must be at most %d, got %d", store.MaxRecentLimit, limit))
		return
	}
	q := r.URL.Query()
	calls, err := s.history.ListToolCalls(r.Context(), store.ToolCallQuery{
		TurnID:   q.Get("turn_id"),
		Chat:     q.Get("chat"),
		ToolName: q.Get("tool"),
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if calls == nil {
		calls = []store.ToolCallRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"calls": calls, "count": len(calls)})
}
