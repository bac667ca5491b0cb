package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(OpenAIConfig{
		BaseURL: srv.URL + "/v1",
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	}, nil)
}

func TestChat_ToolCallRoundTrip(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "cmpl-1",
			"model": "test-model",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "memory_get", "arguments": "{\"key\":\"city\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	})

	resp, err := c.Chat(context.Background(), "test-model",
		[]Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "where do I live?"},
		},
		[]ToolSpec{{
			Name:        "memory_get",
			Description: "Read a memory fact",
			Parameters:  map[string]any{"type": "object"},
		}},
	)
	require.NoError(t, err)

	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 3, resp.OutputTokens)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, "memory_get", resp.Message.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"key":"city"}`, resp.Message.ToolCalls[0].Function.Arguments)

	tools, _ := got["tools"].([]any)
	require.Len(t, tools, 1)
	msgs, _ := got["messages"].([]any)
	assert.Len(t, msgs, 2)
}

func TestChat_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			})

			_, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestChat_EmptyChoicesIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","choices":[]}`))
	})

	_, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestChat_DialFailureReturnsAtOnce(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c := NewOpenAIClient(OpenAIConfig{BaseURL: "http://" + addr + "/v1", Timeout: 5 * time.Second}, nil)

	start := time.Now()
	_, err = c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err), "dial failure should be left to the caller's retry policy")
	assert.Less(t, time.Since(start), 400*time.Millisecond, "client retried the dial itself")
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.False(t, classify(context.Canceled).Transient)
	assert.True(t, classify(context.DeadlineExceeded).Transient)
	assert.False(t, classify(errors.New("marshal failed")).Transient)
}
