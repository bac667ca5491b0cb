package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type httpFake struct {
	mu       sync.Mutex
	sessions []string // session header seen on each request
	auth     []string
}

func (f *httpFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.sessions = append(f.sessions, r.Header.Get(sessionHeader))
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	var msg struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	switch msg.Method {
	case "initialize":
		w.Header().Set(sessionHeader, "sess-1")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"%s","serverInfo":{"name":"http-fake","version":"3"}}}`,
			msg.ID, protocolVersion)
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	case "tools/list":
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%d,\n", msg.ID)
		fmt.Fprint(w, "data: \"result\":{\"tools\":[{\"name\":\"lookup\"}]}}\n\n")
	case "tools/call":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"found"}]}}`, msg.ID)
	default:
		http.Error(w, "nope", http.StatusNotFound)
	}
}

func TestConnect_HTTP(t *testing.T) {
	fake := &httpFake{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	spec := ServerSpec{
		Name:      "web",
		Transport: TransportHTTP,
		URL:       srv.URL,
		Headers:   map[string]string{"Authorization": "Bearer t0ken"},
	}
	ctx := context.Background()
	client, tools, err := Connect(ctx, spec, 0, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if len(tools) != 1 || tools[0].Name != "lookup" {
		t.Fatalf("tools = %+v", tools)
	}
	out, err := client.CallTool(ctx, "lookup", nil)
	if err != nil || out != "found" {
		t.Fatalf("CallTool = %q, %v", out, err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.sessions[0] != "" {
		t.Errorf("initialize carried session %q", fake.sessions[0])
	}
	for i, s := range fake.sessions[1:] {
		if s != "sess-1" {
			t.Errorf("request %d session = %q, want sess-1", i+1, s)
		}
	}
	for i, a := range fake.auth {
		if a != "Bearer t0ken" {
			t.Errorf("request %d Authorization = %q", i, a)
		}
	}
}

func TestHTTPTransport_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestHTTPTransport_EventStreamWithoutResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":99,\"result\":{}}\n\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	if _, err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); err == nil {
		t.Fatal("expected error when no event matches the request id")
	}
}
