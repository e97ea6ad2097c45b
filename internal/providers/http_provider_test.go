package providers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPProvider_Chat_ParsesPlainContentResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing or wrong Authorization header: %q", r.Header.Get("Authorization"))
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if body["model"] != "test-model" {
			t.Errorf("model = %v, want test-model", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", "test-key", srv.URL, "", "test-model", 5000)
	resp, err := p.Chat(t.Context(), ChatRequest{Messages: []Message{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi there" {
		t.Fatalf("content = %q, want %q", resp.Content, "hi there")
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("finishReason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 12 {
		t.Fatalf("usage = %+v, want total 12", resp.Usage)
	}
}

func TestHTTPProvider_Chat_ParsesToolCallsAndArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[{"id":"call-1","function":{"name":"fs.read","arguments":"{\"path\":\"notes.md\"}"}}]},"finish_reason":"tool_calls"}]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", "key", srv.URL, "", "test-model", 5000)
	resp, err := p.Chat(t.Context(), ChatRequest{Messages: []Message{{Role: "user", Content: "read the file"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.FinishReason != "tool_calls" {
		t.Fatalf("finishReason = %q, want tool_calls", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected exactly one tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "fs.read" {
		t.Fatalf("tool name = %q, want fs.read", tc.Name)
	}
	if tc.Arguments["path"] != "notes.md" {
		t.Fatalf("tool arguments = %+v, want path=notes.md", tc.Arguments)
	}
}

func TestHTTPProvider_Chat_MalformedToolArgumentsFallBackToEmptyObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[{"id":"call-1","function":{"name":"fs.read","arguments":"not json"}}]},"finish_reason":"tool_calls"}]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", "key", srv.URL, "", "test-model", 5000)
	resp, err := p.Chat(t.Context(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls[0].Arguments) != 0 {
		t.Fatalf("expected malformed arguments to fall back to an empty object, got %+v", resp.ToolCalls[0].Arguments)
	}
}

func TestHTTPProvider_Chat_NonOKStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", "key", srv.URL, "", "test-model", 5000)
	_, err := p.Chat(t.Context(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err == nil {
		t.Fatal("expected a non-200 response to produce an error")
	}
}

func TestHTTPProvider_Chat_NoChoicesIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", "key", srv.URL, "", "test-model", 5000)
	_, err := p.Chat(t.Context(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err == nil {
		t.Fatal("expected an empty choices array to produce an error")
	}
}
