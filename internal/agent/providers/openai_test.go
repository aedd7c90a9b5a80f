package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calagent/calagent/internal/agent"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*OpenAIProvider, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	provider := NewOpenAIProvider(
		"test-key",
		server.URL+"/v1",
		"gpt-4o",
		slog.New(slog.DiscardHandler),
		WithRetryDelay(time.Millisecond),
	)
	return provider, server
}

// writeStreamChunks writes an SSE body from pre-marshaled chunk JSON.
func writeStreamChunks(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, chunk := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", chunk)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func contentChunk(text string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`, text)
}

func toolChunk(index int, id, name, args string) string {
	idField := ""
	if id != "" {
		idField = fmt.Sprintf(`"id":%q,"type":"function",`, id)
	}
	nameField := ""
	if name != "" {
		nameField = fmt.Sprintf(`"name":%q,`, name)
	}
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":%d,%s"function":{%s"arguments":%q}}]},"finish_reason":null}]}`,
		index, idField, nameField, args)
}

func usageChunk(prompt, completion int) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":%d,"completion_tokens":%d,"total_tokens":%d}}`,
		prompt, completion, prompt+completion)
}

func collect(t *testing.T, events <-chan agent.Event) []agent.Event {
	t.Helper()
	var got []agent.Event
	for ev := range events {
		got = append(got, ev)
	}
	return got
}

func TestStreamAssemblesFragmentedToolCalls(t *testing.T) {
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeStreamChunks(w,
			toolChunk(0, "call_a", "list_events", `{"day":`),
			toolChunk(1, "call_b", "list_reminders", `{"scope":`),
			toolChunk(0, "", "", `"today"}`),
			toolChunk(1, "", "", `"all"}`),
			usageChunk(12, 30),
		)
	})

	events, err := provider.CompleteStream(context.Background(), &agent.CompletionRequest{
		Messages: []agent.Message{{Role: "user", Content: "what's on today?"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	got := collect(t, events)

	if len(got) != 2 {
		t.Fatalf("expected function-calling + done, got %d events: %#v", len(got), got)
	}

	fc, ok := got[0].(agent.FunctionCallingEvent)
	if !ok {
		t.Fatalf("expected FunctionCallingEvent, got %T", got[0])
	}
	if len(fc.Calls) != 2 {
		t.Fatalf("expected 2 assembled calls, got %d", len(fc.Calls))
	}

	var args0 map[string]string
	if err := json.Unmarshal(fc.Calls[0].Arguments, &args0); err != nil {
		t.Fatalf("call 0 arguments: %v", err)
	}
	if fc.Calls[0].Name != "list_events" || fc.Calls[0].ID != "call_a" || args0["day"] != "today" {
		t.Errorf("call 0 assembled wrong: %+v args=%v", fc.Calls[0], args0)
	}

	var args1 map[string]string
	if err := json.Unmarshal(fc.Calls[1].Arguments, &args1); err != nil {
		t.Fatalf("call 1 arguments: %v", err)
	}
	if fc.Calls[1].Name != "list_reminders" || args1["scope"] != "all" {
		t.Errorf("call 1 assembled wrong: %+v args=%v", fc.Calls[1], args1)
	}

	if fc.OutputTokens <= functionCallOverheadTokens {
		t.Errorf("token estimate missing argument cost: %d", fc.OutputTokens)
	}

	done, ok := got[1].(agent.DoneEvent)
	if !ok {
		t.Fatalf("expected DoneEvent, got %T", got[1])
	}
	if done.InputTokens != 12 || done.OutputTokens != 30 {
		t.Errorf("usage not carried: %+v", done)
	}
}

func TestStreamForwardsContentDeltas(t *testing.T) {
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeStreamChunks(w,
			contentChunk("Hel"),
			contentChunk("lo"),
		)
	})

	events, err := provider.CompleteStream(context.Background(), &agent.CompletionRequest{
		Messages: []agent.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	got := collect(t, events)

	if len(got) != 3 {
		t.Fatalf("expected 2 deltas + done, got %d events", len(got))
	}
	if d, ok := got[0].(agent.ContentEvent); !ok || d.Delta != "Hel" {
		t.Errorf("first delta wrong: %#v", got[0])
	}
	done, ok := got[2].(agent.DoneEvent)
	if !ok {
		t.Fatalf("expected DoneEvent, got %T", got[2])
	}
	if done.Content != "Hello" {
		t.Errorf("accumulated content = %q, want %q", done.Content, "Hello")
	}
}

func TestStreamRetriesWithinBudget(t *testing.T) {
	var calls atomic.Int32
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
			return
		}
		writeStreamChunks(w, contentChunk("ok"))
	})

	events, err := provider.CompleteStream(context.Background(), &agent.CompletionRequest{
		Messages: []agent.Message{{Role: "user", Content: "hi"}},
		Retries:  2,
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	got := collect(t, events)

	if n := calls.Load(); n != 3 {
		t.Errorf("server saw %d attempts, want 3", n)
	}
	last := got[len(got)-1]
	if done, ok := last.(agent.DoneEvent); !ok || done.Content != "ok" {
		t.Errorf("expected successful done after retries, got %#v", last)
	}
}

func TestStreamExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
	})

	events, err := provider.CompleteStream(context.Background(), &agent.CompletionRequest{
		Messages: []agent.Message{{Role: "user", Content: "hi"}},
		Retries:  2,
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	got := collect(t, events)

	if n := calls.Load(); n != 3 {
		t.Errorf("server saw %d attempts, want exactly 3", n)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the terminal error, got %d events: %#v", len(got), got)
	}
	errEv, ok := got[0].(agent.ErrorEvent)
	if !ok {
		t.Fatalf("expected ErrorEvent, got %T", got[0])
	}
	var completionErr *agent.CompletionError
	if !errors.As(errEv.Err, &completionErr) {
		t.Fatalf("expected CompletionError, got %v", errEv.Err)
	}
	if completionErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", completionErr.Attempts)
	}
}

func TestStreamRejectsUnparseableArguments(t *testing.T) {
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeStreamChunks(w,
			toolChunk(0, "call_a", "list_events", `{"day": not json`),
		)
	})

	events, err := provider.CompleteStream(context.Background(), &agent.CompletionRequest{
		Messages: []agent.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	got := collect(t, events)

	last := got[len(got)-1]
	if _, ok := last.(agent.ErrorEvent); !ok {
		t.Fatalf("expected ErrorEvent for unparseable arguments, got %#v", last)
	}
	for _, ev := range got {
		if _, ok := ev.(agent.FunctionCallingEvent); ok {
			t.Errorf("half-valid call set must not be emitted")
		}
	}
}

func TestNonStreamingMatchesStreamingShape(t *testing.T) {
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"r1","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"",
				"tool_calls":[{"id":"call_a","type":"function","function":{"name":"list_events","arguments":"{\"day\":\"today\"}"}}]},
				"finish_reason":"tool_calls"}],
			"usage":{"prompt_tokens":12,"completion_tokens":30,"total_tokens":42}
		}`)
	})

	events, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.Message{{Role: "user", Content: "what's on today?"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := collect(t, events)

	if len(got) != 2 {
		t.Fatalf("expected function-calling + done, got %d events: %#v", len(got), got)
	}
	fc, ok := got[0].(agent.FunctionCallingEvent)
	if !ok {
		t.Fatalf("expected FunctionCallingEvent, got %T", got[0])
	}
	if len(fc.Calls) != 1 || fc.Calls[0].Name != "list_events" {
		t.Errorf("calls wrong: %+v", fc.Calls)
	}
	done, ok := got[1].(agent.DoneEvent)
	if !ok {
		t.Fatalf("expected DoneEvent, got %T", got[1])
	}
	if done.InputTokens != 12 || done.OutputTokens != 30 {
		t.Errorf("usage not carried: %+v", done)
	}
}

func TestNonStreamingSchemaOutputBecomesToolCall(t *testing.T) {
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"r1","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"{\"events\":[]}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":4,"total_tokens":9}
		}`)
	})

	events, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.Message{{Role: "user", Content: "list"}},
		ResponseFormat: &agent.ResponseFormat{
			Type:       "json_schema",
			SchemaName: "calendar_events",
			Schema:     json.RawMessage(`{"type":"object"}`),
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := collect(t, events)

	var fc *agent.FunctionCallingEvent
	for _, ev := range got {
		if v, ok := ev.(agent.FunctionCallingEvent); ok {
			fc = &v
		}
		if _, ok := ev.(agent.ContentEvent); ok {
			t.Errorf("schema-constrained output must not surface as content")
		}
	}
	if fc == nil || len(fc.Calls) != 1 {
		t.Fatalf("expected one synthesized call, got %#v", got)
	}
	if fc.Calls[0].Name != "calendar_events" {
		t.Errorf("call name = %q, want schema name", fc.Calls[0].Name)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{`{"day":"today"}`, 4},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.in); got != tt.want {
			t.Errorf("estimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
