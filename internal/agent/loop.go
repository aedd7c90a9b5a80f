package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/calagent/calagent/internal/catalog"
)

// Purpose is the fixed description advertised for this agent.
const Purpose = "A calendar assistant that retrieves your events and reminders for today"

// instruction is prepended to every conversation. It pins the agent to
// its declared purpose.
const instruction = Purpose + "\n" +
	"You are not permitted to answer any user questions beyond your primary task, " +
	"if a user asks you, simply notify them that you do not have sufficient information to answer that question."

// CatalogEntry is one tool in the per-pass flattened catalog. Server is
// the owning backend's dispatch key.
type CatalogEntry struct {
	ToolDef
	Server string
}

// LoopConfig carries the per-pass completion parameters.
type LoopConfig struct {
	Model       string
	Temperature float32
	TopP        float32
	MaxTokens   int
	Retries     int
}

// Loop runs one reasoning pass per invocation: it advertises the
// current tool catalog to the model, interprets emitted tool calls, and
// dispatches each call to its owning backend. It deliberately does not
// re-invoke the model with tool results; the caller presents tool
// output as the final artifact.
type Loop struct {
	provider ChatProvider
	backends map[string]ToolBackend
	config   LoopConfig
	logger   *slog.Logger
}

// NewLoop builds a loop over the given provider and backend map. The
// map is treated as read-only from here on; it is shared by every
// concurrent run.
func NewLoop(provider ChatProvider, backends map[string]ToolBackend, cfg LoopConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider: provider,
		backends: backends,
		config:   cfg,
		logger:   logger.With("component", "loop"),
	}
}

// Run executes one pass over the conversation. The returned channel is
// single-consumption and closes when the pass and all tool dispatches
// have finished. cred is an opaque credential payload injected into
// each dispatched call; nil means no injection.
//
// Event order: forwarded Content deltas, one synthetic empty Done, then
// any backend listing failures, then one Data event per tool call in
// the order the model requested them.
func (l *Loop) Run(ctx context.Context, messages []Message, cred map[string]any) (<-chan Event, error) {
	if l.provider == nil {
		return nil, fmt.Errorf("no chat provider configured")
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		l.run(ctx, messages, cred, events)
	}()
	return events, nil
}

func (l *Loop) run(ctx context.Context, messages []Message, cred map[string]any, events chan<- Event) {
	msgs := make([]Message, 0, len(messages)+1)
	msgs = append(msgs, Message{Role: "system", Content: instruction})
	msgs = append(msgs, messages...)

	entries, listFailures := l.buildCatalog(ctx)

	tools := make([]ToolDef, len(entries))
	owners := make(map[string]string, len(entries))
	for i, e := range entries {
		tools[i] = e.ToolDef
		owners[e.Name] = e.Server
	}

	parallel := true
	req := &CompletionRequest{
		Model:             l.config.Model,
		Messages:          msgs,
		Tools:             tools,
		ToolChoice:        "auto",
		ParallelToolCalls: &parallel,
		Temperature:       l.config.Temperature,
		TopP:              l.config.TopP,
		MaxTokens:         l.config.MaxTokens,
		Retries:           l.config.Retries,
	}

	stream, err := l.provider.CompleteStream(ctx, req)
	if err != nil {
		emit(ctx, events, ErrorEvent{Err: err})
		return
	}

	var calls []ToolCall
consume:
	for ev := range stream {
		switch ev := ev.(type) {
		case ContentEvent:
			if !emit(ctx, events, ev) {
				return
			}
		case FunctionCallingEvent:
			calls = ev.Calls
			l.logger.Info("model requested tool calls", "count", len(calls))
		case DoneEvent:
			if !emit(ctx, events, DoneEvent{}) {
				return
			}
			break consume
		case ErrorEvent, TimeoutEvent:
			emit(ctx, events, ev)
			return
		}
	}

	// Listing failures surface after the pass so they cannot preempt
	// its output.
	for _, failure := range listFailures {
		if !emit(ctx, events, failure) {
			return
		}
	}

	if len(calls) == 0 {
		return
	}

	// Record the request in the running conversation so the model's
	// context reflects that it asked for tools.
	msgs = append(msgs, Message{Role: "assistant", ToolCalls: calls})

	for _, call := range calls {
		if !emit(ctx, events, l.dispatch(ctx, call, owners, cred)) {
			return
		}
	}
}

// emit delivers ev unless ctx is cancelled. A false return means the
// consumer abandoned the run; the caller must stop producing.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildCatalog queries every backend and flattens the results. A
// backend whose listing fails is skipped and reported as an in-band
// error result for later emission; duplicate tool names resolve
// last-write-wins.
func (l *Loop) buildCatalog(ctx context.Context) ([]CatalogEntry, []DataEvent) {
	names := make([]string, 0, len(l.backends))
	for name := range l.backends {
		names = append(names, name)
	}
	sort.Strings(names)

	var entries []CatalogEntry
	var failures []DataEvent
	seen := make(map[string]string)
	for _, server := range names {
		tools, err := l.backends[server].ListTools(ctx)
		if err != nil {
			l.logger.Warn("listing backend tools failed", "server", server, "error", err)
			failures = append(failures, DataEvent{
				Tool:   server,
				Result: &ToolOutcome{Text: fmt.Sprintf("Error: listing tools from %s failed: %v", server, err), IsError: true},
			})
			continue
		}
		for _, tool := range tools {
			if err := catalog.ValidateSchema(tool.InputSchema); err != nil {
				l.logger.Warn("dropping tool with invalid schema", "server", server, "tool", tool.Name, "error", err)
				continue
			}
			if prev, dup := seen[tool.Name]; dup {
				// Last registered wins. Documented limitation.
				l.logger.Warn("duplicate tool name across backends", "tool", tool.Name, "kept", server, "shadowed", prev)
				for i := range entries {
					if entries[i].Name == tool.Name {
						entries[i] = CatalogEntry{ToolDef: tool, Server: server}
					}
				}
			} else {
				entries = append(entries, CatalogEntry{ToolDef: tool, Server: server})
			}
			seen[tool.Name] = server
		}
	}
	return entries, failures
}

// dispatch runs a single tool call to completion. Transport failures
// are not retried here; they become in-band error results so the
// caller can still finish the task with a diagnostic.
func (l *Loop) dispatch(ctx context.Context, call ToolCall, owners map[string]string, cred map[string]any) DataEvent {
	server, ok := owners[call.Name]
	if !ok {
		l.logger.Error("tool not found in any connected backend", "tool", call.Name)
		return DataEvent{
			Tool:   call.Name,
			Result: &ToolOutcome{Text: fmt.Sprintf("Error: Tool %s not available", call.Name), IsError: true},
		}
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return DataEvent{
				Tool:   call.Name,
				Result: &ToolOutcome{Text: fmt.Sprintf("Error: arguments for %s are not an object: %v", call.Name, err), IsError: true},
			}
		}
	}

	l.logger.Info("executing tool", "tool", call.Name, "server", server)
	outcome, err := l.backends[server].CallTool(ctx, call.Name, args, cred)
	if err != nil {
		l.logger.Warn("tool call failed", "tool", call.Name, "server", server, "error", err)
		return DataEvent{
			Tool:   call.Name,
			Result: &ToolOutcome{Text: fmt.Sprintf("Error: %v", err), IsError: true},
		}
	}
	return DataEvent{Tool: call.Name, Result: outcome}
}
