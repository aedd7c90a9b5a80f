// Package agent defines the streaming chat-provider abstraction and the
// tool-orchestration loop that drives a single reasoning pass against it.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// ChatProvider wraps a vendor chat-completion API behind a uniform
// event vocabulary. Streaming and non-streaming mode yield the same
// event sequence, so callers are mode-agnostic.
//
// Implementations must be safe for concurrent use; each call returns an
// independent single-consumption stream.
type ChatProvider interface {
	// Complete performs one non-streaming round trip and synthesizes
	// the event sequence from the single response object.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan Event, error)

	// CompleteStream performs a streaming completion, emitting each
	// text delta as it arrives.
	CompleteStream(ctx context.Context, req *CompletionRequest) (<-chan Event, error)

	// Name returns the provider identifier used for logging.
	Name() string
}

// Message is one entry of the model's conversation context. Order is
// semantically significant.
type Message struct {
	// Role is "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	Content string `json:"content,omitempty"`

	// ToolCalls records tool requests on assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID correlates a tool-result message to its call.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolDef describes one invocable tool advertised to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ResponseFormat constrains the shape of the model output. When Type is
// "json_schema" the returned content is treated as a tool call named
// for the schema rather than as prose.
type ResponseFormat struct {
	Type       string          `json:"type"` // text | json_object | json_schema
	SchemaName string          `json:"schema_name,omitempty"`
	Schema     json.RawMessage `json:"schema,omitempty"`
}

// CompletionRequest contains all parameters for one completion attempt.
type CompletionRequest struct {
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`

	Tools []ToolDef `json:"tools,omitempty"`

	// ToolChoice is "auto", "none", "required", or empty for the
	// provider default. Only consulted when Tools is non-empty.
	ToolChoice string `json:"tool_choice,omitempty"`

	// ParallelToolCalls, when set, toggles parallel tool requests.
	ParallelToolCalls *bool `json:"parallel_tool_calls,omitempty"`

	Temperature    float32         `json:"temperature,omitempty"`
	TopP           float32         `json:"top_p,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// Retries is the number of additional attempts after the first.
	// The whole completion attempt is retried, never individual chunks.
	Retries int `json:"retries,omitempty"`
}

// CompletionError reports an exhausted retry budget. Attempts counts
// every attempt made, including the first.
type CompletionError struct {
	Attempts int
	Err      error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("chat completion failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }
