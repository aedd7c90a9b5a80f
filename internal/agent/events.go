package agent

import "encoding/json"

// EventType identifies the variant of a stream event.
type EventType string

const (
	EventContent         EventType = "content"
	EventFunctionCalling EventType = "function_calling"
	EventData            EventType = "data"
	EventDone            EventType = "done"
	EventError           EventType = "error"
	EventTimeout         EventType = "timeout"
)

// Event is one unit of the tagged output sequence produced by a chat
// completion or an orchestration run. The concrete types below are the
// only implementations; consumers type-switch over them and must handle
// every variant.
//
// Exactly one terminal event (Done, Error, or Timeout) ends a
// completion stream. An orchestration run additionally emits Data
// events after its synthetic Done, one per dispatched tool call; its
// consumers range until the channel closes.
type Event interface {
	Type() EventType

	// Terminal reports whether this event ends the stream.
	Terminal() bool
}

// ContentEvent carries one incremental text delta.
type ContentEvent struct {
	Delta string
}

func (ContentEvent) Type() EventType { return EventContent }
func (ContentEvent) Terminal() bool  { return false }

// ToolCall is a fully assembled tool invocation request emitted by the
// model. Fragments are correlated by Index during streaming; Arguments
// holds the parsed JSON once assembly completes.
type ToolCall struct {
	Index     int             `json:"index"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// FunctionCallingEvent carries all tool calls assembled from one
// completion pass, plus an advisory estimate of the output tokens they
// consumed. The estimate does not track the vendor's own accounting.
type FunctionCallingEvent struct {
	Calls        []ToolCall
	OutputTokens int
}

func (FunctionCallingEvent) Type() EventType { return EventFunctionCalling }
func (FunctionCallingEvent) Terminal() bool  { return false }

// ToolOutcome is the result of executing one tool call. Text holds the
// joined textual content parts; Structured holds machine-readable
// content when the backend returned any.
type ToolOutcome struct {
	Text       string
	Structured any
	IsError    bool
}

// DataEvent resolves exactly one dispatched tool call. Tool is the
// dispatch key; Result is nil only when the backend yielded nothing.
type DataEvent struct {
	Tool   string
	Result *ToolOutcome
}

func (DataEvent) Type() EventType { return EventData }
func (DataEvent) Terminal() bool  { return false }

// DoneEvent terminates a successful stream. Content is the final
// accumulated text, empty when the pass produced only tool calls.
// Token counts come from the API usage report and are zero when the
// vendor did not report usage.
type DoneEvent struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

func (DoneEvent) Type() EventType { return EventDone }
func (DoneEvent) Terminal() bool  { return true }

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) Type() EventType { return EventError }
func (ErrorEvent) Terminal() bool  { return true }

// TimeoutEvent terminates a stream whose deadline expired.
type TimeoutEvent struct {
	Err error
}

func (TimeoutEvent) Type() EventType { return EventTimeout }
func (TimeoutEvent) Terminal() bool  { return true }
