// Package protocol defines the task-status and artifact vocabulary the
// bridge publishes into. It is an interface layer only; no wire format
// lives here.
package protocol

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnsupportedOperation reports an operation the agent does not
// implement.
var ErrUnsupportedOperation = errors.New("operation not supported")

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateReceived  TaskState = "received"
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
)

// Terminal reports whether the state ends the task.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// Part is one piece of message or artifact content.
type Part interface {
	Kind() string
}

// TextPart carries plain text.
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) Kind() string { return "text" }

// DataPart carries structured content.
type DataPart struct {
	Data map[string]any `json:"data"`
}

func (DataPart) Kind() string { return "data" }

// Message is one conversational entry of a task.
type Message struct {
	MessageID string `json:"message_id"`

	// Role is "user" or "agent".
	Role string `json:"role"`

	Parts []Part `json:"parts"`
}

// Text joins the message's text parts.
func (m *Message) Text() string {
	var out string
	for _, part := range m.Parts {
		if tp, ok := part.(TextPart); ok {
			if out != "" && tp.Text != "" {
				out += "\n"
			}
			out += tp.Text
		}
	}
	return out
}

// NewAgentMessage builds an agent-authored text message.
func NewAgentMessage(text string) *Message {
	return &Message{
		MessageID: uuid.New().String(),
		Role:      "agent",
		Parts:     []Part{TextPart{Text: text}},
	}
}

// Artifact is one output the task produced.
type Artifact struct {
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name"`
	Parts      []Part `json:"parts"`
}

// Task is one unit of bridged work.
type Task struct {
	ID        string    `json:"id"`
	ContextID string    `json:"context_id"`
	State     TaskState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTask creates a task in the received state.
func NewTask(contextID string) *Task {
	return &Task{
		ID:        uuid.New().String(),
		ContextID: contextID,
		State:     TaskStateReceived,
		CreatedAt: time.Now(),
	}
}

// StatusEvent reports a task state change, optionally with a message.
type StatusEvent struct {
	TaskID  string    `json:"task_id"`
	State   TaskState `json:"state"`
	Message *Message  `json:"message,omitempty"`

	// Final marks the last event of the task.
	Final bool `json:"final"`
}

// ArtifactEvent delivers one artifact.
type ArtifactEvent struct {
	TaskID   string    `json:"task_id"`
	Artifact *Artifact `json:"artifact"`
}

// EventQueue receives the bridge's task events. The transport behind it
// is out of scope; tests use an in-memory implementation.
type EventQueue interface {
	Enqueue(event any) error
}
