package protocol

import "github.com/google/uuid"

// TaskUpdater publishes status and artifact events for one task.
type TaskUpdater struct {
	task  *Task
	queue EventQueue
}

// NewTaskUpdater builds an updater bound to task and queue.
func NewTaskUpdater(task *Task, queue EventQueue) *TaskUpdater {
	return &TaskUpdater{task: task, queue: queue}
}

// Task returns the task being updated.
func (u *TaskUpdater) Task() *Task { return u.task }

// UpdateStatus records and publishes a state change. Terminal states
// mark the event final.
func (u *TaskUpdater) UpdateStatus(state TaskState, message *Message) error {
	u.task.State = state
	return u.queue.Enqueue(&StatusEvent{
		TaskID:  u.task.ID,
		State:   state,
		Message: message,
		Final:   state.Terminal(),
	})
}

// AddArtifact publishes a named artifact.
func (u *TaskUpdater) AddArtifact(name string, parts []Part) error {
	return u.queue.Enqueue(&ArtifactEvent{
		TaskID: u.task.ID,
		Artifact: &Artifact{
			ArtifactID: uuid.New().String(),
			Name:       name,
			Parts:      parts,
		},
	})
}

// RequestContext carries one inbound request into the bridge.
type RequestContext struct {
	// TaskID is set when the caller continues an existing task.
	TaskID string

	// ContextID groups tasks of one conversation.
	ContextID string

	// UserID is the authenticated principal, empty when anonymous.
	UserID string

	// Query is the bare text of the current turn.
	Query string

	// History is the full conversation, newest last. Preferred over
	// Query when non-empty.
	History []*Message
}
