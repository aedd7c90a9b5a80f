// Package bridge adapts conversational task requests onto the
// orchestration loop, translating its event stream into task status
// updates and artifacts.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/calagent/calagent/internal/agent"
	"github.com/calagent/calagent/internal/protocol"
	"github.com/calagent/calagent/internal/vault"
)

// Artifact names used for loop output.
const (
	textArtifactName = "Text Response"
	dataArtifactName = "Calendar Events Data"
)

// anonymousUser is the caller id when no principal authenticated.
const anonymousUser = "anonymous"

// reauthGuidance is the failed-status message for callers with no
// stored credential.
const reauthGuidance = "No calendar credentials found. Please authenticate again to grant access to your calendar."

// Runner drives one orchestration pass. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, messages []agent.Message, cred map[string]any) (<-chan agent.Event, error)
}

// CredentialSource looks up a caller's stored credential. Absence is a
// normal outcome.
type CredentialSource interface {
	GetCredential(ctx context.Context, userID string) (*vault.Credential, bool)
}

// Executor bridges task requests to the loop.
type Executor struct {
	runner Runner
	creds  CredentialSource
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*protocol.Task
}

// NewExecutor builds an executor over the loop and credential source.
func NewExecutor(runner Runner, creds CredentialSource, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner: runner,
		creds:  creds,
		logger: logger.With("component", "bridge"),
		active: make(map[string]*protocol.Task),
	}
}

// Execute runs one task to a terminal status. Expected failures, a
// missing credential above all, are reported through the task status
// and return nil; only queue publication failures surface as errors.
func (e *Executor) Execute(ctx context.Context, reqCtx *protocol.RequestContext, queue protocol.EventQueue) error {
	task := e.resolveTask(reqCtx)
	updater := protocol.NewTaskUpdater(task, queue)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task execution panicked", "task", task.ID, "panic", r)
			updater.UpdateStatus(protocol.TaskStateFailed,
				protocol.NewAgentMessage("Internal error while processing your request."))
		}
		e.forget(task.ID)
	}()

	userID := reqCtx.UserID
	if userID == "" {
		userID = anonymousUser
	}
	logger := e.logger.With("task", task.ID, "user", userID)

	if err := updater.UpdateStatus(protocol.TaskStateWorking,
		protocol.NewAgentMessage("Retrieving your calendar events...")); err != nil {
		return fmt.Errorf("publish working status: %w", err)
	}

	cred, ok := e.creds.GetCredential(ctx, userID)
	if !ok {
		logger.Info("no stored credential, asking caller to re-authenticate")
		return updater.UpdateStatus(protocol.TaskStateFailed,
			protocol.NewAgentMessage(reauthGuidance))
	}

	messages := conversationMessages(reqCtx)
	if len(messages) == 0 {
		return updater.UpdateStatus(protocol.TaskStateFailed,
			protocol.NewAgentMessage("Empty request."))
	}

	// Cancelling on return releases the run goroutine if consumption
	// stops before the channel drains.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := e.runner.Run(ctx, messages, cred.Payload())
	if err != nil {
		logger.Error("starting orchestration failed", "error", err)
		return updater.UpdateStatus(protocol.TaskStateFailed,
			protocol.NewAgentMessage(fmt.Sprintf("Failed to process request: %v", err)))
	}

	return e.consume(events, updater, logger)
}

// consume translates loop events into status updates and artifacts.
// A Done event by itself does not complete the task; tool results
// arriving after it decide the terminal status.
func (e *Executor) consume(events <-chan agent.Event, updater *protocol.TaskUpdater, logger *slog.Logger) error {
	var text string

	for ev := range events {
		switch ev := ev.(type) {
		case agent.ContentEvent:
			if ev.Delta == "" {
				continue
			}
			text += ev.Delta
			if err := updater.UpdateStatus(protocol.TaskStateWorking,
				protocol.NewAgentMessage(ev.Delta)); err != nil {
				return fmt.Errorf("publish delta: %w", err)
			}
			if err := updater.AddArtifact(textArtifactName, []protocol.Part{protocol.TextPart{Text: ev.Delta}}); err != nil {
				return fmt.Errorf("publish delta artifact: %w", err)
			}

		case agent.DataEvent:
			if err := e.publishToolResult(ev, updater, logger); err != nil {
				return err
			}

		case agent.DoneEvent:
			// Tool results may still follow.

		case agent.ErrorEvent:
			logger.Error("orchestration failed", "error", ev.Err)
			return updater.UpdateStatus(protocol.TaskStateFailed,
				protocol.NewAgentMessage(fmt.Sprintf("Failed to process request: %v", ev.Err)))

		case agent.TimeoutEvent:
			logger.Error("orchestration timed out", "error", ev.Err)
			return updater.UpdateStatus(protocol.TaskStateFailed,
				protocol.NewAgentMessage("The request timed out. Please try again."))
		}
	}

	if updater.Task().State.Terminal() {
		return nil
	}

	// No tool produced a result; the pass's text, already published as
	// delta artifacts, is the answer.
	if text != "" {
		return updater.UpdateStatus(protocol.TaskStateCompleted, protocol.NewAgentMessage(text))
	}
	return updater.UpdateStatus(protocol.TaskStateCompleted,
		protocol.NewAgentMessage("No response generated."))
}

// publishToolResult maps one resolved tool call onto artifacts and a
// terminal status.
func (e *Executor) publishToolResult(ev agent.DataEvent, updater *protocol.TaskUpdater, logger *slog.Logger) error {
	result := ev.Result
	if result == nil {
		return updater.UpdateStatus(protocol.TaskStateCompleted,
			protocol.NewAgentMessage("No result from tool"))
	}

	if result.IsError {
		// In-band tool errors still complete the task; the diagnostic
		// text is the answer the caller gets.
		logger.Warn("tool returned an error", "tool", ev.Tool, "error", result.Text)
	}

	if structured, ok := result.Structured.(map[string]any); ok && len(structured) > 0 {
		if err := updater.AddArtifact(dataArtifactName, []protocol.Part{protocol.DataPart{Data: structured}}); err != nil {
			return fmt.Errorf("publish data artifact: %w", err)
		}
		summary := result.Text
		if summary == "" {
			summary = fmt.Sprintf("Retrieved results from %s", ev.Tool)
		}
		return updater.UpdateStatus(protocol.TaskStateCompleted, protocol.NewAgentMessage(summary))
	}

	text := result.Text
	if text == "" {
		text = "No result from tool"
	}
	if err := updater.AddArtifact(textArtifactName, []protocol.Part{protocol.TextPart{Text: text}}); err != nil {
		return fmt.Errorf("publish text artifact: %w", err)
	}
	return updater.UpdateStatus(protocol.TaskStateCompleted, protocol.NewAgentMessage(text))
}

// Cancel removes the task from active bookkeeping and reports that
// cancellation is not supported. In-flight work is not interrupted.
func (e *Executor) Cancel(ctx context.Context, taskID string) error {
	e.forget(taskID)
	return protocol.ErrUnsupportedOperation
}

func (e *Executor) resolveTask(reqCtx *protocol.RequestContext) *protocol.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	if reqCtx.TaskID != "" {
		if task, ok := e.active[reqCtx.TaskID]; ok {
			return task
		}
	}
	task := protocol.NewTask(reqCtx.ContextID)
	if reqCtx.TaskID != "" {
		task.ID = reqCtx.TaskID
	}
	e.active[task.ID] = task
	return task
}

func (e *Executor) forget(taskID string) {
	e.mu.Lock()
	delete(e.active, taskID)
	e.mu.Unlock()
}

// conversationMessages converts the request into model messages. The
// full history wins over the bare query; empty texts are skipped; the
// protocol's "agent" role maps to the model's "assistant".
func conversationMessages(reqCtx *protocol.RequestContext) []agent.Message {
	if len(reqCtx.History) == 0 {
		if reqCtx.Query == "" {
			return nil
		}
		return []agent.Message{{Role: "user", Content: reqCtx.Query}}
	}

	var messages []agent.Message
	for _, msg := range reqCtx.History {
		text := msg.Text()
		if text == "" {
			continue
		}
		role := msg.Role
		if role == "agent" {
			role = "assistant"
		}
		messages = append(messages, agent.Message{Role: role, Content: text})
	}
	return messages
}
