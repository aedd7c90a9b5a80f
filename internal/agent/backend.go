package agent

import "context"

// ToolBackend is one connected tool server. Implementations live in
// internal/mcp; fakes implement it directly in tests.
type ToolBackend interface {
	// ListTools returns the backend's current tool definitions.
	ListTools(ctx context.Context) ([]ToolDef, error)

	// CallTool invokes a named tool. The credential payload travels as
	// a dedicated parameter, never inside args: the transport layer is
	// the only place that folds it into the wire format. A nil cred
	// must leave the arguments untouched.
	CallTool(ctx context.Context, name string, args map[string]any, cred map[string]any) (*ToolOutcome, error)
}
