package mcp

import (
	"context"
	"fmt"

	"github.com/calagent/calagent/internal/agent"
)

// Backend adapts an MCP client to the orchestration loop's tool
// backend contract.
type Backend struct {
	client *Client
}

// NewBackend wraps a connected client.
func NewBackend(client *Client) *Backend {
	return &Backend{client: client}
}

// ListTools maps the server's live tool list into tool definitions.
func (b *Backend) ListTools(ctx context.Context) ([]agent.ToolDef, error) {
	tools, err := b.client.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	defs := make([]agent.ToolDef, 0, len(tools))
	for _, tool := range tools {
		if tool == nil {
			continue
		}
		defs = append(defs, agent.ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return defs, nil
}

// CallTool invokes the tool and maps its result. A result marked
// isError by the server stays an in-band outcome, not a Go error;
// transport failures surface as errors.
func (b *Backend) CallTool(ctx context.Context, name string, args map[string]any, cred map[string]any) (*agent.ToolOutcome, error) {
	result, err := b.client.CallTool(ctx, name, args, cred)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	return &agent.ToolOutcome{
		Text:       result.Text(),
		Structured: result.StructuredContent,
		IsError:    result.IsError,
	}, nil
}
