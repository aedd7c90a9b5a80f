package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// protocolVersion is the MCP revision this client negotiates.
const protocolVersion = "2024-11-05"

// Client is an MCP client connected to a single server.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*Tool
	serverInfo ServerInfo
}

// NewClient creates a client for the given server configuration.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("mcp_server", cfg.ID),
	}
}

// newClientWithTransport is used by tests to inject a fake transport.
func newClientWithTransport(cfg *ServerConfig, transport Transport, logger *slog.Logger) *Client {
	c := NewClient(cfg, logger)
	c.transport = transport
	return c
}

// Connect establishes the transport, performs the initialize handshake,
// and primes the tool cache.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "calagent",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.mu.Unlock()

	c.logger.Info("connected to MCP server",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if _, err := c.ListTools(ctx); err != nil {
		c.logger.Warn("initial tool listing failed", "error", err)
	}

	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns the connected server's identity.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Connected reports whether the client is connected.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ListTools fetches the server's current tool list. The result is
// cached for CachedTools but every call hits the server, so a catalog
// built from it reflects tools added or removed since connect.
func (c *Client) ListTools(ctx context.Context) ([]*Tool, error) {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()

	return resp.Tools, nil
}

// CachedTools returns the tools from the last successful listing.
func (c *Client) CachedTools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes a tool. cred is an opaque credential payload; when
// non-nil it is folded into the wire arguments under AuthInfoKey. This
// is the only place that folding happens, and the caller's args map is
// never mutated.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, cred map[string]any) (*ToolCallResult, error) {
	wireArgs := args
	if cred != nil {
		wireArgs = make(map[string]any, len(args)+1)
		for k, v := range args {
			wireArgs[k] = v
		}
		wireArgs[AuthInfoKey] = cred
	}

	result, err := c.transport.Call(ctx, "tools/call", CallToolParams{
		Name:      name,
		Arguments: wireArgs,
	})
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}

	return &callResult, nil
}
