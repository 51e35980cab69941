package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"sociallinks/internal/provider"
	"sociallinks/internal/tool"
)

// Toolbox adapts an MCP server's tools to the tool.Toolbox contract.
// Tool execution failures become error-flagged results the model can see;
// only a lost session is reported as an error.
type Toolbox struct {
	client     MCPClient
	serverName string
	logger     *slog.Logger
}

var _ tool.Toolbox = (*Toolbox)(nil)

// ToolboxOption configures a Toolbox.
type ToolboxOption func(*Toolbox)

// WithServerName sets the server name used in log lines.
func WithServerName(name string) ToolboxOption {
	return func(t *Toolbox) {
		t.serverName = name
	}
}

// WithToolboxLogger sets the logger for tool calls.
func WithToolboxLogger(logger *slog.Logger) ToolboxOption {
	return func(t *Toolbox) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewToolbox creates a Toolbox for a connected client.
func NewToolbox(client MCPClient, opts ...ToolboxOption) *Toolbox {
	t := &Toolbox{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Catalog lists the server's tools in the shape the model expects.
func (t *Toolbox) Catalog(ctx context.Context) ([]provider.ToolDefinition, error) {
	infos, err := t.client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	defs := make([]provider.ToolDefinition, 0, len(infos))
	for _, info := range infos {
		defs = append(defs, ToDefinition(info))
	}

	t.logger.Debug("retrieved tool catalog", "server", t.serverName, "tools", len(defs))
	return defs, nil
}

// Invoke forwards the call to the MCP server and flattens the result to text.
func (t *Toolbox) Invoke(ctx context.Context, name string, input json.RawMessage) (provider.ToolResult, error) {
	t.logger.Debug("calling tool", "server", t.serverName, "tool", name, "input", truncate(string(input), 200))

	result, err := t.client.CallTool(ctx, name, input)
	if err != nil {
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotConnected) {
			return provider.ToolResult{}, fmt.Errorf("tool %q: %w", name, err)
		}
		if ctx.Err() != nil {
			return provider.ToolResult{}, ctx.Err()
		}
		t.logger.Warn("tool execution failed", "server", t.serverName, "tool", name, "error", err)
		return provider.ToolResult{Output: fmt.Sprintf("Error: %v", err), IsError: true}, nil
	}

	output := FlattenText(result.Content)
	if result.IsError {
		t.logger.Warn("tool reported an error", "server", t.serverName, "tool", name, "output", truncate(output, 200))
		return provider.ToolResult{Output: output, IsError: true}, nil
	}

	t.logger.Debug("tool succeeded", "server", t.serverName, "tool", name, "output", truncate(output, 100))
	return provider.ToolResult{Output: output}, nil
}

// ToDefinition maps MCP tool metadata onto a tool definition. The input
// schema is passed through unchanged; a missing schema becomes an empty
// object schema.
func ToDefinition(info MCPToolInfo) provider.ToolDefinition {
	schema := info.InputSchema
	if schema == nil {
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return provider.ToolDefinition{
		Name:        info.Name,
		Description: info.Description,
		InputSchema: schema,
	}
}

// truncate shortens a string for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
