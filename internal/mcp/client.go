// Package mcp provides MCP (Model Context Protocol) integration for connecting
// to external tool servers.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned when a call is made before Connect or after Close.
	ErrNotConnected = errors.New("not connected to MCP server")
	// ErrSessionClosed is returned when the server connection is gone.
	ErrSessionClosed = errors.New("MCP session closed")
)

// ProtocolVersion is the MCP revision announced during initialization.
const ProtocolVersion = "2024-11-05"

const (
	clientName    = "sociallinks"
	clientVersion = "1.0.0"
)

// MCPToolInfo represents tool metadata from an MCP server.
type MCPToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ContentItem is one typed element of a tool call result.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// CallResult is the raw result of a tools/call request.
type CallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// MCPClient handles communication with an MCP server.
type MCPClient interface {
	// Connect establishes a connection to the MCP server.
	Connect(ctx context.Context) error

	// ListTools retrieves the list of available tools from the MCP server.
	ListTools(ctx context.Context) ([]MCPToolInfo, error)

	// CallTool invokes a tool on the MCP server with the given arguments.
	CallTool(ctx context.Context, name string, args json.RawMessage) (*CallResult, error)

	// Close terminates the connection to the MCP server.
	Close() error
}

// JSONRPCRequest represents a JSON-RPC 2.0 request or notification.
// Notifications carry no ID.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response message.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents an error in a JSON-RPC 2.0 response.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for JSONRPCError.
func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// FlattenText joins the text items of a tool result in order, one per line.
// Items of other types are dropped.
func FlattenText(items []ContentItem) string {
	var texts []string
	for _, item := range items {
		if item.Type == "text" {
			texts = append(texts, item.Text)
		}
	}
	return strings.Join(texts, "\n")
}
