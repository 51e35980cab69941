package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockMCPClient is a mock implementation of MCPClient for testing.
type MockMCPClient struct {
	ConnectFunc   func(ctx context.Context) error
	ListToolsFunc func(ctx context.Context) ([]MCPToolInfo, error)
	CallToolFunc  func(ctx context.Context, name string, args json.RawMessage) (*CallResult, error)
	CloseFunc     func() error

	mu        sync.Mutex
	connected bool
	closes    int
}

// NewMockMCPClient creates a new MockMCPClient with default implementations.
func NewMockMCPClient() *MockMCPClient {
	return &MockMCPClient{}
}

// Connect implements MCPClient.
func (m *MockMCPClient) Connect(ctx context.Context) error {
	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(ctx); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// ListTools implements MCPClient.
func (m *MockMCPClient) ListTools(ctx context.Context) ([]MCPToolInfo, error) {
	if m.ListToolsFunc != nil {
		return m.ListToolsFunc(ctx)
	}
	return []MCPToolInfo{
		{
			Name:        "browser_navigate",
			Description: "Navigate to a URL",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The URL to navigate to",
					},
				},
				"required": []any{"url"},
			},
		},
	}, nil
}

// CallTool implements MCPClient.
func (m *MockMCPClient) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallResult, error) {
	if m.CallToolFunc != nil {
		return m.CallToolFunc(ctx, name, args)
	}
	return &CallResult{
		Content: []ContentItem{{Type: "text", Text: fmt.Sprintf("Called %s with args: %s", name, args)}},
	}, nil
}

// Close implements MCPClient.
func (m *MockMCPClient) Close() error {
	m.mu.Lock()
	m.connected = false
	m.closes++
	m.mu.Unlock()
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// IsConnected returns whether the mock client is connected.
func (m *MockMCPClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Closes returns how many times Close was called.
func (m *MockMCPClient) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}
