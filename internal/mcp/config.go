package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// DefaultServerName is the server used when none is configured.
const DefaultServerName = "playwright"

// ErrServerNotFound is returned when a named server is not configured.
var ErrServerNotFound = errors.New("MCP server not configured")

// MCPConfig defines MCP server connections.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"mcpServers"`
}

// MCPServerConfig defines the configuration for a single MCP server.
type MCPServerConfig struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	Disabled bool              `json:"disabled"`
}

// DefaultPlaywrightServer launches the Playwright MCP server against the
// system Chromium.
func DefaultPlaywrightServer() MCPServerConfig {
	return MCPServerConfig{
		Command: "npx",
		Args:    []string{"@playwright/mcp@latest", "--executable-path", "/usr/bin/chromium"},
	}
}

// DefaultMCPConfig holds only the Playwright server.
func DefaultMCPConfig() *MCPConfig {
	return &MCPConfig{
		Servers: map[string]MCPServerConfig{
			DefaultServerName: DefaultPlaywrightServer(),
		},
	}
}

// LoadMCPConfig loads MCP configuration from a JSON file.
func LoadMCPConfig(path string) (*MCPConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("MCP config file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read MCP config file: %w", err)
	}

	var cfg MCPConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse MCP config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid MCP config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that every server has a command.
func (c *MCPConfig) Validate() error {
	for name, server := range c.Servers {
		if server.Command == "" {
			return fmt.Errorf("server %q: command is required", name)
		}
	}
	return nil
}

// Server returns the named server if it is configured and enabled.
func (c *MCPConfig) Server(name string) (MCPServerConfig, error) {
	server, ok := c.Servers[name]
	if !ok {
		return MCPServerConfig{}, fmt.Errorf("%w: %q (available: %v)", ErrServerNotFound, name, c.names())
	}
	if server.Disabled {
		return MCPServerConfig{}, fmt.Errorf("server %q is disabled", name)
	}
	return server, nil
}

func (c *MCPConfig) names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
