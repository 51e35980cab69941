// Package config loads runtime settings from defaults, an optional YAML
// file, an optional .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"sociallinks/internal/mcp"
	"sociallinks/internal/provider"
)

// DotEnvFile is read from the working directory when present.
const DotEnvFile = ".env"

// placeholderAPIKey is the value shipped in example .env files.
const placeholderAPIKey = "your_api_key_here"

// ErrMissingAPIKey is returned when no usable Anthropic API key is configured.
var ErrMissingAPIKey = errors.New("ANTHROPIC_API_KEY is not set")

// Config holds all runtime settings.
type Config struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	BaseURL         string `yaml:"base_url" env:"ANTHROPIC_BASE_URL"`
	Model           string `yaml:"model" env:"SOCIALLINKS_MODEL"`
	MaxTokens       int64  `yaml:"max_tokens" env:"SOCIALLINKS_MAX_TOKENS"`

	// MaxIterations overrides each task's completion budget when positive.
	MaxIterations int  `yaml:"max_iterations" env:"SOCIALLINKS_MAX_ITERATIONS"`
	RejectMixed   bool `yaml:"reject_mixed_final_answer" env:"SOCIALLINKS_REJECT_MIXED"`

	MCPConfigPath   string `yaml:"mcp_config" env:"SOCIALLINKS_MCP_CONFIG"`
	Server          string `yaml:"server" env:"SOCIALLINKS_SERVER"`
	ConnectAttempts uint   `yaml:"connect_attempts" env:"SOCIALLINKS_CONNECT_ATTEMPTS"`

	CompletionTimeout time.Duration `yaml:"completion_timeout" env:"SOCIALLINKS_COMPLETION_TIMEOUT"`
	ToolTimeout       time.Duration `yaml:"tool_timeout" env:"SOCIALLINKS_TOOL_TIMEOUT"`

	Concurrency int    `yaml:"concurrency" env:"SOCIALLINKS_CONCURRENCY"`
	LogLevel    string `yaml:"log_level" env:"SOCIALLINKS_LOG_LEVEL"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Model:             provider.DefaultClaudeModel,
		MaxTokens:         provider.DefaultMaxTokens,
		Server:            mcp.DefaultServerName,
		ConnectAttempts:   3,
		CompletionTimeout: 2 * time.Minute,
		ToolTimeout:       time.Minute,
		Concurrency:       1,
		LogLevel:          "info",
	}
}

// Load reads the YAML file at path (skipped when empty), the .env file in
// the working directory and the process environment. Values in .env never
// override variables already set in the environment.
func Load(path string) (*Config, error) {
	return load(path, DotEnvFile, environ())
}

func load(path, dotEnvPath string, environment map[string]string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	merged := make(map[string]string, len(environment))
	if dotEnvPath != "" {
		values, err := godotenv.Read(dotEnvPath)
		switch {
		case err == nil:
			for k, v := range values {
				merged[k] = v
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read %s: %w", dotEnvPath, err)
		}
	}
	for k, v := range environment {
		merged[k] = v
	}

	if err := env.ParseWithOptions(cfg, env.Options{Environment: merged}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return cfg, nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	var errs []error

	key := strings.TrimSpace(c.AnthropicAPIKey)
	if key == "" || key == placeholderAPIKey {
		errs = append(errs, ErrMissingAPIKey)
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens))
	}
	if c.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("max_iterations must not be negative, got %d", c.MaxIterations))
	}
	if c.Server == "" {
		errs = append(errs, errors.New("server is required"))
	}
	if c.ConnectAttempts == 0 {
		errs = append(errs, errors.New("connect_attempts must be at least 1"))
	}
	if c.CompletionTimeout < 0 || c.ToolTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

// MCPServers returns the configured MCP servers: the file at MCPConfigPath
// when set, otherwise the default Playwright server.
func (c *Config) MCPServers() (*mcp.MCPConfig, error) {
	if c.MCPConfigPath == "" {
		return mcp.DefaultMCPConfig(), nil
	}
	return mcp.LoadMCPConfig(c.MCPConfigPath)
}

func environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
