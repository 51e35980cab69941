package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"sociallinks/internal/tool"
)

// Session is a scoped connection to one MCP server. It must be closed on
// every exit path; Close is idempotent.
type Session struct {
	client  MCPClient
	toolbox *Toolbox
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

type sessionOptions struct {
	logger    *slog.Logger
	attempts  uint
	delay     time.Duration
	newClient func(cfg MCPServerConfig, logger *slog.Logger) MCPClient
}

// SessionOption configures Open.
type SessionOption func(*sessionOptions)

// WithSessionLogger sets the logger for the session and its client.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(o *sessionOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConnectRetry sets how often connecting is attempted and the initial
// delay between attempts.
func WithConnectRetry(attempts uint, delay time.Duration) SessionOption {
	return func(o *sessionOptions) {
		if attempts > 0 {
			o.attempts = attempts
		}
		o.delay = delay
	}
}

// WithClientFactory replaces how clients are built from server config.
func WithClientFactory(fn func(cfg MCPServerConfig, logger *slog.Logger) MCPClient) SessionOption {
	return func(o *sessionOptions) {
		if fn != nil {
			o.newClient = fn
		}
	}
}

func defaultClient(cfg MCPServerConfig, logger *slog.Logger) MCPClient {
	return NewStdioMCPClient(cfg.Command, cfg.Args, cfg.Env, WithLogger(logger))
}

// Open connects to the named server, retrying failed connection attempts
// with a fresh client each time.
func Open(ctx context.Context, name string, cfg MCPServerConfig, opts ...SessionOption) (*Session, error) {
	o := &sessionOptions{
		logger:    slog.Default(),
		attempts:  3,
		delay:     500 * time.Millisecond,
		newClient: defaultClient,
	}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger.With("server", name)

	var client MCPClient
	err := retry.Do(
		func() error {
			c := o.newClient(cfg, logger)
			if err := c.Connect(ctx); err != nil {
				c.Close()
				return err
			}
			client = c
			return nil
		},
		retry.Attempts(o.attempts),
		retry.Delay(o.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("failed to connect to MCP server, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server %q: %w", name, err)
	}

	logger.Info("connected to MCP server")

	return &Session{
		client: client,
		toolbox: NewToolbox(client,
			WithServerName(name),
			WithToolboxLogger(logger),
		),
		logger: logger,
	}, nil
}

// Toolbox returns the session's tools.
func (s *Session) Toolbox() tool.Toolbox {
	return s.toolbox
}

// Close shuts the server connection down.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
		if s.closeErr != nil {
			s.logger.Warn("error closing MCP server", "error", s.closeErr)
			return
		}
		s.logger.Info("disconnected from MCP server")
	})
	return s.closeErr
}
