// Package cli implements the sociallinks command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"sociallinks/internal/agent"
	"sociallinks/internal/config"
	"sociallinks/internal/mcp"
	"sociallinks/internal/provider"
	"sociallinks/internal/sociallinks"
)

// Version is set at build time.
var Version = "dev"

// Deps builds the external collaborators of a command. Zero fields use
// the real Claude provider and MCP server.
type Deps struct {
	NewProvider func(cfg *config.Config) (provider.LLMProvider, error)
	NewOpener   func(cfg *config.Config, logger *slog.Logger) (sociallinks.Opener, error)
}

type globalOptions struct {
	ConfigPath      string
	MCPConfigPath   string
	Server          string
	MaxIterations   int
	LogLevel        string
	Model           string
	MetricsTextfile string
}

// app is the state shared by subcommands once the root command has run
// its pre-run hook.
type app struct {
	deps     Deps
	options  globalOptions
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
}

// NewRootCmd builds the command tree.
func NewRootCmd(deps Deps) *cobra.Command {
	a := &app{deps: deps}
	if a.deps.NewProvider == nil {
		a.deps.NewProvider = newClaudeProvider
	}
	if a.deps.NewOpener == nil {
		a.deps.NewOpener = newServerOpener
	}

	cmd := &cobra.Command{
		Use:           "sociallinks",
		Short:         "Find a website's social media links with Claude and a Playwright MCP server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.options.ConfigPath, "config", "", "path to a YAML config file")
	flags.StringVar(&a.options.MCPConfigPath, "mcp-config", "", "path to an .mcp.json file (default: built-in Playwright server)")
	flags.StringVar(&a.options.Server, "server", "", "MCP server name in the MCP config")
	flags.IntVar(&a.options.MaxIterations, "max-iterations", 0, "completion budget per URL (default: per task)")
	flags.StringVar(&a.options.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&a.options.Model, "model", "", "Claude model to use")
	flags.StringVar(&a.options.MetricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")

	cmd.AddCommand(newLinksCmd(a))
	cmd.AddCommand(newSelectorCmd(a))
	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCmd(Deps{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.options.ConfigPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("mcp-config") {
		cfg.MCPConfigPath = a.options.MCPConfigPath
	}
	if flags.Changed("server") {
		cfg.Server = a.options.Server
	}
	if flags.Changed("max-iterations") {
		cfg.MaxIterations = a.options.MaxIterations
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.options.LogLevel
	}
	if flags.Changed("model") {
		cfg.Model = a.options.Model
	}

	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrMissingAPIKey) {
			return fmt.Errorf("%w\n\nGet an API key from https://console.anthropic.com/settings/keys and set it in the environment or in a .env file", err)
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := cfg.SlogLevel()
	a.cfg = cfg
	a.logger = newLogger(cmd.ErrOrStderr(), level)
	a.registry = prometheus.NewRegistry()
	return nil
}

func (a *app) extractor() (*sociallinks.Extractor, error) {
	llm, err := a.deps.NewProvider(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	opener, err := a.deps.NewOpener(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}

	policy := agent.FirstMatch
	if a.cfg.RejectMixed {
		policy = agent.RejectMixed
	}

	return &sociallinks.Extractor{
		Provider:          llm,
		Opener:            opener,
		MaxIterations:     a.cfg.MaxIterations,
		CompletionTimeout: a.cfg.CompletionTimeout,
		ToolTimeout:       a.cfg.ToolTimeout,
		Policy:            policy,
		Metrics:           agent.NewMetrics(a.registry),
		Logger:            a.logger,
	}, nil
}

// finish writes the metrics textfile, if requested, whatever the outcome
// of the command.
func (a *app) finish(err error) error {
	if a.options.MetricsTextfile == "" || a.registry == nil {
		return err
	}
	if werr := prometheus.WriteToTextfile(a.options.MetricsTextfile, a.registry); werr != nil {
		return errors.Join(err, fmt.Errorf("failed to write metrics: %w", werr))
	}
	return err
}

func newClaudeProvider(cfg *config.Config) (provider.LLMProvider, error) {
	opts := []provider.ClaudeOption{
		provider.WithModel(cfg.Model),
		provider.WithMaxTokens(cfg.MaxTokens),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, provider.WithBaseURL(cfg.BaseURL))
	}
	return provider.NewClaudeProvider(cfg.AnthropicAPIKey, opts...)
}

func newServerOpener(cfg *config.Config, logger *slog.Logger) (sociallinks.Opener, error) {
	servers, err := cfg.MCPServers()
	if err != nil {
		return nil, err
	}
	server, err := servers.Server(cfg.Server)
	if err != nil {
		return nil, err
	}
	return sociallinks.ServerOpener{
		Name:   cfg.Server,
		Server: server,
		Options: []mcp.SessionOption{
			mcp.WithSessionLogger(logger),
			mcp.WithConnectRetry(cfg.ConnectAttempts, 500*time.Millisecond),
		},
	}, nil
}

// describe names the kind of failure for the user.
func describe(err error) string {
	var providerErr *provider.ProviderError
	switch {
	case errors.Is(err, sociallinks.ErrNoLinks):
		return "no links found"
	case errors.Is(err, sociallinks.ErrNoSelector):
		return "no selector found"
	case errors.Is(err, sociallinks.ErrNoReport):
		return "model answered without reporting"
	case errors.Is(err, agent.ErrMaxIterations):
		return "iteration limit reached"
	case errors.Is(err, agent.ErrUnexpectedStop):
		return "model stopped unexpectedly"
	case errors.Is(err, mcp.ErrSessionClosed):
		return "tool server connection lost"
	case errors.As(err, &providerErr):
		return "completion provider error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failed"
	}
}
