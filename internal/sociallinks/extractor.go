package sociallinks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"sociallinks/internal/agent"
	"sociallinks/internal/mcp"
	"sociallinks/internal/provider"
	"sociallinks/internal/tool"
)

var (
	// ErrNoLinks is returned when the model reports an empty link list.
	ErrNoLinks = errors.New("no social links found")
	// ErrNoSelector is returned when the model reports an empty selector.
	ErrNoSelector = errors.New("no selector found")
	// ErrNoReport is returned when the model answers in plain text instead
	// of calling the report tool.
	ErrNoReport = errors.New("model finished without reporting a result")
	// ErrInvalidURL is returned for targets that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid URL")
)

// Session is a connection to a tool server scoped to one extraction.
type Session interface {
	Toolbox() tool.Toolbox
	Close() error
}

// Opener starts a new tool server session.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// ServerOpener opens sessions on a configured MCP server.
type ServerOpener struct {
	Name    string
	Server  mcp.MCPServerConfig
	Options []mcp.SessionOption
}

// Open connects to the server.
func (o ServerOpener) Open(ctx context.Context) (Session, error) {
	session, err := mcp.Open(ctx, o.Name, o.Server, o.Options...)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Extractor runs the social link tasks, one tool server session per call.
// It is safe for concurrent use when its Provider is.
type Extractor struct {
	Provider provider.LLMProvider
	Opener   Opener

	// MaxIterations overrides the per-task completion budget when positive.
	MaxIterations int

	SystemPrompt      string
	CompletionTimeout time.Duration
	ToolTimeout       time.Duration
	Policy            agent.FinalAnswerPolicy
	Metrics           *agent.Metrics
	Logger            *slog.Logger
}

// Links navigates to pageURL and returns the social media links found there.
func (e *Extractor) Links(ctx context.Context, pageURL string) ([]string, error) {
	if err := validateURL(pageURL); err != nil {
		return nil, err
	}

	final, err := tool.NewFinalAnswer(LinksToolName,
		"Report the extracted social media links as a structured list", &LinksAnswer{})
	if err != nil {
		return nil, err
	}

	result, err := e.run(ctx, pageURL, LinksPrompt(pageURL), final, DefaultLinksIterations)
	if err != nil {
		return nil, err
	}
	if result.Kind != agent.KindStructured {
		return nil, fmt.Errorf("%w: %s", ErrNoReport, truncate(result.Text, 200))
	}

	var answer LinksAnswer
	if err := final.Decode(result.Structured, &answer); err != nil {
		return nil, err
	}

	links := make([]string, 0, len(answer.Links))
	for _, link := range answer.Links {
		if link = strings.TrimSpace(link); link != "" {
			links = append(links, link)
		}
	}
	if len(links) == 0 {
		return nil, ErrNoLinks
	}
	return links, nil
}

// Selector navigates to pageURL and returns a CSS selector for target.
func (e *Extractor) Selector(ctx context.Context, pageURL string, target Target) (string, error) {
	if err := validateURL(pageURL); err != nil {
		return "", err
	}
	if _, err := ParseTarget(string(target)); err != nil {
		return "", err
	}

	final, err := tool.NewFinalAnswer(SelectorToolName,
		"Report the CSS selector of the requested element", &SelectorAnswer{})
	if err != nil {
		return "", err
	}

	result, err := e.run(ctx, pageURL, SelectorPrompt(pageURL, target), final, agent.DefaultMaxIterations)
	if err != nil {
		return "", err
	}
	if result.Kind != agent.KindStructured {
		return "", fmt.Errorf("%w: %s", ErrNoReport, truncate(result.Text, 200))
	}

	var answer SelectorAnswer
	if err := final.Decode(result.Structured, &answer); err != nil {
		return "", err
	}
	selector := strings.TrimSpace(answer.Selector)
	if selector == "" {
		return "", ErrNoSelector
	}
	return selector, nil
}

// run opens a session, runs one loop invocation and always closes the
// session again.
func (e *Extractor) run(ctx context.Context, pageURL, task string, final *tool.FinalAnswer, defaultIterations int) (*agent.Result, error) {
	if e.Provider == nil || e.Opener == nil {
		return nil, errors.New("extractor requires a provider and an opener")
	}

	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("url", pageURL, "task", final.Name())

	maxIter := defaultIterations
	if e.MaxIterations > 0 {
		maxIter = e.MaxIterations
	}

	session, err := e.Opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open tool session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("failed to close tool session", "error", err)
		}
	}()

	loop, err := agent.New(agent.Config{
		Provider:          e.Provider,
		Toolbox:           session.Toolbox(),
		MaxIterations:     maxIter,
		SystemPrompt:      e.SystemPrompt,
		CompletionTimeout: e.CompletionTimeout,
		ToolTimeout:       e.ToolTimeout,
		FinalAnswerPolicy: e.Policy,
		Logger:            logger,
		Metrics:           e.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return loop.Run(ctx, task, final)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q must be an absolute http or https URL", ErrInvalidURL, raw)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
