// Package agent implements the core agent loop.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sociallinks/internal/memory"
	"sociallinks/internal/provider"
	"sociallinks/internal/tool"
)

// Default values for agent configuration.
const (
	DefaultMaxIterations = 10
)

// FinalAnswerPolicy decides how a turn that requests the final-answer tool
// alongside other tools is handled.
type FinalAnswerPolicy int

const (
	// FirstMatch processes requests in order: tools before the final answer
	// are dispatched, the first final-answer request ends the run, and the
	// rest of the turn is ignored.
	FirstMatch FinalAnswerPolicy = iota
	// RejectMixed executes nothing in a mixed turn. Every request gets an
	// error result asking for the final answer to be submitted alone.
	RejectMixed
)

func (p FinalAnswerPolicy) String() string {
	switch p {
	case FirstMatch:
		return "first-match"
	case RejectMixed:
		return "reject-mixed"
	default:
		return fmt.Sprintf("FinalAnswerPolicy(%d)", int(p))
	}
}

// Config holds configuration for creating a new Loop.
type Config struct {
	Provider      provider.LLMProvider
	Toolbox       tool.Toolbox
	MaxIterations int
	SystemPrompt  string

	// CompletionTimeout and ToolTimeout bound each completion request and
	// each tool call. Zero means no bound.
	CompletionTimeout time.Duration
	ToolTimeout       time.Duration

	FinalAnswerPolicy FinalAnswerPolicy
	Logger            *slog.Logger
	Metrics           *Metrics
}

// Kind tells how a run ended.
type Kind int

const (
	// KindText is a plain answer from an end_turn completion.
	KindText Kind = iota
	// KindStructured is the input of a final-answer tool request.
	KindStructured
)

func (k Kind) String() string {
	if k == KindStructured {
		return "structured"
	}
	return "text"
}

// Result represents the outcome of a successful run.
type Result struct {
	Kind Kind
	// Structured holds the final-answer input verbatim when Kind is KindStructured.
	Structured json.RawMessage
	// Text holds the concatenated answer text when Kind is KindText.
	Text string

	Iterations int
	ToolCalls  int
	RunID      string
}

// Decode unmarshals a structured result into v.
func (r *Result) Decode(v any) error {
	if r.Kind != KindStructured {
		return fmt.Errorf("result is %s, not structured", r.Kind)
	}
	if err := json.Unmarshal(r.Structured, v); err != nil {
		return fmt.Errorf("failed to decode final answer: %w", err)
	}
	return nil
}

// Loop drives a conversation between a completion provider and a toolbox
// until the model answers or the iteration budget runs out. A Loop holds
// no per-run state and may serve concurrent runs.
type Loop struct {
	provider          provider.LLMProvider
	toolbox           tool.Toolbox
	maxIterations     int
	systemPrompt      string
	completionTimeout time.Duration
	toolTimeout       time.Duration
	policy            FinalAnswerPolicy
	logger            *slog.Logger
	metrics           *Metrics
}

// New creates a Loop. MaxIterations defaults to DefaultMaxIterations.
func New(cfg Config) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.Toolbox == nil {
		return nil, ErrNoToolbox
	}

	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{
		provider:          cfg.Provider,
		toolbox:           cfg.Toolbox,
		maxIterations:     maxIter,
		systemPrompt:      cfg.SystemPrompt,
		completionTimeout: cfg.CompletionTimeout,
		toolTimeout:       cfg.ToolTimeout,
		policy:            cfg.FinalAnswerPolicy,
		logger:            logger,
		metrics:           cfg.Metrics,
	}, nil
}

// MaxIterations returns the completion budget of each run.
func (l *Loop) MaxIterations() int {
	return l.maxIterations
}

// Run executes the loop for one task. When final is non-nil its tool is
// offered next to the catalog and a request for it ends the run with a
// structured result.
func (l *Loop) Run(ctx context.Context, task string, final *tool.FinalAnswer) (*Result, error) {
	runID := uuid.NewString()
	logger := l.logger.With("run_id", runID)

	result, outcome, err := l.run(ctx, logger, task, final, runID)
	l.metrics.recordRun(outcome)
	if err != nil {
		logger.Warn("agent run failed", "outcome", outcome, "error", err)
		return nil, err
	}

	logger.Info("agent run finished",
		"kind", result.Kind,
		"iterations", result.Iterations,
		"tool_calls", result.ToolCalls,
	)
	return result, nil
}

func (l *Loop) run(ctx context.Context, logger *slog.Logger, task string, final *tool.FinalAnswer, runID string) (*Result, string, error) {
	catalog, err := l.toolbox.Catalog(ctx)
	if err != nil {
		return nil, outcomeError, fmt.Errorf("failed to load tool catalog: %w", err)
	}

	finalName := ""
	if final != nil {
		finalName = final.Name()
		for _, def := range catalog {
			if def.Name == finalName {
				return nil, outcomeError, fmt.Errorf("%w: %q is offered by the toolbox", ErrDuplicateToolName, finalName)
			}
		}
		catalog = append(catalog, final.Definition())
	}

	logger.Debug("starting agent run", "tools", len(catalog), "final_answer", finalName, "max_iterations", l.maxIterations)

	history := memory.NewHistory(task)
	result := &Result{RunID: runID}

	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, outcomeError, fmt.Errorf("run canceled: %w", err)
		}

		resp, err := l.complete(ctx, provider.GenerateRequest{
			Messages:     history.Messages(),
			Tools:        catalog,
			SystemPrompt: l.systemPrompt,
		})
		if err != nil {
			return nil, outcomeError, fmt.Errorf("completion request failed: %w", err)
		}
		result.Iterations = iteration

		logger.Debug("completion received",
			"iteration", iteration,
			"stop_reason", resp.StopReason,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
		)

		switch resp.StopReason {
		case provider.StopEndTurn:
			result.Kind = KindText
			result.Text = resp.Text()
			return result, outcomeText, nil

		case provider.StopToolUse:
			uses := resp.ToolUses()
			if len(uses) == 0 {
				return nil, outcomeUnexpectedStop, &UnexpectedStopError{StopReason: resp.StopReason, Iteration: iteration}
			}
			if err := history.AppendAssistant(resp.Content); err != nil {
				return nil, outcomeError, err
			}

			if finalName != "" && l.policy == RejectMixed && isMixed(uses, finalName) {
				logger.Warn("rejecting turn mixing the final answer with other requests", "iteration", iteration, "requests", len(uses))
				if err := history.AppendToolResults(rejectAll(uses, finalName)); err != nil {
					return nil, outcomeError, err
				}
				continue
			}

			results := make([]provider.ContentBlock, 0, len(uses))
			for _, use := range uses {
				if finalName != "" && use.Name == finalName {
					result.Kind = KindStructured
					result.Structured = finalInput(use.Input)
					return result, outcomeStructured, nil
				}

				out, err := l.dispatch(ctx, logger, use)
				if err != nil {
					return nil, outcomeError, err
				}
				result.ToolCalls++
				results = append(results, provider.NewToolResultBlock(use.ID, out))
			}
			if err := history.AppendToolResults(results); err != nil {
				return nil, outcomeError, err
			}

		default:
			return nil, outcomeUnexpectedStop, &UnexpectedStopError{StopReason: resp.StopReason, Iteration: iteration}
		}
	}

	return nil, outcomeMaxIterations, &IterationLimitError{MaxIterations: l.maxIterations, ToolCalls: result.ToolCalls}
}

func (l *Loop) complete(ctx context.Context, req provider.GenerateRequest) (*provider.LLMResponse, error) {
	if l.completionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.completionTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := l.provider.Generate(ctx, req)
	l.metrics.recordCompletion(start, err)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("provider returned no response")
	}
	return resp, nil
}

// dispatch runs one tool request. Tool failures come back as error-flagged
// results; only cancellation and a lost session are returned as errors.
func (l *Loop) dispatch(ctx context.Context, logger *slog.Logger, use provider.ContentBlock) (provider.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return provider.ToolResult{}, fmt.Errorf("run canceled: %w", err)
	}

	callCtx := ctx
	if l.toolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.toolTimeout)
		defer cancel()
	}

	logger.Info("executing tool", "tool", use.Name, "call_id", use.ID)

	out, err := l.toolbox.Invoke(callCtx, use.Name, use.Input)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			// Only the per-call timeout fired; the run itself is still live.
			l.metrics.recordToolCall(use.Name, "error")
			return provider.ToolResult{Output: fmt.Sprintf("Error: %v", err), IsError: true}, nil
		}
		l.metrics.recordToolCall(use.Name, "fatal")
		if ctx.Err() != nil {
			return provider.ToolResult{}, fmt.Errorf("run canceled: %w", ctx.Err())
		}
		return provider.ToolResult{}, fmt.Errorf("tool %q failed: %w", use.Name, err)
	}

	if out.IsError {
		logger.Warn("tool returned an error", "tool", use.Name, "call_id", use.ID)
		l.metrics.recordToolCall(use.Name, "error")
	} else {
		l.metrics.recordToolCall(use.Name, "ok")
	}
	return out, nil
}

func isMixed(uses []provider.ContentBlock, finalName string) bool {
	if len(uses) < 2 {
		return false
	}
	for _, use := range uses {
		if use.Name == finalName {
			return true
		}
	}
	return false
}

func rejectAll(uses []provider.ContentBlock, finalName string) []provider.ContentBlock {
	msg := fmt.Sprintf("Error: no tools were executed. %s must be called alone, without other tool calls in the same turn.", finalName)
	results := make([]provider.ContentBlock, len(uses))
	for i, use := range uses {
		results[i] = provider.NewToolResultBlock(use.ID, provider.ToolResult{Output: msg, IsError: true})
	}
	return results
}

func finalInput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return append(json.RawMessage(nil), raw...)
}
