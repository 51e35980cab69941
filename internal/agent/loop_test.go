package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sociallinks/internal/provider"
	"sociallinks/internal/provider/providertest"
	"sociallinks/internal/tool"
)

type invocation struct {
	Name  string
	Input string
}

// fakeToolbox is a test double for tool.Toolbox.
type fakeToolbox struct {
	defs       []provider.ToolDefinition
	catalogErr error
	handler    func(ctx context.Context, name string, input json.RawMessage) (provider.ToolResult, error)

	mu           sync.Mutex
	catalogCalls int
	calls        []invocation
}

func newFakeToolbox(names ...string) *fakeToolbox {
	defs := make([]provider.ToolDefinition, len(names))
	for i, name := range names {
		defs[i] = provider.ToolDefinition{
			Name:        name,
			Description: "fake " + name,
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		}
	}
	return &fakeToolbox{defs: defs}
}

func (f *fakeToolbox) Catalog(context.Context) ([]provider.ToolDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalogCalls++
	if f.catalogErr != nil {
		return nil, f.catalogErr
	}
	return append([]provider.ToolDefinition(nil), f.defs...), nil
}

func (f *fakeToolbox) Invoke(ctx context.Context, name string, input json.RawMessage) (provider.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, invocation{Name: name, Input: string(input)})
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(ctx, name, input)
	}
	return provider.ToolResult{Output: "ok: " + name}, nil
}

func (f *fakeToolbox) invocations() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invocation(nil), f.calls...)
}

type selectorAnswer struct {
	Selector string `json:"selector" jsonschema:"description=CSS selector"`
}

func selectorFinal(t *testing.T) *tool.FinalAnswer {
	t.Helper()
	fa, err := tool.NewFinalAnswer("report_selector", "Report the CSS selector", &selectorAnswer{})
	if err != nil {
		t.Fatalf("NewFinalAnswer() error = %v", err)
	}
	return fa
}

func newLoop(t *testing.T, cfg Config) *Loop {
	t.Helper()
	loop, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return loop
}

func TestNew(t *testing.T) {
	scripted := providertest.NewScripted()
	box := newFakeToolbox()

	tests := []struct {
		name              string
		cfg               Config
		wantErr           error
		wantMaxIterations int
	}{
		{
			name:              "default max iterations when not set",
			cfg:               Config{Provider: scripted, Toolbox: box},
			wantMaxIterations: DefaultMaxIterations,
		},
		{
			name:              "custom max iterations",
			cfg:               Config{Provider: scripted, Toolbox: box, MaxIterations: 15},
			wantMaxIterations: 15,
		},
		{
			name:              "negative max iterations falls back to default",
			cfg:               Config{Provider: scripted, Toolbox: box, MaxIterations: -3},
			wantMaxIterations: DefaultMaxIterations,
		},
		{
			name:    "missing provider",
			cfg:     Config{Toolbox: box},
			wantErr: ErrNoProvider,
		},
		{
			name:    "missing toolbox",
			cfg:     Config{Provider: scripted},
			wantErr: ErrNoToolbox,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			loop, err := New(tt.cfg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("New() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if loop.MaxIterations() != tt.wantMaxIterations {
				t.Errorf("MaxIterations() = %d, want %d", loop.MaxIterations(), tt.wantMaxIterations)
			}
		})
	}
}

func TestRun_EndTurnFirst(t *testing.T) {
	scripted := providertest.NewScripted(providertest.EndTurn("Hello, ", "world"))
	box := newFakeToolbox("browser_navigate")
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box, SystemPrompt: "be brief"})

	result, err := loop.Run(context.Background(), "Say hello", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Kind != KindText || result.Text != "Hello, world" {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Iterations != 1 || result.ToolCalls != 0 {
		t.Errorf("iterations = %d, tool calls = %d", result.Iterations, result.ToolCalls)
	}
	if result.RunID == "" {
		t.Error("expected a run id")
	}
	if len(box.invocations()) != 0 {
		t.Errorf("expected no dispatch, got %v", box.invocations())
	}

	req := scripted.LastRequest()
	if req.SystemPrompt != "be brief" {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	want := []provider.Message{provider.NewUserMessage("Say hello")}
	if diff := cmp.Diff(want, req.Messages); diff != "" {
		t.Errorf("first request messages mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_FinalAnswerFirst(t *testing.T) {
	scripted := providertest.NewScripted(
		providertest.ToolUse(providertest.Call("toolu_1", "report_selector", map[string]string{"selector": "#close"})),
	)
	box := newFakeToolbox("browser_navigate", "browser_click")
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box})

	result, err := loop.Run(context.Background(), "Find the close button", selectorFinal(t))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Kind != KindStructured {
		t.Fatalf("Kind = %v, want structured", result.Kind)
	}
	if string(result.Structured) != `{"selector":"#close"}` {
		t.Errorf("Structured = %s", result.Structured)
	}
	if len(box.invocations()) != 0 {
		t.Errorf("final answer must not be dispatched, got %v", box.invocations())
	}

	var got selectorAnswer
	if err := result.Decode(&got); err != nil || got.Selector != "#close" {
		t.Errorf("Decode() = %+v, %v", got, err)
	}

	tools := scripted.LastRequest().Tools
	var names []string
	for _, def := range tools {
		names = append(names, def.Name)
	}
	if diff := cmp.Diff([]string{"browser_navigate", "browser_click", "report_selector"}, names); diff != "" {
		t.Errorf("offered tools mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_FindSelectorScenario(t *testing.T) {
	scripted := providertest.NewScripted(
		providertest.ToolUse(providertest.Call("toolu_nav", "browser_navigate", map[string]string{"url": "https://example.com"})),
		providertest.ToolUse(providertest.Call("toolu_final", "report_selector", map[string]string{"selector": ".footer-social"})),
	)
	box := newFakeToolbox("browser_navigate")
	box.handler = func(_ context.Context, name string, _ json.RawMessage) (provider.ToolResult, error) {
		return provider.ToolResult{Output: "Navigated to https://example.com"}, nil
	}
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box})

	result, err := loop.Run(context.Background(), "Find the social links container", selectorFinal(t))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if string(result.Structured) != `{"selector":".footer-social"}` {
		t.Errorf("Structured = %s", result.Structured)
	}
	if scripted.Calls() != 2 {
		t.Errorf("completions = %d, want 2", scripted.Calls())
	}
	if result.Iterations != 2 || result.ToolCalls != 1 {
		t.Errorf("iterations = %d, tool calls = %d", result.Iterations, result.ToolCalls)
	}
	if diff := cmp.Diff([]invocation{{Name: "browser_navigate", Input: `{"url":"https://example.com"}`}}, box.invocations()); diff != "" {
		t.Errorf("dispatch mismatch (-want +got):\n%s", diff)
	}

	want := []provider.Message{
		provider.NewUserMessage("Find the social links container"),
		{
			Role: provider.RoleAssistant,
			Content: []provider.ContentBlock{
				provider.NewToolUseBlock("toolu_nav", "browser_navigate", json.RawMessage(`{"url":"https://example.com"}`)),
			},
		},
		{
			Role: provider.RoleUser,
			Content: []provider.ContentBlock{
				provider.NewToolResultBlock("toolu_nav", provider.ToolResult{Output: "Navigated to https://example.com"}),
			},
		},
	}
	if diff := cmp.Diff(want, scripted.LastRequest().Messages); diff != "" {
		t.Errorf("second request messages mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_MaxIterationsOne(t *testing.T) {
	scripted := providertest.NewScripted(
		providertest.ToolUse(providertest.Call("toolu_1", "browser_snapshot", map[string]any{})),
	)
	box := newFakeToolbox("browser_snapshot")
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box, MaxIterations: 1})

	_, err := loop.Run(context.Background(), "Look around", selectorFinal(t))
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("expected ErrMaxIterations, got %v", err)
	}
	var limitErr *IterationLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *IterationLimitError, got %T", err)
	}
	if limitErr.MaxIterations != 1 || limitErr.ToolCalls != 1 {
		t.Errorf("unexpected limit error %+v", limitErr)
	}
	if scripted.Calls() != 1 {
		t.Errorf("completions = %d, want 1", scripted.Calls())
	}
	if len(box.invocations()) != 1 {
		t.Errorf("dispatches = %d, want 1", len(box.invocations()))
	}
}

func TestRun_FailingToolIsReported(t *testing.T) {
	scripted := providertest.NewScripted(
		providertest.ToolUse(providertest.Call("toolu_1", "browser_click", map[string]string{"ref": "e3"})),
		providertest.EndTurn("I could not click the button."),
	)
	box := newFakeToolbox("browser_click")
	box.handler = func(context.Context, string, json.RawMessage) (provider.ToolResult, error) {
		return provider.ToolResult{Output: "Error: element e3 not found", IsError: true}, nil
	}
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box})

	result, err := loop.Run(context.Background(), "Click it", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Text != "I could not click the button." {
		t.Errorf("Text = %q", result.Text)
	}

	messages := scripted.LastRequest().Messages
	last := messages[len(messages)-1]
	want := provider.NewToolResultBlock("toolu_1", provider.ToolResult{Output: "Error: element e3 not found", IsError: true})
	if diff := cmp.Diff([]provider.ContentBlock{want}, last.Content); diff != "" {
		t.Errorf("tool result mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_ResultsKeepRequestOrder(t *testing.T) {
	scripted := providertest.NewScripted(
		providertest.ToolUse(
			providertest.Call("a", "browser_navigate", map[string]string{"url": "https://example.com"}),
			providertest.Call("b", "browser_snapshot", map[string]any{}),
			providertest.Call("c", "browser_click", map[string]string{"ref": "e1"}),
		),
		providertest.EndTurn("done"),
	)
	box := newFakeToolbox("browser_navigate", "browser_snapshot", "browser_click")
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box})

	result, err := loop.Run(context.Background(), "go", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ToolCalls != 3 {
		t.Errorf("ToolCalls = %d, want 3", result.ToolCalls)
	}

	messages := scripted.LastRequest().Messages
	var ids []string
	for _, block := range messages[len(messages)-1].Content {
		ids = append(ids, block.ToolUseID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Errorf("result order mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_UnexpectedStop(t *testing.T) {
	tests := []struct {
		name   string
		turn   providertest.Turn
		reason provider.StopReason
	}{
		{
			name:   "max tokens",
			turn:   providertest.Stop("max_tokens", "partial answ"),
			reason: "max_tokens",
		},
		{
			name:   "refusal",
			turn:   providertest.Stop("refusal"),
			reason: "refusal",
		},
		{
			name:   "tool use without requests",
			turn:   providertest.Stop(provider.StopToolUse, "thinking"),
			reason: provider.StopToolUse,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			scripted := providertest.NewScripted(tt.turn)
			box := newFakeToolbox("browser_navigate")
			loop := newLoop(t, Config{Provider: scripted, Toolbox: box, MaxIterations: 5})

			_, err := loop.Run(context.Background(), "go", nil)
			if !errors.Is(err, ErrUnexpectedStop) {
				t.Fatalf("expected ErrUnexpectedStop, got %v", err)
			}
			if errors.Is(err, ErrMaxIterations) {
				t.Error("unexpected stop must be distinct from iteration exhaustion")
			}
			var stopErr *UnexpectedStopError
			if !errors.As(err, &stopErr) || stopErr.StopReason != tt.reason || stopErr.Iteration != 1 {
				t.Errorf("unexpected error %#v", err)
			}
			if scripted.Calls() != 1 {
				t.Errorf("completions = %d, want 1", scripted.Calls())
			}
		})
	}
}

func TestRun_ProviderError(t *testing.T) {
	providerErr := &provider.ProviderError{Provider: "claude", StatusCode: 529, Message: "server error"}
	scripted := providertest.NewScripted(providertest.Turn{Err: providerErr})
	loop := newLoop(t, Config{Provider: scripted, Toolbox: newFakeToolbox()})

	_, err := loop.Run(context.Background(), "go", nil)
	var got *provider.ProviderError
	if !errors.As(err, &got) || got.StatusCode != 529 {
		t.Fatalf("expected wrapped *ProviderError, got %v", err)
	}
}

func TestRun_CatalogError(t *testing.T) {
	scripted := providertest.NewScripted(providertest.EndTurn("unused"))
	box := newFakeToolbox()
	box.catalogErr = errors.New("tools/list failed")
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box})

	_, err := loop.Run(context.Background(), "go", nil)
	if err == nil || !errors.Is(err, box.catalogErr) {
		t.Fatalf("expected catalog error, got %v", err)
	}
	if scripted.Calls() != 0 {
		t.Errorf("completions = %d, want 0", scripted.Calls())
	}
}

func TestRun_CatalogFetchedOnce(t *testing.T) {
	scripted := providertest.NewScripted(
		providertest.ToolUse(providertest.Call("1", "browser_snapshot", map[string]any{})),
		providertest.ToolUse(providertest.Call("2", "browser_snapshot", map[string]any{})),
		providertest.EndTurn("done"),
	)
	box := newFakeToolbox("browser_snapshot")
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box})

	if _, err := loop.Run(context.Background(), "go", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if box.catalogCalls != 1 {
		t.Errorf("catalog calls = %d, want 1", box.catalogCalls)
	}
}

func TestRun_DuplicateFinalAnswerName(t *testing.T) {
	scripted := providertest.NewScripted(providertest.EndTurn("unused"))
	box := newFakeToolbox("browser_navigate", "report_selector")
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box})

	_, err := loop.Run(context.Background(), "go", selectorFinal(t))
	if !errors.Is(err, ErrDuplicateToolName) {
		t.Fatalf("expected ErrDuplicateToolName, got %v", err)
	}
	if scripted.Calls() != 0 {
		t.Errorf("completions = %d, want 0", scripted.Calls())
	}
}

func TestRun_FatalToolError(t *testing.T) {
	sessionErr := errors.New("session closed")
	scripted := providertest.NewScripted(
		providertest.ToolUse(
			providertest.Call("1", "browser_navigate", map[string]any{}),
			providertest.Call("2", "browser_snapshot", map[string]any{}),
		),
	)
	box := newFakeToolbox("browser_navigate", "browser_snapshot")
	box.handler = func(context.Context, string, json.RawMessage) (provider.ToolResult, error) {
		return provider.ToolResult{}, sessionErr
	}
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box})

	_, err := loop.Run(context.Background(), "go", nil)
	if !errors.Is(err, sessionErr) {
		t.Fatalf("expected session error, got %v", err)
	}
	if len(box.invocations()) != 1 {
		t.Errorf("dispatches = %d, want 1", len(box.invocations()))
	}
}

func TestRun_FinalAnswerPolicy(t *testing.T) {
	mixedTurn := providertest.ToolUse(
		providertest.Call("nav", "browser_navigate", map[string]string{"url": "https://example.com"}),
		providertest.Call("final", "report_selector", map[string]string{"selector": "#a"}),
		providertest.Call("click", "browser_click", map[string]string{"ref": "e1"}),
	)

	t.Run("first match dispatches earlier requests only", func(t *testing.T) {
		scripted := providertest.NewScripted(mixedTurn)
		box := newFakeToolbox("browser_navigate", "browser_click")
		loop := newLoop(t, Config{Provider: scripted, Toolbox: box})

		result, err := loop.Run(context.Background(), "go", selectorFinal(t))
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if string(result.Structured) != `{"selector":"#a"}` {
			t.Errorf("Structured = %s", result.Structured)
		}
		var names []string
		for _, inv := range box.invocations() {
			names = append(names, inv.Name)
		}
		if diff := cmp.Diff([]string{"browser_navigate"}, names); diff != "" {
			t.Errorf("dispatch mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("reject mixed executes nothing and continues", func(t *testing.T) {
		scripted := providertest.NewScripted(
			mixedTurn,
			providertest.ToolUse(providertest.Call("final2", "report_selector", map[string]string{"selector": "#b"})),
		)
		box := newFakeToolbox("browser_navigate", "browser_click")
		loop := newLoop(t, Config{Provider: scripted, Toolbox: box, FinalAnswerPolicy: RejectMixed})

		result, err := loop.Run(context.Background(), "go", selectorFinal(t))
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if string(result.Structured) != `{"selector":"#b"}` {
			t.Errorf("Structured = %s", result.Structured)
		}
		if len(box.invocations()) != 0 {
			t.Errorf("expected no dispatch, got %v", box.invocations())
		}
		if result.Iterations != 2 {
			t.Errorf("Iterations = %d, want 2", result.Iterations)
		}

		messages := scripted.LastRequest().Messages
		results := messages[len(messages)-1].Content
		if len(results) != 3 {
			t.Fatalf("expected 3 rejection results, got %d", len(results))
		}
		for i, id := range []string{"nav", "final", "click"} {
			if results[i].ToolUseID != id || !results[i].IsError {
				t.Errorf("result %d = %+v", i, results[i])
			}
		}
	})

	t.Run("reject mixed accepts a lone final answer", func(t *testing.T) {
		scripted := providertest.NewScripted(
			providertest.ToolUse(providertest.Call("final", "report_selector", map[string]string{"selector": "#c"})),
		)
		loop := newLoop(t, Config{Provider: scripted, Toolbox: newFakeToolbox(), FinalAnswerPolicy: RejectMixed})

		result, err := loop.Run(context.Background(), "go", selectorFinal(t))
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if string(result.Structured) != `{"selector":"#c"}` {
			t.Errorf("Structured = %s", result.Structured)
		}
	})
}

func TestRun_EmptyFinalInput(t *testing.T) {
	scripted := providertest.NewScripted(providertest.ToolUse(provider.NewToolUseBlock("1", "report_selector", nil)))
	loop := newLoop(t, Config{Provider: scripted, Toolbox: newFakeToolbox()})

	result, err := loop.Run(context.Background(), "go", selectorFinal(t))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(result.Structured) != "{}" {
		t.Errorf("Structured = %s, want {}", result.Structured)
	}
}

func TestRun_NamelessToolWithoutFinalAnswer(t *testing.T) {
	scripted := providertest.NewScripted(
		providertest.ToolUse(providertest.Call("call_1", "", map[string]any{})),
		providertest.EndTurn("done"),
	)
	box := newFakeToolbox("browser_navigate")
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box})

	result, err := loop.Run(context.Background(), "task", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Kind != KindText || result.Text != "done" {
		t.Errorf("unexpected result %+v", result)
	}
	want := []invocation{{Name: "", Input: "{}"}}
	if diff := cmp.Diff(want, box.invocations()); diff != "" {
		t.Errorf("invocations mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_Cancellation(t *testing.T) {
	t.Run("before the first completion", func(t *testing.T) {
		scripted := providertest.NewScripted(providertest.EndTurn("unused"))
		loop := newLoop(t, Config{Provider: scripted, Toolbox: newFakeToolbox()})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := loop.Run(ctx, "go", nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if scripted.Calls() != 0 {
			t.Errorf("completions = %d, want 0", scripted.Calls())
		}
	})

	t.Run("during a tool call", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		scripted := providertest.NewScripted(
			providertest.ToolUse(providertest.Call("1", "browser_wait_for", map[string]any{})),
			providertest.EndTurn("unused"),
		)
		box := newFakeToolbox("browser_wait_for")
		box.handler = func(ctx context.Context, _ string, _ json.RawMessage) (provider.ToolResult, error) {
			cancel()
			<-ctx.Done()
			return provider.ToolResult{}, ctx.Err()
		}
		loop := newLoop(t, Config{Provider: scripted, Toolbox: box})

		_, err := loop.Run(ctx, "go", nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if scripted.Calls() != 1 {
			t.Errorf("completions = %d, want 1", scripted.Calls())
		}
	})
}

func TestRun_ToolTimeoutIsReported(t *testing.T) {
	scripted := providertest.NewScripted(
		providertest.ToolUse(providertest.Call("1", "browser_wait_for", map[string]any{"time": 60})),
		providertest.EndTurn("gave up waiting"),
	)
	box := newFakeToolbox("browser_wait_for")
	box.handler = func(ctx context.Context, _ string, _ json.RawMessage) (provider.ToolResult, error) {
		<-ctx.Done()
		return provider.ToolResult{}, ctx.Err()
	}
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box, ToolTimeout: 20 * time.Millisecond})

	result, err := loop.Run(context.Background(), "go", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Text != "gave up waiting" {
		t.Errorf("Text = %q", result.Text)
	}

	messages := scripted.LastRequest().Messages
	got := messages[len(messages)-1].Content[0]
	if !got.IsError || got.Output != "Error: "+context.DeadlineExceeded.Error() {
		t.Errorf("unexpected tool result %+v", got)
	}
}

// blockingProvider waits for its context before answering.
type blockingProvider struct{}

func (blockingProvider) Name() string { return "blocking" }

func (blockingProvider) Generate(ctx context.Context, _ provider.GenerateRequest) (*provider.LLMResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_CompletionTimeout(t *testing.T) {
	loop := newLoop(t, Config{
		Provider:          blockingProvider{},
		Toolbox:           newFakeToolbox(),
		CompletionTimeout: 20 * time.Millisecond,
	})

	_, err := loop.Run(context.Background(), "go", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestRun_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	scripted := providertest.NewScripted(
		providertest.ToolUse(
			providertest.Call("1", "browser_navigate", map[string]any{}),
			providertest.Call("2", "browser_click", map[string]any{}),
		),
		providertest.ToolUse(providertest.Call("3", "report_selector", map[string]string{"selector": "#x"})),
	)
	box := newFakeToolbox("browser_navigate", "browser_click")
	box.handler = func(_ context.Context, name string, _ json.RawMessage) (provider.ToolResult, error) {
		if name == "browser_click" {
			return provider.ToolResult{Output: "Error: nope", IsError: true}, nil
		}
		return provider.ToolResult{Output: "ok"}, nil
	}
	loop := newLoop(t, Config{Provider: scripted, Toolbox: box, Metrics: metrics})

	if _, err := loop.Run(context.Background(), "go", selectorFinal(t)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"completions ok", testutil.ToFloat64(metrics.completions.WithLabelValues("ok")), 2},
		{"navigate ok", testutil.ToFloat64(metrics.toolCalls.WithLabelValues("browser_navigate", "ok")), 1},
		{"click error", testutil.ToFloat64(metrics.toolCalls.WithLabelValues("browser_click", "error")), 1},
		{"structured runs", testutil.ToFloat64(metrics.runs.WithLabelValues(outcomeStructured)), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if NewMetrics(nil) != nil {
		t.Error("NewMetrics(nil) should return nil")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&IterationLimitError{MaxIterations: 15}, "max iterations exceeded: reached 15 iterations without final response"},
		{&UnexpectedStopError{StopReason: "max_tokens", Iteration: 3}, `unexpected stop reason: "max_tokens" at iteration 3`},
		{&UnexpectedStopError{StopReason: provider.StopToolUse, Iteration: 1}, `unexpected stop reason: "tool_use" without tool requests at iteration 1`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("%T", tt.err), func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
