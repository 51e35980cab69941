package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// DefaultClaudeModel is the default Claude model to use.
	DefaultClaudeModel = "claude-sonnet-4-5-20250929"
	// DefaultMaxTokens bounds the size of a single model turn.
	DefaultMaxTokens = 4000
	// DefaultMaxRetries is the number of SDK-level retries for transient API errors.
	DefaultMaxRetries = 2
)

// ClaudeProvider implements LLMProvider for Anthropic's Messages API.
type ClaudeProvider struct {
	model      string
	maxTokens  int64
	baseURL    string
	httpClient *http.Client
	maxRetries int

	client anthropic.Client
}

// ClaudeOption is a functional option for configuring ClaudeProvider.
type ClaudeOption func(*ClaudeProvider)

// WithModel sets the Claude model to use.
func WithModel(model string) ClaudeOption {
	return func(c *ClaudeProvider) {
		if model != "" {
			c.model = model
		}
	}
}

// WithMaxTokens sets the maximum output size of a model turn.
func WithMaxTokens(n int64) ClaudeOption {
	return func(c *ClaudeProvider) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClaudeOption {
	return func(c *ClaudeProvider) {
		c.httpClient = client
	}
}

// WithBaseURL sets a custom base URL (useful for testing).
func WithBaseURL(url string) ClaudeOption {
	return func(c *ClaudeProvider) {
		c.baseURL = url
	}
}

// WithMaxRetries sets how often the SDK retries rate-limited or failed requests.
func WithMaxRetries(n int) ClaudeOption {
	return func(c *ClaudeProvider) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// NewClaudeProvider creates a new ClaudeProvider with an explicit API key.
func NewClaudeProvider(apiKey string, opts ...ClaudeOption) (*ClaudeProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key cannot be empty")
	}

	p := &ClaudeProvider{
		model:      DefaultClaudeModel,
		maxTokens:  DefaultMaxTokens,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(p)
	}

	clientOptions := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(p.maxRetries),
	}
	if p.baseURL != "" {
		clientOptions = append(clientOptions, option.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOptions = append(clientOptions, option.WithHTTPClient(p.httpClient))
	}
	p.client = anthropic.NewClient(clientOptions...)

	return p, nil
}

// Name returns the provider name.
func (c *ClaudeProvider) Name() string {
	return "claude"
}

// Model returns the model identifier sent with every request.
func (c *ClaudeProvider) Model() string {
	return c.model
}

// Generate sends the conversation to Claude and returns the next turn.
func (c *ClaudeProvider) Generate(ctx context.Context, req GenerateRequest) (*LLMResponse, error) {
	params, err := c.buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("claude: failed to build request: %w", err)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, c.handleError(err)
	}

	return parseMessage(msg), nil
}

// buildRequest converts a GenerateRequest to the SDK's request params.
func (c *ClaudeProvider) buildRequest(req GenerateRequest) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(req.Messages)),
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	for i, msg := range req.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return params, fmt.Errorf("message %d: %w", i, err)
		}
		params.Messages = append(params.Messages, converted)
	}

	for _, def := range req.Tools {
		params.Tools = append(params.Tools, convertTool(def))
	}

	return params, nil
}

// convertMessage converts a Message to the SDK's message param.
func convertMessage(msg Message) (anthropic.MessageParam, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch block.Type {
		case BlockText:
			blocks = append(blocks, anthropic.NewTextBlock(block.Text))
		case BlockToolUse:
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(block.ID, input, block.Name))
		case BlockToolResult:
			blocks = append(blocks, toolResultParam(block))
		default:
			return anthropic.MessageParam{}, fmt.Errorf("unsupported content block type %q", block.Type)
		}
	}

	switch msg.Role {
	case RoleUser:
		return anthropic.NewUserMessage(blocks...), nil
	case RoleAssistant:
		return anthropic.NewAssistantMessage(blocks...), nil
	default:
		return anthropic.MessageParam{}, fmt.Errorf("unsupported role %q", msg.Role)
	}
}

// toolResultParam omits the content of a result with no text output, since
// the API rejects empty text blocks.
func toolResultParam(block ContentBlock) anthropic.ContentBlockParamUnion {
	if block.Output == "" {
		return anthropic.ContentBlockParamUnion{OfToolResult: &anthropic.ToolResultBlockParam{
			ToolUseID: block.ToolUseID,
			IsError:   anthropic.Bool(block.IsError),
		}}
	}
	return anthropic.NewToolResultBlock(block.ToolUseID, block.Output, block.IsError)
}

// convertTool maps a tool definition onto the SDK's tool param. The
// properties and required keys get their dedicated fields; every other
// schema keyword is passed through unchanged.
func convertTool(def ToolDefinition) anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{}
	for key, value := range def.InputSchema {
		switch key {
		case "type":
		case "properties":
			schema.Properties = value
		case "required":
			schema.Required = toStrings(value)
		default:
			if schema.ExtraFields == nil {
				schema.ExtraFields = make(map[string]any)
			}
			schema.ExtraFields[key] = value
		}
	}

	tool := anthropic.ToolParam{
		Name:        def.Name,
		InputSchema: schema,
	}
	if def.Description != "" {
		tool.Description = anthropic.String(def.Description)
	}
	return anthropic.ToolUnionParam{OfTool: &tool}
}

// parseMessage converts the SDK response into an LLMResponse. This is the
// only place where response block variants are inspected.
func parseMessage(msg *anthropic.Message) *LLMResponse {
	resp := &LLMResponse{
		StopReason: StopReason(msg.StopReason),
		Content:    make([]ContentBlock, 0, len(msg.Content)),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content = append(resp.Content, NewTextBlock(block.Text))
		case "tool_use":
			input := append(json.RawMessage(nil), block.Input...)
			resp.Content = append(resp.Content, NewToolUseBlock(block.ID, block.Name, input))
		}
	}

	return resp
}

// handleError creates an appropriate error for a failed API call.
func (c *ClaudeProvider) handleError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &ProviderError{Provider: c.Name(), Message: "failed to send request", Cause: err}
	}

	pe := &ProviderError{Provider: c.Name(), StatusCode: apiErr.StatusCode, Cause: err}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized:
		pe.Message = "authentication failed"
	case http.StatusForbidden:
		pe.Message = "access forbidden"
	case http.StatusTooManyRequests:
		pe.Message = "rate limit exceeded"
	case http.StatusBadRequest:
		pe.Message = "bad request"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		pe.Message = "server error"
	default:
		pe.Message = "API error"
	}
	return pe
}

func toStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, val := range vals {
			if s, ok := val.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
