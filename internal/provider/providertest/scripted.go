// Package providertest provides a deterministic LLMProvider for tests.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"sociallinks/internal/provider"
)

// Turn configures one model turn in a scripted sequence.
type Turn struct {
	Response provider.LLMResponse
	Err      error
}

// Scripted replays a fixed sequence of turns and records every request.
// When Repeat is set, the last turn is replayed forever once the script runs out.
type Scripted struct {
	Repeat bool

	mu       sync.Mutex
	turns    []Turn
	requests []provider.GenerateRequest
}

var _ provider.LLMProvider = (*Scripted)(nil)

// NewScripted creates a provider answering with the given turns in order.
func NewScripted(turns ...Turn) *Scripted {
	cloned := make([]Turn, len(turns))
	copy(cloned, turns)
	return &Scripted{turns: cloned}
}

// Name returns the provider name.
func (s *Scripted) Name() string {
	return "scripted"
}

// Generate returns the next scripted turn.
func (s *Scripted) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	step := len(s.requests)
	s.requests = append(s.requests, cloneRequest(req))

	var current Turn
	switch {
	case step < len(s.turns):
		current = s.turns[step]
	case s.Repeat && len(s.turns) > 0:
		current = s.turns[len(s.turns)-1]
	default:
		return nil, fmt.Errorf("script exhausted at step %d", step+1)
	}
	if current.Err != nil {
		return nil, current.Err
	}

	resp := current.Response
	resp.Content = append([]provider.ContentBlock(nil), resp.Content...)
	if s.Repeat && step >= len(s.turns)-1 {
		// Repeated tool requests need fresh call ids.
		for i := range resp.Content {
			if resp.Content[i].Type == provider.BlockToolUse {
				resp.Content[i].ID = fmt.Sprintf("%s_%d", resp.Content[i].ID, step)
			}
		}
	}
	return &resp, nil
}

// Calls returns the number of Generate calls made so far.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns copies of the requests received so far.
func (s *Scripted) Requests() []provider.GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.GenerateRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// LastRequest returns the most recent request, or the zero value if none was made.
func (s *Scripted) LastRequest() provider.GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return provider.GenerateRequest{}
	}
	return s.requests[len(s.requests)-1]
}

// ToolUse builds a tool_use turn with one request per call.
func ToolUse(calls ...provider.ContentBlock) Turn {
	return Turn{Response: provider.LLMResponse{StopReason: provider.StopToolUse, Content: calls}}
}

// EndTurn builds a plain-answer turn from the given text blocks.
func EndTurn(texts ...string) Turn {
	content := make([]provider.ContentBlock, len(texts))
	for i, text := range texts {
		content[i] = provider.NewTextBlock(text)
	}
	return Turn{Response: provider.LLMResponse{StopReason: provider.StopEndTurn, Content: content}}
}

// Stop builds a turn ending with an arbitrary stop reason.
func Stop(reason provider.StopReason, texts ...string) Turn {
	turn := EndTurn(texts...)
	turn.Response.StopReason = reason
	return turn
}

// Call builds a tool_use block, marshalling input to JSON.
func Call(id, name string, input any) provider.ContentBlock {
	raw, err := json.Marshal(input)
	if err != nil {
		panic(fmt.Sprintf("providertest: marshal input for %s: %v", name, err))
	}
	return provider.NewToolUseBlock(id, name, raw)
}

func cloneRequest(req provider.GenerateRequest) provider.GenerateRequest {
	out := provider.GenerateRequest{SystemPrompt: req.SystemPrompt}
	out.Tools = append([]provider.ToolDefinition(nil), req.Tools...)
	out.Messages = make([]provider.Message, len(req.Messages))
	for i, msg := range req.Messages {
		out.Messages[i] = provider.Message{
			Role:    msg.Role,
			Content: append([]provider.ContentBlock(nil), msg.Content...),
		}
	}
	return out
}
