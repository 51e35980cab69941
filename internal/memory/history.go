// Package memory provides conversation history management for agents.
package memory

import (
	"errors"
	"fmt"

	"sociallinks/internal/provider"
)

var (
	// ErrOutOfTurn is returned when a message would break user/assistant alternation.
	ErrOutOfTurn = errors.New("message out of turn")
	// ErrOrphanToolResult is returned for a tool result with no matching request.
	ErrOrphanToolResult = errors.New("tool result has no matching request")
	// ErrDuplicateToolResult is returned when a request already has a result.
	ErrDuplicateToolResult = errors.New("tool result already recorded")
	// ErrMissingToolResult is returned when a tool request is left unanswered.
	ErrMissingToolResult = errors.New("tool request has no result")
)

// History is the ordered, append-only conversation of one agent run.
// It is replayed verbatim to the model on every turn. A History is owned by
// a single run and is not safe for concurrent use.
type History struct {
	messages []provider.Message
}

// NewHistory creates a history holding the initial user task.
func NewHistory(task string) *History {
	return &History{
		messages: []provider.Message{provider.NewUserMessage(task)},
	}
}

// AppendAssistant appends a model turn verbatim. The previous message must
// be a user message.
func (h *History) AppendAssistant(content []provider.ContentBlock) error {
	if last := h.last(); last.Role != provider.RoleUser {
		return fmt.Errorf("%w: assistant message after %s message", ErrOutOfTurn, last.Role)
	}

	h.messages = append(h.messages, provider.Message{
		Role:    provider.RoleAssistant,
		Content: cloneBlocks(content),
	})
	return nil
}

// AppendToolResults appends a user message carrying the results for the
// preceding assistant turn's tool requests. Every result must answer exactly
// one request of that turn and every request must be answered. On error the
// history is left unchanged.
func (h *History) AppendToolResults(results []provider.ContentBlock) error {
	last := h.last()
	if last.Role != provider.RoleAssistant {
		return fmt.Errorf("%w: tool results must follow an assistant message", ErrOutOfTurn)
	}

	open := make(map[string]bool)
	for _, use := range last.ToolUses() {
		open[use.ID] = true
	}
	if len(open) == 0 {
		return fmt.Errorf("%w: previous assistant message requested no tools", ErrOrphanToolResult)
	}

	for _, result := range results {
		if result.Type != provider.BlockToolResult {
			return fmt.Errorf("%w: unexpected %s block among tool results", ErrOutOfTurn, result.Type)
		}
		unanswered, requested := open[result.ToolUseID]
		if !requested {
			return fmt.Errorf("%w: call id %q", ErrOrphanToolResult, result.ToolUseID)
		}
		if !unanswered {
			return fmt.Errorf("%w: call id %q", ErrDuplicateToolResult, result.ToolUseID)
		}
		open[result.ToolUseID] = false
	}
	for _, use := range last.ToolUses() {
		if open[use.ID] {
			return fmt.Errorf("%w: call id %q", ErrMissingToolResult, use.ID)
		}
	}

	h.messages = append(h.messages, provider.Message{
		Role:    provider.RoleUser,
		Content: cloneBlocks(results),
	})
	return nil
}

// Pending returns the call ids requested by the last message when it is an
// assistant turn still waiting for results, in request order.
func (h *History) Pending() []string {
	last := h.last()
	if last.Role != provider.RoleAssistant {
		return nil
	}

	var ids []string
	for _, use := range last.ToolUses() {
		ids = append(ids, use.ID)
	}
	return ids
}

// Messages returns a copy of all messages in the conversation history.
func (h *History) Messages() []provider.Message {
	result := make([]provider.Message, len(h.messages))
	for i, msg := range h.messages {
		result[i] = provider.Message{Role: msg.Role, Content: cloneBlocks(msg.Content)}
	}
	return result
}

// Len returns the number of messages in the conversation history.
func (h *History) Len() int {
	return len(h.messages)
}

func (h *History) last() provider.Message {
	return h.messages[len(h.messages)-1]
}

func cloneBlocks(blocks []provider.ContentBlock) []provider.ContentBlock {
	return append([]provider.ContentBlock(nil), blocks...)
}
