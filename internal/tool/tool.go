// Package tool defines the tool capability contract used by agents and the
// reserved final-answer tool.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"

	"sociallinks/internal/provider"
)

// Toolbox is a set of externally executed tools.
type Toolbox interface {
	// Catalog returns the descriptors of every available tool.
	Catalog(ctx context.Context) ([]provider.ToolDefinition, error)

	// Invoke executes the named tool. Execution failures are reported as an
	// error-flagged ToolResult; a returned error means the toolbox itself is
	// no longer usable.
	Invoke(ctx context.Context, name string, input json.RawMessage) (provider.ToolResult, error)
}

// FinalAnswer is a reserved tool the model calls to hand back a structured
// result. It is never executed: the input of the call is the answer.
type FinalAnswer struct {
	def provider.ToolDefinition
}

// NewFinalAnswer creates a final-answer tool whose input schema is
// reflected from shape, typically a pointer to a struct.
func NewFinalAnswer(name, description string, shape any) (*FinalAnswer, error) {
	if shape == nil {
		return nil, errors.New("final answer shape cannot be nil")
	}

	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	data, err := json.Marshal(reflector.Reflect(shape))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema for %q: %w", name, err)
	}

	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to decode schema for %q: %w", name, err)
	}
	delete(schema, "$schema")
	delete(schema, "$id")

	return NewFinalAnswerSchema(name, description, schema)
}

// NewFinalAnswerSchema creates a final-answer tool from an explicit JSON schema.
func NewFinalAnswerSchema(name, description string, schema map[string]any) (*FinalAnswer, error) {
	if name == "" {
		return nil, errors.New("final answer name cannot be empty")
	}
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if t, ok := schema["type"]; ok && t != "object" {
		return nil, fmt.Errorf("final answer %q: input schema must describe an object, got %v", name, t)
	}

	return &FinalAnswer{
		def: provider.ToolDefinition{
			Name:        name,
			Description: description,
			InputSchema: schema,
		},
	}, nil
}

// Name returns the reserved tool name.
func (f *FinalAnswer) Name() string {
	return f.def.Name
}

// Definition returns the descriptor advertised to the model.
func (f *FinalAnswer) Definition() provider.ToolDefinition {
	return f.def
}

// Decode unmarshals a final answer payload into v.
func (f *FinalAnswer) Decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("final answer %q: empty payload", f.def.Name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("final answer %q: %w", f.def.Name, err)
	}
	return nil
}
