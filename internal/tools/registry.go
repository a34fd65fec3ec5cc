package tools

import (
	"context"
	"encoding/json"

	"asky/internal/llm"
)

// DispatchEvent captures a single tool dispatch invocation and result, for
// observability hooks (e.g. TURN_COMPLETED tracing) to consume without the
// registry itself depending on a logging package.
type DispatchEvent struct {
	Name    string
	Args    json.RawMessage
	Payload []byte
	Err     error
}

type recordingRegistry struct {
	base Registry
	on   func(DispatchEvent)
}

// NewRecordingRegistry wraps an existing Registry and calls on for each Dispatch.
func NewRecordingRegistry(base Registry, on func(DispatchEvent)) Registry {
	if base == nil {
		base = NewRegistry()
	}
	return &recordingRegistry{base: base, on: on}
}

func (r *recordingRegistry) Register(t Tool) { r.base.Register(t) }

func (r *recordingRegistry) Specs(disabled map[string]bool) []llm.ToolSchema {
	return r.base.Specs(disabled)
}

func (r *recordingRegistry) SystemPromptGuidelines(disabled map[string]bool) []string {
	return r.base.SystemPromptGuidelines(disabled)
}

func (r *recordingRegistry) Dispatch(ctx context.Context, name string, raw json.RawMessage) ([]byte, error) {
	payload, err := r.base.Dispatch(ctx, name, raw)
	if r.on != nil {
		r.on(DispatchEvent{Name: name, Args: raw, Payload: payload, Err: err})
	}
	return payload, err
}
