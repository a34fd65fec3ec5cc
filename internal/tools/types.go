// Package tools implements the Tool Registry: a name-keyed map of
// (ToolSpec, executor) entries exposed to the Conversation Engine, per
// spec.md §4.5. Ported from the teacher's internal/tools/types.go +
// registry.go Tool/Registry interfaces with the stale gptagent/internal/llm
// import corrected to this module's real path, and generalized from a
// method-per-tool Tool interface to spec.md's explicit
// register(name, spec, executor) shape.
package tools

import (
	"context"
	"encoding/json"
	"sync"

	"asky/internal/llm"
)

// ToolSpec describes one callable tool: its JSON-schema-shaped parameters
// for the LLM request, and an optional non-empty guideline line appended
// under the "Enabled Tool Guidelines" system-prompt header (spec.md §4.5).
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
	Guideline   string
}

// Executor runs one tool call. Its return value must be JSON-serializable;
// it becomes the tool message content returned to the model verbatim.
type Executor func(ctx context.Context, raw json.RawMessage) (any, error)

// Tool pairs a ToolSpec with the Executor that answers calls to it.
type Tool interface {
	Spec() ToolSpec
	Call(ctx context.Context, raw json.RawMessage) (any, error)
}

type funcTool struct {
	spec ToolSpec
	fn   Executor
}

// NewTool builds a Tool from a spec and an executor function — the usual
// way concrete tools in this package register themselves.
func NewTool(spec ToolSpec, fn Executor) Tool {
	return &funcTool{spec: spec, fn: fn}
}

func (t *funcTool) Spec() ToolSpec { return t.spec }
func (t *funcTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	return t.fn(ctx, raw)
}

// Registry owns a name-keyed map of (ToolSpec, executor) entries.
type Registry interface {
	// Register adds or overwrites the entry for t.Spec().Name.
	Register(t Tool)
	// Specs returns the schema list to include in an LLM request, in
	// registration order, skipping any name present (and true) in disabled.
	Specs(disabled map[string]bool) []llm.ToolSchema
	// SystemPromptGuidelines returns the ordered, non-empty guideline lines
	// for enabled tools.
	SystemPromptGuidelines(disabled map[string]bool) []string
	// Dispatch runs the named tool synchronously and returns its
	// JSON-encoded result. An unknown tool name and a tool error both
	// produce a structured JSON payload rather than a Go error, since the
	// payload becomes a tool message the model must be able to read.
	Dispatch(ctx context.Context, name string, raw json.RawMessage) ([]byte, error)
}

type defaultRegistry struct {
	mu     sync.RWMutex
	byName map[string]Tool
	order  []string
}

// NewRegistry returns an empty, concurrency-safe Registry.
func NewRegistry() Registry {
	return &defaultRegistry{byName: make(map[string]Tool)}
}

func (r *defaultRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Spec().Name
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = t
}

func (r *defaultRegistry) Specs(disabled map[string]bool) []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		if disabled[name] {
			continue
		}
		spec := r.byName[name].Spec()
		out = append(out, llm.ToolSchema{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}
	return out
}

func (r *defaultRegistry) SystemPromptGuidelines(disabled map[string]bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if disabled[name] {
			continue
		}
		if g := r.byName[name].Spec().Guideline; g != "" {
			out = append(out, g)
		}
	}
	return out
}

func (r *defaultRegistry) Dispatch(ctx context.Context, name string, raw json.RawMessage) ([]byte, error) {
	r.mu.RLock()
	t, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		b, _ := json.Marshal(map[string]any{"error": "tool not found: " + name})
		return b, nil
	}
	val, err := t.Call(ctx, raw)
	if err != nil {
		b, _ := json.Marshal(map[string]any{"ok": false, "error": err.Error()})
		return b, nil
	}
	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	return b, nil
}
