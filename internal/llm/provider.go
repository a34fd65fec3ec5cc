// Package llm defines the portable chat-completions shape that asky's
// Conversation Engine speaks, independent of which vendor answers it.
package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// ToolCall is one function-call the model asked for in an assistant turn.
type ToolCall struct {
	Name string
	Args json.RawMessage
	ID   string
}

// Message is one turn in a conversation: system, user, assistant, or tool.
// ToolCalls is only set on assistant messages; ToolID is only set on tool
// messages (it names the ToolCall.ID the result answers).
type Message struct {
	Role      string // "system" | "user" | "assistant" | "tool"
	Content   string
	ToolID    string
	ToolCalls []ToolCall
}

// ToolSchema describes one callable tool in JSON-schema terms, independent
// of vendor encoding.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage reports token accounting for a single Chat call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is a single LLM endpoint capable of one non-streaming chat
// completion, with or without tool calling. Every concrete provider in this
// module (openai, anthropic) implements exactly this surface; asky's engine
// never depends on a vendor SDK type directly.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Message, Usage, error)
}

// UsageTracker accumulates Usage across any number of Chat calls, shared by
// the Summarizer, Conversation Engine, and Turn Orchestrator so a caller can
// read one running total for a turn or a background job. Safe for
// concurrent use. The zero value is ready to use.
type UsageTracker struct {
	mu    sync.Mutex
	total Usage
}

// NewUsageTracker returns a ready-to-use tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{}
}

// Add folds u into the running total.
func (t *UsageTracker) Add(u Usage) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total.PromptTokens += u.PromptTokens
	t.total.CompletionTokens += u.CompletionTokens
	t.total.TotalTokens += u.TotalTokens
}

// Total returns the accumulated usage so far.
func (t *UsageTracker) Total() Usage {
	if t == nil {
		return Usage{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
