package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"asky/internal/llm"
	"asky/internal/tools"
)

type scriptedProvider struct {
	steps []llm.Message
	calls int
}

func (p *scriptedProvider) Chat(ctx context.Context, msgs []llm.Message, schemas []llm.ToolSchema, model string) (llm.Message, llm.Usage, error) {
	msg := p.steps[p.calls]
	p.calls++
	return msg, llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

func TestRunReturnsFinalAnswerWithNoToolCalls(t *testing.T) {
	provider := &scriptedProvider{steps: []llm.Message{{Role: "assistant", Content: "hello there"}}}
	e := &Engine{LLM: provider, Tools: tools.NewRegistry(), MaxSteps: 3, Tracker: llm.NewUsageTracker()}
	out, err := e.Run(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Equal(t, "hello there", out)
	require.Equal(t, 15, e.Tracker.Total().TotalTokens)
}

func TestRunDispatchesToolCallThenReturnsFinal(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.NewTool(tools.ToolSpec{Name: "echo"}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(raw, &args)
		return map[string]any{"echoed": args.Text}, nil
	}))

	provider := &scriptedProvider{steps: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{Name: "echo", Args: json.RawMessage(`{"text":"hi"}`)}}},
		{Role: "assistant", Content: "done"},
	}}

	var toolResult []byte
	e := &Engine{
		LLM: provider, Tools: reg, MaxSteps: 3, Tracker: llm.NewUsageTracker(),
		OnTool: func(name string, args json.RawMessage, result []byte, toolID string) { toolResult = result },
	}
	out, err := e.Run(context.Background(), "echo hi", nil)
	require.NoError(t, err)
	require.Equal(t, "done", out)
	require.Contains(t, string(toolResult), "hi")
}

func TestRunStopsAtMaxSteps(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.NewTool(tools.ToolSpec{Name: "loop"}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		return map[string]any{"ok": true}, nil
	}))
	looping := llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{Name: "loop", Args: json.RawMessage(`{}`)}}}
	provider := &scriptedProvider{steps: []llm.Message{looping, looping, looping}}
	e := &Engine{LLM: provider, Tools: reg, MaxSteps: 3, Tracker: llm.NewUsageTracker()}
	out, err := e.Run(context.Background(), "go", nil)
	require.NoError(t, err)
	require.Contains(t, out, "no final text")
}

func TestDisabledToolsRejectedWithoutDispatch(t *testing.T) {
	reg := tools.NewRegistry()
	called := false
	reg.Register(tools.NewTool(tools.ToolSpec{Name: "forbidden"}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		called = true
		return nil, nil
	}))
	provider := &scriptedProvider{steps: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{Name: "forbidden", Args: json.RawMessage(`{}`)}}},
		{Role: "assistant", Content: "final"},
	}}
	e := &Engine{
		LLM: provider, Tools: reg, MaxSteps: 3, Tracker: llm.NewUsageTracker(),
		DisabledTools: map[string]bool{"forbidden": true},
	}
	out, err := e.Run(context.Background(), "try", nil)
	require.NoError(t, err)
	require.Equal(t, "final", out)
	require.False(t, called, "disabled tool must never be dispatched")
}
