// Package engine implements the Conversation Engine: a bounded tool-call
// loop that drives one LLM provider through successive steps until it
// produces a final answer with no pending tool calls, per spec.md §4.6.
//
// Grounded on the teacher's internal/agent/engine.go Engine.Run/runLoop/
// dispatchTools, trimmed of streaming, agent delegation, and evolving
// memory (none of which SPEC_FULL.md names) and adapted to this module's
// three-return-value llm.Provider.Chat and tools.Registry.Dispatch shapes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"asky/internal/hooks"
	"asky/internal/llm"
	"asky/internal/tools"
)

// Engine runs one conversation turn: it sends msgs to LLM, dispatches any
// tool calls the model asks for through Tools, and repeats until the model
// answers with no tool calls or MaxSteps is reached.
type Engine struct {
	LLM      llm.Provider
	Tools    tools.Registry
	MaxSteps int
	System   string
	Model    string

	// MaxToolParallelism bounds concurrent tool execution within one step.
	// <= 0 means unbounded (all tool calls in the step run concurrently).
	MaxToolParallelism int

	// DisabledTools gates which tool schemas are sent to the model and
	// which names dispatchTools will refuse, per-turn (spec.md §4.5's
	// ACQUISITION_TOOL_NAMES gating when the corpus is preloaded).
	DisabledTools map[string]bool

	// Tracker accumulates token usage across every Chat call this engine
	// makes, shared with the Turn Orchestrator's per-turn total.
	Tracker *llm.UsageTracker

	// Hooks, when set, fires TURN_COMPLETED after the loop ends.
	Hooks *hooks.Dispatcher

	OnAssistant   func(llm.Message)
	OnTool        func(toolName string, args json.RawMessage, result []byte, toolID string)
	OnToolStart   func(toolName string, args json.RawMessage, toolID string)
	OnTurnMessage func(llm.Message)

	toolCallSeq uint64
}

// BuildInitialLLMMessages assembles the message list for a new turn: an
// optional system message, prior history, then the new user message.
func BuildInitialLLMMessages(system, userInput string, history []llm.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: system})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: "user", Content: userInput})
	return msgs
}

// Run executes one turn to completion and returns the final assistant text.
func (e *Engine) Run(ctx context.Context, userInput string, history []llm.Message) (string, error) {
	msgs := BuildInitialLLMMessages(e.System, userInput, history)
	final, err := e.runLoop(ctx, msgs)
	if err != nil {
		return "", err
	}
	if e.Hooks != nil {
		e.Hooks.Invoke(ctx, hooks.TurnCompleted, final)
	}
	return final, nil
}

func (e *Engine) model() string { return e.Model }

// runLoop drives the step loop shared by Run.
func (e *Engine) runLoop(ctx context.Context, msgs []llm.Message) (string, error) {
	var final string
	maxSteps := e.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}

	for step := 0; step < maxSteps; step++ {
		schemas := e.Tools.Specs(e.DisabledTools)

		msg, usage, err := e.LLM.Chat(ctx, msgs, schemas, e.model())
		if err != nil {
			return "", fmt.Errorf("engine: chat step %d: %w", step, err)
		}
		e.Tracker.Add(usage)

		msg.ToolCalls = e.ensureToolCallIDs(msgs, msg.ToolCalls)
		msgs = append(msgs, msg)
		if e.OnAssistant != nil {
			e.OnAssistant(msg)
		}
		if e.OnTurnMessage != nil {
			e.OnTurnMessage(msg)
		}

		if len(msg.ToolCalls) == 0 {
			final = msg.Content
			break
		}

		msgs = e.dispatchTools(ctx, msgs, msg.ToolCalls)
	}

	if final == "" {
		final = "(no final text — increase max steps)"
	}
	return final, nil
}

func (e *Engine) ensureToolCallIDs(msgs []llm.Message, toolCalls []llm.ToolCall) []llm.ToolCall {
	used := make(map[string]struct{}, len(toolCalls))
	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		for _, tc := range m.ToolCalls {
			if id := strings.TrimSpace(tc.ID); id != "" {
				used[id] = struct{}{}
			}
		}
	}
	for i := range toolCalls {
		id := strings.TrimSpace(toolCalls[i].ID)
		if id == "" {
			id = e.nextToolCallID()
		}
		for {
			if _, ok := used[id]; !ok {
				break
			}
			id = e.nextToolCallID()
		}
		toolCalls[i].ID = id
		used[id] = struct{}{}
	}
	return toolCalls
}

func (e *Engine) nextToolCallID() string {
	seq := atomic.AddUint64(&e.toolCallSeq, 1)
	return fmt.Sprintf("engine-call-%d", seq)
}

// dispatchTools executes a batch of tool calls with bounded concurrency and
// appends their tool-response messages to msgs, preserving call order.
func (e *Engine) dispatchTools(ctx context.Context, msgs []llm.Message, toolCalls []llm.ToolCall) []llm.Message {
	if len(toolCalls) == 0 {
		return msgs
	}

	maxParallel := e.MaxToolParallelism
	if maxParallel <= 0 || maxParallel > len(toolCalls) {
		maxParallel = len(toolCalls)
	}

	results := make([]llm.Message, len(toolCalls))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for i, tc := range toolCalls {
		i, tc := i, tc
		if e.DisabledTools[tc.Name] {
			results[i] = llm.Message{Role: "tool", ToolID: tc.ID, Content: `{"error":"tool disabled for this turn: ` + tc.Name + `"}`}
			continue
		}
		if e.OnToolStart != nil {
			e.OnToolStart(tc.Name, tc.Args, tc.ID)
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, tc llm.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = e.executeToolCall(ctx, tc)
		}(i, tc)
	}

	wg.Wait()
	if e.OnTurnMessage != nil {
		for _, tm := range results {
			e.OnTurnMessage(tm)
		}
	}
	return append(msgs, results...)
}

func (e *Engine) executeToolCall(ctx context.Context, tc llm.ToolCall) llm.Message {
	payload, err := e.Tools.Dispatch(ctx, tc.Name, tc.Args)
	if e.OnTool != nil {
		e.OnTool(tc.Name, tc.Args, payload, tc.ID)
	}
	if err != nil {
		b, _ := json.Marshal(map[string]any{"error": err.Error()})
		return llm.Message{Role: "tool", ToolID: tc.ID, Content: string(b)}
	}
	return llm.Message{Role: "tool", ToolID: tc.ID, Content: string(payload)}
}
