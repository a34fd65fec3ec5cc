package turn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"asky/internal/engine"
	"asky/internal/llm"
	"asky/internal/preload"
	"asky/internal/session"
	"asky/internal/tools"
)

type fixedProvider struct{ content string }

func (p *fixedProvider) Chat(ctx context.Context, msgs []llm.Message, schemas []llm.ToolSchema, model string) (llm.Message, llm.Usage, error) {
	return llm.Message{Role: "assistant", Content: p.content}, llm.Usage{}, nil
}

func TestParseHistorySelectorsDirectIntegers(t *testing.T) {
	ids, err := parseHistorySelectors("3,7,9", 10)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 7, 9}, ids)
}

func TestParseHistorySelectorsRelative(t *testing.T) {
	ids, err := parseHistorySelectors("~1", 10)
	require.NoError(t, err)
	require.Equal(t, []int64{9}, ids)
}

func TestParseHistorySelectorsCompletionToken(t *testing.T) {
	ids, err := parseHistorySelectors("answer__hid_42", 10)
	require.NoError(t, err)
	require.Equal(t, []int64{42}, ids)
}

func TestParseHistorySelectorsMalformedRejected(t *testing.T) {
	_, err := parseHistorySelectors("not-a-number", 10)
	require.Error(t, err)
}

func TestTriggersGlobalMemoryStripsPrefix(t *testing.T) {
	stripped, matched := triggersGlobalMemory("Remember this: I like tea", []string{"remember this:"})
	require.True(t, matched)
	require.Equal(t, "I like tea", stripped)
}

func TestTriggersGlobalMemoryNoMatch(t *testing.T) {
	stripped, matched := triggersGlobalMemory("what time is it", []string{"remember this:"})
	require.False(t, matched)
	require.Equal(t, "what time is it", stripped)
}

func TestResolveDisabledToolsLeanDisablesEverything(t *testing.T) {
	disabled := resolveDisabledTools(Request{Lean: true}, preload.Result{})
	require.True(t, disabled[tools.ToolWebSearch])
	require.True(t, disabled[tools.ToolSaveFinding])
}

func TestResolveDisabledToolsPerRequestAugments(t *testing.T) {
	disabled := resolveDisabledTools(Request{DisabledTools: []string{tools.ToolWebSearch}}, preload.Result{})
	require.True(t, disabled[tools.ToolWebSearch])
	require.False(t, disabled[tools.ToolSaveFinding])
}

type fakeSessionStore struct {
	session.Store
	history []session.Interaction
}

func (f *fakeSessionStore) GetHistory(ctx context.Context, limit int) ([]session.Interaction, error) {
	return f.history, nil
}

func (f *fakeSessionStore) SaveInteraction(ctx context.Context, query, answer, model, qs, as string) (session.Interaction, error) {
	return session.Interaction{Query: query, Answer: answer}, nil
}

func TestRunHistoryOnlyTurnSavesInteraction(t *testing.T) {
	store := &fakeSessionStore{}
	eng := &engine.Engine{
		LLM:      &fixedProvider{content: "hi there"},
		Tools:    tools.NewRegistry(),
		MaxSteps: 2,
		Tracker:  llm.NewUsageTracker(),
	}
	d := Deps{
		Sessions: store,
		Engine:   eng,
	}
	res := Run(context.Background(), d, Request{Query: "hello", SaveHistory: true})
	require.False(t, res.Halted)
	require.Equal(t, "hi there", res.FinalAnswer)
}
