package summarizer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"asky/internal/llm"
)

type fakeProvider struct {
	calls int
	reply func(msgs []llm.Message) string
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, llm.Usage, error) {
	f.calls++
	content := f.reply(msgs)
	return llm.Message{Role: "assistant", Content: content}, llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

func TestSummarizeDirectCall(t *testing.T) {
	fp := &fakeProvider{reply: func(msgs []llm.Message) string { return "short summary" }}
	tracker := llm.NewUsageTracker()
	var events []ProgressEvent

	out, err := Summarize(context.Background(), "hello world", "Summarize: {{content}}", 100, Options{
		LLM: fp, Model: "m", Tracker: tracker,
		Progress: func(e ProgressEvent) { events = append(events, e) },
	})
	require.NoError(t, err)
	require.Equal(t, "short summary", out)
	require.Equal(t, 1, fp.calls)
	require.Len(t, events, 1)
	require.Equal(t, StageDirect, events[0].Stage)
	require.Equal(t, llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, tracker.Total())
}

func TestSummarizeMapReduceForLargeInput(t *testing.T) {
	big := strings.Repeat("a", 20000)
	fp := &fakeProvider{reply: func(msgs []llm.Message) string { return "partial" }}

	out, err := Summarize(context.Background(), big, "Summarize: {{content}}", 50, Options{
		LLM: fp, Model: "m", ChunkChars: 6000, OverlapChars: 200,
	})
	require.NoError(t, err)
	require.Equal(t, "partial", out)
	require.Greater(t, fp.calls, 1, "should have mapped multiple chunks then reduced")
}

func TestSummarizeTruncatesToMaxOutputChars(t *testing.T) {
	fp := &fakeProvider{reply: func(msgs []llm.Message) string { return strings.Repeat("x", 500) }}

	out, err := Summarize(context.Background(), "content", "{{content}}", 10, Options{LLM: fp, Model: "m"})
	require.NoError(t, err)
	require.Len(t, out, 10)
}

func TestSplitOverlapping(t *testing.T) {
	chunks := splitOverlapping(strings.Repeat("x", 25), 10, 3)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), 10)
	}
}
