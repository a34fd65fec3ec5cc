package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"asky/internal/config"
	"asky/internal/llm"
)

func TestChat_ServerReturnsChoice(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello","tool_calls":[]}}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	cli := New(config.LLMConfig{APIKey: "test", BaseURL: srv.URL, Model: "m"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, usage, err := cli.Chat(ctx, []llm.Message{{Role: "user", Content: "hi"}}, nil, "")
	require.NoError(t, err)
	require.Equal(t, "hello", msg.Content)
	require.Equal(t, 4, usage.TotalTokens)
}

func TestChat_SkipsEmptyToolCallArguments(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
			{"id":"1","type":"function","function":{"name":"empty","arguments":""}},
			{"id":"2","type":"function","function":{"name":"real","arguments":"{\"q\":1}"}}
		]}}]}`))
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	cli := New(config.LLMConfig{APIKey: "test", BaseURL: srv.URL, Model: "m"})
	msg, _, err := cli.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, "")
	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 1)
	require.Equal(t, "real", msg.ToolCalls[0].Name)
}

func TestPickModel(t *testing.T) {
	c := &Client{model: "default-model"}
	require.Equal(t, "default-model", c.pickModel(""))
	require.Equal(t, "override", c.pickModel("override"))
}
