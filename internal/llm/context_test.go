package llm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextSizeKnownModel(t *testing.T) {
	tokens, known := ContextSize("gpt-4o-mini")
	require.True(t, known)
	require.Equal(t, 128_000, tokens)
}

func TestContextSizePrefixMatch(t *testing.T) {
	tokens, known := ContextSize("claude-sonnet-4-5-20260101")
	require.True(t, known)
	require.Equal(t, 200_000, tokens)
}

func TestContextSizeUnknownFallsBack(t *testing.T) {
	tokens, known := ContextSize("some-future-model")
	require.False(t, known)
	require.Equal(t, 32_000, tokens)
}

func TestContextSizeEmptyModel(t *testing.T) {
	tokens, known := ContextSize("")
	require.False(t, known)
	require.Equal(t, 0, tokens)
}
