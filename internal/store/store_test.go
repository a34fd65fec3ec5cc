package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutAndLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil, nil)

	id, changed, err := s.Put(ctx, "https://ex.com/a", "hello world", "A", nil, PutOptions{})
	require.NoError(t, err)
	require.True(t, changed)

	e, ok, err := s.Lookup(ctx, "https://ex.com/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, e.ID)
	require.Equal(t, "hello world", e.Content)
}

func TestPutIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil, nil)

	id1, _, err := s.Put(ctx, "https://ex.com/a", "hello", "A", []Link{{Label: "x", URL: "https://ex.com/b"}}, PutOptions{})
	require.NoError(t, err)
	id2, changed, err := s.Put(ctx, "https://ex.com/a", "hello", "A", []Link{{Label: "x", URL: "https://ex.com/b"}}, PutOptions{})
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.False(t, changed)
}

func TestPutContentHashChangeResetsSummary(t *testing.T) {
	ctx := context.Background()
	summarizeCalls := 0
	s := NewMemoryStore(time.Hour, nil, func(ctx context.Context, content string) (string, error) {
		summarizeCalls++
		return "summary of " + content, nil
	})

	id, _, err := s.Put(ctx, "https://ex.com/a", "version one", "A", nil, PutOptions{TriggerSummary: true})
	require.NoError(t, err)

	e, ok, err := s.LookupByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, SummaryCompleted, e.SummaryStatus)
	require.Equal(t, 1, summarizeCalls)

	_, changed, err := s.Put(ctx, "https://ex.com/a", "version two", "A", nil, PutOptions{})
	require.NoError(t, err)
	require.True(t, changed)

	e, ok, err = s.LookupByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, SummaryPending, e.SummaryStatus)
	require.Empty(t, e.Summary)
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(-time.Hour, nil, nil) // already-expired TTL

	_, _, err := s.Put(ctx, "https://ex.com/a", "content", "A", nil, PutOptions{})
	require.NoError(t, err)

	_, ok, err := s.Lookup(ctx, "https://ex.com/a")
	require.NoError(t, err)
	require.False(t, ok, "expired entry must be indistinguishable from absent")

	n, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestFindings(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil, nil)

	id, err := s.SaveFinding(ctx, "the sky is blue", "https://x", "x", []string{"science"}, "")
	require.NoError(t, err)

	f, ok, err := s.GetFinding(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "the sky is blue", f.Text)

	require.NoError(t, s.UpdateFindingEmbedding(ctx, id, []float32{0.1, 0.2}, "m1"))
	list, err := s.ListFindings(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "m1", list[0].EmbeddingModel)

	require.NoError(t, s.DeleteFinding(ctx, id))
	_, ok, err = s.GetFinding(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCorpusHandleRoundtrip(t *testing.T) {
	h := FormatCorpusHandle(42)
	require.Equal(t, "corpus://cache/42", h)
	id, section, ok := ParseCorpusHandle(h)
	require.True(t, ok)
	require.Equal(t, int64(42), id)
	require.Empty(t, section)

	sec := FormatSectionRef(42, "intro")
	id, section, ok = ParseCorpusHandle(sec)
	require.True(t, ok)
	require.Equal(t, int64(42), id)
	require.Equal(t, "intro", section)

	_, _, ok = ParseCorpusHandle("https://example.com")
	require.False(t, ok)
}

func TestIsLocalHandle(t *testing.T) {
	require.True(t, IsLocalHandle("/etc/passwd"))
	require.True(t, IsLocalHandle("file:///etc/passwd"))
	require.False(t, IsLocalHandle("https://example.com"))
}
