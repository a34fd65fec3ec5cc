package shortlist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"asky/internal/config"
)

func TestParseSeedsExtractsURLAndStripsFromQuery(t *testing.T) {
	seeds, query := parseSeeds("summarize https://example.com/a and tell me about cats.")
	require.Equal(t, []string{"https://example.com/a"}, seeds)
	require.Contains(t, query, "cats")
	require.NotContains(t, query, "https://")
}

func TestParseSeedsPromotesBareDomain(t *testing.T) {
	seeds, _ := parseSeeds("check example.com/path for details")
	require.Equal(t, []string{"https://example.com/path"}, seeds)
}

func TestParseSeedsNoURL(t *testing.T) {
	seeds, query := parseSeeds("what is the weather today")
	require.Empty(t, seeds)
	require.Equal(t, "what is the weather today", query)
}

func TestNormalizeURLStripsTrackingParamsAndFragment(t *testing.T) {
	got := normalizeURL("HTTPS://Example.com/a?utm_source=x&b=2#frag")
	require.Equal(t, "https://example.com/a?b=2", got)
}

func TestExtractKeyphrasesFallsBackToTokens(t *testing.T) {
	kp := extractKeyphrases("The Quick Brown fox, the fox!")
	require.Equal(t, []string{"the", "quick", "brown", "fox"}, kp)
}

func TestResolveEnabledPrecedence(t *testing.T) {
	no := false
	yes := true
	require.False(t, ResolveEnabled(true, &yes, &yes, true), "lean always wins")
	require.False(t, ResolveEnabled(false, &no, &yes, true))
	require.True(t, ResolveEnabled(false, nil, &yes, false))
	require.True(t, ResolveEnabled(false, nil, nil, true))
}

func TestRunWithSearchOnlyNoFetcher(t *testing.T) {
	search := func(ctx context.Context, q string) ([]SearchResult, error) {
		return []SearchResult{{URL: "https://found.example/x", Title: "Found", Snippet: "a snippet"}}, nil
	}
	res := Run(context.Background(), Inputs{
		PromptText: "tell me about widgets",
		Search:     search,
		Cfg:        config.ShortlistConfig{TopK: 5},
	})
	require.True(t, res.Enabled)
	require.Len(t, res.Candidates, 1)
	require.Equal(t, SourceSearch, res.Candidates[0].SourceType)
}

func TestRunAlwaysIncludesSeedEvenOutsideTopK(t *testing.T) {
	search := func(ctx context.Context, q string) ([]SearchResult, error) {
		var out []SearchResult
		for i := 0; i < 5; i++ {
			out = append(out, SearchResult{URL: "https://search.example/" + string(rune('a'+i)), Title: "t"})
		}
		return out, nil
	}
	res := Run(context.Background(), Inputs{
		PromptText: "check https://seed.example/page for widgets",
		Search:     search,
		Cfg:        config.ShortlistConfig{TopK: 1},
	})
	var sawSeed bool
	for _, c := range res.Candidates {
		if c.SourceType == SourceSeed {
			sawSeed = true
		}
	}
	require.True(t, sawSeed, "seed candidate must survive even when outside top-K")
}
