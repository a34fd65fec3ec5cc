package preload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"asky/internal/session"
	"asky/internal/shortlist"
)

type fakeMemoryStore struct {
	session.Store
	memories []session.UserMemory
}

func (f *fakeMemoryStore) ListUserMemories(ctx context.Context, sessionID string, includeGlobal bool) ([]session.UserMemory, error) {
	return f.memories, nil
}

func TestRunSkipsMemoryRecallWhenLean(t *testing.T) {
	in := Inputs{
		Query: "tell me about widgets",
		Lean:  true,
		MemoryEnabled: true,
		MemoryStore:   &fakeMemoryStore{memories: []session.UserMemory{{Text: "likes widgets"}}},
	}
	res := Run(context.Background(), in)
	require.Empty(t, res.MemoryContext)
}

func TestRunIncludesMemoryContextWhenEnabled(t *testing.T) {
	in := Inputs{
		Query:         "tell me about widgets",
		MemoryEnabled: true,
		MemoryStore:   &fakeMemoryStore{memories: []session.UserMemory{{Text: "likes widgets"}}},
	}
	res := Run(context.Background(), in)
	require.Contains(t, res.MemoryContext, "likes widgets")
}

func TestRunExpandsQueriesInResearchMode(t *testing.T) {
	in := Inputs{
		Query:              "one two three four five",
		ResearchMode:       true,
		QueryExpansionMode: "deterministic",
	}
	res := Run(context.Background(), in)
	require.Len(t, res.ExpandedQueries, 3)
}

func TestRunSkipsShortlistWhenLean(t *testing.T) {
	search := func(ctx context.Context, q string) ([]shortlist.SearchResult, error) {
		return []shortlist.SearchResult{{URL: "https://example.com/a", Title: "A"}}, nil
	}
	in := Inputs{
		Query: "widgets",
		Lean:  true,
		Shortlist: shortlist.Inputs{Search: search},
	}
	res := Run(context.Background(), in)
	require.Empty(t, res.Shortlist.Candidates)
}

func TestRunBuildsCombinedContextFromShortlist(t *testing.T) {
	search := func(ctx context.Context, q string) ([]shortlist.SearchResult, error) {
		return []shortlist.SearchResult{{URL: "https://example.com/a", Title: "Widget facts"}}, nil
	}
	in := Inputs{
		Query:     "widgets",
		Shortlist: shortlist.Inputs{Search: search},
	}
	res := Run(context.Background(), in)
	require.Contains(t, res.CombinedContext, "Widget facts")
}

func TestDeterministicExpandShortQueryIsUnchanged(t *testing.T) {
	got := deterministicExpand("widgets")
	require.Equal(t, []string{"widgets"}, got)
}
