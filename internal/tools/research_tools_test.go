package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"asky/internal/embedding"
	"asky/internal/shortlist"
	"asky/internal/store"
	"asky/internal/vectorindex"
)

// fakeStore is a minimal in-memory store.Store for exercising the tool
// wiring without a database.
type fakeStore struct {
	byURL    map[string]store.CacheEntry
	findings []store.Finding
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{byURL: make(map[string]store.CacheEntry)}
}

func (s *fakeStore) Lookup(ctx context.Context, url string) (store.CacheEntry, bool, error) {
	e, ok := s.byURL[url]
	return e, ok, nil
}

func (s *fakeStore) LookupByID(ctx context.Context, cacheID int64) (store.CacheEntry, bool, error) {
	for _, e := range s.byURL {
		if e.ID == cacheID {
			return e, true, nil
		}
	}
	return store.CacheEntry{}, false, nil
}

func (s *fakeStore) Put(ctx context.Context, url, content, title string, links []store.Link, opts store.PutOptions) (int64, bool, error) {
	s.nextID++
	s.byURL[url] = store.CacheEntry{ID: s.nextID, URL: url, Content: content, Title: title, Links: links}
	return s.nextID, true, nil
}

func (s *fakeStore) ReadLinks(ctx context.Context, url string) ([]store.Link, bool, error) {
	e, ok := s.byURL[url]
	return e.Links, ok, nil
}

func (s *fakeStore) ReadSummary(ctx context.Context, url string) (string, store.SummaryStatus, bool, error) {
	e, ok := s.byURL[url]
	return e.Summary, e.SummaryStatus, ok, nil
}

func (s *fakeStore) ReadContent(ctx context.Context, url string) (string, bool, error) {
	e, ok := s.byURL[url]
	return e.Content, ok, nil
}

func (s *fakeStore) CleanupExpired(ctx context.Context) (int, error) { return 0, nil }

func (s *fakeStore) SaveFinding(ctx context.Context, text, url, title string, tags []string, sessionID string) (int64, error) {
	s.nextID++
	s.findings = append(s.findings, store.Finding{ID: s.nextID, Text: text, SourceURL: url, SourceTitle: title, Tags: tags, SessionID: sessionID})
	return s.nextID, nil
}

func (s *fakeStore) GetFinding(ctx context.Context, id int64) (store.Finding, bool, error) {
	for _, f := range s.findings {
		if f.ID == id {
			return f, true, nil
		}
	}
	return store.Finding{}, false, nil
}

func (s *fakeStore) ListFindings(ctx context.Context, limit int, sessionID string) ([]store.Finding, error) {
	var out []store.Finding
	for _, f := range s.findings {
		if sessionID != "" && f.SessionID != sessionID {
			continue
		}
		out = append(out, f)
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) UpdateFindingEmbedding(ctx context.Context, id int64, emb []float32, model string) error {
	return nil
}

func (s *fakeStore) DeleteFinding(ctx context.Context, id int64) error { return nil }

func (s *fakeStore) Shutdown(ctx context.Context) error { return nil }

func callTool(t *testing.T, reg Registry, name string, args map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	payload, err := reg.Dispatch(context.Background(), name, raw)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(payload, &out))
	return out
}

func TestRegisterResearchToolsGatesLocalCorpusTools(t *testing.T) {
	reg := NewRegistry()
	RegisterResearchTools(reg, Deps{Store: newFakeStore()}, "web_only")
	schemas := reg.Specs(nil)
	names := make(map[string]bool)
	for _, s := range schemas {
		names[s.Name] = true
	}
	require.True(t, names[ToolWebSearch])
	require.False(t, names[ToolListSections], "local-only tools must not register under web_only mode")

	reg2 := NewRegistry()
	RegisterResearchTools(reg2, Deps{Store: newFakeStore()}, "local_only")
	schemas2 := reg2.Specs(nil)
	names2 := make(map[string]bool)
	for _, s := range schemas2 {
		names2[s.Name] = true
	}
	require.True(t, names2[ToolListSections])
	require.True(t, names2[ToolSummarizeSection])
}

func TestSaveFindingAndQueryResearchMemoryRoundtrip(t *testing.T) {
	fs := newFakeStore()
	emb := embedding.NewDeterministicEmbedder(16, true, 7)
	vec := vectorindex.NewMemoryIndex(emb)
	reg := NewRegistry()
	RegisterResearchTools(reg, Deps{Store: fs, Vector: vec, Embedder: emb}, "web_only")

	saveOut := callTool(t, reg, ToolSaveFinding, map[string]any{"text": "widgets are great", "session_id": "s1"})
	require.NotNil(t, saveOut["finding_id"])

	queryOut := callTool(t, reg, ToolQueryResearchMemory, map[string]any{"query": "widgets", "session_id": "s1"})
	require.NotNil(t, queryOut["findings"])
}

func TestSaveMemoryToolAcceptsText(t *testing.T) {
	reg := NewRegistry()
	RegisterResearchTools(reg, Deps{Store: newFakeStore()}, "web_only")
	out := callTool(t, reg, ToolSaveMemory, map[string]any{"text": "likes dark mode", "global": true})
	require.Equal(t, true, out["accepted"])
	require.Equal(t, true, out["global"])
}

func TestGetFullContentRejectsLocalHandles(t *testing.T) {
	fs := newFakeStore()
	reg := NewRegistry()
	RegisterResearchTools(reg, Deps{Store: fs}, "web_only")
	out := callTool(t, reg, ToolGetFullContent, map[string]any{"urls": []string{"/etc/passwd", "file:///etc/shadow"}})
	results, ok := out["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	for _, r := range results {
		m := r.(map[string]any)
		require.Contains(t, m["error"], "local filesystem handle")
	}
}

func TestGetFullContentReturnsCachedContent(t *testing.T) {
	fs := newFakeStore()
	fs.byURL["https://example.com/a"] = store.CacheEntry{ID: 1, URL: "https://example.com/a", Content: "hello world"}
	reg := NewRegistry()
	RegisterResearchTools(reg, Deps{Store: fs}, "web_only")
	out := callTool(t, reg, ToolGetFullContent, map[string]any{"urls": []string{"https://example.com/a"}})
	results := out["results"].([]any)
	require.Len(t, results, 1)
	m := results[0].(map[string]any)
	require.Equal(t, "hello world", m["content"])
}

func TestWebSearchWithoutBackendReturnsWarning(t *testing.T) {
	reg := NewRegistry()
	RegisterResearchTools(reg, Deps{Store: newFakeStore()}, "web_only")
	out := callTool(t, reg, ToolWebSearch, map[string]any{"q": "widgets"})
	require.NotNil(t, out["warning"])
}

func TestWebSearchWithBackend(t *testing.T) {
	search := func(ctx context.Context, q string) ([]shortlist.SearchResult, error) {
		return []shortlist.SearchResult{{URL: "https://found.example/x", Title: "Found"}}, nil
	}
	reg := NewRegistry()
	RegisterResearchTools(reg, Deps{Store: newFakeStore(), Search: search}, "web_only")
	out := callTool(t, reg, ToolWebSearch, map[string]any{"q": "widgets"})
	results, ok := out["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
}
