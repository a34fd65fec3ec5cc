package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"asky/internal/embedding"
	"asky/internal/fetch"
	"asky/internal/shortlist"
	"asky/internal/store"
	"asky/internal/vectorindex"
)

// Concrete tool names, per spec.md §4.5's tool table.
const (
	ToolWebSearch           = "web_search"
	ToolGetURLContent       = "get_url_content"
	ToolGetURLDetails       = "get_url_details"
	ToolExtractLinks        = "extract_links"
	ToolGetLinkSummaries    = "get_link_summaries"
	ToolGetRelevantContent  = "get_relevant_content"
	ToolGetFullContent      = "get_full_content"
	ToolListSections        = "list_sections"
	ToolSummarizeSection    = "summarize_section"
	ToolSaveFinding         = "save_finding"
	ToolQueryResearchMemory = "query_research_memory"
	ToolSaveMemory          = "save_memory"
)

// AcquisitionToolNames are disabled on a standard (non-research) turn whose
// preloaded seed-URL content is ready for a direct answer, to force reuse of
// prefetched content (spec.md §4.5).
var AcquisitionToolNames = []string{ToolExtractLinks, ToolGetLinkSummaries, ToolGetFullContent}

// LocalCorpusOnlyResearchTools are only registered when research_source_mode
// is local_only or mixed (spec.md §4.5).
var LocalCorpusOnlyResearchTools = []string{ToolListSections, ToolSummarizeSection}

// ErrLocalHandleRejected is returned (per-URL, not as a whole-call failure)
// when a tool that accepts remote URLs is given a local-filesystem handle.
type ErrLocalHandleRejected struct{ URL string }

func (e ErrLocalHandleRejected) Error() string {
	return "local filesystem handle not accepted by this tool: " + e.URL
}

// Deps bundles every dependency the concrete research tools need.
// SectionLookup (local-corpus section lookup) is supplied by the runtime,
// which owns the in-memory section index built during local ingestion; this
// package only consumes it through that function.
type Deps struct {
	Store      store.Store
	Vector     vectorindex.Index
	Fetcher    *fetch.Fetcher
	Embedder   embedding.Embedder
	Search     shortlist.SearchFunc
	Summarize  func(ctx context.Context, content string) (string, error)
	SectionLookup SectionLookupFunc
}

// SectionLookupFunc resolves a local-corpus section by id, ref, or query
// text against a cache entry's detected section headings.
type SectionLookupFunc func(ctx context.Context, cacheID int64, idOrRefOrQuery string) (sectionID, text string, found bool)

// RegisterResearchTools registers the concrete tool set from spec.md §4.5
// into reg. researchSourceMode gates LocalCorpusOnlyResearchTools
// (registered only for "local_only"/"mixed").
func RegisterResearchTools(reg Registry, d Deps, researchSourceMode string) {
	reg.Register(webSearchTool(d))
	reg.Register(getURLContentTool(d))
	reg.Register(getURLDetailsTool(d))
	reg.Register(extractLinksTool(d))
	reg.Register(getLinkSummariesTool(d))
	reg.Register(getRelevantContentTool(d))
	reg.Register(getFullContentTool(d))
	reg.Register(saveFindingTool(d))
	reg.Register(queryResearchMemoryTool(d))
	reg.Register(saveMemoryTool(d))

	if researchSourceMode == "local_only" || researchSourceMode == "mixed" {
		reg.Register(listSectionsTool(d))
		reg.Register(summarizeSectionTool(d))
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func rejectLocal(urls []string) (ok []string, rejected []map[string]string) {
	for _, u := range urls {
		if store.IsLocalHandle(u) {
			rejected = append(rejected, map[string]string{"url": u, "error": ErrLocalHandleRejected{URL: u}.Error()})
			continue
		}
		ok = append(ok, u)
	}
	return ok, rejected
}

func webSearchTool(d Deps) Tool {
	spec := ToolSpec{
		Name:        ToolWebSearch,
		Description: "Search the web and return a provider-shaped list of results.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"q":     map[string]any{"type": "string"},
				"count": map[string]any{"type": "integer"},
			},
			"required": []string{"q"},
		},
		Guideline: "Use web_search to discover candidate URLs before fetching content.",
	}
	return NewTool(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			Q     string `json:"q"`
			Count int    `json:"count"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if d.Search == nil {
			return map[string]any{"results": []any{}, "warning": "no search backend configured"}, nil
		}
		results, err := d.Search(ctx, args.Q)
		if err != nil {
			return nil, err
		}
		if args.Count > 0 && args.Count < len(results) {
			results = results[:args.Count]
		}
		return map[string]any{"results": results}, nil
	})
}

func getURLContentTool(d Deps) Tool {
	spec := ToolSpec{
		Name:        ToolGetURLContent,
		Description: "Fetch and cache one or more URLs, optionally summarizing each.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"urls":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"summarize": map[string]any{"type": "boolean"},
			},
			"required": []string{"urls"},
		},
	}
	return NewTool(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			URLs      []string `json:"urls"`
			Summarize bool     `json:"summarize"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		urls, rejected := rejectLocal(args.URLs)
		var out []map[string]any
		for _, u := range urls {
			entry, ok, err := d.Store.Lookup(ctx, u)
			if !ok || err != nil {
				if d.Fetcher == nil {
					out = append(out, map[string]any{"url": u, "error": "no fetcher configured"})
					continue
				}
				res, ferr := d.Fetcher.FetchMarkdown(ctx, u)
				if ferr != nil {
					out = append(out, map[string]any{"url": u, "error": ferr.Error()})
					continue
				}
				_, _, perr := d.Store.Put(ctx, u, res.Markdown, res.Title, nil, store.PutOptions{TriggerSummary: args.Summarize})
				if perr != nil {
					out = append(out, map[string]any{"url": u, "error": perr.Error()})
					continue
				}
				entry, _, _ = d.Store.Lookup(ctx, u)
			}
			out = append(out, map[string]any{
				"url": u, "title": entry.Title, "content": entry.Content,
				"summary": entry.Summary, "summary_status": entry.SummaryStatus,
			})
		}
		for _, r := range rejected {
			out = append(out, r)
		}
		return map[string]any{"pages": out}, nil
	})
}

func getURLDetailsTool(d Deps) Tool {
	spec := ToolSpec{
		Name:        ToolGetURLDetails,
		Description: "Fetch one URL and return its content plus discovered outbound links.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"url": map[string]any{"type": "string"}},
			"required":   []string{"url"},
		},
	}
	return NewTool(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			URL string `json:"url"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if store.IsLocalHandle(args.URL) {
			return nil, ErrLocalHandleRejected{URL: args.URL}
		}
		if d.Fetcher == nil {
			return nil, fmt.Errorf("no fetcher configured")
		}
		res, err := d.Fetcher.FetchMarkdown(ctx, args.URL)
		if err != nil {
			return nil, err
		}
		links, _ := fetch.ExtractLinks(res.Markdown, res.FinalURL)
		_, _, _ = d.Store.Put(ctx, args.URL, res.Markdown, res.Title, nil, store.PutOptions{})
		return map[string]any{"url": args.URL, "title": res.Title, "content": res.Markdown, "links": links}, nil
	})
}

func extractLinksTool(d Deps) Tool {
	spec := ToolSpec{
		Name:        ToolExtractLinks,
		Description: "Cache one or more URLs and return their outbound links, optionally ranked by relevance to a query.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"urls":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"url":       map[string]any{"type": "string"},
				"query":     map[string]any{"type": "string"},
				"max_links": map[string]any{"type": "integer"},
			},
		},
	}
	return NewTool(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			URLs     []string `json:"urls"`
			URL      string   `json:"url"`
			Query    string   `json:"query"`
			MaxLinks int      `json:"max_links"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		urls := args.URLs
		if args.URL != "" {
			urls = append(urls, args.URL)
		}
		urls, rejected := rejectLocal(urls)
		var out []map[string]any
		for _, u := range urls {
			entry, ok, err := ensureCached(ctx, d, u)
			if err != nil || !ok {
				out = append(out, map[string]any{"url": u, "error": errString(err, "fetch failed")})
				continue
			}
			if args.Query != "" && d.Vector != nil {
				links := make([]vectorindex.LinkInput, 0, len(entry.Links))
				for _, l := range entry.Links {
					links = append(links, vectorindex.LinkInput{Label: l.Label, URL: l.URL})
				}
				_ = d.Vector.StoreLinkEmbeddings(ctx, entry.ID, links)
				ranked, rerr := d.Vector.RankLinksByRelevance(ctx, entry.ID, args.Query, args.MaxLinks)
				if rerr == nil {
					out = append(out, map[string]any{"url": u, "links": ranked})
					continue
				}
			}
			ls := entry.Links
			if args.MaxLinks > 0 && args.MaxLinks < len(ls) {
				ls = ls[:args.MaxLinks]
			}
			out = append(out, map[string]any{"url": u, "links": ls})
		}
		for _, r := range rejected {
			out = append(out, r)
		}
		return map[string]any{"results": out}, nil
	})
}

func getLinkSummariesTool(d Deps) Tool {
	spec := ToolSpec{
		Name:        ToolGetLinkSummaries,
		Description: "Return cached summaries (or pending/failed status) for one or more URLs.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"urls": map[string]any{"type": "array", "items": map[string]any{"type": "string"}}},
			"required":   []string{"urls"},
		},
	}
	return NewTool(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			URLs []string `json:"urls"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		urls, rejected := rejectLocal(args.URLs)
		var out []map[string]any
		for _, u := range urls {
			summary, status, ok, err := d.Store.ReadSummary(ctx, u)
			if err != nil || !ok {
				out = append(out, map[string]any{"url": u, "error": "not cached"})
				continue
			}
			out = append(out, map[string]any{"url": u, "summary": summary, "status": status})
		}
		for _, r := range rejected {
			out = append(out, r)
		}
		return map[string]any{"results": out}, nil
	})
}

func getRelevantContentTool(d Deps) Tool {
	spec := ToolSpec{
		Name:        ToolGetRelevantContent,
		Description: "Hybrid dense+lexical chunk search over one or more cached URLs; generates embeddings on demand.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"urls":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"query":         map[string]any{"type": "string"},
				"max_chunks":    map[string]any{"type": "integer"},
				"dense_weight":  map[string]any{"type": "number"},
				"min_relevance": map[string]any{"type": "number"},
				"section":       map[string]any{"type": "string"},
			},
			"required": []string{"urls", "query"},
		},
	}
	return NewTool(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			URLs         []string `json:"urls"`
			Query        string   `json:"query"`
			MaxChunks    int      `json:"max_chunks"`
			DenseWeight  float64  `json:"dense_weight"`
			MinRelevance float64  `json:"min_relevance"`
			Section      string   `json:"section"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.DenseWeight == 0 {
			args.DenseWeight = 0.75
		}
		urls, rejected := rejectLocal(args.URLs)
		var out []map[string]any
		for _, u := range urls {
			entry, ok, err := ensureCached(ctx, d, u)
			if err != nil || !ok {
				out = append(out, map[string]any{"url": u, "error": errString(err, "fetch failed")})
				continue
			}
			has, _ := d.Vector.HasChunkEmbeddings(ctx, entry.ID)
			if !has {
				chunks := chunkContent(entry.Content)
				_ = d.Vector.StoreChunkEmbeddings(ctx, entry.ID, chunks)
			}
			hits, herr := d.Vector.SearchChunksHybrid(ctx, entry.ID, args.Query, args.MaxChunks, args.DenseWeight, args.MinRelevance)
			if herr != nil {
				out = append(out, map[string]any{"url": u, "error": herr.Error()})
				continue
			}
			if args.Section != "" {
				filtered := hits[:0]
				for _, h := range hits {
					if h.SectionID == args.Section {
						filtered = append(filtered, h)
					}
				}
				hits = filtered
			}
			out = append(out, map[string]any{"url": u, "chunks": hits})
		}
		for _, r := range rejected {
			out = append(out, r)
		}
		return map[string]any{"results": out}, nil
	})
}

func getFullContentTool(d Deps) Tool {
	spec := ToolSpec{
		Name:        ToolGetFullContent,
		Description: "Return the full cached text for one or more URLs. The section argument is accepted but not applied: the whole text is returned.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"urls":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"section": map[string]any{"type": "string"},
			},
			"required": []string{"urls"},
		},
	}
	return NewTool(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			URLs    []string `json:"urls"`
			Section string   `json:"section"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		urls, rejected := rejectLocal(args.URLs)
		var out []map[string]any
		for _, u := range urls {
			content, ok, err := d.Store.ReadContent(ctx, u)
			if err != nil || !ok {
				out = append(out, map[string]any{"url": u, "error": "not cached"})
				continue
			}
			out = append(out, map[string]any{"url": u, "content": content})
		}
		for _, r := range rejected {
			out = append(out, r)
		}
		return map[string]any{"results": out}, nil
	})
}

func listSectionsTool(d Deps) Tool {
	spec := ToolSpec{
		Name:        ToolListSections,
		Description: "Local-corpus-only: list detected section headings for a cached document.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"cache_id": map[string]any{"type": "integer"}},
			"required":   []string{"cache_id"},
		},
	}
	return NewTool(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			CacheID int64 `json:"cache_id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		entry, ok, err := d.Store.LookupByID(ctx, args.CacheID)
		if err != nil || !ok {
			return nil, fmt.Errorf("cache entry not found")
		}
		return map[string]any{"sections": detectSections(entry.Content)}, nil
	})
}

func summarizeSectionTool(d Deps) Tool {
	spec := ToolSpec{
		Name:        ToolSummarizeSection,
		Description: "Local-corpus-only: strict-match a section (by id, ref, or query) and summarize it at a requested detail level.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"cache_id": map[string]any{"type": "integer"},
				"section":  map[string]any{"type": "string"},
				"detail":   map[string]any{"type": "string"},
			},
			"required": []string{"cache_id", "section"},
		},
	}
	return NewTool(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			CacheID int64  `json:"cache_id"`
			Section string `json:"section"`
			Detail  string `json:"detail"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if d.SectionLookup == nil {
			return nil, fmt.Errorf("local corpus section lookup not configured")
		}
		sectionID, text, found := d.SectionLookup(ctx, args.CacheID, args.Section)
		if !found {
			return nil, fmt.Errorf("section not found: %s", args.Section)
		}
		maxChars := 600
		switch strings.ToLower(args.Detail) {
		case "brief":
			maxChars = 200
		case "detailed":
			maxChars = 1500
		}
		if d.Summarize == nil {
			return map[string]any{"section_id": sectionID, "text": text}, nil
		}
		out, err := d.Summarize(ctx, text)
		if err != nil {
			return map[string]any{"section_id": sectionID, "text": text}, nil
		}
		if len(out) > maxChars {
			out = out[:maxChars]
		}
		return map[string]any{"section_id": sectionID, "summary": out}, nil
	})
}

func saveFindingTool(d Deps) Tool {
	spec := ToolSpec{
		Name:        ToolSaveFinding,
		Description: "Persist a finding with optional source metadata, tags, and embedding.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":       map[string]any{"type": "string"},
				"url":        map[string]any{"type": "string"},
				"title":      map[string]any{"type": "string"},
				"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"session_id": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
	}
	return NewTool(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			Text      string   `json:"text"`
			URL       string   `json:"url"`
			Title     string   `json:"title"`
			Tags      []string `json:"tags"`
			SessionID string   `json:"session_id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		id, err := d.Store.SaveFinding(ctx, args.Text, args.URL, args.Title, args.Tags, args.SessionID)
		if err != nil {
			return nil, err
		}
		if d.Vector != nil {
			_ = d.Vector.StoreFindingEmbedding(ctx, id, args.Text, args.SessionID)
			if d.Embedder != nil && !d.Embedder.HasModelLoadFailure() {
				if v, everr := d.Embedder.EmbedSingle(ctx, args.Text); everr == nil {
					_ = d.Store.UpdateFindingEmbedding(ctx, id, v, d.Embedder.Model())
				}
			}
		}
		return map[string]any{"finding_id": id}, nil
	})
}

func queryResearchMemoryTool(d Deps) Tool {
	spec := ToolSpec{
		Name:        ToolQueryResearchMemory,
		Description: "Semantic search over saved findings, with a recent-findings fallback when the search returns no hits.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":      map[string]any{"type": "string"},
				"top_k":      map[string]any{"type": "integer"},
				"session_id": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
	}
	return NewTool(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			Query     string `json:"query"`
			TopK      int    `json:"top_k"`
			SessionID string `json:"session_id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.TopK <= 0 {
			args.TopK = 5
		}
		if d.Vector != nil {
			hits, err := d.Vector.SearchFindings(ctx, args.Query, args.TopK, args.SessionID)
			if err == nil && len(hits) > 0 {
				return map[string]any{"findings": hits}, nil
			}
		}
		recent, err := d.Store.ListFindings(ctx, args.TopK, args.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"findings": recent, "fallback": "recent"}, nil
	})
}

func saveMemoryTool(d Deps) Tool {
	spec := ToolSpec{
		Name:        ToolSaveMemory,
		Description: "Persist a user memory fact, global or session-scoped.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":       map[string]any{"type": "string"},
				"session_id": map[string]any{"type": "string"},
				"global":     map[string]any{"type": "boolean"},
			},
			"required": []string{"text"},
		},
	}
	return NewTool(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args struct {
			Text      string `json:"text"`
			SessionID string `json:"session_id"`
			Global    bool   `json:"global"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return map[string]any{"accepted": true, "text": args.Text, "session_id": args.SessionID, "global": args.Global}, nil
	})
}

func ensureCached(ctx context.Context, d Deps, u string) (store.CacheEntry, bool, error) {
	entry, ok, err := d.Store.Lookup(ctx, u)
	if ok && err == nil {
		return entry, true, nil
	}
	if d.Fetcher == nil {
		return store.CacheEntry{}, false, fmt.Errorf("no fetcher configured")
	}
	res, ferr := d.Fetcher.FetchMarkdown(ctx, u)
	if ferr != nil {
		return store.CacheEntry{}, false, ferr
	}
	links, _ := fetch.ExtractLinks(res.Markdown, res.FinalURL)
	storeLinks := make([]store.Link, 0, len(links))
	for _, l := range links {
		storeLinks = append(storeLinks, store.Link{URL: l})
	}
	if _, _, perr := d.Store.Put(ctx, u, res.Markdown, res.Title, storeLinks, store.PutOptions{}); perr != nil {
		return store.CacheEntry{}, false, perr
	}
	return d.Store.Lookup(ctx, u)
}

func errString(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

const chunkSizeChars = 1200

func chunkContent(content string) []vectorindex.ChunkInput {
	var chunks []vectorindex.ChunkInput
	for i, start := 0, 0; start < len(content); i++ {
		end := start + chunkSizeChars
		if end > len(content) {
			end = len(content)
		}
		chunks = append(chunks, vectorindex.ChunkInput{Index: i, Text: content[start:end]})
		start = end
	}
	return chunks
}

func detectSections(content string) []map[string]string {
	lines := strings.Split(content, "\n")
	var out []map[string]string
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if strings.HasPrefix(trimmed, "#") {
			heading := strings.TrimLeft(trimmed, "# ")
			id := strings.ToLower(strings.ReplaceAll(heading, " ", "-"))
			out = append(out, map[string]string{"id": id, "heading": heading})
		}
	}
	return out
}
