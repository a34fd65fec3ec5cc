// Package runtime assembles the Store, Embedder, Vector Index, Summarizer,
// Tool Registry, Conversation Engine, and Turn Orchestrator into one running
// pipeline, per spec.md §9's layering order ("construct a leaf layer
// first... then Tool Registry, then Conversation Engine, then Turn
// Orchestrator"). Both cmd/askyd and cmd/asky call Build instead of wiring
// this by hand, the way the teacher's cmd/agentd/main.go wires its own
// Engine/Registry inline but keeps the dependency construction itself a
// short, linear sequence a reader can follow top to bottom.
package runtime

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"asky/internal/config"
	"asky/internal/embedding"
	"asky/internal/engine"
	"asky/internal/fetch"
	"asky/internal/hooks"
	"asky/internal/llm"
	"asky/internal/llm/providers"
	"asky/internal/preload"
	"asky/internal/session"
	"asky/internal/shortlist"
	"asky/internal/store"
	"asky/internal/summarizer"
	"asky/internal/tools"
	"asky/internal/turn"
	"asky/internal/vectorindex"
	"asky/internal/workerpool"
)

const summarizerPromptTemplate = "Summarize the following content in a few sentences, preserving names, numbers, and dates:\n\n{{content}}"

const (
	defaultResearchSystemPrompt = "You are asky, a research assistant. Use the available tools to ground every claim in fetched or locally ingested content before answering."
	defaultStandardSystemPrompt = "You are asky, a helpful assistant."
)

// Runtime holds every constructed collaborator plus the Turn Orchestrator
// Deps that ties them together for a single call to turn.Run.
type Runtime struct {
	Config config.Config

	Sessions     session.Store
	ContentStore store.Store
	Vector       vectorindex.Index
	Embedder     embedding.Embedder
	Fetcher      *fetch.Fetcher
	Tools        tools.Registry
	Engine       *engine.Engine
	Hooks        *hooks.Dispatcher
	Tracker      *llm.UsageTracker

	TurnDeps turn.Deps

	pgPool *pgxpool.Pool

	sectionsMu sync.Mutex
	sections   map[int64][]map[string]string
}

// Build constructs the full pipeline from cfg. The returned Runtime's
// TurnDeps is ready to pass to turn.Run. Call Close when the process exits.
func Build(ctx context.Context, cfg config.Config) (*Runtime, error) {
	rt := &Runtime{Config: cfg, sections: make(map[int64][]map[string]string)}

	mainLLM, err := providers.Build(cfg.Main)
	if err != nil {
		return nil, fmt.Errorf("runtime: build main llm provider: %w", err)
	}
	summaryLLM, err := providers.Build(cfg.Summary)
	if err != nil {
		return nil, fmt.Errorf("runtime: build summary llm provider: %w", err)
	}

	rt.Tracker = llm.NewUsageTracker()
	rt.Embedder = embedding.NewClientEmbedder(cfg.Embedding)
	rt.Fetcher = fetch.New()
	rt.Hooks = hooks.New()

	workers := workerpool.New(cfg.Cache.SummaryWorkers, cfg.Cache.SummaryQueueCap)

	summarizeFunc := func(ctx context.Context, content string) (string, error) {
		return summarizer.Summarize(ctx, content, summarizerPromptTemplate, 800, summarizer.Options{
			LLM:     summaryLLM,
			Model:   cfg.Summary.Model,
			Tracker: rt.Tracker,
		})
	}

	evidenceExtract := func(ctx context.Context, query, chunkText string) (string, error) {
		msgs := []llm.Message{
			{Role: "system", Content: "Extract one short fact relevant to the query from the text below. Reply with an empty string if nothing is relevant."},
			{Role: "user", Content: "Query: " + query + "\n\nText:\n" + chunkText},
		}
		msg, usage, err := summaryLLM.Chat(ctx, msgs, nil, cfg.Summary.Model)
		rt.Tracker.Add(usage)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(msg.Content), nil
	}

	if cfg.Storage.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("runtime: connect postgres: %w", err)
		}
		rt.pgPool = pool

		contentStore, err := store.NewPostgresStore(ctx, pool, cfg.Cache.TTL, workers, summarizeFunc)
		if err != nil {
			return nil, fmt.Errorf("runtime: build postgres content store: %w", err)
		}
		rt.ContentStore = contentStore

		sessions, err := session.NewPostgresStore(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("runtime: build postgres session store: %w", err)
		}
		rt.Sessions = sessions

		vec, err := vectorindex.NewPostgresIndex(ctx, pool, rt.Embedder)
		if err != nil {
			return nil, fmt.Errorf("runtime: build postgres vector index: %w", err)
		}
		rt.Vector = vec
	} else {
		rt.ContentStore = store.NewMemoryStore(cfg.Cache.TTL, workers, summarizeFunc)
		rt.Sessions = session.NewMemoryStore()
		rt.Vector = vectorindex.NewMemoryIndex(rt.Embedder)
	}

	registry := tools.NewRegistry()
	tools.RegisterResearchTools(registry, tools.Deps{
		Store:         rt.ContentStore,
		Vector:        rt.Vector,
		Fetcher:       rt.Fetcher,
		Embedder:      rt.Embedder,
		Search:        nil, // no search-engine client is grounded anywhere in the retrieval pack, see DESIGN.md
		Summarize:     summarizeFunc,
		SectionLookup: rt.lookupSection,
	}, cfg.Turn.ResearchSourceMode)
	rt.Tools = registry

	rt.Engine = &engine.Engine{
		LLM:                mainLLM,
		Tools:              rt.Tools,
		MaxSteps:           cfg.Turn.MaxTurns,
		MaxToolParallelism: cfg.Turn.MaxToolParallelism,
		Tracker:            rt.Tracker,
		Hooks:              rt.Hooks,
	}

	rt.TurnDeps = turn.Deps{
		Sessions:                   rt.Sessions,
		Tools:                      rt.Tools,
		Engine:                     rt.Engine,
		Hooks:                      rt.Hooks,
		ResearchSourceMode:         cfg.Turn.ResearchSourceMode,
		GlobalMemoryTriggerPhrases: cfg.Memory.GlobalTriggerPhrases,
		SystemPromptResearch:       defaultResearchSystemPrompt,
		SystemPromptStandard:       defaultStandardSystemPrompt,
		MaxTurnsDefault:            cfg.Turn.MaxTurns,
		ContextBudgetTokens:        cfg.Turn.ContextBudgetTokens,
		RunPreload: func(ctx context.Context, req turn.Request, globalMemory bool) preload.Result {
			return preload.Run(ctx, preload.Inputs{
				Query:              req.Query,
				SessionID:          firstNonEmpty(req.StickySessionName, req.ShellSessionID),
				ResearchMode:       req.Research,
				Lean:               req.Lean,
				MemoryEnabled:      globalMemory || cfg.Memory.Enabled,
				MemoryTopK:         cfg.Memory.TopK,
				MemoryMinScore:     cfg.Memory.MinSimilarity,
				MemoryStore:        rt.Sessions,
				MemoryEmbedder:     rt.Embedder,
				QueryExpansionMode: cfg.Turn.QueryExpansionMode,
				LocalCorpusPaths:   req.LocalCorpusPaths,
				LocalIngest:        rt.localIngest,
				Shortlist: shortlist.Inputs{
					Fetcher:  rt.Fetcher,
					Embedder: rt.Embedder,
					Cfg:      cfg.Shortlist,
				},
				BootstrapThreshold: 3,
				Vector:             rt.Vector,
				Store:              rt.ContentStore,
				EvidenceExtract:    evidenceExtract,
				EvidenceTopChunks:  5,
			})
		},
	}

	return rt, nil
}

// Close drains the background summarization pool and closes the Postgres
// pool, if one was opened, per spec.md §4.1's "shutdown drains the pool".
func (rt *Runtime) Close(ctx context.Context) error {
	var err error
	if rt.ContentStore != nil {
		err = rt.ContentStore.Shutdown(ctx)
	}
	if rt.pgPool != nil {
		rt.pgPool.Close()
	}
	return err
}

func (rt *Runtime) lookupSection(ctx context.Context, cacheID int64, idOrRefOrQuery string) (string, string, bool) {
	rt.sectionsMu.Lock()
	secs := rt.sections[cacheID]
	rt.sectionsMu.Unlock()
	if len(secs) == 0 {
		return "", "", false
	}
	needle := strings.ToLower(strings.TrimSpace(idOrRefOrQuery))
	for _, s := range secs {
		if strings.EqualFold(s["id"], idOrRefOrQuery) {
			return s["id"], s["text"], true
		}
	}
	for _, s := range secs {
		if needle != "" && strings.Contains(strings.ToLower(s["heading"]), needle) {
			return s["id"], s["text"], true
		}
	}
	return "", "", false
}

var headingRE = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

// indexSections splits markdown-ish content into heading-delimited sections
// and records them against cacheID for later lookupSection calls, the
// tools.SectionLookupFunc this runtime hands to the research tools.
func (rt *Runtime) indexSections(cacheID int64, content string) {
	locs := headingRE.FindAllStringSubmatchIndex(content, -1)
	if len(locs) == 0 {
		rt.sectionsMu.Lock()
		rt.sections[cacheID] = []map[string]string{{"id": "1", "heading": "", "text": content}}
		rt.sectionsMu.Unlock()
		return
	}
	var secs []map[string]string
	for i, loc := range locs {
		heading := content[loc[2]:loc[3]]
		start := loc[1]
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		secs = append(secs, map[string]string{
			"id":      fmt.Sprintf("%d", i+1),
			"heading": heading,
			"text":    strings.TrimSpace(content[start:end]),
		})
	}
	rt.sectionsMu.Lock()
	rt.sections[cacheID] = secs
	rt.sectionsMu.Unlock()
}

// localIngest reads each path from disk and registers it with the Content
// Store so its sections become reachable through list_sections/
// summarize_section, per spec.md §4.5's local-corpus tool pair.
func (rt *Runtime) localIngest(ctx context.Context, paths []string) ([]preload.LocalDoc, []string, error) {
	var docs []preload.LocalDoc
	var warnings []string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("read %s: %v", p, err))
			continue
		}
		content := string(data)
		handle := "corpus://" + p
		cacheID, _, err := rt.ContentStore.Put(ctx, handle, content, p, nil, store.PutOptions{})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("ingest %s: %v", p, err))
			continue
		}
		rt.indexSections(cacheID, content)
		docs = append(docs, preload.LocalDoc{Handle: handle, Title: p, Content: content})
	}
	return docs, warnings, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
