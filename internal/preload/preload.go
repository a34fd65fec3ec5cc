// Package preload implements the Preload Pipeline: up to five sequential
// sub-stages the Turn Orchestrator runs before building the first LLM
// message, per spec.md §4.8. Any stage may be skipped by configuration or
// turn flags; all stage timings are recorded.
//
// Local ingestion (stage 3) is delegated to the caller-supplied
// LocalIngestFunc; this package neither chunks nor embeds the ingested
// documents. Bootstrap evidence extraction
// (stage 5) is grounded on internal/rag/retrieve/rerank.go's LLM-scored
// relevance pattern, generalized to fact extraction since no reranker
// library appears anywhere in the retrieval pack.
package preload

import (
	"context"
	"fmt"
	"strings"
	"time"

	"asky/internal/embedding"
	"asky/internal/session"
	"asky/internal/shortlist"
	"asky/internal/store"
	"asky/internal/vectorindex"
)

// LocalDoc is one locally ingested document. Handle is the key it was stored
// under in the Content Store; the runtime's LocalIngestFunc forms it as
// "corpus://" followed by the file path, so the path is visible in the
// handle (it is not a corpus://cache/<id> handle).
type LocalDoc struct {
	Handle  string
	Title   string
	Content string
}

// QueryExpanderFunc produces 1..N sub-queries from the original query text,
// either deterministically (token-based) or via an LLM call.
type QueryExpanderFunc func(ctx context.Context, query string) ([]string, error)

// LocalIngestFunc ingests the configured or caller-supplied corpus paths
// and returns the resulting documents plus any per-path warnings.
type LocalIngestFunc func(ctx context.Context, paths []string) ([]LocalDoc, []string, error)

// EvidenceExtractFunc extracts a short fact from one retrieved chunk of text
// relative to the query, or returns an empty string if the chunk has
// nothing relevant to contribute.
type EvidenceExtractFunc func(ctx context.Context, query, chunkText string) (string, error)

// Inputs bundles everything one Run call needs.
type Inputs struct {
	Query        string
	SessionID    string
	ResearchMode bool
	Lean         bool

	MemoryEnabled    bool
	MemoryTopK       int
	MemoryMinScore   float64
	MemoryStore      session.Store
	MemoryEmbedder   embedding.Embedder

	QueryExpansionMode string // "none" | "deterministic" | "llm"
	Expander           QueryExpanderFunc

	LocalCorpusPaths []string
	LocalIngest      LocalIngestFunc

	Shortlist shortlist.Inputs

	BootstrapThreshold int // run evidence extraction when len(shortlist.Candidates) < this
	Vector             vectorindex.Index
	Store              store.Store
	EvidenceExtract    EvidenceExtractFunc
	EvidenceTopChunks  int
}

// Result is the Preload Pipeline's output, feeding the Turn Orchestrator's
// message-construction step.
type Result struct {
	MemoryContext    string
	ExpandedQueries  []string
	LocalDocs        []LocalDoc
	LocalWarnings    []string
	Shortlist        shortlist.Result
	EvidenceContext  string
	CombinedContext  string
	StageTimingsMS   map[string]int64
}

// Run executes the five sub-stages sequentially, skipping any stage its
// preconditions don't hold, and returns the combined context block.
func Run(ctx context.Context, in Inputs) Result {
	res := Result{StageTimingsMS: make(map[string]int64)}

	res.MemoryContext = timeStage(res.StageTimingsMS, "memory_recall", func() string {
		return runMemoryRecall(ctx, in)
	})

	res.ExpandedQueries = timeStage(res.StageTimingsMS, "query_expansion", func() []string {
		return runQueryExpansion(ctx, in)
	})

	res.LocalDocs, res.LocalWarnings = runLocalIngestionTimed(ctx, in, res.StageTimingsMS)

	queries := res.ExpandedQueries
	if len(queries) == 0 {
		queries = []string{in.Query}
	}
	sin := in.Shortlist
	sin.PromptText = in.Query
	sin.ResearchMode = in.ResearchMode
	sin.ExpandedQueries = queries
	res.Shortlist = timeStage(res.StageTimingsMS, "shortlist", func() shortlist.Result {
		if in.Lean {
			return shortlist.Result{}
		}
		return shortlist.Run(ctx, sin)
	})

	res.EvidenceContext = timeStage(res.StageTimingsMS, "bootstrap_evidence", func() string {
		return runBootstrapEvidence(ctx, in, res.Shortlist)
	})

	res.CombinedContext = combine(
		res.LocalContextBlock(),
		res.SeedURLBlock(),
		res.ShortlistBlock(),
		res.EvidenceContext,
	)
	return res
}

func timeStage[T any](timings map[string]int64, name string, fn func() T) T {
	start := time.Now()
	out := fn()
	timings[name] = time.Since(start).Milliseconds()
	return out
}

func runMemoryRecall(ctx context.Context, in Inputs) string {
	if in.Lean || !in.MemoryEnabled || in.MemoryStore == nil {
		return ""
	}
	mems, err := in.MemoryStore.ListUserMemories(ctx, in.SessionID, true)
	if err != nil || len(mems) == 0 {
		return ""
	}
	topK := in.MemoryTopK
	if topK <= 0 {
		topK = 5
	}

	type scored struct {
		text  string
		score float64
	}
	var ranked []scored
	if in.MemoryEmbedder != nil && !in.MemoryEmbedder.HasModelLoadFailure() {
		qv, err := in.MemoryEmbedder.EmbedSingle(ctx, in.Query)
		if err == nil {
			for _, m := range mems {
				if len(m.Embedding) == 0 {
					continue
				}
				s := vectorindex.CosineSimilarity(qv, m.Embedding)
				if s >= in.MemoryMinScore {
					ranked = append(ranked, scored{text: m.Text, score: s})
				}
			}
		}
	}
	if len(ranked) == 0 {
		for _, m := range mems {
			ranked = append(ranked, scored{text: m.Text, score: 0})
		}
	}
	for i := 0; i < len(ranked); i++ {
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].score > ranked[i].score {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}
	if topK < len(ranked) {
		ranked = ranked[:topK]
	}
	if len(ranked) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, r := range ranked {
		sb.WriteString("- ")
		sb.WriteString(r.text)
		sb.WriteString("\n")
	}
	return sb.String()
}

func runQueryExpansion(ctx context.Context, in Inputs) []string {
	if !in.ResearchMode || in.QueryExpansionMode == "" || in.QueryExpansionMode == "none" {
		return nil
	}
	if in.Expander == nil {
		return deterministicExpand(in.Query)
	}
	queries, err := in.Expander(ctx, in.Query)
	if err != nil || len(queries) == 0 {
		return deterministicExpand(in.Query)
	}
	return queries
}

func deterministicExpand(query string) []string {
	words := strings.Fields(query)
	if len(words) < 4 {
		return []string{query}
	}
	mid := len(words) / 2
	return []string{query, strings.Join(words[:mid], " "), strings.Join(words[mid:], " ")}
}

func runLocalIngestionTimed(ctx context.Context, in Inputs, timings map[string]int64) ([]LocalDoc, []string) {
	start := time.Now()
	defer func() { timings["local_ingestion"] = time.Since(start).Milliseconds() }()
	if !in.ResearchMode || len(in.LocalCorpusPaths) == 0 || in.LocalIngest == nil {
		return nil, nil
	}
	docs, warnings, err := in.LocalIngest(ctx, in.LocalCorpusPaths)
	if err != nil {
		return nil, append(warnings, fmt.Sprintf("local ingestion failed: %v", err))
	}
	return docs, warnings
}

func runBootstrapEvidence(ctx context.Context, in Inputs, sl shortlist.Result) string {
	if !in.ResearchMode || in.EvidenceExtract == nil || in.Vector == nil {
		return ""
	}
	threshold := in.BootstrapThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if len(sl.Candidates) == 0 || len(sl.Candidates) >= threshold {
		return ""
	}
	topChunks := in.EvidenceTopChunks
	if topChunks <= 0 {
		topChunks = 5
	}

	var facts []string
	for _, c := range sl.Candidates {
		entry, ok, err := in.Store.Lookup(ctx, c.URL)
		if err != nil || !ok {
			continue
		}
		hits, herr := in.Vector.SearchChunksHybrid(ctx, entry.ID, in.Query, topChunks, 0.75, 0)
		if herr != nil {
			continue
		}
		for _, h := range hits {
			fact, err := in.EvidenceExtract(ctx, in.Query, h.Text)
			if err != nil || strings.TrimSpace(fact) == "" {
				continue
			}
			facts = append(facts, fact)
		}
	}
	if len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, f := range facts {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	return sb.String()
}

// LocalContextBlock formats ingested local documents for prompt inclusion.
func (r Result) LocalContextBlock() string {
	if len(r.LocalDocs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Local corpus:\n")
	for _, d := range r.LocalDocs {
		sb.WriteString("- ")
		sb.WriteString(d.Title)
		sb.WriteString(" (")
		sb.WriteString(d.Handle)
		sb.WriteString(")\n")
	}
	return sb.String()
}

// SeedURLBlock formats seed-URL documents with a delivery-status label, per
// spec.md §4.8's "delivery-status-labeled block".
func (r Result) SeedURLBlock() string {
	if len(r.Shortlist.SeedURLDocuments) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Seed URLs:\n")
	for _, d := range r.Shortlist.SeedURLDocuments {
		status := "delivered"
		if d.Error != "" {
			status = "failed: " + d.Error
		} else if d.Warning != "" {
			status = "delivered with warning: " + d.Warning
		}
		sb.WriteString(fmt.Sprintf("- %s [%s]\n", d.URL, status))
	}
	return sb.String()
}

// ShortlistBlock formats the selected candidate set into a compact
// prompt-context block.
func (r Result) ShortlistBlock() string {
	if len(r.Shortlist.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Candidate sources:\n")
	for _, c := range r.Shortlist.Candidates {
		sb.WriteString(fmt.Sprintf("%d. %s — %s\n", c.Rank, c.Title, c.URL))
	}
	return sb.String()
}

func combine(blocks ...string) string {
	var nonEmpty []string
	for _, b := range blocks {
		if strings.TrimSpace(b) != "" {
			nonEmpty = append(nonEmpty, strings.TrimRight(b, "\n"))
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}
