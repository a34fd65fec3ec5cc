package store

import "context"

// SummarizeFunc produces a short LLM summary for page content. Content Store
// depends on this function type rather than internal/summarizer directly, to
// keep the dependency graph a DAG (spec.md §9's "cyclic dependencies" note):
// the runtime wiring layer closes over a concrete Summarizer call when it
// constructs the Store.
type SummarizeFunc func(ctx context.Context, content string) (string, error)

// PutOptions controls optional side effects of Put.
type PutOptions struct {
	TriggerSummary bool
}

// Store is the Content Store contract from spec.md §4.1.
//
// Put reports hashChanged so a caller that also owns chunk/link embeddings
// (internal/vectorindex, layered on top of this package) knows when it must
// cascade-purge stale vectors for that cache_id — Content Store doesn't
// import vectorindex itself, so it can't perform that purge directly; it
// guarantees only that the summary is reset to pending when hashChanged.
type Store interface {
	Lookup(ctx context.Context, url string) (CacheEntry, bool, error)
	LookupByID(ctx context.Context, cacheID int64) (CacheEntry, bool, error)
	Put(ctx context.Context, url, content, title string, links []Link, opts PutOptions) (cacheID int64, hashChanged bool, err error)

	ReadLinks(ctx context.Context, url string) ([]Link, bool, error)
	ReadSummary(ctx context.Context, url string) (summary string, status SummaryStatus, found bool, err error)
	ReadContent(ctx context.Context, url string) (string, bool, error)

	CleanupExpired(ctx context.Context) (int, error)

	SaveFinding(ctx context.Context, text, url, title string, tags []string, sessionID string) (int64, error)
	GetFinding(ctx context.Context, id int64) (Finding, bool, error)
	ListFindings(ctx context.Context, limit int, sessionID string) ([]Finding, error)
	UpdateFindingEmbedding(ctx context.Context, id int64, embedding []float32, model string) error
	DeleteFinding(ctx context.Context, id int64) error

	// Shutdown drains the background summarization pool, per spec.md §4.1's
	// "shutdown drains the pool."
	Shutdown(ctx context.Context) error
}
