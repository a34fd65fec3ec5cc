// Package store implements the Content Store: a content-addressed cache of
// fetched documents, their chunk/link embeddings, and persisted research
// findings.
package store

import "time"

// SummaryStatus tracks the lifecycle of a CacheEntry's background summary.
type SummaryStatus string

const (
	SummaryPending    SummaryStatus = "pending"
	SummaryProcessing SummaryStatus = "processing"
	SummaryCompleted  SummaryStatus = "completed"
	SummaryFailed     SummaryStatus = "failed"
)

// Link is one outbound link discovered on a fetched page.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// CacheEntry is a fetched web or local document.
type CacheEntry struct {
	ID             int64
	URL            string
	URLHash        string
	Content        string
	Title          string
	Summary        string
	SummaryStatus  SummaryStatus
	Links          []Link
	FetchTimestamp time.Time
	ExpiresAt      time.Time
	ContentHash    string
	FetchWarnings  []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the entry's TTL has elapsed as of now.
func (c CacheEntry) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// ContentChunk is one slice of a CacheEntry's content, keyed by
// (cache_id, chunk_index), carrying its own dense embedding.
type ContentChunk struct {
	ID             int64
	CacheID        int64
	ChunkIndex     int
	ChunkText      string
	SectionID      string
	Embedding      []float32
	EmbeddingModel string
	CreatedAt      time.Time
}

// LinkEmbedding holds the embedding of one (cache_id, link_url) pair's
// "label — url" text, used to rank outbound links by relevance.
type LinkEmbedding struct {
	ID             int64
	CacheID        int64
	LinkText       string
	LinkURL        string
	Embedding      []float32
	EmbeddingModel string
	CreatedAt      time.Time
}

// Finding is a user- or model-saved fact, session-scoped when SessionID is
// set and global otherwise. Findings are never TTL'd.
type Finding struct {
	ID             int64
	Text           string
	SourceURL      string
	SourceTitle    string
	Tags           []string
	Embedding      []float32
	EmbeddingModel string
	SessionID      string
	CreatedAt      time.Time
}
