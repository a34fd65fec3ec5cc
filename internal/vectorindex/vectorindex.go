// Package vectorindex implements the Vector Index: hybrid lexical+dense
// search layered on top of the Content Store's chunk/link/finding rows, per
// spec.md §4.3. Dense scoring is cosine similarity over Embedder output;
// lexical scoring is BM25 when a full-text backend is available and a
// token-overlap fallback otherwise, ground-truthed against
// original_source/src/asky/research/vector_store.py's DEFAULT_DENSE_WEIGHT
// and min-max-normalized BM25 blend.
package vectorindex

import (
	"context"
	"time"
)

// ChunkHit is one dense-only search result over chunks.
type ChunkHit struct {
	Text  string
	Score float64
}

// HybridHit is one hybrid dense+lexical search result.
type HybridHit struct {
	Text         string
	Score        float64
	DenseScore   float64
	LexicalScore float64
	SectionID    string
	ChunkIndex   int
}

// LinkHit is one relevance-ranked outbound link.
type LinkHit struct {
	Label string
	URL   string
	Score float64
}

// FindingHit is one relevance-ranked finding.
type FindingHit struct {
	FindingID int64
	Text      string
	Score     float64
}

// ChunkInput is one chunk of a cache entry's content awaiting embedding.
type ChunkInput struct {
	Index     int
	Text      string
	SectionID string
}

// Index is the Vector Index contract from spec.md §4.3. Search operations
// return an empty result set (not an error) when nothing is stored for the
// cache entry. They do not check the Embedder's state: when the query cannot
// be embedded, or a stored row has no embedding, that row's dense score is 0
// and the row is still returned (ranked by its lexical score in the hybrid
// searches).
type Index interface {
	StoreChunkEmbeddings(ctx context.Context, cacheID int64, chunks []ChunkInput) error
	HasChunkEmbeddings(ctx context.Context, cacheID int64) (bool, error)
	HasChunkEmbeddingsForModel(ctx context.Context, cacheID int64, model string) (bool, error)
	PurgeChunkEmbeddings(ctx context.Context, cacheID int64) error

	SearchChunks(ctx context.Context, cacheID int64, query string, topK int) ([]ChunkHit, error)
	SearchChunksHybrid(ctx context.Context, cacheID int64, query string, topK int, denseWeight, minScore float64) ([]HybridHit, error)

	StoreLinkEmbeddings(ctx context.Context, cacheID int64, links []LinkInput) error
	PurgeLinkEmbeddings(ctx context.Context, cacheID int64) error
	RankLinksByRelevance(ctx context.Context, cacheID int64, query string, topK int) ([]LinkHit, error)

	StoreFindingEmbedding(ctx context.Context, findingID int64, text, sessionID string) error
	SearchFindings(ctx context.Context, query string, topK int, sessionID string) ([]FindingHit, error)
}

// LinkInput is one outbound link awaiting embedding.
type LinkInput struct {
	Label string
	URL   string
}

// storedChunk and storedLink are the package-private rows held by the
// in-memory implementation.
type storedChunk struct {
	CacheID        int64
	Index          int
	Text           string
	SectionID      string
	Embedding      []float32
	EmbeddingModel string
	CreatedAt      time.Time
}

type storedLink struct {
	CacheID        int64
	Label          string
	URL            string
	Embedding      []float32
	EmbeddingModel string
}

type storedFinding struct {
	FindingID      int64
	Text           string
	SessionID      string
	Embedding      []float32
	EmbeddingModel string
}
