package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"asky/internal/embedding"
)

func TestCosineSimilarityZeroSafety(t *testing.T) {
	require.Equal(t, 0.0, cosineSimilarity(nil, nil))
	require.Equal(t, 0.0, cosineSimilarity([]float32{1, 2}, []float32{1}))
	require.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	require.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
}

func TestMinMaxNormalize(t *testing.T) {
	out := minMaxNormalize([]float64{1, 2, 3})
	require.InDelta(t, 0.0, out[0], 1e-9)
	require.InDelta(t, 1.0, out[2], 1e-9)

	flat := minMaxNormalize([]float64{5, 5, 5})
	require.Equal(t, []float64{0, 0, 0}, flat)

	require.Empty(t, minMaxNormalize(nil))
}

func TestBlendScoreDefaultWeight(t *testing.T) {
	s := blendScore(1.0, 0.0, 0.75)
	require.InDelta(t, 0.75, s, 1e-9)
}

func TestVectorCodecRoundtrip(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	require.Equal(t, v, decodeVector(encodeVector(v)))
}

func TestMemoryIndexSearchChunksHybrid(t *testing.T) {
	ctx := context.Background()
	emb := embedding.NewDeterministicEmbedder(32, true, 1)
	idx := NewMemoryIndex(emb)

	err := idx.StoreChunkEmbeddings(ctx, 1, []ChunkInput{
		{Index: 0, Text: "the quick brown fox jumps", SectionID: "intro"},
		{Index: 1, Text: "lazy dog sleeps all day", SectionID: "body"},
	})
	require.NoError(t, err)

	has, err := idx.HasChunkEmbeddings(ctx, 1)
	require.NoError(t, err)
	require.True(t, has)

	hits, err := idx.SearchChunksHybrid(ctx, 1, "quick fox", 5, 0.75, 0.0)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "the quick brown fox jumps", hits[0].Text)

	require.NoError(t, idx.PurgeChunkEmbeddings(ctx, 1))
	has, err = idx.HasChunkEmbeddings(ctx, 1)
	require.NoError(t, err)
	require.False(t, has)
}

func TestMemoryIndexLinksAndFindings(t *testing.T) {
	ctx := context.Background()
	emb := embedding.NewDeterministicEmbedder(16, true, 7)
	idx := NewMemoryIndex(emb)

	require.NoError(t, idx.StoreLinkEmbeddings(ctx, 1, []LinkInput{
		{Label: "docs", URL: "https://example.com/docs"},
		{Label: "unrelated", URL: "https://example.com/x"},
	}))
	links, err := idx.RankLinksByRelevance(ctx, 1, "docs", 1)
	require.NoError(t, err)
	require.Len(t, links, 1)

	require.NoError(t, idx.StoreFindingEmbedding(ctx, 100, "the sky is blue", "sess-a"))
	require.NoError(t, idx.StoreFindingEmbedding(ctx, 101, "oceans are deep", "sess-b"))

	hits, err := idx.SearchFindings(ctx, "sky", 10, "sess-a")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, int64(100), hits[0].FindingID)
}

func TestBM25FallsBackToTokenOverlapForTinyCorpus(t *testing.T) {
	q := tokenize("quick fox")
	doc := tokenize("the quick brown fox")
	score := bm25Score(q, doc, [][]string{doc}, 4)
	require.Greater(t, score, 0.0)
}
