package vectorindex

import (
	"context"
	"sort"
	"sync"

	"asky/internal/embedding"
)

// NewMemoryIndex returns an in-memory Index, embedding text through emb as
// chunks/links/findings are stored. A nil emb is accepted for tests that
// only exercise the lexical path; dense scores are then always 0.
func NewMemoryIndex(emb embedding.Embedder) Index {
	return &memoryIndex{
		emb:      emb,
		chunks:   make(map[int64][]storedChunk),
		links:    make(map[int64][]storedLink),
		findings: make(map[int64]storedFinding),
	}
}

type memoryIndex struct {
	mu       sync.RWMutex
	emb      embedding.Embedder
	chunks   map[int64][]storedChunk
	links    map[int64][]storedLink
	findings map[int64]storedFinding
}

func (m *memoryIndex) embedOne(ctx context.Context, text string) ([]float32, string) {
	if m.emb == nil || m.emb.HasModelLoadFailure() {
		return nil, ""
	}
	v, err := m.emb.EmbedSingle(ctx, text)
	if err != nil {
		return nil, ""
	}
	return v, m.emb.Model()
}

func (m *memoryIndex) StoreChunkEmbeddings(ctx context.Context, cacheID int64, chunks []ChunkInput) error {
	rows := make([]storedChunk, 0, len(chunks))
	for _, c := range chunks {
		vec, model := m.embedOne(ctx, c.Text)
		rows = append(rows, storedChunk{
			CacheID: cacheID, Index: c.Index, Text: c.Text, SectionID: c.SectionID,
			Embedding: vec, EmbeddingModel: model,
		})
	}
	m.mu.Lock()
	m.chunks[cacheID] = rows
	m.mu.Unlock()
	return nil
}

func (m *memoryIndex) HasChunkEmbeddings(ctx context.Context, cacheID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.chunks[cacheID]
	return ok && len(rows) > 0, nil
}

func (m *memoryIndex) HasChunkEmbeddingsForModel(ctx context.Context, cacheID int64, model string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.chunks[cacheID]
	if !ok || len(rows) == 0 {
		return false, nil
	}
	for _, r := range rows {
		if r.EmbeddingModel != model {
			return false, nil
		}
	}
	return true, nil
}

func (m *memoryIndex) PurgeChunkEmbeddings(ctx context.Context, cacheID int64) error {
	m.mu.Lock()
	delete(m.chunks, cacheID)
	m.mu.Unlock()
	return nil
}

func (m *memoryIndex) SearchChunks(ctx context.Context, cacheID int64, query string, topK int) ([]ChunkHit, error) {
	qVec, _ := m.embedOne(ctx, query)
	m.mu.RLock()
	rows := append([]storedChunk(nil), m.chunks[cacheID]...)
	m.mu.RUnlock()

	hits := make([]ChunkHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, ChunkHit{Text: r.Text, Score: cosineSimilarity(qVec, r.Embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return truncate(hits, topK), nil
}

func (m *memoryIndex) SearchChunksHybrid(ctx context.Context, cacheID int64, query string, topK int, denseWeight, minScore float64) ([]HybridHit, error) {
	qVec, _ := m.embedOne(ctx, query)
	qTokens := tokenize(query)

	m.mu.RLock()
	rows := append([]storedChunk(nil), m.chunks[cacheID]...)
	m.mu.RUnlock()

	corpus := make([][]string, len(rows))
	var totalLen float64
	for i, r := range rows {
		corpus[i] = tokenize(r.Text)
		totalLen += float64(len(corpus[i]))
	}
	avgDocLen := 1.0
	if len(rows) > 0 {
		avgDocLen = totalLen / float64(len(rows))
		if avgDocLen == 0 {
			avgDocLen = 1.0
		}
	}

	cands := make([]candidate, len(rows))
	for i, r := range rows {
		cands[i] = candidate{
			idx: i, text: r.Text, sectionID: r.SectionID, chunkIndex: r.Index,
			denseRaw:   cosineSimilarity(qVec, r.Embedding),
			lexicalRaw: bm25Score(qTokens, corpus[i], corpus, avgDocLen),
		}
	}
	ranked := rankHybrid(cands, denseWeight, minScore)
	out := make([]HybridHit, 0, len(ranked))
	for _, c := range ranked {
		out = append(out, HybridHit{
			Text: c.text, Score: c.final, DenseScore: c.denseNorm, LexicalScore: c.lexicalNorm,
			SectionID: c.sectionID, ChunkIndex: c.chunkIndex,
		})
	}
	return truncate(out, topK), nil
}

func (m *memoryIndex) StoreLinkEmbeddings(ctx context.Context, cacheID int64, links []LinkInput) error {
	rows := make([]storedLink, 0, len(links))
	for _, l := range links {
		vec, model := m.embedOne(ctx, l.Label+" "+l.URL)
		rows = append(rows, storedLink{CacheID: cacheID, Label: l.Label, URL: l.URL, Embedding: vec, EmbeddingModel: model})
	}
	m.mu.Lock()
	m.links[cacheID] = rows
	m.mu.Unlock()
	return nil
}

func (m *memoryIndex) PurgeLinkEmbeddings(ctx context.Context, cacheID int64) error {
	m.mu.Lock()
	delete(m.links, cacheID)
	m.mu.Unlock()
	return nil
}

func (m *memoryIndex) RankLinksByRelevance(ctx context.Context, cacheID int64, query string, topK int) ([]LinkHit, error) {
	qVec, _ := m.embedOne(ctx, query)
	m.mu.RLock()
	rows := append([]storedLink(nil), m.links[cacheID]...)
	m.mu.RUnlock()

	hits := make([]LinkHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, LinkHit{Label: r.Label, URL: r.URL, Score: cosineSimilarity(qVec, r.Embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return truncate(hits, topK), nil
}

func (m *memoryIndex) StoreFindingEmbedding(ctx context.Context, findingID int64, text, sessionID string) error {
	vec, model := m.embedOne(ctx, text)
	m.mu.Lock()
	m.findings[findingID] = storedFinding{FindingID: findingID, Text: text, SessionID: sessionID, Embedding: vec, EmbeddingModel: model}
	m.mu.Unlock()
	return nil
}

func (m *memoryIndex) SearchFindings(ctx context.Context, query string, topK int, sessionID string) ([]FindingHit, error) {
	qVec, _ := m.embedOne(ctx, query)
	m.mu.RLock()
	rows := make([]storedFinding, 0, len(m.findings))
	for _, f := range m.findings {
		if sessionID != "" && f.SessionID != "" && f.SessionID != sessionID {
			continue
		}
		rows = append(rows, f)
	}
	m.mu.RUnlock()

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].FindingID < rows[j].FindingID })
	hits := make([]FindingHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, FindingHit{FindingID: r.FindingID, Text: r.Text, Score: cosineSimilarity(qVec, r.Embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return truncate(hits, topK), nil
}

func truncate[T any](s []T, topK int) []T {
	if topK <= 0 || topK >= len(s) {
		return s
	}
	return s[:topK]
}
