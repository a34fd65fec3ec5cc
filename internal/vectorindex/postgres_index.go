package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"asky/internal/embedding"
	"asky/internal/observability"
)

// NewPostgresIndex returns a Postgres-backed Index, grounded on the
// table-ensure-with-retry pattern in internal/sefii/engine.go and on
// internal/rag/retrieve/fusion.go's RRF/diversify style for deterministic
// tie-breaking, adapted here to the simpler weighted dense+lexical blend
// spec.md §4.3 calls for. Full-text ranking uses Postgres's tsvector/
// ts_rank_cd when the table's to_tsvector call succeeds at startup
// (detected once by detectFullText); bm25Score's token-overlap fallback
// covers installations without it.
func NewPostgresIndex(ctx context.Context, pool *pgxpool.Pool, emb embedding.Embedder) (Index, error) {
	if pool == nil {
		return nil, errors.New("postgres vector index requires a pool")
	}
	idx := &postgresIndex{pool: pool, emb: emb}
	if err := idx.ensureTables(ctx); err != nil {
		return nil, err
	}
	idx.detectFullText(ctx)
	return idx, nil
}

type postgresIndex struct {
	pool       *pgxpool.Pool
	emb        embedding.Embedder
	hasFullText bool
}

func (idx *postgresIndex) execWithRetry(ctx context.Context, sql string, args ...any) error {
	log := observability.LoggerWithTrace(ctx)
	var err error
	for i := 0; i < 3; i++ {
		_, err = idx.pool.Exec(ctx, sql, args...)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("vector index exec failed, retrying")
		time.Sleep(time.Duration(i+1) * 200 * time.Millisecond)
	}
	return fmt.Errorf("vector index exec failed after retries: %w", err)
}

func (idx *postgresIndex) ensureTables(ctx context.Context) error {
	return idx.execWithRetry(ctx, `
CREATE TABLE IF NOT EXISTS content_chunks (
    id BIGSERIAL PRIMARY KEY,
    cache_id BIGINT NOT NULL,
    chunk_index INT NOT NULL,
    chunk_text TEXT NOT NULL,
    section_id TEXT NOT NULL DEFAULT '',
    embedding BYTEA,
    embedding_model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS content_chunks_cache_idx ON content_chunks(cache_id);

CREATE TABLE IF NOT EXISTS link_embeddings (
    id BIGSERIAL PRIMARY KEY,
    cache_id BIGINT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL,
    embedding BYTEA,
    embedding_model TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS link_embeddings_cache_idx ON link_embeddings(cache_id);

CREATE TABLE IF NOT EXISTS finding_embeddings (
    finding_id BIGINT PRIMARY KEY,
    text TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    embedding BYTEA,
    embedding_model TEXT NOT NULL DEFAULT ''
);
`)
}

// detectFullText probes whether to_tsvector is usable in this database
// (absent on some managed/minimal Postgres builds); failure just means the
// bm25Score token-overlap fallback is used for lexical scoring instead.
func (idx *postgresIndex) detectFullText(ctx context.Context) {
	var dummy string
	err := idx.pool.QueryRow(ctx, `SELECT to_tsvector('english', 'probe')::text`).Scan(&dummy)
	idx.hasFullText = err == nil
}

func (idx *postgresIndex) embedOne(ctx context.Context, text string) ([]float32, string) {
	if idx.emb == nil || idx.emb.HasModelLoadFailure() {
		return nil, ""
	}
	v, err := idx.emb.EmbedSingle(ctx, text)
	if err != nil {
		return nil, ""
	}
	return v, idx.emb.Model()
}

func (idx *postgresIndex) StoreChunkEmbeddings(ctx context.Context, cacheID int64, chunks []ChunkInput) error {
	if err := idx.execWithRetry(ctx, `DELETE FROM content_chunks WHERE cache_id=$1`, cacheID); err != nil {
		return err
	}
	for _, c := range chunks {
		vec, model := idx.embedOne(ctx, c.Text)
		if err := idx.execWithRetry(ctx, `INSERT INTO content_chunks (cache_id, chunk_index, chunk_text, section_id, embedding, embedding_model) VALUES ($1,$2,$3,$4,$5,$6)`,
			cacheID, c.Index, c.Text, c.SectionID, encodeVectorOrNil(vec), model); err != nil {
			return err
		}
	}
	return nil
}

func encodeVectorOrNil(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return encodeVector(v)
}

func (idx *postgresIndex) HasChunkEmbeddings(ctx context.Context, cacheID int64) (bool, error) {
	var n int
	err := idx.pool.QueryRow(ctx, `SELECT count(*) FROM content_chunks WHERE cache_id=$1 AND embedding IS NOT NULL`, cacheID).Scan(&n)
	return n > 0, err
}

func (idx *postgresIndex) HasChunkEmbeddingsForModel(ctx context.Context, cacheID int64, model string) (bool, error) {
	var total, matching int
	if err := idx.pool.QueryRow(ctx, `SELECT count(*) FROM content_chunks WHERE cache_id=$1`, cacheID).Scan(&total); err != nil {
		return false, err
	}
	if total == 0 {
		return false, nil
	}
	if err := idx.pool.QueryRow(ctx, `SELECT count(*) FROM content_chunks WHERE cache_id=$1 AND embedding_model=$2`, cacheID, model).Scan(&matching); err != nil {
		return false, err
	}
	return total == matching, nil
}

func (idx *postgresIndex) PurgeChunkEmbeddings(ctx context.Context, cacheID int64) error {
	return idx.execWithRetry(ctx, `DELETE FROM content_chunks WHERE cache_id=$1`, cacheID)
}

type chunkRow struct {
	text      string
	sectionID string
	index     int
	embedding []float32
}

func (idx *postgresIndex) loadChunks(ctx context.Context, cacheID int64) ([]chunkRow, error) {
	rows, err := idx.pool.Query(ctx, `SELECT chunk_text, section_id, chunk_index, embedding FROM content_chunks WHERE cache_id=$1 ORDER BY chunk_index`, cacheID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chunkRow
	for rows.Next() {
		var r chunkRow
		var emb []byte
		if err := rows.Scan(&r.text, &r.sectionID, &r.index, &emb); err != nil {
			return nil, err
		}
		r.embedding = decodeVector(emb)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (idx *postgresIndex) SearchChunks(ctx context.Context, cacheID int64, query string, topK int) ([]ChunkHit, error) {
	qVec, _ := idx.embedOne(ctx, query)
	rows, err := idx.loadChunks(ctx, cacheID)
	if err != nil {
		return nil, err
	}
	hits := make([]ChunkHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, ChunkHit{Text: r.text, Score: cosineSimilarity(qVec, r.embedding)})
	}
	sortChunkHits(hits)
	return truncate(hits, topK), nil
}

func sortChunkHits(hits []ChunkHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

func (idx *postgresIndex) SearchChunksHybrid(ctx context.Context, cacheID int64, query string, topK int, denseWeight, minScore float64) ([]HybridHit, error) {
	qVec, _ := idx.embedOne(ctx, query)
	qTokens := tokenize(query)

	rows, err := idx.loadChunks(ctx, cacheID)
	if err != nil {
		return nil, err
	}

	var lexicalScores []float64
	if idx.hasFullText {
		lexicalScores, err = idx.tsRankScores(ctx, cacheID, query, len(rows))
		if err != nil {
			lexicalScores = nil
		}
	}

	corpus := make([][]string, len(rows))
	var totalLen float64
	for i, r := range rows {
		corpus[i] = tokenize(r.text)
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
		lex := 0.0
		if lexicalScores != nil {
			lex = lexicalScores[i]
		} else {
			lex = bm25Score(qTokens, corpus[i], corpus, avgDocLen)
		}
		cands[i] = candidate{
			idx: i, text: r.text, sectionID: r.sectionID, chunkIndex: r.index,
			denseRaw: cosineSimilarity(qVec, r.embedding), lexicalRaw: lex,
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

// tsRankScores returns ts_rank_cd scores in chunk_index order, for
// positional alignment with loadChunks's own ORDER BY chunk_index.
func (idx *postgresIndex) tsRankScores(ctx context.Context, cacheID int64, query string, n int) ([]float64, error) {
	rows, err := idx.pool.Query(ctx, `SELECT ts_rank_cd(to_tsvector('english', chunk_text), plainto_tsquery('english', $2)) FROM content_chunks WHERE cache_id=$1 ORDER BY chunk_index`, cacheID, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]float64, 0, n)
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (idx *postgresIndex) StoreLinkEmbeddings(ctx context.Context, cacheID int64, links []LinkInput) error {
	if err := idx.execWithRetry(ctx, `DELETE FROM link_embeddings WHERE cache_id=$1`, cacheID); err != nil {
		return err
	}
	for _, l := range links {
		vec, model := idx.embedOne(ctx, l.Label+" "+l.URL)
		if err := idx.execWithRetry(ctx, `INSERT INTO link_embeddings (cache_id, label, url, embedding, embedding_model) VALUES ($1,$2,$3,$4,$5)`,
			cacheID, l.Label, l.URL, encodeVectorOrNil(vec), model); err != nil {
			return err
		}
	}
	return nil
}

func (idx *postgresIndex) PurgeLinkEmbeddings(ctx context.Context, cacheID int64) error {
	return idx.execWithRetry(ctx, `DELETE FROM link_embeddings WHERE cache_id=$1`, cacheID)
}

func (idx *postgresIndex) RankLinksByRelevance(ctx context.Context, cacheID int64, query string, topK int) ([]LinkHit, error) {
	qVec, _ := idx.embedOne(ctx, query)
	rows, err := idx.pool.Query(ctx, `SELECT label, url, embedding FROM link_embeddings WHERE cache_id=$1`, cacheID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hits []LinkHit
	for rows.Next() {
		var label, url string
		var emb []byte
		if err := rows.Scan(&label, &url, &emb); err != nil {
			return nil, err
		}
		hits = append(hits, LinkHit{Label: label, URL: url, Score: cosineSimilarity(qVec, decodeVector(emb))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortLinkHits(hits)
	return truncate(hits, topK), nil
}

func sortLinkHits(hits []LinkHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

func (idx *postgresIndex) StoreFindingEmbedding(ctx context.Context, findingID int64, text, sessionID string) error {
	vec, model := idx.embedOne(ctx, text)
	return idx.execWithRetry(ctx, `INSERT INTO finding_embeddings (finding_id, text, session_id, embedding, embedding_model) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (finding_id) DO UPDATE SET text=$2, session_id=$3, embedding=$4, embedding_model=$5`,
		findingID, text, sessionID, encodeVectorOrNil(vec), model)
}

func (idx *postgresIndex) SearchFindings(ctx context.Context, query string, topK int, sessionID string) ([]FindingHit, error) {
	qVec, _ := idx.embedOne(ctx, query)
	rows, err := idx.pool.Query(ctx, `SELECT finding_id, text, embedding FROM finding_embeddings WHERE ($1='' OR session_id='' OR session_id=$1) ORDER BY finding_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hits []FindingHit
	for rows.Next() {
		var id int64
		var text string
		var emb []byte
		if err := rows.Scan(&id, &text, &emb); err != nil {
			return nil, err
		}
		hits = append(hits, FindingHit{FindingID: id, Text: text, Score: cosineSimilarity(qVec, decodeVector(emb))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortFindingHits(hits)
	return truncate(hits, topK), nil
}

func sortFindingHits(hits []FindingHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}
