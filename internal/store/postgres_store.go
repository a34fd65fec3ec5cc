package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"asky/internal/observability"
	"asky/internal/workerpool"
)

// NewPostgresStore returns a Postgres-backed Content Store, grounded on the
// table-ensure-with-retry pattern in internal/sefii/engine.go's EnsureTable/
// execWithRetry, and on research/cache.py's column set for research_cache /
// research_findings (see SPEC_FULL.md §3).
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, ttl time.Duration, workers *workerpool.Pool, summarize SummarizeFunc) (Store, error) {
	if pool == nil {
		return nil, errors.New("postgres content store requires a pool")
	}
	s := &postgresStore{pool: pool, ttl: ttl, pool2: workers, summarize: summarize}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type postgresStore struct {
	pool      *pgxpool.Pool
	ttl       time.Duration
	pool2     *workerpool.Pool
	summarize SummarizeFunc
}

func (s *postgresStore) execWithRetry(ctx context.Context, sql string, args ...any) error {
	log := observability.LoggerWithTrace(ctx)
	var err error
	for i := 0; i < 3; i++ {
		_, err = s.pool.Exec(ctx, sql, args...)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("content store exec failed, retrying")
		time.Sleep(time.Duration(i+1) * 200 * time.Millisecond)
	}
	return fmt.Errorf("content store exec failed after retries: %w", err)
}

func (s *postgresStore) ensureTables(ctx context.Context) error {
	return s.execWithRetry(ctx, `
CREATE TABLE IF NOT EXISTS research_cache (
    id BIGSERIAL PRIMARY KEY,
    url TEXT NOT NULL UNIQUE,
    url_hash TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    summary_status TEXT NOT NULL DEFAULT 'pending',
    links JSONB NOT NULL DEFAULT '[]',
    fetch_timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ NOT NULL,
    content_hash TEXT NOT NULL DEFAULT '',
    fetch_warnings JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS research_cache_expires_idx ON research_cache(expires_at);

CREATE TABLE IF NOT EXISTS research_findings (
    id BIGSERIAL PRIMARY KEY,
    text TEXT NOT NULL,
    source_url TEXT NOT NULL DEFAULT '',
    source_title TEXT NOT NULL DEFAULT '',
    tags TEXT[] NOT NULL DEFAULT '{}',
    session_id TEXT NOT NULL DEFAULT '',
    embedding_model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS research_findings_session_idx ON research_findings(session_id);
`)
}

func (s *postgresStore) scanEntry(row pgx.Row) (CacheEntry, error) {
	var e CacheEntry
	var linksJSON, warningsJSON []byte
	err := row.Scan(&e.ID, &e.URL, &e.URLHash, &e.Content, &e.Title, &e.Summary, &e.SummaryStatus,
		&linksJSON, &e.FetchTimestamp, &e.ExpiresAt, &e.ContentHash, &warningsJSON, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return CacheEntry{}, err
	}
	e.Links = decodeLinks(linksJSON)
	e.FetchWarnings = decodeStrings(warningsJSON)
	return e, nil
}

const cacheEntryColumns = `id, url, url_hash, content, title, summary, summary_status, links, fetch_timestamp, expires_at, content_hash, fetch_warnings, created_at, updated_at`

func (s *postgresStore) Lookup(ctx context.Context, url string) (CacheEntry, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cacheEntryColumns+` FROM research_cache WHERE url = $1 AND expires_at > NOW()`, url)
	e, err := s.scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	return e, true, nil
}

func (s *postgresStore) LookupByID(ctx context.Context, cacheID int64) (CacheEntry, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cacheEntryColumns+` FROM research_cache WHERE id = $1 AND expires_at > NOW()`, cacheID)
	e, err := s.scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	return e, true, nil
}

func (s *postgresStore) Put(ctx context.Context, url, content, title string, links []Link, opts PutOptions) (int64, bool, error) {
	hash := contentHash(content)
	now := time.Now().UTC()
	expires := now.Add(s.ttl)

	var id int64
	var prevHash string
	var existed bool
	err := s.pool.QueryRow(ctx, `SELECT id, content_hash FROM research_cache WHERE url = $1`, url).Scan(&id, &prevHash)
	if err == nil {
		existed = true
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}

	hashChanged := !existed || prevHash != hash
	linksJSON := encodeLinks(links)

	if existed {
		resetSummary := ""
		resetStatus := SummaryPending
		if !hashChanged {
			// Keep existing summary/status when content hasn't changed.
			if err := s.pool.QueryRow(ctx, `SELECT summary, summary_status FROM research_cache WHERE id=$1`, id).Scan(&resetSummary, &resetStatus); err != nil {
				return 0, false, err
			}
		}
		err := s.execWithRetry(ctx, `UPDATE research_cache SET content=$1, title=$2, links=$3, fetch_timestamp=$4, expires_at=$5, content_hash=$6, summary=$7, summary_status=$8, updated_at=$4 WHERE id=$9`,
			content, title, linksJSON, now, expires, hash, resetSummary, resetStatus, id)
		if err != nil {
			return 0, false, err
		}
	} else {
		err := s.pool.QueryRow(ctx, `INSERT INTO research_cache (url, url_hash, content, title, links, fetch_timestamp, expires_at, content_hash, summary_status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$6,$6) RETURNING id`,
			url, urlHash(url), content, title, linksJSON, now, expires, hash, SummaryPending).Scan(&id)
		if err != nil {
			return 0, false, err
		}
	}

	if opts.TriggerSummary && content != "" && s.summarize != nil {
		s.enqueueSummary(id, content)
	}
	return id, hashChanged, nil
}

func (s *postgresStore) enqueueSummary(cacheID int64, content string) {
	task := func(ctx context.Context) {
		_ = s.execWithRetry(ctx, `UPDATE research_cache SET summary_status=$1 WHERE id=$2`, SummaryProcessing, cacheID)
		summary, err := s.summarize(ctx, content)
		if err != nil {
			_ = s.execWithRetry(ctx, `UPDATE research_cache SET summary_status=$1 WHERE id=$2`, SummaryFailed, cacheID)
			return
		}
		_ = s.execWithRetry(ctx, `UPDATE research_cache SET summary=$1, summary_status=$2 WHERE id=$3`, summary, SummaryCompleted, cacheID)
	}
	if s.pool2 != nil {
		s.pool2.Submit(context.Background(), task)
	} else {
		task(context.Background())
	}
}

func (s *postgresStore) ReadLinks(ctx context.Context, url string) ([]Link, bool, error) {
	e, ok, err := s.Lookup(ctx, url)
	if err != nil || !ok {
		return nil, ok, err
	}
	return e.Links, true, nil
}

func (s *postgresStore) ReadSummary(ctx context.Context, url string) (string, SummaryStatus, bool, error) {
	e, ok, err := s.Lookup(ctx, url)
	if err != nil || !ok {
		return "", "", ok, err
	}
	return e.Summary, e.SummaryStatus, true, nil
}

func (s *postgresStore) ReadContent(ctx context.Context, url string) (string, bool, error) {
	e, ok, err := s.Lookup(ctx, url)
	if err != nil || !ok {
		return "", ok, err
	}
	return e.Content, true, nil
}

func (s *postgresStore) CleanupExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM research_cache WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) SaveFinding(ctx context.Context, text, url, title string, tags []string, sessionID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO research_findings (text, source_url, source_title, tags, session_id) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		text, url, title, tags, sessionID).Scan(&id)
	return id, err
}

func (s *postgresStore) GetFinding(ctx context.Context, id int64) (Finding, bool, error) {
	var f Finding
	err := s.pool.QueryRow(ctx, `SELECT id, text, source_url, source_title, tags, session_id, embedding_model, created_at FROM research_findings WHERE id=$1`, id).
		Scan(&f.ID, &f.Text, &f.SourceURL, &f.SourceTitle, &f.Tags, &f.SessionID, &f.EmbeddingModel, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Finding{}, false, nil
	}
	if err != nil {
		return Finding{}, false, err
	}
	return f, true, nil
}

func (s *postgresStore) ListFindings(ctx context.Context, limit int, sessionID string) ([]Finding, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, text, source_url, source_title, tags, session_id, embedding_model, created_at FROM research_findings
		WHERE ($1 = '' OR session_id = $1) ORDER BY created_at DESC LIMIT $2`, sessionID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Finding
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.ID, &f.Text, &f.SourceURL, &f.SourceTitle, &f.Tags, &f.SessionID, &f.EmbeddingModel, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *postgresStore) UpdateFindingEmbedding(ctx context.Context, id int64, embedding []float32, model string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE research_findings SET embedding_model=$1 WHERE id=$2`, model, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound{What: "finding"}
	}
	return nil
}

func (s *postgresStore) DeleteFinding(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM research_findings WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound{What: "finding"}
	}
	return nil
}

func (s *postgresStore) Shutdown(ctx context.Context) error {
	if s.pool2 == nil {
		return nil
	}
	return s.pool2.Shutdown(ctx)
}

func limitOrAll(limit int) int64 {
	if limit <= 0 {
		return 1 << 62
	}
	return int64(limit)
}
