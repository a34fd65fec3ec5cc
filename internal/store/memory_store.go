package store

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"asky/internal/workerpool"
)

// NewMemoryStore returns an in-memory Content Store, grounded on the
// teacher's memChatStore locking granularity (one mutex, map-backed rows).
// pool may be nil, in which case TriggerSummary requests run synchronously
// instead of being queued — useful in tests that don't want a background
// pool running.
func NewMemoryStore(ttl time.Duration, pool *workerpool.Pool, summarize SummarizeFunc) Store {
	return &memoryStore{
		ttl:       ttl,
		pool:      pool,
		summarize: summarize,
		byURL:     map[string]int64{},
		entries:   map[int64]CacheEntry{},
		findings:  map[int64]Finding{},
		nextID:    1,
		nextFind:  1,
	}
}

type memoryStore struct {
	mu sync.Mutex

	ttl       time.Duration
	pool      *workerpool.Pool
	summarize SummarizeFunc

	byURL   map[string]int64
	entries map[int64]CacheEntry
	nextID  int64

	findings map[int64]Finding
	nextFind int64
}

func (s *memoryStore) Lookup(ctx context.Context, url string) (CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byURL[url]
	if !ok {
		return CacheEntry{}, false, nil
	}
	e := s.entries[id]
	if e.Expired(time.Now()) {
		return CacheEntry{}, false, nil
	}
	return e, true, nil
}

func (s *memoryStore) LookupByID(ctx context.Context, cacheID int64) (CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[cacheID]
	if !ok || e.Expired(time.Now()) {
		return CacheEntry{}, false, nil
	}
	return e, true, nil
}

// Put upserts by URL, mirroring original_source's research/cache.py
// cache_url() semantics: ON CONFLICT(url) DO UPDATE with summary reset only
// when the content hash actually changed.
func (s *memoryStore) Put(ctx context.Context, url, content, title string, links []Link, opts PutOptions) (int64, bool, error) {
	hash := contentHash(content)
	now := time.Now().UTC()

	s.mu.Lock()
	id, existing := s.byURL[url]
	var entry CacheEntry
	hashChanged := true
	if existing {
		entry = s.entries[id]
		hashChanged = entry.ContentHash != hash
		entry.Content = content
		entry.Title = title
		entry.Links = links
		entry.FetchTimestamp = now
		entry.ExpiresAt = now.Add(s.ttl)
		entry.ContentHash = hash
		entry.UpdatedAt = now
		if hashChanged {
			entry.Summary = ""
			entry.SummaryStatus = SummaryPending
		}
	} else {
		id = s.nextID
		s.nextID++
		entry = CacheEntry{
			ID: id, URL: url, URLHash: urlHash(url), Content: content, Title: title,
			Links: links, FetchTimestamp: now, ExpiresAt: now.Add(s.ttl),
			ContentHash: hash, SummaryStatus: SummaryPending, CreatedAt: now, UpdatedAt: now,
		}
	}
	s.byURL[url] = id
	s.entries[id] = entry
	s.mu.Unlock()

	if opts.TriggerSummary && content != "" && s.summarize != nil {
		s.enqueueSummary(id, content)
	}
	return id, hashChanged, nil
}

func (s *memoryStore) enqueueSummary(cacheID int64, content string) {
	task := func(ctx context.Context) {
		s.mu.Lock()
		e, ok := s.entries[cacheID]
		if ok {
			e.SummaryStatus = SummaryProcessing
			s.entries[cacheID] = e
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		summary, err := s.summarize(ctx, content)
		s.mu.Lock()
		defer s.mu.Unlock()
		e, ok = s.entries[cacheID]
		if !ok {
			return
		}
		if err != nil {
			e.SummaryStatus = SummaryFailed
		} else {
			e.Summary = summary
			e.SummaryStatus = SummaryCompleted
		}
		s.entries[cacheID] = e
	}
	if s.pool != nil {
		s.pool.Submit(context.Background(), task)
	} else {
		task(context.Background())
	}
}

func (s *memoryStore) ReadLinks(ctx context.Context, url string) ([]Link, bool, error) {
	e, ok, err := s.Lookup(ctx, url)
	if err != nil || !ok {
		return nil, ok, err
	}
	return e.Links, true, nil
}

func (s *memoryStore) ReadSummary(ctx context.Context, url string) (string, SummaryStatus, bool, error) {
	e, ok, err := s.Lookup(ctx, url)
	if err != nil || !ok {
		return "", "", ok, err
	}
	return e.Summary, e.SummaryStatus, true, nil
}

func (s *memoryStore) ReadContent(ctx context.Context, url string) (string, bool, error) {
	e, ok, err := s.Lookup(ctx, url)
	if err != nil || !ok {
		return "", ok, err
	}
	return e.Content, true, nil
}

func (s *memoryStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	count := 0
	for id, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, id)
			delete(s.byURL, e.URL)
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) SaveFinding(ctx context.Context, text, url, title string, tags []string, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextFind
	s.nextFind++
	s.findings[id] = Finding{
		ID: id, Text: text, SourceURL: url, SourceTitle: title,
		Tags: tags, SessionID: sessionID, CreatedAt: time.Now().UTC(),
	}
	return id, nil
}

func (s *memoryStore) GetFinding(ctx context.Context, id int64) (Finding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.findings[id]
	return f, ok, nil
}

func (s *memoryStore) ListFindings(ctx context.Context, limit int, sessionID string) ([]Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Finding
	for _, f := range s.findings {
		if sessionID != "" && f.SessionID != sessionID {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) UpdateFindingEmbedding(ctx context.Context, id int64, embedding []float32, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.findings[id]
	if !ok {
		return ErrNotFound{What: "finding"}
	}
	f.Embedding = embedding
	f.EmbeddingModel = model
	s.findings[id] = f
	return nil
}

func (s *memoryStore) DeleteFinding(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.findings[id]; !ok {
		return ErrNotFound{What: "finding"}
	}
	delete(s.findings, id)
	return nil
}

func (s *memoryStore) Shutdown(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Shutdown(ctx)
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func urlHash(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// ErrNotFound reports a missing cache entry or finding.
type ErrNotFound struct{ What string }

func (e ErrNotFound) Error() string { return e.What + " not found" }
