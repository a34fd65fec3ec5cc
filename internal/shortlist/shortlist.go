// Package shortlist implements the Source Shortlist: pre-LLM ranking of
// candidate sources from seed URLs in the prompt plus optional search
// results, per spec.md §4.4. Fetching is delegated to internal/fetch
// (the teacher's tools/web/fetch.go Fetcher generalized); search is a
// caller-supplied callback since no search-engine client is grounded
// anywhere in the retrieval pack (see DESIGN.md).
package shortlist

import (
	"context"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"asky/internal/config"
	"asky/internal/embedding"
	"asky/internal/fetch"
)

// SourceType labels how a Candidate entered the pipeline.
type SourceType string

const (
	SourceSeed     SourceType = "seed"
	SourceSeedLink SourceType = "seed_link"
	SourceSearch   SourceType = "search"
)

// SearchResult is one hit returned by a caller-supplied SearchFunc.
type SearchResult struct {
	URL     string
	Title   string
	Snippet string
}

// SearchFunc dispatches a query to whatever search backend the caller has
// configured. A nil SearchFunc simply skips the search stage.
type SearchFunc func(ctx context.Context, query string) ([]SearchResult, error)

// SeedLinkExtractFunc returns outbound links found on a fetched seed page,
// already filtered down to content-ish paths. internal/fetch.ExtractLinks
// plus a utility-path/blocked-host filter satisfies this signature.
type SeedLinkExtractFunc func(ctx context.Context, pageURL, html string) ([]string, error)

// Candidate is one scored, possibly-fetched source.
type Candidate struct {
	Rank           int
	FinalScore     float64
	SemanticScore  float64
	URL            string
	NormalizedURL  string
	Hostname       string
	Title          string
	WhySelected    []string
	Snippet        string
	Date           string
	SourceType     SourceType
	Content        string
	FetchWarning   string
}

// SeedURLDocument is one seed URL's fetch outcome, included in the result
// regardless of whether it made the ranked shortlist.
type SeedURLDocument struct {
	URL         string
	ResolvedURL string
	Title       string
	Content     string
	Error       string
	Warning     string
}

// Stats carries the pipeline's own bookkeeping for observability.
type Stats struct {
	Metrics    map[string]int
	TimingsMS  map[string]int64
}

// Trace records how many candidates survived each stage.
type Trace struct {
	Processed int
	Selected  int
}

// Result is the Source Shortlist's output (spec.md §4.4).
type Result struct {
	Enabled          bool
	SeedURLs         []string
	QueryText        string
	Keyphrases       []string
	SearchQueries    []string
	Candidates       []Candidate
	SeedURLDocuments []SeedURLDocument
	Warnings         []string
	Stats            Stats
	Trace            Trace

	// SeedURLDirectAnswerReady is true when every seed URL fetched
	// successfully and their combined raw size fits DirectAnswerBudgetChars,
	// signalling callers may disable discovery tools for this turn.
	SeedURLDirectAnswerReady bool
}

// Inputs bundles everything one Run call needs.
type Inputs struct {
	PromptText      string
	ResearchMode    bool
	ExpandedQueries []string // optional pre-expanded queries; falls back to the parsed query text

	Search           SearchFunc
	Fetcher          *fetch.Fetcher
	SeedLinkExtract  SeedLinkExtractFunc
	Embedder         embedding.Embedder

	StatusCB func(string)
	TraceCB  func(string, map[string]any)

	Cfg config.ShortlistConfig

	// EnableSeedLinks turns on stage 2's seed-link expansion; off by default
	// since it multiplies fetch volume per seed URL.
	EnableSeedLinks bool
}

var urlRE = regexp.MustCompile(`https?://[^\s<>"')\]]+|(?:[a-z0-9-]+\.)+[a-z]{2,}(?:/[^\s<>"')\]]*)?`)

var trackingQueryKeys = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true, "utm_term": true,
	"utm_content": true, "gclid": true, "fbclid": true, "ref": true,
}

var utilityPathRE = regexp.MustCompile(`(?i)/(login|signin|signup|register|terms|privacy|preferences|settings|cookie)s?(/|$|\?)`)

// Run executes all five stages and returns the shortlisted candidates. It
// never returns an error: individual fetch/search failures become warnings
// on the Result rather than aborting the whole pipeline, consistent with
// spec.md §4.4's "record warnings" framing.
func Run(ctx context.Context, in Inputs) Result {
	res := Result{Enabled: true, Stats: Stats{Metrics: map[string]int{}, TimingsMS: map[string]int64{}}}
	start := time.Now()

	seedURLs, queryText := parseSeeds(in.PromptText)
	res.SeedURLs = seedURLs
	res.QueryText = queryText
	res.Keyphrases = extractKeyphrases(queryText)

	queries := in.ExpandedQueries
	if len(queries) == 0 {
		queries = []string{queryText}
	}
	res.SearchQueries = queries

	candidates, warnings := collect(ctx, in, seedURLs, queries)
	res.Warnings = append(res.Warnings, warnings...)
	res.Stats.Metrics["candidates_collected"] = len(candidates)

	maxFetch := in.Cfg.MaxFetchURLs
	if maxFetch <= 0 {
		maxFetch = len(candidates)
	}
	fetched, seedDocs, fetchWarnings := fetchCandidates(ctx, in, candidates, maxFetch)
	res.Warnings = append(res.Warnings, fetchWarnings...)
	res.SeedURLDocuments = seedDocs

	scored := score(ctx, in, fetched, queryText, res.Keyphrases)
	res.Trace.Processed = len(candidates)

	topK := in.Cfg.TopK
	if topK <= 0 {
		topK = len(scored)
	}
	res.Candidates = selectTopK(scored, topK, seedURLs)
	res.Trace.Selected = len(res.Candidates)

	res.SeedURLDirectAnswerReady = seedDirectAnswerReady(seedDocs, in.Cfg.DirectAnswerBudgetChars)

	res.Stats.TimingsMS["total"] = time.Since(start).Milliseconds()
	return res
}

// ResolveEnabled applies spec.md §4.4's enablement precedence: explicit lean
// flag disables; per-request override next; per-model override next;
// global standard/research-mode flag last.
func ResolveEnabled(lean bool, perRequest *bool, perModel *bool, globalEnabled bool) bool {
	if lean {
		return false
	}
	if perRequest != nil {
		return *perRequest
	}
	if perModel != nil {
		return *perModel
	}
	return globalEnabled
}

func parseSeeds(prompt string) (seedURLs []string, queryText string) {
	matches := urlRE.FindAllStringIndex(prompt, -1)
	if len(matches) == 0 {
		return nil, strings.TrimSpace(prompt)
	}
	var b strings.Builder
	last := 0
	seen := make(map[string]bool)
	for _, m := range matches {
		raw := prompt[m[0]:m[1]]
		raw = strings.TrimRight(raw, ".,;:!?)]\"'")
		if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
			raw = "https://" + raw
		}
		if !seen[raw] {
			seen[raw] = true
			seedURLs = append(seedURLs, raw)
		}
		b.WriteString(prompt[last:m[0]])
		last = m[1]
	}
	b.WriteString(prompt[last:])
	return seedURLs, strings.TrimSpace(collapseSpace(b.String()))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// extractKeyphrases falls back to lowercased unique tokens; no
// language-independent keyphrase-extraction library appears anywhere in the
// retrieval pack light enough to justify adopting unexercised, so this is
// deliberately the stdlib fallback (see DESIGN.md).
func extractKeyphrases(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if trackingQueryKeys[strings.ToLower(k)] {
				q.Del(k)
			}
		}
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		vals := url.Values{}
		for _, k := range keys {
			for _, v := range q[k] {
				vals.Add(k, v)
			}
		}
		u.RawQuery = vals.Encode()
	}
	return u.String()
}

func collect(ctx context.Context, in Inputs, seedURLs []string, queries []string) ([]Candidate, []string) {
	var warnings []string
	seen := make(map[string]bool)
	var out []Candidate

	add := func(c Candidate) {
		norm := normalizeURL(c.URL)
		if seen[norm] {
			return
		}
		seen[norm] = true
		c.NormalizedURL = norm
		if u, err := url.Parse(norm); err == nil {
			c.Hostname = u.Hostname()
		}
		out = append(out, c)
	}

	for _, u := range seedURLs {
		add(Candidate{URL: u, SourceType: SourceSeed})
	}

	if in.EnableSeedLinks && in.SeedLinkExtract != nil && in.Fetcher != nil {
		maxPerPage := in.Cfg.SeedLinkMaxPerPage
		if maxPerPage <= 0 {
			maxPerPage = 5
		}
		for _, u := range seedURLs {
			res, err := in.Fetcher.FetchMarkdown(ctx, u)
			if err != nil {
				warnings = append(warnings, "seed_link fetch failed for "+u+": "+err.Error())
				continue
			}
			links, err := in.SeedLinkExtract(ctx, u, res.Markdown)
			if err != nil {
				warnings = append(warnings, "seed_link extract failed for "+u+": "+err.Error())
				continue
			}
			n := 0
			for _, l := range links {
				if n >= maxPerPage {
					break
				}
				if utilityPathRE.MatchString(l) {
					continue
				}
				add(Candidate{URL: l, SourceType: SourceSeedLink})
				n++
			}
		}
	}

	if in.Search != nil {
		for _, q := range queries {
			results, err := in.Search(ctx, q)
			if err != nil {
				warnings = append(warnings, "search failed for query \""+q+"\": "+err.Error())
				continue
			}
			for _, r := range results {
				add(Candidate{URL: r.URL, Title: r.Title, Snippet: r.Snippet, SourceType: SourceSearch})
			}
		}
	}

	return out, warnings
}

const scoringCharCap = 20000

func fetchCandidates(ctx context.Context, in Inputs, candidates []Candidate, maxFetch int) ([]Candidate, []SeedURLDocument, []string) {
	var warnings []string
	var seedDocs []SeedURLDocument
	fetched := make([]Candidate, 0, len(candidates))
	seenFinal := make(map[string]bool)

	if in.Fetcher == nil {
		return candidates, seedDocs, warnings
	}

	for i, c := range candidates {
		isSeed := c.SourceType == SourceSeed
		if i >= maxFetch && !isSeed {
			fetched = append(fetched, c)
			continue
		}
		res, err := in.Fetcher.FetchMarkdown(ctx, c.URL)
		if err != nil {
			warnings = append(warnings, "fetch failed for "+c.URL+": "+err.Error())
			if isSeed {
				seedDocs = append(seedDocs, SeedURLDocument{URL: c.URL, Error: err.Error()})
			}
			continue
		}
		content := collapseSpace(res.Markdown)
		if len(content) > scoringCharCap {
			content = content[:scoringCharCap]
		}

		finalNorm := normalizeURL(res.FinalURL)
		if finalNorm != c.NormalizedURL {
			if seenFinal[finalNorm] {
				if isSeed {
					seedDocs = append(seedDocs, SeedURLDocument{URL: c.URL, ResolvedURL: res.FinalURL, Title: res.Title, Content: content, Warning: res.Warning})
				}
				continue
			}
			seenFinal[finalNorm] = true
			c.NormalizedURL = finalNorm
		}

		c.Content = content
		c.Title = firstNonEmpty(c.Title, res.Title)
		c.FetchWarning = res.Warning
		fetched = append(fetched, c)

		if isSeed {
			seedDocs = append(seedDocs, SeedURLDocument{URL: c.URL, ResolvedURL: res.FinalURL, Title: res.Title, Content: content, Warning: res.Warning})
		}
	}
	return fetched, seedDocs, warnings
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

const shortTextPenaltyThreshold = 200
const semanticBonusThreshold = 0.3

func score(ctx context.Context, in Inputs, candidates []Candidate, queryText string, keyphrases []string) []Candidate {
	var qVec []float32
	if in.Embedder != nil && !in.Embedder.HasModelLoadFailure() {
		if v, err := in.Embedder.EmbedSingle(ctx, queryText); err == nil {
			qVec = v
		}
	}
	shortThreshold := in.Cfg.ShortTextChars
	if shortThreshold <= 0 {
		shortThreshold = shortTextPenaltyThreshold
	}
	seedHosts := make(map[string]bool)
	for _, c := range candidates {
		if c.SourceType == SourceSeed && c.Hostname != "" {
			seedHosts[c.Hostname] = true
		}
	}

	out := make([]Candidate, len(candidates))
	for i, c := range candidates {
		var semantic float64
		if qVec != nil && c.Content != "" && in.Embedder != nil {
			lead := c.Content
			if len(lead) > 2000 {
				lead = lead[:2000]
			}
			if v, err := in.Embedder.EmbedSingle(ctx, lead); err == nil {
				semantic = cosine(qVec, v)
			}
		}

		overlap := keyphraseOverlap(keyphrases, c.Content+" "+c.Title+" "+c.Snippet)

		final := 0.6*semantic + 0.4*overlap
		var why []string
		if semantic > 0 {
			why = append(why, "semantic_similarity")
		}
		if overlap > 0 {
			why = append(why, "keyphrase_overlap")
		}

		if seedHosts[c.Hostname] && semantic > semanticBonusThreshold {
			final += 0.05
			why = append(why, "same_domain_bonus")
		}
		if len(c.Content) > 0 && len(c.Content) < shortThreshold {
			final -= 0.1
			why = append(why, "short_text_penalty")
		}
		if utilityPathRE.MatchString(c.URL) {
			final -= 0.1
			why = append(why, "noise_path_penalty")
		}
		if c.SourceType == SourceSeed {
			final += 0.1
			why = append(why, "seed_boost")
		}

		c.SemanticScore = semantic
		c.FinalScore = final
		c.WhySelected = why
		out[i] = c
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func keyphraseOverlap(keyphrases []string, text string) float64 {
	if len(keyphrases) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, k := range keyphrases {
		if strings.Contains(lower, k) {
			hits++
		}
	}
	return float64(hits) / float64(len(keyphrases))
}

func selectTopK(candidates []Candidate, topK int, seedURLs []string) []Candidate {
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].FinalScore > candidates[j].FinalScore })

	seedSet := make(map[string]bool, len(seedURLs))
	for _, u := range seedURLs {
		seedSet[normalizeURL(u)] = true
	}

	top := candidates
	if topK < len(top) {
		top = top[:topK]
	}
	inTop := make(map[string]bool, len(top))
	for _, c := range top {
		inTop[c.NormalizedURL] = true
	}

	out := append([]Candidate(nil), top...)
	for _, c := range candidates {
		if seedSet[c.NormalizedURL] && !inTop[c.NormalizedURL] {
			out = append(out, c)
			inTop[c.NormalizedURL] = true
		}
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func seedDirectAnswerReady(seedDocs []SeedURLDocument, budgetChars int) bool {
	if len(seedDocs) == 0 || budgetChars <= 0 {
		return false
	}
	total := 0
	for _, d := range seedDocs {
		if d.Error != "" {
			return false
		}
		total += len(d.Content)
	}
	return total <= budgetChars
}
