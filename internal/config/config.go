// Package config loads asky's frozen runtime configuration surface: cache
// TTLs, shortlist thresholds, model identifiers, storage DSNs, and the other
// named options the component design depends on. Nothing here is re-read
// after Load returns — callers hold the returned Config for the lifetime of
// the process.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// LLMConfig names one provider's credentials and default model.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "openai" | "anthropic"
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url,omitempty"`
}

// StorageConfig names the Content Store / Session Store backends.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
	RedisAddr   string `yaml:"redis_addr,omitempty"`
	QdrantAddr  string `yaml:"qdrant_addr,omitempty"`
	S3Bucket    string `yaml:"s3_bucket,omitempty"`
	S3Region    string `yaml:"s3_region,omitempty"`
}

// EmbeddingConfig configures the Embedder. BaseURL+Path form the full request
// URL (kept separate so Path can default independently of a custom host).
// APIHeader/APIKey set one legacy auth header; Headers layers in any
// additional fixed headers the endpoint needs, taking precedence when both
// name the same header.
type EmbeddingConfig struct {
	BaseURL    string            `yaml:"base_url"`
	Path       string            `yaml:"path"`
	APIHeader  string            `yaml:"api_header,omitempty"`
	APIKey     string            `yaml:"api_key,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Model      string            `yaml:"model"`
	Dimensions int               `yaml:"dimensions"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
}

// CacheConfig configures the Content Store.
type CacheConfig struct {
	TTL             time.Duration `yaml:"-"`
	TTLHours        int           `yaml:"ttl_hours"`
	SummaryWorkers  int           `yaml:"summary_workers"`
	SummaryQueueCap int           `yaml:"summary_queue_capacity"`
}

// ShortlistConfig configures the Source Shortlist pipeline.
type ShortlistConfig struct {
	MaxCandidates   int     `yaml:"max_candidates"`
	MaxFetchURLs    int     `yaml:"max_fetch_urls"`
	SeedLinkMaxPerPage int  `yaml:"seed_link_max_per_page"`
	TopK            int     `yaml:"top_k"`
	MaxScoringChars int     `yaml:"max_scoring_chars"`
	ShortTextChars  int     `yaml:"short_text_threshold_chars"`
	DenseWeight     float64 `yaml:"dense_weight"`
	DirectAnswerBudgetChars int `yaml:"direct_answer_budget_chars"`
}

// MemoryConfig configures user-memory recall.
type MemoryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	TopK          int     `yaml:"top_k"`
	MinSimilarity float64 `yaml:"min_similarity"`
	GlobalTriggerPhrases []string `yaml:"global_trigger_phrases"`
}

// SummarizerConfig configures the Summarizer and session compaction.
type SummarizerConfig struct {
	Model               string `yaml:"model"`
	MapReduceThresholdChars int `yaml:"map_reduce_threshold_chars"`
	ChunkChars          int    `yaml:"chunk_chars"`
	ChunkOverlapChars   int    `yaml:"chunk_overlap_chars"`
}

// TurnConfig configures the Turn Orchestrator / Conversation Engine.
type TurnConfig struct {
	MaxTurns           int    `yaml:"max_turns"`
	MaxToolParallelism int    `yaml:"max_tool_parallelism"`
	ResearchMode       bool   `yaml:"research_mode_default"`
	QueryExpansionMode string `yaml:"query_expansion_mode"` // "none" | "deterministic" | "llm"
	ContextBudgetTokens int   `yaml:"context_budget_tokens"`
	ResearchSourceMode string `yaml:"research_source_mode"` // "web_only" | "local_only" | "mixed"
}

// Config is the frozen runtime configuration object threaded through the
// runtime context (per spec.md §9's "ambient singletons → explicit handles"
// note): every component that needs a threshold reads it from here, never
// from the environment directly.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path,omitempty"`

	Main        LLMConfig       `yaml:"main_llm"`
	Summary     LLMConfig       `yaml:"summary_llm"`
	Embedding   EmbeddingConfig `yaml:"embedding"`
	Storage     StorageConfig   `yaml:"storage"`
	Cache       CacheConfig     `yaml:"cache"`
	Shortlist   ShortlistConfig `yaml:"shortlist"`
	Memory      MemoryConfig    `yaml:"memory"`
	Summarizer  SummarizerConfig `yaml:"summarizer"`
	Turn        TurnConfig      `yaml:"turn"`

	HTTPAddr string `yaml:"http_addr"`
}

// Load reads configuration from environment variables (optionally via a
// .env file), then overlays a YAML file if ASKY_CONFIG_FILE points at one,
// then fills in defaults for anything still at its zero value. This mirrors
// the teacher's env-first-then-YAML-overlay-then-defaults loading order.
func Load() (Config, error) {
	_ = godotenv.Overload()

	var cfg Config
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))

	cfg.Main.Provider = firstNonEmpty(os.Getenv("ASKY_LLM_PROVIDER"), "openai")
	cfg.Main.APIKey = firstNonEmpty(os.Getenv("OPENAI_API_KEY"), os.Getenv("ANTHROPIC_API_KEY"))
	cfg.Main.Model = os.Getenv("ASKY_LLM_MODEL")
	cfg.Main.BaseURL = os.Getenv("ASKY_LLM_BASE_URL")

	cfg.Summary.Provider = firstNonEmpty(os.Getenv("ASKY_SUMMARY_PROVIDER"), cfg.Main.Provider)
	cfg.Summary.APIKey = firstNonEmpty(os.Getenv("ASKY_SUMMARY_API_KEY"), cfg.Main.APIKey)
	cfg.Summary.Model = os.Getenv("ASKY_SUMMARY_MODEL")

	cfg.Embedding.BaseURL = os.Getenv("ASKY_EMBEDDING_BASE_URL")
	cfg.Embedding.Path = os.Getenv("ASKY_EMBEDDING_PATH")
	cfg.Embedding.APIHeader = os.Getenv("ASKY_EMBEDDING_API_HEADER")
	cfg.Embedding.APIKey = firstNonEmpty(os.Getenv("ASKY_EMBEDDING_API_KEY"), cfg.Main.APIKey)
	cfg.Embedding.Model = os.Getenv("ASKY_EMBEDDING_MODEL")
	cfg.Embedding.Dimensions = intFromEnv("ASKY_EMBEDDING_DIMENSIONS", 0)
	cfg.Embedding.TimeoutSeconds = intFromEnv("ASKY_EMBEDDING_TIMEOUT_SECONDS", 0)

	cfg.Storage.PostgresDSN = os.Getenv("ASKY_POSTGRES_DSN")
	cfg.Storage.RedisAddr = os.Getenv("ASKY_REDIS_ADDR")
	cfg.Storage.QdrantAddr = os.Getenv("ASKY_QDRANT_ADDR")
	cfg.Storage.S3Bucket = os.Getenv("ASKY_S3_BUCKET")
	cfg.Storage.S3Region = os.Getenv("ASKY_S3_REGION")

	cfg.Cache.TTLHours = intFromEnv("ASKY_CACHE_TTL_HOURS", 0)
	cfg.Cache.SummaryWorkers = intFromEnv("ASKY_SUMMARY_WORKERS", 0)
	cfg.Cache.SummaryQueueCap = intFromEnv("ASKY_SUMMARY_QUEUE_CAP", 0)

	cfg.Shortlist.MaxCandidates = intFromEnv("ASKY_SHORTLIST_MAX_CANDIDATES", 0)
	cfg.Shortlist.MaxFetchURLs = intFromEnv("ASKY_SHORTLIST_MAX_FETCH_URLS", 0)
	cfg.Shortlist.SeedLinkMaxPerPage = intFromEnv("ASKY_SHORTLIST_SEED_LINK_MAX_PER_PAGE", 0)
	cfg.Shortlist.TopK = intFromEnv("ASKY_SHORTLIST_TOP_K", 0)
	cfg.Shortlist.MaxScoringChars = intFromEnv("ASKY_SHORTLIST_MAX_SCORING_CHARS", 0)
	cfg.Shortlist.ShortTextChars = intFromEnv("ASKY_SHORTLIST_SHORT_TEXT_CHARS", 0)
	cfg.Shortlist.DenseWeight = floatFromEnv("ASKY_SHORTLIST_DENSE_WEIGHT", -1)
	cfg.Shortlist.DirectAnswerBudgetChars = intFromEnv("ASKY_SHORTLIST_DIRECT_ANSWER_BUDGET_CHARS", 0)

	cfg.Memory.TopK = intFromEnv("ASKY_MEMORY_TOP_K", 0)
	cfg.Memory.MinSimilarity = floatFromEnv("ASKY_MEMORY_MIN_SIMILARITY", -1)
	if v := strings.TrimSpace(os.Getenv("ASKY_MEMORY_ENABLED")); v != "" {
		cfg.Memory.Enabled = isTruthy(v)
	} else {
		cfg.Memory.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("ASKY_MEMORY_TRIGGER_PHRASES")); v != "" {
		cfg.Memory.GlobalTriggerPhrases = parseCommaSeparatedList(v)
	}

	cfg.Summarizer.Model = os.Getenv("ASKY_SUMMARIZER_MODEL")
	cfg.Summarizer.MapReduceThresholdChars = intFromEnv("ASKY_SUMMARIZER_MAP_REDUCE_THRESHOLD", 0)
	cfg.Summarizer.ChunkChars = intFromEnv("ASKY_SUMMARIZER_CHUNK_CHARS", 0)
	cfg.Summarizer.ChunkOverlapChars = intFromEnv("ASKY_SUMMARIZER_CHUNK_OVERLAP_CHARS", 0)

	cfg.Turn.MaxTurns = intFromEnv("ASKY_MAX_TURNS", 0)
	cfg.Turn.MaxToolParallelism = intFromEnv("ASKY_MAX_TOOL_PARALLELISM", 0)
	cfg.Turn.QueryExpansionMode = os.Getenv("ASKY_QUERY_EXPANSION_MODE")
	cfg.Turn.ContextBudgetTokens = intFromEnv("ASKY_CONTEXT_BUDGET_TOKENS", 0)
	cfg.Turn.ResearchSourceMode = os.Getenv("ASKY_RESEARCH_SOURCE_MODE")
	if v := strings.TrimSpace(os.Getenv("ASKY_RESEARCH_MODE_DEFAULT")); v != "" {
		cfg.Turn.ResearchMode = isTruthy(v)
	}

	cfg.HTTPAddr = os.Getenv("ASKY_HTTP_ADDR")

	if path := strings.TrimSpace(os.Getenv("ASKY_CONFIG_FILE")); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	applyDefaults(&cfg)
	cfg.Cache.TTL = time.Duration(cfg.Cache.TTLHours) * time.Hour
	return cfg, nil
}

// applyDefaults fills in values that are awkward to represent as Go zero
// values (a zero dense_weight is a legitimate configuration, so we sentinel
// unset numeric fields with -1/0 above and only default them here).
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Main.Model == "" {
		cfg.Main.Model = "gpt-4o-mini"
	}
	if cfg.Summary.Model == "" {
		cfg.Summary.Model = cfg.Main.Model
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimensions <= 0 {
		cfg.Embedding.Dimensions = 1536
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "https://api.openai.com"
	}
	if cfg.Embedding.Path == "" {
		cfg.Embedding.Path = "/v1/embeddings"
	}
	if cfg.Embedding.APIHeader == "" {
		cfg.Embedding.APIHeader = "Authorization"
	}
	if cfg.Embedding.TimeoutSeconds <= 0 {
		cfg.Embedding.TimeoutSeconds = 30
	}
	if cfg.Cache.TTLHours <= 0 {
		cfg.Cache.TTLHours = 24
	}
	if cfg.Cache.SummaryWorkers <= 0 {
		cfg.Cache.SummaryWorkers = 4
	}
	if cfg.Cache.SummaryQueueCap <= 0 {
		cfg.Cache.SummaryQueueCap = 64
	}
	if cfg.Shortlist.MaxCandidates <= 0 {
		cfg.Shortlist.MaxCandidates = 40
	}
	if cfg.Shortlist.MaxFetchURLs <= 0 {
		cfg.Shortlist.MaxFetchURLs = 12
	}
	if cfg.Shortlist.SeedLinkMaxPerPage <= 0 {
		cfg.Shortlist.SeedLinkMaxPerPage = 8
	}
	if cfg.Shortlist.TopK <= 0 {
		cfg.Shortlist.TopK = 6
	}
	if cfg.Shortlist.MaxScoringChars <= 0 {
		cfg.Shortlist.MaxScoringChars = 4000
	}
	if cfg.Shortlist.ShortTextChars <= 0 {
		cfg.Shortlist.ShortTextChars = 200
	}
	if cfg.Shortlist.DenseWeight < 0 {
		// Ground truth from original_source/src/asky/research/vector_store.py's
		// DEFAULT_DENSE_WEIGHT.
		cfg.Shortlist.DenseWeight = 0.75
	}
	if cfg.Shortlist.DirectAnswerBudgetChars <= 0 {
		cfg.Shortlist.DirectAnswerBudgetChars = 6000
	}
	if cfg.Memory.TopK <= 0 {
		cfg.Memory.TopK = 5
	}
	if cfg.Memory.MinSimilarity < 0 {
		cfg.Memory.MinSimilarity = 0.2
	}
	if len(cfg.Memory.GlobalTriggerPhrases) == 0 {
		cfg.Memory.GlobalTriggerPhrases = []string{"remember this:", "remember that"}
	}
	if cfg.Summarizer.Model == "" {
		cfg.Summarizer.Model = cfg.Summary.Model
	}
	if cfg.Summarizer.MapReduceThresholdChars <= 0 {
		cfg.Summarizer.MapReduceThresholdChars = 6000
	}
	if cfg.Summarizer.ChunkChars <= 0 {
		cfg.Summarizer.ChunkChars = 3000
	}
	if cfg.Summarizer.ChunkOverlapChars <= 0 {
		cfg.Summarizer.ChunkOverlapChars = 200
	}
	if cfg.Turn.MaxTurns <= 0 {
		cfg.Turn.MaxTurns = 8
	}
	if cfg.Turn.MaxToolParallelism <= 0 {
		cfg.Turn.MaxToolParallelism = 1
	}
	if cfg.Turn.QueryExpansionMode == "" {
		cfg.Turn.QueryExpansionMode = "deterministic"
	}
	if cfg.Turn.ContextBudgetTokens <= 0 {
		cfg.Turn.ContextBudgetTokens = 32000
	}
	if cfg.Turn.ResearchSourceMode == "" {
		cfg.Turn.ResearchSourceMode = "mixed"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:8780"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCommaSeparatedList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func isTruthy(v string) bool {
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}
