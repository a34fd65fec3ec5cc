// Package summarizer compresses long text into short text via an LLM,
// grounded on internal/agent/engine.go's maybeSummarize/buildSummarizedMessages
// map-reduce-over-token-budget logic, factored out into its own package so
// it stays pure with respect to the Content Store per spec.md §4.9: it only
// ever sees strings in and a string out, never a CacheEntry.
package summarizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"asky/internal/llm"
)

// defaultChunkChars is the input-length threshold past which Summarize performs a
// map-reduce instead of a single call. original_source's chunking is
// token-based; this mirrors the teacher's character-based backstop
// (buildSummarizedMessages's maxChunkTokens*4 char cap) since this package
// has no tokenizer dependency of its own.
const (
	defaultChunkChars   = 6000
	defaultOverlapChars = 400
)

// Stage names reported on ProgressEvent.Stage.
const (
	StageMap    = "map"
	StageReduce = "reduce"
	StageDirect = "direct"
)

// ProgressEvent reports one completed LLM call during Summarize, per
// spec.md §4.9's "(stage, call_index, call_total, input_chars, output_chars,
// elapsed_ms)" contract.
type ProgressEvent struct {
	Stage       string
	CallIndex   int
	CallTotal   int
	InputChars  int
	OutputChars int
	ElapsedMS   int64
}

// Options configures one Summarize call. LLM and Model are required;
// Tracker and Progress are optional.
type Options struct {
	LLM      llm.Provider
	Model    string
	Tracker  *llm.UsageTracker
	Progress func(ProgressEvent)

	// ChunkChars/OverlapChars override the map-reduce thresholds, mostly for
	// tests; zero means use the package defaults.
	ChunkChars   int
	OverlapChars int
}

// Summarize compresses content to at most maxOutputChars using promptTemplate
// as the instruction given to the LLM (with "{{content}}" replaced by the
// text to summarize). Inputs under the chunk threshold are summarized in one
// call; larger inputs are split into overlapping chunks, each summarized
// independently (map), and the partial summaries are then combined into one
// final summary (reduce). Progress callbacks must not block the caller for
// more than a small constant time, per spec.md §5 — Options.Progress is
// called synchronously and should not perform its own I/O.
func Summarize(ctx context.Context, content, promptTemplate string, maxOutputChars int, opts Options) (string, error) {
	if opts.LLM == nil {
		return "", fmt.Errorf("summarizer: LLM provider is required")
	}
	if maxOutputChars <= 0 {
		maxOutputChars = 1000
	}
	chunkChars := opts.ChunkChars
	if chunkChars <= 0 {
		chunkChars = defaultChunkChars
	}
	overlapChars := opts.OverlapChars
	if overlapChars <= 0 {
		overlapChars = defaultOverlapChars
	}

	if len(content) <= chunkChars {
		out, err := callOnce(ctx, opts, promptTemplate, content, maxOutputChars, StageDirect, 1, 1)
		if err != nil {
			return "", err
		}
		return out, nil
	}

	chunks := splitOverlapping(content, chunkChars, overlapChars)
	partials := make([]string, 0, len(chunks))
	for i, c := range chunks {
		out, err := callOnce(ctx, opts, promptTemplate, c, maxOutputChars, StageMap, i+1, len(chunks))
		if err != nil {
			return "", err
		}
		partials = append(partials, out)
	}

	combined := strings.Join(partials, "\n\n")
	final, err := callOnce(ctx, opts, promptTemplate, combined, maxOutputChars, StageReduce, 1, 1)
	if err != nil {
		return "", err
	}
	return final, nil
}

func callOnce(ctx context.Context, opts Options, promptTemplate, content string, maxOutputChars int, stage string, callIndex, callTotal int) (string, error) {
	start := time.Now()
	prompt := strings.ReplaceAll(promptTemplate, "{{content}}", content)
	msgs := []llm.Message{
		{Role: "system", Content: "You are a concise summarizer. Return only the summary text, no preamble."},
		{Role: "user", Content: prompt},
	}
	resp, usage, err := opts.LLM.Chat(ctx, msgs, nil, opts.Model)
	if err != nil {
		return "", fmt.Errorf("summarizer: %s call %d/%d failed: %w", stage, callIndex, callTotal, err)
	}
	opts.Tracker.Add(usage)

	out := strings.TrimSpace(resp.Content)
	if len(out) > maxOutputChars {
		out = out[:maxOutputChars]
	}

	if opts.Progress != nil {
		opts.Progress(ProgressEvent{
			Stage:       stage,
			CallIndex:   callIndex,
			CallTotal:   callTotal,
			InputChars:  len(content),
			OutputChars: len(out),
			ElapsedMS:   time.Since(start).Milliseconds(),
		})
	}
	return out, nil
}

// splitOverlapping breaks s into chunks of at most size chars, with overlap
// chars of context repeated at the start of each chunk after the first, so a
// fact split across a chunk boundary has a chance to appear whole in at
// least one chunk's map summary.
func splitOverlapping(s string, size, overlap int) []string {
	if size <= 0 {
		return []string{s}
	}
	if overlap >= size {
		overlap = size / 2
	}
	var chunks []string
	start := 0
	for start < len(s) {
		end := start + size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[start:end])
		if end == len(s) {
			break
		}
		start = end - overlap
	}
	return chunks
}
