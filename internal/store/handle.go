package store

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatCorpusHandle produces the opaque "corpus://cache/<id>" URI used to
// refer to a cache row without exposing its URL, per spec.md's GLOSSARY and
// the original source's `_format_corpus_handle` helper
// (original_source/src/asky/research/tools.py).
func FormatCorpusHandle(cacheID int64) string {
	return fmt.Sprintf("corpus://cache/%d", cacheID)
}

// FormatSectionRef produces "corpus://cache/<id>#section=<section-id>",
// grounding the original's `_format_section_ref` helper.
func FormatSectionRef(cacheID int64, sectionID string) string {
	return fmt.Sprintf("%s#section=%s", FormatCorpusHandle(cacheID), sectionID)
}

// ParseCorpusHandle extracts the cache id and optional section id from a
// corpus handle. ok is false for anything that isn't a corpus:// handle
// (including ordinary http(s) URLs), which is how tools distinguish
// corpus-addressed requests from plain fetch requests.
func ParseCorpusHandle(handle string) (cacheID int64, sectionID string, ok bool) {
	const prefix = "corpus://cache/"
	if !strings.HasPrefix(handle, prefix) {
		return 0, "", false
	}
	rest := strings.TrimPrefix(handle, prefix)
	idPart := rest
	if idx := strings.Index(rest, "#section="); idx >= 0 {
		idPart = rest[:idx]
		sectionID = rest[idx+len("#section="):]
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, sectionID, true
}

// IsLocalHandle reports whether a URL/handle refers to the local
// filesystem rather than the network, so tools that must "reject
// local-filesystem handles unless they are explicitly local-corpus tools"
// (spec.md §4.5) can enforce that boundary.
func IsLocalHandle(u string) bool {
	return strings.HasPrefix(u, "file://") || strings.HasPrefix(u, "/") || strings.HasPrefix(u, "./") || strings.HasPrefix(u, "../")
}
