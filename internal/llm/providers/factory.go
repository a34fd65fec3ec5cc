// Package providers selects and constructs the concrete llm.Provider named
// by configuration.
package providers

import (
	"fmt"
	"strings"

	"asky/internal/config"
	"asky/internal/llm"
	"asky/internal/llm/anthropic"
	openaillm "asky/internal/llm/openai"
)

// Build constructs an llm.Provider for the given LLM configuration.
func Build(cfg config.LLMConfig) (llm.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		return openaillm.New(cfg), nil
	case "anthropic":
		return anthropic.New(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
