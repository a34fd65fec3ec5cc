// Command asky is asky's one-shot CLI entry point: it wires the same
// Store->Embedder->VectorIndex->Summarizer->ToolRegistry->Engine->Turn
// pipeline as askyd but runs exactly one turn on the query given as
// command-line arguments and prints the answer, grounded on the teacher's cmd/agent-demo/main.go
// single-goal-run shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"asky/internal/config"
	"asky/internal/observability"
	"asky/internal/runtime"
	"asky/internal/turn"
)

func main() {
	_ = godotenv.Load(".env")

	lean := flag.Bool("lean", false, "disable every tool for this turn")
	research := flag.Bool("research", false, "run in research mode")
	sessionName := flag.String("session", "", "sticky session name to create or resume")
	localCorpus := flag.String("corpus", "", "comma-separated local file paths to ingest before answering")
	model := flag.String("model", "", "override the main LLM model for this turn")
	flag.Parse()

	query := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if query == "" {
		fmt.Fprintln(os.Stderr, "usage: asky [flags] <query>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rt, err := runtime.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build runtime")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.Close(shutdownCtx)
	}()

	var paths []string
	if *localCorpus != "" {
		for _, p := range strings.Split(*localCorpus, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
	}

	res := turn.Run(ctx, rt.TurnDeps, turn.Request{
		Query:             query,
		StickySessionName: *sessionName,
		Lean:              *lean,
		Research:          *research,
		LocalCorpusPaths:  paths,
		SaveHistory:       *sessionName != "",
		Model:             *model,
	})

	if res.Halted {
		fmt.Fprintf(os.Stderr, "turn halted: %s\n", res.HaltReason)
		os.Exit(1)
	}
	fmt.Println(res.FinalAnswer)
}
