// Command askyd is asky's HTTP daemon: it wires the full Store->Embedder->
// VectorIndex->Summarizer->ToolRegistry->Engine->Turn pipeline once at
// startup and answers /turn requests over HTTP, grounded on the teacher's
// cmd/agentd/main.go mux-and-handler shape.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"asky/internal/config"
	"asky/internal/observability"
	"asky/internal/runtime"
	"asky/internal/turn"
)

type turnRequest struct {
	Query             string   `json:"query"`
	SessionName       string   `json:"session_name,omitempty"`
	ResumeSelector    string   `json:"resume_selector,omitempty"`
	HistorySelectors  string   `json:"history_selectors,omitempty"`
	Lean              bool     `json:"lean,omitempty"`
	Research          bool     `json:"research,omitempty"`
	ReplaceCorpus     bool     `json:"replace_corpus,omitempty"`
	ElephantMode      bool     `json:"elephant_mode,omitempty"`
	LocalCorpusPaths  []string `json:"local_corpus_paths,omitempty"`
	DisabledTools     []string `json:"disabled_tools,omitempty"`
	SaveHistory       bool     `json:"save_history,omitempty"`
	Model             string   `json:"model,omitempty"`
}

type turnResponse struct {
	Answer     string   `json:"answer"`
	SessionID  string   `json:"session_id,omitempty"`
	Halted     bool     `json:"halted,omitempty"`
	HaltReason string   `json:"halt_reason,omitempty"`
	Notices    []string `json:"notices,omitempty"`
}

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build runtime")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("runtime shutdown error")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ready"))
	})
	mux.HandleFunc("/turn", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}

		turnCtx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
		defer cancel()

		res := turn.Run(turnCtx, rt.TurnDeps, turn.Request{
			Query:             req.Query,
			HistorySelectors:  req.HistorySelectors,
			StickySessionName: req.SessionName,
			ResumeSelector:    req.ResumeSelector,
			Lean:              req.Lean,
			Research:          req.Research,
			ReplaceCorpus:     req.ReplaceCorpus,
			ElephantMode:      req.ElephantMode,
			LocalCorpusPaths:  req.LocalCorpusPaths,
			DisabledTools:     req.DisabledTools,
			SaveHistory:       req.SaveHistory,
			Model:             req.Model,
		})
		if res.Halted {
			log.Warn().Str("reason", res.HaltReason).Msg("turn halted")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(turnResponse{
			Answer:     res.FinalAnswer,
			SessionID:  res.SessionID,
			Halted:     res.Halted,
			HaltReason: res.HaltReason,
			Notices:    res.Notices,
		})
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Msg("askyd listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
