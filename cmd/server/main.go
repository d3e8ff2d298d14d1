// Package main provides the entry point for the convergence server: the
// threat-record consolidation and convergence scoring engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/convergence/internal/api/gateway"
	"github.com/lvonguyen/convergence/internal/config"
	"github.com/lvonguyen/convergence/internal/extract"
	"github.com/lvonguyen/convergence/internal/identity"
	"github.com/lvonguyen/convergence/internal/observability"
	"github.com/lvonguyen/convergence/internal/ontology"
	"github.com/lvonguyen/convergence/internal/pipeline"
	"github.com/lvonguyen/convergence/internal/scoring"
	"github.com/lvonguyen/convergence/internal/similarity"
	"github.com/lvonguyen/convergence/internal/snapshot"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type app struct {
	logger       *zap.Logger
	metrics      *observability.Metrics
	graph        *ontology.Graph
	orchestrator *pipeline.Orchestrator
	scorer       *scoring.Scorer
	snapshotter  *snapshot.Snapshotter
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("convergence %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Run on defaults when no config file is present.
		cfg = config.DefaultConfig()
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting convergence",
		zap.String("version", Version),
		zap.String("config", *configPath),
	)

	metrics := observability.NewMetrics(nil)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.RedisPassword(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}

	graph := ontology.NewGraph(cfg.Consolidator, logger)

	var store snapshot.Store
	if redisClient != nil {
		store = snapshot.NewRedisStore(redisClient, cfg.Snapshot.Key)
		restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := snapshot.Restore(restoreCtx, store, graph); err != nil {
			logger.Warn("snapshot restore failed, starting empty", zap.Error(err))
		}
		restoreCancel()
	}

	var source scoring.Source
	if cfg.Similarity.Enabled {
		client, err := similarity.NewClient(cfg.Similarity)
		if err != nil {
			logger.Warn("similarity client init failed, scores will be degraded", zap.Error(err))
		} else {
			source = client
		}
	}

	a := &app{
		logger:       logger,
		metrics:      metrics,
		graph:        graph,
		orchestrator: pipeline.New(cfg.Pipeline, extract.New(cfg.Extractor), graph, metrics, logger),
		scorer:       scoring.NewScorer(cfg.Scorer, graph, source, logger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if store != nil {
		a.snapshotter = snapshot.NewSnapshotter(cfg.Snapshot, graph, store, metrics, logger)
		go a.snapshotter.Run(ctx)
	}

	limiter := gateway.NewRateLimiter(redisClient, cfg.RateLimit, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", a.handleHealth)
	r.Get("/ready", a.handleReady)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware())

		r.Post("/ingest", a.handleIngest)
		r.Post("/ingest/batch", a.handleIngestBatch)
		r.Post("/relations", a.handleMergeRelations)

		r.Get("/score/{id}", a.handleScore)
		r.Get("/terms/{id}", a.handleGetTerm)
		r.Get("/snapshot", a.handleSnapshot)
		r.Get("/stats", a.handleStats)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}

// Health and readiness handlers

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
}

func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Ingest handlers

func (a *app) handleIngest(w http.ResponseWriter, r *http.Request) {
	var doc pipeline.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := a.orchestrator.Ingest(r.Context(), doc)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, identity.ErrContentTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (a *app) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var docs []pipeline.Document
	if err := json.NewDecoder(r.Body).Decode(&docs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	items := a.orchestrator.IngestBatch(r.Context(), docs)
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *app) handleMergeRelations(w http.ResponseWriter, r *http.Request) {
	var relations []pipeline.RelationInput
	if err := json.NewDecoder(r.Body).Decode(&relations); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	keys, err := a.orchestrator.MergeRelations(r.Context(), relations)
	resp := map[string]any{"relation_ids": keys, "count": len(keys)}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Scoring and graph handlers

func (a *app) handleScore(w http.ResponseWriter, r *http.Request) {
	id := identity.Identity(chi.URLParam(r, "id"))
	if !id.Valid() {
		writeError(w, http.StatusBadRequest, "invalid subject id")
		return
	}

	score, err := a.scorer.Score(r.Context(), id, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	a.metrics.ScoresComputed.Inc()
	if score.Degraded {
		a.metrics.ScoresDegraded.Inc()
	}
	writeJSON(w, http.StatusOK, score)
}

func (a *app) handleGetTerm(w http.ResponseWriter, r *http.Request) {
	id := identity.Identity(chi.URLParam(r, "id"))
	term, err := a.graph.GetTerm(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":             term.ID,
		"canonical_name": term.CanonicalName,
		"category":       term.Category,
		"frequency":      term.Frequency,
		"aliases":        term.AliasList(),
		"sources":        term.SourceList(),
		"first_seen":     term.FirstSeen,
		"last_seen":      term.LastSeen,
	})
}

func (a *app) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.graph.Export())
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.graph.GetStats())
}

// JSON helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
