// Package observability provides structured logging and Prometheus
// metrics for the consolidation engine.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures telemetry.
type Config struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
}

// NewLogger builds the process logger from config.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
	}

	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// Metrics holds the engine's Prometheus metrics.
type Metrics struct {
	DocumentsIngested   *prometheus.CounterVec
	IndicatorsExtracted *prometheus.CounterVec
	TermsMerged         prometheus.Counter
	RelationsMerged     prometheus.Counter
	IngestErrors        prometheus.Counter
	IngestDuration      prometheus.Histogram

	ScoresComputed  prometheus.Counter
	ScoresDegraded  prometheus.Counter
	SnapshotsStored prometheus.Counter
}

// NewMetrics registers the engine metrics with reg (nil uses the default
// registerer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DocumentsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convergence",
			Name:      "documents_ingested_total",
			Help:      "Documents processed by the ingest pipeline.",
		}, []string{"status"}),
		IndicatorsExtracted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convergence",
			Name:      "indicators_extracted_total",
			Help:      "Indicators extracted from raw text, by kind.",
		}, []string{"kind"}),
		TermsMerged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "convergence",
			Name:      "terms_merged_total",
			Help:      "Term merges applied to the knowledge graph.",
		}),
		RelationsMerged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "convergence",
			Name:      "relations_merged_total",
			Help:      "Relation merges applied to the knowledge graph.",
		}),
		IngestErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "convergence",
			Name:      "ingest_errors_total",
			Help:      "Per-indicator errors collected during ingest.",
		}),
		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "convergence",
			Name:      "ingest_duration_seconds",
			Help:      "Wall time per document ingest.",
			Buckets:   prometheus.DefBuckets,
		}),
		ScoresComputed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "convergence",
			Name:      "scores_computed_total",
			Help:      "Convergence scores computed.",
		}),
		ScoresDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "convergence",
			Name:      "scores_degraded_total",
			Help:      "Scores computed with the similarity source unavailable.",
		}),
		SnapshotsStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "convergence",
			Name:      "snapshots_stored_total",
			Help:      "Graph snapshots persisted to the durable store.",
		}),
	}
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
