package snapshot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/convergence/internal/observability"
	"github.com/lvonguyen/convergence/internal/ontology"
)

// Config holds snapshotter settings.
type Config struct {
	// Interval between periodic exports.
	Interval time.Duration `yaml:"interval"`

	// Key overrides the storage key for the redis store.
	Key string `yaml:"key"`

	// SaveTimeout bounds one save attempt.
	SaveTimeout time.Duration `yaml:"save_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		SaveTimeout: 30 * time.Second,
	}
}

// Snapshotter exports the graph on a fixed interval. A failed save is
// logged and retried on the next tick; the graph itself is never
// touched by persistence failures.
type Snapshotter struct {
	config  Config
	graph   *ontology.Graph
	store   Store
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewSnapshotter creates a snapshotter. metrics may be nil.
func NewSnapshotter(cfg Config, graph *ontology.Graph, store Store, metrics *observability.Metrics, logger *zap.Logger) *Snapshotter {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = def.SaveTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{
		config:  cfg,
		graph:   graph,
		store:   store,
		metrics: metrics,
		logger:  logger.Named("snapshot"),
	}
}

// Run blocks until ctx is cancelled, saving one final snapshot on the way
// out.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final export uses a fresh context; the loop context is
			// already cancelled.
			s.saveOnce(context.Background())
			return
		case <-ticker.C:
			s.saveOnce(ctx)
		}
	}
}

// SaveNow exports and persists immediately, outside the periodic loop.
func (s *Snapshotter) SaveNow(ctx context.Context) error {
	return s.save(ctx)
}

func (s *Snapshotter) saveOnce(ctx context.Context) {
	if err := s.save(ctx); err != nil {
		s.logger.Warn("snapshot save failed", zap.Error(err))
	}
}

func (s *Snapshotter) save(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.SaveTimeout)
	defer cancel()

	snap := s.graph.Export()
	if err := s.store.Save(ctx, snap); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.SnapshotsStored.Inc()
	}
	s.logger.Debug("snapshot stored",
		zap.Int("terms", len(snap.Terms)),
		zap.Int("relations", len(snap.Relations)),
	)
	return nil
}
