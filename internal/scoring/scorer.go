// Package scoring computes bounded convergence scores that gate whether a
// subject warrants escalation. A score blends a time-decayed operational
// signal with a similarity-derived semantic signal; both halves and the
// blend are clamped to [0,1].
package scoring

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/convergence/internal/identity"
	"github.com/lvonguyen/convergence/internal/ontology"
)

// ErrUnknownSubject is returned when the subject id has no term in the
// graph.
var ErrUnknownSubject = errors.New("scoring: unknown subject")

// Neighbor is one similar record returned by the external similarity
// source, with score already normalized to [0,1].
type Neighbor struct {
	ID    identity.Identity `json:"id"`
	Score float64           `json:"score"`
}

// Source is the capability interface over the external similarity system.
// Implementations may block on the network; the scorer bounds every call
// with its configured timeout.
type Source interface {
	Similar(ctx context.Context, subject identity.Identity, k int) ([]Neighbor, error)
}

// TermReader is the read-side contract the scorer needs from the graph.
type TermReader interface {
	GetTerm(id identity.Identity) (*ontology.Term, error)
}

// ConvergenceScore is transient, recomputed on demand and never
// authoritative state. Degraded marks a score computed with the
// similarity source unavailable; callers must distinguish that from a
// genuinely low score.
type ConvergenceScore struct {
	SubjectID identity.Identity `json:"subject_id"`
	H1        float64           `json:"h1"`
	H2        float64           `json:"h2"`
	Combined  float64           `json:"combined"`
	Degraded  bool              `json:"degraded"`
	Neighbors int               `json:"neighbors"`
	ScoredAt  time.Time         `json:"scored_at"`
}

// Config holds scorer settings.
type Config struct {
	// Alpha is the operational blend weight: combined = α·h1 + (1−α)·h2.
	Alpha float64 `yaml:"alpha"`

	// DecayHours is the operational decay constant τ, in hours.
	DecayHours float64 `yaml:"decay_hours"`

	// TopK is how many similar records feed the semantic signal.
	TopK int `yaml:"top_k"`

	// SimilarityTimeout bounds each call into the similarity source.
	SimilarityTimeout time.Duration `yaml:"similarity_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:             0.3,
		DecayHours:        24,
		TopK:              5,
		SimilarityTimeout: 2 * time.Second,
	}
}

// Scorer computes convergence scores from the graph and a similarity
// source.
type Scorer struct {
	config Config
	terms  TermReader
	source Source
	logger *zap.Logger
}

// NewScorer creates a scorer. source may be nil, in which case every
// score is degraded with h2 = 0.
func NewScorer(cfg Config, terms TermReader, source Source, logger *zap.Logger) *Scorer {
	def := DefaultConfig()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.DecayHours <= 0 {
		cfg.DecayHours = def.DecayHours
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.SimilarityTimeout <= 0 {
		cfg.SimilarityTimeout = def.SimilarityTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{config: cfg, terms: terms, source: source, logger: logger.Named("scoring")}
}

// Score computes the convergence score for subject as of now. A failing
// or slow similarity source degrades the score instead of failing the
// request.
func (s *Scorer) Score(ctx context.Context, subject identity.Identity, now time.Time) (*ConvergenceScore, error) {
	term, err := s.terms.GetTerm(subject)
	if err != nil {
		return nil, ErrUnknownSubject
	}

	score := &ConvergenceScore{
		SubjectID: subject,
		H1:        s.operational(term.LastSeen, now),
		ScoredAt:  now,
	}

	score.H2, score.Neighbors, score.Degraded = s.semantic(ctx, subject)
	score.Combined = clamp01(s.config.Alpha*score.H1 + (1-s.config.Alpha)*score.H2)
	return score, nil
}

// operational is the time-decayed half: exp(-Δt/τ). Future timestamps are
// treated as Δt = 0; an absent last-observed time as maximally decayed.
func (s *Scorer) operational(lastObserved, now time.Time) float64 {
	if lastObserved.IsZero() {
		return 0
	}
	dt := now.Sub(lastObserved).Hours()
	if dt < 0 {
		dt = 0
	}
	return clamp01(math.Exp(-dt / s.config.DecayHours))
}

// semantic aggregates the top-K neighbor scores into a mean. It never
// fails: source errors and timeouts yield (0, 0, degraded=true).
func (s *Scorer) semantic(ctx context.Context, subject identity.Identity) (h2 float64, neighbors int, degraded bool) {
	if s.source == nil {
		return 0, 0, true
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.SimilarityTimeout)
	defer cancel()

	similar, err := s.source.Similar(ctx, subject, s.config.TopK)
	if err != nil {
		s.logger.Warn("similarity source unavailable, degrading score",
			zap.String("subject", string(subject)),
			zap.Error(err),
		)
		return 0, 0, true
	}
	if len(similar) == 0 {
		return 0, 0, false
	}

	var sum float64
	for _, n := range similar {
		sum += clamp01(n.Score)
	}
	return clamp01(sum / float64(len(similar))), len(similar), false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
