// Package pipeline drives documents through extraction, identification and
// consolidation, and exposes batch ingestion to external callers. The
// pipeline owns no retry policy: a failed document is reported and the
// caller decides.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/convergence/internal/extract"
	"github.com/lvonguyen/convergence/internal/identity"
	"github.com/lvonguyen/convergence/internal/observability"
	"github.com/lvonguyen/convergence/internal/ontology"
)

// Common errors.
var (
	ErrMissingSource     = errors.New("pipeline: document metadata requires a source")
	ErrMissingObservedAt = errors.New("pipeline: document metadata requires an observation time")
)

// Metadata is caller-supplied provenance for a document. The pipeline
// never invents context it was not given.
type Metadata struct {
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
	ScopeTags  []string  `json:"scope_tags,omitempty"`
}

// Document is the unit of ingest.
type Document struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// IndicatorError records a per-indicator failure that did not abort the
// document.
type IndicatorError struct {
	Kind  extract.Kind `json:"kind"`
	Value string       `json:"value"`
	Err   string       `json:"error"`
}

// IngestResult reports everything one document touched. Errors are
// itemized; a result with a non-empty error list still reflects the
// merges that did apply.
type IngestResult struct {
	DocumentID  identity.Identity   `json:"document_id"`
	TermIDs     []identity.Identity `json:"term_ids"`
	RelationIDs []string            `json:"relation_ids"`
	Indicators  int                 `json:"indicators"`
	Errors      []IndicatorError    `json:"errors,omitempty"`
}

// Err folds the itemized errors into one wrapped error, nil when clean.
func (r *IngestResult) Err() error {
	var err error
	for _, ie := range r.Errors {
		err = multierr.Append(err, fmt.Errorf("%s %q: %s", ie.Kind, ie.Value, ie.Err))
	}
	return err
}

// Config holds orchestrator settings.
type Config struct {
	// Workers bounds concurrent documents in IngestBatch.
	Workers int `yaml:"workers"`

	// LinkDocuments merges a "mentions" relation from the document term
	// to every indicator term it yielded.
	LinkDocuments bool `yaml:"link_documents"`

	// MentionWeight is the initial weight of document-mention relations.
	MentionWeight float64 `yaml:"mention_weight"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		LinkDocuments: true,
		MentionWeight: 0.5,
	}
}

// Orchestrator wires the extractor and the graph together.
type Orchestrator struct {
	config    Config
	extractor *extract.Extractor
	graph     *ontology.Graph
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// New creates an orchestrator. metrics may be nil.
func New(cfg Config, extractor *extract.Extractor, graph *ontology.Graph, metrics *observability.Metrics, logger *zap.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MentionWeight <= 0 || cfg.MentionWeight > 1 {
		cfg.MentionWeight = DefaultConfig().MentionWeight
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		config:    cfg,
		extractor: extractor,
		graph:     graph,
		metrics:   metrics,
		logger:    logger.Named("pipeline"),
	}
}

// Ingest runs one document through the pipeline. Validation failures
// reject the document before any graph mutation; per-indicator merge
// failures are collected and do not abort the remaining indicators.
// The call is cancellable between indicators; a partially merged
// document is valid state because every merge is individually idempotent.
func (o *Orchestrator) Ingest(ctx context.Context, doc Document) (*IngestResult, error) {
	start := time.Now()

	if err := validate(doc); err != nil {
		o.countDocument("rejected")
		return nil, err
	}

	mask := identity.ContextMask{
		TimeBucket: identity.BucketByDay(doc.Metadata.ObservedAt),
		Scope:      scopeOf(doc.Metadata.ScopeTags),
	}
	docID, err := identity.IdentifyString(doc.Text, mask)
	if err != nil {
		// Oversized content is rejected before any hashing or merging.
		o.countDocument("rejected")
		return nil, err
	}

	indicators := o.extractor.Extract(doc.Text)

	result := &IngestResult{
		DocumentID: docID,
		Indicators: len(indicators),
	}

	var docTermID identity.Identity
	if o.config.LinkDocuments {
		docTermID, err = o.graph.MergeTerm(ontology.TermCandidate{
			CanonicalName: string(docID),
			Category:      "document",
			Source:        doc.Metadata.Source,
			ObservedAt:    doc.Metadata.ObservedAt,
		})
		if err != nil {
			o.countDocument("rejected")
			return nil, err
		}
		o.countTermMerge()
	}

	for _, ind := range indicators {
		if err := ctx.Err(); err != nil {
			o.countDocument("cancelled")
			return result, err
		}

		o.countIndicator(string(ind.Kind))

		termID, err := o.graph.MergeTerm(ontology.TermCandidate{
			CanonicalName: ind.Value,
			Category:      string(ind.Kind),
			Source:        doc.Metadata.Source,
			ObservedAt:    doc.Metadata.ObservedAt,
		})
		if err != nil {
			result.Errors = append(result.Errors, IndicatorError{Kind: ind.Kind, Value: ind.Value, Err: err.Error()})
			o.countIngestError()
			continue
		}
		result.TermIDs = append(result.TermIDs, termID)
		o.countTermMerge()

		if o.config.LinkDocuments {
			relID, err := o.graph.MergeRelation(docTermID, termID, ontology.RelationMentions, o.config.MentionWeight, doc.Metadata.ObservedAt)
			if err != nil {
				result.Errors = append(result.Errors, IndicatorError{Kind: ind.Kind, Value: ind.Value, Err: err.Error()})
				o.countIngestError()
				continue
			}
			result.RelationIDs = append(result.RelationIDs, relID)
			o.countRelationMerge()
		}
	}

	o.countDocument("ok")
	o.observeIngest(time.Since(start))
	o.logger.Debug("document ingested",
		zap.String("document_id", string(docID)),
		zap.String("source", doc.Metadata.Source),
		zap.Int("indicators", len(indicators)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// BatchItem pairs a document's result with its rejection error, if any.
type BatchItem struct {
	Result *IngestResult `json:"result,omitempty"`
	Err    string        `json:"error,omitempty"`
}

// IngestBatch processes documents concurrently under a bounded worker
// group. Each document is its own unit of work; one rejected document
// never aborts the rest. Results are positionally aligned with the input.
func (o *Orchestrator) IngestBatch(ctx context.Context, docs []Document) []BatchItem {
	items := make([]BatchItem, len(docs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Workers)

	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			result, err := o.Ingest(ctx, doc)
			items[i] = BatchItem{Result: result}
			if err != nil {
				items[i].Err = err.Error()
			}
			return nil // per-document failures are reported, not propagated
		})
	}

	_ = g.Wait()
	return items
}

// RelationInput is a caller-supplied relation, e.g. a link computed by an
// external correlation stage.
type RelationInput struct {
	SourceID   identity.Identity     `json:"source_id"`
	TargetID   identity.Identity     `json:"target_id"`
	Type       ontology.RelationType `json:"type"`
	Weight     float64               `json:"weight"`
	ObservedAt time.Time             `json:"observed_at"`
}

// MergeRelations merges each relation, returning the merged keys and the
// combined error for the ones that failed.
func (o *Orchestrator) MergeRelations(ctx context.Context, relations []RelationInput) ([]string, error) {
	var keys []string
	var err error
	for _, rel := range relations {
		if cerr := ctx.Err(); cerr != nil {
			return keys, multierr.Append(err, cerr)
		}
		key, merr := o.graph.MergeRelation(rel.SourceID, rel.TargetID, rel.Type, rel.Weight, rel.ObservedAt)
		if merr != nil {
			err = multierr.Append(err, merr)
			continue
		}
		keys = append(keys, key)
		o.countRelationMerge()
	}
	return keys, err
}

func validate(doc Document) error {
	if strings.TrimSpace(doc.Metadata.Source) == "" {
		return ErrMissingSource
	}
	if doc.Metadata.ObservedAt.IsZero() {
		return ErrMissingObservedAt
	}
	return nil
}

// scopeOf canonicalizes scope tags: sorted, comma-joined, "global" when
// none are supplied. Tag order from the caller never changes identity.
func scopeOf(tags []string) string {
	if len(tags) == 0 {
		return "global"
	}
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// Metric helpers are nil-safe so tests can run without a registry.

func (o *Orchestrator) countDocument(status string) {
	if o.metrics != nil {
		o.metrics.DocumentsIngested.WithLabelValues(status).Inc()
	}
}

func (o *Orchestrator) countIndicator(kind string) {
	if o.metrics != nil {
		o.metrics.IndicatorsExtracted.WithLabelValues(kind).Inc()
	}
}

func (o *Orchestrator) countTermMerge() {
	if o.metrics != nil {
		o.metrics.TermsMerged.Inc()
	}
}

func (o *Orchestrator) countRelationMerge() {
	if o.metrics != nil {
		o.metrics.RelationsMerged.Inc()
	}
}

func (o *Orchestrator) countIngestError() {
	if o.metrics != nil {
		o.metrics.IngestErrors.Inc()
	}
}

func (o *Orchestrator) observeIngest(d time.Duration) {
	if o.metrics != nil {
		o.metrics.IngestDuration.Observe(d.Seconds())
	}
}
