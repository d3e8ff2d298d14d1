package ontology

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/lvonguyen/convergence/internal/identity"
)

// Config holds consolidator settings.
type Config struct {
	// Shards is the number of independent lock shards. Merges for
	// unrelated keys never contend across shards.
	Shards int `yaml:"shards"`

	// Scope is the deployment-wide scope tag folded into every term
	// identity. Two deployments with different scopes never share keys.
	Scope string `yaml:"scope"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Shards: 16,
		Scope:  "global",
	}
}

type termShard struct {
	mu    sync.RWMutex
	terms map[identity.Identity]*Term
}

type relationShard struct {
	mu        sync.RWMutex
	relations map[string]*Relation
}

// Graph is the sharded, thread-safe consolidated knowledge graph. Merges
// for the same key are serialized by the owning shard; merges are
// commutative (increment, set union, max) so concurrent ingestion needs
// no ordering across shards.
type Graph struct {
	config Config
	logger *zap.Logger

	termShards     []*termShard
	relationShards []*relationShard
}

// NewGraph creates an empty graph.
func NewGraph(cfg Config, logger *zap.Logger) *Graph {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultConfig().Scope
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Graph{
		config:         cfg,
		logger:         logger.Named("ontology"),
		termShards:     make([]*termShard, cfg.Shards),
		relationShards: make([]*relationShard, cfg.Shards),
	}
	for i := 0; i < cfg.Shards; i++ {
		g.termShards[i] = &termShard{terms: make(map[identity.Identity]*Term)}
		g.relationShards[i] = &relationShard{relations: make(map[string]*Relation)}
	}
	return g
}

// TermID computes the identity a candidate would merge under without
// mutating the graph. Term identities use a zero time bucket so the same
// (canonical_name, category) pair keys the same node regardless of when
// it was sighted.
func (g *Graph) TermID(canonicalName, category string) (identity.Identity, error) {
	if canonicalName == "" || category == "" {
		return "", ErrEmptyTerm
	}
	mask := identity.ContextMask{Scope: g.config.Scope}
	return identity.IdentifyString(canonicalName+"\x00"+category, mask)
}

// MergeTerm merges a candidate into the graph and returns the term id.
// First sighting inserts with frequency 1; re-merge increments frequency
// and unions aliases/sources.
func (g *Graph) MergeTerm(c TermCandidate) (identity.Identity, error) {
	id, err := g.TermID(c.CanonicalName, c.Category)
	if err != nil {
		return "", err
	}

	observed := c.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	shard := g.termShards[id.Shard(len(g.termShards))]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	term, exists := shard.terms[id]
	if !exists {
		term = &Term{
			ID:            id,
			CanonicalName: c.CanonicalName,
			Category:      c.Category,
			Aliases:       make(map[string]struct{}),
			Sources:       make(map[string]struct{}),
			FirstSeen:     observed,
			LastSeen:      observed,
		}
		shard.terms[id] = term
		g.logger.Debug("term created",
			zap.String("id", string(id)),
			zap.String("name", c.CanonicalName),
			zap.String("category", c.Category),
		)
	}

	term.Frequency++
	if c.Alias != "" {
		term.Aliases[c.Alias] = struct{}{}
	}
	if c.Source != "" {
		term.Sources[c.Source] = struct{}{}
	}
	if observed.After(term.LastSeen) {
		term.LastSeen = observed
	}
	if observed.Before(term.FirstSeen) {
		term.FirstSeen = observed
	}

	return id, nil
}

// MergeRelation merges a typed edge between two already-merged terms.
// On re-merge the weight is set to max(existing, new). A relation whose
// endpoints are not present is rejected with ErrDanglingReference rather
// than silently creating placeholder nodes.
func (g *Graph) MergeRelation(src, dst identity.Identity, typ RelationType, weight float64, observedAt time.Time) (string, error) {
	if weight < 0 {
		return "", fmt.Errorf("%w: %f", ErrNegativeWeight, weight)
	}
	// Terms are never deleted, so an existence check before taking the
	// relation shard lock cannot go stale.
	if !g.HasTerm(src) {
		return "", fmt.Errorf("%w: source %s", ErrDanglingReference, src)
	}
	if !g.HasTerm(dst) {
		return "", fmt.Errorf("%w: target %s", ErrDanglingReference, dst)
	}

	observed := observedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	key := relationKey(src, dst, typ)
	shard := g.relationShards[shardOf(key, len(g.relationShards))]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rel, exists := shard.relations[key]
	if !exists {
		rel = &Relation{
			SourceID:  src,
			TargetID:  dst,
			Type:      typ,
			Weight:    weight,
			FirstSeen: observed,
			LastSeen:  observed,
		}
		shard.relations[key] = rel
	}

	rel.Sightings++
	if weight > rel.Weight {
		rel.Weight = weight
	}
	if observed.After(rel.LastSeen) {
		rel.LastSeen = observed
	}
	if observed.Before(rel.FirstSeen) {
		rel.FirstSeen = observed
	}

	return key, nil
}

// GetTerm returns a deep copy of the term, or ErrTermNotFound.
func (g *Graph) GetTerm(id identity.Identity) (*Term, error) {
	shard := g.termShards[id.Shard(len(g.termShards))]
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	term, ok := shard.terms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTermNotFound, id)
	}
	return term.clone(), nil
}

// HasTerm reports whether a term exists.
func (g *Graph) HasTerm(id identity.Identity) bool {
	shard := g.termShards[id.Shard(len(g.termShards))]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	_, ok := shard.terms[id]
	return ok
}

// GetRelation returns a copy of the relation for the key triple.
func (g *Graph) GetRelation(src, dst identity.Identity, typ RelationType) (*Relation, bool) {
	key := relationKey(src, dst, typ)
	shard := g.relationShards[shardOf(key, len(g.relationShards))]
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	rel, ok := shard.relations[key]
	if !ok {
		return nil, false
	}
	cp := *rel
	return &cp, true
}

// Relations returns copies of all relations touching the given term.
func (g *Graph) Relations(id identity.Identity) []*Relation {
	var out []*Relation
	for _, shard := range g.relationShards {
		shard.mu.RLock()
		for _, rel := range shard.relations {
			if rel.SourceID == id || rel.TargetID == id {
				cp := *rel
				out = append(out, &cp)
			}
		}
		shard.mu.RUnlock()
	}
	return out
}

// GetStats returns graph size counters.
func (g *Graph) GetStats() Stats {
	stats := Stats{
		TermsByCategory: make(map[string]int),
		RelationsByType: make(map[string]int),
	}
	for _, shard := range g.termShards {
		shard.mu.RLock()
		stats.Terms += len(shard.terms)
		for _, term := range shard.terms {
			stats.TermsByCategory[term.Category]++
			stats.TotalSightings += term.Frequency
		}
		shard.mu.RUnlock()
	}
	for _, shard := range g.relationShards {
		shard.mu.RLock()
		stats.Relations += len(shard.relations)
		for _, rel := range shard.relations {
			stats.RelationsByType[string(rel.Type)]++
		}
		shard.mu.RUnlock()
	}
	return stats
}

func shardOf(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}
