// Package ontology maintains the consolidated knowledge graph of terms and
// typed relations. The graph is append-only: terms and relations are
// created on first sighting and mutated in place on re-merge, never
// deleted by this package.
package ontology

import (
	"errors"
	"sort"
	"time"

	"github.com/lvonguyen/convergence/internal/identity"
)

// Common errors.
var (
	ErrEmptyTerm         = errors.New("ontology: canonical name and category are required")
	ErrDanglingReference = errors.New("ontology: relation references an unmerged term")
	ErrNegativeWeight    = errors.New("ontology: relation weight must be non-negative")
	ErrTermNotFound      = errors.New("ontology: term not found")
)

// RelationType is the closed set of edge types carried by the graph.
type RelationType string

const (
	RelationMentions   RelationType = "mentions"
	RelationUses       RelationType = "uses"
	RelationTargets    RelationType = "targets"
	RelationResolvesTo RelationType = "resolves_to"
	RelationIndicates  RelationType = "indicates"
	RelationRelatedTo  RelationType = "related_to"
)

// Term is a named concept node. Frequency counts sightings; aliases and
// sources only grow.
type Term struct {
	ID            identity.Identity   `json:"id"`
	CanonicalName string              `json:"canonical_name"`
	Category      string              `json:"category"`
	Frequency     int64               `json:"frequency"`
	Aliases       map[string]struct{} `json:"-"`
	Sources       map[string]struct{} `json:"-"`
	FirstSeen     time.Time           `json:"first_seen"`
	LastSeen      time.Time           `json:"last_seen"`
}

// AliasList returns the alias set in sorted order.
func (t *Term) AliasList() []string { return sortedKeys(t.Aliases) }

// SourceList returns the source set in sorted order.
func (t *Term) SourceList() []string { return sortedKeys(t.Sources) }

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// clone returns a deep copy safe to hand outside the shard lock.
func (t *Term) clone() *Term {
	cp := *t
	cp.Aliases = make(map[string]struct{}, len(t.Aliases))
	for k := range t.Aliases {
		cp.Aliases[k] = struct{}{}
	}
	cp.Sources = make(map[string]struct{}, len(t.Sources))
	for k := range t.Sources {
		cp.Sources[k] = struct{}{}
	}
	return &cp
}

// TermCandidate is the input to a term merge.
type TermCandidate struct {
	CanonicalName string
	Category      string
	Alias         string // optional surface form
	Source        string // provenance tag
	ObservedAt    time.Time
}

// Relation is a directed typed edge, keyed by (source, target, type).
// Weight is monotone under merge: max, never averaged, never decreased.
type Relation struct {
	SourceID  identity.Identity `json:"source_id"`
	TargetID  identity.Identity `json:"target_id"`
	Type      RelationType      `json:"type"`
	Weight    float64           `json:"weight"`
	Sightings int64             `json:"sightings"`
	FirstSeen time.Time         `json:"first_seen"`
	LastSeen  time.Time         `json:"last_seen"`
}

// Key returns the canonical triple key.
func (r *Relation) Key() string { return relationKey(r.SourceID, r.TargetID, r.Type) }

func relationKey(src, dst identity.Identity, typ RelationType) string {
	return string(src) + ":" + string(dst) + ":" + string(typ)
}

// Stats summarizes graph size for the stats endpoint.
type Stats struct {
	Terms           int            `json:"terms"`
	Relations       int            `json:"relations"`
	TermsByCategory map[string]int `json:"terms_by_category"`
	RelationsByType map[string]int `json:"relations_by_type"`
	TotalSightings  int64          `json:"total_sightings"`
}
