package ontology

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/convergence/internal/identity"
)

// Snapshot is the ordered graph export: every term, then every relation,
// sufficient to fully reconstruct the in-memory graph. Records are sorted
// by key so exports of the same graph are byte-identical.
type Snapshot struct {
	ExportedAt time.Time        `json:"exported_at"`
	Terms      []TermRecord     `json:"terms"`
	Relations  []RelationRecord `json:"relations"`
}

// TermRecord is the durable form of a Term.
type TermRecord struct {
	ID            identity.Identity `json:"id"`
	CanonicalName string            `json:"canonical_name"`
	Category      string            `json:"category"`
	Frequency     int64             `json:"frequency"`
	Aliases       []string          `json:"aliases,omitempty"`
	Sources       []string          `json:"sources,omitempty"`
	FirstSeen     time.Time         `json:"first_seen"`
	LastSeen      time.Time         `json:"last_seen"`
}

// RelationRecord is the durable form of a Relation.
type RelationRecord struct {
	SourceID  identity.Identity `json:"source_id"`
	TargetID  identity.Identity `json:"target_id"`
	Type      RelationType      `json:"type"`
	Weight    float64           `json:"weight"`
	Sightings int64             `json:"sightings"`
	FirstSeen time.Time         `json:"first_seen"`
	LastSeen  time.Time         `json:"last_seen"`
}

// Export captures the full graph state. Shards are read-locked one at a
// time, so an export concurrent with ingestion is a consistent-per-key
// view rather than a global point-in-time cut; replaying it composes with
// whatever merged later.
func (g *Graph) Export() *Snapshot {
	snap := &Snapshot{ExportedAt: time.Now().UTC()}

	for _, shard := range g.termShards {
		shard.mu.RLock()
		for _, term := range shard.terms {
			snap.Terms = append(snap.Terms, TermRecord{
				ID:            term.ID,
				CanonicalName: term.CanonicalName,
				Category:      term.Category,
				Frequency:     term.Frequency,
				Aliases:       term.AliasList(),
				Sources:       term.SourceList(),
				FirstSeen:     term.FirstSeen,
				LastSeen:      term.LastSeen,
			})
		}
		shard.mu.RUnlock()
	}

	for _, shard := range g.relationShards {
		shard.mu.RLock()
		for _, rel := range shard.relations {
			snap.Relations = append(snap.Relations, RelationRecord{
				SourceID:  rel.SourceID,
				TargetID:  rel.TargetID,
				Type:      rel.Type,
				Weight:    rel.Weight,
				Sightings: rel.Sightings,
				FirstSeen: rel.FirstSeen,
				LastSeen:  rel.LastSeen,
			})
		}
		shard.mu.RUnlock()
	}

	sort.Slice(snap.Terms, func(i, j int) bool { return snap.Terms[i].ID < snap.Terms[j].ID })
	sort.Slice(snap.Relations, func(i, j int) bool {
		ri, rj := snap.Relations[i], snap.Relations[j]
		return relationKey(ri.SourceID, ri.TargetID, ri.Type) < relationKey(rj.SourceID, rj.TargetID, rj.Type)
	})
	return snap
}

// Restore replays a snapshot into the graph. Replay is idempotent and
// commutative with live merges: counters restore via max, sets via union.
// This is the documented recovery path after a crash.
func (g *Graph) Restore(snap *Snapshot) error {
	if snap == nil {
		return nil
	}

	for _, rec := range snap.Terms {
		if err := g.restoreTerm(rec); err != nil {
			return err
		}
	}
	for _, rec := range snap.Relations {
		if err := g.restoreRelation(rec); err != nil {
			return err
		}
	}

	g.logger.Info("snapshot restored",
		zap.Int("terms", len(snap.Terms)),
		zap.Int("relations", len(snap.Relations)),
	)
	return nil
}

func (g *Graph) restoreRelation(rec RelationRecord) error {
	if rec.Weight < 0 {
		return ErrNegativeWeight
	}
	if !g.HasTerm(rec.SourceID) || !g.HasTerm(rec.TargetID) {
		return ErrDanglingReference
	}

	key := relationKey(rec.SourceID, rec.TargetID, rec.Type)
	shard := g.relationShards[shardOf(key, len(g.relationShards))]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rel, exists := shard.relations[key]
	if !exists {
		rel = &Relation{
			SourceID:  rec.SourceID,
			TargetID:  rec.TargetID,
			Type:      rec.Type,
			FirstSeen: rec.FirstSeen,
			LastSeen:  rec.LastSeen,
		}
		shard.relations[key] = rel
	}

	if rec.Weight > rel.Weight {
		rel.Weight = rec.Weight
	}
	if rec.Sightings > rel.Sightings {
		rel.Sightings = rec.Sightings
	}
	if !rec.FirstSeen.IsZero() && rec.FirstSeen.Before(rel.FirstSeen) {
		rel.FirstSeen = rec.FirstSeen
	}
	if rec.LastSeen.After(rel.LastSeen) {
		rel.LastSeen = rec.LastSeen
	}
	return nil
}

func (g *Graph) restoreTerm(rec TermRecord) error {
	if rec.CanonicalName == "" || rec.Category == "" {
		return ErrEmptyTerm
	}
	id := rec.ID
	if !id.Valid() {
		var err error
		id, err = g.TermID(rec.CanonicalName, rec.Category)
		if err != nil {
			return err
		}
	}

	shard := g.termShards[id.Shard(len(g.termShards))]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	term, exists := shard.terms[id]
	if !exists {
		term = &Term{
			ID:            id,
			CanonicalName: rec.CanonicalName,
			Category:      rec.Category,
			Aliases:       make(map[string]struct{}),
			Sources:       make(map[string]struct{}),
			FirstSeen:     rec.FirstSeen,
			LastSeen:      rec.LastSeen,
		}
		shard.terms[id] = term
	}

	if rec.Frequency > term.Frequency {
		term.Frequency = rec.Frequency
	}
	for _, a := range rec.Aliases {
		term.Aliases[a] = struct{}{}
	}
	for _, s := range rec.Sources {
		term.Sources[s] = struct{}{}
	}
	if !rec.FirstSeen.IsZero() && rec.FirstSeen.Before(term.FirstSeen) {
		term.FirstSeen = rec.FirstSeen
	}
	if rec.LastSeen.After(term.LastSeen) {
		term.LastSeen = rec.LastSeen
	}
	return nil
}
