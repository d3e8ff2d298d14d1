package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lvonguyen/convergence/internal/extract"
	"github.com/lvonguyen/convergence/internal/identity"
	"github.com/lvonguyen/convergence/internal/ontology"
)

func testOrchestrator() (*Orchestrator, *ontology.Graph) {
	graph := ontology.NewGraph(ontology.DefaultConfig(), nil)
	o := New(DefaultConfig(), extract.New(extract.DefaultConfig()), graph, nil, nil)
	return o, graph
}

func testDoc(text string) Document {
	return Document{
		Text: text,
		Metadata: Metadata{
			Source:     "unit-feed",
			ObservedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

// =============================================================================
// Ingest Tests
// =============================================================================

// TestIngest_EndToEnd runs one document through extraction,
// identification and consolidation and checks the graph afterwards.
func TestIngest_EndToEnd(t *testing.T) {
	o, graph := testOrchestrator()

	result, err := o.Ingest(context.Background(), testDoc(
		"host 10.0.0.5 contacted evil-example.com, hash 5d41402abc4b2a76b9719d911017c592, see CVE-2024-1234"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Private address excluded: domain, hash, CVE remain.
	if result.Indicators != 3 {
		t.Errorf("indicators = %d, want 3", result.Indicators)
	}
	if len(result.TermIDs) != 3 {
		t.Errorf("term ids = %d, want 3", len(result.TermIDs))
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
	if result.Err() != nil {
		t.Errorf("Err() = %v, want nil", result.Err())
	}

	domainID, err := graph.TermID("evil-example.com", string(extract.KindDomain))
	if err != nil {
		t.Fatalf("TermID: %v", err)
	}
	term, err := graph.GetTerm(domainID)
	if err != nil {
		t.Fatalf("domain term missing from graph: %v", err)
	}
	if got := term.SourceList(); len(got) != 1 || got[0] != "unit-feed" {
		t.Errorf("provenance = %v", got)
	}
}

// TestIngest_DocumentLinks verifies the document node and its mentions
// relations when linking is on.
func TestIngest_DocumentLinks(t *testing.T) {
	o, graph := testOrchestrator()

	result, err := o.Ingest(context.Background(), testDoc("beacon to 203.0.113.7 and drop.evil.net"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(result.RelationIDs) != 2 {
		t.Fatalf("relation ids = %d, want 2", len(result.RelationIDs))
	}

	docTermID, err := graph.TermID(string(result.DocumentID), "document")
	if err != nil {
		t.Fatalf("TermID: %v", err)
	}
	for _, termID := range result.TermIDs {
		rel, ok := graph.GetRelation(docTermID, termID, ontology.RelationMentions)
		if !ok {
			t.Errorf("missing mentions relation to %s", termID)
			continue
		}
		if rel.Weight != DefaultConfig().MentionWeight {
			t.Errorf("mention weight = %f", rel.Weight)
		}
	}
}

// TestIngest_NoLinking verifies LinkDocuments=false merges indicator
// terms only.
func TestIngest_NoLinking(t *testing.T) {
	graph := ontology.NewGraph(ontology.DefaultConfig(), nil)
	cfg := DefaultConfig()
	cfg.LinkDocuments = false
	o := New(cfg, extract.New(extract.DefaultConfig()), graph, nil, nil)

	result, err := o.Ingest(context.Background(), testDoc("seen at 203.0.113.7"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(result.RelationIDs) != 0 {
		t.Errorf("expected no relations, got %v", result.RelationIDs)
	}
	if got := graph.GetStats().TermsByCategory["document"]; got != 0 {
		t.Errorf("document terms = %d, want 0", got)
	}
}

// TestIngest_Replay verifies re-ingesting the same document is a clean
// re-merge: same ids, frequency incremented, nothing duplicated.
func TestIngest_Replay(t *testing.T) {
	o, graph := testOrchestrator()
	doc := testDoc("repeated sighting of drop.evil.net")

	first, err := o.Ingest(context.Background(), doc)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := o.Ingest(context.Background(), doc)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	if first.DocumentID != second.DocumentID {
		t.Errorf("document id changed on replay: %s vs %s", first.DocumentID, second.DocumentID)
	}

	stats := graph.GetStats()
	if stats.TermsByCategory[string(extract.KindDomain)] != 1 {
		t.Errorf("domain terms = %d, want 1", stats.TermsByCategory[string(extract.KindDomain)])
	}

	term, _ := graph.GetTerm(first.TermIDs[0])
	if term.Frequency != 2 {
		t.Errorf("frequency = %d after replay, want 2", term.Frequency)
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestIngest_Validation(t *testing.T) {
	o, graph := testOrchestrator()

	tests := []struct {
		name string
		doc  Document
		want error
	}{
		{
			"missing source",
			Document{Text: "x", Metadata: Metadata{ObservedAt: time.Now()}},
			ErrMissingSource,
		},
		{
			"blank source",
			Document{Text: "x", Metadata: Metadata{Source: "   ", ObservedAt: time.Now()}},
			ErrMissingSource,
		},
		{
			"missing observed_at",
			Document{Text: "x", Metadata: Metadata{Source: "feed"}},
			ErrMissingObservedAt,
		},
	}

	for _, tt := range tests {
		if _, err := o.Ingest(context.Background(), tt.doc); !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}

	// Rejected documents must not touch the graph.
	if got := graph.GetStats().Terms; got != 0 {
		t.Errorf("graph has %d terms after rejections, want 0", got)
	}
}

func TestIngest_OversizedContent(t *testing.T) {
	o, graph := testOrchestrator()
	doc := testDoc(strings.Repeat("a", identity.MaxContentBytes+1))

	if _, err := o.Ingest(context.Background(), doc); !errors.Is(err, identity.ErrContentTooLarge) {
		t.Fatalf("expected ErrContentTooLarge, got %v", err)
	}
	if got := graph.GetStats().Terms; got != 0 {
		t.Errorf("graph mutated by rejected document: %d terms", got)
	}
}

// TestIngest_ScopeTagsOrderIndependent verifies tag order never changes
// the document identity.
func TestIngest_ScopeTagsOrderIndependent(t *testing.T) {
	o, _ := testOrchestrator()

	a := testDoc("scoped report")
	a.Metadata.ScopeTags = []string{"emea", "finance"}
	b := testDoc("scoped report")
	b.Metadata.ScopeTags = []string{"finance", "emea"}

	ra, err := o.Ingest(context.Background(), a)
	if err != nil {
		t.Fatalf("ingest a: %v", err)
	}
	rb, err := o.Ingest(context.Background(), b)
	if err != nil {
		t.Fatalf("ingest b: %v", err)
	}
	if ra.DocumentID != rb.DocumentID {
		t.Errorf("tag order changed identity: %s vs %s", ra.DocumentID, rb.DocumentID)
	}

	c := testDoc("scoped report")
	rc, err := o.Ingest(context.Background(), c)
	if err != nil {
		t.Fatalf("ingest c: %v", err)
	}
	if rc.DocumentID == ra.DocumentID {
		t.Error("different scope produced same identity")
	}
}

// =============================================================================
// Cancellation Tests
// =============================================================================

// TestIngest_Cancelled verifies a cancelled context stops the document
// between indicators and reports the partial result.
func TestIngest_Cancelled(t *testing.T) {
	o, _ := testOrchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Ingest(ctx, testDoc("see drop.evil.net and 203.0.113.7"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result == nil {
		t.Fatal("cancelled ingest must still return the partial result")
	}
	if len(result.TermIDs) != 0 {
		t.Errorf("no indicators should have merged, got %v", result.TermIDs)
	}
}

// =============================================================================
// Batch Tests
// =============================================================================

// TestIngestBatch verifies positional alignment and per-document error
// isolation.
func TestIngestBatch(t *testing.T) {
	o, _ := testOrchestrator()

	docs := []Document{
		testDoc("alpha report on drop.evil.net"),
		{Text: "no metadata"}, // rejected
		testDoc("beta report on CVE-2024-1234"),
	}

	items := o.IngestBatch(context.Background(), docs)
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}

	if items[0].Err != "" || items[0].Result == nil {
		t.Errorf("item 0 should succeed: %+v", items[0])
	}
	if items[1].Err == "" {
		t.Error("item 1 should report a validation error")
	}
	if items[2].Err != "" || items[2].Result == nil {
		t.Errorf("item 2 should succeed despite item 1: %+v", items[2])
	}
}

func TestIngestBatch_Concurrent(t *testing.T) {
	o, graph := testOrchestrator()

	docs := make([]Document, 50)
	for i := range docs {
		docs[i] = testDoc(fmt.Sprintf("report %d mentions shared-c2.evil.net", i))
	}

	items := o.IngestBatch(context.Background(), docs)
	for i, item := range items {
		if item.Err != "" {
			t.Fatalf("item %d failed: %s", i, item.Err)
		}
	}

	id, _ := graph.TermID("shared-c2.evil.net", string(extract.KindDomain))
	term, err := graph.GetTerm(id)
	if err != nil {
		t.Fatalf("shared term missing: %v", err)
	}
	if term.Frequency != 50 {
		t.Errorf("shared term frequency = %d, want 50", term.Frequency)
	}
}

// =============================================================================
// Relation Input Tests
// =============================================================================

func TestMergeRelations(t *testing.T) {
	o, graph := testOrchestrator()

	a, _ := graph.MergeTerm(ontology.TermCandidate{CanonicalName: "APT29", Category: "actor"})
	b, _ := graph.MergeTerm(ontology.TermCandidate{CanonicalName: "WellMess", Category: "malware"})
	ghost := identity.Identity(strings.Repeat("0", 48))

	keys, err := o.MergeRelations(context.Background(), []RelationInput{
		{SourceID: a, TargetID: b, Type: ontology.RelationUses, Weight: 0.9},
		{SourceID: a, TargetID: ghost, Type: ontology.RelationUses, Weight: 0.9},
	})

	if len(keys) != 1 {
		t.Errorf("merged keys = %d, want 1", len(keys))
	}
	if !errors.Is(err, ontology.ErrDanglingReference) {
		t.Errorf("expected dangling reference in combined error, got %v", err)
	}
}
