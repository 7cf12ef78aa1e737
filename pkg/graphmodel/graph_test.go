package graphmodel

import (
	"context"
	"testing"

	"github.com/nervestack/memvault/pkg/providers"
	"github.com/nervestack/memvault/pkg/storekv"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(Config{DeduplicationThreshold: 0.85, ConfidenceThreshold: 0.5}, storekv.NewDemoBlobStore(),
		mustKeyedStore(t), nil)
}

func mustKeyedStore(t *testing.T) storekv.KeyedStore {
	t.Helper()
	ks, err := storekv.OpenSQLiteKeyedStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open keyed store: %v", err)
	}
	t.Cleanup(func() { ks.Close() })
	return ks
}

func TestAddToGraph_CreatesEntitiesAndRelationships(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result := providers.ExtractionResult{
		Entities: []providers.ExtractedEntity{
			{Label: "Alice", Type: "Person", Confidence: 0.9},
			{Label: "Acme", Type: "Organization", Confidence: 0.9},
			{Label: "Paris", Type: "Location", Confidence: 0.8},
		},
		Relationships: []providers.ExtractedRelationship{
			{SourceLabel: "Alice", TargetLabel: "Acme", Type: "WORKS_AT", Confidence: 0.75},
			{SourceLabel: "Acme", TargetLabel: "Paris", Type: "LOCATED_IN", Confidence: 0.7},
		},
	}

	touched, err := svc.AddToGraph(ctx, "user1", "mem1", result)
	if err != nil {
		t.Fatalf("AddToGraph: %v", err)
	}
	if len(touched) != 3 {
		t.Fatalf("expected 3 touched entities, got %d", len(touched))
	}

	stats, err := svc.GetGraphStats(ctx, "user1")
	if err != nil {
		t.Fatalf("GetGraphStats: %v", err)
	}
	if stats["entity_count"] != 3 {
		t.Fatalf("expected 3 entities, got %v", stats["entity_count"])
	}
	if stats["relationship_count"] != 2 {
		t.Fatalf("expected 2 relationships, got %v", stats["relationship_count"])
	}
}

func TestAddToGraph_IdempotentReingestion(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result := providers.ExtractionResult{
		Entities: []providers.ExtractedEntity{
			{Label: "Alice", Type: "Person", Confidence: 0.9},
			{Label: "Acme", Type: "Organization", Confidence: 0.9},
		},
		Relationships: []providers.ExtractedRelationship{
			{SourceLabel: "Alice", TargetLabel: "Acme", Type: "WORKS_AT", Confidence: 0.75},
		},
	}

	if _, err := svc.AddToGraph(ctx, "user1", "mem1", result); err != nil {
		t.Fatalf("first AddToGraph: %v", err)
	}
	if _, err := svc.AddToGraph(ctx, "user1", "mem1", result); err != nil {
		t.Fatalf("second AddToGraph: %v", err)
	}

	stats, err := svc.GetGraphStats(ctx, "user1")
	if err != nil {
		t.Fatalf("GetGraphStats: %v", err)
	}
	if stats["entity_count"] != 2 {
		t.Fatalf("re-ingestion should not duplicate entities, got %v", stats["entity_count"])
	}
	if stats["relationship_count"] != 1 {
		t.Fatalf("re-ingestion should not duplicate relationships, got %v", stats["relationship_count"])
	}
}

func TestAddToGraph_FuzzyMergesSimilarLabels(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first := providers.ExtractionResult{
		Entities: []providers.ExtractedEntity{{Label: "Acme Corp", Type: "Organization", Confidence: 0.9}},
	}
	second := providers.ExtractionResult{
		Entities: []providers.ExtractedEntity{{Label: "Acme Corp.", Type: "Organization", Confidence: 0.85}},
	}

	if _, err := svc.AddToGraph(ctx, "user1", "mem1", first); err != nil {
		t.Fatalf("first AddToGraph: %v", err)
	}
	if _, err := svc.AddToGraph(ctx, "user1", "mem2", second); err != nil {
		t.Fatalf("second AddToGraph: %v", err)
	}

	stats, err := svc.GetGraphStats(ctx, "user1")
	if err != nil {
		t.Fatalf("GetGraphStats: %v", err)
	}
	if stats["entity_count"] != 1 {
		t.Fatalf("near-duplicate labels should merge into one entity, got %v", stats["entity_count"])
	}

	entities, _, err := svc.QueryGraph(ctx, "user1", QueryFilter{})
	if err != nil {
		t.Fatalf("QueryGraph: %v", err)
	}
	if len(entities) != 1 || len(entities[0].SourceMemoryIDs) != 2 {
		t.Fatalf("expected one entity with two source memories, got %+v", entities)
	}
}

func TestSanitizeEntityID(t *testing.T) {
	cases := []struct {
		label string
		want  string
	}{
		{"Paris", "paris"},
		{"Acme Corp.", "acme_corp"},
		{"  Dr. Jane O'Brien  ", "dr_jane_o_brien"},
		{"Acme   Corp", "acme_corp"},
		{"___weird___", "weird"},
	}
	for _, c := range cases {
		if got := sanitizeEntityID(c.label); got != c.want {
			t.Errorf("sanitizeEntityID(%q) = %q, want %q", c.label, got, c.want)
		}
	}
}

func TestAddToGraph_SameLabelAlwaysMapsToSameID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first := providers.ExtractionResult{
		Entities: []providers.ExtractedEntity{{Label: "Paris", Type: "Location", Confidence: 0.6}},
	}
	touched, err := svc.AddToGraph(ctx, "user1", "mem1", first)
	if err != nil {
		t.Fatalf("AddToGraph: %v", err)
	}
	if len(touched) != 1 || touched[0] != "paris" {
		t.Fatalf("expected entity id %q, got %v", "paris", touched)
	}

	second := providers.ExtractionResult{
		Entities: []providers.ExtractedEntity{{Label: "Paris", Type: "Location", Confidence: 0.95}},
	}
	touched, err = svc.AddToGraph(ctx, "user1", "mem2", second)
	if err != nil {
		t.Fatalf("second AddToGraph: %v", err)
	}
	if len(touched) != 1 || touched[0] != "paris" {
		t.Fatalf("expected the same deterministic id on re-extraction, got %v", touched)
	}

	entities, _, err := svc.QueryGraph(ctx, "user1", QueryFilter{})
	if err != nil {
		t.Fatalf("QueryGraph: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("expected one merged entity, got %d", len(entities))
	}
}

func TestAddToGraph_MergeTakesMaxConfidence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	high := providers.ExtractionResult{
		Entities: []providers.ExtractedEntity{{Label: "Alice", Type: "Person", Confidence: 0.95}},
	}
	low := providers.ExtractionResult{
		Entities: []providers.ExtractedEntity{{Label: "Alice", Type: "Person", Confidence: 0.3}},
	}

	if _, err := svc.AddToGraph(ctx, "user1", "mem1", high); err != nil {
		t.Fatalf("AddToGraph high: %v", err)
	}
	if _, err := svc.AddToGraph(ctx, "user1", "mem2", low); err != nil {
		t.Fatalf("AddToGraph low: %v", err)
	}

	entities, _, err := svc.QueryGraph(ctx, "user1", QueryFilter{})
	if err != nil {
		t.Fatalf("QueryGraph: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("expected one entity, got %d", len(entities))
	}
	if entities[0].Confidence != 0.95 {
		t.Fatalf("expected a later low-confidence mention to leave confidence at the prior max 0.95, got %v", entities[0].Confidence)
	}
}

func TestFindRelatedEntities_MultiHopConfidence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result := providers.ExtractionResult{
		Entities: []providers.ExtractedEntity{
			{Label: "Alice", Type: "Person", Confidence: 0.9},
			{Label: "Acme", Type: "Organization", Confidence: 0.9},
			{Label: "Paris", Type: "Location", Confidence: 0.9},
		},
		Relationships: []providers.ExtractedRelationship{
			{SourceLabel: "Alice", TargetLabel: "Acme", Type: "WORKS_AT", Confidence: 0.8},
			{SourceLabel: "Acme", TargetLabel: "Paris", Type: "LOCATED_IN", Confidence: 0.5},
		},
	}
	if _, err := svc.AddToGraph(ctx, "user1", "mem1", result); err != nil {
		t.Fatalf("AddToGraph: %v", err)
	}

	// "alice" is the deterministic sanitized id for label "Alice" — named
	// directly rather than discovered via a QueryGraph round-trip.
	related, err := svc.FindRelatedEntities(ctx, "user1", "alice", 2)
	if err != nil {
		t.Fatalf("FindRelatedEntities: %v", err)
	}
	if len(related) != 2 {
		t.Fatalf("expected 2 related entities within 2 hops, got %d", len(related))
	}

	for _, r := range related {
		if r.Entity.Label == "Paris" {
			want := 0.8 * 0.5
			if r.PathConfidence < want-1e-9 || r.PathConfidence > want+1e-9 {
				t.Fatalf("expected Paris path confidence %v, got %v", want, r.PathConfidence)
			}
			if r.Hops != 2 {
				t.Fatalf("expected Paris at 2 hops, got %d", r.Hops)
			}
		}
	}
}
