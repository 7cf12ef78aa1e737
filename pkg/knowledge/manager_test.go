package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/nervestack/memvault/pkg/graphmodel"
	"github.com/nervestack/memvault/pkg/providers"
	"github.com/nervestack/memvault/pkg/storekv"
)

func newTestManager(t *testing.T) (*Manager, storekv.KeyedStore) {
	t.Helper()
	ks, err := storekv.OpenSQLiteKeyedStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open keyed store: %v", err)
	}
	t.Cleanup(func() { ks.Close() })

	graphs := graphmodel.NewService(graphmodel.Config{DeduplicationThreshold: 0.85, ConfidenceThreshold: 0.5},
		storekv.NewDemoBlobStore(), ks, nil)
	mgr := NewManager(graphs, providers.NewHeuristicExtractor(), ks, Config{}, nil)
	return mgr, ks
}

func TestProcessMemoryForGraph_ExtractsAndMerges(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	ids, err := mgr.ProcessMemoryForGraph(ctx, "user1", "mem1", "Alice works at Acme Corp", false)
	if err != nil {
		t.Fatalf("ProcessMemoryForGraph: %v", err)
	}
	if len(ids) == 0 {
		t.Fatal("expected at least one touched entity")
	}
}

func TestProcessMemoryForGraph_IsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.ProcessMemoryForGraph(ctx, "user1", "mem1", "Alice works at Acme Corp", false)
	if err != nil {
		t.Fatalf("first ProcessMemoryForGraph: %v", err)
	}

	second, err := mgr.ProcessMemoryForGraph(ctx, "user1", "mem1", "Alice works at Acme Corp", false)
	if err != nil {
		t.Fatalf("second ProcessMemoryForGraph: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("expected reprocessing the same memory to return the same entity ids, got %v vs %v", first, second)
	}

	entities, _, err := mgr.graphs.QueryGraph(ctx, "user1", graphmodel.QueryFilter{})
	if err != nil {
		t.Fatalf("QueryGraph: %v", err)
	}
	for _, e := range entities {
		count := 0
		for _, id := range e.SourceMemoryIDs {
			if id == "mem1" {
				count++
			}
		}
		if count > 1 {
			t.Fatalf("entity %s recorded mem1 %d times, expected idempotent re-ingestion", e.Label, count)
		}
	}
}

func TestProcessMemoryForGraph_ForceReprocessBypassesMapping(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.ProcessMemoryForGraph(ctx, "user1", "mem1", "Alice works at Acme Corp", false); err != nil {
		t.Fatalf("first ProcessMemoryForGraph: %v", err)
	}

	before, _, err := mgr.graphs.QueryGraph(ctx, "user1", graphmodel.QueryFilter{LabelPrefix: "Alice"})
	if err != nil || len(before) != 1 {
		t.Fatalf("expected to find Alice, got %+v err=%v", before, err)
	}
	if count := countSource(before[0].SourceMemoryIDs, "mem1"); count != 1 {
		t.Fatalf("expected mem1 recorded once before force reprocess, got %d", count)
	}

	if _, err := mgr.ProcessMemoryForGraph(ctx, "user1", "mem1", "Alice works at Acme Corp", true); err != nil {
		t.Fatalf("forced ProcessMemoryForGraph: %v", err)
	}

	after, _, err := mgr.graphs.QueryGraph(ctx, "user1", graphmodel.QueryFilter{LabelPrefix: "Alice"})
	if err != nil || len(after) != 1 {
		t.Fatalf("expected to still find Alice after forced reprocess, got %+v err=%v", after, err)
	}
	if count := countSource(after[0].SourceMemoryIDs, "mem1"); count != 1 {
		t.Fatalf("expected mem1 still recorded once after forced reprocess (dedup on re-merge), got %d", count)
	}
}

func countSource(ids []string, target string) int {
	n := 0
	for _, id := range ids {
		if id == target {
			n++
		}
	}
	return n
}

func TestProcessBatchMemoriesForGraph_ProcessesInOrder(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	mgr.cfg.BatchDelay = time.Millisecond

	memories := []MemoryInput{
		{ID: "mem1", Text: "Alice works at Acme Corp"},
		{ID: "mem2", Text: "Acme Corp is located in Paris"},
	}

	results, err := mgr.ProcessBatchMemoriesForGraph(ctx, "user1", memories)
	if err != nil {
		t.Fatalf("ProcessBatchMemoriesForGraph: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, ids := range results {
		if len(ids) == 0 {
			t.Fatalf("memory %d produced no entities", i)
		}
	}
}

func TestFindMemoriesRelatedToEntity_IncludesMultiHopProvenance(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.ProcessMemoryForGraph(ctx, "user1", "mem1", "Alice works at Acme Corp", false); err != nil {
		t.Fatalf("ProcessMemoryForGraph mem1: %v", err)
	}
	if _, err := mgr.ProcessMemoryForGraph(ctx, "user1", "mem2", "Acme Corp is located in Paris", false); err != nil {
		t.Fatalf("ProcessMemoryForGraph mem2: %v", err)
	}

	// "alice" is the deterministic sanitized id for label "Alice" — named
	// directly, the way a caller who already knows the entity would,
	// rather than discovered by querying the graph first.
	memIDs, err := mgr.FindMemoriesRelatedToEntity(ctx, "user1", "alice", 2)
	if err != nil {
		t.Fatalf("FindMemoriesRelatedToEntity: %v", err)
	}

	found := map[string]bool{}
	for _, id := range memIDs {
		found[id] = true
	}
	if !found["mem1"] || !found["mem2"] {
		t.Fatalf("expected both mem1 and mem2 reachable from Alice, got %v", memIDs)
	}
}
