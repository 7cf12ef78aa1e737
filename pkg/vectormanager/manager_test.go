package vectormanager

import (
	"context"
	"testing"
	"time"

	"github.com/nervestack/memvault/pkg/hnswindex"
	"github.com/nervestack/memvault/pkg/providers"
	"github.com/nervestack/memvault/pkg/storekv"
)

func newTestManager(t *testing.T, dim int) *Manager {
	t.Helper()
	blobs := storekv.NewDemoBlobStore()
	ks, err := storekv.OpenSQLiteKeyedStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open keyed store: %v", err)
	}
	t.Cleanup(func() { ks.Close() })

	idx := hnswindex.NewService(hnswindex.Config{
		Dimension:      dim,
		MaxElements:    1000,
		EfConstruction: 100,
		EfSearch:       20,
		M:              8,
		RandomSeed:     1,
		SpaceType:      hnswindex.SpaceCosine,
		MaxBatchSize:   50,
		BatchDelay:     time.Hour,
	}, blobs, ks, nil)
	t.Cleanup(idx.Destroy)

	embedder := providers.NewDeterministicEmbedder(dim, 0)
	cache := NewEmbeddingCache(10, time.Minute)
	return NewManager(idx, embedder, cache, 50, nil)
}

func TestAddTextToIndex_ThenSearchRanksExactMatchFirst(t *testing.T) {
	mgr := newTestManager(t, 32)
	ctx := context.Background()

	if _, err := mgr.AddTextToIndex(ctx, "user1", "the cat sat on the mat", nil); err != nil {
		t.Fatalf("AddTextToIndex: %v", err)
	}
	if _, err := mgr.AddTextToIndex(ctx, "user1", "quarterly revenue report", nil); err != nil {
		t.Fatalf("AddTextToIndex: %v", err)
	}
	if err := mgr.ForceFlushUser(ctx, "user1"); err != nil {
		t.Fatalf("ForceFlushUser: %v", err)
	}

	results, err := mgr.SearchSimilarTexts(ctx, "user1", "the cat sat on the mat", 1, nil)
	if err != nil {
		t.Fatalf("SearchSimilarTexts: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Distance > 1e-6 {
		t.Fatalf("expected near-zero distance for exact text match, got %v", results[0].Distance)
	}
}

func TestEmbeddingCache_AvoidsRecomputation(t *testing.T) {
	mgr := newTestManager(t, 16)
	ctx := context.Background()

	v1, err := mgr.embedder.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	mgr.cache.Put("hello world", v1)

	cached, ok := mgr.cache.Get("hello world")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(cached) != len(v1) {
		t.Fatalf("cached vector length mismatch: got %d want %d", len(cached), len(v1))
	}
}

func TestAddTextsBatch_PartialFailureDoesNotAbortBatch(t *testing.T) {
	mgr := newTestManager(t, 16)
	ctx := context.Background()

	texts := []string{"alpha", "", "gamma"}
	results := mgr.AddTextsBatch(ctx, "user1", texts, nil)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("expected alpha to succeed, got %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Fatal("expected empty text to fail")
	}
	if results[2].Err != nil {
		t.Fatalf("expected gamma to succeed despite the failure at index 1, got %v", results[2].Err)
	}
}
