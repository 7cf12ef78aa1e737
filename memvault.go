// Package memvault is a personal, client-side memory engine: an HNSW
// vector index, a vector manager with embedding cache and batched
// ingestion, a knowledge-graph service with fuzzy entity merge and
// multi-hop traversal, and a knowledge-graph manager that wires memory
// text into both, all persisted through a content-addressed blob store
// and a namespaced keyed store. There is no server: every operation runs
// in the caller's process.
package memvault

import (
	"context"
	"time"

	"github.com/nervestack/memvault/pkg/graphmodel"
	"github.com/nervestack/memvault/pkg/hnswindex"
	"github.com/nervestack/memvault/pkg/knowledge"
	"github.com/nervestack/memvault/pkg/logging"
	"github.com/nervestack/memvault/pkg/providers"
	"github.com/nervestack/memvault/pkg/storekv"
	"github.com/nervestack/memvault/pkg/vectormanager"
)

// System is the fully wired memvault engine: every subsystem constructed
// by explicit injection rather than a DI container, so the construction
// graph is visible at the call site instead of behind reflection.
type System struct {
	Index     *hnswindex.Service
	Vectors   *vectormanager.Manager
	Graphs    *graphmodel.Service
	Knowledge *knowledge.Manager

	kv storekv.KeyedStore
}

// New constructs a System from a Config and the three collaborators the
// caller owns: blobs (content-addressed snapshot storage), embedder (text
// to vector), and extractor (text to entities/relationships). kv is the
// namespaced KeyedStore backing every subsystem's snapshot pointer; it is
// closed by System.Close.
func New(cfg Config, blobs storekv.BlobStore, kv storekv.KeyedStore, embedder providers.EmbeddingProvider, extractor providers.GraphExtractor, log logging.Logger) *System {
	if log == nil {
		log = logging.NopLogger()
	}

	index := hnswindex.NewService(hnswindex.Config{
		Dimension:      cfg.Index.Dimension,
		MaxElements:    cfg.Index.MaxElements,
		EfConstruction: cfg.Index.EfConstruction,
		EfSearch:       cfg.Index.EfSearch,
		M:              cfg.Index.M,
		RandomSeed:     cfg.Index.RandomSeed,
		SpaceType:      hnswindex.SpaceType(cfg.Index.SpaceType),
		MaxBatchSize:   cfg.Batch.MaxBatchSize,
		BatchDelay:     cfg.Batch.BatchDelay,
	}, blobs, kv, log.With("component", "hnswindex"))

	cache := vectormanager.NewEmbeddingCache(cfg.Batch.MaxCacheSize, cfg.Batch.CacheTTL)
	vectors := vectormanager.NewManager(index, embedder, cache, cfg.Batch.MaxBatchSize, log.With("component", "vectormanager"))

	graphs := graphmodel.NewService(graphmodel.Config{
		DeduplicationThreshold: cfg.Graph.DeduplicationThreshold,
		ConfidenceThreshold:    cfg.Graph.ConfidenceThreshold,
	}, blobs, kv, log.With("component", "graphmodel"))

	know := knowledge.NewManager(graphs, extractor, kv, knowledge.Config{
		BatchDelay: 200 * time.Millisecond,
	}, log.With("component", "knowledge"))

	return &System{
		Index:     index,
		Vectors:   vectors,
		Graphs:    graphs,
		Knowledge: know,
		kv:        kv,
	}
}

// Close stops the index's background flush loop (flushing every
// in-memory user one final time) and releases the KeyedStore's
// underlying connection.
func (s *System) Close() error {
	s.Index.Destroy()
	return s.kv.Close()
}

// Remember embeds text into userID's vector index and, if extractor is
// configured to find anything in it, folds the result into userID's
// knowledge graph under memoryID. It is the single entry point spec §2's
// data flow describes for "a new memory arrives". forceReprocess bypasses
// the knowledge graph's idempotence guard, re-extracting and re-merging
// even if memoryID was already processed — use it after the caller edits
// a memory's text.
func (s *System) Remember(ctx context.Context, userID, memoryID, text string, metadata map[string]string, forceReprocess bool) (uint32, []string, error) {
	vectorID, err := s.Vectors.AddTextToIndex(ctx, userID, text, metadata)
	if err != nil {
		return 0, nil, err
	}
	entityIDs, err := s.Knowledge.ProcessMemoryForGraph(ctx, userID, memoryID, text, forceReprocess)
	if err != nil {
		return vectorID, nil, err
	}
	return vectorID, entityIDs, nil
}
