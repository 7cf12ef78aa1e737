// Package knowledge implements the memory-to-graph pipeline: it extracts
// entities and relationships from memory text, merges them into a user's
// knowledge graph, and answers "which memories relate to entity X"
// queries by combining graph traversal with each entity's recorded
// provenance.
package knowledge

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sort"
	"time"

	"github.com/nervestack/memvault/pkg/graphmodel"
	"github.com/nervestack/memvault/pkg/logging"
	"github.com/nervestack/memvault/pkg/merrors"
	"github.com/nervestack/memvault/pkg/providers"
	"github.com/nervestack/memvault/pkg/storekv"
)

// MemoryInput is one memory to fold into the knowledge graph.
type MemoryInput struct {
	ID   string
	Text string
	// ForceReprocess, if true, re-extracts and re-merges even if memoryID
	// already has a recorded mapping.
	ForceReprocess bool
}

// Config tunes batch processing.
type Config struct {
	// BatchDelay is the pause between memories within a batch, giving a
	// rate-limited extractor room to breathe. Zero disables the pause.
	BatchDelay time.Duration
}

// Manager is the KnowledgeGraphManager: the glue between raw memory text,
// a GraphExtractor, and a graphmodel.Service.
type Manager struct {
	graphs    *graphmodel.Service
	extractor providers.GraphExtractor
	kv        storekv.KeyedStore
	log       logging.Logger
	cfg       Config
}

// NewManager constructs a knowledge graph Manager.
func NewManager(graphs *graphmodel.Service, extractor providers.GraphExtractor, kv storekv.KeyedStore, cfg Config, log logging.Logger) *Manager {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Manager{graphs: graphs, extractor: extractor, kv: kv, log: log, cfg: cfg}
}

func mappingKey(userID, memoryID string) string {
	return userID + "/" + memoryID
}

// ProcessMemoryForGraph extracts entities/relationships from text and
// merges them into userID's graph. Re-processing the same memoryID is
// idempotent by default: a memory that has already been mapped to
// entities returns the same entity ids without extracting or merging
// again, so retrying a batch after a partial failure never double-counts
// a memory's contribution to an entity's confidence. Pass
// forceReprocess=true to bypass that guard and re-extract anyway — for
// example after the caller edited the memory's text.
func (m *Manager) ProcessMemoryForGraph(ctx context.Context, userID, memoryID, text string, forceReprocess bool) ([]string, error) {
	if !forceReprocess {
		if existing, ok, err := m.lookupMapping(ctx, userID, memoryID); err != nil {
			return nil, err
		} else if ok {
			return existing, nil
		}
	}

	result, err := m.extractor.Extract(ctx, text)
	if err != nil {
		// Extraction failures never fail ingestion: the memory is kept,
		// it simply contributes nothing to the graph this round.
		m.log.Warn("extract failed, treating as empty", "user_id", userID, "memory_id", memoryID, "err", err)
		result = providers.ExtractionResult{}
	}

	entityIDs, err := m.graphs.AddToGraph(ctx, userID, memoryID, result)
	if err != nil {
		return nil, merrors.Wrap("process_memory_for_graph", merrors.KindStorage, err)
	}

	if err := m.storeMapping(ctx, userID, memoryID, entityIDs); err != nil {
		return nil, err
	}
	return entityIDs, nil
}

// ProcessBatchMemoriesForGraph processes every memory in order, pausing
// BatchDelay between each so a rate-limited extractor isn't hammered. The
// pause is context-aware: a cancelled context stops the batch immediately
// instead of sleeping out the remaining delay.
func (m *Manager) ProcessBatchMemoriesForGraph(ctx context.Context, userID string, memories []MemoryInput) ([][]string, error) {
	results := make([][]string, len(memories))

	for i, mem := range memories {
		ids, err := m.ProcessMemoryForGraph(ctx, userID, mem.ID, mem.Text, mem.ForceReprocess)
		if err != nil {
			return results, err
		}
		results[i] = ids

		if m.cfg.BatchDelay > 0 && i < len(memories)-1 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(m.cfg.BatchDelay):
			}
		}
	}
	return results, nil
}

// SearchGraph filters userID's entities and relationships.
func (m *Manager) SearchGraph(ctx context.Context, userID string, filter graphmodel.QueryFilter) ([]*graphmodel.Entity, []*graphmodel.Relationship, error) {
	return m.graphs.QueryGraph(ctx, userID, filter)
}

// FindMemoriesRelatedToEntity returns the distinct memory ids that
// contributed to entityID directly, plus the memory ids behind every
// entity reachable from it within maxHops, so a caller can surface "here
// is everything we know that's connected to this entity" rather than
// just its own direct mentions.
func (m *Manager) FindMemoriesRelatedToEntity(ctx context.Context, userID, entityID string, maxHops int) ([]string, error) {
	entities, _, err := m.graphs.QueryGraph(ctx, userID, graphmodel.QueryFilter{})
	if err != nil {
		return nil, err
	}

	var start *graphmodel.Entity
	for _, e := range entities {
		if e.ID == entityID {
			start = e
			break
		}
	}
	if start == nil {
		return nil, merrors.Wrap("find_memories_related_to_entity", merrors.KindSearch, merrors.ErrNotFound)
	}

	memorySet := make(map[string]bool)
	for _, id := range start.SourceMemoryIDs {
		memorySet[id] = true
	}

	related, err := m.graphs.FindRelatedEntities(ctx, userID, entityID, maxHops)
	if err != nil {
		return nil, err
	}
	for _, r := range related {
		for _, id := range r.Entity.SourceMemoryIDs {
			memorySet[id] = true
		}
	}

	out := make([]string, 0, len(memorySet))
	for id := range memorySet {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) lookupMapping(ctx context.Context, userID, memoryID string) ([]string, bool, error) {
	data, _, err := m.kv.Get(ctx, storekv.NamespaceMemoryMappings, mappingKey(userID, memoryID))
	if err != nil {
		if errors.Is(err, merrors.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, merrors.Wrap("lookup_mapping", merrors.KindStorage, err)
	}

	var ids []string
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ids); err != nil {
		return nil, false, merrors.Wrap("lookup_mapping", merrors.KindStorage, err)
	}
	return ids, true, nil
}

func (m *Manager) storeMapping(ctx context.Context, userID, memoryID string, entityIDs []string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entityIDs); err != nil {
		return merrors.Wrap("store_mapping", merrors.KindStorage, err)
	}
	if _, err := m.kv.Put(ctx, storekv.NamespaceMemoryMappings, mappingKey(userID, memoryID), buf.Bytes(), 0); err != nil {
		return merrors.Wrap("store_mapping", merrors.KindStorage, err)
	}
	return nil
}
