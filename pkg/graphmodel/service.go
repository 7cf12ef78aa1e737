package graphmodel

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nervestack/memvault/pkg/logging"
	"github.com/nervestack/memvault/pkg/merrors"
	"github.com/nervestack/memvault/pkg/providers"
	"github.com/nervestack/memvault/pkg/storekv"
)

// Config tunes entity deduplication and relationship acceptance.
type Config struct {
	// DeduplicationThreshold is the minimum combined label/type match
	// score (see entityMatchScore) for AddToGraph to merge into an
	// existing entity instead of creating a new one.
	DeduplicationThreshold float64
	// ConfidenceThreshold is the minimum extractor confidence a
	// relationship needs to be added at all.
	ConfidenceThreshold float64
}

// Service owns one Graph per user and persists it through a BlobStore +
// KeyedStore pair, the same pattern hnswindex.Service uses for vector
// indexes.
type Service struct {
	cfg   Config
	blobs storekv.BlobStore
	kv    storekv.KeyedStore
	log   logging.Logger

	graphs sync.Map // userID -> *userGraph
}

type userGraph struct {
	mu      sync.Mutex
	graph   *Graph
	version uint64
}

// NewService constructs a graph Service.
func NewService(cfg Config, blobs storekv.BlobStore, kv storekv.KeyedStore, log logging.Logger) *Service {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Service{cfg: cfg, blobs: blobs, kv: kv, log: log}
}

func (s *Service) loadOrCreate(ctx context.Context, userID string) (*userGraph, error) {
	if v, ok := s.graphs.Load(userID); ok {
		return v.(*userGraph), nil
	}

	ug, err := s.loadFromStorage(ctx, userID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if ug == nil {
		ug = &userGraph{graph: NewGraph()}
	}
	actual, _ := s.graphs.LoadOrStore(userID, ug)
	return actual.(*userGraph), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, merrors.ErrNotFound)
}

// AddToGraph merges extracted entities and relationships from one memory
// into userID's graph. Every touched entity (new or merged) records
// memoryID in its SourceMemoryIDs, which is how callers later answer
// "which memories mention entity X". Returns the ids of every entity the
// memory touched.
func (s *Service) AddToGraph(ctx context.Context, userID, memoryID string, result providers.ExtractionResult) ([]string, error) {
	ug, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	ug.mu.Lock()
	defer ug.mu.Unlock()

	labelToID := make(map[string]string, len(result.Entities))
	touched := make([]string, 0, len(result.Entities))

	for _, ext := range result.Entities {
		id := s.upsertEntity(ug.graph, ext.Label, ext.Type, ext.Confidence, memoryID)
		labelToID[normalizeLabel(ext.Label)] = id
		touched = append(touched, id)
	}

	for _, rel := range result.Relationships {
		if rel.Confidence < s.cfg.ConfidenceThreshold {
			continue
		}
		sourceID, ok := labelToID[normalizeLabel(rel.SourceLabel)]
		if !ok {
			sourceID = s.upsertEntity(ug.graph, rel.SourceLabel, "", rel.Confidence, memoryID)
			labelToID[normalizeLabel(rel.SourceLabel)] = sourceID
		}
		targetID, ok := labelToID[normalizeLabel(rel.TargetLabel)]
		if !ok {
			targetID = s.upsertEntity(ug.graph, rel.TargetLabel, "", rel.Confidence, memoryID)
			labelToID[normalizeLabel(rel.TargetLabel)] = targetID
		}
		s.upsertRelationship(ug.graph, sourceID, targetID, rel.Type, rel.Confidence, memoryID)
	}

	if err := s.saveSnapshot(ctx, userID, ug); err != nil {
		return nil, err
	}
	return touched, nil
}

// upsertEntity applies spec §4.3's two entity merge rules in order: an
// id match (same sanitized label) always merges; otherwise a fuzzy label
// match at or above the dedup threshold merges. Either way merge folds
// confidence by max, never lets a later observation pull it down.
func (s *Service) upsertEntity(g *Graph, label, entityType string, confidence float64, memoryID string) string {
	id := sanitizeEntityID(label)

	existing := g.GetEntity(id)
	if existing == nil {
		existing = findMergeCandidate(g, label, entityType, s.cfg.DeduplicationThreshold)
	}

	if existing != nil {
		existing.Confidence = math.Max(existing.Confidence, confidence)
		existing.SourceMemoryIDs = mergeSourceMemoryIDs(existing.SourceMemoryIDs, memoryID)
		existing.UpdatedAt = time.Now()
		if existing.Type == "" && entityType != "" {
			existing.Type = entityType
		}
		g.UpsertEntity(existing)
		return existing.ID
	}

	e := &Entity{
		ID:              id,
		Label:           label,
		Type:            entityType,
		Confidence:      confidence,
		SourceMemoryIDs: mergeSourceMemoryIDs(nil, memoryID),
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	g.UpsertEntity(e)
	return e.ID
}

func (s *Service) upsertRelationship(g *Graph, sourceID, targetID, relType string, confidence float64, memoryID string) {
	for _, r := range g.EdgesFrom(sourceID) {
		if r.TargetEntityID == targetID && r.Type == relType {
			if confidence > r.Confidence {
				r.Confidence = confidence
			}
			r.SourceMemoryIDs = mergeSourceMemoryIDs(r.SourceMemoryIDs, memoryID)
			g.UpsertRelationship(r)
			return
		}
	}

	g.UpsertRelationship(&Relationship{
		ID:              uuid.NewString(),
		SourceEntityID:  sourceID,
		TargetEntityID:  targetID,
		Type:            relType,
		Confidence:      confidence,
		SourceMemoryIDs: mergeSourceMemoryIDs(nil, memoryID),
		CreatedAt:       time.Now(),
	})
}

// FindRelatedEntities traverses userID's graph outward from startID.
func (s *Service) FindRelatedEntities(ctx context.Context, userID, startID string, maxHops int) ([]RelatedEntity, error) {
	ug, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	ug.mu.Lock()
	defer ug.mu.Unlock()
	return FindRelatedEntities(ug.graph, startID, maxHops), nil
}

// QueryGraph filters userID's entities and relationships.
func (s *Service) QueryGraph(ctx context.Context, userID string, filter QueryFilter) ([]*Entity, []*Relationship, error) {
	ug, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	ug.mu.Lock()
	defer ug.mu.Unlock()
	e, r := QueryGraph(ug.graph, filter)
	return e, r, nil
}

// GetGraphStats reports shape counters for userID's graph.
func (s *Service) GetGraphStats(ctx context.Context, userID string) (map[string]any, error) {
	ug, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	ug.mu.Lock()
	defer ug.mu.Unlock()
	return ug.graph.Stats(), nil
}

// snapshotEnvelope is the gob-encoded payload persisted per user.
type snapshotEnvelope struct {
	Entities      []*Entity
	Relationships []*Relationship
}

func (s *Service) saveSnapshot(ctx context.Context, userID string, ug *userGraph) error {
	env := snapshotEnvelope{Entities: ug.graph.Entities(), Relationships: ug.graph.Relationships()}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return merrors.Wrap("save_graph", merrors.KindIndex, err)
	}

	blobID, err := s.blobs.Put(ctx, buf.Bytes())
	if err != nil {
		return merrors.Wrap("save_graph", merrors.KindStorage, err)
	}

	newVersion, err := s.kv.Put(ctx, storekv.NamespaceGraphs, userID, []byte(blobID), ug.version)
	if err != nil {
		return merrors.Wrap("save_graph", merrors.KindStorage, err)
	}
	ug.version = newVersion
	return nil
}

func (s *Service) loadFromStorage(ctx context.Context, userID string) (*userGraph, error) {
	blobIDBytes, version, err := s.kv.Get(ctx, storekv.NamespaceGraphs, userID)
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.Get(ctx, string(blobIDBytes))
	if err != nil {
		return nil, merrors.Wrap("load_graph", merrors.KindStorage, err)
	}

	var env snapshotEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, merrors.Wrap("load_graph", merrors.KindIndex, err)
	}

	g := NewGraph()
	for _, e := range env.Entities {
		g.UpsertEntity(e)
	}
	for _, r := range env.Relationships {
		g.UpsertRelationship(r)
	}
	return &userGraph{graph: g, version: version}, nil
}
