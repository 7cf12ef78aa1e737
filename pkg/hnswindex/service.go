package hnswindex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nervestack/memvault/pkg/logging"
	"github.com/nervestack/memvault/pkg/merrors"
	"github.com/nervestack/memvault/pkg/storekv"
)

// SpaceType selects the distance metric a Service's graphs use.
type SpaceType string

const (
	SpaceCosine SpaceType = "cosine"
	SpaceL2     SpaceType = "l2"
)

func (s SpaceType) distFunc() func(a, b []float32) float32 {
	if s == SpaceL2 {
		return EuclideanDistance
	}
	return CosineDistance
}

// Config tunes every per-user graph a Service creates and the pending-write
// buffer sitting in front of it.
type Config struct {
	Dimension      int
	MaxElements    int
	EfConstruction int
	EfSearch       int
	M              int
	RandomSeed     int64
	SpaceType      SpaceType
	MaxBatchSize   int
	BatchDelay     time.Duration
}

// SearchResult is one ranked match returned by SearchVectors.
type SearchResult struct {
	VectorID uint32
	Distance float32
	Metadata map[string]string
}

type pendingPoint struct {
	vector   []float32
	metadata map[string]string
	addedAt  time.Time
}

// userIndex is one user's live graph plus the buffer of points not yet
// folded into it.
type userIndex struct {
	mu sync.RWMutex

	// flushMu serializes flushUser calls for this user: an overflow flush
	// from AddVector and a sweepAged flush from the background loop can
	// race to flush the same pending batch otherwise.
	flushMu sync.Mutex

	graph     *Graph
	dimension int
	spaceType SpaceType
	version   uint64

	nextVectorID uint32

	pending      map[uint32]pendingPoint
	pendingOrder []uint32
	oldestAdd    time.Time

	tombstoned map[uint32]bool

	// metadata holds the flat key/value tags attached at AddVector time
	// for every vector that has been folded into graph. Kept alongside
	// (not inside) the graph so Search can apply a metadata filter
	// without touching node payloads.
	metadata map[uint32]map[string]string
}

func newUserIndex(cfg Config) *userIndex {
	return &userIndex{
		graph:      NewGraph(cfg.M, cfg.EfConstruction, cfg.RandomSeed, cfg.SpaceType.distFunc()),
		dimension:  cfg.Dimension,
		spaceType:  cfg.SpaceType,
		pending:    make(map[uint32]pendingPoint),
		tombstoned: make(map[uint32]bool),
		metadata:   make(map[uint32]map[string]string),
	}
}

// Service is the per-user HNSW index manager: it owns one Graph per user,
// buffers writes until a batch size or age threshold is crossed, and
// persists snapshots through a BlobStore + KeyedStore pair. Its zero value
// is not usable; construct with NewService.
type Service struct {
	cfg   Config
	blobs storekv.BlobStore
	kv    storekv.KeyedStore
	log   logging.Logger

	users sync.Map // userID -> *userIndex

	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	tickDur time.Duration
}

// NewService constructs a Service and starts its background flush loop.
// Callers must call Destroy to stop the loop and release resources.
func NewService(cfg Config, blobs storekv.BlobStore, kv storekv.KeyedStore, log logging.Logger) *Service {
	if log == nil {
		log = logging.NopLogger()
	}
	tick := cfg.BatchDelay / 2
	if tick <= 0 {
		tick = time.Second
	}
	s := &Service{
		cfg:     cfg,
		blobs:   blobs,
		kv:      kv,
		log:     log,
		stopCh:  make(chan struct{}),
		tickDur: tick,
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// Destroy stops the background flush loop and flushes every in-memory user
// index one final time, best-effort.
func (s *Service) Destroy() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.users.Range(func(key, _ any) bool {
		userID := key.(string)
		if err := s.ForceFlush(ctx, userID); err != nil {
			s.log.Warn("destroy: flush failed", "user_id", userID, "err", err)
		}
		return true
	})
}

func (s *Service) loadOrCreateUser(ctx context.Context, userID string) (*userIndex, error) {
	if v, ok := s.users.Load(userID); ok {
		return v.(*userIndex), nil
	}

	ui, err := s.loadFromStorage(ctx, userID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if ui == nil {
		ui = newUserIndex(s.cfg)
	}

	actual, _ := s.users.LoadOrStore(userID, ui)
	return actual.(*userIndex), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, merrors.ErrNotFound)
}

// CreateIndex eagerly creates (or resets) an empty index for userID with
// the service's configured dimension and space type.
func (s *Service) CreateIndex(_ context.Context, userID string) error {
	s.users.Store(userID, newUserIndex(s.cfg))
	return nil
}

// AddVector validates and buffers vector under a freshly assigned vector
// id. While the buffer stays below MaxBatchSize the write only touches the
// in-memory pending buffer. The call that brings the buffer to
// MaxBatchSize flushes it synchronously before returning, so that call
// blocks on persistence and returns any flush error.
func (s *Service) AddVector(ctx context.Context, userID string, vector []float32, metadata map[string]string) (uint32, error) {
	if s.closed.Load() {
		return 0, merrors.Wrap("add_vector", merrors.KindStorage, merrors.ErrClosed)
	}
	if len(vector) != s.cfg.Dimension {
		return 0, merrors.Wrap("add_vector", merrors.KindValidation,
			fmt.Errorf("%w: got %d want %d", merrors.ErrInvalidDimension, len(vector), s.cfg.Dimension))
	}

	ui, err := s.loadOrCreateUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	ui.mu.Lock()
	vectorID := atomic.AddUint32(&ui.nextVectorID, 1) - 1
	if len(ui.pending) == 0 {
		ui.oldestAdd = time.Now()
	}
	ui.pending[vectorID] = pendingPoint{vector: vector, metadata: metadata, addedAt: time.Now()}
	ui.pendingOrder = append(ui.pendingOrder, vectorID)
	overflow := len(ui.pending) >= s.cfg.MaxBatchSize
	ui.mu.Unlock()

	if overflow {
		if err := s.flushUser(ctx, userID, ui); err != nil {
			return vectorID, err
		}
	}
	return vectorID, nil
}

// SearchVectors returns up to k nearest neighbors of query, merging the
// persisted graph with whatever has not yet been flushed. Ties break on
// the lower vector id for deterministic ordering across runs.
func (s *Service) SearchVectors(ctx context.Context, userID string, query []float32, k int, filter map[string]string) ([]SearchResult, error) {
	if len(query) == 0 {
		return nil, merrors.Wrap("search_vectors", merrors.KindValidation, merrors.ErrEmptyQuery)
	}
	if len(query) != s.cfg.Dimension {
		return nil, merrors.Wrap("search_vectors", merrors.KindValidation,
			fmt.Errorf("%w: got %d want %d", merrors.ErrInvalidDimension, len(query), s.cfg.Dimension))
	}

	ui, err := s.loadOrCreateUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	ui.mu.RLock()
	ef := s.cfg.EfSearch
	if ef < k {
		ef = k * 2
	}
	ids, dists := ui.graph.Search(query, k+len(ui.pending), ef)
	dist := ui.spaceType.distFunc()

	results := make([]SearchResult, 0, len(ids)+len(ui.pending))
	for i, idStr := range ids {
		vid, _ := strconv.ParseUint(idStr, 10, 32)
		results = append(results, SearchResult{VectorID: uint32(vid), Distance: dists[i], Metadata: ui.metadata[uint32(vid)]})
	}
	for vid, pp := range ui.pending {
		if ui.tombstoned[vid] {
			continue
		}
		results = append(results, SearchResult{VectorID: vid, Distance: dist(query, pp.vector), Metadata: pp.metadata})
	}
	ui.mu.RUnlock()

	if len(filter) > 0 {
		results = filterByMetadata(results, filter)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].VectorID < results[j].VectorID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func filterByMetadata(results []SearchResult, filter map[string]string) []SearchResult {
	out := results[:0]
	for _, r := range results {
		match := true
		for fk, fv := range filter {
			if r.Metadata[fk] != fv {
				match = false
				break
			}
		}
		if match {
			out = append(out, r)
		}
	}
	return out
}

// RemoveVector tombstones vectorID. If it is still in the pending buffer
// it is dropped outright; otherwise the live graph node is tombstoned and
// will be dropped for good on the next CompactIndex.
func (s *Service) RemoveVector(ctx context.Context, userID string, vectorID uint32) error {
	ui, err := s.loadOrCreateUser(ctx, userID)
	if err != nil {
		return err
	}

	ui.mu.Lock()
	if _, isPending := ui.pending[vectorID]; isPending {
		ui.tombstoned[vectorID] = true
		ui.mu.Unlock()
		return nil
	}
	ui.mu.Unlock()

	if err := ui.graph.Delete(strconv.FormatUint(uint64(vectorID), 10)); err != nil {
		return merrors.Wrap("remove_vector", merrors.KindIndex, err)
	}
	if err := s.deleteVectorSidecar(ctx, userID, vectorID); err != nil {
		s.log.Warn("remove_vector: sidecar delete failed", "user_id", userID, "vector_id", vectorID, "err", err)
	}
	return nil
}

// ForceFlush folds every pending vector for userID into its graph and
// persists a new snapshot, regardless of batch size or age.
func (s *Service) ForceFlush(ctx context.Context, userID string) error {
	v, ok := s.users.Load(userID)
	if !ok {
		return nil
	}
	return s.flushUser(ctx, userID, v.(*userIndex))
}

// CompactIndex flushes pending writes, rebuilds the graph with tombstones
// dropped, and persists the compacted snapshot.
func (s *Service) CompactIndex(ctx context.Context, userID string) error {
	if err := s.ForceFlush(ctx, userID); err != nil {
		return err
	}
	v, ok := s.users.Load(userID)
	if !ok {
		return nil
	}
	ui := v.(*userIndex)
	ui.graph.Compact()
	return s.saveSnapshot(ctx, userID, ui)
}

// ClearUserIndex drops userID's in-memory index and deletes its persisted
// snapshot, index ref, and every per-vector sidecar row.
func (s *Service) ClearUserIndex(ctx context.Context, userID string) error {
	s.users.Delete(userID)

	if err := s.clearVectorSidecars(ctx, userID); err != nil {
		s.log.Warn("clear_user_index: sidecar cleanup failed", "user_id", userID, "err", err)
	}

	blobIDBytes, _, err := s.kv.Get(ctx, storekv.NamespaceIndices, userID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if err := s.blobs.Delete(ctx, string(blobIDBytes)); err != nil {
		return merrors.Wrap("clear_user_index", merrors.KindStorage, err)
	}
	if err := s.kv.Delete(ctx, storekv.NamespaceIndices, userID); err != nil {
		return merrors.Wrap("clear_user_index", merrors.KindStorage, err)
	}
	return nil
}

func (s *Service) clearVectorSidecars(ctx context.Context, userID string) error {
	keys, err := s.kv.ListKeys(ctx, storekv.NamespaceVectors)
	if err != nil {
		return merrors.Wrap("clear_vector_sidecars", merrors.KindStorage, err)
	}
	prefix := userID + "/"
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := s.kv.Delete(ctx, storekv.NamespaceVectors, key); err != nil {
			return merrors.Wrap("clear_vector_sidecars", merrors.KindStorage, err)
		}
	}
	return nil
}

// Stats reports shape counters for userID's index.
func (s *Service) Stats(ctx context.Context, userID string) (map[string]any, error) {
	ui, err := s.loadOrCreateUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ui.mu.RLock()
	pendingCount := len(ui.pending)
	version := ui.version
	ui.mu.RUnlock()

	stats := ui.graph.Stats()
	stats["pending_count"] = pendingCount
	stats["version"] = version
	return stats, nil
}
