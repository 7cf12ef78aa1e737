// Package vectormanager implements the text-in, ranked-results-out
// orchestration layer on top of pkg/hnswindex: it turns text into vectors
// through an EmbeddingProvider, deduplicates repeat embedding calls with a
// hash-keyed cache, and drives batched ingestion with rate-limit backoff.
package vectormanager

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/nervestack/memvault/pkg/hnswindex"
	"github.com/nervestack/memvault/pkg/logging"
	"github.com/nervestack/memvault/pkg/merrors"
	"github.com/nervestack/memvault/pkg/providers"
)

// Config tunes the embedding cache.
type Config struct {
	MaxCacheSize int
	CacheTTL     time.Duration
}

// cacheEntry is one memoized embedding.
type cacheEntry struct {
	vector    []float32
	expiresAt time.Time
}

// EmbeddingCache is a bounded, TTL-expiring memoization layer in front of
// an EmbeddingProvider, keyed by a 32-bit FNV-1a hash of the input text.
// Hash collisions are possible but harmless here: a stale embedding for a
// different text only costs a worse search ranking, never a crash.
type EmbeddingCache struct {
	mu      sync.Mutex
	entries map[uint32]cacheEntry
	order   []uint32 // insertion order, for FIFO eviction once MaxCacheSize is hit
	maxSize int
	ttl     time.Duration
}

// NewEmbeddingCache returns an empty cache bounded to maxSize entries,
// each valid for ttl.
func NewEmbeddingCache(maxSize int, ttl time.Duration) *EmbeddingCache {
	return &EmbeddingCache{
		entries: make(map[uint32]cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func cacheKey(text string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return h.Sum32()
}

// Get returns the cached vector for text, if present and unexpired.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(text)
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.vector, true
}

// Put stores vector for text, evicting the oldest entry if the cache is
// at capacity.
func (c *EmbeddingCache) Put(text string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(text)
	if _, exists := c.entries[key]; !exists {
		if c.maxSize > 0 && len(c.entries) >= c.maxSize && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{vector: vector, expiresAt: time.Now().Add(c.ttl)}
}

// BatchAddResult reports one text's outcome within an addTextsBatch call.
type BatchAddResult struct {
	Text     string
	VectorID uint32
	Err      error
}

// Manager orchestrates embedding and indexing for a set of users, sitting
// between callers (who supply text) and the HNSW index service (which
// only knows about vectors).
type Manager struct {
	index     *hnswindex.Service
	embedder  providers.EmbeddingProvider
	cache     *EmbeddingCache
	log       logging.Logger
	batchSize int
}

// NewManager constructs a Manager. embedder supplies vectors; index
// stores and searches them; cache deduplicates repeat embedding calls.
func NewManager(index *hnswindex.Service, embedder providers.EmbeddingProvider, cache *EmbeddingCache, batchSize int, log logging.Logger) *Manager {
	if log == nil {
		log = logging.NopLogger()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Manager{index: index, embedder: embedder, cache: cache, log: log, batchSize: batchSize}
}

// AddTextToIndex embeds text (using the cache when possible) and adds the
// resulting vector to userID's index under metadata.
func (m *Manager) AddTextToIndex(ctx context.Context, userID, text string, metadata map[string]string) (uint32, error) {
	if text == "" {
		return 0, merrors.Wrap("add_text_to_index", merrors.KindValidation, providers.ErrEmptyText)
	}

	vector, ok := m.cache.Get(text)
	if !ok {
		var err error
		vector, err = m.embedder.Embed(ctx, text)
		if err != nil {
			return 0, merrors.Wrap("add_text_to_index", merrors.KindRateLimit, err)
		}
		m.cache.Put(text, vector)
	}

	return m.index.AddVector(ctx, userID, vector, metadata)
}

// SearchSimilarTexts embeds query and returns the k nearest vectors in
// userID's index, filtered by metadata if filter is non-empty.
func (m *Manager) SearchSimilarTexts(ctx context.Context, userID, query string, k int, filter map[string]string) ([]hnswindex.SearchResult, error) {
	if query == "" {
		return nil, merrors.Wrap("search_similar_texts", merrors.KindValidation, merrors.ErrEmptyQuery)
	}

	vector, ok := m.cache.Get(query)
	if !ok {
		var err error
		vector, err = m.embedder.Embed(ctx, query)
		if err != nil {
			return nil, merrors.Wrap("search_similar_texts", merrors.KindRateLimit, err)
		}
		m.cache.Put(query, vector)
	}

	return m.index.SearchVectors(ctx, userID, vector, k, filter)
}

// AddTextsBatch adds every text in texts to userID's index, retrying a
// text that the embedder rejects for rate limiting up to two more times
// (three attempts in all, waiting as addWithBackoff describes), and
// otherwise recording the individual failure without aborting the rest of
// the batch.
func (m *Manager) AddTextsBatch(ctx context.Context, userID string, texts []string, metadataFor func(i int) map[string]string) []BatchAddResult {
	results := make([]BatchAddResult, len(texts))

	for i, text := range texts {
		select {
		case <-ctx.Done():
			results[i] = BatchAddResult{Text: text, Err: ctx.Err()}
			continue
		default:
		}

		var metadata map[string]string
		if metadataFor != nil {
			metadata = metadataFor(i)
		}

		vectorID, err := m.addWithBackoff(ctx, userID, text, metadata)
		results[i] = BatchAddResult{Text: text, VectorID: vectorID, Err: err}
	}
	return results
}

// addWithBackoff retries a rate-limited embed/index call, pausing for the
// duration the provider itself reports via providers.RateLimitError.
// Providers that only return the bare providers.ErrRateLimited (no
// announced retry-after) fall back to a fixed, doubling backoff.
func (m *Manager) addWithBackoff(ctx context.Context, userID, text string, metadata map[string]string) (uint32, error) {
	const maxAttempts = 3
	fallback := 200 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		vectorID, err := m.AddTextToIndex(ctx, userID, text, metadata)
		if err == nil {
			return vectorID, nil
		}
		lastErr = err
		if !errors.Is(err, providers.ErrRateLimited) {
			return 0, err
		}

		wait := fallback
		var rateLimitErr *providers.RateLimitError
		if errors.As(err, &rateLimitErr) {
			wait = rateLimitErr.RetryAfter
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
		fallback *= 2
	}
	return 0, lastErr
}

// ForceFlushUser flushes userID's pending vector writes immediately.
func (m *Manager) ForceFlushUser(ctx context.Context, userID string) error {
	return m.index.ForceFlush(ctx, userID)
}

// ClearUserData removes userID's index entirely.
func (m *Manager) ClearUserData(ctx context.Context, userID string) error {
	return m.index.ClearUserIndex(ctx, userID)
}
