package memvault

import "time"

// SpaceType selects the distance metric an HNSW index uses.
type SpaceType string

const (
	// SpaceCosine ranks by cosine distance (1 - cosine similarity).
	SpaceCosine SpaceType = "cosine"
	// SpaceL2 ranks by Euclidean distance.
	SpaceL2 SpaceType = "l2"
)

// EmbeddingConfig configures the EmbeddingProvider binding.
type EmbeddingConfig struct {
	// Model names which embedding backend is used. Informational; the
	// caller's EmbeddingProvider implementation decides what it means.
	Model string
	// Dimension is the vector length. MUST match IndexConfig.Dimension.
	Dimension int
	// RateLimitPerMinute is the embedding-provider token-bucket capacity.
	RateLimitPerMinute int
}

// DefaultEmbeddingConfig returns the package defaults (768-d, 60 req/min).
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Model:              "default",
		Dimension:          768,
		RateLimitPerMinute: 60,
	}
}

// IndexConfig tunes the per-user HNSW index.
type IndexConfig struct {
	Dimension      int
	MaxElements    int
	EfConstruction int
	EfSearch       int
	M              int
	RandomSeed     int64
	SpaceType      SpaceType
}

// DefaultIndexConfig returns the spec's enumerated HNSW defaults.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Dimension:      768,
		MaxElements:    10_000,
		EfConstruction: 200,
		EfSearch:       50,
		M:              16,
		RandomSeed:     42,
		SpaceType:      SpaceCosine,
	}
}

// BatchConfig tunes the pending-write buffer's flush and cache eviction
// behavior.
type BatchConfig struct {
	MaxBatchSize int
	BatchDelay   time.Duration
	MaxCacheSize int
	CacheTTL     time.Duration
}

// DefaultBatchConfig returns the spec's enumerated batch defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize: 50,
		BatchDelay:   5 * time.Second,
		MaxCacheSize: 100,
		CacheTTL:     30 * time.Minute,
	}
}

// GraphConfig tunes knowledge-graph extraction and traversal.
type GraphConfig struct {
	ConfidenceThreshold   float64
	DeduplicationThreshold float64
	MaxHops               int
}

// DefaultGraphConfig returns the spec's enumerated graph defaults.
func DefaultGraphConfig() GraphConfig {
	return GraphConfig{
		ConfidenceThreshold:    0.7,
		DeduplicationThreshold: 0.85,
		MaxHops:                3,
	}
}

// Config aggregates every tunable in the system's configuration surface
// (spec §6). Zero-value Config is not ready to use; call DefaultConfig and
// override individual fields.
type Config struct {
	Embedding EmbeddingConfig
	Index     IndexConfig
	Batch     BatchConfig
	Graph     GraphConfig
}

// DefaultConfig returns a Config populated with every component's defaults,
// with the embedding and index dimensions kept in sync.
func DefaultConfig() Config {
	return Config{
		Embedding: DefaultEmbeddingConfig(),
		Index:     DefaultIndexConfig(),
		Batch:     DefaultBatchConfig(),
		Graph:     DefaultGraphConfig(),
	}
}
