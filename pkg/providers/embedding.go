// Package providers holds the two pluggable collaborator interfaces the
// rest of memvault depends on — EmbeddingProvider and GraphExtractor — and
// a deterministic fallback implementation of each, so the system is fully
// exercisable without a network call to a real model.
package providers

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// EmbeddingProvider converts text into fixed-length vectors. Callers
// supply their own implementation (wrapping OpenAI, Ollama, a local
// model, ...); DeterministicEmbedder is the offline fallback used by the
// CLI's demo mode and by tests.
type EmbeddingProvider interface {
	// Embed converts a single text into a vector of Dim() length.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch converts multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dim returns the vector length this provider produces.
	Dim() int
}

// ErrEmptyText is returned when Embed/EmbedBatch is given an empty string.
var ErrEmptyText = errors.New("providers: empty text")

// ErrRateLimited is returned when a rate-limited provider rejects a call
// because its token bucket is empty.
var ErrRateLimited = errors.New("providers: rate limited")

// RateLimitError wraps ErrRateLimited with the duration the limiter
// itself reports the caller must wait before its next token is
// available, so a retrying caller can pause for exactly that long
// instead of guessing at a fixed backoff.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// DeterministicEmbedder is a hash-based EmbeddingProvider: the same text
// always maps to the same vector, with no external call and no model
// weights, so it's suitable for tests and for running the system with no
// real embedding backend configured. It is not a semantic embedding —
// only a stand-in that gives the rest of the system something real
// vectors to index and search over.
type DeterministicEmbedder struct {
	dim     int
	limiter *rate.Limiter
}

// NewDeterministicEmbedder returns an embedder producing dim-length
// vectors. ratePerMinute <= 0 disables rate limiting.
func NewDeterministicEmbedder(dim int, ratePerMinute int) *DeterministicEmbedder {
	var limiter *rate.Limiter
	if ratePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), ratePerMinute)
	}
	return &DeterministicEmbedder{dim: dim, limiter: limiter}
}

// Dim implements EmbeddingProvider.
func (e *DeterministicEmbedder) Dim() int {
	return e.dim
}

// Embed implements EmbeddingProvider.
func (e *DeterministicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if e.limiter != nil {
		r := e.limiter.Reserve()
		if !r.OK() {
			return nil, &RateLimitError{RetryAfter: time.Second}
		}
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			return nil, &RateLimitError{RetryAfter: delay}
		}
	}
	return hashEmbed(text, e.dim), nil
}

// EmbedBatch implements EmbeddingProvider, embedding each text in order
// and failing the whole call on the first error — matching the "partial
// failure surfaces as a single batch error, caller retries the remainder"
// contract the rest of the system expects from a batch embed call.
func (e *DeterministicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// hashEmbed derives a dim-length unit vector from text's FNV-1a hash,
// walking the hash bytes as a seed so short and long texts alike fill the
// whole vector rather than repeating a short pattern.
func hashEmbed(text string, dim int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dim)
	state := seed
	var norm float64
	for i := range vec {
		state = state*6364136223846793005 + 1442695040888963407 // LCG step
		val := float64(int64(state>>11)) / float64(1<<52)
		vec[i] = float32(val)
		norm += val * val
	}
	if norm == 0 {
		return vec
	}
	normFactor := float32(1.0 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= normFactor
	}
	return vec
}
