package providers

import (
	"context"
	"errors"
	"testing"
)

func TestDeterministicEmbedder_SameTextSameVector(t *testing.T) {
	e := NewDeterministicEmbedder(16, 0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := e.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected identical vectors for identical text, differed at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestDeterministicEmbedder_RateLimitedReturnsRetryAfter(t *testing.T) {
	e := NewDeterministicEmbedder(8, 60) // 1 token/sec, burst 60
	ctx := context.Background()

	// Drain the burst capacity.
	for i := 0; i < 60; i++ {
		if _, err := e.Embed(ctx, "text"); err != nil {
			t.Fatalf("Embed %d: unexpected error before exhaustion: %v", i, err)
		}
	}

	_, err := e.Embed(ctx, "one too many")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	if rl.RetryAfter <= 0 {
		t.Fatalf("expected a positive RetryAfter, got %v", rl.RetryAfter)
	}
}

func TestDeterministicEmbedder_EmptyTextRejected(t *testing.T) {
	e := NewDeterministicEmbedder(8, 0)
	if _, err := e.Embed(context.Background(), ""); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}
