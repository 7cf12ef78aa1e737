package memvault

import "github.com/nervestack/memvault/pkg/merrors"

// Kind classifies a MemvaultError by its recovery behavior. Aliased from
// pkg/merrors so every service package (which cannot import this root
// package without a cycle) shares the exact same vocabulary.
type Kind = merrors.Kind

const (
	KindValidation = merrors.KindValidation
	KindRateLimit  = merrors.KindRateLimit
	KindTimeout    = merrors.KindTimeout
	KindStorage    = merrors.KindStorage
	KindIndex      = merrors.KindIndex
	KindSearch     = merrors.KindSearch
	KindExtraction = merrors.KindExtraction
)

// Sentinel errors for errors.Is comparisons against common failure shapes.
var (
	ErrInvalidDimension = merrors.ErrInvalidDimension
	ErrNotFound         = merrors.ErrNotFound
	ErrInvalidVector    = merrors.ErrInvalidVector
	ErrEmptyQuery       = merrors.ErrEmptyQuery
	ErrNoIndex          = merrors.ErrNoIndex
	ErrClosed           = merrors.ErrClosed
)

// MemvaultError wraps an underlying error with the operation that produced
// it and a Kind describing how a caller should react to it.
type MemvaultError = merrors.MemvaultError

// KindOf returns the Kind of err if it (or something it wraps) is a
// *MemvaultError, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	return merrors.KindOf(err)
}
