// Package merrors is the shared error-kind vocabulary used by every
// memvault service package. It lives below the root package so that
// pkg/hnswindex, pkg/vectormanager, pkg/graphmodel, pkg/knowledge, and
// pkg/storekv can all wrap errors the same way without importing the root
// package (which imports them).
package merrors

import (
	"errors"
	"fmt"
)

// Kind classifies a MemvaultError by its recovery behavior, not its
// message, so callers can errors.Is/errors.As against a stable value
// instead of string-matching.
type Kind int

const (
	// KindValidation marks a bad-shape/bad-dimension error. Fatal to the
	// call; never retried.
	KindValidation Kind = iota
	// KindRateLimit marks an embedding-provider rate-limit rejection.
	// Propagated with a retry-after; retried with backoff by the caller.
	KindRateLimit
	// KindTimeout marks a deadline expiry or transport-level failure from
	// storage or the extractor. Retried on the next tick; in-memory state
	// is left untouched.
	KindTimeout
	// KindStorage marks a persistence failure surfaced after retries are
	// exhausted. The in-memory structure remains authoritative.
	KindStorage
	// KindIndex marks index corruption or an internal invariant violation.
	// The affected user's cache must be cleared and rebuilt.
	KindIndex
	// KindSearch marks a search-time failure (e.g. no index exists and
	// none can be loaded).
	KindSearch
	// KindExtraction marks a GraphExtractor failure. Logged and treated as
	// an empty, zero-confidence result; never fails memory ingestion.
	KindExtraction
)

// String returns the human-readable name of the error kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindStorage:
		return "storage"
	case KindIndex:
		return "index"
	case KindSearch:
		return "search"
	case KindExtraction:
		return "extraction"
	default:
		return "unknown"
	}
}

// Sentinel errors for errors.Is comparisons against common failure shapes.
var (
	ErrInvalidDimension = errors.New("invalid vector dimension")
	ErrNotFound         = errors.New("not found")
	ErrInvalidVector    = errors.New("invalid vector data")
	ErrEmptyQuery       = errors.New("empty query vector")
	ErrNoIndex          = errors.New("no index for user")
	ErrClosed           = errors.New("memvault: closed")
)

// MemvaultError wraps an underlying error with the operation that produced
// it and a Kind describing how a caller should react to it.
type MemvaultError struct {
	Op   string // operation name, e.g. "search_vectors"
	Kind Kind
	Err  error
}

// Error implements the error interface. It never includes anything beyond
// the operation name and the wrapped message — no internal identifiers
// other than blob ids and user ids that the caller already supplied.
func (e *MemvaultError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("memvault: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("memvault: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *MemvaultError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target, delegating to the wrapped error.
func (e *MemvaultError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// Wrap wraps err with an operation name and a recovery Kind. Returns nil if
// err is nil so call sites can write `return merrors.Wrap(op, kind, err)`
// unconditionally.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &MemvaultError{Op: op, Kind: kind, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// *MemvaultError, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var me *MemvaultError
	if errors.As(err, &me) {
		return me.Kind, true
	}
	return 0, false
}
