// Package storekv implements the two persistence abstractions the rest of
// memvault is built on: a content-addressed BlobStore for large opaque
// payloads (index snapshots, graph snapshots) and a namespaced KeyedStore
// for small, frequently-overwritten records (the current blob id for each
// user's index, vector sidecar rows, memory-to-entity mappings).
package storekv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/nervestack/memvault/pkg/merrors"
)

// BlobStore persists opaque byte payloads under content-addressed ids.
// Two blobs with identical content always resolve to the same id, so
// writing the same snapshot twice is a no-op rather than a duplicate.
type BlobStore interface {
	// Put stores data and returns its blob id. Idempotent: calling Put
	// twice with the same bytes returns the same id without rewriting.
	Put(ctx context.Context, data []byte) (id string, err error)
	// Get returns the bytes previously stored under id.
	Get(ctx context.Context, id string) ([]byte, error)
	// Delete removes the blob. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// Has reports whether id is present without reading its payload.
	Has(ctx context.Context, id string) (bool, error)
}

func contentID(prefix string, data []byte) string {
	sum := sha256.Sum256(data)
	return prefix + hex.EncodeToString(sum[:])
}

// LocalBlobStore is a filesystem-backed BlobStore rooted at a base
// directory, used by the on-disk CLI and any long-lived deployment. Blob
// ids carry the "local_" prefix so a caller can tell at a glance which
// store produced a ref it's holding.
type LocalBlobStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewLocalBlobStore creates a LocalBlobStore rooted at baseDir, creating
// the directory if it does not already exist.
func NewLocalBlobStore(baseDir string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, merrors.Wrap("new_local_blob_store", merrors.KindStorage, err)
	}
	return &LocalBlobStore{baseDir: baseDir}, nil
}

func (s *LocalBlobStore) path(id string) string {
	return filepath.Join(s.baseDir, id)
}

// Put implements BlobStore.
func (s *LocalBlobStore) Put(_ context.Context, data []byte) (string, error) {
	id := contentID("local_", data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(id)); err == nil {
		return id, nil
	}
	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", merrors.Wrap("blob_put", merrors.KindStorage, err)
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		return "", merrors.Wrap("blob_put", merrors.KindStorage, err)
	}
	return id, nil
}

// Get implements BlobStore.
func (s *LocalBlobStore) Get(_ context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, merrors.Wrap("blob_get", merrors.KindStorage, merrors.ErrNotFound)
	}
	if err != nil {
		return nil, merrors.Wrap("blob_get", merrors.KindStorage, err)
	}
	return data, nil
}

// Delete implements BlobStore.
func (s *LocalBlobStore) Delete(_ context.Context, id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return merrors.Wrap("blob_delete", merrors.KindStorage, err)
	}
	return nil
}

// Has implements BlobStore.
func (s *LocalBlobStore) Has(_ context.Context, id string) (bool, error) {
	_, err := os.Stat(s.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, merrors.Wrap("blob_has", merrors.KindStorage, err)
	}
	return true, nil
}

// DemoBlobStore is an in-memory BlobStore for demos and tests: no file
// handles, no cleanup, ids carry the "demo_" prefix so a demo ref is never
// mistaken for a durable one.
type DemoBlobStore struct {
	blobs sync.Map // id -> []byte
}

// NewDemoBlobStore returns an empty in-memory BlobStore.
func NewDemoBlobStore() *DemoBlobStore {
	return &DemoBlobStore{}
}

// Put implements BlobStore.
func (s *DemoBlobStore) Put(_ context.Context, data []byte) (string, error) {
	id := contentID("demo_", data)
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs.Store(id, cp)
	return id, nil
}

// Get implements BlobStore.
func (s *DemoBlobStore) Get(_ context.Context, id string) ([]byte, error) {
	v, ok := s.blobs.Load(id)
	if !ok {
		return nil, merrors.Wrap("blob_get", merrors.KindStorage, merrors.ErrNotFound)
	}
	return v.([]byte), nil
}

// Delete implements BlobStore.
func (s *DemoBlobStore) Delete(_ context.Context, id string) error {
	s.blobs.Delete(id)
	return nil
}

// Has implements BlobStore.
func (s *DemoBlobStore) Has(_ context.Context, id string) (bool, error) {
	_, ok := s.blobs.Load(id)
	return ok, nil
}

var _ BlobStore = (*LocalBlobStore)(nil)
var _ BlobStore = (*DemoBlobStore)(nil)
