package hnswindex

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/nervestack/memvault/pkg/merrors"
	"github.com/nervestack/memvault/pkg/storekv"
)

// snapshotEnvelope is the gob-encoded payload stored under a content
// address in the BlobStore. The graph itself is encoded through its own
// Save/Load (a nested gob stream) so its wire shape stays independent of
// the envelope wrapping it.
type snapshotEnvelope struct {
	Dimension    int
	SpaceType    SpaceType
	NextVectorID uint32
	GraphBytes   []byte
	Metadata     map[uint32]map[string]string
}

func (ui *userIndex) encodeSnapshot() ([]byte, error) {
	var graphBuf bytes.Buffer
	if err := ui.graph.Save(&graphBuf); err != nil {
		return nil, err
	}

	env := snapshotEnvelope{
		Dimension:    ui.dimension,
		SpaceType:    ui.spaceType,
		NextVectorID: ui.nextVectorID,
		GraphBytes:   graphBuf.Bytes(),
		Metadata:     ui.metadata,
	}

	var out bytes.Buffer
	if err := gob.NewEncoder(&out).Encode(env); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decodeSnapshot(data []byte, cfg Config) (*userIndex, error) {
	var env snapshotEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, err
	}

	ui := &userIndex{
		dimension:  env.Dimension,
		spaceType:  env.SpaceType,
		pending:    make(map[uint32]pendingPoint),
		tombstoned: make(map[uint32]bool),
		metadata:   env.Metadata,
	}
	if ui.metadata == nil {
		ui.metadata = make(map[uint32]map[string]string)
	}
	ui.nextVectorID = env.NextVectorID
	ui.graph = NewGraph(cfg.M, cfg.EfConstruction, cfg.RandomSeed, env.SpaceType.distFunc())
	if err := ui.graph.Load(bytes.NewReader(env.GraphBytes)); err != nil {
		return nil, err
	}
	ui.graph.DistFunc = env.SpaceType.distFunc()
	return ui, nil
}

// loadFromStorage resolves userID's current blob id through the
// KeyedStore, fetches it from the BlobStore, and decodes it. Returns a
// wrapped ErrNotFound if the user has never been persisted.
func (s *Service) loadFromStorage(ctx context.Context, userID string) (*userIndex, error) {
	blobIDBytes, version, err := s.kv.Get(ctx, storekv.NamespaceIndices, userID)
	if err != nil {
		return nil, err
	}

	data, err := s.blobs.Get(ctx, string(blobIDBytes))
	if err != nil {
		return nil, merrors.Wrap("load_index", merrors.KindStorage, err)
	}

	ui, err := decodeSnapshot(data, s.cfg)
	if err != nil {
		return nil, merrors.Wrap("load_index", merrors.KindIndex, err)
	}
	ui.version = version
	return ui, nil
}

// saveSnapshot encodes ui's current state and writes it through the
// BlobStore, then updates the KeyedStore ref to point at the new blob,
// compare-and-swapping on the version the caller last observed.
func (s *Service) saveSnapshot(ctx context.Context, userID string, ui *userIndex) error {
	ui.mu.RLock()
	data, err := ui.encodeSnapshot()
	expectedVersion := ui.version
	ui.mu.RUnlock()
	if err != nil {
		return merrors.Wrap("save_index", merrors.KindIndex, err)
	}

	blobID, err := s.blobs.Put(ctx, data)
	if err != nil {
		return merrors.Wrap("save_index", merrors.KindStorage, err)
	}

	newVersion, err := s.kv.Put(ctx, storekv.NamespaceIndices, userID, []byte(blobID), expectedVersion)
	if err != nil {
		return merrors.Wrap("save_index", merrors.KindStorage, err)
	}

	ui.mu.Lock()
	ui.version = newVersion
	ui.mu.Unlock()
	return nil
}
