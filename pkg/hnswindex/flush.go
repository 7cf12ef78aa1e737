package hnswindex

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strconv"
	"time"

	"github.com/nervestack/memvault/internal/encoding"
	"github.com/nervestack/memvault/pkg/merrors"
	"github.com/nervestack/memvault/pkg/storekv"
)

// flushLoop is the single background goroutine a Service owns. It wakes on
// a fixed tick (half the configured batch delay) and flushes any user
// whose oldest pending write has aged past BatchDelay. Overflow-triggered
// flushes happen synchronously in AddVector and don't wait for this loop.
func (s *Service) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickDur)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepAged()
		}
	}
}

func (s *Service) sweepAged() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.users.Range(func(key, value any) bool {
		userID := key.(string)
		ui := value.(*userIndex)

		ui.mu.RLock()
		due := len(ui.pending) > 0 && time.Since(ui.oldestAdd) >= s.cfg.BatchDelay
		ui.mu.RUnlock()

		if due {
			if err := s.flushUser(ctx, userID, ui); err != nil {
				s.log.Warn("flush_loop: flush failed", "user_id", userID, "err", err)
			}
		}
		return true
	})
}

// flushUser folds ui's pending buffer into its graph (skipping anything
// tombstoned while still pending) and persists the result. The pending
// buffer is only cleared after a successful save, so a storage failure
// leaves writes durable in memory and eligible for retry on the next tick.
func (s *Service) flushUser(ctx context.Context, userID string, ui *userIndex) error {
	ui.flushMu.Lock()
	defer ui.flushMu.Unlock()

	ui.mu.Lock()
	if len(ui.pending) == 0 {
		ui.mu.Unlock()
		return nil
	}
	order := append([]uint32(nil), ui.pendingOrder...)
	batch := make([]pendingPoint, len(order))
	skip := make([]bool, len(order))
	for i, vid := range order {
		if ui.tombstoned[vid] {
			skip[i] = true
			continue
		}
		pp, ok := ui.pending[vid]
		if !ok {
			skip[i] = true
			continue
		}
		batch[i] = pp
	}
	ui.mu.Unlock()

	inserted := make(map[uint32]map[string]string, len(order))
	for i, vid := range order {
		if skip[i] {
			continue
		}
		if err := ui.graph.Insert(strconv.FormatUint(uint64(vid), 10), batch[i].vector); err != nil {
			s.log.Warn("flush_user: insert failed", "user_id", userID, "vector_id", vid, "err", err)
			continue
		}
		if batch[i].metadata != nil {
			inserted[vid] = batch[i].metadata
		}
		if err := s.saveVectorSidecar(ctx, userID, vid, batch[i].vector, batch[i].metadata); err != nil {
			// The sidecar row is a durable per-vector record independent of
			// the snapshot blob; losing one doesn't affect search, which
			// reads through the graph, so this is logged and not fatal.
			s.log.Warn("flush_user: sidecar write failed", "user_id", userID, "vector_id", vid, "err", err)
		}
	}

	ui.mu.Lock()
	for vid, md := range inserted {
		ui.metadata[vid] = md
	}
	ui.mu.Unlock()

	if err := s.saveSnapshot(ctx, userID, ui); err != nil {
		return merrors.Wrap("flush_user", merrors.KindStorage, err)
	}

	ui.mu.Lock()
	for _, vid := range order {
		delete(ui.pending, vid)
		delete(ui.tombstoned, vid)
	}
	ui.pendingOrder = ui.pendingOrder[len(order):]
	ui.mu.Unlock()

	return nil
}

// sidecarKey is the NamespaceVectors key for one user's vector: a durable
// per-vector row that survives independently of the snapshot blob.
func sidecarKey(userID string, vectorID uint32) string {
	return fmt.Sprintf("%s/%d", userID, vectorID)
}

func (s *Service) saveVectorSidecar(ctx context.Context, userID string, vectorID uint32, vector []float32, metadata map[string]string) error {
	encodedVector, err := encoding.EncodeVector(vector)
	if err != nil {
		return merrors.Wrap("save_vector_sidecar", merrors.KindIndex, err)
	}
	encodedMetadata, err := encoding.EncodeMetadata(metadata)
	if err != nil {
		return merrors.Wrap("save_vector_sidecar", merrors.KindIndex, err)
	}

	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(vectorSidecar{Vector: encodedVector, Metadata: encodedMetadata}); err != nil {
		return merrors.Wrap("save_vector_sidecar", merrors.KindIndex, err)
	}

	_, err = s.kv.Put(ctx, storekv.NamespaceVectors, sidecarKey(userID, vectorID), payload.Bytes(), 0)
	if err != nil {
		return merrors.Wrap("save_vector_sidecar", merrors.KindStorage, err)
	}
	return nil
}

func (s *Service) deleteVectorSidecar(ctx context.Context, userID string, vectorID uint32) error {
	if err := s.kv.Delete(ctx, storekv.NamespaceVectors, sidecarKey(userID, vectorID)); err != nil {
		return merrors.Wrap("delete_vector_sidecar", merrors.KindStorage, err)
	}
	return nil
}

// vectorSidecar is the gob envelope wrapping one NamespaceVectors row:
// the raw little-endian vector bytes and JSON metadata, both encoded
// through internal/encoding so the wire format matches what a future
// out-of-process reader of the same KeyedStore file would expect.
type vectorSidecar struct {
	Vector   []byte
	Metadata string
}
