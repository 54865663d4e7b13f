package hlogkv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	natefinchatomic "github.com/natefinch/atomic"
)

// checkpointPhase is the checkpoint coordinator's phase machine:
//
//	REST -> PREPARE -> IN_PROGRESS -> WAIT_FLUSH -> PERSISTENCE_CALLBACK -> REST
//
// There is no WAIT_PENDING phase: PREPARE bumps the global epoch and
// the cut is taken right after, without waiting for sessions to
// Refresh or for in-flight session operations to drain.
type checkpointPhase int32

const (
	phaseRest checkpointPhase = iota
	phasePrepare
	phaseInProgress
	phaseWaitFlush
	phasePersistenceCallback
)

// checkpointCoordinator drives a full fuzzy/snapshot checkpoint cycle.
// Durable writes (metadata, index snapshot, the current-checkpoint
// pointer file) all go through github.com/natefinch/atomic, which
// handles the temp-file-then-rename sequence so a crash mid-write never
// leaves a half-written file at the final path.
type checkpointCoordinator[K comparable, V any, In any, Out any, Ctx any] struct {
	store *Store[K, V, In, Out, Ctx]

	mu      sync.Mutex
	phase   atomic.Int32
	nextSeq atomic.Uint64
}

func newCheckpointCoordinator[K comparable, V any, In any, Out any, Ctx any](s *Store[K, V, In, Out, Ctx]) *checkpointCoordinator[K, V, In, Out, Ctx] {
	return &checkpointCoordinator[K, V, In, Out, Ctx]{store: s}
}

func (c *checkpointCoordinator[K, V, In, Out, Ctx]) Phase() checkpointPhase {
	return checkpointPhase(c.phase.Load())
}

// Run executes one full checkpoint cycle and returns its ID once
// durable. Only one checkpoint may be in flight at a time.
func (c *checkpointCoordinator[K, V, In, Out, Ctx]) Run() (CheckpointID, error) {
	if !c.mu.TryLock() {
		return CheckpointID{}, ErrCheckpointInProgress
	}
	defer c.mu.Unlock()

	st := c.store

	c.phase.Store(int32(phasePrepare))
	st.epoch.BumpEpoch(nil)

	c.phase.Store(int32(phaseInProgress))
	cut := st.alloc.bounds.Tail()

	var flushErr error
	var once sync.Once

	st.alloc.ShiftReadOnlyAddress(cut, func(_ LogicalAddress, err error) {
		if err != nil {
			once.Do(func() { flushErr = err })
		}
	})

	c.phase.Store(int32(phaseWaitFlush))
	st.alloc.flushed.WaitUntilFlushed()

	if flushErr != nil {
		return CheckpointID{}, flushErr
	}

	if err := st.device.Sync(); err != nil {
		return CheckpointID{}, newStoreError("Checkpoint", cut, ErrDeviceIO)
	}

	id := CheckpointID{Seq: c.nextSeq.Add(1)}

	c.phase.Store(int32(phasePersistenceCallback))
	if err := c.persist(id, cut); err != nil {
		return CheckpointID{}, err
	}

	c.phase.Store(int32(phaseRest))

	return id, nil
}

func (c *checkpointCoordinator[K, V, In, Out, Ctx]) persist(id CheckpointID, cut LogicalAddress) error {
	st := c.store

	indexPath := filepath.Join(st.cfg.DataDir, "index."+id.String())
	if err := writeIndexSnapshot(st.idx, indexPath); err != nil {
		return fmt.Errorf("hlogkv: write index snapshot: %w", err)
	}

	meta := checkpointMetadata{
		Kind:          st.cfg.CheckpointKind,
		Cut:           cut,
		Begin:         st.alloc.bounds.Begin(),
		IndexSnapshot: id.Seq,
	}

	metaPath := filepath.Join(st.cfg.DataDir, "checkpoint."+id.String())
	if err := natefinchatomic.WriteFile(metaPath, bytes.NewReader(encodeMetadata(meta))); err != nil {
		return fmt.Errorf("hlogkv: write checkpoint metadata: %w", err)
	}

	currentPath := filepath.Join(st.cfg.DataDir, "checkpoint.current")
	if err := natefinchatomic.WriteFile(currentPath, bytes.NewReader([]byte(id.String()))); err != nil {
		return fmt.Errorf("hlogkv: write checkpoint pointer: %w", err)
	}

	return nil
}

// writeIndexSnapshot serializes every live (non-empty, non-tentative)
// slot across the index's bucket chains to path, via an atomic rename
// so a reader never observes a half-written snapshot.
func writeIndexSnapshot(idx *index, path string) error {
	var buf bytes.Buffer

	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(idx.buckets)))
	buf.Write(hdr[:])

	for i := range idx.buckets {
		idx.chain(uint64(i), func(b *bucket) bool {
			for s := 0; s < entrySlots; s++ {
				v := b.slots[s].Load()
				if v == 0 || entryIsLink(v) || entryIsTentative(v) {
					continue
				}

				var rec [12]byte
				binary.LittleEndian.PutUint64(rec[0:8], uint64(i))
				binary.LittleEndian.PutUint32(rec[8:12], uint32(entryTag(v)))
				buf.Write(rec[:])

				var addrBuf [8]byte
				binary.LittleEndian.PutUint64(addrBuf[:], uint64(entryAddr(v)))
				buf.Write(addrBuf[:])
			}

			return false
		})
	}

	return natefinchatomic.WriteFile(path, bytes.NewReader(buf.Bytes()))
}

// loadIndexSnapshot rebuilds idx's slots from a file written by
// writeIndexSnapshot. idx must already be sized (newIndex) with the
// same bucket count recorded in the snapshot header.
func loadIndexSnapshot(idx *index, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	if len(raw) < 8 {
		return fmt.Errorf("%w: index snapshot truncated", ErrCorruptedMetadata)
	}

	numBuckets := binary.LittleEndian.Uint64(raw[0:8])
	if numBuckets != uint64(len(idx.buckets)) {
		return fmt.Errorf("%w: index snapshot bucket count %d != %d", ErrCorruptedMetadata, numBuckets, len(idx.buckets))
	}

	rest := raw[8:]
	const recSize = 20

	if len(rest)%recSize != 0 {
		return fmt.Errorf("%w: index snapshot record misalignment", ErrCorruptedMetadata)
	}

	for off := 0; off+recSize <= len(rest); off += recSize {
		bucketIdx := binary.LittleEndian.Uint64(rest[off : off+8])
		tag := uint16(binary.LittleEndian.Uint32(rest[off+8 : off+12]))
		addr := LogicalAddress(binary.LittleEndian.Uint64(rest[off+12 : off+20]))

		h := bucketIdx | uint64(tag)<<32
		ref, err := idx.TryInsertTentative(h, addr)
		if err != nil {
			return fmt.Errorf("hlogkv: restore index slot: %w", err)
		}

		ref.ClearTentative(addr, tag)
	}

	return nil
}
