package hlogkv

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Store is the top-level hybrid-log key/value store tying together the
// device, epoch manager, page buffer, allocator, hash index, operation
// engine, and checkpoint coordinator. K/V/In/Out/Ctx are fixed by the
// Functions passed to Open.
type Store[K comparable, V any, In any, Out any, Ctx any] struct {
	cfg    Config
	fns    Functions[K, V, In, Out, Ctx]
	device Device
	epoch  *epochManager
	idx    *index
	alloc  *allocator
	ckpt   *checkpointCoordinator[K, V, In, Out, Ctx]

	closed atomic.Bool

	sessMu   sync.Mutex
	sessions map[int]*Session[K, V, In, Out, Ctx]
}

// Open constructs a Store backed by a file device rooted at
// cfg.DataDir, replaying any prior checkpoint found there. Use
// OpenMemory to substitute an in-memory device for tests.
func Open[K comparable, V any, In any, Out any, Ctx any](cfg Config, fns Functions[K, V, In, Out, Ctx]) (*Store[K, V, In, Out, Ctx], error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	device, err := newFileDevice(cfg.DataDir, cfg.PageBits, cfg.SegmentBits)
	if err != nil {
		return nil, err
	}

	return openWithDevice(cfg, fns, device)
}

// OpenMemory constructs a Store backed by an in-memory Device; useful
// for tests where durability across process restarts is not required.
func OpenMemory[K comparable, V any, In any, Out any, Ctx any](cfg Config, fns Functions[K, V, In, Out, Ctx]) (*Store[K, V, In, Out, Ctx], error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	device := newMemDevice(1 << cfg.PageBits)

	return openWithDevice(cfg, fns, device)
}

func openWithDevice[K comparable, V any, In any, Out any, Ctx any](cfg Config, fns Functions[K, V, In, Out, Ctx], device Device) (*Store[K, V, In, Out, Ctx], error) {
	if err := fns.validate(); err != nil {
		return nil, err
	}

	epoch := newEpochManager(cfg.MaxSessions)

	alloc, err := newAllocator(cfg, device, epoch)
	if err != nil {
		return nil, err
	}

	idx := newIndex(cfg.numBucketsPow2(), 4)

	s := &Store[K, V, In, Out, Ctx]{
		cfg:      cfg,
		fns:      fns,
		device:   device,
		epoch:    epoch,
		idx:      idx,
		alloc:    alloc,
		sessions: make(map[int]*Session[K, V, In, Out, Ctx]),
	}
	s.ckpt = newCheckpointCoordinator(s)

	if err := recoverStore(s); err != nil {
		return nil, fmt.Errorf("hlogkv: recovery: %w", err)
	}

	return s, nil
}

// StartSession registers a new Session bound to a fixed epoch-table
// slot. The caller must Dispose it when done.
func (s *Store[K, V, In, Out, Ctx]) StartSession() (*Session[K, V, In, Out, Ctx], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	slot, ok := s.epoch.acquireSlot()
	if !ok {
		return nil, fmt.Errorf("hlogkv: session table full (MaxSessions=%d)", s.cfg.MaxSessions)
	}

	sess := &Session[K, V, In, Out, Ctx]{
		store: s,
		slot:  slot,
	}

	s.sessMu.Lock()
	s.sessions[slot] = sess
	s.sessMu.Unlock()

	return sess, nil
}

func (s *Store[K, V, In, Out, Ctx]) removeSession(slot int) {
	s.sessMu.Lock()
	delete(s.sessions, slot)
	s.sessMu.Unlock()
	s.epoch.releaseSlot(slot)
}

// Faulted reports the store's fatal error, if any: once set, it
// poisons every subsequent operation on the store.
func (s *Store[K, V, In, Out, Ctx]) Faulted() error {
	return s.alloc.Faulted()
}

func (s *Store[K, V, In, Out, Ctx]) checkFault() error {
	if err := s.alloc.Faulted(); err != nil {
		return newStoreError("op", 0, fmt.Errorf("%w: %w", ErrStoreFaulted, err))
	}

	return nil
}

// Checkpoint requests an asynchronous checkpoint and blocks until it
// reaches REST. See checkpoint.go for the phase machine.
func (s *Store[K, V, In, Out, Ctx]) Checkpoint() (CheckpointID, error) {
	if err := s.checkFault(); err != nil {
		return CheckpointID{}, err
	}

	return s.ckpt.Run()
}

// Close flushes the mutable region, waits for outstanding flushes, and
// releases the device and page buffer. Sessions must be disposed first.
func (s *Store[K, V, In, Out, Ctx]) Close() error {
	s.sessMu.Lock()
	n := len(s.sessions)
	s.sessMu.Unlock()

	if n > 0 {
		return fmt.Errorf("hlogkv: Close called with %d sessions still open", n)
	}

	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	return s.alloc.Close()
}
