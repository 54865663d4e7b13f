package hlogkv

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by store operations.
//
// Callers should use [errors.Is] to classify errors:
//
//	v, found, err := sess.Read(k, ctx)
//	if errors.Is(err, hlogkv.ErrStoreFaulted) {
//	    // the store hit a fatal error; Close it and recreate
//	}
var (
	// ErrNotFound indicates the key has no live record (or was tombstoned).
	//
	// Not a fault: this is the normal "miss" outcome of Read.
	ErrNotFound = errors.New("hlogkv: not found")

	// ErrKeyExists names the "key already has a live record" outcome of
	// an insert-only write. No operation in this package returns it:
	// Upsert has no insert-only mode and always overwrites.
	//
	// Not a fault.
	ErrKeyExists = errors.New("hlogkv: key exists")

	// ErrNeedsRefresh indicates the allocator could not make progress
	// because the tail has caught up to the head (buffer full).
	//
	// Recovery: call [Session.Refresh] (or [Session.CompletePending]) to
	// run a boundary-maintenance pass (advancing ReadOnlyAddress and
	// HeadAddress) and give outstanding flushes a chance to land, then
	// retry. The engine's internal retry loop absorbs this for ordinary
	// [Session.Upsert] / [Session.RMW] callers, and returns it only after
	// 64 refresh-and-retry attempts fail; it is exported because callers
	// of the allocator's own Allocate (e.g. tests driving the allocator
	// directly) need to see it.
	ErrNeedsRefresh = errors.New("hlogkv: needs refresh")

	// ErrPending indicates the operation requires a device read and has
	// been queued; the caller must drain it via [Session.CompletePending].
	ErrPending = errors.New("hlogkv: pending i/o")

	// ErrIndexSaturated indicates the hash index has no empty slot (and no
	// spill capacity) for a new key. The index is fixed-size at
	// construction (see [Config.NumBuckets]); this is a fatal, store-wide
	// condition, not a per-key retry.
	//
	// Recovery: none within this store instance. Recreate with a larger
	// NumBuckets.
	ErrIndexSaturated = errors.New("hlogkv: hash index saturated")

	// ErrAddressOutOfRange indicates a logical address fell outside
	// [BeginAddress, TailAddress) when it should not have.
	//
	// This indicates a bug or on-disk corruption, not a transient
	// condition.
	ErrAddressOutOfRange = errors.New("hlogkv: address out of range")

	// ErrDeviceIO indicates a device read or write failed. Failed
	// operations are not retried.
	//
	// A failed page flush is fatal: the store is marked faulted (see
	// [ErrStoreFaulted]). A failed device read for a pending Read or RMW
	// is reported only to that operation and does not fault the store.
	ErrDeviceIO = errors.New("hlogkv: device i/o failure")

	// ErrCorruptedMetadata indicates a checkpoint metadata or index
	// snapshot file failed its checksum or failed to parse.
	//
	// Fatal during recovery: the caller must fall back to an older
	// checkpoint or a full log scan.
	ErrCorruptedMetadata = errors.New("hlogkv: corrupted metadata")

	// ErrStoreFaulted indicates a prior fatal error poisoned the store.
	// Every operation after a fatal error returns this, wrapped together
	// with the original cause so [errors.Is] matches either one.
	//
	// Recovery: [Store.Close] and reopen from the last good checkpoint.
	ErrStoreFaulted = errors.New("hlogkv: store faulted")

	// ErrPendingOnClose indicates [Session.Dispose] was called while
	// pending operations remained queued and the caller had most recently
	// called CompletePending(false) (non-blocking).
	//
	// Recovery: call [Session.CompletePending] with wait=true before
	// Dispose, or accept that queued callbacks will not fire.
	ErrPendingOnClose = errors.New("hlogkv: pending operations on close")

	// ErrCheckpointInProgress indicates a checkpoint was requested while
	// another checkpoint had not yet reached REST.
	ErrCheckpointInProgress = errors.New("hlogkv: checkpoint in progress")

	// ErrClosed indicates an operation was attempted on a closed
	// [Store] or [Session].
	ErrClosed = errors.New("hlogkv: closed")
)

// StoreError adds operation and address context to a fatal error.
//
// It wraps the underlying sentinel (ErrDeviceIO, ErrCorruptedMetadata,
// ...) so errors.Is/As still classify it correctly.
type StoreError struct {
	Op   string        // e.g. "Allocate", "Read", "flush"
	Addr LogicalAddress // 0 if not applicable
	Err  error
}

func (e *StoreError) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("hlogkv: %s at address %d: %v", e.Op, e.Addr, e.Err)
	}

	return fmt.Sprintf("hlogkv: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func newStoreError(op string, addr LogicalAddress, err error) *StoreError {
	return &StoreError{Op: op, Addr: addr, Err: err}
}
