package hlogkv

import "errors"

// Device is the storage abstraction the allocator flushes pages
// through and reads cold pages back from. Implementations are
// goroutine-safe for concurrent WritePage/ReadPage calls at disjoint
// page indices.
//
// memDevice and fileDevice are the two implementations: an in-memory
// one for tests and a durable one backed by segment files.
type Device interface {
	// WritePage writes buf (exactly one page) to pageIndex and invokes
	// done once the write has completed or failed. The write is durable
	// only after a later Sync. done may be called synchronously or from
	// another goroutine.
	WritePage(pageIndex uint64, buf []byte, done func(error))

	// ReadPage reads exactly one page into buf from pageIndex and invokes
	// done once complete. buf must be len() == the device's page size.
	ReadPage(pageIndex uint64, buf []byte, done func(error))

	// TruncateBelow discards any storage for pages strictly below
	// belowPage. Used after ShiftBeginAddress crosses a segment
	// boundary.
	TruncateBelow(belowPage uint64) error

	// Sync forces any buffered writes to stable storage.
	Sync() error

	Close() error
}

// ErrShortReadWrite is returned (wrapped) when a device performs a
// partial page transfer, which the hybrid log protocol treats as a
// fatal device failure rather than something to retry piecemeal.
var ErrShortReadWrite = errors.New("hlogkv: short read/write on device")
