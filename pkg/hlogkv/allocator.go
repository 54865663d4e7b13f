package hlogkv

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// allocator is the hybrid log. It owns the four monotonic boundary
// addresses (Begin <= Head <= ReadOnly <= Tail), the in-memory page
// buffer, and the device pages get flushed to and read back from.
//
// Append-then-commit framing: records append to a growing log, with an
// explicit cut/commit point, adapted here from a single growable file
// to a ring of resident pages backed by a segmented device.
type allocator struct {
	pageBits    uint8
	pageSize    uint32
	pageSizeU64 uint64

	// numPages and mutableFraction mirror Config.numPages()/MutableFraction;
	// kept here so maintainBoundaries doesn't need to close over Config.
	numPages        int
	mutableFraction float64

	buf    *pageBuffer
	device Device
	epoch  *epochManager

	bounds boundaries

	// tailOffset is the byte offset within the current tail page that the
	// next Allocate call will use. Only ever touched while holding
	// allocMu, which serializes Allocate calls: lock-freedom is a
	// property of readers and the index, not the single tail writer
	// cursor.
	allocMu    sync.Mutex
	tailOffset uint32

	flushed flushTracker

	faulted atomic.Bool
	faultMu sync.Mutex
	fault   error
}

func newAllocator(cfg Config, device Device, epoch *epochManager) (*allocator, error) {
	buf, err := newPageBuffer(cfg.numPages(), cfg.PageBits)
	if err != nil {
		return nil, err
	}

	a := &allocator{
		pageBits:        cfg.PageBits,
		pageSize:        uint32(1) << cfg.PageBits,
		pageSizeU64:     uint64(1) << cfg.PageBits,
		numPages:        cfg.numPages(),
		mutableFraction: cfg.MutableFraction,
		buf:             buf,
		device:          device,
		epoch:           epoch,
	}
	a.flushed.a = a

	// Address 0 is reserved invalid, so the log starts at the first byte
	// of page 0's *second* slot conceptually: simplest is to start
	// Tail/Head/ReadOnly/Begin all at pageSize (start of page 1) and never
	// hand out address 0.
	start := LogicalAddress(a.pageSizeU64)
	a.bounds.begin.Store(start)
	a.bounds.head.Store(start)
	a.bounds.readOnly.Store(start)
	a.bounds.tail.Store(start)
	a.tailOffset = 0

	p := a.buf.bind(a.pageIndex(start))
	p.closedAtEpoch.Store(0)

	return a, nil
}

func (a *allocator) pageIndex(addr LogicalAddress) uint64 { return uint64(addr) >> a.pageBits }

func (a *allocator) offsetInPage(addr LogicalAddress) uint32 {
	return uint32(uint64(addr) & uint64(a.pageSize-1))
}

func (a *allocator) setFault(err error) {
	a.faultMu.Lock()
	if a.fault == nil {
		a.fault = err
	}
	a.faultMu.Unlock()
	a.faulted.Store(true)
}

func (a *allocator) Faulted() error {
	if !a.faulted.Load() {
		return nil
	}

	a.faultMu.Lock()
	defer a.faultMu.Unlock()

	return a.fault
}

// Allocate reserves space for a record of the given size and returns its
// logical address and a byte slice to write into. It never splits a
// record across a page boundary: if size doesn't fit in the current
// page's remaining space, it pads the rest of the page with an invalid
// record and moves to the next one.
//
// Returns ErrNeedsRefresh if the next page is not yet available (the
// buffer is full up to HeadAddress); the caller should drive epoch
// refresh / flush completion and retry. Every call, successful or not,
// runs a boundary-maintenance pass afterward so ReadOnlyAddress and
// HeadAddress keep advancing on their own instead of requiring an
// external caller to drive ShiftReadOnlyAddress/ShiftHeadAddress.
func (a *allocator) Allocate(size uint32) (LogicalAddress, []byte, error) {
	if err := a.Faulted(); err != nil {
		return 0, nil, newStoreError("Allocate", 0, err)
	}

	if size > a.pageSize-uint32(recordPrefixSize) {
		return 0, nil, fmt.Errorf("hlogkv: record of size %d exceeds page size %d", size, a.pageSize)
	}

	addr, buf, err := a.allocateLocked(size)

	a.maintainBoundaries()

	return addr, buf, err
}

func (a *allocator) allocateLocked(size uint32) (LogicalAddress, []byte, error) {
	a.allocMu.Lock()
	defer a.allocMu.Unlock()

	tail := a.bounds.tail.Load()
	pageIdx := a.pageIndex(tail)

	if a.tailOffset+size > a.pageSize {
		next, err := a.rollOverLocked(pageIdx, tail)
		if err != nil {
			return 0, nil, err
		}

		pageIdx = next
		tail = LogicalAddress(pageIdx << a.pageBits)
		a.tailOffset = 0
	}

	addr := LogicalAddress(pageIdx<<a.pageBits) + LogicalAddress(a.tailOffset)
	page := a.buf.GetPage(pageIdx)
	slice := page[a.tailOffset : a.tailOffset+size]

	a.tailOffset += size
	a.bounds.tail.Store(addr + LogicalAddress(size))

	return addr, slice, nil
}

// maintainBoundaries shifts ReadOnlyAddress forward to preserve
// MutableFraction of the resident span, then advances HeadAddress past
// whatever contiguous flushed prefix that shift has produced so far.
// Safe to call repeatedly and concurrently with Allocate; it never
// blocks on a flush, so callers loop (via the retry/epoch-refresh path
// already used for ErrNeedsRefresh) until the shifts it kicked off
// actually land.
func (a *allocator) maintainBoundaries() {
	a.shiftReadOnlyForMutableFraction()
	a.advanceHeadPastFlushed()
}

// shiftReadOnlyForMutableFraction keeps roughly MutableFraction of the
// resident page-buffer span mutable by trailing ReadOnlyAddress behind
// TailAddress. The target is rounded down to the start of its own page,
// which is never past the start of the tail page, so the page currently
// being written never gets closed out from under the writer.
func (a *allocator) shiftReadOnlyForMutableFraction() {
	if a.mutableFraction <= 0 || a.mutableFraction >= 1 {
		return
	}

	tail := a.bounds.Tail()
	capacity := uint64(a.numPages) * a.pageSizeU64
	mutableSpan := uint64(float64(capacity) * a.mutableFraction)

	if uint64(tail) <= mutableSpan {
		return
	}

	desired := LogicalAddress(uint64(tail) - mutableSpan)

	if begin := a.bounds.Begin(); desired < begin {
		desired = begin
	}

	desired = LogicalAddress(a.pageIndex(desired) << a.pageBits)

	if desired <= a.bounds.ReadOnly() {
		return
	}

	a.ShiftReadOnlyAddress(desired, nil)
}

// advanceHeadPastFlushed moves HeadAddress forward across every page,
// starting at the current head, that has already been written back to
// the device (pageFlushed), stopping at the first page that either
// isn't flushed yet or isn't resident at all.
//
// The page holding ReadOnlyAddress itself is never a candidate, even
// when it is already flushed: a fuzzy checkpoint can flush a page as a
// whole while only closing it up to a mid-page cut, leaving the bytes
// from the cut to the current tail offset still live and mutable.
// Evicting that page whole would discard them.
func (a *allocator) advanceHeadPastFlushed() {
	head := a.bounds.Head()
	readOnly := a.bounds.ReadOnly()

	if head >= readOnly {
		return
	}

	firstPage := a.pageIndex(head)
	lastPage := a.pageIndex(readOnly) - 1

	newHeadPage := firstPage
	for p := firstPage; p <= lastPage; p++ {
		slot := a.buf.slotFor(p)
		if slot.Index() != int64(p) || slot.State() != pageFlushed {
			break
		}

		newHeadPage = p + 1
	}

	if newHeadPage == firstPage {
		return
	}

	a.ShiftHeadAddress(LogicalAddress(newHeadPage << a.pageBits))
}

// rollOverLocked writes the invalid padding record over the rest of the
// current tail page and binds the next page if its slot is free (never
// bound, or evicted). It does not flush or evict anything itself: if the
// slot still holds an older page it returns ErrNeedsRefresh. Caller
// holds allocMu.
func (a *allocator) rollOverLocked(pageIdx uint64, tail LogicalAddress) (uint64, error) {
	curPage := a.buf.GetPage(pageIdx)
	if a.tailOffset < a.pageSize {
		binaryPutInvalidPad(curPage[a.tailOffset:])
	}

	nextIdx := pageIdx + 1
	nextBase := LogicalAddress(nextIdx << a.pageBits)

	slot := a.buf.slotFor(nextIdx)
	if slot.Index() == int64(nextIdx) && slot.State() != pageEvicted {
		// Already resident (shouldn't normally happen for a forward
		// roll-over, but tolerate it).
		a.bounds.tail.Store(nextBase)
		return nextIdx, nil
	}

	if slot.State() != pageEvicted && slot.State() != pageUnallocated {
		return 0, newStoreError("Allocate", tail, ErrNeedsRefresh)
	}

	a.buf.bind(nextIdx)
	a.bounds.tail.Store(nextBase)

	return nextIdx, nil
}

func binaryPutInvalidPad(buf []byte) {
	if len(buf) < recordHeaderSize {
		return
	}

	h := recordHeader{Invalid: true}
	putUint64(buf, h.encode())
}

func putUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// GetPhysical returns the bytes from addr to the end of its page if addr
// is currently resident in the page buffer (addr >= HeadAddress). Callers must hold
// an active epoch across use of the returned slice.
func (a *allocator) GetPhysical(addr LogicalAddress) ([]byte, bool) {
	if addr < a.bounds.head.Load() {
		return nil, false
	}

	pageIdx := a.pageIndex(addr)
	off := a.offsetInPage(addr)
	slot := a.buf.slotFor(pageIdx)

	if slot.Index() != int64(pageIdx) {
		return nil, false
	}

	return slot.buf[off:], true
}

// ShiftReadOnlyAddress moves the mutable/immutable boundary forward,
// closing every page it crosses for writes and submitting it for flush.
func (a *allocator) ShiftReadOnlyAddress(newRO LogicalAddress, onFlushed func(LogicalAddress, error)) {
	old := a.bounds.readOnly.Load()
	if !a.bounds.readOnly.advanceTo(newRO) {
		return
	}

	epoch := a.epoch.BumpEpoch(nil)

	firstPage := a.pageIndex(old)
	lastPage := a.pageIndex(newRO - 1)

	for p := firstPage; p <= lastPage; p++ {
		slot := a.buf.slotFor(p)
		if slot.Index() != int64(p) {
			continue
		}

		slot.setState(pageClosedForWrites)
		slot.closedAtEpoch.Store(epoch)
		a.submitFlush(p, onFlushed)
	}
}

// submitFlush writes the page to the device and, on completion, marks
// it Flushed. onFlushed (if non-nil) is invoked with the first logical
// address of the page once the write completes or fails.
func (a *allocator) submitFlush(pageIdx uint64, onFlushed func(LogicalAddress, error)) {
	slot := a.buf.slotFor(pageIdx)
	slot.setState(pageFlushSubmitted)

	addr := LogicalAddress(pageIdx << a.pageBits)
	buf := slot.buf

	a.flushed.begin()
	a.device.WritePage(pageIdx, buf, func(err error) {
		if err != nil {
			a.flushed.onFailure(pageIdx, err)
			if onFlushed != nil {
				onFlushed(addr, err)
			}

			return
		}

		slot.setState(pageFlushed)
		a.flushed.onSuccess(pageIdx)

		if onFlushed != nil {
			onFlushed(addr, nil)
		}
	})
}

// ShiftHeadAddress moves the head forward, evicting pages below it once
// it is safe to do so (deferred behind the epoch at which each page was
// closed, so no in-flight reader can still be dereferencing it).
func (a *allocator) ShiftHeadAddress(newHead LogicalAddress) {
	old := a.bounds.head.Load()
	if !a.bounds.head.advanceTo(newHead) {
		return
	}

	firstPage := a.pageIndex(old)
	lastPage := a.pageIndex(newHead - 1)

	for p := firstPage; p <= lastPage; p++ {
		pIdx := p
		slot := a.buf.slotFor(pIdx)
		if slot.Index() != int64(pIdx) {
			continue
		}

		closedEpoch := slot.closedAtEpoch.Load()
		a.epoch.DeferUntil(closedEpoch, func() {
			a.buf.EvictPage(pIdx)
		})
	}
}

// ShiftBeginAddress truncates the device below newBegin. Safe once
// HeadAddress has already passed newBegin (those pages are neither
// resident nor needed from disk again).
func (a *allocator) ShiftBeginAddress(newBegin LogicalAddress) error {
	if !a.bounds.begin.advanceTo(newBegin) {
		return nil
	}

	return a.device.TruncateBelow(a.pageIndex(newBegin))
}

// Close flushes everything up to the current tail (including the
// partially-filled mutable page), waits for those flushes to land, then
// syncs and releases the device and page buffer.
func (a *allocator) Close() error {
	a.allocMu.Lock()
	tail := a.bounds.Tail()
	a.allocMu.Unlock()

	var flushErr error
	var once sync.Once

	a.ShiftReadOnlyAddress(tail, func(_ LogicalAddress, err error) {
		if err != nil {
			once.Do(func() { flushErr = err })
		}
	})

	a.flushed.WaitUntilFlushed()

	if flushErr != nil {
		return flushErr
	}

	if err := a.device.Sync(); err != nil {
		return err
	}

	if err := a.buf.Close(); err != nil {
		return err
	}

	return a.device.Close()
}

// flushTracker counts outstanding flush callbacks so the checkpoint
// coordinator's WAIT_FLUSH phase can block until every page up to the
// checkpoint cut has been written back.
type flushTracker struct {
	a        *allocator
	mu       sync.Mutex
	inFlight int
	waiters  []chan struct{}
}

func (f *flushTracker) begin() {
	f.mu.Lock()
	f.inFlight++
	f.mu.Unlock()
}

func (f *flushTracker) onSuccess(pageIdx uint64) { f.finish() }

func (f *flushTracker) onFailure(pageIdx uint64, err error) {
	f.a.setFault(newStoreError("flush", LogicalAddress(pageIdx<<f.a.pageBits), ErrDeviceIO))
	f.finish()
}

func (f *flushTracker) finish() {
	f.mu.Lock()
	f.inFlight--
	done := f.inFlight <= 0
	var waiters []chan struct{}
	if done {
		waiters = f.waiters
		f.waiters = nil
	}
	f.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// WaitUntilFlushed blocks until every flush submitted so far has
// completed (successfully or not).
func (f *flushTracker) WaitUntilFlushed() {
	f.mu.Lock()
	if f.inFlight <= 0 {
		f.mu.Unlock()
		return
	}

	ch := make(chan struct{})
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()

	<-ch
}
