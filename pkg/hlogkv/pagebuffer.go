package hlogkv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pageBuffer is a ring of K page-sized buffers backing a contiguous
// address range. buffer_slot = page_index mod K.
//
// The backing store is a single anonymous mmap of K*pageSize bytes
// (golang.org/x/sys/unix.Mmap with MAP_ANON|MAP_PRIVATE), sliced into K
// page-aligned buffers. GetPage never faults: the allocator guarantees a
// slot is resident (has the right page index mapped into it) before any
// address in that page becomes reachable through the hash index.
type pageBuffer struct {
	k        int
	pageSize int
	pageBits uint8

	region []byte // the whole K*pageSize mmap
	pages  []page
}

func newPageBuffer(k int, pageBits uint8) (*pageBuffer, error) {
	if k <= 0 || k&(k-1) != 0 {
		return nil, fmt.Errorf("hlogkv: page buffer size K=%d must be a power of two", k)
	}

	pageSize := 1 << pageBits

	region, err := unix.Mmap(-1, 0, k*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hlogkv: mmap page buffer: %w", err)
	}

	pb := &pageBuffer{
		k:        k,
		pageSize: pageSize,
		pageBits: pageBits,
		region:   region,
		pages:    make([]page, k),
	}

	for i := range pb.pages {
		pb.pages[i].buf = region[i*pageSize : (i+1)*pageSize]
		pb.pages[i].index.Store(-1)
		pb.pages[i].setState(pageUnallocated)
	}

	return pb, nil
}

func (pb *pageBuffer) slotFor(pageIndex uint64) *page {
	return &pb.pages[int(pageIndex)&(pb.k-1)]
}

// GetPage returns the memory for the given logical page index. The
// caller must already know (via the allocator's bookkeeping) that the
// slot currently holds this page.
func (pb *pageBuffer) GetPage(pageIndex uint64) []byte {
	return pb.slotFor(pageIndex).buf
}

// bind assigns pageIndex to the slot that pageIndex maps to, transitioning
// it to Allocated. The caller must ensure the previous occupant of the
// slot (if any) has already been evicted.
func (pb *pageBuffer) bind(pageIndex uint64) *page {
	p := pb.slotFor(pageIndex)
	p.index.Store(int64(pageIndex))
	p.setState(pageAllocated)
	clear(p.buf)

	return p
}

// EvictPage releases ownership of the slot holding pageIndex. Safe only
// after flush-complete and once no active epoch predates the epoch at
// which HeadAddress crossed the page (enforced by the caller via
// epoch.DeferUntil before invoking this).
func (pb *pageBuffer) EvictPage(pageIndex uint64) {
	p := pb.slotFor(pageIndex)
	if p.Index() == int64(pageIndex) {
		p.setState(pageEvicted)
		p.index.Store(-1)
	}
}

func (pb *pageBuffer) Close() error {
	if pb.region == nil {
		return nil
	}

	err := unix.Munmap(pb.region)
	pb.region = nil

	return err
}
