package hlogkv

import "sync/atomic"

// pageState is the page lifecycle:
//
//	Unallocated -> Allocated (writable) -> ClosedForWrites (read-only) ->
//	FlushSubmitted -> Flushed -> Evicted
type pageState int32

const (
	pageUnallocated pageState = iota
	pageAllocated
	pageClosedForWrites
	pageFlushSubmitted
	pageFlushed
	pageEvicted
)

func (s pageState) String() string {
	switch s {
	case pageUnallocated:
		return "Unallocated"
	case pageAllocated:
		return "Allocated"
	case pageClosedForWrites:
		return "ClosedForWrites"
	case pageFlushSubmitted:
		return "FlushSubmitted"
	case pageFlushed:
		return "Flushed"
	case pageEvicted:
		return "Evicted"
	default:
		return "Unknown"
	}
}

// page is one slot in the page buffer ring. buf aliases a fixed
// region of the buffer's backing mmap; it is never reallocated, only
// reinterpreted for a new page index when recycled.
type page struct {
	state atomic.Int32

	// index is the logical page index currently resident in buf, or -1
	// if the slot holds no page (pageUnallocated).
	index atomic.Int64

	buf []byte

	// closedAtEpoch records the epoch at which the page was closed for
	// writes (ShiftReadOnlyAddress crossed it); EvictPage defers behind
	// this so no reader holding an older epoch can still be dereferencing
	// the page when it's recycled.
	closedAtEpoch atomic.Uint64
}

func (p *page) State() pageState { return pageState(p.state.Load()) }

func (p *page) setState(s pageState) { p.state.Store(int32(s)) }

func (p *page) Index() int64 { return p.index.Load() }
