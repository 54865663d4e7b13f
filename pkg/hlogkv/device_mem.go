package hlogkv

import "sync"

// memDevice is an in-memory Device used by tests (via OpenMemory); it
// never actually loses data and completes synchronously, which
// makes it useful for exercising the allocator/index/engine without
// device latency or crash semantics in the loop.
type memDevice struct {
	pageSize int

	mu    sync.RWMutex
	pages map[uint64][]byte
}

func newMemDevice(pageSize int) *memDevice {
	return &memDevice{
		pageSize: pageSize,
		pages:    make(map[uint64][]byte),
	}
}

func (d *memDevice) WritePage(pageIndex uint64, buf []byte, done func(error)) {
	if len(buf) != d.pageSize {
		done(ErrShortReadWrite)
		return
	}

	cp := make([]byte, d.pageSize)
	copy(cp, buf)

	d.mu.Lock()
	d.pages[pageIndex] = cp
	d.mu.Unlock()

	done(nil)
}

func (d *memDevice) ReadPage(pageIndex uint64, buf []byte, done func(error)) {
	if len(buf) != d.pageSize {
		done(ErrShortReadWrite)
		return
	}

	d.mu.RLock()
	p, ok := d.pages[pageIndex]
	d.mu.RUnlock()

	if !ok {
		clear(buf)
		done(nil)
		return
	}

	copy(buf, p)
	done(nil)
}

func (d *memDevice) TruncateBelow(belowPage uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for idx := range d.pages {
		if idx < belowPage {
			delete(d.pages, idx)
		}
	}

	return nil
}

func (d *memDevice) Sync() error { return nil }

func (d *memDevice) Close() error { return nil }
