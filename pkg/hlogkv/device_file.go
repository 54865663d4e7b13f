package hlogkv

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileDevice is the durable Device: a sequence of fixed-size segment
// files under dir, named hlog.0000000000, hlog.0000000001, ... Pages are
// addressed by a global page index; segmentBits determines how many
// pages live in one segment file (1<<(segmentBits-pageBits)).
type fileDevice struct {
	dir         string
	pageSize    int
	pagesPerSeg uint64

	mu       sync.Mutex
	segments map[uint64]*os.File
}

func newFileDevice(dir string, pageBits, segmentBits uint8) (*fileDevice, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("hlogkv: create device dir: %w", err)
	}

	return &fileDevice{
		dir:         dir,
		pageSize:    1 << pageBits,
		pagesPerSeg: 1 << (segmentBits - pageBits),
		segments:    make(map[uint64]*os.File),
	}, nil
}

func (d *fileDevice) segmentPath(seg uint64) string {
	return filepath.Join(d.dir, fmt.Sprintf("hlog.%010d", seg))
}

func (d *fileDevice) segmentFor(seg uint64) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.segments[seg]; ok {
		return f, nil
	}

	f, err := os.OpenFile(d.segmentPath(seg), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("hlogkv: open segment %d: %w", seg, err)
	}

	d.segments[seg] = f

	return f, nil
}

func (d *fileDevice) locate(pageIndex uint64) (seg uint64, offsetInSeg int64) {
	seg = pageIndex / d.pagesPerSeg
	pageInSeg := pageIndex % d.pagesPerSeg

	return seg, int64(pageInSeg) * int64(d.pageSize)
}

func (d *fileDevice) WritePage(pageIndex uint64, buf []byte, done func(error)) {
	if len(buf) != d.pageSize {
		done(ErrShortReadWrite)
		return
	}

	seg, off := d.locate(pageIndex)

	f, err := d.segmentFor(seg)
	if err != nil {
		done(err)
		return
	}

	n, err := f.WriteAt(buf, off)
	if err != nil {
		done(fmt.Errorf("hlogkv: write page %d: %w", pageIndex, err))
		return
	}

	if n != d.pageSize {
		done(ErrShortReadWrite)
		return
	}

	done(nil)
}

func (d *fileDevice) ReadPage(pageIndex uint64, buf []byte, done func(error)) {
	if len(buf) != d.pageSize {
		done(ErrShortReadWrite)
		return
	}

	seg, off := d.locate(pageIndex)

	f, err := d.segmentFor(seg)
	if err != nil {
		done(err)
		return
	}

	n, err := f.ReadAt(buf, off)
	if n == d.pageSize {
		// a full page is success even if ReadAt also reported io.EOF;
		// a short read falls through to the error paths below.
		done(nil)
		return
	}

	if err != nil {
		done(fmt.Errorf("hlogkv: read page %d: %w", pageIndex, err))
		return
	}

	done(ErrShortReadWrite)
}

// TruncateBelow removes whole segment files that fall entirely below
// belowPage. Partial segments are left in place; BeginAddress tracking
// at the allocator level is what actually hides the truncated prefix
// from readers.
func (d *fileDevice) TruncateBelow(belowPage uint64) error {
	belowSeg := belowPage / d.pagesPerSeg

	d.mu.Lock()
	defer d.mu.Unlock()

	for seg, f := range d.segments {
		if seg >= belowSeg {
			continue
		}

		path := f.Name()
		if err := f.Close(); err != nil {
			return fmt.Errorf("hlogkv: close segment %d before truncate: %w", seg, err)
		}

		delete(d.segments, seg)

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("hlogkv: remove segment %d: %w", seg, err)
		}
	}

	return nil
}

func (d *fileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for seg, f := range d.segments {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("hlogkv: sync segment %d: %w", seg, err)
		}
	}

	return nil
}

func (d *fileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error

	for seg, f := range d.segments {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hlogkv: close segment %d: %w", seg, err)
		}
	}

	d.segments = make(map[uint64]*os.File)

	return firstErr
}
