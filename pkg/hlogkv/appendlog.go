package hlogkv

import "fmt"

// AppendLog is a sequential-write, sequential-read log built directly
// on the hybrid log allocator and device, without a hash index. It
// supplements the key/value Store for workloads that only
// need an ordered append/scan (e.g. a durable event stream feeding a
// downstream index), reusing the same allocator and page flush
// machinery as the main store. It has no checkpoint of its own.
//
// Append adds a record to the tail; Scan walks the log the same way a
// write-ahead log gets replayed on recovery.
type AppendLog struct {
	cfg    Config
	device Device
	epoch  *epochManager
	alloc  *allocator
}

// OpenAppendLog constructs an AppendLog rooted at cfg.DataDir.
func OpenAppendLog(cfg Config) (*AppendLog, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	device, err := newFileDevice(cfg.DataDir, cfg.PageBits, cfg.SegmentBits)
	if err != nil {
		return nil, err
	}

	epoch := newEpochManager(cfg.MaxSessions)

	alloc, err := newAllocator(cfg, device, epoch)
	if err != nil {
		return nil, err
	}

	return &AppendLog{cfg: cfg, device: device, epoch: epoch, alloc: alloc}, nil
}

// Append writes entry as a new record (with no key/value distinction;
// entry is stored as the record's value, key empty) and returns its
// logical address, stable as long as the log isn't truncated past it.
func (l *AppendLog) Append(entry []byte) (LogicalAddress, error) {
	size := recordSize(0, len(entry))

	for attempt := 0; ; attempt++ {
		addr, buf, err := l.alloc.Allocate(size)
		if err == nil {
			encodeRecord(buf, recordHeader{}, nil, entry)
			return addr, nil
		}

		if attempt >= maxAllocRetries {
			return 0, err
		}

		l.epoch.BumpEpoch(nil)
	}
}

// Scan calls fn for every live entry from the current BeginAddress
// forward to TailAddress, in append order. fn returning false stops the
// scan early.
func (l *AppendLog) Scan(fn func(addr LogicalAddress, entry []byte) bool) error {
	addr := l.alloc.bounds.Begin()
	tail := l.alloc.bounds.Tail()
	pageSize := uint32(1) << l.cfg.PageBits

	buf := make([]byte, pageSize)

	for addr < tail {
		pageIdx := l.alloc.pageIndex(addr)

		if phys, resident := l.alloc.GetPhysical(addr); resident {
			rec, ok := decodeRecord(phys)
			if !ok {
				return fmt.Errorf("hlogkv: scan: %w at %s", ErrCorruptedMetadata, addr)
			}

			if rec.Header.Invalid || rec.Size == 0 {
				addr = LogicalAddress((pageIdx + 1) << l.cfg.PageBits)
				continue
			}

			if !fn(addr, rec.Val) {
				return nil
			}

			addr += LogicalAddress(rec.Size)

			continue
		}

		done := make(chan struct{})
		var readErr error
		l.device.ReadPage(pageIdx, buf, func(err error) {
			readErr = err
			close(done)
		})
		<-done

		if readErr != nil {
			return fmt.Errorf("hlogkv: scan: %w", ErrDeviceIO)
		}

		off := l.alloc.offsetInPage(addr)
		for off < pageSize {
			recAddr := LogicalAddress(pageIdx<<l.cfg.PageBits) + LogicalAddress(off)
			if recAddr >= tail {
				break
			}

			rec, ok := decodeRecord(buf[off:])
			if !ok || rec.Header.Invalid || rec.Size == 0 {
				break
			}

			if !fn(recAddr, rec.Val) {
				return nil
			}

			off += rec.Size
		}

		addr = LogicalAddress((pageIdx + 1) << l.cfg.PageBits)
	}

	return nil
}

func (l *AppendLog) Close() error {
	return l.alloc.Close()
}
