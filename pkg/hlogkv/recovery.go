package hlogkv

import (
	"os"
	"path/filepath"
	"strconv"
)

// recoverStore loads the most recent checkpoint (if any) under
// cfg.DataDir, restores the index snapshot, and replays log records
// written after the checkpoint's cut so the store resumes exactly
// where it left off. A store with no prior checkpoint starts empty.
func recoverStore[K comparable, V any, In any, Out any, Ctx any](s *Store[K, V, In, Out, Ctx]) error {
	id, ok, err := readCurrentCheckpoint(s.cfg.DataDir)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	metaPath := filepath.Join(s.cfg.DataDir, "checkpoint."+id.String())

	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return err
	}

	meta, err := decodeMetadata(metaBytes)
	if err != nil {
		return err
	}

	indexPath := filepath.Join(s.cfg.DataDir, "index."+id.String())
	if fileExists(indexPath) {
		if err := loadIndexSnapshot(s.idx, indexPath); err != nil {
			return err
		}
	}

	// Replay start: the index snapshot may itself be stale relative to
	// the log cut (it was written to a temp file and renamed in, but a
	// crash between "flush done" and "metadata durable" can still leave
	// records past what it describes). Start from whichever is smaller:
	// the snapshot's own notion of the cut, or begin-of-memory-window
	// worth of slack before it, clamped to BeginAddress so we never try
	// to read truncated pages.
	replayFrom := meta.Cut
	slack := LogicalAddress(uint64(s.cfg.numPages()) << s.cfg.PageBits)
	if replayFrom > meta.Begin+slack {
		replayFrom = replayFrom - slack
	} else {
		replayFrom = meta.Begin
	}

	if replayFrom < meta.Begin {
		replayFrom = meta.Begin
	}

	tail, err := replayLog(s, replayFrom)
	if err != nil {
		return err
	}

	s.alloc.bounds.begin.Store(meta.Begin)
	s.alloc.bounds.readOnly.Store(tail)
	s.alloc.bounds.tail.Store(tail)

	// Reload the resident window ending at the tail page. Pages before the
	// tail page are already on the device, so they count as flushed.
	tailPage := s.alloc.pageIndex(tail)
	firstPage := s.alloc.pageIndex(meta.Begin)
	if n := uint64(s.cfg.numPages()); tailPage >= firstPage+n {
		firstPage = tailPage + 1 - n
	}

	for pageIdx := firstPage; pageIdx <= tailPage; pageIdx++ {
		p := s.alloc.buf.bind(pageIdx)
		p.closedAtEpoch.Store(0)

		if err := loadTailPageInto(s, pageIdx, p.buf); err != nil {
			return err
		}

		if pageIdx < tailPage {
			p.setState(pageFlushed)
		}
	}

	s.alloc.bounds.head.Store(max(meta.Begin, LogicalAddress(firstPage<<s.cfg.PageBits)))
	s.alloc.tailOffset = s.alloc.offsetInPage(tail)

	return nil
}

// replayLog walks records on the device starting at from, applying each
// one to the index (so records written after the snapshot's cut are not
// lost), and returns the address just past the last valid record found.
func replayLog[K comparable, V any, In any, Out any, Ctx any](s *Store[K, V, In, Out, Ctx], from LogicalAddress) (LogicalAddress, error) {
	pageSize := uint32(1) << s.cfg.PageBits
	buf := make([]byte, pageSize)

	addr := from

	for {
		pageIdx := s.alloc.pageIndex(addr)

		var readErr error
		done := make(chan struct{})
		s.device.ReadPage(pageIdx, buf, func(err error) {
			readErr = err
			close(done)
		})
		<-done

		if readErr != nil {
			// No more segments to read; addr is the true end of the log.
			return addr, nil
		}

		off := uint64(s.alloc.offsetInPage(addr))
		padded := false

		for off+uint64(recordPrefixSize) <= uint64(pageSize) {
			rec, ok := decodeRecord(buf[off:])
			if ok && rec.Header.Invalid {
				// rollover pad: the rest of this page is unused
				padded = true
				break
			}

			// an all-zero prefix is never-written space: the end of the log
			if !ok || (rec.Header == recordHeader{} && rec.Size == recordPrefixSize) {
				break
			}

			recAddr := LogicalAddress(pageIdx<<s.cfg.PageBits) + LogicalAddress(off)
			h := s.idx.hashKey(rec.Key)

			if prev, exists := s.idx.Find(h); exists {
				s.idx.UpdateAddress(h, prev, recAddr)
			} else {
				ref, err := s.idx.TryInsertTentative(h, recAddr)
				if err == nil {
					_, tag := s.idx.bucketAndTag(h)
					ref.ClearTentative(recAddr, tag)
				}
			}

			off += uint64(rec.Size)
		}

		addr = LogicalAddress(pageIdx<<s.cfg.PageBits) + LogicalAddress(off)

		if padded || off+uint64(recordPrefixSize) > uint64(pageSize) {
			addr = LogicalAddress((pageIdx + 1) << s.cfg.PageBits)
		} else {
			return addr, nil
		}
	}
}

// loadTailPageInto brings one page of the recovered resident window
// (up to and including the page holding the tail) back into memory
// after replay, so reads find it resident and new Allocate calls can
// append into the tail page; a page the device cannot read is left
// zeroed.
func loadTailPageInto[K comparable, V any, In any, Out any, Ctx any](s *Store[K, V, In, Out, Ctx], pageIdx uint64, dst []byte) error {
	done := make(chan struct{})
	var readErr error

	s.device.ReadPage(pageIdx, dst, func(err error) {
		readErr = err
		close(done)
	})
	<-done

	if readErr != nil {
		clear(dst)
		return nil
	}

	return nil
}

func readCurrentCheckpoint(dataDir string) (CheckpointID, bool, error) {
	path := filepath.Join(dataDir, "checkpoint.current")

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckpointID{}, false, nil
		}

		return CheckpointID{}, false, err
	}

	seq, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return CheckpointID{}, false, err
	}

	return CheckpointID{Seq: seq}, true, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
