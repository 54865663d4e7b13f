package hlogkv

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// engine.go implements the Upsert/Read/RMW/Delete state machines
// (ENTRY -> INDEX_LOOKUP -> {IN_MEMORY|PENDING_IO|NOT_FOUND} ->
// {SUCCESS|COPY_UPDATE|TAIL_APPEND|FAIL} -> EXIT),
// implemented as methods on Session so each call can see the issuing
// goroutine's epoch slot.
//
// The state-machine shape mirrors an ordinary WAL-replay dispatch,
// adapted from "replay one WAL op" to "resolve one key through the
// hash index and hybrid log".

const maxAllocRetries = 64

// appendNew writes keyBytes/valBytes as a new record with header h
// (whose Previous link is the key's prior record, or InvalidAddress if
// there is none), retrying through
// ErrNeedsRefresh by refreshing the session's epoch, which also runs a
// boundary-maintenance pass giving the allocator a chance to advance
// ReadOnlyAddress/HeadAddress and free up the next page.
func (sess *Session[K, V, In, Out, Ctx]) appendNew(h recordHeader, keyBytes, valBytes []byte) (LogicalAddress, error) {
	size := recordSize(len(keyBytes), len(valBytes))

	for attempt := 0; ; attempt++ {
		addr, buf, err := sess.store.alloc.Allocate(size)
		if err == nil {
			encodeRecord(buf, h, keyBytes, valBytes)
			return addr, nil
		}

		if attempt >= maxAllocRetries {
			return 0, err
		}

		sess.Refresh()
	}
}

// Upsert inserts or overwrites key's value unconditionally; the newest
// live record for a key always wins.
func (sess *Session[K, V, In, Out, Ctx]) Upsert(key K, value V) error {
	st := sess.store
	if err := st.checkFault(); err != nil {
		return err
	}

	fns := &st.fns
	keyBytes := fns.EncodeKey(key)
	valBytes := fns.EncodeValue(value)
	h := st.idx.hashKey(keyBytes)

	st.epoch.Acquire(sess.slot)
	defer st.epoch.Suspend(sess.slot)

	for {
		prev, _ := st.idx.Find(h)

		if prev.Valid() && prev >= st.alloc.bounds.ReadOnly() && sess.upsertInPlace(prev, keyBytes, valBytes) {
			return nil
		}

		addr, err := sess.appendNew(recordHeader{Previous: prev}, keyBytes, valBytes)
		if err != nil {
			return err
		}

		if prev.Valid() {
			if st.idx.UpdateAddress(h, prev, addr) {
				return nil
			}
			// lost a race with a concurrent writer for the same tag;
			// the record we just wrote is orphaned (dead, harmless)
			// and we retry against the new head of the chain.
			continue
		}

		ref, err := st.idx.TryInsertTentative(h, addr)
		if err != nil {
			return err
		}

		_, tag := st.idx.bucketAndTag(h)
		ref.ClearTentative(addr, tag)

		return nil
	}
}

// upsertInPlace overwrites a mutable resident record's value directly,
// a one-cache-line write that skips appending a new tail record
// entirely. Only taken when the record's key matches and the new value
// is exactly as long as the old one: a length change would desync the
// physical byte span from the record's encoded Size, which Scan and
// replay rely on, so any mismatch falls through to the ordinary append
// path. Callers must already have checked addr is at or above
// ReadOnlyAddress before calling this.
func (sess *Session[K, V, In, Out, Ctx]) upsertInPlace(addr LogicalAddress, keyBytes, valBytes []byte) bool {
	st := sess.store

	phys, resident := st.alloc.GetPhysical(addr)
	if !resident {
		return false
	}

	rec, ok := decodeRecord(phys)
	if !ok || !bytes.Equal(rec.Key, keyBytes) || len(rec.Val) != len(valBytes) {
		return false
	}

	copy(rec.Val, valBytes)

	if rec.Header.Tombstone {
		patchRecordHeaderInPlace(phys, recordHeader{Previous: rec.Header.Previous})
	}

	return true
}

// Delete marks key as tombstoned: subsequent Reads return NOT_FOUND;
// the space is reclaimed only once the log is truncated past it.
func (sess *Session[K, V, In, Out, Ctx]) Delete(key K) error {
	st := sess.store
	if err := st.checkFault(); err != nil {
		return err
	}

	fns := &st.fns
	keyBytes := fns.EncodeKey(key)
	h := st.idx.hashKey(keyBytes)

	st.epoch.Acquire(sess.slot)
	defer st.epoch.Suspend(sess.slot)

	prev, ok := st.idx.Find(h)
	if !ok {
		return ErrNotFound
	}

	addr, err := sess.appendNew(recordHeader{Previous: prev, Tombstone: true}, keyBytes, nil)
	if err != nil {
		return err
	}

	for !st.idx.UpdateAddress(h, prev, addr) {
		prev, ok = st.idx.Find(h)
		if !ok {
			return ErrNotFound
		}
	}

	return nil
}

// Read looks up key, returning (value, true, nil) on a hit,
// (zero, false, ErrNotFound) on a definitive miss, or (zero, false,
// ErrPending) if the record is not resident and a device read was
// queued; drain it via CompletePending.
func (sess *Session[K, V, In, Out, Ctx]) Read(key K, ctx Ctx) (Out, bool, error) {
	var zero Out

	st := sess.store
	if err := st.checkFault(); err != nil {
		return zero, false, err
	}

	fns := &st.fns
	keyBytes := fns.EncodeKey(key)
	h := st.idx.hashKey(keyBytes)

	st.epoch.Acquire(sess.slot)
	defer st.epoch.Suspend(sess.slot)

	addr, ok := st.idx.Find(h)
	if !ok {
		return zero, false, ErrNotFound
	}

	for addr.Valid() && addr >= st.alloc.bounds.Begin() {
		phys, resident := st.alloc.GetPhysical(addr)
		if !resident {
			p := newPendingRead(sess, key, keyBytes, ctx, addr, h)
			sess.enqueue(p)
			p.start()

			return zero, false, ErrPending
		}

		rec, decOK := decodeRecord(phys)
		if !decOK {
			return zero, false, newStoreError("Read", addr, ErrCorruptedMetadata)
		}

		if bytes.Equal(rec.Key, keyBytes) {
			if rec.Header.Tombstone {
				return zero, false, ErrNotFound
			}

			val := fns.DecodeValue(rec.Val)

			var out Out
			if addr >= st.alloc.bounds.ReadOnly() {
				out = fns.ConcurrentReader(key, val)
			} else {
				out = fns.SingleReader(key, val)
			}

			if addr < st.alloc.bounds.ReadOnly() {
				sess.copyToTail(h, addr, keyBytes, rec.Val)
			}

			return out, true, nil
		}

		addr = rec.Header.Previous
	}

	return zero, false, ErrNotFound
}

// RMW applies an update to key's value in place when possible, or
// appends a copy-updated record when it can't be done in place. If
// resolving the prior value requires a device read, it is queued, ctx
// is threaded through to Functions.RMWCompleted, and ErrPending is
// returned.
func (sess *Session[K, V, In, Out, Ctx]) RMW(key K, in In, ctx Ctx) error {
	st := sess.store
	if err := st.checkFault(); err != nil {
		return err
	}

	fns := &st.fns
	keyBytes := fns.EncodeKey(key)
	h := st.idx.hashKey(keyBytes)

	st.epoch.Acquire(sess.slot)
	defer st.epoch.Suspend(sess.slot)

	addr, ok := st.idx.Find(h)

	for ok && addr.Valid() && addr >= st.alloc.bounds.Begin() {
		phys, resident := st.alloc.GetPhysical(addr)
		if !resident {
			p := newPendingRMW(sess, key, keyBytes, in, ctx, addr, h)
			sess.enqueue(p)
			p.start()

			return ErrPending
		}

		rec, decOK := decodeRecord(phys)
		if !decOK {
			return newStoreError("RMW", addr, ErrCorruptedMetadata)
		}

		if bytes.Equal(rec.Key, keyBytes) {
			if addr >= st.alloc.bounds.ReadOnly() && !rec.Header.Tombstone && fns.InPlaceUpdater != nil && fns.InPlaceUpdater(key, in, rec.Val) {
				return nil
			}

			var old V
			if !rec.Header.Tombstone {
				old = fns.DecodeValue(rec.Val)
			}

			newVal := fns.CopyUpdater(key, in, old, !rec.Header.Tombstone)

			return sess.rmwCopyUpdate(h, addr, keyBytes, newVal)
		}

		addr = rec.Header.Previous
	}

	newVal := fns.CopyUpdater(key, in, *new(V), false)

	return sess.rmwCopyUpdate(h, InvalidAddress, keyBytes, newVal)
}

func (sess *Session[K, V, In, Out, Ctx]) rmwCopyUpdate(h uint64, prev LogicalAddress, keyBytes []byte, newVal V) error {
	valBytes := sess.store.fns.EncodeValue(newVal)
	_, err := sess.appendAndLink(recordHeader{Previous: prev}, h, prev, keyBytes, valBytes)

	return err
}

// appendAndLink appends a new record and links it into the hash chain
// headed by h: CAS'ing the bucket/overflow slot from prev to the new
// address (InvalidAddress if the key had no prior record, in which
// case it's inserted tentatively instead), retrying against the
// chain's current head on a lost race. Shared by the copy-update path
// and the CopyReadsToTail migration path below.
func (sess *Session[K, V, In, Out, Ctx]) appendAndLink(header recordHeader, h uint64, prev LogicalAddress, keyBytes, valBytes []byte) (LogicalAddress, error) {
	st := sess.store

	addr, err := sess.appendNew(header, keyBytes, valBytes)
	if err != nil {
		return 0, err
	}

	if !prev.Valid() {
		ref, err := st.idx.TryInsertTentative(h, addr)
		if err != nil {
			return 0, err
		}

		_, tag := st.idx.bucketAndTag(h)
		ref.ClearTentative(addr, tag)

		return addr, nil
	}

	for !st.idx.UpdateAddress(h, prev, addr) {
		cur, ok := st.idx.Find(h)
		if !ok {
			break
		}
		prev = cur
	}

	return addr, nil
}

// copyToTail migrates a record found below ReadOnlyAddress (resident
// but immutable, or read back from device) to a fresh record at the
// tail and swings the index head onto it, so a repeatedly-read cold
// key resolves in fewer hops next time. No-op unless
// Config.CopyReadsToTail is set; append failures are ignored since the
// original record still serves the read that triggered this.
func (sess *Session[K, V, In, Out, Ctx]) copyToTail(h uint64, old LogicalAddress, keyBytes, valBytes []byte) {
	if !sess.store.cfg.CopyReadsToTail {
		return
	}

	_, _ = sess.appendAndLink(recordHeader{Previous: old}, h, old, keyBytes, valBytes)
}

// pendingRead is a queued device read, issued when Read's chain walk
// reaches an address below HeadAddress.
type pendingRead[K comparable, V any, In any, Out any, Ctx any] struct {
	sess      *Session[K, V, In, Out, Ctx]
	key       K
	keyBytes  []byte
	ctx       Ctx
	h         uint64
	startAddr LogicalAddress

	wg     sync.WaitGroup
	done   atomic.Bool
	result Out
	found  bool
	err    error
}

func newPendingRead[K comparable, V any, In any, Out any, Ctx any](sess *Session[K, V, In, Out, Ctx], key K, keyBytes []byte, ctx Ctx, addr LogicalAddress, h uint64) *pendingRead[K, V, In, Out, Ctx] {
	p := &pendingRead[K, V, In, Out, Ctx]{sess: sess, key: key, keyBytes: keyBytes, ctx: ctx, h: h}
	p.wg.Add(1)
	p.startAddr = addr

	return p
}

func (p *pendingRead[K, V, In, Out, Ctx]) ready() bool { return p.done.Load() }
func (p *pendingRead[K, V, In, Out, Ctx]) wait()       { p.wg.Wait() }

func (p *pendingRead[K, V, In, Out, Ctx]) finish() {
	fns := &p.sess.store.fns
	if fns.ReadCompleted != nil {
		fns.ReadCompleted(p.ctx, p.result, p.found, p.err)
	}
}

func (p *pendingRead[K, V, In, Out, Ctx]) start() {
	p.readAt(p.startAddr)
}

func (p *pendingRead[K, V, In, Out, Ctx]) readAt(addr LogicalAddress) {
	st := p.sess.store
	pageIdx := addr.page(st.cfg.PageBits)
	off := addr.offsetInPage(st.cfg.PageBits)
	buf := make([]byte, 1<<st.cfg.PageBits)

	st.device.ReadPage(pageIdx, buf, func(err error) {
		if err != nil {
			p.err = newStoreError("Read", addr, ErrDeviceIO)
			p.done.Store(true)
			p.wg.Done()

			return
		}

		rec, ok := decodeRecord(buf[off:])
		if !ok {
			p.err = newStoreError("Read", addr, ErrCorruptedMetadata)
			p.done.Store(true)
			p.wg.Done()

			return
		}

		if bytes.Equal(rec.Key, p.keyBytes) {
			if !rec.Header.Tombstone {
				fns := &st.fns
				val := fns.DecodeValue(rec.Val)
				p.result = fns.SingleReader(p.key, val)
				p.found = true

				p.sess.copyToTail(p.h, addr, p.keyBytes, rec.Val)
			}

			p.done.Store(true)
			p.wg.Done()

			return
		}

		next := rec.Header.Previous
		if !next.Valid() || next < st.alloc.bounds.Begin() {
			p.done.Store(true)
			p.wg.Done()

			return
		}

		p.readAt(next)
	})
}

// pendingRMW mirrors pendingRead but finishes by applying CopyUpdater
// to a value fetched from disk and appending the result.
type pendingRMW[K comparable, V any, In any, Out any, Ctx any] struct {
	sess      *Session[K, V, In, Out, Ctx]
	key       K
	keyBytes  []byte
	in        In
	ctx       Ctx
	h         uint64
	startAddr LogicalAddress

	wg   sync.WaitGroup
	done atomic.Bool
	err  error
}

func newPendingRMW[K comparable, V any, In any, Out any, Ctx any](sess *Session[K, V, In, Out, Ctx], key K, keyBytes []byte, in In, ctx Ctx, addr LogicalAddress, h uint64) *pendingRMW[K, V, In, Out, Ctx] {
	p := &pendingRMW[K, V, In, Out, Ctx]{sess: sess, key: key, keyBytes: keyBytes, in: in, ctx: ctx, h: h}
	p.wg.Add(1)
	p.startAddr = addr

	return p
}

func (p *pendingRMW[K, V, In, Out, Ctx]) ready() bool { return p.done.Load() }
func (p *pendingRMW[K, V, In, Out, Ctx]) wait()       { p.wg.Wait() }

func (p *pendingRMW[K, V, In, Out, Ctx]) finish() {
	fns := &p.sess.store.fns
	if fns.RMWCompleted != nil {
		fns.RMWCompleted(p.ctx, p.err)
	}
}

func (p *pendingRMW[K, V, In, Out, Ctx]) start() {
	p.readAt(p.startAddr)
}

func (p *pendingRMW[K, V, In, Out, Ctx]) readAt(addr LogicalAddress) {
	st := p.sess.store
	pageIdx := addr.page(st.cfg.PageBits)
	off := addr.offsetInPage(st.cfg.PageBits)
	buf := make([]byte, 1<<st.cfg.PageBits)

	st.device.ReadPage(pageIdx, buf, func(err error) {
		if err != nil {
			p.err = newStoreError("RMW", addr, ErrDeviceIO)
			p.done.Store(true)
			p.wg.Done()

			return
		}

		rec, ok := decodeRecord(buf[off:])
		if !ok {
			p.err = newStoreError("RMW", addr, ErrCorruptedMetadata)
			p.done.Store(true)
			p.wg.Done()

			return
		}

		if bytes.Equal(rec.Key, p.keyBytes) {
			fns := &st.fns

			var old V
			if !rec.Header.Tombstone {
				old = fns.DecodeValue(rec.Val)
			}

			newVal := fns.CopyUpdater(p.key, p.in, old, !rec.Header.Tombstone)
			p.err = p.sess.rmwCopyUpdate(p.h, addr, p.keyBytes, newVal)
			p.done.Store(true)
			p.wg.Done()

			return
		}

		next := rec.Header.Previous
		if !next.Valid() || next < st.alloc.bounds.Begin() {
			newVal := st.fns.CopyUpdater(p.key, p.in, *new(V), false)
			p.err = p.sess.rmwCopyUpdate(p.h, InvalidAddress, p.keyBytes, newVal)
			p.done.Store(true)
			p.wg.Done()

			return
		}

		p.readAt(next)
	})
}
