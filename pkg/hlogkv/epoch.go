package hlogkv

import (
	"sync"
	"sync/atomic"
)

// epochEntry is one session's slot in the epoch table. localEpoch is 0
// when the session is not in a protected section ("suspended"),
// otherwise the epoch it entered under.
//
// No off-the-shelf Go library implements epoch-based reclamation for
// this kind of protocol, so it's hand-rolled here around an
// Acquire/Refresh/BumpAndSuspend/BumpEpoch/DeferUntil contract, using a
// fixed-size array of atomics rather than a lock-per-call design.
type epochEntry struct {
	localEpoch atomic.Uint64
	_          [7]uint64 // pad to a full cache line, avoid false sharing between slots
}

// deferredAction runs once the global safe epoch reaches triggerEpoch.
type deferredAction struct {
	triggerEpoch uint64
	fn           func()
}

// epochManager implements the epoch reclamation protocol: a fixed table of slots
// (one per possible session, bound at construction by Config.MaxSessions),
// a global current-epoch counter, and a list of actions deferred until
// every slot has drained past a given epoch.
type epochManager struct {
	current atomic.Uint64 // global epoch counter, starts at 1

	slots []epochEntry
	free  chan int // indices into slots not currently bound to a session

	mu       sync.Mutex
	deferred []deferredAction
}

func newEpochManager(maxSessions int) *epochManager {
	em := &epochManager{
		slots: make([]epochEntry, maxSessions),
		free:  make(chan int, maxSessions),
	}
	em.current.Store(1)

	for i := 0; i < maxSessions; i++ {
		em.free <- i
	}

	return em
}

// acquireSlot binds a fresh session to a table slot. Returns
// ErrIndexSaturated's session-table analogue when the table is full;
// the caller (Store.StartSession) surfaces that as a distinct error
// since it is not actually an index condition.
func (em *epochManager) acquireSlot() (int, bool) {
	select {
	case idx := <-em.free:
		em.slots[idx].localEpoch.Store(0)
		return idx, true
	default:
		return 0, false
	}
}

func (em *epochManager) releaseSlot(idx int) {
	em.slots[idx].localEpoch.Store(0)
	em.free <- idx
}

// Acquire enters a protected section for the session at idx, returning
// the epoch it entered under. Must be paired with a later Refresh or
// BumpAndSuspend call before the session goes idle for long.
func (em *epochManager) Acquire(idx int) uint64 {
	e := em.current.Load()
	em.slots[idx].localEpoch.Store(e)

	return e
}

// Refresh re-enters the protected section under the latest epoch and
// runs any deferred actions whose trigger epoch the store has now
// safely passed. Sessions call this between operations.
func (em *epochManager) Refresh(idx int) {
	e := em.current.Load()
	em.slots[idx].localEpoch.Store(e)
	em.drain()
}

// BumpAndSuspend bumps the global epoch (draining deferred actions that
// are already safe), then leaves the protected section (localEpoch ->
// 0). Used when a
// session is about to block on I/O and should not hold back reclamation
// while it waits.
func (em *epochManager) BumpAndSuspend(idx int) {
	em.BumpEpoch(nil)
	em.slots[idx].localEpoch.Store(0)
}

// Suspend leaves the protected section without bumping the epoch.
func (em *epochManager) Suspend(idx int) {
	em.slots[idx].localEpoch.Store(0)
}

// BumpEpoch advances the global epoch by one and, if onBumped is
// non-nil, defers it until the new epoch is safe (every active slot has
// moved past the epoch that was current before the bump).
func (em *epochManager) BumpEpoch(onBumped func()) uint64 {
	newEpoch := em.current.Add(1)

	if onBumped != nil {
		em.DeferUntil(newEpoch, onBumped)
	} else {
		em.drain()
	}

	return newEpoch
}

// DeferUntil schedules fn to run once SafeEpoch() >= triggerEpoch. If
// that is already true, fn runs inline.
func (em *epochManager) DeferUntil(triggerEpoch uint64, fn func()) {
	if em.SafeEpoch() >= triggerEpoch {
		fn()
		return
	}

	em.mu.Lock()
	em.deferred = append(em.deferred, deferredAction{triggerEpoch: triggerEpoch, fn: fn})
	em.mu.Unlock()
}

// SafeEpoch is the minimum localEpoch across all occupied, active slots,
// or the current epoch if none are active (no readers to lag behind).
func (em *epochManager) SafeEpoch() uint64 {
	safe := em.current.Load()

	for i := range em.slots {
		e := em.slots[i].localEpoch.Load()
		if e != 0 && e < safe {
			safe = e
		}
	}

	return safe
}

// drain runs (and removes) every deferred action whose trigger epoch is
// now <= SafeEpoch(). O(pending deferrals) per call; in steady state
// the list stays short because every Refresh call drains it.
func (em *epochManager) drain() {
	safe := em.SafeEpoch()

	em.mu.Lock()
	if len(em.deferred) == 0 {
		em.mu.Unlock()
		return
	}

	remaining := em.deferred[:0]
	var ready []deferredAction

	for _, d := range em.deferred {
		if d.triggerEpoch <= safe {
			ready = append(ready, d)
		} else {
			remaining = append(remaining, d)
		}
	}

	em.deferred = remaining
	em.mu.Unlock()

	for _, d := range ready {
		d.fn()
	}
}
