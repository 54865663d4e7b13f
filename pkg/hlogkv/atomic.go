package hlogkv

import "sync/atomic"

// atomicAddr is a LogicalAddress stored for lock-free access. It exists
// only to give boundaries' fields typed accessors instead of raw uint64
// everywhere address arithmetic happens.
type atomicAddr struct {
	v atomic.Uint64
}

func (a *atomicAddr) Load() LogicalAddress { return LogicalAddress(a.v.Load()) }

func (a *atomicAddr) Store(val LogicalAddress) { a.v.Store(uint64(val)) }

// CompareAndSwap advances the address only if it still equals old.
func (a *atomicAddr) CompareAndSwap(old, newVal LogicalAddress) bool {
	return a.v.CompareAndSwap(uint64(old), uint64(newVal))
}

// advanceTo monotonically bumps the address to newVal if newVal is
// greater than the current value. Returns true if it advanced the value.
// Used by Shift* calls, which must never move a boundary backwards even
// under concurrent callers racing to advance it.
func (a *atomicAddr) advanceTo(newVal LogicalAddress) bool {
	for {
		cur := a.Load()
		if newVal <= cur {
			return false
		}

		if a.CompareAndSwap(cur, newVal) {
			return true
		}
	}
}
