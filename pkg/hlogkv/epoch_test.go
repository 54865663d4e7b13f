package hlogkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEpochSafeEpochIgnoresSuspendedSlots(t *testing.T) {
	em := newEpochManager(4)

	a, ok := em.acquireSlot()
	require.True(t, ok)

	b, ok := em.acquireSlot()
	require.True(t, ok)

	em.Acquire(a)
	em.Acquire(b)

	before := em.SafeEpoch()

	em.BumpEpoch(nil)
	em.Refresh(a)

	em.Suspend(b)

	after := em.SafeEpoch()
	require.GreaterOrEqual(t, after, before)
	require.Equal(t, em.current.Load(), after)
}

func TestEpochDeferUntilRunsInlineWhenAlreadySafe(t *testing.T) {
	em := newEpochManager(2)

	ran := false
	em.DeferUntil(em.SafeEpoch(), func() { ran = true })

	require.True(t, ran)
}

func TestEpochDeferUntilQueuesUntilSlotAdvances(t *testing.T) {
	em := newEpochManager(2)

	idx, ok := em.acquireSlot()
	require.True(t, ok)

	em.Acquire(idx)

	target := em.BumpEpoch(nil)

	ran := false
	em.DeferUntil(target, func() { ran = true })
	require.False(t, ran, "deferred action must not run while the slot still lags behind target")

	em.Refresh(idx)
	require.True(t, ran, "Refresh should drain the deferred action once the slot catches up")
}

func TestEpochBumpAndSuspendUnblocksDeferred(t *testing.T) {
	em := newEpochManager(2)

	idx, ok := em.acquireSlot()
	require.True(t, ok)

	em.Acquire(idx)

	ran := false
	em.DeferUntil(em.current.Load()+1, func() { ran = true })
	require.False(t, ran, "must stay queued while idx is still active at the old epoch")

	em.BumpAndSuspend(idx)
	require.Equal(t, uint64(0), em.slots[idx].localEpoch.Load())

	em.BumpEpoch(nil) // idx no longer counts toward SafeEpoch, so this drain satisfies the trigger
	require.True(t, ran)
}

func TestEpochAcquireSlotSaturates(t *testing.T) {
	em := newEpochManager(1)

	_, ok := em.acquireSlot()
	require.True(t, ok)

	_, ok = em.acquireSlot()
	require.False(t, ok)
}

func TestEpochReleaseSlotReturnsItToFreeList(t *testing.T) {
	em := newEpochManager(1)

	idx, ok := em.acquireSlot()
	require.True(t, ok)

	em.Acquire(idx)
	em.releaseSlot(idx)

	require.Equal(t, uint64(0), em.slots[idx].localEpoch.Load())

	_, ok = em.acquireSlot()
	require.True(t, ok)
}
