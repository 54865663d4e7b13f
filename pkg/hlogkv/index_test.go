package hlogkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexInsertAndFind(t *testing.T) {
	idx := newIndex(16, 4)

	h := idx.hashKey([]byte("alpha"))

	_, ok := idx.Find(h)
	require.False(t, ok)

	ref, err := idx.TryInsertTentative(h, LogicalAddress(0x1000))
	require.NoError(t, err)

	// Tentative entries are not yet visible.
	_, ok = idx.Find(h)
	require.False(t, ok)

	_, tag := idx.bucketAndTag(h)
	ref.ClearTentative(LogicalAddress(0x1000), tag)

	addr, ok := idx.Find(h)
	require.True(t, ok)
	require.EqualValues(t, 0x1000, addr)
}

func TestIndexUpdateAddress(t *testing.T) {
	idx := newIndex(16, 4)
	h := idx.hashKey([]byte("beta"))

	ref, err := idx.TryInsertTentative(h, LogicalAddress(10))
	require.NoError(t, err)

	_, tag := idx.bucketAndTag(h)
	ref.ClearTentative(LogicalAddress(10), tag)

	require.True(t, idx.UpdateAddress(h, LogicalAddress(10), LogicalAddress(20)))

	addr, ok := idx.Find(h)
	require.True(t, ok)
	require.EqualValues(t, 20, addr)

	// CAS against a stale old address fails.
	require.False(t, idx.UpdateAddress(h, LogicalAddress(10), LogicalAddress(30)))
}

func TestIndexAbandonTentative(t *testing.T) {
	idx := newIndex(16, 4)
	h := idx.hashKey([]byte("gamma"))

	ref, err := idx.TryInsertTentative(h, LogicalAddress(5))
	require.NoError(t, err)

	ref.Abandon()

	_, ok := idx.Find(h)
	require.False(t, ok)

	// The slot is reusable after abandonment.
	ref2, err := idx.TryInsertTentative(h, LogicalAddress(6))
	require.NoError(t, err)
	require.Equal(t, ref.i, ref2.i)
}

func TestIndexOverflowsToNewBucket(t *testing.T) {
	idx := newIndex(1, 8)

	// Force every entry into bucket 0; fill past entrySlots so the
	// chain must grow via growChain.
	for i := 0; i < entrySlots+3; i++ {
		addr := LogicalAddress(100 + i)
		ref, err := idx.TryInsertTentative(uint64(i)<<32, addr)
		require.NoError(t, err)

		ref.ClearTentative(addr, uint16(i))
	}

	require.NotEmpty(t, idx.overflow)

	for i := 0; i < entrySlots+3; i++ {
		addr, ok := idx.Find(uint64(i) << 32)
		require.True(t, ok, "entry %d not found after overflow", i)
		require.EqualValues(t, 100+i, addr)
	}
}
