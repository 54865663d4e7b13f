package hlogkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) (*allocator, *epochManager) {
	t.Helper()

	epoch := newEpochManager(4)
	device := newMemDevice(1 << 12)

	cfg := Config{PageBits: 12, MemoryBits: 14}

	a, err := newAllocator(cfg, device, epoch)
	require.NoError(t, err)

	return a, epoch
}

func TestAllocatorAllocateAdvancesTail(t *testing.T) {
	a, _ := newTestAllocator(t)

	before := a.bounds.Tail()

	addr, buf, err := a.Allocate(64)
	require.NoError(t, err)
	require.GreaterOrEqual(t, addr, before)
	require.Len(t, buf, 64)

	after := a.bounds.Tail()
	require.Equal(t, addr+64, after)
}

func TestAllocatorRollsOverAtPageBoundary(t *testing.T) {
	a, _ := newTestAllocator(t)

	pageSize := uint32(1) << a.pageBits

	first, _, err := a.Allocate(pageSize - 32)
	require.NoError(t, err)

	second, _, err := a.Allocate(64)
	require.NoError(t, err)

	require.NotEqual(t, a.pageIndex(first), a.pageIndex(second))
}

func TestAllocatorGetPhysicalRespectsHead(t *testing.T) {
	a, _ := newTestAllocator(t)

	addr, buf, err := a.Allocate(32)
	require.NoError(t, err)

	copy(buf, []byte("hello-world-data"))

	phys, resident := a.GetPhysical(addr)
	require.True(t, resident)
	require.Equal(t, buf, phys[:len(buf)])

	a.bounds.head.Store(addr + 1000000)

	_, resident = a.GetPhysical(addr)
	require.False(t, resident)
}

func TestAllocatorShiftReadOnlyClosesPages(t *testing.T) {
	a, _ := newTestAllocator(t)

	pageSize := uint32(1) << a.pageBits

	_, _, err := a.Allocate(pageSize - 16)
	require.NoError(t, err)

	tail := a.bounds.Tail()

	done := make(chan struct{})
	a.ShiftReadOnlyAddress(tail, func(_ LogicalAddress, err error) {
		require.NoError(t, err)
		close(done)
	})

	<-done

	a.flushed.WaitUntilFlushed()

	require.Equal(t, tail, a.bounds.ReadOnly())
}
