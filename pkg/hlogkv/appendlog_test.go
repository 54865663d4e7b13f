package hlogkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendLogAppendAndScan(t *testing.T) {
	l, err := OpenAppendLog(testConfig(t))
	require.NoError(t, err)
	defer l.Close()

	var addrs []LogicalAddress
	want := []string{"alpha", "bravo", "charlie", "delta"}

	for _, entry := range want {
		addr, err := l.Append([]byte(entry))
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}

	var got []string
	err = l.Scan(func(addr LogicalAddress, entry []byte) bool {
		got = append(got, string(entry))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, want, got)

	for i := 1; i < len(addrs); i++ {
		require.Less(t, addrs[i-1], addrs[i])
	}
}

func TestAppendLogScanStopsEarly(t *testing.T) {
	l, err := OpenAppendLog(testConfig(t))
	require.NoError(t, err)
	defer l.Close()

	for _, entry := range []string{"one", "two", "three"} {
		_, err := l.Append([]byte(entry))
		require.NoError(t, err)
	}

	var got []string
	err = l.Scan(func(addr LogicalAddress, entry []byte) bool {
		got = append(got, string(entry))
		return len(got) < 2
	})
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, got)
}

func TestAppendLogScanReadsBackFromDevice(t *testing.T) {
	cfg := testConfig(t)

	l, err := OpenAppendLog(cfg)
	require.NoError(t, err)

	pageSize := uint32(1) << cfg.PageBits
	written := 0
	var want []string

	for written < int(pageSize)*2 {
		entry := []byte("padding-entry-to-force-a-page-roll-over")
		_, err := l.Append(entry)
		require.NoError(t, err)

		want = append(want, string(entry))
		written += int(recordSize(0, len(entry)))
	}

	tail := l.alloc.bounds.Tail()
	done := make(chan struct{})
	l.alloc.ShiftReadOnlyAddress(tail, func(_ LogicalAddress, err error) {
		require.NoError(t, err)
		close(done)
	})
	<-done
	l.alloc.flushed.WaitUntilFlushed()

	l.alloc.bounds.head.Store(tail)

	var got []string
	err = l.Scan(func(addr LogicalAddress, entry []byte) bool {
		got = append(got, string(entry))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, want, got)

	require.NoError(t, l.Close())
}
