package hlogkv

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fixedLenFunctions supports same-length in-place RMW updates, needed to
// exercise the InPlaceUpdater path (testFunctions leaves it nil).
func fixedLenFunctions() Functions[string, string, string, string, struct{}] {
	return Functions[string, string, string, string, struct{}]{
		EncodeKey:   func(k string) []byte { return []byte(k) },
		DecodeKey:   func(b []byte) string { return string(b) },
		EncodeValue: func(v string) []byte { return []byte(v) },
		DecodeValue: func(b []byte) string { return string(b) },
		InPlaceUpdater: func(_ string, in string, oldValueBytes []byte) bool {
			if len(in) != len(oldValueBytes) {
				return false
			}
			copy(oldValueBytes, in)
			return true
		},
		CopyUpdater:      func(_ string, in string, _ string, _ bool) string { return in },
		SingleReader:     func(_ string, v string) string { return v },
		ConcurrentReader: func(_ string, v string) string { return v },
	}
}

// smallRingConfig returns a Config with a deliberately tiny page buffer
// (4 pages of 512 bytes = 2 KiB resident) so a modest number of writes
// is enough to exhaust it and force boundary maintenance to run.
func smallRingConfig(t *testing.T) Config {
	t.Helper()

	cfg := testConfig(t)
	cfg.PageBits = 9
	cfg.MemoryBits = 11
	cfg.SegmentBits = 9
	cfg.MutableFraction = 0.5

	return cfg
}

func TestStoreBoundaryMaintenanceUnblocksAllocationPastResidentCapacity(t *testing.T) {
	var mu sync.Mutex
	var pendingVal string
	var pendingFound bool
	var pendingErr error

	fns := testFunctions()
	fns.ReadCompleted = func(_ struct{}, out string, found bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		pendingVal, pendingFound, pendingErr = out, found, err
	}

	s, err := OpenMemory(smallRingConfig(t), fns)
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.StartSession()
	require.NoError(t, err)
	defer sess.Dispose()

	const n = 400 // far more than the 2 KiB resident buffer can hold at once

	for i := 0; i < n; i++ {
		k := keyFor(i)
		require.NoError(t, sess.Upsert(k, k+"-value"), "upsert %d must not wedge once the resident buffer fills", i)
	}

	for _, i := range []int{0, n / 2, n - 1} {
		k := keyFor(i)
		v, found, err := sess.Read(k, struct{}{})
		if errors.Is(err, ErrPending) {
			// key's page was evicted; the value arrives via ReadCompleted
			sess.CompletePending(true)
			mu.Lock()
			v, found, err = pendingVal, pendingFound, pendingErr
			mu.Unlock()
		}
		require.NoError(t, err)
		require.True(t, found, "missing key %s", k)
		require.Equal(t, k+"-value", v)
	}
}

func TestStorePendingReadCompletesViaCompletePending(t *testing.T) {
	var mu sync.Mutex
	var gotVal string
	var gotFound, completed bool
	var gotErr error

	fns := testFunctions()
	fns.ReadCompleted = func(_ struct{}, out string, found bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		gotVal, gotFound, gotErr, completed = out, found, err, true
	}

	s, err := OpenMemory(smallRingConfig(t), fns)
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.StartSession()
	require.NoError(t, err)
	defer sess.Dispose()

	require.NoError(t, sess.Upsert("early-key", "early-value"))

	// Push enough further writes through that early-key's page is
	// flushed and evicted (HeadAddress advances past it), forcing the
	// later Read to fall to a device read.
	const n = 400
	for i := 0; i < n; i++ {
		k := keyFor(i)
		require.NoError(t, sess.Upsert(k, k+"-value"))
	}

	_, found, err := sess.Read("early-key", struct{}{})
	require.ErrorIs(t, err, ErrPending)
	require.False(t, found)
	require.True(t, sess.HasPending())

	sess.CompletePending(true)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, completed)
	require.NoError(t, gotErr)
	require.True(t, gotFound)
	require.Equal(t, "early-value", gotVal)
}

func TestStoreCheckpointThenRMWCopiesInsteadOfMutatingInPlace(t *testing.T) {
	s, err := OpenMemory(testConfig(t), fixedLenFunctions())
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.StartSession()
	require.NoError(t, err)
	defer sess.Dispose()

	require.NoError(t, sess.Upsert("counter", "aaaa"))

	h := s.idx.hashKey([]byte("counter"))
	oldAddr, ok := s.idx.Find(h)
	require.True(t, ok)

	_, err = s.Checkpoint()
	require.NoError(t, err)

	// ReadOnlyAddress now sits at the checkpoint cut, at or above
	// oldAddr; RMW must copy-update rather than patch the checkpointed
	// record's bytes in place.
	require.NoError(t, sess.RMW("counter", "bbbb", struct{}{}))

	newAddr, ok := s.idx.Find(h)
	require.True(t, ok)
	require.NotEqual(t, oldAddr, newAddr, "RMW after a checkpoint must append a new record, not mutate the checkpointed one in place")

	phys, resident := s.alloc.GetPhysical(oldAddr)
	require.True(t, resident)

	oldRec, ok := decodeRecord(phys)
	require.True(t, ok)
	require.Equal(t, "aaaa", string(oldRec.Val), "the checkpointed record's bytes must not change")

	v, found, err := sess.Read("counter", struct{}{})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "bbbb", v)
}
