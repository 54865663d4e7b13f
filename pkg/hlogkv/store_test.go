package hlogkv

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func testFunctions() Functions[string, string, string, string, struct{}] {
	return Functions[string, string, string, string, struct{}]{
		EncodeKey:        func(k string) []byte { return []byte(k) },
		DecodeKey:        func(b []byte) string { return string(b) },
		EncodeValue:      func(v string) []byte { return []byte(v) },
		DecodeValue:      func(b []byte) string { return string(b) },
		CopyUpdater:      func(_ string, in string, old string, hadOld bool) string { return old + in },
		SingleReader:     func(_ string, v string) string { return v },
		ConcurrentReader: func(_ string, v string) string { return v },
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()

	return Config{
		DataDir:         t.TempDir(),
		NumBuckets:      64,
		PageBits:        12, // 4 KiB pages
		MemoryBits:      15, // 8 pages resident
		SegmentBits:     16,
		MutableFraction: 0.9,
		MaxSessions:     8,
	}
}

func TestStoreUpsertAndRead(t *testing.T) {
	s, err := OpenMemory(testConfig(t), testFunctions())
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.StartSession()
	require.NoError(t, err)
	defer sess.Dispose()

	require.NoError(t, sess.Upsert("k1", "v1"))

	v, found, err := sess.Read("k1", struct{}{})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", v)

	require.NoError(t, sess.Upsert("k1", "v2"))

	v, found, err = sess.Read("k1", struct{}{})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", v)
}

func TestStoreReadMissing(t *testing.T) {
	s, err := OpenMemory(testConfig(t), testFunctions())
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.StartSession()
	require.NoError(t, err)
	defer sess.Dispose()

	_, found, err := sess.Read("nope", struct{}{})
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, found)
}

func TestStoreDeleteThenReadIsNotFound(t *testing.T) {
	s, err := OpenMemory(testConfig(t), testFunctions())
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.StartSession()
	require.NoError(t, err)
	defer sess.Dispose()

	require.NoError(t, sess.Upsert("k", "v"))
	require.NoError(t, sess.Delete("k"))

	_, found, err := sess.Read("k", struct{}{})
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, found)
}

func TestStoreRMWAppliesCopyUpdate(t *testing.T) {
	s, err := OpenMemory(testConfig(t), testFunctions())
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.StartSession()
	require.NoError(t, err)
	defer sess.Dispose()

	require.NoError(t, sess.RMW("counter", "a", struct{}{}))
	require.NoError(t, sess.RMW("counter", "b", struct{}{}))
	require.NoError(t, sess.RMW("counter", "c", struct{}{}))

	v, found, err := sess.Read("counter", struct{}{})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "abc", v)
}

func TestStoreManyKeysAcrossPages(t *testing.T) {
	s, err := OpenMemory(testConfig(t), testFunctions())
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.StartSession()
	require.NoError(t, err)
	defer sess.Dispose()

	const n = 500

	for i := 0; i < n; i++ {
		k := keyFor(i)
		require.NoError(t, sess.Upsert(k, k+"-value"))
	}

	for i := 0; i < n; i++ {
		k := keyFor(i)
		v, found, err := sess.Read(k, struct{}{})
		require.NoError(t, err)
		require.True(t, found, "missing key %s", k)
		require.Equal(t, k+"-value", v)
	}
}

func keyFor(i int) string {
	return "key-" + strconv.Itoa(i)
}

func TestStoreCloseRejectsWithOpenSessions(t *testing.T) {
	s, err := OpenMemory(testConfig(t), testFunctions())
	require.NoError(t, err)

	sess, err := s.StartSession()
	require.NoError(t, err)

	err = s.Close()
	require.Error(t, err)

	require.NoError(t, sess.Dispose())
	require.NoError(t, s.Close())
}

func TestStoreFaultedFunctionsRejected(t *testing.T) {
	_, err := OpenMemory(testConfig(t), Functions[string, string, string, string, struct{}]{})
	require.Error(t, err)
	require.True(t, errors.As(err, new(*StoreError)))
}
