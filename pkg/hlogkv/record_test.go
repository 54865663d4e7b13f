package hlogkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	key := []byte("hello")
	val := []byte("world!!")

	size := recordSize(len(key), len(val))
	buf := make([]byte, size)

	h := recordHeader{Previous: LogicalAddress(0x1234), Tombstone: false}
	n := encodeRecord(buf, h, key, val)
	require.EqualValues(t, size, n)

	rec, ok := decodeRecord(buf)
	require.True(t, ok)
	require.Equal(t, key, rec.Key)
	require.Equal(t, val, rec.Val)
	require.Equal(t, h.Previous, rec.Header.Previous)
	require.False(t, rec.Header.Tombstone)
}

func TestRecordHeaderFlags(t *testing.T) {
	h := recordHeader{Previous: 42, Invalid: true, Tombstone: true, Fuzzy: true}
	v := h.encode()
	got := decodeRecordHeader(v)

	require.Equal(t, h, got)
}

func TestRecordSizeIsAligned(t *testing.T) {
	for _, n := range []int{0, 1, 3, 7, 8, 9, 100} {
		size := recordSize(n, 0)
		require.Zero(t, size%8, "size %d for keyLen %d not 8-byte aligned", size, n)
	}
}

func TestDecodeRecordRejectsShortBuffer(t *testing.T) {
	_, ok := decodeRecord([]byte{1, 2, 3})
	require.False(t, ok)
}
