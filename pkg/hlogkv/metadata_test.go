package hlogkv

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestMetadataRoundTrip(t *testing.T) {
	want := checkpointMetadata{
		Kind:          FuzzyLog,
		Cut:           LogicalAddress(1 << 20),
		Begin:         LogicalAddress(1 << 12),
		IndexSnapshot: 7,
	}

	got, err := decodeMetadata(encodeMetadata(want))
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("metadata round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMetadataRejectsBadMagic(t *testing.T) {
	buf := encodeMetadata(checkpointMetadata{Kind: Snapshot})
	buf[0] = 'X'

	_, err := decodeMetadata(buf)
	require.ErrorIs(t, err, ErrCorruptedMetadata)
}

func TestMetadataRejectsCRCMismatch(t *testing.T) {
	buf := encodeMetadata(checkpointMetadata{Kind: IndexOnly, Cut: 99})
	buf[12] ^= 0xFF

	_, err := decodeMetadata(buf)
	require.ErrorIs(t, err, ErrCorruptedMetadata)
}
