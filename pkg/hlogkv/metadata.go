package hlogkv

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Checkpoint metadata file format: a fixed header with a magic, a
// version, the checkpoint fields, and a trailing CRC32C so a torn or
// truncated write is detected on load rather than silently accepted.
//
//	offset 0:  magic "HLOG"
//	offset 4:  format version (uint32)
//	offset 8:  checkpoint kind (uint32)
//	offset 12: cut address, i.e. TailAddress at IN_PROGRESS (uint64)
//	offset 20: begin address (uint64)
//	offset 28: index snapshot id (uint64)
//	offset 36: CRC32C of bytes [0,36) (uint32)
const (
	metaMagic   = "HLOG"
	metaVersion = 1
	metaSize    = 40
)

var metaCRCTable = crc32.MakeTable(crc32.Castagnoli)

// CheckpointID identifies one persisted checkpoint; it is also the
// directory-entry name checkpoint files are suffixed with.
type CheckpointID struct {
	Seq uint64
}

func (id CheckpointID) String() string { return fmt.Sprintf("%020d", id.Seq) }

type checkpointMetadata struct {
	Kind           CheckpointKind
	Cut            LogicalAddress
	Begin          LogicalAddress
	IndexSnapshot  uint64
}

func encodeMetadata(m checkpointMetadata) []byte {
	buf := make([]byte, metaSize)
	copy(buf[0:4], metaMagic)
	binary.LittleEndian.PutUint32(buf[4:8], metaVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.Kind))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(m.Cut))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(m.Begin))
	binary.LittleEndian.PutUint64(buf[28:36], m.IndexSnapshot)
	binary.LittleEndian.PutUint32(buf[36:40], crc32.Checksum(buf[0:36], metaCRCTable))

	return buf
}

func decodeMetadata(buf []byte) (checkpointMetadata, error) {
	if len(buf) != metaSize {
		return checkpointMetadata{}, fmt.Errorf("%w: metadata size %d, want %d", ErrCorruptedMetadata, len(buf), metaSize)
	}

	if string(buf[0:4]) != metaMagic {
		return checkpointMetadata{}, fmt.Errorf("%w: bad magic", ErrCorruptedMetadata)
	}

	if binary.LittleEndian.Uint32(buf[4:8]) != metaVersion {
		return checkpointMetadata{}, fmt.Errorf("%w: unsupported metadata version", ErrCorruptedMetadata)
	}

	want := binary.LittleEndian.Uint32(buf[36:40])
	got := crc32.Checksum(buf[0:36], metaCRCTable)
	if want != got {
		return checkpointMetadata{}, fmt.Errorf("%w: crc mismatch", ErrCorruptedMetadata)
	}

	return checkpointMetadata{
		Kind:          CheckpointKind(binary.LittleEndian.Uint32(buf[8:12])),
		Cut:           LogicalAddress(binary.LittleEndian.Uint64(buf[12:20])),
		Begin:         LogicalAddress(binary.LittleEndian.Uint64(buf[20:28])),
		IndexSnapshot: binary.LittleEndian.Uint64(buf[28:36]),
	}, nil
}
