package hlogkv

import "fmt"

// CheckpointKind names the checkpoint strategy. The kind is recorded in
// each checkpoint's metadata; the checkpoint cycle itself is the same
// for every kind (log cut, flush up to the cut, index snapshot).
type CheckpointKind int

const (
	// FuzzyLog relies on the ordinary log flush pipeline rather than
	// copying the mutable region aside; cheapest, slightly slower
	// recovery (more log to replay past the snapshot).
	FuzzyLog CheckpointKind = iota

	// Snapshot is recorded as the checkpoint's kind. It runs the same
	// cycle as FuzzyLog; no side file of the mutable region is written.
	Snapshot

	// IndexOnly is recorded as the checkpoint's kind. It runs the same
	// cycle as FuzzyLog, including the log cut.
	IndexOnly
)

func (k CheckpointKind) String() string {
	switch k {
	case FuzzyLog:
		return "FuzzyLog"
	case Snapshot:
		return "Snapshot"
	case IndexOnly:
		return "IndexOnly"
	default:
		return "Unknown"
	}
}

// Config configures a Store. Zero-value fields are replaced by
// DefaultConfig's values via Config.withDefaults.
type Config struct {
	// DataDir holds hlog.<segment>, index.<id>, checkpoint.<id>, and
	// checkpoint.current files; no per-session cpr.<id> file is written.
	// Required.
	DataDir string

	// NumBuckets is the hash index size, rounded up to a power of two.
	// Fixed at construction; the index is never resized.
	NumBuckets uint64

	// PageBits is log2 of the page size (bytes). Typical: 22 (4MiB).
	PageBits uint8

	// MemoryBits is log2 of the total in-memory log span (bytes). The
	// page buffer holds 1<<(MemoryBits-PageBits) pages.
	MemoryBits uint8

	// SegmentBits is log2 of the on-device segment file size (bytes).
	SegmentBits uint8

	// MutableFraction (0.0-1.0) is the fraction of in-memory span kept
	// mutable; ReadOnlyAddress trails TailAddress by this fraction of
	// the in-memory span. The allocator maintains this automatically on
	// every Allocate (and on Session.Refresh/CompletePending), shifting
	// ReadOnlyAddress and, once the pages it closes are flushed,
	// HeadAddress, so the page buffer never just fills up and wedges.
	MutableFraction float64

	// CheckpointKind is recorded in each checkpoint's metadata; see the
	// CheckpointKind constants for what each kind does.
	CheckpointKind CheckpointKind

	// PreallocateLog is not read by the store or its devices; segment
	// files grow as pages are written to them.
	PreallocateLog bool

	// CopyReadsToTail migrates a read hit found below ReadOnlyAddress
	// (resident-but-immutable, or read back from the device) to a fresh
	// record at the tail, so a repeatedly-read cold key resolves closer
	// to the head of its chain on future lookups.
	CopyReadsToTail bool

	// AffinitizedSessions is not read by the store: whatever its value,
	// every operation publishes the current epoch into its session's
	// slot on entry and clears it on exit.
	AffinitizedSessions bool

	// MaxSessions bounds the epoch manager's slot table (no dynamic
	// growth, matching the store's "fixed at construction" posture
	// elsewhere).
	MaxSessions int
}

// DefaultConfig returns a Config usable for small/medium workloads and
// tests. DataDir must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		NumBuckets:          1 << 16,
		PageBits:            22, // 4 MiB pages
		MemoryBits:          25, // 32 MiB resident (8 pages)
		SegmentBits:         30, // 1 GiB segment files
		MutableFraction:     0.9,
		CheckpointKind:      FuzzyLog,
		PreallocateLog:      false,
		CopyReadsToTail:     false,
		AffinitizedSessions: false,
		MaxSessions:         256,
	}
}

// Option mutates a Config; used by programmatic callers that prefer
// functional options over struct-literal construction.
type Option func(*Config)

func WithNumBuckets(n uint64) Option     { return func(c *Config) { c.NumBuckets = n } }
func WithPageBits(bits uint8) Option     { return func(c *Config) { c.PageBits = bits } }
func WithMemoryBits(bits uint8) Option   { return func(c *Config) { c.MemoryBits = bits } }
func WithSegmentBits(bits uint8) Option  { return func(c *Config) { c.SegmentBits = bits } }
func WithMutableFraction(f float64) Option {
	return func(c *Config) { c.MutableFraction = f }
}
func WithCheckpointKind(k CheckpointKind) Option {
	return func(c *Config) { c.CheckpointKind = k }
}
func WithCopyReadsToTail(v bool) Option { return func(c *Config) { c.CopyReadsToTail = v } }
func WithAffinitizedSessions(v bool) Option {
	return func(c *Config) { c.AffinitizedSessions = v }
}

// withDefaults fills zero-value fields from DefaultConfig, preserving
// anything the caller already set.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NumBuckets == 0 {
		c.NumBuckets = d.NumBuckets
	}

	if c.PageBits == 0 {
		c.PageBits = d.PageBits
	}

	if c.MemoryBits == 0 {
		c.MemoryBits = d.MemoryBits
	}

	if c.SegmentBits == 0 {
		c.SegmentBits = d.SegmentBits
	}

	if c.MutableFraction == 0 {
		c.MutableFraction = d.MutableFraction
	}

	if c.MaxSessions == 0 {
		c.MaxSessions = d.MaxSessions
	}

	return c
}

// Validate checks Config for internally-consistent, constructible values.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("hlogkv: Config.DataDir must be set")
	}

	if c.MemoryBits < c.PageBits {
		return fmt.Errorf("hlogkv: MemoryBits (%d) must be >= PageBits (%d)", c.MemoryBits, c.PageBits)
	}

	if c.MemoryBits-c.PageBits > 20 {
		return fmt.Errorf("hlogkv: page buffer would need 2^%d pages, too large", c.MemoryBits-c.PageBits)
	}

	if c.MutableFraction < 0 || c.MutableFraction > 1 {
		return fmt.Errorf("hlogkv: MutableFraction must be in [0,1], got %f", c.MutableFraction)
	}

	if c.SegmentBits < c.PageBits {
		return fmt.Errorf("hlogkv: SegmentBits (%d) must be >= PageBits (%d)", c.SegmentBits, c.PageBits)
	}

	return nil
}

// numPages returns 1<<(MemoryBits-PageBits), the page buffer's K.
func (c Config) numPages() int {
	return 1 << (c.MemoryBits - c.PageBits)
}

// numBucketsPow2 rounds NumBuckets up to the next power of two (0 and 1
// both round to 1).
func (c Config) numBucketsPow2() uint64 {
	n := c.NumBuckets
	if n <= 1 {
		return 1
	}

	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++

	return n
}
