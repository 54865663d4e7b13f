package hlogkv

// Functions is the capability set a caller supplies to Open: a struct
// of closures rather than an interface hierarchy, monomorphized per
// key/value/input/output/context type via Go generics instead of
// reflection.
//
// K and V are the stored key and value types. In is the input to RMW
// (e.g. "increment by N"); Out is what a Read produces for a caller
// (which need not be V itself, e.g. a decoded view); Ctx is opaque
// per-operation state threaded through the pending-I/O continuation.
type Functions[K comparable, V any, In any, Out any, Ctx any] struct {
	// EncodeKey/DecodeKey serialize K to/from the wire format stored in
	// each record. Required.
	EncodeKey func(K) []byte
	DecodeKey func([]byte) K

	// EncodeValue/DecodeValue serialize V. Required.
	EncodeValue func(V) []byte
	DecodeValue func([]byte) V

	// InPlaceUpdater attempts to apply an RMW input to an existing
	// record's value bytes without moving the record. It
	// returns false if the update cannot be done in place (e.g. the
	// encoded size would grow), forcing a CopyUpdater instead.
	InPlaceUpdater func(key K, in In, oldValueBytes []byte) (ok bool)

	// CopyUpdater produces a new value by applying in to oldValue,
	// invoked when InPlaceUpdater declines or there is no existing
	// record (oldValue is the zero V).
	CopyUpdater func(key K, in In, oldValue V, hadOld bool) V

	// SingleReader decodes a record's value for a Read of a record below
	// ReadOnlyAddress (or read back from the device), which no in-place
	// update can touch.
	SingleReader func(key K, value V) Out

	// ConcurrentReader decodes a record's value for a Read of a record in
	// the mutable region, where the read may race a concurrent in-place
	// update; implementations that can't tolerate a torn read should copy
	// defensively here.
	ConcurrentReader func(key K, value V) Out

	// ReadCompleted is invoked once a pending (device-I/O) Read finishes,
	// whether it found a record or not.
	ReadCompleted func(ctx Ctx, out Out, found bool, err error)

	// RMWCompleted is invoked once a pending (device-I/O) RMW finishes
	// applying its CopyUpdater against the on-disk value.
	RMWCompleted func(ctx Ctx, err error)
}

// validate reports the first missing required closure, if any.
func (f Functions[K, V, In, Out, Ctx]) validate() error {
	switch {
	case f.EncodeKey == nil || f.DecodeKey == nil:
		return errMissingFn("EncodeKey/DecodeKey")
	case f.EncodeValue == nil || f.DecodeValue == nil:
		return errMissingFn("EncodeValue/DecodeValue")
	case f.SingleReader == nil:
		return errMissingFn("SingleReader")
	case f.ConcurrentReader == nil:
		return errMissingFn("ConcurrentReader")
	case f.CopyUpdater == nil:
		return errMissingFn("CopyUpdater")
	default:
		return nil
	}
}

func errMissingFn(name string) error {
	return newStoreError("Open", 0, errMissingFnSentinel{name})
}

type errMissingFnSentinel struct{ name string }

func (e errMissingFnSentinel) Error() string {
	return "hlogkv: Functions." + e.name + " must be set"
}
