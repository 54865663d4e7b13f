// Package hlogkv implements a high-throughput, persistent key/value store
// built around a hybrid log: an append-only log whose tail lives in memory
// and is mutable in place, whose middle is in-memory but immutable, and
// whose head has been evicted to a log device.
//
// The store supports point reads, blind upserts, and read-modify-write
// updates at throughput dominated by a single hash lookup plus one
// cache-line write on the hot path, and provides crash-consistent
// checkpoint/recovery.
//
// # Basic usage
//
//	store, err := hlogkv.Open(hlogkv.Config{
//	    DataDir:    "/var/lib/myapp/hlog",
//	    NumBuckets: 1 << 20,
//	}, hlogkv.Functions[MyKey, MyValue, NoInput, MyValue, NoCtx]{ ... })
//	if err != nil {
//	    // handle
//	}
//	defer store.Close()
//
//	sess, err := store.StartSession()
//	defer sess.Dispose()
//
//	sess.Upsert(k, v)
//	v, found, err := sess.Read(k, NoCtx{})
//	if errors.Is(err, hlogkv.ErrPending) {
//	    sess.CompletePending(true)
//	}
//
// # Concurrency
//
// A [Session] is the unit of thread affinity: acquire one per goroutine
// that issues operations and call [Session.Refresh] on a steady cadence
// (every ~256 operations is a reasonable default) so that background log
// shifts and checkpoints can make progress. Sessions are cheap to create
// but are not safe for concurrent use by multiple goroutines.
package hlogkv
