// Command hlogkv opens a hybrid-log key/value store and exposes it
// through one-shot subcommands and an interactive REPL.
//
// Usage:
//
//	hlogkv [flags] get <key>
//	hlogkv [flags] put <key> <value>
//	hlogkv [flags] del <key>
//	hlogkv [flags] checkpoint
//	hlogkv [flags] repl
//
// Flags:
//
//	-c, --config FILE         JSONC config file (default: ./hlogkv.jsonc if present)
//	-d, --data-dir DIR        store directory (required unless set in config)
//	    --num-buckets N       hash index bucket count
//	    --page-bits N         log2(page size)
//	    --memory-bits N       log2(resident memory span)
//	    --checkpoint-kind K   fuzzy, snapshot, or index-only
package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/hlogkv/hlogkv/pkg/hlogkv"
)

type stringFns = hlogkv.Functions[string, []byte, []byte, []byte, struct{}]

func newStringFns() stringFns {
	return stringFns{
		EncodeKey:   func(k string) []byte { return []byte(k) },
		DecodeKey:   func(b []byte) string { return string(b) },
		EncodeValue: func(v []byte) []byte { return v },
		DecodeValue: func(b []byte) []byte { return bytes.Clone(b) },
		CopyUpdater: func(_ string, in []byte, _ []byte, _ bool) []byte { return in },
		SingleReader: func(_ string, v []byte) []byte {
			return v
		},
		ConcurrentReader: func(_ string, v []byte) []byte {
			return bytes.Clone(v)
		},
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "hlogkv:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("hlogkv", flag.ContinueOnError)

	configPath := fs.StringP("config", "c", "hlogkv.jsonc", "JSONC config file")
	dataDir := fs.StringP("data-dir", "d", "", "store directory")
	numBuckets := fs.Uint64("num-buckets", 0, "hash index bucket count")
	pageBits := fs.Uint8("page-bits", 0, "log2(page size)")
	memoryBits := fs.Uint8("memory-bits", 0, "log2(resident memory span)")
	checkpointKind := fs.String("checkpoint-kind", "", "fuzzy, snapshot, or index-only")

	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("missing command (get, put, del, checkpoint, repl)")
	}

	cfg := hlogkv.DefaultConfig()

	fc, ok, err := loadFileConfig(*configPath)
	if err != nil {
		return err
	}

	if ok {
		cfg, err = fc.merge(cfg)
		if err != nil {
			return err
		}
	}

	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if *numBuckets != 0 {
		cfg.NumBuckets = *numBuckets
	}

	if *pageBits != 0 {
		cfg.PageBits = *pageBits
	}

	if *memoryBits != 0 {
		cfg.MemoryBits = *memoryBits
	}

	if *checkpointKind != "" {
		kind, err := parseCheckpointKind(*checkpointKind)
		if err != nil {
			return err
		}

		cfg.CheckpointKind = kind
	}

	if cfg.DataDir == "" {
		return errors.New("data directory not set (--data-dir or config data_dir)")
	}

	store, err := hlogkv.Open(cfg, newStringFns())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	defer store.Close()

	sess, err := store.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	defer sess.Dispose()

	switch rest[0] {
	case "get":
		return cmdGet(sess, rest[1:])
	case "put":
		return cmdPut(sess, rest[1:])
	case "del":
		return cmdDel(sess, rest[1:])
	case "checkpoint":
		return cmdCheckpoint(store)
	case "repl":
		return runREPL(store, sess)
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func cmdGet(sess *hlogkv.Session[string, []byte, []byte, []byte, struct{}], args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}

	v, found, err := sess.Read(args[0], struct{}{})
	if errors.Is(err, hlogkv.ErrPending) {
		sess.CompletePending(true)
		v, found, err = sess.Read(args[0], struct{}{})
	}

	if errors.Is(err, hlogkv.ErrNotFound) {
		fmt.Println("(not found)")
		return nil
	}

	if err != nil {
		return err
	}

	if !found {
		fmt.Println("(not found)")
		return nil
	}

	fmt.Println(string(v))

	return nil
}

func cmdPut(sess *hlogkv.Session[string, []byte, []byte, []byte, struct{}], args []string) error {
	if len(args) != 2 {
		return errors.New("usage: put <key> <value>")
	}

	return sess.Upsert(args[0], []byte(args[1]))
}

func cmdDel(sess *hlogkv.Session[string, []byte, []byte, []byte, struct{}], args []string) error {
	if len(args) != 1 {
		return errors.New("usage: del <key>")
	}

	return sess.Delete(args[0])
}

func cmdCheckpoint(store *hlogkv.Store[string, []byte, []byte, []byte, struct{}]) error {
	id, err := store.Checkpoint()
	if err != nil {
		return err
	}

	fmt.Println("checkpoint", id)

	return nil
}
