package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/hlogkv/hlogkv/pkg/hlogkv"
)

// fileConfig is the on-disk (JSONC, via hujson) shape of a config file;
// it mirrors hlogkv.Config but with JSON-friendly field names and
// string-valued enums.
type fileConfig struct {
	DataDir         string  `json:"data_dir"`
	NumBuckets      uint64  `json:"num_buckets,omitempty"`
	PageBits        uint8   `json:"page_bits,omitempty"`
	MemoryBits      uint8   `json:"memory_bits,omitempty"`
	SegmentBits     uint8   `json:"segment_bits,omitempty"`
	MutableFraction float64 `json:"mutable_fraction,omitempty"`
	CheckpointKind  string  `json:"checkpoint_kind,omitempty"`
}

func loadFileConfig(path string) (fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileConfig{}, false, nil
		}

		return fileConfig{}, false, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return fileConfig{}, false, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}

	return fc, true, nil
}

func parseCheckpointKind(s string) (hlogkv.CheckpointKind, error) {
	switch s {
	case "", "fuzzy":
		return hlogkv.FuzzyLog, nil
	case "snapshot":
		return hlogkv.Snapshot, nil
	case "index-only":
		return hlogkv.IndexOnly, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint kind %q (want fuzzy, snapshot, or index-only)", s)
	}
}

// merge applies fc over cfg, field by field, leaving cfg's value where
// fc didn't set one.
func (fc fileConfig) merge(cfg hlogkv.Config) (hlogkv.Config, error) {
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}

	if fc.NumBuckets != 0 {
		cfg.NumBuckets = fc.NumBuckets
	}

	if fc.PageBits != 0 {
		cfg.PageBits = fc.PageBits
	}

	if fc.MemoryBits != 0 {
		cfg.MemoryBits = fc.MemoryBits
	}

	if fc.SegmentBits != 0 {
		cfg.SegmentBits = fc.SegmentBits
	}

	if fc.MutableFraction != 0 {
		cfg.MutableFraction = fc.MutableFraction
	}

	if fc.CheckpointKind != "" {
		kind, err := parseCheckpointKind(fc.CheckpointKind)
		if err != nil {
			return cfg, err
		}

		cfg.CheckpointKind = kind
	}

	return cfg, nil
}
