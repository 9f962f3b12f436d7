// Package config loads the engine's runtime tunables as optional TOML,
// overlaid on the values returned by Default.
package config

import (
	"os"

	"github.com/naoina/toml"
)

// Config holds the knobs left implementation-defined: batch sizes for the
// reclamation pass, the row cache size, and the two behaviors that are
// intentionally configurable rather than fixed.
type Config struct {
	// TolerantDelete selects a lenient behavior when delete_physical
	// can't find its own id in the parent's children array: log and
	// continue rather than abort the transaction.
	TolerantDelete bool `toml:"tolerant_delete"`

	// SweepWhiteouts is a hook point for deleting whiteout entries that
	// no longer overwrite anything during the key sweep. Off by default.
	// This repo has no whiteout concept: the value is passed to the
	// reclamation engine, but the key sweep does not read it, so setting
	// it has no effect.
	SweepWhiteouts bool `toml:"sweep_whiteouts"`

	// RowCacheBytes sizes the fastcache fronting snapshot-node reads.
	// Subvolume reads use a separate LRU with a fixed entry count.
	RowCacheBytes int `toml:"row_cache_bytes"`

	// KeySweepBatch is the number of distinct key positions the
	// reclamation engine's phase 4 processes per transaction before
	// committing and resuming in a fresh one.
	KeySweepBatch int `toml:"key_sweep_batch"`

	// KeySweepRatePerSec caps how many keys per second the reclamation
	// engine's phase 4 is allowed to examine (kept or deleted), so a
	// large sweep cannot starve foreground transactions.
	KeySweepRatePerSec int `toml:"key_sweep_rate_per_sec"`
}

// Default returns the engine's out-of-the-box tunables.
func Default() Config {
	return Config{
		TolerantDelete:     true,
		SweepWhiteouts:     false,
		RowCacheBytes:      32 * 1024 * 1024,
		KeySweepBatch:      4096,
		KeySweepRatePerSec: 200000,
	}
}

// Load reads a TOML tunables file, overlaying it on Default(). A missing
// file is not an error: the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
