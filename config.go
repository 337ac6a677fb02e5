package barecat

import "io"

// defaultShardSizeLimit is spec §6's default: 2^63-1, effectively
// unbounded rollover.
const defaultShardSizeLimit int64 = 1<<63 - 1

// Mode selects how Open treats an existing (or missing) archive (spec §6
// `open(base, mode, ...)`).
type Mode int

const (
	ModeReadOnly Mode = iota
	ModeReadWrite
	ModeCreateNew
	ModeAppend
	ModeOverwrite
)

// Options configures Open. Unlike the teacher's CacheOptions, layout
// configuration (ShardSizeLimit) is not re-verified against a JSON
// sidecar — spec §6 forbids sidecar files, so it is read from and
// written to the index's config table instead (see the config-table
// access in index.go, and DESIGN.md for why this departs from the
// teacher's verifyOrWriteConfig).
type Options struct {
	Mode Mode

	// ShardSizeLimit caps shard file size (spec §3 config.shard_size_limit).
	// Only honored when Open creates a new index (ModeCreateNew,
	// ModeOverwrite, or a writable mode on a base with no index yet); a
	// reopen always uses the value already stored in the index, ignoring
	// this field, to keep the cap an immutable property of the archive
	// once created.
	ShardSizeLimit int64

	// LogWriter receives structured log events (see log.go). Nil selects
	// os.Stderr.
	LogWriter io.Writer
}

func DefaultOptions() Options {
	return Options{Mode: ModeReadWrite, ShardSizeLimit: defaultShardSizeLimit}
}
