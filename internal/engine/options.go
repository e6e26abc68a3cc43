package engine

import (
	"log/slog"
	"time"

	"github.com/edgekv/edgekv/internal/compress"
)

// Options configures an Engine. The zero value is usable but applies no
// compression, never fsyncs the WAL (SyncEveryWrite is false and no
// SyncInterval is set), never flushes or compacts on its own, and never
// reclaims old WAL generations.
type Options struct {
	// DataDir is the root directory for WAL and SSTable files. Created
	// if absent. Defaults to "." if empty.
	DataDir string

	// MemtableMaxBytes is the accounted-size flush threshold. 0 means
	// unbounded (the engine will never flush on its own; ForceFlush is
	// still available). Default 64 MiB is applied by DefaultOptions.
	MemtableMaxBytes int

	// Compression selects the codec new SSTables are written with.
	// Existing tables record their own codec in their header and are
	// read accordingly regardless of this setting.
	Compression compress.Type

	// SyncEveryWrite fsyncs the WAL after every Put/Delete. Strongest
	// durability, slowest writes. Takes precedence over SyncInterval.
	SyncEveryWrite bool

	// SyncInterval, when SyncEveryWrite is false and SyncInterval > 0,
	// fsyncs the active WAL on a timer instead of after every write —
	// weaker durability (a crash can lose up to one interval's worth of
	// acknowledged writes) in exchange for write throughput.
	SyncInterval time.Duration

	// MaxSSTables triggers a full compaction of every live SSTable once
	// the count exceeds this value after a flush. 0 disables automatic
	// compaction.
	MaxSSTables int

	// ReclaimWAL removes a WAL generation's file once every record in it
	// has been durably folded into a flushed SSTable. Left false, WAL
	// generations accumulate on disk: nothing removes them, including a
	// restart, and Open replays every one of them.
	ReclaimWAL bool

	// MaxLevels is reserved for a future leveled-compaction driver; the
	// engine's single-tier compaction does not consult it.
	MaxLevels int

	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults: 64 MiB memtable flush
// threshold, no compression, fsync on every write, compaction after 4
// live SSTables, WAL generations retained, 7 reserved levels.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:          dataDir,
		MemtableMaxBytes: 64 << 20,
		Compression:      compress.None,
		SyncEveryWrite:   true,
		MaxSSTables:      4,
		ReclaimWAL:       false,
		MaxLevels:        7,
	}
}
