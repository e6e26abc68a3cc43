// Package engine orchestrates the write-ahead log, MemTable, SSTables,
// and compactor into a single embeddable key-value store. Mutating
// operations (Put, Delete, ForceFlush, Close) take the Engine's
// exclusive lock; Get and Stats take its shared lock, matching the
// core's cooperative-task concurrency model.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/edgekv/edgekv/internal/compaction"
	"github.com/edgekv/edgekv/internal/memtable"
	"github.com/edgekv/edgekv/internal/sstable"
	"github.com/edgekv/edgekv/internal/wal"
)

// ErrEmptyKey is returned by Put, Delete, and Get when called with a
// zero-length key.
var ErrEmptyKey = errors.New("engine: key must not be empty")

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("engine: closed")

// Stats reports point-in-time observability counters. For monitoring
// only; never consulted by correctness-critical code.
type Stats struct {
	MemtableSize       int
	SSTableCount       int
	DataDir            string
	SequenceNumber     uint64
	WALGenerationCount int
}

// Engine is a single-node, embeddable LSM-tree key-value store rooted
// at a data directory on disk.
type Engine struct {
	mu     sync.RWMutex
	closed bool

	dataDir string
	opts    Options
	log     *slog.Logger

	mem *memtable.Memtable

	w      *wal.WAL
	walGen uint64

	tables []*sstable.Table // newest-first

	fileClock uint64 // monotonic source for WAL/SSTable filename timestamps
	walCount  int    // generations seen since Open, for Stats

	stopSync chan struct{} // non-nil only when a periodic sync loop is running
	syncWG   sync.WaitGroup
}

// Open creates dataDir if absent, replays every WAL generation found
// there into a fresh MemTable, opens every SSTable found there, and
// begins appending to the newest WAL generation (creating one if none
// exists).
func Open(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		opts.DataDir = "."
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		dataDir:   opts.DataDir,
		opts:      opts,
		log:       logger,
		mem:       memtable.New(opts.MemtableMaxBytes),
		fileClock: uint64(time.Now().UnixMilli()),
	}

	walGens, err := e.listWALGenerations()
	if err != nil {
		return nil, err
	}
	for _, gen := range walGens {
		path := filepath.Join(e.dataDir, walFileName(gen))
		if err := wal.Replay(path, e.mem, logger); err != nil {
			return nil, fmt.Errorf("engine: replay %s: %w", path, err)
		}
	}
	e.walCount = len(walGens)

	tables, err := e.loadSSTables()
	if err != nil {
		return nil, err
	}
	e.tables = tables

	activeGen := uint64(0)
	if len(walGens) > 0 {
		activeGen = walGens[len(walGens)-1]
	}
	activePath := filepath.Join(e.dataDir, walFileName(activeGen))
	w, err := wal.Open(activePath, wal.Options{SyncEveryWrite: opts.SyncEveryWrite, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("engine: open active wal: %w", err)
	}
	e.w = w
	e.walGen = activeGen
	if len(walGens) == 0 {
		e.walCount = 1
	}

	if !opts.SyncEveryWrite && opts.SyncInterval > 0 {
		e.stopSync = make(chan struct{})
		e.syncWG.Add(1)
		go e.runSyncLoop(opts.SyncInterval)
	}

	return e, nil
}

// runSyncLoop fsyncs the currently active WAL on a fixed interval,
// until Close signals stopSync. It re-reads e.w under the shared lock
// on every tick so it always syncs the current WAL generation, even
// across a flush's rotation.
func (e *Engine) runSyncLoop(interval time.Duration) {
	defer e.syncWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopSync:
			return
		case <-ticker.C:
			e.mu.RLock()
			w := e.w
			e.mu.RUnlock()
			if err := w.Sync(); err != nil {
				e.log.Warn("engine: periodic wal sync failed", "error", err)
			}
		}
	}
}

// Put durably appends key/value to the WAL, then makes it visible in
// the MemTable, flushing if the MemTable has reached its size bound.
func (e *Engine) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	timestampMs := uint64(time.Now().UnixMilli())
	seq, err := e.w.AppendPut(key, value, timestampMs)
	if err != nil {
		return fmt.Errorf("engine: put: %w", err)
	}
	e.mem.ApplyPut(key, value, timestampMs, seq)

	if e.mem.IsFull() {
		if err := e.flushLocked(); err != nil {
			return fmt.Errorf("engine: put: flush: %w", err)
		}
	}
	return nil
}

// Delete durably appends a tombstone for key, following the same
// sequence as Put.
func (e *Engine) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	timestampMs := uint64(time.Now().UnixMilli())
	seq, err := e.w.AppendDelete(key, timestampMs)
	if err != nil {
		return fmt.Errorf("engine: delete: %w", err)
	}
	e.mem.ApplyDelete(key, timestampMs, seq)

	if e.mem.IsFull() {
		if err := e.flushLocked(); err != nil {
			return fmt.Errorf("engine: delete: flush: %w", err)
		}
	}
	return nil
}

// Get returns the current value for key. found=false means the key is
// absent or has been deleted; a tombstone in any layer halts the
// search immediately rather than falling through to an older layer.
func (e *Engine) Get(key []byte) (value []byte, found bool, err error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, false, ErrClosed
	}

	if r, ok := e.mem.Get(key); ok {
		if r.Tombstone {
			return nil, false, nil
		}
		return r.Value, true, nil
	}

	for _, t := range e.tables {
		value, tombstone, hit, err := t.Get(key)
		if err != nil {
			return nil, false, fmt.Errorf("engine: get: %w", err)
		}
		if !hit {
			continue
		}
		if tombstone {
			return nil, false, nil
		}
		return value, true, nil
	}

	return nil, false, nil
}

// ForceFlush flushes the current MemTable to a new SSTable even if it
// hasn't reached its size bound, then applies the configured
// compaction trigger. A no-op if the MemTable is empty.
func (e *Engine) ForceFlush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.flushLocked()
}

// Compact flushes the current MemTable, then merges every live SSTable
// into one regardless of MaxSSTables. A no-op if fewer than two tables
// result from the flush.
func (e *Engine) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := e.flushLocked(); err != nil {
		return err
	}
	return e.compactLocked()
}

// Close closes the active WAL and every open SSTable. It does not flush
// the MemTable: durability is already guaranteed by the WAL, and
// recovery on the next Open replays it.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true

	var firstErr error
	if err := e.w.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("engine: close wal: %w", err)
	}
	for _, t := range e.tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine: close sstable %s: %w", t.Path(), err)
		}
	}
	e.mu.Unlock()

	// Stopped outside the lock: runSyncLoop briefly takes e.mu.RLock on
	// every tick, so waiting on it while still holding the write lock
	// would deadlock.
	if e.stopSync != nil {
		close(e.stopSync)
		e.syncWG.Wait()
	}
	return firstErr
}

// Stats reports current observability counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		MemtableSize:       e.mem.SizeBytes(),
		SSTableCount:       len(e.tables),
		DataDir:            e.dataDir,
		SequenceNumber:     e.w.SequenceNumber(),
		WALGenerationCount: e.walCount,
	}
}

func (e *Engine) nextFileTimestamp() uint64 {
	e.fileClock++
	return e.fileClock
}

// flushLocked builds a new SSTable from the current MemTable, rotates
// the WAL, and applies the compaction trigger. The caller must hold
// e.mu for writing.
func (e *Engine) flushLocked() error {
	entries := e.mem.Entries()
	if len(entries) == 0 {
		return nil
	}

	ts := e.nextFileTimestamp()
	sstPath := filepath.Join(e.dataDir, sstableFileName(ts))
	if err := sstable.Build(sstPath, entries, e.opts.Compression); err != nil {
		return fmt.Errorf("build sstable: %w", err)
	}
	tbl, err := sstable.Open(sstPath)
	if err != nil {
		return fmt.Errorf("open newly built sstable: %w", err)
	}

	oldWALPath := e.w.Path()
	if err := e.w.Close(); err != nil {
		return fmt.Errorf("close old wal: %w", err)
	}

	newGen := e.nextFileTimestamp()
	newWALPath := filepath.Join(e.dataDir, walFileName(newGen))
	newW, err := wal.Open(newWALPath, wal.Options{SyncEveryWrite: e.opts.SyncEveryWrite, Logger: e.log})
	if err != nil {
		return fmt.Errorf("open new wal generation: %w", err)
	}

	e.tables = append([]*sstable.Table{tbl}, e.tables...)
	e.mem = memtable.New(e.opts.MemtableMaxBytes)
	e.w = newW
	e.walGen = newGen
	e.walCount++

	e.log.Info("engine: flushed memtable", "sstable", sstPath, "entries", len(entries), "wal_generation", newGen)

	if e.opts.ReclaimWAL {
		if err := os.Remove(oldWALPath); err != nil && !os.IsNotExist(err) {
			e.log.Warn("engine: failed to reclaim old wal", "path", oldWALPath, "error", err)
		}
	}

	if e.opts.MaxSSTables > 0 && len(e.tables) > e.opts.MaxSSTables {
		if err := e.compactLocked(); err != nil {
			return fmt.Errorf("compact: %w", err)
		}
	}
	return nil
}

// compactLocked merges every live SSTable into one. The caller must
// hold e.mu for writing.
func (e *Engine) compactLocked() error {
	if len(e.tables) <= 1 {
		return nil
	}

	inputs := e.tables
	ts := e.nextFileTimestamp()
	outPath := filepath.Join(e.dataDir, sstableFileName(ts))

	out, err := compaction.Run(outPath, inputs, e.opts.Compression)
	if err != nil {
		_ = os.Remove(outPath)
		return err
	}

	for _, t := range inputs {
		path := t.Path()
		if err := t.Close(); err != nil {
			e.log.Warn("engine: failed to close compacted input", "path", path, "error", err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.log.Warn("engine: failed to remove compacted input", "path", path, "error", err)
		}
	}

	if out == nil {
		e.tables = nil
		e.log.Info("engine: compaction dropped all entries", "inputs", len(inputs))
		return nil
	}
	e.tables = []*sstable.Table{out}
	e.log.Info("engine: compacted", "inputs", len(inputs), "output", outPath, "entries", out.EntryCount())
	return nil
}

func (e *Engine) listWALGenerations() ([]uint64, error) {
	ents, err := os.ReadDir(e.dataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: list data dir: %w", err)
	}
	var gens []uint64
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		if gen, ok := parseWALFileName(ent.Name()); ok {
			gens = append(gens, gen)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

func (e *Engine) loadSSTables() ([]*sstable.Table, error) {
	ents, err := os.ReadDir(e.dataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: list data dir: %w", err)
	}
	type found struct {
		ts   uint64
		path string
	}
	var files []found
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		if ts, ok := parseSSTableFileName(ent.Name()); ok {
			files = append(files, found{ts: ts, path: filepath.Join(e.dataDir, ent.Name())})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ts > files[j].ts }) // newest first

	tables := make([]*sstable.Table, 0, len(files))
	for _, f := range files {
		t, err := sstable.Open(f.path)
		if err != nil {
			e.log.Warn("engine: skipping unreadable sstable", "path", f.path, "error", err)
			continue
		}
		tables = append(tables, t)
	}
	return tables, nil
}
