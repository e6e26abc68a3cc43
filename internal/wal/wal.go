// Package wal implements the write-ahead log: a durable, append-only
// record of every mutation, replayable into a MemTable on restart.
//
// Record format (little-endian, 24-byte header then variable payload):
//
//	+0  u32  key_len
//	+4  u32  value_len    (0 for a tombstone)
//	+8  u64  timestamp_ms
//	+16 u64  sequence_number
//	+24 key  key_len bytes
//	+…  val  value_len bytes
//
// Records are written back-to-back with no extra framing; there is no
// per-record checksum, so corruption is detected by size-sanity checks
// during replay.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

const (
	headerSize  = 24
	maxKeyLen   = 1 << 20        // 1 MiB sanity ceiling
	maxValueLen = 100 * (1 << 20) // 100 MiB sanity ceiling
)

// ErrCorrupted indicates a WAL record failed its size-sanity check or
// was cut short mid-record. Replay handles it by resynchronizing and
// never returns it to its caller.
var ErrCorrupted = errors.New("wal: corrupted record")

// ErrSequenceMismatch names a sequence number that does not follow
// directly from the WAL's current high-water mark. No function in this
// package returns it: AppendPut and AppendDelete take no sequence number
// from the caller and always assign last + 1 themselves.
var ErrSequenceMismatch = errors.New("wal: sequence number out of order")

// ErrClosed indicates an operation was attempted on a closed WAL.
var ErrClosed = errors.New("wal: closed")

// Record is a single decoded WAL entry.
type Record struct {
	Key            []byte
	Value          []byte // nil/empty means a tombstone
	TimestampMs    uint64
	SequenceNumber uint64
}

// IsTombstone reports whether this record represents a deletion. Per the
// wire format, an explicit empty-value Put is indistinguishable from a
// delete once serialized — both read back as a tombstone.
func (r Record) IsTombstone() bool {
	return len(r.Value) == 0
}

// WAL is a single append-only log generation.
type WAL struct {
	path string
	f    *os.File
	w    *bufio.Writer

	lastSeq uint64

	syncEveryWrite bool
	log            *slog.Logger
}

// Options controls durability behavior for a WAL generation.
type Options struct {
	// SyncEveryWrite fsyncs the file after every Append. Strongest
	// durability, slowest writes.
	SyncEveryWrite bool
	Logger         *slog.Logger
}

// Open creates or opens the WAL file at path for appending, recovering
// its current sequence-number high-water mark from any existing content.
func Open(path string, opts Options) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	w := &WAL{
		path:           path,
		f:              f,
		w:              bufio.NewWriterSize(f, 64*1024),
		syncEveryWrite: opts.SyncEveryWrite,
		log:            logger,
	}

	lastSeq, err := recoverSequenceNumber(path)
	if err != nil {
		return nil, err
	}
	w.lastSeq = lastSeq

	return w, nil
}

// SequenceNumber returns the current high-water mark.
func (w *WAL) SequenceNumber() uint64 {
	return w.lastSeq
}

// AppendPut durably appends a put record, assigning sequence = last + 1.
// It returns the assigned sequence number.
func (w *WAL) AppendPut(key, value []byte, timestampMs uint64) (uint64, error) {
	return w.append(key, value, timestampMs)
}

// AppendDelete durably appends a tombstone record for key.
func (w *WAL) AppendDelete(key []byte, timestampMs uint64) (uint64, error) {
	return w.append(key, nil, timestampMs)
}

func (w *WAL) append(key, value []byte, timestampMs uint64) (uint64, error) {
	if w.f == nil {
		return 0, ErrClosed
	}

	seq := w.lastSeq + 1

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(value)))
	binary.LittleEndian.PutUint64(hdr[8:16], timestampMs)
	binary.LittleEndian.PutUint64(hdr[16:24], seq)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.w.Write(key); err != nil {
		return 0, fmt.Errorf("wal: write key: %w", err)
	}
	if len(value) > 0 {
		if _, err := w.w.Write(value); err != nil {
			return 0, fmt.Errorf("wal: write value: %w", err)
		}
	}
	if err := w.w.Flush(); err != nil {
		return 0, fmt.Errorf("wal: flush: %w", err)
	}
	if w.syncEveryWrite {
		if err := w.f.Sync(); err != nil {
			return 0, fmt.Errorf("wal: fsync: %w", err)
		}
	}

	w.lastSeq = seq
	w.log.Debug("wal append", "key_len", len(key), "value_len", len(value), "seq", seq)
	return seq, nil
}

// Sync fsyncs the underlying file, for callers using an interval-based
// durability cadence rather than SyncEveryWrite.
func (w *WAL) Sync() error {
	if w.f == nil {
		return ErrClosed
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("wal: flush before sync: %w", err)
	}
	return w.f.Sync()
}

// Close flushes and closes the WAL file.
func (w *WAL) Close() error {
	if w.f == nil {
		return nil
	}
	ferr := w.w.Flush()
	cerr := w.f.Close()
	w.f = nil
	if ferr != nil {
		return fmt.Errorf("wal: flush on close: %w", ferr)
	}
	if cerr != nil {
		return fmt.Errorf("wal: close: %w", cerr)
	}
	return nil
}

// Path returns the WAL's file path.
func (w *WAL) Path() string {
	return w.path
}

// Truncate resets the WAL to empty and its sequence number to 0,
// discarding every record written so far. The file is closed and
// reopened with O_TRUNC, which empties it for every open descriptor.
func (w *WAL) Truncate() error {
	if w.f == nil {
		return ErrClosed
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("wal: flush before truncate: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("wal: close before truncate: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen %s for truncate: %w", w.path, err)
	}
	w.f = f
	w.w = bufio.NewWriterSize(f, 64*1024)
	w.lastSeq = 0
	return nil
}

// Applier is implemented by the consumer of Replay (typically a MemTable)
// so this package doesn't need to import memtable directly.
type Applier interface {
	ApplyPut(key, value []byte, timestampMs, seq uint64)
	ApplyDelete(key []byte, timestampMs, seq uint64)
}

// Replay reads every well-formed record from the WAL file at path, in
// file order, applying each to dst. Malformed headers or short reads
// trigger a forward resync scan; if resync fails, replay stops
// gracefully rather than erroring, since recovery-time corruption is
// non-fatal to engine start.
func Replay(path string, dst Applier, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		rec, ok, err := readRecord(r)
		if err != nil {
			logger.Warn("wal: corrupted record, attempting resync", "path", path, "error", err)
			if resyncErr := resync(r); resyncErr != nil {
				logger.Warn("wal: resync failed, stopping replay", "path", path, "error", resyncErr)
				return nil
			}
			continue
		}
		if !ok {
			return nil
		}
		if rec.IsTombstone() {
			dst.ApplyDelete(rec.Key, rec.TimestampMs, rec.SequenceNumber)
		} else {
			dst.ApplyPut(rec.Key, rec.Value, rec.TimestampMs, rec.SequenceNumber)
		}
	}
}

func recoverSequenceNumber(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("wal: open for sequence recovery: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64*1024)
	var maxSeq uint64
	for {
		rec, ok, err := readRecord(r)
		if err != nil {
			// Stop at first corruption; whatever we've seen is the
			// highest valid sequence number.
			break
		}
		if !ok {
			break
		}
		if rec.SequenceNumber > maxSeq {
			maxSeq = rec.SequenceNumber
		}
	}
	return maxSeq, nil
}

// readRecord reads one record from r. ok=false with err=nil means a
// clean end of file.
func readRecord(r *bufio.Reader) (Record, bool, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, false, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("wal: read header: %w", err)
	}

	keyLen := binary.LittleEndian.Uint32(hdr[0:4])
	valueLen := binary.LittleEndian.Uint32(hdr[4:8])
	timestampMs := binary.LittleEndian.Uint64(hdr[8:16])
	seq := binary.LittleEndian.Uint64(hdr[16:24])

	if keyLen == 0 || keyLen > maxKeyLen || valueLen > maxValueLen {
		return Record{}, false, fmt.Errorf("%w: key_len=%d value_len=%d", ErrCorrupted, keyLen, valueLen)
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, false, fmt.Errorf("%w: short read on key: %v", ErrCorrupted, err)
	}

	var value []byte
	if valueLen > 0 {
		value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return Record{}, false, fmt.Errorf("%w: short read on value: %v", ErrCorrupted, err)
		}
	}

	return Record{
		Key:            key,
		Value:          value,
		TimestampMs:    timestampMs,
		SequenceNumber: seq,
	}, true, nil
}

// resync scans forward one byte at a time looking for a position whose
// next 8 bytes parse as a plausible (key_len, value_len) pair, leaving r
// positioned exactly there (unconsumed) so the next readRecord call picks
// up cleanly. Peek doesn't advance the reader, so no bytes are lost.
func resync(r *bufio.Reader) error {
	for {
		window, err := r.Peek(8)
		if err != nil {
			return err
		}
		keyLen := binary.LittleEndian.Uint32(window[0:4])
		valueLen := binary.LittleEndian.Uint32(window[4:8])
		if keyLen > 0 && keyLen <= maxKeyLen && valueLen <= maxValueLen {
			return nil
		}
		if _, err := r.Discard(1); err != nil {
			return err
		}
	}
}
