// Package sstable implements the immutable, on-disk sorted-entry format
// an Engine flushes a MemTable into. A Table is read-only after Build:
// point lookups go through a bloom filter fast-reject, then a binary
// search over a fully in-memory index, then a positional (pread-style)
// read of the single matching data entry — never a full-file scan.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/edgekv/edgekv/internal/bloom"
	"github.com/edgekv/edgekv/internal/compress"
	"github.com/edgekv/edgekv/internal/memtable"
)

const (
	magic         = "RUSTEDGE"
	formatVersion uint32 = 1

	headerSize = 64
	footerSize = 32

	dataEntryHeaderSize = 24 // key_len, value_len, timestamp_ms, sequence_number
)

// ErrEmptyMemtable is returned by Build when asked to write a table from
// a MemTable with no entries.
var ErrEmptyMemtable = errors.New("sstable: cannot build from an empty memtable")

// ErrCorrupt indicates the file's header, footer, or index failed
// validation and cannot be trusted.
var ErrCorrupt = errors.New("sstable: corrupt")

// ErrIndexDesync indicates the key read back from the data section at an
// index-pointed offset did not match the key the index claimed lives
// there — the index and data sections have drifted out of sync.
var ErrIndexDesync = errors.New("sstable: index/data desynchronization")

type indexEntry struct {
	key        []byte
	dataOffset uint64
	keySize    uint32
	valueSize  uint32
}

// Table is an opened, immutable SSTable. Reads use os.File.ReadAt, so a
// single *Table may safely serve concurrent Get calls without external
// locking — ReadAt does not share or mutate the file's seek position.
type Table struct {
	path        string
	f           *os.File
	entryCount  uint32
	dataOffset  uint64
	index       []indexEntry
	bloom       *bloom.Filter
	compression compress.Type
	codec       compress.Codec
}

// Path returns the backing file path.
func (t *Table) Path() string { return t.path }

// EntryCount returns the number of entries recorded in the table, tombstones included.
func (t *Table) EntryCount() int { return int(t.entryCount) }

// Build writes a new SSTable at path containing every record in
// records, which must already be sorted ascending by key (the order
// MemTable.Entries returns). It fails with ErrEmptyMemtable if records
// is empty.
func Build(path string, records []memtable.Record, compression compress.Type) error {
	if len(records) == 0 {
		return ErrEmptyMemtable
	}
	codec, err := compress.ForType(compression)
	if err != nil {
		return fmt.Errorf("sstable: build: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("sstable: create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriterSize(f, 64*1024)

	bloomSize := bloom.EncodeSize(len(records))
	dataOffset := uint64(headerSize + bloomSize)

	// Header and bloom placeholders; backfilled once the real content is known.
	if _, err := w.Write(make([]byte, headerSize+bloomSize)); err != nil {
		return fmt.Errorf("sstable: write placeholder: %w", err)
	}

	bf := bloom.New(len(records))
	index := make([]indexEntry, 0, len(records))

	offset := dataOffset
	for _, r := range records {
		bf.Add(r.Key)

		var onDiskValue []byte
		if !r.Tombstone && len(r.Value) > 0 {
			onDiskValue, err = codec.Compress(r.Value)
			if err != nil {
				return fmt.Errorf("sstable: compress value for key %q: %w", r.Key, err)
			}
		}

		var hdr [dataEntryHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(r.Key)))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(onDiskValue)))
		binary.LittleEndian.PutUint64(hdr[8:16], r.TimestampMs)
		binary.LittleEndian.PutUint64(hdr[16:24], r.Seq)

		if _, err := w.Write(hdr[:]); err != nil {
			return fmt.Errorf("sstable: write data header: %w", err)
		}
		if _, err := w.Write(r.Key); err != nil {
			return fmt.Errorf("sstable: write key: %w", err)
		}
		if len(onDiskValue) > 0 {
			if _, err := w.Write(onDiskValue); err != nil {
				return fmt.Errorf("sstable: write value: %w", err)
			}
		}

		index = append(index, indexEntry{
			key:        append([]byte(nil), r.Key...),
			dataOffset: offset,
			keySize:    uint32(len(r.Key)),
			valueSize:  uint32(len(onDiskValue)),
		})
		offset += dataEntryHeaderSize + uint64(len(r.Key)) + uint64(len(onDiskValue))
	}
	dataSize := offset - dataOffset
	indexOffset := offset

	var idxCount [4]byte
	binary.LittleEndian.PutUint32(idxCount[:], uint32(len(index)))
	if _, err := w.Write(idxCount[:]); err != nil {
		return fmt.Errorf("sstable: write index count: %w", err)
	}
	for _, e := range index {
		var klen [4]byte
		binary.LittleEndian.PutUint32(klen[:], e.keySize)
		if _, err := w.Write(klen[:]); err != nil {
			return fmt.Errorf("sstable: write index key_len: %w", err)
		}
		if _, err := w.Write(e.key); err != nil {
			return fmt.Errorf("sstable: write index key: %w", err)
		}
		var rest [16]byte
		binary.LittleEndian.PutUint64(rest[0:8], e.dataOffset)
		binary.LittleEndian.PutUint32(rest[8:12], e.keySize)
		binary.LittleEndian.PutUint32(rest[12:16], e.valueSize)
		if _, err := w.Write(rest[:]); err != nil {
			return fmt.Errorf("sstable: write index entry: %w", err)
		}
	}
	indexSize := uint64(4)
	for _, e := range index {
		indexSize += 4 + uint64(e.keySize) + 16
	}

	var footer [footerSize]byte
	binary.LittleEndian.PutUint32(footer[0:4], 0) // checksum: unverified, per format
	binary.LittleEndian.PutUint64(footer[4:12], dataSize)
	binary.LittleEndian.PutUint64(footer[12:20], indexSize)
	if _, err := w.Write(footer[:]); err != nil {
		return fmt.Errorf("sstable: write footer: %w", err)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("sstable: flush: %w", err)
	}

	if _, err := f.WriteAt(bf.Bytes(), headerSize); err != nil {
		return fmt.Errorf("sstable: backfill bloom: %w", err)
	}

	var hdr [headerSize]byte
	copy(hdr[0:8], magic)
	binary.LittleEndian.PutUint32(hdr[8:12], formatVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(records)))
	binary.LittleEndian.PutUint64(hdr[16:24], indexOffset)
	binary.LittleEndian.PutUint64(hdr[24:32], headerSize)
	binary.LittleEndian.PutUint64(hdr[32:40], dataOffset)
	hdr[40] = byte(compression)
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("sstable: backfill header: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sstable: fsync: %w", err)
	}
	return nil
}

// Open loads an existing SSTable's header, bloom filter, and index into
// memory, leaving the data section on disk to be read on demand.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
		}
	}()

	var hdr [headerSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCorrupt, err)
	}
	if string(hdr[0:8]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	version := binary.LittleEndian.Uint32(hdr[8:12])
	if version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}
	entryCount := binary.LittleEndian.Uint32(hdr[12:16])
	indexOffset := binary.LittleEndian.Uint64(hdr[16:24])
	bloomOffset := binary.LittleEndian.Uint64(hdr[24:32])
	dataOffset := binary.LittleEndian.Uint64(hdr[32:40])
	compressionType := compress.Type(hdr[40])

	codec, err := compress.ForType(compressionType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sstable: stat: %w", err)
	}
	if indexOffset >= uint64(st.Size()) || bloomOffset >= dataOffset {
		return nil, fmt.Errorf("%w: offsets out of range", ErrCorrupt)
	}

	bloomLen := dataOffset - bloomOffset
	bloomBytes := make([]byte, bloomLen)
	if _, err := f.ReadAt(bloomBytes, int64(bloomOffset)); err != nil {
		return nil, fmt.Errorf("%w: read bloom: %v", ErrCorrupt, err)
	}

	indexLen := uint64(st.Size()) - footerSize - indexOffset
	indexBytes := make([]byte, indexLen)
	if _, err := f.ReadAt(indexBytes, int64(indexOffset)); err != nil {
		return nil, fmt.Errorf("%w: read index: %v", ErrCorrupt, err)
	}
	index, err := decodeIndex(indexBytes)
	if err != nil {
		return nil, err
	}

	t := &Table{
		path:        path,
		f:           f,
		entryCount:  entryCount,
		dataOffset:  dataOffset,
		index:       index,
		bloom:       bloom.Decode(bloomBytes),
		compression: compressionType,
		codec:       codec,
	}
	ok = true
	return t, nil
}

func decodeIndex(b []byte) ([]indexEntry, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: truncated index", ErrCorrupt)
	}
	count := binary.LittleEndian.Uint32(b[0:4])
	b = b[4:]
	out := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("%w: truncated index entry", ErrCorrupt)
		}
		keyLen := binary.LittleEndian.Uint32(b[0:4])
		b = b[4:]
		if uint64(len(b)) < uint64(keyLen)+16 {
			return nil, fmt.Errorf("%w: truncated index entry", ErrCorrupt)
		}
		key := append([]byte(nil), b[:keyLen]...)
		b = b[keyLen:]
		dataOffset := binary.LittleEndian.Uint64(b[0:8])
		keySize := binary.LittleEndian.Uint32(b[8:12])
		valueSize := binary.LittleEndian.Uint32(b[12:16])
		b = b[16:]
		out = append(out, indexEntry{key: key, dataOffset: dataOffset, keySize: keySize, valueSize: valueSize})
	}
	return out, nil
}

// Close releases the underlying file handle.
func (t *Table) Close() error {
	return t.f.Close()
}

// Get looks up key. found=false means the key is definitely absent from
// this table. found=true, tombstone=true means this table records a
// deletion of key; found=true, tombstone=false returns the live value.
func (t *Table) Get(key []byte) (value []byte, tombstone bool, found bool, err error) {
	if !t.bloom.MightContain(key) {
		return nil, false, false, nil
	}

	i := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].key, key) >= 0
	})
	if i >= len(t.index) || !bytes.Equal(t.index[i].key, key) {
		return nil, false, false, nil
	}

	rec, err := t.readDataEntry(t.index[i].dataOffset)
	if err != nil {
		return nil, false, false, err
	}
	if !bytes.Equal(rec.Key, key) {
		return nil, false, false, fmt.Errorf("%w: want %q got %q", ErrIndexDesync, key, rec.Key)
	}
	if rec.Tombstone {
		return nil, true, true, nil
	}
	return rec.Value, false, true, nil
}

// readDataEntry reads and decodes the single data entry at offset via a
// positional read, so it never disturbs a file position any other
// concurrent caller relies on.
func (t *Table) readDataEntry(offset uint64) (memtable.Record, error) {
	var hdr [dataEntryHeaderSize]byte
	if _, err := t.f.ReadAt(hdr[:], int64(offset)); err != nil {
		return memtable.Record{}, fmt.Errorf("sstable: read data header: %w", err)
	}
	keyLen := binary.LittleEndian.Uint32(hdr[0:4])
	valueLen := binary.LittleEndian.Uint32(hdr[4:8])
	timestampMs := binary.LittleEndian.Uint64(hdr[8:16])
	seq := binary.LittleEndian.Uint64(hdr[16:24])

	rest := make([]byte, uint64(keyLen)+uint64(valueLen))
	if _, err := t.f.ReadAt(rest, int64(offset)+dataEntryHeaderSize); err != nil {
		return memtable.Record{}, fmt.Errorf("sstable: read key/value: %w", err)
	}
	key := rest[:keyLen]
	onDiskValue := rest[keyLen:]

	if valueLen == 0 {
		return memtable.Record{Key: key, Tombstone: true, TimestampMs: timestampMs, Seq: seq}, nil
	}

	value, err := t.codec.Decompress(onDiskValue)
	if err != nil {
		return memtable.Record{}, fmt.Errorf("sstable: decompress value: %w", err)
	}
	return memtable.Record{Key: key, Value: value, TimestampMs: timestampMs, Seq: seq}, nil
}

// Iterator yields every record in a Table in ascending key order, for
// the compactor's k-way merge.
type Iterator struct {
	t   *Table
	pos int
}

// NewIterator returns an Iterator starting at the first entry.
func (t *Table) NewIterator() *Iterator {
	return &Iterator{t: t}
}

// Next returns the next record in key order, or ok=false once exhausted.
func (it *Iterator) Next() (memtable.Record, bool, error) {
	if it.pos >= len(it.t.index) {
		return memtable.Record{}, false, nil
	}
	e := it.t.index[it.pos]
	it.pos++
	rec, err := it.t.readDataEntry(e.dataOffset)
	if err != nil {
		return memtable.Record{}, false, err
	}
	return rec, true, nil
}
