// Package memtable implements the in-memory sorted buffer that absorbs
// writes before they are flushed to an SSTable. Entries are kept in a
// single sorted slice ordered by key so both point lookups and ordered
// iteration (for flush) run in O(log n) / O(n) without an extra sort pass.
package memtable

import (
	"bytes"
	"sort"
	"sync"
)

// Memtable is a thread-safe, sorted buffer of the most recent version of
// each key. ApplyPut/ApplyDelete are the path used
// when the caller already has a sequence number, e.g. one minted by the
// WAL or a prior SSTable; Put/Delete mint their own sequence numbers from
// a local counter for standalone use.
type Memtable struct {
	mu        sync.RWMutex
	entries   []Record // sorted by Key ascending
	sizeBytes int
	nextSeq   uint64
	maxBytes  int
}

// New creates an empty MemTable that reports IsFull once its accounted
// size exceeds maxSizeBytes. A maxSizeBytes of 0 disables the limit.
func New(maxSizeBytes int) *Memtable {
	return &Memtable{
		entries:  make([]Record, 0, 256),
		maxBytes: maxSizeBytes,
	}
}

// Put inserts or overwrites key with value, self-assigning the next
// sequence number, and returns it.
func (m *Memtable) Put(key, value []byte, timestampMs uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.nextSeqLocked()
	m.applyLocked(Record{
		Key:         cloneBytes(key),
		Value:       cloneBytes(value),
		TimestampMs: timestampMs,
		Seq:         seq,
	})
	return seq
}

// Delete records a tombstone for key, self-assigning the next sequence
// number, and returns it.
func (m *Memtable) Delete(key []byte, timestampMs uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.nextSeqLocked()
	m.applyLocked(Record{
		Key:         cloneBytes(key),
		Tombstone:   true,
		TimestampMs: timestampMs,
		Seq:         seq,
	})
	return seq
}

func (m *Memtable) nextSeqLocked() uint64 {
	m.nextSeq++
	return m.nextSeq
}

// ApplyPut implements wal.Applier, inserting a put record carrying a
// sequence number already minted elsewhere (WAL replay, engine writes).
func (m *Memtable) ApplyPut(key, value []byte, timestampMs, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bumpSeqLocked(seq)
	m.applyLocked(Record{
		Key:         cloneBytes(key),
		Value:       cloneBytes(value),
		TimestampMs: timestampMs,
		Seq:         seq,
	})
}

// ApplyDelete implements wal.Applier, inserting a tombstone carrying a
// sequence number already minted elsewhere.
func (m *Memtable) ApplyDelete(key []byte, timestampMs, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bumpSeqLocked(seq)
	m.applyLocked(Record{
		Key:         cloneBytes(key),
		Tombstone:   true,
		TimestampMs: timestampMs,
		Seq:         seq,
	})
}

func (m *Memtable) bumpSeqLocked(seq uint64) {
	if seq > m.nextSeq {
		m.nextSeq = seq
	}
}

// applyLocked inserts r in sorted position, replacing any existing
// record for the same key unless r carries an older sequence number (an
// equal sequence number replaces). The caller must hold m.mu.
func (m *Memtable) applyLocked(r Record) {
	i := m.searchLocked(r.Key)
	if i < len(m.entries) && bytes.Equal(m.entries[i].Key, r.Key) {
		old := m.entries[i]
		if r.Seq < old.Seq {
			return
		}
		m.sizeBytes += r.SizeBytes() - old.SizeBytes()
		m.entries[i] = r
		return
	}

	m.entries = append(m.entries, Record{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = r
	m.sizeBytes += r.SizeBytes()
}

// searchLocked returns the index of key, or the index it should be
// inserted at to keep entries sorted. The caller must hold m.mu.
func (m *Memtable) searchLocked(key []byte) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].Key, key) >= 0
	})
}

// Get returns the most recent record for key, including tombstones —
// callers distinguish "absent" (ok=false) from "deleted" (ok=true,
// Record.Tombstone=true) so a tombstone in the MemTable can correctly
// shadow an older value sitting in an SSTable below it.
func (m *Memtable) Get(key []byte) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.searchLocked(key)
	if i >= len(m.entries) || !bytes.Equal(m.entries[i].Key, key) {
		return Record{}, false
	}
	r := m.entries[i]
	r.Key = cloneBytes(r.Key)
	r.Value = cloneBytes(r.Value)
	return r, true
}

// Entries returns a snapshot of every record in ascending key order,
// suitable for building an SSTable on flush.
func (m *Memtable) Entries() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.entries))
	for i, r := range m.entries {
		out[i] = Record{
			Key:         cloneBytes(r.Key),
			Value:       cloneBytes(r.Value),
			Tombstone:   r.Tombstone,
			TimestampMs: r.TimestampMs,
			Seq:         r.Seq,
		}
	}
	return out
}

// Len returns the number of distinct keys currently held.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// IsEmpty reports whether the MemTable holds no entries.
func (m *Memtable) IsEmpty() bool {
	return m.Len() == 0
}

// SizeBytes returns the accounted size used for the flush-threshold
// decision.
func (m *Memtable) SizeBytes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// IsFull reports whether the MemTable has exceeded its configured size
// limit and should be flushed.
func (m *Memtable) IsFull() bool {
	if m.maxBytes <= 0 {
		return false
	}
	return m.SizeBytes() > m.maxBytes
}

// SequenceNumber returns the highest sequence number observed so far.
func (m *Memtable) SequenceNumber() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextSeq
}
