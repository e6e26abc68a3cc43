// Package compaction implements the k-way merge that folds a set of
// SSTables into one: for each key, the highest-sequence-number version
// wins, and tombstones are dropped unconditionally. The caller — the
// engine's level/compaction driver — is responsible for choosing which
// tables to merge (such that the merge set covers every layer that
// could hold a prior live value for a key it tombstones) and for
// removing the input files once the output is installed.
package compaction

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"

	"github.com/edgekv/edgekv/internal/compress"
	"github.com/edgekv/edgekv/internal/memtable"
	"github.com/edgekv/edgekv/internal/sstable"
)

// ErrEmptyInput is returned by Run when given no input tables to merge.
var ErrEmptyInput = errors.New("compaction: no inputs")

// Run merges inputs into a single new SSTable written at outputPath.
// inputs must be open and remain open for the duration of the call. The
// output's keys are strictly ascending and unique; any input-read or
// output-write failure leaves a partial file at outputPath for the
// caller to remove.
func Run(outputPath string, inputs []*sstable.Table, compression compress.Type) (*sstable.Table, error) {
	if len(inputs) == 0 {
		return nil, ErrEmptyInput
	}

	h := &mergeHeap{}
	for _, t := range inputs {
		s := &source{it: t.NewIterator()}
		if err := s.advance(); err != nil {
			return nil, fmt.Errorf("compaction: read %s: %w", t.Path(), err)
		}
		if s.ok {
			heap.Push(h, s)
		}
	}

	var merged []memtable.Record
	var curKey []byte
	var best memtable.Record
	haveBest := false

	flush := func() {
		if haveBest && !best.Tombstone {
			merged = append(merged, best)
		}
		haveBest = false
	}

	for h.Len() > 0 {
		s := heap.Pop(h).(*source)
		rec := s.cur

		if !haveBest || !bytes.Equal(rec.Key, curKey) {
			flush()
			curKey = append([]byte(nil), rec.Key...)
			best = rec
			haveBest = true
		} else if rec.Seq > best.Seq {
			best = rec
		}

		if err := s.advance(); err != nil {
			return nil, fmt.Errorf("compaction: read during merge: %w", err)
		}
		if s.ok {
			heap.Push(h, s)
		}
	}
	flush()

	if len(merged) == 0 {
		// Every input key was tombstoned with nothing surviving — a
		// legitimate outcome, not an error. No output file is produced;
		// the driver still removes the inputs.
		return nil, nil
	}

	if err := sstable.Build(outputPath, merged, compression); err != nil {
		return nil, fmt.Errorf("compaction: build output: %w", err)
	}
	out, err := sstable.Open(outputPath)
	if err != nil {
		return nil, fmt.Errorf("compaction: open output: %w", err)
	}
	return out, nil
}

// source adapts an *sstable.Iterator for the merge heap: cur holds the
// entry last read by advance, ok reports whether cur is valid.
type source struct {
	it  *sstable.Iterator
	cur memtable.Record
	ok  bool
}

func (s *source) advance() error {
	rec, ok, err := s.it.Next()
	if err != nil {
		return err
	}
	s.cur = rec
	s.ok = ok
	return nil
}

// mergeHeap orders sources by (key ascending, sequence number
// descending) so the highest-sequence version of a tied key is always
// popped first and later duplicates are cheaply recognized and dropped.
type mergeHeap []*source

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].cur.Key, h[j].cur.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].cur.Seq > h[j].cur.Seq
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*source)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
