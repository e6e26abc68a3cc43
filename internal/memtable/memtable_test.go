package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutThenGet(t *testing.T) {
	m := New(0)
	m.Put([]byte("b"), []byte("2"), 100)
	m.Put([]byte("a"), []byte("1"), 101)

	r, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(r.Value))
	require.False(t, r.Tombstone)

	_, ok = m.Get([]byte("missing"))
	require.False(t, ok)
}

func TestEntriesAreSortedByKey(t *testing.T) {
	m := New(0)
	for _, k := range []string{"delta", "alpha", "charlie", "bravo"} {
		m.Put([]byte(k), []byte(k), 1)
	}

	entries := m.Entries()
	require.Len(t, entries, 4)
	for i := 1; i < len(entries); i++ {
		require.Less(t, string(entries[i-1].Key), string(entries[i].Key))
	}
}

func TestNewerSequenceWinsOnOverwrite(t *testing.T) {
	m := New(0)
	m.ApplyPut([]byte("k"), []byte("old"), 1, 5)
	m.ApplyPut([]byte("k"), []byte("stale-retry"), 1, 3) // older seq, must not win
	r, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "old", string(r.Value))
	require.Equal(t, uint64(5), r.Seq)
}

func TestDeleteShadowsValueWithTombstone(t *testing.T) {
	m := New(0)
	m.Put([]byte("k"), []byte("v"), 1)
	m.Delete([]byte("k"), 2)

	r, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.True(t, r.Tombstone)
	require.Nil(t, r.Value)
}

func TestIsFullRespectsMaxBytes(t *testing.T) {
	m := New(32)
	require.False(t, m.IsFull())
	for i := 0; i < 5; i++ {
		m.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("some-value-bytes"), uint64(i))
	}
	require.True(t, m.IsFull())
}

func TestUnboundedSizeNeverFull(t *testing.T) {
	m := New(0)
	m.Put([]byte("k"), make([]byte, 1<<20), 1)
	require.False(t, m.IsFull())
}

func TestApplyBumpsSequenceWatermark(t *testing.T) {
	m := New(0)
	m.ApplyPut([]byte("a"), []byte("1"), 1, 42)
	require.Equal(t, uint64(42), m.SequenceNumber())

	seq := m.Put([]byte("b"), []byte("2"), 2)
	require.Equal(t, uint64(43), seq)
}

func TestLenCountsDistinctKeysOnly(t *testing.T) {
	m := New(0)
	m.Put([]byte("k"), []byte("1"), 1)
	m.Put([]byte("k"), []byte("2"), 2)
	require.Equal(t, 1, m.Len())
	require.False(t, m.IsEmpty())
}
