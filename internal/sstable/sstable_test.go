package sstable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgekv/edgekv/internal/compress"
	"github.com/edgekv/edgekv/internal/memtable"
)

func buildTable(t *testing.T, records []memtable.Record, codec compress.Type) *Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "000001.sst")
	require.NoError(t, Build(path, records, codec))
	tbl, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func sampleRecords() []memtable.Record {
	return []memtable.Record{
		{Key: []byte("alpha"), Value: []byte("1"), TimestampMs: 1, Seq: 1},
		{Key: []byte("bravo"), Value: []byte("2"), TimestampMs: 2, Seq: 2},
		{Key: []byte("charlie"), Tombstone: true, TimestampMs: 3, Seq: 3},
		{Key: []byte("delta"), Value: []byte("4"), TimestampMs: 4, Seq: 4},
	}
}

func TestBuildRejectsEmptyMemtable(t *testing.T) {
	err := Build(filepath.Join(t.TempDir(), "empty.sst"), nil, compress.None)
	require.ErrorIs(t, err, ErrEmptyMemtable)
}

func TestGetReturnsLiveValue(t *testing.T) {
	tbl := buildTable(t, sampleRecords(), compress.None)

	value, tombstone, found, err := tbl.Get([]byte("bravo"))
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, tombstone)
	require.Equal(t, "2", string(value))
}

func TestGetReturnsTombstone(t *testing.T) {
	tbl := buildTable(t, sampleRecords(), compress.None)

	_, tombstone, found, err := tbl.Get([]byte("charlie"))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, tombstone)
}

func TestGetAbsentKeyNotFound(t *testing.T) {
	tbl := buildTable(t, sampleRecords(), compress.None)

	_, _, found, err := tbl.Get([]byte("nowhere"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetRoundTripsUnderEveryCodec(t *testing.T) {
	for _, codec := range []compress.Type{compress.None, compress.LZ4, compress.Zstd} {
		t.Run(codec.String(), func(t *testing.T) {
			tbl := buildTable(t, sampleRecords(), codec)
			value, _, found, err := tbl.Get([]byte("delta"))
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, "4", string(value))
		})
	}
}

func TestIteratorYieldsEntriesInKeyOrder(t *testing.T) {
	tbl := buildTable(t, sampleRecords(), compress.None)

	it := tbl.NewIterator()
	var gotKeys []string
	for {
		rec, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		gotKeys = append(gotKeys, string(rec.Key))
	}
	require.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, gotKeys)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.sst")
	require.NoError(t, Build(path, sampleRecords(), compress.None))

	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("XXXXXXXX"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestEntryCountMatchesInput(t *testing.T) {
	records := sampleRecords()
	tbl := buildTable(t, records, compress.None)
	require.Equal(t, len(records), tbl.EntryCount())
}
