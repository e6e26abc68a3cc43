package engine

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestBasicPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultOptions(dir))

	require.NoError(t, e.Put([]byte("user:1"), []byte("John")))
	require.NoError(t, e.Put([]byte("user:2"), []byte("Jane")))
	require.NoError(t, e.Delete([]byte("user:1")))

	_, found, err := e.Get([]byte("user:1"))
	require.NoError(t, err)
	require.False(t, found)

	value, found, err := e.Get([]byte("user:2"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Jane", string(value))
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.MemtableMaxBytes = 512 // force at least one flush across 100 keys

	e, err := Open(opts)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("persistent:%d", i)), []byte(fmt.Sprintf("value%d", i))))
	}
	require.NoError(t, e.Close())

	reopened, err := Open(opts)
	require.NoError(t, err)
	defer reopened.Close()

	value, found, err := reopened.Get([]byte("persistent:0"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "value0", string(value))

	value, found, err = reopened.Get([]byte("persistent:99"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "value99", string(value))

	require.GreaterOrEqual(t, reopened.Stats().SSTableCount, 1)
}

func TestCrashRecoveryWithoutClose(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)

	e, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("r1"), []byte("d1")))
	require.NoError(t, e.Put([]byte("r2"), []byte("d2")))
	// Deliberately no Close: simulates a crash. The WAL already has both
	// writes durably appended.

	reopened, err := Open(opts)
	require.NoError(t, err)
	defer reopened.Close()

	value, found, err := reopened.Get([]byte("r1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "d1", string(value))

	value, found, err = reopened.Get([]byte("r2"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "d2", string(value))
}

func TestNewestWinsAcrossMemtableAndSSTable(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultOptions(dir))

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	require.NoError(t, e.ForceFlush())
	require.NoError(t, e.Put([]byte("k"), []byte("v2")))

	value, found, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", string(value))
}

func TestTombstoneMasksOlderSSTable(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultOptions(dir))

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.ForceFlush())
	require.NoError(t, e.Delete([]byte("k")))

	_, found, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestForceFlushCreatesSSTableAndResetsMemtable(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultOptions(dir))

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.Equal(t, 0, e.Stats().SSTableCount)

	require.NoError(t, e.ForceFlush())
	require.Equal(t, 1, e.Stats().SSTableCount)
	require.Equal(t, 0, e.Stats().MemtableSize)
}

func TestForceFlushOnEmptyMemtableIsNoop(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultOptions(dir))

	require.NoError(t, e.ForceFlush())
	require.Equal(t, 0, e.Stats().SSTableCount)
}

func TestAutomaticCompactionTrigger(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.MaxSSTables = 2

	e := openEngine(t, opts)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))))
		require.NoError(t, e.ForceFlush())
	}

	require.LessOrEqual(t, e.Stats().SSTableCount, 2)
	for i := 0; i < 3; i++ {
		value, found, err := e.Get([]byte(fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("v%d", i), string(value))
	}
}

func TestCompactForcesMergeBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.MaxSSTables = 10 // high enough that automatic compaction never fires

	e := openEngine(t, opts)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))))
		require.NoError(t, e.ForceFlush())
	}
	require.Equal(t, 3, e.Stats().SSTableCount)

	require.NoError(t, e.Compact())
	require.Equal(t, 1, e.Stats().SSTableCount)

	for i := 0; i < 3; i++ {
		value, found, err := e.Get([]byte(fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("v%d", i), string(value))
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultOptions(dir))

	require.ErrorIs(t, e.Put(nil, []byte("v")), ErrEmptyKey)
	require.ErrorIs(t, e.Delete(nil), ErrEmptyKey)
	_, _, err := e.Get(nil)
	require.ErrorIs(t, err, ErrEmptyKey)
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(DefaultOptions(dir))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	require.ErrorIs(t, e.Put([]byte("a"), []byte("b")), ErrClosed)
	_, _, err = e.Get([]byte("a"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestSyncIntervalModeStartsAndStopsCleanly(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.SyncEveryWrite = false
	opts.SyncInterval = 10 * time.Millisecond

	e, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("a"), []byte("b")))
	time.Sleep(30 * time.Millisecond) // let the sync loop tick at least once
	require.NoError(t, e.Close())
}

func TestDataDirIsCreatedIfAbsent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	e, err := Open(DefaultOptions(dir))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("b")))
	value, found, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "b", string(value))
}
