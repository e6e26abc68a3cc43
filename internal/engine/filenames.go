package engine

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	initialWALName = "wal.log"
	walPrefix      = "wal_"
	walSuffix      = ".log"
	sstablePrefix  = "sstable_"
	sstableSuffix  = ".sst"
)

// walFileName returns the filename for WAL generation gen. Generation 0
// is the untimestamped initial file; every later generation is named by
// its timestamp.
func walFileName(gen uint64) string {
	if gen == 0 {
		return initialWALName
	}
	return fmt.Sprintf("%s%d%s", walPrefix, gen, walSuffix)
}

// parseWALFileName recognizes a WAL filename and returns its sort key:
// 0 for the initial file, its embedded timestamp otherwise.
func parseWALFileName(name string) (gen uint64, ok bool) {
	if name == initialWALName {
		return 0, true
	}
	if !strings.HasPrefix(name, walPrefix) || !strings.HasSuffix(name, walSuffix) {
		return 0, false
	}
	tsStr := strings.TrimSuffix(strings.TrimPrefix(name, walPrefix), walSuffix)
	ts, err := strconv.ParseUint(tsStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

func sstableFileName(ts uint64) string {
	return fmt.Sprintf("%s%d%s", sstablePrefix, ts, sstableSuffix)
}

func parseSSTableFileName(name string) (ts uint64, ok bool) {
	if !strings.HasPrefix(name, sstablePrefix) || !strings.HasSuffix(name, sstableSuffix) {
		return 0, false
	}
	tsStr := strings.TrimSuffix(strings.TrimPrefix(name, sstablePrefix), sstableSuffix)
	ts, err := strconv.ParseUint(tsStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
