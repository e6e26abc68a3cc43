package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/edgekv/edgekv/internal/compress"
	"github.com/edgekv/edgekv/internal/engine"
)

// command is one subcommand's contract: a usage line for help text and a
// run function invoked with the already-open Engine and the subcommand's
// positional arguments (global flags already stripped).
type command struct {
	usage string
	run   func(e *engine.Engine, args []string) error
}

var commands = map[string]command{
	"put":     {usage: "put <key> <value>", run: runPut},
	"get":     {usage: "get <key>", run: runGet},
	"del":     {usage: "del <key>", run: runDel},
	"compact": {usage: "compact", run: runCompact},
	"stats":   {usage: "stats", run: runStats},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	name := os.Args[1]
	cmd, ok := commands[name]
	if !ok {
		printUsage()
		os.Exit(2)
	}

	opts, args, err := parseGlobalFlags(os.Args[2:])
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(2)
	}

	e, err := engine.Open(opts)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = e.Close() }()

	if err := cmd.run(e, args); err != nil {
		if err == errUsage {
			fmt.Fprintln(os.Stderr, "usage:", "edgekv [flags]", cmd.usage)
			os.Exit(2)
		}
		fatal(err)
	}
}

// parseGlobalFlags parses the engine-configuration flags that precede the
// subcommand's own positional arguments and builds the Engine Options
// they describe.
func parseGlobalFlags(rest []string) (engine.Options, []string, error) {
	fs := flag.NewFlagSet("edgekv", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.String("dir", "data", "data directory (WAL + SSTables live here)")
	memMax := fs.Int("mem", 64<<20, "memtable flush threshold in bytes (0 disables auto-flush)")
	maxSST := fs.Int("maxsst", 4, "live SSTables before automatic compaction (0 disables)")
	syncOnWrite := fs.Bool("sync", true, "fsync the WAL after every write")
	compressionFlag := fs.String("compression", "none", "value compression: none, lz4, or zstd")
	verbose := fs.Bool("verbose", false, "log at debug level")

	if err := fs.Parse(rest); err != nil {
		return engine.Options{}, nil, err
	}

	compression, err := compress.ParseType(*compressionFlag)
	if err != nil {
		return engine.Options{}, nil, err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := engine.DefaultOptions(*dir)
	opts.MemtableMaxBytes = *memMax
	opts.MaxSSTables = *maxSST
	opts.SyncEveryWrite = *syncOnWrite
	opts.Compression = compression
	opts.Logger = logger

	return opts, fs.Args(), nil
}

// errUsage signals that a subcommand was called with the wrong number of
// positional arguments; main prints that subcommand's usage line for it.
var errUsage = fmt.Errorf("usage")

func runPut(e *engine.Engine, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	if err := e.Put([]byte(args[0]), []byte(args[1])); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runGet(e *engine.Engine, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	v, ok, err := e.Get([]byte(args[0]))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("(not found)")
		os.Exit(1)
	}
	fmt.Println(string(v))
	return nil
}

func runDel(e *engine.Engine, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if err := e.Delete([]byte(args[0])); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runCompact(e *engine.Engine, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	if err := e.Compact(); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runStats(e *engine.Engine, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	s := e.Stats()
	fmt.Printf("data_dir=%s memtable_size=%d sstable_count=%d sequence_number=%d wal_generation_count=%d\n",
		s.DataDir, s.MemtableSize, s.SSTableCount, s.SequenceNumber, s.WALGenerationCount)
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	for _, name := range []string{"put", "get", "del", "compact", "stats"} {
		fmt.Fprintf(os.Stderr, "  edgekv [flags] %s\n", commands[name].usage)
	}
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Flags:")
	fmt.Fprintln(os.Stderr, "  -dir         data directory (default: data)")
	fmt.Fprintln(os.Stderr, "  -mem         memtable flush threshold in bytes")
	fmt.Fprintln(os.Stderr, "  -maxsst      live SSTables before automatic compaction")
	fmt.Fprintln(os.Stderr, "  -sync        fsync the WAL after every write")
	fmt.Fprintln(os.Stderr, "  -compression none, lz4, or zstd")
	fmt.Fprintln(os.Stderr, "  -verbose     log at debug level")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
