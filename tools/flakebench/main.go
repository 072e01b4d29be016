package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/snowdrift/flake"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "gen":
		runGen(args)
	case "verify":
		runVerify(args)
	case "watch":
		runWatch(args)
	case "version":
		fmt.Printf("flakebench version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`flakebench - snowdrift load generator and uniqueness checker

Usage:
  flakebench <command> [options]

Commands:
  gen       Generate ids locally or from a server and report throughput
  verify    Check a file of ids for duplicates
  watch     Print generator episode events streamed by a server
  version   Print version
  help      Show this help

Gen Options:
  --mode            local|remote (default: local)
  --address         Server address for remote mode (default: 127.0.0.1:8080)
  --compression     Request zstd compression in remote mode (default: false)
  --worker-id       Worker id of the local generator (default: 1)
  --worker-id-bits  Worker id bits of the local generator (default: 6)
  --seq-bits        Sequence bits of the local generator (default: 6)
  --count           Total ids to generate (default: 1000000)
  --duration        Duration to run (e.g., 30s), overrides --count
  --threads         Number of concurrent threads (default: 8)
  --batch-size      Ids per call (default: 1)
  --output          Write ids to file, one per line
  --dedup           Check ids for duplicates while generating (default: true)

Verify Options:
  --input           File of ids, one per line ("-" = stdin, default)
  --worker-id-bits  Worker id bits used to decode ids (default: 6)
  --seq-bits        Sequence bits used to decode ids (default: 6)

Watch Options:
  --address         Server address (default: 127.0.0.1:8080)
  --kinds           Comma-separated event kinds (default: all)

Examples:
  flakebench gen --threads=16 --count=5000000
  flakebench gen --mode=remote --address=127.0.0.1:8080 --batch-size=100 --duration=30s --output=ids.txt
  flakebench verify --input=ids.txt
  flakebench watch --kinds=rollback_start,rollback_end`)
}

func runGen(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("gen", flag.ExitOnError)

	fs.StringVar(&cfg.Mode, "mode", modeLocal, "local or remote")
	fs.StringVar(&cfg.Address, "address", "127.0.0.1:8080", "Server address for remote mode")
	fs.BoolVar(&cfg.Compression, "compression", false, "Request zstd compression in remote mode")
	fs.BoolVar(&cfg.Prefetch, "prefetch", false, "Overlap calls by fetching the next batch ahead")
	fs.IntVar(&cfg.WorkerID, "worker-id", 1, "Worker id of the local generator")
	fs.IntVar(&cfg.WorkerIDBits, "worker-id-bits", flake.DefaultWorkerIDBits, "Worker id bits")
	fs.IntVar(&cfg.SeqBits, "seq-bits", flake.DefaultSeqBits, "Sequence bits")
	fs.IntVar(&cfg.Count, "count", 1000000, "Total ids to generate")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Duration to run (overrides --count)")
	fs.IntVar(&cfg.Threads, "threads", 8, "Number of concurrent threads")
	fs.IntVar(&cfg.BatchSize, "batch-size", 1, "Ids per call")
	fs.StringVar(&cfg.Output, "output", "", "Write ids to file")
	fs.BoolVar(&cfg.Dedup, "dedup", true, "Check ids for duplicates")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := interruptContext()
	defer cancel()

	if err := executeGen(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Generation failed: %v\n", err)
		os.Exit(1)
	}
}

func runVerify(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("verify", flag.ExitOnError)

	fs.StringVar(&cfg.Input, "input", "-", "File of ids, one per line")
	fs.IntVar(&cfg.WorkerIDBits, "worker-id-bits", flake.DefaultWorkerIDBits, "Worker id bits")
	fs.IntVar(&cfg.SeqBits, "seq-bits", flake.DefaultSeqBits, "Sequence bits")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := interruptContext()
	defer cancel()

	start := time.Now()
	if err := executeVerify(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Verified in %.2fs\n", time.Since(start).Seconds())
}

// interruptContext is cancelled on SIGINT or SIGTERM
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, shutting down...")
		cancel()
	}()

	return ctx, cancel
}

func runWatch(args []string) {
	var address, kinds string
	fs := flag.NewFlagSet("watch", flag.ExitOnError)

	fs.StringVar(&address, "address", "127.0.0.1:8080", "Server address")
	fs.StringVar(&kinds, "kinds", "", "Comma-separated event kinds")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := interruptContext()
	defer cancel()

	if err := executeWatch(ctx, address, splitKinds(kinds), os.Stdout); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		os.Exit(1)
	}
}
