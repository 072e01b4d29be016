package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/maxpert/snowdrift/flake"
)

// VerifyResult holds verification results.
type VerifyResult struct {
	Total       int
	Invalid     int // lines that are not ids
	Duplicates  uint64
	Rollback    int            // ids carrying a reserved rollback sequence
	PerWorker   map[uint16]int // worker id -> count
	MinTick     int64
	MaxTick     int64
	FirstErrors []string // first invalid lines
}

const maxReportedErrors = 10

// Verifier checks a stream of decimal ids for uniqueness.
type Verifier struct {
	layout flake.Layout
	dedup  *DuplicateDetector
}

// NewVerifier creates a verifier decoding ids with layout.
func NewVerifier(layout flake.Layout) *Verifier {
	return &Verifier{layout: layout, dedup: NewDuplicateDetector()}
}

// Verify reads one id per line from r.
func (v *Verifier) Verify(ctx context.Context, r io.Reader) (*VerifyResult, error) {
	result := &VerifyResult{PerWorker: make(map[uint16]int)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		value, err := flake.ParseID(line)
		if err != nil {
			result.Invalid++
			if len(result.FirstErrors) < maxReportedErrors {
				result.FirstErrors = append(result.FirstErrors, err.Error())
			}
			continue
		}

		v.dedup.Add(value)
		parts := v.layout.Decode(value)
		if result.Total == 0 || parts.Tick < result.MinTick {
			result.MinTick = parts.Tick
		}
		if result.Total == 0 || parts.Tick > result.MaxTick {
			result.MaxTick = parts.Tick
		}
		if parts.Sequence < flake.DefaultMinSeq {
			result.Rollback++
		}
		result.PerWorker[parts.WorkerID]++
		result.Total++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ids: %w", err)
	}

	result.Duplicates = v.dedup.Stats().Duplicates
	return result, nil
}

// Print writes a human readable report.
func (r *VerifyResult) Print(layout flake.Layout) {
	fmt.Println()
	fmt.Printf("IDs checked:   %d\n", r.Total)
	fmt.Printf("Invalid lines: %d\n", r.Invalid)
	fmt.Printf("Duplicates:    %d\n", r.Duplicates)
	fmt.Printf("Rollback ids:  %d\n", r.Rollback)
	if r.Total > 0 {
		first := flake.Parts{TimestampMs: layout.BaseTime + r.MinTick}.Time()
		last := flake.Parts{TimestampMs: layout.BaseTime + r.MaxTick}.Time()
		fmt.Printf("Time range:    %s .. %s\n", first.Format("2006-01-02T15:04:05.000Z"), last.Format("2006-01-02T15:04:05.000Z"))
	}
	fmt.Println()

	workers := make([]int, 0, len(r.PerWorker))
	for w := range r.PerWorker {
		workers = append(workers, int(w))
	}
	sort.Ints(workers)

	fmt.Println("Per worker:")
	for _, w := range workers {
		fmt.Printf("  %5d: %d\n", w, r.PerWorker[uint16(w)])
	}

	for _, e := range r.FirstErrors {
		fmt.Printf("  invalid: %s\n", e)
	}
}

// OK reports whether the input passed verification.
func (r *VerifyResult) OK() bool {
	return r.Duplicates == 0 && r.Invalid == 0
}

func executeVerify(ctx context.Context, cfg *Config) error {
	layout, err := flake.Validate(flake.Options{
		WorkerIDBits: uint8(cfg.WorkerIDBits),
		SeqBits:      uint8(cfg.SeqBits),
	})
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if cfg.Input != "" && cfg.Input != "-" {
		f, err := os.Open(cfg.Input)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	result, err := NewVerifier(layout).Verify(ctx, in)
	if err != nil {
		return err
	}
	result.Print(layout)

	if !result.OK() {
		return fmt.Errorf("verification failed: %d duplicates, %d invalid lines", result.Duplicates, result.Invalid)
	}
	fmt.Println("\nAll ids unique")
	return nil
}
