package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Generator drives benchmark threads against a Source.
type Generator struct {
	cfg    *Config
	source Source
	stats  *Stats
	dedup  *DuplicateDetector

	remaining atomic.Int64 // ids left when running by count
	outMu     sync.Mutex
	out       *bufio.Writer
}

// NewGenerator creates a generator. out may be nil.
func NewGenerator(cfg *Config, source Source, out io.Writer) *Generator {
	g := &Generator{
		cfg:    cfg,
		source: source,
		stats:  NewStats(),
	}
	if cfg.Dedup {
		g.dedup = NewDuplicateDetector()
	}
	if out != nil {
		g.out = bufio.NewWriter(out)
	}
	g.remaining.Store(int64(cfg.Count))
	return g
}

// Run blocks until the count is reached, the duration elapses or ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	if g.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Duration)
		defer cancel()
	}

	var wg sync.WaitGroup
	for i := 0; i < g.cfg.Threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.worker(ctx)
		}()
	}
	wg.Wait()

	if g.out != nil {
		return g.out.Flush()
	}
	return nil
}

// claim reserves up to BatchSize ids. Zero means the run is complete.
func (g *Generator) claim() int {
	if g.cfg.Duration > 0 {
		return g.cfg.BatchSize
	}
	for {
		left := g.remaining.Load()
		if left <= 0 {
			return 0
		}
		n := int64(g.cfg.BatchSize)
		if n > left {
			n = left
		}
		if g.remaining.CompareAndSwap(left, left-n) {
			return int(n)
		}
	}
}

func (g *Generator) worker(ctx context.Context) {
	var last uint64
	for ctx.Err() == nil {
		n := g.claim()
		if n == 0 {
			return
		}

		start := time.Now()
		ids, err := g.source.Take(ctx, n)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.stats.RecordError()
			if g.cfg.Duration <= 0 {
				g.remaining.Add(int64(n))
			}
			continue
		}
		g.stats.RecordCall(len(ids), time.Since(start))

		for _, v := range ids {
			if v <= last {
				g.stats.RecordRegression()
			}
			last = v
			if g.dedup != nil {
				g.dedup.Add(v)
			}
		}
		g.write(ids)
	}
}

func (g *Generator) write(ids []uint64) {
	if g.out == nil {
		return
	}
	g.outMu.Lock()
	defer g.outMu.Unlock()
	for _, v := range ids {
		g.out.WriteString(strconv.FormatUint(v, 10))
		g.out.WriteByte('\n')
	}
}

// Stats returns the run statistics
func (g *Generator) Stats() *Stats {
	return g.stats
}

// DedupStats returns detector counters, nil when detection is off
func (g *Generator) DedupStats() *DedupStats {
	if g.dedup == nil {
		return nil
	}
	s := g.dedup.Stats()
	return &s
}

func executeGen(ctx context.Context, cfg *Config) error {
	source, err := newSource(cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	var out io.Writer
	if cfg.Output != "" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	g := NewGenerator(cfg, source, out)

	fmt.Printf("Generating ids: mode=%s threads=%d batch=%d", cfg.Mode, cfg.Threads, cfg.BatchSize)
	if cfg.Duration > 0 {
		fmt.Printf(" duration=%s\n", cfg.Duration)
	} else {
		fmt.Printf(" count=%d\n", cfg.Count)
	}

	reportCtx, stopReport := context.WithCancel(ctx)
	go reportProgress(reportCtx, g.Stats())

	start := time.Now()
	err = g.Run(ctx)
	stopReport()
	g.Stats().PrintFinal(time.Since(start), g.DedupStats())
	if err != nil {
		return err
	}

	if d := g.DedupStats(); d != nil && d.Duplicates > 0 {
		return fmt.Errorf("found %d duplicate ids", d.Duplicates)
	}
	return nil
}
