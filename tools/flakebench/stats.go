package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks benchmark statistics using atomic operations.
type Stats struct {
	ids         atomic.Uint64
	calls       atomic.Uint64
	errors      atomic.Uint64
	regressions atomic.Uint64 // ids lower than the previous id on the same thread

	// Latency tracking (microseconds)
	mu        sync.Mutex
	latencies []int64
}

// NewStats creates a new stats tracker.
func NewStats() *Stats {
	return &Stats{
		latencies: make([]int64, 0, 100000),
	}
}

// RecordCall records a successful call returning n ids.
func (s *Stats) RecordCall(n int, latency time.Duration) {
	s.ids.Add(uint64(n))
	s.calls.Add(1)

	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

// RecordError records a failed call.
func (s *Stats) RecordError() {
	s.errors.Add(1)
}

// RecordRegression records an id that sorted below its predecessor.
func (s *Stats) RecordRegression() {
	s.regressions.Add(1)
}

// TotalIDs returns total generated ids.
func (s *Stats) TotalIDs() uint64 {
	return s.ids.Load()
}

// GetLatencyPercentiles returns p50, p90, p95, p99 in microseconds.
func (s *Stats) GetLatencyPercentiles() (p50, p90, p95, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]int64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	p50 = sorted[n*50/100]
	p90 = sorted[n*90/100]
	p95 = sorted[n*95/100]
	p99 = sorted[n*99/100]

	return p50, p90, p95, p99
}

// GetLatencyStats returns min, max, avg in microseconds.
func (s *Stats) GetLatencyStats() (min, max, avg int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0
	}

	min = s.latencies[0]
	max = s.latencies[0]
	var sum int64

	for _, l := range s.latencies {
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
		sum += l
	}

	avg = sum / int64(len(s.latencies))
	return min, max, avg
}

// Snapshot returns a copy of current counters.
type Snapshot struct {
	IDs         uint64
	Calls       uint64
	Errors      uint64
	Regressions uint64
}

// GetSnapshot returns current stats snapshot.
func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		IDs:         s.ids.Load(),
		Calls:       s.calls.Load(),
		Errors:      s.errors.Load(),
		Regressions: s.regressions.Load(),
	}
}

// PrintFinal prints final statistics.
func (s *Stats) PrintFinal(elapsed time.Duration, dedup *DedupStats) {
	snap := s.GetSnapshot()
	throughput := float64(snap.IDs) / elapsed.Seconds()

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("Throughput:    %.2f ids/sec\n", throughput)
	fmt.Println()

	fmt.Println("Generation:")
	fmt.Printf("  IDs:         %d\n", snap.IDs)
	fmt.Printf("  Calls:       %d\n", snap.Calls)
	fmt.Printf("  Errors:      %d\n", snap.Errors)
	fmt.Printf("  Regressions: %d\n", snap.Regressions)
	fmt.Println()

	if dedup != nil {
		printDedup(*dedup)
	}

	min, max, avg := s.GetLatencyStats()
	p50, p90, p95, p99 := s.GetLatencyPercentiles()

	fmt.Println("Latency per call (microseconds):")
	fmt.Printf("  Min:   %d\n", min)
	fmt.Printf("  Avg:   %d\n", avg)
	fmt.Printf("  Max:   %d\n", max)
	fmt.Printf("  P50:   %d\n", p50)
	fmt.Printf("  P90:   %d\n", p90)
	fmt.Printf("  P95:   %d\n", p95)
	fmt.Printf("  P99:   %d\n", p99)
}

func printDedup(d DedupStats) {
	fmt.Println("Uniqueness:")
	fmt.Printf("  Checked:     %d\n", d.Seen)
	fmt.Printf("  Duplicates:  %d\n", d.Duplicates)
	fmt.Printf("  Filter hits: %d\n", d.FilterHits)
	fmt.Printf("  Confirms:    %d\n", d.Confirms)
	if d.Overflow > 0 {
		fmt.Printf("  Overflow:    %d\n", d.Overflow)
	}
	fmt.Println()
}
