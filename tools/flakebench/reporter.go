package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints real-time progress every second.
func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastSnapshot Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := stats.GetSnapshot()
			elapsed := time.Since(startTime)

			fmt.Printf("[%5.0fs] ids/sec: %8d | total: %10d | errors: %4d | regressions: %4d | throughput: %.1f ids/sec\n",
				elapsed.Seconds(),
				snapshot.IDs-lastSnapshot.IDs,
				snapshot.IDs,
				snapshot.Errors,
				snapshot.Regressions,
				float64(snapshot.IDs)/elapsed.Seconds(),
			)

			lastSnapshot = snapshot
		}
	}
}
