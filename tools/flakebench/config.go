package main

import (
	"fmt"
	"time"
)

const (
	modeLocal  = "local"
	modeRemote = "remote"
)

type Config struct {
	// Source
	Mode        string // local or remote
	Address     string
	Compression bool
	Prefetch    bool // keep one call in flight ahead of each take

	// Local generator
	WorkerID     int
	WorkerIDBits int
	SeqBits      int

	// Run options
	Count     int
	Duration  time.Duration
	Threads   int
	BatchSize int // ids per call (1 = Next)

	// Output
	Output string // file receiving generated ids, one per line
	Dedup  bool   // check generated ids for duplicates

	// Verify options
	Input string
}

func (c *Config) Validate() error {
	switch c.Mode {
	case modeLocal:
		if c.WorkerID < 0 || c.WorkerID >= 1<<c.WorkerIDBits {
			return fmt.Errorf("worker id %d does not fit in %d bits", c.WorkerID, c.WorkerIDBits)
		}
	case modeRemote:
		if c.Address == "" {
			return fmt.Errorf("address cannot be empty in remote mode")
		}
	default:
		return fmt.Errorf("invalid mode: %s (must be local or remote)", c.Mode)
	}

	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}

	if c.Count < 1 && c.Duration <= 0 {
		return fmt.Errorf("either count or duration must be positive")
	}

	return nil
}
