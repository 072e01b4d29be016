package main

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
)

const (
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32
	cuckooMaxKeys         = 4 << 20

	confirmShards = 64
)

// DuplicateDetector finds repeated ids.
//
// A cuckoo filter miss means the id is definitely new and it goes straight
// into the exact set. Only a hit is confirmed against the exact set, which
// is sharded by xxhash, so false positives never count as duplicates.
// Once the filter overflows its misses stop being definite and every id
// is confirmed.
type DuplicateDetector struct {
	mu        sync.Mutex
	filter    *cuckoo.Filter
	saturated bool
	shards    [confirmShards]confirmShard

	seen       uint64
	duplicates uint64
	filterHits uint64
	confirms   uint64
	overflow   uint64 // ids the filter had no room for
}

type confirmShard struct {
	mu  sync.Mutex
	ids map[uint64]struct{}
}

// NewDuplicateDetector creates an empty detector
func NewDuplicateDetector() *DuplicateDetector {
	return newDuplicateDetector(cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
		cuckooMaxKeys, cuckoo.TableTypePacked))
}

func newDuplicateDetector(filter *cuckoo.Filter) *DuplicateDetector {
	d := &DuplicateDetector{filter: filter}
	for i := range d.shards {
		d.shards[i].ids = make(map[uint64]struct{})
	}
	return d
}

// Add records id and reports whether it was seen before
func (d *DuplicateDetector) Add(id uint64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], id)

	// the shard lock serializes adds of the same id across filter and set
	shard := &d.shards[xxhash.Sum64(buf[:])%confirmShards]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	d.mu.Lock()
	d.seen++
	confirm := d.saturated
	if d.filter.Contain(buf[:]) {
		d.filterHits++
		confirm = true
	} else if !d.filter.Add(buf[:]) {
		d.overflow++
		d.saturated = true
	}
	if confirm {
		d.confirms++
	}
	d.mu.Unlock()

	if confirm {
		if _, exists := shard.ids[id]; exists {
			d.mu.Lock()
			d.duplicates++
			d.mu.Unlock()
			return true
		}
	}

	shard.ids[id] = struct{}{}
	return false
}

// DedupStats is a snapshot of detector counters
type DedupStats struct {
	Seen       uint64
	Duplicates uint64
	FilterHits uint64
	Confirms   uint64 // lookups in the exact set
	Overflow   uint64
}

// Stats returns the detector counters
func (d *DuplicateDetector) Stats() DedupStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DedupStats{
		Seen:       d.seen,
		Duplicates: d.duplicates,
		FilterHits: d.filterHits,
		Confirms:   d.confirms,
		Overflow:   d.overflow,
	}
}
