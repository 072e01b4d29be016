package id

import (
	"sync"

	"github.com/maxpert/snowdrift/flake"
)

// Generator provides unique, roughly time-ordered 64-bit ids.
type Generator interface {
	NextID() uint64
}

// Synced serializes access to a flake.Generator so one worker id can serve
// many goroutines.
type Synced struct {
	mu  sync.Mutex
	gen *flake.Generator
}

// NewSynced wraps gen. gen must not be used directly afterwards.
func NewSynced(gen *flake.Generator) *Synced {
	return &Synced{gen: gen}
}

// NextID generates a unique 64-bit ID.
// See flake.Layout for the bit allocation.
func (s *Synced) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen.Next()
}

// NextNarrow generates an id that fits an int64
func (s *Synced) NextNarrow() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen.NextNarrow()
}

// NextBatch generates count ids under a single lock acquisition
func (s *Synced) NextBatch(count int) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen.NextBatch(count)
}

// Validate reports why id fails the acceptance checks, or nil
func (s *Synced) Validate(id uint64, strict bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen.Validate(id, strict)
}

// IsValid reports whether id passes the acceptance checks
func (s *Synced) IsValid(id uint64, strict bool) bool {
	return s.Validate(id, strict) == nil
}

// Stats returns a statistics snapshot
func (s *Synced) Stats() flake.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen.Stats()
}

// ResetStats zeroes the generator statistics
func (s *Synced) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen.ResetStats()
}

// Decode unpacks id. The layout is immutable, so no lock is taken.
func (s *Synced) Decode(id uint64) flake.Parts {
	return s.gen.Decode(id)
}

// Config returns the generator layout
func (s *Synced) Config() flake.Layout {
	return s.gen.Config()
}

// DebugFormat renders id as a binary breakdown
func (s *Synced) DebugFormat(id uint64) string {
	return s.gen.DebugFormat(id)
}
