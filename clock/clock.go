// Package clock provides tick sources for id generation.
//
// A tick is a count of milliseconds elapsed since a configured base time.
// Generators never read the system clock directly; they read ticks from a
// Source so tests can drive time deterministically.
package clock

import (
	"sync/atomic"
	"time"
)

// Source returns the current tick.
type Source interface {
	Now() int64
}

// System reads wall-clock milliseconds relative to a base time
type System struct {
	baseMs int64
}

// NewSystem creates a tick source anchored at base
func NewSystem(base time.Time) *System {
	return &System{baseMs: base.UnixMilli()}
}

// Now returns milliseconds since the Unix epoch minus the base time
func (s *System) Now() int64 {
	return time.Now().UnixMilli() - s.baseMs
}

// BaseMs returns the base time in Unix milliseconds
func (s *System) BaseMs() int64 {
	return s.baseMs
}

// Manual is a settable tick source. Safe for concurrent use.
type Manual struct {
	tick atomic.Int64
}

// NewManual creates a manual source frozen at tick
func NewManual(tick int64) *Manual {
	m := &Manual{}
	m.tick.Store(tick)
	return m
}

// Now returns the current tick
func (m *Manual) Now() int64 {
	return m.tick.Load()
}

// Set moves the source to tick, forward or backward
func (m *Manual) Set(tick int64) {
	m.tick.Store(tick)
}

// Advance moves the source forward by delta ticks and returns the new tick
func (m *Manual) Advance(delta int64) int64 {
	return m.tick.Add(delta)
}

// Func adapts a function to a Source
type Func func() int64

// Now calls f
func (f Func) Now() int64 {
	return f()
}
