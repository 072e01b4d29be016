// Package flake generates time-ordered 64-bit ids.
//
// An id is laid out as
//
//	tick << (workerIDBits + seqBits) | workerID << seqBits | sequence
//
// where tick counts milliseconds since a base time. When a tick's sequence
// space runs out the generator borrows the next tick (drift) instead of
// blocking, up to MaxDriftSteps ticks ahead of the wall clock. When the wall
// clock moves backward the generator keeps serving ids from ticks it has
// already passed, tagged with the reserved sequence values 1 to 4.
package flake

import (
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/snowdrift/clock"
)

// maxWaitPolls caps the polls of a bounded wait before the next tick is forced
const maxWaitPolls = 1_000_000

type state struct {
	lastTick   int64
	currentSeq uint32

	inDrift    bool
	driftSteps uint32

	rollbackActive bool
	rollbackTick   int64
	rollbackIndex  uint32
	// ticks below rollbackFloor may carry rollback ids from episodes before the
	// last forced recovery
	rollbackFloor int64
}

// Generator produces ids for one worker.
//
// A Generator is not safe for concurrent use. Callers sharing one instance
// across goroutines must serialize access (see id.Synced) or run one
// generator per goroutine with distinct worker ids.
type Generator struct {
	layout   Layout
	ticks    clock.Source
	observer Observer

	st      state
	stats   counters
	pending []Event

	wall      func() time.Time
	waitPolls int
}

// New validates opts and creates a generator
func New(opts Options) (*Generator, error) {
	layout, err := Validate(opts)
	if err != nil {
		return nil, err
	}

	ticks := opts.TickSource
	if ticks == nil {
		base := time.UnixMilli(layout.BaseTime)
		if base.After(time.Now()) {
			return nil, &ConfigurationError{
				Field:  "base_time",
				Value:  base.UTC().Format(time.RFC3339),
				Reason: "must not be in the future",
			}
		}
		ticks = clock.NewSystem(base)
	}

	observer := opts.Observer
	if observer == nil {
		observer = NoopObserver{}
	}

	g := &Generator{
		layout:    layout,
		ticks:     ticks,
		observer:  observer,
		wall:      time.Now,
		waitPolls: maxWaitPolls,
		pending:   make([]Event, 0, 4),
	}
	g.st.currentSeq = layout.MinSeq
	g.stats.startTime = g.wall()

	return g, nil
}

// Next returns the next id
func (g *Generator) Next() uint64 {
	id := g.next()
	g.flush()
	return id
}

// NextNarrow returns the next id as an int64.
// If the id does not fit, it returns a *RangeError and leaves the generator
// exactly as it was before the call.
func (g *Generator) NextNarrow() (int64, error) {
	st := g.st
	stats := g.stats

	id := g.next()
	if id > math.MaxInt64 {
		g.st = st
		g.stats = stats
		g.pending = g.pending[:0]
		return 0, &RangeError{ID: id, Limit: math.MaxInt64}
	}

	g.flush()
	return int64(id), nil
}

// NextBatch returns count ids in generation order
func (g *Generator) NextBatch(count int) ([]uint64, error) {
	if count <= 0 {
		return nil, &InvalidArgumentError{Argument: "count", Value: count, Reason: "must be positive"}
	}

	ids := make([]uint64, count)
	for i := range ids {
		ids[i] = g.next()
		g.flush()
	}
	return ids, nil
}

// Parse decodes id
func (g *Generator) Parse(id int64) (Parts, error) {
	if id < 0 {
		return Parts{}, &InvalidIDError{Input: strconv.FormatInt(id, 10), Reason: "negative"}
	}
	return g.layout.Decode(uint64(id)), nil
}

// ParseString decodes the decimal text form of an id
func (g *Generator) ParseString(s string) (Parts, error) {
	id, err := ParseID(s)
	if err != nil {
		return Parts{}, err
	}
	return g.layout.Decode(id), nil
}

// Decode unpacks id without any acceptance checks
func (g *Generator) Decode(id uint64) Parts {
	return g.layout.Decode(id)
}

// Validate runs the acceptance checks of IsValid and reports why id fails
func (g *Generator) Validate(id uint64, strict bool) error {
	return g.layout.ValidateID(id, g.ticks.Now(), strict)
}

// IsValid reports whether id has a sane timestamp and, when strict, this
// generator's worker id
func (g *Generator) IsValid(id uint64, strict bool) bool {
	return g.Validate(id, strict) == nil
}

// Stats returns a statistics snapshot
func (g *Generator) Stats() Stats {
	return g.stats.snapshot(g.wall(), g.mode())
}

// ResetStats zeroes counters and restarts the uptime clock.
// Generation state is untouched.
func (g *Generator) ResetStats() {
	g.stats = counters{startTime: g.wall()}
}

// Config returns the effective layout
func (g *Generator) Config() Layout {
	return g.layout
}

// DebugFormat renders id as a field-by-field binary breakdown
func (g *Generator) DebugFormat(id uint64) string {
	l := g.layout
	p := l.Decode(id)
	bits := fmt.Sprintf("%064b", id)
	ts := bits[:l.TimestampBits]
	worker := bits[l.TimestampBits : l.TimestampBits+l.WorkerIDBits]
	seq := bits[l.TimestampBits+l.WorkerIDBits:]

	var sb strings.Builder
	fmt.Fprintf(&sb, "id:        %d (0x%016x)\n", id, id)
	fmt.Fprintf(&sb, "binary:    %s|%s|%s\n", ts, worker, seq)
	fmt.Fprintf(&sb, "timestamp: %s (tick %d, %d bits)\n", p.Time().Format(time.RFC3339Nano), p.Tick, l.TimestampBits)
	fmt.Fprintf(&sb, "worker:    %d (%d bits)\n", p.WorkerID, l.WorkerIDBits)
	fmt.Fprintf(&sb, "sequence:  %d (%d bits)", p.Sequence, l.SeqBits)
	if p.Sequence < ReservedSeqs {
		sb.WriteString(" rollback slot")
	}
	return sb.String()
}

func (g *Generator) mode() Mode {
	switch {
	case g.st.rollbackActive:
		return ModeRollback
	case g.st.inDrift:
		return ModeDrift
	default:
		return ModeNormal
	}
}

func (g *Generator) next() uint64 {
	if g.st.inDrift {
		return g.nextDrift()
	}
	return g.nextNormal()
}

func (g *Generator) nextNormal() uint64 {
	now := g.ticks.Now()

	if now < g.st.lastTick {
		if !g.st.rollbackActive {
			g.st.rollbackActive = true
			g.st.rollbackTick = g.st.lastTick - 1
			g.st.rollbackIndex++
			g.stats.rollbacks++
			g.queue(EventRollbackStart, now)

			if g.st.rollbackIndex > MaxRollbackDepth {
				return g.recoverRollback()
			}
		}
		if g.st.rollbackTick < g.st.rollbackFloor {
			return g.recoverRollback()
		}

		id := g.emit(g.st.rollbackTick, g.st.rollbackIndex)
		g.st.rollbackTick--
		return id
	}

	if g.st.rollbackActive {
		g.st.rollbackActive = false
		g.queue(EventRollbackEnd, now)
	}

	if now > g.st.lastTick {
		g.st.lastTick = now
		g.st.currentSeq = g.layout.MinSeq
	}

	if g.st.currentSeq <= g.layout.MaxSeq {
		return g.emitNext()
	}

	if g.layout.Method == MethodClassic {
		g.st.lastTick = g.waitFor(g.st.lastTick + 1)
		g.st.currentSeq = g.layout.MinSeq
		return g.emitNext()
	}

	g.st.lastTick++
	g.st.currentSeq = g.layout.MinSeq
	g.st.inDrift = true
	g.st.driftSteps = 1
	g.stats.drifts++
	g.queue(EventDriftStart, now)
	return g.emitNext()
}

func (g *Generator) nextDrift() uint64 {
	now := g.ticks.Now()

	if now > g.st.lastTick {
		return g.catchUp(now)
	}

	if g.st.driftSteps >= g.layout.MaxDriftSteps {
		return g.catchUp(g.waitFor(g.st.lastTick + 1))
	}

	if g.st.currentSeq > g.layout.MaxSeq {
		g.st.lastTick++
		g.st.currentSeq = g.layout.MinSeq
		g.st.driftSteps++
	}
	return g.emitNext()
}

// catchUp leaves drift mode once the tick source has passed lastTick.
// One unused sequence value at lastTick is drained first if available.
func (g *Generator) catchUp(now int64) uint64 {
	if g.st.currentSeq <= g.layout.MaxSeq {
		id := g.emit(g.st.lastTick, g.st.currentSeq)
		g.endDrift(now)
		return id
	}

	g.endDrift(now)
	return g.emitNext()
}

func (g *Generator) endDrift(now int64) {
	steps := g.st.driftSteps
	g.st.lastTick = now
	g.st.currentSeq = g.layout.MinSeq
	g.st.inDrift = false
	g.st.driftSteps = 0
	g.pending = append(g.pending, g.event(EventDriftEnd, now, steps))
}

// recoverRollback abandons the rollback protocol and waits for wall time to
// pass every tick that may already carry an id.
func (g *Generator) recoverRollback() uint64 {
	floor := g.st.lastTick
	tick := g.waitFor(floor + 1)

	g.st.lastTick = tick
	g.st.currentSeq = g.layout.MinSeq
	g.queue(EventRollbackEnd, tick)

	g.st.rollbackActive = false
	g.st.rollbackTick = 0
	g.st.rollbackIndex = 0
	g.st.rollbackFloor = floor

	return g.emitNext()
}

// waitFor polls the tick source until it reaches target. After maxWaitPolls
// polls target is returned regardless.
func (g *Generator) waitFor(target int64) int64 {
	for i := 0; i < g.waitPolls; i++ {
		if now := g.ticks.Now(); now >= target {
			return now
		}
		if i&1023 == 1023 {
			runtime.Gosched()
		}
	}

	g.queue(EventWaitExhausted, target)
	return target
}

func (g *Generator) emitNext() uint64 {
	id := g.emit(g.st.lastTick, g.st.currentSeq)
	g.st.currentSeq++
	return id
}

func (g *Generator) emit(tick int64, seq uint32) uint64 {
	g.stats.total++
	return g.layout.Encode(tick, g.layout.WorkerID, seq)
}

func (g *Generator) queue(kind EventKind, now int64) {
	g.pending = append(g.pending, g.event(kind, now, g.st.driftSteps))
}

func (g *Generator) event(kind EventKind, now int64, steps uint32) Event {
	return Event{
		Kind:          kind,
		WorkerID:      g.layout.WorkerID,
		Tick:          g.st.lastTick,
		Now:           now,
		TimestampMs:   g.layout.BaseTime + g.st.lastTick,
		RollbackIndex: g.st.rollbackIndex,
		DriftSteps:    steps,
	}
}

func (g *Generator) flush() {
	if len(g.pending) == 0 {
		return
	}
	for _, e := range g.pending {
		g.observer.Observe(e)
	}
	g.pending = g.pending[:0]
}
