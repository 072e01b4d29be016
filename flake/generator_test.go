package flake

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/maxpert/snowdrift/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func newTestGenerator(t *testing.T, opts Options, tick int64) (*Generator, *clock.Manual, *recorder) {
	t.Helper()

	src := clock.NewManual(tick)
	rec := &recorder{}
	opts.TickSource = src
	opts.Observer = rec
	if opts.BaseTime.IsZero() {
		opts.BaseTime = time.UnixMilli(0)
	}

	g, err := New(opts)
	require.NoError(t, err)
	g.waitPolls = 16
	return g, src, rec
}

func TestGenerator_FrozenTickScenario(t *testing.T) {
	g, _, _ := newTestGenerator(t, Options{WorkerID: 5}, 1000)
	layout := g.Config()

	p := g.Decode(g.Next())
	assert.Equal(t, int64(1000), p.Tick)
	assert.Equal(t, uint16(5), p.WorkerID)
	assert.Equal(t, uint32(5), p.Sequence)

	p = g.Decode(g.Next())
	assert.Equal(t, int64(1000), p.Tick)
	assert.Equal(t, uint32(6), p.Sequence)

	perTick := int(layout.MaxSeq - layout.MinSeq + 1)
	for i := 2; i < perTick; i++ {
		g.Next()
	}

	p = g.Decode(g.Next())
	assert.Equal(t, int64(1001), p.Tick)
	assert.Equal(t, uint32(5), p.Sequence)
	assert.Equal(t, ModeDrift, g.Stats().Mode)
}

func TestGenerator_MonotonicUniqueness(t *testing.T) {
	g, src, _ := newTestGenerator(t, Options{WorkerID: 1, SeqBits: 4}, 50)

	seen := make(map[uint64]bool)
	var prev uint64
	for i := 0; i < 5000; i++ {
		if i%7 == 0 {
			src.Advance(1)
		}
		id := g.Next()
		require.False(t, seen[id], "duplicate id %d at %d", id, i)
		require.Greater(t, id, prev, "non-monotonic id at %d", i)
		seen[id] = true
		prev = id
	}
}

func TestGenerator_SequenceBounds(t *testing.T) {
	g, src, _ := newTestGenerator(t, Options{SeqBits: 5, MinSeq: 7, MaxSeq: 20}, 10)

	for i := 0; i < 2000; i++ {
		if i%50 == 0 {
			src.Advance(1)
		}
		p := g.Decode(g.Next())
		assert.GreaterOrEqual(t, p.Sequence, uint32(7))
		assert.LessOrEqual(t, p.Sequence, uint32(20))
	}
}

func TestGenerator_DriftBoundedness(t *testing.T) {
	const frozen = int64(5000)
	g, _, rec := newTestGenerator(t, Options{SeqBits: 3, MinSeq: 5, MaxSeq: 7}, frozen)

	seen := make(map[uint64]bool)
	var prev uint64
	for i := 0; i < 1000; i++ {
		id := g.Next()
		require.False(t, seen[id])
		require.Greater(t, id, prev)
		seen[id] = true
		prev = id
	}

	last := g.Decode(prev)
	assert.LessOrEqual(t, last.Tick, frozen+1000/3)
	assert.Equal(t, frozen+333, last.Tick)

	stats := g.Stats()
	assert.Equal(t, uint64(1000), stats.TotalGenerated)
	assert.Equal(t, uint64(1), stats.DriftEpisodes)
	assert.Equal(t, ModeDrift, stats.Mode)
	assert.Equal(t, []EventKind{EventDriftStart}, rec.kinds())
}

func TestGenerator_DriftCatchUpDrainsLeftover(t *testing.T) {
	g, src, rec := newTestGenerator(t, Options{SeqBits: 3}, 100)

	// 3 ids at 100, then drift into 101
	for i := 0; i < 4; i++ {
		g.Next()
	}
	require.Equal(t, ModeDrift, g.Stats().Mode)

	src.Set(105)
	drained := g.Decode(g.Next())
	assert.Equal(t, int64(101), drained.Tick)
	assert.Equal(t, uint32(6), drained.Sequence)
	assert.Equal(t, ModeNormal, g.Stats().Mode)

	p := g.Decode(g.Next())
	assert.Equal(t, int64(105), p.Tick)
	assert.Equal(t, uint32(5), p.Sequence)

	require.Len(t, rec.events, 2)
	assert.Equal(t, EventDriftEnd, rec.events[1].Kind)
	assert.Equal(t, uint32(1), rec.events[1].DriftSteps)
	assert.Equal(t, int64(105), rec.events[1].Tick)
}

func TestGenerator_DriftCatchUpWithoutLeftover(t *testing.T) {
	g, src, _ := newTestGenerator(t, Options{SeqBits: 3}, 100)

	// 3 ids at 100, 3 ids at 101: sequence exhausted at the synthetic tick
	for i := 0; i < 6; i++ {
		g.Next()
	}

	src.Set(200)
	p := g.Decode(g.Next())
	assert.Equal(t, int64(200), p.Tick)
	assert.Equal(t, uint32(5), p.Sequence)

	p = g.Decode(g.Next())
	assert.Equal(t, int64(200), p.Tick)
	assert.Equal(t, uint32(6), p.Sequence)
}

func TestGenerator_DriftBudgetForcesWait(t *testing.T) {
	g, src, rec := newTestGenerator(t, Options{SeqBits: 3, MaxDriftSteps: 2}, 100)

	// 3 ids at 100, 3 at 101, 1 at 102: two synthetic ticks
	var ids []uint64
	for i := 0; i < 7; i++ {
		ids = append(ids, g.Next())
	}
	assert.Equal(t, int64(102), g.Decode(ids[6]).Tick)

	// budget spent: the frozen clock exhausts the wait and 103 is forced
	id := g.Next()
	p := g.Decode(id)
	assert.Equal(t, int64(102), p.Tick)
	assert.Equal(t, uint32(6), p.Sequence)
	assert.Greater(t, id, ids[6])
	assert.Equal(t, ModeNormal, g.Stats().Mode)
	assert.Equal(t, []EventKind{EventDriftStart, EventWaitExhausted, EventDriftEnd}, rec.kinds())

	src.Set(103)
	p = g.Decode(g.Next())
	assert.Equal(t, int64(103), p.Tick)
	assert.Equal(t, uint32(5), p.Sequence)
}

func TestGenerator_ClassicMethodWaitsForNextTick(t *testing.T) {
	reads := 0
	src := clock.Func(func() int64 {
		reads++
		if reads <= 4 {
			return 100
		}
		return 101
	})
	rec := &recorder{}

	g, err := New(Options{
		SeqBits:    3,
		Method:     MethodClassic,
		BaseTime:   time.UnixMilli(0),
		TickSource: src,
		Observer:   rec,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		g.Next()
	}

	p := g.Decode(g.Next())
	assert.Equal(t, int64(101), p.Tick)
	assert.Equal(t, uint32(5), p.Sequence)
	assert.Equal(t, uint64(0), g.Stats().DriftEpisodes)
	assert.Empty(t, rec.events)
}

func TestGenerator_ClassicMethodForcesTickOnFrozenClock(t *testing.T) {
	g, _, rec := newTestGenerator(t, Options{SeqBits: 3, Method: MethodClassic}, 100)

	for i := 0; i < 3; i++ {
		g.Next()
	}

	p := g.Decode(g.Next())
	assert.Equal(t, int64(101), p.Tick)
	assert.Equal(t, []EventKind{EventWaitExhausted}, rec.kinds())
}

func TestGenerator_ForcedTickOnlyReachesObserver(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	g, _, rec := newTestGenerator(t, Options{SeqBits: 3, Method: MethodClassic}, 100)
	for i := 0; i < 4; i++ {
		g.Next()
	}

	assert.Equal(t, []EventKind{EventWaitExhausted}, rec.kinds())
	assert.Empty(t, buf.String())
}

func TestGenerator_RollbackContainment(t *testing.T) {
	g, src, rec := newTestGenerator(t, Options{WorkerID: 2}, 100)

	var ids []uint64
	ids = append(ids, g.Next(), g.Next())

	src.Set(99)
	id := g.Next()
	ids = append(ids, id)
	p := g.Decode(id)
	assert.Equal(t, int64(99), p.Tick)
	assert.Equal(t, uint32(1), p.Sequence)
	assert.Equal(t, ModeRollback, g.Stats().Mode)

	src.Set(98)
	id = g.Next()
	ids = append(ids, id)
	p = g.Decode(id)
	assert.Equal(t, int64(98), p.Tick)
	assert.Equal(t, uint32(1), p.Sequence)

	src.Set(101)
	id = g.Next()
	ids = append(ids, id)
	p = g.Decode(id)
	assert.Equal(t, int64(101), p.Tick)
	assert.Equal(t, uint32(5), p.Sequence)
	assert.Equal(t, ModeNormal, g.Stats().Mode)

	seen := make(map[uint64]bool)
	for _, id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}

	assert.Equal(t, uint64(1), g.Stats().RollbackEpisodes)
	assert.Equal(t, []EventKind{EventRollbackStart, EventRollbackEnd}, rec.kinds())
}

func TestGenerator_RollbackDepthForcesRecovery(t *testing.T) {
	g, src, rec := newTestGenerator(t, Options{}, 100)

	seen := make(map[uint64]bool)
	record := func(id uint64) Parts {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		return g.Decode(id)
	}

	record(g.Next())

	for episode := uint32(1); episode <= MaxRollbackDepth; episode++ {
		src.Set(99)
		p := record(g.Next())
		assert.Equal(t, int64(99), p.Tick)
		assert.Equal(t, episode, p.Sequence)

		src.Set(100)
		p = record(g.Next())
		assert.Equal(t, int64(100), p.Tick)
		assert.GreaterOrEqual(t, p.Sequence, uint32(5))
	}

	// fifth episode without the clock recovering: forced wait then next tick
	src.Set(99)
	p := record(g.Next())
	assert.Equal(t, int64(101), p.Tick)
	assert.Equal(t, uint32(5), p.Sequence)
	assert.Equal(t, ModeNormal, g.Stats().Mode)
	assert.Equal(t, uint64(5), g.Stats().RollbackEpisodes)

	kinds := rec.kinds()
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, []EventKind{EventRollbackStart, EventWaitExhausted, EventRollbackEnd}, kinds[len(kinds)-3:])

	// after recovery rollback ids may not reuse ticks below the previous last tick
	src.Set(99)
	p = record(g.Next())
	assert.Equal(t, int64(100), p.Tick)
	assert.Equal(t, uint32(1), p.Sequence)

	p = record(g.Next())
	assert.Equal(t, int64(102), p.Tick)
	assert.Equal(t, uint32(5), p.Sequence)
}

func TestGenerator_RollbackNeverBelowTickZero(t *testing.T) {
	g, src, rec := newTestGenerator(t, Options{}, 0)

	src.Set(1)
	g.Next()

	src.Set(0)
	p := g.Decode(g.Next())
	assert.Equal(t, int64(0), p.Tick)
	assert.Equal(t, uint32(1), p.Sequence)

	p = g.Decode(g.Next())
	assert.Equal(t, int64(2), p.Tick)
	assert.Equal(t, uint32(5), p.Sequence)
	assert.Contains(t, rec.kinds(), EventWaitExhausted)
}

func TestGenerator_NextNarrow(t *testing.T) {
	g, src, _ := newTestGenerator(t, Options{WorkerID: 1}, 1000)

	v, err := g.NextNarrow()
	require.NoError(t, err)
	assert.Equal(t, int64(1000)<<12|1<<6|5, v)

	before := g.Stats()
	src.Set(int64(1) << 51)

	_, err = g.NextNarrow()
	var rangeErr *RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, uint64(math.MaxInt64), rangeErr.Limit)
	assert.Equal(t, before.TotalGenerated, g.Stats().TotalGenerated)

	// state was restored, so the failed call left no trace
	src.Set(1000)
	p := g.Decode(g.Next())
	assert.Equal(t, int64(1000), p.Tick)
	assert.Equal(t, uint32(6), p.Sequence)
}

func TestGenerator_NextNarrowFailureDropsEvents(t *testing.T) {
	g, src, rec := newTestGenerator(t, Options{}, 1000)
	g.Next()

	src.Set(5)
	rollback := g.Decode(g.Next())
	require.Equal(t, uint32(1), rollback.Sequence)
	require.Len(t, rec.events, 1)

	src.Set(int64(1) << 51)
	_, err := g.NextNarrow()
	require.Error(t, err)
	assert.Len(t, rec.events, 1)
	assert.Equal(t, ModeRollback, g.Stats().Mode)
}

func TestGenerator_NextBatch(t *testing.T) {
	g, _, _ := newTestGenerator(t, Options{SeqBits: 3}, 100)

	ids, err := g.NextBatch(10)
	require.NoError(t, err)
	require.Len(t, ids, 10)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
	assert.Equal(t, uint64(10), g.Stats().TotalGenerated)

	for _, count := range []int{0, -1} {
		_, err := g.NextBatch(count)
		var argErr *InvalidArgumentError
		assert.True(t, errors.As(err, &argErr))
	}
	assert.Equal(t, uint64(10), g.Stats().TotalGenerated)
}

func TestGenerator_Parse(t *testing.T) {
	g, _, _ := newTestGenerator(t, Options{WorkerID: 7}, 4242)
	id := g.Next()

	p, err := g.Parse(int64(id))
	require.NoError(t, err)
	assert.Equal(t, int64(4242), p.Tick)
	assert.Equal(t, int64(4242), p.TimestampMs)
	assert.Equal(t, uint16(7), p.WorkerID)

	_, err = g.Parse(-1)
	var idErr *InvalidIDError
	assert.True(t, errors.As(err, &idErr))

	p2, err := g.ParseString(" 1 ")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), p2.Sequence)

	_, err = g.ParseString("-42")
	assert.True(t, errors.As(err, &idErr))
}

func TestGenerator_IsValid(t *testing.T) {
	g, src, _ := newTestGenerator(t, Options{WorkerID: 9}, 10_000)
	layout := g.Config()

	id := g.Next()
	assert.True(t, g.IsValid(id, false))
	assert.True(t, g.IsValid(id, true))

	other := layout.Encode(10_000, 8, 5)
	assert.True(t, g.IsValid(other, false))
	assert.False(t, g.IsValid(other, true))

	future := layout.Encode(20_000, 9, 5)
	assert.False(t, g.IsValid(future, false))

	src.Set(19_500)
	assert.True(t, g.IsValid(future, true))
}

func TestGenerator_StatsAndReset(t *testing.T) {
	g, src, _ := newTestGenerator(t, Options{SeqBits: 3}, 100)

	start := time.Unix(1_700_000_000, 0)
	current := start
	g.wall = func() time.Time { return current }
	g.ResetStats()

	for i := 0; i < 4; i++ {
		g.Next()
	}
	src.Set(90)
	g.Next()

	current = start.Add(2 * time.Second)
	stats := g.Stats()
	assert.Equal(t, uint64(5), stats.TotalGenerated)
	assert.Equal(t, uint64(1), stats.DriftEpisodes)
	assert.Equal(t, uint64(0), stats.RollbackEpisodes)
	assert.Equal(t, int64(2000), stats.UptimeMs)
	assert.InDelta(t, 2.5, stats.AvgPerSecond, 0.0001)
	assert.Equal(t, start, stats.StartTime)

	g.ResetStats()
	stats = g.Stats()
	assert.Equal(t, uint64(0), stats.TotalGenerated)
	assert.Equal(t, uint64(0), stats.DriftEpisodes)
	assert.Equal(t, int64(0), stats.UptimeMs)
	assert.Equal(t, current, stats.StartTime)

	// generation state survives a reset
	src.Set(101)
	p := g.Decode(g.Next())
	assert.Equal(t, int64(101), p.Tick)
	assert.Equal(t, uint32(7), p.Sequence)
}

func TestGenerator_DebugFormat(t *testing.T) {
	g, _, _ := newTestGenerator(t, Options{WorkerID: 5}, 1000)
	out := g.DebugFormat(g.Next())

	assert.Contains(t, out, "worker:    5 (6 bits)")
	assert.Contains(t, out, "sequence:  5 (6 bits)")
	assert.Contains(t, out, "tick 1000")
	assert.Contains(t, out, "|000101|000101")
	assert.NotContains(t, out, "rollback slot")

	rollback := g.Config().Encode(999, 5, 2)
	assert.True(t, strings.HasSuffix(g.DebugFormat(rollback), "rollback slot"))
}

func TestNew_RejectsInvalidOptions(t *testing.T) {
	_, err := New(Options{WorkerIDBits: 15, SeqBits: 10})
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))

	_, err = New(Options{BaseTime: time.Now().Add(time.Hour)})
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "base_time", cfgErr.Field)
}

func TestNew_SystemClock(t *testing.T) {
	g, err := New(Options{WorkerID: 1})
	require.NoError(t, err)

	var prev uint64
	for i := 0; i < 10000; i++ {
		id := g.Next()
		require.Greater(t, id, prev)
		prev = id
	}
	assert.True(t, g.IsValid(prev, true))

	p := g.Decode(prev)
	assert.WithinDuration(t, time.Now(), p.Time(), 5*time.Second)
}

func BenchmarkGenerator_Next(b *testing.B) {
	g, err := New(Options{WorkerID: 1})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.Next()
	}
}

func BenchmarkGenerator_NextFrozenClock(b *testing.B) {
	g, err := New(Options{WorkerID: 1, TickSource: clock.NewManual(1), MaxDriftSteps: math.MaxUint32})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.Next()
	}
}
