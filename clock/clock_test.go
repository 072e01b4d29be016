package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystem_RelativeToBase(t *testing.T) {
	base := time.Now().Add(-10 * time.Second)
	src := NewSystem(base)

	tick := src.Now()
	assert.GreaterOrEqual(t, tick, int64(10_000))
	assert.Less(t, tick, int64(20_000))
	assert.Equal(t, base.UnixMilli(), src.BaseMs())
}

func TestSystem_UnixEpochBase(t *testing.T) {
	src := NewSystem(time.UnixMilli(0))

	before := time.Now().UnixMilli()
	tick := src.Now()
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, tick, before)
	assert.LessOrEqual(t, tick, after)
}

func TestManual_SetAndAdvance(t *testing.T) {
	m := NewManual(1000)
	assert.Equal(t, int64(1000), m.Now())

	m.Set(990)
	assert.Equal(t, int64(990), m.Now())

	assert.Equal(t, int64(1000), m.Advance(10))
	assert.Equal(t, int64(1000), m.Now())
}

func TestManual_Concurrent(t *testing.T) {
	m := NewManual(0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Advance(1)
				_ = m.Now()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), m.Now())
}

func TestFunc(t *testing.T) {
	ticks := []int64{5, 4, 6}
	i := 0
	src := Func(func() int64 {
		v := ticks[i]
		if i < len(ticks)-1 {
			i++
		}
		return v
	})

	assert.Equal(t, int64(5), src.Now())
	assert.Equal(t, int64(4), src.Now())
	assert.Equal(t, int64(6), src.Now())
	assert.Equal(t, int64(6), src.Now())
}
