package gosmpls

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingElement records how its ticks overlap
type countingElement struct {
	id       int
	worker   tickWorker
	inFlight atomic.Int32
	overlaps atomic.Int32
	worked   atomic.Int32
	ticks    []uint64
	mu       sync.Mutex
	delay    time.Duration
}

func (ce *countingElement) ElementID() int { return ce.id }

func (ce *countingElement) OnTick(ev TickEvent) {
	ce.worker.start(ev.Tick, func() {
		if ce.inFlight.Add(1) > 1 {
			ce.overlaps.Add(1)
		}
		time.Sleep(ce.delay)
		ce.mu.Lock()
		ce.ticks = append(ce.ticks, ev.Tick)
		ce.mu.Unlock()
		ce.worked.Add(1)
		ce.inFlight.Add(-1)
	})
}

func (ce *countingElement) Join() { ce.worker.join() }

func TestClockBarrier(t *testing.T) {
	clk := CreateClock(1000)
	elmts := []*countingElement{}
	for i := 1; i <= 4; i++ {
		ce := &countingElement{id: i, delay: time.Millisecond}
		elmts = append(elmts, ce)
		clk.Register(ce)
	}

	for i := 0; i < 5; i++ {
		ev := clk.Advance()
		// after Advance returns every element has finished this tick
		for _, ce := range elmts {
			assert.Equal(t, int32(0), ce.inFlight.Load())
			assert.Equal(t, int32(i+1), ce.worked.Load())
		}
		assert.Equal(t, uint64(i+1), ev.Tick)
		assert.Equal(t, int64(1000), ev.DurationNs)
		assert.Equal(t, int64(1000*(i+1)), ev.UpperBoundNs)
	}
	for _, ce := range elmts {
		assert.Equal(t, int32(0), ce.overlaps.Load())
		assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ce.ticks)
	}
}

func TestTickWorkerRejectsRepeatedTick(t *testing.T) {
	ce := &countingElement{id: 1}
	ev := TickEvent{Tick: 1, DurationNs: 10, UpperBoundNs: 10}
	ce.OnTick(ev)
	ce.OnTick(ev)
	ce.Join()
	ce.OnTick(ev)
	ce.Join()
	assert.Equal(t, int32(1), ce.worked.Load())
}

func TestClockDeferredRemoval(t *testing.T) {
	clk := CreateClock(10)
	a := &countingElement{id: 1}
	b := &countingElement{id: 2}
	clk.Register(a)
	clk.Register(b)
	clk.Advance()

	clk.AddBarrierHook(func(ev TickEvent) {
		// removal requested mid-run only applies after the barrier
		if ev.Tick == 2 {
			clk.Remove(2)
		}
	})
	clk.Advance()
	require.Len(t, clk.Elements(), 1)
	clk.Advance()

	assert.Equal(t, int32(3), a.worked.Load())
	assert.Equal(t, int32(2), b.worked.Load())
}
