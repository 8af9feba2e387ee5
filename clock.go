package gosmpls

// clock.go holds the tick substrate.  Every registered Element is told
// about each tick, starts its unit of work for that tick on its own goroutine,
// and the Clock waits for all of them before the tick is considered done.
//
// Additions and removals of elements requested while a tick is in progress
// are deferred and applied at the barrier, so the element list is never
// mutated while it is being walked.

import (
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"
)

// TickEvent is what an element is told at the start of each tick
type TickEvent struct {
	Tick         uint64 // tick number, the first tick is 1
	DurationNs   int64  // length of the slice of simulated time
	UpperBoundNs int64  // simulated time at the end of this tick
}

// Element is anything the Clock drives, i.e., nodes and links.
// OnTick starts the element's work for the tick and returns without waiting;
// Join blocks until that work is complete.
type Element interface {
	ElementID() int
	OnTick(ev TickEvent)
	Join()
}

// tickWorker is embedded in each element.  It guarantees that at most one
// unit of work is in flight and that a given tick is worked at most once.
type tickWorker struct {
	running  atomic.Bool
	lastTick atomic.Uint64
	wg       sync.WaitGroup
}

// start launches fn for the given tick unless the element is still busy
// or has already worked this tick.  The return tells whether fn was launched.
func (tw *tickWorker) start(tick uint64, fn func()) bool {
	if tick <= tw.lastTick.Load() {
		return false
	}
	if !tw.running.CompareAndSwap(false, true) {
		return false
	}
	tw.lastTick.Store(tick)
	tw.wg.Add(1)
	go func() {
		defer tw.wg.Done()
		defer tw.running.Store(false)
		fn()
	}()
	return true
}

// join waits for the in-flight unit of work, if any
func (tw *tickWorker) join() {
	tw.wg.Wait()
}

// reset forgets the tick history, used when a simulation is reset
func (tw *tickWorker) reset() {
	tw.join()
	tw.lastTick.Store(0)
}

// Clock is the process-wide coordinator of ticks
type Clock struct {
	mu     sync.Mutex
	tickNs int64
	tick   uint64
	nowNs  int64

	elements      []Element
	pendingAdd    []Element
	pendingRemove map[int]bool

	// barrierHooks run after every element has joined, before pending edits apply
	barrierHooks []func(TickEvent)
}

// CreateClock is a constructor.  tickNs is the duration of one tick in nanoseconds.
func CreateClock(tickNs int64) *Clock {
	if tickNs < 1 {
		tickNs = 1
	}
	clk := new(Clock)
	clk.tickNs = tickNs
	clk.elements = make([]Element, 0)
	clk.pendingAdd = make([]Element, 0)
	clk.pendingRemove = make(map[int]bool)
	return clk
}

// TickNs returns the configured tick duration
func (clk *Clock) TickNs() int64 {
	return clk.tickNs
}

// Tick returns the number of ticks completed
func (clk *Clock) Tick() uint64 {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	return clk.tick
}

// NowNs returns the simulated time reached
func (clk *Clock) NowNs() int64 {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	return clk.nowNs
}

// Register asks that the element be driven from the next tick on
func (clk *Clock) Register(elmt Element) {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.pendingAdd = append(clk.pendingAdd, elmt)
}

// Remove asks that the element with the given id stop being driven.
// The removal takes effect at the next barrier.
func (clk *Clock) Remove(id int) {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.pendingRemove[id] = true
}

// AddBarrierHook registers a function called at every barrier
func (clk *Clock) AddBarrierHook(hook func(TickEvent)) {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.barrierHooks = append(clk.barrierHooks, hook)
}

// Elements returns the elements currently driven
func (clk *Clock) Elements() []Element {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	return append([]Element(nil), clk.elements...)
}

// applyPending folds deferred additions and removals into the element list
func (clk *Clock) applyPending() {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.elements = append(clk.elements, clk.pendingAdd...)
	clk.pendingAdd = clk.pendingAdd[:0]
	if len(clk.pendingRemove) == 0 {
		return
	}
	kept := clk.elements[:0]
	for _, elmt := range clk.elements {
		if !clk.pendingRemove[elmt.ElementID()] {
			kept = append(kept, elmt)
		}
	}
	clk.elements = kept
	clk.pendingRemove = make(map[int]bool)
}

// Advance runs one tick: broadcast, barrier, deferred edits.
// It returns the tick event that was broadcast.
func (clk *Clock) Advance() TickEvent {
	clk.applyPending()

	clk.mu.Lock()
	clk.tick += 1
	clk.nowNs += clk.tickNs
	ev := TickEvent{Tick: clk.tick, DurationNs: clk.tickNs, UpperBoundNs: clk.nowNs}
	elements := append([]Element(nil), clk.elements...)
	hooks := slices.Clone(clk.barrierHooks)
	clk.mu.Unlock()

	for _, elmt := range elements {
		elmt.OnTick(ev)
	}
	for _, elmt := range elements {
		elmt.Join()
	}

	for _, hook := range hooks {
		hook(ev)
	}
	clk.applyPending()
	return ev
}

// Reset rewinds simulated time to zero.  Registered elements are kept.
func (clk *Clock) Reset() {
	clk.applyPending()
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.tick = 0
	clk.nowNs = 0
}
