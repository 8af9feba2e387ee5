package gosmpls

// simulation.go ties a topology to a clock.  A run is driven by an evtm event
// manager: one event per tick advances the clock, and scripted link changes are
// events placed half a tick before the tick they apply to, so that they are
// in force when the tick is broadcast.

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// Simulation is one run of a topology
type Simulation struct {
	Name string

	topo     *Topology
	clock    *Clock
	evtMgr   *evtm.EventManager
	recorder *Recorder
	trace    *TraceManager
	traceAll bool
	scenario []ScenarioAction
	logger   *slog.Logger

	// tick at which the current Run stops
	target uint64
}

// CreateSimulation is a constructor.  Every element of the topology is
// registered with a new clock whose ticks last tickNs.
func CreateSimulation(name string, topo *Topology, tickNs int64, logger *slog.Logger) *Simulation {
	if logger == nil {
		logger = discardLogger()
	}
	sim := new(Simulation)
	sim.Name = name
	sim.topo = topo
	sim.clock = CreateClock(tickNs)
	sim.evtMgr = evtm.New()
	sim.scenario = make([]ScenarioAction, 0)
	sim.logger = logger.With("sim", name)
	for _, elmt := range topo.Elements() {
		sim.clock.Register(elmt)
	}
	sim.clock.AddBarrierHook(sim.atBarrier)
	return sim
}

// Topology returns the simulated topology
func (sim *Simulation) Topology() *Topology { return sim.topo }

// Clock returns the simulation's clock
func (sim *Simulation) Clock() *Clock { return sim.clock }

// Recorder returns the attached recorder, nil if none
func (sim *Simulation) Recorder() *Recorder { return sim.recorder }

// Attach makes rec the event subscriber of every element
func (sim *Simulation) Attach(rec *Recorder) error {
	errs := make([]error, 0)
	for _, node := range sim.topo.Nodes() {
		if err := node.SetEventSink(rec); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", node.name, err))
		}
	}
	for _, link := range sim.topo.Links() {
		if err := link.SetEventSink(rec); err != nil {
			errs = append(errs, fmt.Errorf("link %s: %w", link.name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	sim.recorder = rec
	if sim.trace != nil {
		sim.bindTrace()
	}
	return nil
}

// SetTrace names the trace manager events of traced elements go to.
// With all set every element is traced, otherwise only those whose
// trace parameter was set.
func (sim *Simulation) SetTrace(tm *TraceManager, all bool) {
	sim.trace = tm
	sim.traceAll = all
	for _, node := range sim.topo.Nodes() {
		tm.AddName(node.id, node.name, "node")
	}
	for _, link := range sim.topo.Links() {
		tm.AddName(link.id, link.name, "link")
	}
	if sim.recorder != nil {
		sim.bindTrace()
	}
}

// bindTrace tells the recorder which elements are traced
func (sim *Simulation) bindTrace() {
	sim.recorder.SetTrace(sim.trace, sim.traceAll)
	for _, node := range sim.topo.Nodes() {
		if node.trace {
			sim.recorder.TraceElement(node.id)
		}
	}
	for _, link := range sim.topo.Links() {
		if link.trace {
			sim.recorder.TraceElement(link.id)
		}
	}
}

// LoadScenario adds scripted link changes.  Every link named must exist.
func (sim *Simulation) LoadScenario(sc *ScenarioCfg) error {
	errs := make([]error, 0)
	for _, action := range sc.Actions {
		if _, present := sim.topo.LinkByName(action.Link); !present {
			errs = append(errs, fmt.Errorf("scenario %s link %s: %w", sc.Name, action.Link, ErrUnknownElement))
			continue
		}
		sim.scenario = append(sim.scenario, action)
	}
	sort.SliceStable(sim.scenario, func(i, j int) bool { return sim.scenario[i].Tick < sim.scenario[j].Tick })
	return errors.Join(errs...)
}

// SetLinkDown takes a link down or brings it back up, effective from the next tick
func (sim *Simulation) SetLinkDown(name string, down bool) error {
	if err := sim.topo.SetLinkDown(name, down); err != nil {
		return err
	}
	sim.logger.Info("link state set", "link", name, "down", down, "tick", sim.clock.Tick())
	return nil
}

// applyScenario carries out the scripted actions for the given tick
func (sim *Simulation) applyScenario(tick uint64) {
	for _, action := range sim.scenario {
		if action.Tick == tick {
			if err := sim.SetLinkDown(action.Link, action.Down); err != nil {
				sim.logger.Error("scenario action failed", "error", err)
			}
		}
	}
}

// Step runs a single tick without the event manager
func (sim *Simulation) Step() TickEvent {
	sim.applyScenario(sim.clock.Tick() + 1)
	return sim.clock.Advance()
}

// scenarioEvent is the data carried by a scheduled link change
type scenarioEvent struct {
	action ScenarioAction
}

// Run advances the clock by the given number of ticks.  It returns the error
// of any element that failed along the way.
func (sim *Simulation) Run(ticks uint64) error {
	if ticks == 0 {
		return sim.Err()
	}
	start := sim.clock.Tick()
	sim.target = start + ticks
	tickSecs := float64(sim.clock.TickNs()) / 1e9

	for _, action := range sim.scenario {
		if action.Tick <= start || action.Tick > sim.target {
			continue
		}
		offset := (float64(action.Tick-start) - 0.5) * tickSecs
		sim.evtMgr.Schedule(sim, scenarioEvent{action: action}, applyScenarioAction, vrtime.SecondsToTime(offset))
	}
	sim.evtMgr.Schedule(sim, nil, advanceClock, vrtime.SecondsToTime(tickSecs))
	// half a tick of slack past the last tick event
	sim.evtMgr.Run(sim.evtMgr.CurrentSeconds() + (float64(ticks)+0.5)*tickSecs)

	sim.logger.Debug("run complete", "ticks", ticks, "tick", sim.clock.Tick())
	return sim.Err()
}

// advanceClock is the event handler for one tick.  It schedules the next tick
// until the run's target is reached.
func advanceClock(evtMgr *evtm.EventManager, context any, data any) any {
	sim := context.(*Simulation)
	ev := sim.clock.Advance()
	if ev.Tick < sim.target && sim.Err() == nil {
		tickSecs := float64(sim.clock.TickNs()) / 1e9
		evtMgr.Schedule(sim, nil, advanceClock, vrtime.SecondsToTime(tickSecs))
	}
	return nil
}

// applyScenarioAction is the event handler for a scripted link change
func applyScenarioAction(evtMgr *evtm.EventManager, context any, data any) any {
	sim := context.(*Simulation)
	action := data.(scenarioEvent).action
	if err := sim.SetLinkDown(action.Link, action.Down); err != nil {
		sim.logger.Error("scenario action failed", "error", err)
	}
	return nil
}

// atBarrier runs once every element has finished the tick: deferred removals
// are applied and statistics sampled
func (sim *Simulation) atBarrier(ev TickEvent) {
	for _, id := range sim.topo.ApplyPending() {
		sim.clock.Remove(id)
	}
	if sim.recorder != nil {
		sim.recorder.Observe(sim.topo)
	}
}

// Err returns the errors of every failed node
func (sim *Simulation) Err() error {
	errs := make([]error, 0)
	for _, node := range sim.topo.Nodes() {
		if err := node.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, link := range sim.topo.Links() {
		if err := link.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset returns the simulation to tick zero.  Topology edits already applied stay.
func (sim *Simulation) Reset() {
	sim.topo.Reset()
	sim.clock.Reset()
	sim.evtMgr = evtm.New()
	sim.target = 0
	if sim.recorder != nil {
		sim.recorder.Reset()
	}
}
