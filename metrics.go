package gosmpls

// metrics.go holds the statistics side of the simulation: a Recorder that
// consumes simulation events into Prometheus collectors, optionally keeps the
// event history and feeds the trace manager, plus per-element counters.

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the EventSink the simulation attaches to every element
type Recorder struct {
	gatherer prometheus.Gatherer

	Events    *prometheus.CounterVec
	Ticks     prometheus.Counter
	TableSize *prometheus.GaugeVec
	InFlight  *prometheus.GaugeVec
	Replay    *prometheus.GaugeVec

	mu          sync.Mutex
	keepHistory bool
	history     []SimEvent
	counts      map[EventKind]int

	trace    *TraceManager
	traced   map[int]bool
	traceAll bool
}

// NewRecorder registers the simulation's collectors against the provided
// registerer, defaulting to the global Prometheus registry when nil
func NewRecorder(reg prometheus.Registerer, keepHistory bool) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gosmpls_events_total",
		Help: "Simulation events raised, labeled by element and event kind.",
	}, []string{"element", "kind"}), "gosmpls_events_total")
	if err != nil {
		return nil, err
	}
	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gosmpls_ticks_total",
		Help: "Clock ticks completed.",
	}), "gosmpls_ticks_total")
	if err != nil {
		return nil, err
	}
	tableSize, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gosmpls_switching_entries",
		Help: "Live switching table entries per router.",
	}, []string{"node"}), "gosmpls_switching_entries")
	if err != nil {
		return nil, err
	}
	inFlight, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gosmpls_link_in_flight",
		Help: "Packets being carried per link.",
	}, []string{"link"}), "gosmpls_link_in_flight")
	if err != nil {
		return nil, err
	}
	replay, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gosmpls_replay_buffered",
		Help: "Packets held for replay per active node.",
	}, []string{"node"}), "gosmpls_replay_buffered")
	if err != nil {
		return nil, err
	}

	return &Recorder{
		gatherer:    gatherer,
		Events:      events,
		Ticks:       ticks,
		TableSize:   tableSize,
		InFlight:    inFlight,
		Replay:      replay,
		keepHistory: keepHistory,
		history:     make([]SimEvent, 0),
		counts:      make(map[EventKind]int),
		traced:      make(map[int]bool),
	}, nil
}

// Gatherer returns the registry the collectors were registered with
func (rec *Recorder) Gatherer() prometheus.Gatherer {
	return rec.gatherer
}

// SetTrace directs events of traced elements (or of all, when all is true)
// to the trace manager
func (rec *Recorder) SetTrace(tm *TraceManager, all bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.trace = tm
	rec.traceAll = all
}

// TraceElement marks an element as traced
func (rec *Recorder) TraceElement(id int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.traced[id] = true
}

// Consume implements EventSink
func (rec *Recorder) Consume(ev SimEvent) {
	rec.Events.WithLabelValues(ev.Element, ev.Kind.String()).Inc()

	rec.mu.Lock()
	rec.counts[ev.Kind] += 1
	if rec.keepHistory {
		rec.history = append(rec.history, ev)
	}
	tm := rec.trace
	traced := rec.traceAll || rec.traced[ev.ElementID]
	rec.mu.Unlock()

	if traced {
		tm.AddEvent(ev)
	}
}

// Count returns the number of events of a kind consumed so far
func (rec *Recorder) Count(kind EventKind) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.counts[kind]
}

// History returns the events consumed so far, if history is kept
func (rec *Recorder) History() []SimEvent {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]SimEvent(nil), rec.history...)
}

// Filter returns the kept events matching fn
func (rec *Recorder) Filter(fn func(SimEvent) bool) []SimEvent {
	rtn := make([]SimEvent, 0)
	for _, ev := range rec.History() {
		if fn(ev) {
			rtn = append(rtn, ev)
		}
	}
	return rtn
}

// Observe samples the gauges from the topology; called at the barrier
func (rec *Recorder) Observe(topo *Topology) {
	rec.Ticks.Inc()
	for _, node := range topo.Nodes() {
		if node.table != nil {
			rec.TableSize.WithLabelValues(node.name).Set(float64(node.TableSize()))
		}
		if node.gpsrp != nil {
			rec.Replay.WithLabelValues(node.name).Set(float64(node.gpsrp.buffered()))
		}
	}
	for _, link := range topo.Links() {
		rec.InFlight.WithLabelValues(link.name).Set(float64(link.InFlight()))
	}
}

// Reset forgets the history and counts; Prometheus counters are cumulative
// and are left alone
func (rec *Recorder) Reset() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.history = make([]SimEvent, 0)
	rec.counts = make(map[EventKind]int)
}

// ElementStats is a snapshot of what passed through an element
type ElementStats struct {
	Generated     int64
	Sent          int64
	Received      int64
	ReceivedBytes int64
	Switched      int64
	Discarded     int64
	Retransmitted int64
}

// Stats returns the node's counters
func (node *Node) Stats() ElementStats {
	return ElementStats{
		Generated:     node.stats.generated.Load(),
		Sent:          node.stats.sent.Load(),
		Received:      node.stats.received.Load(),
		ReceivedBytes: node.stats.receivedBytes.Load(),
		Switched:      node.stats.switched.Load(),
		Discarded:     node.stats.discarded.Load(),
		Retransmitted: node.stats.retransmitted.Load(),
	}
}

// Stats returns the link's counters, mapped onto the node fields:
// carried packets as Sent, delivered as Received, lost as Discarded
func (link *Link) Stats() ElementStats {
	return ElementStats{
		Sent:      link.carried.Load(),
		Received:  link.delivered.Load(),
		Discarded: link.lost.Load(),
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
