package gosmpls

// trace.go gathers a record of the events raised by traced elements, for
// post-run analysis.  Records are kept per element and written out as YAML or JSON.

import (
	"strconv"
	"sync"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// TraceInst is one stored trace record
type TraceInst struct {
	TraceTime string `json:"time" yaml:"time"`
	TraceType string `json:"type" yaml:"type"`
	TraceStr  string `json:"record" yaml:"record"`
}

// NameType is an entry in a dictionary created for a trace
// that maps element id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager is used to gather information about an execution of a simulation.
// AddEvent may be called concurrently from the elements' tick goroutines.
type TraceManager struct {
	mu sync.Mutex

	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each element id
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, by element id
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if !tm.Active() {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
}

// AddTrace stores a record under the element id
func (tm *TraceManager) AddTrace(vrt vrtime.Time, objID int, trace TraceInst) {
	if !tm.Active() {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.Traces[objID] = append(tm.Traces[objID], trace)
}

// EventTrace is the record kept for one simulation event
type EventTrace struct {
	Time       float64 `yaml:"time"`
	Ticks      int64   `yaml:"ticks"`
	Tick       uint64  `yaml:"tick"`
	EventID    int     `yaml:"event"`
	ObjID      int     `yaml:"obj"`
	Kind       string  `yaml:"kind"`
	PacketType string  `yaml:"pckttype,omitempty"`
	FlowID     int     `yaml:"flow,omitempty"`
	PacketID   int     `yaml:"pckt,omitempty"`
	Label      int     `yaml:"label,omitempty"`
	Size       int     `yaml:"size,omitempty"`
	Detail     string  `yaml:"detail,omitempty"`
}

// Serialize renders the record on one line
func (et *EventTrace) Serialize() string {
	var node yaml.Node
	if err := node.Encode(et); err != nil {
		return ""
	}
	node.Style = yaml.FlowStyle
	bytes, err := yaml.Marshal(&node)
	if err != nil {
		return ""
	}
	return string(trimNewline(bytes))
}

func trimNewline(bytes []byte) []byte {
	for len(bytes) > 0 && bytes[len(bytes)-1] == '\n' {
		bytes = bytes[:len(bytes)-1]
	}
	return bytes
}

// AddEvent creates a record of a simulation event and stores it
func (tm *TraceManager) AddEvent(ev SimEvent) {
	if !tm.Active() {
		return
	}
	vrt := vrtime.SecondsToTime(float64(ev.TimeNs) / 1e9)
	et := EventTrace{Time: vrt.Seconds(), Ticks: vrt.Ticks(), Tick: ev.Tick, EventID: ev.ID,
		ObjID: ev.ElementID, Kind: ev.Kind.String(), FlowID: ev.FlowID, PacketID: ev.PacketID,
		Label: ev.Label, Size: ev.Size, Detail: ev.Detail}
	if ev.FlowID != 0 || ev.PacketID != 0 || ev.Size != 0 {
		et.PacketType = ev.PacketType.String()
	}
	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	tm.AddTrace(vrt, ev.ElementID, TraceInst{TraceTime: traceTime, TraceType: "event", TraceStr: et.Serialize()})
}

// Len returns the number of records held
func (tm *TraceManager) Len() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	total := 0
	for _, traces := range tm.Traces {
		total += len(traces)
	}
	return total
}

// WriteToFile stores the traces to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
// Nothing is written when the manager is not in use.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.Active() {
		return nil
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return writeDesc(filename, tm)
}
