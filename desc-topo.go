package gosmpls

// desc-topo.go holds the serializable descriptions a simulation is built from:
// the topology (nodes, links, traffic), the experiment parameters applied to
// it, the scripted scenario of link failures, and the simulation settings.
// Every description is written to and read from YAML or JSON; the choice on
// write is made by the file name's extension.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

var errUnknownExt = errors.New("file extension selects neither yaml nor json")

// writeDesc serializes a description to the named file
func writeDesc(filename string, desc any) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	switch pathExt {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(desc)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(desc, "", "\t")
	default:
		return fmt.Errorf("%s: %w", filename, errUnknownExt)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// readDesc deserializes a description.  If dict is empty the named file is read
// to acquire the bytes.
func readDesc[T any](filename string, useYAML bool, dict []byte) (*T, error) {
	var err error
	if len(dict) == 0 {
		fileInfo, serr := os.Stat(filename)
		if serr != nil || fileInfo.IsDir() {
			return nil, fmt.Errorf("%s does not exist or cannot be read", filename)
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := new(T)
	if useYAML {
		err = yaml.Unmarshal(dict, example)
	} else {
		err = json.Unmarshal(dict, example)
	}
	if err != nil {
		return nil, err
	}
	return example, nil
}

// UseYAML reports whether a file name's extension selects YAML
func UseYAML(filename string) bool {
	ext := path.Ext(filename)
	return ext == ".yaml" || ext == ".YAML" || ext == ".yml"
}

// NodeDesc is the serializable description of a node
type NodeDesc struct {
	Name    string `json:"name" yaml:"name"`
	Role    string `json:"role" yaml:"role"`
	Address string `json:"address" yaml:"address"`

	// optional prefix of addresses the node is the destination for
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// number of ports, routers only; 0 selects the default
	Ports int `json:"ports,omitempty" yaml:"ports,omitempty"`

	// switching power in Mbps and per-port buffer in MB; 0 selects the default
	PowerMbps int `json:"power,omitempty" yaml:"power,omitempty"`
	BufferMB  int `json:"buffer,omitempty" yaml:"buffer,omitempty"`

	Groups []string `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// LinkDesc is the serializable description of a link.  A negative port number
// leaves the choice to the builder, which takes the lowest free port.
type LinkDesc struct {
	Name    string   `json:"name" yaml:"name"`
	NodeA   string   `json:"nodea" yaml:"nodea"`
	PortA   int      `json:"porta" yaml:"porta"`
	NodeB   string   `json:"nodeb" yaml:"nodeb"`
	PortB   int      `json:"portb" yaml:"portb"`
	DelayNs int64    `json:"delay" yaml:"delay"`
	Weight  float64  `json:"weight,omitempty" yaml:"weight,omitempty"`
	Groups  []string `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// TrafficDesc describes the traffic a Source node generates.  Destination is
// a node name or an address.  GoS lists the markings packets are given, each
// written as L<level> or L<level>+B.
type TrafficDesc struct {
	Source      string   `json:"source" yaml:"source"`
	Destination string   `json:"destination" yaml:"destination"`
	FlowID      int      `json:"flow" yaml:"flow"`
	Size        int      `json:"size" yaml:"size"`
	Jitter      int      `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	PerTick     int      `json:"pertick" yaml:"pertick"`
	GoS         []string `json:"gos,omitempty" yaml:"gos,omitempty"`
	Start       uint64   `json:"start,omitempty" yaml:"start,omitempty"`
	Stop        uint64   `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// ParseGoS reads a marking written as L<level> or L<level>+B
func ParseGoS(str string) (GoS, error) {
	s := strings.ToUpper(strings.TrimSpace(str))
	backup := strings.HasSuffix(s, "+B")
	s = strings.TrimSuffix(s, "+B")
	s = strings.TrimPrefix(s, "L")
	level, err := strconv.Atoi(s)
	if err != nil || level < 0 || level > 3 {
		return GoSLevel0, fmt.Errorf("GoS marking %q not recognized", str)
	}
	return MakeGoS(level, backup), nil
}

// TopoCfg is the serializable description of a whole topology
type TopoCfg struct {
	Name    string        `json:"name" yaml:"name"`
	Nodes   []NodeDesc    `json:"nodes" yaml:"nodes"`
	Links   []LinkDesc    `json:"links" yaml:"links"`
	Traffic []TrafficDesc `json:"traffic,omitempty" yaml:"traffic,omitempty"`
}

// CreateTopoCfg is a constructor
func CreateTopoCfg(name string) *TopoCfg {
	return &TopoCfg{Name: name, Nodes: make([]NodeDesc, 0), Links: make([]LinkDesc, 0),
		Traffic: make([]TrafficDesc, 0)}
}

// AddNode includes a node description
func (tc *TopoCfg) AddNode(name string, role Role, address string) *NodeDesc {
	tc.Nodes = append(tc.Nodes, NodeDesc{Name: name, Role: role.String(), Address: address})
	return &tc.Nodes[len(tc.Nodes)-1]
}

// AddLink includes a link description, letting the builder choose ports
func (tc *TopoCfg) AddLink(nodeA, nodeB string, delayNs int64) *LinkDesc {
	tc.Links = append(tc.Links, LinkDesc{Name: nodeA + "-" + nodeB, NodeA: nodeA, PortA: -1,
		NodeB: nodeB, PortB: -1, DelayNs: delayNs})
	return &tc.Links[len(tc.Links)-1]
}

// AddTraffic includes a traffic description
func (tc *TopoCfg) AddTraffic(td TrafficDesc) {
	tc.Traffic = append(tc.Traffic, td)
}

// WriteToFile serializes the TopoCfg to the named file
func (tc *TopoCfg) WriteToFile(filename string) error {
	return writeDesc(filename, tc)
}

// ReadTopoCfg deserializes a TopoCfg.  If the input arg of bytes is empty,
// the file whose name is given as an argument is read.
func ReadTopoCfg(filename string, useYAML bool, dict []byte) (*TopoCfg, error) {
	return readDesc[TopoCfg](filename, useYAML, dict)
}

// ProtocolCfg holds the constants the protocols run with.  Timeouts are in ticks.
type ProtocolCfg struct {
	LDPAttempts       int `json:"ldpattempts" yaml:"ldpattempts"`
	LDPTimeoutTicks   int `json:"ldptimeout" yaml:"ldptimeout"`
	GPSRPAttempts     int `json:"gpsrpattempts" yaml:"gpsrpattempts"`
	GPSRPTimeoutTicks int `json:"gpsrptimeout" yaml:"gpsrptimeout"`

	// packets kept for replay by each active node
	ReplayCapacity uint64 `json:"replaycapacity" yaml:"replaycapacity"`

	// upper bounds on identifiers; 0 means no bound short of the int range
	MaxSessionID int64 `json:"maxsession,omitempty" yaml:"maxsession,omitempty"`
	MaxEventID   int64 `json:"maxevent,omitempty" yaml:"maxevent,omitempty"`

	// RABAN additions for links carrying LSPs and backup LSPs
	LSPBias    float64 `json:"lspbias" yaml:"lspbias"`
	BackupBias float64 `json:"backupbias" yaml:"backupbias"`
}

// DefaultProtocolCfg returns the constants used when none are configured
func DefaultProtocolCfg() ProtocolCfg {
	return ProtocolCfg{
		LDPAttempts:       3,
		LDPTimeoutTicks:   10,
		GPSRPAttempts:     3,
		GPSRPTimeoutTicks: 10,
		ReplayCapacity:    defaultReplayCapacity,
		LSPBias:           10,
		BackupBias:        5,
	}
}

// withDefaults fills zero fields from DefaultProtocolCfg
func (pc ProtocolCfg) withDefaults() ProtocolCfg {
	dflt := DefaultProtocolCfg()
	if pc.LDPAttempts <= 0 {
		pc.LDPAttempts = dflt.LDPAttempts
	}
	if pc.LDPTimeoutTicks <= 0 {
		pc.LDPTimeoutTicks = dflt.LDPTimeoutTicks
	}
	if pc.GPSRPAttempts <= 0 {
		pc.GPSRPAttempts = dflt.GPSRPAttempts
	}
	if pc.GPSRPTimeoutTicks <= 0 {
		pc.GPSRPTimeoutTicks = dflt.GPSRPTimeoutTicks
	}
	if pc.ReplayCapacity == 0 {
		pc.ReplayCapacity = dflt.ReplayCapacity
	}
	return pc
}

// SimCfg holds the settings of a run
type SimCfg struct {
	Name     string      `json:"name" yaml:"name"`
	TickNs   int64       `json:"tick" yaml:"tick"`
	Ticks    uint64      `json:"ticks" yaml:"ticks"`
	Protocol ProtocolCfg `json:"protocol" yaml:"protocol"`
}

// default length of a tick, in ns
const defaultTickNs = 100_000

// CreateSimCfg is a constructor with default settings
func CreateSimCfg(name string) *SimCfg {
	return &SimCfg{Name: name, TickNs: defaultTickNs, Ticks: 1000, Protocol: DefaultProtocolCfg()}
}

// WriteToFile serializes the SimCfg to the named file
func (sc *SimCfg) WriteToFile(filename string) error {
	return writeDesc(filename, sc)
}

// ReadSimCfg deserializes a SimCfg
func ReadSimCfg(filename string, useYAML bool, dict []byte) (*SimCfg, error) {
	return readDesc[SimCfg](filename, useYAML, dict)
}

// ScenarioAction takes a link down or brings it back up at the start of a tick
type ScenarioAction struct {
	Tick uint64 `json:"tick" yaml:"tick"`
	Link string `json:"link" yaml:"link"`
	Down bool   `json:"down" yaml:"down"`
}

// ScenarioCfg is a script of administrative link changes
type ScenarioCfg struct {
	Name    string           `json:"name" yaml:"name"`
	Actions []ScenarioAction `json:"actions" yaml:"actions"`
}

// CreateScenarioCfg is a constructor
func CreateScenarioCfg(name string) *ScenarioCfg {
	return &ScenarioCfg{Name: name, Actions: make([]ScenarioAction, 0)}
}

// AddAction includes a link change at the given tick
func (sc *ScenarioCfg) AddAction(tick uint64, link string, down bool) {
	sc.Actions = append(sc.Actions, ScenarioAction{Tick: tick, Link: link, Down: down})
}

// WriteToFile serializes the ScenarioCfg to the named file
func (sc *ScenarioCfg) WriteToFile(filename string) error {
	return writeDesc(filename, sc)
}

// ReadScenarioCfg deserializes a ScenarioCfg
func ReadScenarioCfg(filename string, useYAML bool, dict []byte) (*ScenarioCfg, error) {
	return readDesc[ScenarioCfg](filename, useYAML, dict)
}

// An ExpParameter struct describes an input to experiment configuration at run-time.
//   - ParamObj identifies the kind of thing being configured: Node or Link
//   - Attribute identifies the objects of that kind the parameter applies to.
//     It is "*" for all of them, or "name%%xxyy", "group%%xxyy", "role%%xxyy"
//     (nodes) or "kind%%xxyy" (links)
//   - Param names the parameter, Value holds its string-encoded value
type ExpParameter struct {
	ParamObj  string `json:"paramObj" yaml:"paramObj"`
	Attribute string `json:"attribute" yaml:"attribute"`
	Param     string `json:"param" yaml:"param"`
	Value     string `json:"value" yaml:"value"`
}

// CreateExpParameter is a constructor
func CreateExpParameter(paramObj, attribute, param, value string) *ExpParameter {
	return &ExpParameter{ParamObj: paramObj, Attribute: attribute, Param: param, Value: value}
}

// ExpCfg is a named list of experiment parameters
type ExpCfg struct {
	Name       string         `json:"expname" yaml:"expname"`
	Parameters []ExpParameter `json:"parameters" yaml:"parameters"`
}

// CreateExpCfg is a constructor
func CreateExpCfg(name string) *ExpCfg {
	return &ExpCfg{Name: name, Parameters: make([]ExpParameter, 0)}
}

// ExpParamObjs, ExpAttributes, and ExpParams describe what an experiment file may
// configure: the kinds of object, the attributes they are selected by, and the
// parameters each kind accepts
var (
	ExpParamObjs  = []string{"Node", "Link"}
	ExpAttributes = map[string][]string{
		"Node": {"name", "group", "role", "*"},
		"Link": {"name", "group", "kind", "*"},
	}
	ExpParams = map[string][]string{
		"Node": {"power", "buffer", "trace"},
		"Link": {"delay", "weight", "trace"},
	}
)

// ValidateParameter returns an error if the paramObj, attribute, and param values don't
// make sense taken together within an ExpParameter
func ValidateParameter(paramObj, attribute, param string) error {
	if !slices.Contains(ExpParamObjs, paramObj) {
		return fmt.Errorf("parameter paramObj %s is not recognized", paramObj)
	}
	attrbs := parseAttributes(attribute)
	if len(attrbs) > 1 && strings.Contains(attribute, "*") {
		return fmt.Errorf("wild card attribute for paramObj %s is included with more attributes", paramObj)
	}
	for _, attrb := range attrbs {
		if attrb.name == "*" {
			break
		}
		if attrb.value == "" || !slices.Contains(ExpAttributes[paramObj], attrb.name) {
			return fmt.Errorf("parameter attribute %s is not recognized for paramObj %s", attribute, paramObj)
		}
	}
	if !slices.Contains(ExpParams[paramObj], param) {
		return fmt.Errorf("parameter %s is not recognized for paramObj %s", param, paramObj)
	}
	return nil
}

// AddParameter validates the four values of an ExpParameter and adds one to the list
func (expcfg *ExpCfg) AddParameter(paramObj, attribute, param, value string) error {
	if err := ValidateParameter(paramObj, attribute, param); err != nil {
		return err
	}
	expcfg.Parameters = append(expcfg.Parameters, *CreateExpParameter(paramObj, attribute, param, value))
	return nil
}

// WriteToFile serializes the ExpCfg to the named file
func (expcfg *ExpCfg) WriteToFile(filename string) error {
	return writeDesc(filename, expcfg)
}

// ReadExpCfg deserializes an ExpCfg
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	return readDesc[ExpCfg](filename, useYAML, dict)
}

// CheckReadableFiles probes the file system to ensure that every
// non-empty argument filename exists and is readable
func CheckReadableFiles(names []string) error {
	errs := make([]error, 0)
	for _, name := range names {
		if len(name) == 0 {
			continue
		}
		if _, err := os.Stat(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckOutputFiles probes the file system to ensure that the directory of
// every non-empty argument filename exists
func CheckOutputFiles(names []string) error {
	errs := make([]error, 0)
	for _, name := range names {
		if len(name) == 0 {
			continue
		}
		directory, _ := filepath.Split(name)
		if directory == "" {
			continue
		}
		if _, err := os.Stat(directory); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
