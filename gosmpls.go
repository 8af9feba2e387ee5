package gosmpls

// gosmpls.go builds a topology from its descriptions and applies the run-time
// experiment parameters to it.

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// paramObj is implemented by the elements an experiment parameter can configure
type paramObj interface {
	matchParam(string, string) bool
	setParam(string, valueStruct)
	paramObjName() string
}

// A valueStruct type holds the different types a value might have;
// which one is meant is known by context
type valueStruct struct {
	intValue    int
	floatValue  float64
	stringValue string
	boolValue   bool
}

// stringToValueStruct takes a string (used in the run-time configuration phase)
// and determines whether it is an integer, floating point, boolean or a string
func stringToValueStruct(v string) valueStruct {
	vs := valueStruct{}

	if ivalue, ierr := strconv.Atoi(v); ierr == nil {
		vs.intValue = ivalue
		vs.floatValue = float64(ivalue)
		return vs
	}
	if fvalue, ferr := strconv.ParseFloat(v, 64); ferr == nil {
		vs.floatValue = fvalue
		vs.intValue = int(fvalue)
		return vs
	}
	if v == "true" || v == "True" {
		vs.boolValue = true
		return vs
	}
	vs.stringValue = v
	return vs
}

// attrbStruct is one name/value test of an ExpParameter's attribute
type attrbStruct struct {
	name  string
	value string
}

// parseAttributes splits a comma-separated attribute list, each element being
// "*" or name%%value
func parseAttributes(attribute string) []attrbStruct {
	rtn := make([]attrbStruct, 0)
	for _, elmt := range strings.Split(attribute, ",") {
		elmt = strings.TrimSpace(elmt)
		if elmt == "*" {
			return []attrbStruct{{name: "*"}}
		}
		name, value, _ := strings.Cut(elmt, "%%")
		rtn = append(rtn, attrbStruct{name: name, value: value})
	}
	return rtn
}

// generality ranks an attribute list: wild cards are the most general, names
// the least
func generality(attrbs []attrbStruct) int {
	for _, attrb := range attrbs {
		switch attrb.name {
		case "*":
			return 0
		case "name":
			return 2
		}
	}
	return 1
}

// reorderExpParams puts the parameters in an order such that the earlier ones
// apply to broader classes of objects than the later ones.  This is the same idea
// as choosing the routing rule with the smallest subnet when several apply.
// Exact duplicates are removed.
func reorderExpParams(pL []ExpParameter) []ExpParameter {
	ordered := append([]ExpParameter(nil), pL...)
	sort.SliceStable(ordered, func(i, j int) bool {
		gi := generality(parseAttributes(ordered[i].Attribute))
		gj := generality(parseAttributes(ordered[j].Attribute))
		if gi != gj {
			return gi < gj
		}
		if ordered[i].Attribute != ordered[j].Attribute {
			return ordered[i].Attribute < ordered[j].Attribute
		}
		return ordered[i].Param < ordered[j].Param
	})
	for idx := len(ordered) - 1; idx > 0; idx-- {
		if ordered[idx] == ordered[idx-1] {
			ordered = append(ordered[:idx], ordered[idx+1:]...)
		}
	}
	return ordered
}

// setModelParameters applies an experiment's parameters to the topology's
// nodes and links, most general first, so that specific settings win
func setModelParameters(topo *Topology, expCfg *ExpCfg) {
	if expCfg == nil {
		return
	}
	objs := map[string][]paramObj{"Node": {}, "Link": {}}
	for _, node := range topo.Nodes() {
		objs["Node"] = append(objs["Node"], node)
	}
	for _, link := range topo.Links() {
		objs["Link"] = append(objs["Link"], link)
	}

	for _, param := range reorderExpParams(expCfg.Parameters) {
		attrbs := parseAttributes(param.Attribute)
		vs := stringToValueStruct(param.Value)
		for _, testObj := range objs[param.ParamObj] {
			matched := true
			for _, attrb := range attrbs {
				if attrb.name == "*" {
					break
				}
				if !testObj.matchParam(attrb.name, attrb.value) {
					matched = false
					break
				}
			}
			if matched {
				topo.logger.Debug("parameter applied", "obj", testObj.paramObjName(),
					"param", param.Param, "value", param.Value)
				testObj.setParam(param.Param, vs)
			}
		}
	}
}

// BuildExperiment builds the topology a TopoCfg describes, attaches its
// traffic and applies the experiment parameters.  The descriptions are
// validated first and every problem found is returned.
func BuildExperiment(tc *TopoCfg, expCfg *ExpCfg, cfg ProtocolCfg, logger *slog.Logger) (*Topology, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger()
	}
	topo := CreateTopology(tc.Name, cfg.withDefaults(), logger)

	for _, nd := range tc.Nodes {
		role, _ := RoleFromStr(nd.Role)
		addr, _ := netip.ParseAddr(nd.Address)
		node, err := topo.AddNode(nd.Name, role, addr, nd.Ports)
		if err != nil {
			return nil, err
		}
		node.groups = append(node.groups, nd.Groups...)
		if nd.PowerMbps > 0 {
			node.setParam("power", valueStruct{intValue: nd.PowerMbps})
		}
		if nd.BufferMB > 0 {
			node.setParam("buffer", valueStruct{intValue: nd.BufferMB})
		}
		if nd.Prefix != "" {
			prefix, _ := netip.ParsePrefix(nd.Prefix)
			topo.SetServedPrefix(node, prefix)
		}
	}

	for _, ld := range tc.Links {
		nodeA, _ := topo.NodeByName(ld.NodeA)
		nodeB, _ := topo.NodeByName(ld.NodeB)
		link, err := topo.AddLink(ld.Name, nodeA, ld.PortA, nodeB, ld.PortB, ld.DelayNs)
		if err != nil {
			return nil, err
		}
		link.groups = append(link.groups, ld.Groups...)
		if ld.Weight > 0 {
			link.setParam("weight", valueStruct{floatValue: ld.Weight})
		}
	}

	for idx, td := range tc.Traffic {
		src, _ := topo.NodeByName(td.Source)
		dst, err := resolveDestination(topo, td.Destination)
		if err != nil {
			return nil, err
		}
		markings := make([]GoS, 0, len(td.GoS))
		for _, str := range td.GoS {
			gos, err := ParseGoS(str)
			if err != nil {
				return nil, fmt.Errorf("traffic from %s: %w", td.Source, err)
			}
			markings = append(markings, gos)
		}
		flowID := td.FlowID
		if flowID == 0 {
			flowID = idx + 1
		}
		producer := CreateConstantTraffic(fmt.Sprintf("%s-flow%d", td.Source, flowID),
			td.Size, td.Jitter, markings...)
		if err := src.AttachSource(flowID, dst, producer, td.PerTick, td.Start, td.Stop); err != nil {
			return nil, err
		}
	}

	setModelParameters(topo, expCfg)
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return topo, nil
}

// resolveDestination reads a destination given as a node name or an address
func resolveDestination(topo *Topology, dst string) (netip.Addr, error) {
	if node, present := topo.NodeByName(dst); present {
		return node.addr, nil
	}
	addr, err := netip.ParseAddr(dst)
	if err != nil {
		return netip.Addr{}, &ConfigError{Code: ErrUnknownDestination, Element: dst}
	}
	return addr, nil
}
