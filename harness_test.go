package gosmpls

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// harness wraps a built topology with a simulation and a recorder that
// keeps every event
type harness struct {
	t    *testing.T
	topo *Topology
	sim  *Simulation
	rec  *Recorder
}

// newHarness builds tc with the default protocol constants
func newHarness(t *testing.T, tc *TopoCfg) *harness {
	return newHarnessCfg(t, tc, DefaultProtocolCfg())
}

func newHarnessCfg(t *testing.T, tc *TopoCfg, cfg ProtocolCfg) *harness {
	t.Helper()
	topo, err := BuildExperiment(tc, nil, cfg, nil)
	require.NoError(t, err)
	return attachHarness(t, topo)
}

// attachHarness wraps a topology that was assembled by hand
func attachHarness(t *testing.T, topo *Topology) *harness {
	t.Helper()
	sim := CreateSimulation(t.Name(), topo, defaultTickNs, nil)
	rec, err := NewRecorder(prometheus.NewRegistry(), true)
	require.NoError(t, err)
	require.NoError(t, sim.Attach(rec))
	return &harness{t: t, topo: topo, sim: sim, rec: rec}
}

// step advances the simulation tick by tick, without the event manager
func (h *harness) step(ticks int) {
	for idx := 0; idx < ticks; idx++ {
		h.sim.Step()
	}
}

func (h *harness) node(name string) *Node {
	h.t.Helper()
	node, present := h.topo.NodeByName(name)
	require.True(h.t, present, "node %s", name)
	return node
}

func (h *harness) link(name string) *Link {
	h.t.Helper()
	link, present := h.topo.LinkByName(name)
	require.True(h.t, present, "link %s", name)
	return link
}

// events returns the recorded events of a kind raised by the named element,
// or by any element when name is empty
func (h *harness) events(kind EventKind, name string) []SimEvent {
	return h.rec.Filter(func(ev SimEvent) bool {
		return ev.Kind == kind && (name == "" || ev.Element == name)
	})
}

// entries returns a copy of a router's live switching entries
func (h *harness) entries(name string) []SwitchingEntry {
	return h.node(name).Table().Entries()
}

// chainCfg describes src - er1 - lsr - er2 - sink, with one packet per tick
// from src to sink marked gos
func chainCfg(gos string) *TopoCfg {
	tc := CreateTopoCfg("chain")
	tc.AddNode("src", RoleSource, "10.0.0.1")
	tc.AddNode("er1", RoleEdgeRouter, "10.0.1.1")
	tc.AddNode("lsr", RoleCoreRouter, "10.0.2.1")
	tc.AddNode("er2", RoleEdgeRouter, "10.0.3.1")
	tc.AddNode("sink", RoleSink, "10.0.4.1")
	tc.AddLink("src", "er1", 1000)
	tc.AddLink("er1", "lsr", 1000)
	tc.AddLink("lsr", "er2", 1000)
	tc.AddLink("er2", "sink", 1000)
	tc.AddTraffic(TrafficDesc{Source: "src", Destination: "sink", FlowID: 1, Size: 500,
		PerTick: 1, GoS: []string{gos}})
	return tc
}

// diamondCfg describes a protected domain:
//
//	src - a - b - d - sink
//	      \       /
//	       -- c --
//
// with every router active and traffic asking for backup protection
func diamondCfg() *TopoCfg {
	tc := CreateTopoCfg("diamond")
	tc.AddNode("src", RoleSource, "10.1.0.1")
	tc.AddNode("a", RoleEdgeRouterActive, "10.1.1.1")
	tc.AddNode("b", RoleCoreRouterActive, "10.1.2.1")
	tc.AddNode("c", RoleCoreRouterActive, "10.1.3.1")
	tc.AddNode("d", RoleEdgeRouterActive, "10.1.4.1")
	tc.AddNode("sink", RoleSink, "10.1.5.1")
	tc.AddLink("src", "a", 1000)
	tc.AddLink("a", "b", 1000)
	tc.AddLink("b", "d", 1000)
	tc.AddLink("a", "c", 1000)
	tc.AddLink("c", "d", 1000)
	tc.AddLink("d", "sink", 1000)
	tc.AddTraffic(TrafficDesc{Source: "src", Destination: "sink", FlowID: 1, Size: 500,
		PerTick: 1, GoS: []string{"L2+B"}})
	return tc
}

// routerMesh builds routers only, joined as the pairs given, all links
// 1000 ns long
func routerMesh(t *testing.T, names []string, pairs [][2]string) *Topology {
	t.Helper()
	topo := CreateTopology("mesh", DefaultProtocolCfg(), nil)
	for idx, name := range names {
		addr := netip.AddrFrom4([4]byte{10, 9, byte(idx), 1})
		_, err := topo.AddNode(name, RoleCoreRouter, addr, 4)
		require.NoError(t, err)
	}
	for _, pair := range pairs {
		nodeA, _ := topo.NodeByName(pair[0])
		nodeB, _ := topo.NodeByName(pair[1])
		_, err := topo.AddLink("", nodeA, -1, nodeB, -1, 1000)
		require.NoError(t, err)
	}
	return topo
}
