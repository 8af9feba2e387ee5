package gosmpls

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cutScenario() *ScenarioCfg {
	sc := CreateScenarioCfg("cut")
	sc.AddAction(30, "er1-lsr", true)
	sc.AddAction(45, "er1-lsr", false)
	return sc
}

func TestRunAppliesScenario(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	require.NoError(t, h.sim.LoadScenario(cutScenario()))

	require.NoError(t, h.sim.Run(50))
	assert.Equal(t, uint64(50), h.sim.Clock().Tick())
	assert.Equal(t, int64(50*defaultTickNs), h.sim.Clock().NowNs())

	downs := h.events(LinkDown, "er1-lsr")
	require.Len(t, downs, 1)
	assert.Equal(t, uint64(30), downs[0].Tick)
	ups := h.events(LinkRecovered, "er1-lsr")
	require.Len(t, ups, 1)
	assert.Equal(t, uint64(45), ups[0].Tick)
	assert.False(t, h.link("er1-lsr").IsDown())
}

func TestStepAppliesScenarioLikeRun(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	require.NoError(t, h.sim.LoadScenario(cutScenario()))
	h.step(50)

	downs := h.events(LinkDown, "er1-lsr")
	require.Len(t, downs, 1)
	assert.Equal(t, uint64(30), downs[0].Tick)
	assert.Len(t, h.events(LinkRecovered, "er1-lsr"), 1)
}

func TestRunContinues(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	require.NoError(t, h.sim.Run(20))
	require.NoError(t, h.sim.Run(20))
	require.NoError(t, h.sim.Run(0))
	assert.Equal(t, uint64(40), h.sim.Clock().Tick())
	assert.Equal(t, 40, h.rec.Count(PacketGenerated))
}

func TestScenarioNamesUnknownLink(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	sc := CreateScenarioCfg("bad")
	sc.AddAction(5, "er1-er2", true)
	sc.AddAction(5, "er1-lsr", true)
	err := h.sim.LoadScenario(sc)
	assert.ErrorIs(t, err, ErrUnknownElement)
	assert.ErrorContains(t, err, "er1-er2")

	// the valid action is kept
	h.step(6)
	assert.True(t, h.link("er1-lsr").IsDown())
	assert.ErrorIs(t, h.sim.SetLinkDown("nowhere", true), ErrUnknownElement)
}

func TestRunStopsWhenNodeFails(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	h.node("er2").fail(errors.New("power loss"))

	err := h.sim.Run(50)
	require.Error(t, err)
	assert.ErrorContains(t, err, "power loss")
	assert.Equal(t, uint64(1), h.sim.Clock().Tick())
	assert.Len(t, h.events(ElementFailed, "er2"), 1)
}

func TestRunStopsWhenLinkRunsOutOfEventIDs(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	require.NoError(t, h.sim.LoadScenario(cutScenario()))
	link := h.link("er1-lsr")
	link.evtIDs = CreateIDGenerator("er1-lsr", 1)

	err := h.sim.Run(50)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIDSpaceExhausted)
	assert.ErrorContains(t, err, "link er1-lsr")
	assert.ErrorIs(t, link.Err(), ErrIDSpaceExhausted)
	// the cut at tick 30 takes the only id, the link stops by the recovery
	assert.GreaterOrEqual(t, h.sim.Clock().Tick(), uint64(30))
	assert.LessOrEqual(t, h.sim.Clock().Tick(), uint64(45))
	assert.Len(t, h.events(LinkDown, "er1-lsr"), 1)
	assert.Empty(t, h.events(LinkRecovered, "er1-lsr"))
	assert.NoError(t, h.node("er1").Err())

	h.sim.Reset()
	assert.NoError(t, link.Err())
}

func TestSecondSubscriberRefused(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	other, err := NewRecorder(prometheus.NewRegistry(), false)
	require.NoError(t, err)

	err = h.sim.Attach(other)
	assert.ErrorIs(t, err, ErrSinkRegistered)
	assert.Same(t, h.rec, h.sim.Recorder())
}

func TestResetRestartsRun(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	require.NoError(t, h.sim.Run(60))
	require.NotEmpty(t, h.entries("er1"))

	h.sim.Reset()
	assert.Zero(t, h.sim.Clock().Tick())
	assert.Empty(t, h.rec.History())
	assert.Empty(t, h.entries("er1"))
	assert.Zero(t, h.node("sink").Stats().Received)
	assert.Zero(t, h.link("er1-lsr").InFlight())
	assert.False(t, h.link("er1-lsr").CarriesLSP())

	require.NoError(t, h.sim.Run(60))
	assert.Len(t, h.events(LSPEstablished, "er1"), 1)
	assert.GreaterOrEqual(t, h.node("sink").Stats().Received, int64(40))
}

func TestRemovedNodeLeavesClock(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	h.step(5)
	require.Len(t, h.sim.Clock().Elements(), 9)

	sink := h.node("sink")
	require.NoError(t, h.topo.RemoveNode(sink.ElementID()))
	assert.ErrorIs(t, h.topo.RemoveNode(99), ErrUnknownElement)
	h.step(1)

	assert.Len(t, h.sim.Clock().Elements(), 7)
	_, present := h.topo.NodeByName("sink")
	assert.False(t, present)
	_, present = h.topo.LinkByName("er2-sink")
	assert.False(t, present)

	h.step(10)
	assert.NoError(t, h.sim.Err())
}

func TestTraceFollowsTracedElements(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	er1 := h.node("er1")
	er1.setParam("trace", valueStruct{boolValue: true})
	tm := CreateTraceManager("chain", true)
	h.sim.SetTrace(tm, false)
	h.step(20)

	assert.Equal(t, len(h.rec.Filter(func(ev SimEvent) bool { return ev.Element == "er1" })), tm.Len())
	assert.Positive(t, tm.Len())
	require.Len(t, tm.Traces, 1)
	assert.Contains(t, tm.Traces, er1.ElementID())
	assert.Equal(t, NameType{Name: "er1", Type: "node"}, tm.NameByID[er1.ElementID()])
	assert.Len(t, tm.NameByID, 9)

	filename := filepath.Join(t.TempDir(), "trace.yaml")
	require.NoError(t, tm.WriteToFile(filename))
	info, err := os.Stat(filename)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestTraceEverything(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	tm := CreateTraceManager("chain", true)
	h.sim.SetTrace(tm, true)
	h.step(10)
	assert.Equal(t, len(h.rec.History()), tm.Len())

	idle := CreateTraceManager("idle", false)
	idle.AddEvent(SimEvent{Kind: LinkDown})
	assert.Zero(t, idle.Len())
	assert.NoError(t, idle.WriteToFile(filepath.Join(t.TempDir(), "none.yaml")))
}

func TestEventTraceOnOneLine(t *testing.T) {
	et := EventTrace{Time: 0.0002, Ticks: 2, Tick: 2, EventID: 4, ObjID: 2, Kind: PacketSwitched.String(),
		PacketType: MPLSPacket.String(), FlowID: 1, PacketID: 3, Label: 16, Size: 500}
	str := et.Serialize()
	assert.NotContains(t, str, "\n")
	assert.Contains(t, str, "kind: packet-switched")
	assert.Contains(t, str, "label: 16")
	assert.NotContains(t, str, "detail")
}
