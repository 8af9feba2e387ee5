package gosmpls

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLSPEstablishedAlongChain(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	h.step(60)

	// only the head of the LSP reports it established
	assert.Len(t, h.events(LSPEstablished, "er1"), 1)
	assert.Len(t, h.events(LSPEstablished, ""), 1)

	er1 := h.entries("er1")
	lsr := h.entries("lsr")
	er2 := h.entries("er2")
	require.Len(t, er1, 1)
	require.Len(t, lsr, 1)
	require.Len(t, er2, 1)

	assert.Equal(t, FECKey, er1[0].Kind)
	assert.Equal(t, OpPush, er1[0].Operation)
	assert.Equal(t, LabelKey, lsr[0].Kind)
	assert.Equal(t, OpSwap, lsr[0].Operation)
	assert.Equal(t, LabelKey, er2[0].Kind)
	assert.Equal(t, OpPop, er2[0].Operation)
	assert.Equal(t, LabelGranted, er2[0].Label)

	// each hop pushes or swaps to the label the next one allocated
	assert.GreaterOrEqual(t, er2[0].Key, FirstUnreservedLabel)
	assert.Equal(t, lsr[0].Key, er1[0].Label)
	assert.Equal(t, er2[0].Key, lsr[0].Label)

	assert.True(t, h.link("er1-lsr").CarriesLSP())
	assert.True(t, h.link("lsr-er2").CarriesLSP())
	assert.False(t, h.link("er2-sink").CarriesLSP())

	sink := h.node("sink")
	assert.GreaterOrEqual(t, sink.Stats().Received, int64(40))
	assert.Equal(t, int(sink.Stats().Received), len(h.events(PacketReceived, "sink")))
	assert.Empty(t, h.events(PacketDiscarded, ""))
}

func TestLabelRequestRetriesThenDenied(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	h.node("lsr").fail(errors.New("halted"))
	h.step(60)

	entries := h.entries("er1")
	require.Len(t, entries, 1)
	assert.Equal(t, LabelDenied, entries[0].Label)

	cfg := DefaultProtocolCfg()
	assert.Len(t, h.events(LabelRequested, "er1"), 1+cfg.LDPAttempts)
	assert.Len(t, h.events(LSPNotEstablished, "er1"), 1)
	assert.Positive(t, h.node("er1").Stats().Discarded)
	assert.Zero(t, h.node("sink").Stats().Received)

	err := h.sim.Err()
	require.Error(t, err)
	assert.ErrorContains(t, err, "halted")
}

// deliverTLDP hands a signaling packet to a node as if it arrived on port
func deliverTLDP(node *Node, port *Port, payload TLDPPayload) {
	pckt := createTLDPPacket(port.peer().addr, node.addr, payload)
	node.table.mu.Lock()
	defer node.table.mu.Unlock()
	node.handleTLDP(port, pckt)
}

func TestRequestWithoutRouteIsDenied(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	lsr := h.node("lsr")
	port := lsr.portToward(h.node("er1"))
	require.NotNil(t, port)

	deliverTLDP(lsr, port, TLDPPayload{Msg: TLDPRequest, Target: netip.MustParseAddr("10.200.0.1"),
		Session: 7, Hops: 1})

	assert.Zero(t, lsr.TableSize())
	assert.Len(t, h.events(LabelDeniedEvt, "lsr"), 1)
	// the deny is on its way back
	assert.Equal(t, 1, port.Link().InFlight())
}

func TestRequestBeyondHopLimitIsDenied(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	lsr := h.node("lsr")
	port := lsr.portToward(h.node("er1"))

	deliverTLDP(lsr, port, TLDPPayload{Msg: TLDPRequest, Target: h.node("sink").addr,
		Session: 7, Hops: maxRequestHops + 1})

	assert.Zero(t, lsr.TableSize())
	assert.Len(t, h.events(LabelDeniedEvt, "lsr"), 1)
}

func TestRepeatedRequestReusesEntry(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	lsr := h.node("lsr")
	port := lsr.portToward(h.node("er1"))
	req := TLDPPayload{Msg: TLDPRequest, Target: h.node("sink").addr, Session: 7, Hops: 1}

	deliverTLDP(lsr, port, req)
	deliverTLDP(lsr, port, req)

	entries := lsr.Table().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, LabelRequesting, entries[0].Label)
	assert.Equal(t, 7, entries[0].UpstreamSession)
	assert.Len(t, h.events(LabelRequested, "lsr"), 1)
}

func TestWithdrawOnLinkFailure(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	h.step(40)
	require.Len(t, h.events(LSPEstablished, "er1"), 1)

	require.NoError(t, h.sim.SetLinkDown("lsr-er2", true))
	h.step(30)

	for _, name := range []string{"er1", "lsr", "er2"} {
		assert.Zero(t, h.node(name).TableSize(), name)
		assert.NotEmpty(t, h.events(LSPWithdrawn, name), name)
	}
	assert.False(t, h.link("er1-lsr").CarriesLSP())
	assert.NotEmpty(t, h.events(LinkDown, "lsr-er2"))
}

func TestWithdrawIsAcknowledged(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	h.step(40)

	lsr := h.node("lsr")
	entry := lsr.Table().Entries()[0]
	port := lsr.Port(entry.InPort)

	// er1 withdraws the LSP it asked for
	deliverTLDP(lsr, port, TLDPPayload{Msg: TLDPWithdraw, Session: entry.UpstreamSession})
	live := lsr.Table().Entries()
	require.Len(t, live, 1)
	assert.Equal(t, LabelWithdrawing, live[0].Label)
	assert.Len(t, h.events(LabelWithdrawn, "lsr"), 1)

	// er2 acknowledges, after which nothing remains at lsr or er2
	h.step(10)
	assert.Zero(t, lsr.TableSize())
	assert.Zero(t, h.node("er2").TableSize())
	assert.NotEmpty(t, h.events(LSPWithdrawn, "lsr"))
}

func TestGrantFromAdjacentEgress(t *testing.T) {
	tc := CreateTopoCfg("pair")
	tc.AddNode("src", RoleSource, "10.2.0.1")
	tc.AddNode("er1", RoleEdgeRouter, "10.2.1.1")
	tc.AddNode("er2", RoleEdgeRouter, "10.2.2.1")
	tc.AddNode("sink", RoleSink, "10.2.3.1")
	tc.AddLink("src", "er1", 1000)
	tc.AddLink("er1", "er2", 5)
	tc.AddLink("er2", "sink", 1000)
	tc.AddTraffic(TrafficDesc{Source: "src", Destination: "sink", FlowID: 1, Size: 500, PerTick: 1, GoS: []string{"L1"}})
	h := newHarness(t, tc)
	h.step(20)

	er1 := h.entries("er1")
	er2 := h.entries("er2")
	require.Len(t, er1, 1)
	require.Len(t, er2, 1)
	assert.GreaterOrEqual(t, er1[0].Label, FirstUnreservedLabel)
	assert.Equal(t, er2[0].Key, er1[0].Label)
	assert.Equal(t, LabelGranted, er2[0].Label)
	assert.Zero(t, er1[0].Attempts)
	assert.Len(t, h.events(LabelRequested, "er1"), 1)
	assert.Len(t, h.events(LSPEstablished, "er1"), 1)
}

func TestLinkHealthCheckIsIdempotent(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	h.step(40)
	lsr := h.node("lsr")
	h.link("lsr-er2").SetDown(true)

	check := func() {
		lsr.table.mu.Lock()
		defer lsr.table.mu.Unlock()
		lsr.checkLinkHealth()
	}
	before := lsr.Stats().Sent
	check()
	first := lsr.Stats().Sent
	assert.Equal(t, before+1, first)
	entries := h.entries("lsr")
	require.Len(t, entries, 1)
	assert.Equal(t, LabelWithdrawing, entries[0].Label)
	assert.False(t, h.link("lsr-er2").CarriesLSP())

	check()
	assert.Equal(t, first, lsr.Stats().Sent)
	assert.Len(t, h.events(LabelWithdrawn, "lsr"), 1)
}

func TestUnacknowledgedWithdrawIsDropped(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	h.step(40)
	lsr := h.node("lsr")
	require.Len(t, h.entries("lsr"), 1)

	// the upstream peer never answers again
	h.node("er1").fail(errors.New("halted"))
	require.NoError(t, h.sim.SetLinkDown("lsr-er2", true))
	before := lsr.Stats().Sent
	h.step(5)

	entries := h.entries("lsr")
	require.Len(t, entries, 1)
	assert.Equal(t, LabelWithdrawing, entries[0].Label)
	assert.Empty(t, h.events(LSPWithdrawn, "lsr"))

	h.step(60)
	assert.Empty(t, h.entries("lsr"))
	assert.Len(t, h.events(LabelWithdrawn, "lsr"), 1)
	assert.Len(t, h.events(LSPWithdrawn, "lsr"), 1)
	cfg := DefaultProtocolCfg()
	assert.Equal(t, before+int64(1+cfg.LDPAttempts), lsr.Stats().Sent)
}
