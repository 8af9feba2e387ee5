package gosmpls

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// protectedPacket is a data packet from src to sink asking for backup protection
func protectedPacket(h *harness, flow, id int) *Packet {
	return createDataPacket(id, flow, h.node("src").Address(), h.node("sink").Address(), 500, MakeGoS(2, true))
}

func TestReplayRecoversLostPacket(t *testing.T) {
	h := newHarness(t, diamondCfg())
	h.step(40)
	a, b := h.node("a"), h.node("b")
	entries := h.entries("a")
	require.Len(t, entries, 1)

	// a forwarded the packet toward b, where it was lost
	pckt := protectedPacket(h, 7, 9999)
	pckt.pushLabel(entries[0].Label)
	pckt.stampTraversed(a.Address())
	a.gpsrp.store(pckt)
	b.noteInboundLoss(pckt.Clone())

	h.step(20)

	requested := h.events(ReplayRequested, "b")
	require.Len(t, requested, 1)
	assert.Equal(t, 7, requested[0].FlowID)
	assert.Equal(t, 9999, requested[0].PacketID)
	assert.Len(t, h.events(PacketFoundInReplay, "a"), 1)
	assert.Len(t, h.events(PacketRetransmitted, "a"), 1)
	assert.Equal(t, int64(1), a.Stats().Retransmitted)
	assert.Empty(t, b.gpsrp.Requests())

	recovered := h.rec.Filter(func(ev SimEvent) bool {
		return ev.Kind == PacketReceived && ev.Element == "sink" && ev.FlowID == 7
	})
	require.Len(t, recovered, 1)
	assert.Equal(t, 9999, recovered[0].PacketID)
}

func TestReplayRequestForUnknownPacketDenied(t *testing.T) {
	h := newHarness(t, diamondCfg())
	a, b := h.node("a"), h.node("b")
	port := a.portToward(b)
	require.NotNil(t, port)

	req := createGPSRPPacket(b.Address(), a.Address(), GPSRPPayload{Msg: GPSRPRequest, Flow: 7, Packet: 1})
	a.gpsrp.handle(port, req)

	assert.Len(t, h.events(PacketNotFoundInReplay, "a"), 1)
	assert.Empty(t, h.events(PacketRetransmitted, "a"))
	assert.Equal(t, 1, port.Link().InFlight())
}

func TestReplayFallsBackToOlderCandidate(t *testing.T) {
	h := newHarness(t, diamondCfg())
	a, b, c := h.node("a"), h.node("b"), h.node("c")
	port := b.portToward(a)

	b.gpsrp.requestReplay(7, 1, []netip.Addr{a.Address(), c.Address()})
	reqs := b.gpsrp.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, a.Address(), reqs[0].Target)
	assert.Equal(t, []netip.Addr{c.Address()}, reqs[0].Candidates)
	assert.False(t, reqs[0].MayBePurged)

	// a second loss of the same packet does not open another request
	b.gpsrp.requestReplay(7, 1, []netip.Addr{a.Address()})
	require.Len(t, b.gpsrp.Requests(), 1)

	// a deny from somebody we did not ask is ignored
	b.gpsrp.handle(port, createGPSRPPacket(c.Address(), b.Address(), GPSRPPayload{Msg: GPSRPDeny, Flow: 7, Packet: 1}))
	require.Len(t, b.gpsrp.Requests(), 1)
	assert.Equal(t, a.Address(), b.gpsrp.Requests()[0].Target)

	b.gpsrp.handle(port, createGPSRPPacket(a.Address(), b.Address(), GPSRPPayload{Msg: GPSRPDeny, Flow: 7, Packet: 1}))
	reqs = b.gpsrp.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, c.Address(), reqs[0].Target)
	assert.Empty(t, reqs[0].Candidates)
	assert.True(t, reqs[0].MayBePurged)

	// the last candidate has nothing either
	b.gpsrp.handle(port, createGPSRPPacket(c.Address(), b.Address(), GPSRPPayload{Msg: GPSRPDeny, Flow: 7, Packet: 1}))
	assert.Empty(t, b.gpsrp.Requests())
	assert.Len(t, h.events(ReplayRequested, "b"), 2)
}

func TestReplayAcceptForgetsRequest(t *testing.T) {
	h := newHarness(t, diamondCfg())
	a, b := h.node("a"), h.node("b")

	b.gpsrp.requestReplay(7, 1, []netip.Addr{a.Address()})
	b.gpsrp.requestReplay(7, 2, []netip.Addr{a.Address()})
	b.gpsrp.handle(b.portToward(a), createGPSRPPacket(a.Address(), b.Address(),
		GPSRPPayload{Msg: GPSRPAccept, Flow: 7, Packet: 1}))

	reqs := b.gpsrp.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 2, reqs[0].Packet)
}

func TestReplayRequestAbandonedAfterRetries(t *testing.T) {
	h := newHarness(t, diamondCfg())
	a, b := h.node("a"), h.node("b")
	cfg := DefaultProtocolCfg()

	b.gpsrp.requestReplay(7, 1, []netip.Addr{a.Address()})
	sweeps := cfg.GPSRPTimeoutTicks * (cfg.GPSRPAttempts + 1)
	for idx := 0; idx < sweeps-1; idx++ {
		b.gpsrp.timeoutSweep()
	}
	reqs := b.gpsrp.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, cfg.GPSRPAttempts, reqs[0].Attempts)

	b.gpsrp.timeoutSweep()
	assert.Empty(t, b.gpsrp.Requests())
	assert.Len(t, h.events(ReplayRequested, "b"), 1+cfg.GPSRPAttempts)
}

func TestReplayRequestDroppedWhenLinkFails(t *testing.T) {
	h := newHarness(t, diamondCfg())
	a, b := h.node("a"), h.node("b")

	b.gpsrp.requestReplay(7, 1, []netip.Addr{a.Address()})
	require.Len(t, b.gpsrp.Requests(), 1)
	h.link("a-b").SetDown(true)
	b.gpsrp.timeoutSweep()
	assert.Empty(t, b.gpsrp.Requests())
}

func TestReplayBufferEvictsOldest(t *testing.T) {
	h := newHarness(t, diamondCfg())
	ge := createGPSRPEngine(h.node("a"), 2)

	for id := 1; id <= 3; id++ {
		ge.store(protectedPacket(h, 7, id))
	}
	assert.Equal(t, 2, ge.buffered())
	_, found := ge.lookup(7, 1)
	assert.False(t, found)
	stored, found := ge.lookup(7, 3)
	require.True(t, found)
	assert.Equal(t, 3, stored.ID)
}

func TestStoredCopyIsIndependent(t *testing.T) {
	h := newHarness(t, diamondCfg())
	a := h.node("a")
	pckt := protectedPacket(h, 7, 1)
	a.gpsrp.store(pckt)
	pckt.pushLabel(99)

	stored, found := a.gpsrp.lookup(7, 1)
	require.True(t, found)
	assert.Empty(t, stored.Labels)
	assert.Equal(t, IPv4Packet, stored.Type)
}

func TestLossesNotedOnlyForStampedProtectedPackets(t *testing.T) {
	h := newHarness(t, diamondCfg())
	a, b := h.node("a"), h.node("b")

	plain := createDataPacket(1, 7, h.node("src").Address(), h.node("sink").Address(), 500, MakeGoS(2, false))
	plain.stampTraversed(a.Address())
	b.noteInboundLoss(plain)

	unstamped := protectedPacket(h, 7, 2)
	b.noteInboundLoss(unstamped)

	// stamped only by b itself: nobody upstream to ask
	own := protectedPacket(h, 7, 3)
	own.stampTraversed(b.Address())
	b.noteInboundLoss(own)

	b.gpsrp.drainLosses()
	assert.Empty(t, b.gpsrp.Requests())
	assert.Equal(t, int64(3), b.Stats().Discarded)
}
