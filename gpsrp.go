package gosmpls

// gpsrp.go is the retransmission engine owned by active nodes.  It keeps
// a bounded replay buffer of the protected packets the node forwarded, and a
// table of outstanding replay requests for packets lost at its own ports.
//
// Losses are noted by links on their own goroutines (a full inbound queue)
// and drained into requests at the start of the node's next tick.  The
// request table has a lock of its own; nothing here takes the switching
// table lock.

import (
	"net/netip"
	"sync"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/exp/slices"
)

// replayKey identifies a data packet within the simulation
type replayKey struct {
	flow   int
	packet int
}

// RetransmissionRequest tracks one outstanding replay request
type RetransmissionRequest struct {
	Flow   int
	Packet int

	// active node the replay is sought from
	Target netip.Addr

	// further nodes to try, most recent first
	Candidates []netip.Addr

	Port        int
	Attempts    int
	Timeout     int
	MayBePurged bool
}

// gpsrpEngine is created only for active roles
type gpsrpEngine struct {
	node   *Node
	buffer *ttlcache.Cache[replayKey, *Packet]

	mu       sync.Mutex
	requests map[replayKey]*RetransmissionRequest
	order    []replayKey

	lossMu sync.Mutex
	losses []*Packet
}

// default number of packets an active node keeps for replay
const defaultReplayCapacity = 1024

// createGPSRPEngine is a constructor.  The replay buffer never expires
// entries by age; when full it evicts the packet stored earliest.
func createGPSRPEngine(node *Node, capacity uint64) *gpsrpEngine {
	if capacity == 0 {
		capacity = defaultReplayCapacity
	}
	ge := new(gpsrpEngine)
	ge.node = node
	ge.buffer = ttlcache.New[replayKey, *Packet](
		ttlcache.WithCapacity[replayKey, *Packet](capacity),
		ttlcache.WithDisableTouchOnHit[replayKey, *Packet](),
	)
	ge.requests = make(map[replayKey]*RetransmissionRequest)
	ge.order = make([]replayKey, 0)
	ge.losses = make([]*Packet, 0)
	return ge
}

// store keeps a copy of a forwarded packet for replay
func (ge *gpsrpEngine) store(pckt *Packet) {
	key := replayKey{flow: pckt.FlowID, packet: pckt.ID}
	ge.buffer.Set(key, pckt.Clone(), ttlcache.NoTTL)
	ge.node.report(packetEvent(PacketStoredForReplay, pckt))
}

// lookup returns the stored copy of (flow, packet), if still buffered
func (ge *gpsrpEngine) lookup(flow, packet int) (*Packet, bool) {
	item := ge.buffer.Get(replayKey{flow: flow, packet: packet})
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// buffered returns the number of packets held for replay
func (ge *gpsrpEngine) buffered() int {
	return ge.buffer.Len()
}

// noteLoss records a protected packet dropped at one of the node's ports.
// Called from link goroutines.
func (ge *gpsrpEngine) noteLoss(pckt *Packet) {
	ge.lossMu.Lock()
	defer ge.lossMu.Unlock()
	ge.losses = append(ge.losses, pckt)
}

// drainLosses turns the losses noted since the last tick into replay requests.
// The request goes to the most recent active node the packet crossed, other
// than this one; older ones are kept as fall-backs.
func (ge *gpsrpEngine) drainLosses() {
	ge.lossMu.Lock()
	lost := ge.losses
	ge.losses = make([]*Packet, 0)
	ge.lossMu.Unlock()

	for _, pckt := range lost {
		candidates := make([]netip.Addr, 0, len(pckt.Traversed))
		for idx := len(pckt.Traversed) - 1; idx >= 0; idx-- {
			if pckt.Traversed[idx] != ge.node.addr {
				candidates = append(candidates, pckt.Traversed[idx])
			}
		}
		if len(candidates) == 0 {
			continue
		}
		ge.requestReplay(pckt.FlowID, pckt.ID, candidates)
	}
}

// requestReplay creates (or reuses) the request for (flow, packet) and sends it
// to the first candidate
func (ge *gpsrpEngine) requestReplay(flow, packet int, candidates []netip.Addr) {
	key := replayKey{flow: flow, packet: packet}
	ge.mu.Lock()
	defer ge.mu.Unlock()

	if _, present := ge.requests[key]; present {
		return
	}
	req := &RetransmissionRequest{Flow: flow, Packet: packet, Target: candidates[0],
		Candidates: slices.Clone(candidates[1:]), Port: noPort,
		Timeout: ge.node.cfg.GPSRPTimeoutTicks}
	req.MayBePurged = len(req.Candidates) == 0
	ge.requests[key] = req
	ge.order = append(ge.order, key)
	ge.send(req)
}

// send routes a replay request toward its target and records the egress port
func (ge *gpsrpEngine) send(req *RetransmissionRequest) {
	node := ge.node
	pckt := createGPSRPPacket(node.addr, req.Target,
		GPSRPPayload{Msg: GPSRPRequest, Flow: req.Flow, Packet: req.Packet})
	port := node.Port(req.Port)
	if port == nil || !port.usable() {
		port = node.portToward(node.nextHopFor(req.Target, true))
	}
	if port == nil {
		node.logger.Debug("no route for replay request", "target", req.Target)
		return
	}
	req.Port = port.number
	ev := SimEvent{Kind: ReplayRequested, FlowID: req.Flow, PacketID: req.Packet,
		PacketType: GPSRPPacket, Detail: req.Target.String()}
	node.report(ev)
	node.transmit(port, pckt)
}

// reply answers a replay request on the port it arrived on
func (ge *gpsrpEngine) reply(port *Port, req *Packet, msg GPSRPMsg) {
	payload := GPSRPPayload{Msg: msg, Flow: req.GPSRP.Flow, Packet: req.GPSRP.Packet}
	ge.node.transmit(port, createGPSRPPacket(ge.node.addr, req.Src, payload))
}

// handle processes a retransmission protocol packet addressed to this node
func (ge *gpsrpEngine) handle(port *Port, pckt *Packet) {
	node := ge.node
	payload := pckt.GPSRP
	key := replayKey{flow: payload.Flow, packet: payload.Packet}

	switch payload.Msg {
	case GPSRPRequest:
		stored, found := ge.lookup(payload.Flow, payload.Packet)
		ev := SimEvent{FlowID: payload.Flow, PacketID: payload.Packet, PacketType: MPLSPacket}
		if !found {
			ev.Kind = PacketNotFoundInReplay
			node.report(ev)
			ge.reply(port, pckt, GPSRPDeny)
			return
		}
		ev.Kind = PacketFoundInReplay
		ev.PacketType = stored.Type
		ev.Size = stored.Size
		node.report(ev)

		replay := stored.Clone()
		if node.transmit(port, replay) {
			node.report(packetEvent(PacketRetransmitted, replay))
		}
		ge.reply(port, pckt, GPSRPAccept)

	case GPSRPAccept:
		ge.mu.Lock()
		ge.forget(key)
		ge.mu.Unlock()

	case GPSRPDeny:
		ge.mu.Lock()
		defer ge.mu.Unlock()
		req, present := ge.requests[key]
		if !present || req.Target != pckt.Src {
			return
		}
		if req.MayBePurged || len(req.Candidates) == 0 {
			ge.forget(key)
			return
		}
		req.Target = req.Candidates[0]
		req.Candidates = req.Candidates[1:]
		req.MayBePurged = len(req.Candidates) == 0
		req.Attempts = 0
		req.Timeout = node.cfg.GPSRPTimeoutTicks
		req.Port = noPort
		ge.send(req)
	}
}

// forget removes a request.  Caller holds mu.
func (ge *gpsrpEngine) forget(key replayKey) {
	if _, present := ge.requests[key]; !present {
		return
	}
	delete(ge.requests, key)
	ge.order = slices.DeleteFunc(ge.order, func(k replayKey) bool { return k == key })
}

// timeoutSweep runs once per tick.  Requests whose egress link has gone down are
// dropped; others past due are resent until their attempts run out.
func (ge *gpsrpEngine) timeoutSweep() {
	ge.mu.Lock()
	defer ge.mu.Unlock()

	for _, key := range slices.Clone(ge.order) {
		req := ge.requests[key]
		if port := ge.node.Port(req.Port); port != nil && !port.usable() {
			ge.forget(key)
			continue
		}
		req.Timeout -= 1
		if req.Timeout > 0 {
			continue
		}
		if req.Attempts >= ge.node.cfg.GPSRPAttempts {
			ge.node.logger.Debug("replay request abandoned", "flow", req.Flow, "packet", req.Packet)
			ge.forget(key)
			continue
		}
		req.Attempts += 1
		req.Timeout = ge.node.cfg.GPSRPTimeoutTicks
		ge.send(req)
	}
}

// Requests returns copies of the outstanding requests in creation order
func (ge *gpsrpEngine) Requests() []RetransmissionRequest {
	ge.mu.Lock()
	defer ge.mu.Unlock()
	rtn := make([]RetransmissionRequest, 0, len(ge.order))
	for _, key := range ge.order {
		req := *ge.requests[key]
		req.Candidates = slices.Clone(req.Candidates)
		rtn = append(rtn, req)
	}
	return rtn
}

func (ge *gpsrpEngine) reset() {
	ge.buffer.DeleteAll()
	ge.mu.Lock()
	ge.requests = make(map[replayKey]*RetransmissionRequest)
	ge.order = make([]replayKey, 0)
	ge.mu.Unlock()
	ge.lossMu.Lock()
	ge.losses = make([]*Packet, 0)
	ge.lossMu.Unlock()
}
