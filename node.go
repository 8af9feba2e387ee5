package gosmpls

// node.go holds the Node, the role that decides which sub-engines it owns,
// and the per-tick unit of work: time budget bookkeeping, protocol sweeps,
// traffic generation and the forwarding loop.

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"
)

// Role is the tagged variant that selects a node's capabilities
type Role int

const (
	RoleSource Role = iota
	RoleSink
	RoleEdgeRouter
	RoleEdgeRouterActive
	RoleCoreRouter
	RoleCoreRouterActive
)

var roleToStr map[Role]string = map[Role]string{
	RoleSource:           "Source",
	RoleSink:             "Sink",
	RoleEdgeRouter:       "EdgeRouter",
	RoleEdgeRouterActive: "EdgeRouterActive",
	RoleCoreRouter:       "CoreRouter",
	RoleCoreRouterActive: "CoreRouterActive",
}

func (r Role) String() string {
	str, present := roleToStr[r]
	if !present {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return str
}

// RoleFromStr maps a role name, case-insensitively, to a Role
func RoleFromStr(str string) (Role, bool) {
	for role, name := range roleToStr {
		if strings.EqualFold(name, str) {
			return role, true
		}
	}
	return RoleSource, false
}

// Host is true for traffic endpoints
func (r Role) Host() bool { return r == RoleSource || r == RoleSink }

// Switches is true for roles that own a switching table
func (r Role) Switches() bool { return !r.Host() }

// Active is true for roles that own the retransmission engine and backup support
func (r Role) Active() bool { return r == RoleEdgeRouterActive || r == RoleCoreRouterActive }

// Edge is true for routers at the border of the domain
func (r Role) Edge() bool { return r == RoleEdgeRouter || r == RoleEdgeRouterActive }

// default node characteristics
const (
	defaultRouterPorts = 8
	defaultPowerMbps   = 1024
	defaultBufferMB    = 1

	// occupancy, in percent, at which a node reports itself congested
	congestionThreshold = 90
)

// Node is a device in the simulated domain
type Node struct {
	eventSource
	id     int
	name   string
	groups []string
	role   Role
	addr   netip.Addr
	prefix netip.Prefix

	ports     []*Port
	powerMbps int
	bufferMB  int

	budgetNs       int64
	wellConfigured bool

	table  *SwitchingTable
	gpsrp  *gpsrpEngine
	source *sourceState

	topo     *Topology
	cfg      ProtocolCfg
	sessions *IDGenerator

	worker    tickWorker
	logger    *slog.Logger
	trace     bool
	cur       TickEvent
	rr        int
	congested bool

	errMu  sync.Mutex
	failed error

	stats nodeStats
}

// nodeStats counts what passed through a node
type nodeStats struct {
	generated     atomic.Int64
	sent          atomic.Int64
	received      atomic.Int64
	receivedBytes atomic.Int64
	switched      atomic.Int64
	discarded     atomic.Int64
	retransmitted atomic.Int64
}

func (ns *nodeStats) reset() {
	for _, counter := range []*atomic.Int64{&ns.generated, &ns.sent, &ns.received,
		&ns.receivedBytes, &ns.switched, &ns.discarded, &ns.retransmitted} {
		counter.Store(0)
	}
}

// createNode is a constructor.  Hosts get one port, routers the number asked for.
func createNode(id int, name string, role Role, addr netip.Addr, ports int, cfg ProtocolCfg, logger *slog.Logger) *Node {
	node := new(Node)
	node.id = id
	node.name = name
	node.groups = []string{}
	node.role = role
	node.addr = addr
	node.powerMbps = defaultPowerMbps
	node.bufferMB = defaultBufferMB
	node.cfg = cfg
	node.sessions = CreateIDGenerator(name+"-sessions", cfg.MaxSessionID)
	if logger == nil {
		logger = discardLogger()
	}
	node.logger = logger.With("node", name)

	if role.Host() {
		ports = 1
	} else if ports < 1 {
		ports = defaultRouterPorts
	}
	node.buildPorts(ports)
	node.buildEngines()
	return node
}

// buildPorts creates the port set.  Router queues are bounded by the buffer size
// and active routers serve by GoS priority.
func (node *Node) buildPorts(count int) {
	node.ports = make([]*Port, count)
	capacity := int64(node.bufferMB) * 1024 * 1024
	for idx := 0; idx < count; idx++ {
		node.ports[idx] = createPort(node, idx, node.role.Switches(), capacity, node.role.Active())
	}
}

// buildEngines gives the node the sub-engines its role calls for
func (node *Node) buildEngines() {
	node.table = nil
	node.gpsrp = nil
	if node.role.Switches() {
		node.table = createSwitchingTable()
	}
	if node.role.Active() {
		node.gpsrp = createGPSRPEngine(node, node.cfg.ReplayCapacity)
	}
}

func (node *Node) ElementID() int             { return node.id }
func (node *Node) Name() string               { return node.name }
func (node *Node) Role() Role                 { return node.role }
func (node *Node) Address() netip.Addr        { return node.addr }
func (node *Node) Table() *SwitchingTable     { return node.table }
func (node *Node) WellConfigured() bool       { return node.wellConfigured }
func (node *Node) BudgetNs() int64            { return node.budgetNs }
func (node *Node) PowerMbps() int             { return node.powerMbps }
func (node *Node) NumPorts() int              { return len(node.ports) }
func (node *Node) ServedPrefix() netip.Prefix { return node.prefix }

// Port returns the port with the given number, nil if there is none
func (node *Node) Port(number int) *Port {
	if number < 0 || number >= len(node.ports) {
		return nil
	}
	return node.ports[number]
}

// FreePort returns the lowest numbered port without a link, -1 if all are bound
func (node *Node) FreePort() int {
	for _, port := range node.ports {
		if !port.Bound() {
			return port.number
		}
	}
	return -1
}

// TableSize returns the number of switching entries, 0 for hosts
func (node *Node) TableSize() int {
	if node.table == nil {
		return 0
	}
	return node.table.Size()
}

// Congestion returns the fullest port queue's occupancy as a percentage
func (node *Node) Congestion() int {
	cong := 0
	for _, port := range node.ports {
		cong = max(cong, port.Congestion())
	}
	return cong
}

// queued returns the number of packets waiting at the node's ports
func (node *Node) queued() int {
	total := 0
	for _, port := range node.ports {
		total += port.Len()
	}
	return total
}

// Err returns the error that stopped the node, nil if it is running
func (node *Node) Err() error {
	node.errMu.Lock()
	defer node.errMu.Unlock()
	return node.failed
}

// fail records a fatal condition; the node does no further work
func (node *Node) fail(err error) {
	node.errMu.Lock()
	first := node.failed == nil
	if first {
		node.failed = fmt.Errorf("node %s: %w", node.name, err)
	}
	node.errMu.Unlock()
	if first {
		node.logger.Error("node failed", "error", err)
		node.report(SimEvent{Kind: ElementFailed, Detail: err.Error()})
	}
}

// OnTick starts the node's unit of work for the tick
func (node *Node) OnTick(ev TickEvent) {
	node.worker.start(ev.Tick, func() { node.work(ev) })
}

// Join waits for the node's unit of work
func (node *Node) Join() {
	node.worker.join()
}

// work is one tick of a node's life
func (node *Node) work(ev TickEvent) {
	node.cur = ev
	if node.Err() != nil {
		return
	}
	node.budgetNs += ev.DurationNs

	if node.table != nil {
		node.table.mu.Lock()
		node.checkLinkHealth()
		node.retrySweep()
		node.table.compact()
		node.table.mu.Unlock()
	}
	if node.gpsrp != nil {
		node.gpsrp.drainLosses()
		node.gpsrp.timeoutSweep()
	}
	if node.source != nil {
		node.generate()
	}

	if node.role.Host() {
		node.consume()
		node.budgetNs = 0
	} else {
		node.forward()
		if node.queued() == 0 {
			node.budgetNs = 0
		}
	}
	node.checkCongestion()
}

// consume takes everything waiting at a host's port
func (node *Node) consume() {
	for _, port := range node.ports {
		for {
			qp, status := port.dequeue(node.cur.Tick, nil)
			if status != dqTaken {
				break
			}
			node.receive(qp.pckt)
		}
	}
}

// receive accounts for a packet that has reached its destination
func (node *Node) receive(pckt *Packet) {
	if pckt.IsData() && pckt.Dst != node.addr && !node.prefix.Contains(pckt.Dst) {
		node.discard(pckt, "not addressed here")
		return
	}
	node.stats.received.Add(1)
	node.stats.receivedBytes.Add(int64(pckt.Size))
	node.report(packetEvent(PacketReceived, pckt))
}

// packetCostNs is the time a node needs to switch a packet
func (node *Node) packetCostNs(pckt *Packet) int64 {
	power := int64(max(node.powerMbps, 1))
	return max(int64(pckt.Size)*8*1000/power, 1)
}

// forward serves the ports round robin while the time budget lasts.  Packets
// held waiting for a label are set aside and put back at the head of their
// queue once the tick's work is over.
func (node *Node) forward() {
	held := make(map[*Port][]queuedPacket)
	fits := func(pckt *Packet) bool {
		return node.packetCostNs(pckt) <= node.budgetNs
	}

	nports := len(node.ports)
	exhausted := false
	for !exhausted {
		progress := false
		for step := 0; step < nports; step++ {
			port := node.ports[(node.rr+step)%nports]
			qp, status := port.dequeue(node.cur.Tick, fits)
			if status == dqRefused {
				exhausted = true
				break
			}
			if status == dqEmpty {
				continue
			}
			node.budgetNs -= node.packetCostNs(qp.pckt)
			progress = true
			if node.dispatch(port, qp.pckt) {
				held[port] = append(held[port], qp)
			}
		}
		node.rr = (node.rr + 1) % nports
		if !progress {
			break
		}
	}
	for _, port := range node.ports {
		port.requeueFront(held[port])
	}
}

// dispatch handles one packet taken from a port.  The return is true when the
// packet must be held until a label is available.
func (node *Node) dispatch(port *Port, pckt *Packet) bool {
	switch pckt.Type {
	case TLDPPacket:
		if pckt.Dst != node.addr || pckt.TLDP == nil {
			node.discard(pckt, "misdirected signaling")
			return false
		}
		node.table.mu.Lock()
		node.handleTLDP(port, pckt)
		node.table.mu.Unlock()
		return false

	case GPSRPPacket:
		if pckt.GPSRP == nil {
			node.discard(pckt, "malformed GPSRP")
			return false
		}
		if pckt.Dst == node.addr {
			if node.gpsrp == nil {
				node.discard(pckt, "no retransmission engine")
				return false
			}
			node.gpsrp.handle(port, pckt)
			return false
		}
		node.routePlain(pckt)
		return false

	case IPv4Packet:
		if pckt.Dst == node.addr {
			node.receive(pckt)
			return false
		}
		node.table.mu.Lock()
		defer node.table.mu.Unlock()
		return node.switchIPv4(port, pckt)

	case MPLSPacket:
		node.table.mu.Lock()
		defer node.table.mu.Unlock()
		node.switchMPLS(port, pckt)
		return false
	}
	node.discard(pckt, "unknown packet type")
	return false
}

// switchIPv4 forwards an unlabeled packet, creating the FEC entry on a miss.
// Caller holds the table lock.
func (node *Node) switchIPv4(port *Port, pckt *Packet) bool {
	fec := Classify(pckt)
	entry := node.table.lookup(port.number, fec, FECKey)
	if entry == nil {
		var err error
		entry, err = node.createFECEntry(port, pckt, fec)
		if err != nil {
			node.discard(pckt, err.Error())
			return false
		}
	}

	switch {
	case entry.Label == LabelRequesting || entry.Label == LabelUndefined:
		return true
	case !entry.Forwards():
		node.discard(pckt, "label "+LabelString(entry.Label))
		return false
	}

	pckt.TTL -= 1
	if pckt.TTL <= 0 {
		node.discard(pckt, "ttl expired")
		return false
	}
	switch entry.Operation {
	case OpNoop, OpPop:
	case OpPush, OpSwap:
		if entry.Label < FirstUnreservedLabel {
			node.discard(pckt, "no label to push")
			return false
		}
		pckt.pushLabel(entry.Label)
	default:
		node.discard(pckt, "operation undefined")
		return false
	}
	node.switched(pckt, entry)
	return false
}

// createFECEntry builds the entry for an unlabeled packet that missed the table.
// When the outbound link is internal a label is requested and the packet held.
func (node *Node) createFECEntry(port *Port, pckt *Packet, fec int) (*SwitchingEntry, error) {
	nh := node.nextHopFor(pckt.Dst, false)
	if nh == nil {
		return nil, errors.New("no route")
	}
	outPort := node.portToward(nh)
	if outPort == nil {
		return nil, errors.New("no port toward next hop")
	}
	session, err := node.sessions.Next()
	if err != nil {
		node.fail(err)
		return nil, err
	}

	op := operationFor(port.linkKind(), outPort.linkKind())
	// unlabeled traffic entering mid-domain starts or bypasses an LSP here
	switch op {
	case OpSwap:
		op = OpPush
	case OpPop:
		op = OpNoop
	}
	entry := node.table.createEntry(FECKey, port.number, fec, pckt.Dst, op, outPort.number)
	entry.Source = pckt.Src
	entry.Session = session
	entry.GoS = pckt.GoS
	entry.BackupRequested = pckt.GoS.BackupRequested()

	if op == OpNoop {
		node.table.setLabel(entry, LabelGranted)
		return entry, nil
	}
	node.requestLabel(entry)
	return entry, nil
}

// switchMPLS forwards a labeled packet by its top label.  Caller holds the table lock.
func (node *Node) switchMPLS(port *Port, pckt *Packet) {
	top, ok := pckt.TopLabel()
	if !ok {
		node.discard(pckt, "empty label stack")
		return
	}
	entry := node.table.lookup(port.number, top.Label, LabelKey)
	if entry == nil {
		node.discard(pckt, "unknown label")
		return
	}
	if !entry.Forwards() {
		node.discard(pckt, "label "+LabelString(entry.Label))
		return
	}
	pckt.TTL -= 1
	if pckt.TTL <= 0 {
		node.discard(pckt, "ttl expired")
		return
	}
	switch entry.Operation {
	case OpSwap:
		if entry.Label < FirstUnreservedLabel {
			node.discard(pckt, "no label to swap")
			return
		}
		pckt.swapLabel(entry.Label)
	case OpPop:
		pckt.popLabel()
	default:
		node.discard(pckt, "operation undefined")
		return
	}
	node.switched(pckt, entry)
}

// switched sends a packet out of the entry's active port.  At active nodes,
// packets asking for protection are stamped and kept for replay first.
func (node *Node) switched(pckt *Packet, entry *SwitchingEntry) {
	node.stats.switched.Add(1)
	node.report(packetEvent(PacketSwitched, pckt))
	if node.gpsrp != nil && pckt.GoS.BackupRequested() {
		pckt.stampTraversed(node.addr)
		node.gpsrp.store(pckt)
	}
	node.transmit(node.Port(entry.OutPort), pckt)
}

// routePlain sends a packet toward its destination by plain path computation
func (node *Node) routePlain(pckt *Packet) {
	nh := node.nextHopFor(pckt.Dst, false)
	if nh == nil {
		node.discard(pckt, "no route")
		return
	}
	pckt.TTL -= 1
	if pckt.TTL <= 0 {
		node.discard(pckt, "ttl expired")
		return
	}
	node.transmit(node.portToward(nh), pckt)
}

// transmit hands a packet to the link on the port
func (node *Node) transmit(port *Port, pckt *Packet) bool {
	if port == nil || !port.usable() {
		node.discard(pckt, "link down")
		return false
	}
	if !port.Link().carry(port, pckt, node.cur.UpperBoundNs) {
		node.discard(pckt, "link refused")
		return false
	}
	node.stats.sent.Add(1)
	node.report(packetEvent(PacketSent, pckt))
	return true
}

// discard drops a packet and reports it with its declared type
func (node *Node) discard(pckt *Packet, reason string) {
	node.stats.discarded.Add(1)
	ev := packetEvent(PacketDiscarded, pckt)
	ev.Detail = reason
	node.report(ev)
	node.logger.Debug("packet discarded", "packet", pckt.describe(), "reason", reason)
}

// noteInboundLoss is called by a link when a port queue overflows
func (node *Node) noteInboundLoss(pckt *Packet) {
	node.stats.discarded.Add(1)
	if node.gpsrp != nil && pckt.IsData() && pckt.GoS.BackupRequested() && len(pckt.Traversed) > 0 {
		node.gpsrp.noteLoss(pckt)
	}
}

// checkCongestion reports a node crossing the congestion threshold
func (node *Node) checkCongestion() {
	congested := node.Congestion() >= congestionThreshold
	if congested && !node.congested {
		node.report(SimEvent{Kind: NodeCongested, Detail: fmt.Sprintf("%d%%", node.Congestion())})
	}
	node.congested = congested
}

// nextHopFor returns the neighbor toward dst, nil if there is none.
// Active nodes use the congestion-aware metric unless plain is forced.
func (node *Node) nextHopFor(dst netip.Addr, forcePlain bool) *Node {
	if node.topo == nil {
		return nil
	}
	dstNode, ok := node.topo.NodeByAddr(dst)
	if !ok {
		return nil
	}
	var nh int
	if node.role.Active() && !forcePlain {
		nh = node.topo.NextHopRABAN(node.id, dstNode.id)
	} else {
		nh = node.topo.NextHop(node.id, dstNode.id)
	}
	if nh == NoPath || nh == node.id {
		return nil
	}
	return node.topo.Node(nh)
}

// nextHopExcluding returns the neighbor toward dst when the edge to excluded
// may not be used, nil if there is none
func (node *Node) nextHopExcluding(dst netip.Addr, excluded *Node) *Node {
	if node.topo == nil {
		return nil
	}
	dstNode, ok := node.topo.NodeByAddr(dst)
	if !ok {
		return nil
	}
	exID := NoPath
	if excluded != nil {
		exID = excluded.id
	}
	nh := node.topo.NextHopRABANExcluding(node.id, dstNode.id, exID)
	if nh == NoPath || nh == node.id {
		return nil
	}
	return node.topo.Node(nh)
}

// portToward returns the lowest numbered usable port whose link reaches nbr
func (node *Node) portToward(nbr *Node) *Port {
	if nbr == nil {
		return nil
	}
	for _, port := range node.ports {
		if port.usable() && port.peer() == nbr {
			return port
		}
	}
	return nil
}

// report fills in the element fields for an event raised on the node's own goroutine
func (node *Node) report(ev SimEvent) {
	node.reportAt(node.cur, ev)
}

// reportAt is report for events raised on behalf of the node from elsewhere
func (node *Node) reportAt(tick TickEvent, ev SimEvent) {
	ev.Element = node.name
	ev.ElementID = node.id
	ev.Tick = tick.Tick
	ev.TimeNs = tick.UpperBoundNs
	if err := node.emit(ev); err != nil {
		node.fail(err)
	}
	switch ev.Kind {
	case PacketGenerated:
		node.stats.generated.Add(1)
	case PacketRetransmitted:
		node.stats.retransmitted.Add(1)
	}
}

// matchParam is used to determine whether a run-time parameter description
// should be applied to the node
func (node *Node) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "name":
		return node.name == attrbValue
	case "group":
		return slices.Contains(node.groups, attrbValue)
	case "role":
		return strings.EqualFold(node.role.String(), attrbValue)
	}
	return false
}

// setParam gives a value to a node parameter
func (node *Node) setParam(param string, value valueStruct) {
	switch param {
	case "power":
		node.powerMbps = max(value.intValue, 1)
	case "buffer":
		node.bufferMB = max(value.intValue, 1)
		capacity := int64(node.bufferMB) * 1024 * 1024
		for _, port := range node.ports {
			port.capacity = capacity
		}
	case "trace":
		node.trace = value.boolValue
	}
}

func (node *Node) paramObjName() string {
	return node.name
}

// Reset returns the node to its initial state
func (node *Node) Reset() {
	node.worker.reset()
	for _, port := range node.ports {
		port.reset()
	}
	if node.table != nil {
		node.table.reset()
	}
	if node.gpsrp != nil {
		node.gpsrp.reset()
	}
	if node.source != nil {
		node.source.reset()
	}
	node.sessions.Reset()
	node.budgetNs = 0
	node.rr = 0
	node.congested = false
	node.cur = TickEvent{}
	node.errMu.Lock()
	node.failed = nil
	node.errMu.Unlock()
	node.stats.reset()
}
