package gosmpls

// link.go models the point-to-point links between nodes.  A link holds the
// packets it is carrying in a TransitScheduler and, on each tick, hands the
// ones that have finished propagating to the matching port on the far node.

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"
)

// LinkKind says whether a link lies inside the label-switched domain
type LinkKind int

const (
	InternalLink LinkKind = iota
	ExternalLink
)

func (lk LinkKind) String() string {
	if lk == InternalLink {
		return "internal"
	}
	return "external"
}

var errLinkConnected = errors.New("link already connected")

// linkEnd names one endpoint of a link
type linkEnd struct {
	node   *Node
	nodeID int
	port   int
}

// Link connects a port on one node to a port on another
type Link struct {
	eventSource
	id     int
	name   string
	groups []string

	ends      [2]linkEnd
	connected bool

	delayNs int64
	weight  float64
	kind    LinkKind

	down         atomic.Bool
	reportedDown bool

	// number of entries whose active outbound leg crosses this link
	lspCount    atomic.Int32
	backupCount atomic.Int32

	mu       sync.Mutex
	transit  *TransitScheduler
	worker   tickWorker
	logger   *slog.Logger
	trace    bool
	lastTick TickEvent

	carried   atomic.Int64
	delivered atomic.Int64
	lost      atomic.Int64

	errMu  sync.Mutex
	failed error
}

// minimum propagation delay, in ns
const minLinkDelay = 1

// CreateLink is a constructor.  The weight used by plain path computation
// defaults to the delay in microseconds, never less than one.
func CreateLink(id int, name string, delayNs int64, logger *slog.Logger) *Link {
	link := new(Link)
	link.id = id
	link.name = name
	link.groups = []string{}
	link.delayNs = max(delayNs, minLinkDelay)
	link.weight = max(float64(link.delayNs)/1000.0, 1.0)
	link.kind = InternalLink
	link.transit = createTransitScheduler()
	if logger == nil {
		logger = discardLogger()
	}
	link.logger = logger.With("link", name)
	return link
}

func (link *Link) ElementID() int  { return link.id }
func (link *Link) Name() string    { return link.name }
func (link *Link) DelayNs() int64  { return link.delayNs }
func (link *Link) Weight() float64 { return link.weight }
func (link *Link) Kind() LinkKind  { return link.kind }
func (link *Link) IsDown() bool    { return link.down.Load() }

// Connected reports whether both endpoints are bound
func (link *Link) Connected() bool {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.connected
}

// Endpoints returns the nodes at the two ends, nil if not connected
func (link *Link) Endpoints() (*Node, *Node) {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.ends[0].node, link.ends[1].node
}

// Connect binds the link to port portA on nodeA and port portB on nodeB.
// Both ports must exist and be free; on error neither is left bound.
// The link is External when either end is a host, Internal otherwise.
func (link *Link) Connect(nodeA *Node, portA int, nodeB *Node, portB int) error {
	link.mu.Lock()
	defer link.mu.Unlock()
	if link.connected {
		return fmt.Errorf("%s: %w", link.name, errLinkConnected)
	}
	pA := nodeA.Port(portA)
	if pA == nil {
		return &ConfigError{Code: ErrMissingPort, Element: link.name,
			Detail: fmt.Sprintf("node %s has no port %d", nodeA.name, portA)}
	}
	pB := nodeB.Port(portB)
	if pB == nil {
		return &ConfigError{Code: ErrMissingPort, Element: link.name,
			Detail: fmt.Sprintf("node %s has no port %d", nodeB.name, portB)}
	}
	if err := pA.bind(link); err != nil {
		return &ConfigError{Code: ErrPortInUse, Element: link.name, Detail: err.Error()}
	}
	if err := pB.bind(link); err != nil {
		pA.unbind(link)
		return &ConfigError{Code: ErrPortInUse, Element: link.name, Detail: err.Error()}
	}
	link.ends[0] = linkEnd{node: nodeA, nodeID: nodeA.id, port: portA}
	link.ends[1] = linkEnd{node: nodeB, nodeID: nodeB.id, port: portB}
	link.kind = InternalLink
	if nodeA.role.Host() || nodeB.role.Host() {
		link.kind = ExternalLink
	}
	link.connected = true
	return nil
}

// Disconnect releases both port bindings and drops anything in flight
func (link *Link) Disconnect() {
	link.mu.Lock()
	defer link.mu.Unlock()
	if !link.connected {
		return
	}
	for _, end := range link.ends {
		if port := end.node.Port(end.port); port != nil {
			port.unbind(link)
		}
	}
	link.transit.releaseAll()
	link.connected = false
}

// SetDown is the administrative interface to take a link down or bring it back.
// Nodes observe the change on their next tick.
func (link *Link) SetDown(down bool) {
	prev := link.down.Swap(down)
	if prev != down {
		link.logger.Info("link state changed", "down", down)
	}
}

// CarriesLSP is true when some entry's active leg is routed over the link
func (link *Link) CarriesLSP() bool {
	return link.lspCount.Load() > 0
}

// CarriesBackupLSP is true when some backup leg is routed over the link
func (link *Link) CarriesBackupLSP() bool {
	return link.backupCount.Load() > 0
}

// markLSP adjusts the LSP (or backup LSP) counter by delta
func (link *Link) markLSP(backup bool, delta int32) {
	counter := &link.lspCount
	if backup {
		counter = &link.backupCount
	}
	if counter.Add(delta) < 0 {
		counter.Store(0)
	}
}

// farEnd returns the endpoint opposite the given port
func (link *Link) farEnd(port *Port) *linkEnd {
	for idx := range link.ends {
		end := &link.ends[idx]
		if end.node == port.node && end.port == port.number {
			return &link.ends[1-idx]
		}
	}
	return nil
}

// endIndex returns 0 or 1 identifying the end the port sits on, -1 if neither
func (link *Link) endIndex(port *Port) int {
	for idx, end := range link.ends {
		if end.node == port.node && end.port == port.number {
			return idx
		}
	}
	return -1
}

// carry puts a packet sent from port into flight.  It is due at the far end
// delayNs after sentNs.  False means the packet could not be carried.
func (link *Link) carry(from *Port, pckt *Packet, sentNs int64) bool {
	if link.down.Load() {
		return false
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if !link.connected {
		return false
	}
	idx := link.endIndex(from)
	if idx == -1 {
		return false
	}
	link.transit.schedule(pckt, sentNs+link.delayNs, 1-idx)
	link.carried.Add(1)
	return true
}

// InFlight returns the number of packets being carried
func (link *Link) InFlight() int {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.transit.Len()
}

// OnTick starts the link's unit of work for the tick
func (link *Link) OnTick(ev TickEvent) {
	link.worker.start(ev.Tick, func() { link.deliver(ev) })
}

// Join waits for the link's unit of work
func (link *Link) Join() {
	link.worker.join()
}

// deliver moves due packets to the far ports.  Packets are taken out of the
// scheduler under the link lock and handed over after it is released.
func (link *Link) deliver(ev TickEvent) {
	link.lastTick = ev
	if link.Err() != nil {
		return
	}
	if link.down.Load() {
		link.mu.Lock()
		lost := link.transit.releaseAll()
		link.mu.Unlock()
		if !link.reportedDown {
			link.reportedDown = true
			link.report(SimEvent{Kind: LinkDown})
		}
		for _, tr := range lost {
			link.lost.Add(1)
			dev := packetEvent(PacketDiscarded, tr.pckt)
			dev.Detail = "link down"
			link.report(dev)
		}
		return
	}
	if link.reportedDown {
		link.reportedDown = false
		link.report(SimEvent{Kind: LinkRecovered})
	}

	link.mu.Lock()
	due := link.transit.releaseDue(ev.UpperBoundNs)
	ends := link.ends
	link.mu.Unlock()

	for _, tr := range due {
		end := ends[tr.toEnd]
		port := end.node.Port(end.port)
		if port == nil || !port.enqueue(tr.pckt, ev.Tick) {
			link.lost.Add(1)
			link.report(SimEvent{Kind: LinkCongested, Detail: fmt.Sprintf("port %d on %s full", end.port, end.node.name)})
			dev := packetEvent(PacketDiscarded, tr.pckt)
			dev.Detail = "queue overflow"
			end.node.reportAt(ev, dev)
			end.node.noteInboundLoss(tr.pckt)
			continue
		}
		link.delivered.Add(1)
	}
}

// report fills in the element fields and emits the event
func (link *Link) report(ev SimEvent) {
	ev.Element = link.name
	ev.ElementID = link.id
	ev.Tick = link.lastTick.Tick
	ev.TimeNs = link.lastTick.UpperBoundNs
	if err := link.emit(ev); err != nil {
		link.fail(err)
	}
}

// Err returns the error that stopped the link, nil if it is running
func (link *Link) Err() error {
	link.errMu.Lock()
	defer link.errMu.Unlock()
	return link.failed
}

// fail records a fatal condition; the link delivers nothing further
func (link *Link) fail(err error) {
	link.errMu.Lock()
	first := link.failed == nil
	if first {
		link.failed = fmt.Errorf("link %s: %w", link.name, err)
	}
	link.errMu.Unlock()
	if first {
		link.logger.Error("link failed", "error", err)
		link.report(SimEvent{Kind: ElementFailed, Detail: err.Error()})
	}
}

// matchParam is used to determine whether a run-time parameter description
// should be applied to the link
func (link *Link) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "name":
		return link.name == attrbValue
	case "group":
		return slices.Contains(link.groups, attrbValue)
	case "kind":
		return link.kind.String() == attrbValue
	}
	return false
}

// setParam gives a value to a link parameter
func (link *Link) setParam(param string, value valueStruct) {
	switch param {
	case "delay":
		link.delayNs = max(int64(value.floatValue), minLinkDelay)
	case "weight":
		link.weight = max(value.floatValue, 1.0)
	case "trace":
		link.trace = value.boolValue
	}
}

func (link *Link) paramObjName() string {
	return link.name
}

// Reset returns the link to its initial state
func (link *Link) Reset() {
	link.worker.reset()
	link.mu.Lock()
	link.transit.releaseAll()
	link.mu.Unlock()
	link.down.Store(false)
	link.reportedDown = false
	link.lspCount.Store(0)
	link.backupCount.Store(0)
	link.carried.Store(0)
	link.delivered.Store(0)
	link.lost.Store(0)
	link.errMu.Lock()
	link.failed = nil
	link.errMu.Unlock()
}
