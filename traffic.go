package gosmpls

// traffic.go is the interface between a Source node and whatever decides
// the shape of its traffic.  The engine only asks a producer for the size of
// the next packet and for the GoS marking to put on it.

import (
	"fmt"
	"net/netip"

	"github.com/iti/rngstream"
)

// TrafficProducer is consulted once per generated packet
type TrafficProducer interface {
	NextPacketSize() int
	PacketLabelingPolicy() GoS
}

// ConstantTraffic produces packets of a fixed size, optionally spread
// uniformly by up to Jitter octets either way, marked with one of a set of
// GoS values chosen uniformly at random
type ConstantTraffic struct {
	Size   int
	Jitter int
	GoS    []GoS

	name string
	rng  *rngstream.RngStream
}

// CreateConstantTraffic is a constructor.  Each producer draws from its own stream.
func CreateConstantTraffic(name string, size, jitter int, markings ...GoS) *ConstantTraffic {
	ct := new(ConstantTraffic)
	ct.name = name
	ct.Size = max(size, 1)
	ct.Jitter = max(jitter, 0)
	ct.GoS = markings
	if len(ct.GoS) == 0 {
		ct.GoS = []GoS{GoSLevel0}
	}
	ct.rng = rngstream.New(name)
	return ct
}

func (ct *ConstantTraffic) NextPacketSize() int {
	if ct.Jitter == 0 {
		return ct.Size
	}
	return max(ct.Size+ct.rng.RandInt(-ct.Jitter, ct.Jitter), 1)
}

func (ct *ConstantTraffic) PacketLabelingPolicy() GoS {
	if len(ct.GoS) == 1 {
		return ct.GoS[0]
	}
	return ct.GoS[ct.rng.RandInt(0, len(ct.GoS)-1)]
}

// reset starts a fresh stream
func (ct *ConstantTraffic) reset() {
	ct.rng = rngstream.New(ct.name)
}

// sourceState is the payload a Source node carries
type sourceState struct {
	flowID   int
	dst      netip.Addr
	producer TrafficProducer
	perTick  int

	// active on ticks in [start, stop); stop 0 means no end
	start uint64
	stop  uint64

	nxtPckt int
}

func (ss *sourceState) active(tick uint64) bool {
	return tick >= ss.start && (ss.stop == 0 || tick < ss.stop)
}

func (ss *sourceState) reset() {
	ss.nxtPckt = 0
	if resetter, ok := ss.producer.(interface{ reset() }); ok {
		resetter.reset()
	}
}

// AttachSource makes a Source node send perTick packets of a flow to dst on
// every tick from start until stop
func (node *Node) AttachSource(flowID int, dst netip.Addr, producer TrafficProducer, perTick int, start, stop uint64) error {
	if node.role != RoleSource {
		return &ConfigError{Code: ErrUnknownRole, Element: node.name,
			Detail: fmt.Sprintf("%s cannot originate traffic", node.role)}
	}
	if !dst.IsValid() {
		return &ConfigError{Code: ErrMissingDestination, Element: node.name}
	}
	if producer == nil {
		producer = CreateConstantTraffic(node.name+"-traffic", 1024, 0)
	}
	node.source = &sourceState{flowID: flowID, dst: dst, producer: producer,
		perTick: max(perTick, 1), start: max(start, 1), stop: stop}
	return nil
}

// generate sends the packets due from a Source this tick
func (node *Node) generate() {
	ss := node.source
	if !ss.active(node.cur.Tick) {
		return
	}
	port := node.Port(0)
	for idx := 0; idx < ss.perTick; idx++ {
		ss.nxtPckt += 1
		pckt := createDataPacket(ss.nxtPckt, ss.flowID, node.addr, ss.dst,
			ss.producer.NextPacketSize(), ss.producer.PacketLabelingPolicy())
		node.report(packetEvent(PacketGenerated, pckt))
		node.transmit(port, pckt)
	}
}
