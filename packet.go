package gosmpls

// packet.go describes the packets that move through the simulated domain.
// The engine only inspects addresses, the top of the label stack, the GoS
// marking, TTL and size, so the representation stops there.

import (
	"fmt"
	"net/netip"

	"golang.org/x/exp/slices"
)

// PacketType distinguishes the packet families the engine handles
type PacketType int

const (
	IPv4Packet PacketType = iota
	MPLSPacket
	TLDPPacket
	GPSRPPacket
)

var pcktTypeToStr map[PacketType]string = map[PacketType]string{
	IPv4Packet:  "IPv4",
	MPLSPacket:  "MPLS",
	TLDPPacket:  "TLDP",
	GPSRPPacket: "GPSRP",
}

func (pt PacketType) String() string {
	str, present := pcktTypeToStr[pt]
	if !present {
		return fmt.Sprintf("PacketType(%d)", int(pt))
	}
	return str
}

// GoS is the grade-of-service marking carried by data packets.  Four levels
// exist, each either with or without a request for backup protection.
type GoS int

const (
	GoSLevel0 GoS = iota
	GoSLevel0Backup
	GoSLevel1
	GoSLevel1Backup
	GoSLevel2
	GoSLevel2Backup
	GoSLevel3
	GoSLevel3Backup
)

// MakeGoS builds a marking from a level in [0,3] and the backup request bit
func MakeGoS(level int, backup bool) GoS {
	level = max(0, min(level, 3))
	gos := GoS(2 * level)
	if backup {
		gos += 1
	}
	return gos
}

// Level returns the priority level, 0 (lowest) through 3
func (g GoS) Level() int {
	return int(g) / 2
}

// BackupRequested is true when the marking asks for backup protection
func (g GoS) BackupRequested() bool {
	return int(g)%2 == 1
}

func (g GoS) Valid() bool {
	return g >= GoSLevel0 && g <= GoSLevel3Backup
}

func (g GoS) String() string {
	if g.BackupRequested() {
		return fmt.Sprintf("L%d+B", g.Level())
	}
	return fmt.Sprintf("L%d", g.Level())
}

// LabelEntry is one element of an MPLS label stack
type LabelEntry struct {
	Label int
	EXP   int
	TTL   int
}

// TLDPMsg enumerates the label distribution messages
type TLDPMsg int

const (
	TLDPRequest TLDPMsg = iota
	TLDPGrant
	TLDPDeny
	TLDPWithdraw
	TLDPWithdrawAck
)

var tldpMsgToStr map[TLDPMsg]string = map[TLDPMsg]string{
	TLDPRequest: "request", TLDPGrant: "grant", TLDPDeny: "deny",
	TLDPWithdraw: "withdraw", TLDPWithdrawAck: "withdraw-ack",
}

func (m TLDPMsg) String() string {
	return tldpMsgToStr[m]
}

// TLDPPayload is the body of a label distribution packet.
//   - Target is the final destination of the LSP being built
//   - Session identifies the entry on the node the message refers to; for
//     messages travelling downstream it is the sender's own session, for
//     messages travelling upstream it is the receiver's session
//   - Upstream is true for withdraw and withdraw-ack travelling toward the LSP head
//   - Backup marks signaling for a backup LSP
//   - GoS carries the marking of the traffic that triggered the request
//   - Hops counts the nodes a request has crossed
type TLDPPayload struct {
	Msg      TLDPMsg
	Target   netip.Addr
	Label    int
	Session  int
	Upstream bool
	Backup   bool
	GoS      GoS
	Hops     int
}

// GPSRPMsg enumerates the retransmission protocol messages
type GPSRPMsg int

const (
	GPSRPRequest GPSRPMsg = iota
	GPSRPAccept
	GPSRPDeny
)

var gpsrpMsgToStr map[GPSRPMsg]string = map[GPSRPMsg]string{
	GPSRPRequest: "request", GPSRPAccept: "accept", GPSRPDeny: "deny",
}

func (m GPSRPMsg) String() string {
	return gpsrpMsgToStr[m]
}

// GPSRPPayload is the body of a retransmission protocol packet
type GPSRPPayload struct {
	Msg    GPSRPMsg
	Flow   int
	Packet int
}

// sizes in octets of signaling packets, used for budget accounting
const (
	tldpPacketSize  = 48
	gpsrpPacketSize = 48
	defaultTTL      = 64

	// number of active nodes remembered in a packet's traversed list
	traversedDepth = 3
)

// Packet is the unit carried by links and queued at ports
type Packet struct {
	ID     int
	FlowID int
	Type   PacketType
	Src    netip.Addr
	Dst    netip.Addr
	GoS    GoS
	TTL    int
	Size   int
	Labels []LabelEntry

	// addresses of the most recent active nodes crossed, oldest first
	Traversed []netip.Addr

	TLDP  *TLDPPayload
	GPSRP *GPSRPPayload
}

// createDataPacket is a constructor for an unlabeled packet as generated by a source
func createDataPacket(id, flow int, src, dst netip.Addr, size int, gos GoS) *Packet {
	return &Packet{ID: id, FlowID: flow, Type: IPv4Packet, Src: src, Dst: dst,
		GoS: gos, TTL: defaultTTL, Size: size}
}

// createTLDPPacket builds a signaling packet between adjacent nodes
func createTLDPPacket(src, dst netip.Addr, payload TLDPPayload) *Packet {
	return &Packet{Type: TLDPPacket, Src: src, Dst: dst, TTL: 1, Size: tldpPacketSize, TLDP: &payload}
}

// createGPSRPPacket builds a retransmission protocol packet
func createGPSRPPacket(src, dst netip.Addr, payload GPSRPPayload) *Packet {
	return &Packet{Type: GPSRPPacket, Src: src, Dst: dst, TTL: defaultTTL, Size: gpsrpPacketSize, GPSRP: &payload}
}

// Clone returns a deep copy
func (p *Packet) Clone() *Packet {
	cp := *p
	cp.Labels = slices.Clone(p.Labels)
	cp.Traversed = slices.Clone(p.Traversed)
	if p.TLDP != nil {
		tldp := *p.TLDP
		cp.TLDP = &tldp
	}
	if p.GPSRP != nil {
		gpsrp := *p.GPSRP
		cp.GPSRP = &gpsrp
	}
	return &cp
}

// IsData is true for packets that carry user traffic
func (p *Packet) IsData() bool {
	return p.Type == IPv4Packet || p.Type == MPLSPacket
}

// TopLabel returns the label on top of the stack
func (p *Packet) TopLabel() (LabelEntry, bool) {
	if len(p.Labels) == 0 {
		return LabelEntry{}, false
	}
	return p.Labels[len(p.Labels)-1], true
}

// pushLabel puts a label on the stack and turns the packet into an MPLS packet
func (p *Packet) pushLabel(label int) {
	p.Labels = append(p.Labels, LabelEntry{Label: label, EXP: p.GoS.Level(), TTL: p.TTL})
	p.Type = MPLSPacket
}

// swapLabel replaces the label on top of the stack
func (p *Packet) swapLabel(label int) bool {
	if len(p.Labels) == 0 {
		return false
	}
	p.Labels[len(p.Labels)-1].Label = label
	return true
}

// popLabel removes the top label.  An empty stack returns the packet to IPv4.
func (p *Packet) popLabel() bool {
	if len(p.Labels) == 0 {
		return false
	}
	p.Labels = p.Labels[:len(p.Labels)-1]
	if len(p.Labels) == 0 {
		p.Type = IPv4Packet
	}
	return true
}

// stampTraversed records an active node's address, keeping the last few
func (p *Packet) stampTraversed(addr netip.Addr) {
	p.Traversed = append(p.Traversed, addr)
	if len(p.Traversed) > traversedDepth {
		p.Traversed = p.Traversed[len(p.Traversed)-traversedDepth:]
	}
}

// describe gives a short identification for log messages
func (p *Packet) describe() string {
	switch p.Type {
	case TLDPPacket:
		return fmt.Sprintf("%s/%s %s->%s", p.Type, p.TLDP.Msg, p.Src, p.Dst)
	case GPSRPPacket:
		return fmt.Sprintf("%s/%s %s->%s", p.Type, p.GPSRP.Msg, p.Src, p.Dst)
	}
	return fmt.Sprintf("%s flow %d pckt %d %s->%s", p.Type, p.FlowID, p.ID, p.Src, p.Dst)
}
