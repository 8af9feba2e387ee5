package gosmpls

// port.go models the ports of a node.  Each port owns an inbound queue that
// links deliver into, and remembers which link (if any) is attached to it.
// Queues at routers are bounded by the node's buffer size, queues at hosts are not.

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var errPortBound = errors.New("port already bound to a link")

// queuedPacket remembers the tick on which a packet reached the queue.
// A packet becomes eligible for service on the tick after it arrived.
type queuedPacket struct {
	pckt    *Packet
	arrived uint64
}

// Port is one attachment point on a node
type Port struct {
	number int
	node   *Node
	link   atomic.Pointer[Link]

	bounded  bool
	capacity int64 // octets, meaningful only when bounded
	priority bool  // serve by GoS level rather than arrival order

	mu        sync.Mutex
	queue     []queuedPacket
	occupancy atomic.Int64

	received atomic.Int64
	dropped  atomic.Int64
}

// createPort is a constructor
func createPort(node *Node, number int, bounded bool, capacity int64, priority bool) *Port {
	port := new(Port)
	port.node = node
	port.number = number
	port.bounded = bounded
	port.capacity = capacity
	port.priority = priority
	port.queue = make([]queuedPacket, 0)
	return port
}

// Number returns the port's index on its node
func (port *Port) Number() int {
	return port.number
}

// Node returns the node the port belongs to
func (port *Port) Node() *Node {
	return port.node
}

// Link returns the attached link, nil if none
func (port *Port) Link() *Link {
	return port.link.Load()
}

// Bound is true if a link is attached
func (port *Port) Bound() bool {
	return port.link.Load() != nil
}

// usable is true when a link is attached and up
func (port *Port) usable() bool {
	link := port.link.Load()
	return link != nil && !link.IsDown()
}

// linkKind returns the kind of the attached link, External when none
func (port *Port) linkKind() LinkKind {
	link := port.link.Load()
	if link == nil {
		return ExternalLink
	}
	return link.Kind()
}

// peer returns the node at the other end of the attached link
func (port *Port) peer() *Node {
	link := port.link.Load()
	if link == nil {
		return nil
	}
	far := link.farEnd(port)
	if far == nil {
		return nil
	}
	return far.node
}

func (port *Port) bind(link *Link) error {
	if !port.link.CompareAndSwap(nil, link) {
		return fmt.Errorf("%s port %d: %w", port.node.name, port.number, errPortBound)
	}
	return nil
}

func (port *Port) unbind(link *Link) {
	port.link.CompareAndSwap(link, nil)
}

// enqueue places an arriving packet in the inbound queue.
// False is returned, and nothing queued, if a bounded queue would overflow.
func (port *Port) enqueue(pckt *Packet, tick uint64) bool {
	port.mu.Lock()
	defer port.mu.Unlock()
	if port.bounded && port.occupancy.Load()+int64(pckt.Size) > port.capacity {
		port.dropped.Add(1)
		return false
	}
	port.queue = append(port.queue, queuedPacket{pckt: pckt, arrived: tick})
	port.occupancy.Add(int64(pckt.Size))
	port.received.Add(1)
	return true
}

// dequeueStatus says why dequeue did or did not return a packet
type dequeueStatus int

const (
	dqEmpty   dequeueStatus = iota // nothing eligible on this tick
	dqRefused                      // eligible packet left in place by fits
	dqTaken
)

// dequeue removes and returns the next packet eligible on the given tick.
// fits is consulted before removal; when it refuses, the packet stays queued.
func (port *Port) dequeue(tick uint64, fits func(*Packet) bool) (queuedPacket, dequeueStatus) {
	port.mu.Lock()
	defer port.mu.Unlock()

	chosen := -1
	for idx, qp := range port.queue {
		if qp.arrived >= tick {
			// arrivals are appended in tick order, later ones are no older
			if !port.priority {
				break
			}
			continue
		}
		if chosen == -1 {
			chosen = idx
			if !port.priority {
				break
			}
			continue
		}
		if qp.pckt.GoS.Level() > port.queue[chosen].pckt.GoS.Level() {
			chosen = idx
		}
	}
	if chosen == -1 {
		return queuedPacket{}, dqEmpty
	}
	qp := port.queue[chosen]
	if fits != nil && !fits(qp.pckt) {
		return queuedPacket{}, dqRefused
	}
	port.queue = append(port.queue[:chosen], port.queue[chosen+1:]...)
	port.occupancy.Add(-int64(qp.pckt.Size))
	return qp, dqTaken
}

// requeueFront puts held packets back at the head of the queue, in order
func (port *Port) requeueFront(held []queuedPacket) {
	if len(held) == 0 {
		return
	}
	port.mu.Lock()
	defer port.mu.Unlock()
	queue := make([]queuedPacket, 0, len(held)+len(port.queue))
	queue = append(queue, held...)
	port.queue = append(queue, port.queue...)
	for _, qp := range held {
		port.occupancy.Add(int64(qp.pckt.Size))
	}
}

// drain empties the queue and returns what it held
func (port *Port) drain() []queuedPacket {
	port.mu.Lock()
	defer port.mu.Unlock()
	held := port.queue
	port.queue = make([]queuedPacket, 0)
	port.occupancy.Store(0)
	return held
}

// Len returns the number of queued packets
func (port *Port) Len() int {
	port.mu.Lock()
	defer port.mu.Unlock()
	return len(port.queue)
}

// Congestion returns queue occupancy as a percentage of capacity
func (port *Port) Congestion() int {
	if !port.bounded || port.capacity <= 0 {
		return 0
	}
	pct := port.occupancy.Load() * 100 / port.capacity
	return int(min(pct, 100))
}

func (port *Port) reset() {
	port.drain()
	port.received.Store(0)
	port.dropped.Store(0)
}
