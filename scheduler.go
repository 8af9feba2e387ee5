package gosmpls

// scheduler.go holds the time-ordered structure a link uses to hold packets
// while they propagate.  Packets leave in order of the simulated time at which
// they reach the far end; packets due at the same time leave in the order they
// were sent.

import (
	"container/heap"
)

// transit describes one packet in flight on a link
type transit struct {
	pckt  *Packet
	due   int64 // simulated ns at which the packet reaches the far end
	seq   uint64
	toEnd int // 0 if travelling toward end A, 1 toward end B
}

// dueHeap and its methods implement a min-priority heap on the
// due time of packets in transit
type dueHeap []*transit

func (h dueHeap) Len() int { return len(h) }
func (h dueHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}
func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) {
	*h = append(*h, x.(*transit))
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// TransitScheduler holds the packets in flight on a link.  It is not
// safe for concurrent use; the owning link guards it.
type TransitScheduler struct {
	inflight dueHeap
	nxtSeq   uint64
}

// createTransitScheduler is a constructor
func createTransitScheduler() *TransitScheduler {
	ts := new(TransitScheduler)
	ts.inflight = []*transit{}
	heap.Init(&ts.inflight)
	return ts
}

// schedule puts a packet in flight, due at the given time
func (ts *TransitScheduler) schedule(pckt *Packet, due int64, toEnd int) {
	ts.nxtSeq += 1
	heap.Push(&ts.inflight, &transit{pckt: pckt, due: due, seq: ts.nxtSeq, toEnd: toEnd})
}

// releaseDue removes and returns, in order, every packet due at or before bound
func (ts *TransitScheduler) releaseDue(bound int64) []*transit {
	released := []*transit{}
	for len(ts.inflight) > 0 && ts.inflight[0].due <= bound {
		released = append(released, heap.Pop(&ts.inflight).(*transit))
	}
	return released
}

// releaseAll empties the scheduler, returning what was in flight in due order
func (ts *TransitScheduler) releaseAll() []*transit {
	released := []*transit{}
	for len(ts.inflight) > 0 {
		released = append(released, heap.Pop(&ts.inflight).(*transit))
	}
	return released
}

// Len returns the number of packets in flight
func (ts *TransitScheduler) Len() int {
	return len(ts.inflight)
}
