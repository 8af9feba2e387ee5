package gosmpls

// events.go defines the discrete notifications the engine emits and the
// single-subscriber sink each element carries.

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSinkRegistered is returned when a second subscriber is offered to an element
var ErrSinkRegistered = errors.New("event sink already registered")

// EventKind enumerates simulation events
type EventKind int

const (
	PacketGenerated EventKind = iota
	PacketSent
	PacketReceived
	PacketSwitched
	PacketDiscarded
	PacketStoredForReplay
	PacketFoundInReplay
	PacketNotFoundInReplay
	PacketRetransmitted
	LinkCongested
	LinkDown
	LinkRecovered
	NodeCongested
	LabelRequested
	LabelReceived
	LabelAssigned
	LabelDeniedEvt
	LabelWithdrawn
	LSPEstablished
	LSPNotEstablished
	LSPWithdrawn
	BackupLSPEstablished
	BackupLSPNotEstablished
	BackupLSPWithdrawn
	BackupLSPActivated
	ReplayRequested
	ElementFailed
)

var evtKindToStr map[EventKind]string = map[EventKind]string{
	PacketGenerated:         "packet-generated",
	PacketSent:              "packet-sent",
	PacketReceived:          "packet-received",
	PacketSwitched:          "packet-switched",
	PacketDiscarded:         "packet-discarded",
	PacketStoredForReplay:   "packet-stored-for-replay",
	PacketFoundInReplay:     "packet-found-in-replay",
	PacketNotFoundInReplay:  "packet-not-found-in-replay",
	PacketRetransmitted:     "packet-retransmitted",
	LinkCongested:           "link-congested",
	LinkDown:                "link-down",
	LinkRecovered:           "link-recovered",
	NodeCongested:           "node-congested",
	LabelRequested:          "label-requested",
	LabelReceived:           "label-received",
	LabelAssigned:           "label-assigned",
	LabelDeniedEvt:          "label-denied",
	LabelWithdrawn:          "label-withdrawn",
	LSPEstablished:          "lsp-established",
	LSPNotEstablished:       "lsp-not-established",
	LSPWithdrawn:            "lsp-withdrawn",
	BackupLSPEstablished:    "backup-lsp-established",
	BackupLSPNotEstablished: "backup-lsp-not-established",
	BackupLSPWithdrawn:      "backup-lsp-withdrawn",
	BackupLSPActivated:      "backup-lsp-activated",
	ReplayRequested:         "replay-requested",
	ElementFailed:           "element-failed",
}

func (k EventKind) String() string {
	str, present := evtKindToStr[k]
	if !present {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return str
}

// SimEvent is one notification.  Packet fields are zero for events that
// do not concern a packet.
type SimEvent struct {
	ID         int
	Kind       EventKind
	Element    string
	ElementID  int
	Tick       uint64
	TimeNs     int64
	PacketType PacketType
	FlowID     int
	PacketID   int
	Label      int
	Size       int
	Detail     string
}

// EventSink consumes simulation events.  Consume is called from the
// element's tick goroutine, so implementations must be safe for concurrent use.
type EventSink interface {
	Consume(ev SimEvent)
}

// EventSinkFunc adapts a function to the EventSink interface
type EventSinkFunc func(ev SimEvent)

func (f EventSinkFunc) Consume(ev SimEvent) {
	f(ev)
}

// eventSource is embedded by nodes and links.  It holds the single
// subscriber and the generator the element draws event ids from.
type eventSource struct {
	mu     sync.Mutex
	sink   EventSink
	evtIDs *IDGenerator
}

// SetEventSink attaches the subscriber.  Offering a second one is a
// configuration error.
func (es *eventSource) SetEventSink(sink EventSink) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.sink != nil {
		return ErrSinkRegistered
	}
	es.sink = sink
	return nil
}

// hasSink reports whether anyone is listening
func (es *eventSource) hasSink() bool {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.sink != nil
}

// emit stamps an id on the event and hands it to the subscriber.
// The returned error is non-nil only when the event-id space is exhausted.
func (es *eventSource) emit(ev SimEvent) error {
	es.mu.Lock()
	sink := es.sink
	es.mu.Unlock()
	if sink == nil {
		return nil
	}
	if es.evtIDs != nil {
		id, err := es.evtIDs.Next()
		if err != nil {
			return err
		}
		ev.ID = id
	}
	sink.Consume(ev)
	return nil
}

// packetEvent fills in the packet fields of an event
func packetEvent(kind EventKind, p *Packet) SimEvent {
	ev := SimEvent{Kind: kind, PacketType: p.Type, FlowID: p.FlowID, PacketID: p.ID, Size: p.Size}
	if top, ok := p.TopLabel(); ok {
		ev.Label = top.Label
	}
	return ev
}
