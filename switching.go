package gosmpls

// switching.go holds the per-node switching table (the label/FEC information
// base) and the entries it is made of.  Entries are looked up by
// (inbound port, key, key kind), where the key is either a FEC computed from
// an unlabeled packet or an incoming label this node handed to its upstream
// neighbor.
//
// The outbound label field of an entry doubles as the state of the label
// distribution state machine: negative values are states, values of 16
// and up are labels handed to us by the downstream neighbor.

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
)

// label values below FirstUnreservedLabel are never assigned
const (
	FirstUnreservedLabel = 16
	MaxLabel             = 1<<20 - 1
)

// label state sentinels
const (
	LabelUndefined   = -1
	LabelRequesting  = -2
	LabelDenied      = -3
	LabelWithdrawing = -4
	LabelRemoved     = -5
	LabelGranted     = -6 // granted, no concrete label needed (Noop and Pop)
)

var labelStateToStr map[int]string = map[int]string{
	LabelUndefined: "undefined", LabelRequesting: "requesting", LabelDenied: "denied",
	LabelWithdrawing: "withdrawing", LabelRemoved: "removed", LabelGranted: "granted",
}

// LabelString renders a label or state for logs
func LabelString(label int) string {
	if str, present := labelStateToStr[label]; present {
		return str
	}
	return fmt.Sprintf("%d", label)
}

// labelUsable is true for values that allow an entry to forward
func labelUsable(label int) bool {
	return label == LabelGranted || label >= FirstUnreservedLabel
}

// labelPending is true while a leg waits on its downstream neighbor
func labelPending(label int) bool {
	return label == LabelRequesting
}

// validLabelTransition enumerates the moves the state machine may make.
// A concrete label may only be reached from Requesting (grant received),
// except that the egress may grant itself from Undefined.
func validLabelTransition(from, to int) bool {
	if from == to {
		return true
	}
	concrete := to >= FirstUnreservedLabel
	switch from {
	case LabelUndefined:
		return to == LabelRequesting || to == LabelGranted || to == LabelWithdrawing || to == LabelRemoved
	case LabelRequesting:
		return concrete || to == LabelGranted || to == LabelDenied || to == LabelWithdrawing || to == LabelRemoved
	case LabelDenied:
		return to == LabelWithdrawing || to == LabelRemoved
	case LabelWithdrawing:
		return to == LabelRemoved
	case LabelRemoved:
		return false
	}
	// granted, concrete or not
	return to == LabelWithdrawing || to == LabelRemoved
}

// KeyKind says how an entry's key is to be interpreted
type KeyKind int

const (
	FECKey KeyKind = iota
	LabelKey
)

func (kk KeyKind) String() string {
	if kk == FECKey {
		return "FEC"
	}
	return "LABEL"
}

// Operation is what an entry does to the label stack
type Operation int

const (
	OpUndefined Operation = iota
	OpPush
	OpPop
	OpSwap
	OpNoop
)

var opToStr map[Operation]string = map[Operation]string{
	OpUndefined: "undefined", OpPush: "push", OpPop: "pop", OpSwap: "swap", OpNoop: "noop",
}

func (op Operation) String() string {
	return opToStr[op]
}

// operationFor derives the forwarding operation from the kinds of the
// inbound and outbound links
func operationFor(in, out LinkKind) Operation {
	switch {
	case in == ExternalLink && out == ExternalLink:
		return OpNoop
	case in == ExternalLink && out == InternalLink:
		return OpPush
	case in == InternalLink && out == ExternalLink:
		return OpPop
	}
	return OpSwap
}

// Classify maps an unlabeled packet to its FEC.  The value is a best-effort
// polynomial hash of the source and destination addresses; distinct pairs
// may collide.
func Classify(pckt *Packet) int {
	return fecHash(pckt.Src, pckt.Dst)
}

func fecHash(src, dst netip.Addr) int {
	var hash int32 = 0
	for _, c := range src.String() + dst.String() {
		hash = 31*hash + int32(c)
	}
	return int(hash & 0x7fffffff)
}

// SwitchingEntry is the unit of forwarding state
type SwitchingEntry struct {
	ID          int
	Kind        KeyKind
	InPort      int
	Key         int
	Source      netip.Addr
	Destination netip.Addr
	Operation   Operation
	GoS         GoS

	Label         int
	LabelBackup   int
	OutPort       int
	OutPortBackup int

	Session         int
	UpstreamSession int // 0 when this node originated the request

	ForBackup       bool
	BackupRequested bool

	hops int // request hops from the LSP head

	// the primary leg was the backup leg before a failover
	promoted bool

	Attempts       int
	Timeout        int
	AttemptsBackup int
	TimeoutBackup  int

	// legs awaiting a withdraw acknowledgement
	pendingUp     bool
	pendingDown   bool
	pendingBackup bool

	// whether this entry has counted itself on its outbound links
	marked       bool
	markedBackup bool

	removed bool
}

// noPort marks an absent outbound port
const noPort = -1

// HasBackup is true when a backup leg has been set up or is being set up
func (se *SwitchingEntry) HasBackup() bool {
	return se.OutPortBackup != noPort
}

// Forwards is true when the primary leg may carry data
func (se *SwitchingEntry) Forwards() bool {
	return !se.removed && labelUsable(se.Label)
}

func (se *SwitchingEntry) String() string {
	return fmt.Sprintf("entry %d %s(%d,%d) %s out %d label %s backup %d/%s",
		se.ID, se.Kind, se.InPort, se.Key, se.Operation, se.OutPort,
		LabelString(se.Label), se.OutPortBackup, LabelString(se.LabelBackup))
}

var errNoFreeLabel = errors.New("no free label")

// SwitchingTable holds a node's entries.  All access from the owning node
// happens with mu held; size is readable without it by path computation.
type SwitchingTable struct {
	mu      sync.Mutex
	entries []*SwitchingEntry
	size    atomic.Int64

	nxtEntry  int
	nxtLabel  int
	usedLabel map[int]bool
}

// createSwitchingTable is a constructor
func createSwitchingTable() *SwitchingTable {
	tbl := new(SwitchingTable)
	tbl.entries = make([]*SwitchingEntry, 0)
	tbl.nxtLabel = FirstUnreservedLabel
	tbl.usedLabel = make(map[int]bool)
	return tbl
}

// Size returns the number of live entries
func (tbl *SwitchingTable) Size() int {
	return int(tbl.size.Load())
}

// lookup returns the live entry with the given key, nil if none.  Caller holds mu.
func (tbl *SwitchingTable) lookup(inPort, key int, kind KeyKind) *SwitchingEntry {
	for _, entry := range tbl.entries {
		if !entry.removed && entry.Kind == kind && entry.InPort == inPort && entry.Key == key {
			return entry
		}
	}
	return nil
}

// bySession returns the live entry with the given own session id
func (tbl *SwitchingTable) bySession(session int) *SwitchingEntry {
	for _, entry := range tbl.entries {
		if !entry.removed && entry.Session == session {
			return entry
		}
	}
	return nil
}

// byUpstream returns the live entry created for a request arriving on inPort
// from upstream session, with the given backup flag
func (tbl *SwitchingTable) byUpstream(inPort, session int, forBackup bool) *SwitchingEntry {
	for _, entry := range tbl.entries {
		if !entry.removed && entry.InPort == inPort && entry.UpstreamSession == session &&
			entry.ForBackup == forBackup && entry.UpstreamSession != 0 {
			return entry
		}
	}
	return nil
}

// createEntry allocates a new entry and adds it to the table.  Caller holds mu.
func (tbl *SwitchingTable) createEntry(kind KeyKind, inPort, key int, dst netip.Addr, op Operation, outPort int) *SwitchingEntry {
	tbl.nxtEntry += 1
	entry := &SwitchingEntry{ID: tbl.nxtEntry, Kind: kind, InPort: inPort, Key: key, Destination: dst,
		Operation: op, Label: LabelUndefined, LabelBackup: LabelUndefined,
		OutPort: outPort, OutPortBackup: noPort}
	tbl.entries = append(tbl.entries, entry)
	tbl.size.Add(1)
	return entry
}

// allocateLabel hands out the next free incoming label
func (tbl *SwitchingTable) allocateLabel() (int, error) {
	for tries := 0; tries <= MaxLabel-FirstUnreservedLabel; tries++ {
		label := tbl.nxtLabel
		tbl.nxtLabel += 1
		if tbl.nxtLabel > MaxLabel {
			tbl.nxtLabel = FirstUnreservedLabel
		}
		if !tbl.usedLabel[label] {
			tbl.usedLabel[label] = true
			return label, nil
		}
	}
	return 0, errNoFreeLabel
}

// setLabel moves an entry's primary leg to a new state, refusing illegal moves
func (tbl *SwitchingTable) setLabel(entry *SwitchingEntry, label int) bool {
	if !validLabelTransition(entry.Label, label) {
		return false
	}
	entry.Label = label
	return true
}

// setBackupLabel moves an entry's backup leg to a new state
func (tbl *SwitchingTable) setBackupLabel(entry *SwitchingEntry, label int) bool {
	if !validLabelTransition(entry.LabelBackup, label) {
		return false
	}
	entry.LabelBackup = label
	return true
}

// remove soft-deletes an entry and frees its incoming label.  The slot is
// reclaimed by compact, so removal is safe while walking entries.
func (tbl *SwitchingTable) remove(entry *SwitchingEntry) {
	if entry.removed {
		return
	}
	entry.removed = true
	entry.Label = LabelRemoved
	if entry.Kind == LabelKey && entry.Key >= FirstUnreservedLabel {
		delete(tbl.usedLabel, entry.Key)
	}
	tbl.size.Add(-1)
}

// compact drops removed entries, preserving order
func (tbl *SwitchingTable) compact() {
	kept := tbl.entries[:0]
	for _, entry := range tbl.entries {
		if !entry.removed {
			kept = append(kept, entry)
		}
	}
	for idx := len(kept); idx < len(tbl.entries); idx++ {
		tbl.entries[idx] = nil
	}
	tbl.entries = kept
}

// each calls fn on every live entry in creation order.  fn may remove entries.
func (tbl *SwitchingTable) each(fn func(*SwitchingEntry)) {
	for idx := 0; idx < len(tbl.entries); idx++ {
		entry := tbl.entries[idx]
		if entry.removed {
			continue
		}
		fn(entry)
	}
}

// Entries returns copies of the live entries, for inspection
func (tbl *SwitchingTable) Entries() []SwitchingEntry {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	rtn := make([]SwitchingEntry, 0, len(tbl.entries))
	for _, entry := range tbl.entries {
		if !entry.removed {
			rtn = append(rtn, *entry)
		}
	}
	return rtn
}

// reset empties the table
func (tbl *SwitchingTable) reset() {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tbl.entries = make([]*SwitchingEntry, 0)
	tbl.size.Store(0)
	tbl.nxtEntry = 0
	tbl.nxtLabel = FirstUnreservedLabel
	tbl.usedLabel = make(map[int]bool)
}
