package gosmpls

// ldp.go holds the label distribution protocol a router runs with its
// neighbors: request, grant, deny, withdraw and withdraw-ack handling, the
// per-tick retry sweep and the per-tick link-health check.
//
// Every function here is called with the node's table lock held.
//
// An entry has up to three legs:
//   - up, toward the neighbor that asked us for a label (absent at the LSP head)
//   - down, toward the neighbor that gives us the primary outgoing label
//   - backup, toward the neighbor that gives us the backup outgoing label
//
// Withdrawal sends a withdraw on every live leg except the one it came from
// and removes the entry once each of those legs has acknowledged.  When the
// retries run out while withdrawing the entry is dropped without waiting,
// which can leave a peer holding a half-open mirror entry.

import (
	"fmt"
)

// withdrawal origins
type ldpLeg int

const (
	legNone ldpLeg = iota
	legUp
	legDown
	legBackup
)

// maximum number of hops a label request may travel
const maxRequestHops = 64

// handleTLDP dispatches a signaling packet addressed to this node
func (node *Node) handleTLDP(port *Port, pckt *Packet) {
	payload := *pckt.TLDP
	node.logger.Debug("tldp received", "msg", payload.Msg.String(), "port", port.number,
		"session", payload.Session, "label", payload.Label, "backup", payload.Backup)

	switch payload.Msg {
	case TLDPRequest:
		node.onLabelRequest(port, pckt, payload)
	case TLDPGrant:
		node.onLabelGrant(port, payload)
	case TLDPDeny:
		node.onLabelDeny(port, payload)
	case TLDPWithdraw:
		node.onWithdraw(port, payload)
	case TLDPWithdrawAck:
		node.onWithdrawAck(port, payload)
	default:
		node.discard(pckt, "unknown signaling message")
	}
}

// sendTLDP sends a signaling packet to the neighbor on the port
func (node *Node) sendTLDP(portNum int, payload TLDPPayload) bool {
	port := node.Port(portNum)
	if port == nil {
		return false
	}
	peer := port.peer()
	if peer == nil {
		return false
	}
	return node.transmit(port, createTLDPPacket(node.addr, peer.addr, payload))
}

// requestLabel puts an entry's primary leg into Requesting and asks the
// downstream neighbor for a label
func (node *Node) requestLabel(entry *SwitchingEntry) {
	if !node.table.setLabel(entry, LabelRequesting) {
		node.logger.Warn("refused label transition", "entry", entry.String(), "to", "requesting")
		return
	}
	entry.Attempts = 0
	entry.Timeout = node.cfg.LDPTimeoutTicks
	node.sendRequest(entry, false)
}

// sendRequest sends a label request on the primary or the backup leg
func (node *Node) sendRequest(entry *SwitchingEntry, backupLeg bool) {
	portNum := entry.OutPort
	if backupLeg {
		portNum = entry.OutPortBackup
	}
	payload := TLDPPayload{Msg: TLDPRequest, Target: entry.Destination, Session: entry.Session,
		Backup: backupLeg || entry.ForBackup, GoS: entry.GoS, Hops: entry.hops + 1}
	node.sendTLDP(portNum, payload)
	node.report(SimEvent{Kind: LabelRequested, Detail: fmt.Sprintf("session %d port %d backup %v",
		entry.Session, portNum, payload.Backup)})
}

// sendGrant tells the upstream neighbor which label to use toward us
func (node *Node) sendGrant(entry *SwitchingEntry) {
	node.sendTLDP(entry.InPort, TLDPPayload{Msg: TLDPGrant, Session: entry.UpstreamSession,
		Label: entry.Key, Backup: entry.ForBackup})
}

// sendDeny tells the upstream neighbor no label will be given
func (node *Node) sendDeny(entry *SwitchingEntry) {
	node.sendTLDP(entry.InPort, TLDPPayload{Msg: TLDPDeny, Session: entry.UpstreamSession,
		Backup: entry.ForBackup})
}

// sendWithdraw sends a withdraw on one leg of an entry
func (node *Node) sendWithdraw(entry *SwitchingEntry, leg ldpLeg) {
	switch leg {
	case legUp:
		node.sendTLDP(entry.InPort, TLDPPayload{Msg: TLDPWithdraw, Session: entry.UpstreamSession,
			Upstream: true, Backup: entry.ForBackup})
	case legDown:
		node.sendTLDP(entry.OutPort, TLDPPayload{Msg: TLDPWithdraw, Session: entry.Session,
			Backup: entry.ForBackup || entry.promoted})
	case legBackup:
		node.sendTLDP(entry.OutPortBackup, TLDPPayload{Msg: TLDPWithdraw, Session: entry.Session,
			Backup: true})
	}
}

// onLabelRequest handles a request from the upstream neighbor on port
func (node *Node) onLabelRequest(port *Port, pckt *Packet, payload TLDPPayload) {
	tbl := node.table
	entry := tbl.byUpstream(port.number, payload.Session, payload.Backup)
	if entry != nil {
		// a retransmitted request, answer from the state we have
		switch {
		case entry.Key >= FirstUnreservedLabel && labelUsable(entry.Label):
			node.sendGrant(entry)
		case entry.Label == LabelDenied:
			node.sendDeny(entry)
		}
		return
	}

	session, err := node.sessions.Next()
	if err != nil {
		node.fail(err)
		return
	}
	entry = tbl.createEntry(LabelKey, port.number, LabelUndefined, payload.Target, OpUndefined, noPort)
	entry.Session = session
	entry.UpstreamSession = payload.Session
	entry.ForBackup = payload.Backup
	entry.GoS = payload.GoS
	entry.BackupRequested = payload.GoS.BackupRequested() && !payload.Backup
	entry.hops = payload.Hops

	// we are the destination of the LSP
	if payload.Target == node.addr {
		entry.Operation = OpPop
		node.grantLocally(entry)
		return
	}

	var nh *Node
	if payload.Hops <= maxRequestHops {
		if payload.Backup {
			nh = node.nextHopExcluding(payload.Target, port.peer())
		} else {
			nh = node.nextHopFor(payload.Target, false)
		}
	}
	var outPort *Port
	if nh != nil && nh != port.peer() {
		outPort = node.portToward(nh)
	}
	if outPort == nil {
		node.report(SimEvent{Kind: LabelDeniedEvt, Detail: "no route to " + payload.Target.String()})
		node.sendDeny(entry)
		tbl.remove(entry)
		return
	}
	entry.OutPort = outPort.number
	entry.Operation = operationFor(port.linkKind(), outPort.linkKind())

	// egress of the domain for this destination
	if outPort.linkKind() == ExternalLink {
		node.grantLocally(entry)
		return
	}
	node.requestLabel(entry)
}

// grantLocally is used at the egress: allocate the incoming label and grant it
// without asking anyone downstream
func (node *Node) grantLocally(entry *SwitchingEntry) {
	label, err := node.table.allocateLabel()
	if err != nil {
		node.report(SimEvent{Kind: LabelDeniedEvt, Detail: err.Error()})
		node.sendDeny(entry)
		node.table.remove(entry)
		return
	}
	entry.Key = label
	node.table.setLabel(entry, LabelGranted)
	node.report(SimEvent{Kind: LabelAssigned, Label: label})
	node.sendGrant(entry)
}

// isBackupLeg decides whether an upstream-travelling message arriving on
// portNum refers to the entry's backup leg rather than its primary one
func isBackupLeg(entry *SwitchingEntry, portNum int, payload TLDPPayload) bool {
	if !payload.Backup || entry.ForBackup {
		return false
	}
	return !(entry.promoted && portNum == entry.OutPort)
}

// onLabelGrant handles a grant from a downstream neighbor
func (node *Node) onLabelGrant(port *Port, payload TLDPPayload) {
	tbl := node.table
	entry := tbl.bySession(payload.Session)
	if entry == nil {
		return
	}

	if isBackupLeg(entry, port.number, payload) {
		if !labelPending(entry.LabelBackup) || entry.OutPortBackup != port.number {
			return
		}
		if !tbl.setBackupLabel(entry, payload.Label) {
			return
		}
		node.markLeg(entry, legBackup)
		node.report(SimEvent{Kind: LabelReceived, Label: payload.Label, Detail: "backup"})
		node.report(SimEvent{Kind: BackupLSPEstablished, Label: payload.Label})
		return
	}

	if !labelPending(entry.Label) || entry.OutPort != port.number {
		return
	}
	if !tbl.setLabel(entry, payload.Label) {
		node.logger.Warn("refused label transition", "entry", entry.String(), "to", payload.Label)
		return
	}
	node.markLeg(entry, legDown)
	node.report(SimEvent{Kind: LabelReceived, Label: payload.Label})

	if entry.UpstreamSession != 0 {
		label, err := tbl.allocateLabel()
		if err != nil {
			node.report(SimEvent{Kind: LabelDeniedEvt, Detail: err.Error()})
			node.sendDeny(entry)
			entry.UpstreamSession = 0
			node.withdrawEntry(entry, legUp)
			return
		}
		entry.Key = label
		node.report(SimEvent{Kind: LabelAssigned, Label: label})
		node.sendGrant(entry)
	} else {
		node.report(SimEvent{Kind: LSPEstablished, Label: payload.Label})
	}

	if entry.BackupRequested && node.role.Active() && !entry.ForBackup {
		node.setupBackup(entry)
	}
}

// onLabelDeny handles a deny from a downstream neighbor
func (node *Node) onLabelDeny(port *Port, payload TLDPPayload) {
	tbl := node.table
	entry := tbl.bySession(payload.Session)
	if entry == nil {
		return
	}
	if isBackupLeg(entry, port.number, payload) {
		if !labelPending(entry.LabelBackup) || entry.OutPortBackup != port.number {
			return
		}
		tbl.setBackupLabel(entry, LabelDenied)
		node.clearBackup(entry)
		node.report(SimEvent{Kind: BackupLSPNotEstablished, Detail: "denied"})
		return
	}
	if !labelPending(entry.Label) || entry.OutPort != port.number {
		return
	}
	node.denyEntry(entry, "denied downstream")
}

// denyEntry moves a requesting primary leg to Denied and tells upstream
func (node *Node) denyEntry(entry *SwitchingEntry, reason string) {
	tbl := node.table
	tbl.setLabel(entry, LabelDenied)
	node.report(SimEvent{Kind: LabelDeniedEvt, Detail: reason})
	if entry.UpstreamSession != 0 {
		node.sendDeny(entry)
		tbl.remove(entry)
		return
	}
	if entry.ForBackup {
		node.report(SimEvent{Kind: BackupLSPNotEstablished, Detail: reason})
	} else {
		node.report(SimEvent{Kind: LSPNotEstablished, Detail: reason})
	}
}

// onWithdraw handles a withdraw from either neighbor.  It is always acknowledged.
func (node *Node) onWithdraw(port *Port, payload TLDPPayload) {
	tbl := node.table
	ack := TLDPPayload{Msg: TLDPWithdrawAck, Session: payload.Session, Backup: payload.Backup,
		Upstream: !payload.Upstream}
	node.sendTLDP(port.number, ack)

	if !payload.Upstream {
		// from the upstream neighbor
		entry := tbl.byUpstream(port.number, payload.Session, payload.Backup)
		if entry == nil {
			return
		}
		if entry.Label == LabelWithdrawing {
			entry.pendingUp = false
			node.maybeFinishWithdraw(entry)
			return
		}
		node.withdrawEntry(entry, legUp)
		return
	}

	// from a downstream neighbor
	entry := tbl.bySession(payload.Session)
	if entry == nil {
		return
	}
	if isBackupLeg(entry, port.number, payload) {
		if entry.OutPortBackup != port.number {
			return
		}
		node.unmarkLeg(entry, legBackup)
		entry.pendingBackup = false
		node.clearBackup(entry)
		node.report(SimEvent{Kind: BackupLSPWithdrawn})
		node.maybeFinishWithdraw(entry)
		return
	}
	if entry.OutPort != port.number {
		return
	}
	node.unmarkLeg(entry, legDown)
	if entry.Label == LabelWithdrawing {
		entry.pendingDown = false
		node.maybeFinishWithdraw(entry)
		return
	}
	if node.promoteBackup(entry) {
		return
	}
	node.withdrawEntry(entry, legDown)
}

// onWithdrawAck handles the acknowledgement of a withdraw we sent
func (node *Node) onWithdrawAck(port *Port, payload TLDPPayload) {
	tbl := node.table
	var entry *SwitchingEntry
	if payload.Upstream {
		// acknowledging a withdraw we sent downstream
		entry = tbl.bySession(payload.Session)
		if entry == nil {
			return
		}
		if isBackupLeg(entry, port.number, payload) {
			if entry.OutPortBackup == port.number {
				entry.pendingBackup = false
				node.unmarkLeg(entry, legBackup)
				node.clearBackup(entry)
			}
		} else if entry.OutPort == port.number {
			entry.pendingDown = false
			node.unmarkLeg(entry, legDown)
		}
	} else {
		entry = tbl.byUpstream(port.number, payload.Session, payload.Backup)
		if entry == nil {
			return
		}
		entry.pendingUp = false
	}
	node.maybeFinishWithdraw(entry)
}

// withdrawEntry starts withdrawal of an entry on every live leg except from
func (node *Node) withdrawEntry(entry *SwitchingEntry, from ldpLeg) {
	tbl := node.table
	prev := entry.Label
	if !tbl.setLabel(entry, LabelWithdrawing) {
		return
	}
	entry.Attempts = 0
	entry.Timeout = node.cfg.LDPTimeoutTicks
	node.report(SimEvent{Kind: LabelWithdrawn, Detail: fmt.Sprintf("session %d", entry.Session)})

	if from != legUp && entry.UpstreamSession != 0 && node.legAlive(entry, legUp) {
		entry.pendingUp = true
		node.sendWithdraw(entry, legUp)
	}
	// a request may still be outstanding downstream
	downLive := entry.marked || labelPending(prev)
	if from != legDown && downLive && node.legAlive(entry, legDown) {
		entry.pendingDown = true
		node.sendWithdraw(entry, legDown)
	} else {
		node.unmarkLeg(entry, legDown)
	}
	if entry.HasBackup() {
		if from != legBackup && node.legAlive(entry, legBackup) {
			entry.pendingBackup = true
			node.sendWithdraw(entry, legBackup)
		} else {
			node.unmarkLeg(entry, legBackup)
			node.clearBackup(entry)
		}
	}
	node.maybeFinishWithdraw(entry)
}

// legAlive is true when the leg's port has a link that is up and internal
func (node *Node) legAlive(entry *SwitchingEntry, leg ldpLeg) bool {
	portNum := noPort
	switch leg {
	case legUp:
		portNum = entry.InPort
	case legDown:
		portNum = entry.OutPort
	case legBackup:
		portNum = entry.OutPortBackup
	}
	port := node.Port(portNum)
	return port != nil && port.usable() && port.linkKind() == InternalLink
}

// maybeFinishWithdraw removes a withdrawing entry whose legs have all acknowledged
func (node *Node) maybeFinishWithdraw(entry *SwitchingEntry) {
	if entry.Label != LabelWithdrawing {
		return
	}
	if entry.pendingUp || entry.pendingDown || entry.pendingBackup {
		return
	}
	node.dropEntry(entry)
}

// dropEntry removes an entry outright, releasing what it holds on its links
func (node *Node) dropEntry(entry *SwitchingEntry) {
	node.unmarkLeg(entry, legDown)
	node.unmarkLeg(entry, legBackup)
	node.table.remove(entry)
	if entry.ForBackup {
		node.report(SimEvent{Kind: BackupLSPWithdrawn, Detail: fmt.Sprintf("session %d", entry.Session)})
	} else {
		node.report(SimEvent{Kind: LSPWithdrawn, Detail: fmt.Sprintf("session %d", entry.Session)})
	}
}

// markLeg counts the entry on the link its leg crosses
func (node *Node) markLeg(entry *SwitchingEntry, leg ldpLeg) {
	switch leg {
	case legDown:
		if entry.marked {
			return
		}
		if port := node.Port(entry.OutPort); port != nil && port.Link() != nil && port.linkKind() == InternalLink {
			port.Link().markLSP(entry.ForBackup, 1)
			entry.marked = true
		}
	case legBackup:
		if entry.markedBackup {
			return
		}
		if port := node.Port(entry.OutPortBackup); port != nil && port.Link() != nil && port.linkKind() == InternalLink {
			port.Link().markLSP(true, 1)
			entry.markedBackup = true
		}
	}
}

// unmarkLeg undoes markLeg
func (node *Node) unmarkLeg(entry *SwitchingEntry, leg ldpLeg) {
	switch leg {
	case legDown:
		if !entry.marked {
			return
		}
		if port := node.Port(entry.OutPort); port != nil && port.Link() != nil {
			port.Link().markLSP(entry.ForBackup, -1)
		}
		entry.marked = false
	case legBackup:
		if !entry.markedBackup {
			return
		}
		if port := node.Port(entry.OutPortBackup); port != nil && port.Link() != nil {
			port.Link().markLSP(true, -1)
		}
		entry.markedBackup = false
	}
}

// retrySweep runs once per tick over every entry, resending requests and
// withdraws whose timeout has elapsed
func (node *Node) retrySweep() {
	tbl := node.table
	tbl.each(func(entry *SwitchingEntry) {
		switch entry.Label {
		case LabelRequesting:
			entry.Timeout -= 1
			if entry.Timeout > 0 {
				break
			}
			if entry.Attempts < node.cfg.LDPAttempts {
				entry.Attempts += 1
				entry.Timeout = node.cfg.LDPTimeoutTicks
				node.sendRequest(entry, false)
				break
			}
			node.denyEntry(entry, "no response")

		case LabelWithdrawing:
			entry.Timeout -= 1
			if entry.Timeout > 0 {
				return
			}
			if entry.Attempts < node.cfg.LDPAttempts {
				entry.Attempts += 1
				entry.Timeout = node.cfg.LDPTimeoutTicks
				if entry.pendingUp {
					node.sendWithdraw(entry, legUp)
				}
				if entry.pendingDown {
					node.sendWithdraw(entry, legDown)
				}
				if entry.pendingBackup {
					node.sendWithdraw(entry, legBackup)
				}
				return
			}
			// give up on the acknowledgements
			node.logger.Debug("withdraw retries exhausted, dropping entry", "entry", entry.String())
			node.dropEntry(entry)
			return
		}

		if entry.removed || !entry.HasBackup() {
			return
		}
		switch {
		case labelPending(entry.LabelBackup):
			entry.TimeoutBackup -= 1
			if entry.TimeoutBackup > 0 {
				return
			}
			if entry.AttemptsBackup < node.cfg.LDPAttempts {
				entry.AttemptsBackup += 1
				entry.TimeoutBackup = node.cfg.LDPTimeoutTicks
				node.sendRequest(entry, true)
				return
			}
			node.clearBackup(entry)
			node.report(SimEvent{Kind: BackupLSPNotEstablished, Detail: "no response"})

		case entry.pendingBackup:
			entry.TimeoutBackup -= 1
			if entry.TimeoutBackup > 0 {
				return
			}
			if entry.AttemptsBackup < node.cfg.LDPAttempts {
				entry.AttemptsBackup += 1
				entry.TimeoutBackup = node.cfg.LDPTimeoutTicks
				node.sendWithdraw(entry, legBackup)
				return
			}
			entry.pendingBackup = false
			node.unmarkLeg(entry, legBackup)
			node.clearBackup(entry)
		}
	})
}

// checkLinkHealth runs once per tick, before the retry sweep.  Entries whose
// outbound link is down fail over to a live backup leg or are withdrawn toward
// upstream; entries whose inbound link is down are withdrawn downstream.
// Entries that cannot be withdrawn over an internal link are dropped.
func (node *Node) checkLinkHealth() {
	node.table.each(func(entry *SwitchingEntry) {
		if entry.Label == LabelWithdrawing {
			return
		}
		if entry.HasBackup() && !node.portUsable(entry.OutPortBackup) {
			node.unmarkLeg(entry, legBackup)
			node.clearBackup(entry)
			node.report(SimEvent{Kind: BackupLSPWithdrawn, Detail: "link down"})
		}

		outDown := entry.OutPort != noPort && !node.portUsable(entry.OutPort)
		inDown := !node.portUsable(entry.InPort)

		switch {
		case outDown:
			node.unmarkLeg(entry, legDown)
			if node.promoteBackup(entry) {
				return
			}
			if !inDown && entry.UpstreamSession != 0 && node.legAlive(entry, legUp) &&
				entry.Label != LabelDenied {
				node.withdrawEntry(entry, legDown)
				return
			}
			node.dropEntry(entry)

		case inDown:
			if entry.Label != LabelDenied && node.legAlive(entry, legDown) &&
				(entry.marked || labelPending(entry.Label)) {
				node.withdrawEntry(entry, legUp)
				return
			}
			node.dropEntry(entry)
		}
	})
}

// portUsable is true when the numbered port exists and its link is up
func (node *Node) portUsable(portNum int) bool {
	port := node.Port(portNum)
	return port != nil && port.usable()
}
