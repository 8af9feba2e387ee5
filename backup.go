package gosmpls

// backup.go sets up, promotes and clears the backup leg an active node keeps
// for entries whose traffic asked for protection.  Called with the table lock held.

// setupBackup asks for a label over a second path that avoids the primary
// next hop.  No backup is built when the only alternative goes back where the
// traffic came from.
func (node *Node) setupBackup(entry *SwitchingEntry) {
	if entry.HasBackup() || entry.ForBackup {
		return
	}
	primary := node.Port(entry.OutPort)
	if primary == nil {
		return
	}
	primaryPeer := primary.peer()
	nh := node.nextHopExcluding(entry.Destination, primaryPeer)
	if nh == nil || nh == primaryPeer {
		node.report(SimEvent{Kind: BackupLSPNotEstablished, Detail: "no alternative path"})
		return
	}
	if in := node.Port(entry.InPort); in != nil && in.peer() == nh {
		node.report(SimEvent{Kind: BackupLSPNotEstablished, Detail: "alternative path loops back"})
		return
	}
	port := node.portToward(nh)
	if port == nil || port.linkKind() != InternalLink {
		node.report(SimEvent{Kind: BackupLSPNotEstablished, Detail: "no internal port toward alternative"})
		return
	}
	entry.OutPortBackup = port.number
	entry.LabelBackup = LabelUndefined
	node.table.setBackupLabel(entry, LabelRequesting)
	entry.AttemptsBackup = 0
	entry.TimeoutBackup = node.cfg.LDPTimeoutTicks
	node.sendRequest(entry, true)
}

// promoteBackup makes a granted backup leg the primary one.  False is returned
// when there is no usable backup.
func (node *Node) promoteBackup(entry *SwitchingEntry) bool {
	if !entry.HasBackup() || !labelUsable(entry.LabelBackup) || !node.portUsable(entry.OutPortBackup) {
		return false
	}
	node.unmarkLeg(entry, legDown)
	node.unmarkLeg(entry, legBackup)

	entry.OutPort = entry.OutPortBackup
	entry.Label = entry.LabelBackup
	entry.Attempts = 0
	entry.Timeout = 0
	entry.pendingDown = entry.pendingBackup

	// the old backup session now carries the primary leg
	entry.OutPortBackup = noPort
	entry.LabelBackup = LabelUndefined
	entry.pendingBackup = false
	entry.AttemptsBackup = 0
	entry.TimeoutBackup = 0

	// grants and withdraws for the promoted leg still arrive flagged as backup
	entry.promoted = true
	node.markLeg(entry, legDown)
	node.report(SimEvent{Kind: BackupLSPActivated, Label: entry.Label,
		Detail: node.Port(entry.OutPort).peer().name})
	node.logger.Info("backup leg activated", "entry", entry.String())
	return true
}

// clearBackup forgets the backup leg
func (node *Node) clearBackup(entry *SwitchingEntry) {
	node.unmarkLeg(entry, legBackup)
	entry.OutPortBackup = noPort
	entry.LabelBackup = LabelUndefined
	entry.AttemptsBackup = 0
	entry.TimeoutBackup = 0
	entry.pendingBackup = false
}
