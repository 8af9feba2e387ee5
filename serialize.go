package gosmpls

// serialize.go is the persistence boundary.  Nodes, links and switching entries
// are saved as single-line YAML flow mappings of a versioned record struct; the
// engine itself never looks at the text.  A record is loaded only when it has
// exactly the fields of its struct.

import (
	"fmt"
	"net/netip"

	"gopkg.in/yaml.v3"
)

// recordVersion is stamped on every record written
const recordVersion = 1

// NodeRecord is the persisted form of a Node
type NodeRecord struct {
	Version   int    `yaml:"v"`
	Name      string `yaml:"name"`
	Role      string `yaml:"role"`
	Address   string `yaml:"addr"`
	Prefix    string `yaml:"prefix"`
	Ports     int    `yaml:"ports"`
	PowerMbps int    `yaml:"power"`
	BufferMB  int    `yaml:"buffer"`
}

// LinkRecord is the persisted form of a Link
type LinkRecord struct {
	Version int     `yaml:"v"`
	Name    string  `yaml:"name"`
	NodeA   string  `yaml:"nodeA"`
	PortA   int     `yaml:"portA"`
	NodeB   string  `yaml:"nodeB"`
	PortB   int     `yaml:"portB"`
	DelayNs int64   `yaml:"delay"`
	Weight  float64 `yaml:"weight"`
	Down    bool    `yaml:"down"`
}

// EntryRecord is the persisted form of a SwitchingEntry
type EntryRecord struct {
	Version         int    `yaml:"v"`
	ID              int    `yaml:"id"`
	Kind            string `yaml:"kind"`
	InPort          int    `yaml:"inPort"`
	Key             int    `yaml:"key"`
	Source          string `yaml:"src"`
	Destination     string `yaml:"dst"`
	Operation       string `yaml:"op"`
	GoS             int    `yaml:"gos"`
	Label           int    `yaml:"label"`
	LabelBackup     int    `yaml:"labelBackup"`
	OutPort         int    `yaml:"outPort"`
	OutPortBackup   int    `yaml:"outPortBackup"`
	Session         int    `yaml:"session"`
	UpstreamSession int    `yaml:"upSession"`
	ForBackup       bool   `yaml:"forBackup"`
	BackupRequested bool   `yaml:"backupRequested"`
	Attempts        int    `yaml:"attempts"`
	Timeout         int    `yaml:"timeout"`
	AttemptsBackup  int    `yaml:"attemptsBackup"`
	TimeoutBackup   int    `yaml:"timeoutBackup"`
}

// encodeRecord renders rec as a one-line flow mapping
func encodeRecord(rec any) string {
	var node yaml.Node
	if err := node.Encode(rec); err != nil {
		panic(fmt.Errorf("record encoding: %w", err))
	}
	node.Style = yaml.FlowStyle
	bytes, err := yaml.Marshal(&node)
	if err != nil {
		panic(fmt.Errorf("record encoding: %w", err))
	}
	return string(trimNewline(bytes))
}

// fieldCount is the number of keys rec encodes to
func fieldCount(rec any) int {
	var node yaml.Node
	if err := node.Encode(rec); err != nil {
		return -1
	}
	return len(node.Content) / 2
}

// decodeRecord fills rec from str.  The record must be a mapping carrying
// every field of rec and no others, at the current version.
func decodeRecord[T any](str string, rec *T) error {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(str), &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("%w: not a mapping", ErrMalformedRecord)
	}
	var zero T
	want := fieldCount(&zero)
	if got := len(doc.Content[0].Content) / 2; got != want {
		return fmt.Errorf("%w: %d fields, want %d", ErrMalformedRecord, got, want)
	}
	if err := doc.Content[0].Decode(rec); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return nil
}

func checkVersion(version int) error {
	if version != recordVersion {
		return fmt.Errorf("%w: version %d", ErrMalformedRecord, version)
	}
	return nil
}

// Serialize returns the node's persisted record
func (node *Node) Serialize() string {
	rec := NodeRecord{Version: recordVersion, Name: node.name, Role: node.role.String(),
		Address: node.addr.String(), Ports: len(node.ports),
		PowerMbps: node.powerMbps, BufferMB: node.bufferMB}
	if node.prefix.IsValid() {
		rec.Prefix = node.prefix.String()
	}
	return encodeRecord(&rec)
}

// Deserialize loads a node record.  The record must describe this node
// (same name, role, address and port count); its tunable attributes are
// then applied.  The return is false when the record is malformed or
// describes another node, in which case the node is unchanged.
func (node *Node) Deserialize(str string) bool {
	var rec NodeRecord
	if err := decodeRecord(str, &rec); err != nil {
		node.logger.Error("node record rejected", "error", err)
		return false
	}
	if err := checkVersion(rec.Version); err != nil {
		node.logger.Error("node record rejected", "error", err)
		return false
	}
	role, ok := RoleFromStr(rec.Role)
	addr, err := netip.ParseAddr(rec.Address)
	if !ok || err != nil || rec.Name != node.name || role != node.role ||
		addr != node.addr || rec.Ports != len(node.ports) {
		return false
	}
	if rec.PowerMbps > 0 {
		node.setParam("power", valueStruct{intValue: rec.PowerMbps})
	}
	if rec.BufferMB > 0 {
		node.setParam("buffer", valueStruct{intValue: rec.BufferMB})
	}
	return true
}

// Serialize returns the link's persisted record
func (link *Link) Serialize() string {
	rec := LinkRecord{Version: recordVersion, Name: link.name, DelayNs: link.delayNs,
		Weight: link.weight, Down: link.IsDown()}
	if link.Connected() {
		rec.NodeA, rec.PortA = link.ends[0].node.name, link.ends[0].port
		rec.NodeB, rec.PortB = link.ends[1].node.name, link.ends[1].port
	}
	return encodeRecord(&rec)
}

// Deserialize loads a link record that names this link and its endpoints,
// restoring delay, weight and administrative state
func (link *Link) Deserialize(str string) bool {
	var rec LinkRecord
	if err := decodeRecord(str, &rec); err != nil {
		link.logger.Error("link record rejected", "error", err)
		return false
	}
	if err := checkVersion(rec.Version); err != nil {
		link.logger.Error("link record rejected", "error", err)
		return false
	}
	if rec.Name != link.name || rec.DelayNs < minLinkDelay {
		return false
	}
	if link.Connected() {
		if rec.NodeA != link.ends[0].node.name || rec.PortA != link.ends[0].port ||
			rec.NodeB != link.ends[1].node.name || rec.PortB != link.ends[1].port {
			return false
		}
	}
	link.setParam("delay", valueStruct{floatValue: float64(rec.DelayNs)})
	link.setParam("weight", valueStruct{floatValue: rec.Weight})
	link.SetDown(rec.Down)
	return true
}

// Serialize returns the entry's persisted record, retry counters included.
// Pending acknowledgement flags are not persisted.
func (se *SwitchingEntry) Serialize() string {
	rec := EntryRecord{Version: recordVersion, ID: se.ID, Kind: se.Kind.String(), InPort: se.InPort,
		Key: se.Key, Source: addrString(se.Source), Destination: addrString(se.Destination),
		Operation: se.Operation.String(), GoS: int(se.GoS), Label: se.Label, LabelBackup: se.LabelBackup,
		OutPort: se.OutPort, OutPortBackup: se.OutPortBackup, Session: se.Session,
		UpstreamSession: se.UpstreamSession, ForBackup: se.ForBackup, BackupRequested: se.BackupRequested,
		Attempts: se.Attempts, Timeout: se.Timeout, AttemptsBackup: se.AttemptsBackup, TimeoutBackup: se.TimeoutBackup}
	return encodeRecord(&rec)
}

// Deserialize overwrites the entry with a record.  It is false, with the
// entry unchanged, when the record is malformed.
func (se *SwitchingEntry) Deserialize(str string) bool {
	loaded, err := parseEntry(str)
	if err != nil {
		return false
	}
	*se = *loaded
	return true
}

// parseEntry builds an entry from its record
func parseEntry(str string) (*SwitchingEntry, error) {
	var rec EntryRecord
	if err := decodeRecord(str, &rec); err != nil {
		return nil, err
	}
	if err := checkVersion(rec.Version); err != nil {
		return nil, err
	}
	kind, ok := keyKindFromStr(rec.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: key kind %q", ErrMalformedRecord, rec.Kind)
	}
	op, ok := operationFromStr(rec.Operation)
	if !ok {
		return nil, fmt.Errorf("%w: operation %q", ErrMalformedRecord, rec.Operation)
	}
	gos := GoS(rec.GoS)
	if !gos.Valid() {
		return nil, fmt.Errorf("%w: GoS %d", ErrMalformedRecord, rec.GoS)
	}
	src, err := parseOptAddr(rec.Source)
	if err != nil {
		return nil, err
	}
	dst, err := parseOptAddr(rec.Destination)
	if err != nil {
		return nil, err
	}
	return &SwitchingEntry{ID: rec.ID, Kind: kind, InPort: rec.InPort, Key: rec.Key,
		Source: src, Destination: dst, Operation: op, GoS: gos,
		Label: rec.Label, LabelBackup: rec.LabelBackup,
		OutPort: rec.OutPort, OutPortBackup: rec.OutPortBackup,
		Session: rec.Session, UpstreamSession: rec.UpstreamSession,
		ForBackup: rec.ForBackup, BackupRequested: rec.BackupRequested,
		Attempts: rec.Attempts, Timeout: rec.Timeout,
		AttemptsBackup: rec.AttemptsBackup, TimeoutBackup: rec.TimeoutBackup}, nil
}

// Restore loads entries from their records into an empty table.  Labels the
// entries hold as incoming keys are reserved.  Nothing is loaded if any
// record is malformed.
func (tbl *SwitchingTable) Restore(records []string) error {
	entries := make([]*SwitchingEntry, 0, len(records))
	for idx, str := range records {
		entry, err := parseEntry(str)
		if err != nil {
			return fmt.Errorf("record %d: %w", idx, err)
		}
		entries = append(entries, entry)
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if len(tbl.entries) > 0 {
		return fmt.Errorf("%w: table not empty", ErrMalformedRecord)
	}
	for _, entry := range entries {
		if entry.Kind == LabelKey && entry.Key >= FirstUnreservedLabel {
			tbl.usedLabel[entry.Key] = true
		}
		tbl.nxtEntry = max(tbl.nxtEntry, entry.ID)
		tbl.entries = append(tbl.entries, entry)
		tbl.size.Add(1)
	}
	return nil
}

func keyKindFromStr(str string) (KeyKind, bool) {
	switch str {
	case FECKey.String():
		return FECKey, true
	case LabelKey.String():
		return LabelKey, true
	}
	return FECKey, false
}

func operationFromStr(str string) (Operation, bool) {
	for op, name := range opToStr {
		if name == str {
			return op, true
		}
	}
	return OpUndefined, false
}

func addrString(addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	return addr.String()
}

func parseOptAddr(str string) (netip.Addr, error) {
	if str == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(str)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return addr, nil
}
