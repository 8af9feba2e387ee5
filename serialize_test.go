package gosmpls

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func TestNodeRecord(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	er1 := h.node("er1")

	str := er1.Serialize()
	assert.NotContains(t, str, "\n")

	var rec NodeRecord
	require.NoError(t, decodeRecord(str, &rec))
	want := NodeRecord{Version: recordVersion, Name: "er1", Role: RoleEdgeRouter.String(),
		Address: "10.0.1.1", Ports: er1.NumPorts(), PowerMbps: er1.PowerMbps(), BufferMB: er1.bufferMB}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("node record mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, er1.Deserialize(str))

	// tunable attributes are applied
	rec.PowerMbps = 2048
	assert.True(t, er1.Deserialize(encodeRecord(&rec)))
	assert.Equal(t, 2048, er1.PowerMbps())

	// a record of another node is refused
	assert.False(t, h.node("er2").Deserialize(str))
}

func TestNodeRecordRejected(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	er1 := h.node("er1")
	power := er1.PowerMbps()
	var rec NodeRecord
	require.NoError(t, decodeRecord(er1.Serialize(), &rec))

	cases := map[string]string{
		"missing field": "{v: 1, name: er1}",
		"extra field":   strings.TrimSuffix(er1.Serialize(), "}") + ", color: red}",
		"not a mapping": "[1, 2, 3]",
		"garbage":       "{v: 1, name: [",
	}
	for name, str := range cases {
		assert.False(t, er1.Deserialize(str), name)
	}

	rec.Version = recordVersion + 1
	assert.False(t, er1.Deserialize(encodeRecord(&rec)))

	var other NodeRecord
	err := decodeRecord("{v: 1, name: er1}", &other)
	assert.ErrorIs(t, err, ErrMalformedRecord)
	assert.Equal(t, power, er1.PowerMbps())
}

func TestLinkRecord(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	link := h.link("er1-lsr")

	var rec LinkRecord
	require.NoError(t, decodeRecord(link.Serialize(), &rec))
	assert.Equal(t, "er1", rec.NodeA)
	assert.Equal(t, "lsr", rec.NodeB)
	assert.Equal(t, int64(1000), rec.DelayNs)
	assert.False(t, rec.Down)

	rec.DelayNs = 3000
	rec.Weight = 7
	rec.Down = true
	require.True(t, link.Deserialize(encodeRecord(&rec)))
	assert.Equal(t, int64(3000), link.DelayNs())
	assert.Equal(t, float64(7), link.Weight())
	assert.True(t, link.IsDown())

	// endpoints must match
	rec.NodeB = "er2"
	assert.False(t, link.Deserialize(encodeRecord(&rec)))
	assert.False(t, h.link("lsr-er2").Deserialize(link.Serialize()))
}

func TestEntryRoundTrip(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	h.step(40)

	opts := cmp.Options{addrComparer, cmpopts.IgnoreUnexported(SwitchingEntry{})}
	for _, name := range []string{"er1", "lsr", "er2"} {
		for _, entry := range h.entries(name) {
			var loaded SwitchingEntry
			require.True(t, loaded.Deserialize(entry.Serialize()), name)
			if diff := cmp.Diff(entry, loaded, opts); diff != "" {
				t.Errorf("%s entry mismatch (-want +got):\n%s", name, diff)
			}
		}
	}
}

func TestEntryRoundTripKeepsRetryState(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	h.node("lsr").fail(errors.New("halted"))
	h.step(25)

	entries := h.entries("er1")
	require.Len(t, entries, 1)
	entry := entries[0]
	require.Equal(t, LabelRequesting, entry.Label)
	require.Positive(t, entry.Attempts)
	require.Positive(t, entry.Timeout)

	var loaded SwitchingEntry
	require.True(t, loaded.Deserialize(entry.Serialize()))
	assert.Equal(t, entry.Attempts, loaded.Attempts)
	assert.Equal(t, entry.Timeout, loaded.Timeout)
	if diff := cmp.Diff(entry, loaded, addrComparer, cmpopts.IgnoreUnexported(SwitchingEntry{})); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}

	backup := SwitchingEntry{ID: 2, Kind: FECKey, Key: 99, Operation: OpPush, Label: 40,
		LabelBackup: LabelRequesting, OutPort: 1, OutPortBackup: 2, AttemptsBackup: 3, TimeoutBackup: 4}
	var restored SwitchingEntry
	require.True(t, restored.Deserialize(backup.Serialize()))
	assert.Equal(t, 3, restored.AttemptsBackup)
	assert.Equal(t, 4, restored.TimeoutBackup)
}

func TestEntryRecordRejected(t *testing.T) {
	entry := SwitchingEntry{ID: 3, Kind: LabelKey, InPort: 1, Key: 40, Operation: OpSwap,
		GoS: GoSLevel1, Label: 41, LabelBackup: LabelUndefined, OutPort: 2, OutPortBackup: noPort,
		Destination: netip.MustParseAddr("10.0.4.1"), Session: 2, UpstreamSession: 5}
	var rec EntryRecord
	require.NoError(t, decodeRecord(entry.Serialize(), &rec))

	bad := map[string]func(r *EntryRecord){
		"kind":      func(r *EntryRecord) { r.Kind = "MAC" },
		"operation": func(r *EntryRecord) { r.Operation = "rotate" },
		"gos":       func(r *EntryRecord) { r.GoS = 12 },
		"address":   func(r *EntryRecord) { r.Destination = "10.0.4" },
		"version":   func(r *EntryRecord) { r.Version = 0 },
	}
	for name, mutate := range bad {
		r := rec
		mutate(&r)
		_, err := parseEntry(encodeRecord(&r))
		assert.ErrorIs(t, err, ErrMalformedRecord, name)

		loaded := entry
		assert.False(t, loaded.Deserialize(encodeRecord(&r)), name)
		assert.Equal(t, entry.Key, loaded.Key, name)
	}
}

func TestTableRestore(t *testing.T) {
	records := []string{
		(&SwitchingEntry{ID: 4, Kind: LabelKey, InPort: 0, Key: 16, Operation: OpSwap, Label: 30,
			LabelBackup: LabelUndefined, OutPort: 1, OutPortBackup: noPort}).Serialize(),
		(&SwitchingEntry{ID: 7, Kind: FECKey, InPort: 2, Key: 1234, Operation: OpPush, Label: 31,
			LabelBackup: LabelUndefined, OutPort: 1, OutPortBackup: noPort}).Serialize(),
	}

	tbl := createSwitchingTable()
	require.NoError(t, tbl.Restore(records))
	assert.Equal(t, 2, tbl.Size())

	// label 16 is held by the restored entry
	label, err := tbl.allocateLabel()
	require.NoError(t, err)
	assert.Equal(t, 17, label)
	entry := tbl.createEntry(FECKey, 0, 1, netip.Addr{}, OpPush, 1)
	assert.Equal(t, 8, entry.ID)

	err = tbl.Restore(records)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	empty := createSwitchingTable()
	err = empty.Restore([]string{records[0], "{v: 1}"})
	assert.ErrorIs(t, err, ErrMalformedRecord)
	assert.Zero(t, empty.Size())
}
