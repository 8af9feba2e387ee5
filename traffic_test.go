package gosmpls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceWindow(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	src := h.node("src")
	producer := CreateConstantTraffic("window", 200, 0, GoSLevel1)
	require.NoError(t, src.AttachSource(3, h.node("sink").Address(), producer, 2, 5, 8))
	h.step(12)

	generated := h.events(PacketGenerated, "src")
	require.Len(t, generated, 6)
	for _, ev := range generated {
		assert.GreaterOrEqual(t, ev.Tick, uint64(5))
		assert.Less(t, ev.Tick, uint64(8))
		assert.Equal(t, 3, ev.FlowID)
		assert.Equal(t, 200, ev.Size)
	}
	assert.Equal(t, 6, generated[5].PacketID)
}

func TestConstantTrafficJitterAndMarking(t *testing.T) {
	ct := CreateConstantTraffic("jitter", 500, 40, GoSLevel0, GoSLevel2Backup)
	seen := map[GoS]bool{}
	for range 200 {
		size := ct.NextPacketSize()
		assert.GreaterOrEqual(t, size, 460)
		assert.LessOrEqual(t, size, 540)
		gos := ct.PacketLabelingPolicy()
		assert.Contains(t, []GoS{GoSLevel0, GoSLevel2Backup}, gos)
		seen[gos] = true
	}
	assert.Len(t, seen, 2)

	plain := CreateConstantTraffic("plain", 0, -3)
	assert.Equal(t, 1, plain.NextPacketSize())
	assert.Equal(t, GoSLevel0, plain.PacketLabelingPolicy())
}
