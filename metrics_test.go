package gosmpls

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCollectors(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	h.step(60)

	assert.Equal(t, float64(60), testutil.ToFloat64(h.rec.Ticks))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.rec.Events.WithLabelValues("er1", LSPEstablished.String())))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.rec.TableSize.WithLabelValues("er1")))
	assert.Equal(t, float64(h.node("sink").Stats().Received),
		testutil.ToFloat64(h.rec.Events.WithLabelValues("sink", PacketReceived.String())))

	src := h.node("src")
	assert.Equal(t, int(src.Stats().Generated), h.rec.Count(PacketGenerated))
	assert.Equal(t, 60, h.rec.Count(PacketGenerated))

	// hosts have no table
	assert.Zero(t, testutil.CollectAndCount(h.rec.Replay))
	assert.Equal(t, 3, testutil.CollectAndCount(h.rec.TableSize))
	assert.Equal(t, 4, testutil.CollectAndCount(h.rec.InFlight))
}

func TestRecorderSharesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRecorder(reg, false)
	require.NoError(t, err)
	second, err := NewRecorder(reg, false)
	require.NoError(t, err)

	second.Events.WithLabelValues("r1", LinkDown.String()).Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(first.Events.WithLabelValues("r1", LinkDown.String())))
	assert.Same(t, reg, second.Gatherer())

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0)
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.Contains(t, names, "gosmpls_events_total")
	// histories are not shared
	assert.Empty(t, first.History())
}

func TestRecorderHistory(t *testing.T) {
	rec, err := NewRecorder(prometheus.NewRegistry(), true)
	require.NoError(t, err)
	rec.Consume(SimEvent{Kind: LinkDown, Element: "l1"})
	rec.Consume(SimEvent{Kind: LinkRecovered, Element: "l1"})
	rec.Consume(SimEvent{Kind: LinkDown, Element: "l2"})

	assert.Len(t, rec.History(), 3)
	assert.Equal(t, 2, rec.Count(LinkDown))
	downs := rec.Filter(func(ev SimEvent) bool { return ev.Kind == LinkDown })
	require.Len(t, downs, 2)
	assert.Equal(t, "l2", downs[1].Element)

	rec.Reset()
	assert.Empty(t, rec.History())
	assert.Zero(t, rec.Count(LinkDown))
	// Prometheus counters are cumulative
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.Events.WithLabelValues("l1", LinkDown.String())))

	quiet, err := NewRecorder(prometheus.NewRegistry(), false)
	require.NoError(t, err)
	quiet.Consume(SimEvent{Kind: LinkDown, Element: "l1"})
	assert.Empty(t, quiet.History())
	assert.Equal(t, 1, quiet.Count(LinkDown))
}

func TestReplayGaugeOnActiveNodes(t *testing.T) {
	h := newHarness(t, diamondCfg())
	h.step(40)

	// every active router reports its buffer, hosts do not
	assert.Equal(t, 4, testutil.CollectAndCount(h.rec.Replay))
	assert.Positive(t, testutil.ToFloat64(h.rec.Replay.WithLabelValues("a")))
}

func TestLinkStats(t *testing.T) {
	h := newHarness(t, chainCfg("L1"))
	h.step(30)

	link := h.link("src-er1")
	stats := link.Stats()
	assert.Positive(t, stats.Sent)
	assert.Equal(t, stats.Sent, stats.Received+int64(link.InFlight()))
	assert.Zero(t, stats.Discarded)

	require.NoError(t, h.sim.SetLinkDown("src-er1", true))
	h.step(3)
	stats = link.Stats()
	assert.Zero(t, link.InFlight())
	assert.Equal(t, stats.Sent, stats.Received+stats.Discarded)
	assert.Len(t, h.events(LinkDown, "src-er1"), 1)

	require.NoError(t, h.sim.SetLinkDown("src-er1", false))
	h.step(1)
	assert.Len(t, h.events(LinkRecovered, "src-er1"), 1)
}
