package stats_test

import (
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirnet/weir/pkg/stats"
)

func TestTrafficCounters(t *testing.T) {
	traffic := stats.NewTraffic()

	traffic.RecordIn(1200)
	traffic.RecordIn(800)
	traffic.RecordOut(1000)
	traffic.RecordLost()
	traffic.RecordDropped()

	snapshot := traffic.Snapshot()
	assert.Equal(t, uint64(2000), snapshot.BytesIn)
	assert.Equal(t, uint64(1000), snapshot.BytesOut)
	assert.Equal(t, uint64(2), snapshot.PacketsIn)
	assert.Equal(t, uint64(1), snapshot.PacketsOut)
	assert.Equal(t, uint64(1), snapshot.PacketsLost)
	assert.Equal(t, uint64(1), snapshot.PacketsDropped)
}

func TestBitrateWindow(t *testing.T) {
	clk := clock.NewMock()
	traffic := stats.NewTrafficWithClock(clk)

	traffic.RecordIn(1250)
	traffic.RecordOut(2500)
	clk.Add(time.Second)
	traffic.UpdateBitrate()

	snapshot := traffic.Snapshot()
	assert.InDelta(t, 10000, snapshot.BitrateIn, 1e-9)
	assert.InDelta(t, 20000, snapshot.BitrateOut, 1e-9)

	// A quiet second drives the window back to zero.
	clk.Add(time.Second)
	traffic.UpdateBitrate()
	snapshot = traffic.Snapshot()
	assert.Zero(t, snapshot.BitrateIn)
	assert.Zero(t, snapshot.BitrateOut)
}

func TestBitrateIgnoresRapidCalls(t *testing.T) {
	clk := clock.NewMock()
	traffic := stats.NewTrafficWithClock(clk)

	traffic.RecordIn(1250)
	clk.Add(time.Second)
	traffic.UpdateBitrate()

	// 50ms later: too soon, the window must be untouched.
	clk.Add(50 * time.Millisecond)
	traffic.RecordIn(100000)
	traffic.UpdateBitrate()

	assert.InDelta(t, 10000, traffic.Snapshot().BitrateIn, 1e-9)
}

func TestLossRate(t *testing.T) {
	traffic := stats.NewTraffic()
	assert.Zero(t, traffic.LossRate())

	for i := 0; i < 90; i++ {
		traffic.RecordIn(100)
	}
	for i := 0; i < 10; i++ {
		traffic.RecordLost()
	}

	assert.InDelta(t, 0.1, traffic.LossRate(), 1e-9)
}

func TestRoomAggregatesPeers(t *testing.T) {
	room := stats.NewRoom("lan")

	room.Total().RecordIn(1000)
	room.Peer("alice").RecordOut(500)
	room.Peer("bob").RecordOut(700)
	require.Same(t, room.Peer("alice"), room.Peer("alice"))

	snapshot := room.Snapshot()
	assert.Equal(t, "lan", snapshot.RoomID)
	assert.Equal(t, 2, snapshot.PeerCount)
	assert.Equal(t, uint64(500), snapshot.Peers["alice"].BytesOut)
	assert.Equal(t, uint64(700), snapshot.Peers["bob"].BytesOut)

	room.RemovePeer("bob")
	assert.Equal(t, 1, room.Snapshot().PeerCount)
}

func TestCollectorExposesRoomTraffic(t *testing.T) {
	clk := clock.NewMock()
	room := stats.NewRoomWithClock("lan", clk)
	room.Total().RecordIn(1000)
	room.Total().RecordOut(3000)
	room.Peer("alice")

	collector := stats.NewCollector(func() []stats.RoomSnapshot {
		return []stats.RoomSnapshot{room.Snapshot()}
	}, nil)

	expected := `
# HELP weir_traffic_bytes_total Bytes moved through the relay.
# TYPE weir_traffic_bytes_total counter
weir_traffic_bytes_total{direction="in",room="lan"} 1000
weir_traffic_bytes_total{direction="out",room="lan"} 3000
# HELP weir_room_peers Peers with per-peer traffic accounting in the room.
# TYPE weir_room_peers gauge
weir_room_peers{room="lan"} 1
`
	err := testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"weir_traffic_bytes_total", "weir_room_peers")
	require.NoError(t, err)
}

func TestCollectorCountsAllSeries(t *testing.T) {
	room := stats.NewRoom("lan")
	collector := stats.NewCollector(func() []stats.RoomSnapshot {
		return []stats.RoomSnapshot{room.Snapshot()}
	}, nil)

	// 2x bytes, 2x packets, lost, dropped, 2x bitrate, peers, uptime.
	assert.Equal(t, 10, testutil.CollectAndCount(collector))
}
