package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weirnet/weir/pkg/packet"
)

// Collector exposes room traffic and buffer pool efficiency to prometheus.
// It reads snapshots on scrape, so it holds no state of its own.
type Collector struct {
	rooms func() []RoomSnapshot
	pool  *packet.Pool

	bytes      *prometheus.Desc
	packets    *prometheus.Desc
	lost       *prometheus.Desc
	dropped    *prometheus.Desc
	bitrate    *prometheus.Desc
	peers      *prometheus.Desc
	uptime     *prometheus.Desc
	poolAllocs *prometheus.Desc
	poolReuses *prometheus.Desc
	poolRatio  *prometheus.Desc
}

// NewCollector builds a collector over the room snapshot source. pool may be
// nil when the buffer pool is not of interest.
func NewCollector(rooms func() []RoomSnapshot, pool *packet.Pool) *Collector {
	return &Collector{
		rooms: rooms,
		pool:  pool,
		bytes: prometheus.NewDesc("weir_traffic_bytes_total",
			"Bytes moved through the relay.", []string{"room", "direction"}, nil),
		packets: prometheus.NewDesc("weir_traffic_packets_total",
			"Packets moved through the relay.", []string{"room", "direction"}, nil),
		lost: prometheus.NewDesc("weir_packets_lost_total",
			"Inbound packets reported lost.", []string{"room"}, nil),
		dropped: prometheus.NewDesc("weir_packets_dropped_total",
			"Packets discarded on purpose, e.g. from an inactive source.", []string{"room"}, nil),
		bitrate: prometheus.NewDesc("weir_bitrate_bits_per_second",
			"Windowed bitrate of the relay traffic.", []string{"room", "direction"}, nil),
		peers: prometheus.NewDesc("weir_room_peers",
			"Peers with per-peer traffic accounting in the room.", []string{"room"}, nil),
		uptime: prometheus.NewDesc("weir_room_uptime_seconds",
			"Seconds since the room stats were created.", []string{"room"}, nil),
		poolAllocs: prometheus.NewDesc("weir_buffer_allocs_total",
			"Fresh buffer allocations by size class.", []string{"class"}, nil),
		poolReuses: prometheus.NewDesc("weir_buffer_reuses_total",
			"Buffers served from the pool by size class.", []string{"class"}, nil),
		poolRatio: prometheus.NewDesc("weir_buffer_reuse_ratio",
			"Fraction of buffer requests served from the pool.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytes
	ch <- c.packets
	ch <- c.lost
	ch <- c.dropped
	ch <- c.bitrate
	ch <- c.peers
	ch <- c.uptime
	ch <- c.poolAllocs
	ch <- c.poolReuses
	ch <- c.poolRatio
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, room := range c.rooms() {
		traffic := room.Traffic
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue,
			float64(traffic.BytesIn), room.RoomID, "in")
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue,
			float64(traffic.BytesOut), room.RoomID, "out")
		ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue,
			float64(traffic.PacketsIn), room.RoomID, "in")
		ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue,
			float64(traffic.PacketsOut), room.RoomID, "out")
		ch <- prometheus.MustNewConstMetric(c.lost, prometheus.CounterValue,
			float64(traffic.PacketsLost), room.RoomID)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue,
			float64(traffic.PacketsDropped), room.RoomID)
		ch <- prometheus.MustNewConstMetric(c.bitrate, prometheus.GaugeValue,
			traffic.BitrateIn, room.RoomID, "in")
		ch <- prometheus.MustNewConstMetric(c.bitrate, prometheus.GaugeValue,
			traffic.BitrateOut, room.RoomID, "out")
		ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue,
			float64(room.PeerCount), room.RoomID)
		ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue,
			room.UptimeSeconds, room.RoomID)
	}

	if c.pool != nil {
		pool := c.pool.Stats()
		ch <- prometheus.MustNewConstMetric(c.poolAllocs, prometheus.CounterValue,
			float64(pool.StandardAllocs), "standard")
		ch <- prometheus.MustNewConstMetric(c.poolAllocs, prometheus.CounterValue,
			float64(pool.LargeAllocs), "large")
		ch <- prometheus.MustNewConstMetric(c.poolReuses, prometheus.CounterValue,
			float64(pool.StandardReuses), "standard")
		ch <- prometheus.MustNewConstMetric(c.poolReuses, prometheus.CounterValue,
			float64(pool.LargeReuses), "large")
		ch <- prometheus.MustNewConstMetric(c.poolRatio, prometheus.GaugeValue,
			pool.ReuseRatio)
	}
}
