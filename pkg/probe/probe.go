// Package probe samples WebRTC transport statistics at a fixed cadence and
// keeps a short history, so that elections can score the local path on
// observed quality rather than self-reported facts.
package probe

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/weirnet/weir/pkg/common"
)

// StatsSource yields a stats report on demand. *webrtc.PeerConnection
// satisfies it; tests hand the probe a canned report.
type StatsSource interface {
	GetStats() webrtc.StatsReport
}

// Sample is one reading of the transport path.
type Sample struct {
	RTT time.Duration `json:"rtt"`
	// Worst inbound stream jitter in the report.
	Jitter time.Duration `json:"jitter"`
	// Packet loss in percent (0..100), measured over the sampling window,
	// not over the connection lifetime.
	PacketLoss float64 `json:"packetLossPct"`
	// Estimated available outgoing bandwidth in bits per second.
	AvailableBandwidth int64 `json:"availableBandwidth"`
	// Combined target bitrate of the outbound streams, bits per second.
	CurrentBitrate int64 `json:"currentBitrate"`

	PacketsSent     uint64 `json:"packetsSent"`
	PacketsReceived uint64 `json:"packetsReceived"`
	BytesSent       uint64 `json:"bytesSent"`
	BytesReceived   uint64 `json:"bytesReceived"`

	Timestamp time.Time `json:"timestamp"`
}

type Config struct {
	Interval common.Duration `yaml:"interval"`
	// Number of samples kept for Average and History.
	Window int `yaml:"window"`
}

func DefaultConfig() Config {
	return Config{
		Interval: common.NewDuration(time.Second),
		Window:   60,
	}
}

type Probe struct {
	source    StatsSource
	config    Config
	onSampled func(Sample)
	clock     clock.Clock

	mutex  sync.RWMutex
	ring   []Sample
	latest Sample
	taken  bool
	// Cumulative inbound counters from the previous sample, for window loss.
	prevReceived int64
	prevLost     int64

	stop   chan struct{}
	once   sync.Once
	closed sync.Once
}

// New creates a probe over the source. onSampled is optional and invoked
// after every reading, outside the probe's lock.
func New(source StatsSource, config Config, onSampled func(Sample)) *Probe {
	return NewWithClock(source, config, onSampled, clock.New())
}

func NewWithClock(source StatsSource, config Config, onSampled func(Sample), clk clock.Clock) *Probe {
	defaults := DefaultConfig()
	if config.Interval.Duration == 0 {
		config.Interval = defaults.Interval
	}
	if config.Window == 0 {
		config.Window = defaults.Window
	}

	return &Probe{
		source:    source,
		config:    config,
		onSampled: onSampled,
		clock:     clk,
		ring:      make([]Sample, 0, config.Window),
		stop:      make(chan struct{}),
	}
}

func (p *Probe) Start() {
	p.once.Do(func() {
		ticker := p.clock.Ticker(p.config.Interval.Duration)
		go p.run(ticker)
	})
}

func (p *Probe) Stop() {
	p.closed.Do(func() {
		close(p.stop)
	})
}

func (p *Probe) run(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sample()
		}
	}
}

func (p *Probe) sample() {
	report := p.source.GetStats()

	p.mutex.Lock()
	sample := p.extract(report)
	p.latest = sample
	p.taken = true
	if len(p.ring) == p.config.Window {
		p.ring = p.ring[1:]
	}
	p.ring = append(p.ring, sample)
	callback := p.onSampled
	p.mutex.Unlock()

	if callback != nil {
		callback(sample)
	}
}

// extract folds a stats report into one sample. The report is a map, so
// every reduction here has to be order-independent: counters are summed,
// jitter takes the worst stream, and the transport pair is chosen by
// preference rather than encounter order. Called with the lock held.
func (p *Probe) extract(report webrtc.StatsReport) Sample {
	sample := Sample{Timestamp: p.clock.Now()}

	var pair webrtc.ICECandidatePairStats
	var pairFound bool
	var received, lost int64

	for _, stats := range report {
		switch s := stats.(type) {
		case webrtc.ICECandidatePairStats:
			if !pairFound || betterPair(s, pair) {
				pair = s
				pairFound = true
			}

		case webrtc.InboundRTPStreamStats:
			sample.PacketsReceived += uint64(s.PacketsReceived)
			received += int64(s.PacketsReceived)
			lost += int64(s.PacketsLost)
			if jitter := time.Duration(s.Jitter * float64(time.Second)); jitter > sample.Jitter {
				sample.Jitter = jitter
			}

		case webrtc.OutboundRTPStreamStats:
			sample.PacketsSent += uint64(s.PacketsSent)
			sample.CurrentBitrate += int64(s.TargetBitrate)
		}
	}

	if pairFound {
		sample.RTT = time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
		sample.AvailableBandwidth = int64(pair.AvailableOutgoingBitrate)
		sample.BytesSent = pair.BytesSent
		sample.BytesReceived = pair.BytesReceived
	}

	deltaReceived := received - p.prevReceived
	deltaLost := lost - p.prevLost
	if deltaReceived < 0 || deltaLost < 0 {
		// Counter reset (stream restarted). Re-baseline, report no loss.
		deltaReceived, deltaLost = 0, 0
	}
	if total := deltaReceived + deltaLost; total > 0 {
		sample.PacketLoss = 100 * float64(deltaLost) / float64(total)
	}
	p.prevReceived = received
	p.prevLost = lost

	return sample
}

// betterPair prefers the nominated pair, then the one that moved more bytes.
func betterPair(a, b webrtc.ICECandidatePairStats) bool {
	if a.Nominated != b.Nominated {
		return a.Nominated
	}
	return a.BytesSent+a.BytesReceived > b.BytesSent+b.BytesReceived
}

// Latest returns the most recent sample, false before the first one.
func (p *Probe) Latest() (Sample, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.latest, p.taken
}

// Average aggregates the history window: path metrics are averaged, the
// cumulative counters are taken from the newest sample.
func (p *Probe) Average() (Sample, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if len(p.ring) == 0 {
		return Sample{}, false
	}

	var rtt, jitter time.Duration
	var loss float64
	var bandwidth, bitrate int64
	for _, sample := range p.ring {
		rtt += sample.RTT
		jitter += sample.Jitter
		loss += sample.PacketLoss
		bandwidth += sample.AvailableBandwidth
		bitrate += sample.CurrentBitrate
	}

	n := len(p.ring)
	average := p.ring[n-1]
	average.RTT = rtt / time.Duration(n)
	average.Jitter = jitter / time.Duration(n)
	average.PacketLoss = loss / float64(n)
	average.AvailableBandwidth = bandwidth / int64(n)
	average.CurrentBitrate = bitrate / int64(n)
	return average, true
}

// History returns a copy of the sample window, oldest first.
func (p *Probe) History() []Sample {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	history := make([]Sample, len(p.ring))
	copy(history, p.ring)
	return history
}
