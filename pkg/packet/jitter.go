package packet

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/weirnet/weir/pkg/common"
)

// Packets arriving more than this many sequence numbers behind the playout
// point are too old to be useful and are dropped.
const maxReorderDistance = 100

type JitterConfig struct {
	Enabled     bool            `yaml:"enabled"`
	MinDelay    common.Duration `yaml:"minDelay"`
	TargetDelay common.Duration `yaml:"targetDelay"`
	MaxDelay    common.Duration `yaml:"maxDelay"`
	MaxPackets  int             `yaml:"maxPackets"`
}

// DefaultJitterConfig disables buffering: the relay favors latency and only
// trades it for smoothness when configured to.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		Enabled:     false,
		MinDelay:    common.NewDuration(20 * time.Millisecond),
		TargetDelay: common.NewDuration(50 * time.Millisecond),
		MaxDelay:    common.NewDuration(200 * time.Millisecond),
		MaxPackets:  100,
	}
}

type bufferedPacket struct {
	packet   *rtp.Packet
	received time.Time
	index    int
}

// packetHeap orders packets by sequence number, rollover-aware.
type packetHeap []*bufferedPacket

func (h packetHeap) Len() int { return len(h) }

func (h packetHeap) Less(i, j int) bool {
	return int16(h[i].packet.SequenceNumber-h[j].packet.SequenceNumber) < 0
}

func (h packetHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *packetHeap) Push(x interface{}) {
	packet := x.(*bufferedPacket)
	packet.index = len(*h)
	*h = append(*h, packet)
}

func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	packet := old[n-1]
	old[n-1] = nil
	packet.index = -1
	*h = old[:n-1]
	return packet
}

// JitterBuffer reorders and paces an RTP stream. It holds packets for an
// adaptive delay derived from the RFC 3550 interarrival jitter estimate and
// releases them in sequence-number order. When disabled it degrades to a
// plain passthrough channel.
type JitterBuffer struct {
	mutex  sync.Mutex
	config JitterConfig
	// RTP clock rate of the stream, for mapping timestamp deltas to time.
	clockRate uint32

	packets packetHeap

	lastSeqNum  uint16
	initialized bool
	received    uint64
	dropped     uint64
	reordered   uint64

	currentDelay time.Duration
	jitter       time.Duration
	lastArrival  time.Time
	lastRTPTime  uint32

	output chan *rtp.Packet
	stop   chan struct{}
	closed bool
}

func NewJitterBuffer(config JitterConfig, clockRate uint32) *JitterBuffer {
	defaults := DefaultJitterConfig()
	if config.MinDelay.Duration == 0 {
		config.MinDelay = defaults.MinDelay
	}
	if config.TargetDelay.Duration == 0 {
		config.TargetDelay = defaults.TargetDelay
	}
	if config.MaxDelay.Duration == 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.MaxPackets == 0 {
		config.MaxPackets = defaults.MaxPackets
	}

	buffer := &JitterBuffer{
		config:       config,
		clockRate:    clockRate,
		packets:      make(packetHeap, 0, config.MaxPackets),
		currentDelay: config.TargetDelay.Duration,
		output:       make(chan *rtp.Packet, config.MaxPackets),
		stop:         make(chan struct{}),
	}
	heap.Init(&buffer.packets)
	return buffer
}

// Start launches the paced output loop. A no-op when buffering is disabled;
// Push then forwards directly.
func (jb *JitterBuffer) Start() {
	if !jb.config.Enabled {
		return
	}
	go jb.run()
}

func (jb *JitterBuffer) run() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-jb.stop:
			return
		case <-ticker.C:
			jb.release(time.Now())
		}
	}
}

// Push hands a packet to the buffer.
func (jb *JitterBuffer) Push(packet *rtp.Packet) {
	jb.mutex.Lock()
	defer jb.mutex.Unlock()

	if jb.closed {
		return
	}

	if !jb.config.Enabled {
		select {
		case jb.output <- packet:
		default:
			jb.dropped++
		}
		return
	}

	now := time.Now()
	jb.received++
	jb.updateDelay(packet, now)

	if jb.initialized {
		distance := int16(packet.SequenceNumber - jb.lastSeqNum)
		if distance < -maxReorderDistance {
			jb.dropped++
			return
		}
		if distance < 0 {
			jb.reordered++
		}
	}

	if len(jb.packets) >= jb.config.MaxPackets {
		heap.Pop(&jb.packets)
		jb.dropped++
	}

	heap.Push(&jb.packets, &bufferedPacket{packet: packet, received: now})
}

// updateDelay folds the packet's interarrival deviation into the jitter
// estimate (RFC 3550 appendix A.8, gain 1/16) and steers the buffering delay
// toward three times the estimate, clamped to the configured band. Called
// with the lock held.
func (jb *JitterBuffer) updateDelay(packet *rtp.Packet, now time.Time) {
	if jb.initialized && !jb.lastArrival.IsZero() {
		arrivalDiff := now.Sub(jb.lastArrival)
		rtpDiff := int64(int32(packet.Timestamp - jb.lastRTPTime))
		mediaDiff := time.Duration(rtpDiff * int64(time.Second) / int64(jb.clockRate))

		deviation := arrivalDiff - mediaDiff
		if deviation < 0 {
			deviation = -deviation
		}
		jb.jitter += (deviation - jb.jitter) / 16

		target := 3 * jb.jitter
		if target < jb.config.MinDelay.Duration {
			target = jb.config.MinDelay.Duration
		}
		if target > jb.config.MaxDelay.Duration {
			target = jb.config.MaxDelay.Duration
		}
		jb.currentDelay += (target - jb.currentDelay) / 8
	}

	jb.lastArrival = now
	jb.lastRTPTime = packet.Timestamp
}

// release moves every packet that has aged past the current delay to the
// output channel, lowest sequence number first.
func (jb *JitterBuffer) release(now time.Time) {
	jb.mutex.Lock()
	defer jb.mutex.Unlock()

	if jb.closed {
		return
	}

	for len(jb.packets) > 0 {
		oldest := jb.packets[0]
		if now.Sub(oldest.received) < jb.currentDelay {
			return
		}

		buffered := heap.Pop(&jb.packets).(*bufferedPacket)
		jb.advancePlayout(buffered.packet.SequenceNumber)

		select {
		case jb.output <- buffered.packet:
		default:
			jb.dropped++
		}
	}
}

func (jb *JitterBuffer) advancePlayout(seq uint16) {
	if !jb.initialized || int16(seq-jb.lastSeqNum) > 0 {
		jb.lastSeqNum = seq
		jb.initialized = true
	}
}

// Output is the ordered, paced packet stream. Closed by Close.
func (jb *JitterBuffer) Output() <-chan *rtp.Packet {
	return jb.output
}

// Pop synchronously takes the lowest-sequence packet, nil when empty or when
// buffering is disabled.
func (jb *JitterBuffer) Pop() *rtp.Packet {
	jb.mutex.Lock()
	defer jb.mutex.Unlock()

	if !jb.config.Enabled || jb.closed || len(jb.packets) == 0 {
		return nil
	}

	buffered := heap.Pop(&jb.packets).(*bufferedPacket)
	jb.advancePlayout(buffered.packet.SequenceNumber)
	return buffered.packet
}

func (jb *JitterBuffer) Flush() {
	jb.mutex.Lock()
	defer jb.mutex.Unlock()

	jb.packets = make(packetHeap, 0, jb.config.MaxPackets)
	heap.Init(&jb.packets)
}

func (jb *JitterBuffer) Close() {
	jb.mutex.Lock()
	if jb.closed {
		jb.mutex.Unlock()
		return
	}
	jb.closed = true
	jb.mutex.Unlock()

	close(jb.stop)
	close(jb.output)
}

type JitterStats struct {
	Enabled         bool   `json:"enabled"`
	BufferedPackets int    `json:"bufferedPackets"`
	CurrentDelayMs  int64  `json:"currentDelayMs"`
	JitterMs        int64  `json:"jitterMs"`
	Received        uint64 `json:"received"`
	Dropped         uint64 `json:"dropped"`
	Reordered       uint64 `json:"reordered"`
}

func (jb *JitterBuffer) Stats() JitterStats {
	jb.mutex.Lock()
	defer jb.mutex.Unlock()

	return JitterStats{
		Enabled:         jb.config.Enabled,
		BufferedPackets: len(jb.packets),
		CurrentDelayMs:  jb.currentDelay.Milliseconds(),
		JitterMs:        jb.jitter.Milliseconds(),
		Received:        jb.received,
		Dropped:         jb.dropped,
		Reordered:       jb.reordered,
	}
}
