// Package stats tracks forwarding traffic per room and per peer: cumulative
// counters on the hot path, windowed bitrates on a slow tick, and a
// prometheus collector over both.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Traffic accumulates one direction pair of a forwarding path. The Record
// methods are atomic and safe on the packet path; UpdateBitrate is called
// from a slow ticker.
type Traffic struct {
	clock clock.Clock

	bytesIn        atomic.Uint64
	bytesOut       atomic.Uint64
	packetsIn      atomic.Uint64
	packetsOut     atomic.Uint64
	packetsLost    atomic.Uint64
	packetsDropped atomic.Uint64

	mutex        sync.Mutex
	lastCalc     time.Time
	lastBytesIn  uint64
	lastBytesOut uint64
	bitrateIn    float64
	bitrateOut   float64
}

func NewTraffic() *Traffic {
	return NewTrafficWithClock(clock.New())
}

func NewTrafficWithClock(clk clock.Clock) *Traffic {
	return &Traffic{
		clock:    clk,
		lastCalc: clk.Now(),
	}
}

// RecordIn accounts one received packet of the given size.
func (t *Traffic) RecordIn(bytes int) {
	t.bytesIn.Add(uint64(bytes))
	t.packetsIn.Add(1)
}

// RecordOut accounts one forwarded packet of the given size.
func (t *Traffic) RecordOut(bytes int) {
	t.bytesOut.Add(uint64(bytes))
	t.packetsOut.Add(1)
}

func (t *Traffic) RecordLost() {
	t.packetsLost.Add(1)
}

// RecordDropped accounts a packet discarded on purpose, such as input from
// a source that is not active.
func (t *Traffic) RecordDropped() {
	t.packetsDropped.Add(1)
}

// UpdateBitrate recomputes the windowed bitrates from the bytes moved since
// the previous call. Calls closer together than 100ms are ignored to keep
// the window meaningful.
func (t *Traffic) UpdateBitrate() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := t.clock.Now()
	elapsed := now.Sub(t.lastCalc).Seconds()
	if elapsed < 0.1 {
		return
	}

	bytesIn := t.bytesIn.Load()
	bytesOut := t.bytesOut.Load()

	t.bitrateIn = float64(bytesIn-t.lastBytesIn) * 8 / elapsed
	t.bitrateOut = float64(bytesOut-t.lastBytesOut) * 8 / elapsed

	t.lastBytesIn = bytesIn
	t.lastBytesOut = bytesOut
	t.lastCalc = now
}

// LossRate is the fraction of inbound packets reported lost, 0..1.
func (t *Traffic) LossRate() float64 {
	in := t.packetsIn.Load()
	lost := t.packetsLost.Load()
	if in == 0 {
		return 0
	}
	return float64(lost) / float64(in+lost)
}

type TrafficSnapshot struct {
	BytesIn        uint64  `json:"bytesIn"`
	BytesOut       uint64  `json:"bytesOut"`
	PacketsIn      uint64  `json:"packetsIn"`
	PacketsOut     uint64  `json:"packetsOut"`
	PacketsLost    uint64  `json:"packetsLost"`
	PacketsDropped uint64  `json:"packetsDropped"`
	BitrateIn      float64 `json:"bitrateInBps"`
	BitrateOut     float64 `json:"bitrateOutBps"`
	LossRate       float64 `json:"lossRate"`
}

func (t *Traffic) Snapshot() TrafficSnapshot {
	t.mutex.Lock()
	bitrateIn, bitrateOut := t.bitrateIn, t.bitrateOut
	t.mutex.Unlock()

	return TrafficSnapshot{
		BytesIn:        t.bytesIn.Load(),
		BytesOut:       t.bytesOut.Load(),
		PacketsIn:      t.packetsIn.Load(),
		PacketsOut:     t.packetsOut.Load(),
		PacketsLost:    t.packetsLost.Load(),
		PacketsDropped: t.packetsDropped.Load(),
		BitrateIn:      bitrateIn,
		BitrateOut:     bitrateOut,
		LossRate:       t.LossRate(),
	}
}

// Room aggregates traffic for one room: a total plus a per-peer breakdown.
type Room struct {
	roomID string
	clock  clock.Clock

	total *Traffic

	mutex sync.RWMutex
	peers map[string]*Traffic
	start time.Time
}

func NewRoom(roomID string) *Room {
	return NewRoomWithClock(roomID, clock.New())
}

func NewRoomWithClock(roomID string, clk clock.Clock) *Room {
	return &Room{
		roomID: roomID,
		clock:  clk,
		total:  NewTrafficWithClock(clk),
		peers:  make(map[string]*Traffic),
		start:  clk.Now(),
	}
}

// Total is the room-wide accumulator.
func (r *Room) Total() *Traffic {
	return r.total
}

// Peer returns the accumulator for one peer, creating it on first use.
func (r *Room) Peer(peerID string) *Traffic {
	r.mutex.RLock()
	traffic := r.peers[peerID]
	r.mutex.RUnlock()
	if traffic != nil {
		return traffic
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if traffic := r.peers[peerID]; traffic != nil {
		return traffic
	}
	traffic = NewTrafficWithClock(r.clock)
	r.peers[peerID] = traffic
	return traffic
}

func (r *Room) RemovePeer(peerID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.peers, peerID)
}

// UpdateBitrates refreshes the windowed rates of the room and every peer.
func (r *Room) UpdateBitrates() {
	r.total.UpdateBitrate()

	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for _, traffic := range r.peers {
		traffic.UpdateBitrate()
	}
}

type RoomSnapshot struct {
	RoomID        string                     `json:"roomId"`
	Traffic       TrafficSnapshot            `json:"traffic"`
	Peers         map[string]TrafficSnapshot `json:"peers"`
	PeerCount     int                        `json:"peerCount"`
	UptimeSeconds float64                    `json:"uptimeSeconds"`
}

func (r *Room) Snapshot() RoomSnapshot {
	r.mutex.RLock()
	peers := make(map[string]TrafficSnapshot, len(r.peers))
	for peerID, traffic := range r.peers {
		peers[peerID] = traffic.Snapshot()
	}
	count := len(r.peers)
	start := r.start
	r.mutex.RUnlock()

	return RoomSnapshot{
		RoomID:        r.roomID,
		Traffic:       r.total.Snapshot(),
		Peers:         peers,
		PeerCount:     count,
		UptimeSeconds: r.clock.Now().Sub(start).Seconds(),
	}
}
