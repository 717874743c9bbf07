package packet

import (
	"github.com/pion/rtp"
)

// One frame interval in the media clock, used as the timestamp gap between
// the last packet of the old source and the first packet of the new one.
const (
	// 90 kHz video clock at 30 fps.
	VideoClockJump uint32 = 3000
	// 48 kHz audio clock at 20 ms per frame.
	AudioClockJump uint32 = 960
)

// Rewriter maps the sequence numbers and timestamps of an incoming RTP
// stream onto a single continuous outgoing stream. When the input stream is
// replaced (the relay switches between SFU ingest and a local share, or the
// ingest track is renewed), the first packet of the new stream is pinned
// right after the last emitted one: its sequence number continues at
// last+1 and its timestamp advances by exactly one frame interval, so
// decoders never observe a discontinuity.
//
// All arithmetic is modular in uint16/uint32, which makes rollover of either
// counter a non-event. Not safe for concurrent use; the switcher serializes
// access per kind.
type Rewriter struct {
	clockJump uint32

	snOffset uint16
	tsOffset uint32
	lastSN   uint16
	lastTS   uint32
	emitted  bool
	synced   bool
}

// NewRewriter creates a rewriter for one media kind. clockJump is the
// timestamp advance applied across a source switch, one frame interval in
// the kind's RTP clock.
func NewRewriter(clockJump uint32) *Rewriter {
	return &Rewriter{clockJump: clockJump}
}

// Reset marks the rewrite state stale. The next packet re-derives the
// offsets against the last emitted identifiers.
func (r *Rewriter) Reset() {
	r.synced = false
}

// Rewrite maps the packet onto the outgoing stream in place.
func (r *Rewriter) Rewrite(packet *rtp.Packet) {
	if !r.synced {
		if r.emitted {
			r.snOffset = r.lastSN + 1 - packet.SequenceNumber
			r.tsOffset = r.lastTS + r.clockJump - packet.Timestamp
		} else {
			// Nothing emitted yet: the very first stream passes through
			// unchanged.
			r.snOffset = 0
			r.tsOffset = 0
		}
		r.synced = true
	}

	packet.SequenceNumber += r.snOffset
	packet.Timestamp += r.tsOffset

	r.lastSN = packet.SequenceNumber
	r.lastTS = packet.Timestamp
	r.emitted = true
}
