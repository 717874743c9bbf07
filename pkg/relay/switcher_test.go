package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/weirnet/weir/pkg/packet"
	"github.com/weirnet/weir/pkg/stats"
	"github.com/weirnet/weir/pkg/webrtc_ext"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func rtpPacket(sn uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: sn,
			Timestamp:      ts,
			PayloadType:    96,
		},
		Payload: []byte{0x01, 0x02},
	}
}

func newTestSwitcher(t *testing.T, callbacks SwitcherCallbacks, traffic *stats.Traffic) *Switcher {
	t.Helper()
	switcher, err := NewSwitcher(SwitcherConfig{}, callbacks, traffic, testLogger())
	require.NoError(t, err)
	return switcher
}

func TestSwitcherSplicesLocalShareIntoStream(t *testing.T) {
	s := newTestSwitcher(t, SwitcherCallbacks{}, nil)

	// First stream ever: passes through untouched.
	pkt := rtpPacket(1000, 90000)
	require.NoError(t, s.WriteSFU(webrtc.RTPCodecTypeVideo, pkt))
	require.Equal(t, uint16(1000), pkt.SequenceNumber)
	require.Equal(t, uint32(90000), pkt.Timestamp)

	// A local share takes over with unrelated numbering; output continues
	// one step after the last emitted packet.
	s.StartLocalShare("peer-b")

	pkt = rtpPacket(200, 4500000)
	require.NoError(t, s.WriteLocal(webrtc.RTPCodecTypeVideo, pkt))
	require.Equal(t, uint16(1001), pkt.SequenceNumber)
	require.Equal(t, uint32(93000), pkt.Timestamp)

	pkt = rtpPacket(201, 4503000)
	require.NoError(t, s.WriteLocal(webrtc.RTPCodecTypeVideo, pkt))
	require.Equal(t, uint16(1002), pkt.SequenceNumber)
	require.Equal(t, uint32(96000), pkt.Timestamp)

	// Back to the upstream feed, which moved on in the meantime.
	s.StopLocalShare()

	pkt = rtpPacket(1500, 135000)
	require.NoError(t, s.WriteSFU(webrtc.RTPCodecTypeVideo, pkt))
	require.Equal(t, uint16(1003), pkt.SequenceNumber)
	require.Equal(t, uint32(99000), pkt.Timestamp)
}

func TestSwitcherSplicesAudioWithOneFrameGap(t *testing.T) {
	s := newTestSwitcher(t, SwitcherCallbacks{}, nil)

	pkt := rtpPacket(500, 48000)
	require.NoError(t, s.WriteSFU(webrtc.RTPCodecTypeAudio, pkt))

	s.StartLocalShare("peer-b")

	pkt = rtpPacket(9000, 999999)
	require.NoError(t, s.WriteLocal(webrtc.RTPCodecTypeAudio, pkt))
	require.Equal(t, uint16(501), pkt.SequenceNumber)
	require.Equal(t, uint32(48000+packet.AudioClockJump), pkt.Timestamp)
}

func TestSwitcherDropsInactiveSource(t *testing.T) {
	traffic := stats.NewTraffic()
	s := newTestSwitcher(t, SwitcherCallbacks{}, traffic)

	// Local packets while the upstream is live: dropped, untouched.
	pkt := rtpPacket(7, 7000)
	require.NoError(t, s.WriteLocal(webrtc.RTPCodecTypeVideo, pkt))
	require.Equal(t, uint16(7), pkt.SequenceNumber)
	require.Equal(t, uint32(7000), pkt.Timestamp)

	s.StartLocalShare("peer-b")
	require.NoError(t, s.WriteSFU(webrtc.RTPCodecTypeVideo, rtpPacket(8, 8000)))
	require.NoError(t, s.WriteLocal(webrtc.RTPCodecTypeVideo, rtpPacket(9, 9000)))

	snapshot := s.Stats()
	require.Equal(t, uint64(1), snapshot.DroppedLocal)
	require.Equal(t, uint64(1), snapshot.DroppedSFU)
	require.Equal(t, "local", snapshot.Active)
	require.Equal(t, "peer-b", snapshot.SharerID)

	require.Equal(t, uint64(2), traffic.Snapshot().PacketsDropped)
	require.Equal(t, uint64(1), traffic.Snapshot().PacketsIn)
}

func TestSwitcherOutputStaysContinuousAcrossTakeover(t *testing.T) {
	s := newTestSwitcher(t, SwitcherCallbacks{}, nil)

	var lastSN uint16
	var lastTS uint32
	emitted := 0
	writeAndCheck := func(write func(*rtp.Packet) error, sn uint16, ts uint32) {
		pkt := rtpPacket(sn, ts)
		require.NoError(t, write(pkt))
		if emitted > 0 {
			require.Equal(t, lastSN+1, pkt.SequenceNumber)
			require.Equal(t, lastTS+packet.VideoClockJump, pkt.Timestamp)
		}
		lastSN, lastTS = pkt.SequenceNumber, pkt.Timestamp
		emitted++
	}
	sfu := func(p *rtp.Packet) error { return s.WriteSFU(webrtc.RTPCodecTypeVideo, p) }
	local := func(p *rtp.Packet) error { return s.WriteLocal(webrtc.RTPCodecTypeVideo, p) }

	for i := 0; i < 10; i++ {
		writeAndCheck(sfu, uint16(100+i), uint32(3000*i))
	}
	s.StartLocalShare("peer-b")
	for i := 0; i < 10; i++ {
		writeAndCheck(local, uint16(60000+i), uint32(4000000+3000*i))
	}
	s.StopLocalShare()
	for i := 0; i < 10; i++ {
		writeAndCheck(sfu, uint16(200+i), uint32(900000+3000*i))
	}
}

// Arbitrary interleavings of takeovers, handovers and same-codec refreshes
// must never leave a gap on the outbound video track: every packet the
// switcher emits advances by exactly one sequence number and one frame
// interval, no matter what base numbering each upstream burst arrives with.
func TestSwitcherKeepsVideoContinuousUnderSourceChurn(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s, err := NewSwitcher(SwitcherConfig{}, SwitcherCallbacks{}, nil, testLogger())
		require.NoError(t, err)

		var lastSN, inSN uint16
		var lastTS, inTS uint32
		emitted := 0
		local := false

		bursts := rapid.IntRange(1, 8).Draw(t, "bursts")
		for burst := 0; burst < bursts; burst++ {
			spliced := burst == 0
			switch rapid.IntRange(0, 3).Draw(t, "churn") {
			case 0:
				// Unique sharer per burst, so this is a takeover or a
				// handover and re-splices either way.
				s.StartLocalShare(fmt.Sprintf("sharer-%d", burst))
				local, spliced = true, true
			case 1:
				if local {
					spliced = true
				}
				s.StopLocalShare()
				local = false
			case 2:
				require.NoError(t, s.SetVideoCodec(webrtc_ext.DefaultVideoCapability()))
				spliced = true
			case 3:
				// Active source keeps streaming.
			}

			if spliced {
				inSN = rapid.Uint16().Draw(t, "baseSN")
				inTS = rapid.Uint32().Draw(t, "baseTS")
			}

			write := s.WriteSFU
			if local {
				write = s.WriteLocal
			}

			length := rapid.IntRange(1, 12).Draw(t, "burstLen")
			for i := 0; i < length; i++ {
				pkt := rtpPacket(inSN, inTS)
				require.NoError(t, write(webrtc.RTPCodecTypeVideo, pkt))
				if emitted > 0 {
					require.Equal(t, lastSN+1, pkt.SequenceNumber)
					require.Equal(t, lastTS+packet.VideoClockJump, pkt.Timestamp)
				}
				lastSN, lastTS = pkt.SequenceNumber, pkt.Timestamp
				emitted++
				inSN++
				inTS += packet.VideoClockJump
			}
		}
	})
}

func TestSourceSwitchingIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	var events []string
	callbacks := SwitcherCallbacks{
		OnSourceChanged: func(source Source, sharerID string) {
			mu.Lock()
			events = append(events, source.String()+":"+sharerID)
			mu.Unlock()
		},
	}
	s := newTestSwitcher(t, callbacks, nil)

	s.StartLocalShare("peer-b")
	s.StartLocalShare("peer-b") // no-op
	s.StartLocalShare("peer-c") // sharer handover
	s.StopLocalShare()
	s.StopLocalShare() // no-op
	s.SwitchToSource(SourceSFU) // no-op
	s.SwitchToSource(SourceLocal)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"local:peer-b", "local:peer-c", "sfu:", "local:"}, events)
}

func TestSameCodecUpdateResplicesInPlace(t *testing.T) {
	var changes int
	var lastVideo *webrtc.TrackLocalStaticRTP
	callbacks := SwitcherCallbacks{
		OnTrackChanged: func(video, audio *webrtc.TrackLocalStaticRTP) {
			changes++
			lastVideo = video
		},
	}
	s := newTestSwitcher(t, callbacks, nil)
	originalVideo, _ := s.Tracks()

	pkt := rtpPacket(1000, 90000)
	require.NoError(t, s.WriteSFU(webrtc.RTPCodecTypeVideo, pkt))

	require.NoError(t, s.SetVideoCodec(webrtc_ext.DefaultVideoCapability()))
	require.Equal(t, 1, changes)
	require.Same(t, originalVideo, lastVideo)

	// The next packet re-derives the splice even though the track object
	// is unchanged.
	pkt = rtpPacket(40000, 123456)
	require.NoError(t, s.WriteSFU(webrtc.RTPCodecTypeVideo, pkt))
	require.Equal(t, uint16(1001), pkt.SequenceNumber)
	require.Equal(t, uint32(93000), pkt.Timestamp)
}

func TestCodecChangeReplacesTrack(t *testing.T) {
	var changes int
	var lastVideo, lastAudio *webrtc.TrackLocalStaticRTP
	callbacks := SwitcherCallbacks{
		OnTrackChanged: func(video, audio *webrtc.TrackLocalStaticRTP) {
			changes++
			lastVideo, lastAudio = video, audio
		},
	}
	s := newTestSwitcher(t, callbacks, nil)
	originalVideo, originalAudio := s.Tracks()

	require.NoError(t, s.WriteSFU(webrtc.RTPCodecTypeVideo, rtpPacket(1000, 90000)))

	h264, ok := webrtc_ext.FindCapability(webrtc.MimeTypeH264)
	require.True(t, ok)
	require.NoError(t, s.SetVideoCodec(h264))

	require.Equal(t, 1, changes)
	require.NotSame(t, originalVideo, lastVideo)
	require.Same(t, originalAudio, lastAudio)
	require.Equal(t, webrtc.MimeTypeH264, lastVideo.Codec().MimeType)

	// A fresh track starts a fresh stream: no splicing against the old
	// codec's clock.
	pkt := rtpPacket(42, 7)
	require.NoError(t, s.WriteSFU(webrtc.RTPCodecTypeVideo, pkt))
	require.Equal(t, uint16(42), pkt.SequenceNumber)
	require.Equal(t, uint32(7), pkt.Timestamp)
}
