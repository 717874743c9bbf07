// Package relay implements the LAN fan-out side of the node: one switcher
// that owns the outbound media tracks and splices between upstream and local
// sources, and one room that feeds those tracks to LAN subscribers over
// per-peer connections.
package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/weirnet/weir/pkg/packet"
	"github.com/weirnet/weir/pkg/stats"
	"github.com/weirnet/weir/pkg/webrtc_ext"
)

// Source identifies which logical input currently feeds the outbound tracks.
type Source int32

const (
	SourceSFU Source = iota
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourceSFU:
		return "sfu"
	case SourceLocal:
		return "local"
	default:
		return "unknown"
	}
}

const writeErrorInterval = time.Second

type SwitcherCallbacks struct {
	// The active source flipped. sharerID is set when the source is local.
	OnSourceChanged func(source Source, sharerID string)
	// The outbound tracks must be pushed to subscribers again, either
	// because a track object was replaced or because its rewrite state was
	// reset in place.
	OnTrackChanged func(video, audio *webrtc.TrackLocalStaticRTP)
}

type SwitcherConfig struct {
	StreamID   string
	VideoCodec webrtc.RTPCodecCapability
	AudioCodec webrtc.RTPCodecCapability
}

// outboundTrack is one kind's outbound state. Its mutex serializes the
// rewriter; WriteRTP itself happens outside the lock.
type outboundTrack struct {
	kind      webrtc.RTPCodecType
	clockJump uint32

	mu        sync.Mutex
	track     *webrtc.TrackLocalStaticRTP
	rewriter  *packet.Rewriter
	lastError time.Time
}

func (o *outboundTrack) reset() {
	o.mu.Lock()
	o.rewriter.Reset()
	o.mu.Unlock()
}

func (o *outboundTrack) current() *webrtc.TrackLocalStaticRTP {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.track
}

// Switcher owns exactly one outbound video track and one outbound audio
// track and decides, per packet, whether the packet reaches them. Exactly
// one source is live at any instant; packets from the other are dropped and
// counted. Sequence numbers and timestamps are rewritten so subscribers see
// a single continuous stream across every switch.
type Switcher struct {
	logger    *logrus.Entry
	clock     clock.Clock
	callbacks SwitcherCallbacks
	traffic   *stats.Traffic

	active atomic.Int32

	mu       sync.Mutex
	sharerID string

	video *outboundTrack
	audio *outboundTrack

	droppedSFU   atomic.Uint64
	droppedLocal atomic.Uint64
}

// SwitcherStats is a point-in-time snapshot for the status surface.
type SwitcherStats struct {
	Active       string `json:"active"`
	SharerID     string `json:"sharerId,omitempty"`
	DroppedSFU   uint64 `json:"droppedSfu"`
	DroppedLocal uint64 `json:"droppedLocal"`
}

// NewSwitcher creates the switcher and its outbound tracks. traffic may be
// nil when the caller does not account traffic.
func NewSwitcher(config SwitcherConfig, callbacks SwitcherCallbacks, traffic *stats.Traffic, logger *logrus.Entry) (*Switcher, error) {
	return newSwitcherWithClock(config, callbacks, traffic, logger, clock.New())
}

func newSwitcherWithClock(
	config SwitcherConfig,
	callbacks SwitcherCallbacks,
	traffic *stats.Traffic,
	logger *logrus.Entry,
	clk clock.Clock,
) (*Switcher, error) {
	if config.StreamID == "" {
		config.StreamID = "weir-relay"
	}
	if config.VideoCodec.MimeType == "" {
		config.VideoCodec = webrtc_ext.DefaultVideoCapability()
	}
	if config.AudioCodec.MimeType == "" {
		config.AudioCodec = webrtc_ext.DefaultAudioCapability()
	}

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(config.VideoCodec, "weir-video", config.StreamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	audioTrack, err := webrtc.NewTrackLocalStaticRTP(config.AudioCodec, "weir-audio", config.StreamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	return &Switcher{
		logger:    logger,
		clock:     clk,
		callbacks: callbacks,
		traffic:   traffic,
		video: &outboundTrack{
			kind:      webrtc.RTPCodecTypeVideo,
			clockJump: packet.VideoClockJump,
			track:     videoTrack,
			rewriter:  packet.NewRewriter(packet.VideoClockJump),
		},
		audio: &outboundTrack{
			kind:      webrtc.RTPCodecTypeAudio,
			clockJump: packet.AudioClockJump,
			track:     audioTrack,
			rewriter:  packet.NewRewriter(packet.AudioClockJump),
		},
	}, nil
}

// Tracks returns the current outbound track objects.
func (s *Switcher) Tracks() (video, audio *webrtc.TrackLocalStaticRTP) {
	return s.video.current(), s.audio.current()
}

func (s *Switcher) Active() Source {
	return Source(s.active.Load())
}

// Sharer returns the peer currently screen-sharing, if the local source is
// active.
func (s *Switcher) Sharer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharerID
}

func (s *Switcher) Stats() SwitcherStats {
	s.mu.Lock()
	sharer := s.sharerID
	s.mu.Unlock()

	return SwitcherStats{
		Active:       s.Active().String(),
		SharerID:     sharer,
		DroppedSFU:   s.droppedSFU.Load(),
		DroppedLocal: s.droppedLocal.Load(),
	}
}

// WriteSFU feeds one upstream packet in. The packet is rewritten in place.
func (s *Switcher) WriteSFU(kind webrtc.RTPCodecType, pkt *rtp.Packet) error {
	return s.write(SourceSFU, kind, pkt)
}

// WriteLocal feeds one local screen-share packet in.
func (s *Switcher) WriteLocal(kind webrtc.RTPCodecType, pkt *rtp.Packet) error {
	return s.write(SourceLocal, kind, pkt)
}

func (s *Switcher) write(source Source, kind webrtc.RTPCodecType, pkt *rtp.Packet) error {
	if s.Active() != source {
		if source == SourceSFU {
			s.droppedSFU.Add(1)
		} else {
			s.droppedLocal.Add(1)
		}
		if s.traffic != nil {
			s.traffic.RecordDropped()
		}
		return nil
	}

	out := s.trackFor(kind)

	out.mu.Lock()
	out.rewriter.Rewrite(pkt)
	track := out.track
	out.mu.Unlock()

	if s.traffic != nil {
		s.traffic.RecordIn(pkt.MarshalSize())
	}

	if err := track.WriteRTP(pkt); err != nil {
		s.logWriteError(out, err)
		return err
	}
	return nil
}

func (s *Switcher) trackFor(kind webrtc.RTPCodecType) *outboundTrack {
	if kind == webrtc.RTPCodecTypeAudio {
		return s.audio
	}
	return s.video
}

// logWriteError reports WriteRTP failures at most once per second per kind.
func (s *Switcher) logWriteError(out *outboundTrack, err error) {
	now := s.clock.Now()

	out.mu.Lock()
	throttled := now.Sub(out.lastError) < writeErrorInterval
	if !throttled {
		out.lastError = now
	}
	out.mu.Unlock()

	if !throttled {
		s.logger.WithError(err).WithField("kind", out.kind.String()).Warn("Failed to write RTP to outbound track")
	}
}

// StartLocalShare switches the live source to the local screen share. The
// next packet of each kind re-synchronises against the last emitted one.
func (s *Switcher) StartLocalShare(sharerID string) {
	s.mu.Lock()
	if s.Active() == SourceLocal && s.sharerID == sharerID {
		s.mu.Unlock()
		return
	}
	s.active.Store(int32(SourceLocal))
	s.sharerID = sharerID
	s.video.reset()
	s.audio.reset()
	onSourceChanged := s.callbacks.OnSourceChanged
	s.mu.Unlock()

	s.logger.WithField("sharer_id", sharerID).Info("Switched to local screen share")
	if onSourceChanged != nil {
		onSourceChanged(SourceLocal, sharerID)
	}
}

// StopLocalShare switches back to the upstream source.
func (s *Switcher) StopLocalShare() {
	s.mu.Lock()
	if s.Active() == SourceSFU {
		s.mu.Unlock()
		return
	}
	s.active.Store(int32(SourceSFU))
	s.sharerID = ""
	s.video.reset()
	s.audio.reset()
	onSourceChanged := s.callbacks.OnSourceChanged
	s.mu.Unlock()

	s.logger.Info("Switched back to upstream source")
	if onSourceChanged != nil {
		onSourceChanged(SourceSFU, "")
	}
}

// SwitchToSource is the explicit, idempotent override used by the
// coordinator when it already knows the desired source.
func (s *Switcher) SwitchToSource(source Source) {
	s.mu.Lock()
	if s.Active() == source {
		s.mu.Unlock()
		return
	}
	s.active.Store(int32(source))
	if source == SourceSFU {
		s.sharerID = ""
	}
	sharer := s.sharerID
	s.video.reset()
	s.audio.reset()
	onSourceChanged := s.callbacks.OnSourceChanged
	s.mu.Unlock()

	s.logger.WithField("source", source.String()).Info("Switched source")
	if onSourceChanged != nil {
		onSourceChanged(source, sharer)
	}
}

// SetVideoCodec installs the upstream video capability, replacing the
// outbound track when the MIME type actually changed.
func (s *Switcher) SetVideoCodec(capability webrtc.RTPCodecCapability) error {
	return s.setCodec(s.video, capability)
}

// SetAudioCodec installs the upstream audio capability.
func (s *Switcher) SetAudioCodec(capability webrtc.RTPCodecCapability) error {
	return s.setCodec(s.audio, capability)
}

func (s *Switcher) setCodec(out *outboundTrack, capability webrtc.RTPCodecCapability) error {
	out.mu.Lock()
	if out.track.Codec().MimeType == capability.MimeType {
		// Same codec: keep the track object, just re-derive offsets on the
		// next packet so subscribers get a clean splice point.
		out.rewriter.Reset()
		out.mu.Unlock()
		s.notifyTrackChanged()
		return nil
	}

	fresh, err := webrtc.NewTrackLocalStaticRTP(capability, out.track.ID(), out.track.StreamID())
	if err != nil {
		out.mu.Unlock()
		return fmt.Errorf("failed to create %s track for %s: %w", out.kind, capability.MimeType, err)
	}
	previous := out.track.Codec().MimeType
	out.track = fresh
	out.rewriter = packet.NewRewriter(out.clockJump)
	out.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"kind": out.kind.String(),
		"from": previous,
		"to":   capability.MimeType,
	}).Info("Outbound codec changed")
	s.notifyTrackChanged()
	return nil
}

func (s *Switcher) notifyTrackChanged() {
	if s.callbacks.OnTrackChanged == nil {
		return
	}
	video, audio := s.Tracks()
	s.callbacks.OnTrackChanged(video, audio)
}
