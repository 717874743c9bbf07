// Package bridge subscribes to an upstream LiveKit room and feeds its media
// into the local fan-out. The relay peer runs exactly one bridge per room
// while it holds the relay role; everyone else receives the same stream over
// the LAN instead of the WAN.
package bridge

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/weirnet/weir/pkg/common"
	"github.com/weirnet/weir/pkg/packet"
	"github.com/weirnet/weir/pkg/webrtc_ext"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrBridgeClosed     = errors.New("bridge closed")
	ErrAlreadyConnected = errors.New("bridge already connected")
)

const (
	// At most one keyframe request reaches the upstream per window, no
	// matter how many subscribers ask at once.
	keyframeThrottle = 200 * time.Millisecond
	// Pause between disabling and re-enabling the video subscription. The
	// SFU needs to process the pause before the resume forces a keyframe.
	keyframeToggleGap = 50 * time.Millisecond
	// Bound on how long Close waits for the SDK to disconnect.
	disconnectTimeout = 2 * time.Second
)

// The SFU quietly drops a quality request issued while it is still settling
// on a simulcast layer, so the request is repeated after these delays.
var qualityRampDelays = [...]time.Duration{500 * time.Millisecond, 1500 * time.Millisecond}

type Config struct {
	// Upstream LiveKit server, e.g. wss://livekit.example.com.
	URL string `yaml:"url"`
	// Pre-issued access token for the bridge bot. When empty, a token is
	// minted from the API key pair instead.
	Token     string `yaml:"token"`
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
	// Identity the bot joins under. Derived from the room when empty.
	BotIdentity string `yaml:"botIdentity"`
	// Validity of minted tokens.
	TokenTTL common.Duration `yaml:"tokenTtl"`
	// No media on a subscribed track for this long counts as a stall.
	// Zero disables the watchdog.
	StallTimeout common.Duration     `yaml:"stallTimeout"`
	Jitter       packet.JitterConfig `yaml:"jitter"`
}

func DefaultConfig() Config {
	return Config{
		TokenTTL:     common.NewDuration(time.Hour),
		StallTimeout: common.NewDuration(3 * time.Second),
		Jitter:       packet.DefaultJitterConfig(),
	}
}

// Enabled reports whether the bridge is configured at all. Rooms without an
// upstream run LAN-only.
func (c Config) Enabled() bool {
	return c.URL != ""
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("bridge URL required")
	}
	if c.Token == "" && (c.APIKey == "" || c.APISecret == "") {
		return ErrNoCredentials
	}
	return nil
}

// Callbacks connect the bridge to its consumer. All fields are fixed at
// construction and invoked outside the bridge's lock.
type Callbacks struct {
	// OnPacket delivers one marshalled RTP packet from the upstream. The
	// buffer is pooled and reused once the callback returns, so consumers
	// must finish with it synchronously or copy.
	OnPacket func(kind webrtc.RTPCodecType, data []byte)
	// Codec parameters of the upstream tracks, reported on subscribe. The
	// fan-out tracks must carry the same parameters or decoders downstream
	// misread the stream.
	OnVideoCodec func(codec webrtc.RTPCodecCapability)
	OnAudioCodec func(codec webrtc.RTPCodecCapability)

	OnStateChanged func(state State)
	OnError        func(err error)
}

// Bridge is a hidden, subscribe-only participant in the upstream room. It
// is one-shot: once closed it cannot reconnect, the owner creates a fresh
// bridge for the next relay term.
type Bridge struct {
	roomID    string
	config    Config
	callbacks Callbacks
	logger    *logrus.Entry
	clock     clock.Clock
	pool      *packet.Pool

	state atomic.Int32

	mutex        sync.Mutex
	room         *lksdk.Room
	videoInfo    webrtc_ext.TrackInfo
	videoBuffer  *packet.JitterBuffer
	lastKeyframe time.Time
	stopped      bool

	// Closed on Close, unwinds read loops and quality ramps.
	stop chan struct{}

	tracks       atomic.Int32
	videoPackets atomic.Uint64
	audioPackets atomic.Uint64
	readErrors   atomic.Uint64
	keyframes    atomic.Uint64
	stalls       atomic.Uint64
}

func New(roomID string, config Config, callbacks Callbacks, logger *logrus.Entry) *Bridge {
	return NewWithClock(roomID, config, callbacks, logger, clock.New())
}

func NewWithClock(roomID string, config Config, callbacks Callbacks, logger *logrus.Entry, clk clock.Clock) *Bridge {
	if config.TokenTTL.Duration == 0 {
		config.TokenTTL = DefaultConfig().TokenTTL
	}

	return &Bridge{
		roomID:    roomID,
		config:    config,
		callbacks: callbacks,
		logger:    logger.WithField("component", "bridge"),
		clock:     clk,
		pool:      packet.Default,
		stop:      make(chan struct{}),
	}
}

// Connect joins the upstream room and starts pulling media. Everything the
// upstream publishes is subscribed automatically; tracks that slip through
// are subscribed by hand when they appear.
func (b *Bridge) Connect() error {
	b.mutex.Lock()
	if b.stopped {
		b.mutex.Unlock()
		return ErrBridgeClosed
	}
	if b.room != nil {
		b.mutex.Unlock()
		return ErrAlreadyConnected
	}
	b.mutex.Unlock()

	b.setState(StateConnecting)

	token, err := BotToken(b.config, b.roomID)
	if err != nil {
		return b.fail(err)
	}

	callback := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   b.onTrackSubscribed,
			OnTrackUnsubscribed: b.onTrackUnsubscribed,
			OnTrackPublished:    b.onTrackPublished,
		},
		OnDisconnected: func() {
			b.logger.Warn("Upstream connection lost")
			b.setState(StateDisconnected)
		},
		OnReconnecting: func() {
			b.setState(StateConnecting)
		},
		OnReconnected: func() {
			b.setState(StateConnected)
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(b.config.URL, token, callback, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return b.fail(err)
	}

	b.mutex.Lock()
	if b.stopped {
		b.mutex.Unlock()
		room.Disconnect()
		return ErrBridgeClosed
	}
	b.room = room
	b.mutex.Unlock()

	b.setState(StateConnected)
	b.logger.Info("Bridged into upstream room")
	return nil
}

// Close tears the bridge down. The SDK disconnect can block on a dead
// upstream, so it runs detached and Close gives up on it after a bound.
func (b *Bridge) Close() {
	b.mutex.Lock()
	if b.stopped {
		b.mutex.Unlock()
		return
	}
	b.stopped = true
	room := b.room
	b.room = nil
	b.mutex.Unlock()

	close(b.stop)

	if room != nil {
		done := make(chan struct{})
		go func() {
			room.Disconnect()
			close(done)
		}()
		select {
		case <-done:
		case <-b.clock.After(disconnectTimeout):
			b.logger.Warn("Upstream disconnect timed out, abandoning")
		}
	}

	b.setState(StateDisconnected)
}

func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) IsConnected() bool {
	return b.State() == StateConnected
}

// RequestKeyframe forces a fresh keyframe out of the upstream by toggling
// the video subscription off and on. Requests inside the throttle window
// are dropped; the keyframe the winning request produces serves everyone.
func (b *Bridge) RequestKeyframe() {
	b.mutex.Lock()
	room := b.room
	b.mutex.Unlock()
	if room == nil {
		return
	}

	if !b.allowKeyframe() {
		b.logger.Debug("Keyframe request throttled")
		return
	}

	b.keyframes.Add(1)
	go b.toggleVideo(room)
}

// allowKeyframe consumes the keyframe budget, at most one per throttle
// window.
func (b *Bridge) allowKeyframe() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := b.clock.Now()
	if now.Sub(b.lastKeyframe) < keyframeThrottle {
		return false
	}
	b.lastKeyframe = now
	return true
}

func (b *Bridge) toggleVideo(room *lksdk.Room) {
	for _, participant := range room.GetRemoteParticipants() {
		for _, publication := range participant.TrackPublications() {
			remote, ok := publication.(*lksdk.RemoteTrackPublication)
			if !ok || remote.Kind() != lksdk.TrackKindVideo {
				continue
			}

			remote.SetEnabled(false)
			b.clock.Sleep(keyframeToggleGap)
			remote.SetEnabled(true)
			remote.SetVideoQuality(livekit.VideoQuality_HIGH)

			b.logger.WithField("track_sid", remote.SID()).Debug("Keyframe requested from upstream")
			return
		}
	}
}

func (b *Bridge) onTrackPublished(publication *lksdk.RemoteTrackPublication, participant *lksdk.RemoteParticipant) {
	logger := b.logger.WithFields(logrus.Fields{
		"track_sid": publication.SID(),
		"publisher": participant.Identity(),
	})
	logger.Info("Upstream published a track")

	// Auto-subscribe normally picks these up; tracks published mid-session
	// occasionally need the explicit request.
	if !publication.IsSubscribed() {
		logger.Debug("Subscribing by hand")
		publication.SetSubscribed(true)
	}
}

func (b *Bridge) onTrackSubscribed(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, participant *lksdk.RemoteParticipant) {
	// Captured once; nothing past this point touches the live track for
	// metadata.
	info := webrtc_ext.TrackInfoFromTrack(track)
	b.tracks.Add(1)

	logger := b.logger.WithFields(logrus.Fields{
		"track_id":   info.TrackID,
		"track_kind": info.Kind.String(),
		"publisher":  participant.Identity(),
	})
	logger.Info("Subscribed to upstream track")

	if info.Kind == webrtc.RTPCodecTypeVideo {
		b.mutex.Lock()
		b.videoInfo = info
		b.mutex.Unlock()

		b.rampQuality(func() {
			publication.SetVideoQuality(livekit.VideoQuality_HIGH)
		})
		if b.callbacks.OnVideoCodec != nil {
			b.callbacks.OnVideoCodec(info.Codec)
		}
	} else if b.callbacks.OnAudioCodec != nil {
		b.callbacks.OnAudioCodec(info.Codec)
	}

	go b.readLoop(track, info, logger)
}

func (b *Bridge) onTrackUnsubscribed(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, participant *lksdk.RemoteParticipant) {
	b.tracks.Add(-1)
	b.logger.WithField("track_id", track.ID()).Info("Upstream track unsubscribed")
}

// rampQuality requests the top simulcast layer now and again after each ramp
// delay.
func (b *Bridge) rampQuality(request func()) {
	request()

	go func() {
		for _, delay := range qualityRampDelays {
			timer := b.clock.Timer(delay)
			select {
			case <-b.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			request()
		}
	}()
}

// readLoop pulls RTP off one subscribed track until the track ends or the
// bridge closes. Packets optionally pass through a jitter buffer before
// being handed to the consumer.
func (b *Bridge) readLoop(track *webrtc.TrackRemote, info webrtc_ext.TrackInfo, logger *logrus.Entry) {
	kind := info.Kind
	push := func(pkt *rtp.Packet) {
		b.emit(kind, pkt)
	}

	if b.config.Jitter.Enabled {
		buffer := packet.NewJitterBuffer(b.config.Jitter, info.Codec.ClockRate)
		buffer.Start()

		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for pkt := range buffer.Output() {
				b.emit(kind, pkt)
			}
		}()
		defer func() {
			buffer.Close()
			<-drained
		}()

		if kind == webrtc.RTPCodecTypeVideo {
			b.mutex.Lock()
			b.videoBuffer = buffer
			b.mutex.Unlock()
		}
		push = buffer.Push
	}

	if b.config.StallTimeout.Duration > 0 {
		watchdog := common.NewWatchdog(b.config.StallTimeout.Duration, func() {
			b.stalls.Add(1)
			logger.Warn("No media inside the stall window")
			if kind == webrtc.RTPCodecTypeVideo {
				b.RequestKeyframe()
			}
		})
		watchdog.Start()
		defer watchdog.Close()

		inner := push
		push = func(pkt *rtp.Packet) {
			watchdog.Notify()
			inner(pkt)
		}
	}

	for {
		select {
		case <-b.stop:
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.readErrors.Add(1)
				logger.WithError(err).Debug("Track read failed")
			}
			return
		}

		push(pkt)
	}
}

// emit marshals the packet into a pooled buffer and hands it to the
// consumer. The buffer goes back to the pool as soon as the callback
// returns.
func (b *Bridge) emit(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	if kind == webrtc.RTPCodecTypeVideo {
		b.videoPackets.Add(1)
	} else {
		b.audioPackets.Add(1)
	}

	if b.callbacks.OnPacket == nil {
		return
	}

	buf := b.pool.GetSized(pkt.MarshalSize())
	n, err := pkt.MarshalTo(buf)
	if err != nil {
		b.readErrors.Add(1)
		b.pool.Release(buf)
		return
	}

	b.callbacks.OnPacket(kind, buf[:n])
	b.pool.Release(buf)
}

func (b *Bridge) setState(state State) {
	if State(b.state.Swap(int32(state))) == state {
		return
	}
	if b.callbacks.OnStateChanged != nil {
		b.callbacks.OnStateChanged(state)
	}
}

func (b *Bridge) fail(err error) error {
	b.logger.WithError(err).Error("Bridge failed")
	b.setState(StateFailed)
	if b.callbacks.OnError != nil {
		b.callbacks.OnError(err)
	}
	return err
}

type Status struct {
	RoomID       string              `json:"roomId"`
	State        string              `json:"state"`
	Tracks       int32               `json:"tracks"`
	VideoSSRC    uint32              `json:"videoSsrc,omitempty"`
	VideoPackets uint64              `json:"videoPackets"`
	AudioPackets uint64              `json:"audioPackets"`
	ReadErrors   uint64              `json:"readErrors"`
	Keyframes    uint64              `json:"keyframeRequests"`
	Stalls       uint64              `json:"stalls"`
	VideoJitter  *packet.JitterStats `json:"videoJitter,omitempty"`
}

func (b *Bridge) Status() Status {
	status := Status{
		RoomID:       b.roomID,
		State:        b.State().String(),
		Tracks:       b.tracks.Load(),
		VideoPackets: b.videoPackets.Load(),
		AudioPackets: b.audioPackets.Load(),
		ReadErrors:   b.readErrors.Load(),
		Keyframes:    b.keyframes.Load(),
		Stalls:       b.stalls.Load(),
	}

	b.mutex.Lock()
	status.VideoSSRC = uint32(b.videoInfo.SSRC)
	if b.videoBuffer != nil {
		jitter := b.videoBuffer.Stats()
		status.VideoJitter = &jitter
	}
	b.mutex.Unlock()

	return status
}
