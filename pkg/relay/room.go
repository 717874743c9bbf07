package relay

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/weirnet/weir/pkg/common"
	"github.com/weirnet/weir/pkg/webrtc_ext"
)

var (
	ErrRoomClosed            = errors.New("room is closed")
	ErrUnknownSubscriber     = errors.New("unknown subscriber")
	ErrInvalidSignalingState = errors.New("answer received outside local-offer state")
)

type RoomCallbacks struct {
	// A subscriber or an inbound PLI needs a fresh keyframe from upstream.
	OnKeyframeRequest func()
	// A renegotiation offer must be shipped to the subscriber.
	OnNeedRenegotiate func(peerID string, offer webrtc.SessionDescription)
	OnSubscriberLeft  func(peerID string)
}

type RoomConfig struct {
	// Minimum gap between keyframe requests forwarded upstream.
	KeyframeInterval common.Duration `yaml:"keyframeInterval"`
}

func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		KeyframeInterval: common.NewDuration(time.Second),
	}
}

// Room fans the switcher's outbound tracks out to LAN subscribers, one peer
// connection per peer. All subscribers share the same track objects; a track
// replacement in the switcher reaches every subscriber through UpdateTracks.
type Room struct {
	factory   *webrtc_ext.PeerConnectionFactory
	switcher  *Switcher
	config    RoomConfig
	callbacks RoomCallbacks
	logger    *logrus.Entry
	clock     clock.Clock

	mu           sync.Mutex
	subscribers  map[string]*Subscriber
	lastKeyframe time.Time
	closed       bool
}

func NewRoom(
	factory *webrtc_ext.PeerConnectionFactory,
	switcher *Switcher,
	config RoomConfig,
	callbacks RoomCallbacks,
	logger *logrus.Entry,
) *Room {
	return newRoomWithClock(factory, switcher, config, callbacks, logger, clock.New())
}

func newRoomWithClock(
	factory *webrtc_ext.PeerConnectionFactory,
	switcher *Switcher,
	config RoomConfig,
	callbacks RoomCallbacks,
	logger *logrus.Entry,
	clk clock.Clock,
) *Room {
	if config.KeyframeInterval.Duration == 0 {
		config.KeyframeInterval = DefaultRoomConfig().KeyframeInterval
	}

	return &Room{
		factory:     factory,
		switcher:    switcher,
		config:      config,
		callbacks:   callbacks,
		logger:      logger,
		clock:       clk,
		subscribers: make(map[string]*Subscriber),
	}
}

// AddSubscriber negotiates a downlink for the peer and returns the answer.
// An existing session for the same peer is replaced.
func (r *Room) AddSubscriber(peerID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return webrtc.SessionDescription{}, ErrRoomClosed
	}
	existing := r.subscribers[peerID]
	delete(r.subscribers, peerID)
	r.mu.Unlock()

	if existing != nil {
		r.logger.WithField("peer_id", peerID).Info("Replacing existing subscriber session")
		existing.close()
	}

	pc, err := r.factory.CreatePeerConnection()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create peer connection: %w", err)
	}

	sub := newSubscriber(peerID, pc, r.logger.WithField("peer_id", peerID))
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.handleConnectionState(sub, state)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed {
			sub.setState(SubscriberFailed)
			sub.logger.Warn("Subscriber ICE failed")
			r.removeIfCurrent(sub)
		}
	})

	video, audio := r.switcher.Tracks()
	for _, track := range []*webrtc.TrackLocalStaticRTP{video, audio} {
		sender, err := pc.AddTrack(track)
		if err != nil {
			sub.close()
			return webrtc.SessionDescription{}, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		sub.setSender(track.Kind(), sender)
		go r.drainRTCP(sub, sender)
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		sub.close()
		return webrtc.SessionDescription{}, fmt.Errorf("failed to apply subscriber offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		sub.close()
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}

	// The answer ships with the full candidate set so the peer needs no
	// reverse trickle path. The peer's own candidates may still arrive
	// through AddICECandidate.
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		sub.close()
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	<-gatherComplete
	answer = *pc.LocalDescription()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.close()
		return webrtc.SessionDescription{}, ErrRoomClosed
	}
	r.subscribers[peerID] = sub
	r.mu.Unlock()

	// The switcher may have swapped a track while we negotiated; point the
	// senders at the current ones and get the newcomer an I-frame now
	// instead of at the next natural keyframe.
	r.refreshSenders(sub)
	r.requestKeyframe()

	r.logger.WithField("peer_id", peerID).Info("Subscriber added")
	return answer, nil
}

func (r *Room) refreshSenders(sub *Subscriber) {
	video, audio := r.switcher.Tracks()
	for _, track := range []*webrtc.TrackLocalStaticRTP{video, audio} {
		sender, ok := sub.sender(track.Kind())
		if !ok {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			sub.logger.WithError(err).WithField("kind", track.Kind().String()).Warn("Failed to refresh sender")
		}
	}
}

// UpdateTracks re-points every subscriber at the switcher's current tracks.
// Wired to the switcher's OnTrackChanged.
func (r *Room) UpdateTracks(video, audio *webrtc.TrackLocalStaticRTP) {
	for _, sub := range r.snapshot() {
		needsOffer := false
		for _, track := range []*webrtc.TrackLocalStaticRTP{video, audio} {
			if track == nil {
				continue
			}
			kind := track.Kind()
			if sender, ok := sub.sender(kind); ok {
				if err := sender.ReplaceTrack(track); err != nil {
					sub.logger.WithError(err).WithField("kind", kind.String()).Warn("Failed to replace track")
				}
				continue
			}

			sender, err := sub.pc.AddTrack(track)
			if err != nil {
				sub.logger.WithError(err).WithField("kind", kind.String()).Warn("Failed to add track")
				continue
			}
			sub.setSender(kind, sender)
			go r.drainRTCP(sub, sender)
			needsOffer = true
		}
		if needsOffer {
			r.renegotiate(sub)
		}
	}
}

func (r *Room) renegotiate(sub *Subscriber) {
	// Mid-cycle renegotiation would glare; the pending answer lands first
	// and the next track change retries.
	if sub.pc.SignalingState() != webrtc.SignalingStateStable {
		sub.logger.Debug("Skipping renegotiation, signaling state not stable")
		return
	}

	offer, err := sub.pc.CreateOffer(nil)
	if err != nil {
		sub.logger.WithError(err).Warn("Failed to create renegotiation offer")
		return
	}
	if err := sub.pc.SetLocalDescription(offer); err != nil {
		sub.logger.WithError(err).Warn("Failed to set renegotiation offer")
		return
	}

	if r.callbacks.OnNeedRenegotiate != nil {
		r.callbacks.OnNeedRenegotiate(sub.peerID, offer)
	}
}

// HandleAnswer applies a remote answer from a renegotiation cycle.
func (r *Room) HandleAnswer(peerID string, answer webrtc.SessionDescription) error {
	sub, ok := r.lookup(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, peerID)
	}
	if state := sub.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: %s", ErrInvalidSignalingState, state)
	}
	return sub.pc.SetRemoteDescription(answer)
}

// AddICECandidate forwards a trickle candidate to the subscriber.
func (r *Room) AddICECandidate(peerID string, candidate webrtc.ICECandidateInit) error {
	sub, ok := r.lookup(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, peerID)
	}
	return sub.pc.AddICECandidate(candidate)
}

func (r *Room) RemoveSubscriber(peerID string) {
	r.mu.Lock()
	sub, ok := r.subscribers[peerID]
	delete(r.subscribers, peerID)
	onSubscriberLeft := r.callbacks.OnSubscriberLeft
	r.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	r.logger.WithField("peer_id", peerID).Info("Subscriber removed")
	if onSubscriberLeft != nil {
		onSubscriberLeft(peerID)
	}
}

// removeIfCurrent drops the subscriber only while it is still the registered
// session for its peer. State callbacks from a connection that was already
// replaced by a newer offer must not tear down the replacement.
func (r *Room) removeIfCurrent(sub *Subscriber) {
	r.mu.Lock()
	current, ok := r.subscribers[sub.peerID]
	if !ok || current != sub {
		r.mu.Unlock()
		return
	}
	delete(r.subscribers, sub.peerID)
	onSubscriberLeft := r.callbacks.OnSubscriberLeft
	r.mu.Unlock()

	sub.close()
	r.logger.WithField("peer_id", sub.peerID).Info("Subscriber removed")
	if onSubscriberLeft != nil {
		onSubscriberLeft(sub.peerID)
	}
}

func (r *Room) lookup(peerID string) (*Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscribers[peerID]
	return sub, ok
}

func (r *Room) snapshot() []*Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := make([]*Subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func (r *Room) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

func (r *Room) Subscribers() []SubscriberInfo {
	subs := r.snapshot()
	infos := make([]SubscriberInfo, 0, len(subs))
	for _, sub := range subs {
		infos = append(infos, SubscriberInfo{
			PeerID:    sub.peerID,
			SessionID: sub.session,
			State:     sub.State().String(),
		})
	}
	return infos
}

// rtcpReader is the read side of a webrtc.RTPSender.
type rtcpReader interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

// A reader that keeps failing without ever reaching EOF is torn down after
// this many consecutive errors instead of spinning.
const maxRTCPReadFailures = 10

// drainRTCP reads the sender's RTCP stream and turns keyframe requests from
// the subscriber into throttled upstream requests.
func (r *Room) drainRTCP(sub *Subscriber, sender rtcpReader) {
	failures := 0
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			failures++
			if failures >= maxRTCPReadFailures {
				sub.logger.WithError(err).Warn("RTCP stream keeps failing, giving up on it")
				return
			}
			continue
		}
		failures = 0

		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				sub.logger.Debug("Keyframe requested by subscriber")
				r.requestKeyframe()
			}
		}
	}
}

// requestKeyframe forwards one keyframe request upstream, coalescing bursts
// from multiple subscribers.
func (r *Room) requestKeyframe() {
	now := r.clock.Now()

	r.mu.Lock()
	if now.Sub(r.lastKeyframe) < r.config.KeyframeInterval.Duration {
		r.mu.Unlock()
		return
	}
	r.lastKeyframe = now
	onKeyframeRequest := r.callbacks.OnKeyframeRequest
	r.mu.Unlock()

	if onKeyframeRequest != nil {
		onKeyframeRequest()
	}
}

func (r *Room) handleConnectionState(sub *Subscriber, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		sub.setState(SubscriberConnected)
		sub.logger.Info("Subscriber connected")
	case webrtc.PeerConnectionStateDisconnected:
		sub.setState(SubscriberDisconnected)
		sub.logger.Info("Subscriber disconnected")
	case webrtc.PeerConnectionStateFailed:
		sub.setState(SubscriberFailed)
		sub.logger.Warn("Subscriber connection failed")
		r.removeIfCurrent(sub)
	case webrtc.PeerConnectionStateClosed:
		sub.setState(SubscriberDisconnected)
		r.removeIfCurrent(sub)
	}
}

// Close tears down every subscriber connection. Subscribers removed this way
// do not fire OnSubscriberLeft.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := make([]*Subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		subs = append(subs, sub)
	}
	r.subscribers = make(map[string]*Subscriber)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	r.logger.Info("Relay room closed")
}
