package relay

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/weirnet/weir/pkg/webrtc_ext"
)

type roomFixture struct {
	room     *Room
	switcher *Switcher
	factory  *webrtc_ext.PeerConnectionFactory
	clk      *clock.Mock

	keyframes atomic.Int32

	mu       sync.Mutex
	reoffers map[string]webrtc.SessionDescription
	left     []string
}

func newRoomFixture(t *testing.T) *roomFixture {
	t.Helper()

	factory, err := webrtc_ext.NewPeerConnectionFactory(webrtc_ext.Config{})
	require.NoError(t, err)

	f := &roomFixture{
		factory:  factory,
		clk:      clock.NewMock(),
		reoffers: make(map[string]webrtc.SessionDescription),
	}

	f.switcher, err = NewSwitcher(SwitcherConfig{}, SwitcherCallbacks{}, nil, testLogger())
	require.NoError(t, err)

	callbacks := RoomCallbacks{
		OnKeyframeRequest: func() { f.keyframes.Add(1) },
		OnNeedRenegotiate: func(peerID string, offer webrtc.SessionDescription) {
			f.mu.Lock()
			f.reoffers[peerID] = offer
			f.mu.Unlock()
		},
		OnSubscriberLeft: func(peerID string) {
			f.mu.Lock()
			f.left = append(f.left, peerID)
			f.mu.Unlock()
		},
	}
	f.room = newRoomWithClock(factory, f.switcher, RoomConfig{}, callbacks, testLogger(), f.clk)
	t.Cleanup(f.room.Close)
	return f
}

// newClient builds the remote side of a subscriber: a receive-only peer
// connection producing the initial offer.
func (f *roomFixture) newClient(t *testing.T) (*webrtc.PeerConnection, webrtc.SessionDescription) {
	t.Helper()

	pc, err := f.factory.CreatePeerConnection()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly)
	require.NoError(t, err)
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return pc, offer
}

func (f *roomFixture) reofferFor(peerID string) (webrtc.SessionDescription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	offer, ok := f.reoffers[peerID]
	return offer, ok
}

func (f *roomFixture) leftPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.left...)
}

func TestAddSubscriberNegotiatesAndRequestsKeyframe(t *testing.T) {
	f := newRoomFixture(t)
	client, offer := f.newClient(t)

	answer, err := f.room.AddSubscriber("peer-b", offer)
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, client.SetRemoteDescription(answer))

	// The newcomer must not wait for the natural keyframe cadence.
	require.Equal(t, int32(1), f.keyframes.Load())

	require.Equal(t, 1, f.room.Count())
	infos := f.room.Subscribers()
	require.Len(t, infos, 1)
	require.Equal(t, "peer-b", infos[0].PeerID)
	require.NotEmpty(t, infos[0].SessionID)
	require.Equal(t, "connecting", infos[0].State)
}

func TestKeyframeRequestsAreThrottled(t *testing.T) {
	f := newRoomFixture(t)
	_, offer := f.newClient(t)

	_, err := f.room.AddSubscriber("peer-b", offer)
	require.NoError(t, err)
	require.Equal(t, int32(1), f.keyframes.Load())

	// A burst of PLIs within the window coalesces into the join request.
	f.room.requestKeyframe()
	f.room.requestKeyframe()
	require.Equal(t, int32(1), f.keyframes.Load())

	f.clk.Add(1100 * time.Millisecond)
	f.room.requestKeyframe()
	require.Equal(t, int32(2), f.keyframes.Load())
}

func TestSecondOfferReplacesSubscriber(t *testing.T) {
	f := newRoomFixture(t)

	_, offer1 := f.newClient(t)
	_, err := f.room.AddSubscriber("peer-b", offer1)
	require.NoError(t, err)

	first, ok := f.room.lookup("peer-b")
	require.True(t, ok)

	_, offer2 := f.newClient(t)
	_, err = f.room.AddSubscriber("peer-b", offer2)
	require.NoError(t, err)
	require.Equal(t, 1, f.room.Count())

	second, ok := f.room.lookup("peer-b")
	require.True(t, ok)
	require.NotSame(t, first, second)

	// The replaced connection's closed callback must not evict the new
	// session.
	require.Never(t, func() bool { return f.room.Count() != 1 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestHandleAnswerRejectedOutsideLocalOffer(t *testing.T) {
	f := newRoomFixture(t)
	_, offer := f.newClient(t)

	answer, err := f.room.AddSubscriber("peer-b", offer)
	require.NoError(t, err)

	// Negotiation already settled; a late answer is a protocol error.
	err = f.room.HandleAnswer("peer-b", answer)
	require.ErrorIs(t, err, ErrInvalidSignalingState)

	err = f.room.HandleAnswer("ghost", answer)
	require.ErrorIs(t, err, ErrUnknownSubscriber)

	err = f.room.AddICECandidate("ghost", webrtc.ICECandidateInit{})
	require.ErrorIs(t, err, ErrUnknownSubscriber)
}

func TestTrackChangeRenegotiatesMissingKind(t *testing.T) {
	f := newRoomFixture(t)
	client, offer := f.newClient(t)

	answer, err := f.room.AddSubscriber("peer-b", offer)
	require.NoError(t, err)
	require.NoError(t, client.SetRemoteDescription(answer))

	sub, ok := f.room.lookup("peer-b")
	require.True(t, ok)

	// Forget the audio sender so the update has to add a track and kick
	// off a renegotiation cycle.
	sub.mu.Lock()
	delete(sub.senders, webrtc.RTPCodecTypeAudio)
	sub.mu.Unlock()

	video, _ := f.switcher.Tracks()
	freshAudio, err := webrtc.NewTrackLocalStaticRTP(webrtc_ext.DefaultAudioCapability(), "weir-audio-2", "weir-relay")
	require.NoError(t, err)
	f.room.UpdateTracks(video, freshAudio)

	reoffer, ok := f.reofferFor("peer-b")
	require.True(t, ok)
	require.Equal(t, webrtc.SDPTypeOffer, reoffer.Type)
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, sub.pc.SignalingState())

	// Complete the cycle through the client and the answer path.
	require.NoError(t, client.SetRemoteDescription(reoffer))
	clientAnswer, err := client.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, client.SetLocalDescription(clientAnswer))
	require.NoError(t, f.room.HandleAnswer("peer-b", clientAnswer))
	require.Equal(t, webrtc.SignalingStateStable, sub.pc.SignalingState())
}

func TestUpdateTracksReplacesExistingSenders(t *testing.T) {
	f := newRoomFixture(t)
	_, offer := f.newClient(t)

	_, err := f.room.AddSubscriber("peer-b", offer)
	require.NoError(t, err)

	sub, ok := f.room.lookup("peer-b")
	require.True(t, ok)

	fresh, err := webrtc.NewTrackLocalStaticRTP(webrtc_ext.DefaultVideoCapability(), "weir-video", "weir-relay")
	require.NoError(t, err)
	f.room.UpdateTracks(fresh, nil)

	sender, ok := sub.sender(webrtc.RTPCodecTypeVideo)
	require.True(t, ok)
	require.Same(t, fresh, sender.Track())

	// Replacement alone needs no renegotiation.
	_, renegotiated := f.reofferFor("peer-b")
	require.False(t, renegotiated)
	require.Equal(t, webrtc.SignalingStateStable, sub.pc.SignalingState())
}

func TestRemoveSubscriberFiresCallbackOnce(t *testing.T) {
	f := newRoomFixture(t)
	_, offer := f.newClient(t)

	_, err := f.room.AddSubscriber("peer-b", offer)
	require.NoError(t, err)

	f.room.RemoveSubscriber("peer-b")
	require.Zero(t, f.room.Count())
	require.Equal(t, []string{"peer-b"}, f.leftPeers())

	f.room.RemoveSubscriber("peer-b")
	require.Equal(t, []string{"peer-b"}, f.leftPeers())
}

// scriptedRTCP replays a fixed packet sequence, then fails every read with
// the configured error.
type scriptedRTCP struct {
	packets [][]rtcp.Packet
	err     error
	calls   int
}

func (s *scriptedRTCP) ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error) {
	s.calls++
	if s.calls <= len(s.packets) {
		return s.packets[s.calls-1], nil, nil
	}
	return nil, nil, s.err
}

func TestDrainRTCPStopsOnPersistentErrors(t *testing.T) {
	f := newRoomFixture(t)
	client, _ := f.newClient(t)
	sub := newSubscriber("peer-b", client, testLogger())

	reader := &scriptedRTCP{
		packets: [][]rtcp.Packet{{&rtcp.PictureLossIndication{}}},
		err:     errors.New("srtp session not started"),
	}

	// The bounded failure budget makes the drain return instead of spinning.
	f.room.drainRTCP(sub, reader)

	require.Equal(t, int32(1), f.keyframes.Load())
	require.Equal(t, 1+maxRTCPReadFailures, reader.calls)
}

func TestDrainRTCPStopsOnEOF(t *testing.T) {
	f := newRoomFixture(t)
	client, _ := f.newClient(t)
	sub := newSubscriber("peer-b", client, testLogger())

	reader := &scriptedRTCP{err: io.EOF}
	f.room.drainRTCP(sub, reader)
	require.Equal(t, 1, reader.calls)
}

func TestClosedRoomRejectsSubscribers(t *testing.T) {
	f := newRoomFixture(t)
	_, offer := f.newClient(t)

	_, err := f.room.AddSubscriber("peer-b", offer)
	require.NoError(t, err)

	f.room.Close()
	f.room.Close()
	require.Zero(t, f.room.Count())

	_, offer2 := f.newClient(t)
	_, err = f.room.AddSubscriber("peer-c", offer2)
	require.ErrorIs(t, err, ErrRoomClosed)

	// Shutdown is not a "subscriber left" event.
	require.Empty(t, f.leftPeers())
}
