package relay

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

type SubscriberState int32

const (
	SubscriberConnecting SubscriberState = iota
	SubscriberConnected
	SubscriberDisconnected
	SubscriberFailed
)

func (s SubscriberState) String() string {
	switch s {
	case SubscriberConnecting:
		return "connecting"
	case SubscriberConnected:
		return "connected"
	case SubscriberDisconnected:
		return "disconnected"
	case SubscriberFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Subscriber is one LAN peer's downlink: a dedicated peer connection fed by
// the switcher's shared outbound tracks.
type Subscriber struct {
	peerID  string
	session string
	pc      *webrtc.PeerConnection
	logger  *logrus.Entry

	state atomic.Int32

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
}

// SubscriberInfo is the status-surface view of a subscriber.
type SubscriberInfo struct {
	PeerID    string `json:"peerId"`
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

// newSubscriber assigns every downlink a fresh session id, so successive
// sessions of the same peer can be told apart in logs and status output.
func newSubscriber(peerID string, pc *webrtc.PeerConnection, logger *logrus.Entry) *Subscriber {
	session := uuid.NewString()
	return &Subscriber{
		peerID:  peerID,
		session: session,
		pc:      pc,
		logger:  logger.WithField("session_id", session),
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}
}

func (s *Subscriber) PeerID() string {
	return s.peerID
}

func (s *Subscriber) State() SubscriberState {
	return SubscriberState(s.state.Load())
}

func (s *Subscriber) setState(state SubscriberState) {
	s.state.Store(int32(state))
}

func (s *Subscriber) sender(kind webrtc.RTPCodecType) (*webrtc.RTPSender, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender, ok := s.senders[kind]
	return sender, ok
}

func (s *Subscriber) setSender(kind webrtc.RTPCodecType, sender *webrtc.RTPSender) {
	s.mu.Lock()
	s.senders[kind] = sender
	s.mu.Unlock()
}

func (s *Subscriber) close() {
	if err := s.pc.Close(); err != nil {
		s.logger.WithError(err).Debug("Failed to close subscriber connection")
	}
}
