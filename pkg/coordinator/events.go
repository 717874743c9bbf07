package coordinator

import "time"

type EventType int

const (
	// The believed relay identity changed.
	EventRelayChanged EventType = iota
	// The local peer won an election and started relaying.
	EventBecomeRelay
	// The current relay was confirmed offline.
	EventRelayFailed
	EventPeerJoined
	EventPeerLeft
	EventPeerScreenShare
	EventBridgeState
)

func (t EventType) String() string {
	switch t {
	case EventRelayChanged:
		return "relayChanged"
	case EventBecomeRelay:
		return "becomeRelay"
	case EventRelayFailed:
		return "relayFailed"
	case EventPeerJoined:
		return "peerJoined"
	case EventPeerLeft:
		return "peerLeft"
	case EventPeerScreenShare:
		return "peerScreenShare"
	case EventBridgeState:
		return "bridgeState"
	default:
		return "unknown"
	}
}

// Event is one room-level notification toward the host application. Events
// are delivered in order through a single worker; a host that cannot keep
// up loses the newest events, never the order of the ones it gets.
type Event struct {
	Type   EventType
	RoomID string
	// Peer the event is about, for peer-scoped events.
	PeerID string
	// Relay identity, epoch and score, for relay-scoped events.
	RelayID string
	Epoch   uint64
	Score   float64
	// Screen-share flag for EventPeerScreenShare.
	Sharing bool
	// Bridge state label for EventBridgeState.
	Bridge    string
	Timestamp time.Time
}
