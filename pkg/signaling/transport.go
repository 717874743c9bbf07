package signaling

import "errors"

var (
	ErrTransportClosed = errors.New("transport is closed")
	ErrUnknownPeer     = errors.New("unknown peer")
)

// Envelope is a message together with its addressing: who sent it, whom it is
// for (empty for broadcast) and which room it belongs to. Inbound envelopes
// carry the sender identity verified by the transport, never the one claimed
// in the payload.
type Envelope struct {
	Room    string
	Sender  string
	Target  string
	Message Message
}

// Transport is the reliable room-scoped channel the coordinator speaks
// through. Implementations deliver inbound envelopes into the sink supplied
// at construction, tagged with the verified sender identity, and synthesise
// PeerConnected/PeerDisconnected when participants come and go.
type Transport interface {
	// Send delivers a message to a single peer, or to every other peer in
	// the room when target is empty. Ordering between two peers is not
	// guaranteed; duplication is possible and consumers must tolerate it.
	Send(target string, message Message) error
	Close() error
}
