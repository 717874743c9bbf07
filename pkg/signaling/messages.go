package signaling

// Due to the limitation of Go, we're using `interface{}` to be able to switch
// on the actual type of the message at runtime. Every recognised wire type has
// exactly one struct here; nothing outside the codec branches on type strings.
type Message = interface{}

// Join announces a peer entering the room, carrying the device facts the
// other peers need to score it as a relay candidate.
type Join struct {
	Device string
	Link   string
	Power  string
}

// Leave announces an orderly departure.
type Leave struct{}

// Ping is a keepalive probe addressed to a single peer.
type Ping struct{}

// Pong answers a ping.
type Pong struct{}

// RelayClaim asserts that the sender intends to act as the relay for the
// given epoch.
type RelayClaim struct {
	Epoch uint64
	Score float64
}

// RelayChanged announces the relay the sender currently believes in.
type RelayChanged struct {
	RelayID string
	Epoch   uint64
	Score   float64
}

// Offer carries a subscriber's SDP offer to the relay.
type Offer struct {
	SDP string
}

// Answer carries the relay's SDP answer (or a renegotiation answer) back.
type Answer struct {
	SDP string
}

// Candidate carries one trickled ICE candidate.
type Candidate struct {
	Candidate string
}

// ScreenShare announces that the sender started or stopped sharing.
type ScreenShare struct {
	Sharing bool
}

// PeerConnected is synthesised by the transport when a participant appears;
// it never crosses the wire as JSON.
type PeerConnected struct{}

// PeerDisconnected is synthesised by the transport when a participant goes
// away without a Leave.
type PeerDisconnected struct{}

// Error is the parser fallback for malformed or unrecognised messages. It is
// delivered so consumers can count it, and carries enough to debug.
type Error struct {
	WireType string
	Err      error
}
