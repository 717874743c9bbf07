package signaling

import (
	"encoding/json"
	"fmt"
)

// Wire type tags. These strings exist only in this file; everything past the
// codec works with the typed messages.
const (
	wireJoin         = "join"
	wireLeave        = "leave"
	wirePing         = "ping"
	wirePong         = "pong"
	wireRelayClaim   = "relayClaim"
	wireRelayChanged = "relayChanged"
	wireOffer        = "offer"
	wireAnswer       = "answer"
	wireCandidate    = "candidate"
	wireScreenShare  = "screenShare"
)

// The flat JSON shape shared by all messages: `{type, roomId, peerId,
// targetPeerId, ...payload}`. Optional numeric fields are pointers so that
// legitimate zero values (epoch 0, score 0) survive the round trip.
type wireMessage struct {
	Type         string `json:"type"`
	RoomID       string `json:"roomId,omitempty"`
	PeerID       string `json:"peerId,omitempty"`
	TargetPeerID string `json:"targetPeerId,omitempty"`

	Device    string   `json:"device,omitempty"`
	Link      string   `json:"link,omitempty"`
	Power     string   `json:"power,omitempty"`
	Epoch     *uint64  `json:"epoch,omitempty"`
	Score     *float64 `json:"score,omitempty"`
	RelayID   string   `json:"relayId,omitempty"`
	SDP       string   `json:"sdp,omitempty"`
	Candidate string   `json:"candidate,omitempty"`
	IsSharing *bool    `json:"isSharing,omitempty"`
}

// Marshal encodes an envelope into the wire form. Synthetic messages
// (PeerConnected, PeerDisconnected, Error) have no wire form and are
// rejected.
func Marshal(envelope Envelope) ([]byte, error) {
	wire := wireMessage{
		RoomID:       envelope.Room,
		PeerID:       envelope.Sender,
		TargetPeerID: envelope.Target,
	}

	switch message := envelope.Message.(type) {
	case Join:
		wire.Type = wireJoin
		wire.Device = message.Device
		wire.Link = message.Link
		wire.Power = message.Power
	case Leave:
		wire.Type = wireLeave
	case Ping:
		wire.Type = wirePing
	case Pong:
		wire.Type = wirePong
	case RelayClaim:
		wire.Type = wireRelayClaim
		wire.Epoch = &message.Epoch
		wire.Score = &message.Score
	case RelayChanged:
		wire.Type = wireRelayChanged
		wire.RelayID = message.RelayID
		wire.Epoch = &message.Epoch
		wire.Score = &message.Score
	case Offer:
		wire.Type = wireOffer
		wire.SDP = message.SDP
	case Answer:
		wire.Type = wireAnswer
		wire.SDP = message.SDP
	case Candidate:
		wire.Type = wireCandidate
		wire.Candidate = message.Candidate
	case ScreenShare:
		wire.Type = wireScreenShare
		wire.IsSharing = &message.Sharing
	default:
		return nil, fmt.Errorf("message %T has no wire form", envelope.Message)
	}

	return json.Marshal(wire)
}

// Unmarshal decodes a wire message. It never fails: malformed payloads and
// unrecognised types come back as an `Error` message so the consumer can
// count and drop them.
func Unmarshal(data []byte) Envelope {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{Message: Error{Err: err}}
	}

	envelope := Envelope{
		Room:   wire.RoomID,
		Sender: wire.PeerID,
		Target: wire.TargetPeerID,
	}

	switch wire.Type {
	case wireJoin:
		envelope.Message = Join{Device: wire.Device, Link: wire.Link, Power: wire.Power}
	case wireLeave:
		envelope.Message = Leave{}
	case wirePing:
		envelope.Message = Ping{}
	case wirePong:
		envelope.Message = Pong{}
	case wireRelayClaim:
		if wire.Epoch == nil || wire.Score == nil {
			envelope.Message = Error{WireType: wire.Type, Err: fmt.Errorf("relayClaim missing epoch or score")}
			break
		}
		envelope.Message = RelayClaim{Epoch: *wire.Epoch, Score: *wire.Score}
	case wireRelayChanged:
		if wire.Epoch == nil {
			envelope.Message = Error{WireType: wire.Type, Err: fmt.Errorf("relayChanged missing epoch")}
			break
		}
		score := 0.0
		if wire.Score != nil {
			score = *wire.Score
		}
		envelope.Message = RelayChanged{RelayID: wire.RelayID, Epoch: *wire.Epoch, Score: score}
	case wireOffer:
		envelope.Message = Offer{SDP: wire.SDP}
	case wireAnswer:
		envelope.Message = Answer{SDP: wire.SDP}
	case wireCandidate:
		envelope.Message = Candidate{Candidate: wire.Candidate}
	case wireScreenShare:
		sharing := false
		if wire.IsSharing != nil {
			sharing = *wire.IsSharing
		}
		envelope.Message = ScreenShare{Sharing: sharing}
	default:
		envelope.Message = Error{WireType: wire.Type, Err: fmt.Errorf("unrecognised message type")}
	}

	return envelope
}
