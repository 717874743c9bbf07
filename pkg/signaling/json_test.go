package signaling_test

import (
	"testing"

	"github.com/weirnet/weir/pkg/signaling"
)

func TestUnmarshal_RoundTrips(t *testing.T) {
	sharing := true
	for _, tc := range []struct {
		name    string
		message signaling.Message
	}{
		{"join", signaling.Join{Device: "pc", Link: "ethernet", Power: "plugged"}},
		{"leave", signaling.Leave{}},
		{"ping", signaling.Ping{}},
		{"pong", signaling.Pong{}},
		{"relayClaim", signaling.RelayClaim{Epoch: 0, Score: 87.5}},
		{"relayChanged", signaling.RelayChanged{RelayID: "alice", Epoch: 3, Score: 92}},
		{"offer", signaling.Offer{SDP: "v=0..."}},
		{"answer", signaling.Answer{SDP: "v=0..."}},
		{"candidate", signaling.Candidate{Candidate: "candidate:1 1 UDP ..."}},
		{"screenShare", signaling.ScreenShare{Sharing: sharing}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sent := signaling.Envelope{
				Room:    "room-1",
				Sender:  "alice",
				Target:  "bob",
				Message: tc.message,
			}

			data, err := signaling.Marshal(sent)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}

			got := signaling.Unmarshal(data)
			if got.Room != sent.Room || got.Sender != sent.Sender || got.Target != sent.Target {
				t.Fatalf("addressing mangled: %+v", got)
			}
			if got.Message != tc.message {
				t.Fatalf("message mangled: sent %+v, got %+v", tc.message, got.Message)
			}
		})
	}
}

func TestUnmarshal_ZeroEpochSurvives(t *testing.T) {
	// Epoch 0 is a legitimate first claim and must not be dropped by
	// omitempty handling.
	data, err := signaling.Marshal(signaling.Envelope{
		Sender:  "alice",
		Message: signaling.RelayClaim{Epoch: 0, Score: 0},
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	got := signaling.Unmarshal(data)
	claim, ok := got.Message.(signaling.RelayClaim)
	if !ok {
		t.Fatalf("expected RelayClaim, got %T", got.Message)
	}
	if claim.Epoch != 0 || claim.Score != 0 {
		t.Fatalf("zero values mangled: %+v", claim)
	}
}

func TestUnmarshal_UnknownTypeBecomesError(t *testing.T) {
	got := signaling.Unmarshal([]byte(`{"type":"selfDestruct","peerId":"mallory"}`))

	failure, ok := got.Message.(signaling.Error)
	if !ok {
		t.Fatalf("expected Error, got %T", got.Message)
	}
	if failure.WireType != "selfDestruct" {
		t.Fatalf("wire type not preserved: %+v", failure)
	}
}

func TestUnmarshal_MalformedJSONBecomesError(t *testing.T) {
	got := signaling.Unmarshal([]byte(`{"type":`))

	if _, ok := got.Message.(signaling.Error); !ok {
		t.Fatalf("expected Error, got %T", got.Message)
	}
}

func TestUnmarshal_ClaimWithoutEpochBecomesError(t *testing.T) {
	got := signaling.Unmarshal([]byte(`{"type":"relayClaim","peerId":"alice"}`))

	if _, ok := got.Message.(signaling.Error); !ok {
		t.Fatalf("expected Error, got %T", got.Message)
	}
}

func TestMarshal_SyntheticMessagesRejected(t *testing.T) {
	for _, message := range []signaling.Message{
		signaling.PeerConnected{},
		signaling.PeerDisconnected{},
		signaling.Error{},
	} {
		if _, err := signaling.Marshal(signaling.Envelope{Message: message}); err == nil {
			t.Fatalf("expected %T to be rejected", message)
		}
	}
}
