/*
Copyright 2026 The Weir Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package signaling

import (
	"sync/atomic"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/sirupsen/logrus"
	"github.com/weirnet/weir/pkg/common"
)

// LiveKitTransport carries the relay protocol over a LiveKit room's reliable
// data channel. Inbound packets are tagged with the identity the server
// verified, not the one claimed in the payload, so peers cannot impersonate
// each other. Participant arrivals and departures are synthesised into
// PeerConnected/PeerDisconnected messages.
type LiveKitTransport struct {
	room    *lksdk.Room
	roomID  string
	localID string
	inbox   common.Sender[Envelope]
	logger  *logrus.Entry
	closed  atomic.Bool
	dropped atomic.Uint64
}

// ConnectLiveKit joins the room under the local peer's identity and starts
// delivering inbound envelopes into the given sink. The caller owns the sink
// and closes its receiver side to stop delivery.
func ConnectLiveKit(config Config, roomID, localID string, inbox common.Sender[Envelope]) (*LiveKitTransport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	transport := &LiveKitTransport{
		roomID:  roomID,
		localID: localID,
		inbox:   inbox,
		logger: logrus.WithFields(logrus.Fields{
			"room_id": roomID,
			"peer_id": localID,
		}),
	}

	callback := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnDataPacket: transport.onDataPacket,
		},
		OnParticipantConnected:    transport.onParticipantConnected,
		OnParticipantDisconnected: transport.onParticipantDisconnected,
		OnDisconnected: func() {
			transport.logger.Warn("signaling connection lost")
		},
		OnReconnecting: func() {
			transport.logger.Info("signaling reconnecting")
		},
		OnReconnected: func() {
			transport.logger.Info("signaling reconnected")
		},
	}

	room, err := connectRoom(config, roomID, localID, callback)
	if err != nil {
		return nil, err
	}

	transport.room = room

	// Participants already in the room never fire OnParticipantConnected,
	// so announce them to the consumer up front.
	for _, participant := range room.GetRemoteParticipants() {
		transport.deliver(participant.Identity(), "", PeerConnected{})
	}

	return transport, nil
}

func connectRoom(config Config, roomID, localID string, callback *lksdk.RoomCallback) (*lksdk.Room, error) {
	if config.Token != "" {
		return lksdk.ConnectToRoomWithToken(config.URL, config.Token, callback)
	}

	return lksdk.ConnectToRoom(config.URL, lksdk.ConnectInfo{
		APIKey:              config.APIKey,
		APISecret:           config.APISecret,
		RoomName:            roomID,
		ParticipantIdentity: localID,
	}, callback)
}

// Send publishes a message on the reliable data channel. An empty target
// broadcasts to the whole room.
func (t *LiveKitTransport) Send(target string, message Message) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	data, err := Marshal(Envelope{
		Room:    t.roomID,
		Sender:  t.localID,
		Target:  target,
		Message: message,
	})
	if err != nil {
		return err
	}

	options := []lksdk.DataPublishOption{lksdk.WithDataPublishReliable(true)}
	if target != "" {
		options = append(options, lksdk.WithDataPublishDestination([]string{target}))
	}

	return t.room.LocalParticipant.PublishDataPacket(&lksdk.UserDataPacket{Payload: data}, options...)
}

func (t *LiveKitTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.room.Disconnect()
	return nil
}

func (t *LiveKitTransport) onDataPacket(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
	packet, ok := data.(*lksdk.UserDataPacket)
	if !ok {
		return
	}

	envelope := Unmarshal(packet.Payload)
	envelope.Room = t.roomID
	envelope.Sender = params.SenderIdentity

	if failure, ok := envelope.Message.(Error); ok {
		t.logger.WithError(failure.Err).
			WithField("wire_type", failure.WireType).
			Warn("dropping malformed signaling message")
	}

	t.deliverEnvelope(envelope)
}

func (t *LiveKitTransport) onParticipantConnected(participant *lksdk.RemoteParticipant) {
	t.deliver(participant.Identity(), "", PeerConnected{})
}

func (t *LiveKitTransport) onParticipantDisconnected(participant *lksdk.RemoteParticipant) {
	t.deliver(participant.Identity(), "", PeerDisconnected{})
}

func (t *LiveKitTransport) deliver(sender, target string, message Message) {
	t.deliverEnvelope(Envelope{
		Room:    t.roomID,
		Sender:  sender,
		Target:  target,
		Message: message,
	})
}

func (t *LiveKitTransport) deliverEnvelope(envelope Envelope) {
	if returned := t.inbox.Send(envelope); returned != nil {
		if t.dropped.Add(1) == 1 {
			t.logger.Warn("inbox receiver closed, dropping inbound messages")
		}
	}
}
