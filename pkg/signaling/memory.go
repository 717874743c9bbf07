package signaling

import (
	"sync"

	"github.com/weirnet/weir/pkg/common"
)

// MemoryHub is an in-process implementation of the transport contract: every
// joined member gets the same envelopes it would see over the wire, including
// the synthetic arrival/departure messages. Tests run whole multi-peer rooms
// against it without a server.
type MemoryHub struct {
	mutex sync.Mutex
	rooms map[string]map[string]*MemoryTransport
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{rooms: make(map[string]map[string]*MemoryTransport)}
}

// Join adds a member to the room and returns its transport end. Existing
// members learn about the newcomer and the newcomer learns about each of
// them, mirroring how a real room announces participants.
func (h *MemoryHub) Join(roomID, peerID string, inbox common.Sender[Envelope]) *MemoryTransport {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	room := h.rooms[roomID]
	if room == nil {
		room = make(map[string]*MemoryTransport)
		h.rooms[roomID] = room
	}

	transport := &MemoryTransport{
		hub:     h,
		roomID:  roomID,
		localID: peerID,
		inbox:   inbox,
	}

	for _, member := range room {
		member.deliver(Envelope{Room: roomID, Sender: peerID, Message: PeerConnected{}})
		transport.deliver(Envelope{Room: roomID, Sender: member.localID, Message: PeerConnected{}})
	}

	room[peerID] = transport
	return transport
}

func (h *MemoryHub) leave(roomID, peerID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	room := h.rooms[roomID]
	if room == nil {
		return
	}
	delete(room, peerID)
	if len(room) == 0 {
		delete(h.rooms, roomID)
		return
	}

	for _, member := range room {
		member.deliver(Envelope{Room: roomID, Sender: peerID, Message: PeerDisconnected{}})
	}
}

// members returns a snapshot so delivery happens outside the hub lock.
func (h *MemoryHub) members(roomID string) []*MemoryTransport {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	room := h.rooms[roomID]
	snapshot := make([]*MemoryTransport, 0, len(room))
	for _, member := range room {
		snapshot = append(snapshot, member)
	}
	return snapshot
}

type MemoryTransport struct {
	hub     *MemoryHub
	roomID  string
	localID string

	mutex  sync.Mutex
	inbox  common.Sender[Envelope]
	closed bool
}

func (t *MemoryTransport) Send(target string, message Message) error {
	t.mutex.Lock()
	closed := t.closed
	t.mutex.Unlock()
	if closed {
		return ErrTransportClosed
	}

	envelope := Envelope{
		Room:    t.roomID,
		Sender:  t.localID,
		Target:  target,
		Message: message,
	}

	if target != "" {
		for _, member := range t.hub.members(t.roomID) {
			if member.localID == target {
				member.deliver(envelope)
				return nil
			}
		}
		return ErrUnknownPeer
	}

	for _, member := range t.hub.members(t.roomID) {
		if member.localID != t.localID {
			member.deliver(envelope)
		}
	}
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	t.mutex.Unlock()

	t.hub.leave(t.roomID, t.localID)
	return nil
}

func (t *MemoryTransport) deliver(envelope Envelope) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return
	}
	_ = t.inbox.Send(envelope)
}
