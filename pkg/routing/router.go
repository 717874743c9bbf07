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

// Package routing owns the set of rooms one daemon takes part in. The router
// maps room IDs to running coordinators, dialing a fresh signaling transport
// for each room and reaping the entry when its coordinator shuts down.
package routing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/weirnet/weir/pkg/common"
	"github.com/weirnet/weir/pkg/coordinator"
	"github.com/weirnet/weir/pkg/signaling"
	"github.com/weirnet/weir/pkg/stats"
	"github.com/weirnet/weir/pkg/webrtc_ext"
)

var ErrRouterClosed = errors.New("router is closed")

// TransportFactory dials the signaling transport of a single room. Inbound
// envelopes must be delivered into the provided inbox. The router owns the
// returned transport and closes it when the room is torn down.
type TransportFactory func(roomID, peerID string, inbox common.Sender[signaling.Envelope]) (signaling.Transport, error)

// The top-level state of the Router.
type Router struct {
	// Identity the local peer joins every room under.
	localID string
	// Coordinator configuration shared by all rooms.
	config coordinator.Config
	// Dials per-room signaling transports.
	transports TransportFactory
	// Peer connection factory that can be used to create pre-configured peer connections.
	connectionFactory *webrtc_ext.PeerConnectionFactory
	// Receives the events of every room. May be nil.
	onEvent func(coordinator.Event)
	// Every room's events funnel into this one channel, stamped with the
	// room they came from, so the host handler never runs concurrently.
	events chan common.Message[string, coordinator.Event]
	stop   chan struct{}
	logger *logrus.Entry

	mutex  sync.Mutex
	rooms  map[string]*roomHandle
	closed bool
}

type roomHandle struct {
	coordinator *coordinator.Coordinator
	transport   signaling.Transport
	// The room's producer end of the router event funnel. Sealed on reap;
	// the shared channel stays open for the other rooms.
	events *common.SinkWithSender[string, coordinator.Event]
}

func NewRouter(
	localID string,
	config coordinator.Config,
	transports TransportFactory,
	connectionFactory *webrtc_ext.PeerConnectionFactory,
	onEvent func(coordinator.Event),
) *Router {
	queueSize := config.EventQueueSize
	if queueSize == 0 {
		queueSize = coordinator.DefaultConfig().EventQueueSize
	}

	r := &Router{
		localID:           localID,
		config:            config,
		transports:        transports,
		connectionFactory: connectionFactory,
		onEvent:           onEvent,
		events:            make(chan common.Message[string, coordinator.Event], queueSize),
		stop:              make(chan struct{}),
		logger:            logrus.WithField("peer_id", localID),
		rooms:             make(map[string]*roomHandle),
	}
	go r.dispatchEvents()
	return r
}

// dispatchEvents serializes the event streams of all rooms toward the host.
func (r *Router) dispatchEvents() {
	for {
		select {
		case <-r.stop:
			return
		case message := <-r.events:
			if r.onEvent != nil {
				r.onEvent(message.Content)
			}
		}
	}
}

// GetOrCreateRoom returns the running coordinator for the room, joining the
// room first if this peer is not in it yet.
func (r *Router) GetOrCreateRoom(roomID string) (*coordinator.Coordinator, error) {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil, ErrRouterClosed
	}
	if handle, ok := r.rooms[roomID]; ok {
		r.mutex.Unlock()
		return handle.coordinator, nil
	}
	r.mutex.Unlock()

	// Dialing may block on the network, so it happens outside the lock.
	sender, receiver := common.NewChannel[signaling.Envelope]()
	transport, err := r.transports(roomID, r.localID, sender)
	if err != nil {
		return nil, fmt.Errorf("failed to dial room %s: %w", roomID, err)
	}

	coord, err := coordinator.New(roomID, r.localID, r.config, coordinator.Deps{
		Transport: transport,
		Inbox:     receiver,
		Factory:   r.connectionFactory,
	})
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	sink := common.NewSink(roomID, r.events)
	coord.SetOnEvent(func(event coordinator.Event) {
		// Sealed on teardown; late events are dropped.
		_ = sink.Send(event)
	})

	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		sink.Seal()
		coord.Close()
		_ = transport.Close()
		return nil, ErrRouterClosed
	}
	if existing, ok := r.rooms[roomID]; ok {
		// Lost a concurrent join; the first one wins.
		r.mutex.Unlock()
		sink.Seal()
		coord.Close()
		_ = transport.Close()
		return existing.coordinator, nil
	}
	handle := &roomHandle{coordinator: coord, transport: transport, events: sink}
	r.rooms[roomID] = handle
	r.mutex.Unlock()

	if err := coord.Start(); err != nil {
		r.evict(roomID, handle)
		sink.Seal()
		coord.Close()
		_ = transport.Close()
		return nil, fmt.Errorf("failed to join room %s: %w", roomID, err)
	}

	r.logger.WithField("room_id", roomID).Info("Joined room")
	go r.reap(roomID, handle)

	return coord, nil
}

// Room returns the coordinator of a joined room, or nil.
func (r *Router) Room(roomID string) *coordinator.Coordinator {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if handle, ok := r.rooms[roomID]; ok {
		return handle.coordinator
	}
	return nil
}

// Rooms lists the IDs of all joined rooms.
func (r *Router) Rooms() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Snapshots returns the traffic snapshot of every joined room, in the shape
// the Prometheus collector consumes.
func (r *Router) Snapshots() []stats.RoomSnapshot {
	r.mutex.Lock()
	coordinators := make([]*coordinator.Coordinator, 0, len(r.rooms))
	for _, handle := range r.rooms {
		coordinators = append(coordinators, handle.coordinator)
	}
	r.mutex.Unlock()

	snapshots := make([]stats.RoomSnapshot, 0, len(coordinators))
	for _, coord := range coordinators {
		snapshots = append(snapshots, coord.GetStatus().Traffic)
	}
	return snapshots
}

// CloseRoom leaves a single room. Unknown room IDs are a no-op.
func (r *Router) CloseRoom(roomID string) {
	r.mutex.Lock()
	handle, ok := r.rooms[roomID]
	r.mutex.Unlock()
	if !ok {
		return
	}

	// The reaper watching Done() removes the entry and closes the transport.
	handle.coordinator.Close()
}

// Close leaves every room and rejects further joins.
func (r *Router) Close() {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return
	}
	r.closed = true
	handles := make([]*roomHandle, 0, len(r.rooms))
	for _, handle := range r.rooms {
		handles = append(handles, handle)
	}
	r.rooms = make(map[string]*roomHandle)
	r.mutex.Unlock()

	// Coordinators drain their final events while the dispatcher still
	// runs; only then is the funnel shut down.
	for _, handle := range handles {
		handle.coordinator.Close()
		handle.events.Seal()
		_ = handle.transport.Close()
	}
	close(r.stop)
}

// reap waits for the coordinator to shut down, for whatever reason, and
// retires its room entry.
func (r *Router) reap(roomID string, handle *roomHandle) {
	<-handle.coordinator.Done()
	r.evict(roomID, handle)
	handle.events.Seal()
	_ = handle.transport.Close()
	r.logger.WithField("room_id", roomID).Info("Left room")
}

func (r *Router) evict(roomID string, handle *roomHandle) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.rooms[roomID] == handle {
		delete(r.rooms, roomID)
	}
}
