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

// Package coordinator runs one peer's view of a relay room. It wires the
// election, keepalive, failover, switching and bridging components together,
// speaks the signaling protocol on their behalf and reports room-level
// events to the host application.
//
// Exactly one peer per room acts as the relay. The coordinator decides
// locally, from the shared total order over announced claims, whether that
// peer is this one, and brings the relay machinery (fan-out room, upstream
// bridge) up and down as that belief changes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/weirnet/weir/pkg/bridge"
	"github.com/weirnet/weir/pkg/common"
	"github.com/weirnet/weir/pkg/election"
	"github.com/weirnet/weir/pkg/failover"
	"github.com/weirnet/weir/pkg/keepalive"
	"github.com/weirnet/weir/pkg/probe"
	"github.com/weirnet/weir/pkg/relay"
	"github.com/weirnet/weir/pkg/signaling"
	"github.com/weirnet/weir/pkg/stats"
	"github.com/weirnet/weir/pkg/telemetry"
	"github.com/weirnet/weir/pkg/webrtc_ext"
)

var (
	ErrNoTransport       = errors.New("coordinator needs a transport")
	ErrNoFactory         = errors.New("coordinator needs a peer connection factory")
	ErrAlreadyStarted    = errors.New("coordinator is already started")
	ErrCoordinatorClosed = errors.New("coordinator is closed")
)

// LocalInfo is what the local peer reports about itself in join
// announcements. The values use the wire vocabulary of the election
// package; anything unrecognised degrades to the unknown class there.
type LocalInfo struct {
	Device string `yaml:"device"`
	Link   string `yaml:"link"`
	Power  string `yaml:"power"`
}

type Config struct {
	Local     LocalInfo        `yaml:"local"`
	Keepalive keepalive.Config `yaml:"keepalive"`
	Failover  failover.Config  `yaml:"failover"`
	Probe     probe.Config     `yaml:"probe"`
	Room      relay.RoomConfig `yaml:"room"`
	Bridge    bridge.Config    `yaml:"bridge"`
	// Cadence of the maintenance tick: remote metric refresh, bitrate
	// accounting and the cold-start bootstrap check.
	ElectionInterval common.Duration `yaml:"electionInterval"`
	// Capacity of the event queue toward the host. A full queue drops the
	// newest event rather than blocking the signaling loop.
	EventQueueSize int `yaml:"eventQueueSize"`
}

func DefaultConfig() Config {
	return Config{
		Keepalive:        keepalive.DefaultConfig(),
		Failover:         failover.DefaultConfig(),
		Probe:            probe.DefaultConfig(),
		Room:             relay.DefaultRoomConfig(),
		Bridge:           bridge.DefaultConfig(),
		ElectionInterval: common.NewDuration(5 * time.Second),
		EventQueueSize:   64,
	}
}

// Deps are the externally owned pieces a coordinator is built around. The
// transport outlives the coordinator; Close never touches it.
type Deps struct {
	// Transport delivers signaling to the room. Required.
	Transport signaling.Transport
	// Inbox is the receiving end the transport was built with. Required.
	Inbox common.Receiver[signaling.Envelope]
	// Factory builds subscriber peer connections. Required.
	Factory *webrtc_ext.PeerConnectionFactory
	// StatsSource feeds the local path probe. Optional; without it the
	// local candidate is scored on its self-reported facts alone.
	StatsSource probe.StatsSource
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

type Coordinator struct {
	roomID    string
	localID   string
	config    Config
	logger    *logrus.Entry
	telemetry *telemetry.Trace
	clock     clock.Clock

	transport signaling.Transport
	inbox     common.Receiver[signaling.Envelope]
	factory   *webrtc_ext.PeerConnectionFactory

	elector   *election.Elector
	keepalive *keepalive.Manager
	failover  *failover.Manager
	probe     *probe.Probe
	switcher  *relay.Switcher
	stats     *stats.Room

	events  *common.Worker[Event]
	onEvent atomic.Value

	mutex    sync.Mutex
	peers    map[string]struct{}
	local    LocalInfo
	relaying bool
	room     *relay.Room
	bridge   *bridge.Bridge

	started atomic.Bool
	done    chan struct{}
	loops   sync.WaitGroup
	stopped sync.Once

	remoteErrors    atomic.Uint64
	unknownMessages atomic.Uint64
	badPackets      atomic.Uint64
}

func New(roomID, localID string, config Config, deps Deps) (*Coordinator, error) {
	if deps.Transport == nil {
		return nil, ErrNoTransport
	}
	if deps.Factory == nil {
		return nil, ErrNoFactory
	}

	defaults := DefaultConfig()
	if config.ElectionInterval.Duration == 0 {
		config.ElectionInterval = defaults.ElectionInterval
	}
	if config.EventQueueSize == 0 {
		config.EventQueueSize = defaults.EventQueueSize
	}
	// Outage confirmation re-probes on the keepalive cadence unless tuned
	// separately.
	if config.Failover.DetectInterval.Duration == 0 {
		config.Failover.DetectInterval = config.Keepalive.Interval
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	logger := logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"peer_id": localID,
	})

	trace := telemetry.Root(
		context.Background(),
		"Coordinator",
		telemetry.Room(roomID),
		telemetry.Peer(localID),
	)

	c := &Coordinator{
		roomID:    roomID,
		localID:   localID,
		config:    config,
		logger:    logger,
		telemetry: trace,
		clock:     clk,
		transport: deps.Transport,
		inbox:     deps.Inbox,
		factory:   deps.Factory,
		elector:   election.NewElector(),
		stats:     stats.NewRoomWithClock(roomID, clk),
		peers:     make(map[string]struct{}),
		local:     config.Local,
		done:      make(chan struct{}),
	}

	switcher, err := relay.NewSwitcher(relay.SwitcherConfig{}, relay.SwitcherCallbacks{
		OnSourceChanged: c.handleSourceChanged,
		OnTrackChanged:  c.handleTrackChanged,
	}, c.stats.Total(), logger)
	if err != nil {
		trace.Fail(err)
		trace.End()
		return nil, fmt.Errorf("failed to create source switcher: %w", err)
	}
	c.switcher = switcher

	c.keepalive = keepalive.NewWithClock(config.Keepalive, keepalive.Callbacks{
		OnPing: func(peerID string) { c.send(peerID, signaling.Ping{}) },
		OnSlow: func(peerID string, rtt time.Duration) {
			c.logger.WithFields(logrus.Fields{
				"peer_id": peerID,
				"rtt":     rtt,
			}).Debug("Peer is responding slowly")
		},
		OnOffline: c.handlePeerOffline,
	}, logger, clk)

	c.failover = failover.NewWithClock(localID, config.Failover, failover.Hooks{
		LocalScore: func() float64 {
			score, _ := c.elector.Score(c.localID)
			return score
		},
		Elect: c.elector.Elect,
		StillOffline: func(peerID string) bool {
			return c.keepalive.Status(peerID) == keepalive.StatusOffline
		},
		BroadcastClaim: func(epoch uint64, score float64) {
			c.send("", signaling.RelayClaim{Epoch: epoch, Score: score})
		},
		OnRelayFailed: func(relayID string) {
			c.telemetry.Event("relay went offline", telemetry.Relay(relayID))
			c.emit(Event{Type: EventRelayFailed, RelayID: relayID})
		},
		OnRelayChanged: c.handleRelayChanged,
		OnBecomeRelay:  c.becomeRelay,
		OnConflict: func(winnerID string) {
			c.logger.WithField("relay_id", winnerID).Warn("Lost relay role to a rival claim")
		},
	}, logger, clk)

	if deps.StatsSource != nil {
		c.probe = probe.NewWithClock(deps.StatsSource, config.Probe, c.handleProbeSample, clk)
	}

	c.events = common.StartWorker(common.WorkerConfig[Event]{
		ChannelSize: config.EventQueueSize,
		OnTask: func(event Event) {
			if handler, ok := c.onEvent.Load().(func(Event)); ok {
				handler(event)
			}
		},
	})

	return c, nil
}

// SetOnEvent installs the host's event handler. Safe to call at any time;
// events emitted while no handler is installed are discarded.
func (c *Coordinator) SetOnEvent(handler func(Event)) {
	if handler == nil {
		handler = func(Event) {}
	}
	c.onEvent.Store(handler)
}

// Start announces the local peer to the room and launches the signaling and
// maintenance loops. The join announcement is the first thing on the wire;
// if it cannot be sent nothing is started.
func (c *Coordinator) Start() error {
	select {
	case <-c.done:
		return ErrCoordinatorClosed
	default:
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	facts := c.facts()
	c.elector.UpsertCandidate(
		c.localID,
		election.ParseDeviceClass(facts.Device),
		election.ParseLinkClass(facts.Link),
		election.ParsePowerState(facts.Power),
	)

	if err := c.transport.Send("", signaling.Join{
		Device: facts.Device,
		Link:   facts.Link,
		Power:  facts.Power,
	}); err != nil {
		return fmt.Errorf("failed to announce join: %w", err)
	}

	c.keepalive.Start()
	if c.probe != nil {
		c.probe.Start()
	}

	c.loops.Add(2)
	go c.processMessages()
	go c.maintenanceLoop()

	c.logger.Info("Coordinator started")
	return nil
}

// Done closes once Close has been called.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Close announces the departure, stops every component and waits for the
// loops to drain. The transport is left open; its owner closes it.
func (c *Coordinator) Close() {
	c.stopped.Do(func() {
		c.logger.Info("Closing coordinator")

		// Best effort: peers that miss it fall back to offline detection.
		_ = c.transport.Send("", signaling.Leave{})

		close(c.done)
		c.inbox.Close()

		// Drain anything already buffered so a transport caught mid-delivery
		// never blocks on a reader that is gone.
	drain:
		for {
			select {
			case <-c.inbox.Channel:
			default:
				break drain
			}
		}

		c.keepalive.Stop()
		if c.probe != nil {
			c.probe.Stop()
		}
		c.failover.Close()

		c.mutex.Lock()
		room := c.room
		upstream := c.bridge
		c.room = nil
		c.bridge = nil
		c.relaying = false
		c.mutex.Unlock()

		if upstream != nil {
			upstream.Close()
		}
		if room != nil {
			room.Close()
		}

		c.loops.Wait()
		c.events.Stop()
		c.telemetry.End()
	})
}

// IsRelay reports whether the local peer is the relay it believes in.
func (c *Coordinator) IsRelay() bool {
	return c.failover.IsRelay()
}

// AddPeer registers a peer with its self-reported facts, or refreshes the
// facts of a peer already known. New peers start keepalive tracking.
func (c *Coordinator) AddPeer(peerID, device, link, power string) {
	if peerID == "" || peerID == c.localID {
		return
	}

	c.mutex.Lock()
	_, known := c.peers[peerID]
	c.peers[peerID] = struct{}{}
	c.mutex.Unlock()

	c.elector.UpsertCandidate(
		peerID,
		election.ParseDeviceClass(device),
		election.ParseLinkClass(link),
		election.ParsePowerState(power),
	)

	if !known {
		c.keepalive.AddPeer(peerID)
		c.logger.WithField("peer_id", peerID).Info("Peer joined")
		c.emit(Event{Type: EventPeerJoined, PeerID: peerID})
	}
}

// RemovePeer handles an orderly departure: the peer is forgotten everywhere
// and, if it was the relay, failover starts without outage confirmation.
func (c *Coordinator) RemovePeer(peerID string) {
	c.handlePeerLeft(peerID)
}

// HandlePong feeds a pong that reached the host outside the signaling
// channel into liveness tracking.
func (c *Coordinator) HandlePong(peerID string) {
	c.keepalive.HandlePong(peerID)
}

// SetCurrentRelay installs relay knowledge learned out of band, such as a
// state snapshot handed over by the host. Stale epochs are ignored.
func (c *Coordinator) SetCurrentRelay(relayID string, epoch uint64) {
	c.handleRelayAnnouncement(relayID, epoch, 0)
}

// ReceiveRelayClaim feeds a relay claim that arrived outside the signaling
// channel into the failover state machine.
func (c *Coordinator) ReceiveRelayClaim(peerID string, epoch uint64, score float64) {
	c.handleRelayClaim(peerID, epoch, score)
}

// UpdateLocalDeviceInfo refreshes the local peer's self-reported facts and
// re-announces them to the room.
func (c *Coordinator) UpdateLocalDeviceInfo(device, link, power string) {
	c.mutex.Lock()
	c.local = LocalInfo{Device: device, Link: link, Power: power}
	c.mutex.Unlock()

	c.elector.UpsertCandidate(
		c.localID,
		election.ParseDeviceClass(device),
		election.ParseLinkClass(link),
		election.ParsePowerState(power),
	)
	c.send("", signaling.Join{Device: device, Link: link, Power: power})
}

// InjectSFUPacket feeds one marshalled RTP packet from the upstream source
// into the switcher. The packet only reaches subscribers while the upstream
// source is the active one.
func (c *Coordinator) InjectSFUPacket(kind webrtc.RTPCodecType, data []byte) error {
	return c.inject(relay.SourceSFU, kind, data)
}

// InjectLocalPacket feeds one marshalled RTP packet from the local screen
// share into the switcher.
func (c *Coordinator) InjectLocalPacket(kind webrtc.RTPCodecType, data []byte) error {
	return c.inject(relay.SourceLocal, kind, data)
}

func (c *Coordinator) inject(source relay.Source, kind webrtc.RTPCodecType, data []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		c.badPackets.Add(1)
		c.stats.Total().RecordDropped()
		return fmt.Errorf("malformed rtp packet: %w", err)
	}

	// The switcher accepts the packet only while its source is active, so
	// outbound accounting keys on the source observed before the write.
	active := c.switcher.Active() == source

	var err error
	if source == relay.SourceLocal {
		if sharer := c.switcher.Sharer(); sharer != "" {
			c.stats.Peer(sharer).RecordIn(len(data))
		}
		err = c.switcher.WriteLocal(kind, pkt)
	} else {
		err = c.switcher.WriteSFU(kind, pkt)
	}
	if err != nil {
		return err
	}

	if active {
		c.stats.Total().RecordOut(len(data))
	}
	return nil
}

// StartLocalShare switches the outbound media to a screen share fed through
// InjectLocalPacket. A share of the local user is announced to the room;
// a share driven on behalf of a remote peer was announced by that peer.
func (c *Coordinator) StartLocalShare(sharerID string) {
	if sharerID == "" {
		sharerID = c.localID
	}
	c.switcher.StartLocalShare(sharerID)
	if sharerID == c.localID {
		c.send("", signaling.ScreenShare{Sharing: true})
	}
}

// StopLocalShare switches the outbound media back to the upstream source.
func (c *Coordinator) StopLocalShare() {
	sharer := c.switcher.Sharer()
	c.switcher.StopLocalShare()
	if sharer == "" || sharer == c.localID {
		c.send("", signaling.ScreenShare{Sharing: false})
	}
}

func (c *Coordinator) facts() LocalInfo {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.local
}

func (c *Coordinator) send(target string, message signaling.Message) {
	if err := c.transport.Send(target, message); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"target":  target,
			"message": fmt.Sprintf("%T", message),
		}).Debug("Signaling send failed")
	}
}

func (c *Coordinator) emit(event Event) {
	event.RoomID = c.roomID
	event.Timestamp = c.clock.Now()
	if err := c.events.Send(event); err != nil {
		c.logger.WithField("event", event.Type.String()).Debug("Event dropped")
	}
}

func (c *Coordinator) processMessages() {
	defer c.loops.Done()

	for {
		select {
		case <-c.done:
			return
		case envelope := <-c.inbox.Channel:
			c.dispatch(envelope)
		}
	}
}

func (c *Coordinator) dispatch(envelope signaling.Envelope) {
	// Transports may loop broadcasts back; a peer never talks to itself.
	if envelope.Sender == c.localID {
		return
	}
	if envelope.Target != "" && envelope.Target != c.localID {
		return
	}

	sender := envelope.Sender

	switch message := envelope.Message.(type) {
	case signaling.Join:
		c.AddPeer(sender, message.Device, message.Link, message.Power)
	case signaling.PeerConnected:
		c.handlePeerConnected(sender)
	case signaling.Leave:
		c.handlePeerLeft(sender)
	case signaling.PeerDisconnected:
		c.handlePeerLeft(sender)
	case signaling.Ping:
		c.send(sender, signaling.Pong{})
	case signaling.Pong:
		c.keepalive.HandlePong(sender)
	case signaling.RelayClaim:
		c.handleRelayClaim(sender, message.Epoch, message.Score)
	case signaling.RelayChanged:
		c.handleRelayAnnouncement(message.RelayID, message.Epoch, message.Score)
	case signaling.Offer:
		c.handleOffer(sender, message.SDP)
	case signaling.Answer:
		c.handleAnswer(sender, message.SDP)
	case signaling.Candidate:
		c.handleCandidate(sender, message.Candidate)
	case signaling.ScreenShare:
		c.handleScreenShare(sender, message.Sharing)
	case signaling.Error:
		c.remoteErrors.Add(1)
		c.logger.WithError(message.Err).WithFields(logrus.Fields{
			"peer_id":   sender,
			"wire_type": message.WireType,
		}).Debug("Peer sent an undecodable message")
	default:
		c.unknownMessages.Add(1)
		c.logger.WithField("peer_id", sender).Debug("Ignoring unhandled message")
	}
}

// handlePeerConnected reacts to a transport-level arrival. The newcomer gets
// the local facts and, when this peer is the relay, the current relay state,
// so it never has to wait for the next organic announcement.
func (c *Coordinator) handlePeerConnected(peerID string) {
	c.mutex.Lock()
	_, known := c.peers[peerID]
	c.mutex.Unlock()
	if !known {
		c.AddPeer(peerID, "", "", "")
	}

	facts := c.facts()
	c.send(peerID, signaling.Join{Device: facts.Device, Link: facts.Link, Power: facts.Power})

	if relayID, epoch, score := c.failover.Relay(); relayID == c.localID && relayID != "" {
		c.send(peerID, signaling.RelayChanged{RelayID: relayID, Epoch: epoch, Score: score})
	}
}

func (c *Coordinator) handlePeerLeft(peerID string) {
	relayID, _, _ := c.failover.Relay()
	c.dropPeer(peerID)
	if peerID == relayID && relayID != "" {
		c.failover.HandleRelayLeft(peerID)
	}
}

// handlePeerOffline reacts to a keepalive timeout. Losing the relay starts
// failover with outage confirmation; losing an ordinary peer just forgets it.
func (c *Coordinator) handlePeerOffline(peerID string) {
	relayID, _, _ := c.failover.Relay()
	if peerID == relayID && relayID != "" {
		c.failover.HandleRelayOffline(peerID)
		return
	}
	c.dropPeer(peerID)
}

func (c *Coordinator) dropPeer(peerID string) {
	c.mutex.Lock()
	_, known := c.peers[peerID]
	delete(c.peers, peerID)
	room := c.room
	c.mutex.Unlock()
	if !known {
		return
	}

	c.elector.RemoveCandidate(peerID)
	c.keepalive.RemovePeer(peerID)
	c.stats.RemovePeer(peerID)
	if room != nil {
		room.RemoveSubscriber(peerID)
	}
	if c.switcher.Sharer() == peerID {
		c.switcher.StopLocalShare()
	}

	c.logger.WithField("peer_id", peerID).Info("Peer left")
	c.emit(Event{Type: EventPeerLeft, PeerID: peerID})
}

// handleRelayClaim applies the claim unless it is behind the local belief,
// in which case the claimant gets a targeted correction instead: it is
// acting on stale knowledge and a rebroadcast catches it up fastest.
func (c *Coordinator) handleRelayClaim(peerID string, epoch uint64, score float64) {
	relayID, believed, relayScore := c.failover.Relay()
	if relayID != "" && epoch < believed {
		c.logger.WithFields(logrus.Fields{
			"peer_id": peerID,
			"epoch":   epoch,
		}).Info("Correcting stale relay claim")
		c.send(peerID, signaling.RelayChanged{RelayID: relayID, Epoch: believed, Score: relayScore})
		return
	}
	c.failover.ReceiveClaim(failover.Claim{PeerID: peerID, Epoch: epoch, Score: score})
}

// handleRelayAnnouncement adopts relay state learned from an announcement.
// The failover manager arbitrates staleness; only an actual change of
// belief is acted upon.
func (c *Coordinator) handleRelayAnnouncement(relayID string, epoch uint64, score float64) {
	if relayID == "" || relayID == c.localID {
		return
	}

	prevID, prevEpoch, _ := c.failover.Relay()
	c.failover.SetRelay(relayID, epoch, score)
	newID, newEpoch, newScore := c.failover.Relay()
	if newID == prevID && newEpoch == prevEpoch {
		return
	}

	c.logger.WithFields(logrus.Fields{
		"relay_id": newID,
		"epoch":    newEpoch,
	}).Info("Adopted announced relay")

	if prevID == c.localID {
		c.stepDown(newID)
	}
	c.emit(Event{Type: EventRelayChanged, RelayID: newID, Epoch: newEpoch, Score: newScore})
}

// handleRelayChanged is the failover manager's belief-change hook.
func (c *Coordinator) handleRelayChanged(relayID string, epoch uint64, score float64) {
	if relayID != c.localID {
		c.stepDown(relayID)
	}
	c.emit(Event{Type: EventRelayChanged, RelayID: relayID, Epoch: epoch, Score: score})
}

func (c *Coordinator) handleOffer(peerID, sdp string) {
	c.mutex.Lock()
	room := c.room
	relaying := c.relaying
	c.mutex.Unlock()

	// Downlink negotiation is the relay's job. A non-relay peer receiving an
	// offer is a sign of a stale relay belief on the sender's side.
	if !relaying || room == nil {
		c.logger.WithField("peer_id", peerID).Debug("Ignoring subscriber offer while not relaying")
		return
	}

	answer, err := room.AddSubscriber(peerID, webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		c.logger.WithError(err).WithField("peer_id", peerID).Error("Failed to add subscriber")
		return
	}
	c.send(peerID, signaling.Answer{SDP: answer.SDP})
}

func (c *Coordinator) handleAnswer(peerID, sdp string) {
	c.mutex.Lock()
	room := c.room
	c.mutex.Unlock()
	if room == nil {
		return
	}

	err := room.HandleAnswer(peerID, webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		c.logger.WithError(err).WithField("peer_id", peerID).Debug("Dropping stray answer")
	}
}

func (c *Coordinator) handleCandidate(peerID, candidate string) {
	c.mutex.Lock()
	room := c.room
	c.mutex.Unlock()
	if room == nil {
		return
	}

	if err := room.AddICECandidate(peerID, webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		c.logger.WithError(err).WithField("peer_id", peerID).Debug("Dropping ICE candidate")
	}
}

// handleScreenShare tracks the announced share on every peer, not only the
// relay, so a relay elected mid-share starts with the right source.
func (c *Coordinator) handleScreenShare(peerID string, sharing bool) {
	if sharing {
		c.switcher.StartLocalShare(peerID)
		return
	}
	if c.switcher.Sharer() == peerID {
		c.switcher.StopLocalShare()
	}
}

// handleSourceChanged is the switcher's change hook and the single place
// share events are emitted from: the switcher deduplicates, so every
// invocation is a real transition.
func (c *Coordinator) handleSourceChanged(source relay.Source, sharerID string) {
	c.emit(Event{
		Type:    EventPeerScreenShare,
		PeerID:  sharerID,
		Sharing: source == relay.SourceLocal,
	})
}

func (c *Coordinator) handleTrackChanged(video, audio *webrtc.TrackLocalStaticRTP) {
	c.mutex.Lock()
	room := c.room
	c.mutex.Unlock()
	if room != nil {
		room.UpdateTracks(video, audio)
	}
}

func (c *Coordinator) handleProbeSample(sample probe.Sample) {
	c.elector.UpdateMetrics(c.localID, election.NetworkMetrics{
		Bandwidth:  sample.AvailableBandwidth,
		Latency:    sample.RTT,
		PacketLoss: sample.PacketLoss,
		Jitter:     sample.Jitter,
	})
}

// becomeRelay is the failover manager's win hook: bring up the fan-out room,
// announce the new epoch and connect the upstream bridge if one is
// configured. The claim itself was already broadcast by the manager.
func (c *Coordinator) becomeRelay(epoch uint64) {
	c.mutex.Lock()
	select {
	case <-c.done:
		c.mutex.Unlock()
		return
	default:
	}

	c.relaying = true
	if c.room == nil {
		c.room = relay.NewRoom(c.factory, c.switcher, c.config.Room, relay.RoomCallbacks{
			OnKeyframeRequest: c.handleKeyframeRequest,
			OnNeedRenegotiate: c.handleNeedRenegotiate,
			OnSubscriberLeft: func(peerID string) {
				c.logger.WithField("peer_id", peerID).Info("Subscriber session ended")
			},
		}, c.logger)
	}
	var upstream *bridge.Bridge
	if c.config.Bridge.Enabled() && c.bridge == nil {
		upstream = c.newBridge()
		c.bridge = upstream
	}
	c.mutex.Unlock()

	score, _ := c.elector.Score(c.localID)
	c.send("", signaling.RelayChanged{RelayID: c.localID, Epoch: epoch, Score: score})

	if upstream != nil {
		go func() {
			trace := c.telemetry.Child("BridgeConnect")
			// Connect logs and reports its own failures.
			if err := upstream.Connect(); err != nil {
				trace.Fail(err)
			}
			trace.End()
		}()
	}

	c.logger.WithField("epoch", epoch).Info("Assumed relay role")
	c.telemetry.Event("assumed relay role", telemetry.Epoch(epoch))
	c.emit(Event{Type: EventBecomeRelay, RelayID: c.localID, Epoch: epoch, Score: score})
}

// stepDown tears the relay machinery down after losing the role. The
// switcher survives: its source state carries over to the next term.
func (c *Coordinator) stepDown(newRelayID string) {
	c.mutex.Lock()
	if !c.relaying {
		c.mutex.Unlock()
		return
	}
	c.relaying = false
	room := c.room
	upstream := c.bridge
	c.room = nil
	c.bridge = nil
	c.mutex.Unlock()

	c.logger.WithField("relay_id", newRelayID).Info("Stepping down from relay role")
	c.telemetry.Event("stepped down", telemetry.Relay(newRelayID))
	if upstream != nil {
		upstream.Close()
	}
	if room != nil {
		room.Close()
	}
}

func (c *Coordinator) newBridge() *bridge.Bridge {
	return bridge.NewWithClock(c.roomID, c.config.Bridge, bridge.Callbacks{
		OnPacket: func(kind webrtc.RTPCodecType, data []byte) {
			if err := c.InjectSFUPacket(kind, data); err != nil {
				c.logger.WithError(err).Debug("Dropping upstream packet")
			}
		},
		OnVideoCodec: func(capability webrtc.RTPCodecCapability) {
			if err := c.switcher.SetVideoCodec(capability); err != nil {
				c.logger.WithError(err).Error("Failed to adopt upstream video codec")
			}
		},
		OnAudioCodec: func(capability webrtc.RTPCodecCapability) {
			if err := c.switcher.SetAudioCodec(capability); err != nil {
				c.logger.WithError(err).Error("Failed to adopt upstream audio codec")
			}
		},
		OnStateChanged: func(state bridge.State) {
			c.emit(Event{Type: EventBridgeState, Bridge: state.String()})
		},
		OnError: func(err error) {
			c.logger.WithError(err).Error("Bridge error")
		},
	}, c.logger, c.clock)
}

func (c *Coordinator) handleKeyframeRequest() {
	c.mutex.Lock()
	upstream := c.bridge
	c.mutex.Unlock()
	if upstream != nil {
		upstream.RequestKeyframe()
	}
}

func (c *Coordinator) handleNeedRenegotiate(peerID string, offer webrtc.SessionDescription) {
	c.send(peerID, signaling.Offer{SDP: offer.SDP})
}

// maintenanceLoop runs the periodic chores: folding keepalive RTTs into the
// remote candidates, refreshing bitrate accounting and bootstrapping the
// first relay term when none is known.
func (c *Coordinator) maintenanceLoop() {
	defer c.loops.Done()

	ticker := c.clock.Ticker(c.config.ElectionInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		// The signaling round trip is the only path measurement available
		// for remote peers; loss and jitter stay unsampled.
		for _, peer := range c.keepalive.Snapshot() {
			if peer.RTTMillis <= 0 {
				continue
			}
			c.elector.UpdateMetrics(peer.PeerID, election.NetworkMetrics{
				Latency: time.Duration(peer.RTTMillis) * time.Millisecond,
			})
		}

		c.stats.UpdateBitrates()

		if relayID, _, _ := c.failover.Relay(); relayID == "" {
			c.failover.Bootstrap()
		}
	}
}
