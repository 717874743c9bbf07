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

package coordinator

import (
	"github.com/weirnet/weir/pkg/bridge"
	"github.com/weirnet/weir/pkg/keepalive"
	"github.com/weirnet/weir/pkg/packet"
	"github.com/weirnet/weir/pkg/probe"
	"github.com/weirnet/weir/pkg/relay"
	"github.com/weirnet/weir/pkg/stats"
)

// PeerScore is one row of the candidate table in a status snapshot.
type PeerScore struct {
	PeerID    string  `json:"peerId"`
	Score     float64 `json:"score"`
	Device    string  `json:"device"`
	Link      string  `json:"link"`
	Power     string  `json:"power"`
	Bandwidth int64   `json:"bandwidth,omitempty"`
}

// Status is a point-in-time snapshot of the whole coordinator, shaped for
// JSON status endpoints and debugging dumps.
type Status struct {
	RoomID     string  `json:"roomId"`
	PeerID     string  `json:"peerId"`
	IsRelay    bool    `json:"isRelay"`
	RelayID    string  `json:"relayId"`
	Epoch      uint64  `json:"epoch"`
	RelayScore float64 `json:"relayScore"`
	Failover   string  `json:"failover"`
	LocalScore float64 `json:"localScore"`

	Peers       []keepalive.PeerInfo   `json:"peers"`
	Candidates  []PeerScore            `json:"candidates"`
	Switcher    relay.SwitcherStats    `json:"switcher"`
	Subscribers []relay.SubscriberInfo `json:"subscribers,omitempty"`
	Bridge      *bridge.Status         `json:"bridge,omitempty"`
	Probe       *probe.Sample          `json:"probe,omitempty"`
	Traffic     stats.RoomSnapshot     `json:"traffic"`
	Pool        packet.PoolStats       `json:"pool"`

	RemoteErrors    uint64 `json:"remoteErrors"`
	UnknownMessages uint64 `json:"unknownMessages"`
	BadPackets      uint64 `json:"badPackets"`
}

// GetStatus assembles a snapshot. Each component is queried under its own
// lock; the result is consistent per component, not across them.
func (c *Coordinator) GetStatus() Status {
	relayID, epoch, relayScore := c.failover.Relay()
	localScore, _ := c.elector.Score(c.localID)

	c.mutex.Lock()
	room := c.room
	upstream := c.bridge
	c.mutex.Unlock()

	status := Status{
		RoomID:     c.roomID,
		PeerID:     c.localID,
		IsRelay:    relayID != "" && relayID == c.localID,
		RelayID:    relayID,
		Epoch:      epoch,
		RelayScore: relayScore,
		Failover:   c.failover.State().String(),
		LocalScore: localScore,

		Peers:    c.keepalive.Snapshot(),
		Switcher: c.switcher.Stats(),
		Traffic:  c.stats.Snapshot(),
		Pool:     packet.Default.Stats(),

		RemoteErrors:    c.remoteErrors.Load(),
		UnknownMessages: c.unknownMessages.Load(),
		BadPackets:      c.badPackets.Load(),
	}

	for _, candidate := range c.elector.Candidates() {
		status.Candidates = append(status.Candidates, PeerScore{
			PeerID:    candidate.PeerID,
			Score:     candidate.Score(),
			Device:    string(candidate.Device),
			Link:      string(candidate.Link),
			Power:     string(candidate.Power),
			Bandwidth: candidate.Metrics.Bandwidth,
		})
	}

	if room != nil {
		status.Subscribers = room.Subscribers()
	}
	if upstream != nil {
		bridgeStatus := upstream.Status()
		status.Bridge = &bridgeStatus
	}
	if c.probe != nil {
		if sample, ok := c.probe.Latest(); ok {
			status.Probe = &sample
		}
	}

	return status
}
