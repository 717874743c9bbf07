// Package keepalive detects peer liveness over the signaling channel. The
// manager pings every tracked peer on a fixed sweep and marks a peer offline
// once it stops answering, reporting the outage exactly once until the peer
// answers again.
package keepalive

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/weirnet/weir/pkg/common"
)

type Status int32

const (
	StatusUnknown Status = iota
	StatusOnline
	StatusSlow
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusSlow:
		return "slow"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

type Config struct {
	// Sweep period. Every tracked peer is pinged once per sweep.
	Interval common.Duration `yaml:"interval"`
	// A peer whose last pong is older than this is offline.
	Timeout common.Duration `yaml:"timeout"`
	// Smoothed RTT above this marks the peer slow.
	SlowThreshold common.Duration `yaml:"slowThreshold"`
	// Consecutive unanswered pings that mark the peer offline even before
	// the timeout elapses.
	MaxRetries int `yaml:"maxRetries"`
}

func DefaultConfig() Config {
	return Config{
		Interval:      common.NewDuration(3 * time.Second),
		Timeout:       common.NewDuration(10 * time.Second),
		SlowThreshold: common.NewDuration(3 * time.Second),
		MaxRetries:    3,
	}
}

// Callbacks are fixed at construction. All of them are optional and all of
// them are invoked outside the manager's locks.
type Callbacks struct {
	// The caller performs the actual send over its transport.
	OnPing    func(peerID string)
	OnOnline  func(peerID string)
	OnSlow    func(peerID string, rtt time.Duration)
	OnOffline func(peerID string)
}

type peerState struct {
	mutex sync.Mutex

	id       string
	status   Status
	lastPing time.Time
	lastPong time.Time
	rtt      time.Duration
	missed   int
	// Set when the current outage has been reported, cleared by a pong. Keeps
	// OnOffline at one invocation per continuous outage.
	offlineReported bool
	pings           uint64
	pongs           uint64
}

// PeerInfo is a point-in-time view of one peer, shaped for status reporting.
type PeerInfo struct {
	PeerID      string    `json:"peerId"`
	Status      string    `json:"status"`
	RTTMillis   int64     `json:"rttMs"`
	MissedPongs int       `json:"missedPongs"`
	LastPong    time.Time `json:"lastPong"`
}

type Manager struct {
	config    Config
	callbacks Callbacks
	logger    *logrus.Entry
	clock     clock.Clock

	mutex  sync.RWMutex
	peers  map[string]*peerState
	stop   chan struct{}
	once   sync.Once
	closed sync.Once
}

func New(config Config, callbacks Callbacks, logger *logrus.Entry) *Manager {
	return NewWithClock(config, callbacks, logger, clock.New())
}

// NewWithClock is New with the wall clock replaced, so that sweeps and
// timeouts can be driven deterministically.
func NewWithClock(config Config, callbacks Callbacks, logger *logrus.Entry, clk clock.Clock) *Manager {
	defaults := DefaultConfig()
	if config.Interval.Duration == 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout.Duration == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.SlowThreshold.Duration == 0 {
		config.SlowThreshold = defaults.SlowThreshold
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}

	return &Manager{
		config:    config,
		callbacks: callbacks,
		logger:    logger,
		clock:     clk,
		peers:     make(map[string]*peerState),
		stop:      make(chan struct{}),
	}
}

// Start launches the sweep loop. Call Stop to end it. The ticker is armed
// before Start returns so no sweep scheduled for the first interval is lost.
func (m *Manager) Start() {
	m.once.Do(func() {
		ticker := m.clock.Ticker(m.config.Interval.Duration)
		go m.run(ticker)
	})
}

func (m *Manager) Stop() {
	m.closed.Do(func() {
		close(m.stop)
	})
}

func (m *Manager) run(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// AddPeer starts tracking a peer. The peer gets a full timeout of grace
// before it can be considered offline. Idempotent.
func (m *Manager) AddPeer(peerID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, tracked := m.peers[peerID]; tracked {
		return
	}
	m.peers[peerID] = &peerState{
		id:       peerID,
		status:   StatusOnline,
		lastPong: m.clock.Now(),
	}
}

func (m *Manager) RemovePeer(peerID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.peers, peerID)
}

// sweep runs once per tick: account the previous ping, decide liveness, then
// ping again. Offline peers keep being pinged so they can come back.
func (m *Manager) sweep() {
	m.mutex.RLock()
	peers := make([]*peerState, 0, len(m.peers))
	for _, peer := range m.peers {
		peers = append(peers, peer)
	}
	m.mutex.RUnlock()

	now := m.clock.Now()

	for _, peer := range peers {
		peer.mutex.Lock()
		if peer.lastPing.After(peer.lastPong) {
			peer.missed++
		}

		timedOut := now.Sub(peer.lastPong) > m.config.Timeout.Duration
		exhausted := peer.missed >= m.config.MaxRetries
		report := false
		if timedOut || exhausted {
			peer.status = StatusOffline
			if !peer.offlineReported {
				peer.offlineReported = true
				report = true
			}
		}

		peer.lastPing = now
		peer.pings++
		peerID := peer.id
		missed := peer.missed
		peer.mutex.Unlock()

		if report {
			m.logger.WithFields(logrus.Fields{
				"peer_id":      peerID,
				"missed_pongs": missed,
			}).Warn("Peer went offline")
			if m.callbacks.OnOffline != nil {
				m.callbacks.OnOffline(peerID)
			}
		}
		if m.callbacks.OnPing != nil {
			m.callbacks.OnPing(peerID)
		}
	}
}

// HandlePong records a pong from the peer: refreshes liveness, folds the
// sample into the smoothed RTT (gain 1/8) and re-arms offline reporting.
func (m *Manager) HandlePong(peerID string) {
	m.mutex.RLock()
	peer := m.peers[peerID]
	m.mutex.RUnlock()
	if peer == nil {
		return
	}

	now := m.clock.Now()

	peer.mutex.Lock()
	if !peer.lastPing.IsZero() {
		sample := now.Sub(peer.lastPing)
		if peer.rtt == 0 {
			peer.rtt = sample
		} else {
			peer.rtt += (sample - peer.rtt) / 8
		}
	}
	peer.lastPong = now
	peer.missed = 0
	peer.pongs++

	wasOffline := peer.status == StatusOffline
	peer.offlineReported = false
	slow := peer.rtt > m.config.SlowThreshold.Duration
	if slow {
		peer.status = StatusSlow
	} else {
		peer.status = StatusOnline
	}
	rtt := peer.rtt
	peer.mutex.Unlock()

	if wasOffline {
		m.logger.WithField("peer_id", peerID).Info("Peer is back online")
		if m.callbacks.OnOnline != nil {
			m.callbacks.OnOnline(peerID)
		}
	}
	if slow && m.callbacks.OnSlow != nil {
		m.callbacks.OnSlow(peerID, rtt)
	}
}

// Status reports the peer's current liveness, StatusUnknown for peers that
// are not tracked.
func (m *Manager) Status(peerID string) Status {
	m.mutex.RLock()
	peer := m.peers[peerID]
	m.mutex.RUnlock()
	if peer == nil {
		return StatusUnknown
	}

	peer.mutex.Lock()
	defer peer.mutex.Unlock()
	return peer.status
}

// RTT returns the smoothed round-trip time for the peer, false when the peer
// is unknown or has never answered a ping.
func (m *Manager) RTT(peerID string) (time.Duration, bool) {
	m.mutex.RLock()
	peer := m.peers[peerID]
	m.mutex.RUnlock()
	if peer == nil {
		return 0, false
	}

	peer.mutex.Lock()
	defer peer.mutex.Unlock()
	if peer.rtt == 0 {
		return 0, false
	}
	return peer.rtt, true
}

func (m *Manager) Snapshot() []PeerInfo {
	m.mutex.RLock()
	peers := make([]*peerState, 0, len(m.peers))
	for _, peer := range m.peers {
		peers = append(peers, peer)
	}
	m.mutex.RUnlock()

	infos := make([]PeerInfo, 0, len(peers))
	for _, peer := range peers {
		peer.mutex.Lock()
		infos = append(infos, PeerInfo{
			PeerID:      peer.id,
			Status:      peer.status.String(),
			RTTMillis:   peer.rtt.Milliseconds(),
			MissedPongs: peer.missed,
			LastPong:    peer.lastPong,
		})
		peer.mutex.Unlock()
	}
	return infos
}
