// Package failover coordinates relay handover between peers that all detect
// the same outage. Every peer waits in proportion to its own fitness before
// claiming the relay role, so the best-scored peer claims first and the rest
// observe its claim and yield. Epochs order the claims; the same total order
// (score desc, peer id asc) resolves every same-epoch conflict.
package failover

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/weirnet/weir/pkg/common"
	"github.com/weirnet/weir/pkg/election"
)

type State int32

const (
	StateIdle State = iota
	StateDetecting
	StateWaiting
	StateElecting
	StateTransitioning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StateWaiting:
		return "waiting"
	case StateElecting:
		return "electing"
	case StateTransitioning:
		return "transitioning"
	default:
		return "unknown"
	}
}

type Config struct {
	// Backoff per point of score below 100. A peer scoring 90 waits 100ms
	// with the 10ms default, a peer scoring 50 waits 500ms.
	BackoffPerPoint common.Duration `yaml:"backoffPerPoint"`
	MaxBackoff      common.Duration `yaml:"maxBackoff"`
	// How long a fresh claim is held open for rival claims, and how long to
	// wait for a remote election winner to actually claim.
	ClaimTimeout common.Duration `yaml:"claimTimeout"`
	// Consecutive confirmations of the outage before failover proceeds. The
	// initial report counts as the first.
	OfflineThreshold int `yaml:"offlineThreshold"`
	// Cadence of outage confirmation, normally the keepalive interval.
	DetectInterval common.Duration `yaml:"detectInterval"`
}

func DefaultConfig() Config {
	return Config{
		BackoffPerPoint:  common.NewDuration(10 * time.Millisecond),
		MaxBackoff:       common.NewDuration(2 * time.Second),
		ClaimTimeout:     common.NewDuration(500 * time.Millisecond),
		OfflineThreshold: 2,
		DetectInterval:   common.NewDuration(3 * time.Second),
	}
}

// Claim is a peer's assertion that it is the relay for an epoch.
type Claim struct {
	PeerID string
	Epoch  uint64
	Score  float64
}

// Hooks connect the manager to its surroundings. The manager holds no
// component references; everything it needs is a value-typed function. All
// hooks are invoked outside the manager's lock.
type Hooks struct {
	// Current fitness of the local peer.
	LocalScore func() float64
	// Runs an election over the coordinator's current candidate set.
	Elect func() (election.Result, error)
	// Probes whether the peer is still classified offline.
	StillOffline func(peerID string) bool
	// Broadcasts a relay claim to the room.
	BroadcastClaim func(epoch uint64, score float64)

	// The outage was confirmed.
	OnRelayFailed func(relayID string)
	// The local belief about the relay changed.
	OnRelayChanged func(relayID string, epoch uint64, score float64)
	// The local peer won and must start relaying.
	OnBecomeRelay func(epoch uint64)
	// The local peer was relaying and lost a same-epoch or higher-epoch
	// conflict to the winner.
	OnConflict func(winnerID string)
}

type Manager struct {
	localID string
	config  Config
	hooks   Hooks
	logger  *logrus.Entry
	clock   clock.Clock

	state atomic.Int32

	mutex      sync.Mutex
	relayID    string
	epoch      uint64
	relayScore float64
	// Latest claim seen per peer, for the end-of-backoff scan.
	claims map[string]Claim
	// Local score cached when a failover starts, used to judge rival claims
	// for the contested epoch without calling hooks under the lock.
	cachedScore float64
	// Epoch the in-flight failover is trying to fill, relay epoch + 1.
	target uint64
	// A failover goroutine is running; at most one at a time.
	inFlight bool

	stop   chan struct{}
	closed sync.Once
}

func New(localID string, config Config, hooks Hooks, logger *logrus.Entry) *Manager {
	return NewWithClock(localID, config, hooks, logger, clock.New())
}

func NewWithClock(localID string, config Config, hooks Hooks, logger *logrus.Entry, clk clock.Clock) *Manager {
	defaults := DefaultConfig()
	if config.BackoffPerPoint.Duration == 0 {
		config.BackoffPerPoint = defaults.BackoffPerPoint
	}
	if config.MaxBackoff.Duration == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.ClaimTimeout.Duration == 0 {
		config.ClaimTimeout = defaults.ClaimTimeout
	}
	if config.OfflineThreshold == 0 {
		config.OfflineThreshold = defaults.OfflineThreshold
	}
	if config.DetectInterval.Duration == 0 {
		config.DetectInterval = defaults.DetectInterval
	}

	return &Manager{
		localID: localID,
		config:  config,
		hooks:   hooks,
		logger:  logger,
		clock:   clk,
		claims:  make(map[string]Claim),
		stop:    make(chan struct{}),
	}
}

func (m *Manager) Close() {
	m.closed.Do(func() {
		close(m.stop)
	})
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(state State) {
	m.state.Store(int32(state))
}

// Relay returns the locally believed relay identity, epoch and score.
func (m *Manager) Relay() (string, uint64, float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.relayID, m.epoch, m.relayScore
}

func (m *Manager) IsRelay() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.relayID == m.localID
}

// SetRelay installs relay knowledge learned out of band, such as the state
// snapshot a joining peer receives. Stale epochs are ignored.
func (m *Manager) SetRelay(relayID string, epoch uint64, score float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if epoch < m.epoch || (epoch == m.epoch && m.relayID != "") {
		return
	}
	m.relayID = relayID
	m.epoch = epoch
	m.relayScore = score
	m.claims = make(map[string]Claim)
	m.setState(StateIdle)
}

// HandleRelayOffline feeds a keepalive offline report into the state
// machine. Reports about peers other than the believed relay are ignored;
// at most one failover runs at a time.
func (m *Manager) HandleRelayOffline(peerID string) {
	score := m.localScore()

	m.mutex.Lock()
	if m.relayID == "" || peerID != m.relayID || m.inFlight || m.State() != StateIdle {
		m.mutex.Unlock()
		return
	}
	m.inFlight = true
	m.cachedScore = score
	m.setState(StateDetecting)
	m.mutex.Unlock()

	m.logger.WithField("relay_id", peerID).Warn("Relay reported offline, confirming outage")
	go m.failover(peerID)
}

// HandleRelayLeft runs failover for a relay that announced an orderly
// departure. The leave is authoritative, so outage confirmation is skipped
// and the score-proportional backoff starts immediately.
func (m *Manager) HandleRelayLeft(peerID string) {
	score := m.localScore()

	m.mutex.Lock()
	if m.relayID == "" || peerID != m.relayID || m.inFlight || m.State() != StateIdle {
		m.mutex.Unlock()
		return
	}
	m.inFlight = true
	m.cachedScore = score
	m.target = m.epoch + 1
	m.setState(StateWaiting)
	m.mutex.Unlock()

	m.logger.WithField("relay_id", peerID).Warn("Relay left the room, starting failover")
	go func() {
		defer m.clearInFlight()
		m.claimLoop(peerID)
	}()
}

// Bootstrap claims the relay role at cold start, when no relay is known yet.
// It runs the same backoff and claim machinery as a failover, so peers that
// boot simultaneously stagger their claims by score instead of storming.
func (m *Manager) Bootstrap() {
	score := m.localScore()

	m.mutex.Lock()
	if m.relayID != "" || m.inFlight || m.State() != StateIdle {
		m.mutex.Unlock()
		return
	}
	m.inFlight = true
	m.cachedScore = score
	m.target = m.epoch + 1
	m.setState(StateWaiting)
	m.mutex.Unlock()

	go func() {
		defer m.clearInFlight()
		m.claimLoop("")
	}()
}

func (m *Manager) localScore() float64 {
	if m.hooks.LocalScore == nil {
		return 0
	}
	return m.hooks.LocalScore()
}

func (m *Manager) clearInFlight() {
	m.mutex.Lock()
	m.inFlight = false
	m.mutex.Unlock()
}

func (m *Manager) failover(failed string) {
	defer m.clearInFlight()

	if !m.confirmOutage(failed) {
		return
	}

	if m.hooks.OnRelayFailed != nil {
		m.hooks.OnRelayFailed(failed)
	}

	m.claimLoop(failed)
}

func (m *Manager) claimLoop(failed string) {
	for {
		if !m.backoff() {
			return
		}
		switch m.runElection() {
		case electionWonLocal:
			m.holdClaim()
			return
		case electionAborted:
			return
		case electionWonRemote:
			if m.awaitWinnerClaim(failed) {
				return
			}
			// The winner never claimed. Start over with a fresh backoff;
			// the candidate set will eventually shed the silent winner.
		}
	}
}

// confirmOutage re-probes the failed relay once per detect interval until
// the outage is confirmed OfflineThreshold times in a row. A recovery or a
// state change from an adopted claim aborts.
func (m *Manager) confirmOutage(failed string) bool {
	count := 1
	if count < m.config.OfflineThreshold {
		ticker := m.clock.Ticker(m.config.DetectInterval.Duration)
		defer ticker.Stop()

		for count < m.config.OfflineThreshold {
			select {
			case <-m.stop:
				return false
			case <-ticker.C:
			}

			if m.State() != StateDetecting {
				return false
			}
			if m.hooks.StillOffline != nil && !m.hooks.StillOffline(failed) {
				m.logger.WithField("relay_id", failed).Info("Relay recovered during confirmation")
				m.setState(StateIdle)
				return false
			}
			count++
		}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.State() != StateDetecting {
		return false
	}
	m.target = m.epoch + 1
	m.setState(StateWaiting)
	return true
}

// backoff sleeps in proportion to the local score deficit, then re-checks
// whether a rival claim settled the epoch during the wait.
func (m *Manager) backoff() bool {
	score := m.localScore()

	m.mutex.Lock()
	if m.State() != StateWaiting {
		m.mutex.Unlock()
		return false
	}
	m.cachedScore = score
	m.mutex.Unlock()

	wait := time.Duration(float64(100-score) * float64(m.config.BackoffPerPoint.Duration))
	if wait < 0 {
		wait = 0
	}
	if wait > m.config.MaxBackoff.Duration {
		wait = m.config.MaxBackoff.Duration
	}

	m.logger.WithFields(logrus.Fields{
		"score":   score,
		"backoff": wait,
	}).Info("Backing off before relay claim")

	timer := m.clock.Timer(wait)
	defer timer.Stop()
	select {
	case <-m.stop:
		return false
	case <-timer.C:
	}

	m.mutex.Lock()
	if m.State() != StateWaiting {
		m.mutex.Unlock()
		return false
	}

	// Claims received during the wait normally adopt on receipt; this scan
	// is the authoritative end-of-wait decision over everything recorded.
	for _, claim := range m.claims {
		if claim.Epoch > m.target ||
			(claim.Epoch == m.target && dominates(claim.Score, claim.PeerID, score, m.localID)) {
			m.adoptLocked(claim)
			m.mutex.Unlock()

			m.logger.WithFields(logrus.Fields{
				"relay_id": claim.PeerID,
				"epoch":    claim.Epoch,
			}).Info("Yielding to rival relay claim")
			if m.hooks.OnRelayChanged != nil {
				m.hooks.OnRelayChanged(claim.PeerID, claim.Epoch, claim.Score)
			}
			return false
		}
	}

	m.setState(StateElecting)
	m.mutex.Unlock()
	return true
}

type electionOutcome int

const (
	electionWonLocal electionOutcome = iota
	electionWonRemote
	electionAborted
)

func (m *Manager) runElection() electionOutcome {
	m.mutex.Lock()
	if m.State() != StateElecting {
		m.mutex.Unlock()
		return electionAborted
	}
	target := m.target
	m.mutex.Unlock()

	if m.hooks.Elect == nil {
		m.setState(StateIdle)
		return electionAborted
	}
	result, err := m.hooks.Elect()
	if err != nil {
		m.logger.WithError(err).Warn("Election produced no winner")
		m.setState(StateIdle)
		return electionAborted
	}

	m.mutex.Lock()
	if m.State() != StateElecting {
		m.mutex.Unlock()
		return electionAborted
	}

	if result.WinnerID != m.localID {
		m.setState(StateIdle)
		m.mutex.Unlock()

		m.logger.WithFields(logrus.Fields{
			"winner": result.WinnerID,
			"epoch":  target,
		}).Info("Remote peer won the election, awaiting its claim")
		return electionWonRemote
	}

	m.relayID = m.localID
	m.epoch = target
	m.relayScore = result.Score
	m.setState(StateTransitioning)
	m.mutex.Unlock()

	m.logger.WithFields(logrus.Fields{
		"epoch": target,
		"score": result.Score,
	}).Info("Won relay election, claiming")

	if m.hooks.BroadcastClaim != nil {
		m.hooks.BroadcastClaim(target, result.Score)
	}
	if m.hooks.OnBecomeRelay != nil {
		m.hooks.OnBecomeRelay(target)
	}
	if m.hooks.OnRelayChanged != nil {
		m.hooks.OnRelayChanged(m.localID, target, result.Score)
	}
	return electionWonLocal
}

// holdClaim keeps the manager in Transitioning for the claim timeout so
// that rival claims raced against ours are resolved before settling.
func (m *Manager) holdClaim() {
	timer := m.clock.Timer(m.config.ClaimTimeout.Duration)
	defer timer.Stop()
	select {
	case <-m.stop:
		return
	case <-timer.C:
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.State() == StateTransitioning {
		m.setState(StateIdle)
	}
}

// awaitWinnerClaim waits for the remote election winner to assert itself.
// Returns false when the belief still points at the dead relay after the
// claim timeout, which sends the caller back around.
func (m *Manager) awaitWinnerClaim(failed string) bool {
	timer := m.clock.Timer(m.config.ClaimTimeout.Duration)
	defer timer.Stop()
	select {
	case <-m.stop:
		return true
	case <-timer.C:
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.relayID != failed || m.State() != StateIdle {
		return true
	}

	m.logger.Warn("Election winner never claimed, restarting failover")
	m.target = m.epoch + 1
	m.setState(StateWaiting)
	return false
}

// ReceiveClaim feeds a rival relay claim into the state machine.
//
// Steady state applies the total order against the believed relay: a higher
// epoch always wins, an equal epoch wins on (score desc, peer id asc).
// While a failover for the next epoch is in flight, a claim for exactly
// that epoch is instead judged against the local peer, so a better-scored
// local peer contests it rather than yields.
func (m *Manager) ReceiveClaim(claim Claim) {
	if claim.PeerID == m.localID {
		return
	}

	m.mutex.Lock()
	m.claims[claim.PeerID] = claim

	state := m.State()
	inFailover := state == StateWaiting || state == StateElecting

	adopt := false
	if claim.Epoch > m.epoch {
		contested := inFailover && claim.Epoch == m.target &&
			!dominates(claim.Score, claim.PeerID, m.cachedScore, m.localID)
		if !contested {
			adopt = true
		}
	} else if claim.Epoch == m.epoch {
		adopt = dominates(claim.Score, claim.PeerID, m.relayScore, m.relayID)
	}

	if !adopt {
		m.mutex.Unlock()
		return
	}

	wasRelay := m.relayID == m.localID
	m.adoptLocked(claim)
	m.mutex.Unlock()

	m.logger.WithFields(logrus.Fields{
		"relay_id": claim.PeerID,
		"epoch":    claim.Epoch,
	}).Info("Adopted relay claim")

	if m.hooks.OnRelayChanged != nil {
		m.hooks.OnRelayChanged(claim.PeerID, claim.Epoch, claim.Score)
	}
	if wasRelay && m.hooks.OnConflict != nil {
		m.hooks.OnConflict(claim.PeerID)
	}
}

// adoptLocked installs the claim as the relay belief. Caller holds the lock
// and fires OnRelayChanged after releasing it.
func (m *Manager) adoptLocked(claim Claim) {
	m.relayID = claim.PeerID
	m.epoch = claim.Epoch
	m.relayScore = claim.Score
	m.setState(StateIdle)
}

// dominates reports whether (scoreA, peerA) outranks (scoreB, peerB) in the
// relay total order.
func dominates(scoreA float64, peerA string, scoreB float64, peerB string) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	return peerA < peerB
}
