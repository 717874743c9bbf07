package failover_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/weirnet/weir/pkg/common"
	"github.com/weirnet/weir/pkg/election"
	"github.com/weirnet/weir/pkg/failover"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func testConfig() failover.Config {
	return failover.Config{
		BackoffPerPoint:  common.NewDuration(10 * time.Millisecond),
		MaxBackoff:       common.NewDuration(2 * time.Second),
		ClaimTimeout:     common.NewDuration(500 * time.Millisecond),
		OfflineThreshold: 1,
		DetectInterval:   common.NewDuration(3 * time.Second),
	}
}

// fixture wires a manager to recording hooks and a mock clock. Fixtures
// wired together deliver broadcast claims to each other synchronously.
type fixture struct {
	id    string
	score float64
	mgr   *failover.Manager
	clk   *clock.Mock

	offline atomic.Bool
	electFn func() (election.Result, error)

	mu        sync.Mutex
	peers     []*fixture
	claims    []failover.Claim
	changes   []failover.Claim
	failures  []string
	promoted  []uint64
	conflicts []string
}

func newFixture(t *testing.T, id string, score float64, config failover.Config) *fixture {
	t.Helper()

	f := &fixture{id: id, score: score, clk: clock.NewMock()}
	f.offline.Store(true)
	f.electFn = func() (election.Result, error) {
		return election.Result{WinnerID: id, Score: score}, nil
	}

	hooks := failover.Hooks{
		LocalScore:   func() float64 { return f.score },
		Elect:        func() (election.Result, error) { return f.electFn() },
		StillOffline: func(string) bool { return f.offline.Load() },
		BroadcastClaim: func(epoch uint64, score float64) {
			claim := failover.Claim{PeerID: f.id, Epoch: epoch, Score: score}
			f.mu.Lock()
			f.claims = append(f.claims, claim)
			peers := f.peers
			f.mu.Unlock()
			for _, peer := range peers {
				peer.mgr.ReceiveClaim(claim)
			}
		},
		OnRelayFailed: func(relayID string) {
			f.mu.Lock()
			f.failures = append(f.failures, relayID)
			f.mu.Unlock()
		},
		OnRelayChanged: func(relayID string, epoch uint64, score float64) {
			f.mu.Lock()
			f.changes = append(f.changes, failover.Claim{PeerID: relayID, Epoch: epoch, Score: score})
			f.mu.Unlock()
		},
		OnBecomeRelay: func(epoch uint64) {
			f.mu.Lock()
			f.promoted = append(f.promoted, epoch)
			f.mu.Unlock()
		},
		OnConflict: func(winnerID string) {
			f.mu.Lock()
			f.conflicts = append(f.conflicts, winnerID)
			f.mu.Unlock()
		},
	}

	f.mgr = failover.NewWithClock(id, config, hooks, testLogger(), f.clk)
	t.Cleanup(f.mgr.Close)
	return f
}

func wire(fixtures ...*fixture) {
	for _, f := range fixtures {
		var peers []*fixture
		for _, other := range fixtures {
			if other != f {
				peers = append(peers, other)
			}
		}
		f.mu.Lock()
		f.peers = peers
		f.mu.Unlock()
	}
}

func (f *fixture) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims)
}

func (f *fixture) lastClaim() failover.Claim {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claims) == 0 {
		return failover.Claim{}
	}
	return f.claims[len(f.claims)-1]
}

func (f *fixture) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures)
}

func (f *fixture) failedRelays() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.failures...)
}

func (f *fixture) changeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.changes)
}

func (f *fixture) changedClaims() []failover.Claim {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]failover.Claim(nil), f.changes...)
}

func (f *fixture) conflictCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conflicts)
}

func (f *fixture) conflictWinners() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.conflicts...)
}

func (f *fixture) promotedEpochs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.promoted...)
}

// advanceUntil steps the mock clock forward until cond holds, giving the
// manager's goroutine a chance to arm its timers between steps.
func advanceUntil(t *testing.T, clk *clock.Mock, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		clk.Add(25 * time.Millisecond)
		return cond()
	}, 5*time.Second, 2*time.Millisecond)
}

func drain(clk *clock.Mock, total time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += 25 * time.Millisecond {
		clk.Add(25 * time.Millisecond)
	}
}

func TestFailoverElectsAndClaimsAfterBackoff(t *testing.T) {
	f := newFixture(t, "peer-a", 90, testConfig())
	f.mgr.SetRelay("relay-0", 1, 100)

	f.mgr.HandleRelayOffline("relay-0")
	require.Eventually(t, func() bool { return f.failureCount() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"relay-0"}, f.failedRelays())

	advanceUntil(t, f.clk, func() bool { return f.claimCount() == 1 })

	claim := f.lastClaim()
	require.Equal(t, uint64(2), claim.Epoch)
	require.Equal(t, 90.0, claim.Score)
	require.Equal(t, []uint64{2}, f.promotedEpochs())

	relayID, epoch, score := f.mgr.Relay()
	require.Equal(t, "peer-a", relayID)
	require.Equal(t, uint64(2), epoch)
	require.Equal(t, 90.0, score)
	require.True(t, f.mgr.IsRelay())

	advanceUntil(t, f.clk, func() bool { return f.mgr.State() == failover.StateIdle })
}

func TestOfflineReportForNonRelayIgnored(t *testing.T) {
	f := newFixture(t, "peer-a", 90, testConfig())
	f.mgr.SetRelay("relay-0", 1, 100)

	f.mgr.HandleRelayOffline("peer-b")

	drain(f.clk, time.Second)
	require.Equal(t, failover.StateIdle, f.mgr.State())
	require.Zero(t, f.failureCount())
	require.Zero(t, f.claimCount())
}

func TestOutageConfirmationAbortsOnRecovery(t *testing.T) {
	config := testConfig()
	config.OfflineThreshold = 3
	f := newFixture(t, "peer-a", 90, config)
	f.mgr.SetRelay("relay-0", 1, 100)
	f.offline.Store(false)

	f.mgr.HandleRelayOffline("relay-0")
	require.Equal(t, failover.StateDetecting, f.mgr.State())

	advanceUntil(t, f.clk, func() bool { return f.mgr.State() == failover.StateIdle })
	require.Zero(t, f.failureCount())
	require.Zero(t, f.claimCount())

	// The aborted run must not wedge later failovers.
	f.offline.Store(true)
	require.Eventually(t, func() bool {
		f.mgr.HandleRelayOffline("relay-0")
		return f.mgr.State() != failover.StateIdle
	}, time.Second, time.Millisecond)
	advanceUntil(t, f.clk, func() bool { return f.claimCount() == 1 })
}

func TestOutageConfirmedAfterThresholdTicks(t *testing.T) {
	config := testConfig()
	config.OfflineThreshold = 3
	f := newFixture(t, "peer-a", 90, config)
	f.mgr.SetRelay("relay-0", 1, 100)

	f.mgr.HandleRelayOffline("relay-0")
	require.Equal(t, failover.StateDetecting, f.mgr.State())
	require.Zero(t, f.failureCount())

	advanceUntil(t, f.clk, func() bool { return f.failureCount() == 1 })
	advanceUntil(t, f.clk, func() bool { return f.claimCount() == 1 })
	require.True(t, f.mgr.IsRelay())
}

func TestRelayLeaveSkipsOutageConfirmation(t *testing.T) {
	config := testConfig()
	config.OfflineThreshold = 5
	f := newFixture(t, "peer-a", 90, config)
	f.mgr.SetRelay("relay-0", 1, 100)

	// An orderly leave is authoritative: no confirmation ticks, straight
	// into the backoff, and no failure report.
	f.mgr.HandleRelayLeft("relay-0")
	require.Equal(t, failover.StateWaiting, f.mgr.State())

	advanceUntil(t, f.clk, func() bool { return f.claimCount() == 1 })
	require.Equal(t, uint64(2), f.lastClaim().Epoch)
	require.True(t, f.mgr.IsRelay())
	require.Zero(t, f.failureCount())
}

func TestRelayLeaveForNonRelayIgnored(t *testing.T) {
	f := newFixture(t, "peer-a", 90, testConfig())
	f.mgr.SetRelay("relay-0", 1, 100)

	f.mgr.HandleRelayLeft("peer-b")

	drain(f.clk, time.Second)
	require.Equal(t, failover.StateIdle, f.mgr.State())
	require.Zero(t, f.claimCount())
}

func TestWeakerRivalClaimIsContested(t *testing.T) {
	f := newFixture(t, "peer-a", 90, testConfig())
	f.mgr.SetRelay("relay-0", 1, 100)

	f.mgr.HandleRelayOffline("relay-0")
	require.Eventually(t, func() bool { return f.failureCount() == 1 }, time.Second, time.Millisecond)

	// A weaker rival races us for the contested epoch mid-backoff. We must
	// hold our candidacy and out-claim it rather than yield.
	f.mgr.ReceiveClaim(failover.Claim{PeerID: "peer-b", Epoch: 2, Score: 70})

	relayID, _, _ := f.mgr.Relay()
	require.Equal(t, "relay-0", relayID)
	require.Equal(t, failover.StateWaiting, f.mgr.State())

	advanceUntil(t, f.clk, func() bool { return f.claimCount() == 1 })
	require.Equal(t, uint64(2), f.lastClaim().Epoch)
	require.True(t, f.mgr.IsRelay())
}

func TestStrongerRivalClaimAdoptedDuringWait(t *testing.T) {
	f := newFixture(t, "peer-a", 90, testConfig())
	f.mgr.SetRelay("relay-0", 1, 100)

	f.mgr.HandleRelayOffline("relay-0")
	require.Eventually(t, func() bool { return f.failureCount() == 1 }, time.Second, time.Millisecond)

	f.mgr.ReceiveClaim(failover.Claim{PeerID: "peer-b", Epoch: 2, Score: 95})

	relayID, epoch, _ := f.mgr.Relay()
	require.Equal(t, "peer-b", relayID)
	require.Equal(t, uint64(2), epoch)
	require.Equal(t, failover.StateIdle, f.mgr.State())

	drain(f.clk, time.Second)
	require.Zero(t, f.claimCount())
	require.False(t, f.mgr.IsRelay())
}

func TestRelayYieldsToDominatingSameEpochClaim(t *testing.T) {
	f := newFixture(t, "peer-a", 90, testConfig())
	f.mgr.SetRelay("peer-a", 3, 90)
	require.True(t, f.mgr.IsRelay())

	f.mgr.ReceiveClaim(failover.Claim{PeerID: "peer-b", Epoch: 3, Score: 95})

	relayID, epoch, _ := f.mgr.Relay()
	require.Equal(t, "peer-b", relayID)
	require.Equal(t, uint64(3), epoch)
	require.Equal(t, []string{"peer-b"}, f.conflictWinners())
}

func TestRelayIgnoresWeakerSameEpochClaim(t *testing.T) {
	f := newFixture(t, "peer-a", 90, testConfig())
	f.mgr.SetRelay("peer-a", 3, 90)

	f.mgr.ReceiveClaim(failover.Claim{PeerID: "peer-b", Epoch: 3, Score: 85})

	require.True(t, f.mgr.IsRelay())
	require.Zero(t, f.conflictCount())
	require.Zero(t, f.changeCount())
}

func TestSameEpochTieBreaksOnPeerID(t *testing.T) {
	f := newFixture(t, "peer-m", 90, testConfig())
	f.mgr.SetRelay("peer-m", 3, 90)

	f.mgr.ReceiveClaim(failover.Claim{PeerID: "peer-z", Epoch: 3, Score: 90})
	require.True(t, f.mgr.IsRelay())

	f.mgr.ReceiveClaim(failover.Claim{PeerID: "peer-a", Epoch: 3, Score: 90})
	relayID, _, _ := f.mgr.Relay()
	require.Equal(t, "peer-a", relayID)
}

func TestEpochNeverDecreases(t *testing.T) {
	f := newFixture(t, "peer-a", 90, testConfig())
	f.mgr.SetRelay("relay-0", 4, 50)

	f.mgr.ReceiveClaim(failover.Claim{PeerID: "peer-b", Epoch: 3, Score: 99})
	_, epoch, _ := f.mgr.Relay()
	require.Equal(t, uint64(4), epoch)

	f.mgr.ReceiveClaim(failover.Claim{PeerID: "peer-c", Epoch: 5, Score: 10})
	_, epoch, _ = f.mgr.Relay()
	require.Equal(t, uint64(5), epoch)

	f.mgr.ReceiveClaim(failover.Claim{PeerID: "peer-d", Epoch: 4, Score: 99})
	_, epoch, _ = f.mgr.Relay()
	require.Equal(t, uint64(5), epoch)

	// Redelivery of the adopted claim is idempotent.
	f.mgr.ReceiveClaim(failover.Claim{PeerID: "peer-c", Epoch: 5, Score: 10})
	require.Equal(t, 1, f.changeCount())

	var last uint64
	for _, change := range f.changedClaims() {
		require.GreaterOrEqual(t, change.Epoch, last)
		last = change.Epoch
	}
}

func TestBootstrapClaimsWhenNoRelayKnown(t *testing.T) {
	f := newFixture(t, "peer-a", 88, testConfig())

	// Bootstrap enters the backoff wait rather than claiming outright.
	f.mgr.Bootstrap()
	require.Equal(t, failover.StateWaiting, f.mgr.State())
	require.Zero(t, f.claimCount())

	advanceUntil(t, f.clk, func() bool { return f.claimCount() == 1 })

	claim := f.lastClaim()
	require.Equal(t, uint64(1), claim.Epoch)
	require.Equal(t, 88.0, claim.Score)
	require.True(t, f.mgr.IsRelay())

	advanceUntil(t, f.clk, func() bool { return f.mgr.State() == failover.StateIdle })

	// A second bootstrap is a no-op once a relay is known.
	f.mgr.Bootstrap()
	drain(f.clk, time.Second)
	require.Equal(t, 1, f.claimCount())
}

func TestBootstrapYieldsToRemoteWinner(t *testing.T) {
	f := newFixture(t, "peer-b", 70, testConfig())
	f.electFn = func() (election.Result, error) {
		return election.Result{WinnerID: "peer-a", Score: 90}, nil
	}

	f.mgr.Bootstrap()
	require.Equal(t, failover.StateWaiting, f.mgr.State())

	// Lose the election after the backoff, then the winner asserts itself.
	advanceUntil(t, f.clk, func() bool { return f.mgr.State() == failover.StateIdle })
	f.mgr.ReceiveClaim(failover.Claim{PeerID: "peer-a", Epoch: 1, Score: 90})

	relayID, epoch, _ := f.mgr.Relay()
	require.Equal(t, "peer-a", relayID)
	require.Equal(t, uint64(1), epoch)
	require.Zero(t, f.claimCount())
	require.False(t, f.mgr.IsRelay())
}

func TestBootstrapRaceSuppressedByBackoff(t *testing.T) {
	a := newFixture(t, "peer-a", 90, testConfig())
	b := newFixture(t, "peer-b", 70, testConfig())
	wire(a, b)

	for _, f := range []*fixture{a, b} {
		f.electFn = func() (election.Result, error) {
			return election.Result{WinnerID: "peer-a", Score: 90}, nil
		}
		f.mgr.Bootstrap()
		require.Equal(t, failover.StateWaiting, f.mgr.State())
	}

	// Best score, shortest backoff: peer-a claims epoch 1 first.
	advanceUntil(t, a.clk, func() bool { return a.claimCount() == 1 })
	require.Equal(t, uint64(1), a.lastClaim().Epoch)

	// peer-b sees the claim during its longer wait and never claims itself.
	drain(b.clk, time.Second)
	require.Zero(t, b.claimCount())
	require.Empty(t, b.promotedEpochs())

	relayID, epoch, _ := b.mgr.Relay()
	require.Equal(t, "peer-a", relayID)
	require.Equal(t, uint64(1), epoch)
}

func TestFailoverRestartsWhenWinnerNeverClaims(t *testing.T) {
	f := newFixture(t, "peer-a", 90, testConfig())
	f.mgr.SetRelay("relay-0", 1, 100)

	var electCalls atomic.Int32
	f.electFn = func() (election.Result, error) {
		if electCalls.Add(1) == 1 {
			return election.Result{WinnerID: "peer-ghost", Score: 99}, nil
		}
		return election.Result{WinnerID: "peer-a", Score: 90}, nil
	}

	f.mgr.HandleRelayOffline("relay-0")
	advanceUntil(t, f.clk, func() bool { return f.claimCount() == 1 })

	require.Equal(t, int32(2), electCalls.Load())
	require.Equal(t, uint64(2), f.lastClaim().Epoch)
	require.True(t, f.mgr.IsRelay())
}

func TestBackoffClampedAtMax(t *testing.T) {
	f := newFixture(t, "peer-a", -1000, testConfig())
	f.mgr.SetRelay("relay-0", 1, 100)

	f.mgr.HandleRelayOffline("relay-0")
	require.Eventually(t, func() bool { return f.failureCount() == 1 }, time.Second, time.Millisecond)

	// The raw backoff would be 11 seconds; the clamp keeps it at 2.
	advanceUntil(t, f.clk, func() bool { return f.claimCount() == 1 })
}

func TestThreeWayRaceConvergesOnBestPeer(t *testing.T) {
	a := newFixture(t, "peer-a", 90, testConfig())
	b := newFixture(t, "peer-b", 70, testConfig())
	c := newFixture(t, "peer-c", 50, testConfig())
	wire(a, b, c)

	for _, f := range []*fixture{a, b, c} {
		f.electFn = func() (election.Result, error) {
			return election.Result{WinnerID: "peer-a", Score: 90}, nil
		}
		f.mgr.SetRelay("relay-0", 1, 100)
		f.mgr.HandleRelayOffline("relay-0")
	}
	for _, f := range []*fixture{a, b, c} {
		require.Eventually(t, func() bool { return f.failureCount() == 1 }, time.Second, time.Millisecond)
	}

	// Best score, shortest backoff: peer-a claims first.
	advanceUntil(t, a.clk, func() bool { return a.claimCount() == 1 })
	require.Equal(t, uint64(2), a.lastClaim().Epoch)

	// The rivals observe the claim during their longer waits and yield.
	drain(b.clk, time.Second)
	drain(c.clk, time.Second)
	require.Zero(t, b.claimCount())
	require.Zero(t, c.claimCount())
	require.Empty(t, b.promotedEpochs())
	require.Empty(t, c.promotedEpochs())

	for _, f := range []*fixture{a, b, c} {
		relayID, epoch, score := f.mgr.Relay()
		require.Equal(t, "peer-a", relayID)
		require.Equal(t, uint64(2), epoch)
		require.Equal(t, 90.0, score)
	}
	require.Equal(t, []uint64{2}, a.promotedEpochs())
}

func TestCloseStopsFailover(t *testing.T) {
	f := newFixture(t, "peer-a", 90, testConfig())
	f.mgr.SetRelay("relay-0", 1, 100)

	f.mgr.HandleRelayOffline("relay-0")
	require.Eventually(t, func() bool { return f.failureCount() == 1 }, time.Second, time.Millisecond)

	f.mgr.Close()
	drain(f.clk, time.Second)
	require.Zero(t, f.claimCount())
}
