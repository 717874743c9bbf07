package election

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

var ErrNoCandidates = errors.New("no candidates to elect from")

type DeviceClass string

const (
	DevicePC      DeviceClass = "pc"
	DeviceTablet  DeviceClass = "tablet"
	DeviceMobile  DeviceClass = "mobile"
	DeviceUnknown DeviceClass = "unknown"
)

type LinkClass string

const (
	LinkEthernet LinkClass = "ethernet"
	LinkWifi     LinkClass = "wifi"
	LinkCellular LinkClass = "cellular"
	LinkUnknown  LinkClass = "unknown"
)

type PowerState string

const (
	PowerPlugged PowerState = "plugged"
	PowerBattery PowerState = "battery"
)

// Parse helpers for the wire form. Anything unrecognised degrades to the
// unknown class rather than failing: a peer with a newer device taxonomy must
// still be electable.
func ParseDeviceClass(raw string) DeviceClass {
	switch DeviceClass(raw) {
	case DevicePC, DeviceTablet, DeviceMobile:
		return DeviceClass(raw)
	default:
		return DeviceUnknown
	}
}

func ParseLinkClass(raw string) LinkClass {
	switch LinkClass(raw) {
	case LinkEthernet, LinkWifi, LinkCellular:
		return LinkClass(raw)
	default:
		return LinkUnknown
	}
}

func ParsePowerState(raw string) PowerState {
	if PowerState(raw) == PowerPlugged {
		return PowerPlugged
	}
	return PowerBattery
}

// NetworkMetrics is the observed quality of a candidate's path. Sampled is
// false until a first measurement exists; an unmeasured path is scored at
// full quality rather than punished for being new.
type NetworkMetrics struct {
	// Available bandwidth in bits per second. Carried for status reporting;
	// it does not enter the score.
	Bandwidth int64
	Latency   time.Duration
	// Packet loss in percent (0..100).
	PacketLoss float64
	Jitter     time.Duration
	Sampled    bool
}

// Candidate is one election input. Rebuilt per election, never persisted.
type Candidate struct {
	PeerID     string
	Device     DeviceClass
	Link       LinkClass
	Power      PowerState
	Metrics    NetworkMetrics
	LastUpdate time.Time
}

// The weight split. Device, link and power are facts a peer reports about
// itself; quality is measured. The maximum total is exactly 100.
func deviceWeight(device DeviceClass) float64 {
	switch device {
	case DevicePC:
		return 30
	case DeviceTablet:
		return 20
	case DeviceMobile:
		return 10
	default:
		return 15
	}
}

func linkWeight(link LinkClass) float64 {
	switch link {
	case LinkEthernet:
		return 30
	case LinkWifi:
		return 20
	case LinkCellular:
		return 5
	default:
		return 15
	}
}

func powerWeight(power PowerState) float64 {
	if power == PowerPlugged {
		return 10
	}
	return 5
}

// QualitySubscore maps the measured path quality onto [20, 100]: latency
// degrades linearly between 50ms and 300ms (up to 30 points), packet loss
// between 0% and 5% (up to 30 points), jitter between 20ms and 100ms (up to
// 20 points). The combined penalty caps at 80.
func (m NetworkMetrics) QualitySubscore() float64 {
	if !m.Sampled {
		return 100
	}

	latency := ramp(float64(m.Latency.Milliseconds()), 50, 300, 30)
	loss := ramp(m.PacketLoss, 0, 5, 30)
	jitter := ramp(float64(m.Jitter.Milliseconds()), 20, 100, 20)

	penalty := latency + loss + jitter
	if penalty > 80 {
		penalty = 80
	}

	return 100 - penalty
}

// ramp maps value linearly from [from, to] onto [0, max], clamped.
func ramp(value, from, to, max float64) float64 {
	if value <= from {
		return 0
	}
	if value >= to {
		return max
	}
	return max * (value - from) / (to - from)
}

// Score is the candidate's relay fitness on [0, 100]. Deterministic: the
// same candidate always scores the same.
func (c Candidate) Score() float64 {
	return deviceWeight(c.Device) +
		linkWeight(c.Link) +
		powerWeight(c.Power) +
		0.30*c.Metrics.QualitySubscore()
}

type Result struct {
	WinnerID string
	Score    float64
}

// Elect picks the relay from the candidate set: highest score wins, ties go
// to the lexicographically smaller peer ID. A pure function of its input;
// two invocations over the same set return the same winner.
func Elect(candidates []Candidate) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, ErrNoCandidates
	}

	winner := candidates[0]
	winnerScore := winner.Score()
	for _, candidate := range candidates[1:] {
		score := candidate.Score()
		if score > winnerScore || (score == winnerScore && candidate.PeerID < winner.PeerID) {
			winner = candidate
			winnerScore = score
		}
	}

	return Result{WinnerID: winner.PeerID, Score: winnerScore}, nil
}

// Elector keeps the room's candidate set up to date between elections. It
// never schedules elections itself; the coordinator asks when it wants one.
type Elector struct {
	mutex      sync.RWMutex
	candidates map[string]*Candidate
}

func NewElector() *Elector {
	return &Elector{candidates: make(map[string]*Candidate)}
}

// UpsertCandidate registers a peer or refreshes its self-reported facts,
// preserving any metrics already observed for it.
func (e *Elector) UpsertCandidate(peerID string, device DeviceClass, link LinkClass, power PowerState) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	existing := e.candidates[peerID]
	if existing == nil {
		e.candidates[peerID] = &Candidate{
			PeerID:     peerID,
			Device:     device,
			Link:       link,
			Power:      power,
			LastUpdate: time.Now(),
		}
		return
	}

	existing.Device = device
	existing.Link = link
	existing.Power = power
	existing.LastUpdate = time.Now()
}

// UpdateMetrics records a fresh path measurement for the peer. Unknown peers
// are ignored: metrics without an identity are no candidate.
func (e *Elector) UpdateMetrics(peerID string, metrics NetworkMetrics) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	candidate := e.candidates[peerID]
	if candidate == nil {
		return
	}

	metrics.Sampled = true
	candidate.Metrics = metrics
	candidate.LastUpdate = time.Now()
}

func (e *Elector) RemoveCandidate(peerID string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.candidates, peerID)
}

// Candidates returns a snapshot sorted best-first using the same total order
// the election applies.
func (e *Elector) Candidates() []Candidate {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	snapshot := make([]Candidate, 0, len(e.candidates))
	for _, candidate := range e.candidates {
		snapshot = append(snapshot, *candidate)
	}

	slices.SortFunc(snapshot, func(a, b Candidate) int {
		scoreA, scoreB := a.Score(), b.Score()
		switch {
		case scoreA > scoreB:
			return -1
		case scoreA < scoreB:
			return 1
		case a.PeerID < b.PeerID:
			return -1
		case a.PeerID > b.PeerID:
			return 1
		default:
			return 0
		}
	})

	return snapshot
}

// Score reports the current score of a single candidate.
func (e *Elector) Score(peerID string) (float64, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	candidate := e.candidates[peerID]
	if candidate == nil {
		return 0, false
	}
	return candidate.Score(), true
}

// Elect runs the election over the current candidate set.
func (e *Elector) Elect() (Result, error) {
	return Elect(e.Candidates())
}
