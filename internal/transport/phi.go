package transport

import (
	"math"
	"sync"
	"time"

	"github.com/ruvnet/clustercore/internal/consensus"
)

// peerSample tracks the exponentially smoothed mean and variance of a
// peer's heartbeat inter-arrival times (spec §4.1).
type peerSample struct {
	lastArrival time.Time
	mean        float64
	variance    float64
	count       int
	state       consensus.PeerState
}

const phiAlpha = 0.2 // smoothing factor for the running mean/variance

// PhiAccrualDetector implements the phi-accrual failure detector: each
// peer's suspicion level phi is derived from how surprising the current
// inter-arrival gap is relative to its historical distribution, rather
// than a fixed timeout. No library in the example pack implements this —
// it is hand-rolled per spec.md's exact formula.
type PhiAccrualDetector struct {
	mu      sync.Mutex
	samples map[consensus.NodeID]*peerSample

	suspectThreshold float64
	failThreshold    float64

	subCh    chan consensus.PeerStateChange
	stopCh   chan struct{}
	wg       sync.WaitGroup
	interval time.Duration
}

// NewPhiAccrualDetector creates a detector tracking the given peers.
func NewPhiAccrualDetector(peers []consensus.NodeID, suspectThreshold, failThreshold float64) *PhiAccrualDetector {
	samples := make(map[consensus.NodeID]*peerSample, len(peers))
	for _, p := range peers {
		samples[p] = &peerSample{state: consensus.PeerAlive, mean: 200, variance: 100}
	}

	return &PhiAccrualDetector{
		samples:          samples,
		suspectThreshold: suspectThreshold,
		failThreshold:    failThreshold,
		subCh:            make(chan consensus.PeerStateChange, 64),
		stopCh:           make(chan struct{}),
		interval:         100 * time.Millisecond,
	}
}

func (d *PhiAccrualDetector) Start() {
	d.wg.Add(1)
	go d.evalLoop()
}

func (d *PhiAccrualDetector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *PhiAccrualDetector) Subscribe() <-chan consensus.PeerStateChange {
	return d.subCh
}

// RecordHeartbeat registers a successful message from peer, updating its
// inter-arrival statistics and resetting it to alive.
func (d *PhiAccrualDetector) RecordHeartbeat(peer consensus.NodeID) {
	now := time.Now()

	d.mu.Lock()
	s, ok := d.samples[peer]
	if !ok {
		s = &peerSample{state: consensus.PeerAlive, mean: 200, variance: 100}
		d.samples[peer] = s
	}

	if !s.lastArrival.IsZero() {
		gap := float64(now.Sub(s.lastArrival).Milliseconds())
		if s.count == 0 {
			s.mean = gap
		} else {
			diff := gap - s.mean
			s.mean += phiAlpha * diff
			s.variance = (1-phiAlpha)*(s.variance+phiAlpha*diff*diff)
		}
		s.count++
	}
	s.lastArrival = now
	prevState := s.state
	s.state = consensus.PeerAlive
	d.mu.Unlock()

	if prevState != consensus.PeerAlive {
		d.emit(peer, consensus.PeerAlive)
	}
}

// RecordFailure is called when a send to peer errors outright (connection
// refused, dial failure) — it does not wait for phi to cross a threshold,
// since a hard transport error is stronger evidence than silence.
func (d *PhiAccrualDetector) RecordFailure(peer consensus.NodeID) {
	d.mu.Lock()
	s, ok := d.samples[peer]
	if !ok {
		s = &peerSample{state: consensus.PeerAlive}
		d.samples[peer] = s
	}
	prevState := s.state
	s.state = consensus.PeerSuspected
	d.mu.Unlock()

	if prevState != consensus.PeerSuspected {
		d.emit(peer, consensus.PeerSuspected)
	}
}

// Phi returns peer's current suspicion level.
func (d *PhiAccrualDetector) Phi(peer consensus.NodeID) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.samples[peer]
	if !ok || s.lastArrival.IsZero() {
		return 0
	}
	return phi(time.Since(s.lastArrival), s.mean, s.variance)
}

// phi computes -log10(1 - F(elapsedMs)) where F is the CDF of a normal
// distribution with the given mean and variance, approximating the
// logistic formulation spec.md §4.1 specifies.
func phi(elapsed time.Duration, mean, variance float64) float64 {
	elapsedMs := float64(elapsed.Milliseconds())
	if variance <= 0 {
		variance = 1
	}
	stddev := math.Sqrt(variance)
	y := (elapsedMs - mean) / stddev
	// Standard normal CDF via erf.
	cdf := 0.5 * (1 + math.Erf(y/math.Sqrt2))
	survival := 1 - cdf
	if survival <= 0 {
		survival = 1e-15
	}
	return -math.Log10(survival)
}

func (d *PhiAccrualDetector) evalLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.evalOnce()
		}
	}
}

func (d *PhiAccrualDetector) evalOnce() {
	type transition struct {
		peer  consensus.NodeID
		state consensus.PeerState
	}
	var transitions []transition

	d.mu.Lock()
	for peer, s := range d.samples {
		if s.lastArrival.IsZero() {
			continue
		}
		p := phi(time.Since(s.lastArrival), s.mean, s.variance)

		newState := s.state
		switch {
		case p > d.failThreshold:
			newState = consensus.PeerFailed
		case p > d.suspectThreshold:
			newState = consensus.PeerSuspected
		default:
			newState = consensus.PeerAlive
		}

		if newState != s.state {
			s.state = newState
			transitions = append(transitions, transition{peer, newState})
		}
	}
	d.mu.Unlock()

	for _, t := range transitions {
		d.emit(t.peer, t.state)
	}
}

func (d *PhiAccrualDetector) emit(peer consensus.NodeID, state consensus.PeerState) {
	select {
	case d.subCh <- consensus.PeerStateChange{Peer: peer, State: state}:
	default:
	}
}
