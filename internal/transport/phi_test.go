package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ruvnet/clustercore/internal/consensus"
)

func TestPhiAccrualDetector_AliveOnSteadyHeartbeats(t *testing.T) {
	d := NewPhiAccrualDetector([]consensus.NodeID{"n2"}, 8, 12)

	for i := 0; i < 20; i++ {
		d.RecordHeartbeat("n2")
		time.Sleep(2 * time.Millisecond)
	}

	assert.Less(t, d.Phi("n2"), 8.0)
}

func TestPhiAccrualDetector_SuspectsAfterLongSilence(t *testing.T) {
	d := NewPhiAccrualDetector([]consensus.NodeID{"n2"}, 8, 12)

	for i := 0; i < 10; i++ {
		d.RecordHeartbeat("n2")
		time.Sleep(1 * time.Millisecond)
	}

	// Simulate a long silence by backdating the last arrival.
	d.mu.Lock()
	d.samples["n2"].lastArrival = time.Now().Add(-2 * time.Second)
	d.mu.Unlock()

	assert.Greater(t, d.Phi("n2"), 8.0)
}

func TestPhiAccrualDetector_RecordFailureSuspectsImmediately(t *testing.T) {
	d := NewPhiAccrualDetector([]consensus.NodeID{"n2"}, 8, 12)
	d.RecordHeartbeat("n2")

	d.RecordFailure("n2")

	d.mu.Lock()
	state := d.samples["n2"].state
	d.mu.Unlock()

	assert.Equal(t, consensus.PeerSuspected, state)
}
