package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/clustercore/internal/consensus"
	"github.com/ruvnet/clustercore/internal/sink"
)

// fakeTransport is a no-op consensus.Transport used to exercise Raft logic
// without real networking.
type fakeTransport struct {
	sent chan *consensus.ConsensusMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan *consensus.ConsensusMessage, 100)}
}

func (f *fakeTransport) Start() error { return nil }
func (f *fakeTransport) Stop() error  { return nil }
func (f *fakeTransport) Send(_ context.Context, _ consensus.NodeID, msg *consensus.ConsensusMessage) error {
	select {
	case f.sent <- msg:
	default:
	}
	return nil
}
func (f *fakeTransport) Request(_ context.Context, _ consensus.NodeID, _ *consensus.ConsensusMessage, _ time.Duration) (*consensus.ConsensusMessage, error) {
	return nil, context.DeadlineExceeded
}
func (f *fakeTransport) Broadcast(_ *consensus.ConsensusMessage) []error { return nil }
func (f *fakeTransport) Receive() <-chan *consensus.ConsensusMessage {
	return make(chan *consensus.ConsensusMessage)
}
func (f *fakeTransport) Subscribe() <-chan consensus.PeerStateChange {
	return make(chan consensus.PeerStateChange)
}

type noopStateMachine struct{ applied []*consensus.LogEntry }

func (n *noopStateMachine) Apply(entry *consensus.LogEntry) error {
	n.applied = append(n.applied, entry)
	return nil
}

func newTestRaft(t *testing.T, nodeID consensus.NodeID, peers []consensus.NodeID) (*Raft, *noopStateMachine) {
	t.Helper()
	cfg := consensus.DefaultConfig(nodeID, peers)
	transport := newFakeTransport()
	sm := &noopStateMachine{}
	storage := NewSinkStorage(nodeID, sink.NewMemoryStorage())
	return NewRaft(cfg, transport, sm, storage, nil), sm
}

func TestRaft_StartsAsFollower(t *testing.T) {
	r, _ := newTestRaft(t, "n1", []consensus.NodeID{"n2", "n3"})
	assert.Equal(t, consensus.Follower, r.GetRole())
}

func TestRaft_ProposeFailsWhenNotLeader(t *testing.T) {
	r, _ := newTestRaft(t, "n1", []consensus.NodeID{"n2", "n3"})
	_, err := r.Propose(consensus.Command{Kind: consensus.CmdLockAcquire})
	require.Error(t, err)
}

func TestRaft_IsLogUpToDate(t *testing.T) {
	r, _ := newTestRaft(t, "n1", nil)
	r.log = []*consensus.LogEntry{{Index: 1, Term: 2}, {Index: 2, Term: 3}}

	// Candidate's log has a higher term: up to date.
	assert.True(t, r.isLogUpToDateLocked(1, 4))
	// Candidate's log has a lower term: not up to date.
	assert.False(t, r.isLogUpToDateLocked(5, 1))
	// Same term, candidate's log at least as long: up to date.
	assert.True(t, r.isLogUpToDateLocked(2, 3))
	assert.False(t, r.isLogUpToDateLocked(1, 3))
}

func TestRaft_HasMajority(t *testing.T) {
	r, _ := newTestRaft(t, "n1", []consensus.NodeID{"n2", "n3", "n4", "n5"})
	r.votes["n1"] = true
	assert.False(t, r.hasMajorityLocked())
	r.votes["n2"] = true
	r.votes["n3"] = true
	assert.True(t, r.hasMajorityLocked())
}

// TestRaft_CommitIndexNeverAdvancesOnEarlierTermAlone exercises the
// mandatory Raft safety rule: a leader must not commit an entry from a
// previous term by counting replicas alone, even with a majority.
func TestRaft_CommitIndexNeverAdvancesOnEarlierTermAlone(t *testing.T) {
	r, _ := newTestRaft(t, "n1", []consensus.NodeID{"n2", "n3"})
	r.role = consensus.Leader
	r.currentTerm = 3
	r.log = []*consensus.LogEntry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 2},
	}
	r.matchIndex["n2"] = 2
	r.matchIndex["n3"] = 2

	r.updateCommitIndexLocked()

	assert.Equal(t, consensus.LogIndex(0), r.commitIndex, "must not commit entries from an earlier term by replica count alone")
}

func TestRaft_CommitIndexAdvancesOnCurrentTermMajority(t *testing.T) {
	r, _ := newTestRaft(t, "n1", []consensus.NodeID{"n2", "n3"})
	r.role = consensus.Leader
	r.currentTerm = 3
	r.log = []*consensus.LogEntry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 3},
	}
	r.matchIndex["n2"] = 2
	r.matchIndex["n3"] = 0

	r.updateCommitIndexLocked()

	assert.Equal(t, consensus.LogIndex(2), r.commitIndex)
}

func TestRaft_LogMatches(t *testing.T) {
	r, _ := newTestRaft(t, "n1", nil)
	r.log = []*consensus.LogEntry{{Index: 1, Term: 1}, {Index: 2, Term: 2}}

	assert.True(t, r.logMatchesLocked(0, 0))
	assert.True(t, r.logMatchesLocked(2, 2))
	assert.False(t, r.logMatchesLocked(2, 1))
	assert.False(t, r.logMatchesLocked(3, 2))
}
