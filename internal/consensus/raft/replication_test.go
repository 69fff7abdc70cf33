package raft

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/clustercore/internal/consensus"
)

// TestHandleAppendEntriesResponse_UsesFollowerReportedMatchIndex exercises
// the commit-safety fix: matchIndex must come from what the follower
// reports it persisted for this exact request, not be re-derived from the
// leader's live log, which may have grown since the request was sent.
func TestHandleAppendEntriesResponse_UsesFollowerReportedMatchIndex(t *testing.T) {
	r, _ := newTestRaft(t, "n1", []consensus.NodeID{"n2"})
	r.role = consensus.Leader
	r.currentTerm = 3
	// The leader's log has grown to 5 entries by the time this reply
	// arrives (a concurrent Propose ran between send and receive).
	r.log = []*consensus.LogEntry{
		{Index: 1, Term: 1}, {Index: 2, Term: 1}, {Index: 3, Term: 2},
		{Index: 4, Term: 3}, {Index: 5, Term: 3},
	}
	r.nextIndex["n2"] = 3
	r.matchIndex["n2"] = 0

	// n2 only ever received and persisted up through index 3 in the
	// request this reply answers.
	resp := AppendEntriesResponse{Term: 3, Success: true, MatchIndex: 3}
	payload, err := json.Marshal(resp)
	require.NoError(t, err)

	r.handleAppendEntriesResponse(&consensus.ConsensusMessage{
		Type:     consensus.AppendEntriesReplyMsg,
		Term:     3,
		SenderID: "n2",
		Payload:  payload,
	})

	assert.Equal(t, consensus.LogIndex(3), r.matchIndex["n2"], "matchIndex must reflect what the follower actually persisted, not the leader's current log length")
	assert.Equal(t, consensus.LogIndex(4), r.nextIndex["n2"])
}

// TestHandleAppendEntriesResponse_MatchIndexNeverRegresses guards against
// an out-of-order or duplicate reply moving matchIndex backward.
func TestHandleAppendEntriesResponse_MatchIndexNeverRegresses(t *testing.T) {
	r, _ := newTestRaft(t, "n1", []consensus.NodeID{"n2"})
	r.role = consensus.Leader
	r.currentTerm = 1
	r.matchIndex["n2"] = 10
	r.nextIndex["n2"] = 11

	resp := AppendEntriesResponse{Term: 1, Success: true, MatchIndex: 4}
	payload, err := json.Marshal(resp)
	require.NoError(t, err)

	r.handleAppendEntriesResponse(&consensus.ConsensusMessage{
		Type: consensus.AppendEntriesReplyMsg, Term: 1, SenderID: "n2", Payload: payload,
	})

	assert.Equal(t, consensus.LogIndex(10), r.matchIndex["n2"])
}

// failingStorage implements consensus.Storage with an AppendEntries that
// always fails, to exercise the follower persistence-failure path.
type failingStorage struct{}

func (failingStorage) SaveTermAndVote(consensus.Term, consensus.NodeID) error { return nil }
func (failingStorage) LoadTermAndVote() (consensus.Term, consensus.NodeID, error) {
	return 0, "", nil
}
func (failingStorage) AppendEntries([]*consensus.LogEntry) error {
	return assert.AnError
}
func (failingStorage) TruncateFrom(consensus.LogIndex) error { return nil }
func (failingStorage) LoadEntries() ([]*consensus.LogEntry, error) { return nil, nil }

// TestHandleAppendEntries_RejectsWhenPersistFails exercises spec §6/§7: a
// follower must never ack entries it failed to durably persist.
func TestHandleAppendEntries_RejectsWhenPersistFails(t *testing.T) {
	r, _ := newTestRaft(t, "n2", []consensus.NodeID{"n1"})
	r.storage = failingStorage{}

	req := AppendEntriesRequest{
		Term:         1,
		LeaderID:     "n1",
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      []*consensus.LogEntry{{Index: 1, Term: 1, Command: consensus.Command{Kind: consensus.CmdLockAcquire}}},
		LeaderCommit: 0,
	}
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	ft := r.transport.(*fakeTransport)
	r.handleAppendEntries(&consensus.ConsensusMessage{
		Type:          consensus.AppendEntriesMsg,
		Term:          1,
		SenderID:      "n1",
		CorrelationID: "c1",
		Payload:       payload,
		Timestamp:     time.Now(),
	})

	assert.Empty(t, r.log, "an entry that failed to persist must not remain in the in-memory log")

	select {
	case reply := <-ft.sent:
		var resp AppendEntriesResponse
		require.NoError(t, json.Unmarshal(reply.Payload, &resp))
		assert.False(t, resp.Success, "a persistence failure must be reported as a rejected AppendEntries, not acked")
	default:
		t.Fatal("expected an AppendEntries response to be sent")
	}
}
