package raft

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruvnet/clustercore/internal/consensus"
)

type AppendEntriesRequest struct {
	Term         consensus.Term         `json:"term"`
	LeaderID     consensus.NodeID       `json:"leader_id"`
	PrevLogIndex consensus.LogIndex     `json:"prev_log_index"`
	PrevLogTerm  consensus.Term         `json:"prev_log_term"`
	Entries      []*consensus.LogEntry  `json:"entries"`
	LeaderCommit consensus.LogIndex     `json:"leader_commit"`
}

type AppendEntriesResponse struct {
	Term       consensus.Term     `json:"term"`
	Success    bool               `json:"success"`
	XTerm      consensus.Term     `json:"xterm,omitempty"`
	XIndex     consensus.LogIndex `json:"xindex,omitempty"`
	XLen       consensus.LogIndex `json:"xlen,omitempty"`
	MatchIndex consensus.LogIndex `json:"match_index,omitempty"`
}

// handleAppendEntries processes an incoming AppendEntries. Caller holds r.mu.
func (r *Raft) handleAppendEntries(msg *consensus.ConsensusMessage) {
	var req AppendEntriesRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		if r.logger != nil {
			r.logger.Warn("failed to unmarshal AppendEntries", zap.Error(err))
		}
		return
	}

	resp := AppendEntriesResponse{Term: r.currentTerm, Success: false}

	if req.Term < r.currentTerm {
		r.sendAppendEntriesResponse(msg, resp)
		return
	}

	r.resetElectionTimer()

	if req.Term > r.currentTerm || (req.Term == r.currentTerm && r.role == consensus.Candidate) {
		r.currentTerm = req.Term
		r.votedFor = ""
		r.stepDownLocked()
		r.persistTermAndVoteLocked()
	}
	r.leader = req.LeaderID

	if !r.logMatchesLocked(req.PrevLogIndex, req.PrevLogTerm) {
		resp.XLen = consensus.LogIndex(len(r.log))
		if req.PrevLogIndex > 0 && int(req.PrevLogIndex) <= len(r.log) {
			conflictTerm := r.log[req.PrevLogIndex-1].Term
			resp.XTerm = conflictTerm
			for i := int(req.PrevLogIndex) - 1; i >= 0; i-- {
				if r.log[i].Term != conflictTerm {
					resp.XIndex = consensus.LogIndex(i + 2)
					break
				}
				if i == 0 {
					resp.XIndex = 1
				}
			}
		}
		r.sendAppendEntriesResponse(msg, resp)
		return
	}

	if len(req.Entries) > 0 {
		r.handleLogConflictsLocked(req.PrevLogIndex, req.Entries)
	}
	if err := r.appendNewEntriesLocked(req.PrevLogIndex, req.Entries); err != nil {
		if r.logger != nil {
			r.logger.Error("failed to persist replicated entries, rejecting AppendEntries", zap.Error(err))
		}
		r.sendAppendEntriesResponse(msg, resp)
		return
	}

	lastNewIndex := req.PrevLogIndex + consensus.LogIndex(len(req.Entries))
	if req.LeaderCommit > r.commitIndex {
		if req.LeaderCommit < lastNewIndex {
			r.commitIndex = req.LeaderCommit
		} else {
			r.commitIndex = lastNewIndex
		}
	}

	resp.Success = true
	resp.MatchIndex = lastNewIndex
	r.sendAppendEntriesResponse(msg, resp)
}

// handleAppendEntriesResponse updates nextIndex/matchIndex and, on
// success, re-evaluates the commit index. Caller holds r.mu.
func (r *Raft) handleAppendEntriesResponse(msg *consensus.ConsensusMessage) {
	if r.role != consensus.Leader {
		return
	}

	var resp AppendEntriesResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}

	if resp.Term > r.currentTerm {
		r.currentTerm = resp.Term
		r.votedFor = ""
		r.stepDownLocked()
		r.persistTermAndVoteLocked()
		return
	}

	from := msg.SenderID

	if resp.Success {
		// resp.MatchIndex is what the follower reports it persisted for
		// *this* request, captured by the follower at apply time — never
		// derive it from the leader's current log, which may have grown
		// past req.Entries by the time this reply arrives.
		if resp.MatchIndex > r.matchIndex[from] {
			r.matchIndex[from] = resp.MatchIndex
		}
		if resp.MatchIndex+1 > r.nextIndex[from] {
			r.nextIndex[from] = resp.MatchIndex + 1
		}
		r.updateCommitIndexLocked()
		return
	}

	if resp.XTerm != 0 {
		if last := r.findLastIndexOfTermLocked(resp.XTerm); last != 0 {
			r.nextIndex[from] = last + 1
		} else {
			r.nextIndex[from] = resp.XIndex
		}
	} else {
		r.nextIndex[from] = resp.XLen + 1
	}
	if r.nextIndex[from] < 1 {
		r.nextIndex[from] = 1
	}

	go r.sendAppendEntries(from)
}

func (r *Raft) sendAppendEntriesResponse(req *consensus.ConsensusMessage, resp AppendEntriesResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	reply := &consensus.ConsensusMessage{
		Type:          consensus.AppendEntriesReplyMsg,
		Term:          r.currentTerm,
		SenderID:      r.nodeID,
		To:            req.SenderID,
		CorrelationID: req.CorrelationID,
		Payload:       payload,
		Timestamp:     time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.transport.Send(ctx, req.SenderID, reply); err != nil && r.logger != nil {
		r.logger.Warn("failed to send AppendEntries response", zap.Error(err))
	}
}

// sendAppendEntries sends (or retries) a replication RPC to nodeID.
func (r *Raft) sendAppendEntries(nodeID consensus.NodeID) {
	r.mu.RLock()
	if r.role != consensus.Leader {
		r.mu.RUnlock()
		return
	}
	nextIndex := r.nextIndex[nodeID]
	prevLogIndex := nextIndex - 1
	prevLogTerm := consensus.Term(0)
	if prevLogIndex > 0 && int(prevLogIndex) <= len(r.log) {
		prevLogTerm = r.log[prevLogIndex-1].Term
	}

	var entries []*consensus.LogEntry
	if int(nextIndex) <= len(r.log) {
		entries = r.log[nextIndex-1:]
	}

	req := AppendEntriesRequest{
		Term:         r.currentTerm,
		LeaderID:     r.nodeID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	}
	term := r.currentTerm
	timeout := r.config.HeartbeatInterval * 4
	r.mu.RUnlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return
	}

	msg := &consensus.ConsensusMessage{
		Type:          consensus.AppendEntriesMsg,
		Term:          term,
		SenderID:      r.nodeID,
		To:            nodeID,
		CorrelationID: uuid.NewString(),
		Payload:       payload,
		Timestamp:     time.Now(),
	}

	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	reply, err := r.transport.Request(ctx, nodeID, msg, timeout)
	if err != nil {
		return
	}
	r.handleMessage(reply)
}

func (r *Raft) logMatchesLocked(prevLogIndex consensus.LogIndex, prevLogTerm consensus.Term) bool {
	if prevLogIndex == 0 {
		return true
	}
	if int(prevLogIndex) > len(r.log) {
		return false
	}
	return r.log[prevLogIndex-1].Term == prevLogTerm
}

func (r *Raft) handleLogConflictsLocked(prevLogIndex consensus.LogIndex, entries []*consensus.LogEntry) {
	for i, entry := range entries {
		logIndex := prevLogIndex + consensus.LogIndex(i+1)
		if int(logIndex) <= len(r.log) {
			if r.log[logIndex-1].Term != entry.Term {
				r.log = r.log[:logIndex-1]
				if err := r.storage.TruncateFrom(logIndex); err != nil && r.logger != nil {
					r.logger.Error("failed to truncate log", zap.Error(err))
				}
				break
			}
		}
	}
}

// appendNewEntriesLocked appends entries not already present in the local
// log and fsyncs them before returning. A follower must never ack entries
// it has not durably persisted (§6), so a persistence failure here is
// reported to the caller, which rejects the AppendEntries rather than
// acking it; the in-memory log is rolled back to match.
func (r *Raft) appendNewEntriesLocked(prevLogIndex consensus.LogIndex, entries []*consensus.LogEntry) error {
	truncateTo := len(r.log)
	var toPersist []*consensus.LogEntry
	for i, entry := range entries {
		logIndex := prevLogIndex + consensus.LogIndex(i+1)
		if int(logIndex) > len(r.log) {
			r.log = append(r.log, entry)
			toPersist = append(toPersist, entry)
		}
	}
	if len(toPersist) == 0 {
		return nil
	}
	if err := r.storage.AppendEntries(toPersist); err != nil {
		r.log = r.log[:truncateTo]
		return err
	}
	return nil
}

// updateCommitIndexLocked advances commitIndex to the highest index
// replicated on a majority of servers, but — the mandatory Raft safety
// rule — never commits an entry from an earlier term purely by counting
// replicas; only entries from the leader's current term are counted this
// way (earlier-term entries ride along once a current-term entry commits).
func (r *Raft) updateCommitIndexLocked() {
	if r.role != consensus.Leader {
		return
	}

	for n := consensus.LogIndex(len(r.log)); n > r.commitIndex; n-- {
		if int(n) > len(r.log) || r.log[n-1].Term != r.currentTerm {
			continue
		}
		count := 1
		for _, matchIndex := range r.matchIndex {
			if matchIndex >= n {
				count++
			}
		}
		if count >= consensus.Majority(len(r.config.Peers)+1) {
			r.commitIndex = n
			break
		}
	}
}

func (r *Raft) findLastIndexOfTermLocked(term consensus.Term) consensus.LogIndex {
	for i := len(r.log) - 1; i >= 0; i-- {
		if r.log[i].Term == term {
			return consensus.LogIndex(i + 1)
		}
	}
	return 0
}
