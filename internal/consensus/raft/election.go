package raft

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/clustercore/internal/consensus"
)

type RequestVoteRequest struct {
	Term         consensus.Term     `json:"term"`
	CandidateID  consensus.NodeID   `json:"candidate_id"`
	LastLogIndex consensus.LogIndex `json:"last_log_index"`
	LastLogTerm  consensus.Term     `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        consensus.Term `json:"term"`
	VoteGranted bool           `json:"vote_granted"`
}

// handleRequestVote processes an incoming RequestVote. Caller must hold r.mu.
func (r *Raft) handleRequestVote(msg *consensus.ConsensusMessage) {
	var req RequestVoteRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		if r.logger != nil {
			r.logger.Warn("failed to unmarshal RequestVote", zap.Error(err))
		}
		return
	}

	resp := RequestVoteResponse{Term: r.currentTerm, VoteGranted: false}

	if req.Term < r.currentTerm {
		r.sendRequestVoteResponse(msg, resp)
		return
	}

	if (r.votedFor == "" || r.votedFor == req.CandidateID) && r.isLogUpToDateLocked(req.LastLogIndex, req.LastLogTerm) {
		r.votedFor = req.CandidateID
		resp.VoteGranted = true
		r.resetElectionTimer()
		r.persistTermAndVoteLocked()
	}

	r.sendRequestVoteResponse(msg, resp)
}

// handleRequestVoteResponse counts a vote. Caller must hold r.mu.
func (r *Raft) handleRequestVoteResponse(msg *consensus.ConsensusMessage) {
	if r.role != consensus.Candidate {
		return
	}

	var resp RequestVoteResponse
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

	if resp.VoteGranted {
		r.votes[msg.SenderID] = true
	}

	if r.hasMajorityLocked() {
		r.becomeLeaderLocked()
	}
}

func (r *Raft) sendRequestVoteResponse(req *consensus.ConsensusMessage, resp RequestVoteResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	reply := &consensus.ConsensusMessage{
		Type:          consensus.RequestVoteReplyMsg,
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
		r.logger.Warn("failed to send RequestVote response", zap.Error(err))
	}
}

// isLogUpToDateLocked implements the Raft election-safety log comparison.
// Caller must hold r.mu.
func (r *Raft) isLogUpToDateLocked(lastLogIndex consensus.LogIndex, lastLogTerm consensus.Term) bool {
	ourLastIndex := consensus.LogIndex(len(r.log))
	ourLastTerm := consensus.Term(0)
	if len(r.log) > 0 {
		ourLastTerm = r.log[len(r.log)-1].Term
	}

	if lastLogTerm != ourLastTerm {
		return lastLogTerm > ourLastTerm
	}
	return lastLogIndex >= ourLastIndex
}

func (r *Raft) hasMajorityLocked() bool {
	total := len(r.config.Peers) + 1 // peers + self
	needed := consensus.Majority(total)
	granted := 0
	for _, ok := range r.votes {
		if ok {
			granted++
		}
	}
	return granted >= needed
}

// becomeLeaderLocked transitions to Leader and begins heartbeating. Caller
// must hold r.mu.
func (r *Raft) becomeLeaderLocked() {
	if r.role != consensus.Candidate {
		return
	}

	r.role = consensus.Leader
	r.leader = r.nodeID

	lastLogIndex := consensus.LogIndex(len(r.log))
	for _, peer := range r.config.Peers {
		r.nextIndex[peer] = lastLogIndex + 1
		r.matchIndex[peer] = 0
	}

	if r.logger != nil {
		r.logger.Info("became leader", zap.String("node", string(r.nodeID)), zap.Uint64("term", uint64(r.currentTerm)))
	}

	go r.sendHeartbeats()
	r.startHeartbeatTimer()
}

func (r *Raft) startHeartbeatTimer() {
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
	}
	r.heartbeatTimer = time.NewTimer(r.config.HeartbeatInterval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.heartbeatTimer.C:
				r.mu.RLock()
				isLeader := r.role == consensus.Leader
				r.mu.RUnlock()
				if !isLeader {
					return
				}
				r.sendHeartbeats()
				r.heartbeatTimer.Reset(r.config.HeartbeatInterval)
			}
		}
	}()
}

func (r *Raft) sendHeartbeats() {
	r.mu.RLock()
	if r.role != consensus.Leader {
		r.mu.RUnlock()
		return
	}
	peers := make([]consensus.NodeID, 0, len(r.nextIndex))
	for nodeID := range r.nextIndex {
		peers = append(peers, nodeID)
	}
	r.mu.RUnlock()

	for _, nodeID := range peers {
		go r.sendAppendEntries(nodeID)
	}
}
