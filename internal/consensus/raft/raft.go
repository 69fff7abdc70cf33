// Package raft implements Raft leader election and log replication,
// grounded on internal/consensus/raft/{raft,election,replication}.go in
// the teacher repo. Unlike the teacher, the duplicate stub handler methods
// that would shadow the real election.go/replication.go implementations
// have been dropped entirely, persistence is wired to a real
// consensus.Storage instead of no-op stubs, and election timeout is
// clamped to the configured [min,max] window instead of growing
// unbounded.
package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruvnet/clustercore/internal/consensus"
)

// Raft implements consensus.StateMachine-driving Raft consensus over a
// consensus.Transport.
type Raft struct {
	mu     sync.RWMutex
	nodeID consensus.NodeID
	config *consensus.Config

	// Persistent state (mirrored to storage on every mutation).
	currentTerm consensus.Term
	votedFor    consensus.NodeID
	log         []*consensus.LogEntry

	// Volatile state.
	commitIndex consensus.LogIndex
	lastApplied consensus.LogIndex

	// Leader-only state.
	nextIndex  map[consensus.NodeID]consensus.LogIndex
	matchIndex map[consensus.NodeID]consensus.LogIndex

	role   consensus.Role
	leader consensus.NodeID
	votes  map[consensus.NodeID]bool

	transport    consensus.Transport
	stateMachine consensus.StateMachine
	storage      consensus.Storage
	logger       *zap.Logger

	applyCh        chan *consensus.LogEntry
	stepDownCh     chan struct{}
	electionTimer  *time.Timer
	heartbeatTimer *time.Timer

	// messageHook receives any transport frame whose type Raft itself does
	// not understand (e.g. a cache-coherence probe), so a single Transport
	// can carry both consensus RPCs and service-level side channels (spec
	// §4.1) without a second goroutine competing for the same channel.
	messageHook func(msg *consensus.ConsensusMessage)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRaft constructs a Raft node in the Follower role.
func NewRaft(config *consensus.Config, transport consensus.Transport, stateMachine consensus.StateMachine, storage consensus.Storage, logger *zap.Logger) *Raft {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Raft{
		nodeID:       config.NodeID,
		config:       config,
		log:          make([]*consensus.LogEntry, 0),
		nextIndex:    make(map[consensus.NodeID]consensus.LogIndex),
		matchIndex:   make(map[consensus.NodeID]consensus.LogIndex),
		role:         consensus.Follower,
		votes:        make(map[consensus.NodeID]bool),
		transport:    transport,
		stateMachine: stateMachine,
		storage:      storage,
		logger:       logger,
		applyCh:      make(chan *consensus.LogEntry, 100),
		stepDownCh:   make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}

	r.resetElectionTimer()
	return r
}

// Start loads persisted state, starts the transport, and begins the
// message/election/apply loops.
func (r *Raft) Start() error {
	if err := r.loadState(); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	if err := r.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	r.wg.Add(3)
	go r.messageHandler()
	go r.electionHandler()
	go r.applyHandler()

	return nil
}

// Stop cancels the background loops and stops the transport.
func (r *Raft) Stop() error {
	r.cancel()
	r.wg.Wait()
	return r.transport.Stop()
}

// Propose appends cmd as a new log entry and replicates it immediately.
// Returns clustererr-free errors when the local node is not leader or when
// persisting the new entry fails — callers in internal/cluster translate
// either into a NotLeader response with a leader hint.
func (r *Raft) Propose(cmd consensus.Command) (consensus.LogIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != consensus.Leader {
		return 0, fmt.Errorf("not leader")
	}

	entry := &consensus.LogEntry{
		Index:   consensus.LogIndex(len(r.log) + 1),
		Term:    r.currentTerm,
		Command: cmd,
	}

	r.log = append(r.log, entry)
	if err := r.storage.AppendEntries([]*consensus.LogEntry{entry}); err != nil {
		r.log = r.log[:len(r.log)-1]
		return 0, fmt.Errorf("persist entry: %w", err)
	}

	r.replicateLogLocked()

	return entry.Index, nil
}

func (r *Raft) GetRole() consensus.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role
}

func (r *Raft) GetLeader() consensus.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leader
}

func (r *Raft) IsLeader() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role == consensus.Leader
}

func (r *Raft) GetTerm() consensus.Term {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentTerm
}

func (r *Raft) GetCommitIndex() consensus.LogIndex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commitIndex
}

func (r *Raft) Metrics() consensus.Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return consensus.Metrics{
		CurrentTerm: r.currentTerm,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
	}
}

func (r *Raft) messageHandler() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.transport.Receive():
			r.handleMessage(msg)
		}
	}
}

// SetMessageHook registers fn to receive transport frames outside Raft's
// own RequestVote/AppendEntries traffic. Must be called before Start.
func (r *Raft) SetMessageHook(fn func(msg *consensus.ConsensusMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messageHook = fn
}

func (r *Raft) handleMessage(msg *consensus.ConsensusMessage) {
	switch msg.Type {
	case consensus.RequestVoteMsg, consensus.RequestVoteReplyMsg, consensus.AppendEntriesMsg, consensus.AppendEntriesReplyMsg:
		// Consensus traffic: fall through to the locked handling below.
	default:
		r.mu.RLock()
		hook := r.messageHook
		r.mu.RUnlock()
		if hook != nil {
			hook(msg)
		} else if r.logger != nil {
			r.logger.Warn("dropping unknown message type", zap.Int("type", int(msg.Type)))
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Term > r.currentTerm {
		r.currentTerm = msg.Term
		r.votedFor = ""
		r.stepDownLocked()
		r.persistTermAndVoteLocked()
	}

	switch msg.Type {
	case consensus.RequestVoteMsg:
		r.handleRequestVote(msg)
	case consensus.RequestVoteReplyMsg:
		r.handleRequestVoteResponse(msg)
	case consensus.AppendEntriesMsg:
		r.handleAppendEntries(msg)
	case consensus.AppendEntriesReplyMsg:
		r.handleAppendEntriesResponse(msg)
	}
}

func (r *Raft) electionHandler() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.electionTimer.C:
			r.startElection()
		case <-r.stepDownCh:
			r.mu.Lock()
			if r.role == consensus.Leader {
				r.role = consensus.Follower
				r.leader = ""
				r.resetElectionTimer()
				if r.heartbeatTimer != nil {
					r.heartbeatTimer.Stop()
				}
			}
			r.mu.Unlock()
		}
	}
}

// applyHandler drains committed-but-unapplied entries into the state
// machine on a single goroutine, preserving state-machine safety (every
// node applies the same entries in the same order).
func (r *Raft) applyHandler() {
	defer r.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.applyCommitted()
		}
	}
}

func (r *Raft) applyCommitted() {
	r.mu.Lock()
	var toApply []*consensus.LogEntry
	for i := r.lastApplied + 1; i <= r.commitIndex && int(i) <= len(r.log); i++ {
		entry := r.log[i-1]
		entry.Committed = true
		toApply = append(toApply, entry)
	}
	r.mu.Unlock()

	// lastApplied advances only after each entry's Apply has returned, so a
	// caller polling it never sees an index whose effects are not visible yet.
	for _, entry := range toApply {
		if err := r.stateMachine.Apply(entry); err != nil && r.logger != nil {
			r.logger.Error("failed to apply entry", zap.Uint64("index", uint64(entry.Index)), zap.Error(err))
		}
		r.mu.Lock()
		r.lastApplied = entry.Index
		r.mu.Unlock()
	}
}

func (r *Raft) startElection() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.role = consensus.Candidate
	r.currentTerm++
	r.votedFor = r.nodeID
	r.leader = ""
	r.votes = make(map[consensus.NodeID]bool)
	r.votes[r.nodeID] = true
	r.resetElectionTimer()
	r.persistTermAndVoteLocked()

	lastLogIndex := consensus.LogIndex(len(r.log))
	lastLogTerm := consensus.Term(0)
	if len(r.log) > 0 {
		lastLogTerm = r.log[len(r.log)-1].Term
	}

	for _, peer := range r.config.Peers {
		go r.sendRequestVote(peer, lastLogIndex, lastLogTerm)
	}
}

func (r *Raft) sendRequestVote(nodeID consensus.NodeID, lastLogIndex consensus.LogIndex, lastLogTerm consensus.Term) {
	r.mu.RLock()
	term := r.currentTerm
	r.mu.RUnlock()

	payload, err := json.Marshal(RequestVoteRequest{
		Term:         term,
		CandidateID:  r.nodeID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	})
	if err != nil {
		return
	}

	msg := &consensus.ConsensusMessage{
		Type:          consensus.RequestVoteMsg,
		Term:          term,
		SenderID:      r.nodeID,
		To:            nodeID,
		CorrelationID: uuid.NewString(),
		Payload:       payload,
		Timestamp:     time.Now(),
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.config.ElectionTimeoutMin)
	defer cancel()

	reply, err := r.transport.Request(ctx, nodeID, msg, r.config.ElectionTimeoutMin)
	if err != nil {
		return
	}
	// Route the reply through the same path handleMessage would take so
	// vote counting stays single-threaded on r.mu.
	r.handleMessage(reply)
}

// resetElectionTimer picks a fresh randomized timeout within the
// configured [min,max] window (spec §4.1), not an unbounded multiple of a
// single base timeout.
func (r *Raft) resetElectionTimer() {
	if r.electionTimer != nil {
		r.electionTimer.Stop()
	}

	lo := r.config.ElectionTimeoutMin
	hi := r.config.ElectionTimeoutMax
	span := hi - lo
	var timeout time.Duration
	if span > 0 {
		timeout = lo + time.Duration(rand.Int63n(int64(span)))
	} else {
		timeout = lo
	}
	r.electionTimer = time.NewTimer(timeout)
}

// replicateLogLocked triggers an AppendEntries send to every follower.
// Caller must hold r.mu.
func (r *Raft) replicateLogLocked() {
	if r.role != consensus.Leader {
		return
	}
	for nodeID := range r.nextIndex {
		if nodeID == r.nodeID {
			continue
		}
		go r.sendAppendEntries(nodeID)
	}
}

func (r *Raft) stepDownLocked() {
	if r.role == consensus.Leader {
		select {
		case r.stepDownCh <- struct{}{}:
		default:
		}
	}
	r.role = consensus.Follower
}

func (r *Raft) loadState() error {
	term, votedFor, err := r.storage.LoadTermAndVote()
	if err != nil {
		return err
	}
	entries, err := r.storage.LoadEntries()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.currentTerm = term
	r.votedFor = votedFor
	r.log = entries
	r.mu.Unlock()
	return nil
}

// persistTermAndVoteLocked persists currentTerm/votedFor. Caller must hold
// r.mu. Errors are logged, not returned — a failed persist here would
// otherwise have to unwind an already-applied in-memory state transition
// the caller can't undo atomically.
func (r *Raft) persistTermAndVoteLocked() {
	if err := r.storage.SaveTermAndVote(r.currentTerm, r.votedFor); err != nil && r.logger != nil {
		r.logger.Error("failed to persist term/vote", zap.Error(err))
	}
}
