package cluster

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruvnet/clustercore/internal/cache"
	"github.com/ruvnet/clustercore/internal/clustererr"
	"github.com/ruvnet/clustercore/internal/consensus"
	"github.com/ruvnet/clustercore/internal/lock"
	"github.com/ruvnet/clustercore/internal/queue"
)

// ClientServer is the net/rpc-registered receiver for client requests
// (spec §6's Lock/Queue/Cache/Cluster surface). Every mutating call goes
// through the local node.propose and blocks for the result; on a non-leader
// node that fails with a NotLeader error carrying a leader hint so
// well-behaved clients can redial directly. QueueEnqueue/QueueDequeue are
// first forwarded to the queue's partition primary when that is another
// node. The request/reply shape mirrors the
// RequestVote/AppendEntries Request/Reply pattern internal/transport
// already uses between nodes.
type ClientServer struct {
	node *Node
}

func NewClientServer(n *Node) *ClientServer {
	return &ClientServer{node: n}
}

// --- Lock surface ---

type LockAcquireArgs struct {
	Resource string
	ClientID string
	Mode     consensus.LockMode
	// TimeoutMs bounds how long this call blocks waiting for the lock to
	// be granted. <= 0 falls back to cfg.LockDefaultTimeoutMs, the same
	// convention QueueDequeueArgs.Visibility uses.
	TimeoutMs int64
}

type LockAcquireReply struct {
	Granted bool
}

// LockAcquire implements spec §4.3's acquire(resource, clientId, mode,
// timeout) -> granted|denied|aborted(deadlock). It proposes the request
// once (granting it immediately or enqueuing it, per lock.Table.Acquire),
// then blocks polling local lock state — the same propose-then-poll shape
// node.propose already uses against LastApplied — until the caller holds
// the resource, is removed by a deadlock-victim Abort (aborted), or the
// timeout elapses (denied), in which case it proposes a LockRelease to
// cancel the still-queued request (spec §4.3 "Timeout").
func (s *ClientServer) LockAcquire(args *LockAcquireArgs, reply *LockAcquireReply) error {
	if !s.node.limiter.Allow(args.ClientID) {
		return clustererr.Aborted("rate limit exceeded")
	}

	timeout := time.Duration(args.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(s.node.cfg.LockDefaultTimeoutMs) * time.Millisecond
	}

	if _, err := s.node.propose(consensus.Command{
		Kind: consensus.CmdLockAcquire,
		LockAcquire: &consensus.LockAcquireCmd{
			Resource:   args.Resource,
			ClientID:   args.ClientID,
			Mode:       args.Mode,
			EnqueuedAt: time.Now(),
		},
	}); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		snap := s.node.locks.Inspect(args.Resource)
		if _, held := snap.Holders[args.ClientID]; held {
			reply.Granted = true
			s.node.metrics.RecordLockGrant(args.Mode.String())
			return nil
		}

		queued := false
		for _, w := range snap.Waiters {
			if w.ClientID == args.ClientID {
				queued = true
				break
			}
		}
		if !queued {
			// Neither held nor queued: some other node's deadlock scan
			// picked this client as the cycle victim and proposed
			// LockAbort while we were waiting.
			return clustererr.Aborted("deadlock")
		}

		if !time.Now().Before(deadline) {
			if _, err := s.node.propose(consensus.Command{
				Kind:        consensus.CmdLockRelease,
				LockRelease: &consensus.LockReleaseCmd{Resource: args.Resource, ClientID: args.ClientID},
			}); err != nil && s.node.logger != nil {
				s.node.logger.Warn("failed to cancel timed-out lock acquire", zap.Error(err))
			}
			return clustererr.Timeout("lock acquire timed out before it was granted")
		}

		time.Sleep(2 * time.Millisecond)
	}
}

type LockReleaseArgs struct {
	Resource string
	ClientID string
}

type LockReleaseReply struct{}

func (s *ClientServer) LockRelease(args *LockReleaseArgs, reply *LockReleaseReply) error {
	snap := s.node.locks.Inspect(args.Resource)
	if _, held := snap.Holders[args.ClientID]; !held {
		return clustererr.NotHolder(args.Resource)
	}
	_, err := s.node.propose(consensus.Command{
		Kind:        consensus.CmdLockRelease,
		LockRelease: &consensus.LockReleaseCmd{Resource: args.Resource, ClientID: args.ClientID},
	})
	return err
}

type LockInspectArgs struct {
	Resource string
}

type LockInspectReply struct {
	Snapshot lock.ResourceSnapshot
	// Cycle is the wait-for cycle the deadlock detector would currently
	// find across the whole table, if any — SPEC_FULL.md §5 item 3's
	// addition so a caller can see deadlock state directly instead of
	// inferring it from a stalled Acquire.
	Cycle []string
}

// LockInspect is SPEC_FULL.md §5's read-only lock-detail addition. It is
// served from local state, not proposed, since it is a read.
func (s *ClientServer) LockInspect(args *LockInspectArgs, reply *LockInspectReply) error {
	reply.Snapshot = s.node.locks.Inspect(args.Resource)
	reply.Cycle = s.node.locks.DetectCycle()
	return nil
}

// --- Queue surface ---

type QueueEnqueueArgs struct {
	QueueName string
	Payload   []byte
}

type QueueEnqueueReply struct {
	MessageID string
}

// QueueEnqueue implements spec §4.4's producer path. A node that is not
// queueName's consistent-hash primary forwards the call to the primary's
// client RPC surface instead of proposing locally, so message ordering for
// a queue is always decided by a single node before it reaches consensus.
// The primary assigns a fresh messageId and returns it to the caller.
func (s *ClientServer) QueueEnqueue(args *QueueEnqueueArgs, reply *QueueEnqueueReply) error {
	if primary, isPrimary := s.node.queuePrimary(args.QueueName); !isPrimary {
		return s.node.forwarder.call(primary, "QueueEnqueue", args, reply)
	}

	if !s.node.limiter.Allow(args.QueueName) {
		return clustererr.Aborted("rate limit exceeded")
	}
	messageID := uuid.NewString()
	_, err := s.node.propose(consensus.Command{
		Kind: consensus.CmdQueueEnqueue,
		QueueEnqueue: &consensus.QueueEnqueueCmd{
			QueueName:  args.QueueName,
			MessageID:  messageID,
			Payload:    args.Payload,
			ProducedAt: time.Now(),
		},
	})
	if err != nil {
		return err
	}
	s.node.metrics.SetQueueDepth(args.QueueName, s.node.queues.Stats(args.QueueName).Pending)
	reply.MessageID = messageID
	return nil
}

type QueueDequeueArgs struct {
	QueueName  string
	ConsumerID string
	Visibility time.Duration
}

type QueueDequeueReply struct {
	MessageID string
	Payload   []byte
	Empty     bool
}

// QueueDequeue reserves the oldest pending message in QueueName for
// ConsumerID. The caller must QueueAck within Visibility or the message
// becomes eligible for redelivery (spec §4.4). Like QueueEnqueue, only
// queueName's primary selects the head message; other nodes forward.
func (s *ClientServer) QueueDequeue(args *QueueDequeueArgs, reply *QueueDequeueReply) error {
	if primary, isPrimary := s.node.queuePrimary(args.QueueName); !isPrimary {
		return s.node.forwarder.call(primary, "QueueDequeue", args, reply)
	}

	msgID := s.node.queues.NextPending(args.QueueName)
	if msgID == "" {
		reply.Empty = true
		return nil
	}

	visibility := args.Visibility
	if visibility <= 0 {
		visibility = time.Duration(s.node.cfg.QueueDefaultVisibilityMs) * time.Millisecond
	}

	_, err := s.node.propose(consensus.Command{
		Kind: consensus.CmdQueueReserve,
		QueueReserve: &consensus.QueueReserveCmd{
			MessageID:  msgID,
			ConsumerID: args.ConsumerID,
			VisibleAt:  time.Now().Add(visibility),
		},
	})
	if err != nil {
		return err
	}

	payload, _ := s.node.queues.Payload(msgID)
	reply.MessageID = msgID
	reply.Payload = payload
	return nil
}

type QueueAckArgs struct {
	MessageID string
}

type QueueAckReply struct{}

func (s *ClientServer) QueueAck(args *QueueAckArgs, reply *QueueAckReply) error {
	_, err := s.node.propose(consensus.Command{Kind: consensus.CmdQueueAck, QueueAck: &consensus.QueueAckCmd{MessageID: args.MessageID}})
	return err
}

type QueueStatsArgs struct {
	QueueName string
}

type QueueStatsReply struct {
	Stats queue.Stats
}

// QueueStats is SPEC_FULL.md §5's read-only queue-depth addition.
func (s *ClientServer) QueueStats(args *QueueStatsArgs, reply *QueueStatsReply) error {
	reply.Stats = s.node.queues.Stats(args.QueueName)
	return nil
}

// --- Cache surface ---

type CacheGetArgs struct {
	Key string
}

type CacheGetReply struct {
	Value []byte
	Found bool
}

// CacheGet serves a local hit directly; on a local miss it runs spec
// §4.5's read-path probe across every peer before reporting notFound.
func (s *ClientServer) CacheGet(args *CacheGetArgs, reply *CacheGetReply) error {
	if value, _, ok := s.node.cache.Get(args.Key); ok {
		s.node.metrics.RecordCacheHit()
		reply.Value = value
		reply.Found = true
		return nil
	}

	value, found := s.node.probeCachePeers(args.Key)
	if found {
		s.node.metrics.RecordCacheHit()
	} else {
		s.node.metrics.RecordCacheMiss()
	}
	reply.Value = value
	reply.Found = found
	return nil
}

type CachePutArgs struct {
	Key   string
	Value []byte
}

type CachePutReply struct{}

func (s *ClientServer) CachePut(args *CachePutArgs, reply *CachePutReply) error {
	_, err := s.node.propose(consensus.Command{
		Kind:     consensus.CmdCachePut,
		CachePut: &consensus.CachePutCmd{Key: args.Key, Value: args.Value, OriginNode: s.node.nodeID},
	})
	return err
}

type CacheStatsReply struct {
	Stats cache.Stats
}

// CacheStats is SPEC_FULL.md §5's read-only cache hit/miss addition.
func (s *ClientServer) CacheStats(_ *struct{}, reply *CacheStatsReply) error {
	reply.Stats = s.node.cache.Stats()
	return nil
}

// --- Cluster surface ---

type StatusReply struct {
	NodeID      string
	Role        string
	Leader      string
	Term        uint64
	CommitIndex uint64
	LastApplied uint64
	// PeerPhi is SPEC_FULL.md §5 item 1's operational-detail addition: the
	// failure detector's current suspicion value for every known peer.
	PeerPhi map[string]float64
}

// Status is spec.md §6's Cluster.Status() operation, extended with the
// commit/apply progress and per-peer phi values SPEC_FULL.md §5 adds.
func (s *ClientServer) Status(_ *struct{}, reply *StatusReply) error {
	metrics := s.node.raft.Metrics()
	reply.NodeID = string(s.node.nodeID)
	reply.Role = s.node.raft.GetRole().String()
	reply.Leader = string(s.node.raft.GetLeader())
	reply.Term = uint64(metrics.CurrentTerm)
	reply.CommitIndex = uint64(metrics.CommitIndex)
	reply.LastApplied = uint64(metrics.LastApplied)

	reply.PeerPhi = make(map[string]float64)
	for peer, phi := range s.node.transport.PeerPhi() {
		reply.PeerPhi[string(peer)] = phi
	}
	return nil
}
