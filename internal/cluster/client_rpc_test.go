package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/clustercore/internal/cache"
	"github.com/ruvnet/clustercore/internal/clustererr"
	"github.com/ruvnet/clustercore/internal/config"
	"github.com/ruvnet/clustercore/internal/consensus"
	"github.com/ruvnet/clustercore/internal/consensus/raft"
	"github.com/ruvnet/clustercore/internal/lock"
	"github.com/ruvnet/clustercore/internal/queue"
	"github.com/ruvnet/clustercore/internal/ratelimit"
	"github.com/ruvnet/clustercore/internal/sink"
	"github.com/ruvnet/clustercore/internal/statemachine"
	"github.com/ruvnet/clustercore/internal/transport"
)

// fakeTransport is a no-op consensus.Transport, enough to construct a Raft
// instance that never talks to the network, for exercising ClientServer's
// read-only paths directly.
type fakeTransport struct {
	recv chan *consensus.ConsensusMessage
	sub  chan consensus.PeerStateChange
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recv: make(chan *consensus.ConsensusMessage), sub: make(chan consensus.PeerStateChange)}
}

func (f *fakeTransport) Start() error { return nil }
func (f *fakeTransport) Stop() error  { return nil }
func (f *fakeTransport) Send(ctx context.Context, to consensus.NodeID, msg *consensus.ConsensusMessage) error {
	return nil
}
func (f *fakeTransport) Request(ctx context.Context, to consensus.NodeID, msg *consensus.ConsensusMessage, timeout time.Duration) (*consensus.ConsensusMessage, error) {
	return nil, context.DeadlineExceeded
}
func (f *fakeTransport) Broadcast(msg *consensus.ConsensusMessage) []error { return nil }
func (f *fakeTransport) Receive() <-chan *consensus.ConsensusMessage      { return f.recv }
func (f *fakeTransport) Subscribe() <-chan consensus.PeerStateChange      { return f.sub }

func newTestNode(t *testing.T) *Node {
	t.Helper()

	locks := lock.NewTable()
	queues := queue.NewTable(5)
	cacheTable := cache.NewTable(10)
	memSink := sink.NewMemoryStorage()
	sm := statemachine.New("n1", locks, queues, cacheTable, memSink, nil)

	cfg := consensus.DefaultConfig("n1", nil)
	storage := raft.NewSinkStorage("n1", memSink)
	r := raft.NewRaft(cfg, newFakeTransport(), sm, storage, nil)

	n := &Node{
		cfg:       &config.Config{QueueDefaultVisibilityMs: 30000},
		nodeID:    "n1",
		raft:      r,
		transport: transport.NewRPCTransport("n1", "", map[consensus.NodeID]string{"n1": ""}, 8.0, 12.0, nil),
		locks:     locks,
		queues:    queues,
		cache:     cacheTable,
		sm:        sm,
		limiter:   ratelimit.New(ratelimit.DefaultConfig(), nil),
	}
	n.clientServer = NewClientServer(n)
	t.Cleanup(func() { n.limiter.Stop() })
	return n
}

func TestClientServer_StatusReflectsFollowerRole(t *testing.T) {
	n := newTestNode(t)

	var reply StatusReply
	require.NoError(t, n.clientServer.Status(&struct{}{}, &reply))
	assert.Equal(t, "n1", reply.NodeID)
	assert.Equal(t, "follower", reply.Role)
}

func TestClientServer_LockInspectReadsLocalState(t *testing.T) {
	n := newTestNode(t)
	n.locks.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeExclusive})

	var reply LockInspectReply
	require.NoError(t, n.clientServer.LockInspect(&LockInspectArgs{Resource: "r1"}, &reply))
	assert.Contains(t, reply.Snapshot.Holders, "c1")
}

func TestClientServer_CacheGetMissOnEmptyCache(t *testing.T) {
	n := newTestNode(t)

	var reply CacheGetReply
	require.NoError(t, n.clientServer.CacheGet(&CacheGetArgs{Key: "missing"}, &reply))
	assert.False(t, reply.Found)
}

func TestClientServer_QueueStatsReflectsLocalState(t *testing.T) {
	n := newTestNode(t)
	n.queues.Enqueue(&consensus.QueueEnqueueCmd{QueueName: "q1", MessageID: "m1", Payload: []byte("x")})

	var reply QueueStatsReply
	require.NoError(t, n.clientServer.QueueStats(&QueueStatsArgs{QueueName: "q1"}, &reply))
	assert.Equal(t, 1, reply.Stats.Pending)
}

func TestClientServer_LockAcquireFailsWhenNotLeader(t *testing.T) {
	n := newTestNode(t)

	var reply LockAcquireReply
	err := n.clientServer.LockAcquire(&LockAcquireArgs{Resource: "r1", ClientID: "c1", Mode: consensus.ModeExclusive}, &reply)
	assert.Error(t, err, "a follower must reject proposals rather than apply them locally")
}

func TestClientServer_LockAcquireFailsWhenNotLeaderRegardlessOfTimeout(t *testing.T) {
	n := newTestNode(t)

	// The propose() failure must short-circuit before the blocking poll
	// loop is ever reached, so a caller-supplied timeout must not turn
	// this into a multi-second test.
	var reply LockAcquireReply
	err := n.clientServer.LockAcquire(&LockAcquireArgs{Resource: "r1", ClientID: "c1", Mode: consensus.ModeExclusive, TimeoutMs: 60000}, &reply)
	assert.Error(t, err)
	assert.False(t, reply.Granted)
}

func TestNode_QueuePrimaryDefaultsLocalWithNoRing(t *testing.T) {
	n := newTestNode(t)

	primary, isPrimary := n.queuePrimary("q1")
	assert.Equal(t, consensus.NodeID("n1"), primary)
	assert.True(t, isPrimary, "a node with no ring configured must treat itself as every queue's primary")
}

func TestClientServer_QueueEnqueueForwardsToNonLocalPrimary(t *testing.T) {
	n := newTestNode(t)
	n.ring = queue.NewRing([]consensus.NodeID{"n1", "other"})
	n.forwarder = newQueueForwarder(map[string]string{}, nil)

	// Find a queue name this node does not own so the call must forward
	// rather than propose locally.
	var queueName string
	for _, candidate := range []string{"q1", "q2", "q3", "q4", "q5"} {
		if _, isPrimary := n.queuePrimary(candidate); !isPrimary {
			queueName = candidate
			break
		}
	}
	require.NotEmpty(t, queueName, "expected at least one of the sample queue names to hash to the other node")

	var reply QueueEnqueueReply
	err := n.clientServer.QueueEnqueue(&QueueEnqueueArgs{QueueName: queueName, Payload: []byte("x")}, &reply)
	assert.Error(t, err, "forwarding to a primary with no known client addr must fail rather than silently enqueue locally")
	assert.Equal(t, 0, n.queues.Stats(queueName).Pending, "a forwarded enqueue must never be applied to the local table")
}

func TestClientServer_QueueEnqueueOnLocalPrimaryProposesRatherThanForwards(t *testing.T) {
	n := newTestNode(t)

	var reply QueueEnqueueReply
	err := n.clientServer.QueueEnqueue(&QueueEnqueueArgs{QueueName: "q1", Payload: []byte("x")}, &reply)
	// newTestNode's node is always its own primary (nil ring) and is always
	// a follower, so the call must reach propose() and fail the same way
	// LockAcquire does, rather than fail earlier as a forwarding error.
	assert.Error(t, err, "a follower must reject proposals rather than apply them locally")
	assert.False(t, clustererr.Is(err, clustererr.CodeConflict))
}
