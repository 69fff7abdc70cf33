// Package cluster wires consensus, the lock/queue/cache tables, the
// durable sink, and the client-facing RPC surface into one running node.
// Grounded on cmd/worker/main.go and cmd/cli/main.go's wiring shape in the
// teacher repo: construct every dependency, start background loops, serve
// until signalled to stop.
package cluster

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/clustercore/internal/cache"
	"github.com/ruvnet/clustercore/internal/clustererr"
	"github.com/ruvnet/clustercore/internal/config"
	"github.com/ruvnet/clustercore/internal/consensus"
	"github.com/ruvnet/clustercore/internal/consensus/raft"
	"github.com/ruvnet/clustercore/internal/lock"
	"github.com/ruvnet/clustercore/internal/notify"
	"github.com/ruvnet/clustercore/internal/queue"
	"github.com/ruvnet/clustercore/internal/ratelimit"
	"github.com/ruvnet/clustercore/internal/sink"
	"github.com/ruvnet/clustercore/internal/statemachine"
	"github.com/ruvnet/clustercore/internal/transport"
	"github.com/ruvnet/clustercore/pkg/metrics"
)

// Node owns every subsystem a single cluster member runs.
type Node struct {
	cfg    *config.Config
	nodeID consensus.NodeID
	logger *zap.Logger

	storage   sink.Sink
	transport *transport.RPCTransport
	raft      *raft.Raft

	locks     *lock.Table
	queues    *queue.Table
	cache     *cache.Table
	ring      *queue.Ring
	forwarder *queueForwarder
	sm        *statemachine.Machine

	deadlockScanner *lock.Scanner
	queueSweeper    *queue.Sweeper
	limiter         *ratelimit.Limiter
	notifier        *notify.Publisher
	metrics         *metrics.Metrics
	stopMetrics     chan struct{}

	clientServer *ClientServer
}

// New constructs every subsystem but starts none of them.
func New(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	nodeID := consensus.NodeID(cfg.NodeID)

	storageBackend, err := buildSink(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("cluster: build sink: %w", err)
	}

	addrs := map[consensus.NodeID]string{nodeID: cfg.ListenAddr}
	peerIDs := make([]consensus.NodeID, 0, len(cfg.Peers))
	for id, addr := range cfg.Peers {
		pid := consensus.NodeID(id)
		addrs[pid] = addr
		peerIDs = append(peerIDs, pid)
	}

	rpcTransport := transport.NewRPCTransport(nodeID, cfg.ListenAddr, addrs, cfg.PhiSuspectThreshold, cfg.PhiFailThreshold, logger)

	locks := lock.NewTable()
	queues := queue.NewTable(cfg.QueueMaxRetries)
	cacheTable := cache.NewTable(cfg.CacheCapacity)

	allNodes := append([]consensus.NodeID{nodeID}, peerIDs...)
	ring := queue.NewRing(allNodes)

	sm := statemachine.New(nodeID, locks, queues, cacheTable, storageBackend, logger)

	consensusCfg := consensus.DefaultConfig(nodeID, peerIDs)
	consensusCfg.Addrs = addrs
	consensusCfg.ElectionTimeoutMin = time.Duration(cfg.ElectionTimeoutMinMs) * time.Millisecond
	consensusCfg.ElectionTimeoutMax = time.Duration(cfg.ElectionTimeoutMaxMs) * time.Millisecond
	consensusCfg.HeartbeatInterval = time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond

	raftStorage := raft.NewSinkStorage(nodeID, storageBackend)
	r := raft.NewRaft(consensusCfg, rpcTransport, sm, raftStorage, logger)

	var notifier *notify.Publisher
	if cfg.NATS.Enabled {
		notifier, err = notify.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("cluster: connect notify: %w", err)
		}
	}

	n := &Node{
		cfg:             cfg,
		nodeID:          nodeID,
		logger:          logger,
		storage:         storageBackend,
		transport:       rpcTransport,
		raft:            r,
		locks:           locks,
		queues:          queues,
		cache:           cacheTable,
		ring:            ring,
		forwarder:       newQueueForwarder(cfg.PeerClientAddrs, logger),
		sm:              sm,
		deadlockScanner: lock.NewScanner(locks, time.Duration(cfg.DeadlockScanIntervalMs)*time.Millisecond),
		queueSweeper:    queue.NewSweeper(queues, time.Duration(cfg.QueueDefaultVisibilityMs)*time.Millisecond),
		limiter:         ratelimit.New(&ratelimit.Config{RequestsPerSecond: cfg.RateLimit.RequestsPerSecond, Burst: cfg.RateLimit.Burst, MaxKeys: 10000, CleanupInterval: 5 * time.Minute, IdleTimeout: 10 * time.Minute}, logger),
		notifier:        notifier,
		metrics:         metrics.New(),
		stopMetrics:     make(chan struct{}),
	}
	n.clientServer = NewClientServer(n)

	// Routes CacheRead probe frames (spec §4.5) to the cluster layer — the
	// Raft core only understands its own RequestVote/AppendEntries traffic.
	r.SetMessageHook(n.handleTransportMessage)

	sm.OnCacheEvict(func(evicted *cache.EvictedLine) {
		n.onCacheEvicted(evicted)
	})

	return n, nil
}

func buildSink(cfg *config.Config, logger *zap.Logger) (sink.Sink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch cfg.Sink.Backend {
	case "redis":
		return sink.NewRedisStorage(ctx, cfg.Sink.RedisAddr, cfg.Sink.RedisPassword, cfg.Sink.RedisDB)
	case "postgres":
		return sink.NewPostgresStorage(ctx, cfg.Sink.PostgresDSN)
	default:
		if logger != nil {
			logger.Info("using in-memory sink backend; state will not survive a restart")
		}
		return sink.NewMemoryStorage(), nil
	}
}

// Start brings up the transport, Raft, and the background scanners/sweepers.
func (n *Node) Start() error {
	if err := n.raft.Start(); err != nil {
		return fmt.Errorf("cluster: start raft: %w", err)
	}

	go n.deadlockScanner.Run(n.onDeadlockVictim)
	go n.queueSweeper.Run(n.onExpiredReservation)
	go n.watchPeerStates()
	go n.pollRoleMetric()

	return nil
}

// watchPeerStates mirrors every failure-detector transition onto the
// peer-state gauge (SPEC_FULL.md §3's metrics binding) and, for a
// suspected or failed peer, onto the advisory notify side channel so
// external tooling can watch cluster health without polling Status.
func (n *Node) watchPeerStates() {
	for {
		select {
		case <-n.stopMetrics:
			return
		case change, ok := <-n.transport.Subscribe():
			if !ok {
				return
			}
			n.metrics.SetPeerState(string(change.Peer), int(change.State))
			if n.notifier == nil {
				continue
			}
			switch change.State {
			case consensus.PeerSuspected:
				n.notifier.Publish(notify.Event{Kind: notify.EventPeerSuspected, NodeID: string(n.nodeID), Detail: string(change.Peer)})
			case consensus.PeerFailed:
				n.notifier.Publish(notify.Event{Kind: notify.EventPeerFailed, NodeID: string(n.nodeID), Detail: string(change.Peer)})
			}
		}
	}
}

// pollRoleMetric periodically mirrors the Raft role onto its gauge and
// publishes a notify event on every observed transition. Role changes
// happen inside the Raft core, which has no subscription feed for them
// (only the failure detector does), so a cheap poll stands in for a push.
func (n *Node) pollRoleMetric() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastRole := n.raft.GetRole()
	for {
		select {
		case <-n.stopMetrics:
			return
		case <-ticker.C:
			role := n.raft.GetRole()
			n.metrics.SetRole(int(role))
			if role != lastRole {
				lastRole = role
				if n.notifier != nil {
					n.notifier.Publish(notify.Event{Kind: notify.EventRoleChanged, NodeID: string(n.nodeID), Detail: role.String()})
				}
			}
		}
	}
}

func (n *Node) Stop() error {
	n.deadlockScanner.Stop()
	n.queueSweeper.Stop()
	n.limiter.Stop()
	n.forwarder.close()
	close(n.stopMetrics)
	if n.notifier != nil {
		n.notifier.Close()
	}
	if err := n.raft.Stop(); err != nil {
		return err
	}
	return n.storage.Close()
}

// ServeClientRPC registers ClientServer on a stdlib net/rpc server and
// serves it on addr until ctx is cancelled, mirroring the shape of
// RPCTransport's own acceptConnections loop (one rpc.Server, one listener,
// ServeConn per accepted connection).
func (n *Node) ServeClientRPC(ctx context.Context, addr string) error {
	server := rpc.NewServer()
	if err := server.RegisterName("Cluster", n.clientServer); err != nil {
		return fmt.Errorf("cluster: register client RPC service: %w", err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cluster: listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	n.logger.Info("client RPC listening", zap.String("addr", addr))
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}
		go server.ServeConn(conn)
	}
}

// onDeadlockVictim is invoked by the lock Scanner whenever a wait-for cycle
// is found. Only the leader proposes the LockAbort; followers' scanners
// find the same cycle but return here without proposing.
func (n *Node) onDeadlockVictim(clientID string, cycle []string) {
	if !n.raft.IsLeader() {
		return
	}
	n.logger.Info("deadlock detected, aborting victim", zap.String("client_id", clientID), zap.Strings("cycle", cycle))
	if _, err := n.propose(consensus.Command{Kind: consensus.CmdLockAbort, LockAbort: &consensus.LockAbortCmd{ClientID: clientID}}); err != nil {
		n.logger.Warn("failed to propose deadlock victim abort", zap.Error(err))
		return
	}
	n.metrics.RecordDeadlockBroken()
	if n.notifier != nil {
		n.notifier.Publish(notify.Event{Kind: notify.EventDeadlockBroken, NodeID: string(n.nodeID), Detail: clientID})
	}
}

// onExpiredReservation is invoked by the queue Sweeper for every message
// whose visibility timeout has passed. DLQ-eligible messages get a
// QueueDead proposal instead of a requeue.
func (n *Node) onExpiredReservation(messageID string) {
	if !n.raft.IsLeader() {
		return
	}
	if n.queues.ShouldDeadLetter(messageID) {
		if _, err := n.propose(consensus.Command{Kind: consensus.CmdQueueDead, QueueDead: &consensus.QueueDeadCmd{MessageID: messageID}}); err == nil {
			n.metrics.RecordQueueDeadLetter()
			if n.notifier != nil {
				n.notifier.Publish(notify.Event{Kind: notify.EventMessageDead, NodeID: string(n.nodeID), Detail: messageID})
			}
		}
		return
	}
	if _, err := n.propose(consensus.Command{Kind: consensus.CmdQueueReturn, QueueReturn: &consensus.QueueReturnCmd{MessageID: messageID}}); err == nil {
		n.metrics.RecordQueueRedelivery()
	}
}

// onCacheEvicted is invoked synchronously from within Apply whenever a Put
// forces an LRU eviction, so it must never block on anything the apply loop
// itself needs to make progress. A Modified line carries data no other node
// has a copy of, so it must be persisted to the durable sink before the slot
// can be reused, then the eviction proposed through consensus so every
// replica drops the same line in the same order (spec §4.5: a write-back on
// eviction is durability-bearing, never a side-channel write). The
// persist-then-propose work runs on its own goroutine: propose() waits for
// LastApplied to catch up to the index it just submitted, and LastApplied
// only advances from inside this same apply loop, so calling it inline here
// would deadlock the node against itself.
func (n *Node) onCacheEvicted(evicted *cache.EvictedLine) {
	if evicted.State != cache.Modified {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.storage.Put(ctx, "cache/"+evicted.Key, evicted.Value); err != nil {
			n.logger.Error("failed to persist evicted cache line", zap.String("key", evicted.Key), zap.Error(err))
			return
		}

		if _, err := n.propose(consensus.Command{Kind: consensus.CmdCacheEvict, CacheEvict: &consensus.CacheEvictCmd{
			Key:        evicted.Key,
			OriginNode: n.nodeID,
			FinalValue: evicted.Value,
		}}); err != nil {
			n.logger.Warn("failed to propose cache line eviction", zap.String("key", evicted.Key), zap.Error(err))
		}
	}()
}

// propose submits cmd through Raft and blocks until it has been applied to
// the local state machine (or ctx-equivalent deadline elapses), giving
// clients linearizable read-your-write semantics on the node they talked
// to. There is no teacher analog for this wait — the teacher's consensus
// layer never had client-synchronous semantics to provide — so this is
// built fresh, polling Metrics().LastApplied the way applyCommitted already
// polls commitIndex internally.
func (n *Node) propose(cmd consensus.Command) (consensus.LogIndex, error) {
	start := time.Now()
	index, err := n.raft.Propose(cmd)
	if err != nil {
		n.metrics.RecordProposal(cmd.Kind.String(), "not_leader", time.Since(start))
		return 0, clustererr.NotLeader(string(n.raft.GetLeader()))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n.raft.Metrics().LastApplied >= index {
			n.metrics.RecordProposal(cmd.Kind.String(), "applied", time.Since(start))
			return index, nil
		}
		time.Sleep(2 * time.Millisecond)
	}
	n.metrics.RecordProposal(cmd.Kind.String(), "timeout", time.Since(start))
	return index, clustererr.Timeout("proposal was not applied before the deadline")
}
