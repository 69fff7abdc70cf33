package cluster

import (
	"fmt"
	"net/rpc"
	"sync"

	"go.uber.org/zap"

	"github.com/ruvnet/clustercore/internal/consensus"
)

// queueForwarder dials and caches client-RPC connections to queue partition
// primaries (spec §4.4's consistent-hash ownership), so a node receiving a
// QueueEnqueue/QueueDequeue it does not own can forward the call instead of
// proposing out of partition order. Grounded on RPCTransport.getClient in
// the teacher's internal/consensus/transport/rpc.go: a read-locked lookup,
// falling back to a write-locked dial-and-cache with a double check.
type queueForwarder struct {
	cfg    map[string]string // nodeID -> client-facing addr
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[consensus.NodeID]*rpc.Client
}

func newQueueForwarder(addrs map[string]string, logger *zap.Logger) *queueForwarder {
	return &queueForwarder{
		cfg:     addrs,
		logger:  logger,
		clients: make(map[consensus.NodeID]*rpc.Client),
	}
}

func (f *queueForwarder) getClient(nodeID consensus.NodeID) (*rpc.Client, error) {
	f.mu.RLock()
	if client, ok := f.clients[nodeID]; ok {
		f.mu.RUnlock()
		return client, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[nodeID]; ok {
		return client, nil
	}

	addr, ok := f.cfg[string(nodeID)]
	if !ok {
		return nil, fmt.Errorf("queue_forward: no client addr known for primary %s", nodeID)
	}

	client, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("queue_forward: dial %s at %s: %w", nodeID, addr, err)
	}
	f.clients[nodeID] = client
	return client, nil
}

// call forwards a single "Cluster.<Method>" RPC to primary. On a dial or
// transport error it drops the cached (now presumably dead) client so the
// next call redials, mirroring the teacher's reconnect-on-next-use approach
// rather than a background keepalive loop.
func (f *queueForwarder) call(primary consensus.NodeID, method string, args, reply interface{}) error {
	client, err := f.getClient(primary)
	if err != nil {
		return err
	}
	if err := client.Call("Cluster."+method, args, reply); err != nil {
		f.mu.Lock()
		if f.clients[primary] == client {
			delete(f.clients, primary)
		}
		f.mu.Unlock()
		if f.logger != nil {
			f.logger.Warn("queue forward call failed", zap.String("primary", string(primary)), zap.String("method", method), zap.Error(err))
		}
		return fmt.Errorf("queue_forward: %s on %s: %w", method, primary, err)
	}
	return nil
}

// queuePrimary returns the node owning queueName's partition (spec §4.4) and
// whether that node is this one. A nil ring (single-node tests constructing
// a bare Node) means no partitioning is configured, so the local node is
// always its own primary.
func (n *Node) queuePrimary(queueName string) (consensus.NodeID, bool) {
	if n.ring == nil {
		return n.nodeID, true
	}
	owner, ok := n.ring.Owner(queueName)
	if !ok {
		return n.nodeID, true
	}
	return owner, owner == n.nodeID
}

func (f *queueForwarder) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, client := range f.clients {
		client.Close()
		delete(f.clients, id)
	}
}
