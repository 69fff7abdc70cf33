package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruvnet/clustercore/internal/cache"
	"github.com/ruvnet/clustercore/internal/consensus"
)

// cacheProbeRequest/cacheProbeResponse are the wire payloads for spec
// §4.5's read-path "CacheRead(key)" probe: a service-level side channel
// riding the same Transport as consensus RPCs (spec §4.1), routed here via
// Raft.SetMessageHook rather than through the Raft core itself.
type cacheProbeRequest struct {
	Key string `json:"key"`
}

type cacheProbeResponse struct {
	Found bool        `json:"found"`
	State cache.State `json:"state"`
	Value []byte      `json:"value"`
}

// handleTransportMessage receives every transport frame Raft itself does
// not recognize. Registered with raft.SetMessageHook in New so a single
// Transport instance can carry both consensus RPCs and this side channel.
func (n *Node) handleTransportMessage(msg *consensus.ConsensusMessage) {
	switch msg.Type {
	case consensus.CacheProbeMsg:
		n.handleCacheProbe(msg)
	default:
		if n.logger != nil {
			n.logger.Warn("dropping unknown transport message type", zap.Int("type", int(msg.Type)))
		}
	}
}

// handleCacheProbe answers a peer's CacheRead(key) probe from local cache
// state, demoting a Modified/Exclusive line to Shared in the process (spec
// §4.5 read path resolutions (a)/(b)).
func (n *Node) handleCacheProbe(msg *consensus.ConsensusMessage) {
	var req cacheProbeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		if n.logger != nil {
			n.logger.Warn("failed to unmarshal cache probe", zap.Error(err))
		}
		return
	}

	value, state, found := n.cache.RespondToProbe(req.Key)
	resp := cacheProbeResponse{Found: found, State: state, Value: value}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}

	reply := &consensus.ConsensusMessage{
		Type:          consensus.CacheProbeReplyMsg,
		SenderID:      n.nodeID,
		To:            msg.SenderID,
		CorrelationID: msg.CorrelationID,
		Payload:       payload,
		Timestamp:     time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.transport.Send(ctx, msg.SenderID, reply); err != nil && n.logger != nil {
		n.logger.Warn("failed to send cache probe reply", zap.Error(err))
	}
}

// probeCachePeers implements the rest of spec §4.5's read path on a local
// miss: broadcast a CacheRead(key) probe to every peer and resolve replies
// by MESI priority — a Modified holder's value outranks Exclusive, which
// outranks any Shared holder. The winning value is adopted locally as
// Shared. found=false (a "miss") means no peer holds a valid copy; the
// caller falls through to the out-of-scope backing store.
func (n *Node) probeCachePeers(key string) (value []byte, found bool) {
	payload, err := json.Marshal(cacheProbeRequest{Key: key})
	if err != nil {
		return nil, false
	}

	responses := make(chan cacheProbeResponse, len(n.cfg.Peers))
	var wg sync.WaitGroup

	for id := range n.cfg.Peers {
		peerID := consensus.NodeID(id)
		wg.Add(1)
		go func() {
			defer wg.Done()

			msg := &consensus.ConsensusMessage{
				Type:          consensus.CacheProbeMsg,
				SenderID:      n.nodeID,
				To:            peerID,
				CorrelationID: uuid.NewString(),
				Payload:       payload,
				Timestamp:     time.Now(),
			}
			timeout := 500 * time.Millisecond
			reply, err := n.transport.Request(context.Background(), peerID, msg, timeout)
			if err != nil {
				return
			}
			var resp cacheProbeResponse
			if err := json.Unmarshal(reply.Payload, &resp); err != nil || !resp.Found {
				return
			}
			responses <- resp
		}()
	}

	go func() {
		wg.Wait()
		close(responses)
	}()

	var best *cacheProbeResponse
	for resp := range responses {
		r := resp
		if best == nil || cacheStateRank(r.State) > cacheStateRank(best.State) {
			best = &r
		}
	}
	if best == nil {
		return nil, false
	}

	n.cache.AdoptShared(key, best.Value)
	return best.Value, true
}

func cacheStateRank(s cache.State) int {
	switch s {
	case cache.Modified:
		return 3
	case cache.Exclusive:
		return 2
	case cache.Shared:
		return 1
	default:
		return 0
	}
}
