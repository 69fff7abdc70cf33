// Package statemachine wires the replicated lock, queue, and cache tables
// together behind a single consensus.StateMachine, dispatching each
// committed consensus.Command to the table it belongs to. Grounded on the
// teacher's applyHandler/applyCommitted single-threaded-drain shape in
// internal/consensus/raft/raft.go: there, one goroutine applies committed
// entries in order against one in-memory structure; here that same
// discipline fans out across three structures instead of one, so Apply
// itself stays a plain switch with no additional locking of its own.
package statemachine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/clustercore/internal/cache"
	"github.com/ruvnet/clustercore/internal/consensus"
	"github.com/ruvnet/clustercore/internal/lock"
	"github.com/ruvnet/clustercore/internal/queue"
	"github.com/ruvnet/clustercore/internal/sink"
)

// Machine implements consensus.StateMachine by dispatching on
// entry.Command.Kind to the lock, queue, or cache table.
type Machine struct {
	localNode consensus.NodeID
	locks     *lock.Table
	queues    *queue.Table
	cache     *cache.Table
	storage   sink.Sink
	logger    *zap.Logger

	onCacheEvict func(evicted *cache.EvictedLine)
}

// New wires the three replicated tables and the durable sink behind one
// consensus.StateMachine. storage may be nil in tests that only exercise
// the in-memory tables; every sink write below is skipped in that case.
func New(localNode consensus.NodeID, locks *lock.Table, queues *queue.Table, cacheTable *cache.Table, storage sink.Sink, logger *zap.Logger) *Machine {
	return &Machine{
		localNode: localNode,
		locks:     locks,
		queues:    queues,
		cache:     cacheTable,
		storage:   storage,
		logger:    logger,
	}
}

// OnCacheEvict registers a callback invoked whenever applying a CachePut
// causes a Modified line to be evicted, so the caller can write the final
// value back to the durable sink and propose a CacheEvict carrying it
// (spec §4.5).
func (m *Machine) OnCacheEvict(fn func(evicted *cache.EvictedLine)) {
	m.onCacheEvict = fn
}

// Apply applies one committed log entry. It is never called concurrently
// by contract (the Raft applier loop drains entries from a single
// goroutine in index order), so no method here needs its own locking
// beyond what each table already does internally.
func (m *Machine) Apply(entry *consensus.LogEntry) error {
	cmd := entry.Command

	switch cmd.Kind {
	case consensus.CmdLockAcquire:
		if cmd.LockAcquire == nil {
			return fmt.Errorf("statemachine: LockAcquire command missing payload at index %d", entry.Index)
		}
		m.locks.Acquire(cmd.LockAcquire)

	case consensus.CmdLockRelease:
		if cmd.LockRelease == nil {
			return fmt.Errorf("statemachine: LockRelease command missing payload at index %d", entry.Index)
		}
		m.locks.Release(cmd.LockRelease)

	case consensus.CmdLockAbort:
		if cmd.LockAbort == nil {
			return fmt.Errorf("statemachine: LockAbort command missing payload at index %d", entry.Index)
		}
		m.locks.Abort(cmd.LockAbort)

	case consensus.CmdQueueEnqueue:
		if cmd.QueueEnqueue == nil {
			return fmt.Errorf("statemachine: QueueEnqueue command missing payload at index %d", entry.Index)
		}
		m.queues.Enqueue(cmd.QueueEnqueue)
		m.persistQueueMessage(cmd.QueueEnqueue.MessageID, cmd.QueueEnqueue.Payload)

	case consensus.CmdQueueReserve:
		if cmd.QueueReserve == nil {
			return fmt.Errorf("statemachine: QueueReserve command missing payload at index %d", entry.Index)
		}
		m.queues.Reserve(cmd.QueueReserve)

	case consensus.CmdQueueAck:
		if cmd.QueueAck == nil {
			return fmt.Errorf("statemachine: QueueAck command missing payload at index %d", entry.Index)
		}
		m.queues.Ack(cmd.QueueAck)
		m.deleteQueueMessage(cmd.QueueAck.MessageID)

	case consensus.CmdQueueReturn:
		if cmd.QueueReturn == nil {
			return fmt.Errorf("statemachine: QueueReturn command missing payload at index %d", entry.Index)
		}
		m.queues.Return(cmd.QueueReturn)

	case consensus.CmdQueueDead:
		if cmd.QueueDead == nil {
			return fmt.Errorf("statemachine: QueueDead command missing payload at index %d", entry.Index)
		}
		m.queues.Dead(cmd.QueueDead)

	case consensus.CmdCachePut:
		if cmd.CachePut == nil {
			return fmt.Errorf("statemachine: CachePut command missing payload at index %d", entry.Index)
		}
		if evicted := m.cache.Put(cmd.CachePut, m.localNode); evicted != nil && m.onCacheEvict != nil {
			m.onCacheEvict(evicted)
		}

	case consensus.CmdCacheInvalidate:
		if cmd.CacheInvalidate == nil {
			return fmt.Errorf("statemachine: CacheInvalidate command missing payload at index %d", entry.Index)
		}
		m.cache.Invalidate(cmd.CacheInvalidate)

	case consensus.CmdCacheEvict:
		if cmd.CacheEvict == nil {
			return fmt.Errorf("statemachine: CacheEvict command missing payload at index %d", entry.Index)
		}
		m.cache.Evict(cmd.CacheEvict)

	default:
		return fmt.Errorf("statemachine: unknown command kind %v at index %d", cmd.Kind, entry.Index)
	}

	if m.logger != nil {
		m.logger.Debug("applied committed entry",
			zap.Uint64("index", uint64(entry.Index)),
			zap.Uint64("term", uint64(entry.Term)),
			zap.String("kind", cmd.Kind.String()),
		)
	}
	return nil
}

// persistQueueMessage durably stores a just-enqueued message's payload
// (spec §4.4: "on commit the state machine appends to the in-memory queue
// AND writes to the persistent sink keyed by messageId"). Every replica
// applies the same committed entry, so every replica independently writes
// its own copy to its own sink — there is no cross-replica round trip here,
// only a local disk/Redis/Postgres write, so doing it inline in Apply
// cannot deadlock the apply loop the way a re-proposal would.
func (m *Machine) persistQueueMessage(messageID string, payload []byte) {
	if m.storage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.storage.Put(ctx, "queue/"+messageID, payload); err != nil && m.logger != nil {
		m.logger.Error("failed to persist queue message", zap.String("message_id", messageID), zap.Error(err))
	}
}

// deleteQueueMessage removes an acknowledged message's durable copy (spec
// §4.4: "state machine deletes the message and removes it from the
// persistent sink").
func (m *Machine) deleteQueueMessage(messageID string) {
	if m.storage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.storage.Delete(ctx, "queue/"+messageID); err != nil && m.logger != nil {
		m.logger.Error("failed to delete acknowledged queue message", zap.String("message_id", messageID), zap.Error(err))
	}
}
