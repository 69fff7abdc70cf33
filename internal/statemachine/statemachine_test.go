package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/clustercore/internal/cache"
	"github.com/ruvnet/clustercore/internal/consensus"
	"github.com/ruvnet/clustercore/internal/lock"
	"github.com/ruvnet/clustercore/internal/queue"
	"github.com/ruvnet/clustercore/internal/sink"
)

func newTestMachine() (*Machine, *lock.Table, *queue.Table, *cache.Table) {
	locks := lock.NewTable()
	queues := queue.NewTable(5)
	cacheTable := cache.NewTable(10)
	m := New("n1", locks, queues, cacheTable, nil, nil)
	return m, locks, queues, cacheTable
}

func TestMachine_AppliesLockAcquire(t *testing.T) {
	m, locks, _, _ := newTestMachine()

	err := m.Apply(&consensus.LogEntry{
		Index: 1,
		Term:  1,
		Command: consensus.Command{
			Kind:        consensus.CmdLockAcquire,
			LockAcquire: &consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeExclusive},
		},
	})
	require.NoError(t, err)

	snap := locks.Inspect("r1")
	assert.Contains(t, snap.Holders, "c1")
}

func TestMachine_AppliesQueueEnqueue(t *testing.T) {
	m, _, queues, _ := newTestMachine()

	err := m.Apply(&consensus.LogEntry{
		Index: 1,
		Term:  1,
		Command: consensus.Command{
			Kind:         consensus.CmdQueueEnqueue,
			QueueEnqueue: &consensus.QueueEnqueueCmd{QueueName: "q1", MessageID: "m1", Payload: []byte("x"), ProducedAt: time.Now()},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "m1", queues.NextPending("q1"))
}

func TestMachine_AppliesCachePutAndReportsEviction(t *testing.T) {
	m, _, _, cacheTable := newTestMachine()
	_ = cacheTable

	var evicted *cache.EvictedLine
	m = New("n1", lock.NewTable(), queue.NewTable(5), cache.NewTable(1), nil, nil)
	m.OnCacheEvict(func(e *cache.EvictedLine) { evicted = e })

	require.NoError(t, m.Apply(&consensus.LogEntry{
		Command: consensus.Command{
			Kind:     consensus.CmdCachePut,
			CachePut: &consensus.CachePutCmd{Key: "k1", Value: []byte("v1"), OriginNode: "n1"},
		},
	}))
	require.NoError(t, m.Apply(&consensus.LogEntry{
		Command: consensus.Command{
			Kind:     consensus.CmdCachePut,
			CachePut: &consensus.CachePutCmd{Key: "k2", Value: []byte("v2"), OriginNode: "n1"},
		},
	}))

	require.NotNil(t, evicted)
	assert.Equal(t, "k1", evicted.Key)
}

func TestMachine_QueueEnqueuePersistsToSinkAndAckRemovesIt(t *testing.T) {
	locks := lock.NewTable()
	queues := queue.NewTable(5)
	cacheTable := cache.NewTable(10)
	storage := sink.NewMemoryStorage()
	m := New("n1", locks, queues, cacheTable, storage, nil)

	require.NoError(t, m.Apply(&consensus.LogEntry{
		Index: 1,
		Command: consensus.Command{
			Kind:         consensus.CmdQueueEnqueue,
			QueueEnqueue: &consensus.QueueEnqueueCmd{QueueName: "q1", MessageID: "m1", Payload: []byte("x"), ProducedAt: time.Now()},
		},
	}))

	ctx := context.Background()
	value, ok, err := storage.Get(ctx, "queue/m1")
	require.NoError(t, err)
	require.True(t, ok, "an enqueued message must be written to the durable sink keyed by messageId")
	assert.Equal(t, []byte("x"), value)

	require.NoError(t, m.Apply(&consensus.LogEntry{
		Index:    2,
		Command:  consensus.Command{Kind: consensus.CmdQueueAck, QueueAck: &consensus.QueueAckCmd{MessageID: "m1"}},
	}))

	_, ok, err = storage.Get(ctx, "queue/m1")
	require.NoError(t, err)
	assert.False(t, ok, "an acknowledged message must be removed from the durable sink")
}

func TestMachine_RejectsMissingPayload(t *testing.T) {
	m, _, _, _ := newTestMachine()

	err := m.Apply(&consensus.LogEntry{
		Index:   1,
		Command: consensus.Command{Kind: consensus.CmdLockAcquire},
	})
	assert.Error(t, err)
}

func TestMachine_RejectsUnknownKind(t *testing.T) {
	m, _, _, _ := newTestMachine()

	err := m.Apply(&consensus.LogEntry{
		Index:   1,
		Command: consensus.Command{Kind: consensus.CommandKind(999)},
	})
	assert.Error(t, err)
}
