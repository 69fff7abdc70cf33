package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ruvnet/clustercore/internal/consensus"
)

func TestTable_SharedLocksCoexist(t *testing.T) {
	table := NewTable()
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeShared})
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c2", Mode: consensus.ModeShared})

	snap := table.Inspect("r1")
	assert.Len(t, snap.Holders, 2)
	assert.Empty(t, snap.Waiters)
}

func TestTable_ExclusiveBlocksShared(t *testing.T) {
	table := NewTable()
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeExclusive})
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c2", Mode: consensus.ModeShared, EnqueuedAt: time.Now()})

	snap := table.Inspect("r1")
	assert.Len(t, snap.Holders, 1)
	assert.Equal(t, consensus.ModeExclusive, snap.Holders["c1"])
	assert.Len(t, snap.Waiters, 1)
}

func TestTable_WriterStarvationAvoidance(t *testing.T) {
	table := NewTable()

	// c1 holds shared.
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeShared})
	// c2 wants exclusive: must wait since c1 holds shared.
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c2", Mode: consensus.ModeExclusive, EnqueuedAt: time.Now()})
	// c3 wants shared: even though shared would be compatible with c1 alone,
	// c2's exclusive request is ahead in the queue, so c3 must also wait.
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c3", Mode: consensus.ModeShared, EnqueuedAt: time.Now()})

	snap := table.Inspect("r1")
	assert.Len(t, snap.Holders, 1)
	assert.Contains(t, snap.Holders, "c1")
	if assert.Len(t, snap.Waiters, 2) {
		assert.Equal(t, "c2", snap.Waiters[0].ClientID)
		assert.Equal(t, "c3", snap.Waiters[1].ClientID)
	}
}

func TestTable_ReleasePromotesWaiters(t *testing.T) {
	table := NewTable()
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeExclusive})
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c2", Mode: consensus.ModeShared, EnqueuedAt: time.Now()})
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c3", Mode: consensus.ModeShared, EnqueuedAt: time.Now()})

	table.Release(&consensus.LockReleaseCmd{Resource: "r1", ClientID: "c1"})

	snap := table.Inspect("r1")
	assert.Len(t, snap.Holders, 2)
	assert.Contains(t, snap.Holders, "c2")
	assert.Contains(t, snap.Holders, "c3")
	assert.Empty(t, snap.Waiters)
}

func TestTable_AcquireDedupsAlreadyQueuedClient(t *testing.T) {
	table := NewTable()
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeExclusive})
	// c2 is queued behind c1's exclusive hold.
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c2", Mode: consensus.ModeExclusive, EnqueuedAt: time.Now()})
	// A retry of the same request must not double-enqueue c2.
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c2", Mode: consensus.ModeExclusive, EnqueuedAt: time.Now()})

	snap := table.Inspect("r1")
	if assert.Len(t, snap.Waiters, 1) {
		assert.Equal(t, "c2", snap.Waiters[0].ClientID)
	}
}

func TestTable_AcquireDedupsAlreadyHeldClient(t *testing.T) {
	table := NewTable()
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeShared})
	// A retry from c1 while it already holds the resource must be a no-op,
	// not a second grant that could desync from a single Release later.
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeShared})

	snap := table.Inspect("r1")
	assert.Len(t, snap.Holders, 1)
}

func TestTable_ReleaseCancelsQueuedRequestRatherThanGrantingIt(t *testing.T) {
	table := NewTable()
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeExclusive})
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c2", Mode: consensus.ModeExclusive, EnqueuedAt: time.Now()})

	// c2's acquire timed out on its origin node before ever being granted;
	// the timeout-cancel path proposes LockRelease the same as a granted
	// release would, and it must dequeue c2 rather than do nothing.
	table.Release(&consensus.LockReleaseCmd{Resource: "r1", ClientID: "c2"})

	snap := table.Inspect("r1")
	assert.Empty(t, snap.Waiters)
	assert.Contains(t, snap.Holders, "c1")
	assert.NotContains(t, snap.Holders, "c2")
}

func TestTable_AbortRemovesClientEverywhere(t *testing.T) {
	table := NewTable()
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeExclusive})
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c2", Mode: consensus.ModeExclusive, EnqueuedAt: time.Now()})

	table.Abort(&consensus.LockAbortCmd{ClientID: "c2"})

	snap := table.Inspect("r1")
	assert.Empty(t, snap.Waiters)
}

func TestWaitForGraph_DetectsCycle(t *testing.T) {
	table := NewTable()
	now := time.Now()

	// c1 holds r1 exclusive, wants r2.
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeExclusive})
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r2", ClientID: "c2", Mode: consensus.ModeExclusive})
	// c1 waits for r2 (held by c2); c2 waits for r1 (held by c1): a cycle.
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r2", ClientID: "c1", Mode: consensus.ModeExclusive, EnqueuedAt: now})
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c2", Mode: consensus.ModeExclusive, EnqueuedAt: now.Add(time.Millisecond)})

	victim, cycle := table.Scan()
	assert.NotEmpty(t, cycle)
	assert.NotEmpty(t, victim)
	assert.Contains(t, cycle, victim)
}

func TestWaitForGraph_NoCycleWhenAcyclic(t *testing.T) {
	table := NewTable()
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c1", Mode: consensus.ModeExclusive})
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c2", Mode: consensus.ModeExclusive, EnqueuedAt: time.Now()})

	victim, cycle := table.Scan()
	assert.Empty(t, victim)
	assert.Nil(t, cycle)
}

func TestSelectVictim_PicksYoungestWithLexicographicTiebreak(t *testing.T) {
	table := NewTable()
	ts := time.Now()

	// c0 holds r1 so that cA and cB both wait with equal EnqueuedAt.
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "c0", Mode: consensus.ModeExclusive})
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "cA", Mode: consensus.ModeExclusive, EnqueuedAt: ts})
	table.Acquire(&consensus.LockAcquireCmd{Resource: "r1", ClientID: "cB", Mode: consensus.ModeExclusive, EnqueuedAt: ts})

	victim := table.SelectVictim([]string{"cA", "cB"})
	assert.Equal(t, "cB", victim, "equal timestamps should tiebreak lexicographically toward the larger id")
}
