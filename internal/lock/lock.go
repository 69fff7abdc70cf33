// Package lock implements the replicated shared/exclusive lock service
// (spec §4.3): per-resource lock state, FIFO wait queues with
// writer-starvation avoidance, and deadlock detection via a wait-for
// graph rebuilt from scratch on each scan.
//
// There is no lock-service analog in the teacher repo; the per-key
// mutex-guarded table shape is grounded on
// internal/core/ratelimiter.go's bucket map + mutex, generalized from a
// token-bucket-per-key table to a lock-state-per-resource table.
package lock

import (
	"sort"
	"sync"
	"time"

	"github.com/ruvnet/clustercore/internal/consensus"
)

// waiter is one entry in a resource's FIFO wait queue.
type waiter struct {
	clientID   string
	mode       consensus.LockMode
	enqueuedAt time.Time
}

// resourceState is the lock state for a single resource.
type resourceState struct {
	holders map[string]consensus.LockMode // clientID -> mode held
	queue   []*waiter
}

func newResourceState() *resourceState {
	return &resourceState{holders: make(map[string]consensus.LockMode)}
}

func (rs *resourceState) isFree() bool {
	return len(rs.holders) == 0
}

func (rs *resourceState) isExclusivelyHeld() bool {
	for _, m := range rs.holders {
		if m == consensus.ModeExclusive {
			return true
		}
	}
	return false
}

// Table is the lock service's committed state: applied only from the
// replicated log, never from a direct client call (spec §4.3's mandate
// that lock mutation flows through consensus).
type Table struct {
	mu        sync.Mutex
	resources map[string]*resourceState
}

func NewTable() *Table {
	return &Table{resources: make(map[string]*resourceState)}
}

// Acquire applies a LockAcquireCmd: grants immediately if compatible,
// otherwise enqueues the requester in FIFO order. Writer-starvation
// avoidance: a later shared request may not jump ahead of an exclusive
// request already waiting at the head of the queue, even though shared
// requests are otherwise compatible with each other.
func (t *Table) Acquire(cmd *consensus.LockAcquireCmd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, ok := t.resources[cmd.Resource]
	if !ok {
		rs = newResourceState()
		t.resources[cmd.Resource] = rs
	}

	// A client whose earlier request already holds or is already queued
	// on this resource must not be granted or enqueued a second time: the
	// only way the RPC layer previously observed a queued grant was by
	// retrying Acquire, which would otherwise double-enqueue the same
	// client; once the first copy is granted and released, promoteLocked
	// would re-grant the stale duplicate, corrupting FIFO order and the
	// wait-for graph.
	if _, alreadyHolds := rs.holders[cmd.ClientID]; alreadyHolds {
		return
	}
	for _, w := range rs.queue {
		if w.clientID == cmd.ClientID {
			return
		}
	}

	if t.canGrantLocked(rs, cmd.Mode) {
		rs.holders[cmd.ClientID] = cmd.Mode
		return
	}

	rs.queue = append(rs.queue, &waiter{
		clientID:   cmd.ClientID,
		mode:       cmd.Mode,
		enqueuedAt: cmd.EnqueuedAt,
	})
}

// canGrantLocked reports whether mode can be granted to a new holder right
// now: the resource must be free, or (for shared requests) held only by
// shared holders with no exclusive waiter ahead of this requester in the
// queue.
func (t *Table) canGrantLocked(rs *resourceState, mode consensus.LockMode) bool {
	if rs.isFree() {
		return len(rs.queue) == 0
	}
	if mode == consensus.ModeExclusive {
		return false
	}
	if rs.isExclusivelyHeld() {
		return false
	}
	// Shared is compatible with other shared holders, but only if no
	// exclusive waiter sits ahead in the FIFO queue (starvation avoidance).
	for _, w := range rs.queue {
		if w.mode == consensus.ModeExclusive {
			return false
		}
	}
	return true
}

// Release applies a LockReleaseCmd. A client that still holds the
// resource simply gives it up; a client whose request is still queued
// (the timeout-cancel path: spec §4.3 proposes LockRelease on a
// client-supplied acquire timeout, whether or not it has been granted
// yet) is instead dequeued, since it never held anything to release.
func (t *Table) Release(cmd *consensus.LockReleaseCmd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, ok := t.resources[cmd.Resource]
	if !ok {
		return
	}
	if _, held := rs.holders[cmd.ClientID]; held {
		delete(rs.holders, cmd.ClientID)
		t.promoteLocked(rs)
	} else {
		filtered := rs.queue[:0]
		for _, w := range rs.queue {
			if w.clientID != cmd.ClientID {
				filtered = append(filtered, w)
			}
		}
		rs.queue = filtered
	}

	if rs.isFree() && len(rs.queue) == 0 {
		delete(t.resources, cmd.Resource)
	}
}

// Abort removes clientID from every resource's holder set and wait queue
// (used when a client is declared the deadlock victim).
func (t *Table) Abort(cmd *consensus.LockAbortCmd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for resource, rs := range t.resources {
		if _, held := rs.holders[cmd.ClientID]; held {
			delete(rs.holders, cmd.ClientID)
			t.promoteLocked(rs)
		}
		filtered := rs.queue[:0]
		for _, w := range rs.queue {
			if w.clientID != cmd.ClientID {
				filtered = append(filtered, w)
			}
		}
		rs.queue = filtered

		if rs.isFree() && len(rs.queue) == 0 {
			delete(t.resources, resource)
		}
	}
}

// promoteLocked grants the lock to as many waiters at the head of the
// queue as remain compatible once the head is granted, preserving the
// FIFO order within a batch of compatible shared grants.
func (t *Table) promoteLocked(rs *resourceState) {
	for len(rs.queue) > 0 {
		head := rs.queue[0]
		// The head is the oldest waiter, so only the current holders can
		// block it (canGrantLocked would also count the head itself).
		if head.mode == consensus.ModeExclusive && !rs.isFree() {
			break
		}
		if head.mode == consensus.ModeShared && rs.isExclusivelyHeld() {
			break
		}
		rs.holders[head.clientID] = head.mode
		rs.queue = rs.queue[1:]
		if head.mode == consensus.ModeExclusive {
			break
		}
	}
}

// ResourceSnapshot is a point-in-time view of a resource's lock state,
// returned by Inspect (spec §4.3's inspect(), SPEC_FULL.md §5's detail
// addition).
type ResourceSnapshot struct {
	Resource string
	Holders  map[string]consensus.LockMode
	Waiters  []WaiterSnapshot
}

type WaiterSnapshot struct {
	ClientID   string
	Mode       consensus.LockMode
	EnqueuedAt time.Time
}

// Inspect returns a snapshot of resource's current holders and wait queue.
func (t *Table) Inspect(resource string) ResourceSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := ResourceSnapshot{Resource: resource, Holders: map[string]consensus.LockMode{}}
	rs, ok := t.resources[resource]
	if !ok {
		return snap
	}
	for c, m := range rs.holders {
		snap.Holders[c] = m
	}
	for _, w := range rs.queue {
		snap.Waiters = append(snap.Waiters, WaiterSnapshot{ClientID: w.clientID, Mode: w.mode, EnqueuedAt: w.enqueuedAt})
	}
	return snap
}

// snapshotAll returns every resource's holders/waiters, used by the
// deadlock scanner to build the wait-for graph from scratch.
func (t *Table) snapshotAll() map[string]*resourceState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]*resourceState, len(t.resources))
	for resource, rs := range t.resources {
		cp := newResourceState()
		for c, m := range rs.holders {
			cp.holders[c] = m
		}
		cp.queue = append(cp.queue, rs.queue...)
		out[resource] = cp
	}
	return out
}

// sortedClientIDs is used by FindCycle to visit clients in a deterministic
// lexicographic order.
func sortedClientIDs(m map[string]bool) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
