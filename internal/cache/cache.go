// Package cache implements the MESI-coherent, LRU-evicted, replicated
// cache service (spec §4.5). There is no cache-coherence analog in the
// teacher repo; the capacity-bound eviction shape is grounded on
// internal/core/storage.go's MemoryStorage (capacity check + eviction on
// insert), generalized from plain expiry-based eviction to MESI-aware
// eviction (a Modified line must write back before it can be dropped).
//
// The LRU bookkeeping is hand-rolled (an intrusive doubly-linked list +
// map, the classic shape) rather than built on
// github.com/hashicorp/golang-lru/v2: that library's Onvicted callback
// fires after removal, with no way to veto or redirect an eviction, and
// MESI eviction of a Modified line must produce a CacheEvict proposal
// carrying the final value *before* the slot is reused — a generic LRU
// can't express that coupling without reaching back into its internals.
package cache

import (
	"container/list"
	"sync"

	"github.com/ruvnet/clustercore/internal/consensus"
)

// State is a cache line's MESI coherence state.
type State int

const (
	Invalid State = iota
	Shared
	Exclusive
	Modified
)

func (s State) String() string {
	switch s {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	case Modified:
		return "modified"
	default:
		return "invalid"
	}
}

type line struct {
	key     string
	value   []byte
	state   State
	elem    *list.Element
}

// Table is one node's view of the replicated cache: MESI state per key,
// LRU ordering for eviction, all committed state applied only from the
// replicated log (writes go through CachePut; reads are served locally
// once resolved through the probe protocol).
type Table struct {
	mu       sync.Mutex
	capacity int
	lines    map[string]*line
	order    *list.List // front = most recently used

	stats Stats
}

// Stats tracks per-node hit/miss/eviction counters (SPEC_FULL.md §5's
// Cache.Stats addition).
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = 1
	}
	return &Table{
		capacity: capacity,
		lines:    make(map[string]*line),
		order:    list.New(),
	}
}

// EvictedLine is returned when a Put causes a Modified line to be evicted,
// so the caller can fold its FinalValue into the CacheEvict command
// proposed through consensus.
type EvictedLine struct {
	Key   string
	Value []byte
	State State
}

// Put applies a CachePutCmd. Per spec §4.5's write path, a CachePut commit
// sequences writes through the log: the origin installs the value as
// Modified; every other node invalidates its own copy (not adopts the new
// value directly) so that a subsequent local Get misses and re-resolves
// through the read-path probe, which is the only path that ever populates
// a Shared line. A non-origin node with no prior copy stays absent — it
// gains no new entry from a write it didn't originate. Returns the evicted
// line, if any, so the caller can propose a CacheEvict for a dirty evictee.
func (t *Table) Put(cmd *consensus.CachePutCmd, localNode consensus.NodeID) *EvictedLine {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cmd.OriginNode != localNode {
		if existing, ok := t.lines[cmd.Key]; ok {
			existing.state = Invalid
		}
		return nil
	}

	if existing, ok := t.lines[cmd.Key]; ok {
		existing.value = cmd.Value
		existing.state = Modified
		t.order.MoveToFront(existing.elem)
		return nil
	}

	var evicted *EvictedLine
	if len(t.lines) >= t.capacity {
		evicted = t.evictLRULocked()
	}

	l := &line{key: cmd.Key, value: cmd.Value, state: Modified}
	l.elem = t.order.PushFront(l)
	t.lines[cmd.Key] = l
	return evicted
}

// RespondToProbe resolves a remote peer's CacheRead(key) probe (spec §4.5
// read path) against this node's local line. A Modified or Exclusive hit
// demotes to Shared before replying — after serving the value, this node's
// copy is no longer the sole valid one, so both requester and responder end
// up Shared. A Shared hit replies without changing state. An absent or
// Invalid line reports no value.
func (t *Table) RespondToProbe(key string) (value []byte, state State, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.lines[key]
	if !ok || l.state == Invalid {
		return nil, Invalid, false
	}

	if l.state == Modified || l.state == Exclusive {
		l.state = Shared
	}
	return l.value, l.state, true
}

// AdoptShared installs value as a Shared line once this node's own
// read-path probe has resolved it from a peer (spec §4.5 read path,
// resolutions (a)-(c)), evicting the LRU line first if at capacity.
func (t *Table) AdoptShared(key string, value []byte) *EvictedLine {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.lines[key]; ok {
		existing.value = value
		existing.state = Shared
		t.order.MoveToFront(existing.elem)
		return nil
	}

	var evicted *EvictedLine
	if len(t.lines) >= t.capacity {
		evicted = t.evictLRULocked()
	}

	l := &line{key: key, value: value, state: Shared}
	l.elem = t.order.PushFront(l)
	t.lines[key] = l
	return evicted
}

// Get probes the local line. A Shared or Exclusive/Modified hit is served
// directly; Invalid/absent is a miss that the caller resolves by probing
// peers for a valid copy and adopting it locally as Shared (spec §4.5's
// read-path probe/resolution protocol).
func (t *Table) Get(key string) ([]byte, State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.lines[key]
	if !ok || l.state == Invalid {
		t.stats.Misses++
		return nil, Invalid, false
	}

	t.order.MoveToFront(l.elem)
	t.stats.Hits++
	return l.value, l.state, true
}

// Invalidate applies a CacheInvalidateCmd, downgrading the local copy (if
// any) to Invalid without removing its LRU position — a subsequent Get
// will miss and re-resolve, but eviction order is unaffected.
func (t *Table) Invalidate(cmd *consensus.CacheInvalidateCmd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.lines[cmd.Key]; ok {
		l.state = Invalid
	}
}

// Evict applies a CacheEvictCmd: removes the line from every node's table.
// If it carries a FinalValue (the line was Modified when evicted), callers
// are responsible for having already written that value back to the
// durable sink before proposing this command.
func (t *Table) Evict(cmd *consensus.CacheEvictCmd) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(cmd.Key)
}

// evictLRULocked removes the least-recently-used line and, if it was
// Modified, returns it so the caller writes it back before the slot is
// reused. Caller must hold t.mu.
func (t *Table) evictLRULocked() *EvictedLine {
	back := t.order.Back()
	if back == nil {
		return nil
	}
	victim := back.Value.(*line)
	t.stats.Evictions++

	var evicted *EvictedLine
	if victim.state == Modified {
		evicted = &EvictedLine{Key: victim.key, Value: victim.value, State: victim.state}
	}

	t.removeLocked(victim.key)
	return evicted
}

func (t *Table) removeLocked(key string) {
	l, ok := t.lines[key]
	if !ok {
		return
	}
	t.order.Remove(l.elem)
	delete(t.lines, key)
}

// Stats returns a snapshot of hit/miss/eviction counters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Len returns the number of resident lines.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lines)
}
