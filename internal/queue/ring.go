package queue

import (
	"hash/crc32"
	"sort"
	"strconv"

	"github.com/ruvnet/clustercore/internal/consensus"
)

// virtualNodes is the number of virtual nodes placed on the ring per
// physical node (spec §4.4).
const virtualNodes = 128

// Ring is a consistent-hash ring mapping queue partition keys to the node
// responsible for owning that partition's primary. Grounded directly in
// spec.md §4.4 — the teacher's core.Queue is a single unpartitioned map
// keyed by queue name; this generalizes ownership across nodes.
type Ring struct {
	vnodeCount int
	sortedKeys []uint32
	owners     map[uint32]consensus.NodeID
}

// NewRing builds a ring over nodes with virtualNodes each.
func NewRing(nodes []consensus.NodeID) *Ring {
	return newRingWithVNodes(nodes, virtualNodes)
}

func newRingWithVNodes(nodes []consensus.NodeID, vnodes int) *Ring {
	r := &Ring{
		vnodeCount: vnodes,
		owners:     make(map[uint32]consensus.NodeID),
	}

	for _, n := range nodes {
		for i := 0; i < vnodes; i++ {
			h := hashKey(string(n) + "#" + strconv.Itoa(i))
			r.owners[h] = n
			r.sortedKeys = append(r.sortedKeys, h)
		}
	}
	sort.Slice(r.sortedKeys, func(i, j int) bool { return r.sortedKeys[i] < r.sortedKeys[j] })
	return r
}

// Owner returns the node owning partitionKey (typically a queue name).
func (r *Ring) Owner(partitionKey string) (consensus.NodeID, bool) {
	if len(r.sortedKeys) == 0 {
		return "", false
	}
	h := hashKey(partitionKey)
	idx := sort.Search(len(r.sortedKeys), func(i int) bool { return r.sortedKeys[i] >= h })
	if idx == len(r.sortedKeys) {
		idx = 0
	}
	return r.owners[r.sortedKeys[idx]], true
}

func hashKey(s string) uint32 {
	return crc32.ChecksumIEEE([]byte(s))
}
